// Package ssh reaches remote web server hosts over SSH. It runs commands,
// probes the platform version and reads and replaces the host config
// document over SFTP.
package ssh

import (
	"context"
	"time"
)

// Transport defines the remote operations the reconciler needs from a host.
type Transport interface {
	// Connect establishes an SSH connection to the remote host.
	// Returns an error if connection fails or authentication is rejected.
	Connect(ctx context.Context) error

	// Disconnect closes the SSH connection and releases all resources.
	Disconnect() error

	// IsConnected returns true if the transport has an active connection.
	IsConnected() bool

	// HealthCheck verifies the connection is still alive and responsive.
	HealthCheck(ctx context.Context) error

	// ExecuteCommand runs a command on the remote host.
	// Returns stdout, stderr, and any error that occurred.
	ExecuteCommand(ctx context.Context, cmd string) (stdout string, stderr string, err error)

	// PlatformVersion reports the major version of the web server platform.
	PlatformVersion(ctx context.Context) (int, error)

	// ReadFile reads a remote file over SFTP.
	ReadFile(ctx context.Context, path string) ([]byte, error)

	// WriteFile replaces a remote file over SFTP. Readers never observe a
	// partially written file.
	WriteFile(ctx context.Context, path string, data []byte) error

	// GetConnectionInfo returns information about the current connection.
	GetConnectionInfo() ConnectionInfo
}

// ConnectionInfo contains details about an active SSH connection.
type ConnectionInfo struct {
	// Host is the remote hostname or IP address
	Host string

	// Port is the SSH port number
	Port int

	// User is the SSH username
	User string

	// ConnectedAt is when the connection was established
	ConnectedAt time.Time

	// LastActivity is when the connection was last used
	LastActivity time.Time
}

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "exec", "read")
	Op string

	// Err is the underlying error
	Err error

	// IsTemporary indicates if the error is temporary and can be retried
	IsTemporary bool

	// IsAuthError indicates if the error is related to authentication
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Temporary reports whether the operation may succeed on retry.
func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}
