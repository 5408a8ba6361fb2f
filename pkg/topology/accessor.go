package topology

import (
	"context"
	"errors"
)

var (
	// ErrHostNotFound is returned when an accessor has no registry for a host.
	ErrHostNotFound = errors.New("host not found")

	// ErrSessionClosed is returned when a closed session is used.
	ErrSessionClosed = errors.New("session closed")

	// ErrConflict is returned by Commit when the host topology changed after
	// the session was opened.
	ErrConflict = errors.New("topology changed since session was opened")
)

// Accessor opens read/write sessions over a host's topology.
type Accessor interface {
	// Open acquires a session for host. The caller must Close it.
	Open(ctx context.Context, host string) (Session, error)
}

// Session is a scoped read/write view of one host's registry.
type Session interface {
	// Registry returns the session's working registry. Mutations stay
	// private to the session until Commit.
	Registry() *Registry

	// Commit publishes every pending mutation atomically.
	Commit(ctx context.Context) error

	// Close releases the session. Uncommitted mutations are discarded.
	// Close is idempotent.
	Close() error
}
