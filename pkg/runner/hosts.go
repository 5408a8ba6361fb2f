package runner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/openfroyo/sitekick/pkg/config"
	"github.com/openfroyo/sitekick/pkg/topology/hostconfig"
	"github.com/openfroyo/sitekick/pkg/transports/ssh"
)

// DefaultPlatformVersion is assumed for file backends that don't declare one.
const DefaultPlatformVersion = 10

// Hosts owns the backends of the hosts a run touches. SSH connections are
// opened on first use and closed by Close.
type Hosts struct {
	accessor *hostconfig.Accessor

	mu      sync.Mutex
	clients map[string]*ssh.SSHClient
}

// NewHosts creates an empty host set.
func NewHosts() *Hosts {
	return &Hosts{
		accessor: hostconfig.NewAccessor(),
		clients:  make(map[string]*ssh.SSHClient),
	}
}

// Accessor returns the topology accessor over the registered hosts.
func (h *Hosts) Accessor() *hostconfig.Accessor {
	return h.accessor
}

// Add registers the backend of one host.
func (h *Hosts) Add(name string, hc config.HostConfig) error {
	switch hc.Backend {
	case config.BackendFile, "":
		version := hc.PlatformVersion
		if version == 0 {
			version = DefaultPlatformVersion
		}
		h.accessor.AddHost(name, hostconfig.Host{
			FS:              hostconfig.LocalFS{},
			Path:            hc.ConfigPath,
			PlatformVersion: version,
		})
		return nil

	case config.BackendSSH:
		if hc.SSH == nil {
			return fmt.Errorf("host %s: ssh settings are required", name)
		}
		cfg, err := SSHConfig(name, *hc.SSH)
		if err != nil {
			return fmt.Errorf("host %s: %w", name, err)
		}
		client, err := ssh.NewSSHClient(cfg)
		if err != nil {
			return fmt.Errorf("host %s: %w", name, err)
		}

		remote := &remoteFS{client: client}
		host := hostconfig.Host{FS: remote, Path: hc.ConfigPath, PlatformVersion: hc.PlatformVersion}
		if hc.PlatformVersion == 0 {
			host.Probe = remote.PlatformVersion
		}
		h.accessor.AddHost(name, host)

		h.mu.Lock()
		if old, ok := h.clients[name]; ok {
			_ = old.Disconnect()
		}
		h.clients[name] = client
		h.mu.Unlock()
		return nil

	default:
		return fmt.Errorf("host %s: unsupported backend %q", name, hc.Backend)
	}
}

// Resolve registers a backend for every host the tasks of file address.
// Hosts declared in the file use their declaration; the rest use fallback.
func (h *Hosts) Resolve(file *config.TaskFile, fallback *config.HostConfig) error {
	seen := make(map[string]bool)
	for _, task := range file.Tasks {
		if seen[task.Host] {
			continue
		}
		seen[task.Host] = true

		hc, ok := file.Hosts[task.Host]
		if !ok {
			if fallback == nil {
				return fmt.Errorf("no backend configured for host %s", task.Host)
			}
			hc = *fallback
		}
		if err := h.Add(task.Host, hc); err != nil {
			return err
		}
	}
	return nil
}

// Close disconnects every SSH client.
func (h *Hosts) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	names := make([]string, 0, len(h.clients))
	for name := range h.clients {
		names = append(names, name)
	}
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		if err := h.clients[name].Disconnect(); err != nil {
			errs = append(errs, fmt.Errorf("host %s: %w", name, err))
		}
		delete(h.clients, name)
	}
	return errors.Join(errs...)
}

// SSHConfig converts task-file ssh settings for host into a transport config.
func SSHConfig(host string, s config.SSHSettings) (*ssh.Config, error) {
	address := s.Address
	if address == "" {
		address = host
	}
	cfg := ssh.DefaultConfig(address, s.User)
	if s.Port != 0 {
		cfg.Port = s.Port
	}
	if s.AuthMethod != "" {
		cfg.AuthMethod = ssh.AuthMethod(s.AuthMethod)
	}
	cfg.Password = s.Password
	cfg.PrivateKeyPath = s.PrivateKeyPath
	if s.KnownHostsPath != "" {
		cfg.KnownHostsPath = s.KnownHostsPath
	}
	if s.InsecureIgnoreHostKey {
		cfg.StrictHostKeyChecking = false
	}
	timeout, err := s.Timeout()
	if err != nil {
		return nil, fmt.Errorf("invalid connection timeout: %w", err)
	}
	if timeout > 0 {
		cfg.ConnectionTimeout = timeout
	}
	if s.VersionCommand != "" {
		cfg.VersionCommand = s.VersionCommand
	}
	return cfg, nil
}

// remoteFS reaches the host config document over SFTP, connecting on demand.
type remoteFS struct {
	client *ssh.SSHClient
}

func (r *remoteFS) ReadFile(ctx context.Context, path string) ([]byte, error) {
	if err := r.client.Connect(ctx); err != nil {
		return nil, err
	}
	return r.client.ReadFile(ctx, path)
}

func (r *remoteFS) WriteFile(ctx context.Context, path string, data []byte) error {
	if err := r.client.Connect(ctx); err != nil {
		return err
	}
	return r.client.WriteFile(ctx, path, data)
}

func (r *remoteFS) PlatformVersion(ctx context.Context) (int, error) {
	if err := r.client.Connect(ctx); err != nil {
		return 0, err
	}
	return r.client.PlatformVersion(ctx)
}
