package hostconfig

import (
	"context"
	"crypto/sha256"
	"fmt"
	"reflect"
	"sync"

	"github.com/openfroyo/sitekick/pkg/topology"
)

// DefaultConfigPath is where the platform keeps its host config document.
const DefaultConfigPath = "C:/Windows/System32/inetsrv/config/applicationHost.config"

// VersionProbe discovers the platform major version of a host.
type VersionProbe func(ctx context.Context) (int, error)

// Host describes how to reach one host's config document.
type Host struct {
	// FS reads and writes the document. Defaults to LocalFS.
	FS FileSystem

	// Path of the document. Defaults to DefaultConfigPath.
	Path string

	// PlatformVersion is used when Probe is nil.
	PlatformVersion int

	// Probe, if set, is called once per host to discover the platform version.
	Probe VersionProbe
}

// Accessor implements topology.Accessor over host config documents.
type Accessor struct {
	mu       sync.Mutex
	hosts    map[string]Host
	versions map[string]int
}

// NewAccessor creates an accessor with no hosts.
func NewAccessor() *Accessor {
	return &Accessor{
		hosts:    make(map[string]Host),
		versions: make(map[string]int),
	}
}

// AddHost registers or replaces a host.
func (a *Accessor) AddHost(name string, h Host) {
	if h.FS == nil {
		h.FS = LocalFS{}
	}
	if h.Path == "" {
		h.Path = DefaultConfigPath
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.hosts[name] = h
	delete(a.versions, name)
}

// Open implements topology.Accessor.
func (a *Accessor) Open(ctx context.Context, host string) (topology.Session, error) {
	a.mu.Lock()
	h, ok := a.hosts[host]
	a.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", topology.ErrHostNotFound, host)
	}

	version, err := a.platformVersion(ctx, host, h)
	if err != nil {
		return nil, err
	}

	data, err := h.FS.ReadFile(ctx, h.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read host config %s: %w", h.Path, err)
	}
	doc, err := decode(data)
	if err != nil {
		return nil, err
	}

	working := doc.registry(version)
	return &session{
		host:     h,
		doc:      doc,
		checksum: sha256.Sum256(data),
		base:     working.Clone(),
		working:  working,
	}, nil
}

func (a *Accessor) platformVersion(ctx context.Context, name string, h Host) (int, error) {
	if h.Probe == nil {
		return h.PlatformVersion, nil
	}

	a.mu.Lock()
	v, ok := a.versions[name]
	a.mu.Unlock()
	if ok {
		return v, nil
	}

	v, err := h.Probe(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to probe platform version: %w", err)
	}

	a.mu.Lock()
	a.versions[name] = v
	a.mu.Unlock()
	return v, nil
}

type session struct {
	host     Host
	doc      *document
	checksum [sha256.Size]byte
	base     *topology.Registry
	working  *topology.Registry
	closed   bool
}

func (s *session) Registry() *topology.Registry {
	return s.working
}

func (s *session) Commit(ctx context.Context) error {
	if s.closed {
		return topology.ErrSessionClosed
	}

	current, err := s.host.FS.ReadFile(ctx, s.host.Path)
	if err != nil {
		return fmt.Errorf("failed to re-read host config %s: %w", s.host.Path, err)
	}
	if sha256.Sum256(current) != s.checksum {
		return fmt.Errorf("%w: %s", topology.ErrConflict, s.host.Path)
	}

	// Nothing changed: leave the document byte-for-byte untouched.
	if reflect.DeepEqual(s.base, s.working) {
		return nil
	}

	s.doc.apply(s.working)
	data, err := encode(s.doc)
	if err != nil {
		return err
	}
	if err := s.host.FS.WriteFile(ctx, s.host.Path, data); err != nil {
		return fmt.Errorf("failed to write host config %s: %w", s.host.Path, err)
	}
	s.checksum = sha256.Sum256(data)
	s.base = s.working.Clone()
	return nil
}

func (s *session) Close() error {
	s.closed = true
	return nil
}
