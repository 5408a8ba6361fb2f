package topology

import (
	"context"
	"fmt"
	"sync"
)

// MemoryAccessor keeps host registries in process memory.
type MemoryAccessor struct {
	mu      sync.Mutex
	hosts   map[string]*Registry
	commits map[string]int
}

// NewMemoryAccessor creates an empty in-memory accessor.
func NewMemoryAccessor() *MemoryAccessor {
	return &MemoryAccessor{
		hosts:   make(map[string]*Registry),
		commits: make(map[string]int),
	}
}

// Seed stores a copy of reg as the registry of host, replacing any previous one.
func (m *MemoryAccessor) Seed(host string, reg *Registry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hosts[host] = reg.Clone()
}

// Snapshot returns a copy of the committed registry of host.
func (m *MemoryAccessor) Snapshot(host string) (*Registry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reg, ok := m.hosts[host]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrHostNotFound, host)
	}
	return reg.Clone(), nil
}

// Commits returns how many sessions have committed against host.
func (m *MemoryAccessor) Commits(host string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commits[host]
}

// Open implements Accessor.
func (m *MemoryAccessor) Open(ctx context.Context, host string) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	reg, err := m.Snapshot(host)
	if err != nil {
		return nil, err
	}
	return &memorySession{accessor: m, host: host, working: reg}, nil
}

type memorySession struct {
	accessor *MemoryAccessor
	host     string
	working  *Registry
	closed   bool
}

func (s *memorySession) Registry() *Registry {
	return s.working
}

func (s *memorySession) Commit(ctx context.Context) error {
	if s.closed {
		return ErrSessionClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.accessor.mu.Lock()
	defer s.accessor.mu.Unlock()
	s.accessor.hosts[s.host] = s.working.Clone()
	s.accessor.commits[s.host]++
	return nil
}

func (s *memorySession) Close() error {
	s.closed = true
	return nil
}
