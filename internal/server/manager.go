package server

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/livetemplate/liveserve/internal/cache"
	"github.com/livetemplate/liveserve/internal/fsys"
)

type registration struct {
	server   Server
	priority int
	order    int
}

// Manager picks the server for a path by capability. Servers are asked in
// priority order, highest first; ties keep registration order.
type Manager struct {
	mu      sync.RWMutex
	servers []registration
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{}
}

// Register adds s with the given priority.
func (m *Manager) Register(s Server, priority int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.servers = append(m.servers, registration{server: s, priority: priority, order: len(m.servers)})
	sort.SliceStable(m.servers, func(i, j int) bool {
		if m.servers[i].priority != m.servers[j].priority {
			return m.servers[i].priority > m.servers[j].priority
		}
		return m.servers[i].order < m.servers[j].order
	})
}

// ServerFor returns the first server that can serve p.
func (m *Manager) ServerFor(p string) (Server, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, r := range m.servers {
		if r.server.CanServe(p) {
			return r.server, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoServer, p)
}

// Add hands doc to the server responsible for its path.
func (m *Manager) Add(doc cache.LiveDocument) error {
	s, err := m.ServerFor(doc.Path())
	if err != nil {
		return err
	}
	s.Add(doc)
	return nil
}

// Start binds fs on every server.
func (m *Manager) Start(fs fsys.FS) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, r := range m.servers {
		if err := r.server.Start(fs); err != nil {
			return err
		}
	}
	return nil
}

// Stop unbinds every server, returning all errors joined.
func (m *Manager) Stop() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var errs []error
	for _, r := range m.servers {
		if err := r.server.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
