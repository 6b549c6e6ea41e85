package session

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/workspace/agent-client/internal/correlator"
)

// Manager owns one Store per connection id.
type Manager struct {
	defaults Options

	mu     sync.Mutex
	stores map[string]*Store
}

// NewManager returns a Manager whose stores are built from defaults with
// the connection id and sender filled in per connection.
func NewManager(defaults Options) *Manager {
	return &Manager{defaults: defaults, stores: make(map[string]*Store)}
}

// Open returns the store for connectionID, creating it on first use. An
// existing store is re-hydrated from the cache only while it is still
// empty.
func (m *Manager) Open(ctx context.Context, connectionID string, send correlator.SendFunc) *Store {
	m.mu.Lock()
	if s, ok := m.stores[connectionID]; ok {
		m.mu.Unlock()
		if _, err := s.LoadCache(ctx); err != nil {
			s.log.Warn("Session: cache hydration failed", "error", err)
		}
		return s
	}
	opts := m.defaults
	opts.ConnectionID = connectionID
	opts.Send = send
	s := New(ctx, opts)
	m.stores[connectionID] = s
	m.mu.Unlock()

	slog.Info("Session: opened", "connectionID", connectionID)
	return s
}

// Get returns the store for connectionID if one is open.
func (m *Manager) Get(connectionID string) (*Store, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stores[connectionID]
	return s, ok
}

// Close closes and forgets the store for connectionID.
func (m *Manager) Close(connectionID string) {
	m.mu.Lock()
	s, ok := m.stores[connectionID]
	delete(m.stores, connectionID)
	m.mu.Unlock()
	if ok {
		s.Close()
		slog.Info("Session: closed", "connectionID", connectionID)
	}
}

// CloseAll closes every open store.
func (m *Manager) CloseAll() {
	for _, id := range m.IDs() {
		m.Close(id)
	}
}

// IDs returns the open connection ids in sorted order.
func (m *Manager) IDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.stores))
	for id := range m.stores {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
