package gateway

import "sync"

// ConnectionManager tracks every live Connection and can stop them all at
// once on shutdown. Go connections run concurrently on separate
// goroutines (unlike the single-threaded reactor this gateway's design is
// grounded on), so the live-set is guarded by a mutex; stop_all snapshots
// the set before calling Stop on each entry so a connection removing
// itself mid-iteration can never corrupt the walk, per spec.md §4.H.
type ConnectionManager struct {
	mu   sync.Mutex
	live map[*Connection]struct{}
}

// NewConnectionManager returns an empty manager.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{live: make(map[*Connection]struct{})}
}

// Start registers c as live and runs its lifecycle on a new goroutine.
// Starting an already-registered connection is a no-op.
func (m *ConnectionManager) Start(c *Connection) {
	m.mu.Lock()
	if _, exists := m.live[c]; exists {
		m.mu.Unlock()
		return
	}
	m.live[c] = struct{}{}
	m.mu.Unlock()

	go func() {
		c.Start()
		m.remove(c)
	}()
}

// Stop removes c from the live-set and stops it. Stopping an unregistered
// (or already-stopped) connection is a no-op.
func (m *ConnectionManager) Stop(c *Connection) {
	if !m.remove(c) {
		return
	}
	c.Stop()
}

func (m *ConnectionManager) remove(c *Connection) bool {
	m.mu.Lock()
	_, existed := m.live[c]
	delete(m.live, c)
	m.mu.Unlock()
	return existed
}

// StopAll stops every currently live connection. It snapshots the
// live-set first so connections that remove themselves as a side effect
// of Stop cannot invalidate the iteration.
func (m *ConnectionManager) StopAll() {
	m.mu.Lock()
	snapshot := make([]*Connection, 0, len(m.live))
	for c := range m.live {
		snapshot = append(snapshot, c)
	}
	m.live = make(map[*Connection]struct{})
	m.mu.Unlock()

	for _, c := range snapshot {
		c.Stop()
	}
}

// Count returns the number of currently live connections.
func (m *ConnectionManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}
