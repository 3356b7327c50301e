package core

import (
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/branchfabric/go-branch/pkg/branch/types"
)

// ConnectionManager tracks the single admitted session per peer identity
// (spec.md 4.4). It applies the connection ordering tie-break from
// spec.md 4.2 whenever a second transport to an already-connected peer
// is admitted.
type ConnectionManager struct {
	mu           sync.Mutex
	localIdentity types.Identity
	sessions     map[types.Identity]*Connection
	log          types.Logger
}

func NewConnectionManager(localIdentity types.Identity, log types.Logger) *ConnectionManager {
	return &ConnectionManager{
		localIdentity: localIdentity,
		sessions:      make(map[types.Identity]*Connection),
		log:           log,
	}
}

// Admit registers conn as the session for its peer identity. If a
// session already exists for that peer (a simultaneous reciprocal
// connect), the tie-break of spec.md 4.2 decides which survives: the
// connection whose dialling side carries the lower identity. The loser
// is closed with ErrDuplicateConnection and is not returned as admitted.
func (m *ConnectionManager) Admit(conn *Connection) (*Connection, error) {
	peer := conn.PeerIdentity()

	m.mu.Lock()
	existing, ok := m.sessions[peer]
	if !ok {
		m.sessions[peer] = conn
		m.mu.Unlock()
		return conn, nil
	}

	wantDialed := m.localIdentity.Less(peer)
	newIsCorrectDirection := conn.dialed == wantDialed
	if !newIsCorrectDirection {
		m.mu.Unlock()
		_ = conn.Close()
		return nil, types.ErrDuplicateConnection
	}

	m.sessions[peer] = conn
	m.mu.Unlock()
	_ = existing.Close()
	return conn, nil
}

// Remove drops the session for peer if it is still the admitted one.
// The discovery layer may subsequently re-connect (spec.md 4.4).
func (m *ConnectionManager) Remove(peer types.Identity, conn *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.sessions[peer]; ok && current == conn {
		delete(m.sessions, peer)
	}
}

func (m *ConnectionManager) Get(peer types.Identity) (*Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.sessions[peer]
	return c, ok
}

// Each calls fn for every currently admitted session. fn must not call
// back into the manager.
func (m *ConnectionManager) Each(fn func(types.Identity, *Connection)) {
	m.mu.Lock()
	snapshot := make([]*Connection, 0, len(m.sessions))
	for _, c := range m.sessions {
		snapshot = append(snapshot, c)
	}
	m.mu.Unlock()

	for _, c := range snapshot {
		fn(c.PeerIdentity(), c)
	}
}

func (m *ConnectionManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Close tears down every admitted session concurrently and waits for all
// of them to finish closing before returning.
func (m *ConnectionManager) Close() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[types.Identity]*Connection)
	m.mu.Unlock()

	var g errgroup.Group
	for _, c := range sessions {
		c := c
		g.Go(func() error {
			return c.Close()
		})
	}
	_ = g.Wait()
}
