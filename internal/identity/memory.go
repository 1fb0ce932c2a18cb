package identity

import (
	"context"
	"crypto/rsa"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store and Presence, used by tests and by
// single-node setups that provision identities from config.
type MemoryStore struct {
	mu       sync.RWMutex
	userKeys map[UserID]*rsa.PublicKey
	members  map[UserID][]TeamID
	nodeKeys map[uuid.UUID]*rsa.PublicKey
	owners   map[uuid.UUID]TeamID
	online   map[uuid.UUID]bool
	lastSeen map[uuid.UUID]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		userKeys: make(map[UserID]*rsa.PublicKey),
		members:  make(map[UserID][]TeamID),
		nodeKeys: make(map[uuid.UUID]*rsa.PublicKey),
		owners:   make(map[uuid.UUID]TeamID),
		online:   make(map[uuid.UUID]bool),
		lastSeen: make(map[uuid.UUID]time.Time),
	}
}

func (m *MemoryStore) AddUser(id UserID, key *rsa.PublicKey, teams ...TeamID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.userKeys[id] = key
	m.members[id] = append([]TeamID(nil), teams...)
}

func (m *MemoryStore) AddNode(id uuid.UUID, key *rsa.PublicKey, team TeamID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodeKeys[id] = key
	m.owners[id] = team
}

func (m *MemoryStore) PublicKeyOf(_ context.Context, p Principal) (*rsa.PublicKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var key *rsa.PublicKey
	switch p.Role {
	case RoleUser:
		key = m.userKeys[p.UserID]
	case RoleNode:
		key = m.nodeKeys[p.NodeID]
	}
	if key == nil {
		return nil, ErrUnknownPrincipal
	}
	return key, nil
}

func (m *MemoryStore) OwningTeamOf(_ context.Context, node uuid.UUID) (TeamID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	team, ok := m.owners[node]
	if !ok {
		return 0, ErrUnknownPrincipal
	}
	return team, nil
}

func (m *MemoryStore) TeamsOf(_ context.Context, user UserID) ([]TeamID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]TeamID(nil), m.members[user]...), nil
}

func (m *MemoryStore) SetNodeOnline(_ context.Context, node uuid.UUID, online bool, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.online[node] = online
	m.lastSeen[node] = at
	return nil
}

func (m *MemoryStore) TouchNodes(_ context.Context, nodes []uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range nodes {
		m.lastSeen[n] = at
	}
	return nil
}

// NodeOnline reports the last recorded presence of node.
func (m *MemoryStore) NodeOnline(node uuid.UUID) (online bool, lastSeen time.Time) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online[node], m.lastSeen[node]
}

var (
	_ Store    = (*MemoryStore)(nil)
	_ Presence = (*MemoryStore)(nil)
)
