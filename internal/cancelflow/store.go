package cancelflow

import (
	"context"
	"sync"
)

// Store persists flow sessions. At most one non-closed session may exist per
// (organization, customer, subscription).
type Store interface {
	// Create inserts a new session. Returns ErrSessionExists when another
	// open session holds the same subscription.
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	// FindOpen returns the open session for the subscription or
	// ErrSessionNotFound.
	FindOpen(ctx context.Context, organizationID, customerID, subscriptionID string) (*Session, error)
	// Update replaces the session if its stored version equals expected.
	// Returns ErrStaleSession otherwise.
	Update(ctx context.Context, s *Session, expected int64) error
}

type pairKey struct {
	org, customer, subscription string
}

func pairOf(s *Session) pairKey {
	return pairKey{s.OrganizationID, s.CustomerID, s.SubscriptionID}
}

// MemoryStore is an in-memory session store for demo mode and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	open     map[pairKey]string
}

// NewMemoryStore creates an empty session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		open:     make(map[pairKey]string),
	}
}

func (m *MemoryStore) Create(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := pairOf(s)
	if !s.IsClosed() {
		if _, taken := m.open[key]; taken {
			return ErrSessionExists
		}
		m.open[key] = s.ID
	}
	m.sessions[s.ID] = s.clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s.clone(), nil
}

func (m *MemoryStore) FindOpen(_ context.Context, organizationID, customerID, subscriptionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.open[pairKey{organizationID, customerID, subscriptionID}]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return m.sessions[id].clone(), nil
}

func (m *MemoryStore) Update(_ context.Context, s *Session, expected int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.sessions[s.ID]
	if !ok {
		return ErrSessionNotFound
	}
	if cur.Version != expected {
		return ErrStaleSession
	}
	if s.IsClosed() {
		delete(m.open, pairOf(cur))
	}
	m.sessions[s.ID] = s.clone()
	return nil
}
