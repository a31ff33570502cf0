package events

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for demo mode and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	events []*Event
}

// NewMemoryStore creates an empty in-memory event store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Write appends a copy of e.
func (m *MemoryStore) Write(_ context.Context, e *Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, cloneEvent(e))
	return nil
}

// ListByCustomer returns copies of the customer's events since the given time, oldest first.
func (m *MemoryStore) ListByCustomer(_ context.Context, organizationID, customerID string, since time.Time) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Event
	for _, e := range m.events {
		if e.CustomerID != customerID || e.OrganizationID != organizationID {
			continue
		}
		if e.OccurredAt.Before(since) {
			continue
		}
		out = append(out, cloneEvent(e))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].OccurredAt.Before(out[j].OccurredAt) })
	return out, nil
}

// All returns a copy of every stored event in write order.
func (m *MemoryStore) All() []*Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Event, len(m.events))
	for i, e := range m.events {
		out[i] = cloneEvent(e)
	}
	return out
}

// Types returns the event types in write order. Handy for asserting sequences.
func (m *MemoryStore) Types() []Type {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Type, len(m.events))
	for i, e := range m.events {
		out[i] = e.Type
	}
	return out
}

func cloneEvent(e *Event) *Event {
	c := *e
	if e.Details != nil {
		c.Details = make(map[string]any, len(e.Details))
		for k, v := range e.Details {
			c.Details[k] = v
		}
	}
	return &c
}
