package risk

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemorySnapshotStore implements SnapshotStore in memory.
type MemorySnapshotStore struct {
	mu     sync.Mutex
	nextID int64
	// keyed by organization/customer, sorted by date ascending
	byCustomer map[string][]*Snapshot
}

// NewMemorySnapshotStore creates an in-memory snapshot store.
func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{byCustomer: make(map[string][]*Snapshot)}
}

func (m *MemorySnapshotStore) Record(_ context.Context, snap *Snapshot) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := snap.OrganizationID + "/" + snap.CustomerID
	list := m.byCustomer[key]

	var prior *Snapshot
	for _, s := range list {
		if s.Date == snap.Date {
			return nil, ErrSnapshotExists
		}
		if s.Date < snap.Date {
			prior = s
		}
	}

	applyPrior(snap, prior)
	m.nextID++
	snap.ID = m.nextID
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}

	stored := cloneSnapshot(snap)
	list = append(list, stored)
	sort.Slice(list, func(i, j int) bool { return list[i].Date < list[j].Date })
	m.byCustomer[key] = list

	if prior == nil {
		return nil, nil
	}
	return cloneSnapshot(prior), nil
}

func (m *MemorySnapshotStore) History(_ context.Context, q HistoryQuery) ([]*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.byCustomer[q.OrganizationID+"/"+q.CustomerID]
	limit := defaultLimit(q.Limit)
	out := make([]*Snapshot, 0, len(list))
	for i := len(list) - 1; i >= 0 && len(out) < limit; i-- {
		s := list[i]
		if q.From != "" && s.Date < q.From {
			continue
		}
		if q.To != "" && s.Date > q.To {
			continue
		}
		if q.Before != "" && s.Date >= q.Before {
			continue
		}
		out = append(out, cloneSnapshot(s))
	}
	return out, nil
}

func cloneSnapshot(s *Snapshot) *Snapshot {
	cp := *s
	if s.Factors != nil {
		cp.Factors = append([]string(nil), s.Factors...)
	}
	if s.BucketChangedFrom != nil {
		b := *s.BucketChangedFrom
		cp.BucketChangedFrom = &b
	}
	return &cp
}
