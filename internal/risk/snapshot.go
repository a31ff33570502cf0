package risk

import (
	"context"
	"errors"
	"time"
)

var (
	ErrSnapshotExists = errors.New("risk: snapshot already recorded for customer and day")
	ErrInvalidMetrics = errors.New("risk: metrics must not be negative")
)

// DateLayout is the calendar-day format used for snapshot dates.
const DateLayout = "2006-01-02"

// Snapshot is one customer's scored health for one UTC day. Snapshots are
// append-only: at most one exists per (organization, customer, date).
type Snapshot struct {
	ID                int64     `json:"id,omitempty"`
	OrganizationID    string    `json:"organizationId"`
	CustomerID        string    `json:"customerId"`
	Date              string    `json:"date"`
	Metrics           Metrics   `json:"metrics"`
	RiskScore         int       `json:"riskScore"`
	RiskBucket        Bucket    `json:"riskBucket"`
	Factors           []string  `json:"factors"`
	BucketChangedFrom *Bucket   `json:"bucketChangedFrom,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
}

// Changed reports whether this snapshot moved the customer to a new bucket.
func (s *Snapshot) Changed() bool {
	return s.BucketChangedFrom != nil && *s.BucketChangedFrom != s.RiskBucket
}

// NewSnapshot builds an unsaved snapshot for c on day from a scored result.
func NewSnapshot(c Customer, day time.Time, m Metrics, r Result) *Snapshot {
	return &Snapshot{
		OrganizationID: c.OrganizationID,
		CustomerID:     c.CustomerID,
		Date:           Day(day),
		Metrics:        m,
		RiskScore:      r.Score,
		RiskBucket:     r.Bucket,
		Factors:        r.Factors,
	}
}

// Day formats t as a UTC calendar day.
func Day(t time.Time) string {
	return t.UTC().Format(DateLayout)
}

// HistoryQuery selects snapshots for one customer, newest first.
type HistoryQuery struct {
	OrganizationID string
	CustomerID     string
	From           string
	To             string
	// Before excludes Before and later days; used for keyset paging.
	Before string
	Limit  int
}

// SnapshotStore persists daily snapshots.
type SnapshotStore interface {
	// Record atomically looks up the customer's latest snapshot before
	// snap.Date, sets snap.BucketChangedFrom when the bucket differs, and
	// inserts snap. It returns the prior snapshot (nil for a first-ever
	// snapshot) and ErrSnapshotExists for a duplicate day.
	Record(ctx context.Context, snap *Snapshot) (prior *Snapshot, err error)

	// History returns snapshots matching q, newest first.
	History(ctx context.Context, q HistoryQuery) ([]*Snapshot, error)
}

// applyPrior sets BucketChangedFrom from prior. No prior means no transition.
func applyPrior(snap, prior *Snapshot) {
	snap.BucketChangedFrom = nil
	if prior != nil && prior.RiskBucket != snap.RiskBucket {
		from := prior.RiskBucket
		snap.BucketChangedFrom = &from
	}
}

const (
	// DefaultHistoryLimit is the page size when none is requested.
	DefaultHistoryLimit = 90
	// MaxHistoryLimit bounds one page of history.
	MaxHistoryLimit = 365
)

// defaultLimit leaves room for the one extra row a pager fetches.
func defaultLimit(n int) int {
	if n <= 0 {
		return DefaultHistoryLimit
	}
	if n > MaxHistoryLimit+1 {
		return MaxHistoryLimit + 1
	}
	return n
}
