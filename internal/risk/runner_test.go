package risk

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedMetrics returns fixed metrics per customer and can fail or stall.
type scriptedMetrics struct {
	mu      sync.Mutex
	byID    map[string]Metrics
	failIDs map[string]bool
	stallID string
	panicID string
}

func (s *scriptedMetrics) set(id string, m Metrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[id] = m
}

func (s *scriptedMetrics) Metrics(ctx context.Context, c Customer, _ time.Time) (Metrics, error) {
	s.mu.Lock()
	m, fail := s.byID[c.CustomerID], s.failIDs[c.CustomerID]
	stall, boom := s.stallID == c.CustomerID, s.panicID == c.CustomerID
	s.mu.Unlock()

	if boom {
		panic("metrics exploded")
	}
	if stall {
		<-ctx.Done()
		return Metrics{}, ctx.Err()
	}
	if fail {
		return Metrics{}, errors.New("metrics unavailable")
	}
	return m, nil
}

type recordingNotifier struct {
	mu          sync.Mutex
	transitions []TransitionInput
	summaries   []RunSummary
}

func (n *recordingNotifier) Notify(_ context.Context, in TransitionInput) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.transitions = append(n.transitions, in)
}

func (n *recordingNotifier) NotifySummary(_ context.Context, s RunSummary) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.summaries = append(n.summaries, s)
}

type runFixture struct {
	dir      *MemoryDirectory
	metrics  *scriptedMetrics
	store    *MemorySnapshotStore
	notifier *recordingNotifier
	runner   *Runner
}

func newRunFixture(t *testing.T) *runFixture {
	t.Helper()
	f := &runFixture{
		dir:      NewMemoryDirectory(),
		metrics:  &scriptedMetrics{byID: map[string]Metrics{}, failIDs: map[string]bool{}},
		store:    NewMemorySnapshotStore(),
		notifier: &recordingNotifier{},
	}
	f.runner = NewRunner(f.dir, f.metrics, f.store, slog.Default()).
		WithNotifier(f.notifier).
		WithUsage(f.dir).
		WithWorkers(4).
		WithUnitTimeout(200 * time.Millisecond)
	return f
}

var (
	atRiskMetrics  = Metrics{CancelAttempts7d: 1, CancelAttempts30d: 1, OffersDeclined30d: 1}
	watchMetrics   = Metrics{CancelAttempts7d: 1, CancelAttempts30d: 1}
	healthyMetrics = Metrics{}
)

func day(s string) time.Time {
	d, _ := time.Parse(DateLayout, s)
	return d
}

func TestRunner_NotifiesOnlyOnBucketChange(t *testing.T) {
	ctx := context.Background()
	f := newRunFixture(t)
	f.dir.Add(Customer{OrganizationID: "org_1", CustomerID: "cus_1", Email: "one@example.com"})
	f.dir.Add(Customer{OrganizationID: "org_1", CustomerID: "cus_2"})
	f.dir.SetUsage("org_1", "cus_1", Usage{LoginsCurrent: 58, LoginsPrior: 100})
	f.metrics.set("cus_1", healthyMetrics)
	f.metrics.set("cus_2", watchMetrics)

	s, err := f.runner.Run(ctx, day("2026-03-01"))
	require.NoError(t, err)
	assert.Equal(t, 2, s.CustomersProcessed)
	assert.Empty(t, f.notifier.transitions, "first snapshots never notify")

	// same buckets again
	s, err = f.runner.Run(ctx, day("2026-03-02"))
	require.NoError(t, err)
	assert.Equal(t, 0, s.NewAtRisk)
	assert.Empty(t, f.notifier.transitions)

	f.metrics.set("cus_1", atRiskMetrics)
	f.metrics.set("cus_2", healthyMetrics)
	s, err = f.runner.Run(ctx, day("2026-03-03"))
	require.NoError(t, err)
	assert.Equal(t, 1, s.NewAtRisk)
	assert.Equal(t, 0, s.Improved, "watch to healthy is not an improvement out of at_risk")
	require.Len(t, f.notifier.transitions, 2)

	byID := map[string]TransitionInput{}
	for _, in := range f.notifier.transitions {
		byID[in.Customer.CustomerID] = in
	}
	atRisk := byID["cus_1"]
	assert.Equal(t, BucketAtRisk, atRisk.Snapshot.RiskBucket)
	assert.Equal(t, BucketHealthy, *atRisk.Snapshot.BucketChangedFrom)
	require.NotNil(t, atRisk.Usage)
	assert.Equal(t, 100, atRisk.Usage.LoginsPrior)
	assert.Nil(t, byID["cus_2"].Usage, "usage is only loaded for at-risk transitions")

	f.metrics.set("cus_1", watchMetrics)
	s, err = f.runner.Run(ctx, day("2026-03-04"))
	require.NoError(t, err)
	assert.Equal(t, 1, s.Improved)

	assert.Len(t, f.notifier.summaries, 4)
}

func TestRunner_ContinuesPastFailures(t *testing.T) {
	f := newRunFixture(t)
	for _, id := range []string{"cus_1", "cus_2", "cus_3", "cus_4"} {
		f.dir.Add(Customer{OrganizationID: "org_1", CustomerID: id})
		f.metrics.set(id, watchMetrics)
	}
	f.dir.Add(Customer{OrganizationID: "org_2", CustomerID: "cus_5"})
	f.metrics.failIDs["cus_2"] = true
	f.metrics.stallID = "cus_3"
	f.metrics.panicID = "cus_4"

	s, err := f.runner.Run(context.Background(), day("2026-03-01"))
	require.NoError(t, err)
	assert.Equal(t, 2, s.OrganizationsProcessed)
	assert.Equal(t, 2, s.CustomersProcessed)
	assert.Equal(t, 3, s.Errors)

	hist, err := f.store.History(context.Background(), HistoryQuery{OrganizationID: "org_1", CustomerID: "cus_1"})
	require.NoError(t, err)
	assert.Len(t, hist, 1)
}

func TestRunner_RerunSameDaySkips(t *testing.T) {
	ctx := context.Background()
	f := newRunFixture(t)
	f.dir.Add(Customer{OrganizationID: "org_1", CustomerID: "cus_1"})
	f.metrics.set("cus_1", watchMetrics)

	_, err := f.runner.Run(ctx, day("2026-03-01"))
	require.NoError(t, err)
	s, err := f.runner.Run(ctx, day("2026-03-01"))
	require.NoError(t, err)
	assert.Equal(t, 0, s.CustomersProcessed)
	assert.Equal(t, 1, s.Skipped)
	assert.Equal(t, 0, s.Errors)
}

func TestRunner_CanceledContext(t *testing.T) {
	f := newRunFixture(t)
	f.dir.Add(Customer{OrganizationID: "org_1", CustomerID: "cus_1"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.runner.Run(ctx, day("2026-03-01"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, f.notifier.summaries, 1, "summary is still emitted")
}

func TestWorker_RunsOnStartAndStops(t *testing.T) {
	f := newRunFixture(t)
	f.dir.Add(Customer{OrganizationID: "org_1", CustomerID: "cus_1"})
	w := NewWorker(f.runner, time.Hour, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		f.notifier.mu.Lock()
		defer f.notifier.mu.Unlock()
		return len(f.notifier.summaries) == 1
	}, time.Second, 5*time.Millisecond)
	assert.True(t, w.Running())

	// Stop is dropped while the loop is not yet waiting, so keep signalling.
	require.Eventually(t, func() bool {
		w.Stop()
		select {
		case <-done:
			return true
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
	assert.False(t, w.Running())
}
