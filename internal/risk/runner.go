package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mbd888/churnshield/internal/idgen"
	"github.com/mbd888/churnshield/internal/metrics"
	"github.com/mbd888/churnshield/internal/traces"
)

// Defaults for Runner.
const (
	DefaultWorkers     = 8
	DefaultUnitTimeout = 30 * time.Second
)

// TransitionInput is what the notifier needs to describe a bucket change.
type TransitionInput struct {
	Snapshot *Snapshot
	Customer Customer
	Usage    *Usage
}

// TransitionNotifier is told about every snapshot whose bucket changed.
// Implementations must not block the batch for long and must not panic.
type TransitionNotifier interface {
	Notify(ctx context.Context, in TransitionInput)
}

// SummaryNotifier receives the summary at the end of a run.
type SummaryNotifier interface {
	NotifySummary(ctx context.Context, s RunSummary)
}

// Notifier is both.
type Notifier interface {
	TransitionNotifier
	SummaryNotifier
}

// RunSummary aggregates one batch run.
type RunSummary struct {
	RunID                  string    `json:"runId"`
	Date                   string    `json:"date"`
	OrganizationsProcessed int       `json:"organizationsProcessed"`
	CustomersProcessed     int       `json:"customersProcessed"`
	NewAtRisk              int       `json:"newAtRisk"`
	Improved               int       `json:"improved"`
	Errors                 int       `json:"errors"`
	Skipped                int       `json:"skipped"`
	DurationMs             int64     `json:"durationMs"`
	StartedAt              time.Time `json:"startedAt"`
}

// Runner scores every customer in the directory for one day.
type Runner struct {
	directory   Directory
	metrics     MetricsProvider
	store       SnapshotStore
	usage       UsageProvider
	notifier    Notifier
	workers     int
	unitTimeout time.Duration
	logger      *slog.Logger
	running     atomic.Bool
}

// NewRunner creates a batch runner.
func NewRunner(directory Directory, provider MetricsProvider, store SnapshotStore, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		directory:   directory,
		metrics:     provider,
		store:       store,
		workers:     DefaultWorkers,
		unitTimeout: DefaultUnitTimeout,
		logger:      logger,
	}
}

// WithNotifier sets the transition and summary notifier.
func (r *Runner) WithNotifier(n Notifier) *Runner {
	r.notifier = n
	return r
}

// WithUsage sets the usage source passed to the notifier.
func (r *Runner) WithUsage(u UsageProvider) *Runner {
	r.usage = u
	return r
}

// WithWorkers bounds concurrent customer units.
func (r *Runner) WithWorkers(n int) *Runner {
	if n > 0 {
		r.workers = n
	}
	return r
}

// WithUnitTimeout bounds each customer unit.
func (r *Runner) WithUnitTimeout(d time.Duration) *Runner {
	if d > 0 {
		r.unitTimeout = d
	}
	return r
}

// ErrRunInProgress is returned when Run is called while a run is active.
var ErrRunInProgress = errors.New("risk: run already in progress")

type unitResult int

const (
	unitScored unitResult = iota
	unitSkipped
	unitFailed
)

// Run scores every customer for day. Per-customer failures are counted and
// skipped; only a directory listing failure or cancellation of ctx ends
// the run early, and the partial summary is still returned.
func (r *Runner) Run(ctx context.Context, day time.Time) (RunSummary, error) {
	if !r.running.CompareAndSwap(false, true) {
		return RunSummary{}, ErrRunInProgress
	}
	defer r.running.Store(false)

	start := time.Now()
	summary := RunSummary{RunID: idgen.Run(), Date: Day(day), StartedAt: start.UTC()}
	logger := r.logger.With("run_id", summary.RunID, "date", summary.Date)

	ctx, span := traces.StartSpan(ctx, "risk.Run")
	err := r.run(ctx, day, &summary, logger)
	traces.End(span, err)

	summary.DurationMs = time.Since(start).Milliseconds()
	metrics.RiskRunDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.RiskRunsTotal.WithLabelValues("error").Inc()
		logger.Error("risk run aborted", "error", err, "customers", summary.CustomersProcessed)
	} else {
		metrics.RiskRunsTotal.WithLabelValues("ok").Inc()
		logger.Info("risk run completed",
			"organizations", summary.OrganizationsProcessed,
			"customers", summary.CustomersProcessed,
			"new_at_risk", summary.NewAtRisk,
			"improved", summary.Improved,
			"errors", summary.Errors,
			"skipped", summary.Skipped,
			"duration_ms", summary.DurationMs)
	}

	if r.notifier != nil {
		r.notifier.NotifySummary(context.WithoutCancel(ctx), summary)
	}
	return summary, err
}

// Running reports whether a run is active.
func (r *Runner) Running() bool {
	return r.running.Load()
}

func (r *Runner) run(ctx context.Context, day time.Time, summary *RunSummary, logger *slog.Logger) error {
	orgs, err := r.directory.Organizations(ctx)
	if err != nil {
		return fmt.Errorf("failed to list organizations: %w", err)
	}

	var (
		processed, newAtRisk, improved, failed, skipped atomic.Int64
	)

	for _, org := range orgs {
		if err := ctx.Err(); err != nil {
			break
		}
		customers, err := r.directory.Customers(ctx, org)
		if err != nil {
			logger.Warn("failed to list customers", "organization_id", org, "error", err)
			failed.Add(1)
			metrics.RiskCustomerErrorsTotal.Inc()
			continue
		}
		summary.OrganizationsProcessed++

		g := new(errgroup.Group)
		g.SetLimit(r.workers)
		for _, c := range customers {
			if ctx.Err() != nil {
				break
			}
			g.Go(func() error {
				snap, res := r.scoreUnit(ctx, c, day, logger)
				switch res {
				case unitScored:
					processed.Add(1)
					if snap.Changed() {
						if snap.RiskBucket == BucketAtRisk {
							newAtRisk.Add(1)
						} else if *snap.BucketChangedFrom == BucketAtRisk {
							improved.Add(1)
						}
					}
				case unitSkipped:
					skipped.Add(1)
				case unitFailed:
					failed.Add(1)
				}
				return nil
			})
		}
		_ = g.Wait()
	}

	summary.CustomersProcessed = int(processed.Load())
	summary.NewAtRisk = int(newAtRisk.Load())
	summary.Improved = int(improved.Load())
	summary.Errors = int(failed.Load())
	summary.Skipped = int(skipped.Load())
	return ctx.Err()
}

// scoreUnit scores one customer under its own timeout. It never panics out.
func (r *Runner) scoreUnit(parent context.Context, c Customer, day time.Time, logger *slog.Logger) (snap *Snapshot, res unitResult) {
	logger = logger.With("organization_id", c.OrganizationID, "customer_id", c.CustomerID)
	defer func() {
		if p := recover(); p != nil {
			logger.Error("panic scoring customer", "panic", fmt.Sprint(p))
			metrics.RiskCustomerErrorsTotal.Inc()
			snap, res = nil, unitFailed
		}
	}()

	ctx, cancel := context.WithTimeout(parent, r.unitTimeout)
	defer cancel()
	ctx, span := traces.StartSpan(ctx, "risk.ScoreCustomer",
		traces.OrganizationID(c.OrganizationID), traces.CustomerID(c.CustomerID))

	snap, err := r.scoreCustomer(ctx, c, day)
	switch {
	case errors.Is(err, ErrSnapshotExists):
		traces.End(span, nil)
		logger.Debug("snapshot already recorded, skipping")
		return nil, unitSkipped
	case err != nil:
		traces.End(span, err)
		logger.Warn("failed to score customer", "error", err)
		metrics.RiskCustomerErrorsTotal.Inc()
		return nil, unitFailed
	}
	span.SetAttributes(traces.Bucket(string(snap.RiskBucket)))
	traces.End(span, nil)

	metrics.RiskCustomersScoredTotal.WithLabelValues(string(snap.RiskBucket)).Inc()
	if snap.Changed() {
		metrics.RiskBucketTransitionsTotal.WithLabelValues(string(*snap.BucketChangedFrom), string(snap.RiskBucket)).Inc()
		r.notify(ctx, c, snap, logger)
	}
	return snap, unitScored
}

func (r *Runner) scoreCustomer(ctx context.Context, c Customer, day time.Time) (*Snapshot, error) {
	m, err := r.metrics.Metrics(ctx, c, day)
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}
	snap := NewSnapshot(c, day, m, Score(m))
	if _, err := r.store.Record(ctx, snap); err != nil {
		return nil, err
	}
	return snap, nil
}

func (r *Runner) notify(ctx context.Context, c Customer, snap *Snapshot, logger *slog.Logger) {
	if r.notifier == nil {
		return
	}
	in := TransitionInput{Snapshot: snap, Customer: c}
	if r.usage != nil && snap.RiskBucket == BucketAtRisk {
		u, err := r.usage.Usage(ctx, c)
		if err != nil {
			logger.Warn("failed to load usage, notifying without it", "error", err)
		}
		in.Usage = u
	}
	r.notifier.Notify(ctx, in)
}
