package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/churnshield/internal/idgen"
	"github.com/mbd888/churnshield/internal/metrics"
)

const (
	// DefaultWriteTimeout bounds a single best-effort write.
	DefaultWriteTimeout = 2 * time.Second

	// DefaultQueueSize is the number of events a started Recorder buffers
	// before it starts dropping.
	DefaultQueueSize = 1024
)

// ErrRecorderClosed is returned by Flush after Close.
var ErrRecorderClosed = errors.New("event recorder closed")

// Recorder is the best-effort front door to a Sink.
//
// Delivery is at-most-once: each event gets a single write attempt bounded
// by the write timeout, and failures are never reported to the caller. Lost
// events are visible only through logs and the events_dropped_total counter.
//
// A Recorder writes inline until Start is called. After Start, Record only
// enqueues and a single worker writes in arrival order; a full queue drops
// the event. Close drains the queue.
type Recorder struct {
	sink    Sink
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time

	mu     sync.RWMutex // guards queue against Close
	queue  chan queued
	closed bool
	done   chan struct{}
}

// queued is an event waiting for the worker, or a flush marker when ack is
// set.
type queued struct {
	ctx   context.Context
	event *Event
	ack   chan struct{}
}

// NewRecorder wraps sink. A nil sink makes Record a no-op.
func NewRecorder(sink Sink, logger *slog.Logger) *Recorder {
	return &Recorder{
		sink:    sink,
		timeout: DefaultWriteTimeout,
		logger:  logger,
		now:     time.Now,
	}
}

// WithTimeout overrides the per-write timeout.
func (r *Recorder) WithTimeout(d time.Duration) *Recorder {
	if d > 0 {
		r.timeout = d
	}
	return r
}

// WithClock overrides the clock used to stamp OccurredAt.
func (r *Recorder) WithClock(now func() time.Time) *Recorder {
	r.now = now
	return r
}

// Start switches the recorder to queued delivery and starts its worker.
// queueSize <= 0 uses DefaultQueueSize. Calling Start twice is a no-op.
func (r *Recorder) Start(queueSize int) *Recorder {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.queue != nil || r.closed {
		return r
	}
	r.queue = make(chan queued, queueSize)
	r.done = make(chan struct{})
	go r.loop()
	return r
}

func (r *Recorder) loop() {
	defer close(r.done)
	for item := range r.queue {
		if item.ack != nil {
			close(item.ack)
			continue
		}
		r.write(item.ctx, item.event)
	}
}

// Record fills in ID and OccurredAt when missing and writes e, or queues it
// on a started recorder. The write is detached from ctx cancellation so a
// client disconnect does not drop it.
func (r *Recorder) Record(ctx context.Context, e *Event) {
	if r == nil || r.sink == nil || e == nil {
		return
	}
	if e.ID == "" {
		e.ID = idgen.Event()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = r.now().UTC()
	}
	if e.Details == nil {
		e.Details = map[string]any{}
	}

	if err := e.Validate(); err != nil {
		metrics.EventsDroppedTotal.WithLabelValues(string(e.Type)).Inc()
		r.logger.Warn("churn event rejected", "event_type", e.Type, "customer_id", e.CustomerID, "error", err)
		return
	}

	detached := context.WithoutCancel(ctx)

	r.mu.RLock()
	defer r.mu.RUnlock()
	switch {
	case r.closed:
		r.drop(e, "recorder closed")
	case r.queue != nil:
		select {
		case r.queue <- queued{ctx: detached, event: e}:
		default:
			r.drop(e, "queue full")
		}
	default:
		r.write(detached, e)
	}
}

// Flush waits until every event queued before the call has been attempted.
// It returns immediately on a recorder that was never started.
func (r *Recorder) Flush(ctx context.Context) error {
	if r == nil {
		return nil
	}
	ack := make(chan struct{})

	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return ErrRecorderClosed
	}
	if r.queue == nil {
		r.mu.RUnlock()
		return nil
	}
	select {
	case r.queue <- queued{ack: ack}:
		r.mu.RUnlock()
	case <-ctx.Done():
		r.mu.RUnlock()
		return ctx.Err()
	}

	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting events and waits for the queue to drain or ctx to
// end. Events recorded after Close are dropped.
func (r *Recorder) Close(ctx context.Context) error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	done := r.done
	if r.queue != nil {
		close(r.queue)
	}
	r.mu.Unlock()

	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event queue not drained: %w", ctx.Err())
	}
}

func (r *Recorder) write(ctx context.Context, e *Event) {
	defer func() {
		if p := recover(); p != nil {
			metrics.EventsDroppedTotal.WithLabelValues(string(e.Type)).Inc()
			r.logger.Error("panic in churn event write", "event_type", e.Type, "panic", fmt.Sprint(p))
		}
	}()

	writeCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := r.sink.Write(writeCtx, e); err != nil {
		metrics.EventsDroppedTotal.WithLabelValues(string(e.Type)).Inc()
		r.logger.Warn("churn event write failed",
			"event_type", e.Type,
			"event_id", e.ID,
			"customer_id", e.CustomerID,
			"error", err,
		)
		return
	}
	metrics.EventsRecordedTotal.WithLabelValues(string(e.Type)).Inc()
}

func (r *Recorder) drop(e *Event, reason string) {
	metrics.EventsDroppedTotal.WithLabelValues(string(e.Type)).Inc()
	r.logger.Warn("churn event dropped",
		"event_type", e.Type,
		"event_id", e.ID,
		"customer_id", e.CustomerID,
		"reason", reason,
	)
}
