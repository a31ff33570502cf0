package risk

import (
	"context"
	"time"

	"github.com/mbd888/churnshield/internal/events"
)

// Rolling windows used by MetricsFromEvents.
const (
	ShortWindow = 7 * 24 * time.Hour
	LongWindow  = 30 * 24 * time.Hour
)

// MetricsFromEvents derives Metrics from a customer's events as of now.
// Events outside the 30-day window only matter for the canceled flag: a
// subscription_canceled event counts unless a later subscription_recovered
// follows it.
func MetricsFromEvents(evs []*events.Event, now time.Time) Metrics {
	var (
		m             Metrics
		lastCanceled  time.Time
		lastRecovered time.Time
	)
	shortFrom := now.Add(-ShortWindow)
	longFrom := now.Add(-LongWindow)

	for _, e := range evs {
		if e.OccurredAt.After(now) {
			continue
		}
		inLong := !e.OccurredAt.Before(longFrom)
		inShort := !e.OccurredAt.Before(shortFrom)

		switch e.Type {
		case events.TypeCancellationAttempt:
			if inShort {
				m.CancelAttempts7d++
			}
			if inLong {
				m.CancelAttempts30d++
			}
		case events.TypeOfferDeclined:
			if inLong {
				m.OffersDeclined30d++
			}
		case events.TypeOfferAccepted:
			if inLong {
				m.OffersAccepted30d++
			}
		case events.TypeFeedbackSubmitted:
			if inLong {
				m.FeedbackSubmitted30d++
			}
		case events.TypeSubscriptionCanceled:
			if e.OccurredAt.After(lastCanceled) {
				lastCanceled = e.OccurredAt
			}
		case events.TypeSubscriptionRecovered:
			if e.OccurredAt.After(lastRecovered) {
				lastRecovered = e.OccurredAt
			}
		}
	}
	m.SubscriptionCanceled = !lastCanceled.IsZero() && lastCanceled.After(lastRecovered)
	return m
}

// MetricsProvider returns a customer's rolling metrics as of now.
type MetricsProvider interface {
	Metrics(ctx context.Context, c Customer, now time.Time) (Metrics, error)
}

// EventMetrics computes metrics from an event store.
type EventMetrics struct {
	store events.Store
	// lookback bounds how far back events are read for the canceled flag.
	lookback time.Duration
}

// NewEventMetrics creates a provider reading from store.
func NewEventMetrics(store events.Store) *EventMetrics {
	return &EventMetrics{store: store, lookback: 365 * 24 * time.Hour}
}

// Metrics implements MetricsProvider.
func (p *EventMetrics) Metrics(ctx context.Context, c Customer, now time.Time) (Metrics, error) {
	evs, err := p.store.ListByCustomer(ctx, c.OrganizationID, c.CustomerID, now.Add(-p.lookback))
	if err != nil {
		return Metrics{}, err
	}
	return MetricsFromEvents(evs, now), nil
}
