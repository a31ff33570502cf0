// Package events defines churn events and the append-only sinks they are
// written to.
//
// Events are immutable once written. Producers (the cancel flow, billing
// webhooks, batch jobs) write through a Recorder, which treats delivery as
// best effort: a failed write is logged and counted, never returned.
package events

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidEvent = errors.New("invalid churn event")
)

// Type is the closed set of churn event types.
type Type string

const (
	TypePaymentFailed         Type = "payment_failed"
	TypePaymentRetrySent      Type = "payment_retry_sent"
	TypePaymentRecovered      Type = "payment_recovered"
	TypeCancellationAttempt   Type = "cancellation_attempt"
	TypeOfferAccepted         Type = "offer_accepted"
	TypeOfferDeclined         Type = "offer_declined"
	TypeSubscriptionCanceled  Type = "subscription_canceled"
	TypeSubscriptionUpdated   Type = "subscription_updated"
	TypeSubscriptionRecovered Type = "subscription_recovered"
	TypeFeedbackSubmitted     Type = "feedback_submitted"
	TypePlanSwitched          Type = "plan_switched"
	TypePlansDeclined         Type = "plans_declined"
	TypeCancellationConfirmed Type = "cancellation_confirmed"
)

var validTypes = map[Type]bool{
	TypePaymentFailed:         true,
	TypePaymentRetrySent:      true,
	TypePaymentRecovered:      true,
	TypeCancellationAttempt:   true,
	TypeOfferAccepted:         true,
	TypeOfferDeclined:         true,
	TypeSubscriptionCanceled:  true,
	TypeSubscriptionUpdated:   true,
	TypeSubscriptionRecovered: true,
	TypeFeedbackSubmitted:     true,
	TypePlanSwitched:          true,
	TypePlansDeclined:         true,
	TypeCancellationConfirmed: true,
}

// Valid reports whether t is one of the known event types.
func (t Type) Valid() bool { return validTypes[t] }

// Source identifies the producer of an event.
type Source string

const (
	SourceWebhook    Source = "webhook"
	SourceCancelFlow Source = "cancel_flow"
	SourceAPI        Source = "api"
	SourceManual     Source = "manual"
)

// Valid reports whether s is a known source.
func (s Source) Valid() bool {
	switch s {
	case SourceWebhook, SourceCancelFlow, SourceAPI, SourceManual:
		return true
	}
	return false
}

// Event is one append-only churn event row.
type Event struct {
	ID             string         `json:"id"`
	Type           Type           `json:"eventType"`
	OrganizationID string         `json:"organizationId"`
	CustomerID     string         `json:"customerId"`
	SubscriptionID string         `json:"subscriptionId,omitempty"`
	InvoiceID      string         `json:"invoiceId,omitempty"`
	Details        map[string]any `json:"details"`
	Source         Source         `json:"source"`
	OccurredAt     time.Time      `json:"occurredAt"`
}

// Validate checks the fields every sink relies on.
func (e *Event) Validate() error {
	switch {
	case !e.Type.Valid():
		return fmt.Errorf("%w: unknown event type %q", ErrInvalidEvent, e.Type)
	case !e.Source.Valid():
		return fmt.Errorf("%w: unknown source %q", ErrInvalidEvent, e.Source)
	case e.CustomerID == "":
		return fmt.Errorf("%w: customer id is required", ErrInvalidEvent)
	case e.OccurredAt.IsZero():
		return fmt.Errorf("%w: occurredAt is required", ErrInvalidEvent)
	}
	return nil
}

// Sink accepts event writes.
type Sink interface {
	Write(ctx context.Context, e *Event) error
}

// Store is a Sink that can also be read back, used by the risk batch to
// derive rolling metrics.
type Store interface {
	Sink
	// ListByCustomer returns the customer's events that occurred at or after
	// since, oldest first.
	ListByCustomer(ctx context.Context, organizationID, customerID string, since time.Time) ([]*Event, error)
}

// MultiSink writes to every sink in order and joins their errors.
type MultiSink []Sink

// Write implements Sink.
func (m MultiSink) Write(ctx context.Context, e *Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Write(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
