package cancelflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/churnshield/internal/billing"
	"github.com/mbd888/churnshield/internal/events"
	"github.com/mbd888/churnshield/internal/idgen"
	"github.com/mbd888/churnshield/internal/logging"
	"github.com/mbd888/churnshield/internal/metrics"
	"github.com/mbd888/churnshield/internal/syncutil"
	"github.com/mbd888/churnshield/internal/traces"
)

// CancellationConfirmer finalizes a cancellation with the host system. It
// runs synchronously before the session closes.
type CancellationConfirmer interface {
	ConfirmCancellation(ctx context.Context, s *Session) error
}

// ConfirmerFunc adapts a function to CancellationConfirmer.
type ConfirmerFunc func(ctx context.Context, s *Session) error

func (f ConfirmerFunc) ConfirmCancellation(ctx context.Context, s *Session) error { return f(ctx, s) }

// OpenRequest starts or restarts a flow.
type OpenRequest struct {
	OrganizationID string `json:"organizationId"`
	CustomerID     string `json:"customerId" binding:"required"`
	SubscriptionID string `json:"subscriptionId" binding:"required"`
}

// Orchestrator drives sessions through the transition table and mediates
// the side effects of each step.
type Orchestrator struct {
	store     Store
	settings  *Settings
	discounts billing.DiscountProvider
	plans     billing.PlanSwitcher
	recorder  *events.Recorder
	confirmer CancellationConfirmer
	locks     *syncutil.KeyedLock
	logger    *slog.Logger
	now       func() time.Time
}

// NewOrchestrator creates an orchestrator. Events are discarded until a
// recorder is attached.
func NewOrchestrator(store Store, settings *Settings, provider billing.Provider) *Orchestrator {
	if settings == nil {
		settings = DefaultSettings()
	}
	return &Orchestrator{
		store:     store,
		settings:  settings,
		discounts: provider,
		plans:     provider,
		locks:     syncutil.NewKeyedLock(),
		logger:    slog.Default(),
		now:       time.Now,
	}
}

// WithRecorder attaches the churn event recorder.
func (o *Orchestrator) WithRecorder(r *events.Recorder) *Orchestrator {
	o.recorder = r
	return o
}

// WithConfirmer sets the cancellation callback.
func (o *Orchestrator) WithConfirmer(c CancellationConfirmer) *Orchestrator {
	o.confirmer = c
	return o
}

// WithLogger sets the fallback logger used when ctx carries none.
func (o *Orchestrator) WithLogger(l *slog.Logger) *Orchestrator {
	o.logger = l
	return o
}

// Settings returns the flow configuration in use.
func (o *Orchestrator) Settings() *Settings {
	return o.settings
}

// Open returns the subscription's open session reset to Feedback, or
// creates one. Closed sessions are never reopened.
func (o *Orchestrator) Open(ctx context.Context, req OpenRequest) (*Session, error) {
	if strings.TrimSpace(req.CustomerID) == "" || strings.TrimSpace(req.SubscriptionID) == "" {
		return nil, fmt.Errorf("%w: customerId and subscriptionId are required", ErrInvalidRequest)
	}

	unlock, err := o.locks.Lock(ctx, "pair:"+req.OrganizationID+"/"+req.CustomerID+"/"+req.SubscriptionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := o.now().UTC()
	s, err := o.store.FindOpen(ctx, req.OrganizationID, req.CustomerID, req.SubscriptionID)
	switch {
	case err == nil:
		expected := s.Version
		s.reset(now)
		s.Version++
		if err := o.store.Update(ctx, s, expected); err != nil {
			return nil, err
		}
	case errors.Is(err, ErrSessionNotFound):
		s = &Session{
			ID:             idgen.Session(),
			OrganizationID: req.OrganizationID,
			CustomerID:     req.CustomerID,
			SubscriptionID: req.SubscriptionID,
			Version:        1,
		}
		s.reset(now)
		if err := o.store.Create(ctx, s); err != nil {
			return nil, err
		}
		metrics.ActiveFlowSessions.Inc()
	default:
		return nil, err
	}

	ctx = logging.WithFlow(ctx, s.ID, s.CustomerID)
	o.emit(ctx, s, events.TypeCancellationAttempt, nil)
	o.log(ctx).Info("cancel flow opened", "subscription_id", s.SubscriptionID, "version", s.Version)
	return s, nil
}

// Get returns a session by id.
func (o *Orchestrator) Get(ctx context.Context, id string) (*Session, error) {
	return o.store.Get(ctx, id)
}

// SubmitReason records why the customer is leaving and moves to Plans.
func (o *Orchestrator) SubmitReason(ctx context.Context, ref Ref, reason, otherText string) (*Session, error) {
	reason = strings.TrimSpace(reason)
	if err := o.settings.validReason(reason, otherText); err != nil {
		return nil, err
	}
	return o.transition(ctx, ref, ActionSubmitReason, func(ctx context.Context, s *Session, t transition) error {
		s.SelectedReason = reason
		s.OtherText = ""
		if reason == OtherReasonID {
			s.OtherText = strings.TrimSpace(otherText)
		}
		details := map[string]any{"reason": reason}
		if s.OtherText != "" {
			details["otherText"] = s.OtherText
		}
		o.emitAll(ctx, s, t, details)
		return nil
	})
}

// SwitchPlan moves the subscription to planID and closes the flow. A billing
// failure leaves the session in Plans.
func (o *Orchestrator) SwitchPlan(ctx context.Context, ref Ref, planID string) (*Session, error) {
	plan, ok := o.settings.Plan(planID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPlan, planID)
	}
	return o.transition(ctx, ref, ActionSwitchPlan, func(ctx context.Context, s *Session, t transition) error {
		o.emitAll(ctx, s, t, map[string]any{
			"newPlanId": plan.ID,
			"planName":  plan.Name,
			"priceId":   plan.PriceID,
		})
		err := o.plans.SwitchPlan(ctx, billing.SwitchRequest{
			SubscriptionRef: subscriptionRef(s),
			PlanID:          plan.ID,
			PriceID:         plan.PriceID,
		})
		if err != nil {
			return billing.AsError(err)
		}
		s.PlanID = plan.ID
		return nil
	})
}

// DeclinePlans moves to the final Offer.
func (o *Orchestrator) DeclinePlans(ctx context.Context, ref Ref) (*Session, error) {
	return o.transition(ctx, ref, ActionDeclinePlans, func(ctx context.Context, s *Session, t transition) error {
		o.emitAll(ctx, s, t, nil)
		return nil
	})
}

// AcceptOffer applies the retention discount and closes the flow. A
// subscription that already has a discount counts as accepted and is
// reported through OfferResult.AlreadyDiscounted. Other billing failures
// leave the session in Offer.
func (o *Orchestrator) AcceptOffer(ctx context.Context, ref Ref) (*Session, billing.OfferResult, error) {
	var result billing.OfferResult
	offer := o.settings.Offer
	s, err := o.transition(ctx, ref, ActionAcceptOffer, func(ctx context.Context, s *Session, t transition) error {
		o.emitAll(ctx, s, t, map[string]any{
			"discountPercent":        offer.DiscountPercent,
			"discountDurationMonths": offer.DurationMonths,
		})
		res, err := o.discounts.ApplyDiscount(ctx, billing.DiscountRequest{
			SubscriptionRef: subscriptionRef(s),
			PercentOff:      offer.DiscountPercent,
			DurationMonths:  offer.DurationMonths,
			CouponID:        offer.CouponID,
		})
		switch {
		case err == nil:
			result = res
		case billing.KindOf(err) == billing.KindAlreadyHasDiscount:
			result = billing.OfferResult{AlreadyDiscounted: true}
		default:
			return billing.AsError(err)
		}
		return nil
	})
	return s, result, err
}

// DeclineOffer confirms the cancellation and closes the flow. If the
// confirmation callback fails the session stays in Offer.
func (o *Orchestrator) DeclineOffer(ctx context.Context, ref Ref) (*Session, error) {
	return o.transition(ctx, ref, ActionDeclineOffer, func(ctx context.Context, s *Session, t transition) error {
		o.emitAll(ctx, s, t, map[string]any{"reason": s.SelectedReason})
		if o.confirmer == nil {
			return nil
		}
		if err := o.confirmer.ConfirmCancellation(ctx, s.clone()); err != nil {
			return fmt.Errorf("%w: %w", ErrConfirmFailed, err)
		}
		return nil
	})
}

// Back moves the cursor one step back. No events are emitted.
func (o *Orchestrator) Back(ctx context.Context, ref Ref) (*Session, error) {
	return o.transition(ctx, ref, ActionBack, func(context.Context, *Session, transition) error {
		return nil
	})
}

type sideEffect func(ctx context.Context, s *Session, t transition) error

// transition loads the session under its lock, checks the version and the
// table, runs the side effect and persists the new step. The session is
// unchanged in the store when the side effect fails.
func (o *Orchestrator) transition(ctx context.Context, ref Ref, action Action, effect sideEffect) (*Session, error) {
	unlock, err := o.locks.Lock(ctx, ref.SessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	s, err := o.store.Get(ctx, ref.SessionID)
	if err != nil {
		return nil, err
	}
	if s.IsClosed() {
		return nil, ErrSessionClosed
	}
	if ref.Version != s.Version {
		return nil, ErrStaleSession
	}
	t, err := lookup(s.Step, action)
	if err != nil {
		return nil, err
	}

	ctx = logging.WithFlow(ctx, s.ID, s.CustomerID)
	ctx, span := traces.StartSpan(ctx, "cancelflow."+string(action),
		traces.SessionID(s.ID),
		traces.CustomerID(s.CustomerID),
		traces.OrganizationID(s.OrganizationID),
		traces.Step(string(s.Step)),
	)

	from := s.Step
	if err := effect(ctx, s, t); err != nil {
		traces.End(span, err)
		o.log(ctx).Warn("flow transition failed", "action", action, "step", from, "error", err)
		return nil, err
	}

	now := o.now().UTC()
	s.Step = t.to
	s.UpdatedAt = now
	s.Version = ref.Version + 1
	if t.to == StepClosed {
		s.Outcome = t.outcome
		s.ClosedAt = &now
	}
	if err := o.store.Update(ctx, s, ref.Version); err != nil {
		traces.End(span, err)
		o.log(ctx).Error("failed to persist flow transition", "action", action, "step", from, "error", err)
		return nil, err
	}
	traces.End(span, nil)

	metrics.FlowTransitionsTotal.WithLabelValues(string(from), string(action)).Inc()
	if s.IsClosed() {
		metrics.FlowOutcomesTotal.WithLabelValues(string(s.Outcome)).Inc()
		metrics.ActiveFlowSessions.Dec()
	}
	o.log(ctx).Info("flow transition", "action", action, "from", from, "to", s.Step, "version", s.Version)
	return s, nil
}

func (o *Orchestrator) emitAll(ctx context.Context, s *Session, t transition, details map[string]any) {
	for _, typ := range t.events {
		o.emit(ctx, s, typ, details)
	}
}

func (o *Orchestrator) emit(ctx context.Context, s *Session, typ events.Type, details map[string]any) {
	d := map[string]any{"sessionId": s.ID}
	for k, v := range details {
		d[k] = v
	}
	o.recorder.Record(ctx, &events.Event{
		Type:           typ,
		OrganizationID: s.OrganizationID,
		CustomerID:     s.CustomerID,
		SubscriptionID: s.SubscriptionID,
		Details:        d,
		Source:         events.SourceCancelFlow,
	})
}

func (o *Orchestrator) log(ctx context.Context) *slog.Logger {
	return logging.L(logging.Ensure(ctx, o.logger))
}

func subscriptionRef(s *Session) billing.SubscriptionRef {
	return billing.SubscriptionRef{
		OrganizationID: s.OrganizationID,
		CustomerID:     s.CustomerID,
		SubscriptionID: s.SubscriptionID,
	}
}
