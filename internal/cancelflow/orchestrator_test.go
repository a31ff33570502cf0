package cancelflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/churnshield/internal/billing"
	"github.com/mbd888/churnshield/internal/events"
	"github.com/mbd888/churnshield/internal/logging"
)

// scriptedProvider returns queued errors in order, then succeeds.
type scriptedProvider struct {
	mu        sync.Mutex
	errs      []error
	discounts []billing.DiscountRequest
	switches  []billing.SwitchRequest
}

func (p *scriptedProvider) pop() error {
	if len(p.errs) == 0 {
		return nil
	}
	err := p.errs[0]
	p.errs = p.errs[1:]
	return err
}

func (p *scriptedProvider) ApplyDiscount(_ context.Context, req billing.DiscountRequest) (billing.OfferResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.discounts = append(p.discounts, req)
	return billing.OfferResult{}, p.pop()
}

func (p *scriptedProvider) SwitchPlan(_ context.Context, req billing.SwitchRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.switches = append(p.switches, req)
	return p.pop()
}

type brokenSink struct{}

func (brokenSink) Write(context.Context, *events.Event) error { return errors.New("event store down") }

type fixture struct {
	o        *Orchestrator
	store    *MemoryStore
	events   *events.MemoryStore
	provider *scriptedProvider
}

func testSettings(t *testing.T) *Settings {
	t.Helper()
	s, err := ParseSettings([]byte(`
plans:
  - id: basic
    name: Basic
    originalPrice: 10
    discountPercent: 20
    priceId: price_basic
offer:
  discountPercent: 25
  durationMonths: 2
`))
	require.NoError(t, err)
	return s
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := NewMemoryStore()
	ev := events.NewMemoryStore()
	p := &scriptedProvider{}
	o := NewOrchestrator(store, testSettings(t), p).
		WithRecorder(events.NewRecorder(ev, logging.Discard())).
		WithLogger(logging.Discard())
	return &fixture{o: o, store: store, events: ev, provider: p}
}

func (f *fixture) open(t *testing.T) *Session {
	t.Helper()
	s, err := f.o.Open(context.Background(), OpenRequest{OrganizationID: "org_1", CustomerID: "cus_1", SubscriptionID: "sub_1"})
	require.NoError(t, err)
	return s
}

func (f *fixture) toOffer(t *testing.T) *Session {
	t.Helper()
	ctx := context.Background()
	s := f.open(t)
	s, err := f.o.SubmitReason(ctx, s.Ref(), "too_expensive", "")
	require.NoError(t, err)
	s, err = f.o.DeclinePlans(ctx, s.Ref())
	require.NoError(t, err)
	require.Equal(t, StepOffer, s.Step)
	return s
}

func TestOpen_CreatesSessionAndEmitsAttempt(t *testing.T) {
	f := newFixture(t)
	s := f.open(t)

	assert.Equal(t, StepFeedback, s.Step)
	assert.Equal(t, int64(1), s.Version)
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, []events.Type{events.TypeCancellationAttempt}, f.events.Types())
}

func TestOpen_ReopenResetsTransientData(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.open(t)
	s, err := f.o.SubmitReason(ctx, s.Ref(), OtherReasonID, "price too high")
	require.NoError(t, err)
	require.Equal(t, StepPlans, s.Step)

	again := f.open(t)
	assert.Equal(t, s.ID, again.ID, "the open session is reused")
	assert.Equal(t, StepFeedback, again.Step)
	assert.Empty(t, again.SelectedReason)
	assert.Empty(t, again.OtherText)
	assert.Greater(t, again.Version, s.Version)
}

func TestOpen_AfterCloseCreatesNewSession(t *testing.T) {
	f := newFixture(t)
	s := f.toOffer(t)
	closed, err := f.o.DeclineOffer(context.Background(), s.Ref())
	require.NoError(t, err)

	fresh := f.open(t)
	assert.NotEqual(t, closed.ID, fresh.ID)
	assert.Equal(t, StepFeedback, fresh.Step)

	stored, err := f.o.Get(context.Background(), closed.ID)
	require.NoError(t, err)
	assert.Equal(t, StepClosed, stored.Step, "closed sessions are immutable")
}

func TestOpen_RequiresIdentifiers(t *testing.T) {
	f := newFixture(t)
	_, err := f.o.Open(context.Background(), OpenRequest{CustomerID: "cus_1"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestSubmitReason_OtherNeedsText(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.open(t)

	_, err := f.o.SubmitReason(ctx, s.Ref(), OtherReasonID, "")
	assert.ErrorIs(t, err, ErrInvalidReason)
	_, err = f.o.SubmitReason(ctx, s.Ref(), OtherReasonID, "   ")
	assert.ErrorIs(t, err, ErrInvalidReason)

	got, err := f.o.SubmitReason(ctx, s.Ref(), OtherReasonID, "price too high")
	require.NoError(t, err)
	assert.Equal(t, StepPlans, got.Step)
	assert.Equal(t, "price too high", got.OtherText)
}

func TestSubmitReason_UnknownReason(t *testing.T) {
	f := newFixture(t)
	s := f.open(t)
	_, err := f.o.SubmitReason(context.Background(), s.Ref(), "aliens", "")
	assert.ErrorIs(t, err, ErrInvalidReason)
}

func TestHappyPath_EventOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.toOffer(t)

	s, res, err := f.o.AcceptOffer(ctx, s.Ref())
	require.NoError(t, err)
	assert.False(t, res.AlreadyDiscounted)
	assert.Equal(t, StepClosed, s.Step)
	assert.Equal(t, OutcomeOfferAccepted, s.Outcome)
	assert.NotNil(t, s.ClosedAt)

	assert.Equal(t, []events.Type{
		events.TypeCancellationAttempt,
		events.TypeFeedbackSubmitted,
		events.TypePlansDeclined,
		events.TypeOfferAccepted,
	}, f.events.Types())

	require.Len(t, f.provider.discounts, 1)
	assert.Equal(t, 25.0, f.provider.discounts[0].PercentOff)
	assert.Equal(t, 2, f.provider.discounts[0].DurationMonths)
	assert.Equal(t, "sub_1", f.provider.discounts[0].SubscriptionID)
}

func TestAcceptOffer_ConnectionFailureThenRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.toOffer(t)
	f.provider.errs = []error{billing.NewError(billing.KindConnection, "", errors.New("timeout"))}

	_, _, err := f.o.AcceptOffer(ctx, s.Ref())
	require.Error(t, err)
	assert.Equal(t, billing.KindConnection, billing.KindOf(err))

	stored, err := f.o.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, StepOffer, stored.Step, "failed accept does not advance")
	assert.Equal(t, s.Version, stored.Version)

	closed, _, err := f.o.AcceptOffer(ctx, stored.Ref())
	require.NoError(t, err)
	assert.Equal(t, StepClosed, closed.Step)
	assert.Equal(t, OutcomeOfferAccepted, closed.Outcome)
}

func TestAcceptOffer_FailureKindsStayInOffer(t *testing.T) {
	for _, k := range []billing.Kind{billing.KindMissingSubscription, billing.KindProviderNotConfigured, billing.KindUnknown} {
		t.Run(k.Code(), func(t *testing.T) {
			f := newFixture(t)
			s := f.toOffer(t)
			f.provider.errs = []error{billing.NewError(k, "nope", nil)}

			_, _, err := f.o.AcceptOffer(context.Background(), s.Ref())
			assert.Equal(t, k, billing.KindOf(err))

			stored, _ := f.o.Get(context.Background(), s.ID)
			assert.Equal(t, StepOffer, stored.Step)
		})
	}
}

func TestAcceptOffer_AlreadyDiscountedIsSuccess(t *testing.T) {
	f := newFixture(t)
	s := f.toOffer(t)
	f.provider.errs = []error{billing.NewError(billing.KindAlreadyHasDiscount, "", nil)}

	closed, res, err := f.o.AcceptOffer(context.Background(), s.Ref())
	require.NoError(t, err)
	assert.True(t, res.AlreadyDiscounted)
	assert.Equal(t, OutcomeOfferAccepted, closed.Outcome)
}

func TestAcceptOffer_PlainErrorIsClassified(t *testing.T) {
	f := newFixture(t)
	s := f.toOffer(t)
	f.provider.errs = []error{context.DeadlineExceeded}

	_, _, err := f.o.AcceptOffer(context.Background(), s.Ref())
	var be *billing.Error
	require.ErrorAs(t, err, &be)
	assert.Equal(t, billing.KindConnection, be.Kind)
}

func TestSwitchPlan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.open(t)
	s, err := f.o.SubmitReason(ctx, s.Ref(), "too_expensive", "")
	require.NoError(t, err)

	_, err = f.o.SwitchPlan(ctx, s.Ref(), "enterprise")
	assert.ErrorIs(t, err, ErrUnknownPlan)

	f.provider.errs = []error{billing.NewError(billing.KindConnection, "", nil)}
	_, err = f.o.SwitchPlan(ctx, s.Ref(), "basic")
	require.Error(t, err)
	stored, _ := f.o.Get(ctx, s.ID)
	assert.Equal(t, StepPlans, stored.Step)

	closed, err := f.o.SwitchPlan(ctx, stored.Ref(), "basic")
	require.NoError(t, err)
	assert.Equal(t, OutcomePlanSwitched, closed.Outcome)
	assert.Equal(t, "basic", closed.PlanID)
	require.Len(t, f.provider.switches, 2)
	assert.Equal(t, "price_basic", f.provider.switches[1].PriceID)
}

func TestDeclineOffer_ConfirmsCancellation(t *testing.T) {
	f := newFixture(t)
	var confirmed []string
	f.o.WithConfirmer(ConfirmerFunc(func(_ context.Context, s *Session) error {
		confirmed = append(confirmed, s.ID)
		return nil
	}))
	s := f.toOffer(t)

	closed, err := f.o.DeclineOffer(context.Background(), s.Ref())
	require.NoError(t, err)
	assert.Equal(t, OutcomeCancelled, closed.Outcome)
	assert.Equal(t, []string{s.ID}, confirmed)

	types := f.events.Types()
	assert.Equal(t, []events.Type{events.TypeOfferDeclined, events.TypeCancellationConfirmed}, types[len(types)-2:])
}

func TestDeclineOffer_CallbackFailureStaysInOffer(t *testing.T) {
	f := newFixture(t)
	f.o.WithConfirmer(ConfirmerFunc(func(context.Context, *Session) error {
		return errors.New("host unreachable")
	}))
	s := f.toOffer(t)

	_, err := f.o.DeclineOffer(context.Background(), s.Ref())
	assert.ErrorIs(t, err, ErrConfirmFailed)

	stored, _ := f.o.Get(context.Background(), s.ID)
	assert.Equal(t, StepOffer, stored.Step)
}

func TestBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.open(t)

	_, err := f.o.Back(ctx, s.Ref())
	assert.ErrorIs(t, err, ErrInvalidTransition, "no back from Feedback")

	s, err = f.o.SubmitReason(ctx, s.Ref(), "not_using", "")
	require.NoError(t, err)
	s, err = f.o.DeclinePlans(ctx, s.Ref())
	require.NoError(t, err)

	eventsBefore := len(f.events.Types())
	s, err = f.o.Back(ctx, s.Ref())
	require.NoError(t, err)
	assert.Equal(t, StepPlans, s.Step)
	assert.Equal(t, "not_using", s.SelectedReason, "back resets no data")

	s, err = f.o.Back(ctx, s.Ref())
	require.NoError(t, err)
	assert.Equal(t, StepFeedback, s.Step)
	assert.Equal(t, eventsBefore, len(f.events.Types()), "back emits nothing")
}

func TestClosedSessionRejectsEverything(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.toOffer(t)
	s, err := f.o.DeclineOffer(ctx, s.Ref())
	require.NoError(t, err)

	_, err = f.o.Back(ctx, s.Ref())
	assert.ErrorIs(t, err, ErrSessionClosed)
	_, _, err = f.o.AcceptOffer(ctx, s.Ref())
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestIllegalTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.open(t)

	_, _, err := f.o.AcceptOffer(ctx, s.Ref())
	assert.ErrorIs(t, err, ErrInvalidTransition, "cannot skip to the offer")
	_, err = f.o.DeclinePlans(ctx, s.Ref())
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = f.o.SwitchPlan(ctx, s.Ref(), "basic")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestStaleVersionRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.open(t)
	stale := s.Ref()

	_, err := f.o.SubmitReason(ctx, stale, "too_expensive", "")
	require.NoError(t, err)

	_, err = f.o.SubmitReason(ctx, stale, "too_expensive", "")
	assert.ErrorIs(t, err, ErrStaleSession)
}

func TestUnknownSession(t *testing.T) {
	f := newFixture(t)
	_, err := f.o.Back(context.Background(), Ref{SessionID: "cfs_missing", Version: 1})
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestEventFailureNeverBlocks(t *testing.T) {
	store := NewMemoryStore()
	o := NewOrchestrator(store, testSettings(t), &scriptedProvider{}).
		WithRecorder(events.NewRecorder(brokenSink{}, logging.Discard())).
		WithLogger(logging.Discard())
	ctx := context.Background()

	s, err := o.Open(ctx, OpenRequest{CustomerID: "cus_1", SubscriptionID: "sub_1"})
	require.NoError(t, err)
	s, err = o.SubmitReason(ctx, s.Ref(), "too_expensive", "")
	require.NoError(t, err)
	s, err = o.DeclinePlans(ctx, s.Ref())
	require.NoError(t, err)
	s, _, err = o.AcceptOffer(ctx, s.Ref())
	require.NoError(t, err)
	assert.Equal(t, StepClosed, s.Step)
}

// hungSink never completes a write before its context ends.
type hungSink struct{}

func (hungSink) Write(ctx context.Context, _ *events.Event) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestSlowEventSinkDoesNotDelayTransitions(t *testing.T) {
	rec := events.NewRecorder(hungSink{}, logging.Discard()).WithTimeout(2 * time.Second).Start(16)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		_ = rec.Close(ctx)
	})

	var confirmed bool
	o := NewOrchestrator(NewMemoryStore(), testSettings(t), &scriptedProvider{}).
		WithRecorder(rec).
		WithLogger(logging.Discard()).
		WithConfirmer(ConfirmerFunc(func(context.Context, *Session) error {
			confirmed = true
			return nil
		}))
	ctx := context.Background()

	start := time.Now()
	s, err := o.Open(ctx, OpenRequest{OrganizationID: "org_1", CustomerID: "cus_1", SubscriptionID: "sub_1"})
	require.NoError(t, err)
	s, err = o.SubmitReason(ctx, s.Ref(), "too_expensive", "")
	require.NoError(t, err)
	s, err = o.DeclinePlans(ctx, s.Ref())
	require.NoError(t, err)
	s, err = o.DeclineOffer(ctx, s.Ref())
	require.NoError(t, err)

	assert.Equal(t, StepClosed, s.Step)
	assert.True(t, confirmed)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

// Visited steps only move forward one at a time or back by exactly one.
func TestStepSequenceProperty(t *testing.T) {
	order := map[Step]int{StepFeedback: 0, StepPlans: 1, StepOffer: 2, StepClosed: 3}
	for key, tr := range transitions {
		from, to := order[key.from], order[tr.to]
		switch key.action {
		case ActionBack:
			assert.Equal(t, from-1, to, "%v", key)
		case ActionSwitchPlan, ActionAcceptOffer, ActionDeclineOffer:
			assert.Equal(t, StepClosed, tr.to, "%v", key)
			assert.NotEmpty(t, tr.outcome, "%v", key)
		default:
			assert.Equal(t, from+1, to, "%v", key)
		}
		assert.NotEqual(t, StepClosed, key.from, "closed is terminal")
	}
}

func TestConcurrentTransitions_OneWins(t *testing.T) {
	f := newFixture(t)
	s := f.open(t)
	ref := s.Ref()

	var wg sync.WaitGroup
	results := make([]error, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = f.o.SubmitReason(context.Background(), ref, "too_expensive", "")
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range results {
		if err == nil {
			wins++
		} else {
			assert.ErrorIs(t, err, ErrStaleSession)
		}
	}
	assert.Equal(t, 1, wins)
}
