// Package cancelflow runs the three-step retention funnel shown before a
// cancellation is finalized.
//
// Flow:
//  1. Feedback: the customer picks a reason (or "other" with text)
//  2. Plans: alternative plans are offered; switching closes the flow
//  3. Offer: a final discount; accepting or declining closes the flow
//
// Every step change goes through the transition table below. Back moves
// the cursor one step and never skips. Closed sessions are immutable.
package cancelflow

import (
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/churnshield/internal/events"
)

var (
	ErrSessionNotFound   = errors.New("flow session not found")
	ErrSessionExists     = errors.New("an open flow session already exists for this subscription")
	ErrStaleSession      = errors.New("flow session was modified concurrently")
	ErrSessionClosed     = errors.New("flow session is closed")
	ErrInvalidTransition = errors.New("transition not allowed from the current step")
	ErrInvalidReason     = errors.New("invalid cancellation reason")
	ErrUnknownPlan       = errors.New("unknown plan")
	ErrInvalidRequest    = errors.New("invalid flow request")
	ErrConfirmFailed     = errors.New("cancellation could not be confirmed")
	ErrInvalidSettings   = errors.New("invalid flow settings")
)

// Step is the cursor position of a session.
type Step string

const (
	StepFeedback Step = "feedback"
	StepPlans    Step = "plans"
	StepOffer    Step = "offer"
	StepClosed   Step = "closed"
)

// Outcome is set once a session reaches StepClosed.
type Outcome string

const (
	OutcomePlanSwitched  Outcome = "plan_switched"
	OutcomeOfferAccepted Outcome = "offer_accepted"
	OutcomeCancelled     Outcome = "cancelled"
)

// Action is a customer input that may move a session.
type Action string

const (
	ActionSubmitReason Action = "submit_reason"
	ActionSwitchPlan   Action = "switch_plan"
	ActionDeclinePlans Action = "decline_plans"
	ActionAcceptOffer  Action = "accept_offer"
	ActionDeclineOffer Action = "decline_offer"
	ActionBack         Action = "back"
)

type transitionKey struct {
	from   Step
	action Action
}

// transition is the target of one table entry. Events are emitted in order
// before any billing call or callback runs.
type transition struct {
	to      Step
	outcome Outcome
	events  []events.Type
}

var transitions = map[transitionKey]transition{
	{StepFeedback, ActionSubmitReason}: {to: StepPlans, events: []events.Type{events.TypeFeedbackSubmitted}},
	{StepPlans, ActionSwitchPlan}:      {to: StepClosed, outcome: OutcomePlanSwitched, events: []events.Type{events.TypePlanSwitched}},
	{StepPlans, ActionDeclinePlans}:    {to: StepOffer, events: []events.Type{events.TypePlansDeclined}},
	{StepOffer, ActionAcceptOffer}:     {to: StepClosed, outcome: OutcomeOfferAccepted, events: []events.Type{events.TypeOfferAccepted}},
	{StepOffer, ActionDeclineOffer}: {to: StepClosed, outcome: OutcomeCancelled, events: []events.Type{
		events.TypeOfferDeclined,
		events.TypeCancellationConfirmed,
	}},
	{StepPlans, ActionBack}: {to: StepFeedback},
	{StepOffer, ActionBack}: {to: StepPlans},
}

func lookup(from Step, action Action) (transition, error) {
	if from == StepClosed {
		return transition{}, ErrSessionClosed
	}
	t, ok := transitions[transitionKey{from, action}]
	if !ok {
		return transition{}, fmt.Errorf("%w: %s from %s", ErrInvalidTransition, action, from)
	}
	return t, nil
}

// Ref addresses a session at a specific version. Transitions against an
// older version fail with ErrStaleSession.
type Ref struct {
	SessionID string `json:"sessionId"`
	Version   int64  `json:"version"`
}

// Session is one customer's pass through the funnel.
type Session struct {
	ID             string     `json:"sessionId"`
	OrganizationID string     `json:"organizationId"`
	CustomerID     string     `json:"customerId"`
	SubscriptionID string     `json:"subscriptionId"`
	Step           Step       `json:"step"`
	SelectedReason string     `json:"selectedReason,omitempty"`
	OtherText      string     `json:"otherText,omitempty"`
	PlanID         string     `json:"planId,omitempty"`
	Outcome        Outcome    `json:"outcome,omitempty"`
	Version        int64      `json:"version"`
	StartedAt      time.Time  `json:"startedAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	ClosedAt       *time.Time `json:"closedAt,omitempty"`
}

// Ref returns the session's current address.
func (s *Session) Ref() Ref {
	return Ref{SessionID: s.ID, Version: s.Version}
}

// IsClosed reports whether the session reached its terminal step.
func (s *Session) IsClosed() bool {
	return s.Step == StepClosed
}

// reset clears transient data and returns the cursor to Feedback.
func (s *Session) reset(now time.Time) {
	s.Step = StepFeedback
	s.SelectedReason = ""
	s.OtherText = ""
	s.PlanID = ""
	s.Outcome = ""
	s.ClosedAt = nil
	s.StartedAt = now
	s.UpdatedAt = now
}

func (s *Session) clone() *Session {
	c := *s
	if s.ClosedAt != nil {
		t := *s.ClosedAt
		c.ClosedAt = &t
	}
	return &c
}
