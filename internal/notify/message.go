// Package notify turns risk bucket transitions and batch summaries into
// outbound notifications.
//
// Notification is a side channel: nothing in this package returns an error
// to the batch, and a failing or panicking sender is logged and counted.
package notify

import (
	"fmt"
	"math"
	"time"

	"github.com/mbd888/churnshield/internal/risk"
)

// Type identifies a notification message.
type Type string

const (
	TypeAccountAtRisk   Type = "account_at_risk"
	TypeAccountImproved Type = "account_improved"
	TypeRunSummary      Type = "risk_run_summary"
)

// NotAvailable is reported for a drop whose prior-period value is zero or
// whose usage is not tracked.
const NotAvailable = "N/A"

// Message is anything a Sender can deliver.
type Message interface {
	MessageType() Type
}

// UsageMetrics explains an at-risk transition.
type UsageMetrics struct {
	LoginDrop    string `json:"loginDrop"`
	ActionDrop   string `json:"actionDrop"`
	ActiveUsers  *int   `json:"activeUsers,omitempty"`
	SeatsDropped *int   `json:"seatsDropped,omitempty"`
}

// TransitionMessage announces a customer entering or leaving at_risk.
type TransitionMessage struct {
	Type           Type          `json:"type"`
	Timestamp      time.Time     `json:"timestamp"`
	OrganizationID string        `json:"organizationId"`
	CustomerID     string        `json:"customerId"`
	CustomerEmail  string        `json:"customerEmail,omitempty"`
	RiskScore      int           `json:"riskScore"`
	PreviousBucket risk.Bucket   `json:"previousBucket"`
	NewBucket      risk.Bucket   `json:"newBucket"`
	Metrics        *UsageMetrics `json:"metrics,omitempty"`
}

func (m *TransitionMessage) MessageType() Type { return m.Type }

// SummaryMessage reports one batch run.
type SummaryMessage struct {
	Type      Type            `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Summary   risk.RunSummary `json:"summary"`
}

func (m *SummaryMessage) MessageType() Type { return m.Type }

// BuildTransition returns the message for in, or nil when the transition
// does not warrant one: no change, or a move between healthy and watch.
func BuildTransition(in risk.TransitionInput, now time.Time) *TransitionMessage {
	snap := in.Snapshot
	if snap == nil || !snap.Changed() {
		return nil
	}
	prev := *snap.BucketChangedFrom

	msg := &TransitionMessage{
		Timestamp:      now.UTC(),
		OrganizationID: snap.OrganizationID,
		CustomerID:     snap.CustomerID,
		CustomerEmail:  in.Customer.Email,
		RiskScore:      snap.RiskScore,
		PreviousBucket: prev,
		NewBucket:      snap.RiskBucket,
	}
	switch {
	case snap.RiskBucket == risk.BucketAtRisk:
		msg.Type = TypeAccountAtRisk
		msg.Metrics = usageMetrics(in.Usage)
	case prev == risk.BucketAtRisk:
		msg.Type = TypeAccountImproved
	default:
		return nil
	}
	return msg
}

func usageMetrics(u *risk.Usage) *UsageMetrics {
	if u == nil {
		return &UsageMetrics{LoginDrop: NotAvailable, ActionDrop: NotAvailable}
	}
	active, seats := u.ActiveUsers, u.SeatsDropped
	return &UsageMetrics{
		LoginDrop:    FormatDrop(u.LoginsPrior, u.LoginsCurrent),
		ActionDrop:   FormatDrop(u.ActionsPrior, u.ActionsCurrent),
		ActiveUsers:  &active,
		SeatsDropped: &seats,
	}
}

// FormatDrop renders (prior-current)/prior as a whole percentage, or N/A
// when prior is zero.
func FormatDrop(prior, current int) string {
	if prior == 0 {
		return NotAvailable
	}
	pct := float64(prior-current) / float64(prior) * 100
	return fmt.Sprintf("%d%%", int(math.Round(pct)))
}
