package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/churnshield/internal/metrics"
	"github.com/mbd888/churnshield/internal/risk"
)

// DefaultSendTimeout bounds one delivery.
const DefaultSendTimeout = 15 * time.Second

// Notifier implements risk.Notifier on top of a Sender.
type Notifier struct {
	sender  Sender
	logger  *slog.Logger
	timeout time.Duration
	now     func() time.Time
}

var _ risk.Notifier = (*Notifier)(nil)

// New creates a notifier.
func New(sender Sender, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		sender:  sender,
		logger:  logger,
		timeout: DefaultSendTimeout,
		now:     time.Now,
	}
}

// WithTimeout overrides the per-delivery timeout.
func (n *Notifier) WithTimeout(d time.Duration) *Notifier {
	if d > 0 {
		n.timeout = d
	}
	return n
}

// Notify sends account_at_risk or account_improved for in. Transitions
// between healthy and watch are ignored.
func (n *Notifier) Notify(ctx context.Context, in risk.TransitionInput) {
	if n == nil || n.sender == nil {
		return
	}
	defer n.recoverPanic("transition")

	msg := BuildTransition(in, n.now())
	if msg == nil {
		return
	}
	n.send(ctx, msg, "organization_id", msg.OrganizationID, "customer_id", msg.CustomerID,
		"previous_bucket", msg.PreviousBucket, "new_bucket", msg.NewBucket)
}

// NotifySummary sends risk_run_summary.
func (n *Notifier) NotifySummary(ctx context.Context, s risk.RunSummary) {
	if n == nil || n.sender == nil {
		return
	}
	defer n.recoverPanic("summary")

	n.send(ctx, &SummaryMessage{Type: TypeRunSummary, Timestamp: n.now().UTC(), Summary: s}, "run_id", s.RunID)
}

func (n *Notifier) send(ctx context.Context, msg Message, attrs ...any) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
	defer cancel()

	typ := string(msg.MessageType())
	if err := n.sender.Send(ctx, msg); err != nil {
		metrics.NotificationsTotal.WithLabelValues(typ, "error").Inc()
		n.logger.Warn("notification failed", append([]any{"type", typ, "error", err}, attrs...)...)
		return
	}
	metrics.NotificationsTotal.WithLabelValues(typ, "ok").Inc()
}

func (n *Notifier) recoverPanic(kind string) {
	if r := recover(); r != nil {
		metrics.NotificationsTotal.WithLabelValues(kind, "panic").Inc()
		n.logger.Error("panic in notifier", "kind", kind, "panic", fmt.Sprint(r))
	}
}
