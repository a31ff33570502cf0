package billing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mbd888/churnshield/internal/circuitbreaker"
	"github.com/mbd888/churnshield/internal/logging"
	"github.com/mbd888/churnshield/internal/metrics"
	"github.com/mbd888/churnshield/internal/retry"
	"github.com/mbd888/churnshield/internal/traces"
)

// Guard wraps a Provider with a per-attempt timeout, a bounded retry for
// connection failures, and a per-organization circuit breaker. Business
// refusals (missing subscription, existing discount) are never retried and
// never trip the breaker.
type Guard struct {
	next    Provider
	policy  retry.Policy
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

// NewGuard wraps next. A nil breaker gets the default threshold of 5
// failures and a 30s open window.
func NewGuard(next Provider, policy retry.Policy, breaker *circuitbreaker.Breaker, logger *slog.Logger) *Guard {
	if breaker == nil {
		breaker = circuitbreaker.New(5, 30*time.Second)
	}
	return &Guard{next: next, policy: policy, breaker: breaker, logger: logger}
}

// ApplyDiscount implements DiscountProvider.
func (g *Guard) ApplyDiscount(ctx context.Context, req DiscountRequest) (OfferResult, error) {
	var res OfferResult
	err := g.call(ctx, "apply_discount", req.OrganizationID, func(ctx context.Context) error {
		r, err := g.next.ApplyDiscount(ctx, req)
		res = r
		return err
	})
	return res, err
}

// SwitchPlan implements PlanSwitcher.
func (g *Guard) SwitchPlan(ctx context.Context, req SwitchRequest) error {
	return g.call(ctx, "switch_plan", req.OrganizationID, func(ctx context.Context) error {
		return g.next.SwitchPlan(ctx, req)
	})
}

func (g *Guard) call(ctx context.Context, op, organizationID string, fn func(ctx context.Context) error) error {
	start := time.Now()
	ctx, span := traces.StartSpan(ctx, "billing."+op, traces.OrganizationID(organizationID))

	attempts := 0
	err := retry.Do(ctx, g.policy, func(attemptCtx context.Context) error {
		attempts++
		err := g.breaker.Execute(organizationID, func() error { return fn(attemptCtx) }, func(err error) bool {
			return isConnectionFailure(ctx, err)
		})
		if err == nil {
			return nil
		}
		if errors.Is(err, circuitbreaker.ErrOpen) {
			return retry.Permanent(NewError(KindConnection, "", err))
		}
		be := AsError(err)
		if be.Kind != KindConnection || ctx.Err() != nil {
			return retry.Permanent(be)
		}
		return be
	})

	metrics.BillingCallDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())

	if err == nil {
		metrics.BillingCallsTotal.WithLabelValues(op, "ok").Inc()
		traces.End(span, nil)
		return nil
	}

	be := AsError(err)
	metrics.BillingCallsTotal.WithLabelValues(op, be.Kind.Code()).Inc()
	traces.End(span, be)

	logger := g.logger
	if logger == nil {
		logger = logging.L(ctx)
	}
	logger.Warn("billing call failed",
		"operation", op,
		"organization_id", organizationID,
		"kind", be.Kind.Code(),
		"attempts", attempts,
		"error", be,
	)
	return be
}

// isConnectionFailure reports whether err counts against the breaker. A
// cancellation of the caller's own context (a closed tab) says nothing about
// the provider and does not count.
func isConnectionFailure(ctx context.Context, err error) bool {
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return false
	}
	return KindOf(err) == KindConnection
}
