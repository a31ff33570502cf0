// Package billing reaches the billing provider on behalf of the cancel flow.
//
// Two collaborators are exposed: DiscountProvider applies a retention
// discount and PlanSwitcher moves a subscription to another price. Every
// failure is returned as a classified *Error so callers never inspect
// provider strings.
package billing

import (
	"context"
)

// SubscriptionRef identifies the subscription a call acts on.
// OrganizationID selects the provider credentials.
type SubscriptionRef struct {
	OrganizationID string `json:"organizationId"`
	CustomerID     string `json:"customerId"`
	SubscriptionID string `json:"subscriptionId"`
}

// DiscountRequest asks for a percentage discount on a subscription.
type DiscountRequest struct {
	SubscriptionRef
	PercentOff     float64 `json:"percentOff"`
	DurationMonths int     `json:"durationMonths"`
	// CouponID reuses an existing provider coupon instead of creating one.
	CouponID string `json:"couponId,omitempty"`
}

// OfferResult reports how an accepted offer was satisfied.
type OfferResult struct {
	// AlreadyDiscounted is set when the subscription already carried a
	// discount and nothing new was applied.
	AlreadyDiscounted bool `json:"alreadyDiscounted"`
}

// SwitchRequest asks for a subscription to move to another plan.
type SwitchRequest struct {
	SubscriptionRef
	PlanID  string `json:"planId"`
	PriceID string `json:"priceId"`
}

// DiscountProvider applies retention discounts.
type DiscountProvider interface {
	ApplyDiscount(ctx context.Context, req DiscountRequest) (OfferResult, error)
}

// PlanSwitcher moves subscriptions between plans.
type PlanSwitcher interface {
	SwitchPlan(ctx context.Context, req SwitchRequest) error
}

// Provider is a billing backend that does both.
type Provider interface {
	DiscountProvider
	PlanSwitcher
}

// Unconfigured is a Provider for organizations without billing credentials.
// Every call fails with KindProviderNotConfigured.
type Unconfigured struct{}

func (Unconfigured) ApplyDiscount(context.Context, DiscountRequest) (OfferResult, error) {
	return OfferResult{}, NewError(KindProviderNotConfigured, "", nil)
}

func (Unconfigured) SwitchPlan(context.Context, SwitchRequest) error {
	return NewError(KindProviderNotConfigured, "", nil)
}
