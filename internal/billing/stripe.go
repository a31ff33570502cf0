package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
)

// KeyResolver returns the Stripe secret key for an organization, or "" when
// the organization has no billing credentials.
type KeyResolver func(organizationID string) string

// StaticKeys resolves per-organization keys from a map and falls back to a
// default key.
func StaticKeys(defaultKey string, perOrg map[string]string) KeyResolver {
	return func(organizationID string) string {
		if k := strings.TrimSpace(perOrg[organizationID]); k != "" {
			return k
		}
		return strings.TrimSpace(defaultKey)
	}
}

// stripeAPI is the slice of the Stripe client the provider uses.
type stripeAPI interface {
	GetSubscription(id string) (*stripe.Subscription, error)
	UpdateSubscription(id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error)
	NewCoupon(params *stripe.CouponParams) (*stripe.Coupon, error)
}

type stripeClient struct{ api *client.API }

func (c stripeClient) GetSubscription(id string) (*stripe.Subscription, error) {
	return c.api.Subscriptions.Get(id, nil)
}

func (c stripeClient) UpdateSubscription(id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error) {
	return c.api.Subscriptions.Update(id, params)
}

func (c stripeClient) NewCoupon(params *stripe.CouponParams) (*stripe.Coupon, error) {
	return c.api.Coupons.New(params)
}

// StripeProvider implements Provider against Stripe subscriptions.
type StripeProvider struct {
	keys KeyResolver
	// apiFactory builds a client for a secret key. Overridden in tests.
	apiFactory func(key string) stripeAPI
}

// NewStripeProvider creates a provider resolving credentials through keys.
func NewStripeProvider(keys KeyResolver) *StripeProvider {
	return &StripeProvider{
		keys: keys,
		apiFactory: func(key string) stripeAPI {
			return stripeClient{api: client.New(key, nil)}
		},
	}
}

func (p *StripeProvider) api(organizationID string) (stripeAPI, error) {
	key := ""
	if p.keys != nil {
		key = p.keys(organizationID)
	}
	if key == "" {
		return nil, NewError(KindProviderNotConfigured, "", nil)
	}
	return p.apiFactory(key), nil
}

// activeSubscription loads the subscription and rejects anything that is not
// active or trialing, or that belongs to another customer.
func (p *StripeProvider) activeSubscription(ctx context.Context, api stripeAPI, ref SubscriptionRef) (*stripe.Subscription, error) {
	if ref.SubscriptionID == "" || ref.CustomerID == "" {
		return nil, NewError(KindMissingSubscription, "", nil)
	}
	if err := ctx.Err(); err != nil {
		return nil, NewError(KindConnection, "", err)
	}
	sub, err := api.GetSubscription(ref.SubscriptionID)
	if err != nil {
		return nil, classifyStripe(err)
	}
	// reported as missing so one customer cannot discover another's subscriptions
	if sub.Customer == nil || sub.Customer.ID != ref.CustomerID {
		return nil, NewError(KindMissingSubscription, "", nil)
	}
	switch sub.Status {
	case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing, stripe.SubscriptionStatusPastDue:
		return sub, nil
	}
	return nil, NewError(KindMissingSubscription, fmt.Sprintf("subscription is %s", sub.Status), nil)
}

// ApplyDiscount attaches a repeating percent-off coupon to the subscription.
// An existing discount yields KindAlreadyHasDiscount and nothing is changed.
func (p *StripeProvider) ApplyDiscount(ctx context.Context, req DiscountRequest) (OfferResult, error) {
	api, err := p.api(req.OrganizationID)
	if err != nil {
		return OfferResult{}, err
	}
	sub, err := p.activeSubscription(ctx, api, req.SubscriptionRef)
	if err != nil {
		return OfferResult{}, err
	}
	if len(sub.Discounts) > 0 {
		return OfferResult{}, NewError(KindAlreadyHasDiscount, "", nil)
	}

	couponID := req.CouponID
	if couponID == "" {
		params := &stripe.CouponParams{
			PercentOff: stripe.Float64(req.PercentOff),
			Name:       stripe.String(fmt.Sprintf("Retention %g%% off", req.PercentOff)),
		}
		if req.DurationMonths > 0 {
			params.Duration = stripe.String(string(stripe.CouponDurationRepeating))
			params.DurationInMonths = stripe.Int64(int64(req.DurationMonths))
		} else {
			params.Duration = stripe.String(string(stripe.CouponDurationOnce))
		}
		params.Context = ctx
		coupon, err := api.NewCoupon(params)
		if err != nil {
			return OfferResult{}, classifyStripe(err)
		}
		couponID = coupon.ID
	}

	update := &stripe.SubscriptionParams{
		Discounts: []*stripe.SubscriptionDiscountParams{
			{Coupon: stripe.String(couponID)},
		},
	}
	update.Context = ctx
	if _, err := api.UpdateSubscription(sub.ID, update); err != nil {
		return OfferResult{}, classifyStripe(err)
	}
	return OfferResult{}, nil
}

// SwitchPlan replaces the subscription's first item price, prorating the change.
func (p *StripeProvider) SwitchPlan(ctx context.Context, req SwitchRequest) error {
	if req.PriceID == "" {
		return NewError(KindUnknown, "plan has no billing price", nil)
	}
	api, err := p.api(req.OrganizationID)
	if err != nil {
		return err
	}
	sub, err := p.activeSubscription(ctx, api, req.SubscriptionRef)
	if err != nil {
		return err
	}
	if sub.Items == nil || len(sub.Items.Data) == 0 {
		return NewError(KindMissingSubscription, "subscription has no items", nil)
	}

	params := &stripe.SubscriptionParams{
		Items: []*stripe.SubscriptionItemsParams{
			{
				ID:    stripe.String(sub.Items.Data[0].ID),
				Price: stripe.String(req.PriceID),
			},
		},
		ProrationBehavior: stripe.String("create_prorations"),
	}
	params.Context = ctx
	if _, err := api.UpdateSubscription(sub.ID, params); err != nil {
		return classifyStripe(err)
	}
	return nil
}

// classifyStripe maps Stripe SDK errors onto kinds. Errors that are not
// *stripe.Error never got an API response and count as connection failures.
func classifyStripe(err error) *Error {
	var se *stripe.Error
	if !errors.As(err, &se) {
		return NewError(KindConnection, "", err)
	}
	switch {
	case se.Code == stripe.ErrorCodeResourceMissing:
		return NewError(KindMissingSubscription, se.Msg, err)
	case se.Type == stripe.ErrorTypeAPI && se.HTTPStatusCode >= 500:
		return NewError(KindConnection, se.Msg, err)
	case se.HTTPStatusCode == 401 || se.HTTPStatusCode == 403:
		return NewError(KindProviderNotConfigured, se.Msg, err)
	}
	return NewError(KindUnknown, se.Msg, err)
}
