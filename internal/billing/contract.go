package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mbd888/churnshield/internal/events"
)

// FlowEventRequest is the body of the flow-event contract.
type FlowEventRequest struct {
	EventType      events.Type    `json:"eventType"`
	CustomerID     string         `json:"customerId"`
	SubscriptionID string         `json:"subscriptionId"`
	Details        map[string]any `json:"details"`
}

// FlowEventResponse is the contract reply. Error carries one of the Code*
// constants when Success is false.
type FlowEventResponse struct {
	Success         bool   `json:"success"`
	Error           string `json:"error,omitempty"`
	Message         string `json:"message,omitempty"`
	DiscountApplied *bool  `json:"discountApplied,omitempty"`
}

// Detail keys carried inside FlowEventRequest.Details.
const (
	DetailOrganizationID = "organizationId"
	DetailPercentOff     = "discountPercent"
	DetailDurationMonths = "discountDurationMonths"
	DetailCouponID       = "couponId"
	DetailPlanID         = "newPlanId"
	DetailPriceID        = "priceId"
)

// HTTPClient is a Provider that delegates to a remote host implementing the
// flow-event contract. Each call posts one event and classifies the reply.
type HTTPClient struct {
	endpoint string
	client   *http.Client
}

// NewHTTPClient creates a contract client posting to endpoint.
func NewHTTPClient(endpoint string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

// ApplyDiscount posts an offer_accepted event.
func (c *HTTPClient) ApplyDiscount(ctx context.Context, req DiscountRequest) (OfferResult, error) {
	details := map[string]any{
		DetailOrganizationID: req.OrganizationID,
		DetailPercentOff:     req.PercentOff,
		DetailDurationMonths: req.DurationMonths,
	}
	if req.CouponID != "" {
		details[DetailCouponID] = req.CouponID
	}
	resp, err := c.post(ctx, FlowEventRequest{
		EventType:      events.TypeOfferAccepted,
		CustomerID:     req.CustomerID,
		SubscriptionID: req.SubscriptionID,
		Details:        details,
	})
	if err != nil {
		return OfferResult{}, err
	}
	return OfferResult{AlreadyDiscounted: resp.DiscountApplied != nil && !*resp.DiscountApplied}, nil
}

// SwitchPlan posts a plan_switched event.
func (c *HTTPClient) SwitchPlan(ctx context.Context, req SwitchRequest) error {
	_, err := c.post(ctx, FlowEventRequest{
		EventType:      events.TypePlanSwitched,
		CustomerID:     req.CustomerID,
		SubscriptionID: req.SubscriptionID,
		Details: map[string]any{
			DetailOrganizationID: req.OrganizationID,
			DetailPlanID:         req.PlanID,
			DetailPriceID:        req.PriceID,
		},
	})
	return err
}

// ConfirmCancellation posts a cancellation_confirmed event so the host can
// cancel the subscription on its side.
func (c *HTTPClient) ConfirmCancellation(ctx context.Context, ref SubscriptionRef) error {
	_, err := c.post(ctx, FlowEventRequest{
		EventType:      events.TypeCancellationConfirmed,
		CustomerID:     ref.CustomerID,
		SubscriptionID: ref.SubscriptionID,
		Details:        map[string]any{DetailOrganizationID: ref.OrganizationID},
	})
	return err
}

func (c *HTTPClient) post(ctx context.Context, body FlowEventRequest) (*FlowEventResponse, error) {
	if c.endpoint == "" {
		return nil, NewError(KindProviderNotConfigured, "", nil)
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, NewError(KindUnknown, "", fmt.Errorf("failed to marshal flow event: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, NewError(KindUnknown, "", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, NewError(KindConnection, "", err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return nil, NewError(KindConnection, "", err)
	}

	var resp FlowEventResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		if httpResp.StatusCode >= 500 {
			return nil, NewError(KindConnection, "", fmt.Errorf("status %d", httpResp.StatusCode))
		}
		return nil, NewError(KindUnknown, "", fmt.Errorf("undecodable response (status %d): %w", httpResp.StatusCode, err))
	}
	if !resp.Success {
		return nil, NewError(KindFromCode(resp.Error), resp.Message, nil)
	}
	return &resp, nil
}

// Respond renders err as a contract reply.
func Respond(err error) FlowEventResponse {
	if err == nil {
		return FlowEventResponse{Success: true}
	}
	be := AsError(err)
	return FlowEventResponse{Success: false, Error: be.Kind.Code(), Message: be.Message}
}
