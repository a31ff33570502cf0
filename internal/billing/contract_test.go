package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/churnshield/internal/auth"
	"github.com/mbd888/churnshield/internal/events"
	"github.com/mbd888/churnshield/internal/logging"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func contractServer(t *testing.T, reply FlowEventResponse, seen *FlowEventRequest) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if seen != nil {
			require.NoError(t, json.NewDecoder(r.Body).Decode(seen))
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(reply)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPClient_Success(t *testing.T) {
	applied := true
	var seen FlowEventRequest
	srv := contractServer(t, FlowEventResponse{Success: true, DiscountApplied: &applied}, &seen)

	c := NewHTTPClient(srv.URL, time.Second)
	res, err := c.ApplyDiscount(context.Background(), discountReq())
	require.NoError(t, err)
	assert.False(t, res.AlreadyDiscounted)

	assert.Equal(t, events.TypeOfferAccepted, seen.EventType)
	assert.Equal(t, "cus_1", seen.CustomerID)
	assert.Equal(t, "sub_1", seen.SubscriptionID)
	assert.Equal(t, "org_1", seen.Details[DetailOrganizationID])
}

func TestHTTPClient_ClassifiesByCode(t *testing.T) {
	tests := []struct {
		code string
		want Kind
	}{
		{CodeConnectionError, KindConnection},
		{CodeAlreadyHasDiscount, KindAlreadyHasDiscount},
		{CodeNoActiveSubscription, KindMissingSubscription},
		{CodeProviderNotConfigured, KindProviderNotConfigured},
		{"card_declined", KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			srv := contractServer(t, FlowEventResponse{Error: tt.code, Message: "provider says no"}, nil)
			err := NewHTTPClient(srv.URL, time.Second).SwitchPlan(context.Background(), SwitchRequest{PlanID: "p"})
			require.Error(t, err)
			assert.Equal(t, tt.want, KindOf(err))
		})
	}
}

func TestHTTPClient_NetworkFailureIsConnection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := NewHTTPClient(url, time.Second).ApplyDiscount(context.Background(), discountReq())
	assert.Equal(t, KindConnection, KindOf(err))
}

func TestHTTPClient_ConfirmCancellation(t *testing.T) {
	var seen FlowEventRequest
	srv := contractServer(t, FlowEventResponse{Success: true}, &seen)

	ref := SubscriptionRef{OrganizationID: "org_1", CustomerID: "cus_1", SubscriptionID: "sub_1"}
	require.NoError(t, NewHTTPClient(srv.URL, time.Second).ConfirmCancellation(context.Background(), ref))
	assert.Equal(t, events.TypeCancellationConfirmed, seen.EventType)
	assert.Equal(t, "sub_1", seen.SubscriptionID)
	assert.Equal(t, "org_1", seen.Details[DetailOrganizationID])
}

func TestHTTPClient_NoEndpoint(t *testing.T) {
	_, err := NewHTTPClient("", time.Second).ApplyDiscount(context.Background(), discountReq())
	assert.Equal(t, KindProviderNotConfigured, KindOf(err))
}

type fakeCatalog struct{}

func (fakeCatalog) OfferTerms() OfferTerms {
	return OfferTerms{PercentOff: 30, DurationMonths: 3, CouponID: "coupon_retention"}
}

func (fakeCatalog) PlanPrice(planID string) (string, bool) {
	if planID == "starter" {
		return "price_starter", true
	}
	return "", false
}

var (
	platformKey = &auth.APIKey{ID: "ak_platform"}
	org1Key     = &auth.APIKey{ID: "ak_org1", OrganizationID: "org_1"}
)

func newContract(p Provider, store *events.MemoryStore) *ContractHandler {
	return NewContractHandler(p, fakeCatalog{}, events.NewRecorder(store, logging.Discard()))
}

// postContract serves one request with key standing in for the auth
// middleware. A nil key sends the request unauthenticated.
func postContract(t *testing.T, h *ContractHandler, key *auth.APIKey, body any) (*httptest.ResponseRecorder, FlowEventResponse) {
	t.Helper()
	r := gin.New()
	r.Use(func(c *gin.Context) {
		if key != nil {
			c.Set(auth.ContextKeyAPIKey, key)
		}
	})
	h.RegisterRoutes(r.Group("/v1/flow"), auth.RequireAuth())

	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/v1/flow/events", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var resp FlowEventResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	return w, resp
}

func TestContractHandler_OfferAccepted(t *testing.T) {
	store := events.NewMemoryStore()
	p := &fakeProvider{}

	w, resp := postContract(t, newContract(p, store), org1Key, FlowEventRequest{
		EventType:      events.TypeOfferAccepted,
		CustomerID:     "cus_1",
		SubscriptionID: "sub_1",
	})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, resp.Success)
	require.NotNil(t, resp.DiscountApplied)
	assert.True(t, *resp.DiscountApplied)
	require.Len(t, p.discounts, 1)
	assert.Equal(t, "org_1", p.discounts[0].OrganizationID, "organization comes from the key")
	assert.Equal(t, []events.Type{events.TypeOfferAccepted}, store.Types())
}

func TestContractHandler_RequiresAPIKey(t *testing.T) {
	p := &fakeProvider{}
	store := events.NewMemoryStore()

	w, _ := postContract(t, newContract(p, store), nil, FlowEventRequest{
		EventType:      events.TypeOfferAccepted,
		CustomerID:     "cus_1",
		SubscriptionID: "sub_victim",
		Details:        map[string]any{DetailPercentOff: 100, DetailDurationMonths: 120},
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, 0, p.calls)
	assert.Empty(t, store.All())
}

func TestContractHandler_IgnoresCallerTerms(t *testing.T) {
	store := events.NewMemoryStore()
	p := &fakeProvider{}

	w, _ := postContract(t, newContract(p, store), org1Key, FlowEventRequest{
		EventType:      events.TypeOfferAccepted,
		CustomerID:     "cus_1",
		SubscriptionID: "sub_1",
		Details: map[string]any{
			DetailPercentOff:     100,
			DetailDurationMonths: 120,
			DetailCouponID:       "coupon_free_forever",
		},
	})
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, p.discounts, 1)
	got := p.discounts[0]
	assert.Equal(t, 30.0, got.PercentOff)
	assert.Equal(t, 3, got.DurationMonths)
	assert.Equal(t, "coupon_retention", got.CouponID)

	recorded := store.All()
	require.Len(t, recorded, 1)
	assert.EqualValues(t, 30, recorded[0].Details[DetailPercentOff])
	assert.NotContains(t, recorded[0].Details, DetailCouponID)
}

func TestContractHandler_OtherOrganizationForbidden(t *testing.T) {
	p := &fakeProvider{}
	w, resp := postContract(t, newContract(p, events.NewMemoryStore()), org1Key, FlowEventRequest{
		EventType:  events.TypeOfferAccepted,
		CustomerID: "cus_1",
		Details:    map[string]any{DetailOrganizationID: "org_2"},
	})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "forbidden", resp.Error)
	assert.Equal(t, 0, p.calls)

	// a platform key may act for any organization
	w, _ = postContract(t, newContract(p, events.NewMemoryStore()), platformKey, FlowEventRequest{
		EventType:  events.TypeOfferAccepted,
		CustomerID: "cus_1",
		Details:    map[string]any{DetailOrganizationID: "org_2"},
	})
	assert.Equal(t, http.StatusOK, w.Code)
	require.Len(t, p.discounts, 1)
	assert.Equal(t, "org_2", p.discounts[0].OrganizationID)
}

func TestContractHandler_PlanSwitchUsesConfiguredPrice(t *testing.T) {
	p := &fakeProvider{}
	h := newContract(p, events.NewMemoryStore())

	w, resp := postContract(t, h, org1Key, FlowEventRequest{
		EventType:      events.TypePlanSwitched,
		CustomerID:     "cus_1",
		SubscriptionID: "sub_1",
		Details:        map[string]any{DetailPlanID: "starter", DetailPriceID: "price_free"},
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, resp.Success)
	require.Len(t, p.switches, 1)
	assert.Equal(t, "price_starter", p.switches[0].PriceID)

	w, _ = postContract(t, h, org1Key, FlowEventRequest{
		EventType:  events.TypePlanSwitched,
		CustomerID: "cus_1",
		Details:    map[string]any{DetailPlanID: "enterprise", DetailPriceID: "price_free"},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Len(t, p.switches, 1)
}

func TestContractHandler_ProviderRefusal(t *testing.T) {
	p := &fakeProvider{errs: []error{NewError(KindAlreadyHasDiscount, "", nil)}}

	w, resp := postContract(t, newContract(p, events.NewMemoryStore()), org1Key, FlowEventRequest{EventType: events.TypeOfferAccepted, CustomerID: "cus_1"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.False(t, resp.Success)
	assert.Equal(t, CodeAlreadyHasDiscount, resp.Error)
}

func TestContractHandler_PlainEventOnlyRecorded(t *testing.T) {
	store := events.NewMemoryStore()
	p := &fakeProvider{}

	_, resp := postContract(t, newContract(p, store), org1Key, FlowEventRequest{EventType: events.TypeFeedbackSubmitted, CustomerID: "cus_1"})
	assert.True(t, resp.Success)
	assert.Equal(t, 0, p.calls)
	assert.Len(t, store.All(), 1)
}

func TestContractHandler_RejectsUnknownType(t *testing.T) {
	h := newContract(&fakeProvider{}, events.NewMemoryStore())
	w, resp := postContract(t, h, org1Key, map[string]any{"eventType": "nope", "customerId": "cus_1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_request", resp.Error)
}
