package billing

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/churnshield/internal/auth"
	"github.com/mbd888/churnshield/internal/events"
	"github.com/mbd888/churnshield/internal/logging"
)

// OfferTerms is the configured final retention discount.
type OfferTerms struct {
	PercentOff     float64
	DurationMonths int
	CouponID       string
}

// Catalog supplies the configured retention terms. Contract callers name a
// plan; prices and discounts always come from here.
type Catalog interface {
	OfferTerms() OfferTerms
	PlanPrice(planID string) (priceID string, ok bool)
}

// ContractHandler serves the flow-event contract for hosts that post flow
// events instead of embedding the orchestrator. It is a server-to-server
// endpoint: every call needs an API key, and an organization key can only
// act for its own organization.
type ContractHandler struct {
	provider Provider
	catalog  Catalog
	recorder *events.Recorder
}

// NewContractHandler creates the contract endpoint.
func NewContractHandler(provider Provider, catalog Catalog, recorder *events.Recorder) *ContractHandler {
	return &ContractHandler{provider: provider, catalog: catalog, recorder: recorder}
}

// RegisterRoutes mounts POST /events on r behind guards.
func (h *ContractHandler) RegisterRoutes(r *gin.RouterGroup, guards ...gin.HandlerFunc) {
	r.POST("/events", append(guards, h.PostEvent)...)
}

// PostEvent handles POST /v1/flow/events.
//
// Every valid event is recorded. offer_accepted and plan_switched also call
// the provider, and its outcome is reported in the reply. Provider failures
// are still 200 responses with success=false.
func (h *ContractHandler) PostEvent(c *gin.Context) {
	key, ok := auth.GetAPIKey(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, FlowEventResponse{
			Error:   "unauthorized",
			Message: "API key required",
		})
		return
	}

	var req FlowEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, FlowEventResponse{
			Error:   "invalid_request",
			Message: "Invalid request body",
		})
		return
	}
	if !req.EventType.Valid() || req.CustomerID == "" {
		c.JSON(http.StatusBadRequest, FlowEventResponse{
			Error:   "invalid_request",
			Message: "eventType and customerId are required",
		})
		return
	}
	if req.Details == nil {
		req.Details = map[string]any{}
	}

	orgID := stringDetail(req.Details, DetailOrganizationID)
	if !key.IsPlatform() {
		if orgID == "" {
			orgID = key.OrganizationID
		}
		if !key.CanAccess(orgID) {
			c.JSON(http.StatusForbidden, FlowEventResponse{
				Error:   "forbidden",
				Message: "This key cannot act for that organization",
			})
			return
		}
	}
	req.Details[DetailOrganizationID] = orgID

	// Caller-supplied terms are replaced with the configured ones so the
	// event log shows what was actually applied.
	var (
		terms   OfferTerms
		priceID string
	)
	switch req.EventType {
	case events.TypeOfferAccepted:
		terms = h.catalog.OfferTerms()
		req.Details[DetailPercentOff] = terms.PercentOff
		req.Details[DetailDurationMonths] = terms.DurationMonths
		delete(req.Details, DetailCouponID)
	case events.TypePlanSwitched:
		planID := stringDetail(req.Details, DetailPlanID)
		price, known := h.catalog.PlanPrice(planID)
		if !known {
			c.JSON(http.StatusBadRequest, FlowEventResponse{
				Error:   "invalid_request",
				Message: "unknown plan",
			})
			return
		}
		priceID = price
		req.Details[DetailPriceID] = priceID
	}

	ctx := c.Request.Context()
	ref := SubscriptionRef{
		OrganizationID: orgID,
		CustomerID:     req.CustomerID,
		SubscriptionID: req.SubscriptionID,
	}

	h.recorder.Record(ctx, &events.Event{
		Type:           req.EventType,
		OrganizationID: orgID,
		CustomerID:     req.CustomerID,
		SubscriptionID: req.SubscriptionID,
		Details:        req.Details,
		Source:         events.SourceCancelFlow,
	})

	switch req.EventType {
	case events.TypeOfferAccepted:
		res, err := h.provider.ApplyDiscount(ctx, DiscountRequest{
			SubscriptionRef: ref,
			PercentOff:      terms.PercentOff,
			DurationMonths:  terms.DurationMonths,
			CouponID:        terms.CouponID,
		})
		if err != nil {
			logging.L(ctx).Info("contract discount refused", "customer_id", req.CustomerID, "kind", KindOf(err).Code())
			c.JSON(http.StatusOK, Respond(err))
			return
		}
		applied := !res.AlreadyDiscounted
		c.JSON(http.StatusOK, FlowEventResponse{Success: true, DiscountApplied: &applied})

	case events.TypePlanSwitched:
		err := h.provider.SwitchPlan(ctx, SwitchRequest{
			SubscriptionRef: ref,
			PlanID:          stringDetail(req.Details, DetailPlanID),
			PriceID:         priceID,
		})
		c.JSON(http.StatusOK, Respond(err))

	default:
		c.JSON(http.StatusOK, FlowEventResponse{Success: true})
	}
}

func stringDetail(details map[string]any, key string) string {
	s, _ := details[key].(string)
	return s
}
