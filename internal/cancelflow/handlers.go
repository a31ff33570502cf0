package cancelflow

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/churnshield/internal/billing"
	"github.com/mbd888/churnshield/internal/idgen"
	"github.com/mbd888/churnshield/internal/logging"
	"github.com/mbd888/churnshield/internal/validation"
)

// Handler provides HTTP endpoints for the cancel flow.
type Handler struct {
	orchestrator *Orchestrator
}

// NewHandler creates a new flow handler.
func NewHandler(o *Orchestrator) *Handler {
	return &Handler{orchestrator: o}
}

// RegisterRoutes sets up flow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/config", h.GetConfig)
	r.POST("/sessions", h.OpenSession)

	session := r.Group("/sessions/:id", validation.PrefixedIDParamMiddleware("id", idgen.PrefixSession))
	session.GET("", h.GetSession)
	session.POST("/reason", h.SubmitReason)
	session.POST("/switch", h.SwitchPlan)
	session.POST("/decline-plans", h.DeclinePlans)
	session.POST("/accept-offer", h.AcceptOffer)
	session.POST("/decline-offer", h.DeclineOffer)
	session.POST("/back", h.Back)
}

// VersionRequest carries the optimistic-concurrency token.
type VersionRequest struct {
	Version int64 `json:"version" binding:"required"`
}

// ReasonRequest is the body of POST /sessions/:id/reason.
type ReasonRequest struct {
	Version   int64  `json:"version" binding:"required"`
	Reason    string `json:"reason" binding:"required"`
	OtherText string `json:"otherText"`
}

// SwitchRequest is the body of POST /sessions/:id/switch.
type SwitchRequest struct {
	Version int64  `json:"version" binding:"required"`
	PlanID  string `json:"planId" binding:"required"`
}

type planView struct {
	Plan
	DiscountedPrice float64 `json:"discountedPrice"`
}

// GetConfig handles GET /config.
func (h *Handler) GetConfig(c *gin.Context) {
	s := h.orchestrator.Settings()
	plans := make([]planView, len(s.Plans))
	for i, p := range s.Plans {
		plans[i] = planView{Plan: p, DiscountedPrice: p.DiscountedPrice()}
	}
	c.JSON(http.StatusOK, gin.H{
		"options": s.Options(),
		"plans":   plans,
		"offer":   s.Offer,
		"copy":    s.Copy,
	})
}

// OpenSession handles POST /sessions.
func (h *Handler) OpenSession(c *gin.Context) {
	var req OpenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidBody(c)
		return
	}
	if errs := validation.Validate(
		validation.Required("organizationId", req.OrganizationID),
		validation.Identifier("organizationId", req.OrganizationID),
		validation.Required("customerId", req.CustomerID),
		validation.Identifier("customerId", req.CustomerID),
		validation.Required("subscriptionId", req.SubscriptionID),
		validation.Identifier("subscriptionId", req.SubscriptionID),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": errs.Error(),
			"fields":  errs,
		})
		return
	}
	s, err := h.orchestrator.Open(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"session": s})
}

// GetSession handles GET /sessions/:id.
func (h *Handler) GetSession(c *gin.Context) {
	s, err := h.orchestrator.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": s})
}

// SubmitReason handles POST /sessions/:id/reason.
func (h *Handler) SubmitReason(c *gin.Context) {
	var req ReasonRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidBody(c)
		return
	}
	ref := Ref{SessionID: c.Param("id"), Version: req.Version}
	otherText := validation.SanitizeString(req.OtherText, validation.MaxFreeTextLength)
	s, err := h.orchestrator.SubmitReason(c.Request.Context(), ref, req.Reason, otherText)
	h.respond(c, s, err)
}

// SwitchPlan handles POST /sessions/:id/switch.
func (h *Handler) SwitchPlan(c *gin.Context) {
	var req SwitchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidBody(c)
		return
	}
	ref := Ref{SessionID: c.Param("id"), Version: req.Version}
	s, err := h.orchestrator.SwitchPlan(c.Request.Context(), ref, req.PlanID)
	h.respond(c, s, err)
}

// DeclinePlans handles POST /sessions/:id/decline-plans.
func (h *Handler) DeclinePlans(c *gin.Context) {
	ref, ok := bindRef(c)
	if !ok {
		return
	}
	s, err := h.orchestrator.DeclinePlans(c.Request.Context(), ref)
	h.respond(c, s, err)
}

// AcceptOffer handles POST /sessions/:id/accept-offer.
func (h *Handler) AcceptOffer(c *gin.Context) {
	ref, ok := bindRef(c)
	if !ok {
		return
	}
	s, res, err := h.orchestrator.AcceptOffer(c.Request.Context(), ref)
	if err != nil {
		h.fail(c, err)
		return
	}
	body := gin.H{"session": s, "alreadyDiscounted": res.AlreadyDiscounted}
	if res.AlreadyDiscounted {
		title, message := h.orchestrator.Settings().ErrorText(billing.NewError(billing.KindAlreadyHasDiscount, "", nil))
		body["title"] = title
		body["message"] = message
	}
	c.JSON(http.StatusOK, body)
}

// DeclineOffer handles POST /sessions/:id/decline-offer.
func (h *Handler) DeclineOffer(c *gin.Context) {
	ref, ok := bindRef(c)
	if !ok {
		return
	}
	s, err := h.orchestrator.DeclineOffer(c.Request.Context(), ref)
	h.respond(c, s, err)
}

// Back handles POST /sessions/:id/back.
func (h *Handler) Back(c *gin.Context) {
	ref, ok := bindRef(c)
	if !ok {
		return
	}
	s, err := h.orchestrator.Back(c.Request.Context(), ref)
	h.respond(c, s, err)
}

func bindRef(c *gin.Context) (Ref, bool) {
	var req VersionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidBody(c)
		return Ref{}, false
	}
	return Ref{SessionID: c.Param("id"), Version: req.Version}, true
}

func invalidBody(c *gin.Context) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"message": "Invalid request body",
	})
}

func (h *Handler) respond(c *gin.Context, s *Session, err error) {
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": s})
}

func (h *Handler) fail(c *gin.Context, err error) {
	var be *billing.Error
	if errors.As(err, &be) {
		status := http.StatusConflict
		if be.Kind == billing.KindConnection {
			status = http.StatusServiceUnavailable
		}
		title, message := h.orchestrator.Settings().ErrorText(be)
		c.JSON(status, gin.H{
			"error":       be.Kind.Code(),
			"title":       title,
			"message":     message,
			"recoverable": true,
		})
		return
	}

	switch {
	case errors.Is(err, ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Flow session not found"})
	case errors.Is(err, ErrStaleSession):
		c.JSON(http.StatusConflict, gin.H{"error": "stale_session", "message": "Session was updated elsewhere; reload and try again"})
	case errors.Is(err, ErrSessionExists):
		c.JSON(http.StatusConflict, gin.H{"error": "session_exists", "message": "A cancellation flow is already open for this subscription; reload and try again"})
	case errors.Is(err, ErrSessionClosed):
		c.JSON(http.StatusConflict, gin.H{"error": "session_closed", "message": "This flow has already finished"})
	case errors.Is(err, ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_transition", "message": err.Error()})
	case errors.Is(err, ErrInvalidReason), errors.Is(err, ErrUnknownPlan), errors.Is(err, ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	case errors.Is(err, ErrConfirmFailed):
		c.JSON(http.StatusBadGateway, gin.H{"error": "cancellation_failed", "message": "We couldn't confirm your cancellation. Please try again.", "recoverable": true})
	default:
		logging.L(c.Request.Context()).Error("flow request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal server error"})
	}
}
