package risk

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/churnshield/internal/pagination"
)

// Handler provides HTTP endpoints for risk scoring.
type Handler struct {
	store  SnapshotStore
	runner *Runner
}

// NewHandler creates a risk handler. runner may be nil, in which case
// POST /runs is not registered.
func NewHandler(store SnapshotStore, runner *Runner) *Handler {
	return &Handler{store: store, runner: runner}
}

// RegisterRoutes sets up risk endpoints. runGuards run before POST /runs,
// which scores every organization.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup, runGuards ...gin.HandlerFunc) {
	r.POST("/score", h.ScoreMetrics)
	r.GET("/customers/:id/snapshots", h.GetSnapshots)
	if h.runner != nil {
		r.POST("/runs", append(runGuards, h.TriggerRun)...)
	}
}

// ScoreRequest is the body of POST /score.
type ScoreRequest struct {
	Metrics Metrics `json:"metrics"`
}

// ScoreMetrics scores a metrics body without persisting anything.
// POST /v1/risk/score
func (h *Handler) ScoreMetrics(c *gin.Context) {
	var req ScoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Request body must contain a 'metrics' object",
		})
		return
	}
	if err := req.Metrics.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": Score(req.Metrics)})
}

// snapshotCursor names the snapshot-history listing in page cursors.
const snapshotCursor = "risk_snapshots"

// GetSnapshots returns a customer's snapshot history, newest first.
// GET /v1/risk/customers/:id/snapshots?organizationId=&from=&to=&limit=&cursor=
func (h *Handler) GetSnapshots(c *gin.Context) {
	org := c.Query("organizationId")
	if org == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "organizationId query parameter is required",
		})
		return
	}
	q := HistoryQuery{
		OrganizationID: org,
		CustomerID:     c.Param("id"),
		From:           c.Query("from"),
		To:             c.Query("to"),
	}
	for _, d := range []string{q.From, q.To} {
		if d == "" {
			continue
		}
		if _, err := time.Parse(DateLayout, d); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "from/to must be YYYY-MM-DD"})
			return
		}
	}

	limit := DefaultHistoryLimit
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > MaxHistoryLimit {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "limit must be between 1 and " + strconv.Itoa(MaxHistoryLimit),
			})
			return
		}
		limit = n
	}
	before, err := pagination.Decode(snapshotCursor, c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid cursor"})
		return
	}
	q.Before = before
	q.Limit = limit + 1

	snaps, err := h.store.History(c.Request.Context(), q)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to load snapshots"})
		return
	}
	if snaps == nil {
		snaps = []*Snapshot{}
	}
	snaps, next := pagination.ComputePage(snapshotCursor, snaps, limit, func(s *Snapshot) string { return s.Date })

	body := gin.H{"snapshots": snaps, "count": len(snaps), "hasMore": next != ""}
	if next != "" {
		body["nextCursor"] = next
	}
	c.JSON(http.StatusOK, body)
}

// RunRequest is the optional body of POST /runs.
type RunRequest struct {
	Date string `json:"date"`
}

// TriggerRun runs the batch synchronously and returns its summary. The run
// is detached from the request so a disconnecting client does not abort it.
// POST /v1/risk/runs
func (h *Handler) TriggerRun(c *gin.Context) {
	var req RunRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
			return
		}
	}
	day := time.Now().UTC()
	if req.Date != "" {
		d, err := time.Parse(DateLayout, req.Date)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "date must be YYYY-MM-DD"})
			return
		}
		// score as of the end of that day
		day = d.Add(24*time.Hour - time.Second)
	}

	summary, err := h.runner.Run(context.WithoutCancel(c.Request.Context()), day)
	switch {
	case errors.Is(err, ErrRunInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": "run_in_progress", "message": "A risk run is already in progress"})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "run_failed", "message": err.Error(), "summary": summary})
	default:
		c.JSON(http.StatusOK, gin.H{"summary": summary})
	}
}
