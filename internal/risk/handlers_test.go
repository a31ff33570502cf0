package risk

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setupRouter(t *testing.T) (*gin.Engine, *runFixture) {
	t.Helper()
	f := newRunFixture(t)
	r := gin.New()
	NewHandler(f.store, f.runner).RegisterRoutes(r.Group("/v1/risk"))
	return r, f
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var out map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	return w, out
}

func TestHandler_ScoreMetrics(t *testing.T) {
	r, _ := setupRouter(t)

	w, body := doJSON(t, r, http.MethodPost, "/v1/risk/score", gin.H{"metrics": gin.H{
		"cancel_attempts_7d": 0, "subscription_canceled": true, "offers_declined_30d": 1,
		"cancel_attempts_30d": 3, "offers_accepted_30d": 0, "feedback_submitted_30d": 0,
	}})
	require.Equal(t, http.StatusOK, w.Code)
	result := body["result"].(map[string]any)
	assert.Equal(t, 80.0, result["score"])
	assert.Equal(t, "at_risk", result["bucket"])
	assert.Len(t, result["factors"], 3)

	w, body = doJSON(t, r, http.MethodPost, "/v1/risk/score", gin.H{"metrics": gin.H{"cancel_attempts_7d": -1}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_request", body["error"])
}

func TestHandler_GetSnapshots(t *testing.T) {
	r, f := setupRouter(t)
	for _, d := range []string{"2026-03-01", "2026-03-02"} {
		_, err := f.store.Record(context.Background(), snapFor(d, Metrics{}))
		require.NoError(t, err)
	}

	w, body := doJSON(t, r, http.MethodGet, "/v1/risk/customers/cus_1/snapshots?organizationId=org_1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2.0, body["count"])
	first := body["snapshots"].([]any)[0].(map[string]any)
	assert.Equal(t, "2026-03-02", first["date"])
	assert.Equal(t, "healthy", first["riskBucket"])
	assert.NotContains(t, first, "bucketChangedFrom")

	w, _ = doJSON(t, r, http.MethodGet, "/v1/risk/customers/cus_1/snapshots", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = doJSON(t, r, http.MethodGet, "/v1/risk/customers/cus_1/snapshots?organizationId=org_1&from=march", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, body = doJSON(t, r, http.MethodGet, "/v1/risk/customers/cus_9/snapshots?organizationId=org_1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0.0, body["count"])
}

func TestHandler_GetSnapshotsPaged(t *testing.T) {
	r, f := setupRouter(t)
	for _, d := range []string{"2026-03-01", "2026-03-02", "2026-03-03"} {
		_, err := f.store.Record(context.Background(), snapFor(d, Metrics{}))
		require.NoError(t, err)
	}
	base := "/v1/risk/customers/cus_1/snapshots?organizationId=org_1&limit=2"

	w, body := doJSON(t, r, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2.0, body["count"])
	assert.Equal(t, true, body["hasMore"])
	cursor, ok := body["nextCursor"].(string)
	require.True(t, ok)

	w, body = doJSON(t, r, http.MethodGet, base+"&cursor="+cursor, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1.0, body["count"])
	assert.Equal(t, false, body["hasMore"])
	assert.NotContains(t, body, "nextCursor")
	last := body["snapshots"].([]any)[0].(map[string]any)
	assert.Equal(t, "2026-03-01", last["date"])

	w, _ = doJSON(t, r, http.MethodGet, base+"&cursor=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = doJSON(t, r, http.MethodGet, "/v1/risk/customers/cus_1/snapshots?organizationId=org_1&limit=366", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_TriggerRun(t *testing.T) {
	r, f := setupRouter(t)
	f.dir.Add(Customer{OrganizationID: "org_1", CustomerID: "cus_1"})
	f.metrics.set("cus_1", atRiskMetrics)

	w, body := doJSON(t, r, http.MethodPost, "/v1/risk/runs", gin.H{"date": "2026-03-01"})
	require.Equal(t, http.StatusOK, w.Code)
	summary := body["summary"].(map[string]any)
	assert.Equal(t, "2026-03-01", summary["date"])
	assert.Equal(t, 1.0, summary["customersProcessed"])

	w, _ = doJSON(t, r, http.MethodPost, "/v1/risk/runs", gin.H{"date": "01/03/2026"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_NoRunnerNoRunsRoute(t *testing.T) {
	r := gin.New()
	NewHandler(NewMemorySnapshotStore(), nil).RegisterRoutes(r.Group("/v1/risk"))
	w, _ := doJSON(t, r, http.MethodPost, "/v1/risk/runs", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
