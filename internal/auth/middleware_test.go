package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAdminKey = "sk_test-admin-key-000000000000"

func init() {
	gin.SetMode(gin.TestMode)
}

func setupRouter(t *testing.T) (*gin.Engine, *Manager) {
	t.Helper()
	mgr := NewManager(NewMemoryStore()).WithStaticKey(testAdminKey)

	r := gin.New()
	v1 := r.Group("/v1", Middleware(mgr))
	NewHandler(mgr).RegisterRoutes(v1)

	risk := v1.Group("/risk", RequireAuth(), RequireOrganization("organizationId"))
	risk.GET("/snapshots", func(c *gin.Context) { c.Status(http.StatusOK) })
	risk.POST("/runs", RequirePlatform(), func(c *gin.Context) { c.Status(http.StatusAccepted) })
	return r, mgr
}

func send(r http.Handler, method, path, key, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestMiddleware_SetsKey(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	raw, key, err := mgr.GenerateKey(context.Background(), "acme", "ci", 0)
	require.NoError(t, err)

	for _, header := range []string{"Authorization", "X-API-Key"} {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
		c.Request.Header.Set(header, raw)

		Middleware(mgr)(c)

		got, ok := GetAPIKey(c)
		require.True(t, ok, header)
		assert.Equal(t, key.ID, got.ID)
	}
}

func TestMiddleware_InvalidKeyDoesNotAbort(t *testing.T) {
	mgr := NewManager(NewMemoryStore())

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	c.Request.Header.Set("Authorization", "sk_"+strings.Repeat("0", 64))

	Middleware(mgr)(c)

	assert.False(t, c.IsAborted())
	assert.False(t, IsAuthenticated(c))
}

func TestRequireAuth(t *testing.T) {
	r, _ := setupRouter(t)

	w := send(r, http.MethodGet, "/v1/risk/snapshots", "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "unauthorized")

	w = send(r, http.MethodGet, "/v1/risk/snapshots", testAdminKey, "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRequireOrganization(t *testing.T) {
	r, mgr := setupRouter(t)
	raw, _, err := mgr.GenerateKey(context.Background(), "acme", "ci", 0)
	require.NoError(t, err)

	tests := []struct {
		name string
		path string
		key  string
		want int
	}{
		{"own organization", "/v1/risk/snapshots?organizationId=acme", raw, http.StatusOK},
		{"other organization", "/v1/risk/snapshots?organizationId=globex", raw, http.StatusForbidden},
		{"no organization named", "/v1/risk/snapshots", raw, http.StatusOK},
		{"platform key", "/v1/risk/snapshots?organizationId=globex", testAdminKey, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := send(r, http.MethodGet, tt.path, tt.key, "")
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestRequirePlatform(t *testing.T) {
	r, mgr := setupRouter(t)
	raw, _, err := mgr.GenerateKey(context.Background(), "acme", "ci", 0)
	require.NoError(t, err)

	w := send(r, http.MethodPost, "/v1/risk/runs", raw, "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = send(r, http.MethodPost, "/v1/risk/runs", testAdminKey, "")
	assert.Equal(t, http.StatusAccepted, w.Code)
}

func TestKeyHandlers_Lifecycle(t *testing.T) {
	r, _ := setupRouter(t)

	// platform key issues a key for acme
	w := send(r, http.MethodPost, "/v1/keys", testAdminKey, `{"organizationId":"acme","name":"dashboard"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created struct {
		APIKey string `json:"apiKey"`
		Key    APIKey `json:"key"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, "acme", created.Key.OrganizationID)
	assert.NotContains(t, w.Body.String(), `"hash"`)

	// the acme key sees its own keys only
	w = send(r, http.MethodGet, "/v1/keys", created.APIKey, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), created.Key.ID)

	w = send(r, http.MethodGet, "/v1/keys?organizationId=globex", created.APIKey, "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	// an organization key cannot mint keys for others
	w = send(r, http.MethodPost, "/v1/keys", created.APIKey, `{"organizationId":"globex"}`)
	assert.Equal(t, http.StatusForbidden, w.Code)

	// a second acme key, issued by the first
	w = send(r, http.MethodPost, "/v1/keys", created.APIKey, `{"name":"rotation","ttl":"720h"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	var second struct {
		Key APIKey `json:"key"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &second))
	assert.Equal(t, "acme", second.Key.OrganizationID)
	assert.NotNil(t, second.Key.ExpiresAt)

	// cannot revoke the key in use
	w = send(r, http.MethodDelete, "/v1/keys/"+created.Key.ID, created.APIKey, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = send(r, http.MethodDelete, "/v1/keys/"+second.Key.ID, created.APIKey, "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = send(r, http.MethodDelete, "/v1/keys/"+second.Key.ID, created.APIKey, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateKey_Validation(t *testing.T) {
	r, _ := setupRouter(t)

	w := send(r, http.MethodPost, "/v1/keys", testAdminKey, `{"organizationId":"bad id!"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = send(r, http.MethodPost, "/v1/keys", testAdminKey, `{"organizationId":"acme","ttl":"soon"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = send(r, http.MethodPost, "/v1/keys", "", `{"organizationId":"acme"}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
