package server

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kustodia/escrowd/internal/config"
)

const (
	adminAddr  = "0x1111111111111111111111111111111111111111"
	bridgeAddr = "0x2222222222222222222222222222222222222222"
	pauserAddr = "0x3333333333333333333333333333333333333333"
	payerAddr  = "0x4444444444444444444444444444444444444444"
	payeeAddr  = "0x5555555555555555555555555555555555555555"
	adminKey   = "sk_test_bootstrap_admin_key_0123456789abcdef"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testConfig() *config.Config {
	return &config.Config{
		Port:              "0",
		Env:               "development",
		LogLevel:          "error",
		LogFormat:         "text",
		AdminAddress:      adminAddr,
		BridgeAddress:     bridgeAddr,
		PauserAddress:     pauserAddr,
		BootstrapAdminKey: adminKey,
		CustodyBackend:    config.CustodyBook,
		RateLimitRPM:      6000,
		RateLimitBurst:    500,
		ReconcileInterval: time.Minute,
		ShutdownTimeout:   time.Second,
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig(), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)
	return s
}

func do(t *testing.T, s *Server, method, path, key string, body any) (int, map[string]any) {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	var out map[string]any
	if w.Body.Len() > 0 && strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	}
	return w.Code, out
}

func issueKey(t *testing.T, s *Server, identity string) string {
	t.Helper()
	code, body := do(t, s, http.MethodPost, "/v1/admin/keys", adminKey, map[string]string{"identity": identity})
	require.Equal(t, http.StatusCreated, code, body)
	return body["apiKey"].(string)
}

func escrowField(t *testing.T, body map[string]any, field string) any {
	t.Helper()
	rec, ok := body["escrow"].(map[string]any)
	require.True(t, ok, "response has no escrow: %v", body)
	return rec[field]
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t)

	code, _ := do(t, s, http.MethodGet, "/health/live", "", nil)
	assert.Equal(t, http.StatusOK, code)

	// Not ready until Run flips the flag.
	code, _ = do(t, s, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)

	s.ready.Store(true)
	code, _ = do(t, s, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusOK, code)

	code, body := do(t, s, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, config.CustodyBook, body["custody"])
	assert.Equal(t, false, body["paused"])
}

func TestRequestIDAndSecurityHeaders(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	req.Header.Set("X-Request-ID", "req-123")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	assert.Equal(t, "req-123", w.Header().Get("X-Request-ID"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))

	w = httptest.NewRecorder()
	s.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "escrowd_")
}

func TestAPIRequiresAuth(t *testing.T) {
	s := newTestServer(t)

	code, _ := do(t, s, http.MethodGet, "/v1/escrows", "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = do(t, s, http.MethodGet, "/v1/escrows", "sk_not_a_real_key_000000000000000000000", nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, body := do(t, s, http.MethodGet, "/v1/auth/me", adminKey, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, adminAddr, body["identity"])
}

func TestEscrowLifecycle(t *testing.T) {
	s := newTestServer(t)
	bridgeKey := issueKey(t, s, bridgeAddr)

	code, body := do(t, s, http.MethodGet, "/v1/escrows/next-id", bridgeKey, nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 0, body["nextId"])

	create := map[string]any{
		"payer":    payerAddr,
		"payee":    payeeAddr,
		"asset":    "native",
		"amount":   "1500000",
		"deadline": time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
	}
	code, body = do(t, s, http.MethodPost, "/v1/escrows", bridgeKey, create)
	require.Equal(t, http.StatusCreated, code, body)
	assert.Equal(t, "pending", escrowField(t, body, "status"))

	code, body = do(t, s, http.MethodPost, "/v1/escrows/0/fund", bridgeKey, nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "funded", escrowField(t, body, "status"))

	code, body = do(t, s, http.MethodPost, "/v1/escrows/0/release", bridgeKey, nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "released", escrowField(t, body, "status"))

	// The payee now holds the amount on the book rail.
	code, body = do(t, s, http.MethodGet, "/v1/admin/book/"+payeeAddr+"?asset=native", adminKey, nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "1500000", body["balance"])

	code, body = do(t, s, http.MethodGet, "/v1/escrows/0/events", bridgeKey, nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.EqualValues(t, 3, body["count"])

	// A second release is a state error, not a payout.
	code, _ = do(t, s, http.MethodPost, "/v1/escrows/0/release", bridgeKey, nil)
	assert.Equal(t, http.StatusConflict, code)
}

func TestRoleGates(t *testing.T) {
	s := newTestServer(t)
	payerKey := issueKey(t, s, payerAddr)

	create := map[string]any{
		"payer":    payerAddr,
		"payee":    payeeAddr,
		"asset":    "native",
		"amount":   "10",
		"deadline": time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
	}
	code, _ := do(t, s, http.MethodPost, "/v1/escrows", payerKey, create)
	assert.Equal(t, http.StatusForbidden, code)

	// Non-administrators cannot reach operator routes or issue keys.
	code, _ = do(t, s, http.MethodGet, "/v1/admin/webhooks", payerKey, nil)
	assert.Equal(t, http.StatusForbidden, code)
	code, _ = do(t, s, http.MethodPost, "/v1/admin/keys", payerKey, map[string]string{"identity": payerAddr})
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = do(t, s, http.MethodGet, "/v1/admin/webhooks", adminKey, nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestPauseBlocksMutations(t *testing.T) {
	s := newTestServer(t)
	bridgeKey := issueKey(t, s, bridgeAddr)

	code, body := do(t, s, http.MethodPost, "/v1/admin/pause", adminKey, nil)
	require.Equal(t, http.StatusOK, code, body)

	create := map[string]any{
		"payer":    payerAddr,
		"payee":    payeeAddr,
		"asset":    "native",
		"amount":   "10",
		"deadline": time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
	}
	code, _ = do(t, s, http.MethodPost, "/v1/escrows", bridgeKey, create)
	assert.Equal(t, http.StatusServiceUnavailable, code)

	// Reads stay available while paused.
	code, _ = do(t, s, http.MethodGet, "/v1/escrows/next-id", bridgeKey, nil)
	assert.Equal(t, http.StatusOK, code)

	code, _ = do(t, s, http.MethodPost, "/v1/admin/unpause", adminKey, nil)
	require.Equal(t, http.StatusOK, code)
	code, body = do(t, s, http.MethodPost, "/v1/escrows", bridgeKey, create)
	assert.Equal(t, http.StatusCreated, code, body)
}

func TestMaskDSN(t *testing.T) {
	masked := maskDSN("postgres://user:secret@db:5432/escrowd")
	assert.NotContains(t, masked, "secret")
	assert.Contains(t, masked, "user:")
	assert.Contains(t, masked, "@db:5432/escrowd")
	assert.Equal(t, "postgres://db/escrowd", maskDSN("postgres://db/escrowd"))
}
