package escrow

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kustodia/escrowd/internal/auth"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// newTestRouter mounts the escrow routes behind a stub that trusts the
// X-Identity header in place of API key auth.
func newTestRouter(h *harness) *gin.Engine {
	r := gin.New()
	v1 := r.Group("/v1", func(c *gin.Context) {
		if id := c.GetHeader("X-Identity"); id != "" {
			c.Set(auth.ContextKeyIdentity, id)
		}
		c.Next()
	})
	NewHandler(h.svc).RegisterRoutes(v1)
	return r
}

func doJSON(t *testing.T, r http.Handler, method, path, identity string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if identity != "" {
		req.Header.Set("X-Identity", identity)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var out map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	return w, out
}

func doRaw(t *testing.T, r http.Handler, path, identity, raw string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Identity", identity)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var out map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	return w, out
}

func createBody(amount string) map[string]any {
	return map[string]any{
		"payer":    payerAddr,
		"payee":    payeeAddr,
		"asset":    tokenAddr,
		"amount":   amount,
		"deadline": t0.Add(time.Hour).Format(time.RFC3339),
		"vertical": "freight",
	}
}

func TestHandler_CreateAndGet(t *testing.T) {
	h := newHarness(t)
	r := newTestRouter(h)

	w, body := doJSON(t, r, http.MethodPost, "/v1/escrows", bridgeAddr, createBody("1000000"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	esc := body["escrow"].(map[string]any)
	assert.Equal(t, float64(0), esc["id"])
	assert.Equal(t, "1000000", esc["amount"])
	assert.Equal(t, "pending", esc["status"])

	w, body = doJSON(t, r, http.MethodGet, "/v1/escrows/0", bridgeAddr, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "freight", body["escrow"].(map[string]any)["vertical"])

	w, body = doJSON(t, r, http.MethodGet, "/v1/escrows/next-id", bridgeAddr, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), body["nextId"])
}

func TestHandler_CreateValidation(t *testing.T) {
	h := newHarness(t)
	r := newTestRouter(h)

	tests := []struct {
		name   string
		mutate func(map[string]any)
		status int
		code   string
	}{
		{"missing amount", func(b map[string]any) { delete(b, "amount") }, http.StatusBadRequest, "invalid_request"},
		{"bad payer", func(b map[string]any) { b["payer"] = "alice" }, http.StatusBadRequest, "invalid_address"},
		{"bad asset", func(b map[string]any) { b["asset"] = "usd" }, http.StatusBadRequest, "invalid_address"},
		{"zero amount", func(b map[string]any) { b["amount"] = "0" }, http.StatusBadRequest, "invalid_amount"},
		{"long conditions", func(b map[string]any) { b["conditions"] = strings.Repeat("x", 4097) }, http.StatusBadRequest, "invalid_metadata"},
		{"past deadline", func(b map[string]any) { b["deadline"] = t0.Add(-time.Hour).Format(time.RFC3339) }, http.StatusBadRequest, "invalid_deadline"},
		{"same parties", func(b map[string]any) { b["payee"] = payerAddr }, http.StatusBadRequest, "invalid_address"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := createBody("5")
			tt.mutate(b)
			w, body := doJSON(t, r, http.MethodPost, "/v1/escrows", bridgeAddr, b)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			assert.Equal(t, tt.code, body["error"])
		})
	}
}

func TestHandler_GatesRunBeforeValidation(t *testing.T) {
	h := newHarness(t)
	r := newTestRouter(h)
	h.funded(t, "100")

	zero := createBody("0")
	tests := []struct {
		name     string
		paused   bool
		caller   string
		path     string
		body     any
		raw      string
		wantCode int
		wantErr  string
	}{
		{"stranger creates with zero amount", false, strangerAddr, "/v1/escrows", zero, "", http.StatusForbidden, "unauthorized"},
		{"stranger creates with bad json", false, strangerAddr, "/v1/escrows", nil, `{"payer":`, http.StatusForbidden, "unauthorized"},
		{"paused bridge creates with zero amount", true, bridgeAddr, "/v1/escrows", zero, "", http.StatusServiceUnavailable, "paused"},
		{"paused stranger creates with bad json", true, strangerAddr, "/v1/escrows", nil, `{"payer":`, http.StatusServiceUnavailable, "paused"},
		{"stranger resolves without favorPayee", false, strangerAddr, "/v1/escrows/0/resolve", map[string]any{}, "", http.StatusForbidden, "unauthorized"},
		{"paused admin resolves without favorPayee", true, adminAddr, "/v1/escrows/0/resolve", map[string]any{}, "", http.StatusServiceUnavailable, "paused"},
		{"stranger disputes with bad json", false, strangerAddr, "/v1/escrows/0/dispute", nil, `{"reason":`, http.StatusForbidden, "unauthorized"},
		{"paused payer disputes with bad json", true, payerAddr, "/v1/escrows/0/dispute", nil, `{"reason":`, http.StatusServiceUnavailable, "paused"},
		{"bridge creates with zero amount", false, bridgeAddr, "/v1/escrows", zero, "", http.StatusBadRequest, "invalid_amount"},
		{"admin resolves without favorPayee", false, adminAddr, "/v1/escrows/0/resolve", map[string]any{}, "", http.StatusBadRequest, "invalid_request"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			if tt.paused {
				require.NoError(t, h.pause.Pause(ctx, pauserAddr))
				defer func() { require.NoError(t, h.pause.Unpause(ctx, pauserAddr)) }()
			}
			var (
				w    *httptest.ResponseRecorder
				body map[string]any
			)
			if tt.raw != "" {
				w, body = doRaw(t, r, tt.path, tt.caller, tt.raw)
			} else {
				w, body = doJSON(t, r, http.MethodPost, tt.path, tt.caller, tt.body)
			}
			assert.Equal(t, tt.wantCode, w.Code, w.Body.String())
			assert.Equal(t, tt.wantErr, body["error"])
		})
	}

	rec, err := h.svc.Get(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, StatusFunded, rec.Status)
}

func TestHandler_DisputeBody(t *testing.T) {
	h := newHarness(t)
	r := newTestRouter(h)
	h.funded(t, "100")

	w, body := doRaw(t, r, "/v1/escrows/0/dispute", payerAddr, `{"reason": 42}`)
	assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
	assert.Equal(t, "invalid_request", body["error"])

	w, body = doRaw(t, r, "/v1/escrows/0/dispute", payerAddr, `{"reason":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_request", body["error"])

	rec, err := h.svc.Get(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, StatusFunded, rec.Status, "a malformed dispute must not open one")

	w, body = doJSON(t, r, http.MethodPost, "/v1/escrows/0/dispute", payerAddr, map[string]any{"reason": strings.Repeat("r", 4097)})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_metadata", body["error"])

	w, body = doJSON(t, r, http.MethodPost, "/v1/escrows/0/dispute", payerAddr, nil)
	require.Equal(t, http.StatusOK, w.Code, "an empty body is a dispute without reason: %s", w.Body.String())
	assert.Equal(t, "disputed", body["escrow"].(map[string]any)["status"])
}

func TestHandler_TransitionErrors(t *testing.T) {
	h := newHarness(t)
	r := newTestRouter(h)
	h.funded(t, "100")

	w, body := doJSON(t, r, http.MethodPost, "/v1/escrows/0/fund", bridgeAddr, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "invalid_state", body["error"])

	w, body = doJSON(t, r, http.MethodPost, "/v1/escrows/0/release", payeeAddr, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "unauthorized", body["error"])

	w, body = doJSON(t, r, http.MethodPost, "/v1/escrows/7/release", bridgeAddr, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", body["error"])

	w, body = doJSON(t, r, http.MethodPost, "/v1/escrows/abc/release", bridgeAddr, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_id", body["error"])

	w, body = doJSON(t, r, http.MethodPost, "/v1/escrows/0/resolve", adminAddr, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_request", body["error"])

	w, body = doJSON(t, r, http.MethodPost, "/v1/escrows/0/resolve", adminAddr, map[string]any{"favorPayee": false})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "no_open_dispute", body["error"])
}

func TestHandler_DisputeFlow(t *testing.T) {
	h := newHarness(t)
	r := newTestRouter(h)
	h.funded(t, "100")

	w, body := doJSON(t, r, http.MethodPost, "/v1/escrows/0/dispute", payerAddr, map[string]any{"reason": "short shipment"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	esc := body["escrow"].(map[string]any)
	assert.Equal(t, "disputed", esc["status"])
	assert.Equal(t, "short shipment", esc["disputeReason"])

	w, body = doJSON(t, r, http.MethodPost, "/v1/escrows/0/dispute", payeeAddr, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "already_disputed", body["error"])

	w, body = doJSON(t, r, http.MethodPost, "/v1/escrows/0/resolve", adminAddr, map[string]any{"favorPayee": false})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "resolved_for_payer", body["escrow"].(map[string]any)["status"])

	w, body = doJSON(t, r, http.MethodGet, "/v1/escrows/0/events", payerAddr, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(4), body["count"])
}

func TestHandler_DeadlineExpired(t *testing.T) {
	h := newHarness(t)
	r := newTestRouter(h)
	h.funded(t, "100")
	h.advance(48 * time.Hour)

	w, body := doJSON(t, r, http.MethodPost, "/v1/escrows/0/dispute", payerAddr, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "deadline_expired", body["error"])
}

func TestHandler_Paused(t *testing.T) {
	h := newHarness(t)
	r := newTestRouter(h)
	h.funded(t, "100")
	require.NoError(t, h.pause.Pause(context.Background(), pauserAddr))

	w, body := doJSON(t, r, http.MethodPost, "/v1/escrows/0/release", bridgeAddr, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "paused", body["error"])

	w, _ = doJSON(t, r, http.MethodGet, "/v1/escrows/0", bridgeAddr, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandler_ListAndEvents(t *testing.T) {
	h := newHarness(t)
	r := newTestRouter(h)
	h.funded(t, "1")
	h.funded(t, "2")
	h.create(t, "3")

	w, body := doJSON(t, r, http.MethodGet, "/v1/escrows?status=funded", bridgeAddr, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), body["count"])

	w, body = doJSON(t, r, http.MethodGet, "/v1/escrows?status=bogus", bridgeAddr, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_status", body["error"])

	// 5 events: create, fund, create, fund, create.
	w, body = doJSON(t, r, http.MethodGet, "/v1/events?limit=2", bridgeAddr, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), body["count"])
	assert.Equal(t, true, body["hasMore"])
	assert.Equal(t, float64(2), body["nextAfter"])

	w, body = doJSON(t, r, http.MethodGet, "/v1/events?after=4&limit=2", bridgeAddr, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), body["count"])
	assert.Equal(t, false, body["hasMore"])

	w, body = doJSON(t, r, http.MethodGet, "/v1/custody", bridgeAddr, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assets := body["assets"].([]any)
	require.Len(t, assets, 1)
	a := assets[0].(map[string]any)
	assert.Equal(t, "3", a["balance"])
	assert.Equal(t, true, a["balanced"])
}
