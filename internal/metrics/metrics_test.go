package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	dto "github.com/prometheus/client_model/go"

	"github.com/kustodia/escrowd/internal/eventlog"
)

func TestStatusBucket(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{100, "1xx"},
		{200, "2xx"},
		{201, "2xx"},
		{301, "3xx"},
		{404, "4xx"},
		{409, "4xx"},
		{502, "5xx"},
		{503, "5xx"},
	}
	for _, tt := range tests {
		if got := statusBucket(tt.code); got != tt.want {
			t.Errorf("statusBucket(%d) = %s, want %s", tt.code, got, tt.want)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/metrics", Handler())
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ping", nil))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := w.Body.String()
	for _, name := range []string{
		"escrowd_active_websocket_clients",
		`escrowd_http_requests_total{method="GET",path="/ping",status="2xx"}`,
	} {
		if !strings.Contains(body, name) {
			t.Errorf("expected metrics output to contain %s", name)
		}
	}
}

func counterValue(t *testing.T, typ eventlog.Type) float64 {
	t.Helper()
	var m dto.Metric
	if err := EventsTotal.WithLabelValues(string(typ)).Write(&m); err != nil {
		t.Fatal(err)
	}
	return m.GetCounter().GetValue()
}

func TestObserveEvent(t *testing.T) {
	created := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	before := counterValue(t, eventlog.TypeReleased)

	ev, err := eventlog.New(eventlog.TypeReleased, 1, "0x00000000000000000000000000000000000000B1",
		created.Add(time.Hour), map[string]any{"record": map[string]any{"createdAt": created}})
	if err != nil {
		t.Fatal(err)
	}
	ev.Seq = 42
	if err := EventSink().Publish(t.Context(), ev); err != nil {
		t.Fatal(err)
	}

	if got := counterValue(t, eventlog.TypeReleased); got != before+1 {
		t.Errorf("expected counter %v, got %v", before+1, got)
	}

	var g dto.Metric
	_ = LastEventSeq.Write(&g)
	if g.GetGauge().GetValue() != 42 {
		t.Errorf("expected last seq 42, got %v", g.GetGauge().GetValue())
	}

	var h dto.Metric
	_ = EscrowLifetime.WithLabelValues("released").(interface{ Write(*dto.Metric) error }).Write(&h)
	if h.GetHistogram().GetSampleCount() == 0 || h.GetHistogram().GetSampleSum() < 3600 {
		t.Errorf("expected a lifetime observation of an hour, got %+v", h.GetHistogram())
	}
}
