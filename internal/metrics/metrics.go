// Package metrics provides process-wide Prometheus instrumentation: HTTP
// traffic, database pool stats and the committed event stream.
package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kustodia/escrowd/internal/eventlog"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrowd",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status class.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "escrowd",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// EventsTotal counts committed ledger events by type.
	EventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrowd",
			Name:      "events_total",
			Help:      "Committed escrow events by type.",
		},
		[]string{"type"},
	)

	// LastEventSeq is the sequence number of the latest committed event.
	LastEventSeq = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrowd",
		Name:      "last_event_seq",
		Help:      "Sequence number of the most recent committed event.",
	})

	// EscrowLifetime observes time from creation to a terminal outcome.
	EscrowLifetime = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "escrowd",
		Name:      "escrow_lifetime_seconds",
		Help:      "Time from escrow creation to its terminal event.",
		Buckets:   []float64{60, 600, 3600, 6 * 3600, 86400, 3 * 86400, 7 * 86400, 30 * 86400},
	}, []string{"outcome"})

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "escrowd",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrowd", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrowd", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrowd", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrowd", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		EventsTotal,
		LastEventSeq,
		EscrowLifetime,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBInUseConnections,
		DBWaitDuration,
		GoroutineCount,
	)
}

// terminal maps terminal event types to the lifetime outcome label.
var terminal = map[eventlog.Type]string{
	eventlog.TypeReleased:        "released",
	eventlog.TypeCancelled:       "cancelled",
	eventlog.TypeDisputeResolved: "resolved",
}

// EventSink returns an eventlog.Sink that feeds the event metrics.
func EventSink() eventlog.Sink {
	return eventlog.SinkFunc(func(_ context.Context, ev *eventlog.Event) error {
		ObserveEvent(ev)
		return nil
	})
}

// ObserveEvent records one committed event.
func ObserveEvent(ev *eventlog.Event) {
	EventsTotal.WithLabelValues(string(ev.Type)).Inc()
	LastEventSeq.Set(float64(ev.Seq))

	outcome, ok := terminal[ev.Type]
	if !ok {
		return
	}
	var p struct {
		Record struct {
			CreatedAt time.Time `json:"createdAt"`
		} `json:"record"`
	}
	if err := json.Unmarshal(ev.Payload, &p); err != nil || p.Record.CreatedAt.IsZero() {
		return
	}
	EscrowLifetime.WithLabelValues(outcome).Observe(ev.Timestamp.Sub(p.Record.CreatedAt).Seconds())
}

// StartDBStatsCollector periodically samples sql.DBStats and the goroutine
// count. Exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBInUseConnections.Set(float64(stats.InUse))
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Route pattern, not raw path, to bound label cardinality.
		path := c.FullPath()
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(c.Request.Method, path))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, statusBucket(c.Writer.Status())).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
