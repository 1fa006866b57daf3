package custody

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// TransfersTotal counts custody transfers by direction and result.
	TransfersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrowd",
			Subsystem: "custody",
			Name:      "transfers_total",
			Help:      "Custody transfers by direction and result.",
		},
		[]string{"direction", "result"},
	)

	transferDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "escrowd",
			Subsystem: "custody",
			Name:      "transfer_duration_seconds",
			Help:      "Custody transfer latency in seconds.",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 2.5, 5, 15, 30, 60},
		},
		[]string{"direction"},
	)
)

func init() {
	prometheus.MustRegister(TransfersTotal, transferDuration)
}

// observeTransfer starts a latency timer; the returned func records the outcome.
func observeTransfer(dir Direction) func(ok bool) {
	start := time.Now()
	return func(ok bool) {
		result := "ok"
		if !ok {
			result = "failed"
		}
		TransfersTotal.WithLabelValues(string(dir), result).Inc()
		transferDuration.WithLabelValues(string(dir)).Observe(time.Since(start).Seconds())
	}
}
