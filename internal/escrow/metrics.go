package escrow

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// TransitionsTotal counts entry point calls by operation and outcome.
	TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrowd",
			Name:      "escrow_transitions_total",
			Help:      "Escrow entry point calls by operation and result.",
		},
		[]string{"op", "result"},
	)

	// TransitionDuration observes entry point latency, custody transfer included.
	TransitionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "escrowd",
			Name:      "escrow_transition_duration_seconds",
			Help:      "Escrow entry point duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5, 30},
		},
		[]string{"op"},
	)

	// CompensationsTotal counts commits that failed after a custody transfer.
	CompensationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrowd",
			Name:      "escrow_compensations_total",
			Help:      "Post-transfer commit failures by direction and outcome.",
		},
		[]string{"direction", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		TransitionsTotal,
		TransitionDuration,
		CompensationsTotal,
	)
}

// observeOp returns a function that records the outcome and latency of op.
func observeOp(op string) func(err error) {
	start := time.Now()
	return func(err error) {
		TransitionsTotal.WithLabelValues(op, resultLabel(err)).Inc()
		TransitionDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrPaused):
		return "paused"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrTransferPending):
		return "transfer_pending"
	case errors.Is(err, ErrCustodyTransferFailed):
		return "transfer_failed"
	default:
		return "rejected"
	}
}
