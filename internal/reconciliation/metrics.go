package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileLedgerMismatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrowd",
		Subsystem: "reconciliation",
		Name:      "ledger_mismatches",
		Help:      "Assets whose custody book disagreed with active escrows in the last run.",
	})

	reconcileViolations = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrowd",
		Subsystem: "reconciliation",
		Name:      "invariant_violations",
		Help:      "Record invariant violations found in the last run.",
	})

	reconcileOverdue = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrowd",
		Subsystem: "reconciliation",
		Name:      "overdue_escrows",
		Help:      "Funded escrows past their deadline in the last run.",
	})

	reconcileOnChainShortfalls = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrowd",
		Subsystem: "reconciliation",
		Name:      "onchain_shortfalls",
		Help:      "Assets where the chain held less than the custody book in the last run.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "escrowd",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation runs that failed to complete.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileLedgerMismatches,
		reconcileViolations,
		reconcileOverdue,
		reconcileOnChainShortfalls,
		reconcileDuration,
		reconcileErrors,
	)
}
