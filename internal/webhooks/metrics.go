package webhooks

import "github.com/prometheus/client_golang/prometheus"

var (
	deliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "webhook",
		Name:      "deliveries_total",
		Help:      "Webhook deliveries per endpoint attempt chain, by result.",
	}, []string{"result"})

	droppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "webhook",
		Name:      "dropped_total",
		Help:      "Events dropped because the delivery queue was full.",
	})

	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrowd",
		Subsystem: "webhook",
		Name:      "queue_depth",
		Help:      "Events waiting for delivery.",
	})
)

func init() {
	prometheus.MustRegister(deliveriesTotal, droppedTotal, queueDepth)
}
