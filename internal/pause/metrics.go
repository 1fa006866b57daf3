package pause

import "github.com/prometheus/client_golang/prometheus"

var pausedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "escrowd",
	Name:      "paused",
	Help:      "1 while mutating operations are paused.",
})

func init() {
	prometheus.MustRegister(pausedGauge)
}
