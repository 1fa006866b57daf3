package access

import "github.com/prometheus/client_golang/prometheus"

var roleChangesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "escrowd",
	Subsystem: "access",
	Name:      "role_changes_total",
	Help:      "Role grants and revocations by operation and role.",
}, []string{"op", "role"})

func init() {
	prometheus.MustRegister(roleChangesTotal)
}
