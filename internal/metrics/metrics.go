// Package metrics exposes the Prometheus counters and gauges wired into
// the server session and the proxy client (SPEC_FULL.md "DOMAIN STACK").
// Spec.md's non-goals exclude a replication/consistency protocol between
// backends, not observability — metrics are ambient, carried the same way
// the ambient logging stack is.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// RequestsTotal counts server-side requests handled, by kind and
	// outcome ("ok", "error").
	RequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "netfs",
		Subsystem: "server",
		Name:      "requests_total",
		Help:      "Server requests handled, by request kind and outcome.",
	}, []string{"kind", "outcome"})

	// LockContentionTotal counts upload attempts rejected because another
	// session already held the upload lock for that filename.
	LockContentionTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "netfs",
		Subsystem: "server",
		Name:      "lock_contention_total",
		Help:      "Upload attempts rejected due to upload-lock contention.",
	})

	// BackendOpTotal counts proxy-side per-backend operation outcomes.
	BackendOpTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "netfs",
		Subsystem: "proxy",
		Name:      "backend_op_total",
		Help:      "Proxy backend operations, by backend, operation, and outcome.",
	}, []string{"backend", "op", "outcome"})

	// HealthyBackends reports the number of backends the proxy currently
	// considers healthy (not in cooldown).
	HealthyBackends = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "netfs",
		Subsystem: "proxy",
		Name:      "healthy_backends",
		Help:      "Number of backends not currently in failure cooldown.",
	})
)

// Registry is a dedicated Prometheus registry rather than the global
// default, so embedding netfs's client/proxy packages in a larger binary
// never collides with that binary's own metric names.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(RequestsTotal, LockContentionTotal, BackendOpTotal, HealthyBackends)
}
