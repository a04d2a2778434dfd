package sandbox

import "github.com/prometheus/client_golang/prometheus"

var (
	pendingRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "meshforge_bridge_pending_requests",
			Help: "Number of requests awaiting a response from the sandbox agent.",
		},
	)

	staleResponses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meshforge_bridge_stale_responses_total",
			Help: "Responses dropped because their correlation ID was unknown or already resolved.",
		},
	)

	timeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meshforge_bridge_timeouts_total",
			Help: "Requests abandoned because no response arrived within the deadline.",
		},
	)

	bridgeRequestDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "meshforge_bridge_request_seconds",
			Help:    "Round-trip time from request dispatch to resolution, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(pendingRequests)
	prometheus.MustRegister(staleResponses)
	prometheus.MustRegister(timeouts)
	prometheus.MustRegister(bridgeRequestDuration)
}
