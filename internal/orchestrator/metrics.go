package orchestrator

import "github.com/prometheus/client_golang/prometheus"

var (
	rendersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshforge_renders_total",
			Help: "Total render attempts by backend and terminal status.",
		},
		[]string{"backend", "status"},
	)

	renderDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "meshforge_render_duration_seconds",
			Help:    "Duration of a single backend render attempt, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend"},
	)

	fallbacksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meshforge_fallbacks_total",
			Help: "Renders where the primary backend failed and a fallback was attempted.",
		},
	)
)

func init() {
	prometheus.MustRegister(rendersTotal)
	prometheus.MustRegister(renderDuration)
	prometheus.MustRegister(fallbacksTotal)
}
