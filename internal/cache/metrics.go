package cache

import "github.com/prometheus/client_golang/prometheus"

var (
	cacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meshforge_cache_hits_total",
			Help: "Render cache lookups that found an entry.",
		},
	)

	cacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meshforge_cache_misses_total",
			Help: "Render cache lookups that found no entry.",
		},
	)
)

func init() {
	prometheus.MustRegister(cacheHits)
	prometheus.MustRegister(cacheMisses)
}
