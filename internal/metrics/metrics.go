// Package metrics registers the service's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Gravitate-Health/focusing-manager-sub000/internal/cache"
)

var (
	// PreprocessorCalls counts outbound preprocessor calls by step and outcome.
	PreprocessorCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "focusing_preprocessor_calls_total",
		Help: "Outbound preprocessor calls by step name and outcome.",
	}, []string{"step", "outcome"})

	// LensExecutions counts lens applications by lens key and outcome.
	LensExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "focusing_lens_executions_total",
		Help: "Lens executions by lens key and outcome.",
	}, []string{"lens", "outcome"})

	// FocusRequests counts focus requests by response status class.
	FocusRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "focusing_requests_total",
		Help: "Focus requests by HTTP status.",
	}, []string{"route", "status"})
)

// cacheStatsCollector exposes the live counters of a cache hierarchy.
type cacheStatsCollector struct {
	store cache.Store

	hits        *prometheus.Desc
	misses      *prometheus.Desc
	sets        *prometheus.Desc
	errors      *prometheus.Desc
	partialHits *prometheus.Desc
}

// RegisterCacheStats attaches a collector for the given store to the default
// prometheus registry.
func RegisterCacheStats(store cache.Store) error {
	labels := []string{"backend"}
	collector := &cacheStatsCollector{
		store:       store,
		hits:        prometheus.NewDesc("focusing_cache_hits_total", "Cache hits.", labels, nil),
		misses:      prometheus.NewDesc("focusing_cache_misses_total", "Cache misses.", labels, nil),
		sets:        prometheus.NewDesc("focusing_cache_sets_total", "Cache writes.", labels, nil),
		errors:      prometheus.NewDesc("focusing_cache_errors_total", "Cache back-end errors.", labels, nil),
		partialHits: prometheus.NewDesc("focusing_cache_partial_hits_total", "Cache hits with a shorter matched prefix.", labels, nil),
	}
	return prometheus.Register(collector)
}

func (c *cacheStatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.hits
	ch <- c.misses
	ch <- c.sets
	ch <- c.errors
	ch <- c.partialHits
}

func (c *cacheStatsCollector) Collect(ch chan<- prometheus.Metric) {
	c.collectNode(ch, cache.DetailedOf(c.store), "")
}

func (c *cacheStatsCollector) collectNode(ch chan<- prometheus.Metric, node cache.Detailed, prefix string) {
	backend := node.Name
	if prefix != "" {
		backend = prefix + "/" + node.Name
	}
	counter := func(desc *prometheus.Desc, value int64) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(value), backend)
	}
	counter(c.hits, node.Stats.Hits)
	counter(c.misses, node.Stats.Misses)
	counter(c.sets, node.Stats.Sets)
	counter(c.errors, node.Stats.Errors)
	counter(c.partialHits, node.Stats.PartialHits)
	for i, child := range node.Children {
		c.collectNode(ch, child, backendLevel(backend, i))
	}
}

func backendLevel(parent string, index int) string {
	if index == 0 {
		return parent + "/l1"
	}
	return parent + "/l2"
}
