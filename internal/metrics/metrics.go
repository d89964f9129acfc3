// Package metrics registers the Prometheus collectors for provider calls,
// cache lookups and district outcomes.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ProviderRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "places_provider_requests_total",
		Help: "Provider calls by provider, operation and outcome",
	}, []string{"provider", "op", "outcome"})
	ProviderDurationMs = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "places_provider_duration_ms",
		Help:    "Provider call duration in milliseconds",
		Buckets: []float64{50, 100, 200, 500, 1000, 2000, 5000, 10000},
	}, []string{"provider", "op"})
	CacheHitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "places_cache_hits_total",
		Help: "Fresh cache entries served, by query kind",
	}, []string{"kind"})
	CacheMissesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "places_cache_misses_total",
		Help: "Cache lookups that were absent or expired, by query kind",
	}, []string{"kind"})
	DistrictsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "places_districts_total",
		Help: "Districts processed by outcome",
	}, []string{"status"})
	RecordsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "places_records_total",
		Help: "Place records returned by enumeration, by query kind",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(ProviderRequestsTotal)
	prometheus.MustRegister(ProviderDurationMs)
	prometheus.MustRegister(CacheHitsTotal)
	prometheus.MustRegister(CacheMissesTotal)
	prometheus.MustRegister(DistrictsTotal)
	prometheus.MustRegister(RecordsTotal)
}

func ObserveProviderCall(provider, op, outcome string, d time.Duration) {
	ProviderRequestsTotal.WithLabelValues(provider, op, outcome).Inc()
	ProviderDurationMs.WithLabelValues(provider, op).Observe(float64(d.Milliseconds()))
}

func ObserveCacheLookup(kind string, hit bool) {
	if hit {
		CacheHitsTotal.WithLabelValues(kind).Inc()
		return
	}
	CacheMissesTotal.WithLabelValues(kind).Inc()
}

func ObserveDistrict(status string, kind string, records int) {
	DistrictsTotal.WithLabelValues(status).Inc()
	RecordsTotal.WithLabelValues(kind).Add(float64(records))
}

// Handler exposes the registered collectors for scraping.
func Handler() http.Handler { return promhttp.Handler() }
