// Package metrics exposes Prometheus collectors for the listing watcher.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	cyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "listingwatch_cycles_total",
			Help: "Total number of crawl cycles, labeled by result.",
		},
		[]string{"result"},
	)

	cycleDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "listingwatch_cycle_duration_seconds",
			Help:    "Histogram of crawl cycle durations.",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200},
		},
	)

	queryOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "listingwatch_query_outcomes_total",
			Help: "Total number of per-query crawl outcomes, labeled by status.",
		},
		[]string{"status"},
	)

	pagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "listingwatch_pages_total",
			Help: "Total number of result pages fetched, labeled by status.",
		},
		[]string{"status"},
	)

	newListingsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "listingwatch_new_listings_total",
			Help: "Total number of listings accepted as new.",
		},
	)

	notificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "listingwatch_notifications_total",
			Help: "Total number of notifications, labeled by status.",
		},
		[]string{"status"},
	)

	registeredQueries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "listingwatch_registered_queries",
			Help: "Number of queries currently registered.",
		},
	)

	rateLimitDelaySeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "listingwatch_rate_limit_delay_seconds",
			Help:    "Histogram of rate limit wait durations.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5},
		},
	)

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "listingwatch_http_requests_total",
			Help: "Total number of API requests, labeled by method, route and code.",
		},
		[]string{"method", "route", "code"},
	)

	once sync.Once
)

// Init registers the collectors with the default Prometheus registry.
// It is safe to call this function multiple times. Observations made before
// Init are kept and exported once registered.
func Init() {
	once.Do(func() {
		prometheus.MustRegister(
			cyclesTotal,
			cycleDurationSeconds,
			queryOutcomesTotal,
			pagesTotal,
			newListingsTotal,
			notificationsTotal,
			registeredQueries,
			rateLimitDelaySeconds,
			httpRequestsTotal,
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveCycle records a finished crawl cycle.
func ObserveCycle(result string, duration time.Duration) {
	cyclesTotal.WithLabelValues(result).Inc()
	cycleDurationSeconds.Observe(duration.Seconds())
}

// ObserveQueryOutcome counts one per-query outcome.
func ObserveQueryOutcome(status string) {
	queryOutcomesTotal.WithLabelValues(status).Inc()
}

// ObservePage counts one fetched result page.
func ObservePage(status string) {
	pagesTotal.WithLabelValues(status).Inc()
}

// AddNewListings adds n accepted listings.
func AddNewListings(n int) {
	if n > 0 {
		newListingsTotal.Add(float64(n))
	}
}

// ObserveNotification counts one notification attempt.
func ObserveNotification(status string) {
	notificationsTotal.WithLabelValues(status).Inc()
}

// SetRegisteredQueries updates the registered-query gauge.
func SetRegisteredQueries(n int) {
	registeredQueries.Set(float64(n))
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(duration time.Duration) {
	rateLimitDelaySeconds.Observe(duration.Seconds())
}

// ObserveHTTPRequest counts one API request.
func ObserveHTTPRequest(method, route string, code int) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
}
