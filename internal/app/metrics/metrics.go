// Package metrics exposes Prometheus collectors for the marketplace.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	proxyRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marketplace",
			Subsystem: "proxy",
			Name:      "requests_total",
			Help:      "Total number of proxied calls by outcome.",
		},
		[]string{"outcome"},
	)

	proxyDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "marketplace",
			Subsystem: "proxy",
			Name:      "request_duration_seconds",
			Help:      "End-to-end duration of proxied calls.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
		},
		[]string{"outcome"},
	)

	upstreamDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "marketplace",
			Subsystem: "upstream",
			Name:      "call_duration_seconds",
			Help:      "Duration of upstream provider calls.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"outcome"},
	)

	rateLimitRejections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "marketplace",
			Subsystem: "proxy",
			Name:      "rate_limit_rejections_total",
			Help:      "Requests rejected by the per-service rate limiter.",
		},
	)

	reconciledTransactions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "marketplace",
			Subsystem: "ledger",
			Name:      "reconciled_transactions_total",
			Help:      "Stale transactions failed by the reconciliation sweep.",
		},
	)
)

func init() {
	Registry.MustRegister(
		proxyRequests,
		proxyDuration,
		upstreamDuration,
		rateLimitRejections,
		reconciledTransactions,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// ObserveRoute records one proxied call with its terminal outcome label.
func ObserveRoute(outcome string, duration time.Duration) {
	proxyRequests.WithLabelValues(outcome).Inc()
	proxyDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// ObserveUpstream records one upstream exchange.
func ObserveUpstream(outcome string, duration time.Duration) {
	upstreamDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RateLimitRejected counts a denied request.
func RateLimitRejected() {
	rateLimitRejections.Inc()
}

// TransactionReconciled counts a stale transaction swept to failed.
func TransactionReconciled() {
	reconciledTransactions.Inc()
}

// Handler serves the registry over HTTP.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
