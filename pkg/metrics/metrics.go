// Package metrics provides centralized Prometheus metrics registry for the App Store Connect client.
// All metrics are defined in their respective packages (auth, session, cache, ratelimit, pagination)
// to maintain modularity and avoid circular dependencies.
//
// This package provides the exposition handler and a reference for all available metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by the client.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Gatherer collects the metrics registered in Registry.
var Gatherer = prometheus.DefaultGatherer

// Handler serves the registered metrics in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.InstrumentMetricHandler(Registry, promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{}))
}

// Metrics Documentation
//
// Token Metrics (pkg/auth):
//   - asc_tokens_generated_total (Counter): Newly signed tokens
//   - asc_token_cache_hits_total{layer} (Counter): Tokens served from "memory" or "store"
//   - asc_token_cache_faults_total{reason} (Counter): Discarded or failed persistent cache entries
//   - asc_token_revocations_total (Counter): Revoked tokens
//
// Request Metrics (pkg/session):
//   - asc_requests_total{method, status} (Counter): Requests by method and HTTP status
//   - asc_request_duration_seconds{method} (Histogram): Request duration by method
//   - asc_errors_total{class} (Counter): Failed responses by class (unauthorized, server, client, network)
//
// Retry Metrics (pkg/session):
//   - asc_retries_total{error_class} (Counter): Retried attempts by error class
//   - asc_retry_exhausted_total{error_class} (Counter): Requests that used up their budget
//
// Cache Metrics (pkg/cache):
//   - asc_cache_hits_total{layer} (Counter): Response cache hits by layer
//   - asc_cache_misses_total{layer} (Counter): Response cache misses by layer
//   - asc_cache_size_bytes{layer} (Gauge): Cached body bytes by layer
//   - asc_cache_errors_total{operation} (Counter): Cache operation errors
//
// Rate Limit Metrics (pkg/ratelimit):
//   - asc_rate_limit_remaining (Gauge): Requests left in the hourly quota
//   - asc_rate_limit_limit (Gauge): Hourly quota
//   - asc_rate_limit_warnings_total{level} (Counter): Responses reporting a "low" or "critical" quota
//
// Pagination Metrics (pkg/pagination):
//   - asc_pages_fetched_total (Counter): List pages fetched
//   - asc_pagination_items (Histogram): Items per paginated listing
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(asc_cache_hits_total[5m])) /
//   (sum(rate(asc_cache_hits_total[5m])) + sum(rate(asc_cache_misses_total[5m])))
//
//   # Quota Headroom
//   asc_rate_limit_remaining / asc_rate_limit_limit < 0.1
//
//   # Token Churn (401 responses force new tokens)
//   rate(asc_token_revocations_total[15m])
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(asc_request_duration_seconds_bucket[5m]))
