// Package metrics provides Prometheus instrumentation for the ledger engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// EventsIngested counts ledger rows written by ingest batches.
	EventsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_events_ingested_total",
		Help: "Ledger rows persisted by ingestion",
	})

	// EventsRejected counts upstream rows dropped by the normalizer
	// (no resolvable outcome).
	EventsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_events_rejected_total",
		Help: "Upstream rows rejected during normalization",
	})

	// EventsDeduped counts rows collapsed onto a richer duplicate.
	EventsDeduped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_events_deduped_total",
		Help: "Rows dropped as cross-source duplicates",
	})

	// IngestBatches counts successfully committed ingest batches.
	IngestBatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_ingest_batches_total",
		Help: "Ingest batches committed",
	})

	// IngestFailures counts rolled-back ingest batches.
	IngestFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_ingest_failures_total",
		Help: "Ingest batches rolled back on persistence failure",
	})

	// OrphanSells counts SELL rows replayed against zero open quantity.
	// These denote a data gap upstream, not a computed loss of zero.
	OrphanSells = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_orphan_sells_total",
		Help: "SELL events with no matching open quantity",
	})

	// CacheLookups counts cache lookups by the entry state they hit.
	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_cache_lookups_total",
		Help: "Cache lookups partitioned by entry state",
	}, []string{"state"})

	// CacheRefreshes counts refresh completions by result.
	CacheRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_cache_refreshes_total",
		Help: "View refreshes partitioned by result",
	}, []string{"result"})

	// RefreshDuration tracks refresh latency per view.
	RefreshDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_refresh_duration_seconds",
		Help:    "View refresh duration in seconds",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
	}, []string{"view"})

	// IndexerPages counts pages fetched from the upstream indexer.
	IndexerPages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_indexer_pages_total",
		Help: "Pages fetched from the upstream indexer",
	})

	// IndexerErrors counts failed indexer requests after retries.
	IndexerErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_indexer_errors_total",
		Help: "Indexer requests that failed after retries",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the raw path for the label; route cardinality is small.
		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
