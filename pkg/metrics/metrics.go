// Package metrics exposes the Prometheus registry used by the harvester.
// All metrics are defined in their respective packages (client, cache,
// ratelimit, pagination) via promauto; this package serves them.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Registry is the default Prometheus registry.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// NewMux returns a mux serving /metrics and /health.
func NewMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "OK")
	})
	return mux
}

// Serve exposes the metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string, logger zerolog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           NewMux(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("Serving metrics")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("metrics server shutdown: %w", err)
		}
		logger.Info().Msg("Metrics server stopped")
		return nil
	}
}

// Metrics Documentation
//
// Request Metrics (pkg/client):
//   - harvest_requests_total{operation, status} (Counter): Upstream requests by operation and HTTP status
//   - harvest_request_duration_seconds{operation} (Histogram): Request duration by operation
//   - harvest_errors_total{class} (Counter): Errors by class
//
// Retry Metrics (pkg/client):
//   - harvest_retries_total{error_class} (Counter): Retry attempts by error class
//   - harvest_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - harvest_retry_exhausted_total{error_class} (Counter): Requests that exhausted max attempts
//
// Rate Limit Metrics (pkg/ratelimit):
//   - harvest_rate_limit_remaining (Gauge): Quota points remaining in the window
//   - harvest_rate_limit_blocks_total (Counter): Requests held until the window reset
//   - harvest_rate_limit_throttles_total (Counter): Requests throttled in the warning band
//
// Cache Metrics (pkg/cache):
//   - harvest_cache_hits_total{layer="redis"} (Counter)
//   - harvest_cache_misses_total (Counter)
//   - harvest_cache_size_bytes{layer="redis"} (Gauge)
//   - harvest_cache_errors_total{operation} (Counter)
//
// Pagination Metrics (pkg/pagination):
//   - harvest_pages_total{source} (Counter): Pages fetched
//   - harvest_records_total{source} (Counter): Records accumulated
//
// Chunk Metrics (pkg/chunkrun):
//   - harvest_chunks_total{status} (Counter): Processed chunks by outcome
//
// Example Prometheus Queries:
//
//   # Retry ratio
//   sum(rate(harvest_retries_total[5m])) / sum(rate(harvest_requests_total[5m]))
//
//   # Quota running low
//   harvest_rate_limit_remaining < 100
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(harvest_request_duration_seconds_bucket[5m]))
