// Package metrics exposes the agent's operational counters over an HTTP
// endpoint on the configured address: /metrics in Prometheus text format and
// /healthz for a plain liveness probe. This is the pull-based complement
// to the push-based results-queue heartbeat — an operator on the node can
// scrape lease and job counts without touching the queue.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	// LeasesPulled counts messages returned by queue pulls.
	LeasesPulled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hpc_agent_leases_pulled_total",
		Help: "Messages leased from the jobs queue.",
	})

	// LeasesAcked counts leases submitted as acks.
	LeasesAcked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hpc_agent_leases_acked_total",
		Help: "Leases acked back to the jobs queue.",
	})

	// LeasesRetried counts leases submitted as retries.
	LeasesRetried = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hpc_agent_leases_retried_total",
		Help: "Leases returned to the jobs queue for redelivery.",
	})

	// JobsCompleted counts published result events with status "completed".
	JobsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hpc_agent_jobs_completed_total",
		Help: "Jobs that finished with a completed result event.",
	})

	// JobsFailed counts published result events with status "failed",
	// including synthesized failures after retry exhaustion.
	JobsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hpc_agent_jobs_failed_total",
		Help: "Jobs that finished with a failed result event.",
	})

	// InFlightWorkers tracks currently-dispatched worker goroutines.
	InFlightWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hpc_agent_in_flight_workers",
		Help: "Worker goroutines holding a lease right now.",
	})
)

const shutdownTimeout = 5 * time.Second

// Serve runs the metrics HTTP server on addr until ctx is cancelled. An
// empty addr disables the server and returns immediately.
func Serve(ctx context.Context, addr string, logger *zap.Logger) error {
	if addr == "" {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("metrics")

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n")) //nolint:errcheck
	})

	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown failed", zap.Error(err))
		}
		<-errCh
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}
