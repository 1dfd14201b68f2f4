// Package metrics exposes Prometheus instruments for the exit path, the
// stop-loss engine and the circuit breaker.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "polyguard"

// Claims counts claim attempts by result (won, lost, error).
var Claims = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "exit",
		Name:      "claims_total",
		Help:      "Claim attempts on positions by result",
	},
	[]string{"result"},
)

// Closes counts close attempts by reason and outcome.
var Closes = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "exit",
		Name:      "closes_total",
		Help:      "Close attempts by exit reason and outcome",
	},
	[]string{"reason", "outcome"},
)

// ExitFailures counts positions moved to exit_failed by failure kind.
var ExitFailures = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "exit",
		Name:      "failures_total",
		Help:      "Exit failures by failure kind",
	},
	[]string{"kind"},
)

// SweepDuration observes how long each sweep pass takes.
var SweepDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "exit",
		Name:      "sweep_duration_seconds",
		Help:      "Duration of one sweep pass",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	},
	[]string{"sweep"},
)

// StopTriggers counts triggered stop-loss rules by stop kind.
var StopTriggers = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "stoploss",
		Name:      "triggers_total",
		Help:      "Triggered stop-loss rules by stop type",
	},
	[]string{"kind"},
)

// NotifyDropped counts trigger notifications dropped because the consumer
// was not ready.
var NotifyDropped = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "stoploss",
		Name:      "notify_dropped_total",
		Help:      "Trigger notifications dropped on a full consumer",
	},
)

// BreakerTrips counts circuit breaker trips by reason.
var BreakerTrips = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "breaker",
		Name:      "trips_total",
		Help:      "Circuit breaker trips by reason",
	},
	[]string{"reason"},
)

// BreakerTripped is 1 while the breaker is tripped.
var BreakerTripped = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "breaker",
		Name:      "tripped",
		Help:      "1 while the circuit breaker is tripped",
	},
)

// FeedLagged counts trade feed events skipped by a lagging subscriber.
var FeedLagged = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "feed",
		Name:      "lagged_events_total",
		Help:      "Trade events dropped for a lagging subscriber",
	},
)

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.InfoContext(ctx, "metrics server listening", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
