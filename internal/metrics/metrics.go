// Package metrics exposes Prometheus collectors for producer, consumer and run lifecycle.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Producer metrics
	EventsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "abbey_producer_events_emitted_total",
			Help: "Total number of envelopes sent by the producer",
		},
		[]string{"kind"},
	)

	EmitFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "abbey_producer_emit_failures_total",
			Help: "Total number of envelopes the transport failed to accept",
		},
		[]string{"kind"},
	)

	EventsSuppressed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "abbey_producer_events_suppressed_total",
			Help: "Total number of callbacks deliberately not sent",
		},
		[]string{"reason"},
	)

	// Consumer metrics
	MessagesReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "abbey_consumer_messages_received_total",
			Help: "Total number of transport messages received",
		},
	)

	MessagesDiscarded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "abbey_consumer_messages_discarded_total",
			Help: "Total number of malformed messages dropped",
		},
	)

	EventsRendered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "abbey_consumer_events_rendered_total",
			Help: "Total number of envelopes flushed to the operator",
		},
		[]string{"kind"},
	)

	BufferDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "abbey_consumer_buffer_depth",
			Help: "Current number of envelopes held in the reorder buffer",
		},
	)

	FlushLag = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "abbey_consumer_flush_lag_seconds",
			Help:    "Time between local receipt and render of an envelope",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 120},
		},
	)

	// Lifecycle metrics
	Runs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "abbey_runs_total",
			Help: "Total number of provisioning runs by outcome",
		},
		[]string{"outcome"},
	)

	Compensations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "abbey_compensations_total",
			Help: "Total number of compensating cleanup actions",
		},
		[]string{"resource", "status"},
	)
)

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
