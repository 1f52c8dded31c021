// Copyright 2025 James Ross
package obs

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/raulskat/webhook-service/internal/config"
)

var (
	WebhooksIngested = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "webhooks_ingested_total",
		Help: "Total number of webhooks accepted by the ingest API",
	})
	DeliveryAttemptsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "delivery_attempts_total",
		Help: "Total number of delivery attempts executed",
	})
	DeliverySuccessTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "delivery_successes_total",
		Help: "Total number of delivery attempts classified as success",
	})
	DeliveryRetryableTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "delivery_retryable_failures_total",
		Help: "Total number of delivery attempts classified as retryable_failure",
	})
	DeliveryPermanentTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "delivery_permanent_failures_total",
		Help: "Total number of delivery attempts classified as permanent_failure",
	})
	DeliveryExhaustedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "delivery_exhausted_total",
		Help: "Total number of webhooks whose retry chain exhausted MAX_ATTEMPTS",
	})
	DeliveryDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "delivery_attempt_duration_seconds",
		Help:    "Histogram of outbound delivery POST durations",
		Buckets: prometheus.DefBuckets,
	})
	QueueLength = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "queue_length",
		Help: "Current length of the pending set per queue lane",
	}, []string{"lane"})
	CircuitBreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "circuit_breaker_state",
		Help: "Per-host breaker state: 0 Closed, 1 HalfOpen, 2 Open",
	}, []string{"host"})
	CircuitBreakerTrips = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "circuit_breaker_trips_total",
		Help: "Count of times a host's circuit breaker transitioned to Open",
	}, []string{"host"})
	QueueRecovered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "queue_recovered_total",
		Help: "Total number of tasks recovered from a lane's processing set after visibility timeout",
	}, []string{"lane"})
	RetentionDeleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "retention_deleted_total",
		Help: "Total number of delivery_attempts rows purged by the retention sweep",
	})
	WorkerActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "worker_active",
		Help: "Number of active delivery worker goroutines",
	})
)

func init() {
	prometheus.MustRegister(
		WebhooksIngested, DeliveryAttemptsTotal, DeliverySuccessTotal, DeliveryRetryableTotal,
		DeliveryPermanentTotal, DeliveryExhaustedTotal, DeliveryDuration, QueueLength,
		CircuitBreakerState, CircuitBreakerTrips, QueueRecovered, RetentionDeleted, WorkerActive,
	)
}

// StartMetricsServer exposes /metrics and returns a server for controlled shutdown.
// StartMetricsServer is retained for compatibility but consider using StartHTTPServer
// which also registers health endpoints.
func StartMetricsServer(cfg *config.Config) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Observability.MetricsPort), Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
