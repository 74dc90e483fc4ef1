// Package metrics holds the Prometheus collectors shared by the services.
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
	// httpRequests counts handled requests by route pattern and status
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "optiver_http_requests_total",
		Help: "Handled HTTP requests by service, route and status code",
	}, []string{"service", "route", "status"})

	// httpDuration tracks request latency
	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "optiver_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
	}, []string{"service", "route"})

	// IngestedRows counts stock rows committed by source (api, csv, stream)
	IngestedRows = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "optiver_ingested_rows_total",
		Help: "Stock data rows committed by ingest source",
	}, []string{"source"})

	// IngestFailures counts rolled back ingest batches by source
	IngestFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "optiver_ingest_failures_total",
		Help: "Ingest batches rolled back by source",
	}, []string{"source"})

	// JobTransitions counts job status changes by kind and new status
	JobTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "optiver_job_transitions_total",
		Help: "Job status transitions by kind and status",
	}, []string{"kind", "status"})

	// JobDuration tracks how long jobs run before reaching a terminal status
	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "optiver_job_duration_seconds",
		Help:    "Job run time in seconds",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
	}, []string{"kind", "status"})

	// QueueDepth is the number of jobs waiting for a worker
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "optiver_job_queue_depth",
		Help: "Jobs waiting for a worker",
	})

	// CacheLookups counts date mapping cache lookups by result (hit, miss, error)
	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "optiver_date_cache_lookups_total",
		Help: "Date mapping cache lookups by result",
	}, []string{"result"})

	// StreamMessages counts consumed stream messages by outcome
	StreamMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "optiver_stream_messages_total",
		Help: "Consumed stream messages by outcome",
	}, []string{"source", "outcome"})
)

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveRequest records one handled HTTP request.
func ObserveRequest(service, route string, status int, elapsed time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	httpRequests.WithLabelValues(service, route, strconv.Itoa(status)).Inc()
	httpDuration.WithLabelValues(service, route).Observe(elapsed.Seconds())
}
