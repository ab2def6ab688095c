// Package metrics exposes the pipeline's Prometheus metrics on a private
// registry.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"commerce-pipeline/internal/record"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds all Prometheus metrics for the pipeline.
type Collector struct {
	registry *prometheus.Registry

	// HTTP metrics
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	// Ingestion metrics
	RecordsIngested *prometheus.CounterVec
	BulkErrors      *prometheus.CounterVec

	// Read-path metrics
	SearchRequests *prometheus.CounterVec

	// Document store metrics
	StoreDuration *prometheus.HistogramVec
}

// NewCollector creates a Collector whose metrics live under namespace.
// Each Collector has its own registry, so tests can create as many as they
// need.
func NewCollector(namespace string) *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		RecordsIngested: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "records_ingested_total",
				Help:      "Records seen by the ingestion pipeline by entity and outcome",
			},
			[]string{"entity", "outcome"},
		),
		BulkErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bulk_index_errors_total",
				Help:      "Documents rejected inside bulk upserts",
			},
			[]string{"index"},
		),
		SearchRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "search_requests_total",
				Help:      "Search requests by index and cache outcome",
			},
			[]string{"index", "cache"},
		),
		StoreDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "store_operation_duration_seconds",
				Help:      "Document store operation duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"backend", "operation", "status"},
		),
	}

	registry.MustRegister(
		c.HTTPRequests,
		c.HTTPDuration,
		c.RecordsIngested,
		c.BulkErrors,
		c.SearchRequests,
		c.StoreDuration,
	)
	return c
}

// ObserveRecords adds n records of entity with the given outcome.
func (c *Collector) ObserveRecords(entity record.Entity, outcome string, n int) {
	if n <= 0 {
		return
	}
	c.RecordsIngested.WithLabelValues(string(entity), outcome).Add(float64(n))
}

// ObserveBulkErrors adds n rejected documents for index.
func (c *Collector) ObserveBulkErrors(index string, n int) {
	c.BulkErrors.WithLabelValues(index).Add(float64(n))
}

// ObserveSearch counts one search request.
func (c *Collector) ObserveSearch(index string, cached bool) {
	outcome := "miss"
	if cached {
		outcome = "hit"
	}
	c.SearchRequests.WithLabelValues(index, outcome).Inc()
}

// ObserveStoreOp records the latency of one document store call.
func (c *Collector) ObserveStoreOp(backend, op string, elapsed time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.StoreDuration.WithLabelValues(backend, op, status).Observe(elapsed.Seconds())
}

// ObserveHTTP records one served request.
func (c *Collector) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	c.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.HTTPDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// GetRegistry returns the Prometheus registry for this collector.
func (c *Collector) GetRegistry() *prometheus.Registry {
	return c.registry
}
