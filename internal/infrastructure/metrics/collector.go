package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds the sync engine's Prometheus metrics. It implements the
// orchestrator's Metrics interface and additionally exposes the rate-limit
// delay observer wired into the limiter.
type Collector struct {
	registry *prometheus.Registry

	runsTotal         *prometheus.CounterVec
	pagesFetched      *prometheus.CounterVec
	recordsReconciled *prometheus.CounterVec
	tombstones        *prometheus.CounterVec
	mutationsPushed   *prometheus.CounterVec
	rateLimitDelay    *prometheus.HistogramVec
}

// NewCollector creates and registers the sync metrics on a dedicated
// registry.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sync_runs_total",
			Help: "Sync runs finished, by adapter, workflow and terminal status.",
		}, []string{"adapter", "workflow", "status"}),
		pagesFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sync_pages_fetched_total",
			Help: "Pages fetched from source systems.",
		}, []string{"adapter"}),
		recordsReconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sync_records_reconciled_total",
			Help: "External records reconciled against internal entities.",
		}, []string{"adapter", "entity_type"}),
		tombstones: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sync_tombstones_total",
			Help: "Links tombstoned by deletion detection.",
		}, []string{"adapter", "entity_type"}),
		mutationsPushed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "push_mutations_total",
			Help: "Mutations pushed outward, by result.",
		}, []string{"adapter", "result"}),
		rateLimitDelay: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rate_limit_delay_seconds",
			Help:    "Delays imposed by the rate limiter before requests.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"bucket"}),
	}

	registry.MustRegister(
		c.runsTotal,
		c.pagesFetched,
		c.recordsReconciled,
		c.tombstones,
		c.mutationsPushed,
		c.rateLimitDelay,
	)
	return c
}

// Registry returns the registry backing the /metrics endpoint.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// RunFinished counts one finished run.
func (c *Collector) RunFinished(adapter, workflow, status string) {
	c.runsTotal.WithLabelValues(adapter, workflow, status).Inc()
}

// PageFetched counts one fetched page.
func (c *Collector) PageFetched(adapter string) {
	c.pagesFetched.WithLabelValues(adapter).Inc()
}

// RecordsReconciled counts reconciled records.
func (c *Collector) RecordsReconciled(adapter, entityType string, count int) {
	c.recordsReconciled.WithLabelValues(adapter, entityType).Add(float64(count))
}

// Tombstones counts tombstoned links.
func (c *Collector) Tombstones(adapter, entityType string, count int) {
	c.tombstones.WithLabelValues(adapter, entityType).Add(float64(count))
}

// MutationPushed counts one pushed mutation by result.
func (c *Collector) MutationPushed(adapter, result string) {
	c.mutationsPushed.WithLabelValues(adapter, result).Inc()
}

// ObserveRateLimitDelay records a delay the limiter imposed.
func (c *Collector) ObserveRateLimitDelay(bucket string, delay time.Duration) {
	c.rateLimitDelay.WithLabelValues(bucket).Observe(delay.Seconds())
}
