package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds all Prometheus metrics for the engine. Each collector owns
// its registry so tests can create as many as they like. A nil *Collector is
// valid and records nothing.
type Collector struct {
	// Registry for this collector instance
	registry *prometheus.Registry

	// HTTP metrics
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	// Outline metrics
	EditsApplied *prometheus.CounterVec
	DomainEvents *prometheus.CounterVec
	Thoughts     prometheus.Gauge
	Lexemes      prometheus.Gauge

	// Repair metrics
	RepairRuns        *prometheus.CounterVec
	RepairCorrections *prometheus.CounterVec

	// Replication metrics
	BatchesPushed   prometheus.Counter
	BatchesReceived *prometheus.CounterVec
	OutboxPending   prometheus.Gauge
	OutboxAttempts  prometheus.Gauge
	BreakerState    prometheus.Gauge

	// Storage metrics
	StorageOperations *prometheus.CounterVec
	StorageDuration   *prometheus.HistogramVec
}

// NewCollector creates a new metrics collector with the given namespace
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
		EditsApplied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "edits_total",
				Help:      "Local edits by operation and outcome",
			},
			[]string{"op", "status"},
		),
		DomainEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "domain_events_total",
				Help:      "Outline events by type",
			},
			[]string{"type"},
		),
		Thoughts: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "thoughts",
				Help:      "Thoughts in the outline",
			},
		),
		Lexemes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "lexemes",
				Help:      "Lexemes in the index",
			},
		),
		RepairRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "repair_runs_total",
				Help:      "Repair passes by result",
			},
			[]string{"result"},
		),
		RepairCorrections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "repair_corrections_total",
				Help:      "Corrections staged by repair, by category",
			},
			[]string{"category"},
		),
		BatchesPushed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batches_pushed_total",
				Help:      "Local batches persisted and queued for broadcast",
			},
		),
		BatchesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batches_received_total",
				Help:      "Inbound batches by outcome",
			},
			[]string{"result"},
		),
		OutboxPending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "outbox_pending",
				Help:      "Batches waiting for broadcast",
			},
		),
		OutboxAttempts: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "outbox_max_attempts",
				Help:      "Highest attempt count among pending batches",
			},
		),
		BreakerState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "broadcast_breaker_state",
				Help:      "Broadcast circuit breaker state (0 closed, 1 half-open, 2 open)",
			},
		),
		StorageOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "storage_operations_total",
				Help:      "Total number of storage operations",
			},
			[]string{"operation", "status"},
		),
		StorageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "storage_operation_duration_seconds",
				Help:      "Storage operation duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
	}

	registry.MustRegister(
		c.HTTPRequests,
		c.HTTPDuration,
		c.EditsApplied,
		c.DomainEvents,
		c.Thoughts,
		c.Lexemes,
		c.RepairRuns,
		c.RepairCorrections,
		c.BatchesPushed,
		c.BatchesReceived,
		c.OutboxPending,
		c.OutboxAttempts,
		c.BreakerState,
		c.StorageOperations,
		c.StorageDuration,
	)

	return c
}

// GetRegistry returns the Prometheus registry for this collector
func (c *Collector) GetRegistry() *prometheus.Registry {
	if c == nil {
		return prometheus.NewRegistry()
	}
	return c.registry
}

// RecordHTTP records one served request
func (c *Collector) RecordHTTP(method, route string, status int, duration time.Duration) {
	if c == nil {
		return
	}
	c.HTTPRequests.WithLabelValues(method, route, statusClass(status)).Inc()
	c.HTTPDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordEdit counts a local edit
func (c *Collector) RecordEdit(op string, err error) {
	if c == nil {
		return
	}
	c.EditsApplied.WithLabelValues(op, outcome(err)).Inc()
}

// RecordEvent counts a drained domain event
func (c *Collector) RecordEvent(eventType string) {
	if c == nil {
		return
	}
	c.DomainEvents.WithLabelValues(eventType).Inc()
}

// SetOutlineSize publishes the index sizes
func (c *Collector) SetOutlineSize(thoughts, lexemes int) {
	if c == nil {
		return
	}
	c.Thoughts.Set(float64(thoughts))
	c.Lexemes.Set(float64(lexemes))
}

// RecordRepair counts a repair pass and its corrections by category
func (c *Collector) RecordRepair(result string, counts map[string]int) {
	if c == nil {
		return
	}
	c.RepairRuns.WithLabelValues(result).Inc()
	for category, n := range counts {
		if n > 0 {
			c.RepairCorrections.WithLabelValues(category).Add(float64(n))
		}
	}
}

// RecordPush counts a pushed batch
func (c *Collector) RecordPush() {
	if c == nil {
		return
	}
	c.BatchesPushed.Inc()
}

// RecordInbound counts an inbound batch by outcome
func (c *Collector) RecordInbound(result string) {
	if c == nil {
		return
	}
	c.BatchesReceived.WithLabelValues(result).Inc()
}

// SetOutbox publishes outbox statistics
func (c *Collector) SetOutbox(pending, maxAttempts int) {
	if c == nil {
		return
	}
	c.OutboxPending.Set(float64(pending))
	c.OutboxAttempts.Set(float64(maxAttempts))
}

// SetBreakerState publishes the circuit breaker state
func (c *Collector) SetBreakerState(state int) {
	if c == nil {
		return
	}
	c.BreakerState.Set(float64(state))
}

// RecordStorage records a storage operation
func (c *Collector) RecordStorage(operation string, err error, duration time.Duration) {
	if c == nil {
		return
	}
	c.StorageOperations.WithLabelValues(operation, outcome(err)).Inc()
	c.StorageDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
