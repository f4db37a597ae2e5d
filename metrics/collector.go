package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/songzhibin97/approval-engine/types"
)

const namespace = "approval"

// Collector exports engine activity as Prometheus metrics. It is an event
// sink, an event-bus handler and an engine observer at the same time.
type Collector struct {
	registry *prometheus.Registry

	events     *prometheus.CounterVec
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	instances  *prometheus.GaugeVec
	tasks      *prometheus.GaugeVec
}

// NewCollector creates a Collector backed by its own registry.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "history_events_total",
				Help:      "Total number of committed history events",
			},
			[]string{"kind"},
		),
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_total",
				Help:      "Total number of engine operations by outcome",
			},
			[]string{"operation", "outcome"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Engine operation duration in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"operation"},
		),
		instances: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "instances",
				Help:      "Number of workflow instances by status",
			},
			[]string{"status"},
		),
		tasks: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "tasks",
				Help:      "Number of tasks by status",
			},
			[]string{"status"},
		),
	}
	c.registry.MustRegister(c.events, c.operations, c.duration, c.instances, c.tasks)
	return c
}

// Registry returns the registry the collector writes to.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Deliver counts a committed history event.
func (c *Collector) Deliver(_ context.Context, event types.HistoryEvent) error {
	c.events.WithLabelValues(string(event.Kind)).Inc()
	return nil
}

// Handle lets the collector subscribe to an event bus.
func (c *Collector) Handle(ctx context.Context, event types.HistoryEvent) error {
	return c.Deliver(ctx, event)
}

// ObserveOperation records the outcome and latency of an engine call.
func (c *Collector) ObserveOperation(operation, outcome string, elapsed time.Duration) {
	c.operations.WithLabelValues(operation, outcome).Inc()
	c.duration.WithLabelValues(operation).Observe(elapsed.Seconds())
}

// SetStatistics publishes a statistics snapshot as gauges.
func (c *Collector) SetStatistics(stats *types.Statistics) {
	c.instances.WithLabelValues(string(types.InstanceRunning)).Set(float64(stats.RunningInstances))
	c.instances.WithLabelValues(string(types.InstanceSuspended)).Set(float64(stats.SuspendedInstances))
	c.instances.WithLabelValues(string(types.InstanceCompleted)).Set(float64(stats.CompletedInstances))
	c.instances.WithLabelValues(string(types.InstanceTerminated)).Set(float64(stats.TerminatedInstances))
	c.tasks.WithLabelValues(string(types.TaskPending)).Set(float64(stats.PendingTasks))
	c.tasks.WithLabelValues(string(types.TaskCompleted)).Set(float64(stats.CompletedTasks))
	c.tasks.WithLabelValues(string(types.TaskCancelled)).Set(float64(stats.CancelledTasks))
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}
