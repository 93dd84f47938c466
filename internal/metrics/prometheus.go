// internal/metrics/prometheus.go
package metrics

import (
	"context"
	"time"

	"edgewatch/internal/database"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics
var (
	CycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "edgewatch_cycle_duration_seconds",
			Help:    "Time spent running a poll cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	CyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgewatch_cycles_total",
			Help: "Total number of poll cycles by outcome",
		},
		[]string{"outcome"},
	)

	CyclesSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "edgewatch_cycles_skipped_total",
			Help: "Ticks skipped because a cycle was still running",
		},
	)

	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgewatch_events_total",
			Help: "Host events emitted by kind",
		},
		[]string{"kind"},
	)

	RegistryHosts = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "edgewatch_registry_hosts",
			Help: "Hosts in the registry by notification state",
		},
		[]string{"state"},
	)

	CollaboratorErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgewatch_collaborator_errors_total",
			Help: "Per-item failures of post-commit collaborators",
		},
		[]string{"collaborator"},
	)

	DatabaseOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgewatch_database_operations_total",
			Help: "Total database operations performed",
		},
		[]string{"operation", "status"},
	)

	NotificationsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgewatch_notifications_dropped_total",
			Help: "Notifications not sent because of quiet hours or throttling",
		},
		[]string{"reason"},
	)

	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "edgewatch_websocket_connections_active",
			Help: "Number of active WebSocket connections",
		},
	)
)

// Reasons for NotificationsDropped.
const (
	DropQuietHours = "quiet_hours"
	DropThrottled  = "throttled"
)

// RecordNotificationDropped counts a notification the service chose not to send.
func RecordNotificationDropped(reason string) {
	NotificationsDropped.WithLabelValues(reason).Inc()
}

type Collector struct {
	store database.Store
}

func NewCollector(store database.Store) *Collector {
	return &Collector{store: store}
}

func (c *Collector) RecordCycle(outcome string, duration time.Duration) {
	CyclesTotal.WithLabelValues(outcome).Inc()
	CycleDuration.Observe(duration.Seconds())
}

func (c *Collector) RecordSkippedCycle() {
	CyclesSkipped.Inc()
}

func (c *Collector) RecordEvent(kind string) {
	EventsTotal.WithLabelValues(kind).Inc()
}

func (c *Collector) RecordCollaboratorError(collaborator string) {
	CollaboratorErrors.WithLabelValues(collaborator).Inc()
}

func (c *Collector) RecordDatabaseOperation(operation string, err error) {
	DatabaseOperations.WithLabelValues(operation, statusLabel(err)).Inc()
}

// UpdateRegistryMetrics refreshes the registry gauges from the store.
func (c *Collector) UpdateRegistryMetrics(ctx context.Context) error {
	if c == nil || c.store == nil {
		return nil
	}
	stats, err := c.store.Stats(ctx)
	c.RecordDatabaseOperation("stats", err)
	if err != nil {
		return err
	}

	RegistryHosts.WithLabelValues(string(database.NotificationPending)).Set(float64(stats.PendingHosts))
	RegistryHosts.WithLabelValues(string(database.NotificationDone)).Set(float64(stats.DoneHosts))
	RegistryHosts.WithLabelValues("offline").Set(float64(stats.OfflineHosts))
	return nil
}

func (c *Collector) RecordWebSocketConnection(delta int) {
	WebSocketConnections.Add(float64(delta))
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
