// Package metrics exposes Prometheus collectors for the sync client, the
// ingestion endpoint and the realtime hub.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector routesync reports. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	SyncPasses   *prometheus.CounterVec
	SyncItems    *prometheus.CounterVec
	QueueDepth   prometheus.Gauge
	IngestItems  *prometheus.CounterVec
	IngestTime   prometheus.Histogram
	Connections  prometheus.Gauge
	Broadcasts   *prometheus.CounterVec
	DroppedConns prometheus.Counter
}

// New creates and registers the collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		SyncPasses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "routesync_sync_passes_total",
			Help: "Sync passes run by the scheduler, by trigger",
		}, []string{"trigger"}),
		SyncItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "routesync_sync_items_total",
			Help: "Queue items handled by sync passes, by outcome",
		}, []string{"outcome"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "routesync_queue_depth",
			Help: "Unsynced items seen at the start of the last pass",
		}),
		IngestItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "routesync_ingest_items_total",
			Help: "Sync batch items ingested by the server, by entity type and status",
		}, []string{"entity_type", "status"}),
		IngestTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "routesync_ingest_batch_seconds",
			Help:    "Time to ingest one sync batch",
			Buckets: prometheus.DefBuckets,
		}),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "routesync_realtime_connections",
			Help: "Currently connected realtime clients",
		}),
		Broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "routesync_realtime_events_total",
			Help: "Events fanned out by the realtime hub, by type",
		}, []string{"type"}),
		DroppedConns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "routesync_realtime_dropped_connections_total",
			Help: "Connections closed because their send buffer was full",
		}),
	}

	m.registry.MustRegister(
		m.SyncPasses, m.SyncItems, m.QueueDepth,
		m.IngestItems, m.IngestTime,
		m.Connections, m.Broadcasts, m.DroppedConns,
	)
	return m
}

// Registry returns the registry the collectors live in.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the collectors in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// PassStarted records a pass and the queue depth it saw.
func (m *Metrics) PassStarted(trigger string, depth int) {
	if m == nil {
		return
	}
	m.SyncPasses.WithLabelValues(trigger).Inc()
	m.QueueDepth.Set(float64(depth))
}

// ItemHandled records one item outcome of a pass.
func (m *Metrics) ItemHandled(outcome string) {
	if m == nil {
		return
	}
	m.SyncItems.WithLabelValues(outcome).Inc()
}

// Ingested records one ingested batch item.
func (m *Metrics) Ingested(entityType, status string) {
	if m == nil {
		return
	}
	m.IngestItems.WithLabelValues(entityType, status).Inc()
}

// ObserveBatch records the duration of one batch in seconds.
func (m *Metrics) ObserveBatch(seconds float64) {
	if m == nil {
		return
	}
	m.IngestTime.Observe(seconds)
}

// ConnectionOpened and ConnectionClosed track the hub's live connections.
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.Connections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.Connections.Dec()
}

// Broadcast records one fanned out event.
func (m *Metrics) Broadcast(eventType string) {
	if m == nil {
		return
	}
	m.Broadcasts.WithLabelValues(eventType).Inc()
}

// SlowConsumerDropped records a connection dropped for back-pressure.
func (m *Metrics) SlowConsumerDropped() {
	if m == nil {
		return
	}
	m.DroppedConns.Inc()
}
