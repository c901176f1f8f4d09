package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestMetrics_recorders(t *testing.T) {
	m := New()

	m.PassStarted("tick", 3)
	m.PassStarted("online", 1)
	m.ItemHandled("success")
	m.ItemHandled("success")
	m.Ingested("delivery", "synced")
	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()
	m.Broadcast("delivery:updated")

	body := scrape(t, m)
	assert.Contains(t, body, `routesync_sync_passes_total{trigger="tick"} 1`)
	assert.Contains(t, body, `routesync_queue_depth 1`)
	assert.Contains(t, body, `routesync_sync_items_total{outcome="success"} 2`)
	assert.Contains(t, body, `routesync_ingest_items_total{entity_type="delivery",status="synced"} 1`)
	assert.Contains(t, body, `routesync_realtime_connections 1`)
	assert.Contains(t, body, `routesync_realtime_events_total{type="delivery:updated"} 1`)
}

func TestMetrics_nilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.PassStarted("tick", 1)
		m.ItemHandled("failed")
		m.Ingested("route", "failed")
		m.ObserveBatch(0.1)
		m.ConnectionOpened()
		m.ConnectionClosed()
		m.Broadcast("route:updated")
		m.SlowConsumerDropped()
	})
}
