// Package server provides tests for batch ingestion and the HTTP API.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	stdsync "sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/routesync/internal/auth"
	"github.com/kimhsiao/routesync/internal/db"
	apperrors "github.com/kimhsiao/routesync/internal/errors"
	"github.com/kimhsiao/routesync/internal/metrics"
	"github.com/kimhsiao/routesync/internal/models"
	"github.com/kimhsiao/routesync/internal/realtime"
)

const testUID = "123e4567-e89b-42d3-a456-426614174000"

var ana = auth.Principal{UserID: 1, Name: "ana"}

// setupStore creates a migrated in-memory server store.
func setupStore(t *testing.T) *db.Repository {
	t.Helper()
	conn, err := db.OpenMemory()
	require.NoError(t, err)
	require.NoError(t, db.Migrate(context.Background(), conn.DB, db.SchemaServer))
	repo := db.NewRepository(conn.DB)
	t.Cleanup(func() {
		repo.Close()
		conn.Close()
	})
	return repo
}

// recorder is a Notifier that keeps every change.
type recorder struct {
	mu      stdsync.Mutex
	changes []models.ChangeLog
}

func (r *recorder) Notify(_ context.Context, c models.ChangeLog) {
	r.mu.Lock()
	r.changes = append(r.changes, c)
	r.mu.Unlock()
}

func (r *recorder) all() []models.ChangeLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.ChangeLog(nil), r.changes...)
}

// failingStore fails every delivery upsert.
type failingStore struct {
	db.Store
}

func (failingStore) UpsertDelivery(context.Context, models.DeliveryPayload, int64) (*models.DeliveryRecord, bool, error) {
	return nil, false, apperrors.Wrap(apperrors.ErrPersistence, "upsert delivery", stderrors.New("disk I/O error"))
}

func batchItem(t *testing.T, et models.EntityType, action models.Action, entityID string, data interface{}) models.BatchItem {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	return models.BatchItem{ClientID: "c-" + entityID, EntityType: et, EntityID: entityID, Action: action, Data: raw, ClientTimestamp: 1}
}

func fixedClock(ms int64) func() time.Time {
	return func() time.Time { return time.UnixMilli(ms) }
}

// =====================================================
// Ingestor Tests
// =====================================================

// TestIngest_idempotentDelivery verifies a replayed delivery item leaves one
// unchanged record and broadcasts once.
func TestIngest_idempotentDelivery(t *testing.T) {
	store := setupStore(t)
	rec := &recorder{}
	ctx := context.Background()
	item := batchItem(t, models.EntityDelivery, models.ActionUpdate, "10:5",
		models.DeliveryPayload{RouteID: 10, SubscriberID: 5, IsDelivered: true})

	first := NewIngestor(store, rec, WithServerClock(fixedClock(1000))).Ingest(ctx, ana, []models.BatchItem{item})
	second := NewIngestor(store, rec, WithServerClock(fixedClock(2000))).Ingest(ctx, ana, []models.BatchItem{item})

	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.Equal(t, models.ItemSynced, first[0].Status)
	assert.Equal(t, models.ItemSynced, second[0].Status)
	assert.Equal(t, first[0].ServerID, second[0].ServerID)
	assert.Equal(t, "c-10:5", second[0].ClientID)

	stored, err := store.GetDelivery(ctx, 10, 5)
	require.NoError(t, err)
	assert.True(t, stored.IsDelivered)
	assert.Equal(t, int64(1), stored.UpdatedAt, "the replay keeps the first origin time")

	list, err := store.ListRouteDeliveries(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	changes := rec.all()
	require.Len(t, changes, 1, "a replay that changed nothing is not broadcast")
	assert.Equal(t, models.ChangeDelivery, changes[0].Kind)
	assert.Equal(t, int64(10), changes[0].RouteID)
	assert.Equal(t, int64(1), changes[0].Actor)
}

// TestIngest_independentItems verifies one bad item does not affect the rest
// and results keep request order.
func TestIngest_independentItems(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateRoute(ctx, &models.Route{ID: 10, CircuitID: 1, UserID: 1, Date: "2026-10-14", UpdatedAt: 1}))
	require.NoError(t, store.CreateRoute(ctx, &models.Route{ID: 11, CircuitID: 1, UserID: 1, Date: "2026-10-14", Status: models.RouteCompleted, UpdatedAt: 1}))

	items := []models.BatchItem{
		batchItem(t, models.EntityDelivery, models.ActionUpdate, "10:5", models.DeliveryPayload{RouteID: 10, SubscriberID: 5, IsDelivered: true}),
		{ClientID: "garbage", EntityType: models.EntityDelivery, Action: models.ActionUpdate, Data: json.RawMessage(`{"route_id":`)},
		batchItem(t, models.EntityRoute, models.ActionUpdate, "11", models.RoutePayload{RouteID: 11, Status: models.RouteInProgress}),
		batchItem(t, models.EntityRoute, models.ActionUpdate, "10", models.RoutePayload{RouteID: 10, Status: models.RouteInProgress}),
		batchItem(t, models.EntityDelivery, models.ActionUpdate, "99:1", models.DeliveryPayload{RouteID: 10, SubscriberID: 6}),
		batchItem(t, models.EntityMessage, models.ActionCreate, testUID, models.MessagePayload{UID: testUID, RouteID: 10, Body: "gate code 4411"}),
		batchItem(t, "circuit", models.ActionUpdate, "1", map[string]int{"id": 1}),
		batchItem(t, models.EntityWorkingTime, models.ActionUpdate, "1:2026-10-14", models.WorkingTimePayload{UserID: 1, WorkDate: "2026-10-14", StartTime: 100}),
	}
	results := NewIngestor(store, nil, WithServerClock(fixedClock(5000))).Ingest(ctx, ana, items)

	want := []struct {
		status models.ItemStatus
		code   apperrors.ErrorCode
	}{
		{models.ItemSynced, ""},
		{models.ItemFailed, apperrors.ErrValidation},
		{models.ItemFailed, apperrors.ErrInvalidTransition},
		{models.ItemSynced, ""},
		{models.ItemFailed, apperrors.ErrValidation},
		{models.ItemSynced, ""},
		{models.ItemFailed, apperrors.ErrValidation},
		{models.ItemSynced, ""},
	}
	require.Len(t, results, len(items))
	for i, w := range want {
		assert.Equal(t, items[i].ClientID, results[i].ClientID, "item %d", i)
		assert.Equal(t, w.status, results[i].Status, "item %d: %s", i, results[i].Error)
		assert.Equal(t, string(w.code), results[i].Code, "item %d", i)
		if w.status == models.ItemFailed {
			assert.NotEmpty(t, results[i].Error)
		}
	}

	rt, err := store.GetRoute(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, models.RouteInProgress, rt.Status)
	assert.Equal(t, int64(1), rt.StartTime, "started at the client's origin time")
}

// TestIngest_stampsOriginTime verifies the stored last-modified time is the
// mutation's origin time, while broadcasts carry the server clock.
func TestIngest_stampsOriginTime(t *testing.T) {
	store := setupStore(t)
	rec := &recorder{}
	ctx := context.Background()
	in := NewIngestor(store, rec, WithServerClock(fixedClock(9000)))

	first := batchItem(t, models.EntityDelivery, models.ActionUpdate, "10:5", models.DeliveryPayload{RouteID: 10, SubscriberID: 5, IsDelivered: true})
	first.ClientTimestamp = 1000
	second := batchItem(t, models.EntityDelivery, models.ActionUpdate, "10:5", models.DeliveryPayload{RouteID: 10, SubscriberID: 5, IsDelivered: false})
	second.ClientTimestamp = 1500
	results := in.Ingest(ctx, ana, []models.BatchItem{first, second})
	require.Equal(t, models.ItemSynced, results[1].Status, results[1].Error)

	stored, err := store.GetDelivery(ctx, 10, 5)
	require.NoError(t, err)
	assert.False(t, stored.IsDelivered)
	assert.Equal(t, int64(1500), stored.UpdatedAt)

	changes := rec.all()
	require.Len(t, changes, 2)
	assert.Equal(t, int64(9000), changes[1].Timestamp)

	unstamped := batchItem(t, models.EntityDelivery, models.ActionUpdate, "10:6", models.DeliveryPayload{RouteID: 10, SubscriberID: 6, IsDelivered: true})
	unstamped.ClientTimestamp = 0
	in.Ingest(ctx, ana, []models.BatchItem{unstamped})
	stored, err = store.GetDelivery(ctx, 10, 6)
	require.NoError(t, err)
	assert.Equal(t, int64(9000), stored.UpdatedAt, "no origin time falls back to the server clock")
}

// TestIngest_persistenceFailure verifies a store failure is reported as
// failed, never as a conflict, and nothing is broadcast.
func TestIngest_persistenceFailure(t *testing.T) {
	rec := &recorder{}
	in := NewIngestor(failingStore{Store: setupStore(t)}, rec)

	results := in.Ingest(context.Background(), ana, []models.BatchItem{
		batchItem(t, models.EntityDelivery, models.ActionUpdate, "10:5", models.DeliveryPayload{RouteID: 10, SubscriberID: 5, IsDelivered: true}),
	})

	require.Len(t, results, 1)
	assert.Equal(t, models.ItemFailed, results[0].Status)
	assert.Equal(t, string(apperrors.ErrPersistence), results[0].Code)
	assert.Contains(t, results[0].Error, "disk I/O error")
	assert.Empty(t, rec.all())
}

// TestIngest_messages verifies message replay and read receipts.
func TestIngest_messages(t *testing.T) {
	store := setupStore(t)
	rec := &recorder{}
	in := NewIngestor(store, rec, WithServerClock(fixedClock(7000)))
	ctx := context.Background()

	send := batchItem(t, models.EntityMessage, models.ActionCreate, testUID, models.MessagePayload{UID: testUID, Body: "running late"})
	read := batchItem(t, models.EntityMessage, models.ActionUpdate, testUID, models.MessagePayload{UID: testUID, Read: true})

	results := in.Ingest(ctx, ana, []models.BatchItem{send, send, read, read})
	for i, r := range results {
		assert.Equal(t, models.ItemSynced, r.Status, "item %d: %s", i, r.Error)
	}

	changes := rec.all()
	require.Len(t, changes, 2)
	assert.Equal(t, models.ChangeMessage, changes[0].Kind)
	assert.Equal(t, models.ChangeMessageRead, changes[1].Kind)
	assert.Zero(t, changes[0].RouteID)

	bad := batchItem(t, models.EntityMessage, models.ActionCreate, "nope", models.MessagePayload{UID: "nope", Body: "x"})
	assert.Equal(t, models.ItemFailed, in.Ingest(ctx, ana, []models.BatchItem{bad})[0].Status)
}

// =====================================================
// HTTP API Tests
// =====================================================

type apiHarness struct {
	srv    *Server
	http   *httptest.Server
	store  *db.Repository
	client *http.Client
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	store := setupStore(t)
	validator := auth.NewStaticValidator(map[string]auth.Principal{"ana-token": ana, "ben-token": {UserID: 2, Name: "ben"}})
	srv := New(DefaultConfig(), store, validator, metrics.New(), WithClock(fixedClock(9000)))
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		hs.Close()
		srv.Close()
	})
	return &apiHarness{srv: srv, http: hs, store: store, client: hs.Client()}
}

func (h *apiHarness) do(t *testing.T, method, path, token string, body interface{}) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, h.http.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := h.client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestAPI_auth(t *testing.T) {
	h := newAPIHarness(t)

	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/api/health", "", nil).StatusCode)
	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/metrics", "", nil).StatusCode)
	assert.Equal(t, http.StatusUnauthorized, h.do(t, http.MethodPost, "/api/sync", "", models.BatchRequest{}).StatusCode)
	assert.Equal(t, http.StatusUnauthorized, h.do(t, http.MethodGet, "/api/routes/1", "wrong", nil).StatusCode)
}

func TestAPI_routeLifecycle(t *testing.T) {
	h := newAPIHarness(t)

	resp := h.do(t, http.MethodPost, "/api/routes", "ana-token", models.Route{CircuitID: 3, UserID: 1, Date: "2026-10-14"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[models.Route](t, resp)
	assert.NotZero(t, created.ID)
	assert.Equal(t, models.RouteNotStarted, created.Status)

	path := "/api/routes/" + jsonNumber(created.ID)
	got := decode[models.Route](t, h.do(t, http.MethodGet, path, "ana-token", nil))
	assert.Equal(t, created.ID, got.ID)

	_, _, err := h.store.UpdateRouteStatus(context.Background(), created.ID, models.RouteCompleted, 1)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidTransition), "not-started cannot complete")
	_, _, err = h.store.UpdateRouteStatus(context.Background(), created.ID, models.RouteCancelled, 1)
	require.NoError(t, err)

	reset := h.do(t, http.MethodPost, path+"/reset", "ana-token", nil)
	require.Equal(t, http.StatusOK, reset.StatusCode)
	assert.Equal(t, models.RouteNotStarted, decode[models.Route](t, reset).Status)

	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/api/routes/999", "ana-token", nil).StatusCode)
	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodPost, "/api/routes", "ana-token", models.Route{CircuitID: 3, UserID: 1, Date: "14/10/2026"}).StatusCode)
}

func TestAPI_syncAndPull(t *testing.T) {
	h := newAPIHarness(t)

	req := models.BatchRequest{Items: []models.BatchItem{
		batchItem(t, models.EntityDelivery, models.ActionUpdate, "10:5", models.DeliveryPayload{RouteID: 10, SubscriberID: 5, IsDelivered: true, Notes: "porch"}),
	}}
	resp := h.do(t, http.MethodPost, "/api/sync", "ana-token", req)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[models.BatchResponse](t, resp)
	require.Len(t, body.Results, 1)
	assert.Equal(t, models.ItemSynced, body.Results[0].Status)

	rec := decode[models.DeliveryRecord](t, h.do(t, http.MethodGet, "/api/deliveries?route_id=10&subscriber_id=5", "ana-token", nil))
	assert.True(t, rec.IsDelivered)
	assert.Equal(t, "porch", rec.Notes)
	assert.Equal(t, int64(1), rec.UpdatedAt)

	list := decode[[]models.DeliveryRecord](t, h.do(t, http.MethodGet, "/api/routes/10/deliveries", "ana-token", nil))
	assert.Len(t, list, 1)

	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/api/deliveries?route_id=10&subscriber_id=6", "ana-token", nil).StatusCode)
	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/api/deliveries?route_id=x", "ana-token", nil).StatusCode)
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/api/working-times?user_id=1&work_date=2026-10-14", "ana-token", nil).StatusCode)

	scrape, err := io.ReadAll(h.do(t, http.MethodGet, "/metrics", "", nil).Body)
	require.NoError(t, err)
	assert.Contains(t, string(scrape), `routesync_ingest_items_total{entity_type="delivery",status="synced"} 1`)
}

// TestAPI_broadcastAfterPersist verifies a synced delivery on route 10 reaches
// a socket joined to route:10 and the record is already readable then.
func TestAPI_broadcastAfterPersist(t *testing.T) {
	h := newAPIHarness(t)

	url := "ws" + strings.TrimPrefix(h.http.URL, "http") + "/ws"
	header := http.Header{"Authorization": []string{"Bearer ben-token"}}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(realtime.Command{Type: realtime.CmdRouteJoin, Data: json.RawMessage(`{"route_id":10}`)}))
	var joined realtime.Event
	require.NoError(t, conn.ReadJSON(&joined))
	require.Equal(t, realtime.EventRouteJoined, joined.Type)

	h.do(t, http.MethodPost, "/api/sync", "ana-token", models.BatchRequest{Items: []models.BatchItem{
		batchItem(t, models.EntityDelivery, models.ActionUpdate, "10:5", models.DeliveryPayload{RouteID: 10, SubscriberID: 5, IsDelivered: true}),
	}})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var e realtime.Event
	require.NoError(t, conn.ReadJSON(&e))
	assert.Equal(t, string(models.ChangeDelivery), e.Type)
	assert.Equal(t, "route:10", e.Scope)
	assert.Equal(t, int64(1), e.Actor)
	assert.Equal(t, int64(9000), e.ServerTimestamp)

	stored, err := h.store.GetDelivery(context.Background(), 10, 5)
	require.NoError(t, err)
	assert.True(t, stored.IsDelivered)

	circuit := decode[models.Circuit](t, h.do(t, http.MethodPost, "/api/circuits", "ana-token", models.Circuit{Name: "north"}))
	subResp := h.do(t, http.MethodPut, "/api/circuits/"+jsonNumber(circuit.ID)+"/subscribers", "ana-token", models.Subscriber{Name: "Kim", Address: "1 Elm", Active: true})
	require.Equal(t, http.StatusOK, subResp.StatusCode)

	require.NoError(t, conn.ReadJSON(&e))
	assert.Equal(t, string(models.ChangeSubscription), e.Type)
	assert.Equal(t, realtime.ScopeGlobal, e.Scope)
}

// TestSocket_staleWrites verifies socket updates are checked against the
// stored record's last-modified time before they are applied.
func TestSocket_staleWrites(t *testing.T) {
	h := newAPIHarness(t)
	ctx := context.Background()

	bens := batchItem(t, models.EntityDelivery, models.ActionUpdate, "10:5", models.DeliveryPayload{RouteID: 10, SubscriberID: 5, IsDelivered: false})
	bens.ClientTimestamp = 5000
	h.do(t, http.MethodPost, "/api/sync", "ben-token", models.BatchRequest{Items: []models.BatchItem{bens}})
	require.NoError(t, h.store.CreateRoute(ctx, &models.Route{ID: 10, CircuitID: 1, UserID: 1, Date: "2026-10-14", Status: models.RouteInProgress, UpdatedAt: 5000}))

	url := "ws" + strings.TrimPrefix(h.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Authorization": []string{"Bearer ana-token"}})
	require.NoError(t, err)
	defer conn.Close()

	command := func(typ, data string) realtime.Event {
		t.Helper()
		require.NoError(t, conn.WriteJSON(realtime.Command{Type: typ, Data: json.RawMessage(data)}))
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		var e realtime.Event
		require.NoError(t, conn.ReadJSON(&e))
		return e
	}
	code := func(e realtime.Event) interface{} {
		data, _ := e.Data.(map[string]interface{})
		return data["code"]
	}

	tests := []struct {
		name     string
		typ      string
		data     string
		wantType string
		wantCode apperrors.ErrorCode
	}{
		{"older and different", realtime.CmdDeliveryUpdate,
			`{"route_id":10,"subscriber_id":5,"is_delivered":true,"client_timestamp":4000}`, realtime.EventError, apperrors.ErrConflict},
		{"no origin time", realtime.CmdDeliveryUpdate,
			`{"route_id":10,"subscriber_id":5,"is_delivered":true}`, realtime.EventError, apperrors.ErrValidation},
		{"older but equal", realtime.CmdDeliveryUpdate,
			`{"route_id":10,"subscriber_id":5,"is_delivered":false,"client_timestamp":4500}`, realtime.EventAck, ""},
		{"stale route status", realtime.CmdRouteUpdate,
			`{"route_id":10,"status":"cancelled","client_timestamp":4000}`, realtime.EventError, apperrors.ErrConflict},
		{"newer", realtime.CmdDeliveryUpdate,
			`{"route_id":10,"subscriber_id":5,"is_delivered":true,"client_timestamp":6000}`, realtime.EventAck, ""},
	}
	for _, tt := range tests {
		e := command(tt.typ, tt.data)
		assert.Equal(t, tt.wantType, e.Type, tt.name)
		if tt.wantCode != "" {
			assert.Equal(t, string(tt.wantCode), code(e), tt.name)
		}
	}

	stored, err := h.store.GetDelivery(ctx, 10, 5)
	require.NoError(t, err)
	assert.True(t, stored.IsDelivered)
	assert.Equal(t, int64(6000), stored.UpdatedAt)

	rt, err := h.store.GetRoute(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, models.RouteInProgress, rt.Status, "the stale cancel was not applied")
}

func jsonNumber(n int64) string {
	data, _ := json.Marshal(n)
	return string(data)
}
