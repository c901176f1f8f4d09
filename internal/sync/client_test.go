// Package sync provides unit tests for the server transport and handlers.
package sync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	stdsync "sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/routesync/internal/errors"
	"github.com/kimhsiao/routesync/internal/models"
)

// fakeServer is a scripted routesync server.
type fakeServer struct {
	mu         stdsync.Mutex
	deliveries map[string]*models.DeliveryRecord
	routes     map[string]*models.Route
	times      map[string]*models.WorkingTime
	batches    [][]models.BatchItem
	result     func(models.BatchItem) models.BatchResult
	authHeader string
}

func newFakeServer(t *testing.T) (*fakeServer, *httptest.Server) {
	t.Helper()
	fs := &fakeServer{
		deliveries: make(map[string]*models.DeliveryRecord),
		routes:     make(map[string]*models.Route),
		times:      make(map[string]*models.WorkingTime),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/sync", func(w http.ResponseWriter, r *http.Request) {
		var req models.BatchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		fs.mu.Lock()
		fs.authHeader = r.Header.Get("Authorization")
		fs.batches = append(fs.batches, req.Items)
		resultFn := fs.result
		fs.mu.Unlock()

		resp := models.BatchResponse{}
		for _, it := range req.Items {
			res := models.BatchResult{ClientID: it.ClientID, Status: models.ItemSynced}
			if resultFn != nil {
				res = resultFn(it)
			}
			resp.Results = append(resp.Results, res)
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("/api/deliveries", func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Query().Get("route_id") + ":" + r.URL.Query().Get("subscriber_id")
		fs.mu.Lock()
		rec := fs.deliveries[key]
		fs.mu.Unlock()
		writeOrNotFound(w, rec)
	})
	mux.HandleFunc("/api/routes/", func(w http.ResponseWriter, r *http.Request) {
		fs.mu.Lock()
		rt := fs.routes[r.URL.Path[len("/api/routes/"):]]
		fs.mu.Unlock()
		writeOrNotFound(w, rt)
	})
	mux.HandleFunc("/api/working-times", func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Query().Get("user_id") + ":" + r.URL.Query().Get("work_date")
		fs.mu.Lock()
		wt := fs.times[key]
		fs.mu.Unlock()
		writeOrNotFound(w, wt)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return fs, srv
}

func writeOrNotFound[T any](w http.ResponseWriter, v *T) {
	if v == nil {
		http.NotFound(w, nil)
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

func (fs *fakeServer) posted() [][]models.BatchItem {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([][]models.BatchItem(nil), fs.batches...)
}

func queueItem(t *testing.T, et models.EntityType, action models.Action, createdAt int64, payload interface{}) *models.SyncQueueItem {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return &models.SyncQueueItem{ID: 1, EntityType: et, Action: action, Payload: data, CreatedAt: createdAt, Status: models.QueueStatusSyncing}
}

// =====================================================
// APIClient Tests
// =====================================================

// TestAPIClient_statusMapping verifies HTTP statuses map onto the sync taxonomy.
func TestAPIClient_statusMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   apperrors.ErrorCode
	}{
		{"unauthorized", http.StatusUnauthorized, apperrors.ErrAuth},
		{"forbidden", http.StatusForbidden, apperrors.ErrAuth},
		{"bad request", http.StatusBadRequest, apperrors.ErrValidation},
		{"unprocessable", http.StatusUnprocessableEntity, apperrors.ErrValidation},
		{"server error", http.StatusInternalServerError, apperrors.ErrNetwork},
		{"unavailable", http.StatusServiceUnavailable, apperrors.ErrNetwork},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			client := NewAPIClient(ClientConfig{BaseURL: srv.URL}, StaticToken("t"))
			_, err := client.PostBatch(context.Background(), []models.BatchItem{{ClientID: "a"}})
			assert.Equal(t, tt.want, apperrors.CodeOf(err))
		})
	}
}

// TestAPIClient_connectionError verifies transport failures are network errors.
func TestAPIClient_connectionError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	client := NewAPIClient(ClientConfig{BaseURL: srv.URL}, StaticToken("t"))
	_, err := client.GetRoute(context.Background(), 10)
	assert.True(t, apperrors.Is(err, apperrors.ErrNetwork), "got %v", err)
	assert.True(t, apperrors.Retryable(err))
}

// TestAPIClient_notFound verifies a missing entity is (nil, nil).
func TestAPIClient_notFound(t *testing.T) {
	_, srv := newFakeServer(t)
	client := NewAPIClient(ClientConfig{BaseURL: srv.URL + "/"}, StaticToken("t"))

	rec, err := client.GetDelivery(context.Background(), 10, 5)
	require.NoError(t, err)
	assert.Nil(t, rec)

	wt, err := client.GetWorkingTime(context.Background(), 3, "2026-10-14")
	require.NoError(t, err)
	assert.Nil(t, wt)
}

// TestAPIClient_missingToken verifies an unconfigured token is an auth error.
func TestAPIClient_missingToken(t *testing.T) {
	_, srv := newFakeServer(t)
	client := NewAPIClient(ClientConfig{BaseURL: srv.URL}, StaticToken(""))

	_, err := client.PostBatch(context.Background(), nil)
	assert.True(t, apperrors.Is(err, apperrors.ErrAuth))
}

// TestRefreshingToken verifies caching and refresh.
func TestRefreshingToken(t *testing.T) {
	calls := 0
	tok := NewRefreshingToken(func(context.Context) (string, error) {
		calls++
		return "token-" + string(rune('0'+calls)), nil
	})
	ctx := context.Background()

	first, err := tok.Token(ctx)
	require.NoError(t, err)
	again, _ := tok.Token(ctx)
	assert.Equal(t, first, again)
	assert.Equal(t, 1, calls)

	require.NoError(t, tok.Refresh(ctx))
	next, _ := tok.Token(ctx)
	assert.Equal(t, "token-2", next)
}

// TestFileToken verifies the file is reread only on Refresh.
func TestFileToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(path, []byte("old-token\n"), 0o600))
	tok := NewFileToken(path)
	ctx := context.Background()

	got, err := tok.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "old-token", got)

	require.NoError(t, os.WriteFile(path, []byte("new-token"), 0o600))
	got, _ = tok.Token(ctx)
	assert.Equal(t, "old-token", got, "cached until refreshed")

	require.NoError(t, tok.Refresh(ctx))
	got, _ = tok.Token(ctx)
	assert.Equal(t, "new-token", got)

	require.NoError(t, os.WriteFile(path, []byte("  \n"), 0o600))
	assert.True(t, apperrors.Is(tok.Refresh(ctx), apperrors.ErrAuth))

	_, err = NewFileToken(filepath.Join(t.TempDir(), "absent")).Token(ctx)
	assert.True(t, apperrors.Is(err, apperrors.ErrAuth))
}

// =====================================================
// Dispatcher Tests
// =====================================================

// TestDispatcher_delivery verifies the posted batch item.
func TestDispatcher_delivery(t *testing.T) {
	fs, srv := newFakeServer(t)
	d := NewDispatcher(NewAPIClient(ClientConfig{BaseURL: srv.URL}, StaticToken("secret")))

	item := queueItem(t, models.EntityDelivery, models.ActionUpdate, 1000,
		models.DeliveryPayload{RouteID: 10, SubscriberID: 5, IsDelivered: true})
	require.NoError(t, d.Dispatch(context.Background(), item))

	batches := fs.posted()
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 1)
	got := batches[0][0]
	assert.Equal(t, "10:5", got.EntityID)
	assert.Equal(t, models.EntityDelivery, got.EntityType)
	assert.Equal(t, int64(1000), got.ClientTimestamp)
	assert.NotEmpty(t, got.ClientID)
	assert.JSONEq(t, string(item.Payload), string(got.Data))
	fs.mu.Lock()
	assert.Equal(t, "Bearer secret", fs.authHeader)
	fs.mu.Unlock()
}

// TestDispatcher_conflictDetection verifies divergence is only raised when the
// server is newer and the contested field differs.
func TestDispatcher_conflictDetection(t *testing.T) {
	tests := []struct {
		name         string
		server       *models.DeliveryRecord
		wantConflict bool
	}{
		{"no server record", nil, false},
		{"server older", &models.DeliveryRecord{RouteID: 10, SubscriberID: 5, IsDelivered: false, UpdatedAt: 500}, false},
		{"server newer, same value", &models.DeliveryRecord{RouteID: 10, SubscriberID: 5, IsDelivered: true, UpdatedAt: 2000}, false},
		{"server newer, different value", &models.DeliveryRecord{RouteID: 10, SubscriberID: 5, IsDelivered: false, UpdatedAt: 2000}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs, srv := newFakeServer(t)
			if tt.server != nil {
				fs.deliveries["10:5"] = tt.server
			}
			d := NewDispatcher(NewAPIClient(ClientConfig{BaseURL: srv.URL}, StaticToken("t")))
			item := queueItem(t, models.EntityDelivery, models.ActionUpdate, 1000,
				models.DeliveryPayload{RouteID: 10, SubscriberID: 5, IsDelivered: true})

			err := d.Dispatch(context.Background(), item)
			ce, ok := apperrors.AsConflict(err)
			assert.Equal(t, tt.wantConflict, ok, "err = %v", err)
			if tt.wantConflict {
				assert.Equal(t, "10:5", ce.EntityKey)
				assert.Equal(t, int64(2000), ce.Server.Timestamp)
				assert.Empty(t, fs.posted(), "a conflicting item must not be posted")
				return
			}
			require.NoError(t, err)
			assert.Len(t, fs.posted(), 1)
		})
	}
}

// TestDispatcher_redispatchSkipsDetection verifies a local resolution overwrites.
func TestDispatcher_redispatchSkipsDetection(t *testing.T) {
	fs, srv := newFakeServer(t)
	fs.deliveries["10:5"] = &models.DeliveryRecord{RouteID: 10, SubscriberID: 5, UpdatedAt: 9000}
	d := NewDispatcher(NewAPIClient(ClientConfig{BaseURL: srv.URL}, StaticToken("t")))

	item := queueItem(t, models.EntityDelivery, models.ActionUpdate, 1000,
		models.DeliveryPayload{RouteID: 10, SubscriberID: 5, IsDelivered: true})
	require.NoError(t, d.Redispatch(context.Background(), item))
	batches := fs.posted()
	require.Len(t, batches, 1)
	assert.Zero(t, batches[0][0].ClientTimestamp, "the server stamps a forced overwrite")
}

// TestDispatcher_routeAndWorkingTime verifies the other contested fields.
func TestDispatcher_routeAndWorkingTime(t *testing.T) {
	fs, srv := newFakeServer(t)
	fs.routes["10"] = &models.Route{ID: 10, Status: models.RouteCancelled, UpdatedAt: 2000}
	fs.times["3:2026-10-14"] = &models.WorkingTime{UserID: 3, WorkDate: "2026-10-14", StartTime: 100, UpdatedAt: 2000}
	d := NewDispatcher(NewAPIClient(ClientConfig{BaseURL: srv.URL}, StaticToken("t")))
	ctx := context.Background()

	route := queueItem(t, models.EntityRoute, models.ActionUpdate, 1000,
		models.RoutePayload{RouteID: 10, Status: models.RouteCompleted})
	_, ok := apperrors.AsConflict(d.Dispatch(ctx, route))
	assert.True(t, ok, "route status divergence")

	sameStart := queueItem(t, models.EntityWorkingTime, models.ActionUpdate, 1000,
		models.WorkingTimePayload{UserID: 3, WorkDate: "2026-10-14", StartTime: 100, BreakMinutes: 30})
	assert.NoError(t, d.Dispatch(ctx, sameStart), "only start/end are contested")

	otherStart := queueItem(t, models.EntityWorkingTime, models.ActionUpdate, 1000,
		models.WorkingTimePayload{UserID: 3, WorkDate: "2026-10-14", StartTime: 200})
	_, ok = apperrors.AsConflict(d.Dispatch(ctx, otherStart))
	assert.True(t, ok, "working time divergence")

	missing := queueItem(t, models.EntityRoute, models.ActionUpdate, 1000,
		models.RoutePayload{RouteID: 99, Status: models.RouteInProgress})
	assert.True(t, apperrors.Is(d.Dispatch(ctx, missing), apperrors.ErrValidation))
}

// TestDispatcher_validation verifies malformed payloads fail without a request.
func TestDispatcher_validation(t *testing.T) {
	fs, srv := newFakeServer(t)
	d := NewDispatcher(NewAPIClient(ClientConfig{BaseURL: srv.URL}, StaticToken("t")))
	ctx := context.Background()

	items := []*models.SyncQueueItem{
		{ID: 1, EntityType: models.EntityDelivery, Action: models.ActionUpdate, Payload: json.RawMessage(`{not json`)},
		queueItem(t, models.EntityDelivery, models.ActionUpdate, 1, models.DeliveryPayload{RouteID: 10}),
		queueItem(t, models.EntityMessage, models.ActionCreate, 1, models.MessagePayload{UID: "not-a-uid", Body: "hi"}),
		queueItem(t, models.EntityMessage, models.ActionCreate, 1, models.MessagePayload{UID: "123e4567-e89b-42d3-a456-426614174000"}),
		queueItem(t, models.EntityWorkingTime, models.ActionCreate, 1, models.WorkingTimePayload{UserID: 3, WorkDate: "2026-10-14", StartTime: 500, EndTime: 100}),
		{ID: 2, EntityType: "circuit", Action: models.ActionUpdate, Payload: json.RawMessage(`{}`)},
	}
	for _, item := range items {
		err := d.Dispatch(ctx, item)
		assert.True(t, apperrors.Is(err, apperrors.ErrValidation), "item %s %s: %v", item.EntityType, item.Payload, err)
	}
	assert.Empty(t, fs.posted())
}

// TestDispatcher_resultCodes verifies failed results map to validation or retryable errors.
func TestDispatcher_resultCodes(t *testing.T) {
	tests := []struct {
		code      string
		retryable bool
	}{
		{string(apperrors.ErrValidation), false},
		{string(apperrors.ErrInvalidTransition), false},
		{string(apperrors.ErrNotFound), false},
		{string(apperrors.ErrPersistence), true},
		{"", true},
	}
	for _, tt := range tests {
		t.Run("code="+tt.code, func(t *testing.T) {
			fs, srv := newFakeServer(t)
			fs.result = func(it models.BatchItem) models.BatchResult {
				return models.BatchResult{ClientID: it.ClientID, Status: models.ItemFailed, Error: "rejected", Code: tt.code}
			}
			d := NewDispatcher(NewAPIClient(ClientConfig{BaseURL: srv.URL}, StaticToken("t")))
			item := queueItem(t, models.EntityMessage, models.ActionCreate, 1,
				models.MessagePayload{UID: "123e4567-e89b-42d3-a456-426614174000", Body: "hi"})

			err := d.Dispatch(context.Background(), item)
			require.Error(t, err)
			assert.Equal(t, tt.retryable, apperrors.Retryable(err))
		})
	}
}
