package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/kimhsiao/routesync/internal/auth"
	"github.com/kimhsiao/routesync/internal/db"
	apperrors "github.com/kimhsiao/routesync/internal/errors"
	"github.com/kimhsiao/routesync/internal/logging"
	"github.com/kimhsiao/routesync/internal/models"
)

// maxBatchBytes bounds the body of one sync batch.
const maxBatchBytes = 8 << 20

// API serves the REST endpoints.
type API struct {
	store    db.Store
	ingestor *Ingestor
	notifier Notifier
	now      func() time.Time
}

// NewAPI creates an API.
func NewAPI(store db.Store, ingestor *Ingestor, notifier Notifier, now func() time.Time) *API {
	if now == nil {
		now = time.Now
	}
	return &API{store: store, ingestor: ingestor, notifier: notifier, now: now}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warn("Failed to encode response", map[string]interface{}{"error": err.Error()})
	}
}

// writeError maps an error code to an HTTP status.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := apperrors.CodeOf(err)
	switch code {
	case apperrors.ErrNotFound:
		status = http.StatusNotFound
	case apperrors.ErrValidation:
		status = http.StatusBadRequest
	case apperrors.ErrInvalidTransition:
		status = http.StatusConflict
	case apperrors.ErrAuth:
		status = http.StatusUnauthorized
	case apperrors.ErrPermission:
		status = http.StatusForbidden
	case apperrors.ErrPersistence:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"error": err.Error(), "code": string(code)})
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)[name], 10, 64)
	if err != nil || id <= 0 {
		return 0, apperrors.New(apperrors.ErrValidation, name+" must be a positive integer")
	}
	return id, nil
}

func queryID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(r.URL.Query().Get(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperrors.New(apperrors.ErrValidation, name+" must be a positive integer")
	}
	return id, nil
}

// Health handles GET /api/health
func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	if err := a.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "routesync"})
}

// Sync handles POST /api/sync
func (a *API) Sync(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.FromContext(r.Context())

	var req models.BatchRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBatchBytes)).Decode(&req); err != nil {
		writeError(w, apperrors.Wrap(apperrors.ErrValidation, "invalid request body", err))
		return
	}

	results := a.ingestor.Ingest(r.Context(), actor, req.Items)
	writeJSON(w, http.StatusOK, models.BatchResponse{Results: results})
}

// GetDelivery handles GET /api/deliveries?route_id=&subscriber_id=
func (a *API) GetDelivery(w http.ResponseWriter, r *http.Request) {
	routeID, err := queryID(r, "route_id")
	if err != nil {
		writeError(w, err)
		return
	}
	subscriberID, err := queryID(r, "subscriber_id")
	if err != nil {
		writeError(w, err)
		return
	}
	rec, err := a.store.GetDelivery(r.Context(), routeID, subscriberID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// GetRoute handles GET /api/routes/{id}
func (a *API) GetRoute(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	rt, err := a.store.GetRoute(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rt)
}

// ListRouteDeliveries handles GET /api/routes/{id}/deliveries
func (a *API) ListRouteDeliveries(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	records, err := a.store.ListRouteDeliveries(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if records == nil {
		records = []*models.DeliveryRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

// CreateRoute handles POST /api/routes
func (a *API) CreateRoute(w http.ResponseWriter, r *http.Request) {
	var rt models.Route
	if err := json.NewDecoder(r.Body).Decode(&rt); err != nil {
		writeError(w, apperrors.Wrap(apperrors.ErrValidation, "invalid request body", err))
		return
	}
	if rt.CircuitID <= 0 || rt.UserID <= 0 {
		writeError(w, apperrors.New(apperrors.ErrValidation, "circuit_id and user_id are required"))
		return
	}
	if _, err := time.Parse("2006-01-02", rt.Date); err != nil {
		writeError(w, apperrors.Wrap(apperrors.ErrValidation, "date must be YYYY-MM-DD", err))
		return
	}
	rt.Status = models.RouteNotStarted
	rt.StartTime, rt.EndTime = 0, 0
	rt.UpdatedAt = a.now().UnixMilli()

	if err := a.store.CreateRoute(r.Context(), &rt); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rt)
}

// ResetRoute handles POST /api/routes/{id}/reset
func (a *API) ResetRoute(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	actor, _ := auth.FromContext(r.Context())
	rt, err := a.store.ResetRoute(r.Context(), id, a.now().UnixMilli())
	if err != nil {
		writeError(w, err)
		return
	}
	a.notify(r, models.ChangeLog{Kind: models.ChangeRoute, RouteID: rt.ID, UserID: rt.UserID, Actor: actor.UserID, Data: rt, Timestamp: rt.UpdatedAt})
	writeJSON(w, http.StatusOK, rt)
}

// GetWorkingTime handles GET /api/working-times?user_id=&work_date=
func (a *API) GetWorkingTime(w http.ResponseWriter, r *http.Request) {
	userID, err := queryID(r, "user_id")
	if err != nil {
		writeError(w, err)
		return
	}
	workDate := r.URL.Query().Get("work_date")
	if workDate == "" {
		writeError(w, apperrors.New(apperrors.ErrValidation, "work_date is required"))
		return
	}
	wt, err := a.store.GetWorkingTime(r.Context(), userID, workDate)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wt)
}

// CreateCircuit handles POST /api/circuits
func (a *API) CreateCircuit(w http.ResponseWriter, r *http.Request) {
	var c models.Circuit
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil || c.Name == "" {
		writeError(w, apperrors.New(apperrors.ErrValidation, "name is required"))
		return
	}
	if err := a.store.CreateCircuit(r.Context(), &c); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// PutSubscriber handles PUT /api/circuits/{id}/subscribers
// Subscriber data comes from CSV import; a change is announced globally.
func (a *API) PutSubscriber(w http.ResponseWriter, r *http.Request) {
	circuitID, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	var sub models.Subscriber
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		writeError(w, apperrors.Wrap(apperrors.ErrValidation, "invalid request body", err))
		return
	}
	sub.CircuitID = circuitID
	sub.UpdatedAt = a.now().UnixMilli()

	changed, err := a.store.UpsertSubscriber(r.Context(), &sub)
	if err != nil {
		writeError(w, err)
		return
	}
	if changed {
		actor, _ := auth.FromContext(r.Context())
		a.notify(r, models.ChangeLog{Kind: models.ChangeSubscription, Actor: actor.UserID, Data: sub, Timestamp: sub.UpdatedAt})
	}
	writeJSON(w, http.StatusOK, sub)
}

func (a *API) notify(r *http.Request, change models.ChangeLog) {
	if a.notifier != nil {
		a.notifier.Notify(r.Context(), change)
	}
}
