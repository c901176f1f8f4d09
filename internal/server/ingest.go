// Package server implements the routesync HTTP API: batch ingestion of
// client queues, pull-style reads for reconciliation and the realtime
// endpoint.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/kimhsiao/routesync/internal/auth"
	"github.com/kimhsiao/routesync/internal/db"
	apperrors "github.com/kimhsiao/routesync/internal/errors"
	"github.com/kimhsiao/routesync/internal/logging"
	"github.com/kimhsiao/routesync/internal/metrics"
	"github.com/kimhsiao/routesync/internal/models"
	"github.com/kimhsiao/routesync/internal/uuid"
)

// Notifier receives committed changes. It is called only after the change
// is persisted.
type Notifier interface {
	Notify(ctx context.Context, change models.ChangeLog)
}

// Ingestor applies client mutations to the store.
type Ingestor struct {
	store    db.Store
	notifier Notifier
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	now      func() time.Time
}

// IngestorOption configures an Ingestor.
type IngestorOption func(*Ingestor)

// WithTracer sets the tracer used for per-item spans.
func WithTracer(t trace.Tracer) IngestorOption {
	return func(in *Ingestor) { in.tracer = t }
}

// WithIngestMetrics sets the metrics sink.
func WithIngestMetrics(m *metrics.Metrics) IngestorOption {
	return func(in *Ingestor) { in.metrics = m }
}

// WithServerClock overrides the server clock.
func WithServerClock(now func() time.Time) IngestorOption {
	return func(in *Ingestor) { in.now = now }
}

// NewIngestor creates an Ingestor. notifier may be nil.
func NewIngestor(store db.Store, notifier Notifier, opts ...IngestorOption) *Ingestor {
	in := &Ingestor{
		store:    store,
		notifier: notifier,
		tracer:   noop.NewTracerProvider().Tracer("routesync"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

// outcome is the result of applying one item.
type outcome struct {
	serverID string
	change   *models.ChangeLog
}

// Ingest applies items independently in array order. One item's failure
// never affects another; every item gets exactly one result.
func (in *Ingestor) Ingest(ctx context.Context, actor auth.Principal, items []models.BatchItem) []models.BatchResult {
	start := in.now()
	ctx, span := in.tracer.Start(ctx, "sync.batch",
		trace.WithAttributes(attribute.Int("batch.size", len(items)), attribute.Int64("actor", actor.UserID)))
	defer span.End()

	results := make([]models.BatchResult, len(items))
	failed := 0
	for i, item := range items {
		results[i] = in.ingestOne(ctx, actor, item)
		if results[i].Status == models.ItemFailed {
			failed++
		}
	}

	span.SetAttributes(attribute.Int("batch.failed", failed))
	in.metrics.ObserveBatch(in.now().Sub(start).Seconds())
	logging.Info("Sync batch ingested", map[string]interface{}{
		"actor":  actor.UserID,
		"items":  len(items),
		"failed": failed,
	})
	return results
}

func (in *Ingestor) ingestOne(ctx context.Context, actor auth.Principal, item models.BatchItem) models.BatchResult {
	ctx, span := in.tracer.Start(ctx, "sync.item", trace.WithAttributes(
		attribute.String("entity.type", string(item.EntityType)),
		attribute.String("entity.id", item.EntityID),
		attribute.String("action", string(item.Action)),
	))
	defer span.End()

	res := models.BatchResult{ClientID: item.ClientID}
	out, err := in.apply(ctx, actor, item)
	if err != nil {
		res.Status = models.ItemFailed
		res.Error = err.Error()
		res.Code = string(apperrors.CodeOf(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, res.Code)
		in.metrics.Ingested(string(item.EntityType), string(models.ItemFailed))
		logging.Warn("Sync item failed", map[string]interface{}{
			"client_id":   item.ClientID,
			"entity_type": string(item.EntityType),
			"entity_id":   item.EntityID,
			"code":        res.Code,
			"error":       err.Error(),
		})
		return res
	}

	res.Status = models.ItemSynced
	res.ServerID = out.serverID
	in.metrics.Ingested(string(item.EntityType), string(models.ItemSynced))

	// persisted; safe to publish
	if out.change != nil && in.notifier != nil {
		in.notifier.Notify(ctx, *out.change)
	}
	return res
}

func decodeData(item models.BatchItem, v interface{}) error {
	if len(item.Data) == 0 {
		return apperrors.New(apperrors.ErrValidation, "item data is empty")
	}
	if err := json.Unmarshal(item.Data, v); err != nil {
		return apperrors.Wrap(apperrors.ErrValidation, fmt.Sprintf("decode %s data", item.EntityType), err)
	}
	return nil
}

func checkEntityID(item models.BatchItem, key string) error {
	if item.EntityID != "" && item.EntityID != key {
		return apperrors.New(apperrors.ErrValidation,
			fmt.Sprintf("entity_id %q does not match payload key %q", item.EntityID, key))
	}
	return nil
}

func (in *Ingestor) apply(ctx context.Context, actor auth.Principal, item models.BatchItem) (outcome, error) {
	if !item.Action.Valid() {
		return outcome{}, apperrors.New(apperrors.ErrValidation, fmt.Sprintf("unknown action %q", item.Action))
	}
	at := in.stamp(item)

	switch item.EntityType {
	case models.EntityDelivery:
		return in.applyDelivery(ctx, actor, item, at)
	case models.EntityRoute:
		return in.applyRoute(ctx, actor, item, at)
	case models.EntityWorkingTime:
		return in.applyWorkingTime(ctx, actor, item, at)
	case models.EntityMessage:
		return in.applyMessage(ctx, actor, item, at)
	default:
		return outcome{}, apperrors.New(apperrors.ErrValidation, fmt.Sprintf("unknown entity type %q", item.EntityType))
	}
}

// stamp returns the last-modified time stored for the item's key: the
// mutation's origin time when the client sent one, the server clock
// otherwise. Divergence checks compare origin times on both sides.
func (in *Ingestor) stamp(item models.BatchItem) int64 {
	if item.ClientTimestamp > 0 {
		return item.ClientTimestamp
	}
	return in.now().UnixMilli()
}

func (in *Ingestor) applyDelivery(ctx context.Context, actor auth.Principal, item models.BatchItem, at int64) (outcome, error) {
	var p models.DeliveryPayload
	if err := decodeData(item, &p); err != nil {
		return outcome{}, err
	}
	if p.RouteID <= 0 || p.SubscriberID <= 0 {
		return outcome{}, apperrors.New(apperrors.ErrValidation, "delivery requires route_id and subscriber_id")
	}
	if err := checkEntityID(item, p.Key()); err != nil {
		return outcome{}, err
	}

	if item.Action == models.ActionDelete {
		existed, err := in.store.DeleteDelivery(ctx, p.RouteID, p.SubscriberID)
		if err != nil {
			return outcome{}, err
		}
		out := outcome{serverID: p.Key()}
		if existed {
			out.change = &models.ChangeLog{
				Kind: models.ChangeDelivery, RouteID: p.RouteID, Actor: actor.UserID, Timestamp: in.now().UnixMilli(),
				Data: map[string]interface{}{"route_id": p.RouteID, "subscriber_id": p.SubscriberID, "deleted": true},
			}
		}
		return out, nil
	}

	rec, changed, err := in.store.UpsertDelivery(ctx, p, at)
	if err != nil {
		return outcome{}, err
	}
	out := outcome{serverID: strconv.FormatInt(rec.ID, 10)}
	if changed {
		out.change = &models.ChangeLog{Kind: models.ChangeDelivery, RouteID: rec.RouteID, Actor: actor.UserID, Data: rec, Timestamp: in.now().UnixMilli()}
	}
	return out, nil
}

func (in *Ingestor) applyRoute(ctx context.Context, actor auth.Principal, item models.BatchItem, at int64) (outcome, error) {
	if item.Action != models.ActionUpdate {
		return outcome{}, apperrors.New(apperrors.ErrValidation, "routes only accept status updates over sync")
	}
	var p models.RoutePayload
	if err := decodeData(item, &p); err != nil {
		return outcome{}, err
	}
	if p.RouteID <= 0 {
		return outcome{}, apperrors.New(apperrors.ErrValidation, "route update requires route_id")
	}
	if err := checkEntityID(item, strconv.FormatInt(p.RouteID, 10)); err != nil {
		return outcome{}, err
	}

	rt, changed, err := in.store.UpdateRouteStatus(ctx, p.RouteID, p.Status, at)
	if err != nil {
		return outcome{}, err
	}
	out := outcome{serverID: strconv.FormatInt(rt.ID, 10)}
	if changed {
		out.change = &models.ChangeLog{Kind: models.ChangeRoute, RouteID: rt.ID, UserID: rt.UserID, Actor: actor.UserID, Data: rt, Timestamp: in.now().UnixMilli()}
	}
	return out, nil
}

func (in *Ingestor) applyWorkingTime(ctx context.Context, actor auth.Principal, item models.BatchItem, at int64) (outcome, error) {
	var p models.WorkingTimePayload
	if err := decodeData(item, &p); err != nil {
		return outcome{}, err
	}
	if p.UserID <= 0 || p.WorkDate == "" {
		return outcome{}, apperrors.New(apperrors.ErrValidation, "working time requires user_id and work_date")
	}
	if _, err := time.Parse("2006-01-02", p.WorkDate); err != nil {
		return outcome{}, apperrors.Wrap(apperrors.ErrValidation, "work_date must be YYYY-MM-DD", err)
	}
	if p.EndTime != 0 && p.EndTime < p.StartTime {
		return outcome{}, apperrors.New(apperrors.ErrValidation, "working time ends before it starts")
	}
	if err := checkEntityID(item, p.Key()); err != nil {
		return outcome{}, err
	}

	wt, changed, err := in.store.UpsertWorkingTime(ctx, p, at)
	if err != nil {
		return outcome{}, err
	}
	out := outcome{serverID: strconv.FormatInt(wt.ID, 10)}
	if changed {
		out.change = &models.ChangeLog{Kind: models.ChangeWorkingTime, UserID: wt.UserID, Actor: actor.UserID, Data: wt, Timestamp: in.now().UnixMilli()}
	}
	return out, nil
}

func (in *Ingestor) applyMessage(ctx context.Context, actor auth.Principal, item models.BatchItem, at int64) (outcome, error) {
	var p models.MessagePayload
	if err := decodeData(item, &p); err != nil {
		return outcome{}, err
	}
	uid, err := uuid.ParseUID(p.UID.String())
	if err != nil {
		return outcome{}, apperrors.Wrap(apperrors.ErrValidation, "message uid", err)
	}
	p.UID = uid
	if err := checkEntityID(item, uid.String()); err != nil {
		return outcome{}, err
	}

	switch item.Action {
	case models.ActionCreate:
		if p.Body == "" {
			return outcome{}, apperrors.New(apperrors.ErrValidation, "message body is empty")
		}
		msg, created, err := in.store.InsertMessage(ctx, actor.UserID, p, at)
		if err != nil {
			return outcome{}, err
		}
		out := outcome{serverID: strconv.FormatInt(msg.ID, 10)}
		if created {
			out.change = &models.ChangeLog{Kind: models.ChangeMessage, RouteID: msg.RouteID, Actor: actor.UserID, Data: msg, Timestamp: in.now().UnixMilli()}
		}
		return out, nil

	case models.ActionUpdate:
		if !p.Read {
			return outcome{}, apperrors.New(apperrors.ErrValidation, "message update must mark it read")
		}
		msg, changed, err := in.store.MarkMessageRead(ctx, uid, at)
		if err != nil {
			return outcome{}, err
		}
		out := outcome{serverID: strconv.FormatInt(msg.ID, 10)}
		if changed {
			out.change = &models.ChangeLog{Kind: models.ChangeMessageRead, RouteID: msg.RouteID, Actor: actor.UserID, Data: msg, Timestamp: in.now().UnixMilli()}
		}
		return out, nil

	default:
		return outcome{}, apperrors.New(apperrors.ErrValidation, fmt.Sprintf("messages do not support %s", item.Action))
	}
}

// Commands adapts the ingestor to realtime socket commands. Socket writes
// take the same validated, idempotent path as batch items.
type Commands struct {
	ingestor *Ingestor
}

// NewCommands creates Commands over in.
func NewCommands(in *Ingestor) *Commands {
	return &Commands{ingestor: in}
}

func (c *Commands) exec(ctx context.Context, actor auth.Principal, et models.EntityType, action models.Action, v interface{}, at int64) error {
	data, err := json.Marshal(v)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrValidation, "encode command", err)
	}
	res := c.ingestor.ingestOne(ctx, actor, models.BatchItem{
		ClientID:        uuid.New(),
		EntityType:      et,
		Action:          action,
		Data:            data,
		ClientTimestamp: at,
	})
	if res.Status == models.ItemFailed {
		return apperrors.New(apperrors.ErrorCode(res.Code), res.Error)
	}
	return nil
}

func requireTimestamp(command string, at int64) error {
	if at <= 0 {
		return apperrors.New(apperrors.ErrValidation, command+" requires client_timestamp")
	}
	return nil
}

// stale reports a divergence when the stored value is newer than the
// command's origin time and differs from it.
func stale(entityType models.EntityType, key string, local interface{}, at int64, server interface{}, serverAt int64, differs bool) error {
	if !differs || serverAt <= at {
		return nil
	}
	localData, _ := json.Marshal(local)
	serverData, _ := json.Marshal(server)
	return &apperrors.ConflictError{
		EntityType: string(entityType),
		EntityKey:  key,
		Local:      apperrors.Version{Payload: localData, Timestamp: at},
		Server:     apperrors.Version{Payload: serverData, Timestamp: serverAt},
	}
}

// UpdateRoute applies a route status change unless the stored route was
// changed after at.
func (c *Commands) UpdateRoute(ctx context.Context, actor auth.Principal, p models.RoutePayload, at int64) error {
	if err := requireTimestamp("route:update", at); err != nil {
		return err
	}
	rt, err := c.ingestor.store.GetRoute(ctx, p.RouteID)
	switch {
	case err == nil:
		key := strconv.FormatInt(p.RouteID, 10)
		if err := stale(models.EntityRoute, key, p, at, rt, rt.UpdatedAt, rt.Status != p.Status); err != nil {
			return err
		}
	case !apperrors.Is(err, apperrors.ErrNotFound):
		return err
	}
	return c.exec(ctx, actor, models.EntityRoute, models.ActionUpdate, p, at)
}

// UpdateDelivery applies a delivery change sent over the legacy socket path
// unless the stored record was changed after at.
func (c *Commands) UpdateDelivery(ctx context.Context, actor auth.Principal, p models.DeliveryPayload, at int64) error {
	if err := requireTimestamp("delivery:update", at); err != nil {
		return err
	}
	rec, err := c.ingestor.store.GetDelivery(ctx, p.RouteID, p.SubscriberID)
	switch {
	case err == nil:
		if err := stale(models.EntityDelivery, p.Key(), p, at, rec, rec.UpdatedAt, rec.IsDelivered != p.IsDelivered); err != nil {
			return err
		}
	case !apperrors.Is(err, apperrors.ErrNotFound):
		return err
	}
	return c.exec(ctx, actor, models.EntityDelivery, models.ActionUpdate, p, at)
}

// SendMessage stores a message. Socket clients may leave the uid to the
// server.
func (c *Commands) SendMessage(ctx context.Context, actor auth.Principal, p models.MessagePayload) error {
	if p.UID == "" {
		p.UID = uuid.NewUID()
	}
	return c.exec(ctx, actor, models.EntityMessage, models.ActionCreate, p, 0)
}

// ReadMessage marks a message read.
func (c *Commands) ReadMessage(ctx context.Context, actor auth.Principal, uid models.UUID) error {
	return c.exec(ctx, actor, models.EntityMessage, models.ActionUpdate, models.MessagePayload{UID: uid, Read: true}, 0)
}
