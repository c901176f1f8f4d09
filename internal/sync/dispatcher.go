package sync

import (
	"context"
	"encoding/json"
	"fmt"

	apperrors "github.com/kimhsiao/routesync/internal/errors"
	"github.com/kimhsiao/routesync/internal/logging"
	"github.com/kimhsiao/routesync/internal/models"
	"github.com/kimhsiao/routesync/internal/sync/conflict"
	"github.com/kimhsiao/routesync/internal/uuid"
)

// Dispatcher sends queued mutations to the server, one batch item per queue
// item. Dispatch runs conflict detection first; Redispatch skips it so a
// local resolution can overwrite the server.
type Dispatcher struct {
	client *APIClient
	newID  func() string
}

// NewDispatcher creates a Dispatcher over client.
func NewDispatcher(client *APIClient) *Dispatcher {
	return &Dispatcher{client: client, newID: uuid.New}
}

// Dispatch implements scheduler.Handler.
func (d *Dispatcher) Dispatch(ctx context.Context, item *models.SyncQueueItem) error {
	return d.send(ctx, item, true)
}

// Redispatch implements conflict.Redispatcher.
func (d *Dispatcher) Redispatch(ctx context.Context, item *models.SyncQueueItem) error {
	return d.send(ctx, item, false)
}

func (d *Dispatcher) send(ctx context.Context, item *models.SyncQueueItem, detect bool) error {
	var (
		entityID string
		data     json.RawMessage
		err      error
	)
	switch item.EntityType {
	case models.EntityDelivery:
		entityID, data, err = d.prepareDelivery(ctx, item, detect)
	case models.EntityWorkingTime:
		entityID, data, err = d.prepareWorkingTime(ctx, item, detect)
	case models.EntityRoute:
		entityID, data, err = d.prepareRoute(ctx, item, detect)
	case models.EntityMessage:
		entityID, data, err = prepareMessage(item)
	default:
		return apperrors.New(apperrors.ErrValidation, fmt.Sprintf("unknown entity type %q", item.EntityType))
	}
	if err != nil {
		return err
	}

	batch := []models.BatchItem{{
		ClientID:   d.newID(),
		EntityType: item.EntityType,
		EntityID:   entityID,
		Action:     item.Action,
		Data:       data,
	}}
	// A forced local resolution is stamped by the server at the time it is
	// applied, not at the original queue time.
	if detect {
		batch[0].ClientTimestamp = item.CreatedAt
	}
	results, err := d.client.PostBatch(ctx, batch)
	if err != nil {
		return err
	}
	return resultError(results[0])
}

// resultError maps a per-item server result onto the sync error taxonomy.
func resultError(r models.BatchResult) error {
	if r.Status == models.ItemSynced {
		return nil
	}
	switch apperrors.ErrorCode(r.Code) {
	case apperrors.ErrValidation, apperrors.ErrInvalidTransition, apperrors.ErrNotFound:
		return apperrors.New(apperrors.ErrValidation, r.Error)
	default:
		// server-side persistence failures are transient from the client's view
		return apperrors.New(apperrors.ErrPersistence, r.Error)
	}
}

func decodePayload(item *models.SyncQueueItem, v interface{}) error {
	if err := json.Unmarshal(item.Payload, v); err != nil {
		return apperrors.Wrap(apperrors.ErrValidation,
			fmt.Sprintf("decode %s payload of queue item %d", item.EntityType, item.ID), err)
	}
	return nil
}

func localVersion(item *models.SyncQueueItem) apperrors.Version {
	return apperrors.Version{Payload: item.Payload, Timestamp: item.CreatedAt}
}

func serverVersion(v interface{}, updatedAt int64) apperrors.Version {
	data, _ := json.Marshal(v)
	return apperrors.Version{Payload: data, Timestamp: updatedAt}
}

func logConflict(ce *apperrors.ConflictError, item *models.SyncQueueItem) {
	logging.Info("Divergence detected",
		map[string]interface{}{
			"item_id":          item.ID,
			"entity_type":      ce.EntityType,
			"entity_key":       ce.EntityKey,
			"local_timestamp":  ce.Local.Timestamp,
			"server_timestamp": ce.Server.Timestamp,
		})
}

func (d *Dispatcher) prepareDelivery(ctx context.Context, item *models.SyncQueueItem, detect bool) (string, json.RawMessage, error) {
	var p models.DeliveryPayload
	if err := decodePayload(item, &p); err != nil {
		return "", nil, err
	}
	if p.RouteID <= 0 || p.SubscriberID <= 0 {
		return "", nil, apperrors.New(apperrors.ErrValidation, "delivery requires route_id and subscriber_id")
	}
	if detect {
		rec, err := d.client.GetDelivery(ctx, p.RouteID, p.SubscriberID)
		if err != nil {
			return "", nil, err
		}
		if rec != nil {
			differs := rec.IsDelivered != p.IsDelivered
			if item.Action == models.ActionDelete {
				differs = true
			}
			if ce := conflict.Detect(item.EntityType, p.Key(), localVersion(item), serverVersion(rec, rec.UpdatedAt), differs); ce != nil {
				logConflict(ce, item)
				return "", nil, ce
			}
		}
	}
	return p.Key(), item.Payload, nil
}

func (d *Dispatcher) prepareWorkingTime(ctx context.Context, item *models.SyncQueueItem, detect bool) (string, json.RawMessage, error) {
	var p models.WorkingTimePayload
	if err := decodePayload(item, &p); err != nil {
		return "", nil, err
	}
	if p.UserID <= 0 || p.WorkDate == "" {
		return "", nil, apperrors.New(apperrors.ErrValidation, "working time requires user_id and work_date")
	}
	if p.EndTime != 0 && p.EndTime < p.StartTime {
		return "", nil, apperrors.New(apperrors.ErrValidation, "working time ends before it starts")
	}
	if detect {
		wt, err := d.client.GetWorkingTime(ctx, p.UserID, p.WorkDate)
		if err != nil {
			return "", nil, err
		}
		if wt != nil {
			differs := wt.StartTime != p.StartTime || wt.EndTime != p.EndTime
			if ce := conflict.Detect(item.EntityType, p.Key(), localVersion(item), serverVersion(wt, wt.UpdatedAt), differs); ce != nil {
				logConflict(ce, item)
				return "", nil, ce
			}
		}
	}
	return p.Key(), item.Payload, nil
}

func (d *Dispatcher) prepareRoute(ctx context.Context, item *models.SyncQueueItem, detect bool) (string, json.RawMessage, error) {
	var p models.RoutePayload
	if err := decodePayload(item, &p); err != nil {
		return "", nil, err
	}
	if p.RouteID <= 0 || !p.Status.Valid() {
		return "", nil, apperrors.New(apperrors.ErrValidation, fmt.Sprintf("route update requires route_id and a known status, got %q", p.Status))
	}
	key := fmt.Sprintf("%d", p.RouteID)
	if detect {
		rt, err := d.client.GetRoute(ctx, p.RouteID)
		if err != nil {
			return "", nil, err
		}
		if rt == nil {
			return "", nil, apperrors.New(apperrors.ErrValidation, fmt.Sprintf("route %d does not exist", p.RouteID))
		}
		if ce := conflict.Detect(item.EntityType, key, localVersion(item), serverVersion(rt, rt.UpdatedAt), rt.Status != p.Status); ce != nil {
			logConflict(ce, item)
			return "", nil, ce
		}
	}
	return key, item.Payload, nil
}

// prepareMessage validates a message mutation. Messages are append-only by
// uid and never conflict.
func prepareMessage(item *models.SyncQueueItem) (string, json.RawMessage, error) {
	var p models.MessagePayload
	if err := decodePayload(item, &p); err != nil {
		return "", nil, err
	}
	uid, err := uuid.ParseUID(p.UID.String())
	if err != nil {
		return "", nil, apperrors.Wrap(apperrors.ErrValidation, "message uid", err)
	}
	switch item.Action {
	case models.ActionCreate:
		if p.Body == "" {
			return "", nil, apperrors.New(apperrors.ErrValidation, "message body is empty")
		}
	case models.ActionUpdate:
		if !p.Read {
			return "", nil, apperrors.New(apperrors.ErrValidation, "message update must mark it read")
		}
	default:
		return "", nil, apperrors.New(apperrors.ErrValidation, fmt.Sprintf("messages do not support %s", item.Action))
	}
	return uid.String(), item.Payload, nil
}
