// Package queue provides the durable client-side mutation queue.
//
// Every mutation a worker makes offline is recorded here before the UI
// acknowledges it, and stays until the server confirms it. Items are stored
// in a kv.Store bucket in insertion order; all state changes go through the
// store's atomic Update so a concurrent enqueue and a scheduler pass never
// tear an item.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	apperrors "github.com/kimhsiao/routesync/internal/errors"
	"github.com/kimhsiao/routesync/internal/kv"
	"github.com/kimhsiao/routesync/internal/logging"
	"github.com/kimhsiao/routesync/internal/models"
)

// Bucket is the kv bucket queue items live in.
var Bucket = models.SyncQueueItem{}.TableName()

// Queue is the durable sync queue of one client session.
type Queue struct {
	store kv.Store
	now   func() time.Time
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock overrides the time source used for CreatedAt and LastAttemptAt.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// New creates a Queue over store.
func New(store kv.Store, opts ...Option) *Queue {
	q := &Queue{store: store, now: time.Now}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func itemKey(id int64) string {
	return strconv.FormatInt(id, 10)
}

func decode(raw json.RawMessage) (*models.SyncQueueItem, error) {
	var item models.SyncQueueItem
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrPersistence, "decode queue item", err)
	}
	return &item, nil
}

func encode(item *models.SyncQueueItem) (json.RawMessage, error) {
	raw, err := json.Marshal(item)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "encode queue item", err)
	}
	return raw, nil
}

// Enqueue records a mutation and returns its id. The item is committed to
// the store before Enqueue returns.
func (q *Queue) Enqueue(ctx context.Context, entityType models.EntityType, action models.Action, payload interface{}) (int64, error) {
	if !entityType.Valid() {
		return 0, apperrors.New(apperrors.ErrValidation, fmt.Sprintf("unknown entity type %q", entityType))
	}
	if !action.Valid() {
		return 0, apperrors.New(apperrors.ErrValidation, fmt.Sprintf("unknown action %q", action))
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrValidation, "encode payload", err)
	}

	id, err := q.store.NextID(ctx, Bucket)
	if err != nil {
		return 0, err
	}

	item := &models.SyncQueueItem{
		ID:         id,
		EntityType: entityType,
		Action:     action,
		Payload:    raw,
		CreatedAt:  q.now().UnixMilli(),
		Status:     models.QueueStatusPending,
	}
	value, err := encode(item)
	if err != nil {
		return 0, err
	}
	if err := q.store.Put(ctx, Bucket, itemKey(id), value); err != nil {
		return 0, err
	}

	logging.Debug("Enqueued sync item",
		map[string]interface{}{
			"item_id":     id,
			"entity_type": string(entityType),
			"action":      string(action),
		})

	return id, nil
}

// Get returns a copy of one item.
func (q *Queue) Get(ctx context.Context, id int64) (*models.SyncQueueItem, error) {
	raw, ok, err := q.store.Get(ctx, Bucket, itemKey(id))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperrors.New(apperrors.ErrQueueItemNotFound, fmt.Sprintf("queue item %d not found", id))
	}
	return decode(raw)
}

// ListPending returns every item not yet confirmed by the server, oldest
// first. Terminally failed and conflict-blocked items are included so the
// scheduler and the UI can see them; per-item eligibility is the scheduler's
// decision.
func (q *Queue) ListPending(ctx context.Context) ([]*models.SyncQueueItem, error) {
	records, err := q.store.List(ctx, Bucket)
	if err != nil {
		return nil, err
	}
	items := make([]*models.SyncQueueItem, 0, len(records))
	for _, r := range records {
		item, err := decode(r.Value)
		if err != nil {
			return nil, err
		}
		if item.Status == models.QueueStatusSynced {
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

// mutate applies fn to the stored item atomically. fn returning nil removes
// the item.
func (q *Queue) mutate(ctx context.Context, id int64, fn func(item *models.SyncQueueItem) *models.SyncQueueItem) error {
	return q.store.Update(ctx, Bucket, itemKey(id), func(current json.RawMessage) (json.RawMessage, error) {
		if current == nil {
			return nil, apperrors.New(apperrors.ErrQueueItemNotFound, fmt.Sprintf("queue item %d not found", id))
		}
		item, err := decode(current)
		if err != nil {
			return nil, err
		}
		next := fn(item)
		if next == nil {
			return nil, nil
		}
		return encode(next)
	})
}

// MarkStatus moves an item to status. Marking failed increments RetryCount
// and records the attempt time and error; marking synced removes the item.
func (q *Queue) MarkStatus(ctx context.Context, id int64, status models.QueueStatus, cause error) error {
	now := q.now().UnixMilli()
	err := q.mutate(ctx, id, func(item *models.SyncQueueItem) *models.SyncQueueItem {
		switch status {
		case models.QueueStatusSynced:
			return nil
		case models.QueueStatusFailed:
			item.RetryCount++
			item.LastAttemptAt = now
			if cause != nil {
				item.LastError = cause.Error()
			}
		}
		item.Status = status
		return item
	})
	if err != nil {
		return err
	}

	logging.Debug("Queue item status changed",
		map[string]interface{}{
			"item_id": id,
			"status":  string(status),
		})
	return nil
}

// Remove deletes an item. Call only after the server acknowledged it.
func (q *Queue) Remove(ctx context.Context, id int64) error {
	removed, err := q.store.Delete(ctx, Bucket, itemKey(id))
	if err != nil {
		return err
	}
	if !removed {
		return apperrors.New(apperrors.ErrQueueItemNotFound, fmt.Sprintf("queue item %d not found", id))
	}
	return nil
}

// Block parks an item behind a conflict. It returns to pending without
// counting the attempt against its retry budget.
func (q *Queue) Block(ctx context.Context, id int64, conflictID models.UUID) error {
	return q.mutate(ctx, id, func(item *models.SyncQueueItem) *models.SyncQueueItem {
		item.Status = models.QueueStatusPending
		item.BlockedBy = conflictID.String()
		return item
	})
}

// Unblock releases an item from its conflict.
func (q *Queue) Unblock(ctx context.Context, id int64) error {
	return q.mutate(ctx, id, func(item *models.SyncQueueItem) *models.SyncQueueItem {
		item.BlockedBy = ""
		return item
	})
}

// Reset puts an item back to pending without touching its retry budget.
func (q *Queue) Reset(ctx context.Context, id int64) error {
	return q.mutate(ctx, id, func(item *models.SyncQueueItem) *models.SyncQueueItem {
		item.Status = models.QueueStatusPending
		return item
	})
}

// Exhaust fails an item terminally by spending its whole retry budget.
func (q *Queue) Exhaust(ctx context.Context, id int64, cause error, maxRetries int) error {
	now := q.now().UnixMilli()
	return q.mutate(ctx, id, func(item *models.SyncQueueItem) *models.SyncQueueItem {
		if item.RetryCount < maxRetries {
			item.RetryCount = maxRetries
		}
		item.Status = models.QueueStatusFailed
		item.LastAttemptAt = now
		if cause != nil {
			item.LastError = cause.Error()
		}
		return item
	})
}

// RecoverInFlight resets items a crashed pass left in syncing back to
// pending. It returns how many were recovered.
func (q *Queue) RecoverInFlight(ctx context.Context) (int, error) {
	records, err := q.store.GetAllByIndex(ctx, Bucket, "status", string(models.QueueStatusSyncing))
	if err != nil {
		return 0, err
	}

	count := 0
	for _, r := range records {
		item, err := decode(r.Value)
		if err != nil {
			return count, err
		}
		recovered := false
		err = q.mutate(ctx, item.ID, func(item *models.SyncQueueItem) *models.SyncQueueItem {
			recovered = item.Status == models.QueueStatusSyncing
			if recovered {
				item.Status = models.QueueStatusPending
			}
			return item
		})
		if err != nil {
			if apperrors.Is(err, apperrors.ErrQueueItemNotFound) {
				continue
			}
			return count, err
		}
		if recovered {
			count++
		}
	}

	if count > 0 {
		logging.Info("Recovered in-flight sync items", map[string]interface{}{"count": count})
	}
	return count, nil
}

// Stats summarizes the queue for status indicators.
type Stats struct {
	Total   int `json:"total"`
	Pending int `json:"pending"`
	Syncing int `json:"syncing"`
	Failed  int `json:"failed"`
	Blocked int `json:"blocked"`
}

// Stats counts items by state.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	items, err := q.ListPending(ctx)
	if err != nil {
		return s, err
	}
	for _, item := range items {
		s.Total++
		switch {
		case item.Blocked():
			s.Blocked++
		case item.Status == models.QueueStatusSyncing:
			s.Syncing++
		case item.Status == models.QueueStatusFailed:
			s.Failed++
		default:
			s.Pending++
		}
	}
	return s, nil
}
