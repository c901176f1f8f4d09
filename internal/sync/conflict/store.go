// Package conflict records divergences between queued local mutations and
// server state, and walks the worker through resolving them one at a time.
package conflict

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	apperrors "github.com/kimhsiao/routesync/internal/errors"
	"github.com/kimhsiao/routesync/internal/kv"
	"github.com/kimhsiao/routesync/internal/logging"
	"github.com/kimhsiao/routesync/internal/models"
	"github.com/kimhsiao/routesync/internal/uuid"
)

// Bucket is the kv bucket conflicts live in.
var Bucket = models.Conflict{}.TableName()

// Store persists conflicts. Entries are never deleted; resolving one is a
// one-way transition.
type Store struct {
	kv  kv.Store
	now func() time.Time
}

// NewStore creates a Store over a kv.Store.
func NewStore(store kv.Store, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{kv: store, now: now}
}

func decode(raw json.RawMessage) (*models.Conflict, error) {
	var c models.Conflict
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrPersistence, "decode conflict", err)
	}
	return &c, nil
}

// Create records the divergence reported for a queue item.
func (s *Store) Create(ctx context.Context, item *models.SyncQueueItem, ce *apperrors.ConflictError) (*models.Conflict, error) {
	c := &models.Conflict{
		ID:          models.UUID(uuid.New()),
		QueueItemID: item.ID,
		EntityType:  item.EntityType,
		EntityKey:   ce.EntityKey,
		Action:      item.Action,
		LocalVersion: models.VersionSnapshot{
			Payload:   item.Payload,
			Timestamp: item.CreatedAt,
		},
		ServerVersion: models.VersionSnapshot{
			Payload:   ce.Server.Payload,
			Timestamp: ce.Server.Timestamp,
		},
		DetectedAt: s.now().UnixMilli(),
		State:      models.ConflictStateOpen,
	}
	if len(ce.Local.Payload) > 0 {
		c.LocalVersion.Payload = ce.Local.Payload
	}

	raw, err := json.Marshal(c)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "encode conflict", err)
	}
	if err := s.kv.Put(ctx, Bucket, c.ID.String(), raw); err != nil {
		return nil, err
	}

	logging.Warn("Sync conflict detected",
		map[string]interface{}{
			"conflict_id":      c.ID.String(),
			"queue_item_id":    item.ID,
			"entity_type":      string(c.EntityType),
			"entity_key":       c.EntityKey,
			"local_timestamp":  c.LocalVersion.Timestamp,
			"server_timestamp": c.ServerVersion.Timestamp,
		})

	return c, nil
}

// Get returns one conflict.
func (s *Store) Get(ctx context.Context, id models.UUID) (*models.Conflict, error) {
	raw, ok, err := s.kv.Get(ctx, Bucket, id.String())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperrors.New(apperrors.ErrConflictNotFound, fmt.Sprintf("conflict %s not found", id))
	}
	return decode(raw)
}

// GetUnresolved returns every unresolved conflict, oldest first.
func (s *Store) GetUnresolved(ctx context.Context) ([]*models.Conflict, error) {
	records, err := s.kv.GetAllByIndex(ctx, Bucket, "state", models.ConflictStateOpen)
	if err != nil {
		return nil, err
	}
	return decodeSorted(records)
}

// List returns every conflict, resolved ones included, oldest first.
func (s *Store) List(ctx context.Context) ([]*models.Conflict, error) {
	records, err := s.kv.List(ctx, Bucket)
	if err != nil {
		return nil, err
	}
	return decodeSorted(records)
}

func decodeSorted(records []kv.Record) ([]*models.Conflict, error) {
	conflicts := make([]*models.Conflict, 0, len(records))
	for _, r := range records {
		c, err := decode(r.Value)
		if err != nil {
			return nil, err
		}
		conflicts = append(conflicts, c)
	}
	// insertion order already, detection time breaks ties from imports
	sort.SliceStable(conflicts, func(i, j int) bool {
		return conflicts[i].DetectedAt < conflicts[j].DetectedAt
	})
	return conflicts, nil
}

// MarkResolved records the chosen resolution. A conflict resolves exactly
// once; a second call fails with ErrAlreadyResolved.
func (s *Store) MarkResolved(ctx context.Context, id models.UUID, resolution models.Resolution) (*models.Conflict, error) {
	var resolved *models.Conflict
	now := s.now().UnixMilli()
	err := s.kv.Update(ctx, Bucket, id.String(), func(current json.RawMessage) (json.RawMessage, error) {
		if current == nil {
			return nil, apperrors.New(apperrors.ErrConflictNotFound, fmt.Sprintf("conflict %s not found", id))
		}
		c, err := decode(current)
		if err != nil {
			return nil, err
		}
		if c.Resolved {
			return nil, apperrors.New(apperrors.ErrAlreadyResolved, fmt.Sprintf("conflict %s already resolved as %s", id, c.Resolution))
		}
		c.Resolved = true
		c.Resolution = resolution
		c.ResolvedAt = now
		c.State = models.ConflictStateResolved
		resolved = c
		return json.Marshal(c)
	})
	if err != nil {
		return nil, err
	}
	return resolved, nil
}
