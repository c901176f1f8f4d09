// Package cache holds the state a client session displays for each synced
// entity. Local mutations are written here optimistically when they are
// queued; server values replace them when a conflict resolves for the server
// or a reconciliation pull returns.
package cache

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	apperrors "github.com/kimhsiao/routesync/internal/errors"
	"github.com/kimhsiao/routesync/internal/kv"
	"github.com/kimhsiao/routesync/internal/models"
)

// Bucket is the kv bucket cache entries live in.
const Bucket = "state_cache"

// Source records where the displayed value came from.
type Source string

const (
	SourceLocal  Source = "local"
	SourceServer Source = "server"
)

// Entry is the displayed state of one entity.
type Entry struct {
	EntityType models.EntityType `json:"entity_type"`
	EntityKey  string            `json:"entity_key"`
	Payload    json.RawMessage   `json:"payload"`
	Source     Source            `json:"source"`
	UpdatedAt  int64             `json:"updated_at"`
}

// Cache is a kv-backed entity state cache.
type Cache struct {
	store kv.Store
	now   func() time.Time
}

// New creates a Cache over store.
func New(store kv.Store, now func() time.Time) *Cache {
	if now == nil {
		now = time.Now
	}
	return &Cache{store: store, now: now}
}

func entryKey(entityType models.EntityType, key string) string {
	return string(entityType) + "/" + key
}

// Apply writes the server's value. It implements conflict.StateCache.
func (c *Cache) Apply(ctx context.Context, entityType models.EntityType, key string, payload json.RawMessage) error {
	return c.put(ctx, entityType, key, payload, SourceServer)
}

// ApplyLocal writes a value the user just produced.
func (c *Cache) ApplyLocal(ctx context.Context, entityType models.EntityType, key string, payload json.RawMessage) error {
	return c.put(ctx, entityType, key, payload, SourceLocal)
}

func (c *Cache) put(ctx context.Context, entityType models.EntityType, key string, payload json.RawMessage, source Source) error {
	if key == "" {
		return apperrors.New(apperrors.ErrValidation, "cache key is empty")
	}
	data, err := json.Marshal(Entry{
		EntityType: entityType,
		EntityKey:  key,
		Payload:    payload,
		Source:     source,
		UpdatedAt:  c.now().UnixMilli(),
	})
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "encode cache entry", err)
	}
	return c.store.Put(ctx, Bucket, entryKey(entityType, key), data)
}

// Get returns the displayed state of an entity, or nil when none is cached.
func (c *Cache) Get(ctx context.Context, entityType models.EntityType, key string) (*Entry, error) {
	raw, ok, err := c.store.Get(ctx, Bucket, entryKey(entityType, key))
	if err != nil || !ok {
		return nil, err
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrPersistence, "decode cache entry", err)
	}
	return &e, nil
}

// List returns every cached entity of a type ordered by key.
func (c *Cache) List(ctx context.Context, entityType models.EntityType) ([]*Entry, error) {
	records, err := c.store.GetAllByIndex(ctx, Bucket, "entity_type", string(entityType))
	if err != nil {
		return nil, err
	}
	entries := make([]*Entry, 0, len(records))
	for _, rec := range records {
		var e Entry
		if err := json.Unmarshal(rec.Value, &e); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrPersistence, "decode cache entry", err)
		}
		entries = append(entries, &e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].EntityKey < entries[j].EntityKey })
	return entries, nil
}

// Evict removes an entity, used when a delete is confirmed.
func (c *Cache) Evict(ctx context.Context, entityType models.EntityType, key string) error {
	_, err := c.store.Delete(ctx, Bucket, entryKey(entityType, key))
	return err
}
