package conflict

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"

	apperrors "github.com/kimhsiao/routesync/internal/errors"
	"github.com/kimhsiao/routesync/internal/logging"
	"github.com/kimhsiao/routesync/internal/models"
)

// ErrDeferred is returned by a Presenter when the worker postpones the
// decision. Resolver.Run stops without error.
var ErrDeferred = stderrors.New("conflict resolution deferred")

// Presenter shows one conflict and returns the worker's choice.
type Presenter interface {
	Present(ctx context.Context, c *models.Conflict, remaining int) (models.Resolution, error)
}

// PresenterFunc adapts a function to Presenter.
type PresenterFunc func(ctx context.Context, c *models.Conflict, remaining int) (models.Resolution, error)

// Present calls f.
func (f PresenterFunc) Present(ctx context.Context, c *models.Conflict, remaining int) (models.Resolution, error) {
	return f(ctx, c, remaining)
}

// ItemQueue is the subset of the sync queue the resolver acts on.
type ItemQueue interface {
	Get(ctx context.Context, id int64) (*models.SyncQueueItem, error)
	Remove(ctx context.Context, id int64) error
}

// Redispatcher sends a queued mutation to the server with local winning,
// bypassing conflict detection.
type Redispatcher interface {
	Redispatch(ctx context.Context, item *models.SyncQueueItem) error
}

// StateCache holds the locally displayed state of synced entities.
type StateCache interface {
	Apply(ctx context.Context, entityType models.EntityType, key string, payload json.RawMessage) error
}

// Resolver applies resolutions and presents remaining conflicts.
type Resolver struct {
	store     *Store
	queue     ItemQueue
	dispatch  Redispatcher
	cache     StateCache
	presenter Presenter
}

// NewResolver wires a Resolver. presenter may be nil when only ResolveOne
// is used.
func NewResolver(store *Store, queue ItemQueue, dispatch Redispatcher, cache StateCache, presenter Presenter) *Resolver {
	return &Resolver{
		store:     store,
		queue:     queue,
		dispatch:  dispatch,
		cache:     cache,
		presenter: presenter,
	}
}

// GetUnresolved returns every unresolved conflict, oldest first.
func (r *Resolver) GetUnresolved(ctx context.Context) ([]*models.Conflict, error) {
	return r.store.GetUnresolved(ctx)
}

// ResolveOne applies choice to one conflict. Side effects run before the
// conflict is marked resolved, so a failure leaves it open for another try.
func (r *Resolver) ResolveOne(ctx context.Context, id models.UUID, choice models.Resolution) (*models.Conflict, error) {
	c, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	state, err := Resolve(c, choice)
	if err != nil {
		return nil, err
	}

	switch choice {
	case models.ResolutionLocal:
		if err := r.applyLocal(ctx, c); err != nil {
			return nil, err
		}
	case models.ResolutionServer:
		if err := r.applyServer(ctx, c, state); err != nil {
			return nil, err
		}
	}

	resolved, err := r.store.MarkResolved(ctx, c.ID, choice)
	if err != nil {
		return nil, err
	}

	logging.Info("Conflict resolved",
		map[string]interface{}{
			"conflict_id": c.ID.String(),
			"entity_type": string(c.EntityType),
			"entity_key":  c.EntityKey,
			"resolution":  string(choice),
		})
	return resolved, nil
}

// applyLocal forces the queued mutation through and drops it from the queue.
func (r *Resolver) applyLocal(ctx context.Context, c *models.Conflict) error {
	item, err := r.queue.Get(ctx, c.QueueItemID)
	if apperrors.Is(err, apperrors.ErrQueueItemNotFound) {
		// already applied by an earlier attempt that crashed before marking
		return nil
	}
	if err != nil {
		return err
	}
	if err := r.dispatch.Redispatch(ctx, item); err != nil {
		return fmt.Errorf("redispatch queue item %d: %w", item.ID, err)
	}
	if err := r.queue.Remove(ctx, item.ID); err != nil && !apperrors.Is(err, apperrors.ErrQueueItemNotFound) {
		return err
	}
	if r.cache != nil {
		return r.cache.Apply(ctx, c.EntityType, c.EntityKey, c.LocalVersion.Payload)
	}
	return nil
}

// applyServer discards the queued mutation and shows the server value.
func (r *Resolver) applyServer(ctx context.Context, c *models.Conflict, state CanonicalState) error {
	if err := r.queue.Remove(ctx, c.QueueItemID); err != nil && !apperrors.Is(err, apperrors.ErrQueueItemNotFound) {
		return err
	}
	if r.cache != nil {
		return r.cache.Apply(ctx, state.EntityType, state.EntityKey, state.Payload)
	}
	return nil
}

// Run presents unresolved conflicts one at a time, oldest first, until none
// remain or the presenter defers. It returns how many were resolved.
func (r *Resolver) Run(ctx context.Context) (int, error) {
	if r.presenter == nil {
		return 0, apperrors.New(apperrors.ErrInternal, "resolver has no presenter")
	}

	resolved := 0
	for {
		if err := ctx.Err(); err != nil {
			return resolved, err
		}

		open, err := r.store.GetUnresolved(ctx)
		if err != nil {
			return resolved, err
		}
		if len(open) == 0 {
			return resolved, nil
		}

		next := open[0]
		choice, err := r.presenter.Present(ctx, next, len(open))
		if stderrors.Is(err, ErrDeferred) {
			return resolved, nil
		}
		if err != nil {
			return resolved, err
		}

		if _, err := r.ResolveOne(ctx, next.ID, choice); err != nil {
			return resolved, err
		}
		resolved++
	}
}
