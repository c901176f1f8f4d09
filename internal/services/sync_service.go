// Package services provides the per-session orchestration layer a client
// front end talks to. A SyncService owns one worker's queue, conflicts,
// display cache and scheduler; nothing is process-global.
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	apperrors "github.com/kimhsiao/routesync/internal/errors"
	"github.com/kimhsiao/routesync/internal/kv"
	"github.com/kimhsiao/routesync/internal/logging"
	"github.com/kimhsiao/routesync/internal/metrics"
	"github.com/kimhsiao/routesync/internal/models"
	syncclient "github.com/kimhsiao/routesync/internal/sync"
	"github.com/kimhsiao/routesync/internal/sync/cache"
	"github.com/kimhsiao/routesync/internal/sync/conflict"
	"github.com/kimhsiao/routesync/internal/sync/connectivity"
	"github.com/kimhsiao/routesync/internal/sync/queue"
	"github.com/kimhsiao/routesync/internal/sync/scheduler"
	"github.com/kimhsiao/routesync/internal/uuid"
)

// SyncService coordinates the offline-first write path of one session:
// enqueue durably, show optimistically, flush through the scheduler and
// surface conflicts for resolution.
type SyncService struct {
	store     kv.Store
	client    *syncclient.APIClient
	queue     *queue.Queue
	conflicts *conflict.Store
	resolver  *conflict.Resolver
	cache     *cache.Cache
	scheduler *scheduler.Scheduler
	now       func() time.Time
}

// SyncServiceConfig holds session configuration.
type SyncServiceConfig struct {
	Scheduler scheduler.Config
	Presenter conflict.Presenter // optional, required by ResolveAll
	Metrics   *metrics.Metrics   // optional
	Clock     func() time.Time   // optional
	Rand      func() float64     // optional, jitter source
}

// NewSyncService wires a session over store and client. source reports
// connectivity; nil means always online.
func NewSyncService(store kv.Store, client *syncclient.APIClient, source connectivity.Source, cfg SyncServiceConfig) *SyncService {
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}

	q := queue.New(store, queue.WithClock(now))
	conflicts := conflict.NewStore(store, now)
	stateCache := cache.New(store, now)
	dispatcher := syncclient.NewDispatcher(client)

	opts := []scheduler.Option{
		scheduler.WithClock(now),
		scheduler.WithRefresher(client.Tokens()),
		scheduler.WithMetrics(cfg.Metrics),
	}
	if cfg.Rand != nil {
		opts = append(opts, scheduler.WithRand(cfg.Rand))
	}

	return &SyncService{
		store:     store,
		client:    client,
		queue:     q,
		conflicts: conflicts,
		resolver:  conflict.NewResolver(conflicts, q, dispatcher, stateCache, cfg.Presenter),
		cache:     stateCache,
		scheduler: scheduler.New(cfg.Scheduler, q, conflicts, dispatcher, source, opts...),
		now:       now,
	}
}

// Start recovers items a crash left in flight and starts the scheduler.
func (s *SyncService) Start(ctx context.Context) error {
	recovered, err := s.queue.RecoverInFlight(ctx)
	if err != nil {
		return fmt.Errorf("recover in-flight items: %w", err)
	}
	if recovered > 0 {
		logging.Info("Recovered in-flight queue items", map[string]interface{}{"count": recovered})
	}
	s.scheduler.Start(ctx)
	return nil
}

// Stop stops the scheduler. The store stays open; the caller owns it.
func (s *SyncService) Stop() {
	s.scheduler.Stop()
}

// OnPass registers fn for every completed pass.
func (s *SyncService) OnPass(fn func(scheduler.PassResult)) func() {
	return s.scheduler.Subscribe(fn)
}

// enqueue records a mutation durably and then updates the display cache.
// A cache failure is logged; the mutation is already safe.
func (s *SyncService) enqueue(ctx context.Context, et models.EntityType, action models.Action, key string, payload interface{}) (int64, error) {
	id, err := s.queue.Enqueue(ctx, et, action, payload)
	if err != nil {
		return 0, err
	}

	data, err := json.Marshal(payload)
	if err == nil {
		if action == models.ActionDelete {
			err = s.cache.Evict(ctx, et, key)
		} else {
			err = s.cache.ApplyLocal(ctx, et, key, data)
		}
	}
	if err != nil {
		logging.Warn("Display cache update failed", map[string]interface{}{
			"item_id":     id,
			"entity_type": string(et),
			"entity_key":  key,
			"error":       err.Error(),
		})
	}
	return id, nil
}

// RecordDelivery marks a subscriber delivered or not on a route.
func (s *SyncService) RecordDelivery(ctx context.Context, routeID, subscriberID int64, delivered bool, notes string) (int64, error) {
	p := models.DeliveryPayload{RouteID: routeID, SubscriberID: subscriberID, IsDelivered: delivered, Notes: notes}
	return s.enqueue(ctx, models.EntityDelivery, models.ActionUpdate, p.Key(), p)
}

// ClearDelivery removes a delivery record.
func (s *SyncService) ClearDelivery(ctx context.Context, routeID, subscriberID int64) (int64, error) {
	p := models.DeliveryPayload{RouteID: routeID, SubscriberID: subscriberID}
	return s.enqueue(ctx, models.EntityDelivery, models.ActionDelete, p.Key(), p)
}

// UpdateRouteStatus moves a route forward. The transition is checked against
// the displayed status so obviously invalid moves fail before queuing.
func (s *SyncService) UpdateRouteStatus(ctx context.Context, routeID int64, status models.RouteStatus) (int64, error) {
	if !status.Valid() {
		return 0, apperrors.New(apperrors.ErrValidation, fmt.Sprintf("unknown route status %q", status))
	}
	key := strconv.FormatInt(routeID, 10)
	if current, err := s.cache.Get(ctx, models.EntityRoute, key); err == nil && current != nil {
		var shown models.RoutePayload
		if json.Unmarshal(current.Payload, &shown) == nil && shown.Status.Valid() && !models.CanTransition(shown.Status, status) {
			return 0, apperrors.New(apperrors.ErrInvalidTransition,
				fmt.Sprintf("route %d cannot go from %s to %s", routeID, shown.Status, status))
		}
	}
	return s.enqueue(ctx, models.EntityRoute, models.ActionUpdate, key, models.RoutePayload{RouteID: routeID, Status: status})
}

// RecordWorkingTime stores a day's time sheet.
func (s *SyncService) RecordWorkingTime(ctx context.Context, p models.WorkingTimePayload) (int64, error) {
	if p.EndTime != 0 && p.EndTime < p.StartTime {
		return 0, apperrors.New(apperrors.ErrValidation, "working time ends before it starts")
	}
	return s.enqueue(ctx, models.EntityWorkingTime, models.ActionUpdate, p.Key(), p)
}

// SendMessage queues a new message and returns its uid.
func (s *SyncService) SendMessage(ctx context.Context, routeID int64, body string) (models.UUID, error) {
	if body == "" {
		return "", apperrors.New(apperrors.ErrValidation, "message body is empty")
	}
	p := models.MessagePayload{UID: uuid.NewUID(), RouteID: routeID, Body: body}
	if _, err := s.enqueue(ctx, models.EntityMessage, models.ActionCreate, p.UID.String(), p); err != nil {
		return "", err
	}
	return p.UID, nil
}

// MarkRead queues a read receipt.
func (s *SyncService) MarkRead(ctx context.Context, uid models.UUID) (int64, error) {
	parsed, err := uuid.ParseUID(uid.String())
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrValidation, "message uid", err)
	}
	p := models.MessagePayload{UID: parsed, Read: true}
	return s.enqueue(ctx, models.EntityMessage, models.ActionUpdate, parsed.String(), p)
}

// ForceSync runs a pass now.
func (s *SyncService) ForceSync(ctx context.Context) (scheduler.PassResult, error) {
	return s.scheduler.ForceSync(ctx)
}

// Pending returns every queued item that has not synced.
func (s *SyncService) Pending(ctx context.Context) ([]*models.SyncQueueItem, error) {
	return s.queue.ListPending(ctx)
}

// Conflicts returns every unresolved conflict, oldest first.
func (s *SyncService) Conflicts(ctx context.Context) ([]*models.Conflict, error) {
	return s.resolver.GetUnresolved(ctx)
}

// Resolve applies a choice to one conflict.
func (s *SyncService) Resolve(ctx context.Context, id models.UUID, choice models.Resolution) (*models.Conflict, error) {
	return s.resolver.ResolveOne(ctx, id, choice)
}

// ResolveAll presents conflicts one at a time until none remain.
func (s *SyncService) ResolveAll(ctx context.Context) (int, error) {
	return s.resolver.Run(ctx)
}

// Displayed returns the cached display state of an entity.
func (s *SyncService) Displayed(ctx context.Context, et models.EntityType, key string) (*cache.Entry, error) {
	return s.cache.Get(ctx, et, key)
}

// Reconcile pulls a route's deliveries from the server into the display
// cache. Keys with a queued local mutation keep the local value.
func (s *SyncService) Reconcile(ctx context.Context, routeID int64) (int, error) {
	records, err := s.client.ListRouteDeliveries(ctx, routeID)
	if err != nil {
		return 0, err
	}
	pending, err := s.queue.ListPending(ctx)
	if err != nil {
		return 0, err
	}

	local := make(map[string]bool)
	for _, item := range pending {
		if item.EntityType != models.EntityDelivery {
			continue
		}
		var p models.DeliveryPayload
		if json.Unmarshal(item.Payload, &p) == nil {
			local[p.Key()] = true
		}
	}

	applied := 0
	for _, rec := range records {
		if local[rec.Key()] {
			continue
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return applied, apperrors.Wrap(apperrors.ErrInternal, "encode delivery", err)
		}
		if err := s.cache.Apply(ctx, models.EntityDelivery, rec.Key(), data); err != nil {
			return applied, err
		}
		applied++
	}
	return applied, nil
}

// Status is an ambient snapshot for badges and the CLI.
type Status struct {
	Scheduler  scheduler.Status
	Queue      queue.Stats
	Unresolved int
}

// GetStatus returns the session status.
func (s *SyncService) GetStatus(ctx context.Context) (Status, error) {
	stats, err := s.queue.Stats(ctx)
	if err != nil {
		return Status{}, err
	}
	open, err := s.conflicts.GetUnresolved(ctx)
	if err != nil {
		return Status{}, err
	}
	return Status{
		Scheduler:  s.scheduler.GetStatus(),
		Queue:      stats,
		Unresolved: len(open),
	}, nil
}
