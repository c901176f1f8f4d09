// Package scheduler drives the durable queue to the server: it decides per
// item whether to dispatch, routes every outcome to the right queue
// transition, and keeps at most one pass running at a time.
package scheduler

import (
	"context"
	stderrors "errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/kimhsiao/routesync/internal/errors"
	"github.com/kimhsiao/routesync/internal/logging"
	"github.com/kimhsiao/routesync/internal/metrics"
	"github.com/kimhsiao/routesync/internal/models"
	"github.com/kimhsiao/routesync/internal/sync/connectivity"
)

// ErrPassInProgress is returned by ForceSync when a pass is already running.
// The trigger is dropped, not queued.
var ErrPassInProgress = stderrors.New("sync pass already in progress")

// Queue is the durable queue surface the scheduler needs.
type Queue interface {
	ListPending(ctx context.Context) ([]*models.SyncQueueItem, error)
	MarkStatus(ctx context.Context, id int64, status models.QueueStatus, cause error) error
	Remove(ctx context.Context, id int64) error
	Block(ctx context.Context, id int64, conflictID models.UUID) error
	Reset(ctx context.Context, id int64) error
	Exhaust(ctx context.Context, id int64, cause error, maxRetries int) error
}

// ConflictRecorder persists a detected divergence.
type ConflictRecorder interface {
	Create(ctx context.Context, item *models.SyncQueueItem, ce *apperrors.ConflictError) (*models.Conflict, error)
}

// Handler sends one queued mutation to the server.
type Handler interface {
	Dispatch(ctx context.Context, item *models.SyncQueueItem) error
}

// Refresher renews credentials after an auth failure.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Config holds scheduler configuration.
type Config struct {
	Interval    time.Duration // periodic tick while online (default: 120s)
	MaxRetries  int           // attempts before an item is terminal (default: 5)
	BackoffBase time.Duration // default: 1s
	BackoffCap  time.Duration // default: 5m
	Jitter      float64       // ± fraction applied to each backoff (default: 0.2)
	PassTimeout time.Duration // upper bound on one pass (default: 5m)
}

// DefaultConfig returns default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		Interval:    120 * time.Second,
		MaxRetries:  5,
		BackoffBase: time.Second,
		BackoffCap:  5 * time.Minute,
		Jitter:      0.2,
		PassTimeout: 5 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = d.BackoffCap
	}
	if c.Jitter < 0 {
		c.Jitter = 0
	}
	if c.PassTimeout <= 0 {
		c.PassTimeout = d.PassTimeout
	}
	return c
}

// PassResult summarizes one pass.
type PassResult struct {
	Success   int `json:"success"`
	Failed    int `json:"failed"`
	Conflicts int `json:"conflicts"`
	Skipped   int `json:"skipped"`
}

// Trigger names what started a pass.
type Trigger string

const (
	TriggerOnline Trigger = "online"
	TriggerTick   Trigger = "tick"
	TriggerForce  Trigger = "force"
)

// Scheduler runs sync passes over a Queue.
type Scheduler struct {
	cfg       Config
	queue     Queue
	conflicts ConflictRecorder
	handler   Handler
	refresher Refresher
	source    connectivity.Source
	metrics   *metrics.Metrics
	now       func() time.Time
	rand      func() float64

	running atomic.Bool // single-flight flag for passes

	mu         sync.Mutex
	started    bool
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	listeners  map[int]func(PassResult)
	nextID     int
	lastPass   time.Time
	lastResult PassResult
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithRand overrides the jitter source; fn must return values in [0, 1).
func WithRand(fn func() float64) Option {
	return func(s *Scheduler) { s.rand = fn }
}

// WithRefresher sets the credential refresher used on auth failures.
func WithRefresher(r Refresher) Option {
	return func(s *Scheduler) { s.refresher = r }
}

// WithMetrics records pass and item counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// New creates a Scheduler. source may be nil, in which case the scheduler
// assumes it is always online.
func New(cfg Config, q Queue, conflicts ConflictRecorder, handler Handler, source connectivity.Source, opts ...Option) *Scheduler {
	s := &Scheduler{
		cfg:       cfg.withDefaults(),
		queue:     q,
		conflicts: conflicts,
		handler:   handler,
		source:    source,
		now:       time.Now,
		rand:      rand.Float64,
		listeners: make(map[int]func(PassResult)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe registers fn to receive every pass result. The returned func
// unsubscribes.
func (s *Scheduler) Subscribe(fn func(PassResult)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// Online reports the connectivity state.
func (s *Scheduler) Online() bool {
	return s.source == nil || s.source.Online()
}

// Start listens for connectivity transitions and runs the periodic tick
// until Stop or ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	var unsubscribe func()
	if s.source != nil {
		unsubscribe = s.source.Subscribe(func(online bool) {
			if !online || ctx.Err() != nil {
				return
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.trigger(ctx, TriggerOnline)
			}()
		})
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if unsubscribe != nil {
			defer unsubscribe()
		}
		s.tickLoop(ctx)
	}()

	logging.Info("Sync scheduler started",
		map[string]interface{}{"interval_seconds": s.cfg.Interval.Seconds()})
}

// Stop cancels the loops and waits for an in-flight pass to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()

	logging.Info("Sync scheduler stopped", nil)
}

func (s *Scheduler) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.Online() {
				logging.Debug("Skipping tick - offline", nil)
				continue
			}
			s.trigger(ctx, TriggerTick)
		}
	}
}

// ForceSync runs a pass now and returns its result. Unlike the background
// triggers it runs even while the source reports offline; item failures are
// then classified as usual.
func (s *Scheduler) ForceSync(ctx context.Context) (PassResult, error) {
	result, ran := s.trigger(ctx, TriggerForce)
	if !ran {
		return PassResult{}, ErrPassInProgress
	}
	return result, nil
}

// trigger runs one pass unless another is in flight.
func (s *Scheduler) trigger(ctx context.Context, trigger Trigger) (PassResult, bool) {
	if !s.running.CompareAndSwap(false, true) {
		logging.Debug("Sync pass already in progress, dropping trigger",
			map[string]interface{}{"trigger": string(trigger)})
		return PassResult{}, false
	}
	defer s.running.Store(false)

	passCtx, cancel := context.WithTimeout(ctx, s.cfg.PassTimeout)
	defer cancel()

	result := s.runPass(passCtx, trigger)

	s.mu.Lock()
	s.lastPass = s.now()
	s.lastResult = result
	fns := make([]func(PassResult), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(result)
	}
	return result, true
}

// due reports whether item's backoff window has elapsed.
func (s *Scheduler) due(item *models.SyncQueueItem, now time.Time) bool {
	if item.LastAttemptAt == 0 {
		return true
	}
	wait := Jitter(Backoff(item.RetryCount, s.cfg.BackoffBase, s.cfg.BackoffCap), s.cfg.Jitter, s.rand())
	return now.Sub(time.UnixMilli(item.LastAttemptAt)) >= wait
}

func (s *Scheduler) runPass(ctx context.Context, trigger Trigger) PassResult {
	var result PassResult

	items, err := s.queue.ListPending(ctx)
	if err != nil {
		logging.ErrorWithCode("Failed to list pending items", string(apperrors.CodeOf(err)), err)
		return result
	}
	s.metrics.PassStarted(string(trigger), len(items))
	if len(items) == 0 {
		return result
	}

	logging.Info("Starting sync pass",
		map[string]interface{}{"trigger": string(trigger), "pending": len(items)})

	for _, item := range items {
		if ctx.Err() != nil {
			break
		}

		switch {
		case item.RetryCount >= s.cfg.MaxRetries:
			if item.Status != models.QueueStatusFailed {
				s.bookkeep(item, "exhaust", s.queue.Exhaust(s.detached(ctx), item.ID, nil, s.cfg.MaxRetries))
			}
			result.Skipped++
			s.metrics.ItemHandled("terminal")
		case item.Blocked():
			result.Skipped++
			s.metrics.ItemHandled("blocked")
		case !s.due(item, s.now()):
			result.Skipped++
			s.metrics.ItemHandled("backoff")
		default:
			s.dispatch(ctx, item, &result)
		}
	}

	logging.Info("Sync pass completed",
		map[string]interface{}{
			"trigger":   string(trigger),
			"success":   result.Success,
			"failed":    result.Failed,
			"conflicts": result.Conflicts,
			"skipped":   result.Skipped,
		})
	return result
}

// detached keeps queue bookkeeping alive when the pass context is cancelled
// mid-dispatch, so no item is left in syncing.
func (s *Scheduler) detached(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

func (s *Scheduler) bookkeep(item *models.SyncQueueItem, op string, err error) {
	if err == nil || apperrors.Is(err, apperrors.ErrQueueItemNotFound) {
		return
	}
	logging.Error("Queue bookkeeping failed", err,
		map[string]interface{}{"item_id": item.ID, "op": op})
}

// dispatch sends one item and applies the outcome. Every error class maps to
// exactly one queue transition.
func (s *Scheduler) dispatch(ctx context.Context, item *models.SyncQueueItem, result *PassResult) {
	bg := s.detached(ctx)

	if err := s.queue.MarkStatus(bg, item.ID, models.QueueStatusSyncing, nil); err != nil {
		// removed concurrently, e.g. by a conflict resolution
		s.bookkeep(item, "mark syncing", err)
		result.Skipped++
		return
	}

	err := s.handler.Dispatch(ctx, item)
	fields := map[string]interface{}{
		"item_id":     item.ID,
		"entity_type": string(item.EntityType),
		"action":      string(item.Action),
		"retry_count": item.RetryCount,
	}

	if err == nil {
		s.bookkeep(item, "remove", s.queue.Remove(bg, item.ID))
		result.Success++
		s.metrics.ItemHandled("success")
		logging.Debug("Queue item synced", fields)
		return
	}

	if ce, ok := apperrors.AsConflict(err); ok {
		c, cerr := s.conflicts.Create(bg, item, ce)
		if cerr != nil {
			// detection reruns on the next pass
			logging.Error("Failed to record conflict", cerr, fields)
			s.bookkeep(item, "reset", s.queue.Reset(bg, item.ID))
			result.Skipped++
			return
		}
		s.bookkeep(item, "block", s.queue.Block(bg, item.ID, c.ID))
		result.Conflicts++
		s.metrics.ItemHandled("conflict")
		return
	}

	switch {
	case apperrors.Is(err, apperrors.ErrAuth):
		if s.refresher != nil {
			if rerr := s.refresher.Refresh(bg); rerr != nil {
				logging.Error("Credential refresh failed", rerr, fields)
			}
		}
		s.bookkeep(item, "reset", s.queue.Reset(bg, item.ID))
		result.Skipped++
		s.metrics.ItemHandled("auth")
		logging.Warn("Queue item rejected for credentials, not counted", fields)
	case !apperrors.Retryable(err):
		s.bookkeep(item, "exhaust", s.queue.Exhaust(bg, item.ID, err, s.cfg.MaxRetries))
		result.Failed++
		s.metrics.ItemHandled("invalid")
		logging.ErrorWithCode("Queue item rejected as invalid", string(apperrors.CodeOf(err)), err, fields)
	default:
		s.bookkeep(item, "mark failed", s.queue.MarkStatus(bg, item.ID, models.QueueStatusFailed, err))
		result.Failed++
		s.metrics.ItemHandled("failed")
		logging.Warn("Queue item failed, will retry", fields, map[string]interface{}{"error": err.Error()})
	}
}

// Status is a snapshot of the scheduler.
type Status struct {
	Running    bool
	Online     bool
	InProgress bool
	LastPass   *time.Time
	LastResult PassResult
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := Status{
		Running:    s.started,
		Online:     s.Online(),
		InProgress: s.running.Load(),
		LastResult: s.lastResult,
	}
	if !s.lastPass.IsZero() {
		last := s.lastPass
		status.LastPass = &last
	}
	return status
}
