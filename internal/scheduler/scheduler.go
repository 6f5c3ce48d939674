package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	once "github.com/djlord-it/postcron/internal/cron"
	"github.com/djlord-it/postcron/internal/domain"
	"github.com/djlord-it/postcron/internal/media"
)

// ErrNotClaimable is returned by the store when a post is no longer pending.
var ErrNotClaimable = errors.New("post is not pending")

type Store interface {
	ListPending(ctx context.Context, limit, offset int) ([]domain.Post, error)
	ClaimPost(ctx context.Context, id uuid.UUID, now time.Time) error
	MarkMissed(ctx context.Context, id uuid.UUID, now time.Time) error
}

type EventEmitter interface {
	Emit(ctx context.Context, event domain.TriggerEvent) error
}

// MetricsSink is the subset of metrics recorded by the scheduler.
type MetricsSink interface {
	PostScheduled()
	PostFired(lateness time.Duration)
	PostMissed()
	SyncCompleted(duration time.Duration, registered int, err error)
	PendingEntriesUpdate(count int)
	CleanupFailed(count int)
}

// staleEntryAfter is how long past FireAt a registered entry may stay
// pending before Sync treats it as never scheduled.
const staleEntryAfter = 5 * time.Second

type Config struct {
	SyncInterval  time.Duration
	MisfireGrace  time.Duration
	SyncBatchSize int
}

// Scheduler keeps one robfig/cron entry per pending post. When an entry
// fires, the post is claimed in the store and a trigger event is emitted.
// The store claim guarantees a post fires at most once across instances.
type Scheduler struct {
	config  Config
	store   Store
	emitter EventEmitter
	metrics MetricsSink
	clock   func() time.Time

	mu      sync.Mutex
	engine  *cron.Cron
	entries map[uuid.UUID]cron.EntryID
	ctx     context.Context
}

func New(config Config, store Store, emitter EventEmitter) *Scheduler {
	if config.SyncBatchSize <= 0 {
		config.SyncBatchSize = 500
	}
	return &Scheduler{
		config:  config,
		store:   store,
		emitter: emitter,
		clock:   time.Now,
		entries: make(map[uuid.UUID]cron.EntryID),
	}
}

// WithMetrics attaches a metrics sink to the scheduler.
func (s *Scheduler) WithMetrics(m MetricsSink) *Scheduler {
	s.metrics = m
	return s
}

// WithClock replaces the time source used for overdue checks and claims.
func (s *Scheduler) WithClock(clock func() time.Time) *Scheduler {
	s.clock = clock
	return s
}

// Run starts the engine, registers every pending post, and re-syncs with the
// store every SyncInterval until ctx is cancelled. Run may be called again
// after it returns.
func (s *Scheduler) Run(ctx context.Context) error {
	engine := cron.New(cron.WithLocation(time.UTC))

	s.mu.Lock()
	s.engine = engine
	s.entries = make(map[uuid.UUID]cron.EntryID)
	s.ctx = ctx
	s.mu.Unlock()

	engine.Start()
	defer s.stop(engine)

	log.Printf("scheduler: started, sync=%s grace=%s", s.config.SyncInterval, s.config.MisfireGrace)
	s.syncAndReport(ctx)

	ticker := time.NewTicker(s.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("scheduler: stopped")
			return ctx.Err()
		case <-ticker.C:
			s.syncAndReport(ctx)
		}
	}
}

func (s *Scheduler) stop(engine *cron.Cron) {
	<-engine.Stop().Done()

	s.mu.Lock()
	s.engine = nil
	s.entries = make(map[uuid.UUID]cron.EntryID)
	s.mu.Unlock()
	s.reportPending(0)
}

func (s *Scheduler) syncAndReport(ctx context.Context) {
	start := time.Now()
	n, err := s.Sync(ctx)
	if s.metrics != nil {
		s.metrics.SyncCompleted(time.Since(start), n, err)
	}
	if err != nil {
		log.Printf("scheduler: sync error: %v", err)
	}
}

// Sync loads all pending posts and registers those the engine does not know
// yet. Overdue posts fire immediately when within the misfire grace and are
// marked missed otherwise. Returns the number of newly registered posts.
func (s *Scheduler) Sync(ctx context.Context) (int, error) {
	pending, err := s.listFrom(ctx, 0)
	if err != nil {
		return 0, err
	}

	registered := 0
	for _, post := range pending {
		if ctx.Err() != nil {
			return registered, ctx.Err()
		}
		if s.schedule(post, false) {
			registered++
		}
	}
	return registered, nil
}

// Schedule registers a newly created post. Registering a known post is a
// no-op. When the scheduler is not running the post is picked up by the
// next Sync.
func (s *Scheduler) Schedule(post domain.Post) {
	s.schedule(post, true)
}

func (s *Scheduler) schedule(post domain.Post, async bool) bool {
	s.mu.Lock()
	if s.engine == nil {
		s.mu.Unlock()
		return false
	}
	now := s.clock().UTC()
	if entryID, ok := s.entries[post.ID]; ok {
		if now.Sub(post.FireAt) < staleEntryAfter {
			s.mu.Unlock()
			return false
		}
		// Still pending well after its fire time: the engine computed no
		// activation for it (registered too close to FireAt).
		delete(s.entries, post.ID)
		s.engine.Remove(entryID)
	}

	if !post.FireAt.After(now) {
		ctx := s.ctx
		s.mu.Unlock()
		if async {
			go s.overdue(ctx, post, now)
		} else {
			s.overdue(ctx, post, now)
		}
		return false
	}

	p := post
	id := s.engine.Schedule(once.At(p.FireAt), cron.FuncJob(func() { s.fire(p) }))
	s.entries[p.ID] = id
	n := len(s.entries)
	s.mu.Unlock()

	log.Printf("scheduler: registered post=%s chat=%s fire_at=%s", p.ID, p.ChatID, p.FireAt.Format(time.RFC3339))
	if s.metrics != nil {
		s.metrics.PostScheduled()
	}
	s.reportPending(n)
	return true
}

// Unschedule removes the engine entry for id, if any.
func (s *Scheduler) Unschedule(id uuid.UUID) {
	if s.unregister(id) {
		log.Printf("scheduler: unregistered post=%s", id)
	}
}

// List returns pending posts in fire order. A limit <= 0 returns every
// pending post from offset on.
func (s *Scheduler) List(ctx context.Context, limit, offset int) ([]domain.Post, error) {
	if limit <= 0 {
		return s.listFrom(ctx, offset)
	}
	return s.store.ListPending(ctx, limit, offset)
}

// listFrom pages through the pending set in SyncBatchSize pages.
func (s *Scheduler) listFrom(ctx context.Context, offset int) ([]domain.Post, error) {
	var pending []domain.Post
	for {
		page, err := s.store.ListPending(ctx, s.config.SyncBatchSize, offset)
		if err != nil {
			return nil, fmt.Errorf("list pending: %w", err)
		}
		pending = append(pending, page...)
		if len(page) < s.config.SyncBatchSize {
			return pending, nil
		}
		offset += len(page)
	}
}

// Registered reports whether id currently has an engine entry.
func (s *Scheduler) Registered(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[id]
	return ok
}

func (s *Scheduler) unregister(id uuid.UUID) bool {
	s.mu.Lock()
	entryID, ok := s.entries[id]
	if ok {
		delete(s.entries, id)
		if s.engine != nil {
			s.engine.Remove(entryID)
		}
	}
	n := len(s.entries)
	s.mu.Unlock()

	if ok {
		s.reportPending(n)
	}
	return ok
}

func (s *Scheduler) runContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}

func (s *Scheduler) fire(post domain.Post) {
	s.unregister(post.ID)
	s.claimAndEmit(s.runContext(), post)
}

func (s *Scheduler) overdue(ctx context.Context, post domain.Post, now time.Time) {
	late := now.Sub(post.FireAt)
	if late <= s.config.MisfireGrace {
		log.Printf("scheduler: post=%s overdue by %s, firing now", post.ID, late.Round(time.Millisecond))
		s.claimAndEmit(ctx, post)
		return
	}

	if err := s.store.MarkMissed(ctx, post.ID, now); err != nil {
		if !errors.Is(err, ErrNotClaimable) {
			log.Printf("scheduler: mark missed post=%s error: %v", post.ID, err)
		}
		return
	}
	log.Printf("scheduler: missed post=%s late=%s grace=%s", post.ID, late.Round(time.Second), s.config.MisfireGrace)
	if s.metrics != nil {
		s.metrics.PostMissed()
	}
	if errs := media.Release(post.MediaRefs); len(errs) > 0 && s.metrics != nil {
		s.metrics.CleanupFailed(len(errs))
	}
}

func (s *Scheduler) claimAndEmit(ctx context.Context, post domain.Post) {
	now := s.clock().UTC()

	if err := s.store.ClaimPost(ctx, post.ID, now); err != nil {
		if errors.Is(err, ErrNotClaimable) {
			// Cancelled, or fired by another instance.
			return
		}
		// The post stays pending; the next Sync retries it.
		log.Printf("scheduler: claim post=%s error: %v", post.ID, err)
		return
	}

	if s.metrics != nil {
		s.metrics.PostFired(now.Sub(post.FireAt))
	}

	event := domain.TriggerEvent{
		PostID:    post.ID,
		ChatID:    post.ChatID,
		FireAt:    post.FireAt,
		FiredAt:   now,
		CreatedAt: now,
	}
	if err := s.emitter.Emit(ctx, event); err != nil {
		// The reconciler re-emits posts left in firing.
		log.Printf("scheduler: emit post=%s error: %v", post.ID, err)
		return
	}

	log.Printf("scheduler: fired post=%s fire_at=%s", post.ID, post.FireAt.Format(time.RFC3339))
}

func (s *Scheduler) reportPending(n int) {
	if s.metrics != nil {
		s.metrics.PendingEntriesUpdate(n)
	}
}
