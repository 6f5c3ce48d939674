// Package reconciler recovers posts left behind by a crashed process and
// purges old terminal posts.
//
// A post is orphaned when it was claimed (status='firing') but its delivery
// never completed, e.g. the process died mid-send or the event was lost with
// the in-memory bus. Orphans are re-emitted with their original post ID; the
// dispatcher's firing-status guard makes a re-emit of an already completed
// post a no-op. A crash between a successful send and the status update can
// therefore deliver a post twice.
package reconciler

import (
	"context"
	"log"
	"time"

	"github.com/djlord-it/postcron/internal/domain"
)

type Store interface {
	GetOrphanedPosts(ctx context.Context, olderThan time.Time, maxResults int) ([]domain.Post, error)
	PurgeTerminal(ctx context.Context, olderThan time.Time) (int, error)
}

type EventEmitter interface {
	Emit(ctx context.Context, event domain.TriggerEvent) error
}

// MetricsSink is the subset of metrics recorded by the reconciler.
type MetricsSink interface {
	OrphanedPostsUpdate(count int)
	PostsPurged(count int)
}

// Config holds reconciler configuration.
type Config struct {
	// Interval is how often the reconciler runs.
	// Default: 5 minutes.
	Interval time.Duration

	// Threshold is how long a post may stay in firing before it is
	// considered orphaned.
	// Default: 15 minutes.
	Threshold time.Duration

	// BatchSize is the maximum number of orphans to process per cycle.
	// Default: 100.
	BatchSize int

	// Retention is how long terminal posts are kept. Zero disables purging.
	// Default: 168 hours.
	Retention time.Duration
}

// DefaultConfig returns the default reconciler configuration.
func DefaultConfig() Config {
	return Config{
		Interval:  5 * time.Minute,
		Threshold: 15 * time.Minute,
		BatchSize: 100,
		Retention: 168 * time.Hour,
	}
}

type Reconciler struct {
	config  Config
	store   Store
	emitter EventEmitter
	metrics MetricsSink // optional, nil = disabled
	clock   func() time.Time
}

func New(config Config, store Store, emitter EventEmitter) *Reconciler {
	return &Reconciler{
		config:  config,
		store:   store,
		emitter: emitter,
		clock:   time.Now,
	}
}

// WithMetrics attaches a metrics sink to the reconciler.
func (r *Reconciler) WithMetrics(sink MetricsSink) *Reconciler {
	r.metrics = sink
	return r
}

// Run starts the reconciliation loop. It blocks until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	log.Printf("reconciler: started (interval=%s, threshold=%s, batch=%d, retention=%s)",
		r.config.Interval, r.config.Threshold, r.config.BatchSize, r.config.Retention)

	r.runCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Println("reconciler: stopped")
			return
		case <-ticker.C:
			r.runCycle(ctx)
		}
	}
}

func (r *Reconciler) runCycle(ctx context.Context) {
	now := r.clock().UTC()
	r.reemitOrphans(ctx, now)
	r.purge(ctx, now)
}

func (r *Reconciler) reemitOrphans(ctx context.Context, now time.Time) {
	threshold := now.Add(-r.config.Threshold)

	orphans, err := r.store.GetOrphanedPosts(ctx, threshold, r.config.BatchSize)
	if err != nil {
		log.Printf("reconciler: failed to fetch orphans: %v", err)
		return
	}

	if r.metrics != nil {
		r.metrics.OrphanedPostsUpdate(len(orphans))
	}
	if len(orphans) == 0 {
		return
	}

	log.Printf("reconciler: found %d orphaned posts", len(orphans))

	emitted := 0
	failed := 0

	for _, post := range orphans {
		if ctx.Err() != nil {
			log.Printf("reconciler: cycle interrupted, processed %d/%d orphans", emitted+failed, len(orphans))
			return
		}

		firedAt := post.UpdatedAt
		if post.ClaimedAt != nil {
			firedAt = *post.ClaimedAt
		}
		event := domain.TriggerEvent{
			PostID:    post.ID,
			ChatID:    post.ChatID,
			FireAt:    post.FireAt,
			FiredAt:   firedAt,
			CreatedAt: now,
		}

		if err := r.emitter.Emit(ctx, event); err != nil {
			log.Printf("reconciler: failed to re-emit post=%s chat=%s: %v", post.ID, post.ChatID, err)
			failed++
			continue
		}

		log.Printf("reconciler: re-emitted post=%s chat=%s fire_at=%s (stuck=%s)",
			post.ID, post.ChatID, post.FireAt.Format(time.RFC3339),
			now.Sub(firedAt).Round(time.Second))
		emitted++
	}

	log.Printf("reconciler: cycle complete, re-emitted=%d, failed=%d", emitted, failed)
}

func (r *Reconciler) purge(ctx context.Context, now time.Time) {
	if r.config.Retention <= 0 || ctx.Err() != nil {
		return
	}

	n, err := r.store.PurgeTerminal(ctx, now.Add(-r.config.Retention))
	if err != nil {
		log.Printf("reconciler: purge failed: %v", err)
		return
	}
	if n == 0 {
		return
	}
	if r.metrics != nil {
		r.metrics.PostsPurged(n)
	}
	log.Printf("reconciler: purged %d terminal posts older than %s", n, r.config.Retention)
}
