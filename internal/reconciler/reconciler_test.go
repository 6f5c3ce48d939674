package reconciler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/postcron/internal/domain"
)

// mockStore returns configurable orphaned posts and records purge calls.
type mockStore struct {
	mu       sync.Mutex
	orphans  []domain.Post
	err      error
	purgeErr error
	purged   int
	cutoffs  []time.Time
}

func (s *mockStore) GetOrphanedPosts(ctx context.Context, olderThan time.Time, maxResults int) ([]domain.Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return nil, s.err
	}

	var result []domain.Post
	for _, p := range s.orphans {
		if p.Status == domain.PostStatusFiring && p.ClaimedAt != nil && p.ClaimedAt.Before(olderThan) {
			result = append(result, p)
			if len(result) >= maxResults {
				break
			}
		}
	}
	return result, nil
}

func (s *mockStore) PurgeTerminal(ctx context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cutoffs = append(s.cutoffs, olderThan)
	if s.purgeErr != nil {
		return 0, s.purgeErr
	}
	return s.purged, nil
}

func (s *mockStore) purgeCutoffs() []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]time.Time, len(s.cutoffs))
	copy(result, s.cutoffs)
	return result
}

// mockEmitter tracks emitted events.
type mockEmitter struct {
	mu     sync.Mutex
	events []domain.TriggerEvent
	err    error
}

func (e *mockEmitter) Emit(ctx context.Context, event domain.TriggerEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	e.events = append(e.events, event)
	return nil
}

func (e *mockEmitter) getEvents() []domain.TriggerEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	result := make([]domain.TriggerEvent, len(e.events))
	copy(result, e.events)
	return result
}

type mockMetrics struct {
	mu       sync.Mutex
	orphaned []int
	purged   int
}

func (m *mockMetrics) OrphanedPostsUpdate(count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orphaned = append(m.orphaned, count)
}

func (m *mockMetrics) PostsPurged(count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purged += count
}

func firingPost(now time.Time, claimedAgo time.Duration) domain.Post {
	claimed := now.Add(-claimedAgo)
	return domain.Post{
		ID:        uuid.New(),
		ChatID:    "-100123",
		Text:      "hello",
		FireAt:    claimed.Add(-time.Second),
		Status:    domain.PostStatusFiring,
		ClaimedAt: &claimed,
		CreatedAt: claimed.Add(-time.Hour),
		UpdatedAt: claimed,
	}
}

func newTestReconciler(store Store, emitter EventEmitter, now time.Time) *Reconciler {
	cfg := DefaultConfig()
	cfg.Interval = time.Hour
	cfg.Threshold = 10 * time.Minute
	r := New(cfg, store, emitter)
	r.clock = func() time.Time { return now }
	return r
}

func TestReconciler_ReEmitsOrphanedPost(t *testing.T) {
	store := &mockStore{}
	emitter := &mockEmitter{}
	now := time.Now().UTC()

	orphan := firingPost(now, 15*time.Minute)
	store.orphans = []domain.Post{orphan}

	newTestReconciler(store, emitter, now).runCycle(context.Background())

	events := emitter.getEvents()
	if len(events) != 1 {
		t.Fatalf("expected 1 re-emitted event, got %d", len(events))
	}
	ev := events[0]
	if ev.PostID != orphan.ID {
		t.Errorf("PostID = %s, want original %s", ev.PostID, orphan.ID)
	}
	if ev.ChatID != orphan.ChatID {
		t.Errorf("ChatID = %q, want %q", ev.ChatID, orphan.ChatID)
	}
	if !ev.FireAt.Equal(orphan.FireAt) {
		t.Errorf("FireAt = %v, want %v", ev.FireAt, orphan.FireAt)
	}
	if !ev.FiredAt.Equal(*orphan.ClaimedAt) {
		t.Errorf("FiredAt = %v, want claim time %v", ev.FiredAt, *orphan.ClaimedAt)
	}
	if !ev.CreatedAt.Equal(now) {
		t.Errorf("CreatedAt = %v, want %v", ev.CreatedAt, now)
	}
}

func TestReconciler_IgnoresRecentClaims(t *testing.T) {
	store := &mockStore{}
	emitter := &mockEmitter{}
	now := time.Now().UTC()

	store.orphans = []domain.Post{firingPost(now, 5*time.Minute)}

	newTestReconciler(store, emitter, now).runCycle(context.Background())

	if n := len(emitter.getEvents()); n != 0 {
		t.Errorf("should not re-emit recent claims, got %d events", n)
	}
}

func TestReconciler_BatchSizeRespected(t *testing.T) {
	store := &mockStore{}
	emitter := &mockEmitter{}
	now := time.Now().UTC()

	for i := 0; i < 10; i++ {
		store.orphans = append(store.orphans, firingPost(now, 20*time.Minute))
	}

	r := newTestReconciler(store, emitter, now)
	r.config.BatchSize = 5
	r.runCycle(context.Background())

	if n := len(emitter.getEvents()); n != 5 {
		t.Errorf("expected exactly 5 events (batch size), got %d", n)
	}
}

func TestReconciler_DBErrorAbortsGracefully(t *testing.T) {
	store := &mockStore{err: errors.New("database connection failed")}
	emitter := &mockEmitter{}
	metrics := &mockMetrics{}

	r := newTestReconciler(store, emitter, time.Now().UTC()).WithMetrics(metrics)
	r.runCycle(context.Background())

	if n := len(emitter.getEvents()); n != 0 {
		t.Errorf("should not emit events when DB fails, got %d", n)
	}
	if len(metrics.orphaned) != 0 {
		t.Errorf("orphan gauge should not be updated on error, got %v", metrics.orphaned)
	}
	// Purge still runs after a failed orphan scan.
	if n := len(store.purgeCutoffs()); n != 1 {
		t.Errorf("expected 1 purge call, got %d", n)
	}
}

func TestReconciler_EmitErrorContinues(t *testing.T) {
	store := &mockStore{}
	emitter := &mockEmitter{err: errors.New("buffer full")}
	now := time.Now().UTC()

	for i := 0; i < 3; i++ {
		store.orphans = append(store.orphans, firingPost(now, 20*time.Minute))
	}

	newTestReconciler(store, emitter, now).runCycle(context.Background())

	if n := len(emitter.getEvents()); n != 0 {
		t.Errorf("should have 0 events when emitter fails, got %d", n)
	}
}

func TestReconciler_CancelledContextStopsCycle(t *testing.T) {
	store := &mockStore{}
	emitter := &mockEmitter{}
	now := time.Now().UTC()
	store.orphans = []domain.Post{firingPost(now, 20*time.Minute), firingPost(now, 20*time.Minute)}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	newTestReconciler(store, emitter, now).runCycle(ctx)

	if n := len(emitter.getEvents()); n != 0 {
		t.Errorf("cancelled cycle emitted %d events", n)
	}
	if n := len(store.purgeCutoffs()); n != 0 {
		t.Errorf("cancelled cycle purged %d times", n)
	}
}

func TestReconciler_PurgeUsesRetentionCutoff(t *testing.T) {
	store := &mockStore{purged: 7}
	emitter := &mockEmitter{}
	metrics := &mockMetrics{}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	r := newTestReconciler(store, emitter, now).WithMetrics(metrics)
	r.config.Retention = 48 * time.Hour
	r.runCycle(context.Background())

	cutoffs := store.purgeCutoffs()
	if len(cutoffs) != 1 {
		t.Fatalf("expected 1 purge call, got %d", len(cutoffs))
	}
	if want := now.Add(-48 * time.Hour); !cutoffs[0].Equal(want) {
		t.Errorf("cutoff = %v, want %v", cutoffs[0], want)
	}
	if metrics.purged != 7 {
		t.Errorf("purged metric = %d, want 7", metrics.purged)
	}
	if len(metrics.orphaned) != 1 || metrics.orphaned[0] != 0 {
		t.Errorf("orphan gauge updates = %v, want [0]", metrics.orphaned)
	}
}

func TestReconciler_ZeroRetentionDisablesPurge(t *testing.T) {
	store := &mockStore{}
	emitter := &mockEmitter{}

	r := newTestReconciler(store, emitter, time.Now().UTC())
	r.config.Retention = 0
	r.runCycle(context.Background())

	if n := len(store.purgeCutoffs()); n != 0 {
		t.Errorf("purge called %d times with retention disabled", n)
	}
}

func TestReconciler_PurgeErrorIsSwallowed(t *testing.T) {
	store := &mockStore{purgeErr: errors.New("locked")}
	emitter := &mockEmitter{}
	metrics := &mockMetrics{}

	r := newTestReconciler(store, emitter, time.Now().UTC()).WithMetrics(metrics)
	r.runCycle(context.Background())

	if metrics.purged != 0 {
		t.Errorf("purged metric = %d after error, want 0", metrics.purged)
	}
}

func TestReconciler_RunStopsOnCancel(t *testing.T) {
	store := &mockStore{}
	emitter := &mockEmitter{}

	r := newTestReconciler(store, emitter, time.Now().UTC())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
