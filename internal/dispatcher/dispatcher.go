package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/postcron/internal/domain"
	"github.com/djlord-it/postcron/internal/media"
)

var defaultBackoff = []time.Duration{
	0,
	30 * time.Second,
	2 * time.Minute,
	10 * time.Minute,
}

// DefaultDrainTimeout is the maximum time to wait for buffered events during shutdown.
const DefaultDrainTimeout = 30 * time.Second

// finishTimeout bounds the cleanup and status update after the last attempt.
const finishTimeout = 10 * time.Second

type Store interface {
	GetPost(ctx context.Context, id uuid.UUID) (domain.Post, error)
	InsertDeliveryAttempt(ctx context.Context, attempt domain.DeliveryAttempt) error
	// CompletePost records the terminal status of a firing post.
	// Implementations MUST reject posts that are not firing with
	// ErrStatusTransitionDenied so that replays are harmless.
	CompletePost(ctx context.Context, id uuid.UUID, status domain.PostStatus, attempts int, lastErr string, now time.Time) error
}

type AnalyticsSink interface {
	Record(ctx context.Context, post domain.Post, outcome domain.DeliveryOutcome)
}

// MetricsSink defines the interface for recording dispatcher metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	DeliveryAttemptCompleted(attempt int, class string, duration time.Duration)
	DeliveryOutcome(outcome string)
	RetryAttempt()
	EventsInFlightIncr()
	EventsInFlightDecr()
	CleanupFailed(count int)
}

// Breaker gates attempts per chat.
type Breaker interface {
	Allow(key string) error
	RecordSuccess(key string)
	RecordFailure(key string)
}

// Dispatcher delivers fired posts. Whatever the outcome, once the last
// attempt ends the post's local media is released and its status recorded.
type Dispatcher struct {
	store        Store
	transport    Transport     // nil = no bot token; every post fails
	analytics    AnalyticsSink // optional, nil = disabled
	metrics      MetricsSink   // optional, nil = disabled
	breaker      Breaker       // optional, nil = disabled
	backoff      []time.Duration
	maxAttempts  int
	workers      int
	drainTimeout time.Duration
}

func New(store Store, transport Transport) *Dispatcher {
	return &Dispatcher{
		store:        store,
		transport:    transport,
		backoff:      defaultBackoff,
		maxAttempts:  1,
		workers:      1,
		drainTimeout: DefaultDrainTimeout,
	}
}

func (d *Dispatcher) WithAnalytics(sink AnalyticsSink) *Dispatcher {
	d.analytics = sink
	return d
}

// WithMetrics attaches a metrics sink to the dispatcher.
func (d *Dispatcher) WithMetrics(sink MetricsSink) *Dispatcher {
	d.metrics = sink
	return d
}

// WithBreaker attaches a per-chat circuit breaker.
func (d *Dispatcher) WithBreaker(b Breaker) *Dispatcher {
	d.breaker = b
	return d
}

// WithMaxAttempts bounds delivery attempts per post. 1 disables retries.
func (d *Dispatcher) WithMaxAttempts(n int) *Dispatcher {
	if n >= 1 {
		d.maxAttempts = n
	}
	return d
}

// WithWorkers sets the number of concurrent delivery workers used by Run.
func (d *Dispatcher) WithWorkers(n int) *Dispatcher {
	if n >= 1 {
		d.workers = n
	}
	return d
}

func (d *Dispatcher) WithDrainTimeout(t time.Duration) *Dispatcher {
	if t > 0 {
		d.drainTimeout = t
	}
	return d
}

// Run processes events from the channel with the configured number of
// workers until ctx is cancelled. After cancellation each worker drains
// remaining buffered events with a timeout.
func (d *Dispatcher) Run(ctx context.Context, ch <-chan domain.TriggerEvent) {
	log.Printf("dispatcher: started, workers=%d max_attempts=%d", d.workers, d.maxAttempts)

	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.work(ctx, ch)
		}()
	}
	wg.Wait()
	log.Println("dispatcher: stopped")
}

func (d *Dispatcher) work(ctx context.Context, ch <-chan domain.TriggerEvent) {
	for {
		select {
		case <-ctx.Done():
			d.drain(ch)
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if err := d.Dispatch(ctx, event); err != nil {
				log.Printf("dispatcher: error: %v", err)
			}
		}
	}
}

// drain processes remaining events in the channel buffer after shutdown signal.
// Uses a background context since the main context is already cancelled.
func (d *Dispatcher) drain(ch <-chan domain.TriggerEvent) {
	drainCtx, cancel := context.WithTimeout(context.Background(), d.drainTimeout)
	defer cancel()

	count := 0
	for {
		select {
		case <-drainCtx.Done():
			if count > 0 {
				log.Printf("dispatcher: drain timeout, processed %d events", count)
			}
			return
		case event, ok := <-ch:
			if !ok {
				log.Printf("dispatcher: drain complete, processed %d events", count)
				return
			}
			if err := d.Dispatch(drainCtx, event); err != nil {
				log.Printf("dispatcher: drain error: %v", err)
			}
			count++
		default:
			if count > 0 {
				log.Printf("dispatcher: drain complete, processed %d events", count)
			}
			return
		}
	}
}

// Dispatch delivers the post referenced by event. It returns an error only
// when the post cannot be loaded or ctx ends while waiting to retry; in the
// latter case the post stays firing and no cleanup happens.
func (d *Dispatcher) Dispatch(ctx context.Context, event domain.TriggerEvent) error {
	if d.metrics != nil {
		d.metrics.EventsInFlightIncr()
		defer d.metrics.EventsInFlightDecr()
	}

	post, err := d.store.GetPost(ctx, event.PostID)
	if err != nil {
		return fmt.Errorf("get post %s: %w", event.PostID, err)
	}
	if post.Status != domain.PostStatusFiring {
		log.Printf("dispatcher: post=%s status=%s, not firing, skipping", post.ID, post.Status)
		return nil
	}

	var (
		outcome  domain.DeliveryOutcome
		lastErr  error
		attempts int
	)

	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		if attempt > 1 {
			if d.metrics != nil {
				d.metrics.RetryAttempt()
			}

			wait := d.delayFor(attempt, lastErr)
			log.Printf("dispatcher: post=%s attempt=%d backoff=%s", post.ID, attempt, wait)

			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		startedAt := time.Now().UTC()
		outcome, lastErr = d.attempt(ctx, post)
		finishedAt := time.Now().UTC()
		attempts = attempt

		d.recordAttempt(ctx, post, attempt, outcome, lastErr, startedAt, finishedAt)

		if lastErr == nil {
			break
		}
		if !IsRetryable(lastErr) {
			log.Printf("dispatcher: post=%s non-retryable error: %v", post.ID, lastErr)
			break
		}
		log.Printf("dispatcher: post=%s attempt=%d failed: %v", post.ID, attempt, lastErr)
	}

	d.finish(ctx, post, outcome, attempts, lastErr)
	return nil
}

// delayFor returns the wait before attempt, honouring a server-requested
// retry_after over the backoff schedule.
func (d *Dispatcher) delayFor(attempt int, lastErr error) time.Duration {
	if wait, ok := retryAfter(lastErr); ok {
		return wait
	}
	idx := attempt - 1
	if idx >= len(d.backoff) {
		idx = len(d.backoff) - 1
	}
	return d.backoff[idx]
}

// attempt performs one delivery attempt over a fresh session.
func (d *Dispatcher) attempt(ctx context.Context, post domain.Post) (domain.DeliveryOutcome, error) {
	if d.transport == nil {
		return domain.DeliveryOutcomeFailed, ErrNoTransport
	}
	if post.IsEmpty() {
		log.Printf("dispatcher: WARNING post=%s has neither text nor media, nothing sent", post.ID)
		return domain.DeliveryOutcomeSkipped, nil
	}

	if d.breaker != nil {
		if err := d.breaker.Allow(post.ChatID); err != nil {
			return domain.DeliveryOutcomeFailed, fmt.Errorf("chat %s: %w", post.ChatID, err)
		}
	}

	sess, err := d.transport.Open(ctx)
	if err != nil {
		return domain.DeliveryOutcomeFailed, fmt.Errorf("open session: %w", err)
	}
	defer func() {
		if err := sess.Close(); err != nil {
			log.Printf("dispatcher: post=%s close session: %v", post.ID, err)
		}
	}()

	photos, err := resolveMedia(post.MediaRefs)
	if err != nil {
		return domain.DeliveryOutcomeFailed, err
	}

	err = send(ctx, sess, post, photos)
	if d.breaker != nil {
		if err == nil {
			d.breaker.RecordSuccess(post.ChatID)
		} else if IsRetryable(err) {
			d.breaker.RecordFailure(post.ChatID)
		}
	}
	if err != nil {
		return domain.DeliveryOutcomeFailed, err
	}
	return domain.DeliveryOutcomeSent, nil
}

// send applies the dispatch rule: no media sends the text, one photo carries
// the text as caption, several photos form an album captioned on its first item.
func send(ctx context.Context, sess Session, post domain.Post, photos []Media) error {
	switch len(photos) {
	case 0:
		return sess.SendText(ctx, post.ChatID, post.Text)
	case 1:
		return sess.SendPhoto(ctx, post.ChatID, photos[0], post.Text)
	default:
		items := make([]AlbumItem, len(photos))
		for i, p := range photos {
			items[i] = AlbumItem{Media: p}
		}
		items[0].Caption = post.Text
		return sess.SendAlbum(ctx, post.ChatID, items)
	}
}

// resolveMedia turns media refs into transport inputs. Local files must
// still exist.
func resolveMedia(refs []string) ([]Media, error) {
	photos := make([]Media, 0, len(refs))
	for _, ref := range refs {
		if media.IsRemote(ref) {
			photos = append(photos, Media{URL: ref})
			continue
		}
		info, err := os.Stat(ref)
		if err != nil || info.IsDir() {
			return nil, fmt.Errorf("%w: %s", ErrMediaMissing, ref)
		}
		photos = append(photos, Media{Path: ref})
	}
	return photos, nil
}

func (d *Dispatcher) recordAttempt(ctx context.Context, post domain.Post, attempt int, outcome domain.DeliveryOutcome, err error, startedAt, finishedAt time.Time) {
	if d.metrics != nil {
		d.metrics.DeliveryAttemptCompleted(attempt, classify(err), finishedAt.Sub(startedAt))
	}

	record := domain.DeliveryAttempt{
		ID:         uuid.New(),
		PostID:     post.ID,
		Attempt:    attempt,
		Outcome:    outcome,
		StartedAt:  startedAt,
		FinishedAt: finishedAt,
	}
	if err != nil {
		record.Error = err.Error()
	}
	if err := d.store.InsertDeliveryAttempt(ctx, record); err != nil {
		log.Printf("dispatcher: failed to record attempt: %v", err)
	}
}

// finish releases the post's local media, then records the terminal status,
// analytics and metrics. It runs even if ctx was cancelled during the last
// attempt.
func (d *Dispatcher) finish(ctx context.Context, post domain.Post, outcome domain.DeliveryOutcome, attempts int, lastErr error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()

	if errs := media.Release(post.MediaRefs); len(errs) > 0 && d.metrics != nil {
		d.metrics.CleanupFailed(len(errs))
	}

	status := domain.PostStatusSent
	errText := ""
	if lastErr != nil {
		status = domain.PostStatusFailed
		errText = lastErr.Error()
		log.Printf("dispatcher: post=%s failed after %d attempt(s): %v", post.ID, attempts, lastErr)
	} else {
		log.Printf("dispatcher: post=%s %s chat=%s attempts=%d", post.ID, outcome, post.ChatID, attempts)
	}

	if d.metrics != nil {
		d.metrics.DeliveryOutcome(string(outcome))
	}
	if d.analytics != nil {
		d.analytics.Record(ctx, post, outcome)
	}

	err := d.store.CompletePost(ctx, post.ID, status, attempts, errText, time.Now().UTC())
	if err != nil {
		if errors.Is(err, ErrStatusTransitionDenied) {
			// Already terminal (likely reprocessing). Safe to ignore.
			log.Printf("dispatcher: post=%s already terminal, skipping status update", post.ID)
			return
		}
		log.Printf("dispatcher: post=%s status update error: %v", post.ID, err)
	}
}
