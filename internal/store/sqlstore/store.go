package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/postcron/internal/api"
	"github.com/djlord-it/postcron/internal/dispatcher"
	"github.com/djlord-it/postcron/internal/domain"
	"github.com/djlord-it/postcron/internal/reconciler"
	"github.com/djlord-it/postcron/internal/scheduler"
)

// Store implements scheduler.Store, dispatcher.Store, api.Store and
// reconciler.Store on top of database/sql.
type Store struct {
	db        *sql.DB
	dialect   Dialect
	opTimeout time.Duration
}

// New creates a store. A positive opTimeout bounds every database call.
func New(db *sql.DB, dialect Dialect, opTimeout time.Duration) *Store {
	return &Store{db: db, dialect: dialect, opTimeout: opTimeout}
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.opTimeout)
}

func (s *Store) q(query string) string {
	return rebind(s.dialect, query)
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var one int
	return s.db.QueryRowContext(ctx, queryPing).Scan(&one)
}

// CreatePost inserts a new post.
func (s *Store) CreatePost(ctx context.Context, post domain.Post) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	refs, err := encodeRefs(post.MediaRefs)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, s.q(queryInsertPost),
		post.ID,
		post.ChatID,
		post.Text,
		refs,
		post.FireAt.UTC(),
		string(post.Status),
		post.Attempts,
		post.LastError,
		nullTime(post.ClaimedAt),
		post.CreatedAt.UTC(),
		post.UpdatedAt.UTC(),
	)
	return err
}

// GetPost returns a post by its ID, or sql.ErrNoRows.
func (s *Store) GetPost(ctx context.Context, id uuid.UUID) (domain.Post, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	return scanPost(s.db.QueryRowContext(ctx, s.q(queryGetPost), id))
}

// ListPending returns pending posts ordered by fire time, paginated by limit and offset.
func (s *Store) ListPending(ctx context.Context, limit, offset int) ([]domain.Post, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, s.q(queryListPending), limit, offset)
	if err != nil {
		return nil, err
	}
	return scanPosts(rows)
}

// ClaimPost atomically moves a post from pending to firing.
// Returns scheduler.ErrNotClaimable if the post is missing or no longer pending.
func (s *Store) ClaimPost(ctx context.Context, id uuid.UUID, now time.Time) error {
	return s.pendingTransition(ctx, queryClaimPost, id, now, scheduler.ErrNotClaimable)
}

// MarkMissed moves a pending post to missed.
// Returns scheduler.ErrNotClaimable if the post is missing or no longer pending.
func (s *Store) MarkMissed(ctx context.Context, id uuid.UUID, now time.Time) error {
	return s.pendingTransition(ctx, queryMarkMissed, id, now, scheduler.ErrNotClaimable)
}

// CancelPost moves a pending post to cancelled and returns it.
// Returns sql.ErrNoRows if the post does not exist and api.ErrNotPending if
// it already left the pending state.
func (s *Store) CancelPost(ctx context.Context, id uuid.UUID, now time.Time) (domain.Post, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx, s.q(queryCancelPost), now.UTC(), id)
	if err != nil {
		return domain.Post{}, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return domain.Post{}, err
	}

	post, err := scanPost(s.db.QueryRowContext(ctx, s.q(queryGetPost), id))
	if err != nil {
		return domain.Post{}, err
	}
	if n == 0 {
		return post, api.ErrNotPending
	}
	return post, nil
}

func (s *Store) pendingTransition(ctx context.Context, query string, id uuid.UUID, now time.Time, denied error) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	// The status guard in WHERE makes the transition atomic across instances.
	result, err := s.db.ExecContext(ctx, s.q(query), now.UTC(), id)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return denied
	}
	return nil
}

// CompletePost records the final delivery result of a firing post.
// Returns dispatcher.ErrStatusTransitionDenied if the post is not firing.
func (s *Store) CompletePost(ctx context.Context, id uuid.UUID, status domain.PostStatus, attempts int, lastErr string, now time.Time) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx, s.q(queryCompletePost),
		string(status), attempts, lastErr, now.UTC(), id)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		// Either the post is gone or it is not firing.
		var current string
		err := s.db.QueryRowContext(ctx, s.q(queryGetPostStatus), id).Scan(&current)
		if err == sql.ErrNoRows {
			return sql.ErrNoRows
		}
		if err != nil {
			return err
		}
		return dispatcher.ErrStatusTransitionDenied
	}

	return nil
}

// InsertDeliveryAttempt inserts a new delivery attempt record.
func (s *Store) InsertDeliveryAttempt(ctx context.Context, attempt domain.DeliveryAttempt) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, s.q(queryInsertDeliveryAttempt),
		attempt.ID,
		attempt.PostID,
		attempt.Attempt,
		string(attempt.Outcome),
		attempt.Error,
		attempt.StartedAt.UTC(),
		attempt.FinishedAt.UTC(),
	)
	return err
}

// ListDeliveryAttempts returns the attempts recorded for a post in order.
func (s *Store) ListDeliveryAttempts(ctx context.Context, postID uuid.UUID) ([]domain.DeliveryAttempt, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, s.q(queryListDeliveryAttempts), postID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.DeliveryAttempt
	for rows.Next() {
		var a domain.DeliveryAttempt
		var outcome string
		if err := rows.Scan(&a.ID, &a.PostID, &a.Attempt, &outcome, &a.Error, &a.StartedAt, &a.FinishedAt); err != nil {
			return nil, err
		}
		a.Outcome = domain.DeliveryOutcome(outcome)
		a.StartedAt = a.StartedAt.UTC()
		a.FinishedAt = a.FinishedAt.UTC()
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// GetOrphanedPosts returns posts stuck in firing that were claimed before
// olderThan, oldest claim first, at most maxResults.
func (s *Store) GetOrphanedPosts(ctx context.Context, olderThan time.Time, maxResults int) ([]domain.Post, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, s.q(queryGetOrphanedPosts), olderThan.UTC(), maxResults)
	if err != nil {
		return nil, err
	}
	return scanPosts(rows)
}

// PurgeTerminal deletes terminal posts last updated before olderThan,
// together with their delivery attempts. Returns the number of posts deleted.
func (s *Store) PurgeTerminal(ctx context.Context, olderThan time.Time) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	cutoff := olderThan.UTC()
	if _, err := tx.ExecContext(ctx, s.q(queryPurgeTerminalAttempts), cutoff); err != nil {
		return 0, err
	}
	result, err := tx.ExecContext(ctx, s.q(queryPurgeTerminalPosts), cutoff)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPost(row rowScanner) (domain.Post, error) {
	var p domain.Post
	var refs, status string
	var claimedAt sql.NullTime

	err := row.Scan(
		&p.ID,
		&p.ChatID,
		&p.Text,
		&refs,
		&p.FireAt,
		&status,
		&p.Attempts,
		&p.LastError,
		&claimedAt,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return domain.Post{}, err
	}

	if err := json.Unmarshal([]byte(refs), &p.MediaRefs); err != nil {
		return domain.Post{}, fmt.Errorf("decode media_refs for post %s: %w", p.ID, err)
	}
	p.Status = domain.PostStatus(status)
	p.FireAt = p.FireAt.UTC()
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	if claimedAt.Valid {
		t := claimedAt.Time.UTC()
		p.ClaimedAt = &t
	}
	return p, nil
}

func scanPosts(rows *sql.Rows) ([]domain.Post, error) {
	defer rows.Close()

	var result []domain.Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func encodeRefs(refs []string) (string, error) {
	if refs == nil {
		refs = []string{}
	}
	b, err := json.Marshal(refs)
	if err != nil {
		return "", fmt.Errorf("encode media_refs: %w", err)
	}
	return string(b), nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

// Compile-time interface assertions
var (
	_ scheduler.Store  = (*Store)(nil)
	_ dispatcher.Store = (*Store)(nil)
	_ api.Store        = (*Store)(nil)
	_ reconciler.Store = (*Store)(nil)
)
