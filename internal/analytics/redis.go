package analytics

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/djlord-it/postcron/internal/domain"
)

const keyPrefix = "postcron"

// RedisSink counts delivery outcomes per chat in time buckets.
type RedisSink struct {
	client    *redis.Client
	window    time.Duration
	retention time.Duration
}

func NewRedisSink(client *redis.Client, retention time.Duration) *RedisSink {
	return &RedisSink{
		client:    client,
		window:    time.Hour,
		retention: retention,
	}
}

// WithWindow sets the bucket size. Supported: 1m, 5m, 1h.
func (s *RedisSink) WithWindow(window time.Duration) *RedisSink {
	s.window = window
	return s
}

// Record increments the counter for the post's chat and outcome.
// Failures are logged and never affect delivery.
func (s *RedisSink) Record(ctx context.Context, post domain.Post, outcome domain.DeliveryOutcome) {
	if err := s.Write(ctx, post.ChatID, outcome, post.FireAt); err != nil {
		log.Printf("analytics: post=%s chat=%s outcome=%s: %v", post.ID, post.ChatID, outcome, err)
	}
}

func (s *RedisSink) Write(ctx context.Context, chatID string, outcome domain.DeliveryOutcome, at time.Time) error {
	key := buildKey(chatID, outcome, at, s.window)

	pipe := s.client.Pipeline()
	pipe.Incr(ctx, key)
	if s.retention > 0 {
		pipe.Expire(ctx, key, s.retention)
	}

	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}

	return nil
}

// Ping checks the Redis connection.
func (s *RedisSink) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func buildKey(chatID string, outcome domain.DeliveryOutcome, t time.Time, window time.Duration) string {
	return fmt.Sprintf("%s:chat:%s:%s:%s", keyPrefix, chatID, outcome, truncateToBucket(t, window))
}

func truncateToBucket(t time.Time, window time.Duration) string {
	t = t.UTC()
	switch window {
	case time.Minute:
		return t.Format("200601021504")
	case 5 * time.Minute:
		minute := (t.Minute() / 5) * 5
		return t.Format("2006010215") + fmt.Sprintf("%02d", minute)
	case time.Hour:
		return t.Format("2006010215")
	default:
		return t.Format("2006010215")
	}
}
