package analytics

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/djlord-it/postcron/internal/domain"
)

func TestTruncateToBucket(t *testing.T) {
	ts := time.Date(2026, 4, 9, 13, 47, 31, 0, time.UTC)

	tests := []struct {
		window time.Duration
		want   string
	}{
		{time.Minute, "202604091347"},
		{5 * time.Minute, "202604091345"},
		{time.Hour, "2026040913"},
		{42 * time.Second, "2026040913"},
	}
	for _, tt := range tests {
		if got := truncateToBucket(ts, tt.window); got != tt.want {
			t.Errorf("truncateToBucket(%s) = %q, want %q", tt.window, got, tt.want)
		}
	}
}

func TestTruncateToBucket_ConvertsToUTC(t *testing.T) {
	loc := time.FixedZone("UTC+3", 3*60*60)
	ts := time.Date(2026, 4, 9, 16, 5, 0, 0, loc)

	if got := truncateToBucket(ts, time.Hour); got != "2026040913" {
		t.Errorf("bucket = %q, want UTC hour 2026040913", got)
	}
}

func TestBuildKey(t *testing.T) {
	ts := time.Date(2026, 4, 9, 13, 47, 0, 0, time.UTC)

	got := buildKey("-100123", domain.DeliveryOutcomeSent, ts, time.Hour)
	want := "postcron:chat:-100123:sent:2026040913"
	if got != want {
		t.Errorf("buildKey = %q, want %q", got, want)
	}

	got = buildKey("@channel", domain.DeliveryOutcomeFailed, ts, 5*time.Minute)
	want = "postcron:chat:@channel:failed:202604091345"
	if got != want {
		t.Errorf("buildKey = %q, want %q", got, want)
	}
}

func TestRedisSink_RecordSwallowsErrors(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	sink := NewRedisSink(client, time.Hour).WithWindow(time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := sink.Write(ctx, "42", domain.DeliveryOutcomeSent, time.Now()); err == nil {
		t.Error("Write against an unreachable server should fail")
	}

	post := domain.Post{ID: uuid.New(), ChatID: "42", FireAt: time.Now()}
	sink.Record(ctx, post, domain.DeliveryOutcomeSent)
}
