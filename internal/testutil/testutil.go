// Package testutil provides shared test helpers for postcron.
package testutil

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/postcron/internal/domain"
)

// FakeClock provides deterministic time for testing.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
}

// NewFakeClock creates a FakeClock set to the given time.
func NewFakeClock(t time.Time) *FakeClock {
	return &FakeClock{current: t}
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
}

// TestContext returns a context with a 5-second timeout.
// The context is cancelled when the test completes.
func TestContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// MustParseUUID parses a UUID string and panics on error.
// Only for use in tests.
func MustParseUUID(s string) uuid.UUID {
	id, err := uuid.Parse(s)
	if err != nil {
		panic("testutil.MustParseUUID: " + err.Error())
	}
	return id
}

// NewPost builds a pending post firing at fireAt, created one hour earlier.
func NewPost(t *testing.T, chatID, text string, refs []string, fireAt time.Time) domain.Post {
	t.Helper()
	p, err := domain.NewPost(chatID, text, refs, fireAt, fireAt.Add(-time.Hour))
	if err != nil {
		t.Fatalf("testutil.NewPost: %v", err)
	}
	return p
}

// WriteMedia creates a small file named name under dir and returns its absolute path.
func WriteMedia(t *testing.T, dir, name string) string {
	t.Helper()
	path, err := filepath.Abs(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("testutil.WriteMedia: %v", err)
	}
	if err := os.WriteFile(path, []byte("\xff\xd8\xff\xe0fake-jpeg"), 0o644); err != nil {
		t.Fatalf("testutil.WriteMedia: %v", err)
	}
	return path
}

// FileExists reports whether path exists.
func FileExists(t *testing.T, path string) bool {
	t.Helper()
	_, err := os.Stat(path)
	if err == nil {
		return true
	}
	if !os.IsNotExist(err) {
		t.Fatalf("stat %s: %v", path, err)
	}
	return false
}
