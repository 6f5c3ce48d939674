package metrics

import (
	"errors"
	"testing"
	"time"
)

func TestNoopSink_AllMethods(t *testing.T) {
	// Calling every method on NoopSink must not panic.
	s := NewNoopSink()

	s.PostScheduled()
	s.PostFired(time.Second)
	s.PostMissed()
	s.SyncCompleted(100*time.Millisecond, 5, nil)
	s.SyncCompleted(100*time.Millisecond, 0, errors.New("db down"))
	s.PendingEntriesUpdate(3)

	s.DeliveryAttemptCompleted(1, ClassOK, 200*time.Millisecond)
	s.DeliveryOutcome(OutcomeSent)
	s.RetryAttempt()
	s.EventsInFlightIncr()
	s.EventsInFlightDecr()
	s.CleanupFailed(1)

	s.BufferSizeUpdate(10)
	s.BufferCapacitySet(100)
	s.EmitError()

	s.OrphanedPostsUpdate(2)
	s.PostsPurged(5)

	s.LeaderStatusChanged(true)
	s.LeaderAcquired()
	s.LeaderLost("shutdown")
}

func TestNoopSink_ImplementsSink(t *testing.T) {
	var _ Sink = NewNoopSink()
}
