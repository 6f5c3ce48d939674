package metrics

import "time"

// NoopSink is a no-op implementation of Sink.
// Used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

// NewNoopSink returns a no-op metrics sink.
func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) PostScheduled()                                                      {}
func (n *NoopSink) PostFired(lateness time.Duration)                                    {}
func (n *NoopSink) PostMissed()                                                         {}
func (n *NoopSink) SyncCompleted(duration time.Duration, registered int, err error)     {}
func (n *NoopSink) PendingEntriesUpdate(count int)                                      {}
func (n *NoopSink) DeliveryAttemptCompleted(attempt int, class string, d time.Duration) {}
func (n *NoopSink) DeliveryOutcome(outcome string)                                      {}
func (n *NoopSink) RetryAttempt()                                                       {}
func (n *NoopSink) EventsInFlightIncr()                                                 {}
func (n *NoopSink) EventsInFlightDecr()                                                 {}
func (n *NoopSink) CleanupFailed(count int)                                             {}
func (n *NoopSink) BufferSizeUpdate(size int)                                           {}
func (n *NoopSink) BufferCapacitySet(capacity int)                                      {}
func (n *NoopSink) EmitError()                                                          {}
func (n *NoopSink) OrphanedPostsUpdate(count int)                                       {}
func (n *NoopSink) PostsPurged(count int)                                               {}
func (n *NoopSink) LeaderStatusChanged(isLeader bool)                                   {}
func (n *NoopSink) LeaderAcquired()                                                     {}
func (n *NoopSink) LeaderLost(reason string)                                            {}

var (
	_ Sink = (*NoopSink)(nil)
	_ Sink = (*PrometheusSink)(nil)
)
