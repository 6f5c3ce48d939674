package metrics

import (
	"strings"
	"time"
)

// Sink defines the interface for recording metrics.
// All methods are fire-and-forget: implementations MUST NOT block or propagate errors.
type Sink interface {
	// Scheduler metrics
	PostScheduled()
	PostFired(lateness time.Duration)
	PostMissed()
	SyncCompleted(duration time.Duration, registered int, err error)
	PendingEntriesUpdate(count int)

	// Dispatcher metrics
	DeliveryAttemptCompleted(attempt int, class string, duration time.Duration)
	DeliveryOutcome(outcome string)
	RetryAttempt()
	EventsInFlightIncr()
	EventsInFlightDecr()
	CleanupFailed(count int)

	// EventBus metrics
	BufferSizeUpdate(size int)
	BufferCapacitySet(capacity int)
	EmitError()

	// Reconciler metrics
	OrphanedPostsUpdate(count int)
	PostsPurged(count int)

	// Leader election metrics
	LeaderStatusChanged(isLeader bool)
	LeaderAcquired()
	LeaderLost(reason string)
}

// Outcome constants for DeliveryOutcome metric.
const (
	OutcomeSent    = "sent"
	OutcomeSkipped = "skipped"
	OutcomeFailed  = "failed"
)

// Class constants for DeliveryAttemptCompleted metric.
const (
	ClassOK              = "ok"
	ClassRateLimited     = "rate_limited"
	ClassAPI4xx          = "api_4xx"
	ClassAPI5xx          = "api_5xx"
	ClassTimeout         = "timeout"
	ClassConnectionError = "connection_error"
	ClassMediaMissing    = "media_missing"
	ClassNoTransport     = "no_transport"
	ClassCircuitOpen     = "circuit_open"
	ClassOtherError      = "other_error"
)

// ClassifyAPIStatus maps a Bot API error code to a class.
func ClassifyAPIStatus(code int) string {
	switch {
	case code == 429:
		return ClassRateLimited
	case code >= 400 && code < 500:
		return ClassAPI4xx
	case code >= 500:
		return ClassAPI5xx
	default:
		return ClassOtherError
	}
}

// ClassifyError maps a transport-level error to a class by its message.
func ClassifyError(err error) string {
	if err == nil {
		return ClassOK
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
		return ClassTimeout
	case strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "network is unreachable") ||
		strings.Contains(msg, "dial"):
		return ClassConnectionError
	default:
		return ClassOtherError
	}
}
