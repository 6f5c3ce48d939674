package dispatcher

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/djlord-it/postcron/internal/circuitbreaker"
	"github.com/djlord-it/postcron/internal/metrics"
)

// ErrStatusTransitionDenied is returned when a completion targets a post that
// is not firing (already terminal, or never claimed).
var ErrStatusTransitionDenied = errors.New("status transition denied: post is not firing")

// ErrNoTransport is returned when no bot token is configured.
var ErrNoTransport = errors.New("no bot transport configured")

// ErrMediaMissing is returned when a staged file no longer exists at send time.
var ErrMediaMissing = errors.New("media file missing")

// SendError is a Bot API failure. Code is the Telegram error code (HTTP-like),
// zero for network-level failures.
type SendError struct {
	Code       int
	RetryAfter int // seconds, set on 429
	Err        error
}

func (e *SendError) Error() string {
	if e.Code == 0 {
		return fmt.Sprintf("telegram: %v", e.Err)
	}
	return fmt.Sprintf("telegram: %d: %v", e.Code, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// Retryable reports flood-wait, server-side and network failures.
func (e *SendError) Retryable() bool {
	return e.Code == 0 || e.Code == 429 || e.Code >= 500
}

// IsRetryable reports whether another attempt may succeed.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var se *SendError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// retryAfter returns the server-requested wait, if any.
func retryAfter(err error) (time.Duration, bool) {
	var se *SendError
	if errors.As(err, &se) && se.RetryAfter > 0 {
		return time.Duration(se.RetryAfter) * time.Second, true
	}
	return 0, false
}

// classify maps an attempt error to a bounded metrics class.
func classify(err error) string {
	if err == nil {
		return metrics.ClassOK
	}
	switch {
	case errors.Is(err, ErrNoTransport):
		return metrics.ClassNoTransport
	case errors.Is(err, ErrMediaMissing):
		return metrics.ClassMediaMissing
	case errors.Is(err, circuitbreaker.ErrCircuitOpen):
		return metrics.ClassCircuitOpen
	}
	var se *SendError
	if errors.As(err, &se) && se.Code != 0 {
		return metrics.ClassifyAPIStatus(se.Code)
	}
	return metrics.ClassifyError(err)
}
