package domain

import (
	"time"

	"github.com/google/uuid"
)

// DeliveryOutcome classifies a single send attempt.
type DeliveryOutcome string

const (
	DeliveryOutcomeSent    DeliveryOutcome = "sent"
	DeliveryOutcomeSkipped DeliveryOutcome = "skipped" // empty post, nothing to send
	DeliveryOutcomeFailed  DeliveryOutcome = "failed"
)

type DeliveryAttempt struct {
	ID      uuid.UUID
	PostID  uuid.UUID
	Attempt int

	Outcome DeliveryOutcome
	Error   string

	StartedAt  time.Time
	FinishedAt time.Time
}
