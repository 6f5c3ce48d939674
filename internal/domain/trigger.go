package domain

import (
	"time"

	"github.com/google/uuid"
)

// TriggerEvent is emitted by the scheduler once a post has been claimed for delivery.
type TriggerEvent struct {
	PostID uuid.UUID
	ChatID string

	FireAt  time.Time // requested fire time (UTC)
	FiredAt time.Time // actual claim time

	CreatedAt time.Time
}
