package domain

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInvalidSchedule  = errors.New("publish time must be in the future")
	ErrInvalidRecipient = errors.New("chat_id is required")
)

type PostStatus string

const (
	PostStatusPending   PostStatus = "pending"
	PostStatusFiring    PostStatus = "firing"
	PostStatusSent      PostStatus = "sent"
	PostStatusFailed    PostStatus = "failed"
	PostStatusCancelled PostStatus = "cancelled"
	PostStatusMissed    PostStatus = "missed"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s PostStatus) IsTerminal() bool {
	switch s {
	case PostStatusSent, PostStatusFailed, PostStatusCancelled, PostStatusMissed:
		return true
	}
	return false
}

// Post is a message scheduled for delivery to a single chat.
// It is not modified after creation except for its lifecycle fields.
type Post struct {
	ID uuid.UUID

	ChatID    string
	Text      string   // empty means no text
	MediaRefs []string // remote URLs or absolute local paths, in send order

	FireAt time.Time

	Status    PostStatus
	Attempts  int
	LastError string
	ClaimedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewPost validates the request fields and returns a pending post.
// No side effects happen when validation fails.
func NewPost(chatID, text string, refs []string, fireAt, now time.Time) (Post, error) {
	chatID = strings.TrimSpace(chatID)
	if chatID == "" {
		return Post{}, ErrInvalidRecipient
	}
	fireAt = fireAt.UTC()
	now = now.UTC()
	if !fireAt.After(now) {
		return Post{}, ErrInvalidSchedule
	}

	media := make([]string, len(refs))
	copy(media, refs)

	return Post{
		ID:        uuid.New(),
		ChatID:    chatID,
		Text:      text,
		MediaRefs: media,
		FireAt:    fireAt,
		Status:    PostStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// IsEmpty reports a post with neither text nor media. Such posts are accepted
// but nothing is sent when they fire.
func (p Post) IsEmpty() bool {
	return p.Text == "" && len(p.MediaRefs) == 0
}

// Args returns the argument tuple exposed by the jobs listing:
// chat id, text (nil when absent) and media references.
func (p Post) Args() []any {
	var text any
	if p.Text != "" {
		text = p.Text
	}
	media := p.MediaRefs
	if media == nil {
		media = []string{}
	}
	return []any{p.ChatID, text, media}
}
