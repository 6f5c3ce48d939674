package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/djlord-it/postcron/internal/domain"
)

// ScheduleRequest is the JSON form of POST /schedule. Multipart requests
// carry the same fields as form values plus uploaded files.
type ScheduleRequest struct {
	ChatID    ChatID   `json:"chat_id"`
	Text      *string  `json:"text"`
	PublishAt string   `json:"publish_at"`
	PhotoURLs []string `json:"photo_urls"`
}

// ChatID accepts a JSON string ("@channel", "-100123") or a JSON number.
type ChatID string

func (c *ChatID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*c = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = ChatID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("chat_id must be a string or an integer")
	}
	if _, err := n.Int64(); err != nil {
		return fmt.Errorf("chat_id must be a string or an integer")
	}
	*c = ChatID(n.String())
	return nil
}

type ScheduleResponse struct {
	Status     string `json:"status"`
	JobID      string `json:"job_id"`
	PublishAt  string `json:"publish_at"`
	ChatID     string `json:"chat_id"`
	MediaCount int    `json:"media_count"`
}

// JobResponse is one entry of GET /jobs. Args is [chat_id, text|null, media].
type JobResponse struct {
	ID          string `json:"id"`
	NextRunTime string `json:"next_run_time"`
	Args        []any  `json:"args"`
}

type ListJobsResponse struct {
	Jobs []JobResponse `json:"jobs"`
}

type JobDetailResponse struct {
	ID        string   `json:"id"`
	ChatID    string   `json:"chat_id"`
	Text      *string  `json:"text"`
	MediaRefs []string `json:"media_refs"`
	PublishAt string   `json:"publish_at"`
	Status    string   `json:"status"`
	Attempts  int      `json:"attempts"`
	LastError string   `json:"last_error,omitempty"`
	CreatedAt string   `json:"created_at"`
	UpdatedAt string   `json:"updated_at"`

	DeliveryAttempts []AttemptResponse `json:"delivery_attempts"`
}

type AttemptResponse struct {
	Attempt    int    `json:"attempt"`
	Outcome    string `json:"outcome"`
	Error      string `json:"error,omitempty"`
	StartedAt  string `json:"started_at"`
	FinishedAt string `json:"finished_at"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func newJobDetailResponse(p domain.Post, attempts []domain.DeliveryAttempt) JobDetailResponse {
	resp := JobDetailResponse{
		ID:               p.ID.String(),
		ChatID:           p.ChatID,
		MediaRefs:        p.MediaRefs,
		PublishAt:        formatTime(p.FireAt),
		Status:           string(p.Status),
		Attempts:         p.Attempts,
		LastError:        p.LastError,
		CreatedAt:        formatTime(p.CreatedAt),
		UpdatedAt:        formatTime(p.UpdatedAt),
		DeliveryAttempts: make([]AttemptResponse, len(attempts)),
	}
	if p.Text != "" {
		text := p.Text
		resp.Text = &text
	}
	if resp.MediaRefs == nil {
		resp.MediaRefs = []string{}
	}
	for i, a := range attempts {
		resp.DeliveryAttempts[i] = AttemptResponse{
			Attempt:    a.Attempt,
			Outcome:    string(a.Outcome),
			Error:      a.Error,
			StartedAt:  formatTime(a.StartedAt),
			FinishedAt: formatTime(a.FinishedAt),
		}
	}
	return resp
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
