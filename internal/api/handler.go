package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/postcron/internal/domain"
)

// Pagination defaults and limits.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// ErrNotPending is returned by the store when a cancel targets a post that
// already fired or reached a terminal state.
var ErrNotPending = errors.New("post is not pending")

type Store interface {
	CreatePost(ctx context.Context, post domain.Post) error
	GetPost(ctx context.Context, id uuid.UUID) (domain.Post, error)
	CancelPost(ctx context.Context, id uuid.UUID, now time.Time) (domain.Post, error)
	ListDeliveryAttempts(ctx context.Context, postID uuid.UUID) ([]domain.DeliveryAttempt, error)
	Ping(ctx context.Context) error
}

// Scheduler is the part of the scheduler the HTTP layer drives.
type Scheduler interface {
	Schedule(post domain.Post)
	Unschedule(id uuid.UUID)
	List(ctx context.Context, limit, offset int) ([]domain.Post, error)
}

type Stager interface {
	Stage(name string, r io.Reader) (string, error)
	Release(refs []string) []error
}

type Handler struct {
	store          Store
	scheduler      Scheduler
	stager         Stager
	maxUploadBytes int64
	clock          func() time.Time
}

func NewHandler(store Store, scheduler Scheduler, stager Stager) *Handler {
	return &Handler{
		store:          store,
		scheduler:      scheduler,
		stager:         stager,
		maxUploadBytes: DefaultMaxUploadBytes,
		clock:          time.Now,
	}
}

// WithMaxUploadBytes caps the /schedule request body.
func (h *Handler) WithMaxUploadBytes(n int64) *Handler {
	if n > 0 {
		h.maxUploadBytes = n
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	switch {
	case path == "/health" && r.Method == http.MethodGet:
		h.health(w, r)

	case path == "/schedule" && r.Method == http.MethodPost:
		h.schedule(w, r)

	case path == "/jobs" && r.Method == http.MethodGet:
		h.listJobs(w, r)

	case strings.HasPrefix(path, "/jobs/") && r.Method == http.MethodGet:
		h.getJob(w, r)

	case strings.HasPrefix(path, "/jobs/") && r.Method == http.MethodDelete:
		h.cancelJob(w, r)

	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

// HealthResponse represents the /health endpoint response.
type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("verbose") != "true" {
		writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
		return
	}

	resp := HealthResponse{
		Status:     "ok",
		Components: make(map[string]string),
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		resp.Status = "degraded"
		resp.Components["database"] = "unhealthy: " + err.Error()
	} else {
		resp.Components["database"] = "healthy"
	}

	statusCode := http.StatusOK
	if resp.Status == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, statusCode, resp)
}

func (h *Handler) listJobs(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parsePagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	posts, err := h.scheduler.List(r.Context(), limit, offset)
	if err != nil {
		log.Printf("api: list jobs error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}

	resp := ListJobsResponse{Jobs: make([]JobResponse, len(posts))}
	for i, p := range posts {
		resp.Jobs[i] = JobResponse{
			ID:          p.ID.String(),
			NextRunTime: formatTime(p.FireAt),
			Args:        p.Args(),
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) getJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobIDFromPath(w, r)
	if !ok {
		return
	}

	post, err := h.store.GetPost(r.Context(), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		log.Printf("api: get job=%s error: %v", id, err)
		writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}

	attempts, err := h.store.ListDeliveryAttempts(r.Context(), id)
	if err != nil {
		log.Printf("api: list attempts job=%s error: %v", id, err)
		writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}

	writeJSON(w, http.StatusOK, newJobDetailResponse(post, attempts))
}

func (h *Handler) cancelJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobIDFromPath(w, r)
	if !ok {
		return
	}

	post, err := h.store.CancelPost(r.Context(), id, h.clock().UTC())
	if err != nil {
		switch {
		case errors.Is(err, sql.ErrNoRows):
			writeError(w, http.StatusNotFound, "job not found")
		case errors.Is(err, ErrNotPending):
			writeError(w, http.StatusConflict, "job is not pending (status="+string(post.Status)+")")
		default:
			log.Printf("api: cancel job=%s error: %v", id, err)
			writeError(w, http.StatusInternalServerError, "failed to cancel job")
		}
		return
	}

	h.scheduler.Unschedule(id)
	if errs := h.stager.Release(post.MediaRefs); len(errs) > 0 {
		log.Printf("api: cancel job=%s left %d staged files behind", id, len(errs))
	}

	log.Printf("api: cancelled job=%s chat=%s", id, post.ChatID)
	w.WriteHeader(http.StatusNoContent)
}

// jobIDFromPath extracts {id} from /jobs/{id}, writing the error response
// itself when the path is malformed.
func jobIDFromPath(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 2 || parts[0] != "jobs" {
		writeError(w, http.StatusNotFound, "not found")
		return uuid.Nil, false
	}

	id, err := uuid.Parse(parts[1])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return uuid.Nil, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: json encode error: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// parsePagination extracts and validates limit/offset query parameters.
// Without a limit it returns 0, meaning every pending post. An explicit
// limit=0 means DefaultLimit; a limit may not exceed MaxLimit.
func parsePagination(r *http.Request) (limit, offset int, err error) {

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err = strconv.Atoi(limitStr)
		if err != nil {
			return 0, 0, err
		}
		if limit < 0 {
			return 0, 0, strconv.ErrRange
		}
		if limit > MaxLimit {
			return 0, 0, &limitExceededError{max: MaxLimit}
		}
		if limit == 0 {
			limit = DefaultLimit
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		offset, err = strconv.Atoi(offsetStr)
		if err != nil {
			return 0, 0, err
		}
		if offset < 0 {
			return 0, 0, strconv.ErrRange
		}
	}

	return limit, offset, nil
}

type limitExceededError struct {
	max int
}

func (e *limitExceededError) Error() string {
	return "limit exceeds maximum of " + strconv.Itoa(e.max)
}
