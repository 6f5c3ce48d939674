package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/djlord-it/postcron/internal/domain"
)

// DefaultMaxUploadBytes caps a /schedule request body (50 MiB).
const DefaultMaxUploadBytes = 50 << 20

// maxMemory is the multipart size kept in memory; the rest spills to temp files.
const maxMemory = 32 << 20

var errBodyTooLarge = errors.New("request body too large")

// scheduleInput is a decoded /schedule request before validation.
type scheduleInput struct {
	chatID    string
	text      string
	publishAt string
	photoURLs []string
	files     []*multipart.FileHeader
}

// schedule validates the request, stages uploads, persists the post and
// registers it with the scheduler. Nothing is staged when validation fails,
// and files staged for a request that fails later are released.
func (h *Handler) schedule(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)

	in, err := decodeSchedule(r)
	if r.MultipartForm != nil {
		defer r.MultipartForm.RemoveAll()
	}
	if err != nil {
		if errors.Is(err, errBodyTooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	publishAt, err := parsePublishAt(in.publishAt)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	urls, err := cleanPhotoURLs(in.photoURLs)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	post, err := domain.NewPost(in.chatID, in.text, urls, publishAt, h.clock())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	staged, err := h.stageFiles(in.files)
	if err != nil {
		log.Printf("api: staging failed chat=%s: %v", post.ChatID, err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	post.MediaRefs = append(post.MediaRefs, staged...)

	if err := h.store.CreatePost(r.Context(), post); err != nil {
		log.Printf("api: create post error: %v", err)
		h.stager.Release(staged)
		writeError(w, http.StatusInternalServerError, "failed to schedule post")
		return
	}

	h.scheduler.Schedule(post)

	if post.IsEmpty() {
		log.Printf("api: WARNING post=%s has no text and no photos, nothing will be sent", post.ID)
	}
	log.Printf("api: scheduled post=%s chat=%s publish_at=%s media=%d",
		post.ID, post.ChatID, formatTime(post.FireAt), len(post.MediaRefs))

	writeJSON(w, http.StatusOK, ScheduleResponse{
		Status:     "scheduled",
		JobID:      post.ID.String(),
		PublishAt:  formatTime(post.FireAt),
		ChatID:     post.ChatID,
		MediaCount: len(post.MediaRefs),
	})
}

// stageFiles stages uploads in order. On the first failure everything staged
// so far is released.
func (h *Handler) stageFiles(files []*multipart.FileHeader) ([]string, error) {
	var staged []string
	for _, fh := range files {
		path, err := h.stageFile(fh)
		if err != nil {
			h.stager.Release(staged)
			return nil, fmt.Errorf("failed to save file %s", fh.Filename)
		}
		staged = append(staged, path)
	}
	return staged, nil
}

func (h *Handler) stageFile(fh *multipart.FileHeader) (string, error) {
	f, err := fh.Open()
	if err != nil {
		return "", err
	}
	defer f.Close()
	return h.stager.Stage(fh.Filename, f)
}

func decodeSchedule(r *http.Request) (scheduleInput, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		return decodeScheduleJSON(r)
	}
	return decodeScheduleForm(r)
}

func decodeScheduleJSON(r *http.Request) (scheduleInput, error) {
	var req ScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if isTooLarge(err) {
			return scheduleInput{}, errBodyTooLarge
		}
		if strings.Contains(err.Error(), "chat_id") {
			return scheduleInput{}, err
		}
		return scheduleInput{}, fmt.Errorf("invalid json")
	}

	in := scheduleInput{
		chatID:    string(req.ChatID),
		publishAt: req.PublishAt,
		photoURLs: req.PhotoURLs,
	}
	if req.Text != nil {
		in.text = *req.Text
	}
	return in, nil
}

// decodeScheduleForm reads multipart/form-data or urlencoded bodies.
func decodeScheduleForm(r *http.Request) (scheduleInput, error) {
	err := r.ParseMultipartForm(maxMemory)
	if err != nil && !errors.Is(err, http.ErrNotMultipart) {
		if isTooLarge(err) {
			return scheduleInput{}, errBodyTooLarge
		}
		return scheduleInput{}, fmt.Errorf("invalid form: %v", err)
	}

	in := scheduleInput{
		chatID:    r.PostFormValue("chat_id"),
		text:      r.PostFormValue("text"),
		publishAt: r.PostFormValue("publish_at"),
		photoURLs: r.PostForm["photo_urls"],
	}
	if r.MultipartForm != nil {
		in.files = r.MultipartForm.File["files"]
	}
	return in, nil
}

func isTooLarge(err error) bool {
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		return true
	}
	return strings.Contains(err.Error(), "request body too large")
}
