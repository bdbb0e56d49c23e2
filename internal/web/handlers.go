package web

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ZJHSteven/smartclass-downloader/internal/capture"
	"github.com/ZJHSteven/smartclass-downloader/internal/queue"
	"github.com/ZJHSteven/smartclass-downloader/pkg/models"
	"github.com/ZJHSteven/smartclass-downloader/pkg/naming"
)

// DefaultTaskLimit is how many recent tasks the task listing returns when
// the caller does not ask for more.
const DefaultTaskLimit = 6

// Handlers bundles the JSON API endpoints over the live queue state.
type Handlers struct {
	queue  *queue.Queue
	tokens *capture.TokenCache
	sink   *capture.Sink
	logger *slog.Logger
}

// NewHandlers creates the handler set.
func NewHandlers(q *queue.Queue, tokens *capture.TokenCache, sink *capture.Sink, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		queue:  q,
		tokens: tokens,
		sink:   sink,
		logger: logger,
	}
}

// Tasks returns the most recent download tasks, oldest first. The core
// keeps every task; this endpoint only trims the view.
func (h *Handlers) Tasks(w http.ResponseWriter, r *http.Request) {
	limit := DefaultTaskLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	// One snapshot serves both the listing and the total, so they can
	// never disagree within a response.
	tasks := h.queue.Tasks()
	total := len(tasks)
	if total > limit {
		tasks = tasks[total-limit:]
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"tasks": tasks,
		"total": total,
	})
}

// Queue reports scheduler depth and capture statistics.
func (h *Handlers) Queue(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"depth":         h.queue.Depth(),
		"inflight":      h.queue.Inflight(),
		"captured_urls": h.sink.Len(),
	})
}

// Token reports whether an authorization token is currently available. The
// value itself is never exposed.
func (h *Handlers) Token(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"captured": h.tokens.Current() != "",
	})
}

type enqueueRequest struct {
	NewID    string `json:"new_id"`
	PageURL  string `json:"page_url"`
	Meta     string `json:"meta"`
	Filename string `json:"filename"`
}

// Enqueue submits a lecture for download. A duplicate id is reported, not
// an error.
func (h *Handlers) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.NewID == "" {
		writeError(w, http.StatusBadRequest, "new_id is required")
		return
	}

	ref := &models.LectureRef{
		ID:       req.NewID,
		PageURL:  req.PageURL,
		Meta:     req.Meta,
		Filename: req.Filename,
	}
	if ref.Filename == "" {
		ref.Filename = naming.FromMeta(req.Meta)
	}
	if d, ok := naming.MetaDate(req.Meta); ok {
		ref.Date = &d
	}

	enqueued := h.queue.Enqueue(ref)
	status := http.StatusCreated
	if !enqueued {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{
		"enqueued": enqueued,
		"depth":    h.queue.Depth(),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Default().Warn("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
