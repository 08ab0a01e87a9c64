// Package http exposes the operator API of the projection daemon: shard
// status, start and stop, rebuilds, dead letters and a live feed of shard
// notifications as server-sent events.
package http

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/louisbranch/projectiond/internal/platform/errors"
	"github.com/louisbranch/projectiond/internal/services/projector/daemon"
	"github.com/louisbranch/projectiond/internal/services/projector/rebuild"
	"github.com/louisbranch/projectiond/internal/services/projector/storage"
)

const (
	contentTypeJSON      = "application/json"
	contentTypeSSE       = "text/event-stream"
	defaultLetterLimit   = 100
	maxRebuildTimeout    = time.Hour
	sseKeepAliveInterval = 15 * time.Second
)

// Daemon is the control surface the API drives.
type Daemon interface {
	Status(ctx context.Context) ([]daemon.ShardStatus, error)
	ShardStatus(ctx context.Context, name string) (daemon.ShardStatus, error)
	StartShard(ctx context.Context, name string) error
	StopShard(ctx context.Context, name string) error
	StartAll(ctx context.Context) error
	StopAll(ctx context.Context) error
	Rebuild(ctx context.Context, name string, timeout time.Duration) (rebuild.Result, error)
	DeadLetters(ctx context.Context, name string, limit int) ([]storage.DeadLetter, error)
	Subscribe() (<-chan daemon.ShardState, func())
}

// Handler serves the operator API.
type Handler struct {
	daemon Daemon
	// dropped reports notifications lost by slow subscribers.
	dropped func() uint64
	logf    func(format string, args ...any)
}

// NewHandler returns the chi router of the operator API.
func NewHandler(d Daemon, dropped func() uint64, logf func(format string, args ...any)) http.Handler {
	if logf == nil {
		logf = log.Printf
	}
	if dropped == nil {
		dropped = func() uint64 { return 0 }
	}
	h := &Handler{daemon: d, dropped: dropped, logf: logf}

	r := chi.NewRouter()
	r.Get("/healthz", h.handleHealth)
	r.Route("/shards", func(r chi.Router) {
		r.Get("/", h.handleList)
		r.Post("/start", h.handleStartAll)
		r.Post("/stop", h.handleStopAll)
		r.Get("/{name}", h.handleShard)
		r.Post("/{name}/start", h.handleStart)
		r.Post("/{name}/stop", h.handleStop)
		r.Post("/{name}/rebuild", h.handleRebuild)
		r.Get("/{name}/deadletters", h.handleDeadLetters)
	})
	r.Get("/events", h.handleEvents)
	return r
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body Response) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logf("operator api: encode response: %v", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	h.writeJSON(w, code.HTTPStatus(), errorResponse(string(code), err.Error()))
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	statuses, err := h.daemon.Status(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, okResponse(HealthResponse{
		Shards:  len(statuses),
		Running: countRunning(statuses),
		Dropped: h.dropped(),
	}))
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	statuses, err := h.daemon.Status(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, okResponse(statuses))
}

func (h *Handler) handleShard(w http.ResponseWriter, r *http.Request) {
	status, err := h.daemon.ShardStatus(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, okResponse(status))
}

func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.daemon.StartShard(r.Context(), name); err != nil {
		h.writeError(w, err)
		return
	}
	h.respondStatus(w, r, name)
}

func (h *Handler) handleStop(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.daemon.StopShard(r.Context(), name); err != nil {
		h.writeError(w, err)
		return
	}
	h.respondStatus(w, r, name)
}

func (h *Handler) respondStatus(w http.ResponseWriter, r *http.Request, name string) {
	status, err := h.daemon.ShardStatus(r.Context(), name)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, okResponse(status))
}

func (h *Handler) handleStartAll(w http.ResponseWriter, r *http.Request) {
	if err := h.daemon.StartAll(r.Context()); err != nil {
		h.writeError(w, err)
		return
	}
	h.handleList(w, r)
}

func (h *Handler) handleStopAll(w http.ResponseWriter, r *http.Request) {
	if err := h.daemon.StopAll(r.Context()); err != nil {
		h.writeError(w, err)
		return
	}
	h.handleList(w, r)
}

func (h *Handler) handleRebuild(w http.ResponseWriter, r *http.Request) {
	var timeout time.Duration
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 || parsed > maxRebuildTimeout {
			h.writeJSON(w, http.StatusBadRequest, errorResponse(string(apperrors.CodeProjectionConfig),
				fmt.Sprintf("invalid timeout %q", raw)))
			return
		}
		timeout = parsed
	}
	result, err := h.daemon.Rebuild(r.Context(), chi.URLParam(r, "name"), timeout)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, okResponse(result))
}

func (h *Handler) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := defaultLetterLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			h.writeJSON(w, http.StatusBadRequest, errorResponse(string(apperrors.CodeProjectionConfig),
				fmt.Sprintf("invalid limit %q", raw)))
			return
		}
		limit = parsed
	}
	letters, err := h.daemon.DeadLetters(r.Context(), chi.URLParam(r, "name"), limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, okResponse(letters))
}

// handleEvents streams shard notifications until the client disconnects.
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeJSON(w, http.StatusInternalServerError, errorResponse(string(apperrors.CodeUnknown), "streaming unsupported"))
		return
	}
	updates, cancel := h.daemon.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", contentTypeSSE)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepAlive := time.NewTicker(sseKeepAliveInterval)
	defer keepAlive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case state, ok := <-updates:
			if !ok {
				return
			}
			payload, err := json.Marshal(state)
			if err != nil {
				h.logf("operator api: encode notification: %v", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", state.Action, payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
