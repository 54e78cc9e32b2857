package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"Mailer/internal/apperrors"
	"Mailer/internal/config"
	"Mailer/internal/models"
)

const maxBodyBytes = 1 << 20

// CommandQueue is the part of the queue the API needs.
type CommandQueue interface {
	Enqueue(ctx context.Context, req models.MessageRequest) (string, error)
	Get(ctx context.Context, id string) (*models.PersistentCommand, error)
	Stats(ctx context.Context) (*models.QueueStats, error)
}

type Handler struct {
	Queue CommandQueue
	Log   *zap.Logger
}

// Router mounts the enqueue and status endpoints. A positive cfg.RateLimit
// throttles all requests with a token bucket.
func (h *Handler) Router(cfg config.APIConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.logRequests)
	r.Use(middleware.Recoverer)
	if cfg.RateLimit > 0 {
		r.Use(throttle(rate.NewLimiter(rate.Limit(cfg.RateLimit), max(cfg.Burst, 1))))
	}

	r.Get("/healthz", h.Health)
	r.Get("/stats", h.Stats)

	r.Route("/commands", func(r chi.Router) {
		r.Post("/", h.Enqueue)
		r.Get("/{id}", h.Status)
	})

	return r
}

// Enqueue accepts a MessageRequest and stores it as a pending command.
func (h *Handler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req models.MessageRequest

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	id, err := h.Queue.Enqueue(r.Context(), req)
	if err != nil {
		h.writeQueueError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"id":    id,
		"state": models.StatePending,
	})
}

// Status returns the stored command, including its state and last error.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	cmd, err := h.Queue.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeQueueError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, cmd)
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Queue.Stats(r.Context())
	if err != nil {
		h.writeQueueError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

// Health reports whether the command store answers.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if _, err := h.Queue.Stats(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"error":  err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) writeQueueError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *apperrors.ValidationError

	switch {
	case errors.As(err, &verr) && verr.Field == "id":
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, apperrors.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case apperrors.IsStoreError(err):
		h.Log.Error("command store error",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
		writeError(w, http.StatusServiceUnavailable, "command store unavailable")
	default:
		h.Log.Error("request failed",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		h.Log.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func throttle(limiter *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
