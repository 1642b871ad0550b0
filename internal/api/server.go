package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"forcesync/internal/admission"
	"forcesync/internal/config"
	"forcesync/internal/identity"
	"forcesync/internal/logger"
	"forcesync/internal/models"
	"forcesync/internal/ratelimit"
	"forcesync/internal/session"
	"forcesync/internal/store"
	"forcesync/internal/telemetry"
)

const maxBodyBytes = 1 << 20

// Service is the orchestrator surface the HTTP layer drives.
type Service interface {
	Trigger(ctx context.Context, opts models.ForceSyncOptions) (*models.SyncSession, error)
	TriggerAsync(ctx context.Context, opts models.ForceSyncOptions) (*models.SyncSession, error)
	Status(ctx context.Context, id string) (*models.SyncSession, error)
	Cancel(ctx context.Context, id, reason string) (*models.SyncSession, error)
	History(ctx context.Context, correlationID string) ([]models.LifecycleEvent, error)
	Subscribe(ctx context.Context, correlationID string) (<-chan models.LifecycleEvent, error)
	LastCompletedAt() time.Time
	StatusURL(id string) string
	EventsURL(correlationID string) string
}

// Server wires HTTP handlers for the force-sync API.
type Server struct {
	cfg     config.Config
	svc     Service
	limiter ratelimit.Limiter
	log     zerolog.Logger
}

// New constructs the API server. limiter may be nil.
func New(cfg config.Config, svc Service, limiter ratelimit.Limiter) *Server {
	return &Server{
		cfg:     cfg,
		svc:     svc,
		limiter: limiter,
		log:     logger.Component("api"),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLog)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/sync", func(r chi.Router) {
		r.With(s.rateLimit, limitBody).Post("/", s.handleTrigger)
		r.With(s.rateLimit, limitBody).Post("/async", s.handleTriggerAsync)
		r.Get("/status/{id}", s.handleStatus)
		r.Delete("/status/{id}", s.handleCancel)
		r.Get("/events/{correlationID}", s.handleEvents)
		r.Get("/last", s.handleLast)
	})
	return r
}

// triggerResponse is the body of POST /sync for every outcome.
type triggerResponse struct {
	Success          bool   `json:"success"`
	CorrelationID    string `json:"correlation_id,omitempty"`
	SessionID        string `json:"session_id,omitempty"`
	WorkflowID       string `json:"workflow_id,omitempty"`
	PollingURL       string `json:"polling_url,omitempty"`
	Message          string `json:"message"`
	ExternalEnhanced bool   `json:"external_enhanced"`
	// InternalPlaceholder marks a success that stands on a placeholder
	// workflow because the internal engine could not be reached.
	InternalPlaceholder bool   `json:"internal_placeholder"`
	EstimatedDuration   string `json:"estimated_duration,omitempty"`
	Status              string `json:"status,omitempty"`
}

type asyncResponse struct {
	JobID             string            `json:"job_id"`
	CorrelationID     string            `json:"correlation_id"`
	Status            string            `json:"status"`
	PollingURLs       map[string]string `json:"polling_urls"`
	EstimatedDuration string            `json:"estimated_duration"`
}

type statusResponse struct {
	SessionID     string              `json:"session_id"`
	CorrelationID string              `json:"correlation_id"`
	Status        models.Status       `json:"status"`
	Progress      int                 `json:"progress"`
	Message       string              `json:"message"`
	Async         bool                `json:"async"`
	StartedAt     time.Time           `json:"started_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
	CompletedAt   *time.Time          `json:"completed_at,omitempty"`
	Details       *models.SyncResults `json:"details,omitempty"`
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	opts, err := decodeTrigger(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, triggerResponse{Message: err.Error()})
		return
	}

	sess, err := s.svc.Trigger(r.Context(), opts)
	if err != nil {
		s.writeTriggerError(w, r, err)
		return
	}

	resp := triggerResponse{
		CorrelationID:     sess.CorrelationID,
		SessionID:         sess.ID,
		PollingURL:        s.svc.StatusURL(sess.ID),
		Message:           sess.Message,
		Status:            string(sess.Status),
		EstimatedDuration: sess.Options.SyncScope.EstimatedDuration().String(),
	}
	if d := sess.Details; d != nil {
		resp.Success = sess.Status == models.StatusCompleted && d.Success
		resp.WorkflowID = d.WorkflowID
		resp.ExternalEnhanced = d.ExternalEnabled
		resp.InternalPlaceholder = d.Internal != nil && d.Internal.Placeholder
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTriggerAsync(w http.ResponseWriter, r *http.Request) {
	opts, err := decodeTrigger(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, triggerResponse{Message: err.Error()})
		return
	}

	sess, err := s.svc.TriggerAsync(r.Context(), opts)
	if err != nil {
		s.writeTriggerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, asyncResponse{
		JobID:         sess.ID,
		CorrelationID: sess.CorrelationID,
		Status:        "queued",
		PollingURLs: map[string]string{
			"status": s.svc.StatusURL(sess.ID),
			"events": s.svc.EventsURL(sess.CorrelationID),
		},
		EstimatedDuration: sess.Options.SyncScope.EstimatedDuration().String(),
	})
}

// writeTriggerError normalizes every trigger failure into the response
// shape; raw errors are only logged.
func (s *Server) writeTriggerError(w http.ResponseWriter, r *http.Request, err error) {
	var conflict *admission.ConflictError
	var cfgErr *identity.ConfigError
	switch {
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, triggerResponse{
			CorrelationID: conflict.Existing.CorrelationID,
			SessionID:     conflict.Existing.ID,
			PollingURL:    conflict.PollingURL,
			Status:        string(conflict.Existing.Status),
			Message:       "A force sync is already in progress",
		})
	case errors.As(err, &cfgErr):
		s.log.Error().Strs("errors", cfgErr.Errors).Str("request_id", middleware.GetReqID(r.Context())).
			Msg("trigger rejected: invalid external identity configuration")
		writeJSON(w, http.StatusInternalServerError, triggerResponse{
			Message: "Force sync unavailable: external agent configuration is invalid",
		})
	default:
		s.log.Error().Err(err).Str("request_id", middleware.GetReqID(r.Context())).Msg("trigger failed")
		writeJSON(w, http.StatusInternalServerError, triggerResponse{Message: "Force sync failed"})
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	sess, err := s.svc.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toStatus(sess))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	sess, err := s.svc.Cancel(r.Context(), chi.URLParam(r, "id"), r.URL.Query().Get("reason"))
	switch {
	case errors.Is(err, session.ErrNotCancellable):
		resp := map[string]any{"success": false, "message": "Session is not cancellable"}
		if sess != nil {
			resp["status"] = sess.Status
		}
		writeJSON(w, http.StatusBadRequest, resp)
	case err != nil:
		s.writeLookupError(w, err)
	default:
		writeJSON(w, http.StatusOK, toStatus(sess))
	}
}

func (s *Server) writeLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "message": "Session not found"})
		return
	}
	s.log.Error().Err(err).Msg("session lookup failed")
	writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "message": "Session lookup failed"})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	corr := chi.URLParam(r, "correlationID")
	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		s.streamEvents(w, r, corr)
		return
	}
	hist, err := s.svc.History(r.Context(), corr)
	if err != nil {
		s.log.Error().Err(err).Str("correlation_id", corr).Msg("read event history failed")
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "message": "Event history unavailable"})
		return
	}
	if hist == nil {
		hist = []models.LifecycleEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"correlation_id": corr, "events": hist})
}

// streamEvents replays history then follows live events as SSE until the
// final event or the client disconnects.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request, corr string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	ch, err := s.svc.Subscribe(r.Context(), corr)
	if err != nil {
		http.Error(w, "subscribe failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range ch {
		data, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.EventType, data)
		flusher.Flush()
	}
}

func (s *Server) handleLast(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{"last_completed_at": nil}
	if t := s.svc.LastCompletedAt(); !t.IsZero() {
		resp["last_completed_at"] = t
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		allowed, err := s.limiter.Allow(r.Context(), tenantFromRequest(r))
		if err != nil {
			s.log.Error().Err(err).Msg("rate limiter unavailable")
			writeJSON(w, http.StatusInternalServerError, triggerResponse{Message: "Rate limiter unavailable"})
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeJSON(w, http.StatusTooManyRequests, triggerResponse{Message: "Too many force sync requests"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		if r.URL.Path == "/healthz" || strings.HasPrefix(r.URL.Path, "/metrics") {
			return
		}
		s.log.Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

func limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		next.ServeHTTP(w, r)
	})
}

// decodeTrigger validates the body against the trigger schema and resolves
// the sync scope. An empty body means all defaults.
func decodeTrigger(r *http.Request) (models.ForceSyncOptions, error) {
	var opts models.ForceSyncOptions
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return opts, fmt.Errorf("read body: %w", err)
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		body = []byte("{}")
	}
	if err := validateTrigger(body); err != nil {
		return opts, err
	}
	if err := json.Unmarshal(body, &opts); err != nil {
		return opts, fmt.Errorf("invalid json: %w", err)
	}
	scope, err := models.ParseScope(string(opts.SyncScope))
	if err != nil {
		return opts, err
	}
	opts.SyncScope = scope
	return opts, nil
}

func toStatus(s *models.SyncSession) statusResponse {
	return statusResponse{
		SessionID:     s.ID,
		CorrelationID: s.CorrelationID,
		Status:        s.Status,
		Progress:      s.ProgressPercent,
		Message:       s.Message,
		Async:         s.Async,
		StartedAt:     s.StartedAt,
		UpdatedAt:     s.UpdatedAt,
		CompletedAt:   s.CompletedAt,
		Details:       s.Details,
	}
}

func tenantFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Tenant-ID"); v != "" {
		return v
	}
	return "default"
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
