package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/browser-fetch-engine/internal/crawler"
	"github.com/JakeFAU/browser-fetch-engine/internal/ingest"
	"github.com/JakeFAU/browser-fetch-engine/internal/metrics"
	"github.com/JakeFAU/browser-fetch-engine/internal/store"
)

// TaskService is the ingestion boundary the handlers call;
// *ingest.Service satisfies it.
type TaskService interface {
	Submit(ctx context.Context, req ingest.Request) (string, error)
	Status(ctx context.Context, id string) (store.TaskStatus, error)
	ExecuteAndWait(ctx context.Context, req ingest.Request) (crawler.FetchResult, error)
	Cancel(ctx context.Context, id string) error
}

// ReadinessChecker reports whether the engine accepts work.
type ReadinessChecker interface {
	IsActive() bool
}

// Config controls middleware behavior.
type Config struct {
	AuthEnabled    bool
	APIKey         string
	RequestTimeout time.Duration
}

// Server wires HTTP handlers to the ingestion service.
type Server struct {
	router chi.Router
	tasks  TaskService
	ready  ReadinessChecker
	cfg    Config
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes. ready may be nil.
func NewServer(tasks TaskService, ready ReadinessChecker, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		tasks:  tasks,
		ready:  ready,
		cfg:    cfg,
		logger: logger.Named("api"),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1/tasks", func(r chi.Router) {
		if cfg.AuthEnabled {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		// execute blocks for as long as the fetch takes and bounds itself.
		r.Post("/execute", s.executeTask)
		r.Group(func(r chi.Router) {
			if cfg.RequestTimeout > 0 {
				r.Use(timeoutMiddleware(cfg.RequestTimeout))
			}
			r.Post("/", s.submitTask)
			r.Get("/{id}", s.getTaskStatus)
			r.Post("/{id}/cancel", s.cancelTask)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.ready != nil && !s.ready.IsActive() {
		s.writeError(w, http.StatusServiceUnavailable, "shutting down")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var req ingest.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	id, err := s.tasks.Submit(r.Context(), req)
	if err != nil && id == "" {
		s.writeError(w, statusForError(err), err.Error())
		return
	}
	body := map[string]string{"id": id}
	if err != nil {
		// The seed task is queued even when its tails were not.
		body["error"] = err.Error()
	}
	s.writeJSON(w, http.StatusAccepted, body)
}

func (s *Server) getTaskStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	st, err := s.tasks.Status(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to load task status")
		return
	}
	code := http.StatusOK
	if st.State == crawler.StatusCodeNotFound {
		code = http.StatusNotFound
	}
	s.writeJSON(w, code, st)
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.tasks.Cancel(r.Context(), id); err != nil {
		s.writeError(w, statusForError(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"id": id, "state": string(crawler.StatusCodeCanceled)})
}

func (s *Server) executeTask(w http.ResponseWriter, r *http.Request) {
	var req ingest.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	result, err := s.tasks.ExecuteAndWait(r.Context(), req)
	if err != nil {
		s.writeError(w, statusForError(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, newExecuteResponse(result))
}

type executeResponse struct {
	ID             string             `json:"id"`
	URL            string             `json:"url"`
	State          crawler.StatusCode `json:"state"`
	Scope          crawler.RetryScope `json:"scope,omitempty"`
	Message        string             `json:"message,omitempty"`
	SessionRetired bool               `json:"session_retired"`
	ContentType    string             `json:"content_type,omitempty"`
	Content        string             `json:"content,omitempty"`
}

// newExecuteResponse copies page content only for successful results; a
// canceled task may still be owned by its executing goroutine.
func newExecuteResponse(result crawler.FetchResult) executeResponse {
	resp := executeResponse{
		State:          result.Status.Code,
		Scope:          result.Status.Scope,
		Message:        result.Status.Message,
		SessionRetired: result.SessionRetired,
	}
	if task := result.Task; task != nil {
		resp.ID = task.ID
		resp.URL = task.URL
		if result.IsSuccess() && task.Page != nil {
			resp.ContentType = task.Page.ContentType
			resp.Content = string(task.Page.Content)
		}
	}
	return resp
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, ingest.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, ingest.ErrCacheFull):
		return http.StatusServiceUnavailable
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", requestID(r.Context())),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered",
					zap.Any("panic", rec),
					zap.String("path", r.URL.Path),
					zap.Stack("stack"),
				)
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeJSON(w, http.StatusForbidden, map[string]string{"error": "unauthorized"}, nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	writeJSON(w, status, payload, s.logger)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg}, s.logger)
}

func writeJSON(w http.ResponseWriter, status int, payload any, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil && logger != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}
