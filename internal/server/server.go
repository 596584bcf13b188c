// File: internal/server/server.go
// HTTP surface for the task engine: submit plans, poll task state, stream
// evidence over SSE, fetch artifacts, and resume paused runs.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/marionette/api/schemas"
	"github.com/xkilldash9x/marionette/internal/config"
	"github.com/xkilldash9x/marionette/internal/engine"
	"github.com/xkilldash9x/marionette/internal/evidence"
	"github.com/xkilldash9x/marionette/internal/registry"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Server hosts the task API over one engine instance.
type Server struct {
	cfg      config.ServerConfig
	engine   *engine.Engine
	registry *registry.Registry
	store    *evidence.Store
	logger   *zap.Logger
	httpSrv  *http.Server
}

// New builds the server and its router.
func New(
	cfg config.ServerConfig,
	eng *engine.Engine,
	reg *registry.Registry,
	store *evidence.Store,
	logger *zap.Logger,
) *Server {
	s := &Server{
		cfg:      cfg,
		engine:   eng,
		registry: reg,
		store:    store,
		logger:   logger.Named("Server"),
	}
	s.httpSrv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.routes(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	base := s.cfg.BasePath
	if base == "" {
		base = "/v1"
	}
	r.Route(base, func(r chi.Router) {
		if s.cfg.JWTSecret != "" {
			r.Use(s.requireJWT)
		}
		r.Post("/tasks", s.handleCreateTask)
		r.Get("/tasks", s.handleListTasks)
		r.Get("/tasks/{requestID}", s.handleGetTask)
		r.Post("/tasks/{requestID}/resume", s.handleResumeTask)
		r.Get("/tasks/{requestID}/events", s.handleStreamEvents)
		r.Get("/tasks/{requestID}/artifacts/{artifactID}", s.handleGetArtifact)
	})
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return r
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", zap.String("addr", s.cfg.Addr))
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return <-errCh
}

// createTaskRequest is the POST /tasks body.
type createTaskRequest struct {
	RequestID string        `json:"request_id,omitempty"`
	UserText  string        `json:"user_text,omitempty"`
	Plan      *schemas.Plan `json:"plan"`
	DryRun    bool          `json:"dry_run,omitempty"`
}

type createTaskResponse struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
}

// handleCreateTask validates the plan and launches the run asynchronously.
// Callers poll GET /tasks/{id} or stream /events for progress.
func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if req.Plan == nil {
		s.writeError(w, http.StatusBadRequest, schemas.ErrMalformedPlan)
		return
	}
	if err := req.Plan.Validate(); err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err)
		return
	}

	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	// Reject reused ids before launching; the registry also rejects them at
	// Create, which covers the race between two concurrent submissions.
	if _, err := s.registry.Get(requestID); err == nil {
		s.writeError(w, http.StatusConflict, fmt.Errorf("task %q already exists", requestID))
		return
	}
	plan := req.Plan
	opts := engine.RunOptions{DryRun: req.DryRun, UserText: req.UserText}

	// The run detaches from the request context: closing the HTTP connection
	// must not cancel a desktop automation mid-plan.
	go func() {
		if _, err := s.engine.Run(context.Background(), requestID, plan, opts); err != nil {
			s.logger.Error("Run rejected", zap.String("request_id", requestID), zap.Error(err))
		}
	}()

	s.writeJSON(w, http.StatusAccepted, createTaskResponse{
		RequestID: requestID,
		Status:    string(registry.StatusRunning),
	})
}

func (s *Server) handleListTasks(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.registry.List(50))
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "requestID")
	record, err := s.registry.Get(requestID)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	s.writeJSON(w, http.StatusOK, record)
}

type resumeRequest struct {
	Option string `json:"option"`
}

func (s *Server) handleResumeTask(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "requestID")
	var req resumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	// Resume detaches from the request context just like task creation does;
	// callers poll or stream for the outcome.
	if err := s.engine.ResumeAsync(requestID, req.Option); err != nil {
		s.writeError(w, http.StatusConflict, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, createTaskResponse{
		RequestID: requestID,
		Status:    string(registry.StatusRunning),
	})
}

// handleStreamEvents streams the request's evidence over SSE. Late joiners
// first receive the bounded recent window, then live events.
func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "requestID")
	if _, err := s.registry.Get(requestID); err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, fmt.Errorf("streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	events, cancel := s.store.Subscribe(requestID)
	defer cancel()

	writeEvent := func(ev schemas.EvidenceEvent) bool {
		data, err := evidence.MarshalEvent(ev)
		if err != nil {
			return false
		}
		if _, err := fmt.Fprintf(w, "id: %d\ndata: %s\n\n", ev.Seq, data); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	// Replay the recent window so a late joiner gets context; the subscription
	// was taken first, so duplicates are filtered by sequence number.
	var lastSeq uint64
	for _, ev := range s.store.Recent(requestID) {
		if !writeEvent(ev) {
			return
		}
		lastSeq = ev.Seq
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-events:
			if !open {
				return
			}
			if ev.Seq <= lastSeq {
				continue
			}
			if !writeEvent(ev) {
				return
			}
			lastSeq = ev.Seq
		}
	}
}

func (s *Server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "requestID")
	artifactID := chi.URLParam(r, "artifactID")

	data, ref, err := s.store.Artifact(requestID, artifactID)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	w.Header().Set("Content-Type", ref.MIME)
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(data)))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// logRequests is a minimal zap access logger.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)))
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
