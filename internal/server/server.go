// Package server provides the HTTP REST API for the application engine.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"

	"github.com/jonathan/autoapply/internal/approval"
	"github.com/jonathan/autoapply/internal/queue"
	"github.com/jonathan/autoapply/internal/runs"
	"github.com/jonathan/autoapply/internal/server/middleware"
	"github.com/jonathan/autoapply/internal/store"
	"github.com/jonathan/autoapply/internal/workflow"
)

// maxBodyBytes caps request bodies; approval form snapshots are the largest.
const maxBodyBytes = 1 << 20

var validate = newValidator()

// newValidator reports field errors under their JSON names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	if err := v.RegisterValidation("notblank", validators.NotBlank); err != nil {
		panic(err)
	}
	return v
}

// Server represents the HTTP server
type Server struct {
	httpServer *http.Server
	store      store.Store
	engine     *workflow.Engine
	queue      *queue.Queue
	gate       *approval.Gate
	runs       *runs.Orchestrator
	jwtService *JWTService
	logger     *slog.Logger
}

// Config holds server configuration
type Config struct {
	Addr string
}

// Deps are the engine components the API exposes.
type Deps struct {
	Engine *workflow.Engine
	Queue  *queue.Queue
	Gate   *approval.Gate
	Runs   *runs.Orchestrator
	JWT    *JWTService
	Logger *slog.Logger
}

// New creates a new server instance
func New(cfg Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		store:      deps.Engine.Store(),
		engine:     deps.Engine,
		queue:      deps.Queue,
		gate:       deps.Gate,
		runs:       deps.Runs,
		jwtService: deps.JWT,
		logger:     logger,
	}

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	auth := middleware.AuthMiddleware(s.jwtService.AsTokenValidator())
	optionalAuth := middleware.OptionalAuthMiddleware(s.jwtService.AsTokenValidator())
	authed := func(h http.HandlerFunc) http.Handler { return auth(h) }

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)

	// Runs
	mux.Handle("POST /runs", authed(s.handleCreateRun))
	mux.Handle("GET /runs", authed(s.handleListRuns))
	mux.Handle("POST /runs/start-next", authed(s.handleStartNextRun))
	mux.Handle("GET /runs/{id}", authed(s.handleGetRun))
	mux.Handle("DELETE /runs/{id}", authed(s.handleDeleteRun))
	mux.Handle("POST /runs/{id}/jobs", authed(s.handleAddJobs))
	mux.Handle("POST /runs/{id}/complete", authed(s.handleCompleteRun))
	mux.Handle("GET /runs/{id}/tasks", authed(s.handleListRunTasks))

	// Tasks
	mux.Handle("GET /tasks/{id}", authed(s.handleGetTask))
	mux.Handle("POST /tasks/{id}/transition", authed(s.handleTransitionTask))
	mux.Handle("POST /tasks/{id}/resume", authed(s.handleResumeTask))

	// Approvals; the decision endpoint also accepts the one-time link token
	mux.Handle("POST /approvals", authed(s.handleCreateApproval))
	mux.Handle("GET /approvals/{id}", authed(s.handleGetApproval))
	mux.Handle("POST /approvals/{id}/approve", optionalAuth(http.HandlerFunc(s.handleResolveApproval)))

	return s.withLogging(s.withCORS(mux))
}

// Start listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	s.logger.Info("server stopped")
	return nil
}

// withCORS adds CORS headers
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// withLogging adds request logging
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
			"remote", r.RemoteAddr,
		)
	})
}

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.jsonResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

// jsonResponse writes a JSON response
func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode JSON response", "error", err)
	}
}

// errorResponse writes an error JSON response
func (s *Server) errorResponse(w http.ResponseWriter, status int, message string) {
	s.jsonResponse(w, status, map[string]string{"error": message})
}

// writeError maps err to a status and writes it. Internal errors are logged
// and not echoed.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := HTTPStatus(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		s.errorResponse(w, status, "internal server error")
		return
	}
	s.errorResponse(w, status, err.Error())
}

// readBody reads a size-limited request body.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, &ErrValidation{Field: "body", Message: err.Error()}
	}
	return body, nil
}

// decodeJSON decodes a request body into dst and validates it. An empty
// body decodes as {}.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	body, err := readBody(w, r)
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		body = []byte("{}")
	}
	dec := json.NewDecoder(strings.NewReader(string(body)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return &ErrValidation{Field: "body", Message: "invalid JSON: " + err.Error()}
	}
	if err := validate.Struct(dst); err != nil {
		return fromValidator(err)
	}
	return nil
}

// parseQueryInt parses an integer query parameter with a default and cap
func parseQueryInt(r *http.Request, key string, defaultValue, maxValue int) int {
	valStr := r.URL.Query().Get(key)
	if valStr == "" {
		return defaultValue
	}
	val, err := strconv.Atoi(valStr)
	if err != nil || val < 0 {
		return defaultValue
	}
	if maxValue > 0 && val > maxValue {
		return maxValue
	}
	return val
}
