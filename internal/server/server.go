package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jonathan/workflow-runner/internal/config"
	"github.com/jonathan/workflow-runner/internal/events"
	"github.com/jonathan/workflow-runner/internal/queue"
	"github.com/jonathan/workflow-runner/internal/repository"
	"github.com/jonathan/workflow-runner/internal/server/middleware"
	"github.com/jonathan/workflow-runner/internal/server/ratelimit"
	"github.com/jonathan/workflow-runner/internal/types"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

// Admin is the engine surface the API drives. *engine.Engine satisfies it.
type Admin interface {
	TriggerRun(ctx context.Context, workflowID uuid.UUID, triggeredBy *string) (*queue.Job, error)
	RetryFromStep(ctx context.Context, runID, itemID uuid.UUID, stepID string) (*queue.Job, error)
	SkipStep(ctx context.Context, runID, itemID uuid.UUID, stepID string) (*types.PluginRun, error)
	CancelRun(ctx context.Context, runID uuid.UUID) (*types.WorkflowRun, error)
	DeleteRun(ctx context.Context, runID uuid.UUID) error
}

// Queues is the queue administration surface. *queue.Queue satisfies it.
type Queues interface {
	Counts(ctx context.Context, queueName string) (map[queue.State]int, error)
	IsPaused(ctx context.Context, queueName string) (bool, error)
	Pause(ctx context.Context, queueName string) error
	Resume(ctx context.Context, queueName string) error
	ListJobs(ctx context.Context, queueName string, states ...queue.State) ([]queue.Job, error)
	RetryJob(ctx context.Context, queueName, id string) (*queue.Job, error)
	RemoveJob(ctx context.Context, queueName, id string) error
}

// EventSource streams lifecycle events. *events.Bus satisfies it.
type EventSource interface {
	Subscribe(channel string, sub events.Subscriber) func()
}

// Server represents the HTTP server
type Server struct {
	httpServer  *http.Server
	repo        repository.Repository
	admin       Admin
	queues      Queues
	events      EventSource
	jwtService  *JWTService
	rateLimiter *ratelimit.Limiter
	logger      *zap.SugaredLogger
}

// Config holds server configuration
type Config struct {
	Port int
	// JWT enables bearer authentication on every route except /health.
	JWT *config.JWTConfig
	// RateLimit defaults to ratelimit.LoadConfig().
	RateLimit *ratelimit.Config
}

// Deps are the collaborators the handlers call into.
type Deps struct {
	Repo   repository.Repository
	Admin  Admin
	Queues Queues
	Events EventSource
	Logger *zap.SugaredLogger
}

// New creates a new server instance
func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Repo == nil || deps.Admin == nil || deps.Queues == nil || deps.Events == nil {
		return nil, fmt.Errorf("server requires a repository, engine, queue and event source")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	s := &Server{
		repo:   deps.Repo,
		admin:  deps.Admin,
		queues: deps.Queues,
		events: deps.Events,
		logger: logger,
	}

	rateConfig := cfg.RateLimit
	if rateConfig == nil {
		rateConfig = ratelimit.LoadConfig()
	}
	s.rateLimiter = ratelimit.NewLimiter(rateConfig)

	if cfg.JWT != nil {
		s.jwtService = NewJWTService(cfg.JWT)
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second, // cleared per request by the event stream
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// Handler returns the routed handler with the full middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)

	// Workflows
	mux.HandleFunc("GET /workflows", s.handleListWorkflows)
	mux.HandleFunc("POST /workflows", s.handleCreateWorkflow)
	mux.HandleFunc("GET /workflows/{id}", s.handleGetWorkflow)
	mux.HandleFunc("PATCH /workflows/{id}", s.handleUpdateWorkflow)
	mux.HandleFunc("DELETE /workflows/{id}", s.handleDeleteWorkflow)
	mux.HandleFunc("POST /workflows/{id}/runs", s.handleTriggerRun)

	// Runs
	mux.HandleFunc("GET /runs", s.handleListRuns)
	mux.HandleFunc("GET /runs/{id}", s.handleGetRun)
	mux.HandleFunc("POST /runs/{id}/cancel", s.handleCancelRun)
	mux.HandleFunc("DELETE /runs/{id}", s.handleDeleteRun)
	mux.HandleFunc("GET /runs/{id}/plugin-runs", s.handleListPluginRuns)
	mux.HandleFunc("POST /runs/{id}/items/{item_id}/steps/{step_id}/retry", s.handleRetryStep)
	mux.HandleFunc("POST /runs/{id}/items/{item_id}/steps/{step_id}/skip", s.handleSkipStep)

	// Items
	mux.HandleFunc("GET /items/{id}", s.handleGetItem)

	// Queues
	mux.HandleFunc("GET /queues/{name}", s.handleQueueStats)
	mux.HandleFunc("POST /queues/{name}/pause", s.handlePauseQueue)
	mux.HandleFunc("POST /queues/{name}/resume", s.handleResumeQueue)
	mux.HandleFunc("GET /queues/{name}/jobs", s.handleListJobs)
	mux.HandleFunc("POST /queues/{name}/jobs/{job_id}/retry", s.handleRetryJob)
	mux.HandleFunc("DELETE /queues/{name}/jobs/{job_id}", s.handleRemoveJob)

	// Events
	mux.HandleFunc("GET /events", s.handleEvents)

	var handler http.Handler = mux
	if s.jwtService != nil {
		handler = middleware.AuthMiddleware(s.jwtService.AsTokenValidator(), "/health")(handler)
	}
	return s.withLogging(s.withCORS(s.withRateLimit(handler)))
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Infow("server starting", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		s.rateLimiter.Stop()
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := s.httpServer.Shutdown(shutdownCtx)
	s.rateLimiter.Stop()
	if err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	s.logger.Info("server stopped")
	return nil
}

// withCORS adds CORS headers
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// withRateLimit adds rate limiting middleware
func (s *Server) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, info := s.rateLimiter.Allow(s.extractClientID(r), r.URL.Path, r.Method)
		s.setRateLimitHeaders(w, info)
		if !allowed {
			s.rateLimitResponse(w, info)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response status for request logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Flush forwards to the underlying writer so event streams keep working.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// withLogging adds request logging
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debugw("request",
			"method", r.Method,
			"path", r.URL.Path,
			"remote", r.RemoteAddr,
			"status", rec.status,
			"duration", time.Since(start),
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
		s.logger.Warnw("failed to encode JSON response", "error", err)
	}
}

// errorResponse writes an error JSON response
func (s *Server) errorResponse(w http.ResponseWriter, status int, message string) {
	s.jsonResponse(w, status, map[string]string{"error": message})
}

// writeError maps err to a status with HTTPStatus. Server errors are logged
// and not echoed to the client.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Errorw("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		s.errorResponse(w, status, "internal server error")
		return
	}
	s.errorResponse(w, status, err.Error())
}

// pathUUID parses the named path value as a UUID.
func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		return uuid.Nil, &ErrValidation{Field: name, Message: "must be a UUID"}
	}
	return id, nil
}

// decodeJSON reads the request body into v. An empty body leaves v unchanged.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return &ErrValidation{Field: "body", Message: err.Error()}
	}
	return nil
}

// extractClientID extracts the client identifier from the request.
// This uses the IP address from RemoteAddr.
func (s *Server) extractClientID(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// setRateLimitHeaders sets standard rate limit headers on the response.
func (s *Server) setRateLimitHeaders(w http.ResponseWriter, info ratelimit.Info) {
	if info.Limit > 0 {
		w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", info.Limit))
		w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", info.Remaining))
		w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", info.ResetTime.Unix()))
	}
}

// rateLimitResponse writes a 429 Too Many Requests response with rate limit information.
func (s *Server) rateLimitResponse(w http.ResponseWriter, info ratelimit.Info) {
	response := map[string]any{
		"error":     "rate_limit_exceeded",
		"message":   "Rate limit exceeded. Please try again later.",
		"limit":     info.Limit,
		"remaining": info.Remaining,
		"reset_at":  info.ResetTime.Format(time.RFC3339),
	}

	if info.RetryAfter > 0 {
		seconds := int(info.RetryAfter.Seconds())
		if seconds < 1 {
			seconds = 1
		}
		response["retry_after"] = seconds
		w.Header().Set("Retry-After", fmt.Sprintf("%d", seconds))
	}

	s.logger.Warnw("rate limit exceeded", "limit", info.Limit, "reset", info.ResetTime.Format(time.RFC3339))
	s.jsonResponse(w, http.StatusTooManyRequests, response)
}
