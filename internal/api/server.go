// Package api implements the HTTP API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/aerie/internal/agent"
	"github.com/nugget/aerie/internal/buildinfo"
	"github.com/nugget/aerie/internal/connwatch"
	"github.com/nugget/aerie/internal/memory"
	"github.com/nugget/aerie/internal/metrics"
	"github.com/nugget/aerie/internal/tools"
)

// maxBodyBytes bounds chat request bodies.
const maxBodyBytes = 64 << 10

// Runner answers chat messages. *agent.Loop satisfies it.
type Runner interface {
	Run(ctx context.Context, req *agent.Request) (*agent.Response, error)
}

// History exposes conversation memory. *memory.Store satisfies it.
type History interface {
	Recent(userID string) []memory.Turn
	RecallDate(ctx context.Context, userID string, date memory.Date) ([]memory.Turn, error)
}

// Catalog lists the tools offered to the model. *tools.Registry
// satisfies it.
type Catalog interface {
	Catalog(exclude ...string) []tools.Descriptor
}

// Health reports dependency reachability. *connwatch.Monitor
// satisfies it.
type Health interface {
	Status() []connwatch.Status
	Healthy() bool
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	address string
	port    int
	runner  Runner
	history History
	catalog Catalog
	metrics *metrics.Collector
	health  Health
	logger  *slog.Logger
	server  *http.Server
}

// NewServer creates a new API server.
func NewServer(address string, port int, runner Runner, history History, catalog Catalog, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		runner:  runner,
		history: history,
		catalog: catalog,
		logger:  logger,
	}
}

// SetMetrics exposes m on /metrics.
func (s *Server) SetMetrics(m *metrics.Collector) {
	s.metrics = m
}

// SetHealth adds dependency status to /health.
func (s *Server) SetHealth(h Health) {
	s.health = h
}

// Handler returns the routed handler with request logging applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/chat", s.handleChat)
	mux.HandleFunc("GET /v1/users/{id}/history", s.handleHistory)
	mux.HandleFunc("GET /v1/users/{id}/archive/{date}", s.handleArchive)
	mux.HandleFunc("GET /v1/tools", s.handleTools)

	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", s.metrics.Handler())
	mux.HandleFunc("GET /{$}", s.handleRoot)

	return s.withLogging(mux)
}

// Start serves HTTP until Shutdown is called. It returns nil after a
// clean shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      10 * time.Minute, // a run may take several model calls
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// statusRecorder captures the response code for logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		level := slog.LevelInfo
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			level = slog.LevelDebug
		}
		s.logger.Log(r.Context(), level, "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"http_request_id", reqID,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "Aerie",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status       string             `json:"status"`
	Dependencies []connwatch.Status `json:"dependencies,omitempty"`
}

// handleHealth answers 503 while any watched dependency is down so a
// load balancer can route around the instance.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "healthy"}
	if s.health != nil {
		resp.Dependencies = s.health.Status()
		if !s.health.Healthy() {
			resp.Status = "degraded"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if resp.Status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	writeJSON(w, resp, s.logger)
}

// ChatRequest is the body of POST /v1/chat.
type ChatRequest struct {
	UserID        string `json:"user_id"`
	Message       string `json:"message"`
	MaxIterations int    `json:"max_iterations,omitempty"`
}

// ChatResponse is the reply to POST /v1/chat.
type ChatResponse struct {
	agent.Response
	Warning string `json:"warning,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := memory.ValidateUserID(req.UserID); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "user_id is required and may not contain path separators")
		return
	}
	if req.Message == "" {
		s.errorResponse(w, http.StatusBadRequest, "message is required")
		return
	}
	if req.MaxIterations < 0 {
		s.errorResponse(w, http.StatusBadRequest, "max_iterations must not be negative")
		return
	}

	resp, err := s.runner.Run(r.Context(), &agent.Request{
		UserID:        req.UserID,
		Message:       req.Message,
		MaxIterations: req.MaxIterations,
	})
	switch {
	case errors.Is(err, agent.ErrInvalidRequest):
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	case err != nil && resp == nil:
		s.logger.Error("agent run failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "agent error")
		return
	}

	out := ChatResponse{Response: *resp}
	if err != nil {
		// The answer is good but the exchange was not saved.
		out.Warning = "this exchange could not be saved to conversation history"
	}

	code := http.StatusOK
	if resp.Status == agent.StatusUnavailable {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, out, s.logger)
}

// TurnsResponse lists conversation turns.
type TurnsResponse struct {
	UserID string        `json:"user_id"`
	Date   string        `json:"date,omitempty"`
	Turns  []memory.Turn `json:"turns"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")
	if err := memory.ValidateUserID(userID); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid user id")
		return
	}

	turns := s.history.Recent(userID)
	if turns == nil {
		turns = []memory.Turn{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, TurnsResponse{UserID: userID, Turns: turns}, s.logger)
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")
	if err := memory.ValidateUserID(userID); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid user id")
		return
	}

	date, err := memory.ParseDate(r.PathValue("date"))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "date must be a real calendar date in YYYY-MM-DD form")
		return
	}

	turns, err := s.history.RecallDate(r.Context(), userID, date)
	if err != nil {
		s.logger.Error("archive read failed", "user", userID, "date", date.String(), "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "archive unavailable")
		return
	}
	if turns == nil {
		turns = []memory.Turn{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, TurnsResponse{UserID: userID, Date: date.String(), Turns: turns}, s.logger)
}

// ToolInfo describes one tool for GET /v1/tools.
type ToolInfo struct {
	tools.Descriptor
	Signature string `json:"signature"`
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	catalog := s.catalog.Catalog()
	out := make([]ToolInfo, len(catalog))
	for i, d := range catalog {
		out[i] = ToolInfo{Descriptor: d, Signature: d.Signature()}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"tools": out}, s.logger)
}
