// Package api implements the HTTP control surface: turn submission,
// conversation inspection, transcript export, and health endpoints.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/reeve/internal/agent"
	"github.com/nugget/reeve/internal/buildinfo"
	"github.com/nugget/reeve/internal/connwatch"
	"github.com/nugget/reeve/internal/eventlog"
	"github.com/nugget/reeve/internal/llm"
)

// TurnRunner abstracts the turn loop for testability. The real
// implementation is *agent.Loop.
type TurnRunner interface {
	Turn(ctx context.Context, req agent.Request) (*agent.Response, error)
}

// StatusSource reports per-service health for the health endpoint.
// The real implementation is *connwatch.Monitor.
type StatusSource interface {
	Status() map[string]connwatch.ServiceStatus
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response,
// which is not actionable but worth tracking for debugging.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// writeError sends a JSON error body with the given status.
func writeError(w http.ResponseWriter, status int, msg string, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]string{"error": msg}); err != nil {
		logger.Debug("failed to write JSON error response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	address string
	port    int
	runner  TurnRunner
	log     *eventlog.Store
	client  llm.Client
	status  StatusSource
	logger  *slog.Logger
	server  *http.Server
}

// NewServer creates an API server. The llm client is only used by the
// health endpoint to probe backend reachability.
func NewServer(address string, port int, runner TurnRunner, log *eventlog.Store, client llm.Client, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		runner:  runner,
		log:     log,
		client:  client,
		logger:  logger,
	}
}

// SetStatusSource attaches a per-service health source. When set, the
// health endpoint reports each watched service alongside the aggregate
// status. Must be called before Start.
func (s *Server) SetStatusSource(src StatusSource) {
	s.status = src
}

// Handler builds the route table. Exposed separately so tests can
// exercise the server through httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/turn", s.handleTurn)
	mux.HandleFunc("GET /v1/conversations", s.handleConversationList)
	mux.HandleFunc("GET /v1/conversations/{id}/events", s.handleConversationEvents)
	mux.HandleFunc("GET /v1/conversations/{id}/export", s.handleConversationExport)

	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /", s.handleRoot)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It blocks until the listener
// fails or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute, // turns can be slow
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{
		"name":    "Reeve",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{"status": "healthy"}
	if s.client != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.client.Ping(ctx); err != nil {
			status["status"] = "degraded"
			status["model_backend"] = err.Error()
		}
	}
	if s.status != nil {
		services := s.status.Status()
		status["services"] = services
		for _, svc := range services {
			if !svc.Ready {
				status["status"] = "degraded"
			}
		}
	}
	writeJSON(w, status, s.logger)
}

// turnRequest is the POST /v1/turn body.
type turnRequest struct {
	ConversationID string `json:"conversation_id"`
	Message        string `json:"message"`
	Model          string `json:"model,omitempty"`
}

// turnResponse is the POST /v1/turn reply.
type turnResponse struct {
	RequestID    string `json:"request_id"`
	Content      string `json:"content"`
	Model        string `json:"model"`
	Rounds       int    `json:"rounds"`
	ToolCalls    int    `json:"tool_calls"`
	LimitReached bool   `json:"limit_reached,omitempty"`
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	var req turnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body", s.logger)
		return
	}
	if req.ConversationID == "" {
		writeError(w, http.StatusBadRequest, "conversation_id is required", s.logger)
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required", s.logger)
		return
	}
	if _, err := eventlog.SanitizeID(req.ConversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), s.logger)
		return
	}

	requestID := uuid.New().String()
	resp, err := s.runner.Turn(r.Context(), agent.Request{
		ConversationID: req.ConversationID,
		UserText:       req.Message,
		Model:          req.Model,
		RequestID:      requestID,
	})
	if err != nil {
		s.logger.Error("turn failed",
			"request_id", requestID,
			"conversation_id", req.ConversationID,
			"error", err,
		)
		writeError(w, http.StatusBadGateway, "turn failed: "+err.Error(), s.logger)
		return
	}

	writeJSON(w, turnResponse{
		RequestID:    requestID,
		Content:      resp.Content,
		Model:        resp.Model,
		Rounds:       resp.Rounds,
		ToolCalls:    resp.ToolCalls,
		LimitReached: resp.LimitReached,
	}, s.logger)
}

func (s *Server) handleConversationList(w http.ResponseWriter, r *http.Request) {
	ids, err := s.log.Conversations()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), s.logger)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, map[string]any{"conversations": ids}, s.logger)
}

func (s *Server) handleConversationEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	evs, err := s.log.ReadAll(id)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), s.logger)
		return
	}
	writeJSON(w, map[string]any{
		"conversation_id": id,
		"events":          evs,
	}, s.logger)
}

func (s *Server) handleConversationExport(w http.ResponseWriter, r *http.Request) {
	// The rendered transcript carries the id; use the same form the
	// store matched on, never the raw path segment.
	id, err := eventlog.SanitizeID(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), s.logger)
		return
	}
	evs, err := s.log.ReadAll(id)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), s.logger)
		return
	}
	if len(evs) == 0 {
		writeError(w, http.StatusNotFound, "conversation has no events", s.logger)
		return
	}

	html, err := ExportHTML(id, evs)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), s.logger)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := w.Write([]byte(html)); err != nil {
		s.logger.Debug("failed to write export response", "error", err)
	}
}
