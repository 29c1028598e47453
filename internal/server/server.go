// Package server exposes the sync protocol over HTTP.
//
// Two endpoints carry the protocol: POST /api/sync/push submits a change
// batch, GET /api/sync/pull pages the change feed. Request-level failures
// map to status codes (400 malformed request, 401 missing actor, 403
// denied scope, 404 unknown scope); per-change failures ride inside a 200
// push response. /healthz, /metrics, and /ws round out the surface.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/upkeephq/upkeep/internal/entity"
	"github.com/upkeephq/upkeep/internal/events"
	"github.com/upkeephq/upkeep/internal/metrics"
	"github.com/upkeephq/upkeep/internal/pull"
	"github.com/upkeephq/upkeep/internal/push"
	"github.com/upkeephq/upkeep/internal/scope"
)

// ActorResolver extracts the acting user from a request. The default reads
// the X-Actor-ID header; deployments behind an auth proxy substitute their
// own.
type ActorResolver interface {
	Actor(r *http.Request) (string, error)
}

// HeaderActorResolver reads the actor id from a request header.
type HeaderActorResolver struct {
	Header string
}

// Actor implements ActorResolver.
func (h HeaderActorResolver) Actor(r *http.Request) (string, error) {
	name := h.Header
	if name == "" {
		name = "X-Actor-ID"
	}
	actor := r.Header.Get(name)
	if actor == "" {
		return "", errors.New("missing actor identity")
	}
	return actor, nil
}

// Server hosts the sync HTTP API.
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server

	processor *push.Processor
	provider  *pull.Provider
	actors    ActorResolver
	hub       *events.Hub
	metrics   *metrics.Metrics
	logger    *log.Logger

	wg sync.WaitGroup
}

// Config holds server configuration.
type Config struct {
	// Addr to listen on (default: :8080)
	Addr string

	// Actors resolves request identity (default: X-Actor-ID header)
	Actors ActorResolver

	// Hub broadcasts sync events over WebSocket (optional)
	Hub *events.Hub

	// Metrics collectors (optional)
	Metrics *metrics.Metrics

	// Logger for server activity (default: stderr logger)
	Logger *log.Logger
}

// NewServer creates a sync API server.
func NewServer(processor *push.Processor, provider *pull.Provider, config *Config) *Server {
	if config == nil {
		config = &Config{}
	}
	addr := config.Addr
	if addr == "" {
		addr = ":8080"
	}
	actors := config.Actors
	if actors == nil {
		actors = HeaderActorResolver{}
	}
	logger := config.Logger
	if logger == nil {
		logger = log.Default()
	}

	return &Server{
		addr:      addr,
		processor: processor,
		provider:  provider,
		actors:    actors,
		hub:       config.Hub,
		metrics:   config.Metrics,
		logger:    logger,
	}
}

// Start begins listening and serving.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	if s.hub != nil {
		s.hub.Start()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Sync server listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	if s.hub != nil {
		s.hub.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}
	s.wg.Wait()
	return nil
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Handler returns the route table. Exposed for httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/sync/push", s.handlePush)
	mux.HandleFunc("GET /api/sync/pull", s.handlePull)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	if s.hub != nil {
		mux.HandleFunc("GET /ws", s.hub.HandleWebSocket)
	}
	return mux
}

type pushRequest struct {
	ScopeType string          `json:"scopeType"`
	ScopeID   string          `json:"scopeId"`
	Changes   []entity.Change `json:"changes"`
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	actor, err := s.actors.Actor(r)
	if err != nil {
		httpError(w, http.StatusUnauthorized, err.Error())
		return
	}

	var req pushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	sc, ok := s.resolveScope(w, r, req.ScopeType, req.ScopeID)
	if !ok {
		return
	}

	result, err := s.processor.ApplyBatch(r.Context(), actor, sc, req.Changes)
	if errors.Is(err, push.ErrScopeDenied) {
		httpError(w, http.StatusForbidden, "scope access denied")
		return
	}
	if err != nil {
		s.logger.Printf("push failed for actor %s scope %s: %v", actor, sc, err)
		httpError(w, http.StatusInternalServerError, "push failed")
		return
	}

	if s.metrics != nil {
		s.metrics.PushBatches.Inc()
		s.metrics.Conflicts.Add(float64(len(result.Conflicts)))
		for _, rej := range result.Rejected {
			s.metrics.ChangesRejected.WithLabelValues(rej.Reason).Inc()
		}
	}
	if s.hub != nil {
		s.hub.BatchComplete(actor, result)
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	actor, err := s.actors.Actor(r)
	if err != nil {
		httpError(w, http.StatusUnauthorized, err.Error())
		return
	}

	q := r.URL.Query()
	sc, ok := s.resolveScope(w, r, q.Get("scopeType"), q.Get("scopeId"))
	if !ok {
		return
	}

	since := int64(0)
	if raw := q.Get("since"); raw != "" {
		since, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || since < 0 {
			httpError(w, http.StatusBadRequest, "invalid since cursor")
			return
		}
	}

	result, err := s.provider.Pull(r.Context(), actor, sc, since)
	if errors.Is(err, pull.ErrScopeDenied) {
		httpError(w, http.StatusForbidden, "scope access denied")
		return
	}
	if err != nil {
		s.logger.Printf("pull failed for actor %s scope %s: %v", actor, sc, err)
		httpError(w, http.StatusInternalServerError, "pull failed")
		return
	}

	if s.metrics != nil {
		s.metrics.PullRequests.Inc()
		s.metrics.PullChanges.Add(float64(len(result.Changes)))
	}

	writeJSON(w, http.StatusOK, result)
}

// resolveScope parses and existence-checks the scope parameters, writing
// the error response itself when they do not hold up.
func (s *Server) resolveScope(w http.ResponseWriter, r *http.Request, scopeType, scopeID string) (scope.Scope, bool) {
	if scopeID == "" {
		httpError(w, http.StatusBadRequest, "missing scopeId")
		return scope.Scope{}, false
	}
	t, err := scope.ParseType(scopeType)
	if err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return scope.Scope{}, false
	}
	sc := scope.Scope{Type: t, ID: scopeID}

	exists, err := s.processor.ScopeExists(r.Context(), sc)
	if err != nil {
		s.logger.Printf("scope lookup failed for %s: %v", sc, err)
		httpError(w, http.StatusInternalServerError, "scope lookup failed")
		return scope.Scope{}, false
	}
	if !exists {
		httpError(w, http.StatusNotFound, "unknown scope")
		return scope.Scope{}, false
	}
	return sc, true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{"status": "ok"}
	if s.hub != nil {
		status["wsClients"] = s.hub.ClientCount()
	}
	writeJSON(w, http.StatusOK, status)
}

func httpError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
