// Package api implements the dashboard-facing HTTP and WebSocket
// surface. Every route is JSON; mutating routes go through the
// creator-token gate when auth is enabled. The server only reads and
// nudges: the loop stays the single writer of agent state, and /chat
// rides the same queue every other channel uses.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jarvis-agent/jarvis/internal/blob"
	"github.com/jarvis-agent/jarvis/internal/budget"
	"github.com/jarvis-agent/jarvis/internal/chat"
	"github.com/jarvis-agent/jarvis/internal/config"
	"github.com/jarvis-agent/jarvis/internal/events"
	"github.com/jarvis-agent/jarvis/internal/notes"
	"github.com/jarvis-agent/jarvis/internal/planner"
	"github.com/jarvis-agent/jarvis/internal/router"
	"github.com/jarvis-agent/jarvis/internal/state"
	"github.com/jarvis-agent/jarvis/internal/tools"
	"github.com/jarvis-agent/jarvis/internal/usage"
	"github.com/jarvis-agent/jarvis/internal/vector"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response,
// which is not actionable but worth tracking for debugging.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// readJSON decodes the request body into v, rejecting unknown fields
// so typos in dashboard payloads fail loudly instead of silently
// no-opping.
func readJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// LoopProbe is the read-only view of the core loop the status and
// health routes need. The loop is built after the server, so it
// arrives via SetLoop rather than Deps.
type LoopProbe interface {
	LastBeat() time.Time
	NextSleep() time.Duration
}

// Deps wires the server to the rest of the agent. Store and Queue are
// required; everything else degrades to a 503 on its routes when nil.
type Deps struct {
	Logger  *slog.Logger
	Config  *config.Config
	Store   *state.Store
	Budget  *budget.Tracker
	Vector  *vector.Store
	Blob    *blob.Log
	Notes   *notes.Manager
	Planner *planner.Planner
	Queue   *chat.Queue
	Tools   *tools.Registry
	Router  *router.Router
	Bus     *events.Bus
	Usage   *usage.Store
}

// Server is the HTTP API server.
type Server struct {
	logger  *slog.Logger
	cfg     *config.Config
	store   *state.Store
	budget  *budget.Tracker
	vector  *vector.Store
	blob    *blob.Log
	notes   *notes.Manager
	planner *planner.Planner
	queue   *chat.Queue
	tools   *tools.Registry
	router  *router.Router
	bus     *events.Bus
	usage   *usage.Store

	loop   LoopProbe
	server *http.Server
}

// NewServer validates the wiring and builds the server. Listening
// starts in Start.
func NewServer(d Deps) (*Server, error) {
	switch {
	case d.Store == nil:
		return nil, fmt.Errorf("api: nil state store")
	case d.Queue == nil:
		return nil, fmt.Errorf("api: nil chat queue")
	case d.Config == nil:
		return nil, fmt.Errorf("api: nil config")
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		logger:  logger.With("component", "api"),
		cfg:     d.Config,
		store:   d.Store,
		budget:  d.Budget,
		vector:  d.Vector,
		blob:    d.Blob,
		notes:   d.Notes,
		planner: d.Planner,
		queue:   d.Queue,
		tools:   d.Tools,
		router:  d.Router,
		bus:     d.Bus,
		usage:   d.Usage,
	}, nil
}

// SetLoop attaches the loop probe once the loop exists. Before this is
// called /status reports no wake estimate and /health skips the
// liveness check.
func (s *Server) SetLoop(p LoopProbe) {
	s.loop = p
}

// Start begins serving HTTP requests and blocks until the listener
// fails. Call Shutdown to stop it cleanly.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", s.cfg.Listen.Address, s.cfg.Listen.Port),
		Handler:     s.routes(),
		ReadTimeout: 30 * time.Second,
		// Must outlive the synchronous /chat wait plus encode time.
		WriteTimeout: time.Duration(s.chatTimeoutSec()+30) * time.Second,
	}

	addr := s.cfg.Listen.Address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.cfg.Listen.Port, "auth", s.authEnabled())
	return s.server.ListenAndServe()
}

// routes builds the full handler chain: mux, then auth, then request
// logging.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("GET /budget", s.handleBudget)
	mux.HandleFunc("POST /budget/override", s.handleBudgetOverride)
	mux.HandleFunc("GET /providers", s.handleProviders)
	mux.HandleFunc("POST /providers", s.handleProviderRegister)
	mux.HandleFunc("PUT /providers/{name}", s.handleProviderUpdate)

	mux.HandleFunc("GET /memory/stats", s.handleMemoryStats)
	mux.HandleFunc("GET /memory/vector", s.handleMemoryVector)
	mux.HandleFunc("GET /memory/blob", s.handleMemoryBlob)
	mux.HandleFunc("GET /memory/working", s.handleMemoryWorking)
	mux.HandleFunc("GET /memory/short-term", s.handleMemoryShortTerm)
	mux.HandleFunc("PUT /memory/config", s.handleMemoryConfig)
	mux.HandleFunc("POST /memory/mark-permanent", s.handleMarkPermanent)

	mux.HandleFunc("POST /directive", s.handleDirective)
	mux.HandleFunc("POST /goals", s.handleGoals)
	mux.HandleFunc("POST /control/pause", s.handlePause)
	mux.HandleFunc("POST /control/resume", s.handleResume)
	mux.HandleFunc("POST /control/wake", s.handleWake)

	mux.HandleFunc("POST /chat", s.handleChat)
	mux.HandleFunc("GET /chat/history", s.handleChatHistory)

	mux.HandleFunc("GET /analytics", s.handleAnalytics)
	mux.HandleFunc("GET /tools", s.handleTools)
	mux.HandleFunc("GET /models", s.handleModels)

	mux.HandleFunc("GET /router/stats", s.handleRouterStats)
	mux.HandleFunc("GET /router/audit", s.handleRouterAudit)
	mux.HandleFunc("GET /router/explain/{requestId}", s.handleRouterExplain)

	mux.HandleFunc("GET /ws", s.handleWS)

	return s.withLogging(s.withAuth(mux))
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) chatTimeoutSec() int {
	if s.cfg.Chat.SyncReplyTimeoutSec > 0 {
		return s.cfg.Chat.SyncReplyTimeoutSec
	}
	return 120
}

func (s *Server) authEnabled() bool {
	return s.cfg.Auth.Mode == "creator-token" && s.cfg.Auth.CreatorToken != ""
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

// withAuth enforces the creator token on every route except /health
// and GET /status, which stay open so probes and status badges work
// without credentials. The WebSocket route also accepts the token as a
// query parameter because browsers cannot set headers on upgrades.
func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authEnabled() || openRoute(r) {
			next.ServeHTTP(w, r)
			return
		}

		token := bearerToken(r)
		if token == "" && r.URL.Path == "/ws" {
			token = r.URL.Query().Get("token")
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.Auth.CreatorToken)) != 1 {
			s.errorResponse(w, http.StatusUnauthorized, "creator token required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func openRoute(r *http.Request) bool {
	if r.URL.Path == "/health" {
		return true
	}
	return r.Method == http.MethodGet && r.URL.Path == "/status"
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return h[len(prefix):]
	}
	return ""
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{"error": message, "code": code}, s.logger)
}
