// Package api serves the HTTP query interface, the settings and signal
// endpoints, and the keepalive channel mount.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/coder/quartz"
	"github.com/goodtune/kfocus/internal/enforce"
	"github.com/goodtune/kfocus/internal/policy"
	"github.com/goodtune/kfocus/internal/storage"
	"github.com/goodtune/kfocus/internal/usage"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// UsageSummarizer answers usage queries. *usage.Ledger satisfies it.
type UsageSummarizer interface {
	Summarize(ctx context.Context, period usage.Period) (*usage.Summary, error)
}

// SessionTracker is the tracker surface the API drives. *usage.Tracker
// satisfies it.
type SessionTracker interface {
	Snapshot() []usage.Session
	ContextRemoved(ctx context.Context, contextID string)
	ContainerRemoved(ctx context.Context, container string) int
	SetIdleState(ctx context.Context, state usage.IdleState) int
}

// Settings is the persisted configuration surface. *settings.Service
// satisfies it.
type Settings interface {
	CustomDomains(ctx context.Context) ([]string, error)
	SetCustomDomains(ctx context.Context, list []string) ([]string, error)
	List(ctx context.Context, scope storage.Scope) (map[string]json.RawMessage, error)
	SetRaw(ctx context.Context, scope storage.Scope, key string, raw json.RawMessage) error
	Delete(ctx context.Context, scope storage.Scope, key string) error
}

// Windows reads and writes the policy window. *policy.Manager satisfies it.
type Windows interface {
	Window(ctx context.Context) (policy.Window, error)
	Start(ctx context.Context, kind policy.Kind, d time.Duration) (policy.Window, error)
	Reset(ctx context.Context, kind policy.Kind) (policy.Window, error)
}

// Enforcement reports reconciliation state. *enforce.Syncer satisfies it.
type Enforcement interface {
	Status() enforce.Status
}

// RuleLister lists the rules the surface evaluates. *enforce.MemorySurface
// satisfies it.
type RuleLister interface {
	ActiveRules() []enforce.Rule
}

// DomainLister lists the tracked domains. *domains.Matcher satisfies it.
type DomainLister interface {
	Defaults() []string
}

// Dependencies are the components the API serves.
type Dependencies struct {
	Usage       UsageSummarizer
	Sessions    SessionTracker
	Settings    Settings
	Windows     Windows
	Enforcement Enforcement
	Rules       RuleLister
	Domains     DomainLister
	Keepalive   http.Handler
}

// Config holds API server configuration
type Config struct {
	ListenAddr    string
	KeepalivePath string
	Listener      net.Listener // systemd socket-activated listener, optional
	Clock         quartz.Clock
}

// Server is the API HTTP server
type Server struct {
	config Config
	deps   Dependencies
	clock  quartz.Clock
	router *mux.Router
	server *http.Server
	logger zerolog.Logger
}

// NewServer creates a new API server
func NewServer(config Config, deps Dependencies, logger zerolog.Logger) *Server {
	if config.Clock == nil {
		config.Clock = quartz.NewReal()
	}
	if config.KeepalivePath == "" {
		config.KeepalivePath = "/keepalive"
	}

	s := &Server{
		config: config,
		deps:   deps,
		clock:  config.Clock,
		router: mux.NewRouter(),
		logger: logger.With().Str("component", "api").Logger(),
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:              config.ListenAddr,
		Handler:           s.router,
		// Keepalive channels are long-lived, so only headers are bounded.
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(LoggingMiddleware(s.logger))

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	if s.deps.Keepalive != nil {
		s.router.Handle(s.config.KeepalivePath, s.deps.Keepalive).Methods("GET")
	}

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/usage", s.handleUsage).Methods("GET")

	api.HandleFunc("/domains", s.handleGetDomains).Methods("GET")
	api.HandleFunc("/domains", s.handlePutDomains).Methods("PUT")

	api.HandleFunc("/windows", s.handleGetWindows).Methods("GET")
	api.HandleFunc("/windows/{kind}", s.handleStartWindow).Methods("POST")
	api.HandleFunc("/windows/{kind}", s.handleResetWindow).Methods("DELETE")

	api.HandleFunc("/rules", s.handleRules).Methods("GET")
	api.HandleFunc("/sessions", s.handleSessions).Methods("GET")

	api.HandleFunc("/signals/context-removed", s.handleContextRemoved).Methods("POST")
	api.HandleFunc("/signals/container-removed", s.handleContainerRemoved).Methods("POST")
	api.HandleFunc("/signals/idle", s.handleIdle).Methods("POST")

	api.HandleFunc("/settings/{scope}", s.handleListSettings).Methods("GET")
	api.HandleFunc("/settings/{scope}/{key}", s.handlePutSetting).Methods("PUT")
	api.HandleFunc("/settings/{scope}/{key}", s.handleDeleteSetting).Methods("DELETE")
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the API server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.config.ListenAddr).Msg("Starting API server")

	go func() {
		var err error
		if s.config.Listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated API listener")
			err = s.server.Serve(s.config.Listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("API server error")
		}
	}()

	return nil
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping API server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("api server shutdown: %w", err)
	}

	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"sessions": len(s.deps.Sessions.Snapshot()),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{
		Status:   s.deps.Enforcement.Status(),
		Sessions: len(s.deps.Sessions.Snapshot()),
	})
}

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	rules := s.deps.Rules.ActiveRules()
	if rules == nil {
		rules = []enforce.Rule{}
	}
	writeJSON(w, http.StatusOK, RulesResponse{Rules: rules})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, SessionsResponse{Sessions: s.deps.Sessions.Snapshot()})
}
