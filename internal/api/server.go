package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"relayer/internal/models"
)

// RelayState exposes the live orchestrator state
type RelayState interface {
	Status() models.RelayStatus
	Pending() []models.PendingEvent
	Endpoint() string
}

// LedgerReader exposes the committed events
type LedgerReader interface {
	Records() []*models.EventRecord
	Get(sig models.EventSignature) (*models.EventRecord, bool)
	Len() int
	Ping(ctx context.Context) error
}

// Server represents the HTTP API server
// Provides endpoints for Prometheus metrics, health checks, and relay inspection
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	relay      RelayState
	ledger     LedgerReader
	logger     *slog.Logger
	port       int
	listener   net.Listener
}

// NewServer creates a new API server instance
func NewServer(port int, relay RelayState, ledger LedgerReader, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()

	s := &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			Handler:      mux,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		mux:    mux,
		relay:  relay,
		ledger: ledger,
		logger: logger.With("component", "api"),
		port:   port,
	}

	// Register all HTTP routes
	s.registerRoutes()

	return s
}

// registerRoutes sets up all HTTP routes
func (s *Server) registerRoutes() {
	// Core endpoints
	s.mux.HandleFunc("/", s.handleIndex)
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.Handle("/metrics", s.handleMetrics())

	// Relay endpoints
	s.mux.HandleFunc("/status", s.handleStatus)
	s.mux.HandleFunc("/pending", s.handlePending)
	s.mux.HandleFunc("/events", s.handleEvents)
	s.mux.HandleFunc("/events/", s.handleEventRoutes)
}

// handleEvents routes to list events (without trailing slash)
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.handleListEvents(w, r)
}

// handleEventRoutes routes event sub-endpoints (with trailing slash)
func (s *Server) handleEventRoutes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/events/")
	parts := strings.Split(path, "/")

	// GET /events/{signature}
	if len(parts) == 1 {
		s.handleGetEvent(w, r, parts[0])
		return
	}

	s.sendError(w, "Endpoint not found", http.StatusNotFound)
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start binds the listener and serves in a goroutine.
// A bind failure is returned immediately.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to bind API server on port %d: %w", s.port, err)
	}
	s.listener = listener

	s.logger.Info("API server starting",
		"addr", listener.Addr().String(),
		"endpoints", []string{"/", "/health", "/metrics", "/status", "/events", "/pending"},
	)

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound address, or nil before Start
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown gracefully shuts down the HTTP server
// Waits for active connections to close or context to timeout
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("API server shutting down...")
	return s.httpServer.Shutdown(ctx)
}
