package api

import (
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"relayer/internal/models"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// handleIndex returns basic relayer information
// GET / - Returns service info and available endpoints
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	info := map[string]interface{}{
		"service":     "TokensLocked Relayer",
		"description": "Relays confirmed TokensLocked bridge events to the destination relay API",
		"endpoints": map[string]string{
			"GET /":                   "This page - Service information",
			"GET /health":             "Health check endpoint (includes ledger store)",
			"GET /metrics":            "Prometheus metrics for monitoring",
			"GET /status":             "Scanner cursor, chain height, checkpoint and last cycle",
			"GET /events":             "List relayed events (supports ?limit=, ?offset=, ?order=asc|desc)",
			"GET /events/{signature}": "Get one relayed event by signature",
			"GET /pending":            "Events whose delivery failed and await retry",
		},
	}

	s.sendJSON(w, info, http.StatusOK)
}

// handleHealth returns health status
// GET /health - Health check for monitoring systems
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := models.HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Service:   "tokens-locked-relayer",
		Ledger:    "ok",
	}

	code := http.StatusOK
	if err := s.ledger.Ping(r.Context()); err != nil {
		s.logger.Warn("Health check failed", "error", err)
		health.Status = "unhealthy"
		health.Ledger = "unavailable"
		health.Error = err.Error()
		code = http.StatusServiceUnavailable
	}

	s.sendJSON(w, health, code)
}

// handleMetrics returns Prometheus metrics
// GET /metrics - Prometheus scraping endpoint
func (s *Server) handleMetrics() http.Handler {
	return promhttp.Handler()
}

// =============================================================================
// RELAY ENDPOINTS
// =============================================================================

// handleStatus returns the orchestrator state
// GET /status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.sendJSON(w, models.StatusResponse{
		RelayStatus:   s.relay.Status(),
		Endpoint:      s.relay.Endpoint(),
		LedgerRecords: s.ledger.Len(),
	}, http.StatusOK)
}

// handlePending lists events awaiting another delivery attempt
// GET /pending
func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	pending := s.relay.Pending()
	s.sendJSON(w, models.PendingListResponse{
		Pending: pending,
		Total:   len(pending),
	}, http.StatusOK)
}

// handleListEvents lists relayed events ordered by commit time
// GET /events?limit=50&offset=0&order=desc
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit, offset := parsePagination(query)

	records := s.ledger.Records()
	switch query.Get("order") {
	case "", "asc":
	case "desc":
		records = reverse(records)
	default:
		s.sendError(w, "order must be asc or desc", http.StatusBadRequest)
		return
	}

	s.sendJSON(w, models.EventListResponse{
		Events: paginate(records, limit, offset),
		Total:  len(records),
		Limit:  limit,
		Offset: offset,
	}, http.StatusOK)
}

// handleGetEvent returns a single relayed event
// GET /events/{signature}
func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request, rawSignature string) {
	signature, err := url.PathUnescape(rawSignature)
	if err != nil || signature == "" {
		s.sendError(w, "Event signature required", http.StatusBadRequest)
		return
	}

	record, ok := s.ledger.Get(models.EventSignature(signature))
	if !ok {
		s.sendError(w, "Event not found", http.StatusNotFound)
		return
	}

	s.sendJSON(w, record, http.StatusOK)
}

// sendJSON writes a JSON response
func (s *Server) sendJSON(w http.ResponseWriter, body interface{}, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("Failed to encode response", "error", err)
	}
}

// sendError sends an error response
func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	s.sendJSON(w, models.ErrorResponse{
		Error:   http.StatusText(code),
		Message: message,
		Code:    code,
	}, code)
}
