package models

import (
	"time"
)

// PendingEvent is an event whose dispatch or commit failed and that awaits another attempt
type PendingEvent struct {
	Signature   EventSignature `json:"signature"`
	BlockNumber uint64         `json:"block_number"`
	Payload     *RelayPayload  `json:"payload"`

	// Failure tracking
	Attempts    int       `json:"attempts"`
	FirstFailed time.Time `json:"first_failed_at"`
	LastFailed  time.Time `json:"last_failed_at"`
	LastError   string    `json:"last_error"`
}

// RelayStatus summarizes the orchestrator state for the status API
type RelayStatus struct {
	Cursor      ScanCursor `json:"cursor"`
	ChainHeight uint64     `json:"chain_height"`
	Checkpoint  *uint64    `json:"checkpoint,omitempty"`

	// Last poll cycle
	Cycles         uint64      `json:"cycles"`
	LastCycleAt    *time.Time  `json:"last_cycle_at,omitempty"`
	LastRange      *BlockRange `json:"last_range,omitempty"`
	LastCycleError string      `json:"last_cycle_error,omitempty"`

	PendingCount int    `json:"pending_count"`
	DispatchMode string `json:"dispatch_mode"`
}

// StatusResponse is returned by GET /status
type StatusResponse struct {
	RelayStatus
	Endpoint      string `json:"relay_endpoint"`
	LedgerRecords int    `json:"ledger_records"`
}

// EventListResponse is returned by GET /events
type EventListResponse struct {
	Events []*EventRecord `json:"events"`
	Total  int            `json:"total"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
}

// PendingListResponse is returned by GET /pending
type PendingListResponse struct {
	Pending []PendingEvent `json:"pending"`
	Total   int            `json:"total"`
}

// ErrorResponse is the body of every API error
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// HealthResponse is returned by GET /health
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
	Ledger    string    `json:"ledger"`
	Error     string    `json:"error,omitempty"`
}
