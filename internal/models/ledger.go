package models

import (
	"fmt"
	"time"
)

// LedgerStateVersion is the current layout of the persisted ledger document
const LedgerStateVersion = 1

// EventRecord is the ledger entry written once an event has been delivered
type EventRecord struct {
	Signature   EventSignature `json:"signature"`
	Payload     *RelayPayload  `json:"data"`
	CommittedAt time.Time      `json:"processed_at"`
}

// LedgerState is the persisted dedup ledger plus the scan checkpoint
type LedgerState struct {
	Version int                             `json:"version"`
	Events  map[EventSignature]*EventRecord `json:"events"`

	// Block the scanner resumes from after a restart (nil until the first cycle completes)
	Checkpoint *uint64   `json:"checkpoint,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// NewLedgerState returns an empty state for a cold start
func NewLedgerState() *LedgerState {
	return &LedgerState{
		Version: LedgerStateVersion,
		Events:  make(map[EventSignature]*EventRecord),
	}
}

// BlockRange is an inclusive range of block numbers
type BlockRange struct {
	From uint64 `json:"from"`
	To   uint64 `json:"to"`
}

func (r BlockRange) String() string {
	return fmt.Sprintf("[%d, %d]", r.From, r.To)
}

// Len returns the number of blocks covered by the range
func (r BlockRange) Len() uint64 {
	if r.To < r.From {
		return 0
	}
	return r.To - r.From + 1
}

// ScanCursor is the scanner's position on the source chain
type ScanCursor struct {
	NextBlock         uint64 `json:"next_block"`
	ConfirmationDepth uint64 `json:"confirmation_depth"`
}
