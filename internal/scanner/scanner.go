package scanner

import (
	"context"
	"fmt"
	"sync"

	"relayer/internal/models"
)

// Option configures a Scanner
type Option func(*Scanner)

// WithMaxRange caps the number of blocks returned by a single ComputeRange call.
// Zero means unlimited.
func WithMaxRange(blocks uint64) Option {
	return func(s *Scanner) {
		s.maxRange = blocks
	}
}

// Scanner computes reorg-safe block windows and owns the scan cursor.
// The cursor only moves forward.
type Scanner struct {
	mu       sync.RWMutex
	cursor   models.ScanCursor
	maxRange uint64
}

// New creates a scanner that will read from startBlock onwards, staying depth
// blocks behind the chain tip
func New(startBlock, depth uint64, opts ...Option) *Scanner {
	s := &Scanner{
		cursor: models.ScanCursor{
			NextBlock:         startBlock,
			ConfirmationDepth: depth,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ComputeRange returns the next inclusive range that is at least depth blocks
// behind height. The boolean is false when there is nothing safe to scan yet.
func (s *Scanner) ComputeRange(height uint64) (models.BlockRange, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	depth := s.cursor.ConfirmationDepth
	if height < depth {
		return models.BlockRange{}, false
	}

	safe := height - depth
	next := s.cursor.NextBlock
	if next > safe {
		return models.BlockRange{}, false
	}

	to := safe
	if s.maxRange > 0 && to-next+1 > s.maxRange {
		to = next + s.maxRange - 1
	}

	return models.BlockRange{From: next, To: to}, true
}

// Advance moves the cursor past r. A range that ends before the cursor is ignored.
func (s *Scanner) Advance(r models.BlockRange) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.To+1 > s.cursor.NextBlock {
		s.cursor.NextBlock = r.To + 1
	}
}

// Cursor returns a snapshot of the scan cursor
func (s *Scanner) Cursor() models.ScanCursor {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.cursor
}

// StartSource identifies where the initial cursor position came from
type StartSource string

const (
	StartExplicit   StartSource = "explicit"
	StartCheckpoint StartSource = "checkpoint"
	StartLatest     StartSource = "latest"
)

// TipFunc returns the current chain height
type TipFunc func(ctx context.Context) (uint64, error)

// ResolveStart picks the initial cursor: an explicit block wins, then a persisted
// checkpoint, then the current chain tip.
func ResolveStart(ctx context.Context, explicit, checkpoint *uint64, tip TipFunc) (uint64, StartSource, error) {
	if explicit != nil {
		return *explicit, StartExplicit, nil
	}
	if checkpoint != nil {
		return *checkpoint, StartCheckpoint, nil
	}

	height, err := tip(ctx)
	if err != nil {
		return 0, "", fmt.Errorf("failed to resolve latest block: %w", err)
	}
	return height, StartLatest, nil
}
