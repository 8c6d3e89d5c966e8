package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"relayer/internal/debug"
	"relayer/internal/metrics"
	"relayer/internal/models"
	"relayer/internal/storage"
)

// ErrPersist is returned when a commit or checkpoint could not be made durable.
// The in-memory ledger is unchanged when it is returned.
var ErrPersist = errors.New("ledger persistence failed")

// Options configures how the ledger is loaded
type Options struct {
	// AllowCorruptReset starts from an empty ledger when the persisted store is
	// unreadable. The unreadable store is quarantined, never overwritten.
	AllowCorruptReset bool
	Logger            *slog.Logger
}

// Ledger is the single source of truth for which events have been relayed
type Ledger struct {
	repo   storage.Repository
	logger *slog.Logger
	now    func() time.Time

	mu    sync.RWMutex
	state *models.LedgerState
}

// Load reads the persisted ledger. An absent store is a cold start; a corrupt one
// fails unless opts.AllowCorruptReset is set.
func Load(ctx context.Context, repo storage.Repository, opts Options) (*Ledger, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "ledger")

	state, err := repo.Load(ctx)
	if errors.Is(err, storage.ErrCorruptState) {
		if !opts.AllowCorruptReset {
			return nil, fmt.Errorf("refusing to start with a corrupt ledger (set LEDGER_ALLOW_CORRUPT_RESET=true to quarantine it and start empty): %w", err)
		}

		q, ok := repo.(storage.Quarantiner)
		if !ok {
			return nil, fmt.Errorf("ledger backend cannot quarantine corrupt state: %w", err)
		}

		moved, qErr := q.Quarantine(ctx)
		if qErr != nil {
			return nil, errors.Join(err, qErr)
		}

		logger.Error("Corrupt ledger quarantined, starting with an empty ledger; previously relayed events may be dispatched again",
			"quarantined_to", moved,
			"error", err,
		)
		state = models.NewLedgerState()
	} else if err != nil {
		return nil, fmt.Errorf("failed to load ledger: %w", err)
	}

	l := &Ledger{
		repo:   repo,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		state:  state,
	}

	metrics.LedgerRecords.Set(float64(len(state.Events)))
	logger.Info("Ledger loaded",
		"records", len(state.Events),
		"checkpoint", l.checkpointAttr(),
	)

	return l, nil
}

// IsProcessed reports whether the event has already been committed
func (l *Ledger) IsProcessed(sig models.EventSignature) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	_, ok := l.state.Events[sig]
	return ok
}

// Commit records a delivered event and persists the ledger. Committing a signature
// that is already present is a no-op. On a storage failure the record is removed
// again so IsProcessed only ever reflects durable state.
func (l *Ledger) Commit(ctx context.Context, sig models.EventSignature, payload *models.RelayPayload) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.state.Events[sig]; ok {
		return nil
	}

	record := &models.EventRecord{
		Signature:   sig,
		Payload:     payload,
		CommittedAt: l.now(),
	}

	previousUpdate := l.state.UpdatedAt
	l.state.Events[sig] = record
	l.state.UpdatedAt = record.CommittedAt

	start := time.Now()
	err := l.repo.Persist(ctx, l.state, record)
	metrics.LedgerPersistDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		delete(l.state.Events, sig)
		l.state.UpdatedAt = previousUpdate
		metrics.ErrorsTotal.WithLabelValues("persist").Inc()
		return fmt.Errorf("%w: commit %s: %w", ErrPersist, sig, err)
	}

	metrics.LedgerRecords.Set(float64(len(l.state.Events)))
	l.logger.Info("Event marked as processed", "signature", sig)
	debug.PrintRecord(l.logger, record)
	return nil
}

// SaveCheckpoint persists the block the scanner should resume from after a restart.
// Writing the current value again is skipped.
func (l *Ledger) SaveCheckpoint(ctx context.Context, block uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state.Checkpoint != nil && *l.state.Checkpoint == block {
		return nil
	}

	previous := l.state.Checkpoint
	previousUpdate := l.state.UpdatedAt
	l.state.Checkpoint = &block
	l.state.UpdatedAt = l.now()

	if err := l.repo.Persist(ctx, l.state, nil); err != nil {
		l.state.Checkpoint = previous
		l.state.UpdatedAt = previousUpdate
		metrics.ErrorsTotal.WithLabelValues("persist").Inc()
		return fmt.Errorf("%w: checkpoint %d: %w", ErrPersist, block, err)
	}

	metrics.CheckpointBlock.Set(float64(block))
	return nil
}

// Checkpoint returns the persisted resume block, if any
func (l *Ledger) Checkpoint() (uint64, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.state.Checkpoint == nil {
		return 0, false
	}
	return *l.state.Checkpoint, true
}

// Get returns the record for a signature
func (l *Ledger) Get(sig models.EventSignature) (*models.EventRecord, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	record, ok := l.state.Events[sig]
	return record, ok
}

// Len returns the number of committed events
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return len(l.state.Events)
}

// Records returns all committed events ordered by commit time
func (l *Ledger) Records() []*models.EventRecord {
	l.mu.RLock()
	records := make([]*models.EventRecord, 0, len(l.state.Events))
	for _, record := range l.state.Events {
		records = append(records, record)
	}
	l.mu.RUnlock()

	sort.Slice(records, func(i, j int) bool {
		if records[i].CommittedAt.Equal(records[j].CommittedAt) {
			return records[i].Signature < records[j].Signature
		}
		return records[i].CommittedAt.Before(records[j].CommittedAt)
	})
	return records
}

// Ping checks the underlying store
func (l *Ledger) Ping(ctx context.Context) error {
	return l.repo.Ping(ctx)
}

func (l *Ledger) checkpointAttr() any {
	if l.state.Checkpoint == nil {
		return "none"
	}
	return *l.state.Checkpoint
}
