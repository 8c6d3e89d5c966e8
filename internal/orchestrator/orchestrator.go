package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"relayer/internal/chain"
	"relayer/internal/debug"
	"relayer/internal/metrics"
	"relayer/internal/models"
	"relayer/internal/pipeline"
	"relayer/internal/retry"
)

const (
	DefaultPollInterval = 15 * time.Second
	DefaultErrorBackoff = 30 * time.Second
)

// ChainClient reads chain height and lock events from the source chain
type ChainClient interface {
	LatestBlock(ctx context.Context) (uint64, error)
	FetchLockEvents(ctx context.Context, r models.BlockRange) ([]*models.LockEvent, error)
}

// Scanner hands out reorg-safe block ranges
type Scanner interface {
	ComputeRange(height uint64) (models.BlockRange, bool)
	Advance(r models.BlockRange)
	Cursor() models.ScanCursor
}

// Dispatcher delivers one payload to the relay endpoint
type Dispatcher interface {
	Deliver(ctx context.Context, payload *models.RelayPayload) error
	Endpoint() string
}

// Ledger records which events have been relayed
type Ledger interface {
	IsProcessed(sig models.EventSignature) bool
	Commit(ctx context.Context, sig models.EventSignature, payload *models.RelayPayload) error
	SaveCheckpoint(ctx context.Context, block uint64) error
}

// Config controls the poll loop
type Config struct {
	PollInterval time.Duration
	ErrorBackoff time.Duration

	// PendingRetry re-attempts failed events at the start of every cycle
	PendingRetry bool

	// Workers > 1 dispatches the events of a batch concurrently
	Workers int
}

// Outcome is the terminal state of one event within a cycle
type Outcome string

const (
	OutcomeSkipped   Outcome = "skipped"
	OutcomeCommitted Outcome = "committed"
	OutcomePending   Outcome = "pending"
)

// BatchResult counts the outcomes of a batch
type BatchResult struct {
	Committed int
	Skipped   int
	Pending   int
}

func (b *BatchResult) add(outcome Outcome) {
	switch outcome {
	case OutcomeCommitted:
		b.Committed++
	case OutcomeSkipped:
		b.Skipped++
	case OutcomePending:
		b.Pending++
	}
}

type pendingEntry struct {
	event *models.LockEvent
	info  models.PendingEvent
}

// Orchestrator runs the poll cycle: height, window, fetch, dedup, dispatch, commit
type Orchestrator struct {
	chain      ChainClient
	scanner    Scanner
	dispatcher Dispatcher
	ledger     Ledger
	retry      retry.Strategy
	pipeline   *pipeline.Pipeline
	config     Config
	logger     *slog.Logger
	now        func() time.Time

	mu             sync.RWMutex
	pending        map[models.EventSignature]*pendingEntry
	status         models.RelayStatus
	lastCheckpoint *uint64
}

// New wires the orchestrator. A nil strategy means no retries around dispatch.
func New(chainClient ChainClient, scanner Scanner, dispatcher Dispatcher, ledger Ledger, strategy retry.Strategy, config Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if strategy == nil {
		strategy = retry.NewNoRetryStrategy()
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.ErrorBackoff <= 0 {
		config.ErrorBackoff = DefaultErrorBackoff
	}

	o := &Orchestrator{
		chain:      chainClient,
		scanner:    scanner,
		dispatcher: dispatcher,
		ledger:     ledger,
		retry:      strategy,
		config:     config,
		logger:     logger.With("component", "orchestrator"),
		now:        time.Now,
		pending:    make(map[models.EventSignature]*pendingEntry),
	}

	if config.Workers > 1 {
		o.pipeline = pipeline.NewPipeline(
			pipeline.Config{WorkerCount: config.Workers},
			func(ctx context.Context, job *pipeline.Job) error {
				return o.deliver(ctx, job.Payload)
			},
			o.logger,
		)
	}

	mode := pipeline.ModeSequential
	if o.pipeline != nil {
		mode = o.pipeline.Mode()
	}
	o.logger.Info("Dispatch configured",
		"mode", string(mode),
		"workers", config.Workers,
		"retry", strategy.Name(),
	)

	o.status.Cursor = scanner.Cursor()
	o.status.DispatchMode = string(mode)
	return o
}

// Run polls until ctx is cancelled. Errors never stop the loop.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("Relay loop started",
		"next_block", o.scanner.Cursor().NextBlock,
		"confirmation_depth", o.scanner.Cursor().ConfirmationDepth,
		"poll_interval", o.config.PollInterval,
		"error_backoff", o.config.ErrorBackoff,
		"endpoint", o.dispatcher.Endpoint(),
		"workers", o.config.Workers,
	)

	for {
		wait := o.runCycle(ctx)

		select {
		case <-ctx.Done():
			o.logger.Info("Relay loop stopped", "next_block", o.scanner.Cursor().NextBlock)
			return nil
		case <-time.After(wait):
		}
	}
}

// runCycle runs one poll cycle and returns how long to wait before the next one
func (o *Orchestrator) runCycle(ctx context.Context) (wait time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic in poll cycle: %v", r)
			o.logger.Error("Recovered from panic in poll cycle", "error", err)
			o.recordCycle(nil, err)
			metrics.CyclesTotal.WithLabelValues("panic").Inc()
			metrics.ErrorsTotal.WithLabelValues("panic").Inc()
			wait = o.config.ErrorBackoff
		}
	}()

	err := o.PollOnce(ctx)
	switch {
	case err == nil:
		return o.config.PollInterval
	case ctx.Err() != nil:
		return 0
	case errors.Is(err, chain.ErrConnectivity):
		o.logger.Warn("Source chain unreachable, retrying next interval", "error", err, "retry_in", o.config.PollInterval)
		return o.config.PollInterval
	default:
		o.logger.Error("Poll cycle failed", "error", err, "retry_in", o.config.ErrorBackoff)
		return o.config.ErrorBackoff
	}
}

// PollOnce runs a single poll cycle
func (o *Orchestrator) PollOnce(ctx context.Context) error {
	if o.config.PendingRetry {
		o.retryPending(ctx)
	}

	height, err := o.chain.LatestBlock(ctx)
	if err != nil {
		metrics.CyclesTotal.WithLabelValues("chain_unreachable").Inc()
		metrics.ErrorsTotal.WithLabelValues("connectivity").Inc()
		o.recordCycle(nil, err)
		return err
	}
	metrics.ChainHeight.Set(float64(height))
	o.setHeight(height)

	r, ok := o.scanner.ComputeRange(height)
	if !ok {
		o.logger.Debug("No confirmed blocks to scan",
			"height", height,
			"next_block", o.scanner.Cursor().NextBlock,
		)
		metrics.CyclesTotal.WithLabelValues("idle").Inc()
		o.saveCheckpoint(ctx)
		o.recordCycle(nil, nil)
		return nil
	}

	events, err := o.chain.FetchLockEvents(ctx, r)
	if err != nil {
		o.logger.Error("Failed to fetch logs, cursor unchanged",
			"range", r.String(),
			"error", err,
		)
		metrics.CyclesTotal.WithLabelValues("fetch_failed").Inc()
		metrics.ErrorsTotal.WithLabelValues("fetch").Inc()
		o.recordCycle(&r, err)
		return err
	}

	o.scanner.Advance(r)
	cursor := o.scanner.Cursor()
	metrics.CursorBlock.Set(float64(cursor.NextBlock))
	metrics.ScanWindowSize.Observe(float64(r.Len()))

	result := o.ProcessBatch(ctx, r, events)

	o.logger.Info("Scanned block range",
		"range", r.String(),
		"height", height,
		"events", len(events),
		"committed", result.Committed,
		"skipped", result.Skipped,
		"pending", result.Pending,
		"next_block", cursor.NextBlock,
	)

	o.saveCheckpoint(ctx)
	metrics.CyclesTotal.WithLabelValues("ok").Inc()
	o.recordCycle(&r, nil)
	return nil
}

// ProcessBatch handles every event of a fetched range. A failing event never
// stops the rest of the batch.
func (o *Orchestrator) ProcessBatch(ctx context.Context, r models.BlockRange, events []*models.LockEvent) BatchResult {
	var result BatchResult

	// A node may return the same log twice
	seen := make(map[models.EventSignature]struct{}, len(events))
	candidates := make([]*models.LockEvent, 0, len(events))
	for _, event := range events {
		sig := event.Signature()
		if _, dup := seen[sig]; dup {
			o.logger.Warn("Duplicate log in fetched range", "signature", sig, "range", r.String())
			continue
		}
		seen[sig] = struct{}{}
		candidates = append(candidates, event)
	}

	if o.pipeline == nil || len(candidates) < 2 {
		for _, event := range candidates {
			result.add(o.ProcessEvent(ctx, event))
		}
		return result
	}

	jobs := make([]*pipeline.Job, 0, len(candidates))
	for _, event := range candidates {
		sig := event.Signature()
		if o.ledger.IsProcessed(sig) {
			result.add(o.skip(event))
			continue
		}

		payload := event.Payload()
		debug.PrintPayload(o.logger, sig, payload)
		jobs = append(jobs, &pipeline.Job{Seq: len(jobs), Event: event, Payload: payload})
	}

	o.pipeline.Run(ctx, jobs, func(ctx context.Context, res *pipeline.Result) {
		result.add(o.finish(ctx, res.Job.Event, res.Job.Payload, res.Err))
	})

	return result
}

// ProcessEvent takes one event through dedup, dispatch and commit
func (o *Orchestrator) ProcessEvent(ctx context.Context, event *models.LockEvent) Outcome {
	sig := event.Signature()
	if o.ledger.IsProcessed(sig) {
		return o.skip(event)
	}

	payload := event.Payload()
	debug.PrintPayload(o.logger, sig, payload)

	return o.finish(ctx, event, payload, o.deliver(ctx, payload))
}

func (o *Orchestrator) skip(event *models.LockEvent) Outcome {
	sig := event.Signature()
	o.logger.Debug("Event already processed, skipping", "signature", sig, "block", event.BlockNumber)
	o.clearPending(sig)
	metrics.EventsTotal.WithLabelValues(string(OutcomeSkipped)).Inc()
	return OutcomeSkipped
}

// deliver sends a payload through the retry strategy. Shutdown does not cut an
// in-flight delivery short; the dispatcher's own timeout bounds it.
func (o *Orchestrator) deliver(ctx context.Context, payload *models.RelayPayload) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("not dispatched, shutting down: %w", err)
	}

	work := context.WithoutCancel(ctx)
	return o.retry.Execute(ctx, func() error {
		return o.dispatcher.Deliver(work, payload)
	})
}

// finish commits a delivered event or marks it pending. It is the only path that
// writes to the ledger.
func (o *Orchestrator) finish(ctx context.Context, event *models.LockEvent, payload *models.RelayPayload, deliverErr error) Outcome {
	sig := event.Signature()

	if deliverErr != nil {
		o.logger.Error("Failed to relay event",
			"signature", sig,
			"block", event.BlockNumber,
			"endpoint", o.dispatcher.Endpoint(),
			"error", deliverErr,
		)
		metrics.ErrorsTotal.WithLabelValues("dispatch").Inc()
		o.markPending(event, payload, deliverErr)
		return OutcomePending
	}

	if err := o.ledger.Commit(context.WithoutCancel(ctx), sig, payload); err != nil {
		o.logger.Error("Event relayed but not recorded, it will be relayed again",
			"signature", sig,
			"block", event.BlockNumber,
			"endpoint", o.dispatcher.Endpoint(),
			"error", err,
		)
		o.markPending(event, payload, err)
		return OutcomePending
	}

	o.logger.Info("Event relayed",
		"signature", sig,
		"block", event.BlockNumber,
		"amount", payload.Amount.String(),
		"destination_chain_id", payload.DestinationChainID.String(),
	)
	o.clearPending(sig)
	metrics.EventsTotal.WithLabelValues(string(OutcomeCommitted)).Inc()
	return OutcomeCommitted
}

func (o *Orchestrator) markPending(event *models.LockEvent, payload *models.RelayPayload, err error) {
	sig := event.Signature()
	now := o.now()

	o.mu.Lock()
	entry, ok := o.pending[sig]
	if !ok {
		entry = &pendingEntry{
			event: event,
			info: models.PendingEvent{
				Signature:   sig,
				BlockNumber: event.BlockNumber,
				Payload:     payload,
				FirstFailed: now,
			},
		}
		o.pending[sig] = entry
	}
	entry.info.Attempts++
	entry.info.LastFailed = now
	entry.info.LastError = err.Error()
	count := len(o.pending)
	o.status.PendingCount = count
	o.mu.Unlock()

	metrics.PendingEvents.Set(float64(count))
	metrics.EventsTotal.WithLabelValues(string(OutcomePending)).Inc()
}

func (o *Orchestrator) clearPending(sig models.EventSignature) {
	o.mu.Lock()
	delete(o.pending, sig)
	count := len(o.pending)
	o.status.PendingCount = count
	o.mu.Unlock()

	metrics.PendingEvents.Set(float64(count))
}

// retryPending re-attempts every pending event in log order
func (o *Orchestrator) retryPending(ctx context.Context) {
	o.mu.RLock()
	events := make([]*models.LockEvent, 0, len(o.pending))
	for _, entry := range o.pending {
		events = append(events, entry.event)
	}
	o.mu.RUnlock()

	if len(events) == 0 {
		return
	}

	sortByLogPosition(events)
	o.logger.Info("Retrying pending events", "count", len(events))

	var result BatchResult
	for _, event := range events {
		if ctx.Err() != nil {
			return
		}
		result.add(o.ProcessEvent(ctx, event))
	}

	o.logger.Info("Pending retry finished",
		"committed", result.Committed,
		"skipped", result.Skipped,
		"still_pending", result.Pending,
	)
}

// saveCheckpoint persists the resume block: the lowest pending block, or the
// cursor when nothing is pending. The written value never decreases within a run.
func (o *Orchestrator) saveCheckpoint(ctx context.Context) {
	block := o.scanner.Cursor().NextBlock

	o.mu.RLock()
	for _, entry := range o.pending {
		if entry.event.BlockNumber < block {
			block = entry.event.BlockNumber
		}
	}
	last := o.lastCheckpoint
	o.mu.RUnlock()

	if last != nil && block <= *last {
		return
	}

	if err := o.ledger.SaveCheckpoint(context.WithoutCancel(ctx), block); err != nil {
		o.logger.Warn("Failed to save checkpoint", "block", block, "error", err)
		return
	}

	o.mu.Lock()
	o.lastCheckpoint = &block
	o.status.Checkpoint = &block
	o.mu.Unlock()
}

func (o *Orchestrator) setHeight(height uint64) {
	o.mu.Lock()
	o.status.ChainHeight = height
	o.mu.Unlock()
}

func (o *Orchestrator) recordCycle(r *models.BlockRange, err error) {
	now := o.now()

	o.mu.Lock()
	defer o.mu.Unlock()

	o.status.Cycles++
	o.status.LastCycleAt = &now
	o.status.Cursor = o.scanner.Cursor()
	if r != nil {
		last := *r
		o.status.LastRange = &last
	}
	if err != nil {
		o.status.LastCycleError = err.Error()
	} else {
		o.status.LastCycleError = ""
	}
}

// Status returns a snapshot for the status API
func (o *Orchestrator) Status() models.RelayStatus {
	o.mu.RLock()
	defer o.mu.RUnlock()

	status := o.status
	status.Cursor = o.scanner.Cursor()
	status.PendingCount = len(o.pending)
	return status
}

// Pending returns the events awaiting another attempt, in log order
func (o *Orchestrator) Pending() []models.PendingEvent {
	o.mu.RLock()
	entries := make([]pendingEntry, 0, len(o.pending))
	for _, entry := range o.pending {
		entries = append(entries, *entry)
	}
	o.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		return logBefore(entries[i].event, entries[j].event)
	})

	pending := make([]models.PendingEvent, len(entries))
	for i, entry := range entries {
		pending[i] = entry.info
	}
	return pending
}

// Endpoint returns the relay endpoint URL
func (o *Orchestrator) Endpoint() string {
	return o.dispatcher.Endpoint()
}

func sortByLogPosition(events []*models.LockEvent) {
	sort.Slice(events, func(i, j int) bool {
		return logBefore(events[i], events[j])
	})
}

func logBefore(a, b *models.LockEvent) bool {
	if a.BlockNumber != b.BlockNumber {
		return a.BlockNumber < b.BlockNumber
	}
	return a.LogIndex < b.LogIndex
}
