package pipeline

import (
	"context"
	"log/slog"

	"relayer/internal/metrics"
)

// CommitFunc finishes a delivered (or failed) job. It is only ever called from
// one goroutine, in job order.
type CommitFunc func(ctx context.Context, result *Result)

// Orderer receives results from workers and hands them to the commit function
// in batch order. Workers finish out of order; the ledger is written in log order.
type Orderer struct {
	commit CommitFunc
	logger *slog.Logger

	nextExpected int             // Next job we expect to commit
	pending      map[int]*Result // Buffered out-of-order results
}

// NewOrderer creates a new orderer starting at job sequence 0
func NewOrderer(commit CommitFunc, logger *slog.Logger) *Orderer {
	return &Orderer{
		commit:  commit,
		logger:  logger,
		pending: make(map[int]*Result),
	}
}

// ProcessResult buffers a result and commits every result that is now in order
func (o *Orderer) ProcessResult(ctx context.Context, result *Result) {
	o.pending[result.Job.Seq] = result

	o.logger.Debug("Orderer received result",
		"seq", result.Job.Seq,
		"worker_id", result.WorkerID,
		"duration", result.Duration,
		"pending_count", len(o.pending),
		"next_expected", o.nextExpected,
	)

	for {
		next, exists := o.pending[o.nextExpected]
		if !exists {
			break
		}

		o.commit(ctx, next)

		delete(o.pending, o.nextExpected)
		o.nextExpected++
	}

	metrics.PipelineQueueDepth.Set(float64(len(o.pending)))
}

// GetPendingCount returns the number of results waiting for an earlier job
func (o *Orderer) GetPendingCount() int {
	return len(o.pending)
}

// GetNextExpected returns the next job sequence the orderer is waiting for
func (o *Orderer) GetNextExpected() int {
	return o.nextExpected
}
