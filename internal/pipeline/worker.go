package pipeline

import (
	"context"
	"log/slog"
	"time"
)

// DeliverFunc delivers the payload of a job
type DeliverFunc func(ctx context.Context, job *Job) error

// Worker delivers jobs. Workers never touch the ledger.
type Worker struct {
	id      int
	deliver DeliverFunc
	logger  *slog.Logger
}

// NewWorker creates a new dispatch worker
func NewWorker(id int, deliver DeliverFunc, logger *slog.Logger) *Worker {
	return &Worker{
		id:      id,
		deliver: deliver,
		logger:  logger.With("worker_id", id),
	}
}

// Process delivers a single job and reports the outcome
func (w *Worker) Process(ctx context.Context, job *Job) *Result {
	start := time.Now()

	w.logger.Debug("Worker dispatching event",
		"seq", job.Seq,
		"signature", job.Event.Signature(),
	)

	err := w.deliver(ctx, job)

	return &Result{
		Job:      job,
		Err:      err,
		Duration: time.Since(start),
		WorkerID: w.id,
	}
}
