package pipeline

import (
	"time"

	"relayer/internal/models"
)

// Job is one candidate event handed to a dispatch worker.
// Seq is the event's position in the fetched batch.
type Job struct {
	Seq     int
	Event   *models.LockEvent
	Payload *models.RelayPayload
}

// Result is the delivery outcome of a job, passed from workers to the orderer
type Result struct {
	Job *Job

	// Err is nil when the relay endpoint accepted the payload
	Err error

	// Processing metrics
	Duration time.Duration
	WorkerID int
}

// Config contains configuration for the dispatch pipeline
type Config struct {
	WorkerCount       int
	ResultsBufferSize int
}

// Mode represents how a batch is dispatched
type Mode string

const (
	ModeSequential Mode = "sequential" // One event at a time
	ModeParallel   Mode = "parallel"   // Concurrent delivery, ordered commits
)
