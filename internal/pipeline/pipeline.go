package pipeline

import (
	"context"
	"log/slog"
	"runtime"
	"sync"

	"relayer/internal/metrics"
)

// Pipeline dispatches the events of one batch concurrently and commits them in order
type Pipeline struct {
	config  Config
	deliver DeliverFunc
	logger  *slog.Logger
}

// NewPipeline creates a new pipeline instance
func NewPipeline(config Config, deliver DeliverFunc, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}

	if config.WorkerCount <= 0 {
		config.WorkerCount = int(float64(runtime.NumCPU()) * 0.75) // Use 75% of cores
		if config.WorkerCount < 2 {
			config.WorkerCount = 2
		}
	}
	if config.ResultsBufferSize <= 0 {
		config.ResultsBufferSize = config.WorkerCount * 2
	}

	return &Pipeline{
		config:  config,
		deliver: deliver,
		logger:  logger.With("component", "pipeline"),
	}
}

// Mode returns the dispatch mode the pipeline runs in
func (p *Pipeline) Mode() Mode {
	if p.config.WorkerCount > 1 {
		return ModeParallel
	}
	return ModeSequential
}

// Run delivers every job and calls commit for each of them in Seq order.
// Jobs must be numbered 0..len(jobs)-1. Run returns once all jobs were committed.
func (p *Pipeline) Run(ctx context.Context, jobs []*Job, commit CommitFunc) {
	if len(jobs) == 0 {
		return
	}

	workerCount := p.config.WorkerCount
	if workerCount > len(jobs) {
		workerCount = len(jobs)
	}

	p.logger.Debug("Starting parallel dispatch",
		"jobs", len(jobs),
		"worker_count", workerCount,
	)

	metrics.PipelineMode.Set(1) // 1 = parallel
	metrics.PipelineWorkerCount.Set(float64(workerCount))
	defer func() {
		metrics.PipelineMode.Set(0) // 0 = sequential
		metrics.PipelineWorkerCount.Set(0)
		metrics.PipelineQueueDepth.Set(0)
	}()

	jobChan := make(chan *Job)
	resultsChan := make(chan *Result, p.config.ResultsBufferSize)

	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		worker := NewWorker(i, p.deliver, p.logger)
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			for job := range jobChan {
				resultsChan <- w.Process(ctx, job)
			}
		}(worker)
	}

	go func() {
		for _, job := range jobs {
			jobChan <- job
		}
		close(jobChan)
	}()

	go func() {
		wg.Wait()
		close(resultsChan)
	}()

	// The calling goroutine is the only committer
	orderer := NewOrderer(commit, p.logger)
	for result := range resultsChan {
		orderer.ProcessResult(ctx, result)
	}

	if orderer.GetPendingCount() > 0 {
		p.logger.Error("Pipeline finished with uncommitted results",
			"pending", orderer.GetPendingCount(),
			"next_expected", orderer.GetNextExpected(),
		)
	}
}
