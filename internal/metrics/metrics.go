package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Throughput metrics - Track relay volume
var (
	CyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayer_poll_cycles_total",
			Help: "Total number of poll cycles by result",
		},
		[]string{"result"},
	)

	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayer_events_total",
			Help: "Total number of lock events handled by outcome (committed, skipped, pending)",
		},
		[]string{"outcome"},
	)

	LogsFetched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relayer_logs_fetched_total",
		Help: "Total number of TokensLocked logs returned by the source chain",
	})
)

// Performance metrics - Track latency
var (
	DispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relayer_dispatch_duration_seconds",
			Help:    "Time taken to deliver a payload to the relay endpoint",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status"},
	)

	LedgerPersistDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "relayer_ledger_persist_duration_seconds",
		Help:    "Time taken to durably persist the ledger",
		Buckets: prometheus.DefBuckets,
	})

	FetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "relayer_fetch_duration_seconds",
		Help:    "Time taken to fetch logs for one scan window",
		Buckets: prometheus.DefBuckets,
	})

	ScanWindowSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "relayer_scan_window_blocks",
		Help:    "Number of blocks in each scanned window",
		Buckets: []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000},
	})
)

// State metrics - Track current relayer state
var (
	ChainHeight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relayer_chain_height",
		Help: "Latest block number reported by the source chain",
	})

	CursorBlock = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relayer_cursor_block",
		Help: "Next block the scanner will read",
	})

	CheckpointBlock = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relayer_checkpoint_block",
		Help: "Persisted resume block",
	})

	PendingEvents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relayer_pending_events",
		Help: "Number of events whose delivery or commit failed and await retry",
	})

	LedgerRecords = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relayer_ledger_records",
		Help: "Number of events recorded in the ledger",
	})
)

// Error metrics - Track failures
var (
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayer_errors_total",
			Help: "Total number of errors by kind",
		},
		[]string{"kind"},
	)
)

// Pipeline metrics - Track parallel dispatch
var (
	PipelineMode = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relayer_pipeline_mode",
		Help: "Dispatch mode: 0=sequential, 1=parallel",
	})

	PipelineWorkerCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relayer_pipeline_worker_count",
		Help: "Number of active dispatch workers",
	})

	PipelineQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relayer_pipeline_queue_depth",
		Help: "Number of delivered events waiting to be committed in log order",
	})
)
