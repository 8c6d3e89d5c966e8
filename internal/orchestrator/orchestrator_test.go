package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relayer/internal/chain"
	"relayer/internal/ledger"
	"relayer/internal/models"
	"relayer/internal/relay"
	"relayer/internal/retry"
	"relayer/internal/scanner"
	"relayer/internal/storage"
)

type fakeChain struct {
	mu        sync.Mutex
	height    uint64
	events    []*models.LockEvent
	heightErr error
	fetchErr  error
	panicMsg  string
	fetched   []models.BlockRange
}

func (f *fakeChain) LatestBlock(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	return f.height, f.heightErr
}

func (f *fakeChain) FetchLockEvents(ctx context.Context, r models.BlockRange) ([]*models.LockEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched = append(f.fetched, r)
	if f.fetchErr != nil {
		return nil, &chain.FetchError{Range: r, Err: f.fetchErr}
	}

	var out []*models.LockEvent
	for _, e := range f.events {
		if e.BlockNumber >= r.From && e.BlockNumber <= r.To {
			out = append(out, e)
		}
	}
	return out, nil
}

type fakeDispatcher struct {
	mu        sync.Mutex
	failFor   map[string]error
	delivered []*models.RelayPayload
}

func (f *fakeDispatcher) Deliver(ctx context.Context, payload *models.RelayPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := fmt.Sprintf("%s/%s", payload.SourceTransactionHash, payload.Amount)
	if err, ok := f.failFor[key]; ok {
		return err
	}
	f.delivered = append(f.delivered, payload)
	return nil
}

func (f *fakeDispatcher) Endpoint() string {
	return "http://relay.test/api/relay"
}

func (f *fakeDispatcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.delivered)
}

type memLedger struct {
	mu          sync.Mutex
	records     map[models.EventSignature]*models.RelayPayload
	commitErr   error
	checkpoints []uint64
}

func newMemLedger() *memLedger {
	return &memLedger{records: make(map[models.EventSignature]*models.RelayPayload)}
}

func (l *memLedger) IsProcessed(sig models.EventSignature) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.records[sig]
	return ok
}

func (l *memLedger) Commit(ctx context.Context, sig models.EventSignature, payload *models.RelayPayload) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.commitErr != nil {
		return fmt.Errorf("%w: %w", ledger.ErrPersist, l.commitErr)
	}
	l.records[sig] = payload
	return nil
}

func (l *memLedger) SaveCheckpoint(ctx context.Context, block uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.checkpoints = append(l.checkpoints, block)
	return nil
}

func (l *memLedger) lastCheckpoint() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.checkpoints) == 0 {
		return 0
	}
	return l.checkpoints[len(l.checkpoints)-1]
}

func lockEvent(txHash string, logIndex uint, block uint64, amount int64) *models.LockEvent {
	return &models.LockEvent{
		TxHash:             common.HexToHash(txHash),
		LogIndex:           logIndex,
		BlockNumber:        block,
		Sender:             common.HexToAddress("0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed"),
		Recipient:          common.HexToAddress("0xfb6916095ca1df60bb79ce92ce3ea74c37c5d359"),
		Amount:             big.NewInt(amount),
		DestinationChainID: big.NewInt(137),
	}
}

func failKey(e *models.LockEvent) string {
	return fmt.Sprintf("%s/%s", e.TxHash.Hex(), e.Amount)
}

func newTestOrchestrator(c ChainClient, start uint64, d Dispatcher, l Ledger, cfg Config) (*Orchestrator, *scanner.Scanner) {
	s := scanner.New(start, 5)
	return New(c, s, d, l, nil, cfg, nil), s
}

func TestPollOnce_RelaysConfirmedWindow(t *testing.T) {
	first := lockEvent("0xabc", 0, 90, 10)
	second := lockEvent("0xabc", 1, 90, 20)
	unconfirmed := lockEvent("0xdef", 0, 97, 30)

	c := &fakeChain{height: 100, events: []*models.LockEvent{first, second, unconfirmed}}
	d := &fakeDispatcher{}
	l := newMemLedger()
	o, s := newTestOrchestrator(c, 80, d, l, Config{})

	require.NoError(t, o.PollOnce(context.Background()))

	require.Equal(t, []models.BlockRange{{From: 80, To: 95}}, c.fetched)
	assert.Equal(t, uint64(96), s.Cursor().NextBlock)

	assert.Equal(t, 2, d.count())
	assert.True(t, l.IsProcessed(first.Signature()))
	assert.True(t, l.IsProcessed(second.Signature()))
	assert.NotEqual(t, first.Signature(), second.Signature())
	assert.False(t, l.IsProcessed(unconfirmed.Signature()))
	assert.Equal(t, uint64(96), l.lastCheckpoint())

	status := o.Status()
	assert.Equal(t, uint64(100), status.ChainHeight)
	assert.Equal(t, uint64(1), status.Cycles)
	assert.Equal(t, "sequential", status.DispatchMode)
	require.NotNil(t, status.LastRange)
	assert.Equal(t, models.BlockRange{From: 80, To: 95}, *status.LastRange)
}

func TestProcessBatch_IsIdempotent(t *testing.T) {
	events := []*models.LockEvent{lockEvent("0x01", 0, 10, 1), lockEvent("0x02", 3, 11, 2)}
	d := &fakeDispatcher{}
	l := newMemLedger()
	o, _ := newTestOrchestrator(&fakeChain{}, 0, d, l, Config{})
	r := models.BlockRange{From: 10, To: 11}

	first := o.ProcessBatch(context.Background(), r, events)
	second := o.ProcessBatch(context.Background(), r, events)

	assert.Equal(t, BatchResult{Committed: 2}, first)
	assert.Equal(t, BatchResult{Skipped: 2}, second)
	assert.Equal(t, 2, d.count())
}

func TestProcessEvent_AlreadyRecordedIsSkipped(t *testing.T) {
	event := lockEvent("0xabc", 2, 50, 5)
	d := &fakeDispatcher{}
	l := newMemLedger()
	l.records[event.Signature()] = event.Payload()

	o, _ := newTestOrchestrator(&fakeChain{}, 0, d, l, Config{})

	assert.Equal(t, OutcomeSkipped, o.ProcessEvent(context.Background(), event))
	assert.Equal(t, 0, d.count())
}

func TestPollOnce_ServerErrorLeavesLedgerUnchanged(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	event := lockEvent("0xabc", 0, 85, 1)
	c := &fakeChain{height: 100, events: []*models.LockEvent{event}}

	path := filepath.Join(t.TempDir(), "state.json")
	l, err := ledger.Load(context.Background(), storage.NewFileRepository(path), ledger.Options{})
	require.NoError(t, err)

	o, s := newTestOrchestrator(c, 80, relay.NewDispatcher(srv.URL), l, Config{})

	assert.NoError(t, o.PollOnce(context.Background()))
	assert.False(t, l.IsProcessed(event.Signature()))
	assert.Equal(t, 0, l.Len())

	// the window still moves on; the failure is tracked as pending
	assert.Equal(t, uint64(96), s.Cursor().NextBlock)
	pending := o.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, event.Signature(), pending[0].Signature)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Contains(t, pending[0].LastError, "500")

	// resume point is pinned at the pending event
	checkpoint, ok := l.Checkpoint()
	require.True(t, ok)
	assert.Equal(t, uint64(85), checkpoint)
}

func TestProcessBatch_PartialFailureContinues(t *testing.T) {
	events := []*models.LockEvent{
		lockEvent("0x01", 0, 10, 1),
		lockEvent("0x02", 0, 11, 2),
		lockEvent("0x03", 0, 12, 3),
	}
	d := &fakeDispatcher{failFor: map[string]error{
		failKey(events[1]): &relay.DeliveryError{Endpoint: "x", StatusCode: 503, Reason: "unavailable"},
	}}
	l := newMemLedger()
	o, _ := newTestOrchestrator(&fakeChain{}, 0, d, l, Config{})

	result := o.ProcessBatch(context.Background(), models.BlockRange{From: 10, To: 12}, events)

	assert.Equal(t, BatchResult{Committed: 2, Pending: 1}, result)
	assert.True(t, l.IsProcessed(events[0].Signature()))
	assert.False(t, l.IsProcessed(events[1].Signature()))
	assert.True(t, l.IsProcessed(events[2].Signature()))
}

func TestProcessEvent_CommitFailureIsPending(t *testing.T) {
	event := lockEvent("0x01", 0, 10, 1)
	d := &fakeDispatcher{}
	l := newMemLedger()
	l.commitErr = errors.New("disk full")
	o, _ := newTestOrchestrator(&fakeChain{}, 0, d, l, Config{})

	assert.Equal(t, OutcomePending, o.ProcessEvent(context.Background(), event))
	assert.Equal(t, 1, d.count(), "delivery happened before the failed commit")
	assert.False(t, l.IsProcessed(event.Signature()))
	assert.Equal(t, 1, o.Status().PendingCount)
}

func TestPollOnce_FetchErrorKeepsCursor(t *testing.T) {
	c := &fakeChain{height: 100, fetchErr: errors.New("rpc timeout")}
	l := newMemLedger()
	o, s := newTestOrchestrator(c, 80, &fakeDispatcher{}, l, Config{})

	err := o.PollOnce(context.Background())

	var fetchErr *chain.FetchError
	require.True(t, errors.As(err, &fetchErr))
	assert.Equal(t, models.BlockRange{From: 80, To: 95}, fetchErr.Range)
	assert.Equal(t, uint64(80), s.Cursor().NextBlock)
	assert.Empty(t, l.checkpoints)
	assert.NotEmpty(t, o.Status().LastCycleError)
}

func TestRunCycle_BackoffByErrorKind(t *testing.T) {
	cfg := Config{PollInterval: time.Second, ErrorBackoff: time.Minute}
	ctx := context.Background()

	c := &fakeChain{heightErr: fmt.Errorf("%w: dial tcp: connection refused", chain.ErrConnectivity)}
	o, _ := newTestOrchestrator(c, 0, &fakeDispatcher{}, newMemLedger(), cfg)
	assert.Equal(t, time.Second, o.runCycle(ctx))

	c = &fakeChain{height: 100, fetchErr: errors.New("boom")}
	o, _ = newTestOrchestrator(c, 0, &fakeDispatcher{}, newMemLedger(), cfg)
	assert.Equal(t, time.Minute, o.runCycle(ctx))

	c = &fakeChain{height: 100}
	o, _ = newTestOrchestrator(c, 0, &fakeDispatcher{}, newMemLedger(), cfg)
	assert.Equal(t, time.Second, o.runCycle(ctx))
}

func TestRunCycle_RecoversPanic(t *testing.T) {
	c := &fakeChain{panicMsg: "nil map"}
	o, _ := newTestOrchestrator(c, 0, &fakeDispatcher{}, newMemLedger(), Config{ErrorBackoff: 42 * time.Second})

	var wait time.Duration
	assert.NotPanics(t, func() { wait = o.runCycle(context.Background()) })
	assert.Equal(t, 42*time.Second, wait)
	assert.Contains(t, o.Status().LastCycleError, "nil map")
}

func TestPollOnce_NothingToScan(t *testing.T) {
	c := &fakeChain{height: 100}
	l := newMemLedger()
	o, s := newTestOrchestrator(c, 96, &fakeDispatcher{}, l, Config{})

	require.NoError(t, o.PollOnce(context.Background()))
	assert.Empty(t, c.fetched)
	assert.Equal(t, uint64(96), s.Cursor().NextBlock)
	assert.Equal(t, uint64(96), l.lastCheckpoint())
}

func TestPollOnce_PendingEventsAreRetried(t *testing.T) {
	event := lockEvent("0xabc", 0, 85, 1)
	c := &fakeChain{height: 100, events: []*models.LockEvent{event}}
	d := &fakeDispatcher{failFor: map[string]error{
		failKey(event): &relay.DeliveryError{Endpoint: "x", StatusCode: 502},
	}}
	l := newMemLedger()
	o, _ := newTestOrchestrator(c, 80, d, l, Config{PendingRetry: true})
	ctx := context.Background()

	require.NoError(t, o.PollOnce(ctx))
	require.Len(t, o.Pending(), 1)
	assert.Equal(t, uint64(85), l.lastCheckpoint())

	require.NoError(t, o.PollOnce(ctx))
	assert.Equal(t, 2, o.Pending()[0].Attempts)

	d.mu.Lock()
	d.failFor = nil
	d.mu.Unlock()

	require.NoError(t, o.PollOnce(ctx))
	assert.Empty(t, o.Pending())
	assert.True(t, l.IsProcessed(event.Signature()))
	assert.Equal(t, uint64(96), l.lastCheckpoint())
}

func TestPollOnce_PendingRetryDisabled(t *testing.T) {
	event := lockEvent("0xabc", 0, 85, 1)
	c := &fakeChain{height: 100, events: []*models.LockEvent{event}}
	d := &fakeDispatcher{failFor: map[string]error{failKey(event): errors.New("refused")}}
	o, _ := newTestOrchestrator(c, 80, d, newMemLedger(), Config{PendingRetry: false})
	ctx := context.Background()

	require.NoError(t, o.PollOnce(ctx))
	require.NoError(t, o.PollOnce(ctx))
	assert.Equal(t, 1, o.Pending()[0].Attempts)
}

func TestPollOnce_CursorIsMonotonic(t *testing.T) {
	c := &fakeChain{height: 20}
	o, s := newTestOrchestrator(c, 0, &fakeDispatcher{}, newMemLedger(), Config{})
	ctx := context.Background()

	var last uint64
	for _, height := range []uint64{20, 18, 30, 30, 25, 60} {
		c.mu.Lock()
		c.height = height
		c.mu.Unlock()

		require.NoError(t, o.PollOnce(ctx))
		next := s.Cursor().NextBlock
		assert.GreaterOrEqual(t, next, last)
		last = next
	}
	assert.Equal(t, uint64(56), last)
}

func TestProcessBatch_ParallelCommitsInLogOrder(t *testing.T) {
	var events []*models.LockEvent
	for i := 0; i < 12; i++ {
		events = append(events, lockEvent(fmt.Sprintf("0x%02x", i+1), uint(i), uint64(10+i), int64(i+1)))
	}
	// duplicate log returned by the node
	events = append(events, events[3])

	d := &fakeDispatcher{failFor: map[string]error{failKey(events[5]): errors.New("refused")}}
	l := &orderedLedger{memLedger: newMemLedger()}
	o, _ := newTestOrchestrator(&fakeChain{}, 0, d, l, Config{Workers: 4})
	assert.Equal(t, "parallel", o.Status().DispatchMode)

	result := o.ProcessBatch(context.Background(), models.BlockRange{From: 10, To: 21}, events)

	assert.Equal(t, BatchResult{Committed: 11, Pending: 1}, result)
	assert.Equal(t, 11, d.count(), "duplicate must be delivered once")

	for i := 1; i < len(l.order); i++ {
		assert.Less(t, l.order[i-1], l.order[i], "commits must follow log order")
	}
}

type orderedLedger struct {
	*memLedger
	order []uint64
}

func (l *orderedLedger) Commit(ctx context.Context, sig models.EventSignature, payload *models.RelayPayload) error {
	if err := l.memLedger.Commit(ctx, sig, payload); err != nil {
		return err
	}
	l.order = append(l.order, payload.Amount.Uint64())
	return nil
}

func TestDeliver_UsesRetryStrategy(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	strategy := retry.NewStrategy(retry.Config{Enabled: true, MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}, nil)
	l := newMemLedger()
	o := New(&fakeChain{}, scanner.New(0, 5), relay.NewDispatcher(srv.URL), l, strategy, Config{}, nil)

	event := lockEvent("0x01", 0, 1, 1)
	assert.Equal(t, OutcomeCommitted, o.ProcessEvent(context.Background(), event))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestDeliver_NonRetryableStatusIsNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	strategy := retry.NewStrategy(retry.Config{Enabled: true, MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}, nil)
	o := New(&fakeChain{}, scanner.New(0, 5), relay.NewDispatcher(srv.URL), newMemLedger(), strategy, Config{}, nil)

	assert.Equal(t, OutcomePending, o.ProcessEvent(context.Background(), lockEvent("0x01", 0, 1, 1)))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestRun_StopsOnCancel(t *testing.T) {
	c := &fakeChain{height: 100}
	o, _ := newTestOrchestrator(c, 0, &fakeDispatcher{}, newMemLedger(), Config{PollInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	assert.GreaterOrEqual(t, o.Status().Cycles, uint64(1))
}
