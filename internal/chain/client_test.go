package chain

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relayer/internal/models"
)

var (
	bridgeAddress = common.HexToAddress("0x1111111111111111111111111111111111111111")
	senderAddress = common.HexToAddress("0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed")
	recipient     = common.HexToAddress("0xfb6916095ca1df60bb79ce92ce3ea74c37c5d359")
)

type fakeBackend struct {
	chainID   *big.Int
	height    uint64
	code      []byte
	logs      []types.Log
	err       error
	queries   []ethereum.FilterQuery
	closed    bool
	filterErr error
}

func (f *fakeBackend) ChainID(ctx context.Context) (*big.Int, error) {
	return f.chainID, f.err
}

func (f *fakeBackend) BlockNumber(ctx context.Context) (uint64, error) {
	return f.height, f.err
}

func (f *fakeBackend) CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error) {
	return f.code, f.err
}

func (f *fakeBackend) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.queries = append(f.queries, q)
	if f.filterErr != nil {
		return nil, f.filterErr
	}

	from, to := q.FromBlock.Uint64(), q.ToBlock.Uint64()
	var out []types.Log
	for _, l := range f.logs {
		if l.BlockNumber >= from && l.BlockNumber <= to {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *fakeBackend) Close() {
	f.closed = true
}

func lockLog(t *testing.T, d *Decoder, block uint64, txHash common.Hash, index uint, amount int64) types.Log {
	t.Helper()
	topics, data, err := d.Pack(senderAddress, recipient, big.NewInt(amount), big.NewInt(137), common.HexToHash("0xfeed"))
	require.NoError(t, err)

	return types.Log{
		Address:     bridgeAddress,
		Topics:      topics,
		Data:        data,
		BlockNumber: block,
		TxHash:      txHash,
		Index:       index,
		BlockHash:   common.HexToHash("0xb10c"),
	}
}

func TestDecoder_RoundTrip(t *testing.T) {
	d, err := NewDecoder()
	require.NoError(t, err)

	huge, ok := new(big.Int).SetString("115792089237316195423570985008687907853269984665640564039457584007913129639935", 10)
	require.True(t, ok)

	topics, data, err := d.Pack(senderAddress, recipient, huge, big.NewInt(10), common.HexToHash("0x01"))
	require.NoError(t, err)

	txHash := common.HexToHash("0xabc")
	event, err := d.Decode(&types.Log{Topics: topics, Data: data, TxHash: txHash, Index: 2, BlockNumber: 42})
	require.NoError(t, err)

	assert.Equal(t, senderAddress, event.Sender)
	assert.Equal(t, recipient, event.Recipient)
	assert.Equal(t, 0, huge.Cmp(event.Amount))
	assert.Equal(t, int64(10), event.DestinationChainID.Int64())
	assert.Equal(t, common.HexToHash("0x01"), event.TransferID)
	assert.Equal(t, uint64(42), event.BlockNumber)
	assert.Equal(t, models.NewEventSignature(txHash, 2), event.Signature())

	payload := event.Payload()
	assert.Equal(t, "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed", payload.Sender)
	assert.Equal(t, "0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359", payload.Recipient)
	assert.Equal(t, txHash.Hex(), payload.SourceTransactionHash)
}

func TestDecoder_Rejects(t *testing.T) {
	d, err := NewDecoder()
	require.NoError(t, err)

	topics, data, err := d.Pack(senderAddress, recipient, big.NewInt(1), big.NewInt(1), common.Hash{})
	require.NoError(t, err)

	_, err = d.Decode(&types.Log{Topics: []common.Hash{common.HexToHash("0xdead")}, Data: data})
	assert.ErrorIs(t, err, ErrUnknownEvent)

	_, err = d.Decode(&types.Log{})
	assert.ErrorIs(t, err, ErrUnknownEvent)

	_, err = d.Decode(&types.Log{Topics: topics[:2], Data: data})
	assert.Error(t, err, "missing indexed topic")

	_, err = d.Decode(&types.Log{Topics: topics, Data: data[:40]})
	assert.Error(t, err, "truncated data")
}

func TestFetchLockEvents_DistinctSignaturesWithinOneTransaction(t *testing.T) {
	d, err := NewDecoder()
	require.NoError(t, err)

	txHash := common.HexToHash("0xabc")
	backend := &fakeBackend{logs: []types.Log{
		lockLog(t, d, 90, txHash, 1, 20),
		lockLog(t, d, 90, txHash, 0, 10),
	}}

	client, err := NewClient(backend, bridgeAddress)
	require.NoError(t, err)

	events, err := client.FetchLockEvents(context.Background(), models.BlockRange{From: 80, To: 95})
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, uint(0), events[0].LogIndex)
	assert.Equal(t, uint(1), events[1].LogIndex)
	assert.NotEqual(t, events[0].Signature(), events[1].Signature())

	require.Len(t, backend.queries, 1)
	q := backend.queries[0]
	assert.Equal(t, []common.Address{bridgeAddress}, q.Addresses)
	assert.Equal(t, [][]common.Hash{{d.EventID()}}, q.Topics)
	assert.Equal(t, uint64(80), q.FromBlock.Uint64())
	assert.Equal(t, uint64(95), q.ToBlock.Uint64())
}

func TestFetchLockEvents_SplitsIntoBatches(t *testing.T) {
	d, err := NewDecoder()
	require.NoError(t, err)

	backend := &fakeBackend{logs: []types.Log{
		lockLog(t, d, 3, common.HexToHash("0x01"), 0, 1),
		lockLog(t, d, 12, common.HexToHash("0x02"), 0, 2),
		lockLog(t, d, 25, common.HexToHash("0x03"), 0, 3),
	}}

	client, err := NewClient(backend, bridgeAddress, WithBatchSize(10))
	require.NoError(t, err)

	events, err := client.FetchLockEvents(context.Background(), models.BlockRange{From: 0, To: 25})
	require.NoError(t, err)
	require.Len(t, events, 3)

	require.Len(t, backend.queries, 3)
	assert.Equal(t, uint64(0), backend.queries[0].FromBlock.Uint64())
	assert.Equal(t, uint64(9), backend.queries[0].ToBlock.Uint64())
	assert.Equal(t, uint64(20), backend.queries[2].FromBlock.Uint64())
	assert.Equal(t, uint64(25), backend.queries[2].ToBlock.Uint64())
}

func TestFetchLockEvents_SkipsRemovedAndForeignLogs(t *testing.T) {
	d, err := NewDecoder()
	require.NoError(t, err)

	removed := lockLog(t, d, 5, common.HexToHash("0x01"), 0, 1)
	removed.Removed = true

	foreign := lockLog(t, d, 5, common.HexToHash("0x02"), 1, 1)
	foreign.Topics[0] = common.HexToHash("0xdead")

	kept := lockLog(t, d, 6, common.HexToHash("0x03"), 0, 1)

	client, err := NewClient(&fakeBackend{logs: []types.Log{removed, foreign, kept}}, bridgeAddress)
	require.NoError(t, err)

	events, err := client.FetchLockEvents(context.Background(), models.BlockRange{From: 0, To: 10})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, common.HexToHash("0x03"), events[0].TxHash)
}

func TestFetchLockEvents_MalformedLogFailsFetch(t *testing.T) {
	d, err := NewDecoder()
	require.NoError(t, err)

	bad := lockLog(t, d, 5, common.HexToHash("0x01"), 0, 1)
	bad.Data = bad.Data[:10]

	client, err := NewClient(&fakeBackend{logs: []types.Log{bad}}, bridgeAddress)
	require.NoError(t, err)

	_, err = client.FetchLockEvents(context.Background(), models.BlockRange{From: 0, To: 10})
	assert.Error(t, err)
}

func TestFetchLockEvents_RPCErrorIsFetchError(t *testing.T) {
	client, err := NewClient(&fakeBackend{filterErr: errors.New("query returned more than 10000 results")}, bridgeAddress)
	require.NoError(t, err)

	r := models.BlockRange{From: 0, To: 10}
	_, err = client.FetchLockEvents(context.Background(), r)

	var fetchErr *FetchError
	require.True(t, errors.As(err, &fetchErr))
	assert.Equal(t, r, fetchErr.Range)
}

func TestClient_ConnectivityErrors(t *testing.T) {
	client, err := NewClient(&fakeBackend{err: errors.New("connection refused")}, bridgeAddress)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = client.LatestBlock(ctx)
	assert.ErrorIs(t, err, ErrConnectivity)

	_, err = client.Connect(ctx)
	assert.ErrorIs(t, err, ErrConnectivity)

	assert.ErrorIs(t, client.ResolveContract(ctx), ErrConnectivity)
}

func TestClient_ResolveContract(t *testing.T) {
	backend := &fakeBackend{chainID: big.NewInt(1), height: 100}
	client, err := NewClient(backend, bridgeAddress)
	require.NoError(t, err)
	ctx := context.Background()

	assert.ErrorIs(t, client.ResolveContract(ctx), ErrContractNotFound)

	backend.code = []byte{0x60, 0x80}
	assert.NoError(t, client.ResolveContract(ctx))

	chainID, err := client.Connect(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), chainID.Int64())

	height, err := client.LatestBlock(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), height)

	client.Close()
	assert.True(t, backend.closed)
}
