package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"relayer/internal/metrics"
	"relayer/internal/models"
)

const (
	DefaultBatchSize      = 2000
	DefaultRequestTimeout = 30 * time.Second
)

var (
	// ErrConnectivity marks failures to reach the source chain node
	ErrConnectivity = errors.New("source chain unreachable")

	// ErrContractNotFound is returned when the watched address holds no code
	ErrContractNotFound = errors.New("no contract code at watched address")
)

// FetchError is returned when logs for a range could not be retrieved
type FetchError struct {
	Range models.BlockRange
	Err   error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("failed to fetch logs for blocks %s: %v", e.Range, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Backend is the subset of the JSON-RPC client used by Client.
// *ethclient.Client satisfies it.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	Close()
}

// Option configures a Client
type Option func(*Client)

// WithBatchSize limits how many blocks a single eth_getLogs call may cover
func WithBatchSize(blocks uint64) Option {
	return func(c *Client) {
		if blocks > 0 {
			c.batchSize = blocks
		}
	}
}

// WithRequestTimeout bounds every RPC call
func WithRequestTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.requestTimeout = timeout
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Client reads TokensLocked events of one bridge contract
type Client struct {
	backend        Backend
	contract       common.Address
	decoder        *Decoder
	batchSize      uint64
	requestTimeout time.Duration
	logger         *slog.Logger
}

// Dial connects to the node at rpcURL
func Dial(ctx context.Context, rpcURL string, contract common.Address, opts ...Option) (*Client, error) {
	backend, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to dial %s: %w", ErrConnectivity, rpcURL, err)
	}

	client, err := NewClient(backend, contract, opts...)
	if err != nil {
		backend.Close()
		return nil, err
	}
	return client, nil
}

// NewClient wraps an existing backend
func NewClient(backend Backend, contract common.Address, opts ...Option) (*Client, error) {
	decoder, err := NewDecoder()
	if err != nil {
		return nil, err
	}

	c := &Client{
		backend:        backend,
		contract:       contract,
		decoder:        decoder,
		batchSize:      DefaultBatchSize,
		requestTimeout: DefaultRequestTimeout,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "chain", "contract", contract.Hex())

	return c, nil
}

// Connect verifies the node answers and returns its chain id
func (c *Client) Connect(ctx context.Context) (*big.Int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	chainID, err := c.backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query chain id: %w", ErrConnectivity, err)
	}
	return chainID, nil
}

// ResolveContract checks that the watched address holds contract code
func (c *Client) ResolveContract(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	code, err := c.backend.CodeAt(ctx, c.contract, nil)
	if err != nil {
		return fmt.Errorf("%w: failed to load code of %s: %w", ErrConnectivity, c.contract.Hex(), err)
	}
	if len(code) == 0 {
		return fmt.Errorf("%w: %s", ErrContractNotFound, c.contract.Hex())
	}
	return nil
}

// LatestBlock returns the current chain height
func (c *Client) LatestBlock(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	height, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to query block number: %w", ErrConnectivity, err)
	}
	return height, nil
}

// FetchLockEvents returns the TokensLocked events emitted in r, ordered by
// block number and log index
func (c *Client) FetchLockEvents(ctx context.Context, r models.BlockRange) ([]*models.LockEvent, error) {
	start := time.Now()
	defer func() {
		metrics.FetchDuration.Observe(time.Since(start).Seconds())
	}()

	var logs []types.Log
	for from := r.From; from <= r.To; {
		to := r.To
		if to-from+1 > c.batchSize {
			to = from + c.batchSize - 1
		}

		chunk, err := c.filterLogs(ctx, from, to)
		if err != nil {
			return nil, &FetchError{Range: r, Err: err}
		}
		logs = append(logs, chunk...)

		if to == r.To {
			break
		}
		from = to + 1
	}

	sort.SliceStable(logs, func(i, j int) bool {
		if logs[i].BlockNumber != logs[j].BlockNumber {
			return logs[i].BlockNumber < logs[j].BlockNumber
		}
		return logs[i].Index < logs[j].Index
	})
	metrics.LogsFetched.Add(float64(len(logs)))

	events := make([]*models.LockEvent, 0, len(logs))
	for i := range logs {
		log := &logs[i]

		if log.Removed {
			c.logger.Warn("Skipping removed log", "tx_hash", log.TxHash.Hex(), "log_index", log.Index, "block", log.BlockNumber)
			continue
		}

		event, err := c.decoder.Decode(log)
		if errors.Is(err, ErrUnknownEvent) {
			c.logger.Warn("Skipping log with unexpected topic", "tx_hash", log.TxHash.Hex(), "log_index", log.Index)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to decode logs in %s: %w", r, err)
		}

		events = append(events, event)
	}

	c.logger.Debug("Fetched lock events", "range", r.String(), "logs", len(logs), "events", len(events))
	return events, nil
}

func (c *Client) filterLogs(ctx context.Context, from, to uint64) ([]types.Log, error) {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	return c.backend.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{c.contract},
		Topics:    [][]common.Hash{{c.decoder.EventID()}},
	})
}

// Contract returns the watched contract address
func (c *Client) Contract() common.Address {
	return c.contract
}

// Close releases the RPC connection
func (c *Client) Close() {
	c.backend.Close()
}
