package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"relayer/internal/retry"
	"relayer/internal/storage"
)

// StartLatest starts scanning at the chain tip
const StartLatest = "latest"

type Config struct {
	Chain   ChainConfig   `yaml:"chain"`
	Relay   RelayConfig   `yaml:"relay"`
	Ledger  LedgerConfig  `yaml:"ledger"`
	Poll    PollConfig    `yaml:"poll"`
	Retry   retry.Config  `yaml:"retry"`
	API     APIConfig     `yaml:"api"`
	Logging LoggingConfig `yaml:"logging"`
}

// ChainConfig describes the source chain and the watched bridge contract
type ChainConfig struct {
	RPCURL          string `yaml:"rpcUrl" envconfig:"SOURCE_RPC_URL"`
	ContractAddress string `yaml:"contractAddress" envconfig:"BRIDGE_CONTRACT_ADDRESS"`

	// Block number or "latest"
	StartBlock        string        `yaml:"startBlock" envconfig:"START_BLOCK"`
	ConfirmationDepth uint64        `yaml:"confirmationDepth" envconfig:"REORG_CONFIRMATION_DEPTH"`
	LogBatchSize      uint64        `yaml:"logBatchSize" envconfig:"LOG_BATCH_SIZE"`
	MaxScanRange      uint64        `yaml:"maxScanRange" envconfig:"MAX_SCAN_RANGE"` // 0 = unlimited
	RequestTimeout    time.Duration `yaml:"requestTimeout" envconfig:"CHAIN_REQUEST_TIMEOUT"`
}

// RelayConfig describes the downstream relay API
type RelayConfig struct {
	Endpoint     string        `yaml:"endpoint" envconfig:"RELAYER_API_ENDPOINT"`
	Timeout      time.Duration `yaml:"timeout" envconfig:"RELAYER_TIMEOUT"`
	EventType    string        `yaml:"eventType" envconfig:"RELAY_EVENT_TYPE"`
	Workers      int           `yaml:"workers" envconfig:"DISPATCH_WORKERS"`
	PendingRetry bool          `yaml:"pendingRetry" envconfig:"PENDING_RETRY_ENABLED"`
}

// LedgerConfig selects where processed events are persisted
type LedgerConfig struct {
	Backend           string `yaml:"backend" envconfig:"LEDGER_BACKEND"`
	Path              string `yaml:"path" envconfig:"LEDGER_PATH"`
	DatabaseURL       string `yaml:"databaseUrl" envconfig:"DATABASE_URL"`
	AllowCorruptReset bool   `yaml:"allowCorruptReset" envconfig:"LEDGER_ALLOW_CORRUPT_RESET"`
}

type PollConfig struct {
	Interval     time.Duration `yaml:"interval" envconfig:"POLL_INTERVAL"`
	ErrorBackoff time.Duration `yaml:"errorBackoff" envconfig:"POLL_ERROR_BACKOFF"`
}

type APIConfig struct {
	Port int `yaml:"port" envconfig:"API_PORT"` // 0 disables the API server
}

type LoggingConfig struct {
	Level  string `yaml:"level" envconfig:"LOG_LEVEL"`
	Format string `yaml:"format" envconfig:"LOG_FORMAT"` // text or json
}

// Default returns the configuration used when nothing else is set
func Default() *Config {
	return &Config{
		Chain: ChainConfig{
			StartBlock:        StartLatest,
			ConfirmationDepth: 5,
			LogBatchSize:      2000,
			RequestTimeout:    30 * time.Second,
		},
		Relay: RelayConfig{
			Timeout:      10 * time.Second,
			EventType:    "TokensLocked",
			Workers:      1,
			PendingRetry: true,
		},
		Ledger: LedgerConfig{
			Backend: storage.BackendFile,
			Path:    "processed_events_state.json",
		},
		Poll: PollConfig{
			Interval:     15 * time.Second,
			ErrorBackoff: 30 * time.Second,
		},
		Retry: retry.DefaultConfig(),
		API: APIConfig{
			Port: 8080,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file and the environment.
// Environment variables win over the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := readConfigFile(cfg, path); err != nil {
			return nil, err
		}
	}

	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	return cfg, nil
}

func readConfigFile(cfg *Config, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		return fmt.Errorf("failed to decode config file %s: %w", path, err)
	}

	return nil
}

// StartPosition returns the configured start block, or nil for "latest"
func (c *Config) StartPosition() (*uint64, error) {
	raw := strings.TrimSpace(c.Chain.StartBlock)
	if raw == "" || strings.EqualFold(raw, StartLatest) {
		return nil, nil
	}

	block, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("START_BLOCK must be a block number or %q, got %q", StartLatest, c.Chain.StartBlock)
	}
	return &block, nil
}

// ContractAddress returns the parsed bridge contract address
func (c *Config) ContractAddress() common.Address {
	return common.HexToAddress(c.Chain.ContractAddress)
}

// Validate checks everything the relay loop needs. All problems are reported at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Chain.RPCURL == "" {
		errs = append(errs, errors.New("SOURCE_RPC_URL is required"))
	} else if err := checkURL(c.Chain.RPCURL, "http", "https", "ws", "wss"); err != nil {
		errs = append(errs, fmt.Errorf("SOURCE_RPC_URL: %w", err))
	}

	if c.Chain.ContractAddress == "" {
		errs = append(errs, errors.New("BRIDGE_CONTRACT_ADDRESS is required"))
	} else if !common.IsHexAddress(c.Chain.ContractAddress) {
		errs = append(errs, fmt.Errorf("BRIDGE_CONTRACT_ADDRESS %q is not a valid address", c.Chain.ContractAddress))
	}

	if c.Relay.Endpoint == "" {
		errs = append(errs, errors.New("RELAYER_API_ENDPOINT is required"))
	} else if err := checkURL(c.Relay.Endpoint, "http", "https"); err != nil {
		errs = append(errs, fmt.Errorf("RELAYER_API_ENDPOINT: %w", err))
	}

	if _, err := c.StartPosition(); err != nil {
		errs = append(errs, err)
	}
	if c.Chain.LogBatchSize == 0 {
		errs = append(errs, errors.New("LOG_BATCH_SIZE must be greater than 0"))
	}
	if c.Chain.RequestTimeout <= 0 {
		errs = append(errs, errors.New("CHAIN_REQUEST_TIMEOUT must be positive"))
	}
	if c.Relay.Timeout <= 0 {
		errs = append(errs, errors.New("RELAYER_TIMEOUT must be positive"))
	}
	if c.Relay.EventType == "" {
		errs = append(errs, errors.New("RELAY_EVENT_TYPE must not be empty"))
	}
	if c.Relay.Workers < 1 {
		errs = append(errs, errors.New("DISPATCH_WORKERS must be at least 1"))
	}
	if c.Poll.Interval <= 0 {
		errs = append(errs, errors.New("POLL_INTERVAL must be positive"))
	}
	if c.Poll.ErrorBackoff <= 0 {
		errs = append(errs, errors.New("POLL_ERROR_BACKOFF must be positive"))
	}
	if c.API.Port < 0 || c.API.Port > 65535 {
		errs = append(errs, fmt.Errorf("API_PORT %d is out of range", c.API.Port))
	}
	if c.Retry.Enabled && c.Retry.MaxRetries < 0 {
		errs = append(errs, errors.New("RETRY_MAX_RETRIES must not be negative"))
	}

	if err := c.ValidateLedger(); err != nil {
		errs = append(errs, err)
	}
	if err := c.ValidateLogging(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// ValidateLedger checks the ledger settings only
func (c *Config) ValidateLedger() error {
	switch c.Ledger.Backend {
	case storage.BackendFile:
		if c.Ledger.Path == "" {
			return errors.New("LEDGER_PATH is required for the file backend")
		}
	case storage.BackendPostgres:
		if c.Ledger.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for the postgres backend")
		}
	default:
		return fmt.Errorf("LEDGER_BACKEND must be %q or %q, got %q", storage.BackendFile, storage.BackendPostgres, c.Ledger.Backend)
	}
	return nil
}

// ValidateLogging checks the log level and format
func (c *Config) ValidateLogging() error {
	var errs []error
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("LOG_LEVEL must be debug, info, warn or error, got %q", c.Logging.Level))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.Logging.Format))
	}
	return errors.Join(errs...)
}

// LedgerOptions maps the ledger settings onto the storage layer
func (c *Config) LedgerOptions() storage.Options {
	return storage.Options{
		Backend:     c.Ledger.Backend,
		Path:        c.Ledger.Path,
		DatabaseURL: c.Ledger.DatabaseURL,
	}
}

func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL %q: %w", raw, err)
	}
	if u.Host == "" {
		return fmt.Errorf("URL %q has no host", raw)
	}
	for _, scheme := range schemes {
		if strings.EqualFold(u.Scheme, scheme) {
			return nil
		}
	}
	return fmt.Errorf("URL %q must use one of %s", raw, strings.Join(schemes, ", "))
}
