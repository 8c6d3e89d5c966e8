package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"relayer/internal/api"
	"relayer/internal/chain"
	"relayer/internal/config"
	"relayer/internal/ledger"
	"relayer/internal/metrics"
	"relayer/internal/orchestrator"
	"relayer/internal/relay"
	"relayer/internal/retry"
	"relayer/internal/scanner"
	"relayer/internal/storage"
)

var runCmd = &cobra.Command{
	Use:          "run",
	Short:        "Run the relay loop",
	Long:         "Connects to the source chain, resumes from the ledger checkpoint and relays confirmed TokensLocked events until interrupted",
	SilenceUsage: true,
	RunE:         runRelayer,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runRelayer(cmd *cobra.Command, args []string) error {
	// 1. Load configuration
	_ = godotenv.Load()
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// 2. Configure logger
	logger := newLogger(cfg.Logging, os.Stdout)
	slog.SetDefault(logger)

	slog.Info("Configuration loaded",
		"rpc_url", cfg.Chain.RPCURL,
		"contract", cfg.ContractAddress().Hex(),
		"relay_endpoint", cfg.Relay.Endpoint,
		"confirmation_depth", cfg.Chain.ConfirmationDepth,
		"start_block", cfg.Chain.StartBlock,
		"ledger_backend", cfg.Ledger.Backend,
		"log_level", cfg.Logging.Level,
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Open the ledger
	repository, err := storage.Open(ctx, cfg.LedgerOptions())
	if err != nil {
		return fmt.Errorf("failed to open ledger store: %w", err)
	}
	defer repository.Close()

	processed, err := ledger.Load(ctx, repository, ledger.Options{
		AllowCorruptReset: cfg.Ledger.AllowCorruptReset,
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	// 4. Connect to the source chain
	strategy := retry.NewStrategy(cfg.Retry, logger)

	var client *chain.Client
	err = strategy.Execute(ctx, func() error {
		c, err := chain.Dial(ctx, cfg.Chain.RPCURL, cfg.ContractAddress(),
			chain.WithBatchSize(cfg.Chain.LogBatchSize),
			chain.WithRequestTimeout(cfg.Chain.RequestTimeout),
			chain.WithLogger(logger),
		)
		if err != nil {
			return err
		}
		client = c
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to connect to source chain: %w", err)
	}
	defer client.Close()

	var chainID string
	err = strategy.Execute(ctx, func() error {
		id, err := client.Connect(ctx)
		if err != nil {
			return err
		}
		chainID = id.String()
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to connect to source chain: %w", err)
	}

	if err := client.ResolveContract(ctx); err != nil {
		return fmt.Errorf("failed to resolve bridge contract: %w", err)
	}
	slog.Info("Connected to source chain", "chain_id", chainID, "contract", client.Contract().Hex())

	// 5. Resolve the start block
	explicit, err := cfg.StartPosition()
	if err != nil {
		return err
	}
	var checkpoint *uint64
	if block, ok := processed.Checkpoint(); ok {
		checkpoint = &block
	}

	startBlock, source, err := scanner.ResolveStart(ctx, explicit, checkpoint, client.LatestBlock)
	if err != nil {
		return err
	}
	slog.Info("Scan start resolved", "start_block", startBlock, "source", string(source))
	if source == scanner.StartExplicit && checkpoint != nil && *checkpoint != startBlock {
		slog.Warn("START_BLOCK overrides the persisted checkpoint",
			"start_block", startBlock,
			"checkpoint", *checkpoint,
		)
	}

	windows := scanner.New(startBlock, cfg.Chain.ConfirmationDepth, scanner.WithMaxRange(cfg.Chain.MaxScanRange))
	metrics.CursorBlock.Set(float64(startBlock))

	// 6. Wire dispatcher and orchestrator
	dispatcher := relay.NewDispatcher(cfg.Relay.Endpoint,
		relay.WithTimeout(cfg.Relay.Timeout),
		relay.WithEventType(cfg.Relay.EventType),
		relay.WithLogger(logger),
	)

	orch := orchestrator.New(client, windows, dispatcher, processed, strategy, orchestrator.Config{
		PollInterval: cfg.Poll.Interval,
		ErrorBackoff: cfg.Poll.ErrorBackoff,
		PendingRetry: cfg.Relay.PendingRetry,
		Workers:      cfg.Relay.Workers,
	}, logger)

	// 7. Start API server
	if cfg.API.Port > 0 {
		server := api.NewServer(cfg.API.Port, orch, processed, logger)
		if err := server.Start(); err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				slog.Error("Error shutting down API server", "error", err)
			}
		}()
	}

	// 8. Relay until interrupted
	if err := orch.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	slog.Info("Relayer stopped")
	return nil
}
