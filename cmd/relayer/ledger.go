package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"relayer/internal/config"
	"relayer/internal/ledger"
	"relayer/internal/models"
	"relayer/internal/storage"
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect the processed-events ledger",
	Long:  "Read-only tools for the ledger of relayed events",
}

var listLedgerCmd = &cobra.Command{
	Use:          "list",
	Short:        "List relayed events",
	Long:         "Lists the relayed events in commit order, newest last",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return listLedger(cmd)
	},
}

var verifyLedgerCmd = &cobra.Command{
	Use:          "verify",
	Short:        "Check the ledger for corrupt records",
	Long:         "Loads the ledger and checks every record. Exits non-zero when the store is unreadable or a record is inconsistent",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return verifyLedger(cmd)
	},
}

func init() {
	rootCmd.AddCommand(ledgerCmd)

	ledgerCmd.AddCommand(listLedgerCmd)
	ledgerCmd.AddCommand(verifyLedgerCmd)

	listLedgerCmd.Flags().IntP("limit", "n", 0, "Show only the most recent N events (0 = all)")
	listLedgerCmd.Flags().Bool("json", false, "Print records as JSON")
}

// openLedgerStore loads the config and opens the configured ledger backend
func openLedgerStore(cmd *cobra.Command) (storage.Repository, *slog.Logger, error) {
	_ = godotenv.Load()
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if err := errors.Join(cfg.ValidateLedger(), cfg.ValidateLogging()); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger := newLogger(cfg.Logging, cmd.ErrOrStderr())

	repository, err := storage.Open(cmd.Context(), cfg.LedgerOptions())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open ledger store: %w", err)
	}
	return repository, logger, nil
}

func listLedger(cmd *cobra.Command) error {
	limit, _ := cmd.Flags().GetInt("limit")
	asJSON, _ := cmd.Flags().GetBool("json")

	repository, logger, err := openLedgerStore(cmd)
	if err != nil {
		return err
	}
	defer repository.Close()

	processed, err := ledger.Load(cmd.Context(), repository, ledger.Options{Logger: logger})
	if err != nil {
		return err
	}

	records := processed.Records()
	if limit > 0 && len(records) > limit {
		records = records[len(records)-limit:]
	}

	if asJSON {
		encoder := json.NewEncoder(cmd.OutOrStdout())
		encoder.SetIndent("", "  ")
		return encoder.Encode(records)
	}

	checkpoint := "none"
	if block, ok := processed.Checkpoint(); ok {
		checkpoint = fmt.Sprintf("%d", block)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d events, checkpoint %s\n\n", processed.Len(), checkpoint)
	return writeRecordTable(cmd.OutOrStdout(), records)
}

func writeRecordTable(out io.Writer, records []*models.EventRecord) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "COMMITTED\tSIGNATURE\tSENDER\tRECIPIENT\tAMOUNT\tDEST CHAIN")
	for _, record := range records {
		p := record.Payload
		if p == nil {
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%v\t%v\n",
			record.CommittedAt.UTC().Format(time.RFC3339),
			record.Signature,
			p.Sender,
			p.Recipient,
			p.Amount,
			p.DestinationChainID,
		)
	}
	return w.Flush()
}

func verifyLedger(cmd *cobra.Command) error {
	repository, _, err := openLedgerStore(cmd)
	if err != nil {
		return err
	}
	defer repository.Close()

	state, err := repository.Load(cmd.Context())
	if err != nil {
		return fmt.Errorf("ledger is unreadable: %w", err)
	}

	problems := ledger.Verify(state)
	out := cmd.OutOrStdout()
	for _, problem := range problems {
		fmt.Fprintln(out, problem.String())
	}
	if len(problems) > 0 {
		return fmt.Errorf("ledger has %d inconsistent records out of %d", len(problems), len(state.Events))
	}

	fmt.Fprintf(out, "ledger OK: %d records\n", len(state.Events))
	return nil
}
