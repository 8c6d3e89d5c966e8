package debug

import (
	"context"
	"encoding/json"
	"log/slog"

	"relayer/internal/models"
)

// PrintPayload prints the relay payload of an event in JSON format
func PrintPayload(logger *slog.Logger, sig models.EventSignature, payload *models.RelayPayload) {
	if !logger.Enabled(context.Background(), slog.LevelDebug) {
		return
	}

	jsonData, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		logger.Error("Failed to marshal payload to JSON", "signature", sig, "error", err)
		return
	}

	logger.Debug("Relay payload details", "signature", sig, "json", string(jsonData))
}

// PrintRecord prints a committed ledger record in JSON format
func PrintRecord(logger *slog.Logger, record *models.EventRecord) {
	if !logger.Enabled(context.Background(), slog.LevelDebug) {
		return
	}

	jsonData, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		logger.Error("Failed to marshal record to JSON", "signature", record.Signature, "error", err)
		return
	}

	logger.Debug("Ledger record details", "signature", record.Signature, "json", string(jsonData))
}
