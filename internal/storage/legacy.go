package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"relayer/internal/models"
)

// legacySignature matches keys of the unversioned document, where the tx hash may
// lack its 0x prefix
var legacySignature = regexp.MustCompile(`^(0x)?([0-9a-fA-F]{64})-([0-9]+)$`)

// legacyRecord is one entry of the unversioned document: a top-level object keyed by
// signature with the relayed payload and a unix timestamp in fractional seconds
type legacyRecord struct {
	Data        *models.RelayPayload `json:"data"`
	ProcessedAt *float64             `json:"processed_at"`
}

// decodeDocument reads either the versioned ledger document or the unversioned
// signature map written by earlier relayers. The unversioned form is converted in
// memory; the next Persist writes it back in the current layout.
func decodeDocument(data []byte) (*models.LedgerState, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return nil, err
	}
	if top == nil {
		return nil, errors.New("document is null")
	}

	if _, versioned := top["version"]; versioned {
		var state models.LedgerState
		if err := json.Unmarshal(data, &state); err != nil {
			return nil, err
		}
		if state.Events == nil {
			state.Events = make(map[models.EventSignature]*models.EventRecord)
		}
		return &state, nil
	}

	return decodeLegacy(top)
}

func decodeLegacy(top map[string]json.RawMessage) (*models.LedgerState, error) {
	state := models.NewLedgerState()

	for key, raw := range top {
		sig, err := normalizeLegacySignature(key)
		if err != nil {
			return nil, err
		}

		var entry legacyRecord
		if err := json.Unmarshal(raw, &entry); err != nil {
			return nil, fmt.Errorf("record %s: %w", key, err)
		}
		if entry.Data == nil {
			return nil, fmt.Errorf("record %s has no data", key)
		}
		if entry.ProcessedAt == nil {
			return nil, fmt.Errorf("record %s has no processed_at", key)
		}
		if _, dup := state.Events[sig]; dup {
			return nil, fmt.Errorf("record %s appears twice", sig)
		}

		entry.Data.SourceTransactionHash = normalizeLegacyHash(entry.Data.SourceTransactionHash)
		state.Events[sig] = &models.EventRecord{
			Signature:   sig,
			Payload:     entry.Data,
			CommittedAt: unixSeconds(*entry.ProcessedAt),
		}
	}

	return state, nil
}

func normalizeLegacySignature(key string) (models.EventSignature, error) {
	m := legacySignature.FindStringSubmatch(key)
	if m == nil {
		return "", fmt.Errorf("key %q is not an event signature", key)
	}
	return models.EventSignature("0x" + strings.ToLower(m[2]) + "-" + m[3]), nil
}

func normalizeLegacyHash(hash string) string {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(hash, "0x"), "0X")
	if len(trimmed) != 64 {
		return hash
	}
	return "0x" + strings.ToLower(trimmed)
}

func unixSeconds(seconds float64) time.Time {
	whole, frac := math.Modf(seconds)
	return time.Unix(int64(whole), int64(math.Round(frac*1e6))*int64(time.Microsecond)).UTC()
}
