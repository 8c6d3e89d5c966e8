package storage

import (
	"context"
	"errors"
	"fmt"

	"relayer/internal/models"
)

// ErrCorruptState is returned by Load when a persisted ledger exists but cannot be read back
var ErrCorruptState = errors.New("persisted ledger state is corrupt")

// Repository defines the interface for ledger persistence
type Repository interface {
	// Load returns the persisted state. A store that does not exist yet yields an
	// empty state; a store that exists but is unreadable yields ErrCorruptState.
	Load(ctx context.Context) (*models.LedgerState, error)

	// Persist durably stores the state. added is the record introduced by this write,
	// nil for checkpoint-only writes.
	Persist(ctx context.Context, state *models.LedgerState, added *models.EventRecord) error

	// Health & Maintenance
	Ping(ctx context.Context) error
	Close() error
}

// Quarantiner is implemented by repositories that can move a corrupt store aside so
// that a fresh one can be started without destroying the unreadable data
type Quarantiner interface {
	Quarantine(ctx context.Context) (string, error)
}

// Backend names accepted by Open
const (
	BackendFile     = "file"
	BackendPostgres = "postgres"
)

// Options selects and configures a repository backend
type Options struct {
	Backend     string
	Path        string
	DatabaseURL string
}

// Open creates the repository for the configured backend
func Open(ctx context.Context, opts Options) (Repository, error) {
	switch opts.Backend {
	case BackendFile, "":
		return NewFileRepository(opts.Path), nil
	case BackendPostgres:
		return NewPostgresRepository(ctx, opts.DatabaseURL)
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", opts.Backend)
	}
}

// validateState checks the structural invariants every backend must return
func validateState(state *models.LedgerState) error {
	if state.Version != models.LedgerStateVersion {
		return fmt.Errorf("unsupported state version %d", state.Version)
	}
	for sig, record := range state.Events {
		if record == nil {
			return fmt.Errorf("record %s is empty", sig)
		}
		if record.Signature != sig {
			return fmt.Errorf("record %s is stored under key %s", record.Signature, sig)
		}
		if record.Payload == nil {
			return fmt.Errorf("record %s has no payload", sig)
		}
	}
	return nil
}
