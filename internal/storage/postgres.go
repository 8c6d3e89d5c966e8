package storage

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"relayer/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// PostgresRepository implements the Repository interface using PostgreSQL
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a new PostgreSQL repository and makes sure the schema exists
func NewPostgresRepository(ctx context.Context, databaseURL string) (*PostgresRepository, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test the connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	r := &PostgresRepository{
		pool: pool,
	}

	if err := r.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) ensureSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to create ledger schema: %w", err)
	}
	return nil
}

// Load reads every relayed event and the checkpoint row
func (r *PostgresRepository) Load(ctx context.Context) (*models.LedgerState, error) {
	state := models.NewLedgerState()

	rows, err := r.pool.Query(ctx, `SELECT signature, payload, committed_at FROM relayed_events`)
	if err != nil {
		return nil, fmt.Errorf("failed to load relayed events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var signature string
		var payloadJSON []byte
		var committedAt time.Time

		if err := rows.Scan(&signature, &payloadJSON, &committedAt); err != nil {
			return nil, fmt.Errorf("failed to scan relayed event: %w", err)
		}

		var payload models.RelayPayload
		if err := json.Unmarshal(payloadJSON, &payload); err != nil {
			return nil, fmt.Errorf("%w: relayed_events row %s: %v", ErrCorruptState, signature, err)
		}

		sig := models.EventSignature(signature)
		state.Events[sig] = &models.EventRecord{
			Signature:   sig,
			Payload:     &payload,
			CommittedAt: committedAt.UTC(),
		}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating relayed events: %w", err)
	}

	var nextBlock int64
	var updatedAt time.Time
	err = r.pool.QueryRow(ctx, `SELECT next_block, updated_at FROM relay_checkpoint WHERE id = 1`).Scan(&nextBlock, &updatedAt)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	case nextBlock < 0:
		return nil, fmt.Errorf("%w: negative checkpoint %d", ErrCorruptState, nextBlock)
	default:
		checkpoint := uint64(nextBlock)
		state.Checkpoint = &checkpoint
		state.UpdatedAt = updatedAt.UTC()
	}

	if err := validateState(state); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}

	return state, nil
}

// Persist inserts the added record and upserts the checkpoint in one transaction.
// Rows already present are left untouched, so a replayed commit is harmless.
func (r *PostgresRepository) Persist(ctx context.Context, state *models.LedgerState, added *models.EventRecord) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if added != nil {
		payloadJSON, err := json.Marshal(added.Payload)
		if err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO relayed_events (signature, payload, committed_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (signature) DO NOTHING
		`, string(added.Signature), payloadJSON, added.CommittedAt)
		if err != nil {
			return fmt.Errorf("failed to save relayed event: %w", err)
		}
	}

	if state.Checkpoint != nil {
		_, err = tx.Exec(ctx, `
			INSERT INTO relay_checkpoint (id, next_block, updated_at)
			VALUES (1, $1, $2)
			ON CONFLICT (id) DO UPDATE SET next_block = EXCLUDED.next_block, updated_at = EXCLUDED.updated_at
		`, int64(*state.Checkpoint), state.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to save checkpoint: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// Quarantine renames the event table out of the way and recreates an empty schema
func (r *PostgresRepository) Quarantine(ctx context.Context) (string, error) {
	target := fmt.Sprintf("relayed_events_corrupt_%d", time.Now().Unix())

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, fmt.Sprintf(`ALTER TABLE relayed_events RENAME TO %s`, pgx.Identifier{target}.Sanitize())); err != nil {
		return "", fmt.Errorf("failed to quarantine relayed events: %w", err)
	}
	if _, err := tx.Exec(ctx, `ALTER INDEX IF EXISTS relayed_events_committed_at_idx RENAME TO `+pgx.Identifier{target + "_committed_at_idx"}.Sanitize()); err != nil {
		return "", fmt.Errorf("failed to quarantine relayed events index: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM relay_checkpoint`); err != nil {
		return "", fmt.Errorf("failed to reset checkpoint: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("failed to commit transaction: %w", err)
	}

	if err := r.ensureSchema(ctx); err != nil {
		return "", err
	}

	return target, nil
}

// Ping checks if the database connection is alive
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Close closes the database connection pool
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}
