package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"relayer/internal/models"
)

// FileRepository stores the ledger as a single JSON document that is rewritten in full on every write
type FileRepository struct {
	path string
	mu   sync.Mutex
}

// NewFileRepository creates a repository backed by the document at path
func NewFileRepository(path string) *FileRepository {
	return &FileRepository{path: path}
}

// Load reads the ledger document
func (r *FileRepository) Load(ctx context.Context) (*models.LedgerState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := os.ReadFile(r.path)
	if errors.Is(err, fs.ErrNotExist) {
		return models.NewLedgerState(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger file %s: %w", r.path, err)
	}

	state, err := decodeDocument(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptState, r.path, err)
	}
	if err := validateState(state); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptState, r.path, err)
	}

	return state, nil
}

// Persist rewrites the whole document. The new content is written to a temporary file
// in the same directory, synced and renamed over the old one.
func (r *FileRepository) Persist(ctx context.Context, state *models.LedgerState, added *models.EventRecord) error {
	data, err := json.MarshalIndent(state, "", "    ")
	if err != nil {
		return fmt.Errorf("failed to marshal ledger state: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	dir := filepath.Dir(r.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(r.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary ledger file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write ledger file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync ledger file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close ledger file: %w", err)
	}
	if err := os.Rename(tmpName, r.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace ledger file: %w", err)
	}

	return syncDir(dir)
}

// syncDir makes a rename inside dir durable
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("failed to open ledger directory: %w", err)
	}
	defer d.Close()

	if err := d.Sync(); err != nil {
		return fmt.Errorf("failed to sync ledger directory: %w", err)
	}
	return nil
}

// Quarantine renames an unreadable ledger document out of the way and returns its new path
func (r *FileRepository) Quarantine(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	target := fmt.Sprintf("%s.corrupt-%d", r.path, time.Now().Unix())
	if err := os.Rename(r.path, target); err != nil {
		return "", fmt.Errorf("failed to quarantine ledger file: %w", err)
	}
	return target, nil
}

// Ping checks that the ledger directory is reachable
func (r *FileRepository) Ping(ctx context.Context) error {
	info, err := os.Stat(filepath.Dir(r.path))
	if err != nil {
		return fmt.Errorf("ledger directory unavailable: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("ledger directory %s is not a directory", filepath.Dir(r.path))
	}
	return nil
}

// Close is a no-op for the file backend
func (r *FileRepository) Close() error {
	return nil
}
