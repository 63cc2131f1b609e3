// Package snapshot persists the small advisory record the trading loop needs
// after a restart: the last processed tick and the consecutive API error
// count. Position is never stored here; it is always rebuilt from the ledger.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// Summary is the persisted recovery record.
type Summary struct {
	LastTimestamp     time.Time `json:"last_timestamp"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	LastUpdate        time.Time `json:"last_update"`
}

// IsZero reports whether nothing was restored.
func (s Summary) IsZero() bool {
	return s.LastTimestamp.IsZero() && s.ConsecutiveErrors == 0 && s.LastUpdate.IsZero()
}

// Store is a single-writer, last-write-wins snapshot location.
type Store interface {
	Save(ctx context.Context, s Summary) error
	// Load never fails: an absent or unreadable snapshot is a fresh start.
	Load(ctx context.Context) Summary
}

func decode(data []byte) (Summary, error) {
	var s Summary
	if err := json.Unmarshal(data, &s); err != nil {
		return Summary{}, err
	}
	if s.ConsecutiveErrors < 0 {
		return Summary{}, fmt.Errorf("negative consecutive_errors %d", s.ConsecutiveErrors)
	}
	return s, nil
}

// FileStore keeps the snapshot in a JSON file replaced atomically.
type FileStore struct {
	path   string
	logger zerolog.Logger
}

// NewFileStore creates a file-backed store at path.
func NewFileStore(path string, logger zerolog.Logger) *FileStore {
	return &FileStore{
		path:   path,
		logger: logger.With().Str("component", "Snapshot").Str("path", path).Logger(),
	}
}

// Path returns the snapshot file location.
func (f *FileStore) Path() string { return f.path }

// Save writes to a temp file in the same directory, syncs it and renames it
// over the old snapshot so a crash leaves either the old or the new file.
func (f *FileStore) Save(_ context.Context, s Summary) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp snapshot: %w", err)
	}

	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

// Load reads the snapshot, returning the zero Summary when it is missing or
// corrupt.
func (f *FileStore) Load(_ context.Context) Summary {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			f.logger.Warn().Err(err).Msg("Snapshot unreadable, starting fresh")
		}
		return Summary{}
	}

	s, err := decode(data)
	if err != nil {
		f.logger.Warn().Err(err).Msg("Snapshot corrupt, starting fresh")
		return Summary{}
	}
	return s
}
