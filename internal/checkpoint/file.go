package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"orders-etl/internal/models"
)

// FileStore keeps one JSON file per worker. Commits replace the file atomically.
type FileStore struct {
	dir string
}

// NewFileStore creates dir when needed
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("checkpoint dir required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(worker string) string {
	return filepath.Join(s.dir, worker+".json")
}

// Load implements Store
func (s *FileStore) Load(_ context.Context, worker string) (models.Checkpoint, error) {
	data, err := os.ReadFile(s.path(worker))
	if errors.Is(err, os.ErrNotExist) {
		return models.Checkpoint{Worker: worker}, nil
	}
	if err != nil {
		return models.Checkpoint{}, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	var cp models.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return models.Checkpoint{}, fmt.Errorf("failed to parse checkpoint %s: %w", s.path(worker), err)
	}
	cp.Worker = worker
	return cp, nil
}

// Commit implements Store. The file is written to a temp name, synced and renamed over the old one.
func (s *FileStore) Commit(_ context.Context, cp models.Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, "."+cp.Worker+"-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp checkpoint: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close checkpoint: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path(cp.Worker)); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}

	dir, err := os.Open(s.dir)
	if err != nil {
		return fmt.Errorf("failed to open checkpoint dir: %w", err)
	}
	defer dir.Close()
	if err := dir.Sync(); err != nil {
		return fmt.Errorf("failed to sync checkpoint dir: %w", err)
	}
	return nil
}

// Close implements Store
func (s *FileStore) Close() error {
	return nil
}
