package checkpoint

import (
	"context"
	"sync"

	"orders-etl/internal/models"
)

// MemoryStore keeps checkpoints and leases in memory and records every commit
type MemoryStore struct {
	*LocalLeases

	mu      sync.Mutex
	state   map[string]models.Checkpoint
	commits []models.Checkpoint
	failN   int
	err     error
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{LocalLeases: NewLocalLeases(), state: make(map[string]models.Checkpoint)}
}

// FailNext makes the next n commits fail with err
func (s *MemoryStore) FailNext(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failN = n
	s.err = err
}

// Load implements Store
func (s *MemoryStore) Load(_ context.Context, worker string) (models.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cp, ok := s.state[worker]; ok {
		return cp, nil
	}
	return models.Checkpoint{Worker: worker}, nil
}

// Commit implements Store
func (s *MemoryStore) Commit(_ context.Context, cp models.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failN > 0 {
		s.failN--
		return s.err
	}
	s.state[cp.Worker] = cp
	s.commits = append(s.commits, cp)
	return nil
}

// Commits returns every successful commit in order
func (s *MemoryStore) Commits() []models.Checkpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Checkpoint(nil), s.commits...)
}

// Close implements Store
func (s *MemoryStore) Close() error {
	return nil
}
