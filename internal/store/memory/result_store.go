// Package memory stores scan results in-memory for development and tests.
package memory

import (
	"context"
	"sync"

	"github.com/a11yscan/a11yscan/internal/scan"
)

// ResultStore keeps result rows in a map keyed by job id.
type ResultStore struct {
	mu      sync.RWMutex
	results map[string]scan.Result
}

// NewResultStore creates an empty in-memory store.
func NewResultStore() *ResultStore {
	return &ResultStore{results: make(map[string]scan.Result)}
}

// Save upserts the result keyed by job id.
func (s *ResultStore) Save(_ context.Context, result scan.Result) error {
	if result.JobID == "" {
		return scan.ErrResultNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[result.JobID] = result
	return nil
}

// Get returns the result for the job id.
func (s *ResultStore) Get(_ context.Context, jobID string) (scan.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result, ok := s.results[jobID]
	if !ok {
		return scan.Result{}, scan.ErrResultNotFound
	}
	return result, nil
}

// GetByOriginalID returns the result matching the original submission id.
func (s *ResultStore) GetByOriginalID(_ context.Context, originalJobID string) (scan.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, result := range s.results {
		if result.OriginalJobID == originalJobID {
			return result, nil
		}
	}
	return scan.Result{}, scan.ErrResultNotFound
}

// Ping always succeeds for the in-memory store.
func (s *ResultStore) Ping(_ context.Context) error { return nil }

// Close is a no-op.
func (s *ResultStore) Close() {}

// Len reports how many rows are stored (test helper).
func (s *ResultStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.results)
}
