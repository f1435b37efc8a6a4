// Package memory provides an in-memory artifact store for tests and
// single-node development. References use the mem:// scheme.
package memory

import (
	"context"
	"io"
	"sync"

	"github.com/chunkd-io/chunkd/pkg/upload"
)

const refScheme = "mem://"

// Store keeps merged artifacts in a map guarded by a mutex.
type Store struct {
	mu        sync.RWMutex
	artifacts map[string][]byte
	closed    bool
}

var _ upload.ArtifactStore = (*Store)(nil)

// New creates an empty in-memory artifact store.
func New() *Store {
	return &Store{
		artifacts: make(map[string][]byte),
	}
}

// Backend returns the backend type label.
func (s *Store) Backend() string {
	return "memory"
}

func (s *Store) Store(ctx context.Context, req upload.PutRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", upload.ErrStoreClosed
	}

	data, err := io.ReadAll(req.Body)
	if err != nil {
		return "", err
	}

	ref := refScheme + req.Key
	s.artifacts[ref] = data
	return ref, nil
}

func (s *Store) Delete(ctx context.Context, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return upload.ErrStoreClosed
	}
	delete(s.artifacts, ref)
	return nil
}

// Bytes returns the stored artifact content (for testing).
func (s *Store) Bytes(ref string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.artifacts[ref]
	return data, ok
}

// Count returns the number of stored artifacts (for testing).
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.artifacts)
}

func (s *Store) HealthCheck(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return upload.ErrStoreClosed
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.artifacts = nil
	return nil
}
