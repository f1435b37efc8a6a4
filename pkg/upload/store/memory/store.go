// Package memory provides an in-memory chunk store for tests and
// single-node development.
package memory

import (
	"context"
	"sync"

	"github.com/chunkd-io/chunkd/pkg/upload"
)

// Store keeps chunk bytes in nested maps guarded by a mutex. Stored slices
// are copied on both write and read so callers never share backing arrays.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]map[uint32][]byte
	closed   bool
}

var _ upload.ChunkStore = (*Store)(nil)

// New creates an empty in-memory chunk store.
func New() *Store {
	return &Store{
		sessions: make(map[string]map[uint32][]byte),
	}
}

// Backend returns the backend type label.
func (s *Store) Backend() string {
	return "memory"
}

func (s *Store) Put(ctx context.Context, sessionID string, index uint32, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return upload.ErrStoreClosed
	}
	chunks, ok := s.sessions[sessionID]
	if !ok {
		chunks = make(map[uint32][]byte)
		s.sessions[sessionID] = chunks
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	chunks[index] = buf
	return nil
}

func (s *Store) Get(ctx context.Context, sessionID string, index uint32) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, upload.ErrStoreClosed
	}
	chunks, ok := s.sessions[sessionID]
	if !ok {
		return nil, upload.ErrChunkNotFound
	}
	data, ok := chunks[index]
	if !ok {
		return nil, upload.ErrChunkNotFound
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	return buf, nil
}

func (s *Store) DeleteAll(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return upload.ErrStoreClosed
	}
	delete(s.sessions, sessionID)
	return nil
}

// Count returns the number of chunks stored for a session (for testing).
func (s *Store) Count(sessionID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions[sessionID])
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
	s.sessions = nil
	return nil
}
