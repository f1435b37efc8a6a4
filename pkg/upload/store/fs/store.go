// Package fs provides a filesystem-backed chunk store implementation.
// Chunks are stored as files under <base>/<session-id>/chunk-<index>.
package fs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/chunkd-io/chunkd/pkg/upload"
)

// Store is a filesystem-backed implementation of upload.ChunkStore.
type Store struct {
	mu       sync.RWMutex
	basePath string
	closed   bool
}

var _ upload.ChunkStore = (*Store)(nil)

// Config holds configuration for the filesystem chunk store.
type Config struct {
	// BasePath is the root directory for chunk storage.
	BasePath string `mapstructure:"base_path"`

	// CreateDir creates the base directory if it doesn't exist.
	// Default: true
	CreateDir bool `mapstructure:"create_dir"`

	// DirMode is the permission mode for created directories.
	// Default: 0755
	DirMode os.FileMode `mapstructure:"dir_mode"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig(basePath string) Config {
	return Config{
		BasePath:  basePath,
		CreateDir: true,
		DirMode:   0755,
	}
}

// New creates a new filesystem chunk store with the given configuration.
func New(cfg Config) (*Store, error) {
	if cfg.BasePath == "" {
		return nil, errors.New("base path is required")
	}
	if cfg.DirMode == 0 {
		cfg.DirMode = 0755
	}

	if cfg.CreateDir {
		if err := os.MkdirAll(cfg.BasePath, cfg.DirMode); err != nil {
			return nil, err
		}
	}

	info, err := os.Stat(cfg.BasePath)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, errors.New("base path is not a directory")
	}

	return &Store{basePath: cfg.BasePath}, nil
}

// NewWithPath creates a new filesystem chunk store with default configuration.
func NewWithPath(basePath string) (*Store, error) {
	return New(DefaultConfig(basePath))
}

// Backend returns the backend type label.
func (s *Store) Backend() string {
	return "fs"
}

func (s *Store) sessionDir(sessionID string) string {
	return filepath.Join(s.basePath, sessionID)
}

func (s *Store) chunkPath(sessionID string, index uint32) string {
	return filepath.Join(s.sessionDir(sessionID), fmt.Sprintf("chunk-%d", index))
}

func (s *Store) Put(ctx context.Context, sessionID string, index uint32, data []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return upload.ErrStoreClosed
	}

	if err := os.MkdirAll(s.sessionDir(sessionID), 0755); err != nil {
		return err
	}

	// Write to a temporary file first, then rename for atomicity. CreateTemp
	// gives every write its own file, so concurrent overwrites of the same
	// index each rename a complete file into place and readers never observe
	// a torn chunk.
	path := s.chunkPath(sessionID, index)
	f, err := os.CreateTemp(s.sessionDir(sessionID), fmt.Sprintf("chunk-%d.tmp-*", index))
	if err != nil {
		return err
	}
	tmpPath := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}

	return nil
}

func (s *Store) Get(ctx context.Context, sessionID string, index uint32) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, upload.ErrStoreClosed
	}

	data, err := os.ReadFile(s.chunkPath(sessionID, index))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, upload.ErrChunkNotFound
		}
		return nil, err
	}
	return data, nil
}

func (s *Store) DeleteAll(ctx context.Context, sessionID string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return upload.ErrStoreClosed
	}

	if err := os.RemoveAll(s.sessionDir(sessionID)); err != nil {
		return err
	}
	return nil
}

func (s *Store) HealthCheck(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return upload.ErrStoreClosed
	}
	_, err := os.Stat(s.basePath)
	return err
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	return nil
}

// BasePath returns the base path of the store (for testing).
func (s *Store) BasePath() string {
	return s.basePath
}
