// Package fs provides a filesystem-backed artifact store. Merged files land
// under <base>/<session-id>/<filename>; the reference is the final absolute
// path.
package fs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/chunkd-io/chunkd/pkg/upload"
)

// Store is a filesystem-backed implementation of upload.ArtifactStore.
type Store struct {
	mu       sync.RWMutex
	basePath string
	closed   bool
}

var _ upload.ArtifactStore = (*Store)(nil)

// Config holds configuration for the filesystem artifact store.
type Config struct {
	// BasePath is the root directory for artifact storage.
	BasePath string `mapstructure:"base_path"`

	// CreateDir creates the base directory if it doesn't exist.
	// Default: true
	CreateDir bool `mapstructure:"create_dir"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig(basePath string) Config {
	return Config{
		BasePath:  basePath,
		CreateDir: true,
	}
}

// New creates a new filesystem artifact store with the given configuration.
func New(cfg Config) (*Store, error) {
	if cfg.BasePath == "" {
		return nil, errors.New("base path is required")
	}

	if cfg.CreateDir {
		if err := os.MkdirAll(cfg.BasePath, 0755); err != nil {
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

	abs, err := filepath.Abs(cfg.BasePath)
	if err != nil {
		return nil, err
	}

	return &Store{basePath: abs}, nil
}

// NewWithPath creates a new filesystem artifact store with default
// configuration.
func NewWithPath(basePath string) (*Store, error) {
	return New(DefaultConfig(basePath))
}

// Backend returns the backend type label.
func (s *Store) Backend() string {
	return "fs"
}

// Store streams the artifact to a temporary file and renames it into place,
// so a crashed merge never leaves a partial artifact at the final path.
func (s *Store) Store(ctx context.Context, req upload.PutRequest) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return "", upload.ErrStoreClosed
	}

	// Join cleans the key; a traversal component resolves to a path outside
	// the base and is refused before anything touches the disk.
	path := filepath.Join(s.basePath, filepath.FromSlash(req.Key))
	if !strings.HasPrefix(path, s.basePath+string(filepath.Separator)) {
		return "", fmt.Errorf("key %q escapes the artifact store", req.Key)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", err
	}

	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return "", err
	}
	tmpPath := f.Name()
	if err := f.Chmod(0644); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", err
	}

	written, err := io.Copy(f, req.Body)
	if err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return "", err
	}
	if req.Size > 0 && uint64(written) != req.Size {
		os.Remove(tmpPath)
		return "", fmt.Errorf("artifact size mismatch: wrote %d bytes, declared %d", written, req.Size)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return "", err
	}

	return path, nil
}

func (s *Store) Delete(ctx context.Context, ref string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return upload.ErrStoreClosed
	}

	// Refs are absolute paths; refuse anything outside the base.
	if !strings.HasPrefix(ref, s.basePath+string(filepath.Separator)) {
		return fmt.Errorf("ref %q is outside the artifact store", ref)
	}

	if err := os.Remove(ref); err != nil && !os.IsNotExist(err) {
		return err
	}

	// Try to clean up the now-empty session directory.
	dir := filepath.Dir(ref)
	if dir != s.basePath {
		_ = os.Remove(dir)
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
