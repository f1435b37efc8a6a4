// Package memory provides an in-memory session repository. It is the
// reference implementation of the repository contract and the default for
// tests and single-node development.
package memory

import (
	"context"
	"sync"

	"github.com/chunkd-io/chunkd/pkg/upload"
)

// Repository stores sessions in a map guarded by a mutex. CAS semantics are
// exact: the status check, mutation and version bump happen under the lock.
type Repository struct {
	mu       sync.RWMutex
	sessions map[string]*upload.Session
	closed   bool
}

var _ upload.SessionRepository = (*Repository)(nil)

// New creates an empty in-memory repository.
func New() *Repository {
	return &Repository{
		sessions: make(map[string]*upload.Session),
	}
}

// Backend returns the backend type label.
func (r *Repository) Backend() string {
	return "memory"
}

func (r *Repository) Create(ctx context.Context, session *upload.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return upload.ErrStoreClosed
	}
	if _, exists := r.sessions[session.ID]; exists {
		return upload.ErrCASConflict
	}
	r.sessions[session.ID] = session.Clone()
	return nil
}

func (r *Repository) Get(ctx context.Context, id string) (*upload.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, upload.ErrStoreClosed
	}
	session, ok := r.sessions[id]
	if !ok {
		return nil, upload.ErrSessionNotFound
	}
	return session.Clone(), nil
}

func (r *Repository) CompareAndSwap(ctx context.Context, id string, expected upload.Status, mutate func(*upload.Session) error) (*upload.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, upload.ErrStoreClosed
	}
	stored, ok := r.sessions[id]
	if !ok {
		return nil, upload.ErrSessionNotFound
	}
	if stored.Status != expected {
		return nil, upload.ErrCASConflict
	}

	next := stored.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	next.Version = stored.Version + 1

	r.sessions[id] = next
	return next.Clone(), nil
}

func (r *Repository) ListActive(ctx context.Context) ([]*upload.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, upload.ErrStoreClosed
	}
	var active []*upload.Session
	for _, session := range r.sessions {
		if !session.Status.Terminal() {
			active = append(active, session.Clone())
		}
	}
	return active, nil
}

func (r *Repository) HealthCheck(ctx context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return upload.ErrStoreClosed
	}
	return nil
}

func (r *Repository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	r.sessions = nil
	return nil
}
