package upload

import (
	"context"
	"io"
	"time"
)

// SessionRepository persists upload sessions and serializes their state
// transitions. It is the only mutation entry point for session records.
//
// Implementations must be safe for concurrent use. Get and ListActive return
// copies; mutating a returned session has no effect on stored state.
type SessionRepository interface {
	// Create persists a new session. The id must not already exist.
	Create(ctx context.Context, session *Session) error

	// Get returns a copy of the session, or ErrSessionNotFound.
	Get(ctx context.Context, id string) (*Session, error)

	// CompareAndSwap atomically mutates a session. It loads the current
	// record, verifies Status == expected, applies mutate to a copy and
	// persists the result in one atomic step, incrementing Version.
	//
	// Returns ErrCASConflict if the status does not match or a concurrent
	// writer won the race, ErrSessionNotFound for an unknown id. An error
	// from mutate aborts the swap and is returned unchanged. On success the
	// persisted session is returned.
	CompareAndSwap(ctx context.Context, id string, expected Status, mutate func(*Session) error) (*Session, error)

	// ListActive returns copies of all non-terminal sessions.
	ListActive(ctx context.Context) ([]*Session, error)

	// HealthCheck verifies the backing store is reachable.
	HealthCheck(ctx context.Context) error

	// Close releases resources held by the repository.
	Close() error
}

// ChunkStore holds raw chunk bytes keyed by (session id, chunk index) while
// an upload is in flight. Chunk bytes are staging data: they are deleted
// after a successful merge and on session expiry.
//
// Put overwrites an existing chunk (last write wins). Implementations must be
// safe for concurrent use.
type ChunkStore interface {
	// Put stores data for the given chunk, replacing any previous bytes.
	Put(ctx context.Context, sessionID string, index uint32, data []byte) error

	// Get returns the chunk bytes, or ErrChunkNotFound.
	Get(ctx context.Context, sessionID string, index uint32) ([]byte, error)

	// DeleteAll removes every chunk of the session. Missing chunks are not
	// an error.
	DeleteAll(ctx context.Context, sessionID string) error

	// HealthCheck verifies the backing store is reachable.
	HealthCheck(ctx context.Context) error

	// Close releases resources held by the store.
	Close() error
}

// PutRequest describes an artifact to be stored.
type PutRequest struct {
	// Key is the storage key, typically Session.ArtifactKey().
	Key string

	// ContentType is the MIME type recorded with the artifact, when the
	// backend supports it.
	ContentType string

	// Size is the total byte size of Body.
	Size uint64

	// Body streams the artifact content.
	Body io.Reader
}

// ArtifactStore holds merged upload artifacts durably.
type ArtifactStore interface {
	// Store writes the artifact and returns an opaque reference to it.
	// The reference is what clients later use to locate the file.
	Store(ctx context.Context, req PutRequest) (string, error)

	// Delete removes a previously stored artifact. Used to undo a merge
	// whose final state transition lost against the reaper.
	Delete(ctx context.Context, ref string) error

	// HealthCheck verifies the backing store is reachable.
	HealthCheck(ctx context.Context) error

	// Close releases resources held by the store.
	Close() error
}

// Metrics receives engine events. All methods must be cheap and non-blocking.
// A nil Metrics disables instrumentation.
type Metrics interface {
	// SessionCreated is called once per CreateSession.
	SessionCreated()

	// ChunkUploaded is called per accepted chunk write with the byte size.
	ChunkUploaded(bytes int)

	// SessionCompleted is called once per successful merge with its duration.
	SessionCompleted(mergeDuration time.Duration)

	// SessionExpired is called per session moved to Expired by the reaper.
	SessionExpired()

	// MergeFailed is called per failed merge attempt.
	MergeFailed()
}
