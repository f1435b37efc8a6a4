// Package upload implements resumable chunked upload sessions.
//
// A Session tracks one upload attempt: the client declares the file size and
// chunk size up front, transmits chunks in any order (concurrently), then
// requests completion. The Engine merges the chunks in ascending index order
// into a single durable artifact exactly once.
//
// Architecture:
//
//	Engine
//	     ├── SessionRepository: session records, CAS state transitions
//	     ├── ChunkStore: chunk bytes keyed by (session id, chunk index)
//	     └── ArtifactStore: the final merged artifact
//
// The Reaper sweeps stalled sessions past their TTL on a fixed interval.
package upload

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an upload session.
//
// Transitions are monotonic and one-directional, except that any non-terminal
// state may move to Failed or Expired:
//
//	Pending → InProgress → Merging → Completed
//
// Completed, Failed and Expired are terminal.
type Status string

const (
	// StatusPending is the initial state: session created, no chunk received.
	StatusPending Status = "pending"

	// StatusInProgress means at least one chunk has been received.
	StatusInProgress Status = "in_progress"

	// StatusMerging is the fencing state: a completion call won the merge
	// barrier and chunk writes are rejected until the merge resolves.
	StatusMerging Status = "merging"

	// StatusCompleted means the artifact was assembled and stored. Terminal.
	StatusCompleted Status = "completed"

	// StatusFailed means an unrecoverable error terminated the session.
	StatusFailed Status = "failed"

	// StatusExpired means the reaper terminated the session past its TTL.
	StatusExpired Status = "expired"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusExpired
}

// Valid reports whether s is one of the known session states.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusMerging,
		StatusCompleted, StatusFailed, StatusExpired:
		return true
	}
	return false
}

// Session is the aggregate root for one chunked upload attempt.
//
// All mutation goes through SessionRepository.CompareAndSwap; the struct
// itself carries no synchronization. Repositories hand out copies, never
// shared pointers into their own state.
type Session struct {
	// ID is the opaque session identifier, generated at creation.
	ID string `json:"id"`

	// Filename is the client-declared name of the final file.
	Filename string `json:"filename"`

	// ContentType is the client-declared MIME type of the final file.
	ContentType string `json:"content_type"`

	// TotalSize is the declared byte size of the final file. Always > 0.
	TotalSize uint64 `json:"total_size"`

	// ChunkSize is the declared byte size per chunk. Always > 0.
	ChunkSize uint64 `json:"chunk_size"`

	// TotalChunks is ceil(TotalSize / ChunkSize), fixed at creation.
	TotalChunks uint32 `json:"total_chunks"`

	// Received is the set of chunk indices written so far. Grows
	// monotonically until the merge barrier.
	Received ChunkSet `json:"received"`

	// Status is the session lifecycle state.
	Status Status `json:"status"`

	// ArtifactRef is the ArtifactStore reference for the merged file.
	// Set if and only if Status is Completed.
	ArtifactRef string `json:"artifact_ref,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// CompletedAt is set only on successful completion.
	CompletedAt time.Time `json:"completed_at,omitzero"`

	// LastActivityAt is bumped on every chunk write. The reaper expires
	// sessions whose last activity is older than the configured TTL.
	LastActivityAt time.Time `json:"last_activity_at"`

	// Version is repository bookkeeping for optimistic concurrency.
	// Incremented by the repository on every successful CompareAndSwap.
	Version uint64 `json:"version"`
}

// NewSession creates a Pending session with a fresh id and derived chunk count.
//
// Returns ErrInvalidSize if totalSize or chunkSize is zero or the derived
// chunk count does not fit a uint32, ErrInvalidFilename if filename is empty
// or carries path elements.
func NewSession(filename, contentType string, totalSize, chunkSize uint64, now time.Time) (*Session, error) {
	if err := validateFilename(filename); err != nil {
		return nil, err
	}
	if totalSize == 0 || chunkSize == 0 {
		return nil, ErrInvalidSize
	}
	count := TotalChunks(totalSize, chunkSize)
	if count > math.MaxUint32 {
		return nil, fmt.Errorf("%w: %d chunks exceed the %d limit", ErrInvalidSize, count, uint64(math.MaxUint32))
	}

	return &Session{
		ID:             uuid.New().String(),
		Filename:       filename,
		ContentType:    contentType,
		TotalSize:      totalSize,
		ChunkSize:      chunkSize,
		TotalChunks:    uint32(count),
		Received:       NewChunkSet(),
		Status:         StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastActivityAt: now,
	}, nil
}

// validateFilename rejects names that are empty or could resolve outside the
// artifact directory once embedded in a store key.
func validateFilename(filename string) error {
	if filename == "" {
		return ErrInvalidFilename
	}
	if filename == "." || filename == ".." {
		return fmt.Errorf("%w: %q is not a file name", ErrInvalidFilename, filename)
	}
	if strings.ContainsAny(filename, `/\`) || strings.ContainsRune(filename, 0) {
		return fmt.Errorf("%w: %q must not contain path separators", ErrInvalidFilename, filename)
	}
	return nil
}

// TotalChunks returns ceil(totalSize / chunkSize).
func TotalChunks(totalSize, chunkSize uint64) uint64 {
	count := totalSize / chunkSize
	if totalSize%chunkSize != 0 {
		count++
	}
	return count
}

// ExpectedChunkSize returns the byte length chunk index must have: ChunkSize
// for every chunk but the last, the declared remainder for the last.
func (s *Session) ExpectedChunkSize(index uint32) uint64 {
	if index == s.TotalChunks-1 {
		return s.TotalSize - uint64(s.TotalChunks-1)*s.ChunkSize
	}
	return s.ChunkSize
}

// AllReceived reports whether every chunk index in [0, TotalChunks) has been
// received. Merging may only complete when this holds.
func (s *Session) AllReceived() bool {
	return uint32(s.Received.Len()) == s.TotalChunks
}

// ArtifactKey returns the ArtifactStore key for this session's merged file.
func (s *Session) ArtifactKey() string {
	return s.ID + "/" + s.Filename
}

// Clone returns a deep copy. Repositories use it so callers never alias
// repository-owned state.
func (s *Session) Clone() *Session {
	c := *s
	c.Received = s.Received.Clone()
	return &c
}
