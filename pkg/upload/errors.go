package upload

import (
	"errors"
	"fmt"
)

// Standard upload errors. Transport handlers should check for these errors
// and map them to appropriate HTTP status codes.
var (
	// ErrSessionNotFound indicates the session id is unknown.
	//
	// Not retryable: the client must start a new session.
	// HTTP mapping: 404 Not Found.
	ErrSessionNotFound = errors.New("upload session not found")

	// ErrInvalidChunkIndex indicates a chunk index outside the declared
	// [0, total_chunks) range.
	//
	// HTTP mapping: 400 Bad Request.
	ErrInvalidChunkIndex = errors.New("chunk index out of range")

	// ErrInvalidSize indicates a zero total size or chunk size at creation.
	//
	// HTTP mapping: 400 Bad Request.
	ErrInvalidSize = errors.New("total size and chunk size must be positive")

	// ErrInvalidFilename indicates an empty filename at creation.
	//
	// HTTP mapping: 400 Bad Request.
	ErrInvalidFilename = errors.New("filename is required")

	// ErrSessionTerminal indicates a write against a session that is fenced
	// (merge in progress) or in a terminal state.
	//
	// Not retryable: the client must start a new session.
	// HTTP mapping: 409 Conflict.
	ErrSessionTerminal = errors.New("session is terminal or merging")

	// ErrIncompleteUpload indicates a completion attempt with chunks still
	// missing. The session reverts to InProgress; the client may upload the
	// missing indices and retry. Use errors.As with *IncompleteUploadError
	// to obtain the missing index list.
	//
	// Retryable after uploading the missing chunks.
	// HTTP mapping: 409 Conflict.
	ErrIncompleteUpload = errors.New("upload incomplete")

	// ErrMergeFailed indicates a storage failure while assembling the
	// artifact. The session reverts to InProgress.
	//
	// Retryable without re-uploading chunks.
	// HTTP mapping: 503 Service Unavailable.
	ErrMergeFailed = errors.New("artifact merge failed")

	// ErrStorageUnavailable indicates a transient storage backend failure,
	// or a CAS race that could not be won within the retry budget.
	//
	// Retryable.
	// HTTP mapping: 503 Service Unavailable.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrCASConflict is returned by SessionRepository.CompareAndSwap when
	// the expected status no longer matches or a concurrent writer won.
	// The Engine retries internally; callers never see it.
	ErrCASConflict = errors.New("concurrent session modification")

	// ErrChunkNotFound is returned by ChunkStore.Get for an unknown
	// (session, index) pair.
	ErrChunkNotFound = errors.New("chunk not found")

	// ErrStoreClosed indicates an operation against a closed store.
	ErrStoreClosed = errors.New("store is closed")
)

// IncompleteUploadError carries the sorted list of missing chunk indices for
// a failed completion attempt. It matches ErrIncompleteUpload under
// errors.Is.
type IncompleteUploadError struct {
	// SessionID is the session whose completion was attempted.
	SessionID string

	// Missing is the ascending list of chunk indices not yet received.
	Missing []uint32
}

func (e *IncompleteUploadError) Error() string {
	return fmt.Sprintf("upload incomplete: session %s missing %d of its chunks %v",
		e.SessionID, len(e.Missing), e.Missing)
}

func (e *IncompleteUploadError) Is(target error) bool {
	return target == ErrIncompleteUpload
}

// MergeError wraps the storage cause of a failed merge. It matches
// ErrMergeFailed under errors.Is while preserving the underlying error for
// errors.As and logging.
type MergeError struct {
	SessionID string
	Err       error
}

func (e *MergeError) Error() string {
	return fmt.Sprintf("merge session %s: %s", e.SessionID, e.Err)
}

func (e *MergeError) Unwrap() error {
	return e.Err
}

func (e *MergeError) Is(target error) bool {
	return target == ErrMergeFailed
}

// UploadError wraps sentinel upload errors with structured operational
// context, without losing errors.Is() compatibility:
//
//	err := NewUploadError("put-chunk", sessionID, 5, "s3", ErrStorageUnavailable)
//	errors.Is(err, ErrStorageUnavailable) // true
type UploadError struct {
	// Op describes the operation that failed: "create", "put-chunk",
	// "record-chunk", "complete", "merge", or "expire".
	Op string

	// SessionID is the affected session.
	SessionID string

	// ChunkIndex is the chunk involved, where the operation has one.
	ChunkIndex uint32

	// Backend identifies the storage backend type: "memory", "fs", "s3",
	// "badger", or "postgres".
	Backend string

	// Err is the wrapped sentinel error.
	Err error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload %s: %s (session=%s, chunk=%d, backend=%s)",
		e.Op, e.Err, e.SessionID, e.ChunkIndex, e.Backend)
}

func (e *UploadError) Unwrap() error {
	return e.Err
}

// NewUploadError creates an UploadError wrapping the given sentinel error.
func NewUploadError(op, sessionID string, chunkIndex uint32, backend string, err error) *UploadError {
	return &UploadError{
		Op:         op,
		SessionID:  sessionID,
		ChunkIndex: chunkIndex,
		Backend:    backend,
		Err:        err,
	}
}
