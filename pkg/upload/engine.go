package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/chunkd-io/chunkd/internal/logger"
)

// defaultCASMaxAttempts bounds internal optimistic-concurrency retries per
// engine operation before the conflict surfaces as ErrStorageUnavailable.
const defaultCASMaxAttempts = 5

// Engine coordinates upload sessions across the three storage ports. It owns
// the session state machine; callers never mutate sessions directly.
//
// All methods are safe for concurrent use. Concurrency control is delegated
// to SessionRepository.CompareAndSwap: the engine retries lost races a
// bounded number of times and otherwise holds no locks.
type Engine struct {
	repo      SessionRepository
	chunks    ChunkStore
	artifacts ArtifactStore

	metrics        Metrics
	now            func() time.Time
	casMaxAttempts int
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithMetrics attaches a metrics sink. Nil disables instrumentation.
func WithMetrics(m Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithClock overrides the engine's time source. Used in tests.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// WithCASMaxAttempts overrides the per-operation CAS retry budget.
func WithCASMaxAttempts(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.casMaxAttempts = n
		}
	}
}

// NewEngine creates an upload engine over the given ports.
func NewEngine(repo SessionRepository, chunks ChunkStore, artifacts ArtifactStore, opts ...EngineOption) *Engine {
	e := &Engine{
		repo:           repo,
		chunks:         chunks,
		artifacts:      artifacts,
		now:            time.Now,
		casMaxAttempts: defaultCASMaxAttempts,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CreateSession registers a new Pending upload session.
//
// Returns ErrInvalidFilename or ErrInvalidSize on bad declarations.
func (e *Engine) CreateSession(ctx context.Context, filename, contentType string, totalSize, chunkSize uint64) (*Session, error) {
	session, err := NewSession(filename, contentType, totalSize, chunkSize, e.now().UTC())
	if err != nil {
		return nil, err
	}

	if err := e.repo.Create(ctx, session); err != nil {
		return nil, NewUploadError("create", session.ID, 0, backendName(e.repo), err)
	}

	logger.Info("upload session created",
		"session_id", session.ID,
		"filename", session.Filename,
		"total_size", session.TotalSize,
		"chunk_size", session.ChunkSize,
		"total_chunks", session.TotalChunks)

	if e.metrics != nil {
		e.metrics.SessionCreated()
	}

	return session, nil
}

// UploadChunk stores the bytes for one chunk and records its index.
//
// Chunks may arrive in any order and concurrently. Re-uploading an index
// overwrites the previous bytes (last write wins) and leaves the received
// count unchanged. The first accepted chunk moves the session from Pending
// to InProgress.
//
// Returns ErrSessionNotFound for an unknown session, ErrInvalidChunkIndex
// for an index outside [0, TotalChunks), ErrInvalidSize when the payload
// length differs from the declared chunk size (or the declared remainder for
// the last chunk), ErrSessionTerminal once the session is merging or
// terminal, and ErrStorageUnavailable when the write keeps losing concurrent
// races.
func (e *Engine) UploadChunk(ctx context.Context, sessionID string, index uint32, data []byte) (*Session, error) {
	session, err := e.repo.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if index >= session.TotalChunks {
		return nil, NewUploadError("put-chunk", sessionID, index, backendName(e.chunks),
			fmt.Errorf("%w: index %d, total %d", ErrInvalidChunkIndex, index, session.TotalChunks))
	}
	if session.Status != StatusPending && session.Status != StatusInProgress {
		return nil, NewUploadError("put-chunk", sessionID, index, backendName(e.chunks), ErrSessionTerminal)
	}
	if want := session.ExpectedChunkSize(index); uint64(len(data)) != want {
		return nil, NewUploadError("put-chunk", sessionID, index, backendName(e.chunks),
			fmt.Errorf("%w: chunk %d is %d bytes, declared %d", ErrInvalidSize, index, len(data), want))
	}

	// Bytes land before the index is recorded. If the record step loses,
	// the orphaned bytes are overwritten by a retry or swept by DeleteAll.
	if err := e.chunks.Put(ctx, sessionID, index, data); err != nil {
		return nil, NewUploadError("put-chunk", sessionID, index, backendName(e.chunks), err)
	}

	for attempt := 0; attempt < e.casMaxAttempts; attempt++ {
		updated, err := e.repo.CompareAndSwap(ctx, sessionID, session.Status, func(s *Session) error {
			now := e.now().UTC()
			s.Status = StatusInProgress
			s.Received.Add(index)
			s.LastActivityAt = now
			s.UpdatedAt = now
			return nil
		})
		if err == nil {
			if e.metrics != nil {
				e.metrics.ChunkUploaded(len(data))
			}
			return updated, nil
		}
		if !errors.Is(err, ErrCASConflict) {
			return nil, NewUploadError("record-chunk", sessionID, index, backendName(e.repo), err)
		}

		// Lost the race. Re-read to learn the new status; another uploader,
		// a completion call or the reaper may have moved the session.
		session, err = e.repo.Get(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if session.Status != StatusPending && session.Status != StatusInProgress {
			return nil, NewUploadError("record-chunk", sessionID, index, backendName(e.repo), ErrSessionTerminal)
		}
	}

	return nil, NewUploadError("record-chunk", sessionID, index, backendName(e.repo), ErrStorageUnavailable)
}

// CompleteSession merges all chunks into a single artifact.
//
// The call fences the session into Merging via CAS, so exactly one merge
// runs at a time and chunk writes are rejected while it does. A Pending
// session has nothing to merge and fails without fencing. If chunks are
// missing the session reverts to InProgress and an *IncompleteUploadError
// lists the missing indices in ascending order. A storage failure during the
// merge also reverts to InProgress and returns a *MergeError; the client may
// retry without re-uploading.
//
// On success the chunk bytes are deleted, the session becomes Completed and
// carries the artifact reference. Calling CompleteSession again on a
// Completed session returns the same session without touching storage.
func (e *Engine) CompleteSession(ctx context.Context, sessionID string) (*Session, error) {
	var session *Session

	// Phase one: win the merge barrier.
	for attempt := 0; ; attempt++ {
		current, err := e.repo.Get(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		switch current.Status {
		case StatusCompleted:
			// Idempotent success path.
			return current, nil
		case StatusFailed, StatusExpired:
			return nil, NewUploadError("complete", sessionID, 0, backendName(e.repo), ErrSessionTerminal)
		case StatusMerging:
			// Another completion holds the barrier.
			return nil, NewUploadError("complete", sessionID, 0, backendName(e.repo), ErrStorageUnavailable)
		case StatusPending:
			// No chunk has arrived; nothing to fence. The session stays
			// Pending until its first chunk.
			return nil, &IncompleteUploadError{
				SessionID: sessionID,
				Missing:   current.Received.MissingSlice(current.TotalChunks),
			}
		}
		if attempt >= e.casMaxAttempts {
			return nil, NewUploadError("complete", sessionID, 0, backendName(e.repo), ErrStorageUnavailable)
		}

		session, err = e.repo.CompareAndSwap(ctx, sessionID, current.Status, func(s *Session) error {
			s.Status = StatusMerging
			s.UpdatedAt = e.now().UTC()
			return nil
		})
		if err == nil {
			break
		}
		if !errors.Is(err, ErrCASConflict) {
			return nil, NewUploadError("complete", sessionID, 0, backendName(e.repo), err)
		}
	}

	if !session.AllReceived() {
		missing := session.Received.MissingSlice(session.TotalChunks)
		if err := e.revertToInProgress(ctx, sessionID); err != nil {
			return nil, err
		}
		return nil, &IncompleteUploadError{SessionID: sessionID, Missing: missing}
	}

	// Phase two: stream chunks 0..n-1 into the artifact store.
	mergeStart := e.now()
	ref, err := e.artifacts.Store(ctx, PutRequest{
		Key:         session.ArtifactKey(),
		ContentType: session.ContentType,
		Size:        session.TotalSize,
		Body:        newChunkReader(ctx, e.chunks, sessionID, session.TotalChunks),
	})
	if err != nil {
		if e.metrics != nil {
			e.metrics.MergeFailed()
		}
		logger.Error("merge failed",
			"session_id", sessionID,
			"backend", backendName(e.artifacts),
			"error", err)
		if revertErr := e.revertToInProgress(ctx, sessionID); revertErr != nil {
			return nil, revertErr
		}
		return nil, &MergeError{SessionID: sessionID, Err: err}
	}

	completed, err := e.repo.CompareAndSwap(ctx, sessionID, StatusMerging, func(s *Session) error {
		now := e.now().UTC()
		s.Status = StatusCompleted
		s.ArtifactRef = ref
		s.CompletedAt = now
		s.UpdatedAt = now
		return nil
	})
	if err != nil {
		// The reaper expired the session mid-merge. The artifact must not
		// outlive its session record.
		if delErr := e.artifacts.Delete(ctx, ref); delErr != nil {
			logger.Warn("orphaned artifact cleanup failed",
				"session_id", sessionID, "artifact_ref", ref, "error", delErr)
		}
		if errors.Is(err, ErrCASConflict) {
			return nil, NewUploadError("complete", sessionID, 0, backendName(e.repo), ErrSessionTerminal)
		}
		return nil, NewUploadError("complete", sessionID, 0, backendName(e.repo), err)
	}

	if err := e.chunks.DeleteAll(ctx, sessionID); err != nil {
		// The merge already succeeded; leftover chunk bytes are garbage,
		// not corruption.
		logger.Warn("chunk cleanup failed after merge",
			"session_id", sessionID, "error", err)
	}

	logger.Info("upload session completed",
		"session_id", sessionID,
		"artifact_ref", ref,
		"total_chunks", completed.TotalChunks,
		"duration", logger.Duration(e.now().Sub(mergeStart)))

	if e.metrics != nil {
		e.metrics.SessionCompleted(e.now().Sub(mergeStart))
	}

	return completed, nil
}

// revertToInProgress undoes the merge fence after an incomplete or failed
// completion attempt.
func (e *Engine) revertToInProgress(ctx context.Context, sessionID string) error {
	_, err := e.repo.CompareAndSwap(ctx, sessionID, StatusMerging, func(s *Session) error {
		s.Status = StatusInProgress
		s.UpdatedAt = e.now().UTC()
		return nil
	})
	if err != nil && !errors.Is(err, ErrCASConflict) {
		return NewUploadError("complete", sessionID, 0, backendName(e.repo), err)
	}
	// A CAS conflict here means the reaper already moved the session on;
	// the original failure still stands.
	return nil
}

// StatusReport is a read-only snapshot of a session for status queries.
type StatusReport struct {
	SessionID     string
	Status        Status
	ReceivedCount uint32
	TotalChunks   uint32
	ArtifactRef   string

	// Missing iterates the not-yet-received chunk indices in ascending
	// order. Restartable.
	Missing func(yield func(uint32) bool)
}

// GetStatus returns a snapshot of the session's progress. Read-only: the
// session state is not modified and LastActivityAt is not bumped.
func (e *Engine) GetStatus(ctx context.Context, sessionID string) (*StatusReport, error) {
	session, err := e.repo.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	received := session.Received.Clone()
	return &StatusReport{
		SessionID:     session.ID,
		Status:        session.Status,
		ReceivedCount: uint32(received.Len()),
		TotalChunks:   session.TotalChunks,
		ArtifactRef:   session.ArtifactRef,
		Missing:       received.Missing(session.TotalChunks),
	}, nil
}

// ExpireStalled moves every non-terminal session whose last activity is older
// than ttl to Expired and deletes its chunk bytes. Sessions caught mid-merge
// by a crashed process are expired too; a live merge losing the race cleans
// up its own artifact.
//
// Returns the number of sessions expired. Per-session failures are logged
// and skipped so one bad record cannot stall the sweep.
func (e *Engine) ExpireStalled(ctx context.Context, now time.Time, ttl time.Duration) (int, error) {
	active, err := e.repo.ListActive(ctx)
	if err != nil {
		return 0, NewUploadError("expire", "", 0, backendName(e.repo), err)
	}

	expired := 0
	for _, session := range active {
		if now.Sub(session.LastActivityAt) < ttl {
			continue
		}

		_, err := e.repo.CompareAndSwap(ctx, session.ID, session.Status, func(s *Session) error {
			s.Status = StatusExpired
			s.UpdatedAt = now.UTC()
			return nil
		})
		if err != nil {
			// A concurrent writer moved the session; it is no longer stalled
			// or someone else expired it. Either way, skip.
			if !errors.Is(err, ErrCASConflict) {
				logger.Warn("session expiry failed", "session_id", session.ID, "error", err)
			}
			continue
		}

		if err := e.chunks.DeleteAll(ctx, session.ID); err != nil {
			logger.Warn("chunk cleanup failed after expiry",
				"session_id", session.ID, "error", err)
		}

		logger.Info("upload session expired",
			"session_id", session.ID,
			"last_activity_at", session.LastActivityAt,
			"received_chunks", session.Received.Len(),
			"total_chunks", session.TotalChunks)

		expired++
		if e.metrics != nil {
			e.metrics.SessionExpired()
		}
	}

	return expired, nil
}

// HealthCheck pings all three storage ports.
func (e *Engine) HealthCheck(ctx context.Context) error {
	if err := e.repo.HealthCheck(ctx); err != nil {
		return fmt.Errorf("session repository: %w", err)
	}
	if err := e.chunks.HealthCheck(ctx); err != nil {
		return fmt.Errorf("chunk store: %w", err)
	}
	if err := e.artifacts.HealthCheck(ctx); err != nil {
		return fmt.Errorf("artifact store: %w", err)
	}
	return nil
}

// backendName resolves the backend label for error context. Stores that
// implement Backend() string are labeled; anything else is "unknown".
func backendName(v any) string {
	if n, ok := v.(interface{ Backend() string }); ok {
		return n.Backend()
	}
	return "unknown"
}

// chunkReader streams a session's chunks in ascending index order as one
// contiguous io.Reader. Chunks are fetched lazily, one at a time, so merges
// never hold more than a single chunk in memory.
type chunkReader struct {
	ctx       context.Context
	store     ChunkStore
	sessionID string
	total     uint32

	next uint32
	buf  []byte
	off  int
}

func newChunkReader(ctx context.Context, store ChunkStore, sessionID string, total uint32) *chunkReader {
	return &chunkReader{ctx: ctx, store: store, sessionID: sessionID, total: total}
}

func (r *chunkReader) Read(p []byte) (int, error) {
	for r.off >= len(r.buf) {
		if r.next >= r.total {
			return 0, io.EOF
		}
		data, err := r.store.Get(r.ctx, r.sessionID, r.next)
		if err != nil {
			return 0, fmt.Errorf("read chunk %d: %w", r.next, err)
		}
		r.next++
		r.buf = data
		r.off = 0
	}
	n := copy(p, r.buf[r.off:])
	r.off += n
	return n, nil
}
