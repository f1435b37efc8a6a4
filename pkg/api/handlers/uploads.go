package handlers

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/chunkd-io/chunkd/pkg/upload"
)

// UploadHandler handles the upload session endpoints.
//
// Endpoints:
//   - POST /api/v1/uploads: Create a session
//   - PUT /api/v1/uploads/{id}/chunks/{index}: Upload one chunk (raw body)
//   - POST /api/v1/uploads/{id}/complete: Merge and finalize
//   - GET /api/v1/uploads/{id}: Session progress
type UploadHandler struct {
	engine       *upload.Engine
	maxChunkSize int64
}

// NewUploadHandler creates a new upload handler.
//
// maxChunkSize caps the accepted chunk body size in bytes; larger bodies are
// rejected with 413.
func NewUploadHandler(engine *upload.Engine, maxChunkSize int64) *UploadHandler {
	return &UploadHandler{
		engine:       engine,
		maxChunkSize: maxChunkSize,
	}
}

// CreateSessionRequest is the body of POST /api/v1/uploads.
type CreateSessionRequest struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	TotalSize   uint64 `json:"total_size"`
	ChunkSize   uint64 `json:"chunk_size"`
}

// SessionResponse is the JSON representation of a session returned by the
// create and complete endpoints.
type SessionResponse struct {
	ID             string     `json:"id"`
	Filename       string     `json:"filename"`
	ContentType    string     `json:"content_type,omitempty"`
	TotalSize      uint64     `json:"total_size"`
	ChunkSize      uint64     `json:"chunk_size"`
	TotalChunks    uint32     `json:"total_chunks"`
	ReceivedChunks uint32     `json:"received_chunks"`
	Status         string     `json:"status"`
	ArtifactRef    string     `json:"artifact_ref,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	LastActivityAt time.Time  `json:"last_activity_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

func newSessionResponse(s *upload.Session) SessionResponse {
	resp := SessionResponse{
		ID:             s.ID,
		Filename:       s.Filename,
		ContentType:    s.ContentType,
		TotalSize:      s.TotalSize,
		ChunkSize:      s.ChunkSize,
		TotalChunks:    s.TotalChunks,
		ReceivedChunks: uint32(s.Received.Len()),
		Status:         string(s.Status),
		ArtifactRef:    s.ArtifactRef,
		CreatedAt:      s.CreatedAt,
		LastActivityAt: s.LastActivityAt,
	}
	if !s.CompletedAt.IsZero() {
		completedAt := s.CompletedAt
		resp.CompletedAt = &completedAt
	}
	return resp
}

// ChunkResponse is the JSON representation of an accepted chunk.
type ChunkResponse struct {
	SessionID      string `json:"session_id"`
	ChunkIndex     uint32 `json:"chunk_index"`
	ReceivedChunks uint32 `json:"received_chunks"`
	TotalChunks    uint32 `json:"total_chunks"`
	Status         string `json:"status"`
}

// StatusResponse is the JSON representation of session progress.
type StatusResponse struct {
	ID             string   `json:"id"`
	Status         string   `json:"status"`
	ReceivedChunks uint32   `json:"received_chunks"`
	TotalChunks    uint32   `json:"total_chunks"`
	MissingIndices []uint32 `json:"missing_indices"`
	ArtifactRef    string   `json:"artifact_ref,omitempty"`
}

// Create handles POST /api/v1/uploads.
//
// The client declares filename, content type, total size and chunk size up
// front; the chunk count is derived server-side. Returns 201 Created with
// the new session.
func (h *UploadHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	session, err := h.engine.CreateSession(r.Context(), req.Filename, req.ContentType, req.TotalSize, req.ChunkSize)
	if err != nil {
		writeUploadError(w, err)
		return
	}

	WriteJSONCreated(w, newSessionResponse(session))
}

// UploadChunk handles PUT /api/v1/uploads/{id}/chunks/{index}.
//
// The chunk bytes are the raw request body. Chunks may arrive in any order
// and concurrently; re-sending an index overwrites the previous bytes.
// Returns 200 OK with the updated progress.
func (h *UploadHandler) UploadChunk(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	index, ok := parseChunkIndex(w, chi.URLParam(r, "index"))
	if !ok {
		return
	}

	body := http.MaxBytesReader(w, r.Body, h.maxChunkSize)
	data, err := io.ReadAll(body)
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			ContentTooLarge(w, "Chunk body exceeds the configured maximum")
			return
		}
		BadRequest(w, "Failed to read chunk body")
		return
	}

	session, err := h.engine.UploadChunk(r.Context(), sessionID, index, data)
	if err != nil {
		writeUploadError(w, err)
		return
	}

	WriteJSONOK(w, ChunkResponse{
		SessionID:      session.ID,
		ChunkIndex:     index,
		ReceivedChunks: uint32(session.Received.Len()),
		TotalChunks:    session.TotalChunks,
		Status:         string(session.Status),
	})
}

// Complete handles POST /api/v1/uploads/{id}/complete.
//
// Merges the chunks into the final artifact. Exactly one caller wins the
// merge; completing an already completed session is idempotent and returns
// the same artifact reference. An incomplete upload is rejected with 409 and
// the missing indices; the session stays resumable.
func (h *UploadHandler) Complete(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")

	session, err := h.engine.CompleteSession(r.Context(), sessionID)
	if err != nil {
		writeUploadError(w, err)
		return
	}

	WriteJSONOK(w, newSessionResponse(session))
}

// Status handles GET /api/v1/uploads/{id}.
//
// Read-only: querying progress does not refresh the session's activity
// timestamp. Returns the received count and the missing chunk indices.
func (h *UploadHandler) Status(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")

	report, err := h.engine.GetStatus(r.Context(), sessionID)
	if err != nil {
		writeUploadError(w, err)
		return
	}

	missing := make([]uint32, 0, report.TotalChunks-report.ReceivedCount)
	for idx := range report.Missing {
		missing = append(missing, idx)
	}

	WriteJSONOK(w, StatusResponse{
		ID:             report.SessionID,
		Status:         string(report.Status),
		ReceivedChunks: report.ReceivedCount,
		TotalChunks:    report.TotalChunks,
		MissingIndices: missing,
		ArtifactRef:    report.ArtifactRef,
	})
}

// writeUploadError maps engine errors to problem responses.
//
// Mapping:
//   - ErrSessionNotFound: 404
//   - validation errors: 400
//   - ErrSessionTerminal: 409
//   - ErrIncompleteUpload: 409 with missing_indices
//   - ErrMergeFailed, ErrStorageUnavailable: 503
//   - anything else: 500
func writeUploadError(w http.ResponseWriter, err error) {
	var incomplete *upload.IncompleteUploadError

	switch {
	case errors.Is(err, upload.ErrSessionNotFound):
		NotFound(w, "Upload session not found")
	case errors.Is(err, upload.ErrInvalidChunkIndex),
		errors.Is(err, upload.ErrInvalidSize),
		errors.Is(err, upload.ErrInvalidFilename):
		BadRequest(w, err.Error())
	case errors.As(err, &incomplete):
		IncompleteUpload(w, "Upload incomplete: some chunks have not been received", incomplete.Missing)
	case errors.Is(err, upload.ErrSessionTerminal):
		Conflict(w, "Session no longer accepts writes")
	case errors.Is(err, upload.ErrMergeFailed):
		ServiceUnavailable(w, "Artifact merge failed; retry completion")
	case errors.Is(err, upload.ErrStorageUnavailable):
		ServiceUnavailable(w, "Storage temporarily unavailable")
	default:
		InternalServerError(w, "Unexpected error")
	}
}
