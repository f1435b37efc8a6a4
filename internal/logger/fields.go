package logger

import "log/slog"

// Standard field keys for structured logging. Use these consistently across
// all log statements so logs stay aggregatable and queryable.
const (
	// Upload sessions
	KeySessionID   = "session_id"   // upload session identifier
	KeyChunkIndex  = "chunk_index"  // chunk index within a session
	KeyTotalChunks = "total_chunks" // declared chunk count
	KeyFilename    = "filename"     // declared filename
	KeyContentType = "content_type" // declared MIME type
	KeyTotalSize   = "total_size"   // declared file size in bytes
	KeyChunkSize   = "chunk_size"   // declared chunk size in bytes
	KeyArtifactRef = "artifact_ref" // merged artifact reference
	KeyStatus      = "status"       // session lifecycle state

	// Storage backends
	KeyBackend = "backend" // backend type: memory, fs, s3, badger, postgres
	KeyBucket  = "bucket"  // cloud bucket name
	KeyKey     = "key"     // object key in cloud storage
	KeyRegion  = "region"  // cloud region
	KeyAttempt = "attempt" // retry attempt number

	// Requests
	KeyRequestID = "request_id" // per-request correlation id
	KeyClientIP  = "client_ip"  // client IP address
	KeyMethod    = "method"     // HTTP method
	KeyPath      = "path"       // HTTP path

	// Operation metadata
	KeyDurationMs = "duration_ms" // operation duration in milliseconds
	KeyError      = "error"       // error message
	KeyCount      = "count"       // generic count
)

// Type-safe slog.Attr constructors for the common fields.

// SessionID returns a slog.Attr for an upload session identifier
func SessionID(id string) slog.Attr {
	return slog.String(KeySessionID, id)
}

// ChunkIndex returns a slog.Attr for a chunk index
func ChunkIndex(idx uint32) slog.Attr {
	return slog.Any(KeyChunkIndex, idx)
}

// Backend returns a slog.Attr for a storage backend type
func Backend(name string) slog.Attr {
	return slog.String(KeyBackend, name)
}

// ArtifactRef returns a slog.Attr for a merged artifact reference
func ArtifactRef(ref string) slog.Attr {
	return slog.String(KeyArtifactRef, ref)
}

// DurationMs returns a slog.Attr for duration in milliseconds
func DurationMs(ms float64) slog.Attr {
	return slog.Float64(KeyDurationMs, ms)
}

// Err returns a slog.Attr for an error
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

// Attempt returns a slog.Attr for a retry attempt number
func Attempt(n int) slog.Attr {
	return slog.Int(KeyAttempt, n)
}
