package upload

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTotalChunks(t *testing.T) {
	tests := []struct {
		totalSize uint64
		chunkSize uint64
		want      uint64
	}{
		{300000, 100000, 3},
		{300001, 100000, 4},
		{299999, 100000, 3},
		{1, 100, 1},
		{100, 100, 1},
		{101, 100, 2},
		// The ceil must not wrap for sizes near the uint64 limit.
		{math.MaxUint64, math.MaxUint64, 1},
		{math.MaxUint64, 1 << 32, 1 << 32},
		{1 << 32, 1, 1 << 32},
	}
	for _, tt := range tests {
		got := TotalChunks(tt.totalSize, tt.chunkSize)
		assert.Equal(t, tt.want, got, "TotalChunks(%d, %d)", tt.totalSize, tt.chunkSize)
	}
}

func TestNewSession(t *testing.T) {
	now := time.Date(2026, 8, 23, 10, 0, 0, 0, time.UTC)
	session, err := NewSession("photo.jpg", "image/jpeg", 250000, 100000, now)
	require.NoError(t, err)

	assert.NotEmpty(t, session.ID)
	assert.Equal(t, "photo.jpg", session.Filename)
	assert.Equal(t, uint32(3), session.TotalChunks)
	assert.Equal(t, StatusPending, session.Status)
	assert.Equal(t, now, session.CreatedAt)
	assert.Equal(t, now, session.LastActivityAt)
	assert.True(t, session.CompletedAt.IsZero())
	assert.Empty(t, session.ArtifactRef)

	// Each session gets a distinct id.
	other, err := NewSession("photo.jpg", "image/jpeg", 250000, 100000, now)
	require.NoError(t, err)
	assert.NotEqual(t, session.ID, other.ID)
}

func TestNewSessionValidation(t *testing.T) {
	now := time.Now()

	_, err := NewSession("", "text/plain", 100, 10, now)
	assert.ErrorIs(t, err, ErrInvalidFilename)

	_, err = NewSession("a.txt", "text/plain", 0, 10, now)
	assert.ErrorIs(t, err, ErrInvalidSize)

	_, err = NewSession("a.txt", "text/plain", 100, 0, now)
	assert.ErrorIs(t, err, ErrInvalidSize)
}

func TestNewSessionRejectsChunkCountOverflow(t *testing.T) {
	now := time.Now()

	_, err := NewSession("huge.bin", "", 1<<32, 1, now)
	assert.ErrorIs(t, err, ErrInvalidSize)

	_, err = NewSession("huge.bin", "", math.MaxUint64, 1<<32, now)
	assert.ErrorIs(t, err, ErrInvalidSize)

	// The largest representable chunk count is still accepted.
	session, err := NewSession("huge.bin", "", 1<<32-1, 1, now)
	require.NoError(t, err)
	assert.Equal(t, uint32(math.MaxUint32), session.TotalChunks)
	assert.False(t, session.AllReceived())
}

func TestNewSessionRejectsPathFilenames(t *testing.T) {
	now := time.Now()
	for _, name := range []string{
		"../../escaped.txt",
		"..",
		".",
		"a/b.txt",
		`a\b.txt`,
		"/etc/passwd",
		"x\x00y",
	} {
		_, err := NewSession(name, "", 100, 10, now)
		assert.ErrorIs(t, err, ErrInvalidFilename, "filename %q", name)
	}

	// Leading dots without separators are ordinary names.
	_, err := NewSession(".gitignore", "", 100, 10, now)
	assert.NoError(t, err)
}

func TestExpectedChunkSize(t *testing.T) {
	session, err := NewSession("a.bin", "", 250, 100, time.Now())
	require.NoError(t, err)

	assert.Equal(t, uint64(100), session.ExpectedChunkSize(0))
	assert.Equal(t, uint64(100), session.ExpectedChunkSize(1))
	assert.Equal(t, uint64(50), session.ExpectedChunkSize(2))

	// An exact multiple has a full-size last chunk.
	session, err = NewSession("a.bin", "", 300, 100, time.Now())
	require.NoError(t, err)
	assert.Equal(t, uint64(100), session.ExpectedChunkSize(2))
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusInProgress.Terminal())
	assert.False(t, StatusMerging.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusExpired.Terminal())
}

func TestStatusValid(t *testing.T) {
	for _, s := range []Status{StatusPending, StatusInProgress, StatusMerging, StatusCompleted, StatusFailed, StatusExpired} {
		assert.True(t, s.Valid(), "%s", s)
	}
	assert.False(t, Status("bogus").Valid())
}

func TestAllReceived(t *testing.T) {
	session, err := NewSession("a.bin", "", 250, 100, time.Now())
	require.NoError(t, err)

	assert.False(t, session.AllReceived())
	session.Received.Add(0)
	session.Received.Add(1)
	assert.False(t, session.AllReceived())
	session.Received.Add(2)
	assert.True(t, session.AllReceived())
}

func TestSessionCloneIsDeep(t *testing.T) {
	session, err := NewSession("a.bin", "", 200, 100, time.Now())
	require.NoError(t, err)
	session.Received.Add(0)

	clone := session.Clone()
	clone.Status = StatusFailed
	clone.Received.Add(1)

	assert.Equal(t, StatusPending, session.Status)
	assert.False(t, session.Received.Has(1))
}

func TestSessionJSONRoundTrip(t *testing.T) {
	session, err := NewSession("a.bin", "application/octet-stream", 250, 100, time.Now().UTC())
	require.NoError(t, err)
	session.Received.Add(2)
	session.Received.Add(0)
	session.Status = StatusInProgress
	session.Version = 7

	data, err := json.Marshal(session)
	require.NoError(t, err)

	var decoded Session
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, session.ID, decoded.ID)
	assert.Equal(t, session.Status, decoded.Status)
	assert.Equal(t, []uint32{0, 2}, decoded.Received.Indices())
	assert.Equal(t, uint64(7), decoded.Version)
}

func TestArtifactKey(t *testing.T) {
	session, err := NewSession("report.pdf", "application/pdf", 100, 100, time.Now())
	require.NoError(t, err)
	assert.Equal(t, session.ID+"/report.pdf", session.ArtifactKey())
}
