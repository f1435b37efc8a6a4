package upload_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chunkd-io/chunkd/pkg/upload"
	artifactmem "github.com/chunkd-io/chunkd/pkg/upload/artifact/memory"
	repomem "github.com/chunkd-io/chunkd/pkg/upload/repo/memory"
	storemem "github.com/chunkd-io/chunkd/pkg/upload/store/memory"
)

type fixture struct {
	engine    *upload.Engine
	repo      *repomem.Repository
	chunks    *storemem.Store
	artifacts *countingArtifacts
}

// countingArtifacts wraps the in-memory artifact store to count writes, so
// tests can assert completion idempotence never re-merges.
type countingArtifacts struct {
	inner *artifactmem.Store

	mu         sync.Mutex
	storeCalls int
	failNext   error
}

func (c *countingArtifacts) Store(ctx context.Context, req upload.PutRequest) (string, error) {
	c.mu.Lock()
	c.storeCalls++
	if err := c.failNext; err != nil {
		c.failNext = nil
		c.mu.Unlock()
		return "", err
	}
	c.mu.Unlock()
	return c.inner.Store(ctx, req)
}

func (c *countingArtifacts) Delete(ctx context.Context, ref string) error {
	return c.inner.Delete(ctx, ref)
}

func (c *countingArtifacts) HealthCheck(ctx context.Context) error {
	return c.inner.HealthCheck(ctx)
}

func (c *countingArtifacts) Close() error {
	return c.inner.Close()
}

func (c *countingArtifacts) Bytes(ref string) ([]byte, bool) {
	return c.inner.Bytes(ref)
}

func (c *countingArtifacts) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.storeCalls
}

func newFixture(t *testing.T, opts ...upload.EngineOption) *fixture {
	t.Helper()
	f := &fixture{
		repo:      repomem.New(),
		chunks:    storemem.New(),
		artifacts: &countingArtifacts{inner: artifactmem.New()},
	}
	t.Cleanup(func() {
		f.repo.Close()
		f.chunks.Close()
		f.artifacts.Close()
	})
	f.engine = upload.NewEngine(f.repo, f.chunks, f.artifacts, opts...)
	return f
}

// uploadAll pushes every chunk of content in the given index order.
func uploadAll(t *testing.T, f *fixture, sessionID string, chunks [][]byte, order []uint32) {
	t.Helper()
	for _, idx := range order {
		_, err := f.engine.UploadChunk(context.Background(), sessionID, idx, chunks[idx])
		require.NoError(t, err, "upload chunk %d", idx)
	}
}

func splitContent(content []byte, chunkSize int) [][]byte {
	var chunks [][]byte
	for off := 0; off < len(content); off += chunkSize {
		end := off + chunkSize
		if end > len(content) {
			end = len(content)
		}
		chunks = append(chunks, content[off:end])
	}
	return chunks
}

func TestCreateSessionDerivesChunkCount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name      string
		totalSize uint64
		chunkSize uint64
		want      uint32
	}{
		{"exact multiple", 300000, 100000, 3},
		{"with remainder", 250, 100, 3},
		{"smaller than one chunk", 10, 1 << 20, 1},
		{"single byte", 1, 1, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			session, err := f.engine.CreateSession(ctx, "file.bin", "application/octet-stream", tt.totalSize, tt.chunkSize)
			require.NoError(t, err)
			assert.Equal(t, tt.want, session.TotalChunks)
			assert.Equal(t, upload.StatusPending, session.Status)
			assert.Equal(t, 0, session.Received.Len())
			assert.NotEmpty(t, session.ID)
		})
	}
}

func TestCreateSessionValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.CreateSession(ctx, "", "text/plain", 100, 10)
	assert.ErrorIs(t, err, upload.ErrInvalidFilename)

	_, err = f.engine.CreateSession(ctx, "a.txt", "text/plain", 0, 10)
	assert.ErrorIs(t, err, upload.ErrInvalidSize)

	_, err = f.engine.CreateSession(ctx, "a.txt", "text/plain", 100, 0)
	assert.ErrorIs(t, err, upload.ErrInvalidSize)

	// A chunk count that does not fit a uint32 must be rejected, not
	// truncated into an instantly-complete zero-chunk session.
	_, err = f.engine.CreateSession(ctx, "huge.bin", "", 1<<32, 1)
	assert.ErrorIs(t, err, upload.ErrInvalidSize)

	// Filenames with path elements must never reach an artifact key.
	for _, name := range []string{"../../escaped.txt", "a/b.txt", `a\b.txt`, ".", ".."} {
		_, err = f.engine.CreateSession(ctx, name, "", 100, 10)
		assert.ErrorIs(t, err, upload.ErrInvalidFilename, "filename %q", name)
	}
}

func TestUploadChunkSizeMismatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// 3 chunks: two of 100 bytes, a last of 50.
	session, err := f.engine.CreateSession(ctx, "a.bin", "", 250, 100)
	require.NoError(t, err)

	_, err = f.engine.UploadChunk(ctx, session.ID, 0, bytes.Repeat([]byte("x"), 99))
	assert.ErrorIs(t, err, upload.ErrInvalidSize)
	_, err = f.engine.UploadChunk(ctx, session.ID, 0, bytes.Repeat([]byte("x"), 101))
	assert.ErrorIs(t, err, upload.ErrInvalidSize)
	_, err = f.engine.UploadChunk(ctx, session.ID, 2, bytes.Repeat([]byte("x"), 100))
	assert.ErrorIs(t, err, upload.ErrInvalidSize, "last chunk must carry the remainder, not a full chunk")

	uploadAll(t, f, session.ID, [][]byte{
		bytes.Repeat([]byte("a"), 100),
		bytes.Repeat([]byte("b"), 100),
		bytes.Repeat([]byte("c"), 50),
	}, []uint32{0, 1, 2})

	completed, err := f.engine.CompleteSession(ctx, session.ID)
	require.NoError(t, err)
	merged, _ := f.artifacts.Bytes(completed.ArtifactRef)
	assert.Len(t, merged, 250, "merged artifact length must match the declared total size")
}

func TestUploadOutOfOrderMergesByteIdentical(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	content := make([]byte, 300000)
	for i := range content {
		content[i] = byte(i % 251)
	}
	chunks := splitContent(content, 100000)

	session, err := f.engine.CreateSession(ctx, "video.mp4", "video/mp4", 300000, 100000)
	require.NoError(t, err)
	require.Equal(t, uint32(3), session.TotalChunks)

	// Reverse arrival order.
	uploadAll(t, f, session.ID, chunks, []uint32{2, 0, 1})

	completed, err := f.engine.CompleteSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, upload.StatusCompleted, completed.Status)
	assert.NotEmpty(t, completed.ArtifactRef)
	assert.False(t, completed.CompletedAt.IsZero())

	merged, ok := f.artifacts.Bytes(completed.ArtifactRef)
	require.True(t, ok, "artifact missing from store")
	assert.True(t, bytes.Equal(merged, content), "merged artifact differs from original content")

	// Chunk bytes are staging data and must be gone after the merge.
	assert.Equal(t, 0, f.chunks.Count(session.ID))
}

func TestFirstChunkMovesSessionToInProgress(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	session, err := f.engine.CreateSession(ctx, "a.bin", "", 200, 100)
	require.NoError(t, err)

	updated, err := f.engine.UploadChunk(ctx, session.ID, 0, bytes.Repeat([]byte("x"), 100))
	require.NoError(t, err)
	assert.Equal(t, upload.StatusInProgress, updated.Status)
	assert.Equal(t, 1, updated.Received.Len())
}

func TestUploadChunkValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.UploadChunk(ctx, "no-such-session", 0, []byte("x"))
	assert.ErrorIs(t, err, upload.ErrSessionNotFound)

	session, err := f.engine.CreateSession(ctx, "a.bin", "", 250, 100)
	require.NoError(t, err)

	_, err = f.engine.UploadChunk(ctx, session.ID, 3, []byte("x"))
	assert.ErrorIs(t, err, upload.ErrInvalidChunkIndex)

	var uploadErr *upload.UploadError
	require.ErrorAs(t, err, &uploadErr)
	assert.Equal(t, session.ID, uploadErr.SessionID)
	assert.Equal(t, uint32(3), uploadErr.ChunkIndex)
}

func TestLastWriteWinsOnOverwrite(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	session, err := f.engine.CreateSession(ctx, "a.bin", "", 10, 5)
	require.NoError(t, err)

	_, err = f.engine.UploadChunk(ctx, session.ID, 0, []byte("AAAAA"))
	require.NoError(t, err)
	_, err = f.engine.UploadChunk(ctx, session.ID, 1, []byte("BBBBB"))
	require.NoError(t, err)

	// Overwrite chunk 0. Received count must not change.
	updated, err := f.engine.UploadChunk(ctx, session.ID, 0, []byte("CCCCC"))
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Received.Len())

	completed, err := f.engine.CompleteSession(ctx, session.ID)
	require.NoError(t, err)

	merged, _ := f.artifacts.Bytes(completed.ArtifactRef)
	assert.Equal(t, "CCCCCBBBBB", string(merged))
}

func TestCompleteSessionIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	session, err := f.engine.CreateSession(ctx, "a.bin", "", 6, 3)
	require.NoError(t, err)
	uploadAll(t, f, session.ID, [][]byte{[]byte("abc"), []byte("def")}, []uint32{0, 1})

	first, err := f.engine.CompleteSession(ctx, session.ID)
	require.NoError(t, err)
	require.Equal(t, 1, f.artifacts.calls())

	second, err := f.engine.CompleteSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ArtifactRef, second.ArtifactRef)
	assert.Equal(t, upload.StatusCompleted, second.Status)

	// The repeated call must not touch the artifact store again.
	assert.Equal(t, 1, f.artifacts.calls())
}

func TestCompleteIncompleteReportsMissingAndStaysResumable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	session, err := f.engine.CreateSession(ctx, "big.bin", "", 600, 100)
	require.NoError(t, err)
	require.Equal(t, uint32(6), session.TotalChunks)

	chunk := bytes.Repeat([]byte("x"), 100)
	for _, idx := range []uint32{0, 1, 3, 4} {
		_, err := f.engine.UploadChunk(ctx, session.ID, idx, chunk)
		require.NoError(t, err)
	}

	_, err = f.engine.CompleteSession(ctx, session.ID)
	require.ErrorIs(t, err, upload.ErrIncompleteUpload)

	var incomplete *upload.IncompleteUploadError
	require.ErrorAs(t, err, &incomplete)
	assert.Equal(t, []uint32{2, 5}, incomplete.Missing)
	assert.Equal(t, 0, f.artifacts.calls(), "incomplete completion must not touch the artifact store")

	// The session reverted to InProgress: uploading the stragglers and
	// retrying must succeed.
	for _, idx := range []uint32{2, 5} {
		_, err := f.engine.UploadChunk(ctx, session.ID, idx, chunk)
		require.NoError(t, err)
	}
	completed, err := f.engine.CompleteSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, upload.StatusCompleted, completed.Status)
}

func TestCompletePendingSessionReportsAllMissing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	session, err := f.engine.CreateSession(ctx, "a.bin", "", 250, 100)
	require.NoError(t, err)

	_, err = f.engine.CompleteSession(ctx, session.ID)
	var incomplete *upload.IncompleteUploadError
	require.ErrorAs(t, err, &incomplete)
	assert.Equal(t, []uint32{0, 1, 2}, incomplete.Missing)

	// The failed completion must not move the session: Pending still means
	// "no chunk received", and the first real chunk starts the upload.
	got, err := f.repo.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, upload.StatusPending, got.Status)

	updated, err := f.engine.UploadChunk(ctx, session.ID, 0, bytes.Repeat([]byte("x"), 100))
	require.NoError(t, err)
	assert.Equal(t, upload.StatusInProgress, updated.Status)
}

func TestMergeFailureIsRetryable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	session, err := f.engine.CreateSession(ctx, "a.bin", "", 6, 3)
	require.NoError(t, err)
	uploadAll(t, f, session.ID, [][]byte{[]byte("abc"), []byte("def")}, []uint32{0, 1})

	f.artifacts.failNext = errors.New("backend down")

	_, err = f.engine.CompleteSession(ctx, session.ID)
	require.ErrorIs(t, err, upload.ErrMergeFailed)

	var mergeErr *upload.MergeError
	require.ErrorAs(t, err, &mergeErr)
	assert.Equal(t, session.ID, mergeErr.SessionID)

	// Chunks survive a failed merge; the retry needs no re-upload.
	assert.Equal(t, 2, f.chunks.Count(session.ID))

	completed, err := f.engine.CompleteSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, upload.StatusCompleted, completed.Status)

	merged, _ := f.artifacts.Bytes(completed.ArtifactRef)
	assert.Equal(t, "abcdef", string(merged))
}

func TestUploadChunkRejectedWhileMerging(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	session, err := f.engine.CreateSession(ctx, "a.bin", "", 6, 3)
	require.NoError(t, err)
	_, err = f.engine.UploadChunk(ctx, session.ID, 0, []byte("abc"))
	require.NoError(t, err)

	// Fence the session the way a concurrent completion would.
	_, err = f.repo.CompareAndSwap(ctx, session.ID, upload.StatusInProgress, func(s *upload.Session) error {
		s.Status = upload.StatusMerging
		return nil
	})
	require.NoError(t, err)

	_, err = f.engine.UploadChunk(ctx, session.ID, 1, []byte("def"))
	assert.ErrorIs(t, err, upload.ErrSessionTerminal)

	// A second completion against the fenced session backs off retryably.
	_, err = f.engine.CompleteSession(ctx, session.ID)
	assert.ErrorIs(t, err, upload.ErrStorageUnavailable)
}

func TestConcurrentDistinctUploadsLoseNoUpdate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const n = 32
	session, err := f.engine.CreateSession(ctx, "big.bin", "", n*10, 10)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := uint32(0); i < n; i++ {
		wg.Add(1)
		go func(idx uint32) {
			defer wg.Done()
			data := bytes.Repeat([]byte{byte(idx)}, 10)
			if _, err := f.engine.UploadChunk(ctx, session.ID, idx, data); err != nil {
				t.Errorf("chunk %d: %v", idx, err)
			}
		}(i)
	}
	wg.Wait()

	report, err := f.engine.GetStatus(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, uint32(n), report.ReceivedCount)

	completed, err := f.engine.CompleteSession(ctx, session.ID)
	require.NoError(t, err)

	merged, _ := f.artifacts.Bytes(completed.ArtifactRef)
	require.Len(t, merged, n*10)
	for i := 0; i < n; i++ {
		for j := 0; j < 10; j++ {
			if merged[i*10+j] != byte(i) {
				t.Fatalf("byte %d of chunk %d is %d, want %d", j, i, merged[i*10+j], i)
			}
		}
	}
}

func TestGetStatusMissingIterator(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	session, err := f.engine.CreateSession(ctx, "a.bin", "", 500, 100)
	require.NoError(t, err)

	chunk := bytes.Repeat([]byte("x"), 100)
	for _, idx := range []uint32{1, 3} {
		_, err := f.engine.UploadChunk(ctx, session.ID, idx, chunk)
		require.NoError(t, err)
	}

	report, err := f.engine.GetStatus(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, upload.StatusInProgress, report.Status)
	assert.Equal(t, uint32(2), report.ReceivedCount)
	assert.Equal(t, uint32(5), report.TotalChunks)

	collect := func() []uint32 {
		out := make([]uint32, 0)
		for idx := range report.Missing {
			out = append(out, idx)
		}
		return out
	}
	assert.Equal(t, []uint32{0, 2, 4}, collect())
	// The iterator is restartable.
	assert.Equal(t, []uint32{0, 2, 4}, collect())
}

func TestGetStatusIsReadOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	session, err := f.engine.CreateSession(ctx, "a.bin", "", 100, 100)
	require.NoError(t, err)

	before, err := f.repo.Get(ctx, session.ID)
	require.NoError(t, err)

	_, err = f.engine.GetStatus(ctx, session.ID)
	require.NoError(t, err)

	after, err := f.repo.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, before.LastActivityAt, after.LastActivityAt)
}

func TestExpireStalledSessions(t *testing.T) {
	base := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	now := base
	f := newFixture(t, upload.WithClock(func() time.Time { return now }))
	ctx := context.Background()

	stalled, err := f.engine.CreateSession(ctx, "stalled.bin", "", 200, 100)
	require.NoError(t, err)
	_, err = f.engine.UploadChunk(ctx, stalled.ID, 0, bytes.Repeat([]byte("x"), 100))
	require.NoError(t, err)

	// A session with recent activity must survive the sweep.
	now = base.Add(25 * time.Minute)
	fresh, err := f.engine.CreateSession(ctx, "fresh.bin", "", 200, 100)
	require.NoError(t, err)

	expired, err := f.engine.ExpireStalled(ctx, base.Add(30*time.Minute), 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	got, err := f.repo.Get(ctx, stalled.ID)
	require.NoError(t, err)
	assert.Equal(t, upload.StatusExpired, got.Status)
	assert.Equal(t, 0, f.chunks.Count(stalled.ID), "expiry must delete chunk bytes")

	// The session record survives for status queries.
	report, err := f.engine.GetStatus(ctx, stalled.ID)
	require.NoError(t, err)
	assert.Equal(t, upload.StatusExpired, report.Status)

	// Writes against the expired session are rejected.
	_, err = f.engine.UploadChunk(ctx, stalled.ID, 1, bytes.Repeat([]byte("y"), 100))
	assert.ErrorIs(t, err, upload.ErrSessionTerminal)
	_, err = f.engine.CompleteSession(ctx, stalled.ID)
	assert.ErrorIs(t, err, upload.ErrSessionTerminal)

	freshGot, err := f.repo.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, upload.StatusPending, freshGot.Status)
}

func TestExpireStalledCatchesAbandonedMerge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	session, err := f.engine.CreateSession(ctx, "crash.bin", "", 100, 100)
	require.NoError(t, err)
	_, err = f.engine.UploadChunk(ctx, session.ID, 0, bytes.Repeat([]byte("x"), 100))
	require.NoError(t, err)

	// Simulate a process that fenced the session and crashed mid-merge.
	_, err = f.repo.CompareAndSwap(ctx, session.ID, upload.StatusInProgress, func(s *upload.Session) error {
		s.Status = upload.StatusMerging
		return nil
	})
	require.NoError(t, err)

	expired, err := f.engine.ExpireStalled(ctx, time.Now().UTC().Add(time.Hour), 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	got, _ := f.repo.Get(ctx, session.ID)
	assert.Equal(t, upload.StatusExpired, got.Status)
}

func TestHealthCheck(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.engine.HealthCheck(context.Background()))

	f.chunks.Close()
	err := f.engine.HealthCheck(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, upload.ErrStoreClosed)
}

func TestMetricsSink(t *testing.T) {
	metrics := &recordingMetrics{}
	f := newFixture(t, upload.WithMetrics(metrics))
	ctx := context.Background()

	session, err := f.engine.CreateSession(ctx, "a.bin", "", 6, 3)
	require.NoError(t, err)
	uploadAll(t, f, session.ID, [][]byte{[]byte("abc"), []byte("def")}, []uint32{0, 1})
	_, err = f.engine.CompleteSession(ctx, session.ID)
	require.NoError(t, err)

	assert.Equal(t, 1, metrics.created)
	assert.Equal(t, 2, metrics.chunks)
	assert.Equal(t, 6, metrics.bytes)
	assert.Equal(t, 1, metrics.completed)
}

type recordingMetrics struct {
	mu        sync.Mutex
	created   int
	chunks    int
	bytes     int
	completed int
	expired   int
	failed    int
}

func (m *recordingMetrics) SessionCreated() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.created++
}

func (m *recordingMetrics) ChunkUploaded(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunks++
	m.bytes += n
}

func (m *recordingMetrics) SessionCompleted(time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completed++
}

func (m *recordingMetrics) SessionExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expired++
}

func (m *recordingMetrics) MergeFailed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed++
}

func ExampleEngine() {
	ctx := context.Background()
	engine := upload.NewEngine(repomem.New(), storemem.New(), artifactmem.New())

	session, _ := engine.CreateSession(ctx, "hello.txt", "text/plain", 11, 6)
	_, _ = engine.UploadChunk(ctx, session.ID, 1, []byte("world"))
	_, _ = engine.UploadChunk(ctx, session.ID, 0, []byte("hello "))
	completed, _ := engine.CompleteSession(ctx, session.ID)

	fmt.Println(completed.Status)
	// Output: completed
}
