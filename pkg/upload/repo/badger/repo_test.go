package badger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chunkd-io/chunkd/pkg/upload"
)

func newRepo(t *testing.T) *Repository {
	t.Helper()
	repo, err := New(Config{InMemory: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func newSession(t *testing.T) *upload.Session {
	t.Helper()
	session, err := upload.NewSession("report.pdf", "application/pdf", 250000, 100000, time.Now().UTC())
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return session
}

func TestCreateGetRoundTrip(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	session := newSession(t)
	session.Received.Add(1)
	if err := repo.Create(ctx, session); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := repo.Get(ctx, session.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != session.ID {
		t.Errorf("id = %s, want %s", got.ID, session.ID)
	}
	if got.TotalChunks != 3 {
		t.Errorf("total chunks = %d, want 3", got.TotalChunks)
	}
	if !got.Received.Has(1) || got.Received.Len() != 1 {
		t.Errorf("received set did not survive persistence: %v", got.Received.Indices())
	}
}

func TestGetUnknownSession(t *testing.T) {
	repo := newRepo(t)

	_, err := repo.Get(context.Background(), "missing")
	if !errors.Is(err, upload.ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestCompareAndSwapStatusMismatch(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	session := newSession(t)
	if err := repo.Create(ctx, session); err != nil {
		t.Fatal(err)
	}

	_, err := repo.CompareAndSwap(ctx, session.ID, upload.StatusMerging, func(s *upload.Session) error {
		s.Status = upload.StatusCompleted
		return nil
	})
	if !errors.Is(err, upload.ErrCASConflict) {
		t.Errorf("expected ErrCASConflict on status mismatch, got %v", err)
	}
}

func TestCompareAndSwapPersistsAndBumpsVersion(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	session := newSession(t)
	if err := repo.Create(ctx, session); err != nil {
		t.Fatal(err)
	}

	updated, err := repo.CompareAndSwap(ctx, session.ID, upload.StatusPending, func(s *upload.Session) error {
		s.Status = upload.StatusInProgress
		s.Received.Add(0)
		return nil
	})
	if err != nil {
		t.Fatalf("CompareAndSwap: %v", err)
	}
	if updated.Version != 1 {
		t.Errorf("version = %d, want 1", updated.Version)
	}

	got, _ := repo.Get(ctx, session.ID)
	if got.Status != upload.StatusInProgress || !got.Received.Has(0) {
		t.Errorf("swap not persisted: status=%s received=%v", got.Status, got.Received.Indices())
	}
}

func TestCompareAndSwapMutateErrorAborts(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	session := newSession(t)
	if err := repo.Create(ctx, session); err != nil {
		t.Fatal(err)
	}

	boom := errors.New("boom")
	_, err := repo.CompareAndSwap(ctx, session.ID, upload.StatusPending, func(s *upload.Session) error {
		s.Status = upload.StatusFailed
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected mutate error, got %v", err)
	}

	got, _ := repo.Get(ctx, session.ID)
	if got.Status != upload.StatusPending || got.Version != 0 {
		t.Errorf("aborted swap modified state: status=%s version=%d", got.Status, got.Version)
	}
}

func TestListActiveSkipsTerminal(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	active := newSession(t)
	expired := newSession(t)
	if err := repo.Create(ctx, active); err != nil {
		t.Fatal(err)
	}
	if err := repo.Create(ctx, expired); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.CompareAndSwap(ctx, expired.ID, upload.StatusPending, func(s *upload.Session) error {
		s.Status = upload.StatusExpired
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	list, err := repo.ListActive(ctx)
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(list) != 1 || list[0].ID != active.ID {
		t.Errorf("ListActive returned %d sessions, want only %s", len(list), active.ID)
	}
}

func TestHealthCheckAfterClose(t *testing.T) {
	repo, err := New(Config{InMemory: true})
	if err != nil {
		t.Fatal(err)
	}
	if err := repo.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck on open db: %v", err)
	}
	repo.Close()
	if err := repo.HealthCheck(context.Background()); !errors.Is(err, upload.ErrStoreClosed) {
		t.Errorf("HealthCheck after close: %v", err)
	}
}
