package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/antigravity-dev/aonp/internal/specmodel"
	"github.com/antigravity-dev/aonp/internal/store"
	"github.com/antigravity-dev/aonp/internal/store/sqlitestore"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := sqlitestore.Open(filepath.Join(t.TempDir(), "scheduler.db"))
	if err != nil {
		t.Fatalf("open sqlitestore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestClaimNextWithBackoffReturnsImmediatelyWhenRunReady(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	hash := specmodel.SpecHash("ready")
	s.UpsertStudy(ctx, hash, []byte(`{}`))
	s.CreateRun(ctx, "run-ready", hash)

	c := New(s, nil, 30*time.Second, time.Hour, time.Millisecond, 10*time.Millisecond)
	start := time.Now()
	run, err := c.ClaimNextWithBackoff(ctx, "worker-1")
	if err != nil {
		t.Fatalf("claim with backoff: %v", err)
	}
	if run == nil || run.RunID != "run-ready" {
		t.Fatalf("expected run-ready, got %+v", run)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("claim took %v, expected near-instant claim of a ready run", elapsed)
	}
}

func TestClaimNextWithBackoffRespectsContextCancellation(t *testing.T) {
	s := newTestStore(t)
	c := New(s, nil, 30*time.Second, time.Hour, 50*time.Millisecond, 200*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	_, err := c.ClaimNextWithBackoff(ctx, "worker-1")
	if err == nil {
		t.Fatal("expected context deadline error when no run is ever queued")
	}
}

func TestReaperRequeuesExpiredLease(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	hash := specmodel.SpecHash("expiring")
	s.UpsertStudy(ctx, hash, []byte(`{}`))
	s.CreateRun(ctx, "run-expiring", hash)

	if _, err := s.ClaimNext(ctx, "worker-1", 1*time.Millisecond); err != nil {
		t.Fatalf("claim: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	c := New(s, nil, 30*time.Second, 10*time.Millisecond, time.Millisecond, 10*time.Millisecond)
	c.Start(ctx)
	defer c.Stop()

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		run, err := s.GetRun(ctx, "run-expiring")
		if err != nil {
			t.Fatalf("get_run: %v", err)
		}
		if run.Status == store.StatusQueued {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("reaper did not re-queue run with an expired lease in time")
}
