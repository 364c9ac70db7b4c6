package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// newTestStore はプロセス内の miniredis に接続した Store を返します。
func newTestStore(t *testing.T, ttl time.Duration) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewStore(rdb, ttl), mr
}

func TestStoreLifecycle(t *testing.T) {
	store, _ := newTestStore(t, time.Minute)
	ctx := context.Background()
	jobID := NewJobID()

	if err := store.Create(ctx, &Record{JobID: jobID, InputKey: "uploads/x.csv"}); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if err := store.Create(ctx, &Record{JobID: jobID, InputKey: "uploads/x.csv"}); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}

	if err := store.MarkCompleted(ctx, jobID, "results/x.csv", Summary{}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("pending -> completed must be rejected, got %v", err)
	}

	rec, err := store.MarkProcessing(ctx, jobID)
	if err != nil {
		t.Fatalf("MarkProcessing returned error: %v", err)
	}
	if rec.Status != StatusProcessing || rec.Attempts != 1 {
		t.Fatalf("unexpected record after MarkProcessing: %+v", rec)
	}

	summary := Summary{ItemCount: 2, SkippedRows: 1, FailedImages: 1}
	if err := store.MarkCompleted(ctx, jobID, "results/x.csv", summary); err != nil {
		t.Fatalf("MarkCompleted returned error: %v", err)
	}
	if err := store.MarkFailed(ctx, jobID, &ErrorInfo{Code: "X", Message: "late"}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("completed -> failed must be rejected, got %v", err)
	}
	if _, err := store.MarkProcessing(ctx, jobID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("completed -> processing must be rejected, got %v", err)
	}

	got, err := store.Get(ctx, jobID)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if got.Status != StatusCompleted || got.ResultArtifactRef != "results/x.csv" || got.Summary != summary {
		t.Fatalf("unexpected final record: %+v", got)
	}
}

func TestStoreRedeliveryIncrementsAttempts(t *testing.T) {
	store, _ := newTestStore(t, 0)
	ctx := context.Background()
	if err := store.Create(ctx, &Record{JobID: "j", InputKey: "uploads/j.csv"}); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	for want := 1; want <= 2; want++ {
		rec, err := store.MarkProcessing(ctx, "j")
		if err != nil {
			t.Fatalf("MarkProcessing #%d returned error: %v", want, err)
		}
		if rec.Attempts != want {
			t.Fatalf("Attempts = %d, want %d", rec.Attempts, want)
		}
	}
}

func TestStoreConcurrentTerminalTransitions(t *testing.T) {
	store, _ := newTestStore(t, 0)
	ctx := context.Background()
	if err := store.Create(ctx, &Record{JobID: "race", InputKey: "uploads/race.csv"}); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if _, err := store.MarkProcessing(ctx, "race"); err != nil {
		t.Fatalf("MarkProcessing returned error: %v", err)
	}

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			if i%2 == 0 {
				err = store.MarkCompleted(ctx, "race", "results/race.csv", Summary{ItemCount: 1})
			} else {
				err = store.MarkFailed(ctx, "race", &ErrorInfo{Code: "X", Message: "boom"})
			}
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			if !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if succeeded != 1 {
		t.Fatalf("%d terminal transitions succeeded, want exactly 1", succeeded)
	}
	got, err := store.Get(ctx, "race")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if !got.Status.Terminal() {
		t.Fatalf("status = %s, want terminal", got.Status)
	}
}

func TestStoreTransitionKeepsExpiry(t *testing.T) {
	store, mr := newTestStore(t, 10*time.Minute)
	ctx := context.Background()
	if err := store.Create(ctx, &Record{JobID: "ttl", InputKey: "uploads/ttl.csv"}); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	created, err := store.Get(ctx, "ttl")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}

	mr.FastForward(4 * time.Minute)
	if _, err := store.MarkProcessing(ctx, "ttl"); err != nil {
		t.Fatalf("MarkProcessing returned error: %v", err)
	}

	if ttl := mr.TTL(jobKey("ttl")); ttl != 6*time.Minute {
		t.Fatalf("TTL after transition = %s, want 6m0s", ttl)
	}
	got, err := store.Get(ctx, "ttl")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if !got.ExpiresAt.Equal(created.ExpiresAt) {
		t.Fatalf("ExpiresAt moved from %s to %s", created.ExpiresAt, got.ExpiresAt)
	}

	mr.FastForward(7 * time.Minute)
	if rec, err := store.Get(ctx, "ttl"); err != nil || rec != nil {
		t.Fatalf("record should have expired: %+v %v", rec, err)
	}
}

func TestStoreWithoutRetentionOmitsExpiry(t *testing.T) {
	store, mr := newTestStore(t, 0)
	ctx := context.Background()
	if err := store.Create(ctx, &Record{JobID: "forever", InputKey: "uploads/f.csv"}); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if _, err := store.MarkProcessing(ctx, "forever"); err != nil {
		t.Fatalf("MarkProcessing returned error: %v", err)
	}

	if ttl := mr.TTL(jobKey("forever")); ttl != 0 {
		t.Fatalf("TTL = %s, want none", ttl)
	}
	raw, err := mr.Get(jobKey("forever"))
	if err != nil {
		t.Fatalf("miniredis Get returned error: %v", err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		t.Fatalf("stored record is not JSON: %v", err)
	}
	if _, ok := fields["expiresAt"]; ok {
		t.Fatalf("expiresAt should be omitted without retention: %s", raw)
	}
}

func TestStoreGetMissing(t *testing.T) {
	store, _ := newTestStore(t, time.Minute)

	rec, err := store.Get(context.Background(), NewJobID())
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if rec != nil {
		t.Fatalf("expected nil record, got %+v", rec)
	}
	if _, err := store.MarkProcessing(context.Background(), NewJobID()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
