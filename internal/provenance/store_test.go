package provenance

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"conductor/internal/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "provenance.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestArtifactRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	data := []byte("diff --git a/main.go b/main.go")
	hash, err := s.PutArtifact(ctx, data)
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := s.GetArtifact(ctx, hash)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("round trip mismatch: %q != %q", got, data)
	}

	// Identical bytes always return the same hash.
	hash2, err := s.PutArtifact(ctx, data)
	if err != nil {
		t.Fatalf("put again: %v", err)
	}
	if hash2 != hash {
		t.Fatalf("hashes differ: %s vs %s", hash, hash2)
	}
}

func TestGetArtifactNotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetArtifact(context.Background(), "deadbeef"); !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestRecordResultFirstWriteWins(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	stored, err := s.RecordResult(ctx, "k1", []byte("v1"))
	if err != nil {
		t.Fatalf("first record: %v", err)
	}
	if string(stored) != "v1" {
		t.Fatalf("stored = %q", stored)
	}

	// A second record with a different payload returns the first value.
	stored, err = s.RecordResult(ctx, "k1", []byte("v2"))
	if err != nil {
		t.Fatalf("second record: %v", err)
	}
	if string(stored) != "v1" {
		t.Fatalf("first write did not win: %q", stored)
	}

	got, err := s.GetResult(ctx, "k1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != "v1" {
		t.Fatalf("get = %q", got)
	}
}

func TestGetResultNotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetResult(context.Background(), "missing"); !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestBeginInFlight(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	stored, err := s.Begin(ctx, "k1", "owner-a")
	if err != nil || stored != nil {
		t.Fatalf("first begin: stored=%v err=%v", stored, err)
	}

	// Another owner is told to wait.
	if _, err := s.Begin(ctx, "k1", "owner-b"); !errors.Is(err, ErrInFlight) {
		t.Fatalf("want ErrInFlight, got %v", err)
	}

	// The same owner may re-enter after a crash.
	if stored, err := s.Begin(ctx, "k1", "owner-a"); err != nil || stored != nil {
		t.Fatalf("re-entry: stored=%v err=%v", stored, err)
	}

	if _, err := s.RecordResult(ctx, "k1", []byte("done")); err != nil {
		t.Fatalf("record: %v", err)
	}
	stored, err = s.Begin(ctx, "k1", "owner-b")
	if err != nil {
		t.Fatalf("begin after done: %v", err)
	}
	if string(stored) != "done" {
		t.Fatalf("begin returned %q", stored)
	}
}

func TestDoExecutesOnce(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var mu sync.Mutex
	executions := 0

	const workers = 8
	var wg sync.WaitGroup
	results := make([]string, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			payload, err := s.Do(ctx, "op", "owner", func(context.Context) ([]byte, error) {
				mu.Lock()
				executions++
				mu.Unlock()
				return []byte("result"), nil
			})
			if err != nil {
				t.Errorf("Do: %v", err)
				return
			}
			results[i] = string(payload)
		}(i)
	}
	wg.Wait()

	if executions != 1 {
		t.Fatalf("fn executed %d times", executions)
	}
	for i, r := range results {
		if r != "result" {
			t.Fatalf("worker %d got %q", i, r)
		}
	}
}

func TestDoFailureAllowsRetry(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	calls := 0
	_, err := s.Do(ctx, "op", "owner", func(context.Context) ([]byte, error) {
		calls++
		return nil, errors.New("boom")
	})
	if err == nil {
		t.Fatal("error swallowed")
	}

	payload, err := s.Do(ctx, "op", "owner", func(context.Context) ([]byte, error) {
		calls++
		return []byte("ok"), nil
	})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if string(payload) != "ok" || calls != 2 {
		t.Fatalf("payload=%q calls=%d", payload, calls)
	}
}
