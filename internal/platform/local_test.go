package platform

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"conductor/internal/types"
)

func TestLockFencingTokensMonotonic(t *testing.T) {
	s := NewLocalLockService(RealClock{})
	ctx := context.Background()

	l1, err := s.Acquire(ctx, "merge_lock:a", "cs1", time.Minute, time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := s.Release(ctx, l1.Key, l1.FencingToken); err != nil {
		t.Fatalf("release: %v", err)
	}

	l2, err := s.Acquire(ctx, "merge_lock:a", "cs2", time.Minute, time.Second)
	if err != nil {
		t.Fatalf("re-acquire: %v", err)
	}
	if l2.FencingToken <= l1.FencingToken {
		t.Fatalf("token not monotonic: %d then %d", l1.FencingToken, l2.FencingToken)
	}

	// Stale release is a typed error the caller ignores.
	err = s.Release(ctx, l2.Key, l1.FencingToken)
	var stale *types.StaleTokenError
	if !errors.As(err, &stale) {
		t.Fatalf("want StaleTokenError, got %v", err)
	}

	// The real holder can still release.
	if err := s.Release(ctx, l2.Key, l2.FencingToken); err != nil {
		t.Fatalf("holder release: %v", err)
	}
}

func TestLockMutualExclusionAndTimeout(t *testing.T) {
	s := NewLocalLockService(RealClock{})
	ctx := context.Background()

	l1, err := s.Acquire(ctx, "k", "a", time.Minute, time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	_, err = s.Acquire(ctx, "k", "b", time.Minute, 100*time.Millisecond)
	var timeout *types.LockTimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("want LockTimeoutError, got %v", err)
	}

	s.Release(ctx, "k", l1.FencingToken)
	if _, err := s.Acquire(ctx, "k", "b", time.Minute, time.Second); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestLockTTLExpiry(t *testing.T) {
	clock := NewFakeClock(time.Now())
	s := NewLocalLockService(clock)
	ctx := context.Background()

	l1, err := s.Acquire(ctx, "k", "a", time.Second, time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	clock.Advance(2 * time.Second)

	l2, err := s.Acquire(ctx, "k", "b", time.Minute, time.Second)
	if err != nil {
		t.Fatalf("acquire after expiry: %v", err)
	}
	if l2.FencingToken <= l1.FencingToken {
		t.Fatal("expired holder kept the newest token")
	}

	// The expired holder's renew is rejected.
	if err := s.Renew(ctx, "k", l1.FencingToken, time.Minute); err == nil {
		t.Fatal("stale renew accepted")
	}
}

func TestEventBusDelivery(t *testing.T) {
	bus := NewLocalEventBus()
	var mu sync.Mutex
	var got []string

	unsub := bus.Subscribe(EventTaskStateChanged, func(ev Event) {
		mu.Lock()
		got = append(got, ev.Key)
		mu.Unlock()
	})

	bus.Publish(context.Background(), Event{Type: EventTaskStateChanged, Key: "t1"})
	bus.Publish(context.Background(), Event{Type: EventMergeCompleted, Key: "ignored"})

	mu.Lock()
	n := len(got)
	mu.Unlock()
	if n != 1 || got[0] != "t1" {
		t.Fatalf("got %v", got)
	}

	unsub()
	bus.Publish(context.Background(), Event{Type: EventTaskStateChanged, Key: "t2"})
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("delivered after unsubscribe: %v", got)
	}
}

func TestLocalRepoPlatformIdempotentMerge(t *testing.T) {
	p := NewLocalRepoPlatform()
	ctx := context.Background()

	prID, err := p.OpenPR(ctx, "r", "feat", "title", "body")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	sha1, err := p.MergePR(ctx, "r", prID, "merge")
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	sha2, err := p.MergePR(ctx, "r", prID, "merge")
	if err != nil {
		t.Fatalf("re-merge: %v", err)
	}
	if sha1 != sha2 {
		t.Fatalf("merge not idempotent: %s vs %s", sha1, sha2)
	}
}

func TestLocalModelBackendDeterministicAtTempZero(t *testing.T) {
	b := NewLocalModelBackend()
	ctx := context.Background()
	params := GenerateParams{Temperature: 0, Seed: 42}

	a, err := b.Generate(ctx, "m", "prompt", params)
	if err != nil {
		t.Fatal(err)
	}
	bRes, err := b.Generate(ctx, "m", "prompt", params)
	if err != nil {
		t.Fatal(err)
	}
	if a.Text != bRes.Text {
		t.Fatal("temperature-0 decoding not deterministic")
	}

	c, err := b.Generate(ctx, "m", "prompt", GenerateParams{Temperature: 0, Seed: 43})
	if err != nil {
		t.Fatal(err)
	}
	if c.Text == a.Text {
		t.Fatal("seed ignored")
	}
}

func TestRateLimiterSuspendsAndRespectesCancel(t *testing.T) {
	limiter := NewRateLimiter(RealClock{}, 5, 1)
	ctx := context.Background()

	// Burst token goes immediately; the next waits ~200ms.
	if err := limiter.Wait(ctx, "p", "c"); err != nil {
		t.Fatalf("first wait: %v", err)
	}
	start := time.Now()
	if err := limiter.Wait(ctx, "p", "c"); err != nil {
		t.Fatalf("second wait: %v", err)
	}
	if time.Since(start) < 100*time.Millisecond {
		t.Fatal("bucket exhaustion did not suspend")
	}

	// Cancellation surfaces a typed rate-limit error.
	cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err := limiter.Wait(cctx, "p", "c")
	var limited *types.RateLimitedError
	if !errors.As(err, &limited) {
		t.Fatalf("want RateLimitedError, got %v", err)
	}
}

func TestFakeClockAdvance(t *testing.T) {
	clock := NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	ch := clock.After(time.Minute)

	select {
	case <-ch:
		t.Fatal("fired early")
	default:
	}

	clock.Advance(time.Minute)
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("did not fire after advance")
	}
}
