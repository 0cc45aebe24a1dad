package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/svchub/gateway/internal/store"
)

func TestSlidingWindowBasic(t *testing.T) {
	sw := NewSlidingWindow()
	defer sw.Close()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		allowed, _, _ := sw.Allow(ctx, "k1", 5, time.Minute)
		if !allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	allowed, remaining, reset := sw.Allow(ctx, "k1", 5, time.Minute)
	if allowed {
		t.Fatal("6th request should be rejected")
	}
	if remaining != 0 {
		t.Errorf("remaining = %d, want 0", remaining)
	}
	if reset.Before(time.Now()) {
		t.Error("reset should be in the future")
	}
}

func TestSlidingWindowPerKeyIsolation(t *testing.T) {
	sw := NewSlidingWindow()
	defer sw.Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		sw.Allow(ctx, "a", 3, time.Minute)
	}
	if allowed, _, _ := sw.Allow(ctx, "a", 3, time.Minute); allowed {
		t.Fatal("key a should be exhausted")
	}
	if allowed, _, _ := sw.Allow(ctx, "b", 3, time.Minute); !allowed {
		t.Fatal("key b should not be affected by key a")
	}
}

func TestSlidingWindowZeroLimitDisables(t *testing.T) {
	sw := NewSlidingWindow()
	defer sw.Close()
	for i := 0; i < 100; i++ {
		if allowed, _, _ := sw.Allow(context.Background(), "k", 0, time.Minute); !allowed {
			t.Fatal("zero limit should disable the check")
		}
	}
}

func TestSlidingWindowConcurrentExactlyK(t *testing.T) {
	sw := NewSlidingWindow()
	defer sw.Close()
	ctx := context.Background()

	const n = 50
	const limit = 10
	var allowed atomic.Int64
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if ok, _, _ := sw.Allow(ctx, "burst", limit, time.Minute); ok {
				allowed.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if got := allowed.Load(); got != limit {
		t.Errorf("allowed %d requests, want exactly %d", got, limit)
	}
}

func TestRetryAfterSecondsFloor(t *testing.T) {
	if got := RetryAfterSeconds(time.Now().Add(-time.Second)); got != 1 {
		t.Errorf("past reset should yield 1, got %d", got)
	}
	if got := RetryAfterSeconds(time.Now().Add(30 * time.Second)); got < 28 || got > 30 {
		t.Errorf("RetryAfterSeconds = %d, want ~30", got)
	}
}

func TestQuotaExhaustion(t *testing.T) {
	q := NewQuota(store.NewMemoryStore())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := q.Allow(ctx, "key1", 3)
		if err != nil {
			t.Fatalf("Allow: %v", err)
		}
		if !res.Allowed {
			t.Fatalf("request %d should be within quota", i+1)
		}
	}
	res, err := q.Allow(ctx, "key1", 3)
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if res.Allowed {
		t.Fatal("4th request should exceed quota")
	}
	if res.Remaining != 0 {
		t.Errorf("remaining = %d, want 0", res.Remaining)
	}
	if !res.Reset.After(time.Now()) {
		t.Error("reset should be the next UTC midnight")
	}
}

func TestQuotaConcurrentExactlyK(t *testing.T) {
	q := NewQuota(store.NewMemoryStore())
	ctx := context.Background()

	const n = 40
	const limit = 15
	var allowed atomic.Int64
	var wg sync.WaitGroup

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := q.Allow(ctx, "shared", limit)
			if err != nil {
				t.Errorf("Allow: %v", err)
				return
			}
			if res.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := allowed.Load(); got != limit {
		t.Errorf("allowed %d requests, want exactly %d", got, limit)
	}
}

func TestQuotaDisabled(t *testing.T) {
	q := NewQuota(store.NewMemoryStore())
	res, err := q.Allow(context.Background(), "k", 0)
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if !res.Allowed {
		t.Fatal("zero quota should disable the check")
	}
}

func TestQuotaKeysIsolated(t *testing.T) {
	q := NewQuota(store.NewMemoryStore())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		q.Allow(ctx, "a", 2)
	}
	if res, _ := q.Allow(ctx, "a", 2); res.Allowed {
		t.Fatal("key a should be exhausted")
	}
	if res, _ := q.Allow(ctx, "b", 2); !res.Allowed {
		t.Fatal("key b should have its own counter")
	}
}
