// Package ratelimit enforces the gateway's two admission ceilings: a
// sliding request-rate limit per caller identity and a daily quota per
// API key. Both are checked with a single locked increment-and-compare,
// never a separate read followed by a write.
package ratelimit

import (
	"context"
	"time"
)

// Limiter admits or rejects one request under a (limit, window) ceiling
// for a key. Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow records a request attempt for key. The check and the count
	// update are one atomic step.
	Allow(ctx context.Context, key string, limit int, window time.Duration) (allowed bool, remaining int, reset time.Time)
}

// window tracks counts for two adjacent fixed windows.
type window struct {
	prevCount int
	currCount int
	currStart time.Time
	lastUsed  time.Time
}

// SlidingWindow implements the sliding window counter algorithm: it
// interpolates between two adjacent fixed windows for near-exact
// accuracy with O(1) memory per key.
type SlidingWindow struct {
	windows    *shardedMap[*window]
	cleanupInt time.Duration
	stop       chan struct{}
}

// NewSlidingWindow creates an in-memory sliding window limiter.
func NewSlidingWindow() *SlidingWindow {
	sw := &SlidingWindow{
		windows:    newShardedMap[*window](),
		cleanupInt: 5 * time.Minute,
		stop:       make(chan struct{}),
	}
	go sw.cleanup()
	return sw
}

// Allow checks and counts one request for key.
func (sw *SlidingWindow) Allow(_ context.Context, key string, limit int, period time.Duration) (bool, int, time.Time) {
	if limit <= 0 {
		return true, -1, time.Time{}
	}
	if period <= 0 {
		period = time.Minute
	}

	now := time.Now()
	s := sw.windows.getShard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	w, exists := s.items[key]
	if !exists {
		w = &window{currStart: now.Truncate(period)}
		s.items[key] = w
	}

	// Rotate windows if we've moved past the current one.
	if elapsed := now.Sub(w.currStart); elapsed >= 2*period {
		w.prevCount = 0
		w.currCount = 0
		w.currStart = now.Truncate(period)
	} else if elapsed >= period {
		w.prevCount = w.currCount
		w.currCount = 0
		w.currStart = w.currStart.Add(period)
	}

	// Weighted estimate across the two windows.
	weight := 1.0 - float64(now.Sub(w.currStart))/float64(period)
	estimate := float64(w.prevCount)*weight + float64(w.currCount)
	reset := w.currStart.Add(period)
	w.lastUsed = now

	if estimate < float64(limit) {
		w.currCount++
		rem := float64(limit) - estimate - 1
		if rem < 0 {
			rem = 0
		}
		return true, int(rem), reset
	}
	return false, 0, reset
}

// Close stops the background cleanup.
func (sw *SlidingWindow) Close() {
	close(sw.stop)
}

// cleanup removes windows idle long enough to have fully reset.
func (sw *SlidingWindow) cleanup() {
	ticker := time.NewTicker(sw.cleanupInt)
	defer ticker.Stop()
	for {
		select {
		case <-sw.stop:
			return
		case <-ticker.C:
			now := time.Now()
			sw.windows.deleteFunc(func(_ string, w *window) bool {
				return now.Sub(w.lastUsed) > 2*time.Hour
			})
		}
	}
}

// RetryAfterSeconds converts a window reset time into the caller-facing
// hint, with a floor of one second.
func RetryAfterSeconds(reset time.Time) int {
	secs := int(time.Until(reset).Seconds())
	if secs < 1 {
		secs = 1
	}
	return secs
}
