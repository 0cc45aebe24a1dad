package store

import (
	"bytes"
	"context"
	"fmt"
	"hash/fnv"
	"strconv"
	"sync"
	"time"
)

const numShards = 64

type entry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

type shard struct {
	mu    sync.Mutex
	items map[string]*entry
}

// MemoryStore is a sharded in-process Store implementation with
// background expiry sweeping.
type MemoryStore struct {
	shards [numShards]shard
	cancel context.CancelFunc
}

// NewMemoryStore creates a MemoryStore and starts its sweeper.
func NewMemoryStore() *MemoryStore {
	ctx, cancel := context.WithCancel(context.Background())
	ms := &MemoryStore{cancel: cancel}
	for i := range ms.shards {
		ms.shards[i].items = make(map[string]*entry)
	}
	go ms.sweep(ctx, time.Minute)
	return ms
}

func (ms *MemoryStore) getShard(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &ms.shards[h.Sum32()%numShards]
}

func (ms *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s := ms.getShard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.items[key]
	if !ok || e.expired(time.Now()) {
		return nil, false, nil
	}
	// Copy so callers can't mutate stored state.
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, true, nil
}

func (ms *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	e := &entry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	s := ms.getShard(key)
	s.mu.Lock()
	s.items[key] = e
	s.mu.Unlock()
	return nil
}

func (ms *MemoryStore) Delete(_ context.Context, key string) error {
	s := ms.getShard(key)
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
	return nil
}

func (ms *MemoryStore) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	now := time.Now()
	s := ms.getShard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.items[key]
	if !ok || e.expired(now) {
		e = &entry{}
		if ttl > 0 {
			e.expiresAt = now.Add(ttl)
		}
		s.items[key] = e
	}

	var n int64
	if len(e.value) > 0 {
		parsed, err := strconv.ParseInt(string(e.value), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("store: key %q holds a non-integer value", key)
		}
		n = parsed
	}
	n++
	e.value = strconv.AppendInt(e.value[:0], n, 10)
	return n, nil
}

func (ms *MemoryStore) CompareAndSwap(_ context.Context, key string, prev, next []byte, ttl time.Duration) (bool, error) {
	now := time.Now()
	s := ms.getShard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.items[key]
	if !ok || e.expired(now) {
		return false, nil
	}
	if !bytes.Equal(e.value, prev) {
		return false, nil
	}
	e.value = append([]byte(nil), next...)
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	}
	return true, nil
}

func (ms *MemoryStore) Close() error {
	ms.cancel()
	return nil
}

// sweep periodically drops expired entries so abandoned sessions and
// stale counters don't accumulate.
func (ms *MemoryStore) sweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			for i := range ms.shards {
				s := &ms.shards[i]
				s.mu.Lock()
				for k, e := range s.items {
					if e.expired(now) {
						delete(s.items, k)
					}
				}
				s.mu.Unlock()
			}
		}
	}
}
