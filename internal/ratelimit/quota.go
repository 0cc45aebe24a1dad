package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/svchub/gateway/internal/store"
)

// Quota enforces a fixed daily request ceiling per API key. Days roll
// over at midnight UTC. Counting is a single atomic increment against
// the backing store, so the ceiling holds under concurrency and across
// gateway instances sharing a Redis store.
type Quota struct {
	store store.Store
}

// NewQuota creates a quota tracker backed by the given store.
func NewQuota(s store.Store) *Quota {
	return &Quota{store: s}
}

// QuotaResult reports the outcome of a quota check.
type QuotaResult struct {
	Allowed   bool
	Used      int64
	Limit     int64
	Remaining int64
	Reset     time.Time
}

// Allow counts one request against keyID's daily quota. A limit of
// zero or less disables the quota.
func (q *Quota) Allow(ctx context.Context, keyID string, limit int64) (QuotaResult, error) {
	if limit <= 0 {
		return QuotaResult{Allowed: true, Limit: limit, Remaining: -1}, nil
	}

	now := time.Now().UTC()
	reset := now.Truncate(24 * time.Hour).Add(24 * time.Hour)
	key := fmt.Sprintf("quota:%s:%s", keyID, now.Format("20060102"))

	used, err := q.store.Incr(ctx, key, time.Until(reset))
	if err != nil {
		return QuotaResult{}, fmt.Errorf("quota increment: %w", err)
	}

	res := QuotaResult{
		Used:  used,
		Limit: limit,
		Reset: reset,
	}
	if used > limit {
		res.Allowed = false
		res.Remaining = 0
		return res, nil
	}
	res.Allowed = true
	res.Remaining = limit - used
	return res, nil
}
