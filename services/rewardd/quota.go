package rewardd

import (
	"context"
	"fmt"
	"time"

	"recircle/core/claims"
)

// TransactionCounter is the slice of the store the quota checker needs.
type TransactionCounter interface {
	CountTransactionsSince(ctx context.Context, ownerID string, kind claims.TransactionKind, since time.Time) (int, error)
}

// DailyQuota answers how many rewarded submissions an owner has left today,
// counting reward transactions since UTC midnight.
type DailyQuota struct {
	store TransactionCounter
	limit int
	now   func() time.Time
}

// NewDailyQuota constructs a quota checker with the given daily limit.
func NewDailyQuota(store TransactionCounter, limit int, clock func() time.Time) *DailyQuota {
	if clock == nil {
		clock = time.Now
	}
	return &DailyQuota{store: store, limit: limit, now: clock}
}

// Remaining reports the owner's remaining quota for the current UTC day.
func (q *DailyQuota) Remaining(ctx context.Context, ownerID string) (int, error) {
	if q.limit <= 0 {
		return -1, nil
	}
	midnight := q.now().UTC().Truncate(24 * time.Hour)
	used, err := q.store.CountTransactionsSince(ctx, ownerID, claims.TxKindReward, midnight)
	if err != nil {
		return -1, fmt.Errorf("rewardd: count rewards today: %w", err)
	}
	remaining := q.limit - used
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}
