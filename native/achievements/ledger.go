// Package achievements guards one-time bonuses. The durable store enforces
// the at-most-one-grant-per-(owner, kind) invariant; the in-process cache in
// front of it is a read optimisation only and is never consulted as the sole
// source of truth.
package achievements

import (
	"context"
	"fmt"
	"sync"
	"time"

	"recircle/core/amount"
	"recircle/core/claims"
)

// Store is the durable half of the ledger. GrantAchievement must persist the
// grant and its bonus transaction as one unit and report whether this caller
// won the insert.
type Store interface {
	WasGranted(ctx context.Context, ownerID string, kind claims.AchievementKind) (bool, error)
	GrantAchievement(ctx context.Context, grant *claims.AchievementGrant, bonus *claims.Transaction) (bool, error)
}

type cacheKey struct {
	owner string
	kind  claims.AchievementKind
}

// Ledger is safe for concurrent use.
type Ledger struct {
	store Store
	now   func() time.Time

	mu    sync.RWMutex
	cache map[cacheKey]struct{}
}

// Option customises a Ledger.
type Option func(*Ledger)

// WithClock sets the function used to derive grant timestamps.
func WithClock(clock func() time.Time) Option {
	return func(l *Ledger) { l.now = clock }
}

// NewLedger constructs a ledger over the supplied durable store.
func NewLedger(store Store, opts ...Option) *Ledger {
	ledger := &Ledger{
		store: store,
		now:   time.Now,
		cache: make(map[cacheKey]struct{}),
	}
	for _, opt := range opts {
		opt(ledger)
	}
	return ledger
}

// WasGranted reports whether the owner already holds the achievement. Cache
// hits skip the store; misses always read through, since the cache is empty
// after a restart.
func (l *Ledger) WasGranted(ctx context.Context, ownerID string, kind claims.AchievementKind) (bool, error) {
	key := cacheKey{owner: ownerID, kind: kind}
	l.mu.RLock()
	_, hit := l.cache[key]
	l.mu.RUnlock()
	if hit {
		return true, nil
	}
	granted, err := l.store.WasGranted(ctx, ownerID, kind)
	if err != nil {
		return false, fmt.Errorf("achievements: durable check: %w", err)
	}
	if granted {
		l.remember(key)
	}
	return granted, nil
}

// Grant awards the achievement and its bonus transaction at most once.
// Returns true only for the caller that persisted the grant; concurrent
// losers observe false with no error and no side effects.
func (l *Ledger) Grant(ctx context.Context, ownerID string, kind claims.AchievementKind, bonus amount.Amount, txRef string) (bool, error) {
	if ownerID == "" || kind == "" {
		return false, fmt.Errorf("achievements: owner and kind required")
	}
	key := cacheKey{owner: ownerID, kind: kind}
	l.mu.RLock()
	_, hit := l.cache[key]
	l.mu.RUnlock()
	if hit {
		return false, nil
	}

	grant := &claims.AchievementGrant{
		OwnerID:   ownerID,
		Kind:      kind,
		GrantedAt: l.now().UTC(),
		TxRef:     txRef,
	}
	var bonusTx *claims.Transaction
	if bonus.Sign() > 0 {
		bonusTx = &claims.Transaction{
			OwnerID:     ownerID,
			Kind:        claims.TxKindAchievement,
			Amount:      bonus,
			ReferenceID: txRef,
			CreatedAt:   grant.GrantedAt,
		}
	}
	won, err := l.store.GrantAchievement(ctx, grant, bonusTx)
	if err != nil {
		return false, fmt.Errorf("achievements: grant: %w", err)
	}
	// Granted either way now, by us or by the race winner.
	l.remember(key)
	return won, nil
}

func (l *Ledger) remember(key cacheKey) {
	l.mu.Lock()
	l.cache[key] = struct{}{}
	l.mu.Unlock()
}
