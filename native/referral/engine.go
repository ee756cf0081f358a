// Package referral drives the at-most-once referral payout state machine:
// pending → processing → rewarded, with processing → pending as the only
// rollback. The pending→processing transition is an atomic conditional update
// in the store, so exactly one concurrent caller ever proceeds.
package referral

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"recircle/core/amount"
	"recircle/core/claims"
	"recircle/core/rewards"
	"recircle/observability"
	"recircle/settlement"
)

// Store is the durable half of the engine.
type Store interface {
	GetReferral(ctx context.Context, id string) (*claims.Referral, error)
	LockReferral(ctx context.Context, id string) (bool, error)
	ReleaseReferral(ctx context.Context, id string) error
	MarkReferralRewarded(ctx context.Context, id string, rewardTx, platformTx *claims.Transaction) error
	CountVerifiedClaims(ctx context.Context, ownerID string) (int, error)
}

// Settler settles the referral payout. Satisfied by the settlement
// dispatcher.
type Settler interface {
	Dispatch(ctx context.Context, req settlement.Request) (*claims.SettlementRecord, error)
}

// AddressResolver maps an owner id to their payout address.
type AddressResolver func(ctx context.Context, ownerID string) (string, error)

// Config carries the referral payout policy.
type Config struct {
	// RewardAmount is the total referral reward, split 70/30 like every
	// other payout.
	RewardAmount amount.Amount
	// PlatformOwnerID labels the platform's ledger entries.
	PlatformOwnerID string
}

// Normalize fills zero fields with defaults and returns the config.
func (c Config) Normalize() Config {
	if c.RewardAmount.IsZero() {
		c.RewardAmount = amount.FromInt(10)
	}
	if c.PlatformOwnerID == "" {
		c.PlatformOwnerID = "platform"
	}
	return c
}

// Engine processes referral payouts. Safe for concurrent use.
type Engine struct {
	cfg     Config
	store   Store
	settler Settler
	resolve AddressResolver
	log     *slog.Logger
	metrics *observability.EngineMetrics
	now     func() time.Time
}

// Option customises an Engine.
type Option func(*Engine)

// WithLogger overrides the default logger.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.now = clock }
}

// NewEngine constructs a referral engine.
func NewEngine(cfg Config, store Store, settler Settler, resolve AddressResolver, opts ...Option) *Engine {
	engine := &Engine{
		cfg:     cfg.Normalize(),
		store:   store,
		settler: settler,
		resolve: resolve,
		log:     slog.Default(),
		metrics: observability.Engine(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(engine)
	}
	return engine
}

// Process attempts the referral payout. Losing the pending→processing race is
// a silent no-op; the winner either finishes the payout, rolls the referral
// back to pending on settlement failure, or surfaces a reconciliation error
// when funds moved but the record write failed.
func (e *Engine) Process(ctx context.Context, referralID string) error {
	ref, err := e.store.GetReferral(ctx, referralID)
	if err != nil {
		if errors.Is(err, claims.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("referral: load %s: %w", referralID, err)
	}
	if ref.Status == claims.ReferralRewarded {
		return nil
	}

	locked, err := e.store.LockReferral(ctx, referralID)
	if err != nil {
		return fmt.Errorf("referral: lock %s: %w", referralID, err)
	}
	if !locked {
		// A parallel caller holds the referral; expected, absorbed.
		e.metrics.RecordReferral("lost_race")
		return nil
	}

	// Eligibility is checked only after the lock is held: counting first
	// and locking second races against a concurrent submission.
	count, err := e.store.CountVerifiedClaims(ctx, ref.RefereeID)
	if err != nil {
		e.unlock(ctx, referralID)
		return fmt.Errorf("referral: count verified claims: %w", err)
	}
	if count != 1 {
		e.unlock(ctx, referralID)
		e.metrics.RecordReferral("not_eligible")
		return nil
	}

	destination, err := e.resolve(ctx, ref.ReferrerID)
	if err != nil {
		e.unlock(ctx, referralID)
		return fmt.Errorf("referral: resolve referrer address: %w", err)
	}

	ownerShare, platformShare := rewards.Split(e.cfg.RewardAmount)
	rec, err := e.settler.Dispatch(ctx, settlement.Request{
		ReferenceID:   "referral:" + ref.ID,
		OwnerAddress:  destination,
		OwnerShare:    ownerShare,
		PlatformShare: platformShare,
		Metadata: map[string]string{
			"referral": ref.ID,
			"referee":  ref.RefereeID,
		},
	})
	if err != nil {
		if errors.Is(err, claims.ErrReconciliationRequired) {
			// Funds moved. The referral stays processing so nothing
			// retries it behind the operator's back.
			e.metrics.RecordReferral("reconciliation_required")
			return err
		}
		e.unlock(ctx, referralID)
		e.metrics.RecordReferral("settlement_failed")
		return fmt.Errorf("referral: settle %s: %w", referralID, err)
	}

	at := e.now().UTC()
	rewardTx := &claims.Transaction{
		OwnerID:     ref.ReferrerID,
		Kind:        claims.TxKindReferralReward,
		Amount:      ownerShare,
		ReferenceID: rec.ReferenceID,
		CreatedAt:   at,
	}
	platformTx := &claims.Transaction{
		OwnerID:     e.cfg.PlatformOwnerID,
		Kind:        claims.TxKindReferralPlatform,
		Amount:      platformShare,
		ReferenceID: rec.ReferenceID,
		CreatedAt:   at,
	}
	if err := e.store.MarkReferralRewarded(ctx, referralID, rewardTx, platformTx); err != nil {
		// The payout is settled but the reward record is not: a retry
		// would pay twice, so this surfaces for manual reconciliation.
		e.metrics.RecordReferral("reconciliation_required")
		return fmt.Errorf("%w: referral %s settled as %s", claims.ErrReconciliationRequired, referralID, rec.ReferenceID)
	}
	e.metrics.RecordReferral("rewarded")
	e.log.Info("referral rewarded",
		"referral", referralID,
		"referrer", ref.ReferrerID,
		"reference", rec.ReferenceID,
		"tier", rec.Tier.String())
	return nil
}

func (e *Engine) unlock(ctx context.Context, referralID string) {
	if err := e.store.ReleaseReferral(ctx, referralID); err != nil && !claims.IsConflict(err) {
		e.log.Error("referral unlock failed", "referral", referralID, "error", err)
	}
}
