package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"recircle/core/claims"
	"recircle/observability"
)

// ErrDispatcherPaused is returned when a payout is attempted while dispatching
// is paused by an operator.
var ErrDispatcherPaused = errors.New("settlement: dispatcher paused")

// Store is the durable half of the dispatcher: the idempotency read and the
// per-attempt record writes.
type Store interface {
	ConfirmedSettlement(ctx context.Context, referenceID string) (*claims.SettlementRecord, bool, error)
	InsertSettlementRecord(ctx context.Context, rec *claims.SettlementRecord) error
}

// Dispatcher walks the tier chain for one payout. Tier failures are recovered
// locally and never surface to the caller; the caller receives whichever tier
// succeeded, or the pending-manual record.
type Dispatcher struct {
	backends        []Backend
	store           Store
	platformAddress string
	tierTimeout     time.Duration
	log             *slog.Logger
	metrics         *observability.EngineMetrics
	now             func() time.Time

	mu       sync.Mutex
	paused   bool
	inFlight map[string]struct{}
}

// Option customises a Dispatcher.
type Option func(*Dispatcher)

// WithTierTimeout bounds each tier call. Beyond the ceiling the call is
// treated as a tier failure and the chain falls through.
func WithTierTimeout(d time.Duration) Option {
	return func(disp *Dispatcher) { disp.tierTimeout = d }
}

// WithLogger overrides the default logger.
func WithLogger(log *slog.Logger) Option {
	return func(disp *Dispatcher) { disp.log = log }
}

// WithClock sets the function used to derive attempt timestamps.
func WithClock(clock func() time.Time) Option {
	return func(disp *Dispatcher) { disp.now = clock }
}

// NewDispatcher constructs a dispatcher over the ordered backend chain.
// platformAddress receives every platform share.
func NewDispatcher(store Store, backends []Backend, platformAddress string, opts ...Option) *Dispatcher {
	disp := &Dispatcher{
		backends:        backends,
		store:           store,
		platformAddress: platformAddress,
		tierTimeout:     30 * time.Second,
		log:             slog.Default(),
		metrics:         observability.Engine(),
		now:             time.Now,
		inFlight:        make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(disp)
	}
	return disp
}

// Pause stops new dispatches until Resume.
func (d *Dispatcher) Pause() {
	d.mu.Lock()
	d.paused = true
	d.mu.Unlock()
}

// Resume re-enables dispatching.
func (d *Dispatcher) Resume() {
	d.mu.Lock()
	d.paused = false
	d.mu.Unlock()
}

// Paused reports the operator pause state.
func (d *Dispatcher) Paused() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.paused
}

// Dispatch settles one payout. It is idempotent: a reference that already has
// a confirmed record short-circuits to that record. Exactly one in-process
// caller works a reference at a time; losers observe ErrConcurrencyConflict.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*claims.SettlementRecord, error) {
	if req.ReferenceID == "" {
		return nil, fmt.Errorf("settlement: reference id required")
	}
	if existing, ok, err := d.store.ConfirmedSettlement(ctx, req.ReferenceID); err != nil {
		return nil, fmt.Errorf("settlement: idempotency check: %w", err)
	} else if ok {
		return existing, nil
	}

	d.mu.Lock()
	if d.paused {
		d.mu.Unlock()
		return nil, ErrDispatcherPaused
	}
	if _, busy := d.inFlight[req.ReferenceID]; busy {
		d.mu.Unlock()
		return nil, claims.ErrConcurrencyConflict
	}
	d.inFlight[req.ReferenceID] = struct{}{}
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.inFlight, req.ReferenceID)
		d.mu.Unlock()
	}()

	var ownerRef, platformRef string
	for _, backend := range d.backends {
		if backend == nil || !backend.Eligible(req) {
			continue
		}
		rec, err := d.attempt(ctx, backend, req, &ownerRef, &platformRef)
		if err == nil {
			return rec, nil
		}
		if errors.Is(err, claims.ErrReconciliationRequired) {
			// Funds moved; falling through could pay them again.
			return nil, err
		}
		d.log.Warn("settlement tier failed",
			"tier", backend.Tier().String(),
			"reference", req.ReferenceID,
			"error", err)
	}

	// Terminal fallback: persist a pending record carrying whatever
	// partial references were obtained; a human or the reconciliation job
	// supplies the rest.
	rec := &claims.SettlementRecord{
		ReferenceID:   req.ReferenceID,
		ClaimID:       req.ClaimID,
		Tier:          claims.TierPendingManual,
		OwnerTxRef:    ownerRef,
		PlatformTxRef: platformRef,
		Status:        claims.SettlementPending,
		AttemptedAt:   d.now().UTC(),
	}
	if err := d.store.InsertSettlementRecord(context.WithoutCancel(ctx), rec); err != nil {
		d.metrics.RecordSettlementAttempt(rec.Tier.String(), "exhausted", 0)
		return nil, fmt.Errorf("%w: %v", claims.ErrSettlementExhausted, err)
	}
	d.metrics.RecordSettlementAttempt(rec.Tier.String(), "pending", 0)
	return rec, nil
}

// attempt drives one tier. Shares already settled by an earlier tier are not
// re-sent; only the outstanding ones move. A started tier call runs to
// completion even if the caller abandons the request: the tier context is
// detached from the caller's cancellation and bounded by the tier ceiling.
func (d *Dispatcher) attempt(ctx context.Context, backend Backend, req Request, ownerRef, platformRef *string) (*claims.SettlementRecord, error) {
	tierCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.tierTimeout)
	defer cancel()

	started := d.now()
	tier := backend.Tier().String()
	settleErr := func() error {
		if *ownerRef == "" && req.OwnerShare.Sign() > 0 {
			ref, err := backend.Settle(tierCtx, req.OwnerAddress, req.OwnerShare, req.Metadata)
			if err != nil {
				return fmt.Errorf("owner share: %w", err)
			}
			*ownerRef = ref
		}
		if *platformRef == "" && req.PlatformShare.Sign() > 0 {
			ref, err := backend.Settle(tierCtx, d.platformAddress, req.PlatformShare, req.Metadata)
			if err != nil {
				return fmt.Errorf("platform share: %w", err)
			}
			*platformRef = ref
		}
		return nil
	}()
	elapsed := d.now().Sub(started).Seconds()

	rec := &claims.SettlementRecord{
		ReferenceID:   req.ReferenceID,
		ClaimID:       req.ClaimID,
		Tier:          backend.Tier(),
		OwnerTxRef:    *ownerRef,
		PlatformTxRef: *platformRef,
		AttemptedAt:   d.now().UTC(),
	}
	// The record writes share the tier call's detachment: once funds may
	// have moved, the durable trace must land even when the caller has
	// abandoned the request.
	recordCtx := context.WithoutCancel(ctx)
	if settleErr != nil {
		rec.Status = claims.SettlementFailed
		d.metrics.RecordSettlementAttempt(tier, "failed", elapsed)
		// Every tier call leaves a durable trace, failed ones included.
		if insertErr := d.store.InsertSettlementRecord(recordCtx, rec); insertErr != nil {
			d.log.Error("failed settlement record not persisted",
				"tier", tier, "reference", req.ReferenceID, "error", insertErr)
		}
		return nil, settleErr
	}

	rec.Status = claims.SettlementConfirmed
	if err := d.store.InsertSettlementRecord(recordCtx, rec); err != nil {
		if errors.Is(err, claims.ErrConcurrencyConflict) {
			// Another process confirmed this reference first; their
			// record is the authoritative one.
			if existing, ok, readErr := d.store.ConfirmedSettlement(recordCtx, req.ReferenceID); readErr == nil && ok {
				d.metrics.RecordSettlementAttempt(tier, "duplicate", elapsed)
				return existing, nil
			}
		}
		// Funds moved but the confirmation write failed. Surfacing for
		// reconciliation beats a silent retry that could pay twice.
		d.metrics.RecordSettlementAttempt(tier, "record_failed", elapsed)
		return nil, fmt.Errorf("%w: tier %s owner=%s platform=%s",
			claims.ErrReconciliationRequired, tier, *ownerRef, *platformRef)
	}
	d.metrics.RecordSettlementAttempt(tier, "confirmed", elapsed)
	return rec, nil
}
