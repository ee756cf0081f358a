package settlement

import (
	"context"

	"recircle/core/amount"
	"recircle/core/claims"
	"recircle/settlement/wallet"
)

// Request bundles one payout: the owner share to the owner's address and the
// platform share to the platform treasury address. ReferenceID keys the
// idempotency check, either a claim id or a referral id.
type Request struct {
	ReferenceID    string
	ClaimID        string
	OwnerAddress   string
	OwnerShare     amount.Amount
	PlatformShare  amount.Amount
	HighConfidence bool
	Metadata       map[string]string
}

// Backend is one settlement tier. Settle moves a single share and returns the
// transaction reference; the dispatcher drives it once per outstanding share.
type Backend interface {
	Tier() claims.SettlementTier
	// Eligible reports whether this backend may be attempted for the
	// request. The dispatcher skips ineligible tiers without recording
	// an attempt.
	Eligible(req Request) bool
	Settle(ctx context.Context, destination string, amt amount.Amount, metadata map[string]string) (string, error)
}

// walletBackend adapts a TokenWallet into a Backend.
type walletBackend struct {
	tier     claims.SettlementTier
	wallet   wallet.TokenWallet
	eligible func(req Request) bool
}

func (b *walletBackend) Tier() claims.SettlementTier { return b.tier }

func (b *walletBackend) Eligible(req Request) bool {
	if b.wallet == nil {
		return false
	}
	if b.eligible == nil {
		return true
	}
	return b.eligible(req)
}

func (b *walletBackend) Settle(ctx context.Context, destination string, amt amount.Amount, _ map[string]string) (string, error) {
	return b.wallet.Transfer(ctx, destination, amt)
}

// NewLedgerDirect wraps a personally-funded signing wallet. It is attempted
// only when the routing decision was high confidence.
func NewLedgerDirect(w wallet.TokenWallet) Backend {
	return &walletBackend{
		tier:     claims.TierLedgerDirect,
		wallet:   w,
		eligible: func(req Request) bool { return req.HighConfidence },
	}
}

// NewTreasuryPool wraps the shared pool contract operated under delegated
// authority.
func NewTreasuryPool(w wallet.TokenWallet) Backend {
	return &walletBackend{tier: claims.TierTreasuryPool, wallet: w}
}

// NewSandboxNode wraps a local test-network wallet. Callers construct it only
// in non-production configurations.
func NewSandboxNode(w wallet.TokenWallet) Backend {
	return &walletBackend{tier: claims.TierSandboxNode, wallet: w}
}

// Chain orders the configured backends by increasing caution. The treasury
// pool goes ahead of the direct signer whenever it is configured: it never
// exposes a personally-funded key.
func Chain(direct, pool, sandbox Backend) []Backend {
	var out []Backend
	if pool != nil {
		out = append(out, pool)
	}
	if direct != nil {
		out = append(out, direct)
	}
	if sandbox != nil {
		out = append(out, sandbox)
	}
	return out
}
