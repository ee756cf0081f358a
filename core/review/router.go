package review

import (
	"strings"
	"time"

	"recircle/core/claims"
)

// Reason codes recorded on every decision for audit.
const (
	ReasonStructurallyInvalid  claims.ReasonCode = "structurally_invalid"
	ReasonCategoryAlwaysManual claims.ReasonCode = "category_always_manual"
	ReasonQuotaExhausted       claims.ReasonCode = "daily_quota_exhausted"
	ReasonTrustedMerchant      claims.ReasonCode = "trusted_merchant_confidence"
	ReasonConfidenceHigh       claims.ReasonCode = "confidence_above_default"
	ReasonConfidenceLow        claims.ReasonCode = "confidence_below_default"
)

// Policy carries the routing thresholds and category/merchant lists.
type Policy struct {
	// DefaultThreshold is the AI confidence at or above which an ordinary
	// claim auto-approves.
	DefaultThreshold float64
	// TrustedThreshold is the lower bar applied to allowlisted merchants.
	TrustedThreshold float64
	// AlwaysManualCategories are accuracy-sensitive categories that never
	// auto-approve.
	AlwaysManualCategories map[claims.Category]bool
	// TrustedMerchants is the merchant allowlist, keyed by normalized
	// merchant reference.
	TrustedMerchants map[string]bool
	// RejectOnQuotaExhausted turns an exhausted daily quota into a reject
	// instead of a manual-review hold.
	RejectOnQuotaExhausted bool
}

// Normalize fills zero fields with defaults and returns the policy.
func (p Policy) Normalize() Policy {
	if p.DefaultThreshold <= 0 {
		p.DefaultThreshold = 0.85
	}
	if p.TrustedThreshold <= 0 {
		p.TrustedThreshold = 0.70
	}
	if p.AlwaysManualCategories == nil {
		p.AlwaysManualCategories = map[claims.Category]bool{}
	}
	if p.TrustedMerchants == nil {
		p.TrustedMerchants = map[string]bool{}
	}
	return p
}

// Input bundles everything the router weighs for one claim. QuotaRemaining is
// the daily quota collaborator's answer; negative means unknown and is treated
// as available.
type Input struct {
	Claim          *claims.Claim
	Confidence     float64
	QuotaRemaining int
}

// Router classifies claims. It is the single policy authority: every
// re-classification goes back through Decide with updated inputs, never
// through a side door.
type Router struct {
	policy Policy
	now    func() time.Time
}

// Option customises a Router.
type Option func(*Router)

// WithClock sets the function used to derive decision timestamps.
func WithClock(clock func() time.Time) Option {
	return func(r *Router) { r.now = clock }
}

// NewRouter constructs a router with the supplied policy.
func NewRouter(policy Policy, opts ...Option) *Router {
	router := &Router{policy: policy.Normalize(), now: time.Now}
	for _, opt := range opts {
		opt(router)
	}
	return router
}

// Policy returns the normalized policy in effect.
func (r *Router) Policy() Policy {
	return r.policy
}

// Decide classifies one claim. Rules apply in priority order and every branch
// records the reason that fired.
func (r *Router) Decide(in Input) claims.ReviewDecision {
	decision := claims.ReviewDecision{
		ConfidenceUsed: in.Confidence,
		DecidedAt:      r.now().UTC(),
	}
	if in.Claim != nil {
		decision.ClaimID = in.Claim.ID
	}

	// A claim with neither a merchant identity nor an amount carries
	// nothing to review; no confidence level rescues it.
	if in.Claim == nil || (strings.TrimSpace(in.Claim.MerchantRef) == "" && in.Claim.Amount.IsZero()) {
		decision.Outcome = claims.OutcomeReject
		decision.ReasonCodes = append(decision.ReasonCodes, ReasonStructurallyInvalid)
		return decision
	}

	if r.policy.AlwaysManualCategories[in.Claim.AICategory] {
		decision.Outcome = claims.OutcomeManualReview
		decision.ReasonCodes = append(decision.ReasonCodes, ReasonCategoryAlwaysManual)
		return decision
	}

	if in.QuotaRemaining == 0 {
		decision.ReasonCodes = append(decision.ReasonCodes, ReasonQuotaExhausted)
		if r.policy.RejectOnQuotaExhausted {
			decision.Outcome = claims.OutcomeReject
		} else {
			decision.Outcome = claims.OutcomeManualReview
		}
		return decision
	}

	if r.trusted(in.Claim.MerchantRef) && in.Confidence >= r.policy.TrustedThreshold {
		decision.Outcome = claims.OutcomeAutoApprove
		decision.ReasonCodes = append(decision.ReasonCodes, ReasonTrustedMerchant)
		return decision
	}

	if in.Confidence >= r.policy.DefaultThreshold {
		decision.Outcome = claims.OutcomeAutoApprove
		decision.ReasonCodes = append(decision.ReasonCodes, ReasonConfidenceHigh)
		return decision
	}

	decision.Outcome = claims.OutcomeManualReview
	decision.ReasonCodes = append(decision.ReasonCodes, ReasonConfidenceLow)
	return decision
}

func (r *Router) trusted(merchantRef string) bool {
	return r.policy.TrustedMerchants[normalizeMerchant(merchantRef)]
}

func normalizeMerchant(ref string) string {
	return strings.ToLower(strings.TrimSpace(ref))
}
