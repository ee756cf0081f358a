package review

import (
	"testing"
	"time"

	"recircle/core/amount"
	"recircle/core/claims"
)

func testRouter() *Router {
	policy := Policy{
		AlwaysManualCategories: map[claims.Category]bool{"prescription": true},
		TrustedMerchants:       map[string]bool{"goodwill": true},
	}
	clock := func() time.Time { return time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC) }
	return NewRouter(policy, WithClock(clock))
}

func makeClaim(merchant, amt string, cat claims.Category) *claims.Claim {
	return &claims.Claim{
		ID:          "claim-1",
		OwnerID:     "owner-1",
		MerchantRef: merchant,
		Amount:      amount.MustParse(amt),
		AICategory:  cat,
	}
}

func decideWith(r *Router, claim *claims.Claim, confidence float64) claims.ReviewDecision {
	return r.Decide(Input{Claim: claim, Confidence: confidence, QuotaRemaining: -1})
}

func TestStructurallyInvalidRejects(t *testing.T) {
	router := testRouter()
	claim := &claims.Claim{ID: "claim-1", OwnerID: "owner-1"}
	decision := decideWith(router, claim, 0.99)
	if decision.Outcome != claims.OutcomeReject {
		t.Fatalf("outcome = %s, want reject", decision.Outcome)
	}
	if len(decision.ReasonCodes) != 1 || decision.ReasonCodes[0] != ReasonStructurallyInvalid {
		t.Fatalf("reasons = %v", decision.ReasonCodes)
	}
}

func TestAlwaysManualCategoryOverridesConfidence(t *testing.T) {
	router := testRouter()
	decision := decideWith(router, makeClaim("goodwill", "10.00", "prescription"), 0.99)
	if decision.Outcome != claims.OutcomeManualReview {
		t.Fatalf("outcome = %s, want manual_review", decision.Outcome)
	}
	if decision.ReasonCodes[0] != ReasonCategoryAlwaysManual {
		t.Fatalf("reasons = %v", decision.ReasonCodes)
	}
}

func TestTrustedMerchantLowersThreshold(t *testing.T) {
	router := testRouter()

	decision := decideWith(router, makeClaim("Goodwill ", "25.00", "thrift_store"), 0.75)
	if decision.Outcome != claims.OutcomeAutoApprove {
		t.Fatalf("trusted merchant at 0.75: outcome = %s, want auto_approve", decision.Outcome)
	}
	if decision.ReasonCodes[0] != ReasonTrustedMerchant {
		t.Fatalf("reasons = %v", decision.ReasonCodes)
	}

	// Same confidence without the allowlist entry holds for review.
	decision = decideWith(router, makeClaim("unknown-shop", "25.00", "thrift_store"), 0.75)
	if decision.Outcome != claims.OutcomeManualReview {
		t.Fatalf("unknown merchant at 0.75: outcome = %s, want manual_review", decision.Outcome)
	}
	if decision.ReasonCodes[0] != ReasonConfidenceLow {
		t.Fatalf("reasons = %v", decision.ReasonCodes)
	}
}

func TestDefaultThreshold(t *testing.T) {
	router := testRouter()
	decision := decideWith(router, makeClaim("unknown-shop", "25.00", "thrift_store"), 0.9)
	if decision.Outcome != claims.OutcomeAutoApprove {
		t.Fatalf("outcome = %s, want auto_approve", decision.Outcome)
	}
	if decision.ReasonCodes[0] != ReasonConfidenceHigh {
		t.Fatalf("reasons = %v", decision.ReasonCodes)
	}
}

func TestLowConfidenceHolds(t *testing.T) {
	router := testRouter()
	decision := decideWith(router, makeClaim("unknown-shop", "25.00", "thrift_store"), 0.4)
	if decision.Outcome != claims.OutcomeManualReview {
		t.Fatalf("outcome = %s, want manual_review", decision.Outcome)
	}
}

func TestQuotaExhausted(t *testing.T) {
	router := testRouter()
	decision := router.Decide(Input{
		Claim:          makeClaim("goodwill", "25.00", "thrift_store"),
		Confidence:     0.99,
		QuotaRemaining: 0,
	})
	if decision.Outcome != claims.OutcomeManualReview {
		t.Fatalf("outcome = %s, want manual_review", decision.Outcome)
	}
	if decision.ReasonCodes[0] != ReasonQuotaExhausted {
		t.Fatalf("reasons = %v", decision.ReasonCodes)
	}

	strict := NewRouter(Policy{RejectOnQuotaExhausted: true})
	decision = strict.Decide(Input{
		Claim:          makeClaim("shop", "25.00", "thrift_store"),
		Confidence:     0.99,
		QuotaRemaining: 0,
	})
	if decision.Outcome != claims.OutcomeReject {
		t.Fatalf("strict quota outcome = %s, want reject", decision.Outcome)
	}
}

func TestReDecisionUsesUpdatedInputs(t *testing.T) {
	router := testRouter()
	claim := makeClaim("unknown-shop", "25.00", "thrift_store")

	first := decideWith(router, claim, 0.4)
	if first.Outcome != claims.OutcomeManualReview {
		t.Fatalf("first outcome = %s, want manual_review", first.Outcome)
	}

	// A reviewer vouching for the claim re-enters through Decide with the
	// updated confidence; there is no other path to auto_approve.
	second := decideWith(router, claim, 1.0)
	if second.Outcome != claims.OutcomeAutoApprove {
		t.Fatalf("second outcome = %s, want auto_approve", second.Outcome)
	}
}
