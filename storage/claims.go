package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"recircle/core/amount"
	"recircle/core/claims"
)

// CreateClaim persists a newly submitted claim.
func (s *Store) CreateClaim(ctx context.Context, claim *claims.Claim) error {
	if claim == nil || claim.ID == "" {
		return fmt.Errorf("storage: claim id required")
	}
	flags, err := json.Marshal(claim.RawAIFlags)
	if err != nil {
		return fmt.Errorf("encode flags: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
        INSERT INTO claims(id, owner_id, merchant_ref, amount, occurred_at, media_ref,
            media_fingerprint, ai_confidence, ai_category, raw_ai_flags,
            review_status, settlement_state, submitted_at)
        VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    `, claim.ID, claim.OwnerID, claim.MerchantRef, claim.Amount.String(),
		claim.OccurredAt.UTC(), claim.MediaRef, claim.MediaFingerprint,
		claim.AIConfidence, string(claim.AICategory), string(flags),
		claim.ReviewStatus.String(), claim.SettlementState.String(), claim.SubmittedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert claim: %w", err)
	}
	return nil
}

// GetClaim loads one claim by id.
func (s *Store) GetClaim(ctx context.Context, id string) (*claims.Claim, error) {
	row := s.db.QueryRowContext(ctx, claimColumns+` WHERE id = ?`, id)
	return scanClaim(row)
}

// ListClaimsByOwner returns every claim the owner has submitted, oldest first.
func (s *Store) ListClaimsByOwner(ctx context.Context, ownerID string) ([]*claims.Claim, error) {
	rows, err := s.db.QueryContext(ctx, claimColumns+` WHERE owner_id = ? ORDER BY submitted_at`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("query claims: %w", err)
	}
	defer rows.Close()
	var out []*claims.Claim
	for rows.Next() {
		claim, err := scanClaim(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, claim)
	}
	return out, rows.Err()
}

// UpdateReviewStatus transitions a claim's review status with a conditional
// update. A parallel caller winning the transition surfaces as
// ErrConcurrencyConflict; a missing claim as ErrNotFound.
func (s *Store) UpdateReviewStatus(ctx context.Context, id string, from, to claims.ReviewStatus) error {
	return s.transition(ctx,
		`UPDATE claims SET review_status = ? WHERE id = ? AND review_status = ?`,
		id, to.String(), from.String())
}

// UpdateSettlementState transitions a claim's settlement state conditionally.
func (s *Store) UpdateSettlementState(ctx context.Context, id string, from, to claims.SettlementState) error {
	return s.transition(ctx,
		`UPDATE claims SET settlement_state = ? WHERE id = ? AND settlement_state = ?`,
		id, to.String(), from.String())
}

func (s *Store) transition(ctx context.Context, query, id, to, from string) error {
	res, err := s.db.ExecContext(ctx, query, to, id, from)
	if err != nil {
		return fmt.Errorf("conditional update: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 1 {
		return nil
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM claims WHERE id = ?)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check claim: %w", err)
	}
	if !exists {
		return claims.ErrNotFound
	}
	return claims.ErrConcurrencyConflict
}

// CountVerifiedClaims reports how many of the owner's claims are approved.
func (s *Store) CountVerifiedClaims(ctx context.Context, ownerID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM claims WHERE owner_id = ? AND review_status = ?`,
		ownerID, claims.ReviewStatusApproved.String()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count verified: %w", err)
	}
	return count, nil
}

// SaveReviewDecision persists the routed decision for a claim, replacing any
// earlier decision. The persisted value is authoritative once settlement
// begins.
func (s *Store) SaveReviewDecision(ctx context.Context, decision *claims.ReviewDecision) error {
	if decision == nil || decision.ClaimID == "" {
		return fmt.Errorf("storage: decision claim id required")
	}
	codes, err := json.Marshal(decision.ReasonCodes)
	if err != nil {
		return fmt.Errorf("encode reason codes: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
        INSERT INTO review_decisions(claim_id, outcome, reason_codes, confidence_used, decided_at)
        VALUES(?, ?, ?, ?, ?)
        ON CONFLICT(claim_id) DO UPDATE SET
            outcome = excluded.outcome,
            reason_codes = excluded.reason_codes,
            confidence_used = excluded.confidence_used,
            decided_at = excluded.decided_at
    `, decision.ClaimID, decision.Outcome.String(), string(codes),
		decision.ConfidenceUsed, decision.DecidedAt.UTC())
	if err != nil {
		return fmt.Errorf("save decision: %w", err)
	}
	return nil
}

// GetReviewDecision loads the persisted decision for a claim.
func (s *Store) GetReviewDecision(ctx context.Context, claimID string) (*claims.ReviewDecision, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT claim_id, outcome, reason_codes, confidence_used, decided_at
        FROM review_decisions WHERE claim_id = ?
    `, claimID)
	decision := &claims.ReviewDecision{}
	var outcome, codes string
	if err := row.Scan(&decision.ClaimID, &outcome, &codes, &decision.ConfidenceUsed, &decision.DecidedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, claims.ErrNotFound
		}
		return nil, fmt.Errorf("query decision: %w", err)
	}
	parsed, err := parseOutcome(outcome)
	if err != nil {
		return nil, err
	}
	decision.Outcome = parsed
	if err := json.Unmarshal([]byte(codes), &decision.ReasonCodes); err != nil {
		return nil, fmt.Errorf("decode reason codes: %w", err)
	}
	return decision, nil
}

const claimColumns = `
    SELECT id, owner_id, merchant_ref, amount, occurred_at, media_ref,
        media_fingerprint, ai_confidence, ai_category, raw_ai_flags,
        review_status, settlement_state, submitted_at
    FROM claims`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanClaim(row rowScanner) (*claims.Claim, error) {
	claim := &claims.Claim{}
	var amt, category, flags, review, settlement string
	err := row.Scan(&claim.ID, &claim.OwnerID, &claim.MerchantRef, &amt,
		&claim.OccurredAt, &claim.MediaRef, &claim.MediaFingerprint,
		&claim.AIConfidence, &category, &flags, &review, &settlement, &claim.SubmittedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, claims.ErrNotFound
		}
		return nil, fmt.Errorf("scan claim: %w", err)
	}
	parsedAmount, err := amount.Parse(amt)
	if err != nil {
		return nil, fmt.Errorf("claim %s amount: %w", claim.ID, err)
	}
	claim.Amount = parsedAmount
	claim.AICategory = claims.Category(category)
	if err := json.Unmarshal([]byte(flags), &claim.RawAIFlags); err != nil {
		return nil, fmt.Errorf("claim %s flags: %w", claim.ID, err)
	}
	if claim.ReviewStatus, err = parseReviewStatus(review); err != nil {
		return nil, err
	}
	if claim.SettlementState, err = parseSettlementState(settlement); err != nil {
		return nil, err
	}
	return claim, nil
}

func parseReviewStatus(raw string) (claims.ReviewStatus, error) {
	for _, status := range []claims.ReviewStatus{
		claims.ReviewStatusPending, claims.ReviewStatusApproved, claims.ReviewStatusRejected,
	} {
		if status.String() == raw {
			return status, nil
		}
	}
	return 0, fmt.Errorf("storage: unknown review status %q", raw)
}

func parseSettlementState(raw string) (claims.SettlementState, error) {
	for _, state := range []claims.SettlementState{
		claims.SettlementStateUnsettled, claims.SettlementStatePending, claims.SettlementStateSettled,
	} {
		if state.String() == raw {
			return state, nil
		}
	}
	return 0, fmt.Errorf("storage: unknown settlement state %q", raw)
}

func parseOutcome(raw string) (claims.ReviewOutcome, error) {
	for _, outcome := range []claims.ReviewOutcome{
		claims.OutcomeAutoApprove, claims.OutcomeManualReview, claims.OutcomeReject,
	} {
		if outcome.String() == raw {
			return outcome, nil
		}
	}
	return 0, fmt.Errorf("storage: unknown review outcome %q", raw)
}
