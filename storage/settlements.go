package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"recircle/core/claims"
)

// InsertSettlementRecord appends the durable trace of one settlement attempt.
// The partial unique index rejects a second confirmed record for the same
// reference; that race surfaces as ErrConcurrencyConflict so the caller can
// fall back to the existing record.
func (s *Store) InsertSettlementRecord(ctx context.Context, rec *claims.SettlementRecord) error {
	if rec == nil || rec.ReferenceID == "" {
		return fmt.Errorf("storage: settlement reference id required")
	}
	attempted := rec.AttemptedAt
	if attempted.IsZero() {
		attempted = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO settlement_records(reference_id, claim_id, tier, owner_tx_ref,
            platform_tx_ref, status, attempted_at)
        VALUES(?, ?, ?, ?, ?, ?, ?)
    `, rec.ReferenceID, rec.ClaimID, rec.Tier.String(), rec.OwnerTxRef,
		rec.PlatformTxRef, rec.Status.String(), attempted.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return claims.ErrConcurrencyConflict
		}
		return fmt.Errorf("insert settlement record: %w", err)
	}
	return nil
}

// ConfirmedSettlement returns the confirmed record for a reference, if one
// exists. At most one can exist by schema.
func (s *Store) ConfirmedSettlement(ctx context.Context, referenceID string) (*claims.SettlementRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, settlementColumns+`
        WHERE reference_id = ? AND status = 'confirmed'
    `, referenceID)
	rec, err := scanSettlement(row)
	if err != nil {
		if err == claims.ErrNotFound {
			return nil, false, nil
		}
		return nil, false, err
	}
	return rec, true, nil
}

// ListSettlementsByClaim returns every attempt recorded for a claim, oldest
// first.
func (s *Store) ListSettlementsByClaim(ctx context.Context, claimID string) ([]*claims.SettlementRecord, error) {
	return s.querySettlements(ctx, settlementColumns+` WHERE claim_id = ? ORDER BY id`, claimID)
}

// ListPendingManual returns records awaiting human reconciliation: manual-tier
// attempts still carrying placeholder references.
func (s *Store) ListPendingManual(ctx context.Context) ([]*claims.SettlementRecord, error) {
	return s.querySettlements(ctx, settlementColumns+`
        WHERE tier = ? AND status = 'pending' ORDER BY id
    `, claims.TierPendingManual.String())
}

const settlementColumns = `
    SELECT reference_id, claim_id, tier, owner_tx_ref, platform_tx_ref, status, attempted_at
    FROM settlement_records`

func (s *Store) querySettlements(ctx context.Context, query string, args ...any) ([]*claims.SettlementRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query settlements: %w", err)
	}
	defer rows.Close()
	var out []*claims.SettlementRecord
	for rows.Next() {
		rec, err := scanSettlement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanSettlement(row rowScanner) (*claims.SettlementRecord, error) {
	rec := &claims.SettlementRecord{}
	var tier, status string
	err := row.Scan(&rec.ReferenceID, &rec.ClaimID, &tier, &rec.OwnerTxRef,
		&rec.PlatformTxRef, &status, &rec.AttemptedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, claims.ErrNotFound
		}
		return nil, fmt.Errorf("scan settlement: %w", err)
	}
	if rec.Tier, err = parseTier(tier); err != nil {
		return nil, err
	}
	if rec.Status, err = parseSettlementStatus(status); err != nil {
		return nil, err
	}
	return rec, nil
}

func parseTier(raw string) (claims.SettlementTier, error) {
	for _, tier := range []claims.SettlementTier{
		claims.TierLedgerDirect, claims.TierTreasuryPool,
		claims.TierSandboxNode, claims.TierPendingManual,
	} {
		if tier.String() == raw {
			return tier, nil
		}
	}
	return 0, fmt.Errorf("storage: unknown settlement tier %q", raw)
}

func parseSettlementStatus(raw string) (claims.SettlementStatus, error) {
	for _, status := range []claims.SettlementStatus{
		claims.SettlementPending, claims.SettlementConfirmed, claims.SettlementFailed,
	} {
		if status.String() == raw {
			return status, nil
		}
	}
	return 0, fmt.Errorf("storage: unknown settlement status %q", raw)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed")
}
