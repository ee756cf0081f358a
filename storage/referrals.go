package storage

import (
	"context"
	"database/sql"
	"fmt"

	"recircle/core/claims"
)

// CreateReferral persists a new referral in the pending state.
func (s *Store) CreateReferral(ctx context.Context, ref *claims.Referral) error {
	if ref == nil || ref.ID == "" {
		return fmt.Errorf("storage: referral id required")
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO referrals(id, referrer_id, referee_id, status, code)
        VALUES(?, ?, ?, ?, ?)
    `, ref.ID, ref.ReferrerID, ref.RefereeID, claims.ReferralPending.String(), ref.Code)
	if err != nil {
		return fmt.Errorf("insert referral: %w", err)
	}
	return nil
}

// GetReferral loads one referral by id.
func (s *Store) GetReferral(ctx context.Context, id string) (*claims.Referral, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT id, referrer_id, referee_id, status, code FROM referrals WHERE id = ?
    `, id)
	return scanReferral(row)
}

// FindPendingReferralByReferee returns the pending referral attached to a
// referee, if any.
func (s *Store) FindPendingReferralByReferee(ctx context.Context, refereeID string) (*claims.Referral, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT id, referrer_id, referee_id, status, code
        FROM referrals WHERE referee_id = ? AND status = ? LIMIT 1
    `, refereeID, claims.ReferralPending.String())
	return scanReferral(row)
}

// LockReferral attempts the atomic pending→processing transition. Exactly one
// concurrent caller observes true; the rest observe false and must no-op.
func (s *Store) LockReferral(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
        UPDATE referrals SET status = ? WHERE id = ? AND status = ?
    `, claims.ReferralProcessing.String(), id, claims.ReferralPending.String())
	if err != nil {
		return false, fmt.Errorf("lock referral: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected == 1, nil
}

// ReleaseReferral rolls processing back to pending, the only permitted
// rollback, so a later claim or retry can re-trigger the payout.
func (s *Store) ReleaseReferral(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
        UPDATE referrals SET status = ? WHERE id = ? AND status = ?
    `, claims.ReferralPending.String(), id, claims.ReferralProcessing.String())
	if err != nil {
		return fmt.Errorf("release referral: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected != 1 {
		return claims.ErrConcurrencyConflict
	}
	return nil
}

// MarkReferralRewarded finalises a locked referral: the terminal status flip
// and both reward transactions commit as a single durable unit, or not at all.
func (s *Store) MarkReferralRewarded(ctx context.Context, id string, rewardTx, platformTx *claims.Transaction) error {
	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reward: %w", err)
	}
	defer dbTx.Rollback()

	res, err := dbTx.ExecContext(ctx, `
        UPDATE referrals SET status = ? WHERE id = ? AND status = ?
    `, claims.ReferralRewarded.String(), id, claims.ReferralProcessing.String())
	if err != nil {
		return fmt.Errorf("mark rewarded: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected != 1 {
		return claims.ErrConcurrencyConflict
	}
	if rewardTx != nil {
		if err := appendTransaction(ctx, dbTx, rewardTx); err != nil {
			return err
		}
	}
	if platformTx != nil {
		if err := appendTransaction(ctx, dbTx, platformTx); err != nil {
			return err
		}
	}
	if err := dbTx.Commit(); err != nil {
		return fmt.Errorf("commit reward: %w", err)
	}
	return nil
}

func scanReferral(row *sql.Row) (*claims.Referral, error) {
	ref := &claims.Referral{}
	var status string
	if err := row.Scan(&ref.ID, &ref.ReferrerID, &ref.RefereeID, &status, &ref.Code); err != nil {
		if err == sql.ErrNoRows {
			return nil, claims.ErrNotFound
		}
		return nil, fmt.Errorf("scan referral: %w", err)
	}
	parsed, err := parseReferralStatus(status)
	if err != nil {
		return nil, err
	}
	ref.Status = parsed
	return ref, nil
}

func parseReferralStatus(raw string) (claims.ReferralStatus, error) {
	for _, status := range []claims.ReferralStatus{
		claims.ReferralPending, claims.ReferralProcessing, claims.ReferralRewarded,
	} {
		if status.String() == raw {
			return status, nil
		}
	}
	return 0, fmt.Errorf("storage: unknown referral status %q", raw)
}
