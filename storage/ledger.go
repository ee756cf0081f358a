package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"recircle/core/amount"
	"recircle/core/claims"
)

// AppendTransaction writes one append-only ledger entry.
func (s *Store) AppendTransaction(ctx context.Context, tx *claims.Transaction) error {
	return appendTransaction(ctx, s.db, tx)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func appendTransaction(ctx context.Context, db execer, tx *claims.Transaction) error {
	if tx == nil || tx.OwnerID == "" {
		return fmt.Errorf("storage: transaction owner required")
	}
	created := tx.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := db.ExecContext(ctx, `
        INSERT INTO transactions(owner_id, kind, amount, reference_id, created_at)
        VALUES(?, ?, ?, ?, ?)
    `, tx.OwnerID, string(tx.Kind), tx.Amount.String(), tx.ReferenceID, created.UTC())
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

// ListTransactionsByOwner returns the owner's ledger entries, newest first.
func (s *Store) ListTransactionsByOwner(ctx context.Context, ownerID string) ([]*claims.Transaction, error) {
	return s.queryTransactions(ctx, `
        SELECT id, owner_id, kind, amount, reference_id, created_at
        FROM transactions WHERE owner_id = ? ORDER BY id DESC
    `, ownerID)
}

// ListTransactionsByOwnerAndKind filters the owner's ledger by kind.
func (s *Store) ListTransactionsByOwnerAndKind(ctx context.Context, ownerID string, kind claims.TransactionKind) ([]*claims.Transaction, error) {
	return s.queryTransactions(ctx, `
        SELECT id, owner_id, kind, amount, reference_id, created_at
        FROM transactions WHERE owner_id = ? AND kind = ? ORDER BY id DESC
    `, ownerID, string(kind))
}

// CountTransactionsSince reports how many entries of one kind the owner has
// accrued since the cutoff. Backs the daily quota check.
func (s *Store) CountTransactionsSince(ctx context.Context, ownerID string, kind claims.TransactionKind, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
        SELECT COUNT(1) FROM transactions
        WHERE owner_id = ? AND kind = ? AND created_at >= ?
    `, ownerID, string(kind), since.UTC()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count transactions: %w", err)
	}
	return count, nil
}

func (s *Store) queryTransactions(ctx context.Context, query string, args ...any) ([]*claims.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()
	var out []*claims.Transaction
	for rows.Next() {
		tx := &claims.Transaction{}
		var kind, amt string
		if err := rows.Scan(&tx.ID, &tx.OwnerID, &kind, &amt, &tx.ReferenceID, &tx.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		tx.Kind = claims.TransactionKind(kind)
		parsed, err := amount.Parse(amt)
		if err != nil {
			return nil, fmt.Errorf("transaction %d amount: %w", tx.ID, err)
		}
		tx.Amount = parsed
		out = append(out, tx)
	}
	return out, rows.Err()
}

// WasGranted reports whether the owner already holds the achievement. This is
// the durable source of truth; any in-process cache sits in front of it.
func (s *Store) WasGranted(ctx context.Context, ownerID string, kind claims.AchievementKind) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM achievements WHERE owner_id = ? AND kind = ?)`,
		ownerID, string(kind)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check achievement: %w", err)
	}
	return exists, nil
}

// GrantAchievement inserts the grant and its bonus transaction as one durable
// unit. The (owner, kind) primary key makes the insert race-safe: the first
// caller persists both rows and gets granted=true, every other caller gets
// granted=false with no side effects.
func (s *Store) GrantAchievement(ctx context.Context, grant *claims.AchievementGrant, bonus *claims.Transaction) (bool, error) {
	if grant == nil || grant.OwnerID == "" || grant.Kind == "" {
		return false, fmt.Errorf("storage: grant owner and kind required")
	}
	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin grant: %w", err)
	}
	defer dbTx.Rollback()

	granted := grant.GrantedAt
	if granted.IsZero() {
		granted = time.Now()
	}
	res, err := dbTx.ExecContext(ctx, `
        INSERT INTO achievements(owner_id, kind, granted_at, tx_ref)
        VALUES(?, ?, ?, ?)
        ON CONFLICT(owner_id, kind) DO NOTHING
    `, grant.OwnerID, string(grant.Kind), granted.UTC(), grant.TxRef)
	if err != nil {
		return false, fmt.Errorf("insert grant: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return false, nil
	}
	if bonus != nil {
		if err := appendTransaction(ctx, dbTx, bonus); err != nil {
			return false, err
		}
	}
	if err := dbTx.Commit(); err != nil {
		return false, fmt.Errorf("commit grant: %w", err)
	}
	return true, nil
}

// ListGrants returns every achievement the owner holds.
func (s *Store) ListGrants(ctx context.Context, ownerID string) ([]*claims.AchievementGrant, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT owner_id, kind, granted_at, tx_ref FROM achievements WHERE owner_id = ?
    `, ownerID)
	if err != nil {
		return nil, fmt.Errorf("query grants: %w", err)
	}
	defer rows.Close()
	var out []*claims.AchievementGrant
	for rows.Next() {
		grant := &claims.AchievementGrant{}
		var kind string
		if err := rows.Scan(&grant.OwnerID, &kind, &grant.GrantedAt, &grant.TxRef); err != nil {
			return nil, fmt.Errorf("scan grant: %w", err)
		}
		grant.Kind = claims.AchievementKind(kind)
		out = append(out, grant)
	}
	return out, rows.Err()
}
