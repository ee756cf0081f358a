// Package storage persists the reward engine's durable state in sqlite. All
// read-then-write state transitions are expressed as conditional updates so
// concurrent callers race safely; uniqueness invariants (one achievement per
// owner and kind, one confirmed settlement per reference) are enforced by the
// schema, never by application memory.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// ErrPathRequired is returned when the backing store path is missing.
var ErrPathRequired = errors.New("storage: database path must be configured")

// Store wraps the engine persistence layer.
type Store struct {
	db *sql.DB
}

// Open initialises the backing store using a sqlite-compatible DSN and applies
// the schema.
func Open(path string) (*Store, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, ErrPathRequired
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// sqlite serialises writers; a single connection avoids spurious
	// SQLITE_BUSY under concurrent transitions.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases database resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS claims (
    id TEXT PRIMARY KEY,
    owner_id TEXT NOT NULL,
    merchant_ref TEXT NOT NULL,
    amount TEXT NOT NULL,
    occurred_at TIMESTAMP NOT NULL,
    media_ref TEXT NOT NULL,
    media_fingerprint TEXT NOT NULL,
    ai_confidence REAL NOT NULL,
    ai_category TEXT NOT NULL,
    raw_ai_flags TEXT NOT NULL,
    review_status TEXT NOT NULL,
    settlement_state TEXT NOT NULL,
    submitted_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS ix_claims_owner ON claims(owner_id);

CREATE TABLE IF NOT EXISTS review_decisions (
    claim_id TEXT PRIMARY KEY,
    outcome TEXT NOT NULL,
    reason_codes TEXT NOT NULL,
    confidence_used REAL NOT NULL,
    decided_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS transactions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    owner_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    amount TEXT NOT NULL,
    reference_id TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS ix_transactions_owner ON transactions(owner_id);
CREATE INDEX IF NOT EXISTS ix_transactions_owner_kind ON transactions(owner_id, kind);

CREATE TABLE IF NOT EXISTS settlement_records (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    reference_id TEXT NOT NULL,
    claim_id TEXT NOT NULL,
    tier TEXT NOT NULL,
    owner_tx_ref TEXT NOT NULL,
    platform_tx_ref TEXT NOT NULL,
    status TEXT NOT NULL,
    attempted_at TIMESTAMP NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS ux_settlement_confirmed
    ON settlement_records(reference_id) WHERE status = 'confirmed';
CREATE INDEX IF NOT EXISTS ix_settlement_claim ON settlement_records(claim_id);

CREATE TABLE IF NOT EXISTS achievements (
    owner_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    granted_at TIMESTAMP NOT NULL,
    tx_ref TEXT NOT NULL,
    PRIMARY KEY (owner_id, kind)
);

CREATE TABLE IF NOT EXISTS referrals (
    id TEXT PRIMARY KEY,
    referrer_id TEXT NOT NULL,
    referee_id TEXT NOT NULL,
    status TEXT NOT NULL,
    code TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS ix_referrals_referee ON referrals(referee_id);
`
