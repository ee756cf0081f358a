package claims

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates the referenced record does not exist.
	ErrNotFound = errors.New("claims: not found")

	// ErrConcurrencyConflict indicates a parallel caller won an atomic
	// transition. Expected in normal operation and absorbed, never logged
	// as an error.
	ErrConcurrencyConflict = errors.New("claims: concurrent transition won by another caller")

	// ErrSettlementExhausted indicates every settlement tier failed,
	// including the durable pending-manual write. Fatal: it implies the
	// backing store itself is unavailable.
	ErrSettlementExhausted = errors.New("claims: settlement exhausted, pending record could not be written")

	// ErrReconciliationRequired indicates funds moved on-chain but the
	// matching ledger write failed. Must be surfaced for manual
	// reconciliation, never retried automatically.
	ErrReconciliationRequired = errors.New("claims: settlement applied but record write failed, manual reconciliation required")
)

// ValidationError reports a structurally malformed claim. No retry.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("claims: invalid claim: %s %s", e.Field, e.Reason)
}

// DuplicateClaimError reports a duplicate submission together with the prior
// claim it collided with.
type DuplicateClaimError struct {
	ClaimID      string
	CollidesWith string
	Score        int
}

func (e *DuplicateClaimError) Error() string {
	return fmt.Sprintf("claims: claim %s duplicates %s (score %d)", e.ClaimID, e.CollidesWith, e.Score)
}

// IsConflict reports whether err is an absorbed concurrency conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}
