package claims

import (
	"time"

	"recircle/core/amount"
)

// Category identifies the activity category assigned by the vision classifier.
// Category traits (recurring, always-manual) are policy, not part of the type.
type Category string

// ReviewStatus tracks where a claim sits in the review lifecycle.
type ReviewStatus uint8

const (
	ReviewStatusPending ReviewStatus = iota
	ReviewStatusApproved
	ReviewStatusRejected
)

func (s ReviewStatus) Valid() bool {
	switch s {
	case ReviewStatusPending, ReviewStatusApproved, ReviewStatusRejected:
		return true
	default:
		return false
	}
}

func (s ReviewStatus) String() string {
	switch s {
	case ReviewStatusPending:
		return "pending"
	case ReviewStatusApproved:
		return "approved"
	case ReviewStatusRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// SettlementState tracks whether a claim's reward has been pushed on-chain.
type SettlementState uint8

const (
	SettlementStateUnsettled SettlementState = iota
	SettlementStatePending
	SettlementStateSettled
)

func (s SettlementState) Valid() bool {
	switch s {
	case SettlementStateUnsettled, SettlementStatePending, SettlementStateSettled:
		return true
	default:
		return false
	}
}

func (s SettlementState) String() string {
	switch s {
	case SettlementStateUnsettled:
		return "unsettled"
	case SettlementStatePending:
		return "pending"
	case SettlementStateSettled:
		return "settled"
	default:
		return "unknown"
	}
}

// Claim is a submitted proof-of-activity record. Immutable once persisted
// except for ReviewStatus and SettlementState; never deleted once the
// settlement state leaves unsettled.
type Claim struct {
	ID               string
	OwnerID          string
	MerchantRef      string
	Amount           amount.Amount
	OccurredAt       time.Time
	MediaRef         string
	MediaFingerprint string
	AIConfidence     float64
	AICategory       Category
	RawAIFlags       []string
	ReviewStatus     ReviewStatus
	SettlementState  SettlementState
	SubmittedAt      time.Time
}

func (c *Claim) Clone() *Claim {
	if c == nil {
		return nil
	}
	out := *c
	out.RawAIFlags = append([]string(nil), c.RawAIFlags...)
	return &out
}

// ReviewOutcome is the router's classification for a claim.
type ReviewOutcome uint8

const (
	OutcomeAutoApprove ReviewOutcome = iota
	OutcomeManualReview
	OutcomeReject
)

func (o ReviewOutcome) Valid() bool {
	switch o {
	case OutcomeAutoApprove, OutcomeManualReview, OutcomeReject:
		return true
	default:
		return false
	}
}

func (o ReviewOutcome) String() string {
	switch o {
	case OutcomeAutoApprove:
		return "auto_approve"
	case OutcomeManualReview:
		return "manual_review"
	case OutcomeReject:
		return "reject"
	default:
		return "unknown"
	}
}

// ReasonCode records which routing rule fired, for audit.
type ReasonCode string

// ReviewDecision is the routed outcome for one claim. The persisted value is
// authoritative once settlement begins.
type ReviewDecision struct {
	ClaimID        string
	Outcome        ReviewOutcome
	ReasonCodes    []ReasonCode
	ConfidenceUsed float64
	DecidedAt      time.Time
}

func (d *ReviewDecision) Clone() *ReviewDecision {
	if d == nil {
		return nil
	}
	out := *d
	out.ReasonCodes = append([]ReasonCode(nil), d.ReasonCodes...)
	return &out
}

// RewardBreakdown decomposes the computed reward for one claim.
// OwnerShare + PlatformShare always equals
// BaseAmount*StreakMultiplier + PaymentBonus + AchievementBonus.
type RewardBreakdown struct {
	ClaimID          string
	BaseAmount       amount.Amount
	StreakMultiplier amount.Amount
	PaymentBonus     amount.Amount
	AchievementBonus amount.Amount
	OwnerShare       amount.Amount
	PlatformShare    amount.Amount
}

// Total returns the pre-split reward total.
func (b RewardBreakdown) Total() amount.Amount {
	return b.BaseAmount.Mul(b.StreakMultiplier).Add(b.PaymentBonus).Add(b.AchievementBonus)
}

// SettlementTier identifies one backend in the fallback chain.
type SettlementTier uint8

const (
	TierLedgerDirect SettlementTier = iota
	TierTreasuryPool
	TierSandboxNode
	TierPendingManual
)

func (t SettlementTier) Valid() bool {
	switch t {
	case TierLedgerDirect, TierTreasuryPool, TierSandboxNode, TierPendingManual:
		return true
	default:
		return false
	}
}

func (t SettlementTier) String() string {
	switch t {
	case TierLedgerDirect:
		return "ledger_direct"
	case TierTreasuryPool:
		return "treasury_pool"
	case TierSandboxNode:
		return "sandbox_node"
	case TierPendingManual:
		return "pending_manual"
	default:
		return "unknown"
	}
}

// SettlementStatus tracks the outcome of one settlement attempt.
type SettlementStatus uint8

const (
	SettlementPending SettlementStatus = iota
	SettlementConfirmed
	SettlementFailed
)

func (s SettlementStatus) Valid() bool {
	switch s {
	case SettlementPending, SettlementConfirmed, SettlementFailed:
		return true
	default:
		return false
	}
}

func (s SettlementStatus) String() string {
	switch s {
	case SettlementPending:
		return "pending"
	case SettlementConfirmed:
		return "confirmed"
	case SettlementFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// SettlementRecord is the durable trace of one settlement attempt. Multiple
// records may exist per reference (retries across tiers) but at most one may
// reach confirmed.
type SettlementRecord struct {
	ReferenceID   string
	ClaimID       string
	Tier          SettlementTier
	OwnerTxRef    string
	PlatformTxRef string
	Status        SettlementStatus
	AttemptedAt   time.Time
}

// AchievementKind names a one-time bonus.
type AchievementKind string

const (
	AchievementFirstClaim     AchievementKind = "first_claim"
	AchievementTenthClaim     AchievementKind = "tenth_claim"
	AchievementWeekLongStreak AchievementKind = "week_long_streak"
)

// AchievementGrant records a one-time bonus. At most one grant exists per
// (owner, kind) pair.
type AchievementGrant struct {
	OwnerID   string
	Kind      AchievementKind
	GrantedAt time.Time
	TxRef     string
}

// ReferralStatus tracks the referral payout state machine.
type ReferralStatus uint8

const (
	ReferralPending ReferralStatus = iota
	ReferralProcessing
	ReferralRewarded
)

func (s ReferralStatus) Valid() bool {
	switch s {
	case ReferralPending, ReferralProcessing, ReferralRewarded:
		return true
	default:
		return false
	}
}

func (s ReferralStatus) String() string {
	switch s {
	case ReferralPending:
		return "pending"
	case ReferralProcessing:
		return "processing"
	case ReferralRewarded:
		return "rewarded"
	default:
		return "unknown"
	}
}

// Referral links a referrer to a referee. Status transitions are
// pending→processing→rewarded with processing→pending as the only rollback.
type Referral struct {
	ID         string
	ReferrerID string
	RefereeID  string
	Status     ReferralStatus
	Code       string
}

// TransactionKind labels entries in the append-only ledger.
type TransactionKind string

const (
	TxKindReward           TransactionKind = "reward"
	TxKindPlatformShare    TransactionKind = "platform_share"
	TxKindAchievement      TransactionKind = "achievement_bonus"
	TxKindReferralReward   TransactionKind = "referral_reward"
	TxKindReferralPlatform TransactionKind = "referral_platform_share"
)

// Transaction is one append-only ledger entry.
type Transaction struct {
	ID          int64
	OwnerID     string
	Kind        TransactionKind
	Amount      amount.Amount
	ReferenceID string
	CreatedAt   time.Time
}
