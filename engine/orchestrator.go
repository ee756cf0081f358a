// Package engine composes the reward pipeline for one submitted claim:
// duplicate scoring, review routing, reward calculation, achievement grants,
// settlement dispatch, and the dependent referral trigger.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"recircle/core/amount"
	"recircle/core/claims"
	"recircle/core/review"
	"recircle/core/rewards"
	"recircle/core/similarity"
	"recircle/native/achievements"
	"recircle/observability"
	"recircle/settlement"
)

const channelFlagPrefix = "channel:"

// Store is the durable state the orchestrator drives. Implemented by the
// storage package.
type Store interface {
	CreateClaim(ctx context.Context, claim *claims.Claim) error
	GetClaim(ctx context.Context, id string) (*claims.Claim, error)
	ListClaimsByOwner(ctx context.Context, ownerID string) ([]*claims.Claim, error)
	UpdateReviewStatus(ctx context.Context, id string, from, to claims.ReviewStatus) error
	UpdateSettlementState(ctx context.Context, id string, from, to claims.SettlementState) error
	SaveReviewDecision(ctx context.Context, decision *claims.ReviewDecision) error
	GetReviewDecision(ctx context.Context, claimID string) (*claims.ReviewDecision, error)
	CountVerifiedClaims(ctx context.Context, ownerID string) (int, error)
	AppendTransaction(ctx context.Context, tx *claims.Transaction) error
	ListTransactionsByOwnerAndKind(ctx context.Context, ownerID string, kind claims.TransactionKind) ([]*claims.Transaction, error)
	FindPendingReferralByReferee(ctx context.Context, refereeID string) (*claims.Referral, error)
}

// Settler settles payouts. Satisfied by the settlement dispatcher.
type Settler interface {
	Dispatch(ctx context.Context, req settlement.Request) (*claims.SettlementRecord, error)
}

// ReferralProcessor triggers dependent referral payouts. Satisfied by the
// referral engine.
type ReferralProcessor interface {
	Process(ctx context.Context, referralID string) error
}

// QuotaChecker reports the owner's remaining eligible actions for the day.
// External collaborator; a negative answer means unknown.
type QuotaChecker interface {
	Remaining(ctx context.Context, ownerID string) (int, error)
}

// ReviewNotice is the one-way payload pushed at the human review sink.
type ReviewNotice struct {
	ClaimID     string
	OwnerID     string
	MerchantRef string
	Amount      amount.Amount
	Confidence  float64
	ReasonCodes []claims.ReasonCode
}

// ReviewSink receives hold notifications. The engine never depends on its
// response, only on the decision it already persisted.
type ReviewSink interface {
	Notify(ctx context.Context, notice ReviewNotice) error
}

// AddressResolver maps an owner id to their payout address.
type AddressResolver func(ctx context.Context, ownerID string) (string, error)

// Submission is one claim plus the advisory classifier output. The caller
// identity is pre-established; the classifier fields are untrusted input.
type Submission struct {
	OwnerID          string
	MerchantRef      string
	Amount           amount.Amount
	OccurredAt       time.Time
	MediaRef         string
	MediaFingerprint string
	Confidence       float64
	Category         claims.Category
	Flags            []string
	PaymentChannels  []string
}

// Result reports the submission outcome. Settlement details are present only
// when the claim auto-approved; a manual hold is a legitimate terminal state,
// not an error.
type Result struct {
	Claim      *claims.Claim
	Decision   *claims.ReviewDecision
	Breakdown  *claims.RewardBreakdown
	Settlement *claims.SettlementRecord
}

// Engine is the claim orchestrator. Safe for concurrent use.
type Engine struct {
	store      Store
	scorer     *similarity.Scorer
	router     *review.Router
	calculator *rewards.Calculator
	ledger     *achievements.Ledger
	settler    Settler
	referrals  ReferralProcessor
	quota      QuotaChecker
	sink       ReviewSink
	resolve    AddressResolver
	log        *slog.Logger
	metrics    *observability.EngineMetrics
	now        func() time.Time
}

// Option customises an Engine.
type Option func(*Engine)

// WithLogger overrides the default logger.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.now = clock }
}

// Deps bundles the collaborating components.
type Deps struct {
	Store      Store
	Scorer     *similarity.Scorer
	Router     *review.Router
	Calculator *rewards.Calculator
	Ledger     *achievements.Ledger
	Settler    Settler
	Referrals  ReferralProcessor
	Quota      QuotaChecker
	Sink       ReviewSink
	Resolve    AddressResolver
}

// New constructs the orchestrator.
func New(deps Deps, opts ...Option) *Engine {
	engine := &Engine{
		store:      deps.Store,
		scorer:     deps.Scorer,
		router:     deps.Router,
		calculator: deps.Calculator,
		ledger:     deps.Ledger,
		settler:    deps.Settler,
		referrals:  deps.Referrals,
		quota:      deps.Quota,
		sink:       deps.Sink,
		resolve:    deps.Resolve,
		log:        slog.Default(),
		metrics:    observability.Engine(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(engine)
	}
	return engine
}

// SubmitClaim runs the full decision for one submitted claim. From the
// caller's view it fails only on validation or duplicate; settlement trouble
// is resolved asynchronously and shows up as a pending settlement state.
func (e *Engine) SubmitClaim(ctx context.Context, sub Submission) (*Result, error) {
	if err := validate(sub); err != nil {
		return nil, err
	}

	now := e.now().UTC()
	claim := &claims.Claim{
		ID:               uuid.NewString(),
		OwnerID:          sub.OwnerID,
		MerchantRef:      strings.TrimSpace(sub.MerchantRef),
		Amount:           sub.Amount,
		OccurredAt:       sub.OccurredAt.UTC(),
		MediaRef:         sub.MediaRef,
		MediaFingerprint: sub.MediaFingerprint,
		AIConfidence:     clampConfidence(sub.Confidence),
		AICategory:       sub.Category,
		RawAIFlags:       encodeFlags(sub.Flags, sub.PaymentChannels),
		ReviewStatus:     claims.ReviewStatusPending,
		SettlementState:  claims.SettlementStateUnsettled,
		SubmittedAt:      now,
	}

	priors, err := e.store.ListClaimsByOwner(ctx, sub.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("engine: list prior claims: %w", err)
	}
	if err := e.store.CreateClaim(ctx, claim); err != nil {
		return nil, fmt.Errorf("engine: persist claim: %w", err)
	}

	if match, dup := e.scorer.Evaluate(claim, priors); dup {
		e.metrics.RecordDuplicate()
		if err := e.store.UpdateReviewStatus(ctx, claim.ID, claims.ReviewStatusPending, claims.ReviewStatusRejected); err != nil && !claims.IsConflict(err) {
			return nil, fmt.Errorf("engine: reject duplicate: %w", err)
		}
		return nil, &claims.DuplicateClaimError{
			ClaimID:      claim.ID,
			CollidesWith: match.PriorClaimID,
			Score:        match.Points,
		}
	}

	decision := e.router.Decide(review.Input{
		Claim:          claim,
		Confidence:     claim.AIConfidence,
		QuotaRemaining: e.quotaRemaining(ctx, sub.OwnerID),
	})
	if err := e.store.SaveReviewDecision(ctx, &decision); err != nil {
		return nil, fmt.Errorf("engine: persist decision: %w", err)
	}
	e.recordDecision(decision)

	result := &Result{Claim: claim, Decision: &decision}
	switch decision.Outcome {
	case claims.OutcomeReject:
		if err := e.store.UpdateReviewStatus(ctx, claim.ID, claims.ReviewStatusPending, claims.ReviewStatusRejected); err != nil && !claims.IsConflict(err) {
			return nil, fmt.Errorf("engine: reject claim: %w", err)
		}
		claim.ReviewStatus = claims.ReviewStatusRejected
		return result, nil
	case claims.OutcomeManualReview:
		e.notifyReviewSink(ctx, claim, decision)
		return result, nil
	}

	if err := e.approve(ctx, claim, decision, result); err != nil {
		return nil, err
	}
	return result, nil
}

// ApplyReviewAction re-decides a held claim with reviewer-updated inputs. The
// router is the only path to a changed outcome; the reviewer's verdict enters
// as an updated confidence, never as a direct status write.
func (e *Engine) ApplyReviewAction(ctx context.Context, claimID string, approved bool) (*Result, error) {
	claim, err := e.store.GetClaim(ctx, claimID)
	if err != nil {
		return nil, fmt.Errorf("engine: load claim: %w", err)
	}
	if claim.ReviewStatus != claims.ReviewStatusPending {
		return nil, fmt.Errorf("engine: claim %s already %s: %w", claimID, claim.ReviewStatus, claims.ErrConcurrencyConflict)
	}

	confidence := 0.0
	if approved {
		confidence = 1.0
	}
	decision := e.router.Decide(review.Input{
		Claim:          claim,
		Confidence:     confidence,
		QuotaRemaining: e.quotaRemaining(ctx, claim.OwnerID),
	})
	if err := e.store.SaveReviewDecision(ctx, &decision); err != nil {
		return nil, fmt.Errorf("engine: persist decision: %w", err)
	}
	e.recordDecision(decision)

	result := &Result{Claim: claim, Decision: &decision}
	switch decision.Outcome {
	case claims.OutcomeAutoApprove:
		if err := e.approve(ctx, claim, decision, result); err != nil {
			return nil, err
		}
	default:
		if err := e.store.UpdateReviewStatus(ctx, claim.ID, claims.ReviewStatusPending, claims.ReviewStatusRejected); err != nil && !claims.IsConflict(err) {
			return nil, fmt.Errorf("engine: reject claim: %w", err)
		}
		claim.ReviewStatus = claims.ReviewStatusRejected
	}
	return result, nil
}

// approve runs the post-decision half of the pipeline: verify, compute,
// grant, settle, and trigger the dependent referral.
func (e *Engine) approve(ctx context.Context, claim *claims.Claim, decision claims.ReviewDecision, result *Result) error {
	if err := e.store.UpdateReviewStatus(ctx, claim.ID, claims.ReviewStatusPending, claims.ReviewStatusApproved); err != nil {
		if claims.IsConflict(err) {
			// A parallel caller is already settling this claim; the
			// dispatcher's idempotency makes the outcome identical.
			return nil
		}
		return fmt.Errorf("engine: approve claim: %w", err)
	}
	claim.ReviewStatus = claims.ReviewStatusApproved

	verified, err := e.store.CountVerifiedClaims(ctx, claim.OwnerID)
	if err != nil {
		return fmt.Errorf("engine: count verified: %w", err)
	}
	firstClaim := verified <= 1

	streak, err := e.currentStreak(ctx, claim.OwnerID)
	if err != nil {
		return fmt.Errorf("engine: compute streak: %w", err)
	}

	granted := e.grantAchievements(ctx, claim, verified, streak)

	breakdown, err := e.calculator.Compute(rewards.Input{
		Claim:                claim,
		FirstClaim:           firstClaim,
		ConsecutiveDayStreak: streak,
		PaymentChannels:      decodeChannels(claim.RawAIFlags),
		Achievements:         granted,
	})
	if err != nil {
		return fmt.Errorf("engine: compute reward: %w", err)
	}
	result.Breakdown = &breakdown

	destination, err := e.resolve(ctx, claim.OwnerID)
	if err != nil {
		return fmt.Errorf("engine: resolve owner address: %w", err)
	}
	rec, err := e.settler.Dispatch(ctx, settlement.Request{
		ReferenceID:    claim.ID,
		ClaimID:        claim.ID,
		OwnerAddress:   destination,
		OwnerShare:     breakdown.OwnerShare,
		PlatformShare:  breakdown.PlatformShare,
		HighConfidence: decision.ConfidenceUsed >= e.router.Policy().DefaultThreshold,
		Metadata:       map[string]string{"claim": claim.ID, "owner": claim.OwnerID},
	})
	if err != nil {
		if claims.IsConflict(err) {
			return nil
		}
		return fmt.Errorf("engine: settle claim %s: %w", claim.ID, err)
	}
	result.Settlement = rec

	target := claims.SettlementStatePending
	if rec.Status == claims.SettlementConfirmed {
		target = claims.SettlementStateSettled
	}
	if err := e.store.UpdateSettlementState(ctx, claim.ID, claims.SettlementStateUnsettled, target); err != nil && !claims.IsConflict(err) {
		return fmt.Errorf("engine: update settlement state: %w", err)
	}
	claim.SettlementState = target

	e.appendRewardTransactions(ctx, claim, breakdown)
	e.triggerReferral(ctx, claim.OwnerID, verified)
	return nil
}

func (e *Engine) grantAchievements(ctx context.Context, claim *claims.Claim, verified, streak int) []claims.AchievementKind {
	var eligible []claims.AchievementKind
	if verified == 1 {
		eligible = append(eligible, claims.AchievementFirstClaim)
	}
	if verified == 10 {
		eligible = append(eligible, claims.AchievementTenthClaim)
	}
	if streak >= 7 {
		eligible = append(eligible, claims.AchievementWeekLongStreak)
	}

	var granted []claims.AchievementKind
	for _, kind := range eligible {
		bonus := e.calculator.Config().AchievementBonuses[kind]
		won, err := e.ledger.Grant(ctx, claim.OwnerID, kind, bonus.Amount, claim.ID)
		if err != nil {
			e.log.Error("achievement grant failed", "owner", claim.OwnerID, "kind", string(kind), "error", err)
			continue
		}
		if won {
			e.metrics.RecordAchievementGrant()
			granted = append(granted, kind)
		}
	}
	return granted
}

// currentStreak counts consecutive qualifying days of rewarded activity ending
// today or yesterday, derived from durable transaction history.
func (e *Engine) currentStreak(ctx context.Context, ownerID string) (int, error) {
	txs, err := e.store.ListTransactionsByOwnerAndKind(ctx, ownerID, claims.TxKindReward)
	if err != nil {
		return 0, err
	}
	days := make(map[string]bool, len(txs))
	for _, tx := range txs {
		days[tx.CreatedAt.UTC().Format("2006-01-02")] = true
	}
	today := e.now().UTC().Truncate(24 * time.Hour)
	cursor := today
	if !days[cursor.Format("2006-01-02")] {
		cursor = cursor.AddDate(0, 0, -1)
	}
	streak := 0
	for days[cursor.Format("2006-01-02")] {
		streak++
		cursor = cursor.AddDate(0, 0, -1)
	}
	return streak, nil
}

func (e *Engine) appendRewardTransactions(ctx context.Context, claim *claims.Claim, breakdown claims.RewardBreakdown) {
	at := e.now().UTC()
	entries := []*claims.Transaction{
		{OwnerID: claim.OwnerID, Kind: claims.TxKindReward, Amount: breakdown.OwnerShare, ReferenceID: claim.ID, CreatedAt: at},
		{OwnerID: "platform", Kind: claims.TxKindPlatformShare, Amount: breakdown.PlatformShare, ReferenceID: claim.ID, CreatedAt: at},
	}
	for _, tx := range entries {
		if tx.Amount.Sign() <= 0 {
			continue
		}
		if err := e.store.AppendTransaction(ctx, tx); err != nil {
			e.log.Error("ledger append failed", "claim", claim.ID, "kind", string(tx.Kind), "error", err)
		}
	}
}

// triggerReferral fires the dependent payout when this was the referee's
// first verified claim. Referral trouble never fails the submission.
func (e *Engine) triggerReferral(ctx context.Context, ownerID string, verified int) {
	if e.referrals == nil || verified != 1 {
		return
	}
	ref, err := e.store.FindPendingReferralByReferee(ctx, ownerID)
	if err != nil {
		if !errors.Is(err, claims.ErrNotFound) {
			e.log.Error("referral lookup failed", "owner", ownerID, "error", err)
		}
		return
	}
	if err := e.referrals.Process(ctx, ref.ID); err != nil {
		e.log.Error("referral processing failed", "referral", ref.ID, "error", err)
	}
}

func (e *Engine) quotaRemaining(ctx context.Context, ownerID string) int {
	if e.quota == nil {
		return -1
	}
	remaining, err := e.quota.Remaining(ctx, ownerID)
	if err != nil {
		e.log.Warn("quota check failed", "owner", ownerID, "error", err)
		return -1
	}
	return remaining
}

func (e *Engine) notifyReviewSink(ctx context.Context, claim *claims.Claim, decision claims.ReviewDecision) {
	if e.sink == nil {
		return
	}
	err := e.sink.Notify(ctx, ReviewNotice{
		ClaimID:     claim.ID,
		OwnerID:     claim.OwnerID,
		MerchantRef: claim.MerchantRef,
		Amount:      claim.Amount,
		Confidence:  decision.ConfidenceUsed,
		ReasonCodes: decision.ReasonCodes,
	})
	if err != nil {
		e.metrics.RecordReviewNotice("failed")
		e.log.Warn("review sink notification failed", "claim", claim.ID, "error", err)
		return
	}
	e.metrics.RecordReviewNotice("delivered")
}

func (e *Engine) recordDecision(decision claims.ReviewDecision) {
	reason := ""
	if len(decision.ReasonCodes) > 0 {
		reason = string(decision.ReasonCodes[0])
	}
	e.metrics.RecordDecision(decision.Outcome.String(), reason)
}

func validate(sub Submission) error {
	if strings.TrimSpace(sub.OwnerID) == "" {
		return &claims.ValidationError{Field: "ownerId", Reason: "required"}
	}
	if strings.TrimSpace(sub.MediaRef) == "" {
		return &claims.ValidationError{Field: "mediaRef", Reason: "required"}
	}
	if sub.Amount.Sign() < 0 {
		return &claims.ValidationError{Field: "amount", Reason: "must not be negative"}
	}
	if sub.OccurredAt.IsZero() {
		return &claims.ValidationError{Field: "occurredAt", Reason: "required"}
	}
	return nil
}

func clampConfidence(confidence float64) float64 {
	if confidence < 0 {
		return 0
	}
	if confidence > 1 {
		return 1
	}
	return confidence
}

func encodeFlags(flags, channels []string) []string {
	out := append([]string(nil), flags...)
	for _, channel := range channels {
		channel = strings.TrimSpace(channel)
		if channel != "" {
			out = append(out, channelFlagPrefix+channel)
		}
	}
	return out
}

func decodeChannels(flags []string) []string {
	var out []string
	for _, flag := range flags {
		if strings.HasPrefix(flag, channelFlagPrefix) {
			out = append(out, strings.TrimPrefix(flag, channelFlagPrefix))
		}
	}
	return out
}
