package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"recircle/core/amount"
	"recircle/core/claims"
	"recircle/core/review"
	"recircle/core/rewards"
	"recircle/core/similarity"
	"recircle/native/achievements"
	"recircle/settlement"
)

type memStore struct {
	mu        sync.Mutex
	claims    map[string]*claims.Claim
	decisions map[string]*claims.ReviewDecision
	txs       []*claims.Transaction
	grants    map[string]bool
	referrals map[string]*claims.Referral
}

func newMemStore() *memStore {
	return &memStore{
		claims:    make(map[string]*claims.Claim),
		decisions: make(map[string]*claims.ReviewDecision),
		grants:    make(map[string]bool),
		referrals: make(map[string]*claims.Referral),
	}
}

func (m *memStore) CreateClaim(_ context.Context, claim *claims.Claim) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.claims[claim.ID] = claim.Clone()
	return nil
}

func (m *memStore) GetClaim(_ context.Context, id string) (*claims.Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	claim, ok := m.claims[id]
	if !ok {
		return nil, claims.ErrNotFound
	}
	return claim.Clone(), nil
}

func (m *memStore) ListClaimsByOwner(_ context.Context, ownerID string) ([]*claims.Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*claims.Claim
	for _, claim := range m.claims {
		if claim.OwnerID == ownerID {
			out = append(out, claim.Clone())
		}
	}
	return out, nil
}

func (m *memStore) UpdateReviewStatus(_ context.Context, id string, from, to claims.ReviewStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	claim, ok := m.claims[id]
	if !ok {
		return claims.ErrNotFound
	}
	if claim.ReviewStatus != from {
		return claims.ErrConcurrencyConflict
	}
	claim.ReviewStatus = to
	return nil
}

func (m *memStore) UpdateSettlementState(_ context.Context, id string, from, to claims.SettlementState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	claim, ok := m.claims[id]
	if !ok {
		return claims.ErrNotFound
	}
	if claim.SettlementState != from {
		return claims.ErrConcurrencyConflict
	}
	claim.SettlementState = to
	return nil
}

func (m *memStore) SaveReviewDecision(_ context.Context, decision *claims.ReviewDecision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decisions[decision.ClaimID] = decision.Clone()
	return nil
}

func (m *memStore) GetReviewDecision(_ context.Context, claimID string) (*claims.ReviewDecision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	decision, ok := m.decisions[claimID]
	if !ok {
		return nil, claims.ErrNotFound
	}
	return decision.Clone(), nil
}

func (m *memStore) CountVerifiedClaims(_ context.Context, ownerID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, claim := range m.claims {
		if claim.OwnerID == ownerID && claim.ReviewStatus == claims.ReviewStatusApproved {
			count++
		}
	}
	return count, nil
}

func (m *memStore) AppendTransaction(_ context.Context, tx *claims.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *tx
	m.txs = append(m.txs, &copied)
	return nil
}

func (m *memStore) ListTransactionsByOwnerAndKind(_ context.Context, ownerID string, kind claims.TransactionKind) ([]*claims.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*claims.Transaction
	for _, tx := range m.txs {
		if tx.OwnerID == ownerID && tx.Kind == kind {
			copied := *tx
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (m *memStore) FindPendingReferralByReferee(_ context.Context, refereeID string) (*claims.Referral, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ref := range m.referrals {
		if ref.RefereeID == refereeID && ref.Status == claims.ReferralPending {
			copied := *ref
			return &copied, nil
		}
	}
	return nil, claims.ErrNotFound
}

func (m *memStore) WasGranted(_ context.Context, ownerID string, kind claims.AchievementKind) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.grants[ownerID+"/"+string(kind)], nil
}

func (m *memStore) GrantAchievement(_ context.Context, grant *claims.AchievementGrant, bonus *claims.Transaction) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := grant.OwnerID + "/" + string(grant.Kind)
	if m.grants[key] {
		return false, nil
	}
	m.grants[key] = true
	if bonus != nil {
		copied := *bonus
		m.txs = append(m.txs, &copied)
	}
	return true, nil
}

func (m *memStore) transactions(kind claims.TransactionKind) []*claims.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*claims.Transaction
	for _, tx := range m.txs {
		if tx.Kind == kind {
			out = append(out, tx)
		}
	}
	return out
}

type stubSettler struct {
	mu            sync.Mutex
	requests      []settlement.Request
	err           error
	pendingManual bool
}

func (s *stubSettler) Dispatch(_ context.Context, req settlement.Request) (*claims.SettlementRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.requests = append(s.requests, req)
	status := claims.SettlementConfirmed
	if s.pendingManual {
		status = claims.SettlementPending
	}
	return &claims.SettlementRecord{
		ReferenceID: req.ReferenceID,
		ClaimID:     req.ClaimID,
		Tier:        claims.TierTreasuryPool,
		Status:      status,
	}, nil
}

type stubSink struct {
	mu      sync.Mutex
	notices []ReviewNotice
}

func (s *stubSink) Notify(_ context.Context, notice ReviewNotice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notices = append(s.notices, notice)
	return nil
}

type stubQuota struct{ remaining int }

func (q *stubQuota) Remaining(context.Context, string) (int, error) { return q.remaining, nil }

type stubReferrals struct {
	mu        sync.Mutex
	processed []string
}

func (s *stubReferrals) Process(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processed = append(s.processed, id)
	return nil
}

type fixture struct {
	engine    *Engine
	store     *memStore
	settler   *stubSettler
	sink      *stubSink
	referrals *stubReferrals
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := newMemStore()
	settler := &stubSettler{}
	sink := &stubSink{}
	referrals := &stubReferrals{}
	eng := New(Deps{
		Store:      store,
		Scorer:     similarity.NewScorer(similarity.Policy{}),
		Router:     review.NewRouter(review.Policy{TrustedMerchants: map[string]bool{"green grocer": true}}),
		Calculator: rewards.NewCalculator(rewards.Config{}),
		Ledger:     achievements.NewLedger(store),
		Settler:    settler,
		Referrals:  referrals,
		Quota:      &stubQuota{remaining: 5},
		Sink:       sink,
		Resolve: func(context.Context, string) (string, error) {
			return "0xowner", nil
		},
	})
	return &fixture{engine: eng, store: store, settler: settler, sink: sink, referrals: referrals}
}

func submission(owner string) Submission {
	return Submission{
		OwnerID:     owner,
		MerchantRef: "Corner Cafe",
		Amount:      amount.MustParse("24"),
		OccurredAt:  time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC),
		MediaRef:    "media/receipt-1.jpg",
		Confidence:  0.95,
		Category:    claims.Category("dining"),
	}
}

func TestSubmitClaimAutoApproveSettles(t *testing.T) {
	f := newFixture(t)

	res, err := f.engine.SubmitClaim(context.Background(), submission("alice"))
	require.NoError(t, err)
	require.Equal(t, claims.OutcomeAutoApprove, res.Decision.Outcome)
	require.NotNil(t, res.Breakdown)
	require.NotNil(t, res.Settlement)
	require.Equal(t, claims.SettlementConfirmed, res.Settlement.Status)

	stored, err := f.store.GetClaim(context.Background(), res.Claim.ID)
	require.NoError(t, err)
	require.Equal(t, claims.ReviewStatusApproved, stored.ReviewStatus)
	require.Equal(t, claims.SettlementStateSettled, stored.SettlementState)

	// 24 / 3 = base 8, first claim so no multiplier, split 5.6 / 2.4.
	require.Equal(t, "5.6", res.Breakdown.OwnerShare.String())
	require.Equal(t, "2.4", res.Breakdown.PlatformShare.String())

	rewardTxs := f.store.transactions(claims.TxKindReward)
	require.Len(t, rewardTxs, 1)
	require.Equal(t, "5.6", rewardTxs[0].Amount.String())
	platformTxs := f.store.transactions(claims.TxKindPlatformShare)
	require.Len(t, platformTxs, 1)
	require.Equal(t, "2.4", platformTxs[0].Amount.String())
}

func TestSubmitClaimFirstClaimAchievementOnce(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.SubmitClaim(context.Background(), submission("alice"))
	require.NoError(t, err)
	require.True(t, f.store.grants["alice/"+string(claims.AchievementFirstClaim)])

	second := submission("alice")
	second.OccurredAt = second.OccurredAt.AddDate(0, 0, 1)
	second.Amount = amount.MustParse("11")
	second.MediaRef = "media/receipt-2.jpg"
	_, err = f.engine.SubmitClaim(context.Background(), second)
	require.NoError(t, err)

	bonuses := f.store.transactions(claims.TxKindAchievement)
	require.Len(t, bonuses, 1, "first-claim bonus must be granted exactly once")
}

func TestSubmitClaimDuplicateRejected(t *testing.T) {
	f := newFixture(t)

	first, err := f.engine.SubmitClaim(context.Background(), submission("alice"))
	require.NoError(t, err)

	_, err = f.engine.SubmitClaim(context.Background(), submission("alice"))
	var dup *claims.DuplicateClaimError
	require.ErrorAs(t, err, &dup)
	require.Equal(t, first.Claim.ID, dup.CollidesWith)
	require.GreaterOrEqual(t, dup.Score, 90)

	rejected, err := f.store.GetClaim(context.Background(), dup.ClaimID)
	require.NoError(t, err)
	require.Equal(t, claims.ReviewStatusRejected, rejected.ReviewStatus)

	require.Len(t, f.settler.requests, 1, "duplicate must never reach settlement")
}

func TestSubmitClaimLowConfidenceHoldsAndNotifies(t *testing.T) {
	f := newFixture(t)

	sub := submission("bob")
	sub.Confidence = 0.5
	res, err := f.engine.SubmitClaim(context.Background(), sub)
	require.NoError(t, err)
	require.Equal(t, claims.OutcomeManualReview, res.Decision.Outcome)
	require.Nil(t, res.Breakdown)
	require.Nil(t, res.Settlement)

	require.Len(t, f.sink.notices, 1)
	require.Equal(t, res.Claim.ID, f.sink.notices[0].ClaimID)
	require.Empty(t, f.settler.requests)

	stored, err := f.store.GetClaim(context.Background(), res.Claim.ID)
	require.NoError(t, err)
	require.Equal(t, claims.ReviewStatusPending, stored.ReviewStatus)
}

func TestApplyReviewActionApproveContinuesPipeline(t *testing.T) {
	f := newFixture(t)

	sub := submission("bob")
	sub.Confidence = 0.5
	held, err := f.engine.SubmitClaim(context.Background(), sub)
	require.NoError(t, err)

	res, err := f.engine.ApplyReviewAction(context.Background(), held.Claim.ID, true)
	require.NoError(t, err)
	require.Equal(t, claims.OutcomeAutoApprove, res.Decision.Outcome)
	require.NotNil(t, res.Settlement)

	stored, err := f.store.GetClaim(context.Background(), held.Claim.ID)
	require.NoError(t, err)
	require.Equal(t, claims.ReviewStatusApproved, stored.ReviewStatus)
	require.Equal(t, claims.SettlementStateSettled, stored.SettlementState)
}

func TestApplyReviewActionRejectIsTerminal(t *testing.T) {
	f := newFixture(t)

	sub := submission("bob")
	sub.Confidence = 0.5
	held, err := f.engine.SubmitClaim(context.Background(), sub)
	require.NoError(t, err)

	res, err := f.engine.ApplyReviewAction(context.Background(), held.Claim.ID, false)
	require.NoError(t, err)
	require.NotEqual(t, claims.OutcomeAutoApprove, res.Decision.Outcome)

	stored, err := f.store.GetClaim(context.Background(), held.Claim.ID)
	require.NoError(t, err)
	require.Equal(t, claims.ReviewStatusRejected, stored.ReviewStatus)
	require.Empty(t, f.settler.requests)

	_, err = f.engine.ApplyReviewAction(context.Background(), held.Claim.ID, true)
	require.Error(t, err, "a resolved claim cannot be re-actioned")
}

func TestSubmitClaimTriggersReferralOnFirstVerified(t *testing.T) {
	f := newFixture(t)
	f.store.referrals["ref-1"] = &claims.Referral{
		ID:         "ref-1",
		ReferrerID: "carol",
		RefereeID:  "alice",
		Status:     claims.ReferralPending,
	}

	_, err := f.engine.SubmitClaim(context.Background(), submission("alice"))
	require.NoError(t, err)
	require.Equal(t, []string{"ref-1"}, f.referrals.processed)

	second := submission("alice")
	second.OccurredAt = second.OccurredAt.AddDate(0, 0, 2)
	second.MediaRef = "media/receipt-3.jpg"
	second.Amount = amount.MustParse("9")
	_, err = f.engine.SubmitClaim(context.Background(), second)
	require.NoError(t, err)
	require.Len(t, f.referrals.processed, 1, "referral fires only on the first verified claim")
}

func TestSubmitClaimValidation(t *testing.T) {
	f := newFixture(t)

	cases := []struct {
		name   string
		mutate func(*Submission)
	}{
		{"missing owner", func(s *Submission) { s.OwnerID = " " }},
		{"missing media", func(s *Submission) { s.MediaRef = "" }},
		{"negative amount", func(s *Submission) { s.Amount = amount.MustParse("-1") }},
		{"zero occurred at", func(s *Submission) { s.OccurredAt = time.Time{} }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sub := submission("alice")
			tc.mutate(&sub)
			_, err := f.engine.SubmitClaim(context.Background(), sub)
			var verr *claims.ValidationError
			require.ErrorAs(t, err, &verr)
		})
	}
}

func TestSubmitClaimSettlementFailureSurfaces(t *testing.T) {
	f := newFixture(t)
	f.settler.err = claims.ErrSettlementExhausted

	_, err := f.engine.SubmitClaim(context.Background(), submission("alice"))
	require.ErrorIs(t, err, claims.ErrSettlementExhausted)
}

func TestSubmitClaimPendingManualSettlementState(t *testing.T) {
	f := newFixture(t)
	f.settler.pendingManual = true

	res, err := f.engine.SubmitClaim(context.Background(), submission("alice"))
	require.NoError(t, err)
	require.Equal(t, claims.SettlementPending, res.Settlement.Status)

	stored, err := f.store.GetClaim(context.Background(), res.Claim.ID)
	require.NoError(t, err)
	require.Equal(t, claims.SettlementStatePending, stored.SettlementState)
}

func TestCurrentStreakFromHistory(t *testing.T) {
	f := newFixture(t)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	f.engine.now = func() time.Time { return now }

	for days := 1; days <= 6; days++ {
		require.NoError(t, f.store.AppendTransaction(context.Background(), &claims.Transaction{
			OwnerID:   "dana",
			Kind:      claims.TxKindReward,
			Amount:    amount.MustParse("1"),
			CreatedAt: now.AddDate(0, 0, -days),
		}))
	}

	streak, err := f.engine.currentStreak(context.Background(), "dana")
	require.NoError(t, err)
	require.Equal(t, 6, streak, "six consecutive days ending yesterday")

	// A gap two days back resets the run.
	f.store.mu.Lock()
	f.store.txs = nil
	f.store.mu.Unlock()
	require.NoError(t, f.store.AppendTransaction(context.Background(), &claims.Transaction{
		OwnerID:   "dana",
		Kind:      claims.TxKindReward,
		Amount:    amount.MustParse("1"),
		CreatedAt: now.AddDate(0, 0, -3),
	}))
	streak, err = f.engine.currentStreak(context.Background(), "dana")
	require.NoError(t, err)
	require.Zero(t, streak)
}
