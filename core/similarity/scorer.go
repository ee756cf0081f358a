package similarity

import (
	"recircle/core/amount"
	"recircle/core/claims"
)

// Factor names a signal that contributed to a similarity score.
type Factor string

const (
	FactorFingerprint Factor = "media_fingerprint"
	FactorMerchant    Factor = "same_merchant"
	FactorAmount      Factor = "amount_within_tolerance"
	FactorSameDay     Factor = "same_calendar_day"
	FactorExactRepeat Factor = "recurring_exact_repeat"
)

// FingerprintScore is the score assigned to an identical proof-media
// fingerprint. It is always a duplicate, regardless of category.
const FingerprintScore = 100

// Weights holds the per-factor point values for one category class.
type Weights struct {
	Merchant int `yaml:"merchant"`
	Amount   int `yaml:"amount"`
	SameDay  int `yaml:"same_day"`
}

func (w Weights) isZero() bool {
	return w.Merchant == 0 && w.Amount == 0 && w.SameDay == 0
}

// Policy carries the tunable scoring knobs. Thresholds and weights are
// operator policy, not a hard contract.
type Policy struct {
	// DuplicateThreshold is the score at or above which a prior claim is
	// treated as a duplicate.
	DuplicateThreshold int
	// AmountTolerance is the maximum absolute difference for two amounts
	// to count as matching.
	AmountTolerance amount.Amount
	// DefaultWeights apply to categories that do not plausibly recur
	// within a day.
	DefaultWeights Weights
	// RecurringWeights apply to categories flagged as recurring, where
	// legitimate repeat usage is expected.
	RecurringWeights Weights
	// RecurringRepeatScore is assigned when a recurring-category claim
	// matches a prior claim on every factor including the exact
	// occurrence time. A same-day repeat at a different time never
	// reaches it.
	RecurringRepeatScore int
	// RecurringCategories flags the categories that use the lenient
	// weights.
	RecurringCategories map[claims.Category]bool
}

// Normalize fills zero fields with defaults and returns the policy.
func (p Policy) Normalize() Policy {
	if p.DuplicateThreshold <= 0 {
		p.DuplicateThreshold = 90
	}
	if p.AmountTolerance.IsZero() {
		p.AmountTolerance = amount.MustParse("0.1")
	}
	if p.DefaultWeights.isZero() {
		p.DefaultWeights = Weights{Merchant: 40, Amount: 30, SameDay: 20}
	}
	if p.RecurringWeights.isZero() {
		p.RecurringWeights = Weights{Merchant: 15, Amount: 10, SameDay: 5}
	}
	if p.RecurringRepeatScore <= 0 {
		p.RecurringRepeatScore = 95
	}
	if p.RecurringCategories == nil {
		p.RecurringCategories = map[claims.Category]bool{}
	}
	return p
}

// Score is the duplicate likelihood of one prior claim, 0-100, with the
// factors that fired.
type Score struct {
	PriorClaimID string
	Points       int
	Factors      []Factor
}

// Match reports the prior claim that pushed a candidate over the duplicate
// threshold.
type Match struct {
	Score
}

// Scorer computes duplicate-likelihood scores. It is pure and safe for
// concurrent use.
type Scorer struct {
	policy Policy
}

// NewScorer constructs a scorer with the supplied policy, applying defaults
// for unset fields.
func NewScorer(policy Policy) *Scorer {
	return &Scorer{policy: policy.Normalize()}
}

// Policy returns the normalized policy in effect.
func (s *Scorer) Policy() Policy {
	return s.policy
}

// Score compares a candidate claim against one prior claim.
func (s *Scorer) Score(candidate, prior *claims.Claim) Score {
	out := Score{PriorClaimID: prior.ID}
	if candidate.MediaFingerprint != "" && candidate.MediaFingerprint == prior.MediaFingerprint {
		out.Points = FingerprintScore
		out.Factors = append(out.Factors, FactorFingerprint)
		return out
	}

	recurring := s.policy.RecurringCategories[candidate.AICategory]
	weights := s.policy.DefaultWeights
	if recurring {
		weights = s.policy.RecurringWeights
	}

	sameMerchant := candidate.MerchantRef != "" && candidate.MerchantRef == prior.MerchantRef
	diff := candidate.Amount.Sub(prior.Amount)
	if diff.Sign() < 0 {
		diff = prior.Amount.Sub(candidate.Amount)
	}
	amountClose := diff.Cmp(s.policy.AmountTolerance) <= 0
	sameDay := sameCalendarDay(candidate, prior)

	if sameMerchant {
		out.Points += weights.Merchant
		out.Factors = append(out.Factors, FactorMerchant)
	}
	if amountClose {
		out.Points += weights.Amount
		out.Factors = append(out.Factors, FactorAmount)
	}
	if sameDay {
		out.Points += weights.SameDay
		out.Factors = append(out.Factors, FactorSameDay)
	}

	// Lenient categories legitimately repeat within a day. Only a literal
	// resubmission of the same occurrence escalates.
	if recurring && sameMerchant && amountClose && sameDay &&
		candidate.OccurredAt.Equal(prior.OccurredAt) {
		out.Points = s.policy.RecurringRepeatScore
		out.Factors = append(out.Factors, FactorExactRepeat)
	}
	if out.Points > FingerprintScore {
		out.Points = FingerprintScore
	}
	return out
}

// Evaluate scores the candidate against every prior claim and reports the
// highest-scoring duplicate, if any crosses the threshold.
func (s *Scorer) Evaluate(candidate *claims.Claim, priors []*claims.Claim) (*Match, bool) {
	var best *Match
	for _, prior := range priors {
		if prior == nil || prior.ID == candidate.ID {
			continue
		}
		score := s.Score(candidate, prior)
		if score.Points < s.policy.DuplicateThreshold {
			continue
		}
		if best == nil || score.Points > best.Points {
			best = &Match{Score: score}
		}
	}
	return best, best != nil
}

func sameCalendarDay(a, b *claims.Claim) bool {
	ay, am, ad := a.OccurredAt.UTC().Date()
	by, bm, bd := b.OccurredAt.UTC().Date()
	return ay == by && am == bm && ad == bd
}
