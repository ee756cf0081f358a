package rewards

import (
	"fmt"
	"math/big"

	"recircle/core/amount"
	"recircle/core/claims"
)

// OwnerShareNumerator / splitDenominator encode the 70/30 sustainability
// split. The platform share is truncated to one decimal and any rounding
// remainder lands on the owner share, so the two always sum to the total.
const (
	OwnerShareNumerator    = 7
	PlatformShareNumerator = 3
	splitDenominator       = 10
)

// BaseRule maps a claim amount to its base reward:
// clamp(floor(amount/Divisor), Min, Max), all in whole tokens.
type BaseRule struct {
	Divisor int64 `yaml:"divisor"`
	Min     int64 `yaml:"min"`
	Max     int64 `yaml:"max"`
}

// Bonus is one additive flat bonus. Fixed bonuses bypass the 70/30 split and
// are paid to the owner in full.
type Bonus struct {
	Amount amount.Amount
	Fixed  bool
}

// Config carries the reward tables.
type Config struct {
	// BaseRules is the per-category base reward table.
	BaseRules map[claims.Category]BaseRule
	// DefaultBase applies to categories missing from the table.
	DefaultBase BaseRule
	// ChannelBonuses maps qualifying payment channels to flat bonuses,
	// each applied at most once.
	ChannelBonuses map[string]amount.Amount
	// AchievementBonuses is the fixed bonus table by achievement kind.
	AchievementBonuses map[claims.AchievementKind]Bonus
	// StreakStepTenths and StreakCapTenths bound the streak multiplier:
	// 1 + min(step*streak, cap), expressed in tenths.
	StreakStepTenths int64
	StreakCapTenths  int64
}

// Normalize fills zero fields with defaults and returns the config.
func (c Config) Normalize() Config {
	if c.DefaultBase.Divisor <= 0 {
		c.DefaultBase = BaseRule{Divisor: 3, Min: 1, Max: 8}
	}
	if c.BaseRules == nil {
		c.BaseRules = map[claims.Category]BaseRule{}
	}
	if c.ChannelBonuses == nil {
		c.ChannelBonuses = map[string]amount.Amount{}
	}
	if c.AchievementBonuses == nil {
		c.AchievementBonuses = map[claims.AchievementKind]Bonus{}
	}
	if c.StreakStepTenths <= 0 {
		c.StreakStepTenths = 1
	}
	if c.StreakCapTenths <= 0 {
		c.StreakCapTenths = 5
	}
	return c
}

// Input bundles everything the calculator needs for one claim. The achievement
// kinds must already be confirmed first-time grants by the achievement ledger.
type Input struct {
	Claim                *claims.Claim
	FirstClaim           bool
	ConsecutiveDayStreak int
	PaymentChannels      []string
	Achievements         []claims.AchievementKind
}

// Calculator computes reward breakdowns. Pure and safe for concurrent use.
type Calculator struct {
	cfg Config
}

// NewCalculator constructs a calculator with the supplied tables.
func NewCalculator(cfg Config) *Calculator {
	return &Calculator{cfg: cfg.Normalize()}
}

// Config returns the normalized configuration in effect.
func (c *Calculator) Config() Config {
	return c.cfg
}

// Compute derives the full reward breakdown for one claim.
func (c *Calculator) Compute(in Input) (claims.RewardBreakdown, error) {
	if in.Claim == nil {
		return claims.RewardBreakdown{}, fmt.Errorf("rewards: claim required")
	}
	breakdown := claims.RewardBreakdown{ClaimID: in.Claim.ID}

	breakdown.BaseAmount = c.baseAmount(in.Claim)
	breakdown.StreakMultiplier = c.streakMultiplier(in)
	breakdown.PaymentBonus = c.paymentBonus(in.PaymentChannels)

	fixed := amount.Zero()
	for _, kind := range dedupeKinds(in.Achievements) {
		bonus, ok := c.cfg.AchievementBonuses[kind]
		if !ok {
			continue
		}
		breakdown.AchievementBonus = breakdown.AchievementBonus.Add(bonus.Amount)
		if bonus.Fixed {
			fixed = fixed.Add(bonus.Amount)
		}
	}

	splitTotal := breakdown.BaseAmount.
		Mul(breakdown.StreakMultiplier).
		Add(breakdown.PaymentBonus).
		Add(breakdown.AchievementBonus).
		Sub(fixed).
		Round(1)

	owner, platform := Split(splitTotal)
	breakdown.OwnerShare = owner.Add(fixed)
	breakdown.PlatformShare = platform
	return breakdown, nil
}

// Split divides a pre-split total 70/30. The platform share is truncated to
// one decimal place and the remainder is assigned to the owner share, so
// owner + platform equals the total exactly for any input.
func Split(total amount.Amount) (owner, platform amount.Amount) {
	platform = total.MulRat(PlatformShareNumerator, splitDenominator).Truncate(1)
	owner = total.Sub(platform)
	return owner, platform
}

func (c *Calculator) baseAmount(claim *claims.Claim) amount.Amount {
	rule, ok := c.cfg.BaseRules[claim.AICategory]
	if !ok {
		rule = c.cfg.DefaultBase
	}
	if rule.Divisor <= 0 {
		rule.Divisor = 1
	}
	base := claim.Amount.MulRat(1, rule.Divisor).Truncate(0)
	minimum := amount.FromInt(rule.Min)
	maximum := amount.FromInt(rule.Max)
	if base.Cmp(minimum) < 0 {
		base = minimum
	}
	if rule.Max > 0 && base.Cmp(maximum) > 0 {
		base = maximum
	}
	return base
}

// streakMultiplier never inflates a first-ever claim: a stale streak counter
// on a fresh account must not multiply the reward.
func (c *Calculator) streakMultiplier(in Input) amount.Amount {
	if in.FirstClaim || in.ConsecutiveDayStreak <= 0 {
		return amount.FromInt(1)
	}
	tenths := c.cfg.StreakStepTenths * int64(in.ConsecutiveDayStreak)
	if tenths > c.cfg.StreakCapTenths {
		tenths = c.cfg.StreakCapTenths
	}
	mult := new(big.Rat).Add(big.NewRat(1, 1), big.NewRat(tenths, 10))
	return amount.MustParse(mult.RatString())
}

func (c *Calculator) paymentBonus(channels []string) amount.Amount {
	total := amount.Zero()
	seen := make(map[string]bool, len(channels))
	for _, channel := range channels {
		if seen[channel] {
			continue
		}
		seen[channel] = true
		if bonus, ok := c.cfg.ChannelBonuses[channel]; ok {
			total = total.Add(bonus)
		}
	}
	return total
}

func dedupeKinds(kinds []claims.AchievementKind) []claims.AchievementKind {
	out := make([]claims.AchievementKind, 0, len(kinds))
	seen := make(map[claims.AchievementKind]bool, len(kinds))
	for _, kind := range kinds {
		if seen[kind] {
			continue
		}
		seen[kind] = true
		out = append(out, kind)
	}
	return out
}
