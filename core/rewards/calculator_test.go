package rewards

import (
	"testing"

	"recircle/core/amount"
	"recircle/core/claims"
)

func testConfig() Config {
	return Config{
		BaseRules: map[claims.Category]BaseRule{
			"thrift_store": {Divisor: 3, Min: 2, Max: 8},
			"ride_share":   {Divisor: 5, Min: 1, Max: 5},
		},
		ChannelBonuses: map[string]amount.Amount{
			"contactless":  amount.MustParse("0.5"),
			"partner_card": amount.MustParse("1"),
		},
		AchievementBonuses: map[claims.AchievementKind]Bonus{
			claims.AchievementFirstClaim:     {Amount: amount.MustParse("10"), Fixed: true},
			claims.AchievementWeekLongStreak: {Amount: amount.MustParse("2")},
		},
	}
}

func makeClaim(amt string, cat claims.Category) *claims.Claim {
	return &claims.Claim{ID: "claim-1", OwnerID: "owner-1", Amount: amount.MustParse(amt), AICategory: cat}
}

func TestSplitExact(t *testing.T) {
	for _, total := range []string{"0.1", "8.3", "99.95", "123.456"} {
		parsed := amount.MustParse(total)
		owner, platform := Split(parsed)
		if owner.Add(platform).Cmp(parsed) != 0 {
			t.Fatalf("split %s leaks: owner %s + platform %s", total, owner, platform)
		}
		if owner.Sign() < 0 || platform.Sign() < 0 {
			t.Fatalf("split %s produced negative share", total)
		}
	}
}

func TestSplitSeventyThirty(t *testing.T) {
	owner, platform := Split(amount.MustParse("8"))
	if owner.String() != "5.6" || platform.String() != "2.4" {
		t.Fatalf("split 8 = %s/%s, want 5.6/2.4", owner, platform)
	}
}

func TestFirstClaimScenario(t *testing.T) {
	calc := NewCalculator(testConfig())
	breakdown, err := calc.Compute(Input{
		Claim:      makeClaim("25.00", "thrift_store"),
		FirstClaim: true,
		// Stale counter from a previous import must not inflate the
		// first-ever claim.
		ConsecutiveDayStreak: 4,
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := breakdown.BaseAmount.String(); got != "8" {
		t.Fatalf("base = %s, want 8", got)
	}
	if got := breakdown.StreakMultiplier.String(); got != "1" {
		t.Fatalf("multiplier = %s, want 1", got)
	}
	if got := breakdown.OwnerShare.String(); got != "5.6" {
		t.Fatalf("owner share = %s, want 5.6", got)
	}
	if got := breakdown.PlatformShare.String(); got != "2.4" {
		t.Fatalf("platform share = %s, want 2.4", got)
	}
}

func TestStreakMultiplier(t *testing.T) {
	calc := NewCalculator(testConfig())
	cases := []struct {
		streak int
		want   string
	}{
		{0, "1"},
		{1, "1.1"},
		{3, "1.3"},
		{5, "1.5"},
		{12, "1.5"}, // capped
	}
	for _, tc := range cases {
		breakdown, err := calc.Compute(Input{
			Claim:                makeClaim("25.00", "thrift_store"),
			ConsecutiveDayStreak: tc.streak,
		})
		if err != nil {
			t.Fatal(err)
		}
		if got := breakdown.StreakMultiplier.String(); got != tc.want {
			t.Fatalf("streak %d: multiplier = %s, want %s", tc.streak, got, tc.want)
		}
	}
}

func TestBaseClamping(t *testing.T) {
	calc := NewCalculator(testConfig())
	cases := []struct {
		amt  string
		cat  claims.Category
		want string
	}{
		{"2.00", "thrift_store", "2"},   // floor(0.66) clamped up to min
		{"25.00", "thrift_store", "8"},  // floor(8.33) at max
		{"100.00", "thrift_store", "8"}, // clamped to max
		{"12.00", "ride_share", "2"},
		{"7.00", "unlisted_category", "2"}, // default table
	}
	for _, tc := range cases {
		breakdown, err := calc.Compute(Input{Claim: makeClaim(tc.amt, tc.cat)})
		if err != nil {
			t.Fatal(err)
		}
		if got := breakdown.BaseAmount.String(); got != tc.want {
			t.Fatalf("%s %s: base = %s, want %s", tc.cat, tc.amt, got, tc.want)
		}
	}
}

func TestPaymentBonusesAppliedOnce(t *testing.T) {
	calc := NewCalculator(testConfig())
	breakdown, err := calc.Compute(Input{
		Claim:           makeClaim("25.00", "thrift_store"),
		FirstClaim:      true,
		PaymentChannels: []string{"contactless", "contactless", "partner_card", "cash"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := breakdown.PaymentBonus.String(); got != "1.5" {
		t.Fatalf("payment bonus = %s, want 1.5", got)
	}
	total := breakdown.Total()
	if breakdown.OwnerShare.Add(breakdown.PlatformShare).Cmp(total) != 0 {
		t.Fatalf("shares %s + %s do not sum to total %s",
			breakdown.OwnerShare, breakdown.PlatformShare, total)
	}
}

func TestFixedAchievementBypassesSplit(t *testing.T) {
	calc := NewCalculator(testConfig())
	breakdown, err := calc.Compute(Input{
		Claim:        makeClaim("25.00", "thrift_store"),
		FirstClaim:   true,
		Achievements: []claims.AchievementKind{claims.AchievementFirstClaim},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := breakdown.AchievementBonus.String(); got != "10" {
		t.Fatalf("achievement bonus = %s, want 10", got)
	}
	// Base 8 splits 5.6/2.4; the fixed 10 lands wholly on the owner.
	if got := breakdown.OwnerShare.String(); got != "15.6" {
		t.Fatalf("owner share = %s, want 15.6", got)
	}
	if got := breakdown.PlatformShare.String(); got != "2.4" {
		t.Fatalf("platform share = %s, want 2.4", got)
	}
	if breakdown.OwnerShare.Add(breakdown.PlatformShare).Cmp(breakdown.Total()) != 0 {
		t.Fatal("share sum invariant violated")
	}
}

func TestSplitAchievementIsShared(t *testing.T) {
	calc := NewCalculator(testConfig())
	breakdown, err := calc.Compute(Input{
		Claim:                makeClaim("25.00", "thrift_store"),
		ConsecutiveDayStreak: 2,
		Achievements:         []claims.AchievementKind{claims.AchievementWeekLongStreak},
	})
	if err != nil {
		t.Fatal(err)
	}
	// 8 * 1.2 + 2 = 11.6; platform = trunc1(3.48) = 3.4, owner = 8.2.
	if got := breakdown.PlatformShare.String(); got != "3.4" {
		t.Fatalf("platform share = %s, want 3.4", got)
	}
	if got := breakdown.OwnerShare.String(); got != "8.2" {
		t.Fatalf("owner share = %s, want 8.2", got)
	}
}
