// Package rewardd wires the reward engine into a runnable service: YAML
// configuration, the vision classifier client, the review sink webhook, the
// daily quota checker, and the operator HTTP surface.
package rewardd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"recircle/core/amount"
	"recircle/core/claims"
	"recircle/core/review"
	"recircle/core/rewards"
	"recircle/core/similarity"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for rewardd.
type Config struct {
	ListenAddress   string           `yaml:"listen"`
	Environment     string           `yaml:"environment"`
	DatabasePath    string           `yaml:"database"`
	PlatformAddress string           `yaml:"platform_address"`
	PauseOnStart    bool             `yaml:"pause"`
	TierTimeout     Duration         `yaml:"tier_timeout"`
	Quota           QuotaConfig      `yaml:"quota"`
	Classifier      ClassifierConfig `yaml:"classifier"`
	ReviewSink      SinkConfig       `yaml:"review_sink"`
	Wallets         WalletsConfig    `yaml:"wallets"`
	Referral        ReferralConfig   `yaml:"referral"`
	Policies        PoliciesConfig   `yaml:"policies"`
	Admin           AdminConfig      `yaml:"admin"`
}

// QuotaConfig bounds rewarded submissions per owner per day.
type QuotaConfig struct {
	DailyLimit int `yaml:"daily_limit"`
}

// ClassifierConfig points at the vision classifier endpoint. The classifier
// is advisory; the service stays up when it is unreachable.
type ClassifierConfig struct {
	Endpoint string   `yaml:"endpoint"`
	Timeout  Duration `yaml:"timeout"`
}

// SinkConfig configures the human review webhook.
type SinkConfig struct {
	Endpoint    string   `yaml:"endpoint"`
	BearerToken string   `yaml:"bearer_token"`
	Timeout     Duration `yaml:"timeout"`
	MaxRetries  int      `yaml:"max_retries"`
	RatePerSec  float64  `yaml:"rate_per_sec"`
	Burst       int      `yaml:"burst"`
}

// WalletsConfig carries the on-chain settlement backends. A backend with an
// empty RPC URL is disabled.
type WalletsConfig struct {
	Direct  WalletConfig `yaml:"direct"`
	Pool    WalletConfig `yaml:"pool"`
	Sandbox WalletConfig `yaml:"sandbox"`
}

// WalletConfig describes one token wallet.
type WalletConfig struct {
	RPCURL     string `yaml:"rpc_url"`
	PrivateKey string `yaml:"private_key"`
	KeyEnv     string `yaml:"key_env"`
	Contract   string `yaml:"contract"`
	ChainID    int64  `yaml:"chain_id"`
	Decimals   uint8  `yaml:"decimals"`
}

// ReferralConfig configures the dependent referral payout.
type ReferralConfig struct {
	RewardAmount    string `yaml:"reward_amount"`
	PlatformOwnerID string `yaml:"platform_owner"`
}

// PoliciesConfig carries the decision tables. Zero values fall back to the
// defaults each component normalises in.
type PoliciesConfig struct {
	Similarity SimilarityPolicy `yaml:"similarity"`
	Review     ReviewPolicy     `yaml:"review"`
	Rewards    RewardsPolicy    `yaml:"rewards"`
}

// SimilarityPolicy is the YAML shape of the duplicate scoring policy.
type SimilarityPolicy struct {
	DuplicateThreshold  int      `yaml:"duplicate_threshold"`
	AmountTolerance     string   `yaml:"amount_tolerance"`
	RecurringCategories []string `yaml:"recurring_categories"`
}

// ReviewPolicy is the YAML shape of the review routing policy.
type ReviewPolicy struct {
	DefaultThreshold       float64  `yaml:"default_threshold"`
	TrustedThreshold       float64  `yaml:"trusted_threshold"`
	TrustedMerchants       []string `yaml:"trusted_merchants"`
	AlwaysManualCategories []string `yaml:"always_manual_categories"`
	RejectOnQuota          bool     `yaml:"reject_on_quota_exhausted"`
}

// RewardsPolicy is the YAML shape of the reward tables.
type RewardsPolicy struct {
	BaseRules        map[string]rewards.BaseRule `yaml:"base_rules"`
	ChannelBonuses   map[string]string           `yaml:"channel_bonuses"`
	AchievementBonus map[string]Bonus            `yaml:"achievement_bonuses"`
	StreakStepTenths int64                       `yaml:"streak_step_tenths"`
	StreakCapTenths  int64                       `yaml:"streak_cap_tenths"`
}

// Bonus is one achievement bonus row.
type Bonus struct {
	Amount string `yaml:"amount"`
	Fixed  bool   `yaml:"fixed"`
}

// AdminConfig captures security settings for the operator endpoints.
type AdminConfig struct {
	BearerToken     string `yaml:"bearer_token"`
	BearerTokenFile string `yaml:"bearer_token_file"`
}

// LoadConfig reads configuration from the supplied path.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Admin.normalise(); err != nil {
		return cfg, fmt.Errorf("admin security: %w", err)
	}
	if err := resolveWalletKeys(&cfg.Wallets); err != nil {
		return cfg, err
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7480"
	}
	if cfg.Environment == "" {
		cfg.Environment = "dev"
	}
	if cfg.TierTimeout.Duration == 0 {
		cfg.TierTimeout.Duration = 30 * time.Second
	}
	if cfg.Quota.DailyLimit <= 0 {
		cfg.Quota.DailyLimit = 10
	}
	if cfg.Classifier.Timeout.Duration == 0 {
		cfg.Classifier.Timeout.Duration = 5 * time.Second
	}
	if cfg.ReviewSink.Timeout.Duration == 0 {
		cfg.ReviewSink.Timeout.Duration = 10 * time.Second
	}
	if cfg.ReviewSink.MaxRetries <= 0 {
		cfg.ReviewSink.MaxRetries = 4
	}
	if cfg.ReviewSink.RatePerSec <= 0 {
		cfg.ReviewSink.RatePerSec = 5
	}
	if cfg.ReviewSink.Burst <= 0 {
		cfg.ReviewSink.Burst = 10
	}
	if cfg.Referral.PlatformOwnerID == "" {
		cfg.Referral.PlatformOwnerID = "platform"
	}
}

func validateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.DatabasePath) == "" {
		return fmt.Errorf("database path must be configured")
	}
	if strings.TrimSpace(cfg.PlatformAddress) == "" {
		return fmt.Errorf("platform_address must be configured")
	}
	if cfg.Admin.BearerToken == "" {
		return fmt.Errorf("configure admin bearer_token for operator endpoints")
	}
	if cfg.IsProduction() && cfg.Wallets.Sandbox.RPCURL != "" {
		return fmt.Errorf("sandbox wallet must not be configured in production")
	}
	return nil
}

// IsProduction reports whether the configured environment is a production
// deployment. The sandbox settlement tier only exists outside production.
func (c Config) IsProduction() bool {
	switch strings.ToLower(strings.TrimSpace(c.Environment)) {
	case "production", "prod":
		return true
	}
	return false
}

func (c *AdminConfig) normalise() error {
	if c == nil {
		return fmt.Errorf("admin configuration missing")
	}
	c.BearerToken = strings.TrimSpace(c.BearerToken)
	if c.BearerToken != "" {
		return nil
	}
	if c.BearerTokenFile == "" {
		return nil
	}
	raw, err := os.ReadFile(c.BearerTokenFile)
	if err != nil {
		return fmt.Errorf("read bearer_token_file: %w", err)
	}
	c.BearerToken = strings.TrimSpace(string(raw))
	if c.BearerToken == "" {
		return fmt.Errorf("bearer_token_file %s is empty", c.BearerTokenFile)
	}
	return nil
}

func resolveWalletKeys(wallets *WalletsConfig) error {
	for name, wallet := range map[string]*WalletConfig{
		"direct": &wallets.Direct, "pool": &wallets.Pool, "sandbox": &wallets.Sandbox,
	} {
		if wallet.RPCURL == "" || wallet.PrivateKey != "" || wallet.KeyEnv == "" {
			continue
		}
		value := strings.TrimSpace(os.Getenv(wallet.KeyEnv))
		if value == "" {
			return fmt.Errorf("%s wallet key_env %s is empty", name, wallet.KeyEnv)
		}
		wallet.PrivateKey = value
	}
	return nil
}

// SimilarityPolicyTable materialises the configured duplicate scoring policy.
func (p PoliciesConfig) SimilarityPolicyTable() (similarity.Policy, error) {
	policy := similarity.Policy{
		DuplicateThreshold: p.Similarity.DuplicateThreshold,
	}
	if raw := strings.TrimSpace(p.Similarity.AmountTolerance); raw != "" {
		tolerance, err := amount.Parse(raw)
		if err != nil {
			return policy, fmt.Errorf("amount_tolerance: %w", err)
		}
		policy.AmountTolerance = tolerance
	}
	if len(p.Similarity.RecurringCategories) > 0 {
		policy.RecurringCategories = make(map[claims.Category]bool, len(p.Similarity.RecurringCategories))
		for _, cat := range p.Similarity.RecurringCategories {
			policy.RecurringCategories[claims.Category(cat)] = true
		}
	}
	return policy, nil
}

// ReviewPolicyTable materialises the configured review routing policy.
func (p PoliciesConfig) ReviewPolicyTable() review.Policy {
	policy := review.Policy{
		DefaultThreshold:       p.Review.DefaultThreshold,
		TrustedThreshold:       p.Review.TrustedThreshold,
		RejectOnQuotaExhausted: p.Review.RejectOnQuota,
	}
	if len(p.Review.TrustedMerchants) > 0 {
		policy.TrustedMerchants = make(map[string]bool, len(p.Review.TrustedMerchants))
		for _, merchant := range p.Review.TrustedMerchants {
			policy.TrustedMerchants[strings.ToLower(strings.TrimSpace(merchant))] = true
		}
	}
	if len(p.Review.AlwaysManualCategories) > 0 {
		policy.AlwaysManualCategories = make(map[claims.Category]bool, len(p.Review.AlwaysManualCategories))
		for _, cat := range p.Review.AlwaysManualCategories {
			policy.AlwaysManualCategories[claims.Category(cat)] = true
		}
	}
	return policy
}

// RewardsConfigTable materialises the configured reward tables.
func (p PoliciesConfig) RewardsConfigTable() (rewards.Config, error) {
	cfg := rewards.Config{
		StreakStepTenths: p.Rewards.StreakStepTenths,
		StreakCapTenths:  p.Rewards.StreakCapTenths,
	}
	if len(p.Rewards.BaseRules) > 0 {
		cfg.BaseRules = make(map[claims.Category]rewards.BaseRule, len(p.Rewards.BaseRules))
		for cat, rule := range p.Rewards.BaseRules {
			cfg.BaseRules[claims.Category(cat)] = rule
		}
	}
	if len(p.Rewards.ChannelBonuses) > 0 {
		cfg.ChannelBonuses = make(map[string]amount.Amount, len(p.Rewards.ChannelBonuses))
		for channel, raw := range p.Rewards.ChannelBonuses {
			bonus, err := amount.Parse(raw)
			if err != nil {
				return cfg, fmt.Errorf("channel bonus %s: %w", channel, err)
			}
			cfg.ChannelBonuses[channel] = bonus
		}
	}
	if len(p.Rewards.AchievementBonus) > 0 {
		cfg.AchievementBonuses = make(map[claims.AchievementKind]rewards.Bonus, len(p.Rewards.AchievementBonus))
		for kind, bonus := range p.Rewards.AchievementBonus {
			parsed, err := amount.Parse(bonus.Amount)
			if err != nil {
				return cfg, fmt.Errorf("achievement bonus %s: %w", kind, err)
			}
			cfg.AchievementBonuses[claims.AchievementKind(kind)] = rewards.Bonus{Amount: parsed, Fixed: bonus.Fixed}
		}
	}
	return cfg, nil
}

// ReferralReward parses the configured referral reward amount. Empty falls
// back to the referral engine default.
func (c ReferralConfig) ReferralReward() (amount.Amount, error) {
	if strings.TrimSpace(c.RewardAmount) == "" {
		return amount.Zero(), nil
	}
	return amount.Parse(c.RewardAmount)
}
