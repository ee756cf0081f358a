package rewardd

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"recircle/core/review"
	"recircle/core/rewards"
	"recircle/core/similarity"
	"recircle/engine"
	"recircle/native/achievements"
	"recircle/native/referral"
	"recircle/observability/logging"
	"recircle/settlement"
	"recircle/settlement/wallet"
	"recircle/storage"
)

// Main initialises and runs the reward daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/rewardd/config.yaml", "path to rewardd configuration")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("RECIRCLE_ENV"))
	logging.Setup("rewardd", env)

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	store, err := storage.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer func() { _ = store.Close() }()

	backends, closeWallets, err := buildBackends(cfg)
	if err != nil {
		return fmt.Errorf("configure wallets: %w", err)
	}
	defer closeWallets()

	dispatcher := settlement.NewDispatcher(store, backends, cfg.PlatformAddress,
		settlement.WithTierTimeout(cfg.TierTimeout.Duration))
	if cfg.PauseOnStart {
		dispatcher.Pause()
	}

	simPolicy, err := cfg.Policies.SimilarityPolicyTable()
	if err != nil {
		return fmt.Errorf("similarity policy: %w", err)
	}
	rewardsCfg, err := cfg.Policies.RewardsConfigTable()
	if err != nil {
		return fmt.Errorf("reward tables: %w", err)
	}
	referralReward, err := cfg.Referral.ReferralReward()
	if err != nil {
		return fmt.Errorf("referral reward: %w", err)
	}

	// Owner ids double as payout addresses until an account directory
	// exists. TODO: replace with the identity service lookup once its
	// address API ships.
	resolve := func(_ context.Context, ownerID string) (string, error) {
		return ownerID, nil
	}

	referrals := referral.NewEngine(referral.Config{
		RewardAmount:    referralReward,
		PlatformOwnerID: cfg.Referral.PlatformOwnerID,
	}, store, dispatcher, resolve)

	eng := engine.New(engine.Deps{
		Store:      store,
		Scorer:     similarity.NewScorer(simPolicy),
		Router:     review.NewRouter(cfg.Policies.ReviewPolicyTable()),
		Calculator: rewards.NewCalculator(rewardsCfg),
		Ledger:     achievements.NewLedger(store),
		Settler:    dispatcher,
		Referrals:  referrals,
		Quota:      NewDailyQuota(store, cfg.Quota.DailyLimit, nil),
		Sink:       NewWebhookSink(cfg.ReviewSink, slog.Default()),
		Resolve:    resolve,
	})

	server := NewServer(eng, store, dispatcher, NewClassifier(cfg.Classifier), cfg.Admin.BearerToken, slog.Default())

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("rewardd listening", "addr", cfg.ListenAddress, "environment", cfg.Environment)
	return server.Run(stopCtx, cfg.ListenAddress)
}

// buildBackends constructs the settlement chain from the configured wallets.
// Unconfigured wallets simply drop out of the chain, and the sandbox wallet
// is never built in production.
func buildBackends(cfg Config) ([]settlement.Backend, func(), error) {
	var closers []func()
	closeAll := func() {
		for _, fn := range closers {
			fn()
		}
	}

	wallets := cfg.Wallets
	var direct, pool, sandbox settlement.Backend
	if wallets.Direct.RPCURL != "" {
		w, err := wallet.NewERC20Wallet(wallet.Config{
			RPCURL: wallets.Direct.RPCURL, PrivateKey: wallets.Direct.PrivateKey,
			Contract: wallets.Direct.Contract, ChainID: wallets.Direct.ChainID, Decimals: wallets.Direct.Decimals,
		})
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("direct wallet: %w", err)
		}
		closers = append(closers, w.Close)
		direct = settlement.NewLedgerDirect(w)
	}
	if wallets.Pool.RPCURL != "" {
		w, err := wallet.NewPoolWallet(wallet.Config{
			RPCURL: wallets.Pool.RPCURL, PrivateKey: wallets.Pool.PrivateKey,
			Contract: wallets.Pool.Contract, ChainID: wallets.Pool.ChainID, Decimals: wallets.Pool.Decimals,
		})
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("pool wallet: %w", err)
		}
		closers = append(closers, w.Close)
		pool = settlement.NewTreasuryPool(w)
	}
	if wallets.Sandbox.RPCURL != "" && !cfg.IsProduction() {
		w, err := wallet.NewERC20Wallet(wallet.Config{
			RPCURL: wallets.Sandbox.RPCURL, PrivateKey: wallets.Sandbox.PrivateKey,
			Contract: wallets.Sandbox.Contract, ChainID: wallets.Sandbox.ChainID, Decimals: wallets.Sandbox.Decimals,
		})
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("sandbox wallet: %w", err)
		}
		closers = append(closers, w.Close)
		sandbox = settlement.NewSandboxNode(w)
	}

	return settlement.Chain(direct, pool, sandbox), closeAll, nil
}
