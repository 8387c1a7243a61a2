package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"dextrack/internal/domain"
	"dextrack/internal/infra"
	"dextrack/internal/ledger"
	"dextrack/internal/storage"
	"dextrack/internal/tracker"
)

// Bootstrap orchestrates the service startup sequence and owns the
// long-lived collaborators: store, ledger client and tracker registry.
type Bootstrap struct {
	Config   *infra.Config
	Store    *storage.Store
	Ledger   *ledger.Client
	Registry *tracker.Registry
}

// NewBootstrap creates a new Bootstrap instance.
func NewBootstrap() *Bootstrap {
	return &Bootstrap{}
}

// Initialize loads config and constructs the shared collaborators.
func (b *Bootstrap) Initialize(ctx context.Context) error {
	slog.Info("🚀 Bootstrapping dextrack...")

	configPath := os.Getenv("DEXTRACK_CONFIG")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := infra.LoadConfig(configPath)
	if err != nil {
		return err
	}
	b.Config = cfg

	slog.SetDefault(infra.NewLogger(cfg))

	store, err := storage.NewStore(cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open order store: %w", err)
	}
	b.Store = store
	slog.Info("✅ Order store initialized (WAL-mode)", "path", cfg.Storage.DBPath)

	limiter := infra.NewRateLimiter(cfg.Ledger.RPCBurst, cfg.Ledger.RPCPerSecond)
	b.Ledger = ledger.NewClient(cfg.Ledger.NodeWSURL, limiter)
	b.Ledger.Start(ctx)
	slog.Info("✅ Ledger client started", "url", cfg.Ledger.NodeWSURL)

	registry, err := tracker.NewRegistry(cfg.Tracking.RegistrySize, func(key domain.Key) *tracker.OrderTracker {
		return tracker.NewOrderTracker(tracker.Config{
			Key:                    key,
			PollInterval:           time.Duration(cfg.Tracking.PollIntervalSec) * time.Second,
			PendingLedgerThreshold: cfg.Tracking.PendingLedgerThreshold,
		}, b.Ledger, b.Store)
	})
	if err != nil {
		return err
	}
	b.Registry = registry

	return nil
}

// StartTrackers brings up a tracker per configured wallet.
func (b *Bootstrap) StartTrackers(ctx context.Context) error {
	for _, wallet := range b.Config.Tracking.Wallets {
		key := domain.Key{
			Chain:   b.Config.Ledger.Chain,
			Network: b.Config.Ledger.Network,
			Wallet:  wallet,
		}
		if _, err := b.Registry.GetOrCreate(ctx, key); err != nil {
			return fmt.Errorf("failed to start tracker for %s: %w", key, err)
		}
		slog.Info("✅ Tracker running", "key", key.String())
	}
	return nil
}

// Shutdown stops trackers, the ledger client and the store, in that
// order so final persistence still has a live store.
func (b *Bootstrap) Shutdown() {
	if b.Registry != nil {
		b.Registry.Stop()
	}
	if b.Ledger != nil {
		b.Ledger.Stop()
	}
	if b.Store != nil {
		if err := b.Store.Close(); err != nil {
			slog.Warn("Store close failed", slog.Any("error", err))
		}
	}
}
