// File: pkg/app/wire.go
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/whoiscaerus/fibpilot/dataprovider"
	"github.com/whoiscaerus/fibpilot/dataprovider/mt5feed"
	"github.com/whoiscaerus/fibpilot/notification/discord"
	"github.com/whoiscaerus/fibpilot/pkg/broker/mt5"
	"github.com/whoiscaerus/fibpilot/pkg/reconcile"
	"github.com/whoiscaerus/fibpilot/pkg/risk"
	"github.com/whoiscaerus/fibpilot/utilities"
)

// Run wires every component from config and runs the pipeline until ctx is
// cancelled. This is the only place construction order matters: storage
// first, then the gateway, then the guard and reconciler that depend on both.
func Run(ctx context.Context, cfg *utilities.AppConfig, logger *utilities.Logger) error {
	a, store, err := build(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	store.StartScheduledCleanup(ctx, 24*time.Hour, 90*24*time.Hour)

	return a.Run(ctx)
}

// ResetGuard is the operator entry point behind the --reset-guard flag. It
// wires the minimum needed, performs the reset, and exits.
func ResetGuard(ctx context.Context, cfg *utilities.AppConfig, logger *utilities.Logger) error {
	a, store, err := build(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := a.preflight(ctx); err != nil {
		return fmt.Errorf("app: preflight failed: %w", err)
	}
	return a.ResetGuard(ctx)
}

func build(cfg *utilities.AppConfig, logger *utilities.Logger) (*App, *dataprovider.SQLiteStore, error) {
	store, err := dataprovider.NewSQLiteStore(cfg.DB, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("app: failed to open store: %w", err)
	}

	client, err := mt5.NewClient(cfg.MT5, logger)
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("app: failed to construct bridge client: %w", err)
	}
	gateway := mt5.NewAdapter(client, cfg.Orders.MaxSubmitRetries, logger)

	alerter := discord.NewClient(cfg.Discord.WebhookURL, logger)
	feed := mt5feed.NewFeed(cfg.MT5, gateway, store, logger)
	guard := risk.NewGuard(cfg.Risk, store, store, alerter, logger)
	recon := reconcile.NewEngine(cfg.Recon, gateway, store, store, alerter, logger)

	a, err := New(cfg, store, feed, gateway, guard, recon, alerter, logger)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return a, store, nil
}
