// Futures Gateway — a webhook-driven execution gateway for CME micro
// futures on ProjectX-family brokers (TopStepX, FuturesDesk).
//
// Architecture:
//
//	main.go              — entry point: env + config, wiring, graceful shutdown
//	webhook/processor.go — per-signal pipeline: parse → auth → risk → reconcile → bracket
//	risk/manager.go      — per-account daily limits, cooldown, idempotency, lease lock
//	broker/client.go     — REST client for the ProjectX gateway API (auth, orders, positions)
//	broker/bracket.go    — entry + protective stop + take-profit transaction
//	accounts/registry.go — env-driven account registry, webhook-secret resolution
//	calendar/calendar.go — CME session clock (holidays, maintenance break, weekends)
//	alerts/alerts.go     — audit trail: in-process ring + redis/postgres backend
//	scheduler/           — end-of-day P&L snapshot job
//	api/server.go        — HTTP surface: webhook, status, health, live alert stream
//
// A charting platform posts JSON signals (buy/sell/close with stop and
// take-profit prices) to /trading/webhook. The gateway authenticates the
// signal, enforces hard risk limits, reconciles against the live broker
// position, and places a protected bracket — entry is never left naked
// unless the stop itself fails, which is escalated as a critical alert.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"futures-gateway/internal/accounts"
	"futures-gateway/internal/alerts"
	"futures-gateway/internal/api"
	"futures-gateway/internal/broker"
	"futures-gateway/internal/calendar"
	"futures-gateway/internal/config"
	"futures-gateway/internal/risk"
	"futures-gateway/internal/scheduler"
	"futures-gateway/internal/webhook"
)

func main() {
	// .env is optional; real deployments inject env directly.
	_ = godotenv.Load()

	cfgPath := "configs/config.yaml"
	if p := os.Getenv("GATEWAY_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	// Set up logger
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	registry, err := accounts.LoadFromEnv(logger)
	if err != nil {
		logger.Error("failed to load accounts", "error", err)
		os.Exit(1)
	}

	cal, err := calendar.New(cfg.Calendar)
	if err != nil {
		logger.Error("failed to build market calendar", "error", err)
		os.Exit(1)
	}

	riskMgr := risk.NewManager(cfg.Risk, cal, logger)
	brokers := broker.NewManager(cfg.Broker, cfg.DryRun, logger)

	// Alert persistence: redis preferred, postgres next, ring-only last.
	// Backend failures at boot degrade rather than abort — trading must not
	// depend on the audit store being up.
	ctx := context.Background()
	var store alerts.Store
	if cfg.Alerts.RedisURL != "" {
		if store, err = alerts.OpenRedis(ctx, cfg.Alerts.RedisURL, cal.Location()); err != nil {
			logger.Warn("redis alert store unavailable", "error", err)
			store = nil
		}
	}
	if store == nil && cfg.Alerts.PostgresURL != "" {
		if store, err = alerts.OpenPostgres(ctx, cfg.Alerts.PostgresURL); err != nil {
			logger.Warn("postgres alert store unavailable", "error", err)
			store = nil
		}
	}
	alertLog := alerts.New(cfg.Alerts, store, cal.Location(), logger)
	defer alertLog.Close()

	processor := webhook.NewProcessor(registry, riskMgr, webhook.BrokerProviderFunc(
		func(acct *accounts.Account) webhook.Broker { return brokers.ForAccount(acct) },
	), alertLog, logger)

	server := api.NewServer(api.Deps{
		Config:    cfg,
		Registry:  registry,
		Risk:      riskMgr,
		Calendar:  cal,
		Alerts:    alertLog,
		Processor: processor,
		Status: api.StatusProviderFunc(func(ctx context.Context, acct *accounts.Account) broker.AccountStatus {
			return brokers.ForAccount(acct).GetAccountStatus(ctx)
		}),
	}, logger)

	// Push every saved alert to the live stream.
	alertLog.SetNotify(server.Hub().BroadcastAlert)

	sched := scheduler.New(cfg.Scheduler, registry, riskMgr, scheduler.BalanceProviderFunc(
		func(ctx context.Context, acct *accounts.Account) (*broker.AccountDetails, error) {
			return brokers.ForAccount(acct).GetAccountDetails(ctx)
		},
	), alertLog, cal.Location(), logger)
	if err := sched.Start(); err != nil {
		logger.Error("failed to start scheduler", "error", err)
		os.Exit(1)
	}

	go func() {
		if err := server.Start(); err != nil {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}
	logger.Info("futures gateway started",
		"accounts", len(registry.List()),
		"alert_backend", alertLog.Backend(),
		"max_trades_per_day", cfg.Risk.MaxTradesPerDay,
		"max_daily_loss", cfg.Risk.MaxDailyLoss,
		"dry_run", cfg.DryRun,
	)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if err := server.Stop(); err != nil {
		logger.Error("failed to stop server", "error", err)
	}
	sched.Stop()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
