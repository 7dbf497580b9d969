// Package scheduler runs the gateway's background jobs on cron schedules
// evaluated in the exchange time zone.
//
// The only job today is the end-of-day P&L snapshot: shortly after the
// Friday/daily session close it records balance and risk counters for every
// enabled account.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"

	"futures-gateway/internal/accounts"
	"futures-gateway/internal/broker"
	"futures-gateway/internal/config"
	"futures-gateway/internal/risk"
	"futures-gateway/pkg/types"
)

// BalanceProvider fetches the live account balance. Implemented over
// broker.Manager in main; stubbed in tests.
type BalanceProvider interface {
	AccountDetails(ctx context.Context, acct *accounts.Account) (*broker.AccountDetails, error)
}

// BalanceProviderFunc adapts a function to BalanceProvider.
type BalanceProviderFunc func(ctx context.Context, acct *accounts.Account) (*broker.AccountDetails, error)

func (f BalanceProviderFunc) AccountDetails(ctx context.Context, acct *accounts.Account) (*broker.AccountDetails, error) {
	return f(ctx, acct)
}

// PnLSink receives the end-of-day records. Implemented by *alerts.Log.
type PnLSink interface {
	SaveDailyPnL(ctx context.Context, rec types.DailyPnL)
}

// Scheduler owns the cron runner.
type Scheduler struct {
	cfg      config.SchedulerConfig
	registry *accounts.Registry
	risk     *risk.Manager
	balances BalanceProvider
	sink     PnLSink
	loc      *time.Location
	cron     *cron.Cron
	logger   *slog.Logger
}

// New builds the scheduler; jobs are registered by Start.
func New(cfg config.SchedulerConfig, registry *accounts.Registry, riskMgr *risk.Manager, balances BalanceProvider, sink PnLSink, loc *time.Location, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		registry: registry,
		risk:     riskMgr,
		balances: balances,
		sink:     sink,
		loc:      loc,
		cron:     cron.New(cron.WithLocation(loc)),
		logger:   logger.With("component", "scheduler"),
	}
}

// Start registers enabled jobs and starts the cron loop.
func (s *Scheduler) Start() error {
	if s.cfg.DailyPnLEnabled {
		if _, err := s.cron.AddFunc(s.cfg.DailyPnLSpec, s.RunDailyPnL); err != nil {
			return err
		}
		s.logger.Info("daily pnl job scheduled", "spec", s.cfg.DailyPnLSpec)
	}
	s.cron.Start()
	return nil
}

// Stop halts the cron loop and waits for a running job to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// RunDailyPnL snapshots every enabled account: live balance from the broker,
// trade counters from the risk manager. Per-account failures are logged and
// skipped so one dead broker doesn't lose the rest of the day's records.
func (s *Scheduler) RunDailyPnL() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	date := time.Now().In(s.loc).Format("2006-01-02")
	for _, acct := range s.registry.ListEnabled() {
		details, err := s.balances.AccountDetails(ctx, acct)
		if err != nil {
			s.logger.Warn("daily pnl: balance fetch failed", "account", acct.ID, "error", err)
			continue
		}
		stats := s.risk.GetDailyStats(acct.ID)

		s.sink.SaveDailyPnL(ctx, types.DailyPnL{
			AccountID:  acct.ID,
			Date:       date,
			PnL:        stats.TotalProfit.Sub(stats.TotalLoss),
			Balance:    decimal.NewFromFloat(details.Balance),
			TradeCount: stats.TradesExecuted,
		})
		s.logger.Info("daily pnl recorded", "account", acct.ID, "date", date,
			"trades", stats.TradesExecuted, "balance", details.Balance)
	}
}
