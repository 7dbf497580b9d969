package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"futures-gateway/internal/accounts"
	"futures-gateway/internal/broker"
	"futures-gateway/internal/calendar"
	"futures-gateway/internal/config"
	"futures-gateway/internal/risk"
	"futures-gateway/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type captureSink struct {
	mu   sync.Mutex
	recs []types.DailyPnL
}

func (s *captureSink) SaveDailyPnL(ctx context.Context, rec types.DailyPnL) {
	s.mu.Lock()
	s.recs = append(s.recs, rec)
	s.mu.Unlock()
}

func newTestScheduler(t *testing.T, balances BalanceProvider) (*Scheduler, *captureSink, *risk.Manager) {
	t.Helper()

	t.Setenv("ACCOUNT_MAIN_USERNAME", "trader")
	t.Setenv("ACCOUNT_MAIN_API_KEY", "key")
	t.Setenv("ACCOUNT_MAIN_WEBHOOK_SECRET", "s1")
	t.Setenv("ACCOUNT_EVAL_USERNAME", "trader")
	t.Setenv("ACCOUNT_EVAL_API_KEY", "key")
	t.Setenv("ACCOUNT_EVAL_WEBHOOK_SECRET", "s2")
	t.Setenv("ACCOUNT_OFF_USERNAME", "trader")
	t.Setenv("ACCOUNT_OFF_API_KEY", "key")
	t.Setenv("ACCOUNT_OFF_WEBHOOK_SECRET", "s3")
	t.Setenv("ACCOUNT_OFF_ENABLED", "false")

	registry, err := accounts.LoadFromEnv(testLogger())
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	cal, err := calendar.New(config.CalendarConfig{})
	if err != nil {
		t.Fatalf("calendar: %v", err)
	}
	riskMgr := risk.NewManager(config.RiskConfig{
		MaxTradesPerDay: 5, MaxDailyLoss: 400,
		Cooldown: time.Second, LockTimeout: time.Second,
		DuplicateTTL: time.Minute, DuplicateRing: 128,
	}, cal, testLogger())

	sink := &captureSink{}
	s := New(config.SchedulerConfig{DailyPnLEnabled: true, DailyPnLSpec: "5 17 * * MON-FRI"},
		registry, riskMgr, balances, sink, cal.Location(), testLogger())
	return s, sink, riskMgr
}

func TestRunDailyPnL(t *testing.T) {
	balances := BalanceProviderFunc(func(ctx context.Context, acct *accounts.Account) (*broker.AccountDetails, error) {
		return &broker.AccountDetails{ID: 42, Balance: 50250.75}, nil
	})
	s, sink, riskMgr := newTestScheduler(t, balances)

	riskMgr.RecordTrade("main", "")
	riskMgr.UpdatePnL("main", decimal.NewFromInt(120))
	riskMgr.UpdatePnL("main", decimal.NewFromInt(-45))

	s.RunDailyPnL()

	sink.mu.Lock()
	defer sink.mu.Unlock()
	// Two enabled accounts; the disabled one is skipped.
	if len(sink.recs) != 2 {
		t.Fatalf("recorded %d accounts, want 2", len(sink.recs))
	}
	byID := map[string]types.DailyPnL{}
	for _, rec := range sink.recs {
		byID[rec.AccountID] = rec
	}
	if _, off := byID["off"]; off {
		t.Fatal("disabled account snapshotted")
	}

	main := byID["main"]
	if main.TradeCount != 1 {
		t.Fatalf("trade count = %d, want 1", main.TradeCount)
	}
	if !main.PnL.Equal(decimal.NewFromInt(75)) {
		t.Fatalf("pnl = %s, want 75", main.PnL)
	}
	if !main.Balance.Equal(decimal.NewFromFloat(50250.75)) {
		t.Fatalf("balance = %s", main.Balance)
	}
	if main.Date == "" {
		t.Fatal("date not set")
	}
}

func TestRunDailyPnLSkipsFailedAccounts(t *testing.T) {
	balances := BalanceProviderFunc(func(ctx context.Context, acct *accounts.Account) (*broker.AccountDetails, error) {
		if acct.ID == "main" {
			return nil, errors.New("broker down")
		}
		return &broker.AccountDetails{ID: 7, Balance: 100}, nil
	})
	s, sink, _ := newTestScheduler(t, balances)

	s.RunDailyPnL()

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.recs) != 1 || sink.recs[0].AccountID != "eval" {
		t.Fatalf("recs = %+v, want only eval", sink.recs)
	}
}

func TestStartRegistersCronJob(t *testing.T) {
	balances := BalanceProviderFunc(func(ctx context.Context, acct *accounts.Account) (*broker.AccountDetails, error) {
		return &broker.AccountDetails{}, nil
	})
	s, _, _ := newTestScheduler(t, balances)

	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.Stop()

	// A malformed spec must fail fast.
	s2, _, _ := newTestScheduler(t, balances)
	s2.cfg.DailyPnLSpec = "not a cron spec"
	if err := s2.Start(); err == nil {
		s2.Stop()
		t.Fatal("expected error for malformed cron spec")
	}
}
