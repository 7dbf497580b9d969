// Package risk enforces per-account trade limits for the webhook gateway.
//
// For every account the manager tracks a trading-day snapshot (trade count,
// profit/loss accumulators, last trade time), a bounded ring of recent
// webhook fingerprints for idempotency, and a lease lock that serializes
// the check → decide → place → record sequence. The day rolls over lazily:
// any read or write that observes a new America/New_York calendar date
// resets the counters and the fingerprint ring atomically.
//
// Gate ordering is fixed and short-circuiting:
//
//	duplicate → outside-hours → max-trades → max-loss → cooldown
package risk

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"futures-gateway/internal/calendar"
	"futures-gateway/internal/config"
	"futures-gateway/pkg/types"
)

// Blocked-trade reasons returned by CanExecuteTrade.
const (
	ReasonDuplicate    = "duplicate"
	ReasonOutsideHours = "outside-hours"
	ReasonMaxTrades    = "max-trades"
	ReasonMaxLoss      = "max-loss"
	ReasonCooldown     = "cooldown"
)

// Decision is the outcome of a risk check.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// accountState is the per-account mutable slot. All fields are guarded by
// the manager mutex; the lease lock additionally serializes whole webhook
// executions against each other.
type accountState struct {
	date          string // ET calendar date the counters belong to
	tradeCount    int
	totalProfit   decimal.Decimal
	totalLoss     decimal.Decimal
	lastTradeTime time.Time
	recent        *fingerprintRing
	lock          *accountLock
}

// Manager owns all per-account risk state. The webhook processor is the
// only mutator; everything goes through exported methods.
type Manager struct {
	cfg          config.RiskConfig
	cal          *calendar.Calendar
	maxDailyLoss decimal.Decimal
	logger       *slog.Logger
	now          func() time.Time // injectable clock for tests

	mu       sync.Mutex
	accounts map[string]*accountState
}

// NewManager creates a risk manager bound to the market calendar.
func NewManager(cfg config.RiskConfig, cal *calendar.Calendar, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:          cfg,
		cal:          cal,
		maxDailyLoss: decimal.NewFromFloat(cfg.MaxDailyLoss),
		logger:       logger.With("component", "risk"),
		now:          time.Now,
		accounts:     make(map[string]*accountState),
	}
}

// SetClock overrides the manager's time source. Intended for tests.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

// state returns the slot for an account, creating it on first use.
// Caller must hold m.mu.
func (m *Manager) state(accountID string) *accountState {
	st, ok := m.accounts[accountID]
	if !ok {
		st = &accountState{
			date:        m.etDate(m.now()),
			totalProfit: decimal.Zero,
			totalLoss:   decimal.Zero,
			recent:      newFingerprintRing(m.cfg.DuplicateRing, m.cfg.DuplicateTTL),
			lock:        newAccountLock(),
		}
		m.accounts[accountID] = st
	}
	return st
}

func (m *Manager) etDate(t time.Time) string {
	return t.In(m.cal.Location()).Format("2006-01-02")
}

// rollover resets counters and the duplicate ring when the ET date has
// changed since the slot was last touched. Caller must hold m.mu.
func (m *Manager) rollover(accountID string, st *accountState, now time.Time) {
	date := m.etDate(now)
	if st.date == date {
		return
	}
	m.logger.Info("daily rollover", "account", accountID, "from", st.date, "to", date)
	st.date = date
	st.tradeCount = 0
	st.totalProfit = decimal.Zero
	st.totalLoss = decimal.Zero
	st.lastTradeTime = time.Time{}
	st.recent.reset()
}

// CanExecuteTrade runs the risk gates in order and short-circuits on the
// first violation. It must be called while holding the account lease so
// the duplicate ring is read under exclusion.
func (m *Manager) CanExecuteTrade(accountID, fingerprint string) Decision {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.state(accountID)
	m.rollover(accountID, st, now)

	if fingerprint != "" && st.recent.contains(fingerprint, now) {
		return Decision{Reason: ReasonDuplicate}
	}
	if status := m.cal.IsOpen(now); !status.Open {
		return Decision{Reason: ReasonOutsideHours}
	}
	if st.tradeCount >= m.cfg.MaxTradesPerDay {
		return Decision{Reason: ReasonMaxTrades}
	}
	if st.totalLoss.GreaterThanOrEqual(m.maxDailyLoss) {
		return Decision{Reason: ReasonMaxLoss}
	}
	if !st.lastTradeTime.IsZero() && now.Sub(st.lastTradeTime) < m.cfg.Cooldown {
		return Decision{Reason: ReasonCooldown}
	}
	return Decision{Allowed: true}
}

// RecordTrade bumps the daily counters and remembers the fingerprint.
// Called after a successful or partial bracket, before the lease is
// released, so the next check on this account sees it.
func (m *Manager) RecordTrade(accountID, fingerprint string) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.state(accountID)
	m.rollover(accountID, st, now)

	st.tradeCount++
	st.lastTradeTime = now
	if fingerprint != "" {
		st.recent.insert(fingerprint, now)
	}
	m.logger.Info("trade recorded", "account", accountID, "count", st.tradeCount)
}

// UpdatePnL accumulates a signed realized P&L delta into the daily
// profit or loss bucket.
func (m *Manager) UpdatePnL(accountID string, delta decimal.Decimal) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.state(accountID)
	m.rollover(accountID, st, now)

	if delta.IsNegative() {
		st.totalLoss = st.totalLoss.Add(delta.Abs())
	} else {
		st.totalProfit = st.totalProfit.Add(delta)
	}
}

// GetDailyStats returns a snapshot copy of the account's counters.
func (m *Manager) GetDailyStats(accountID string) types.DailyStats {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.state(accountID)
	m.rollover(accountID, st, now)

	return types.DailyStats{
		Date:           st.date,
		TradesExecuted: st.tradeCount,
		TotalProfit:    st.totalProfit,
		TotalLoss:      st.totalLoss,
		LastTradeTime:  st.lastTradeTime,
	}
}
