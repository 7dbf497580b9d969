package api

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"futures-gateway/internal/accounts"
	"futures-gateway/internal/broker"
	"futures-gateway/pkg/types"
)

// MarketStatus is the calendar view in the status response.
type MarketStatus struct {
	Open            bool   `json:"open"`
	Reason          string `json:"reason,omitempty"`
	NextOpenMinutes int64  `json:"nextOpenMinutes,omitempty"`
}

// AccountView is one account's row in the status response.
type AccountView struct {
	accounts.Summary
	Connection broker.AccountStatus `json:"connection"`
	DailyStats types.DailyStats     `json:"dailyStats"`
}

// AlertsView summarizes the audit trail.
type AlertsView struct {
	Backend string              `json:"backend"`
	Dropped uint64              `json:"dropped"`
	Today   int                 `json:"today"`
	Recent  []types.AlertRecord `json:"recent"`
}

// StatusResponse is the body of GET /trading/status.
type StatusResponse struct {
	Time       time.Time        `json:"time"`
	DryRun     bool             `json:"dryRun"`
	Market     MarketStatus     `json:"market"`
	Accounts   []AccountView    `json:"accounts"`
	Alerts     AlertsView       `json:"alerts"`
	PnLHistory []types.DailyPnL `json:"pnlHistory,omitempty"`
}

// handleStatus reports the gateway's full operational picture: market
// session, per-account broker connectivity and risk counters, and the
// recent audit trail. Query params: ?alerts=N (recent rows, default 20),
// ?history_days=N (include daily P&L history).
func (h *Handlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	now := time.Now()

	market := MarketStatus{}
	if st := h.deps.Calendar.IsOpen(now); st.Open {
		market.Open = true
	} else {
		market.Reason = st.Reason
		market.NextOpenMinutes = int64(h.deps.Calendar.TimeUntilOpen(now).Minutes())
	}

	// Connectivity checks fan out so one slow broker doesn't serialize the
	// whole page.
	accts := h.deps.Registry.List()
	views := make([]AccountView, len(accts))
	var wg sync.WaitGroup
	for i, acct := range accts {
		views[i] = AccountView{
			Summary:    summaryOf(acct),
			DailyStats: h.deps.Risk.GetDailyStats(acct.ID),
		}
		if !acct.Enabled {
			views[i].Connection = broker.AccountStatus{Error: "account disabled"}
			continue
		}
		wg.Add(1)
		go func(i int, acct *accounts.Account) {
			defer wg.Done()
			views[i].Connection = h.deps.Status.AccountStatus(r.Context(), acct)
		}(i, acct)
	}
	wg.Wait()

	limit := queryInt(r, "alerts", 20)
	resp := StatusResponse{
		Time:     now,
		DryRun:   h.deps.Config.DryRun,
		Market:   market,
		Accounts: views,
		Alerts: AlertsView{
			Backend: h.deps.Alerts.Backend(),
			Dropped: h.deps.Alerts.Dropped(),
			Today:   len(h.deps.Alerts.ListToday()),
			Recent:  h.deps.Alerts.List(r.Context(), limit),
		},
	}

	if days := queryInt(r, "history_days", 0); days > 0 {
		resp.PnLHistory = h.deps.Alerts.HistoryAll(r.Context(), days)
	}

	writeJSON(w, http.StatusOK, resp)
}

func summaryOf(acct *accounts.Account) accounts.Summary {
	return accounts.Summary{
		ID:          acct.ID,
		DisplayName: acct.DisplayName,
		Broker:      string(acct.Broker),
		Enabled:     acct.Enabled,
		HasSecret:   acct.WebhookSecret != "",
	}
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
