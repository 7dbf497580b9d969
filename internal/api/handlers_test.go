package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"futures-gateway/internal/accounts"
	"futures-gateway/internal/alerts"
	"futures-gateway/internal/broker"
	"futures-gateway/internal/calendar"
	"futures-gateway/internal/config"
	"futures-gateway/internal/risk"
	"futures-gateway/internal/webhook"
	"futures-gateway/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubBroker always succeeds; the HTTP layer is under test, not execution.
type stubBroker struct{}

func (stubBroker) Broker() string { return "topstepx" }

func (stubBroker) GetPositions(ctx context.Context) ([]types.Position, error) { return nil, nil }

func (stubBroker) CloseAllPositions(ctx context.Context, symbolFilter string) (*types.CloseResult, error) {
	return &types.CloseResult{Closed: 1}, nil
}

func (stubBroker) PlaceBracketOrder(ctx context.Context, action types.Action, symbol string, stop, tp decimal.Decimal, qty int, skipCleanup bool) (*types.BracketResult, error) {
	return &types.BracketResult{
		Entry:      &types.OrderAck{OrderID: "e-1", Side: action},
		StopLoss:   &types.OrderAck{OrderID: "s-1"},
		TakeProfit: &types.OrderAck{OrderID: "t-1"},
	}, nil
}

func newTestServer(t *testing.T) (*Server, *alerts.Log) {
	t.Helper()

	t.Setenv("ACCOUNT_MAIN_USERNAME", "trader")
	t.Setenv("ACCOUNT_MAIN_API_KEY", "key")
	t.Setenv("ACCOUNT_MAIN_WEBHOOK_SECRET", "s3cret")

	registry, err := accounts.LoadFromEnv(testLogger())
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	cal, err := calendar.New(config.CalendarConfig{})
	if err != nil {
		t.Fatalf("calendar: %v", err)
	}

	cfg := &config.Config{
		Server: config.ServerConfig{Port: 0, RequestTimeout: 5 * time.Second},
		Risk: config.RiskConfig{
			MaxTradesPerDay: 5, MaxDailyLoss: 400,
			Cooldown: time.Second, LockTimeout: 100 * time.Millisecond,
			DuplicateTTL: 10 * time.Minute, DuplicateRing: 128,
		},
		Alerts: config.AlertsConfig{QueueSize: 8, RingSize: 100, SaveTimeout: 100 * time.Millisecond},
	}

	riskMgr := risk.NewManager(cfg.Risk, cal, testLogger())
	loc, _ := time.LoadLocation("America/New_York")
	riskMgr.SetClock(func() time.Time { return time.Date(2026, 3, 4, 10, 0, 0, 0, loc) })

	alertLog := alerts.New(cfg.Alerts, nil, cal.Location(), testLogger())
	t.Cleanup(alertLog.Close)

	proc := webhook.NewProcessor(registry, riskMgr, webhook.BrokerProviderFunc(
		func(acct *accounts.Account) webhook.Broker { return stubBroker{} },
	), alertLog, testLogger())

	srv := NewServer(Deps{
		Config:    cfg,
		Registry:  registry,
		Risk:      riskMgr,
		Calendar:  cal,
		Alerts:    alertLog,
		Processor: proc,
		Status: StatusProviderFunc(func(ctx context.Context, acct *accounts.Account) broker.AccountStatus {
			return broker.AccountStatus{Connected: true, AccountID: 42}
		}),
	}, testLogger())
	return srv, alertLog
}

func do(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)

	w := do(t, srv, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("body = %v", body)
	}
}

func TestWebhookEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	w := do(t, srv, http.MethodPost, "/trading/webhook",
		`{"secret":"s3cret","action":"buy","stop":20900,"tp":21100}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var resp webhook.Response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Success || resp.Orders == nil || resp.Orders.Entry != "e-1" {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestWebhookEndpointStatusMapping(t *testing.T) {
	srv, _ := newTestServer(t)

	tests := []struct {
		body   string
		status int
	}{
		{`{not json`, http.StatusBadRequest},
		{`{"secret":"wrong","action":"buy"}`, http.StatusUnauthorized},
		{`{"secret":"s3cret","action":"buy"}`, http.StatusBadRequest}, // missing prices
	}
	for _, tt := range tests {
		if w := do(t, srv, http.MethodPost, "/trading/webhook", tt.body); w.Code != tt.status {
			t.Fatalf("body %q: status = %d, want %d", tt.body, w.Code, tt.status)
		}
	}
}

func TestWebhookTestEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	w := do(t, srv, http.MethodPost, "/trading/webhook/test",
		`{"secret":"s3cret","action":"buy","stop":20900,"tp":21100}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var report webhook.TestReport
	if err := json.Unmarshal(w.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !report.OK || len(report.Steps) == 0 {
		t.Fatalf("report = %+v", report)
	}
}

func TestStatusEndpoint(t *testing.T) {
	srv, alertLog := newTestServer(t)
	alertLog.Save(types.AlertRecord{Action: "buy", Status: types.AlertSuccess})

	w := do(t, srv, http.MethodGet, "/trading/status?alerts=5", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp StatusResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Accounts) != 1 || resp.Accounts[0].ID != "main" {
		t.Fatalf("accounts = %+v", resp.Accounts)
	}
	if !resp.Accounts[0].Connection.Connected {
		t.Fatalf("connection = %+v", resp.Accounts[0].Connection)
	}
	if resp.Alerts.Backend != "memory" || len(resp.Alerts.Recent) != 1 {
		t.Fatalf("alerts view = %+v", resp.Alerts)
	}
}

func TestUnknownRoute(t *testing.T) {
	srv, _ := newTestServer(t)
	if w := do(t, srv, http.MethodGet, "/nope", ""); w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}
