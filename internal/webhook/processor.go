// Package webhook orchestrates a single trading signal end to end:
//
//	PARSE → AUTH → VALIDATE → (CLOSE | ENTRY)
//
// The entry branch acquires the account lease, consults the risk gates,
// reconciles the live position against the intended side (skip / execute /
// reverse), places the bracket, records the trade, and writes the audit
// alert. The lease is released on every exit path. Once the bracket
// submission starts it runs on a context detached from the inbound
// request — an in-flight entry with an unknown outcome is more dangerous
// than a slow response.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"futures-gateway/internal/accounts"
	"futures-gateway/internal/broker"
	"futures-gateway/internal/risk"
	"futures-gateway/pkg/types"
)

// Broker is the order-execution surface the processor needs. Implemented
// by *broker.Client; stubbed in tests.
type Broker interface {
	Broker() string
	PlaceBracketOrder(ctx context.Context, action types.Action, symbol string, stop, tp decimal.Decimal, qty int, skipCleanup bool) (*types.BracketResult, error)
	CloseAllPositions(ctx context.Context, symbolFilter string) (*types.CloseResult, error)
	GetPositions(ctx context.Context) ([]types.Position, error)
}

// BrokerProvider resolves the broker client for an account.
type BrokerProvider interface {
	ForAccount(acct *accounts.Account) Broker
}

// BrokerProviderFunc adapts a function to BrokerProvider.
type BrokerProviderFunc func(acct *accounts.Account) Broker

func (f BrokerProviderFunc) ForAccount(acct *accounts.Account) Broker { return f(acct) }

// AlertSink receives the audit record for every terminal outcome.
// Implemented by *alerts.Log.
type AlertSink interface {
	Save(rec types.AlertRecord)
}

// Reconciliation summarizes the position check that preceded an entry.
type Reconciliation struct {
	PositionAPIAvailable bool               `json:"positionApiAvailable"`
	CurrentSide          types.PositionSide `json:"currentSide"`
	Decision             string             `json:"decision"` // skip | execute | reverse
	WasReversal          bool               `json:"wasReversal"`
	SettledFlat          bool               `json:"settledFlat,omitempty"`
}

// OrderIDs collects the acknowledged bracket leg ids for the response.
type OrderIDs struct {
	Entry      string `json:"entry,omitempty"`
	StopLoss   string `json:"stopLoss,omitempty"`
	TakeProfit string `json:"takeProfit,omitempty"`
}

// Prices echoes the validated bracket prices.
type Prices struct {
	Stop decimal.Decimal `json:"stop"`
	TP   decimal.Decimal `json:"tp"`
}

// Response is the JSON body returned to the charting platform. HTTPStatus
// is set by the processor and used by the transport layer only.
type Response struct {
	HTTPStatus int `json:"-"`

	Success bool   `json:"success"`
	Skipped bool   `json:"skipped,omitempty"`
	Action  string `json:"action,omitempty"`
	Account string `json:"account,omitempty"`
	Broker  string `json:"broker,omitempty"`
	Symbol  string `json:"symbol,omitempty"`

	Error             string `json:"error,omitempty"`
	Reason            string `json:"reason,omitempty"`
	Warning           string `json:"warning,omitempty"`
	TPError           string `json:"tpError,omitempty"`
	Critical          bool   `json:"critical,omitempty"`
	AttemptedReversal bool   `json:"attemptedReversal,omitempty"`

	Orders                 *OrderIDs         `json:"orders,omitempty"`
	Prices                 *Prices           `json:"prices,omitempty"`
	PositionReconciliation *Reconciliation   `json:"positionReconciliation,omitempty"`
	DailyStats             *types.DailyStats `json:"dailyStats,omitempty"`

	// Close-branch result, flattened into the top-level body as
	// {closed, errors}.
	*types.CloseResult

	ExecutionTimeMs int64 `json:"executionTimeMs"`
}

// manualIntervention is the operator directive attached to an unprotected
// position — the entry is live with no stop behind it.
const manualIntervention = "MANUAL_INTERVENTION_REQUIRED"

// Processor ties registry, risk manager, broker clients, and the alert log
// together for one request at a time. It owns only per-request locals; all
// shared state lives in its collaborators.
type Processor struct {
	registry *accounts.Registry
	risk     *risk.Manager
	brokers  BrokerProvider
	alerts   AlertSink
	logger   *slog.Logger

	// settleWaits is the reversal settlement poll schedule.
	settleWaits []time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
}

// NewProcessor wires the webhook orchestrator.
func NewProcessor(registry *accounts.Registry, riskMgr *risk.Manager, brokers BrokerProvider, sink AlertSink, logger *slog.Logger) *Processor {
	return &Processor{
		registry:    registry,
		risk:        riskMgr,
		brokers:     brokers,
		alerts:      sink,
		logger:      logger.With("component", "webhook"),
		settleWaits: []time.Duration{400 * time.Millisecond, 200 * time.Millisecond, 200 * time.Millisecond},
		sleep:       sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Process handles one webhook POST body and returns the response to encode.
func (p *Processor) Process(ctx context.Context, body []byte) *Response {
	start := time.Now()
	resp := p.process(ctx, body)
	resp.ExecutionTimeMs = time.Since(start).Milliseconds()
	return resp
}

func (p *Processor) process(ctx context.Context, body []byte) *Response {
	var payload types.WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		p.alerts.Save(types.AlertRecord{
			Action: "unknown",
			Status: types.AlertFailed,
			Error:  fmt.Sprintf("invalid JSON body: %v", err),
		})
		return &Response{HTTPStatus: http.StatusBadRequest, Error: "invalid JSON body"}
	}

	acct, err := p.registry.Resolve(payload.Secret, payload.Account)
	if err != nil {
		// No alert on auth failures — unauthenticated callers must not be
		// able to amplify into the audit log.
		switch {
		case errors.Is(err, accounts.ErrNotFound):
			return &Response{HTTPStatus: http.StatusNotFound, Error: "account not found"}
		case errors.Is(err, accounts.ErrDisabled):
			return &Response{HTTPStatus: http.StatusForbidden, Error: "account disabled"}
		default:
			return &Response{HTTPStatus: http.StatusUnauthorized, Error: "invalid webhook secret"}
		}
	}

	action, ok := types.ParseAction(payload.Action)
	symbol := payload.SymbolOrDefault()
	if !ok {
		p.saveAlert(acct.ID, payload.Action, symbol, types.AlertFailed, nil, nil,
			fmt.Sprintf("action must be buy, sell, or close; got %q", payload.Action))
		return &Response{HTTPStatus: http.StatusBadRequest, Account: acct.ID,
			Error: "action must be one of: buy, sell, close"}
	}

	if action == types.ActionClose {
		return p.handleClose(ctx, acct, symbol)
	}
	return p.handleEntry(ctx, acct, action, symbol, payload)
}

// handleClose flattens everything on the symbol and reports the sweep.
func (p *Processor) handleClose(ctx context.Context, acct *accounts.Account, symbol string) *Response {
	client := p.brokers.ForAccount(acct)

	res, err := client.CloseAllPositions(ctx, symbol)
	if err != nil {
		p.saveAlert(acct.ID, string(types.ActionClose), symbol, types.AlertFailed, nil, nil, err.Error())
		return &Response{HTTPStatus: http.StatusInternalServerError, Account: acct.ID,
			Action: string(types.ActionClose), Error: err.Error()}
	}

	status := types.AlertSuccess
	if res.Closed == 0 && len(res.Errors) > 0 {
		status = types.AlertFailed
	}
	p.saveAlert(acct.ID, string(types.ActionClose), symbol, status, nil, nil, joinErrors(res.Errors))

	return &Response{
		HTTPStatus:  http.StatusOK,
		Success:     status == types.AlertSuccess,
		Action:      string(types.ActionClose),
		Account:     acct.ID,
		Broker:      client.Broker(),
		Symbol:      symbol,
		CloseResult: res,
	}
}

// handleEntry is the hard path: lease → risk gates → reconciliation →
// bracket → record → alert.
func (p *Processor) handleEntry(ctx context.Context, acct *accounts.Account, action types.Action, symbol string, payload types.WebhookPayload) *Response {
	stop, tp, verr := validatePrices(action, symbol, payload.Stop, payload.TP)
	if verr != nil {
		p.saveAlert(acct.ID, string(action), symbol, types.AlertFailed, payload.Stop, payload.TP, verr.Error())
		return &Response{HTTPStatus: http.StatusBadRequest, Account: acct.ID,
			Action: string(action), Error: verr.Error()}
	}

	fingerprint := p.risk.GenerateWebhookID(acct.ID, payload)

	lease, err := p.risk.AcquireLock(ctx, acct.ID)
	if err != nil {
		// No alert: no trading decision was reached and the caller can retry.
		if errors.Is(err, risk.ErrBusy) {
			return &Response{HTTPStatus: http.StatusServiceUnavailable, Account: acct.ID,
				Error: "system busy: another signal is executing for this account"}
		}
		return &Response{HTTPStatus: http.StatusServiceUnavailable, Account: acct.ID,
			Error: "request cancelled while waiting for account lock"}
	}
	defer p.risk.ReleaseLock(lease)

	if d := p.risk.CanExecuteTrade(acct.ID, fingerprint); !d.Allowed {
		stats := p.risk.GetDailyStats(acct.ID)
		p.saveAlert(acct.ID, string(action), symbol, types.AlertBlocked, &stop, &tp, d.Reason)
		return &Response{HTTPStatus: http.StatusForbidden, Account: acct.ID,
			Action: string(action), Reason: d.Reason,
			Error:      fmt.Sprintf("trade blocked: %s", d.Reason),
			DailyStats: &stats,
		}
	}

	client := p.brokers.ForAccount(acct)
	recon := p.reconcile(ctx, client, action, symbol)

	if recon.Decision == "skip" {
		p.saveAlert(acct.ID, string(action), symbol, types.AlertSkipped, &stop, &tp,
			fmt.Sprintf("already %s on %s", recon.CurrentSide, symbol))
		return &Response{
			HTTPStatus: http.StatusOK,
			Success:    true,
			Skipped:    true,
			Action:     string(action),
			Account:    acct.ID,
			Broker:     client.Broker(),
			Symbol:     symbol,
			Reason:     fmt.Sprintf("position already %s; re-entry suppressed", recon.CurrentSide),
			PositionReconciliation: recon,
		}
	}

	if recon.Decision == "reverse" {
		if resp := p.flattenForReversal(ctx, client, acct, action, symbol, stop, tp, recon); resp != nil {
			return resp
		}
	}

	// Past this point the entry may be transmitted: detach from the inbound
	// request so a client-side timeout cannot orphan a live entry.
	if ctx.Err() != nil {
		return &Response{HTTPStatus: http.StatusServiceUnavailable, Account: acct.ID,
			Error: "request cancelled before order submission"}
	}
	bctx := context.WithoutCancel(ctx)

	result, err := client.PlaceBracketOrder(bctx, action, symbol, stop, tp, 1, recon.Decision == "reverse")
	if err != nil {
		return p.bracketFailure(acct, client, action, symbol, stop, tp, err)
	}

	p.risk.RecordTrade(acct.ID, fingerprint)
	stats := p.risk.GetDailyStats(acct.ID)

	status := types.AlertSuccess
	if result.Partial {
		status = types.AlertPartial
	}
	p.saveAlert(acct.ID, string(action), symbol, status, &stop, &tp, result.TPError)

	resp := &Response{
		HTTPStatus: http.StatusOK,
		Success:    true,
		Action:     string(action),
		Account:    acct.ID,
		Broker:     client.Broker(),
		Symbol:     symbol,
		Warning:    result.Warning,
		TPError:    result.TPError,
		Orders:     &OrderIDs{Entry: result.Entry.OrderID, StopLoss: result.StopLoss.OrderID},
		Prices:     &Prices{Stop: stop, TP: tp},
		PositionReconciliation: recon,
		DailyStats:             &stats,
	}
	if result.TakeProfit != nil {
		resp.Orders.TakeProfit = result.TakeProfit.OrderID
	}
	return resp
}

// reconcile derives the skip/execute/reverse decision from the live
// position. Position reads are best-effort: an unavailable API means
// "unknown", which executes with fresh cleanup rather than refusing.
func (p *Processor) reconcile(ctx context.Context, client Broker, action types.Action, symbol string) *Reconciliation {
	recon := &Reconciliation{
		PositionAPIAvailable: true,
		CurrentSide:          types.Flat,
		Decision:             "execute",
	}

	positions, err := client.GetPositions(ctx)
	if err != nil {
		recon.PositionAPIAvailable = false
		if !errors.Is(err, broker.ErrNotSupported) {
			p.logger.Warn("position fetch failed; treating as flat", "error", err)
		}
		return recon
	}

	for _, pos := range positions {
		if pos.Qty != 0 && symbolMatches(pos.Symbol, symbol) {
			recon.CurrentSide = pos.Side()
			break
		}
	}

	intended := types.Long
	if action == types.ActionSell {
		intended = types.Short
	}
	switch recon.CurrentSide {
	case intended:
		recon.Decision = "skip"
	case types.Flat:
		recon.Decision = "execute"
	default:
		recon.Decision = "reverse"
		recon.WasReversal = true
	}
	return recon
}

// flattenForReversal closes the opposing position and waits for the broker
// to settle. Returns a terminal response on failure, nil to proceed.
func (p *Processor) flattenForReversal(ctx context.Context, client Broker, acct *accounts.Account, action types.Action, symbol string, stop, tp decimal.Decimal, recon *Reconciliation) *Response {
	closeRes, err := client.CloseAllPositions(ctx, symbol)
	if err != nil || (closeRes.Closed == 0 && len(closeRes.Errors) > 0) {
		msg := "reversal flatten failed"
		if err != nil {
			msg = fmt.Sprintf("reversal flatten failed: %v", err)
		} else {
			msg = fmt.Sprintf("reversal flatten failed: %s", joinErrors(closeRes.Errors))
		}
		p.saveAlert(acct.ID, string(action), symbol, types.AlertFailed, &stop, &tp, msg)
		return &Response{HTTPStatus: http.StatusInternalServerError, Account: acct.ID,
			Action: string(action), Error: msg, AttemptedReversal: true,
			PositionReconciliation: recon,
		}
	}

	// Re-poll until the close is reflected upstream; proceed after the last
	// wait even if still visible — the bracket skips cleanup, the entry
	// nets against any residue.
	for _, wait := range p.settleWaits {
		if err := p.sleep(ctx, wait); err != nil {
			return &Response{HTTPStatus: http.StatusServiceUnavailable, Account: acct.ID,
				Error: "request cancelled during reversal settlement"}
		}
		positions, err := client.GetPositions(ctx)
		if err != nil {
			break
		}
		flat := true
		for _, pos := range positions {
			if pos.Qty != 0 && symbolMatches(pos.Symbol, symbol) {
				flat = false
				break
			}
		}
		if flat {
			recon.SettledFlat = true
			break
		}
	}
	return nil
}

// bracketFailure classifies a bracket error into the response + alert pair.
func (p *Processor) bracketFailure(acct *accounts.Account, client Broker, action types.Action, symbol string, stop, tp decimal.Decimal, err error) *Response {
	var unprotected *broker.UnprotectedPositionError
	if errors.As(err, &unprotected) {
		p.logger.Error("UNPROTECTED POSITION", "account", acct.ID, "symbol", symbol,
			"entry", unprotected.Entry.OrderID, "error", unprotected.Cause)
		p.saveAlert(acct.ID, string(action), symbol, types.AlertFailed, &stop, &tp, err.Error())
		return &Response{
			HTTPStatus: http.StatusInternalServerError,
			Account:    acct.ID,
			Action:     manualIntervention,
			Critical:   true,
			Error:      err.Error(),
			Orders:     &OrderIDs{Entry: unprotected.Entry.OrderID},
		}
	}

	p.saveAlert(acct.ID, string(action), symbol, types.AlertFailed, &stop, &tp, err.Error())
	return &Response{HTTPStatus: http.StatusInternalServerError, Account: acct.ID,
		Action: string(action), Broker: client.Broker(), Error: err.Error()}
}

func (p *Processor) saveAlert(accountID, action, symbol string, status types.AlertStatus, stop, tp *decimal.Decimal, errMsg string) {
	p.alerts.Save(types.AlertRecord{
		Action:    action,
		Symbol:    symbol,
		AccountID: accountID,
		Status:    status,
		Stop:      stop,
		TP:        tp,
		Error:     errMsg,
	})
}

func joinErrors(errs []string) string {
	if len(errs) == 0 {
		return ""
	}
	out := errs[0]
	for _, e := range errs[1:] {
		out += "; " + e
	}
	return out
}

// symbolMatches mirrors the broker-side tolerance for bare codes vs full
// contract names ("MNQ" matches "CON.F.US.MNQ.Z26" and vice versa).
func symbolMatches(positionSymbol, symbol string) bool {
	if positionSymbol == "" {
		return true
	}
	return containsFold(positionSymbol, symbol) || containsFold(symbol, positionSymbol)
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToUpper(haystack), strings.ToUpper(needle))
}
