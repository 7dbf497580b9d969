// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the gateway — signal actions,
// position sides, webhook payloads, bracket results, and alert records. It
// has no dependencies on internal packages, so it can be imported by any
// layer.
package types

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Action is the trade instruction carried by a webhook signal.
type Action string

const (
	ActionBuy   Action = "buy"
	ActionSell  Action = "sell"
	ActionClose Action = "close"
)

// ParseAction normalizes a raw action string. Returns false if the string is
// not one of buy/sell/close (case-insensitive).
func ParseAction(s string) (Action, bool) {
	switch Action(strings.ToLower(strings.TrimSpace(s))) {
	case ActionBuy:
		return ActionBuy, true
	case ActionSell:
		return ActionSell, true
	case ActionClose:
		return ActionClose, true
	}
	return "", false
}

// PositionSide is the current market exposure on a symbol.
type PositionSide string

const (
	Long  PositionSide = "long"
	Short PositionSide = "short"
	Flat  PositionSide = "flat"
)

// Opposite returns the flattening direction for a held side.
func (s PositionSide) Opposite() Action {
	if s == Long {
		return ActionSell
	}
	return ActionBuy
}

// DefaultSymbol is the instrument traded when a signal omits one.
const DefaultSymbol = "MNQ"

// ————————————————————————————————————————————————————————————————————————
// Webhook payload
// ————————————————————————————————————————————————————————————————————————

// WebhookPayload is the JSON body posted by the charting platform.
// Stop and TP are pointers so a missing field is distinguishable from a
// literal zero; both must parse as finite positive decimals to be valid.
type WebhookPayload struct {
	Secret  string           `json:"secret"`
	Action  string           `json:"action"`
	Symbol  string           `json:"symbol,omitempty"`
	Stop    *decimal.Decimal `json:"stop,omitempty"`
	TP      *decimal.Decimal `json:"tp,omitempty"`
	Account string           `json:"account,omitempty"`
}

// SymbolOrDefault returns the payload's symbol, falling back to MNQ.
func (p WebhookPayload) SymbolOrDefault() string {
	if s := strings.ToUpper(strings.TrimSpace(p.Symbol)); s != "" {
		return s
	}
	return DefaultSymbol
}

// ————————————————————————————————————————————————————————————————————————
// Positions and orders
// ————————————————————————————————————————————————————————————————————————

// Position is a normalized open position reported by the broker.
// Qty is signed: positive = long, negative = short.
type Position struct {
	Symbol string  `json:"symbol"`
	Qty    float64 `json:"qty"`
}

// Side derives the exposure direction from the signed quantity.
func (p Position) Side() PositionSide {
	switch {
	case p.Qty > 0:
		return Long
	case p.Qty < 0:
		return Short
	}
	return Flat
}

// OrderAck is the broker's acknowledgement of a single placed order.
type OrderAck struct {
	OrderID string          `json:"orderId"`
	Side    Action          `json:"side"`
	Price   decimal.Decimal `json:"price,omitempty"`
}

// BracketResult is the outcome of the three-leg bracket transaction.
//
// Invariant: Entry acknowledged implies StopLoss acknowledged — a failed
// stop leg surfaces as an error, never as a BracketResult. A failed
// take-profit leg yields Partial=true with Warning/TPError set; the
// position is still protected by the stop.
type BracketResult struct {
	Entry      *OrderAck `json:"entry"`
	StopLoss   *OrderAck `json:"stopLoss"`
	TakeProfit *OrderAck `json:"takeProfit,omitempty"`
	Partial    bool      `json:"partial"`
	Warning    string    `json:"warning,omitempty"`
	TPError    string    `json:"tpError,omitempty"`
}

// CloseResult summarizes a close-all-positions sweep.
type CloseResult struct {
	Closed int      `json:"closed"`
	Errors []string `json:"errors,omitempty"`
}

// ————————————————————————————————————————————————————————————————————————
// Alerts and daily P&L
// ————————————————————————————————————————————————————————————————————————

// AlertStatus classifies the terminal outcome of a webhook.
type AlertStatus string

const (
	AlertSuccess AlertStatus = "success"
	AlertPartial AlertStatus = "partial"
	AlertFailed  AlertStatus = "failed"
	AlertBlocked AlertStatus = "blocked"
	AlertSkipped AlertStatus = "skipped"
)

// AlertRecord is the audit entry written at every observable terminal
// outcome of a webhook. Records are append-only and retained best-effort.
type AlertRecord struct {
	ID        string           `json:"alert_id"`
	Timestamp time.Time        `json:"created_at"`
	Action    string           `json:"action"`
	Symbol    string           `json:"symbol"`
	AccountID string           `json:"account"`
	Status    AlertStatus      `json:"status"`
	Stop      *decimal.Decimal `json:"stop_price,omitempty"`
	TP        *decimal.Decimal `json:"tp_price,omitempty"`
	Error     string           `json:"error_msg,omitempty"`
}

// DailyStats is a snapshot of one account's risk counters for the current
// trading day (America/New_York).
type DailyStats struct {
	Date           string          `json:"date"`
	TradesExecuted int             `json:"tradesExecuted"`
	TotalProfit    decimal.Decimal `json:"totalProfit"`
	TotalLoss      decimal.Decimal `json:"totalLoss"`
	LastTradeTime  time.Time       `json:"lastTradeTime,omitempty"`
}

// DailyPnL is the per-account end-of-day record, upserted on (account, date).
type DailyPnL struct {
	AccountID  string          `json:"account_id"`
	Date       string          `json:"date"`
	PnL        decimal.Decimal `json:"pnl"`
	Balance    decimal.Decimal `json:"balance"`
	TradeCount int             `json:"trade_count"`
	UpdatedAt  time.Time       `json:"updated_at"`
}
