package broker

import (
	"encoding/json"

	"futures-gateway/pkg/types"
)

// Upstream wire enums (ProjectX gateway API numbering).
const (
	orderTypeLimit     = 1
	orderTypeMarket    = 2
	orderTypeStopLimit = 3
	orderTypeStop      = 4

	orderSideBuy  = 0
	orderSideSell = 1
)

func wireSide(a types.Action) int {
	if a == types.ActionSell {
		return orderSideSell
	}
	return orderSideBuy
}

// ————————————————————————————————————————————————————————————————————————
// Request / response shapes
// ————————————————————————————————————————————————————————————————————————

type loginKeyRequest struct {
	UserName string `json:"userName"`
	APIKey   string `json:"apiKey"`
	AuthType string `json:"authType"`
}

type loginKeyResponse struct {
	Token        string `json:"token"`
	Success      bool   `json:"success"`
	ErrorCode    int    `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

type accountSearchRequest struct {
	OnlyActiveAccounts bool `json:"onlyActiveAccounts"`
}

type upstreamAccount struct {
	ID       int64   `json:"id"`
	Name     string  `json:"name"`
	Balance  float64 `json:"balance"`
	CanTrade bool    `json:"canTrade"`
}

type accountSearchResponse struct {
	Accounts     []upstreamAccount `json:"accounts"`
	Success      bool              `json:"success"`
	ErrorMessage string            `json:"errorMessage"`
}

type contractSearchRequest struct {
	SearchText string `json:"searchText"`
	Live       bool   `json:"live"`
}

type upstreamContract struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Symbol string `json:"symbol"`
}

type contractSearchResponse struct {
	Contracts    []upstreamContract `json:"contracts"`
	Success      bool               `json:"success"`
	ErrorMessage string             `json:"errorMessage"`
}

type placeOrderRequest struct {
	AccountID  int64    `json:"accountId"`
	ContractID string   `json:"contractId"`
	Type       int      `json:"type"`
	Side       int      `json:"side"`
	Size       int      `json:"size"`
	StopPrice  *float64 `json:"stopPrice,omitempty"`
	LimitPrice *float64 `json:"limitPrice,omitempty"`
}

type placeOrderResponse struct {
	OrderID      json.Number `json:"orderId"`
	Success      bool        `json:"success"`
	ErrorCode    int         `json:"errorCode"`
	ErrorMessage string      `json:"errorMessage"`
}

type cancelOrderRequest struct {
	AccountID int64  `json:"accountId"`
	OrderID   string `json:"orderId"`
}

type statusResponse struct {
	Success      bool   `json:"success"`
	ErrorMessage string `json:"errorMessage"`
}

type positionSearchRequest struct {
	AccountID int64 `json:"accountId"`
}

// upstreamPosition tolerates the key drift between gateway builds: the net
// quantity may arrive as netPos, size, or quantity; the instrument as
// contractName, symbol, or name.
type upstreamPosition struct {
	raw map[string]json.RawMessage
}

func (p *upstreamPosition) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &p.raw)
}

func (p *upstreamPosition) number(keys ...string) (float64, bool) {
	for _, k := range keys {
		if raw, ok := p.raw[k]; ok {
			var f float64
			if err := json.Unmarshal(raw, &f); err == nil {
				return f, true
			}
		}
	}
	return 0, false
}

func (p *upstreamPosition) text(keys ...string) string {
	for _, k := range keys {
		if raw, ok := p.raw[k]; ok {
			var s string
			if err := json.Unmarshal(raw, &s); err == nil && s != "" {
				return s
			}
		}
	}
	return ""
}

// normalize converts an upstream position into the shared Position type.
// Returns false when neither a quantity nor a symbol could be extracted.
func (p *upstreamPosition) normalize() (types.Position, bool) {
	qty, ok := p.number("netPos", "size", "quantity")
	sym := p.text("contractName", "symbol", "name")
	if !ok && sym == "" {
		return types.Position{}, false
	}
	return types.Position{Symbol: sym, Qty: qty}, true
}

type positionSearchResponse struct {
	Positions    []upstreamPosition `json:"positions"`
	Success      bool               `json:"success"`
	ErrorMessage string             `json:"errorMessage"`
}

type openOrderSearchRequest struct {
	AccountID int64 `json:"accountId"`
}

type upstreamOrder struct {
	ID         json.Number `json:"id"`
	ContractID string      `json:"contractId"`
	Type       int         `json:"type"`
	Side       int         `json:"side"`
	Size       int         `json:"size"`
	Status     int         `json:"status"`
}

type openOrderSearchResponse struct {
	Orders       []upstreamOrder `json:"orders"`
	Success      bool            `json:"success"`
	ErrorMessage string          `json:"errorMessage"`
}

// AccountStatus is the connectivity snapshot for one account.
type AccountStatus struct {
	Connected bool   `json:"connected"`
	AccountID int64  `json:"accountId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// AccountDetails carries the upstream account record (balance included).
type AccountDetails struct {
	ID      int64   `json:"id"`
	Name    string  `json:"name"`
	Balance float64 `json:"balance"`
}
