// Package broker implements the ProjectX-family REST client used for all
// order execution.
//
// One Client instance exists per account; each owns an isolated session
// cache (bearer token, resolved account and contract ids) even when two
// accounts share a base URL. Every upstream call is rate-limited through
// per-category token buckets and retried on 5xx/transport errors with
// exponential backoff. 401/403 responses invalidate the cached token and
// surface immediately — never retried.
//
// Endpoints (POST JSON under {baseUrl}):
//   - Auth/loginKey      — exchange username+apiKey for a bearer token
//   - Account/search     — resolve the upstream numeric account id + balance
//   - Contract/search    — resolve the instrument's contract id
//   - Order/place        — market / stop / limit orders
//   - Order/cancel       — cancel by id
//   - Position/search    — open positions (key names vary per build)
//   - Order/searchOpen   — resting orders
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"futures-gateway/internal/accounts"
	"futures-gateway/internal/config"
	"futures-gateway/pkg/types"
)

// Client is the REST client for a single brokerage account.
type Client struct {
	http    *resty.Client
	acct    *accounts.Account
	cfg     config.BrokerConfig
	session *session
	rl      *RateLimiter
	dryRun  bool
	logger  *slog.Logger
}

// NewClient creates a client bound to one account.
func NewClient(acct *accounts.Account, cfg config.BrokerConfig, dryRun bool, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(acct.APIBaseURL()).
		SetTimeout(cfg.RequestTimeout).
		SetRetryCount(cfg.MaxAttempts - 1).
		SetRetryWaitTime(cfg.BackoffBase).
		SetRetryMaxWaitTime(4 * cfg.BackoffBase).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				// Transport errors retry; cancellation does not.
				return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:    httpClient,
		acct:    acct,
		cfg:     cfg,
		session: newSession(),
		rl:      NewRateLimiter(),
		dryRun:  dryRun,
		logger:  logger.With("component", "broker", "account", acct.ID),
	}
}

// AccountID returns the gateway-side account id this client trades for.
func (c *Client) AccountID() string { return c.acct.ID }

// Broker returns the broker kind (topstepx, futuresdesk).
func (c *Client) Broker() string { return string(c.acct.Broker) }

// post performs an authenticated JSON POST with rate limiting and the
// client's retry policy, classifying the final status code.
func (c *Client) post(ctx context.Context, bucket *TokenBucket, path string, body, result any) error {
	if err := bucket.Wait(ctx); err != nil {
		return err
	}
	token, err := c.bearer(ctx)
	if err != nil {
		return err
	}

	req := c.http.R().SetContext(ctx).SetBody(body).SetAuthToken(token)
	if result != nil {
		req.SetResult(result)
	}
	resp, err := req.Post(path)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	switch sc := resp.StatusCode(); {
	case sc == http.StatusOK:
		return nil
	case sc == http.StatusUnauthorized || sc == http.StatusForbidden:
		c.session.invalidate()
		return fmt.Errorf("%s: status %d: %w", path, sc, ErrAuthRejected)
	case sc == http.StatusNotFound || sc == http.StatusNotImplemented:
		return fmt.Errorf("%s: %w", path, ErrNotSupported)
	default:
		return &APIError{Endpoint: path, Status: sc, Message: snippet(resp.String())}
	}
}

// placeOrder submits one order leg and returns its acknowledgement.
func (c *Client) placeOrder(ctx context.Context, symbol string, orderType int, side types.Action, size int, stopPrice, limitPrice *decimal.Decimal) (*types.OrderAck, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would place order", "symbol", symbol, "type", orderType, "side", side, "size", size)
		return &types.OrderAck{OrderID: fmt.Sprintf("dry-run-%d-%s", orderType, side), Side: side}, nil
	}

	accountID, err := c.upstreamAccountID(ctx)
	if err != nil {
		return nil, err
	}
	contractID, err := c.contractID(ctx, symbol)
	if err != nil {
		return nil, err
	}

	req := placeOrderRequest{
		AccountID:  accountID,
		ContractID: contractID,
		Type:       orderType,
		Side:       wireSide(side),
		Size:       size,
	}
	var ackPrice decimal.Decimal
	if stopPrice != nil {
		f, _ := stopPrice.Float64()
		req.StopPrice = &f
		ackPrice = *stopPrice
	}
	if limitPrice != nil {
		f, _ := limitPrice.Float64()
		req.LimitPrice = &f
		ackPrice = *limitPrice
	}

	var result placeOrderResponse
	if err := c.post(ctx, c.rl.Order, "/Order/place", req, &result); err != nil {
		return nil, err
	}
	if !result.Success {
		return nil, fmt.Errorf("order rejected (code %d): %s", result.ErrorCode, result.ErrorMessage)
	}
	c.logger.Info("order placed", "symbol", symbol, "type", orderType, "side", side, "order_id", result.OrderID.String())
	return &types.OrderAck{OrderID: result.OrderID.String(), Side: side, Price: ackPrice}, nil
}

// PlaceMarketOrder submits a market order.
func (c *Client) PlaceMarketOrder(ctx context.Context, symbol string, side types.Action, qty int) (*types.OrderAck, error) {
	return c.placeOrder(ctx, symbol, orderTypeMarket, side, qty, nil, nil)
}

// PlaceStopOrder submits a stop order at stopPrice.
func (c *Client) PlaceStopOrder(ctx context.Context, symbol string, side types.Action, stopPrice decimal.Decimal, qty int) (*types.OrderAck, error) {
	return c.placeOrder(ctx, symbol, orderTypeStop, side, qty, &stopPrice, nil)
}

// PlaceLimitOrder submits a limit order at limitPrice.
func (c *Client) PlaceLimitOrder(ctx context.Context, symbol string, side types.Action, limitPrice decimal.Decimal, qty int) (*types.OrderAck, error) {
	return c.placeOrder(ctx, symbol, orderTypeLimit, side, qty, nil, &limitPrice)
}

// CancelOrder cancels a resting order by id.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel order", "order_id", orderID)
		return nil
	}
	accountID, err := c.upstreamAccountID(ctx)
	if err != nil {
		return err
	}
	var result statusResponse
	if err := c.post(ctx, c.rl.Order, "/Order/cancel",
		cancelOrderRequest{AccountID: accountID, OrderID: orderID}, &result); err != nil {
		return err
	}
	if !result.Success {
		return fmt.Errorf("cancel rejected: %s", result.ErrorMessage)
	}
	return nil
}

// GetPositions fetches current open positions, normalized to signed
// quantities. ErrNotSupported means the upstream build has no position
// search — the caller treats exposure as unknown.
func (c *Client) GetPositions(ctx context.Context) ([]types.Position, error) {
	accountID, err := c.upstreamAccountID(ctx)
	if err != nil {
		return nil, err
	}
	var result positionSearchResponse
	if err := c.post(ctx, c.rl.Search, "/Position/search",
		positionSearchRequest{AccountID: accountID}, &result); err != nil {
		return nil, err
	}
	if !result.Success {
		return nil, fmt.Errorf("position search failed: %s", result.ErrorMessage)
	}

	out := make([]types.Position, 0, len(result.Positions))
	for i := range result.Positions {
		if pos, ok := result.Positions[i].normalize(); ok {
			out = append(out, pos)
		}
	}
	return out, nil
}

// OpenOrder is a resting order eligible for cancellation.
type OpenOrder struct {
	ID         string
	ContractID string
}

// GetOpenOrders fetches resting orders. ErrNotSupported degrades the same
// way as GetPositions.
func (c *Client) GetOpenOrders(ctx context.Context) ([]OpenOrder, error) {
	accountID, err := c.upstreamAccountID(ctx)
	if err != nil {
		return nil, err
	}
	var result openOrderSearchResponse
	if err := c.post(ctx, c.rl.Search, "/Order/searchOpen",
		openOrderSearchRequest{AccountID: accountID}, &result); err != nil {
		return nil, err
	}
	if !result.Success {
		return nil, fmt.Errorf("open order search failed: %s", result.ErrorMessage)
	}

	out := make([]OpenOrder, 0, len(result.Orders))
	for _, o := range result.Orders {
		out = append(out, OpenOrder{ID: o.ID.String(), ContractID: o.ContractID})
	}
	return out, nil
}

// GetAccountDetails fetches the upstream account record (id + balance).
func (c *Client) GetAccountDetails(ctx context.Context) (*AccountDetails, error) {
	var result accountSearchResponse
	if err := c.post(ctx, c.rl.Search, "/Account/search",
		accountSearchRequest{OnlyActiveAccounts: true}, &result); err != nil {
		return nil, err
	}
	if !result.Success {
		return nil, fmt.Errorf("account search failed: %s", result.ErrorMessage)
	}
	if len(result.Accounts) == 0 {
		return nil, fmt.Errorf("no active upstream accounts for %s", c.acct.ID)
	}

	pick := result.Accounts[0]
	for _, a := range result.Accounts {
		if a.CanTrade {
			pick = a
			break
		}
	}
	return &AccountDetails{ID: pick.ID, Name: pick.Name, Balance: pick.Balance}, nil
}

// GetAccountStatus probes connectivity by authenticating and resolving the
// upstream account id. Never returns an error — failures land in the
// status struct.
func (c *Client) GetAccountStatus(ctx context.Context) AccountStatus {
	id, err := c.upstreamAccountID(ctx)
	if err != nil {
		return AccountStatus{Connected: false, Error: err.Error()}
	}
	return AccountStatus{Connected: true, AccountID: id}
}

// pickContract chooses the contract whose name or symbol contains the
// instrument code, preferring an exact symbol match.
func pickContract(contracts []upstreamContract, symbol string) string {
	upper := strings.ToUpper(symbol)
	var fallback string
	for _, ct := range contracts {
		if strings.EqualFold(ct.Symbol, symbol) {
			return ct.ID
		}
		if fallback == "" &&
			(strings.Contains(strings.ToUpper(ct.Name), upper) ||
				strings.Contains(strings.ToUpper(ct.Symbol), upper)) {
			fallback = ct.ID
		}
	}
	return fallback
}

// snippet bounds upstream response bodies quoted in errors.
func snippet(s string) string {
	const max = 200
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
