package broker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"

	"futures-gateway/pkg/types"
)

// PlaceBracketOrder executes the three-leg bracket transaction:
//
//  1. Unless skipCleanup is set, flatten any open position on the symbol
//     and cancel all resting orders. A partially failed cleanup aborts the
//     bracket — entering on top of unknown residual state is not allowed.
//  2. Market entry in the signal direction.
//  3. Protective stop on the opposite side. A failure here is an
//     UnprotectedPositionError — the entry is live without a stop, and the
//     error must reach the operator.
//  4. Take-profit limit on the opposite side. A failure here degrades to
//     Partial=true: the stop still protects the position.
func (c *Client) PlaceBracketOrder(ctx context.Context, action types.Action, symbol string, stop, tp decimal.Decimal, qty int, skipCleanup bool) (*types.BracketResult, error) {
	if action != types.ActionBuy && action != types.ActionSell {
		return nil, fmt.Errorf("bracket action must be buy or sell, got %q", action)
	}
	if qty <= 0 {
		qty = 1
	}
	exit := types.ActionSell
	if action == types.ActionSell {
		exit = types.ActionBuy
	}

	if !skipCleanup {
		res, err := c.CloseAllPositions(ctx, symbol)
		if err != nil {
			return nil, fmt.Errorf("pre-trade cleanup: %w", err)
		}
		if len(res.Errors) > 0 {
			return nil, &CleanupError{Closed: res.Closed, Errs: res.Errors}
		}
	}

	entry, err := c.PlaceMarketOrder(ctx, symbol, action, qty)
	if err != nil {
		return nil, fmt.Errorf("entry order: %w", err)
	}

	stopAck, err := c.PlaceStopOrder(ctx, symbol, exit, stop, qty)
	if err != nil {
		return nil, &UnprotectedPositionError{Entry: entry, Cause: err}
	}

	result := &types.BracketResult{Entry: entry, StopLoss: stopAck}

	tpAck, err := c.PlaceLimitOrder(ctx, symbol, exit, tp, qty)
	if err != nil {
		result.Partial = true
		result.TPError = err.Error()
		result.Warning = "take-profit order failed; position is protected by the stop only"
		c.logger.Warn("partial bracket", "symbol", symbol, "tp_error", err)
		return result, nil
	}
	result.TakeProfit = tpAck

	c.logger.Info("bracket placed",
		"symbol", symbol, "action", action,
		"entry", entry.OrderID, "stop", stopAck.OrderID, "tp", tpAck.OrderID)
	return result, nil
}

// CloseAllPositions flattens every open position (optionally filtered by
// symbol) with market orders, then cancels resting orders. Per-position
// failures are collected rather than aborting the sweep. An upstream build
// without position search yields zero closes and no error — the caller
// treats exposure as unknown.
func (c *Client) CloseAllPositions(ctx context.Context, symbolFilter string) (*types.CloseResult, error) {
	result := &types.CloseResult{}

	positions, err := c.GetPositions(ctx)
	switch {
	case errors.Is(err, ErrNotSupported):
		c.logger.Warn("position search unsupported upstream; skipping flatten")
	case err != nil:
		return nil, err
	default:
		for _, pos := range positions {
			if pos.Qty == 0 {
				continue
			}
			if symbolFilter != "" && !symbolMatches(pos.Symbol, symbolFilter) {
				continue
			}
			qty := int(math.Abs(pos.Qty))
			if qty == 0 {
				qty = 1
			}
			closeSymbol := symbolFilter
			if closeSymbol == "" {
				closeSymbol = pos.Symbol
			}
			if _, err := c.PlaceMarketOrder(ctx, closeSymbol, pos.Side().Opposite(), qty); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("close %s: %v", pos.Symbol, err))
				continue
			}
			result.Closed++
		}
	}

	orders, err := c.GetOpenOrders(ctx)
	switch {
	case errors.Is(err, ErrNotSupported):
		c.logger.Warn("open order search unsupported upstream; skipping cancels")
		return result, nil
	case err != nil:
		return nil, err
	}

	var contractFilter string
	if symbolFilter != "" {
		c.session.mu.Lock()
		contractFilter = c.session.contracts[symbolFilter]
		c.session.mu.Unlock()
	}
	for _, o := range orders {
		if contractFilter != "" && o.ContractID != "" && o.ContractID != contractFilter {
			continue
		}
		if err := c.CancelOrder(ctx, o.ID); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("cancel %s: %v", o.ID, err))
		}
	}
	return result, nil
}

// symbolMatches accepts both bare codes ("MNQ") and full contract names
// ("CON.F.US.MNQ.H25") on either side.
func symbolMatches(positionSymbol, filter string) bool {
	if positionSymbol == "" {
		// No symbol key in the upstream payload; err on the side of closing.
		return true
	}
	return containsFold(positionSymbol, filter) || containsFold(filter, positionSymbol)
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToUpper(haystack), strings.ToUpper(needle))
}
