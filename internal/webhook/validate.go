package webhook

import (
	"fmt"

	"github.com/shopspring/decimal"

	"futures-gateway/pkg/types"
)

// Price sanity ranges per instrument. Signals quoting prices outside the
// range are misconfigured charts, not trades.
var sanityRanges = map[string][2]int64{
	types.DefaultSymbol: {10000, 50000}, // MNQ
}

// validatePrices checks the stop/tp pair for an entry signal and returns
// the parsed prices. Presence, finiteness, positivity, range, and bracket
// orientation each fail with their own message — a literal 0 is "not
// positive", never "missing".
func validatePrices(action types.Action, symbol string, stopPtr, tpPtr *decimal.Decimal) (stop, tp decimal.Decimal, err error) {
	if stopPtr == nil {
		return stop, tp, fmt.Errorf("stop is required for %s signals", action)
	}
	if tpPtr == nil {
		return stop, tp, fmt.Errorf("tp is required for %s signals", action)
	}
	stop, tp = *stopPtr, *tpPtr

	if !stop.IsPositive() {
		return stop, tp, fmt.Errorf("stop must be a positive price, got %s", stop)
	}
	if !tp.IsPositive() {
		return stop, tp, fmt.Errorf("tp must be a positive price, got %s", tp)
	}

	if bounds, ok := sanityRanges[symbol]; ok {
		lo, hi := decimal.NewFromInt(bounds[0]), decimal.NewFromInt(bounds[1])
		if stop.LessThan(lo) || stop.GreaterThan(hi) {
			return stop, tp, fmt.Errorf("stop %s outside sanity range [%s, %s] for %s", stop, lo, hi, symbol)
		}
		if tp.LessThan(lo) || tp.GreaterThan(hi) {
			return stop, tp, fmt.Errorf("tp %s outside sanity range [%s, %s] for %s", tp, lo, hi, symbol)
		}
	}

	switch action {
	case types.ActionBuy:
		if !stop.LessThan(tp) {
			return stop, tp, fmt.Errorf("buy bracket requires stop < tp (got stop %s, tp %s)", stop, tp)
		}
	case types.ActionSell:
		if !stop.GreaterThan(tp) {
			return stop, tp, fmt.Errorf("sell bracket requires stop > tp (got stop %s, tp %s)", stop, tp)
		}
	}
	return stop, tp, nil
}
