package broker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"

	"futures-gateway/pkg/types"
)

var (
	testStop = decimal.NewFromInt(20900)
	testTP   = decimal.NewFromInt(21100)
)

func TestPlaceBracketOrderHappyPath(t *testing.T) {
	t.Parallel()

	g := newFakeGateway(t)
	c := g.client(t)

	res, err := c.PlaceBracketOrder(context.Background(), types.ActionBuy, "MNQ", testStop, testTP, 1, false)
	if err != nil {
		t.Fatalf("PlaceBracketOrder: %v", err)
	}
	if res.Partial {
		t.Fatalf("unexpected partial: %+v", res)
	}
	if res.Entry == nil || res.StopLoss == nil || res.TakeProfit == nil {
		t.Fatalf("missing legs: %+v", res)
	}

	if len(g.placed) != 3 {
		t.Fatalf("placed %d orders, want 3", len(g.placed))
	}
	entry, stop, tp := g.placed[0], g.placed[1], g.placed[2]
	if entry.Type != orderTypeMarket || entry.Side != orderSideBuy {
		t.Fatalf("entry leg wrong: %+v", entry)
	}
	if stop.Type != orderTypeStop || stop.Side != orderSideSell || stop.StopPrice == nil || *stop.StopPrice != 20900 {
		t.Fatalf("stop leg wrong: %+v", stop)
	}
	if tp.Type != orderTypeLimit || tp.Side != orderSideSell || tp.LimitPrice == nil || *tp.LimitPrice != 21100 {
		t.Fatalf("tp leg wrong: %+v", tp)
	}
}

func TestPlaceBracketOrderSellInvertsExits(t *testing.T) {
	t.Parallel()

	g := newFakeGateway(t)
	c := g.client(t)

	// Sell bracket: stop above, tp below, exits on the buy side.
	if _, err := c.PlaceBracketOrder(context.Background(), types.ActionSell, "MNQ",
		decimal.NewFromInt(21100), decimal.NewFromInt(20900), 1, false); err != nil {
		t.Fatalf("PlaceBracketOrder: %v", err)
	}
	entry, stop, tp := g.placed[0], g.placed[1], g.placed[2]
	if entry.Side != orderSideSell || stop.Side != orderSideBuy || tp.Side != orderSideBuy {
		t.Fatalf("sides wrong: entry %d stop %d tp %d", entry.Side, stop.Side, tp.Side)
	}
}

func TestPlaceBracketOrderRejectsClose(t *testing.T) {
	t.Parallel()

	g := newFakeGateway(t)
	if _, err := g.client(t).PlaceBracketOrder(context.Background(), types.ActionClose, "MNQ", testStop, testTP, 1, false); err == nil {
		t.Fatal("expected error for non-directional action")
	}
}

// orderScript fails specific order legs by index (0-based placement order).
func orderScript(g *fakeGateway, failAt map[int]bool) {
	g.mux.HandleFunc("/Order/place", func(w http.ResponseWriter, r *http.Request) {
		var req placeOrderRequest
		json.NewDecoder(r.Body).Decode(&req)
		idx := len(g.placed)
		g.placed = append(g.placed, req)
		if failAt[idx] {
			writeBody(w, placeOrderResponse{Success: false, ErrorCode: 5, ErrorMessage: "rejected"})
			return
		}
		id := g.orders.Add(1)
		writeBody(w, map[string]any{"orderId": id, "success": true})
	})
}

func scriptedGateway(t *testing.T, failAt map[int]bool) *fakeGateway {
	t.Helper()
	g := &fakeGateway{mux: http.NewServeMux()}
	g.mux.HandleFunc("/Auth/loginKey", func(w http.ResponseWriter, r *http.Request) {
		writeBody(w, loginKeyResponse{Token: "tok", Success: true})
	})
	g.mux.HandleFunc("/Account/search", func(w http.ResponseWriter, r *http.Request) {
		writeBody(w, accountSearchResponse{Success: true,
			Accounts: []upstreamAccount{{ID: 42, CanTrade: true}}})
	})
	g.mux.HandleFunc("/Contract/search", func(w http.ResponseWriter, r *http.Request) {
		writeBody(w, contractSearchResponse{Success: true,
			Contracts: []upstreamContract{{ID: "CON.F.US.MNQ.Z26", Symbol: "MNQ"}}})
	})
	g.mux.HandleFunc("/Position/search", func(w http.ResponseWriter, r *http.Request) {
		writeBody(w, map[string]any{"success": true, "positions": []any{}})
	})
	g.mux.HandleFunc("/Order/searchOpen", func(w http.ResponseWriter, r *http.Request) {
		writeBody(w, openOrderSearchResponse{Success: true})
	})
	orderScript(g, failAt)
	g.srv = httptest.NewServer(g.mux)
	t.Cleanup(g.srv.Close)
	return g
}

func TestPlaceBracketOrderStopFailureIsUnprotected(t *testing.T) {
	t.Parallel()

	// Leg 0 = entry, leg 1 = stop.
	g := scriptedGateway(t, map[int]bool{1: true})
	c := g.client(t)

	_, err := c.PlaceBracketOrder(context.Background(), types.ActionBuy, "MNQ", testStop, testTP, 1, false)
	var unprotected *UnprotectedPositionError
	if !errors.As(err, &unprotected) {
		t.Fatalf("got %v, want UnprotectedPositionError", err)
	}
	if unprotected.Entry == nil || unprotected.Entry.OrderID == "" {
		t.Fatalf("unprotected error must carry the live entry: %+v", unprotected)
	}
}

func TestPlaceBracketOrderTPFailureIsPartial(t *testing.T) {
	t.Parallel()

	// Leg 2 = take-profit.
	g := scriptedGateway(t, map[int]bool{2: true})
	c := g.client(t)

	res, err := c.PlaceBracketOrder(context.Background(), types.ActionBuy, "MNQ", testStop, testTP, 1, false)
	if err != nil {
		t.Fatalf("partial bracket must not error: %v", err)
	}
	if !res.Partial || res.TakeProfit != nil {
		t.Fatalf("got %+v, want partial without tp", res)
	}
	if res.Warning == "" || res.TPError == "" {
		t.Fatalf("partial result missing warning/tpError: %+v", res)
	}
	if res.Entry == nil || res.StopLoss == nil {
		t.Fatalf("protected legs missing: %+v", res)
	}
}

func TestPlaceBracketOrderSkipCleanup(t *testing.T) {
	t.Parallel()

	searched := 0
	g := &fakeGateway{mux: http.NewServeMux()}
	g.mux.HandleFunc("/Auth/loginKey", func(w http.ResponseWriter, r *http.Request) {
		writeBody(w, loginKeyResponse{Token: "tok", Success: true})
	})
	g.mux.HandleFunc("/Account/search", func(w http.ResponseWriter, r *http.Request) {
		writeBody(w, accountSearchResponse{Success: true,
			Accounts: []upstreamAccount{{ID: 42, CanTrade: true}}})
	})
	g.mux.HandleFunc("/Contract/search", func(w http.ResponseWriter, r *http.Request) {
		writeBody(w, contractSearchResponse{Success: true,
			Contracts: []upstreamContract{{ID: "C1", Symbol: "MNQ"}}})
	})
	g.mux.HandleFunc("/Position/search", func(w http.ResponseWriter, r *http.Request) {
		searched++
		writeBody(w, map[string]any{"success": true, "positions": []any{}})
	})
	g.mux.HandleFunc("/Order/searchOpen", func(w http.ResponseWriter, r *http.Request) {
		writeBody(w, openOrderSearchResponse{Success: true})
	})
	orderScript(g, nil)
	g.srv = httptest.NewServer(g.mux)
	t.Cleanup(g.srv.Close)

	c := g.client(t)
	if _, err := c.PlaceBracketOrder(context.Background(), types.ActionBuy, "MNQ", testStop, testTP, 1, true); err != nil {
		t.Fatalf("PlaceBracketOrder: %v", err)
	}
	if searched != 0 {
		t.Fatalf("cleanup ran despite skipCleanup: %d position searches", searched)
	}
}

func TestCloseAllPositions(t *testing.T) {
	t.Parallel()

	g := &fakeGateway{mux: http.NewServeMux()}
	g.mux.HandleFunc("/Auth/loginKey", func(w http.ResponseWriter, r *http.Request) {
		writeBody(w, loginKeyResponse{Token: "tok", Success: true})
	})
	g.mux.HandleFunc("/Account/search", func(w http.ResponseWriter, r *http.Request) {
		writeBody(w, accountSearchResponse{Success: true,
			Accounts: []upstreamAccount{{ID: 42, CanTrade: true}}})
	})
	g.mux.HandleFunc("/Contract/search", func(w http.ResponseWriter, r *http.Request) {
		writeBody(w, contractSearchResponse{Success: true,
			Contracts: []upstreamContract{{ID: "CON.MNQ", Symbol: "MNQ"}}})
	})
	g.mux.HandleFunc("/Position/search", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"success":true,"positions":[
			{"contractName":"CON.F.US.MNQ.Z26","netPos":-2},
			{"contractName":"CON.F.US.MES.Z26","netPos":1}
		]}`)
	})
	g.mux.HandleFunc("/Order/searchOpen", func(w http.ResponseWriter, r *http.Request) {
		writeBody(w, openOrderSearchResponse{Success: true,
			Orders: []upstreamOrder{{ID: "55", ContractID: "CON.MNQ"}}})
	})
	orderScript(g, nil)
	g.mux.HandleFunc("/Order/cancel", func(w http.ResponseWriter, r *http.Request) {
		var req cancelOrderRequest
		json.NewDecoder(r.Body).Decode(&req)
		g.cancelled = append(g.cancelled, req.OrderID)
		writeBody(w, statusResponse{Success: true})
	})
	g.srv = httptest.NewServer(g.mux)
	t.Cleanup(g.srv.Close)

	c := g.client(t)
	res, err := c.CloseAllPositions(context.Background(), "MNQ")
	if err != nil {
		t.Fatalf("CloseAllPositions: %v", err)
	}
	if res.Closed != 1 || len(res.Errors) != 0 {
		t.Fatalf("got %+v, want exactly the MNQ position closed", res)
	}

	// Short 2 → flattening buy of 2.
	if len(g.placed) != 1 {
		t.Fatalf("placed %d flatten orders, want 1", len(g.placed))
	}
	flatten := g.placed[0]
	if flatten.Side != orderSideBuy || flatten.Size != 2 || flatten.Type != orderTypeMarket {
		t.Fatalf("flatten order wrong: %+v", flatten)
	}
	if len(g.cancelled) != 1 || g.cancelled[0] != "55" {
		t.Fatalf("cancelled = %v, want [55]", g.cancelled)
	}
}

func TestCloseAllPositionsDegradesWithoutPositionSearch(t *testing.T) {
	t.Parallel()

	g := &fakeGateway{mux: http.NewServeMux()}
	g.mux.HandleFunc("/Auth/loginKey", func(w http.ResponseWriter, r *http.Request) {
		writeBody(w, loginKeyResponse{Token: "tok", Success: true})
	})
	g.mux.HandleFunc("/Account/search", func(w http.ResponseWriter, r *http.Request) {
		writeBody(w, accountSearchResponse{Success: true,
			Accounts: []upstreamAccount{{ID: 42, CanTrade: true}}})
	})
	// No /Position/search and no /Order/searchOpen: both degrade.
	g.srv = httptest.NewServer(g.mux)
	t.Cleanup(g.srv.Close)

	c := g.client(t)
	res, err := c.CloseAllPositions(context.Background(), "MNQ")
	if err != nil {
		t.Fatalf("CloseAllPositions must degrade, got %v", err)
	}
	if res.Closed != 0 || len(res.Errors) != 0 {
		t.Fatalf("degraded sweep should be empty: %+v", res)
	}
}
