package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"futures-gateway/pkg/types"
)

// TestStep is one stage of a dry validation run.
type TestStep struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// TestReport is the response body for the webhook test endpoint.
type TestReport struct {
	HTTPStatus int `json:"-"`

	OK    bool       `json:"ok"`
	Steps []TestStep `json:"steps"`
}

// Validate runs the webhook pipeline up to (but excluding) order placement:
// parse, auth, action, prices, and a risk-gate preview. Nothing is locked,
// recorded, or transmitted — safe to call while live traffic flows.
func (p *Processor) Validate(ctx context.Context, body []byte) *TestReport {
	report := &TestReport{HTTPStatus: http.StatusOK, OK: true}
	fail := func(name, detail string) *TestReport {
		report.Steps = append(report.Steps, TestStep{Name: name, Detail: detail})
		report.OK = false
		report.HTTPStatus = http.StatusBadRequest
		return report
	}
	pass := func(name, detail string) {
		report.Steps = append(report.Steps, TestStep{Name: name, OK: true, Detail: detail})
	}

	var payload types.WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return fail("parse", fmt.Sprintf("invalid JSON body: %v", err))
	}
	pass("parse", "")

	acct, err := p.registry.Resolve(payload.Secret, payload.Account)
	if err != nil {
		return fail("auth", err.Error())
	}
	pass("auth", fmt.Sprintf("account %s (%s)", acct.ID, acct.Broker))

	action, ok := types.ParseAction(payload.Action)
	if !ok {
		return fail("action", fmt.Sprintf("action must be buy, sell, or close; got %q", payload.Action))
	}
	pass("action", string(action))

	symbol := payload.SymbolOrDefault()
	if action != types.ActionClose {
		stop, tp, verr := validatePrices(action, symbol, payload.Stop, payload.TP)
		if verr != nil {
			return fail("prices", verr.Error())
		}
		pass("prices", fmt.Sprintf("stop %s / tp %s on %s", stop, tp, symbol))

		// Read-only gate preview: contains() does not insert, so a later
		// real delivery of the same signal is unaffected.
		fingerprint := p.risk.GenerateWebhookID(acct.ID, payload)
		if d := p.risk.CanExecuteTrade(acct.ID, fingerprint); !d.Allowed {
			report.Steps = append(report.Steps, TestStep{Name: "risk", Detail: "would block: " + d.Reason})
			report.OK = false
			return report
		}
		pass("risk", "all gates clear")
	}

	return report
}
