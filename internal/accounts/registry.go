// Package accounts loads brokerage account descriptors from the environment
// and resolves inbound webhook secrets to accounts.
//
// Two env patterns are recognized:
//
//   - Legacy single account: PROJECTX_USERNAME, PROJECTX_API_KEY,
//     PROJECTX_ACCOUNT_ID, WEBHOOK_SECRET — bound to the id "default".
//   - Multi account: ACCOUNT_<ID>_BROKER|NAME|USERNAME|API_KEY|ACCOUNT_ID|
//     BASE_URL|ENABLED|WEBHOOK_SECRET, grouped by <ID> (lowercased).
//
// The registry is immutable after load; reloading is a process restart.
package accounts

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
)

// Sentinel errors returned by Resolve. The webhook layer maps these to
// 401 / 404 / 403 respectively.
var (
	ErrUnauthorized = errors.New("accounts: invalid webhook secret")
	ErrNotFound     = errors.New("accounts: account not found")
	ErrDisabled     = errors.New("accounts: account disabled")
)

// BrokerKind identifies which ProjectX-family gateway an account trades
// through. The wire protocol is identical; only the base URL differs.
type BrokerKind string

const (
	BrokerTopStepX    BrokerKind = "topstepx"
	BrokerFuturesDesk BrokerKind = "futuresdesk"
)

// BaseURL returns the default API root for a broker kind.
func (k BrokerKind) BaseURL() string {
	switch k {
	case BrokerFuturesDesk:
		return "https://api.futuresdesk.com/api"
	default:
		return "https://api.topstepx.com/api"
	}
}

// Credentials holds the upstream API credentials for one account.
type Credentials struct {
	Username          string
	APIKey            string
	UpstreamAccountID string // numeric id at the broker; resolved lazily if empty
	BaseURL           string // overrides the broker-kind default if set
}

// Account is an immutable descriptor for one brokerage account.
type Account struct {
	ID            string
	DisplayName   string
	Broker        BrokerKind
	Enabled       bool
	Credentials   Credentials
	WebhookSecret string
}

// APIBaseURL returns the effective upstream base URL.
func (a *Account) APIBaseURL() string {
	if a.Credentials.BaseURL != "" {
		return strings.TrimRight(a.Credentials.BaseURL, "/")
	}
	return a.Broker.BaseURL()
}

// Summary is the non-sensitive view of an account for status endpoints.
type Summary struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Broker      string `json:"broker"`
	Enabled     bool   `json:"enabled"`
	HasSecret   bool   `json:"hasSecret"`
}

// Registry resolves secrets and ids to accounts. Read-only after load.
type Registry struct {
	byID     map[string]*Account
	bySecret map[string]string // webhookSecret -> account id
	order    []string          // ids in stable listing order
	logger   *slog.Logger
}

// LoadFromEnv discovers accounts from the process environment.
// Accounts missing username or apiKey are logged and skipped. A webhook
// secret already claimed by an earlier account causes the later account to
// be skipped — secrets must resolve to exactly one account.
func LoadFromEnv(logger *slog.Logger) (*Registry, error) {
	r := &Registry{
		byID:     make(map[string]*Account),
		bySecret: make(map[string]string),
		logger:   logger.With("component", "accounts"),
	}

	for _, acct := range discoverMulti() {
		r.add(acct)
	}
	if legacy := discoverLegacy(); legacy != nil {
		// Legacy creds only fill the "default" slot if multi-account env
		// didn't define it.
		if _, taken := r.byID[legacy.ID]; !taken {
			r.add(legacy)
		}
	}

	if len(r.byID) == 0 {
		return nil, fmt.Errorf("no accounts configured: set PROJECTX_USERNAME/PROJECTX_API_KEY or ACCOUNT_<ID>_* env vars")
	}
	sort.Strings(r.order)
	r.logger.Info("accounts loaded", "count", len(r.byID))
	return r, nil
}

func (r *Registry) add(acct *Account) {
	if acct.Credentials.Username == "" || acct.Credentials.APIKey == "" {
		r.logger.Warn("skipping account with incomplete credentials", "id", acct.ID)
		return
	}
	if acct.WebhookSecret != "" {
		if prev, dup := r.bySecret[acct.WebhookSecret]; dup {
			r.logger.Warn("skipping account: webhook secret already bound", "id", acct.ID, "bound_to", prev)
			return
		}
		r.bySecret[acct.WebhookSecret] = acct.ID
	}
	r.byID[acct.ID] = acct
	r.order = append(r.order, acct.ID)
}

// multi-account fields recognized after the ACCOUNT_<ID>_ prefix.
var accountFields = []string{
	"WEBHOOK_SECRET", "ACCOUNT_ID", "BASE_URL", "API_KEY",
	"USERNAME", "ENABLED", "BROKER", "NAME",
}

func discoverMulti() []*Account {
	partial := make(map[string]map[string]string)
	for _, kv := range os.Environ() {
		eq := strings.IndexByte(kv, '=')
		if eq < 0 {
			continue
		}
		key, val := kv[:eq], kv[eq+1:]
		if !strings.HasPrefix(key, "ACCOUNT_") {
			continue
		}
		rest := key[len("ACCOUNT_"):]
		// Field names may contain underscores, so match by known suffix.
		for _, field := range accountFields {
			if strings.HasSuffix(rest, "_"+field) {
				id := strings.ToLower(rest[:len(rest)-len(field)-1])
				if id == "" {
					break
				}
				if partial[id] == nil {
					partial[id] = make(map[string]string)
				}
				partial[id][field] = val
				break
			}
		}
	}

	ids := make([]string, 0, len(partial))
	for id := range partial {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]*Account, 0, len(ids))
	for _, id := range ids {
		fields := partial[id]
		acct := &Account{
			ID:          id,
			DisplayName: fields["NAME"],
			Broker:      parseBrokerKind(fields["BROKER"]),
			Enabled:     parseEnabled(fields["ENABLED"]),
			Credentials: Credentials{
				Username:          fields["USERNAME"],
				APIKey:            fields["API_KEY"],
				UpstreamAccountID: fields["ACCOUNT_ID"],
				BaseURL:           fields["BASE_URL"],
			},
			WebhookSecret: fields["WEBHOOK_SECRET"],
		}
		if acct.DisplayName == "" {
			acct.DisplayName = id
		}
		out = append(out, acct)
	}
	return out
}

func discoverLegacy() *Account {
	username := os.Getenv("PROJECTX_USERNAME")
	apiKey := os.Getenv("PROJECTX_API_KEY")
	if username == "" && apiKey == "" {
		return nil
	}
	return &Account{
		ID:          "default",
		DisplayName: "Default",
		Broker:      BrokerTopStepX,
		Enabled:     true,
		Credentials: Credentials{
			Username:          username,
			APIKey:            apiKey,
			UpstreamAccountID: os.Getenv("PROJECTX_ACCOUNT_ID"),
		},
		WebhookSecret: os.Getenv("WEBHOOK_SECRET"),
	}
}

func parseBrokerKind(s string) BrokerKind {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "futuresdesk":
		return BrokerFuturesDesk
	default:
		return BrokerTopStepX
	}
}

// parseEnabled treats an absent value as enabled; only an explicit
// false/0/no disables an account.
func parseEnabled(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "false", "0", "no", "off":
		return false
	}
	return true
}

// Resolve maps an inbound secret (and optional explicit account id) to an
// account.
//
// With an explicit id, the account is looked up by id and its stored secret
// (when set) must match the supplied one. Without an explicit id, the secret
// is looked up directly, falling back to the legacy "default" account.
func (r *Registry) Resolve(secret, explicitID string) (*Account, error) {
	if explicitID != "" {
		acct, ok := r.byID[strings.ToLower(explicitID)]
		if !ok {
			return nil, ErrNotFound
		}
		if acct.WebhookSecret != "" && acct.WebhookSecret != secret {
			return nil, ErrUnauthorized
		}
		if !acct.Enabled {
			return nil, ErrDisabled
		}
		return acct, nil
	}

	if id, ok := r.bySecret[secret]; ok {
		acct := r.byID[id]
		if !acct.Enabled {
			return nil, ErrDisabled
		}
		return acct, nil
	}

	// Legacy fallback: a single "default" account accepts its own secret.
	if acct, ok := r.byID["default"]; ok && acct.WebhookSecret == secret && secret != "" {
		if !acct.Enabled {
			return nil, ErrDisabled
		}
		return acct, nil
	}

	return nil, ErrUnauthorized
}

// Get returns an account by id.
func (r *Registry) Get(id string) (*Account, bool) {
	acct, ok := r.byID[strings.ToLower(id)]
	return acct, ok
}

// List returns all accounts in stable order.
func (r *Registry) List() []*Account {
	out := make([]*Account, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// ListEnabled returns only enabled accounts.
func (r *Registry) ListEnabled() []*Account {
	out := make([]*Account, 0, len(r.order))
	for _, id := range r.order {
		if acct := r.byID[id]; acct.Enabled {
			out = append(out, acct)
		}
	}
	return out
}

// Summaries returns the non-sensitive view of every account.
func (r *Registry) Summaries() []Summary {
	out := make([]Summary, 0, len(r.order))
	for _, id := range r.order {
		acct := r.byID[id]
		out = append(out, Summary{
			ID:          acct.ID,
			DisplayName: acct.DisplayName,
			Broker:      string(acct.Broker),
			Enabled:     acct.Enabled,
			HasSecret:   acct.WebhookSecret != "",
		})
	}
	return out
}
