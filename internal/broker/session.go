package broker

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// session caches the bearer token and the lazily resolved upstream ids for
// one account. The mutex is held across a token refresh, so concurrent
// callers wait for the in-flight refresh instead of starting their own
// (single-flight).
//
// Token lifecycle: absent → valid → expiring (< refresh margin left) →
// refreshed. Any 401/403 from a downstream call forces absent.
type session struct {
	mu        sync.Mutex
	token     string
	expiresAt time.Time
	accountID int64             // resolved upstream numeric id (0 = unresolved)
	contracts map[string]string // symbol -> contract id, cached for process life
}

func newSession() *session {
	return &session{contracts: make(map[string]string)}
}

// invalidate drops the cached token so the next call re-authenticates.
func (s *session) invalidate() {
	s.mu.Lock()
	s.token = ""
	s.expiresAt = time.Time{}
	s.mu.Unlock()
}

// bearer returns a valid token, refreshing when less than the configured
// margin remains.
func (c *Client) bearer(ctx context.Context) (string, error) {
	s := c.session
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && time.Until(s.expiresAt) > c.cfg.RefreshMargin {
		return s.token, nil
	}

	if err := c.rl.Auth.Wait(ctx); err != nil {
		return "", err
	}

	var result loginKeyResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(loginKeyRequest{
			UserName: c.acct.Credentials.Username,
			APIKey:   c.acct.Credentials.APIKey,
			AuthType: "api_key",
		}).
		SetResult(&result).
		Post("/Auth/loginKey")
	if err != nil {
		return "", fmt.Errorf("loginKey: %w", err)
	}
	switch sc := resp.StatusCode(); {
	case sc == 401 || sc == 403:
		return "", fmt.Errorf("loginKey: status %d: %w", sc, ErrAuthRejected)
	case sc != 200:
		return "", &APIError{Endpoint: "/Auth/loginKey", Status: sc, Message: snippet(resp.String())}
	}
	if !result.Success || result.Token == "" {
		return "", fmt.Errorf("loginKey rejected: %s: %w", result.ErrorMessage, ErrAuthRejected)
	}

	s.token = result.Token
	s.expiresAt = time.Now().Add(c.cfg.TokenLifetime)
	c.logger.Info("session token refreshed", "account", c.acct.ID, "expires", s.expiresAt)
	return s.token, nil
}

// upstreamAccountID returns the numeric broker-side account id, resolving
// it via Account/search on first use. An explicit ACCOUNT_<ID>_ACCOUNT_ID
// env value short-circuits the search.
func (c *Client) upstreamAccountID(ctx context.Context) (int64, error) {
	s := c.session
	s.mu.Lock()
	cached := s.accountID
	s.mu.Unlock()
	if cached != 0 {
		return cached, nil
	}

	if raw := c.acct.Credentials.UpstreamAccountID; raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("configured account id %q is not numeric: %w", raw, err)
		}
		s.mu.Lock()
		s.accountID = id
		s.mu.Unlock()
		return id, nil
	}

	details, err := c.GetAccountDetails(ctx)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	s.accountID = details.ID
	s.mu.Unlock()
	c.logger.Info("upstream account resolved", "account", c.acct.ID, "upstream_id", details.ID)
	return details.ID, nil
}

// contractID resolves and caches the upstream contract id for a symbol.
func (c *Client) contractID(ctx context.Context, symbol string) (string, error) {
	s := c.session
	s.mu.Lock()
	if id, ok := s.contracts[symbol]; ok {
		s.mu.Unlock()
		return id, nil
	}
	s.mu.Unlock()

	var result contractSearchResponse
	if err := c.post(ctx, c.rl.Search, "/Contract/search",
		contractSearchRequest{SearchText: symbol, Live: false}, &result); err != nil {
		return "", err
	}
	if !result.Success {
		return "", fmt.Errorf("contract search failed: %s", result.ErrorMessage)
	}

	id := pickContract(result.Contracts, symbol)
	if id == "" {
		return "", fmt.Errorf("no contract found for symbol %q", symbol)
	}
	s.mu.Lock()
	s.contracts[symbol] = id
	s.mu.Unlock()
	c.logger.Info("contract resolved", "symbol", symbol, "contract", id)
	return id, nil
}
