package broker

import (
	"log/slog"
	"sync"

	"futures-gateway/internal/accounts"
	"futures-gateway/internal/config"
)

// Manager hands out one Client per account id, created lazily and held for
// the process lifetime. Session caches are never shared across accounts,
// even when the base URL matches.
type Manager struct {
	cfg    config.BrokerConfig
	dryRun bool
	logger *slog.Logger

	mu      sync.Mutex
	clients map[string]*Client
}

// NewManager creates the per-account client factory.
func NewManager(cfg config.BrokerConfig, dryRun bool, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:     cfg,
		dryRun:  dryRun,
		logger:  logger,
		clients: make(map[string]*Client),
	}
}

// ForAccount returns the client owning acct's session, creating it on
// first use.
func (m *Manager) ForAccount(acct *accounts.Account) *Client {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.clients[acct.ID]; ok {
		return c
	}
	c := NewClient(acct, m.cfg, m.dryRun, m.logger)
	m.clients[acct.ID] = c
	return c
}
