package risk

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

// ErrBusy is returned when the per-account lock could not be acquired
// within the configured timeout. The caller should respond 503 — the
// signal is retryable once the in-flight trade settles.
var ErrBusy = errors.New("risk: account busy")

// accountLock is a capacity-1 semaphore with a generation counter.
// The generation lets a stale Lease (one whose acquire has since been
// superseded) release as a no-op instead of corrupting the semaphore.
type accountLock struct {
	sem chan struct{}
	gen atomic.Uint64
}

func newAccountLock() *accountLock {
	return &accountLock{sem: make(chan struct{}, 1)}
}

// Lease is the token handed to the webhook processor on a successful
// acquire. It must be released on every exit path; Release is idempotent.
type Lease struct {
	accountID string
	lock      *accountLock
	gen       uint64
	released  atomic.Bool
}

// AccountID returns the account this lease serializes.
func (l *Lease) AccountID() string { return l.accountID }

// AcquireLock blocks until the account lock is free, the configured
// timeout elapses (ErrBusy), or ctx is cancelled. At most one lease per
// account exists at any time.
func (m *Manager) AcquireLock(ctx context.Context, accountID string) (*Lease, error) {
	m.mu.Lock()
	lock := m.state(accountID).lock
	m.mu.Unlock()

	timer := time.NewTimer(m.cfg.LockTimeout)
	defer timer.Stop()

	select {
	case lock.sem <- struct{}{}:
		return &Lease{
			accountID: accountID,
			lock:      lock,
			gen:       lock.gen.Add(1),
		}, nil
	case <-timer.C:
		return nil, ErrBusy
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ReleaseLock frees the account lock. Safe to call multiple times and on
// stale leases; only the live lease's first release drains the semaphore.
func (m *Manager) ReleaseLock(lease *Lease) {
	if lease == nil || !lease.released.CompareAndSwap(false, true) {
		return
	}
	if lease.lock.gen.Load() != lease.gen {
		m.logger.Warn("stale lease release ignored", "account", lease.accountID)
		return
	}
	select {
	case <-lease.lock.sem:
	default:
	}
}
