// Package alerts is the best-effort audit trail for webhook outcomes.
//
// Every terminal webhook outcome produces one immutable AlertRecord. Save
// never blocks the trading hot path: records go to an in-process ring
// synchronously and to the persistent backend (redis or postgres, when
// configured) through a bounded background queue. Queue overflow drops the
// oldest pending write and counts the drop — losing an audit row is
// acceptable, delaying an order is not.
package alerts

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"futures-gateway/internal/config"
	"futures-gateway/pkg/types"
)

// Store is a persistent alert backend. Implementations: redisStore,
// postgresStore. All methods are safe for concurrent use.
type Store interface {
	Name() string
	SaveAlert(ctx context.Context, rec types.AlertRecord) error
	ListAlerts(ctx context.Context, limit int) ([]types.AlertRecord, error)
	SaveDailyPnL(ctx context.Context, rec types.DailyPnL) error
	HistoryFor(ctx context.Context, accountID string, days int) ([]types.DailyPnL, error)
	HistoryAll(ctx context.Context, days int) ([]types.DailyPnL, error)
	Close() error
}

// Log is the front door the rest of the gateway writes through.
type Log struct {
	store   Store // nil when running ring-only
	ring    *ring
	loc     *time.Location
	timeout time.Duration
	logger  *slog.Logger

	queue   chan types.AlertRecord
	dropped atomic.Uint64
	notify  func(types.AlertRecord)

	wg   sync.WaitGroup
	stop chan struct{}
	once sync.Once
}

// New builds the alert log. A nil store means ring-only operation (no
// persistence env configured).
func New(cfg config.AlertsConfig, store Store, loc *time.Location, logger *slog.Logger) *Log {
	l := &Log{
		store:   store,
		ring:    newRing(cfg.RingSize),
		loc:     loc,
		timeout: cfg.SaveTimeout,
		logger:  logger.With("component", "alerts"),
		queue:   make(chan types.AlertRecord, cfg.QueueSize),
		stop:    make(chan struct{}),
	}
	l.wg.Add(1)
	go l.worker()
	return l
}

// SetNotify registers a hook invoked synchronously for every saved record
// (used by the live alert stream). Must be set before traffic starts.
func (l *Log) SetNotify(fn func(types.AlertRecord)) {
	l.notify = fn
}

// Backend returns the persistent backend name, or "memory".
func (l *Log) Backend() string {
	if l.store == nil {
		return "memory"
	}
	return l.store.Name()
}

// Dropped returns how many records overflowed the write queue.
func (l *Log) Dropped() uint64 {
	return l.dropped.Load()
}

// Save records an alert. Never returns an error and never blocks beyond a
// channel push — persistence failures degrade to the ring.
func (l *Log) Save(rec types.AlertRecord) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	l.ring.add(rec)
	if l.notify != nil {
		l.notify(rec)
	}
	if l.store == nil {
		return
	}

	select {
	case l.queue <- rec:
	default:
		// Queue full: drop the oldest pending write to keep the newest.
		select {
		case <-l.queue:
			l.dropped.Add(1)
		default:
		}
		select {
		case l.queue <- rec:
		default:
			l.dropped.Add(1)
		}
	}
}

func (l *Log) worker() {
	defer l.wg.Done()
	for {
		select {
		case rec := <-l.queue:
			l.persist(rec)
		case <-l.stop:
			// Drain what's left before exiting.
			for {
				select {
				case rec := <-l.queue:
					l.persist(rec)
				default:
					return
				}
			}
		}
	}
}

func (l *Log) persist(rec types.AlertRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()
	if err := l.store.SaveAlert(ctx, rec); err != nil {
		l.logger.Warn("alert persist failed", "id", rec.ID, "error", err)
	}
}

// Close drains the queue and stops the worker.
func (l *Log) Close() {
	l.once.Do(func() { close(l.stop) })
	l.wg.Wait()
	if l.store != nil {
		if err := l.store.Close(); err != nil {
			l.logger.Warn("store close failed", "error", err)
		}
	}
}

// List returns recent alerts, preferring the persistent backend and
// falling back to the ring.
func (l *Log) List(ctx context.Context, limit int) []types.AlertRecord {
	if l.store != nil {
		if out, err := l.store.ListAlerts(ctx, limit); err == nil {
			return out
		} else {
			l.logger.Warn("alert list from backend failed, using ring", "error", err)
		}
	}
	return l.ring.list(limit)
}

// ListToday returns alerts since midnight in the exchange time zone.
func (l *Log) ListToday() []types.AlertRecord {
	now := time.Now().In(l.loc)
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, l.loc)
	return l.ring.listSince(midnight)
}

// SaveDailyPnL upserts the end-of-day record for (account, date).
// Best-effort like Save, but synchronous — it runs from the scheduler,
// not the trading hot path.
func (l *Log) SaveDailyPnL(ctx context.Context, rec types.DailyPnL) {
	if l.store == nil {
		return
	}
	rec.UpdatedAt = time.Now()
	if err := l.store.SaveDailyPnL(ctx, rec); err != nil {
		l.logger.Warn("daily pnl persist failed", "account", rec.AccountID, "error", err)
	}
}

// HistoryFor returns up to days of daily P&L records for one account.
func (l *Log) HistoryFor(ctx context.Context, accountID string, days int) []types.DailyPnL {
	if l.store == nil {
		return nil
	}
	out, err := l.store.HistoryFor(ctx, accountID, days)
	if err != nil {
		l.logger.Warn("pnl history failed", "account", accountID, "error", err)
		return nil
	}
	return out
}

// HistoryAll returns daily P&L records across all accounts.
func (l *Log) HistoryAll(ctx context.Context, days int) []types.DailyPnL {
	if l.store == nil {
		return nil
	}
	out, err := l.store.HistoryAll(ctx, days)
	if err != nil {
		l.logger.Warn("pnl history failed", "error", err)
		return nil
	}
	return out
}
