package alerts

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"futures-gateway/pkg/types"
)

// postgresStore persists alerts in a table store (Supabase or any plain
// Postgres). Schema is created on open if missing.
type postgresStore struct {
	pool *pgxpool.Pool
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS alerts (
	alert_id   TEXT PRIMARY KEY,
	action     TEXT NOT NULL,
	symbol     TEXT NOT NULL,
	account    TEXT NOT NULL,
	status     TEXT NOT NULL,
	stop_price NUMERIC,
	tp_price   NUMERIC,
	error_msg  TEXT,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS alerts_created_at_idx ON alerts (created_at DESC);

CREATE TABLE IF NOT EXISTS daily_pnl (
	account_id  TEXT NOT NULL,
	date        DATE NOT NULL,
	pnl         NUMERIC NOT NULL,
	balance     NUMERIC NOT NULL,
	trade_count INT NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (account_id, date)
);
`

// OpenPostgres connects to a Postgres/Supabase database and ensures the
// alert schema exists.
func OpenPostgres(ctx context.Context, url string) (Store, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &postgresStore{pool: pool}, nil
}

func (s *postgresStore) Name() string { return "postgres" }

func (s *postgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *postgresStore) SaveAlert(ctx context.Context, rec types.AlertRecord) error {
	var stop, tp *string
	if rec.Stop != nil {
		v := rec.Stop.String()
		stop = &v
	}
	if rec.TP != nil {
		v := rec.TP.String()
		tp = &v
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO alerts (alert_id, action, symbol, account, status, stop_price, tp_price, error_msg, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (alert_id) DO NOTHING`,
		rec.ID, rec.Action, rec.Symbol, rec.AccountID, string(rec.Status), stop, tp, rec.Error, rec.Timestamp)
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

func (s *postgresStore) ListAlerts(ctx context.Context, limit int) ([]types.AlertRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT alert_id, action, symbol, account, status, stop_price::TEXT, tp_price::TEXT, COALESCE(error_msg, ''), created_at
		FROM alerts ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	var out []types.AlertRecord
	for rows.Next() {
		var rec types.AlertRecord
		var status string
		var stop, tp *string
		if err := rows.Scan(&rec.ID, &rec.Action, &rec.Symbol, &rec.AccountID, &status, &stop, &tp, &rec.Error, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		rec.Status = types.AlertStatus(status)
		if stop != nil {
			if d, err := decimal.NewFromString(*stop); err == nil {
				rec.Stop = &d
			}
		}
		if tp != nil {
			if d, err := decimal.NewFromString(*tp); err == nil {
				rec.TP = &d
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *postgresStore) SaveDailyPnL(ctx context.Context, rec types.DailyPnL) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO daily_pnl (account_id, date, pnl, balance, trade_count, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (account_id, date) DO UPDATE
		SET pnl = EXCLUDED.pnl, balance = EXCLUDED.balance,
		    trade_count = EXCLUDED.trade_count, updated_at = EXCLUDED.updated_at`,
		rec.AccountID, rec.Date, rec.PnL.String(), rec.Balance.String(), rec.TradeCount, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert daily pnl: %w", err)
	}
	return nil
}

func (s *postgresStore) HistoryFor(ctx context.Context, accountID string, days int) ([]types.DailyPnL, error) {
	if days <= 0 {
		days = 30
	}
	rows, err := s.pool.Query(ctx, `
		SELECT account_id, date::TEXT, pnl::TEXT, balance::TEXT, trade_count, updated_at
		FROM daily_pnl
		WHERE account_id = $1 AND date >= CURRENT_DATE - $2::INT
		ORDER BY date DESC`, accountID, days)
	if err != nil {
		return nil, fmt.Errorf("pnl history: %w", err)
	}
	defer rows.Close()
	return scanPnL(rows)
}

func (s *postgresStore) HistoryAll(ctx context.Context, days int) ([]types.DailyPnL, error) {
	if days <= 0 {
		days = 30
	}
	rows, err := s.pool.Query(ctx, `
		SELECT account_id, date::TEXT, pnl::TEXT, balance::TEXT, trade_count, updated_at
		FROM daily_pnl
		WHERE date >= CURRENT_DATE - $1::INT
		ORDER BY account_id, date DESC`, days)
	if err != nil {
		return nil, fmt.Errorf("pnl history: %w", err)
	}
	defer rows.Close()
	return scanPnL(rows)
}

func scanPnL(rows interface {
	Next() bool
	Scan(...any) error
	Err() error
}) ([]types.DailyPnL, error) {
	var out []types.DailyPnL
	for rows.Next() {
		var rec types.DailyPnL
		var pnl, balance string
		if err := rows.Scan(&rec.AccountID, &rec.Date, &pnl, &balance, &rec.TradeCount, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan daily pnl: %w", err)
		}
		rec.PnL, _ = decimal.NewFromString(pnl)
		rec.Balance, _ = decimal.NewFromString(balance)
		out = append(out, rec)
	}
	return out, rows.Err()
}
