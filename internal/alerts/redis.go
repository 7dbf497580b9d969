package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"futures-gateway/pkg/types"
)

// Redis key layout:
//
//	gw:alerts                      — LPUSH'd JSON records, trimmed to alertsKeep
//	gw:daily_pnl:<account>:<date>  — JSON DailyPnL, SET (upsert) with retention TTL
//	gw:pnl_accounts                — set of account ids that have P&L records
const (
	alertsKey      = "gw:alerts"
	dailyPnLPrefix = "gw:daily_pnl"
	pnlAccountsKey = "gw:pnl_accounts"

	alertsKeep   = 500
	pnlRetention = 90 * 24 * time.Hour
)

// redisStore persists alerts in a Vercel-KV-compatible redis instance.
type redisStore struct {
	client *redis.Client
	loc    *time.Location
}

// OpenRedis connects using a redis URL (redis:// or rediss://).
func OpenRedis(ctx context.Context, url string, loc *time.Location) (Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &redisStore{client: client, loc: loc}, nil
}

func (s *redisStore) Name() string { return "redis" }

func (s *redisStore) Close() error { return s.client.Close() }

func (s *redisStore) SaveAlert(ctx context.Context, rec types.AlertRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, alertsKey, data)
	pipe.LTrim(ctx, alertsKey, 0, alertsKeep-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store alert: %w", err)
	}
	return nil
}

func (s *redisStore) ListAlerts(ctx context.Context, limit int) ([]types.AlertRecord, error) {
	if limit <= 0 || limit > alertsKeep {
		limit = alertsKeep
	}
	raw, err := s.client.LRange(ctx, alertsKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	out := make([]types.AlertRecord, 0, len(raw))
	for _, item := range raw {
		var rec types.AlertRecord
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func pnlKey(accountID, date string) string {
	return fmt.Sprintf("%s:%s:%s", dailyPnLPrefix, accountID, date)
}

func (s *redisStore) SaveDailyPnL(ctx context.Context, rec types.DailyPnL) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal daily pnl: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, pnlKey(rec.AccountID, rec.Date), data, pnlRetention)
	pipe.SAdd(ctx, pnlAccountsKey, rec.AccountID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store daily pnl: %w", err)
	}
	return nil
}

func (s *redisStore) HistoryFor(ctx context.Context, accountID string, days int) ([]types.DailyPnL, error) {
	if days <= 0 {
		days = 30
	}
	now := time.Now().In(s.loc)
	keys := make([]string, 0, days)
	for i := 0; i < days; i++ {
		date := now.AddDate(0, 0, -i).Format("2006-01-02")
		keys = append(keys, pnlKey(accountID, date))
	}
	raw, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("pnl history: %w", err)
	}
	out := make([]types.DailyPnL, 0, len(raw))
	for _, item := range raw {
		str, ok := item.(string)
		if !ok {
			continue
		}
		var rec types.DailyPnL
		if err := json.Unmarshal([]byte(str), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *redisStore) HistoryAll(ctx context.Context, days int) ([]types.DailyPnL, error) {
	ids, err := s.client.SMembers(ctx, pnlAccountsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("pnl accounts: %w", err)
	}
	var out []types.DailyPnL
	for _, id := range ids {
		recs, err := s.HistoryFor(ctx, id, days)
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	return out, nil
}
