// Package config defines all configuration for the trading gateway.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via GATEWAY_* environment variables.
// Account credentials are NOT configured here — they come exclusively
// from environment variables (see internal/accounts).
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun    bool            `mapstructure:"dry_run"`
	Server    ServerConfig    `mapstructure:"server"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Broker    BrokerConfig    `mapstructure:"broker"`
	Alerts    AlertsConfig    `mapstructure:"alerts"`
	Calendar  CalendarConfig  `mapstructure:"calendar"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls the inbound HTTP surface.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// RiskConfig sets the per-account hard limits enforced before any order
// is transmitted.
//
//   - MaxTradesPerDay: daily trade count ceiling.
//   - MaxDailyLoss:    USD loss ceiling; trading stops for the day once hit.
//   - Cooldown:        minimum spacing between trades on one account.
//   - LockTimeout:     bounded wait for the per-account lock.
//   - DuplicateTTL:    how long a webhook fingerprint stays in the ring.
//   - DuplicateRing:   minimum fingerprints retained per account.
type RiskConfig struct {
	MaxTradesPerDay int           `mapstructure:"max_trades_per_day"`
	MaxDailyLoss    float64       `mapstructure:"max_daily_loss"`
	Cooldown        time.Duration `mapstructure:"cooldown"`
	LockTimeout     time.Duration `mapstructure:"lock_timeout"`
	DuplicateTTL    time.Duration `mapstructure:"duplicate_ttl"`
	DuplicateRing   int           `mapstructure:"duplicate_ring"`
}

// BrokerConfig tunes the upstream ProjectX-family REST client.
//
//   - RequestTimeout: per-request hard deadline.
//   - MaxAttempts:    total tries per upstream call (1 + retries).
//   - BackoffBase:    exponential backoff base (base, 2*base, 4*base, ...).
//   - RefreshMargin:  refresh the session token when less than this remains.
//   - TokenLifetime:  assumed bearer-token validity from the gateway.
type BrokerConfig struct {
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BackoffBase    time.Duration `mapstructure:"backoff_base"`
	RefreshMargin  time.Duration `mapstructure:"refresh_margin"`
	TokenLifetime  time.Duration `mapstructure:"token_lifetime"`
}

// AlertsConfig controls the audit-trail writer.
// RedisURL / PostgresURL select the backend; both empty means the
// in-memory ring only. The worker queue is bounded — overflow drops the
// oldest pending record.
type AlertsConfig struct {
	RedisURL    string        `mapstructure:"redis_url"`
	PostgresURL string        `mapstructure:"postgres_url"`
	QueueSize   int           `mapstructure:"queue_size"`
	RingSize    int           `mapstructure:"ring_size"`
	SaveTimeout time.Duration `mapstructure:"save_timeout"`
}

// CalendarConfig lists exchange holidays and early-close dates (YYYY-MM-DD,
// interpreted in America/New_York).
type CalendarConfig struct {
	Holidays    []string `mapstructure:"holidays"`
	EarlyCloses []string `mapstructure:"early_closes"`
}

// SchedulerConfig controls background jobs.
type SchedulerConfig struct {
	DailyPnLEnabled bool   `mapstructure:"daily_pnl_enabled"`
	DailyPnLSpec    string `mapstructure:"daily_pnl_spec"` // cron spec, evaluated in ET
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides. A missing file
// is not an error — the gateway runs on defaults plus environment, which is
// the normal deployment mode.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("GATEWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, statErr := os.Stat(path); statErr == nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Persistence URLs follow the hosting platform's conventions, so the
	// native env names are accepted too.
	if cfg.Alerts.RedisURL == "" {
		if u := os.Getenv("KV_URL"); u != "" {
			cfg.Alerts.RedisURL = u
		} else if u := os.Getenv("REDIS_URL"); u != "" {
			cfg.Alerts.RedisURL = u
		}
	}
	if cfg.Alerts.PostgresURL == "" {
		if u := os.Getenv("SUPABASE_DB_URL"); u != "" {
			cfg.Alerts.PostgresURL = u
		} else if u := os.Getenv("DATABASE_URL"); u != "" {
			cfg.Alerts.PostgresURL = u
		}
	}
	if os.Getenv("GATEWAY_DRY_RUN") == "true" || os.Getenv("GATEWAY_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", 15*time.Second)

	v.SetDefault("risk.max_trades_per_day", 8)
	v.SetDefault("risk.max_daily_loss", 400.0)
	v.SetDefault("risk.cooldown", 60*time.Second)
	v.SetDefault("risk.lock_timeout", 5*time.Second)
	v.SetDefault("risk.duplicate_ttl", 10*time.Minute)
	v.SetDefault("risk.duplicate_ring", 128)

	v.SetDefault("broker.request_timeout", 10*time.Second)
	v.SetDefault("broker.max_attempts", 3)
	v.SetDefault("broker.backoff_base", time.Second)
	v.SetDefault("broker.refresh_margin", 5*time.Minute)
	v.SetDefault("broker.token_lifetime", 60*time.Minute)

	v.SetDefault("alerts.queue_size", 256)
	v.SetDefault("alerts.ring_size", 100)
	v.SetDefault("alerts.save_timeout", 500*time.Millisecond)

	v.SetDefault("scheduler.daily_pnl_enabled", true)
	v.SetDefault("scheduler.daily_pnl_spec", "5 17 * * MON-FRI")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in (0, 65535]")
	}
	if c.Risk.MaxTradesPerDay <= 0 {
		return fmt.Errorf("risk.max_trades_per_day must be > 0")
	}
	if c.Risk.MaxDailyLoss <= 0 {
		return fmt.Errorf("risk.max_daily_loss must be > 0")
	}
	if c.Risk.LockTimeout <= 0 {
		return fmt.Errorf("risk.lock_timeout must be > 0")
	}
	if c.Broker.MaxAttempts <= 0 {
		return fmt.Errorf("broker.max_attempts must be > 0")
	}
	if c.Broker.RequestTimeout <= 0 {
		return fmt.Errorf("broker.request_timeout must be > 0")
	}
	if c.Alerts.QueueSize <= 0 {
		return fmt.Errorf("alerts.queue_size must be > 0")
	}
	if c.Alerts.RingSize < 100 {
		return fmt.Errorf("alerts.ring_size must be >= 100")
	}
	return nil
}
