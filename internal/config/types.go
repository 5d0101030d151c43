package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Mailer    MailerConfig    `json:"mailer,omitempty"`
	Scheduler SchedulerConfig `json:"scheduler,omitempty"`
	Deeplink  DeeplinkConfig  `json:"deeplink,omitempty"`
	Ops       OpsConfig       `json:"ops,omitempty"`
}

type TelegramConfig struct {
	Token       string `json:"token"`
	BotUsername string `json:"bot_username"`

	// PollTimeout is a Go duration string (e.g. "10s").
	PollTimeout string `json:"poll_timeout,omitempty"`

	// BroadcastChatID is the channel/group posters are published to.
	// 0 disables channel publishing (posters still go to the event owner).
	BroadcastChatID int64 `json:"broadcast_chat_id,omitempty"`

	// SuperAdminIDs are bootstrapped with the super_admin role on startup.
	SuperAdminIDs []int64 `json:"super_admin_ids,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level,omitempty"`
	Console bool          `json:"console"`
	File    FileLogConfig `json:"file,omitempty"`
}

type FileLogConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// StorageConfig selects the database driver.
//
// Driver values:
//   - "sqlite": local SQLite database file (default)
//   - "postgres": PostgreSQL via DSN
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path,omitempty"`         // sqlite only
	DSN         string `json:"dsn,omitempty"`          // postgres only
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only; Go duration string
}

// MailerConfig controls the bulk delivery engine.
//
// All durations are Go duration strings (e.g. "500ms", "1s").
//
// Defaults (when fields are omitted/zero):
//   - concurrency: 10
//   - base_delay: "1s"
//   - max_attempts: 5
//   - rate_per_sec: 0 (no global limiter, admission gate only)
type MailerConfig struct {
	Concurrency int    `json:"concurrency,omitempty"`
	BaseDelay   string `json:"base_delay,omitempty"`
	MaxAttempts int    `json:"max_attempts,omitempty"`
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
}

// SchedulerConfig controls the one-shot job store and its worker pool.
type SchedulerConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
}

// DeeplinkConfig controls deep-link token issuance.
type DeeplinkConfig struct {
	// TTL is how long confirm tokens stay valid. "0s" means no expiry.
	TTL string `json:"ttl,omitempty"`
	// PruneSpec is a cron spec for expired-token cleanup (default "0 4 * * *").
	PruneSpec string `json:"prune_spec,omitempty"`
}

// OpsConfig controls the operational HTTP server (/metrics, /healthz, pprof).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default: "127.0.0.1:6060"
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
}

// Validate checks the config for structural problems before it is committed.
// It is used both at startup and as the hot-reload validation hook.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return errors.New("telegram.token is required")
	}
	if strings.TrimSpace(c.Telegram.BotUsername) == "" {
		return errors.New("telegram.bot_username is required")
	}
	if _, err := ParseDurationField("telegram.poll_timeout", c.Telegram.PollTimeout); err != nil {
		return err
	}
	switch d := strings.TrimSpace(c.Storage.Driver); d {
	case "", "sqlite":
		if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
			return err
		}
	case "postgres":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			return errors.New("storage.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", d)
	}
	if c.Mailer.Concurrency < 0 {
		return errors.New("mailer.concurrency must be >= 0")
	}
	if c.Mailer.MaxAttempts < 0 {
		return errors.New("mailer.max_attempts must be >= 0")
	}
	if _, err := ParseDurationField("mailer.base_delay", c.Mailer.BaseDelay); err != nil {
		return err
	}
	if _, err := ParseDurationField("scheduler.default_timeout", c.Scheduler.DefaultTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("deeplink.ttl", c.Deeplink.TTL); err != nil {
		return err
	}
	return nil
}

// Parsed duration accessors with package defaults.

func (t TelegramConfig) PollTimeoutOr(def time.Duration) time.Duration {
	d, err := ParseDurationOrDefault("telegram.poll_timeout", t.PollTimeout, def)
	if err != nil {
		return def
	}
	return d
}

func (s StorageConfig) BusyTimeoutOr(def time.Duration) time.Duration {
	d, err := ParseDurationOrDefault("storage.busy_timeout", s.BusyTimeout, def)
	if err != nil {
		return def
	}
	return d
}

func (m MailerConfig) BaseDelayOr(def time.Duration) time.Duration {
	d, err := ParseDurationOrDefault("mailer.base_delay", m.BaseDelay, def)
	if err != nil {
		return def
	}
	return d
}

func (s SchedulerConfig) DefaultTimeoutOr(def time.Duration) time.Duration {
	d, err := ParseDurationOrDefault("scheduler.default_timeout", s.DefaultTimeout, def)
	if err != nil {
		return def
	}
	return d
}

func (d DeeplinkConfig) TTLOr(def time.Duration) time.Duration {
	v, err := ParseDurationOrDefault("deeplink.ttl", d.TTL, def)
	if err != nil {
		return def
	}
	return v
}
