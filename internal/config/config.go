// Package config loads and watches the bot configuration.
//
// The file is YAML (or JSON); YAML is round-tripped through JSON so both
// formats share one strict decoder that rejects unknown keys. Durations
// are Go duration strings ("500ms", "15s", "1m").
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"bdaybot/internal/recurrence"
)

type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging,omitempty"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler,omitempty"`
	Dispatch  DispatchConfig  `json:"dispatch,omitempty"`
}

type TelegramConfig struct {
	// Token may be left empty in the file; the BOT_TOKEN environment
	// variable overrides it either way.
	Token       string `json:"token,omitempty"`
	PollTimeout string `json:"poll_timeout,omitempty"` // default "10s"
	// RatePerMin bounds commands per user per minute. Default 20.
	RatePerMin int `json:"rate_per_min,omitempty"`
}

type LoggingConfig struct {
	Level string `json:"level,omitempty"` // trace|debug|info|warn|error
	File  string `json:"file,omitempty"`  // optional JSON log file
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // default "5s"
}

type SchedulerConfig struct {
	TickSpec    string `json:"tick_spec,omitempty"` // cron, default "* * * * *"
	Workers     int    `json:"workers,omitempty"`
	MaxAttempts int    `json:"max_attempts,omitempty"`
	// Feb29Policy is "feb28" (default) or "mar1".
	Feb29Policy string `json:"feb29_policy,omitempty"`
}

type DispatchConfig struct {
	Workers        int    `json:"workers,omitempty"`
	PerSendTimeout string `json:"per_send_timeout,omitempty"` // default "15s"
	RatePerSec     int    `json:"rate_per_sec,omitempty"`
}

// Parse reads and strictly decodes the file at path.
func Parse(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	jb, err := coerceToJSONBytes(path, b)
	if err != nil {
		return nil, err
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("invalid config: trailing data")
		}
		return nil, err
	}
	return &cfg, nil
}

// Validate applies the environment override and checks every field that
// would otherwise fail deep inside a component.
func (c *Config) Validate() error {
	if env := strings.TrimSpace(os.Getenv("BOT_TOKEN")); env != "" {
		c.Telegram.Token = env
	}
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required (or set BOT_TOKEN)")
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		return fmt.Errorf("storage.path is required")
	}
	if _, err := ParseDurationField("telegram.poll_timeout", c.Telegram.PollTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("dispatch.per_send_timeout", c.Dispatch.PerSendTimeout); err != nil {
		return err
	}
	if _, err := recurrence.ParsePolicy(c.Scheduler.Feb29Policy); err != nil {
		return fmt.Errorf("scheduler.feb29_policy: %w", err)
	}
	return nil
}

// Load is Parse + Validate.
func Load(path string) (*Config, error) {
	cfg, err := Parse(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Typed accessors with defaults. Validate() has already rejected malformed
// values, so the parse errors here are ignored.

func (c TelegramConfig) PollTimeoutOr(def time.Duration) time.Duration {
	d, _ := ParseDurationOrDefault("telegram.poll_timeout", c.PollTimeout, def)
	return d
}

func (c StorageConfig) BusyTimeoutOr(def time.Duration) time.Duration {
	d, _ := ParseDurationOrDefault("storage.busy_timeout", c.BusyTimeout, def)
	return d
}

func (c DispatchConfig) PerSendTimeoutOr(def time.Duration) time.Duration {
	d, _ := ParseDurationOrDefault("dispatch.per_send_timeout", c.PerSendTimeout, def)
	return d
}

func (c SchedulerConfig) Policy() recurrence.Policy {
	p, _ := recurrence.ParsePolicy(c.Feb29Policy)
	return p
}
