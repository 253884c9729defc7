package config

import (
	"fmt"
	"strings"

	"notifyd/internal/kit"
)

// Config is the whole on-disk configuration tree. JSON and YAML are both
// accepted; YAML is coerced to JSON and decoded strictly, so unknown fields
// are rejected in either format.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "5m").
type Config struct {
	Logging LoggingConfig `json:"logging"`
	HTTP    HTTPConfig    `json:"http"`
	Storage StorageConfig `json:"storage"`
	Engine  EngineConfig  `json:"engine"`

	// Principals seeds the config-backed directory. In deployments where the
	// account service fronts the directory this block stays empty.
	Principals []kit.Principal `json:"principals,omitempty"`
}

type LoggingConfig struct {
	Level   string     `json:"level,omitempty"`
	Console bool       `json:"console"`
	File    FileConfig `json:"file,omitempty"`
}

type FileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

type HTTPConfig struct {
	Addr      string `json:"addr,omitempty"` // default ":8080"
	JWTSecret string `json:"jwt_secret,omitempty"`
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type EngineConfig struct {
	Dispatch DispatchConfig `json:"dispatch,omitempty"`
	Registry RegistryConfig `json:"registry,omitempty"`
	Limits   LimitsConfig   `json:"limits,omitempty"`
	Reminder ReminderConfig `json:"reminder,omitempty"`
	Expiry   ExpiryConfig   `json:"expiry,omitempty"`

	// QuietHours is the default quiet window applied when a recipient has no
	// per-principal window of their own.
	QuietHours kit.QuietHours `json:"quiet_hours,omitempty"`

	// Timezone is the IANA zone driving time-of-day classification factors and
	// the sweep cron. Empty means the host zone.
	Timezone string `json:"timezone,omitempty"`
}

// DispatchConfig controls the delivery dispatcher.
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - queue_size: 256
//   - send_timeout: "3s"
//   - rate_per_sec: 50
type DispatchConfig struct {
	Workers     int    `json:"workers,omitempty"`
	QueueSize   int    `json:"queue_size,omitempty"`
	SendTimeout string `json:"send_timeout,omitempty"`
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
}

// RegistryConfig controls the connection registry sweep.
//
// Defaults: stale_after "5m", sweep_interval "1m".
type RegistryConfig struct {
	StaleAfter    string `json:"stale_after,omitempty"`
	SweepInterval string `json:"sweep_interval,omitempty"`
}

// LimitsConfig caps per-principal notification volume by tier. Zero means the
// built-in default; P0 is never limited regardless of configuration.
type LimitsConfig struct {
	PerMinute map[string]int `json:"per_minute,omitempty"` // "P1": 60, ...
	PerHour   map[string]int `json:"per_hour,omitempty"`
}

// ReminderConfig controls the escalation engine.
//
// Defaults: sweep_interval "1m", p1_offsets ["15m","1h","24h"],
// p2_offsets ["1h","24h"], p2_events ["order_stuck","payment_pending"].
type ReminderConfig struct {
	SweepInterval string   `json:"sweep_interval,omitempty"`
	P1Offsets     []string `json:"p1_offsets,omitempty"`
	P2Offsets     []string `json:"p2_offsets,omitempty"`
	P2Events      []string `json:"p2_events,omitempty"`
}

// ExpiryConfig controls notification retention.
//
// Defaults: ttl "720h" (30 days), sweep_interval "1h".
type ExpiryConfig struct {
	TTL           string `json:"ttl,omitempty"`
	SweepInterval string `json:"sweep_interval,omitempty"`
}

// Validate checks the pieces that cannot be defaulted away.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Storage.Path) == "" {
		return fmt.Errorf("storage.path is required")
	}
	if strings.TrimSpace(c.HTTP.JWTSecret) == "" {
		return fmt.Errorf("http.jwt_secret is required")
	}
	for _, field := range []struct{ path, raw string }{
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"engine.dispatch.send_timeout", c.Engine.Dispatch.SendTimeout},
		{"engine.registry.stale_after", c.Engine.Registry.StaleAfter},
		{"engine.registry.sweep_interval", c.Engine.Registry.SweepInterval},
		{"engine.reminder.sweep_interval", c.Engine.Reminder.SweepInterval},
		{"engine.expiry.ttl", c.Engine.Expiry.TTL},
		{"engine.expiry.sweep_interval", c.Engine.Expiry.SweepInterval},
	} {
		if _, err := ParseDurationField(field.path, field.raw); err != nil {
			return err
		}
	}
	for i, raw := range c.Engine.Reminder.P1Offsets {
		if _, err := ParseDurationField(fmt.Sprintf("engine.reminder.p1_offsets[%d]", i), raw); err != nil {
			return err
		}
	}
	for i, raw := range c.Engine.Reminder.P2Offsets {
		if _, err := ParseDurationField(fmt.Sprintf("engine.reminder.p2_offsets[%d]", i), raw); err != nil {
			return err
		}
	}
	for tierName := range c.Engine.Limits.PerMinute {
		if _, err := ParseTierName(tierName); err != nil {
			return fmt.Errorf("engine.limits.per_minute: %w", err)
		}
	}
	for tierName := range c.Engine.Limits.PerHour {
		if _, err := ParseTierName(tierName); err != nil {
			return fmt.Errorf("engine.limits.per_hour: %w", err)
		}
	}
	return nil
}

// ParseTierName maps "P0".."P4" (case-insensitive) to a kit.Tier.
func ParseTierName(s string) (kit.Tier, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "P0":
		return kit.TierP0, nil
	case "P1":
		return kit.TierP1, nil
	case "P2":
		return kit.TierP2, nil
	case "P3":
		return kit.TierP3, nil
	case "P4":
		return kit.TierP4, nil
	}
	return 0, fmt.Errorf("unknown tier %q", s)
}
