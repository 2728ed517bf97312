package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"cadence/internal/history"
	logx "cadence/pkg/logx"
)

// Config is the daemon configuration. All durations are Go duration
// strings (e.g. "30s", "1m").
type Config struct {
	// Timezone is an IANA TZ (e.g. "Asia/Jakarta"). Empty means local time.
	Timezone string `json:"timezone,omitempty"`

	Logging LoggingConfig  `json:"logging"`
	Store   StoreConfig    `json:"store"`
	History *HistoryConfig `json:"history,omitempty"`
	Engine  EngineConfig   `json:"engine"`
	Runner  RunnerConfig   `json:"runner"`
}

type LoggingConfig struct {
	Level   string          `json:"level,omitempty"`
	Console bool            `json:"console"`
	File    LogFileConfig   `json:"file,omitempty"`
	Events  LogEventsConfig `json:"events,omitempty"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

type LogEventsConfig struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// StoreConfig locates the schedule file.
//
// Watch is a pointer so "omitted" (default true) can be told apart from an
// explicit false.
type StoreConfig struct {
	Path  string `json:"path"`
	Watch *bool  `json:"watch,omitempty"`
}

func (c StoreConfig) WatchEnabled() bool { return c.Watch == nil || *c.Watch }

// HistoryConfig controls the optional run-history store.
//
// Example:
//
//	"history": { "driver": "sqlite", "path": "./cadence_runs.db" }
type HistoryConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	MaxEntries  int    `json:"max_entries,omitempty"`
}

// EngineConfig tunes the dispatcher/coordinator.
//
// Defaults (when fields are omitted/zero):
//   - wait_recheck: "1m"
type EngineConfig struct {
	// WaitRecheck is the re-check cadence of the wait interaction policy.
	WaitRecheck string `json:"wait_recheck,omitempty"`
}

// RunnerConfig configures the exec-based reference runner.
type RunnerConfig struct {
	// Modes maps a schedule mode tag to the shell command executed for it.
	Modes map[string]string `json:"modes"`

	// KillGrace is how long an interrupt waits before escalating to kill.
	KillGrace string `json:"kill_grace,omitempty"`
}

// Load reads, coerces (YAML -> JSON if needed) and strictly decodes the
// config file.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(path, b)
}

// Parse decodes config bytes. The path is only used to detect YAML.
func Parse(path string, b []byte) (*Config, error) {
	jb, _, err := coerceToJSONBytes(path, b)
	if err != nil {
		return nil, err
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	// Reject trailing tokens (e.g. concatenated JSON).
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("invalid config: trailing data")
		}
		return nil, err
	}
	return &cfg, nil
}

// Location resolves the configured timezone, falling back to local time on
// an invalid name (logged by the caller via the returned error).
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local, fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// LogxConfig converts the logging section.
func (c *Config) LogxConfig() logx.Config {
	return logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		File: logx.FileConfig{
			Enabled: c.Logging.File.Enabled,
			Path:    c.Logging.File.Path,
		},
		Events: logx.EventsConfig{
			Enabled:    c.Logging.Events.Enabled,
			MinLevel:   c.Logging.Events.MinLevel,
			RatePerSec: c.Logging.Events.RatePerSec,
		},
	}
}

// HistoryStoreConfig converts the history section; a nil section disables
// history.
func (c *Config) HistoryStoreConfig() (history.Config, error) {
	if c.History == nil {
		return history.Config{Driver: "none"}, nil
	}
	busy, err := ParseDurationField("history.busy_timeout", c.History.BusyTimeout)
	if err != nil {
		return history.Config{}, err
	}
	return history.Config{
		Driver:      c.History.Driver,
		Path:        c.History.Path,
		BusyTimeout: busy,
		MaxEntries:  c.History.MaxEntries,
	}, nil
}

// WaitRecheck resolves the engine wait re-check cadence.
func (c *Config) WaitRecheck() (time.Duration, error) {
	return ParseDurationOrDefault("engine.wait_recheck", c.Engine.WaitRecheck, time.Minute)
}

// RunnerKillGrace resolves the runner kill grace period.
func (c *Config) RunnerKillGrace() (time.Duration, error) {
	return ParseDurationOrDefault("runner.kill_grace", c.Runner.KillGrace, 10*time.Second)
}
