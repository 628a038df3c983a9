// Package config provides engine settings and the live profile holder.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root engine settings structure.
// It is distinct from the profile, which Holder manages.
type Config struct {
	Profile ProfileConfig `yaml:"profile"`
	MIDI    MIDIConfig    `yaml:"midi"`
	HTTP    HTTPConfig    `yaml:"http"`
	Journal JournalConfig `yaml:"journal"`
	Scripts ScriptsConfig `yaml:"scripts"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// ProfileConfig locates the profile and tunes hot reload.
type ProfileConfig struct {
	Path     string        `yaml:"path"`
	Watch    bool          `yaml:"watch"`
	Debounce time.Duration `yaml:"debounce"`
}

// MIDIConfig configures the hardware listener.
type MIDIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Device  string `yaml:"device"` // raw MIDI device file, e.g. /dev/snd/midiC1D0
}

// HTTPConfig configures the ops HTTP server.
type HTTPConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// JournalConfig configures the reload journal database.
type JournalConfig struct {
	Enabled   bool          `yaml:"enabled"`
	DSN       string        `yaml:"dsn"`
	Retention time.Duration `yaml:"retention"` // attempts older than this are pruned at startup
}

// ScriptsConfig configures the Lua script runner.
type ScriptsConfig struct {
	Enabled bool `yaml:"enabled"`
	Check   bool `yaml:"check"` // syntax check scripts during validation
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "json" or "console"
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns settings with every default applied and watching enabled.
func Default() *Config {
	cfg := &Config{
		Profile: ProfileConfig{Watch: true},
		HTTP:    HTTPConfig{Enabled: true},
		Scripts: ScriptsConfig{Enabled: true, Check: true},
		Metrics: MetricsConfig{Enabled: true},
	}
	setDefaults(cfg)
	return cfg
}

// Load reads settings from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(cfg)
	setDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// LoadFromEnv creates settings from defaults and environment variables.
//
// Environment variables:
//
//	MACRODECK_PROFILE          - Profile path (required)
//	MACRODECK_WATCH            - Hot reload on file change (default: true)
//	MACRODECK_DEBOUNCE         - Reload debounce window (default: 250ms)
//	MACRODECK_MIDI_ENABLED     - Listen for hardware notes (default: false)
//	MACRODECK_MIDI_DEVICE      - Raw MIDI device file
//	MACRODECK_HTTP_ENABLED     - Serve the ops API (default: true)
//	MACRODECK_HTTP_ADDR        - Listen address (default: 127.0.0.1:7420)
//	MACRODECK_JOURNAL_ENABLED  - Record reloads in SQLite (default: false)
//	MACRODECK_JOURNAL_DSN      - Journal database path (default: macrodeck.db)
//	MACRODECK_JOURNAL_RETENTION - Prune journal rows older than this (default: 720h)
//	MACRODECK_SCRIPTS_ENABLED  - Run Lua scripts (default: true)
//	MACRODECK_LOG_LEVEL        - Log level: debug, info, warn, error (default: info)
//	MACRODECK_LOG_FORMAT       - Log format: json or console (default: json)
//	MACRODECK_METRICS_ENABLED  - Enable /metrics (default: true)
func LoadFromEnv() (*Config, error) {
	cfg := Default()

	applyEnvOverrides(cfg)
	setDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// LoadWithFallback loads from file when it exists, otherwise from the environment.
func LoadWithFallback(path string) (*Config, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}

	if os.Getenv("MACRODECK_PROFILE") != "" {
		return LoadFromEnv()
	}

	return nil, fmt.Errorf("no configuration found: provide a settings file or set MACRODECK_PROFILE")
}

// applyEnvOverrides applies MACRODECK_* environment variables to the config.
// Environment variables always override file-based settings.
func applyEnvOverrides(cfg *Config) {
	// Profile
	if v := os.Getenv("MACRODECK_PROFILE"); v != "" {
		cfg.Profile.Path = v
	}
	if v := os.Getenv("MACRODECK_WATCH"); v != "" {
		cfg.Profile.Watch = parseBool(v)
	}
	if v := os.Getenv("MACRODECK_DEBOUNCE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Profile.Debounce = d
		} else if ms, err := strconv.Atoi(v); err == nil {
			cfg.Profile.Debounce = time.Duration(ms) * time.Millisecond
		}
	}

	// MIDI
	if v := os.Getenv("MACRODECK_MIDI_ENABLED"); v != "" {
		cfg.MIDI.Enabled = parseBool(v)
	}
	if v := os.Getenv("MACRODECK_MIDI_DEVICE"); v != "" {
		cfg.MIDI.Device = v
		cfg.MIDI.Enabled = true
	}

	// HTTP
	if v := os.Getenv("MACRODECK_HTTP_ENABLED"); v != "" {
		cfg.HTTP.Enabled = parseBool(v)
	}
	if v := os.Getenv("MACRODECK_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}

	// Journal
	if v := os.Getenv("MACRODECK_JOURNAL_ENABLED"); v != "" {
		cfg.Journal.Enabled = parseBool(v)
	}
	if v := os.Getenv("MACRODECK_JOURNAL_DSN"); v != "" {
		cfg.Journal.DSN = v
	}
	if v := os.Getenv("MACRODECK_JOURNAL_RETENTION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Journal.Retention = d
		}
	}

	// Scripts
	if v := os.Getenv("MACRODECK_SCRIPTS_ENABLED"); v != "" {
		cfg.Scripts.Enabled = parseBool(v)
	}

	// Logging
	if v := os.Getenv("MACRODECK_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("MACRODECK_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}

	// Metrics
	if v := os.Getenv("MACRODECK_METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = parseBool(v)
	}
}

// parseBool parses a boolean from common string values.
func parseBool(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "true" || v == "1" || v == "yes" || v == "on"
}

func setDefaults(cfg *Config) {
	if cfg.Profile.Debounce == 0 {
		cfg.Profile.Debounce = 250 * time.Millisecond
	}

	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = "127.0.0.1:7420"
	}
	if cfg.HTTP.ReadTimeout == 0 {
		cfg.HTTP.ReadTimeout = 10 * time.Second
	}
	if cfg.HTTP.WriteTimeout == 0 {
		cfg.HTTP.WriteTimeout = 30 * time.Second
	}

	if cfg.Journal.DSN == "" {
		cfg.Journal.DSN = "macrodeck.db"
	}
	if cfg.Journal.Retention == 0 {
		cfg.Journal.Retention = 30 * 24 * time.Hour
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func validate(cfg *Config) error {
	if cfg.Profile.Path == "" {
		return fmt.Errorf("profile.path is required")
	}
	if cfg.Profile.Debounce < 0 {
		return fmt.Errorf("profile.debounce must not be negative, got %s", cfg.Profile.Debounce)
	}

	if cfg.MIDI.Enabled && cfg.MIDI.Device == "" {
		return fmt.Errorf("midi.device is required when midi is enabled")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Logging.Level] {
		return fmt.Errorf("logging.level must be one of debug, info, warn, error, got %q", cfg.Logging.Level)
	}

	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[cfg.Logging.Format] {
		return fmt.Errorf("logging.format must be 'json' or 'console', got %q", cfg.Logging.Format)
	}

	return nil
}
