// Package config provides configuration loading and defaults for the
// inputbridged daemon.
//
// Configuration is loaded from a TOML file in the daemon's data directory.
// It covers the version marker the daemon watches, console-session
// detection, input-device discovery, the per-user receiver socket, the status
// document, metrics, update checks and logging.
package config

//go:generate go run ../../cmd/genconfig

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/bmatcuk/doublestar/v4"
	"tools.zach/dev/inputbridge/internal/atomicfile"
	"tools.zach/dev/inputbridge/internal/migrate"
	"tools.zach/dev/inputbridge/internal/paths"
)

// ///////////////////////////////////////////////
// Configuration Types
// ///////////////////////////////////////////////

// Config represents the top-level daemon configuration.
type Config struct {
	// Version is the config schema version used for migrations.
	Version int `toml:"version"`
	// Log holds logging settings.
	Log LogConfig `toml:"log"`
	// Marker holds version marker settings.
	Marker MarkerConfig `toml:"marker"`
	// Session holds console-user detection settings.
	Session SessionConfig `toml:"session"`
	// Capture holds input-device discovery settings.
	Capture CaptureConfig `toml:"capture"`
	// Receiver holds per-user IPC endpoint settings.
	Receiver ReceiverConfig `toml:"receiver"`
	// Status holds status document settings.
	Status StatusConfig `toml:"status"`
	// Metrics holds Prometheus exposition settings.
	Metrics MetricsConfig `toml:"metrics"`
	// Update holds release manifest settings.
	Update UpdateConfig `toml:"update"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is the minimum log level (trace, debug, info, warn, error).
	Level string `toml:"level"`
	// MaxSizeMB is the maximum log file size in megabytes before rotation.
	MaxSizeMB int `toml:"max_size_mb"`
}

// MarkerConfig holds version marker settings.
type MarkerConfig struct {
	// File is the version marker written by the installer.
	File string `toml:"file"`
	// PollIntervalSeconds is the fallback polling interval.
	PollIntervalSeconds int `toml:"poll_interval_seconds"`
}

// SessionConfig holds console-user detection settings.
type SessionConfig struct {
	// UtmpFile is the login records file whose changes trigger a rescan.
	UtmpFile string `toml:"utmp_file"`
	// PollIntervalSeconds is the rescan interval when the file cannot be watched.
	PollIntervalSeconds int `toml:"poll_interval_seconds"`
	// ConsoleTerminals are glob patterns for terminals that belong to the
	// graphical console (e.g. ":0", "seat0", "tty7").
	ConsoleTerminals []string `toml:"console_terminals"`
	// IgnoreUsers are glob patterns for user names never treated as console users.
	IgnoreUsers []string `toml:"ignore_users"`
}

// CaptureConfig holds input-device discovery settings.
type CaptureConfig struct {
	// DeviceDir is the directory where input device nodes appear.
	DeviceDir string `toml:"device_dir"`
	// DevicePatterns are glob patterns for device node names that count as
	// capture-capable.
	DevicePatterns []string `toml:"device_patterns"`
	// PollIntervalSeconds is the fallback polling interval.
	PollIntervalSeconds int `toml:"poll_interval_seconds"`
}

// ReceiverConfig holds per-user IPC endpoint settings.
type ReceiverConfig struct {
	// SocketDir is the directory the receiver socket is created in (unix only).
	SocketDir string `toml:"socket_dir"`
	// SocketName is the socket file name (unix) or pipe name suffix (windows).
	SocketName string `toml:"socket_name"`
	// MaxConnections caps concurrently connected clients.
	MaxConnections int `toml:"max_connections"`
	// AcceptRatePerSecond limits how fast new connections are accepted.
	AcceptRatePerSecond float64 `toml:"accept_rate_per_second"`
	// AcceptBurst is the accept limiter's burst size.
	AcceptBurst int `toml:"accept_burst"`
}

// StatusConfig holds status document settings.
type StatusConfig struct {
	// File overrides the status document path. Empty means <data-dir>/status.json.
	File string `toml:"file,omitempty"`
}

// MetricsConfig holds Prometheus exposition settings.
type MetricsConfig struct {
	// Listen is the address the /metrics endpoint binds to. Empty disables it.
	Listen string `toml:"listen,omitempty"`
}

// UpdateConfig holds release manifest settings.
type UpdateConfig struct {
	// ManifestURL is a JSON manifest mapping "." to the latest version. Empty disables the check.
	ManifestURL string `toml:"manifest_url,omitempty"`
	// TimeoutSeconds bounds each manifest request.
	TimeoutSeconds int `toml:"timeout_seconds"`
}

// ///////////////////////////////////////////////
// Default Configuration
// ///////////////////////////////////////////////

// DefaultConfig returns a Config populated with platform defaults.
func DefaultConfig() *Config {
	return &Config{
		Version: migrate.Config.CurrentVersion,
		Log: LogConfig{
			Level:     "info",
			MaxSizeMB: 10,
		},
		Marker: MarkerConfig{
			File:                paths.DefaultVersionFile(),
			PollIntervalSeconds: 5,
		},
		Session: SessionConfig{
			UtmpFile:            paths.UnixUtmpFile,
			PollIntervalSeconds: 3,
			ConsoleTerminals:    []string{":[0-9]*", "seat*", "console", "tty7"},
			IgnoreUsers:         []string{"gdm", "lightdm", "sddm"},
		},
		Capture: CaptureConfig{
			DeviceDir:           paths.UnixInputDevices,
			DevicePatterns:      []string{"event*"},
			PollIntervalSeconds: 5,
		},
		Receiver: ReceiverConfig{
			SocketDir:           paths.DefaultSocketDir(),
			SocketName:          paths.SocketName,
			MaxConnections:      8,
			AcceptRatePerSecond: 20,
			AcceptBurst:         5,
		},
		Update: UpdateConfig{
			TimeoutSeconds: 10,
		},
	}
}

// ExampleConfig returns a Config suitable for generating config.default.toml.
// All defaults are good examples.
func ExampleConfig() *Config {
	return DefaultConfig()
}

// ///////////////////////////////////////////////
// PeekVersion
// ///////////////////////////////////////////////

// PeekVersion reads just the version field from raw TOML bytes.
// Returns 1 if the version field is missing, zero, or unparseable.
func PeekVersion(data []byte) int {
	var v struct {
		Version int `toml:"version"`
	}
	if err := toml.Unmarshal(data, &v); err != nil || v.Version == 0 {
		return 1
	}
	return v.Version
}

// ///////////////////////////////////////////////
// Loading and Saving
// ///////////////////////////////////////////////

// Load reads and parses the configuration file at path. A missing file yields
// DefaultConfig. Older schema versions are migrated, backed up to path.bak,
// and re-saved.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	version := PeekVersion(data)
	migrated := false
	if version < migrate.Config.CurrentVersion {
		if backupErr := os.WriteFile(path+".bak", data, 0o644); backupErr != nil {
			slog.Warn("failed to write config backup", "error", backupErr)
		}
		data, _, err = migrate.Config.Run(data, version)
		if err != nil {
			return nil, fmt.Errorf("migrate config: %w", err)
		}
		migrated = true
	} else if version > migrate.Config.CurrentVersion {
		return nil, fmt.Errorf("config version %d is newer than supported version %d", version, migrate.Config.CurrentVersion)
	}

	cfg := DefaultConfig()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.Version = migrate.Config.CurrentVersion

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	if migrated {
		if err := cfg.Save(path); err != nil {
			slog.Warn("failed to save migrated config", "error", err)
		}
	}
	return cfg, nil
}

// Save writes the config to disk as TOML using atomic file write.
func (c *Config) Save(path string) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return atomicfile.Write(path, buf.Bytes(), 0o644)
}

// ///////////////////////////////////////////////
// Validation
// ///////////////////////////////////////////////

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"trace": true, "debug": true, "info": true, "warn": true, "error": true,
}

// Validate checks that all configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if !validLogLevels[strings.ToLower(c.Log.Level)] {
		return fmt.Errorf("invalid log.level %q: must be trace, debug, info, warn, or error", c.Log.Level)
	}
	if c.Log.MaxSizeMB <= 0 {
		return fmt.Errorf("log.max_size_mb must be > 0, got %d", c.Log.MaxSizeMB)
	}

	if c.Marker.File == "" {
		return fmt.Errorf("marker.file must not be empty")
	}
	if c.Marker.PollIntervalSeconds <= 0 {
		return fmt.Errorf("marker.poll_interval_seconds must be > 0, got %d", c.Marker.PollIntervalSeconds)
	}

	if c.Session.PollIntervalSeconds <= 0 {
		return fmt.Errorf("session.poll_interval_seconds must be > 0, got %d", c.Session.PollIntervalSeconds)
	}
	for _, group := range []struct {
		key      string
		patterns []string
	}{
		{"session.console_terminals", c.Session.ConsoleTerminals},
		{"session.ignore_users", c.Session.IgnoreUsers},
		{"capture.device_patterns", c.Capture.DevicePatterns},
	} {
		for _, p := range group.patterns {
			if !doublestar.ValidatePattern(p) {
				return fmt.Errorf("invalid %s pattern %q", group.key, p)
			}
		}
	}
	if len(c.Session.ConsoleTerminals) == 0 {
		return fmt.Errorf("session.console_terminals must list at least one pattern")
	}

	if c.Capture.PollIntervalSeconds <= 0 {
		return fmt.Errorf("capture.poll_interval_seconds must be > 0, got %d", c.Capture.PollIntervalSeconds)
	}

	if c.Receiver.SocketName == "" || strings.ContainsAny(c.Receiver.SocketName, `/\`) {
		return fmt.Errorf("invalid receiver.socket_name %q: must be a plain file name", c.Receiver.SocketName)
	}
	if c.Receiver.MaxConnections <= 0 {
		return fmt.Errorf("receiver.max_connections must be > 0, got %d", c.Receiver.MaxConnections)
	}
	if c.Receiver.AcceptRatePerSecond <= 0 {
		return fmt.Errorf("receiver.accept_rate_per_second must be > 0, got %g", c.Receiver.AcceptRatePerSecond)
	}
	if c.Receiver.AcceptBurst <= 0 {
		return fmt.Errorf("receiver.accept_burst must be > 0, got %d", c.Receiver.AcceptBurst)
	}

	if c.Update.ManifestURL != "" &&
		!strings.HasPrefix(c.Update.ManifestURL, "https://") &&
		!strings.HasPrefix(c.Update.ManifestURL, "http://") {
		return fmt.Errorf("invalid update.manifest_url %q: must be an http(s) URL", c.Update.ManifestURL)
	}
	if c.Update.TimeoutSeconds <= 0 {
		return fmt.Errorf("update.timeout_seconds must be > 0, got %d", c.Update.TimeoutSeconds)
	}

	return nil
}

// ///////////////////////////////////////////////
// Pattern Helpers
// ///////////////////////////////////////////////

// matchAny reports whether name matches any pattern. Invalid patterns are
// logged and skipped.
func matchAny(patterns []string, name string) bool {
	for _, pattern := range patterns {
		matched, err := doublestar.Match(pattern, name)
		if err != nil {
			slog.Warn("invalid glob pattern", "pattern", pattern, "error", err)
			continue
		}
		if matched {
			return true
		}
	}
	return false
}

// IsConsoleTerminal reports whether a login record's terminal belongs to the
// graphical console.
func (c *Config) IsConsoleTerminal(terminal string) bool {
	return matchAny(c.Session.ConsoleTerminals, terminal)
}

// IsIgnoredUser reports whether a user name must never be treated as the
// console user.
func (c *Config) IsIgnoredUser(name string) bool {
	return matchAny(c.Session.IgnoreUsers, name)
}

// IsCaptureDevice reports whether a device node name counts toward capture
// availability.
func (c *Config) IsCaptureDevice(name string) bool {
	return matchAny(c.Capture.DevicePatterns, name)
}

// ///////////////////////////////////////////////
// Derived Values
// ///////////////////////////////////////////////

// MarkerPollInterval is Marker.PollIntervalSeconds as a duration.
func (c *Config) MarkerPollInterval() time.Duration {
	return time.Duration(c.Marker.PollIntervalSeconds) * time.Second
}

// SessionPollInterval is Session.PollIntervalSeconds as a duration.
func (c *Config) SessionPollInterval() time.Duration {
	return time.Duration(c.Session.PollIntervalSeconds) * time.Second
}

// CapturePollInterval is Capture.PollIntervalSeconds as a duration.
func (c *Config) CapturePollInterval() time.Duration {
	return time.Duration(c.Capture.PollIntervalSeconds) * time.Second
}

// UpdateTimeout is Update.TimeoutSeconds as a duration.
func (c *Config) UpdateTimeout() time.Duration {
	return time.Duration(c.Update.TimeoutSeconds) * time.Second
}

// StatusFile resolves the status document path against dataDir.
func (c *Config) StatusFile(dataDir string) string {
	if c.Status.File != "" {
		return c.Status.File
	}
	return paths.DataDir{Root: dataDir}.Status()
}
