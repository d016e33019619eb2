// Package config loads termdeck's TOML user configuration.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// FileName is the TOML config file under the termdeck home directory.
const FileName = "config.toml"

// Config is the user-facing configuration. All durations are expressed in
// the units named by the field; defaults are applied by Load.
type Config struct {
	// Agent defines which CLI the daemon tracks.
	Agent AgentSettings `toml:"agent"`

	// Daemon tunes the scan/sweep machinery.
	Daemon DaemonSettings `toml:"daemon"`

	// Focus tunes the focus-polling watcher.
	Focus FocusSettings `toml:"focus"`

	// Logs configures file logging.
	Logs LogSettings `toml:"logs"`
}

// AgentSettings describes the tracked agent CLI and its transcript layout.
type AgentSettings struct {
	// Binary is the process name matched by the scanner (default "claude").
	Binary string `toml:"binary"`

	// ConfigDir overrides the agent's config directory. Empty means the
	// CLAUDE_CONFIG_DIR env var, falling back to ~/.claude.
	ConfigDir string `toml:"config_dir"`

	// ContextWindow is the token window used for estimated context
	// percentages when the agent doesn't report one (default 200000).
	ContextWindow int `toml:"context_window"`
}

// DaemonSettings tunes the periodic machinery.
type DaemonSettings struct {
	// ScanIntervalSecs is the discovery scan period (default 30).
	ScanIntervalSecs int `toml:"scan_interval_secs"`

	// LivenessIntervalSecs is the pid liveness sweep period (default 15).
	LivenessIntervalSecs int `toml:"liveness_interval_secs"`

	// StalenessTTLMins unregisters sessions with no activity for this long
	// (default 60).
	StalenessTTLMins int `toml:"staleness_ttl_mins"`

	// ActivityThresholdSecs separates "active" transcript files from the
	// rest during discovery (default 60).
	ActivityThresholdSecs int `toml:"activity_threshold_secs"`

	// AwaitingDebounceMS delays the awaiting transition after a
	// pre-tool-use event (default 1000).
	AwaitingDebounceMS int `toml:"awaiting_debounce_ms"`
}

// FocusSettings tunes the focus watcher.
type FocusSettings struct {
	// PollIntervalMS is the base polling period (default 1500). The
	// watcher backs off 3x when no terminal is frontmost.
	PollIntervalMS int `toml:"poll_interval_ms"`
}

// LogSettings configures file logging.
type LogSettings struct {
	Level      string `toml:"level"`
	Format     string `toml:"format"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

// Home returns the termdeck home directory (~/.termdeck), honoring the
// TERMDECK_HOME override.
func Home() string {
	if dir := os.Getenv("TERMDECK_HOME"); dir != "" {
		return ExpandTilde(dir)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".termdeck")
	}
	return filepath.Join(home, ".termdeck")
}

// EventsDir returns the spool directory for hook-delivered lifecycle events.
func EventsDir() string {
	return filepath.Join(Home(), "events")
}

// Load reads the config file from the termdeck home directory. A missing
// file yields pure defaults; a malformed file returns the parse error so
// the user sees their typo instead of silently running on defaults.
func Load() (*Config, error) {
	return LoadFrom(filepath.Join(Home(), FileName))
}

// LoadFrom reads a config file from an explicit path.
func LoadFrom(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyDefaults()
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Agent.Binary == "" {
		c.Agent.Binary = "claude"
	}
	if c.Agent.ContextWindow <= 0 {
		c.Agent.ContextWindow = 200000
	}
	if c.Daemon.ScanIntervalSecs <= 0 {
		c.Daemon.ScanIntervalSecs = 30
	}
	if c.Daemon.LivenessIntervalSecs <= 0 {
		c.Daemon.LivenessIntervalSecs = 15
	}
	if c.Daemon.StalenessTTLMins <= 0 {
		c.Daemon.StalenessTTLMins = 60
	}
	if c.Daemon.ActivityThresholdSecs <= 0 {
		c.Daemon.ActivityThresholdSecs = 60
	}
	if c.Daemon.AwaitingDebounceMS <= 0 {
		c.Daemon.AwaitingDebounceMS = 1000
	}
	if c.Focus.PollIntervalMS <= 0 {
		c.Focus.PollIntervalMS = 1500
	}
	if c.Logs.Level == "" {
		c.Logs.Level = "info"
	}
}

// AgentConfigDir resolves the tracked agent's config directory.
// Priority: config file setting, CLAUDE_CONFIG_DIR env var, ~/.claude.
func (c *Config) AgentConfigDir() string {
	if c.Agent.ConfigDir != "" {
		return ExpandTilde(c.Agent.ConfigDir)
	}
	if envDir := os.Getenv("CLAUDE_CONFIG_DIR"); envDir != "" {
		return ExpandTilde(envDir)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".claude")
	}
	return filepath.Join(home, ".claude")
}

// Duration accessors so callers don't re-derive units.

func (c *Config) ScanInterval() time.Duration {
	return time.Duration(c.Daemon.ScanIntervalSecs) * time.Second
}

func (c *Config) LivenessInterval() time.Duration {
	return time.Duration(c.Daemon.LivenessIntervalSecs) * time.Second
}

func (c *Config) StalenessTTL() time.Duration {
	return time.Duration(c.Daemon.StalenessTTLMins) * time.Minute
}

func (c *Config) ActivityThreshold() time.Duration {
	return time.Duration(c.Daemon.ActivityThresholdSecs) * time.Second
}

func (c *Config) AwaitingDebounce() time.Duration {
	return time.Duration(c.Daemon.AwaitingDebounceMS) * time.Millisecond
}

func (c *Config) FocusPollInterval() time.Duration {
	return time.Duration(c.Focus.PollIntervalMS) * time.Millisecond
}

// ExpandTilde expands a leading ~ or ~/ to the user's home directory.
func ExpandTilde(path string) string {
	if path == "~" {
		if home, err := os.UserHomeDir(); err == nil {
			return home
		}
		return path
	}
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
