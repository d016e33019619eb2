package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)

	assert.Equal(t, "claude", cfg.Agent.Binary)
	assert.Equal(t, 200000, cfg.Agent.ContextWindow)
	assert.Equal(t, 30*time.Second, cfg.ScanInterval())
	assert.Equal(t, 15*time.Second, cfg.LivenessInterval())
	assert.Equal(t, 60*time.Minute, cfg.StalenessTTL())
	assert.Equal(t, 60*time.Second, cfg.ActivityThreshold())
	assert.Equal(t, time.Second, cfg.AwaitingDebounce())
	assert.Equal(t, 1500*time.Millisecond, cfg.FocusPollInterval())
	assert.Equal(t, "info", cfg.Logs.Level)
}

func TestLoadOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	content := `
[agent]
binary = "claude-dev"
context_window = 100000

[daemon]
scan_interval_secs = 10
awaiting_debounce_ms = 250

[focus]
poll_interval_ms = 500

[logs]
level = "debug"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadFrom(path)
	require.NoError(t, err)

	assert.Equal(t, "claude-dev", cfg.Agent.Binary)
	assert.Equal(t, 100000, cfg.Agent.ContextWindow)
	assert.Equal(t, 10*time.Second, cfg.ScanInterval())
	assert.Equal(t, 250*time.Millisecond, cfg.AwaitingDebounce())
	assert.Equal(t, 500*time.Millisecond, cfg.FocusPollInterval())
	assert.Equal(t, "debug", cfg.Logs.Level)

	// Unset sections still get defaults.
	assert.Equal(t, 60*time.Minute, cfg.StalenessTTL())
}

func TestLoadMalformedReturnsError(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(path, []byte("[daemon\nbroken"), 0644))

	_, err := LoadFrom(path)
	assert.Error(t, err)
}

func TestAgentConfigDirPriority(t *testing.T) {
	t.Setenv("CLAUDE_CONFIG_DIR", "/tmp/env-claude")

	cfg := &Config{}
	cfg.applyDefaults()
	assert.Equal(t, "/tmp/env-claude", cfg.AgentConfigDir())

	cfg.Agent.ConfigDir = "/tmp/explicit"
	assert.Equal(t, "/tmp/explicit", cfg.AgentConfigDir())
}

func TestExpandTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, home, ExpandTilde("~"))
	assert.Equal(t, filepath.Join(home, "x"), ExpandTilde("~/x"))
	assert.Equal(t, "/abs/path", ExpandTilde("/abs/path"))
}

func TestHomeHonorsOverride(t *testing.T) {
	t.Setenv("TERMDECK_HOME", "/tmp/td-test")
	assert.Equal(t, "/tmp/td-test", Home())
	assert.Equal(t, filepath.Join("/tmp/td-test", "events"), EventsDir())
}
