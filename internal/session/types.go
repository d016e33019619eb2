// Package session holds the registry of live agent sessions: the data
// model, transcript-based discovery, the lifecycle state machine with its
// debounced transitions, the periodic sweeps, and the event router that
// feeds externally-delivered hook events into all of it.
package session

import (
	"path/filepath"
	"time"

	"github.com/asheshgoplani/termdeck/internal/gitinfo"
	"github.com/asheshgoplani/termdeck/internal/termkey"
)

// Status is the lifecycle display state of a session.
type Status string

const (
	// StatusActive is the default: the session exists but nothing in the
	// transcript tail tells us more.
	StatusActive Status = "active"

	// StatusWorking means the agent is processing a user turn (tool use
	// counts as working for display purposes).
	StatusWorking Status = "working"

	// StatusIdle means the last turn completed.
	StatusIdle Status = "idle"

	// StatusAwaiting means the agent is blocked on a pending tool
	// approval.
	StatusAwaiting Status = "awaiting"
)

// Mode is the agent's permission mode, when known.
type Mode string

const (
	ModeUnknown   Mode = ""
	ModePlanning  Mode = "planning"
	ModeExecution Mode = "execution"
)

// Source tags how a session entered the registry.
type Source string

const (
	// SourceHook marks sessions registered by a lifecycle event.
	SourceHook Source = "hook"

	// SourceDiscovered marks sessions found by the process/transcript
	// scan.
	SourceDiscovered Source = "discovered"
)

// AutoCompactConfig is the agent's auto-compaction setting: whether it
// compacts on its own, and at what context percentage.
type AutoCompactConfig struct {
	Enabled   bool `json:"enabled"`
	Threshold int  `json:"threshold"`
}

// defaultAutoCompact matches the agent CLI's out-of-the-box behavior.
func defaultAutoCompact() AutoCompactConfig {
	return AutoCompactConfig{Enabled: true, Threshold: 80}
}

// ContextMetrics tracks how full the agent's context window is.
type ContextMetrics struct {
	Percentage    int  `json:"percentage"`
	InputTokens   int  `json:"input_tokens"`
	OutputTokens  int  `json:"output_tokens"`
	ContextWindow int  `json:"context_window"`
	Estimated     bool `json:"estimated"`
}

// Session is one tracked agent process. Owned exclusively by the
// Registry; everything outside the registry works with copies.
type Session struct {
	ID             string            `json:"session_id"`
	Source         Source            `json:"source"`
	CWD            string            `json:"cwd"`
	ProjectName    string            `json:"project_name"`
	Title          string            `json:"title,omitempty"`
	Status         Status            `json:"status"`
	Mode           Mode              `json:"mode,omitempty"`
	TerminalKey    termkey.Key       `json:"-"`
	TerminalKeyRaw string            `json:"terminal_key"`
	TranscriptPath string            `json:"transcript_path,omitempty"`
	Context        ContextMetrics    `json:"context"`
	Git            gitinfo.Info      `json:"git"`
	PID            int               `json:"pid,omitempty"`
	Bypass         bool              `json:"bypass,omitempty"`
	LastToolName   string            `json:"last_tool_name,omitempty"`
	AutoCompact    AutoCompactConfig `json:"autocompact"`
	RegisteredAt   time.Time         `json:"registered_at"`
	LastActivity   time.Time         `json:"last_activity"`
}

// clone returns a copy safe to hand outside the registry lock.
func (s *Session) clone() *Session {
	cp := *s
	return &cp
}

// projectNameFor derives a display project name from a working directory.
func projectNameFor(cwd string) string {
	if cwd == "" {
		return ""
	}
	return filepath.Base(cwd)
}

// FileInfo is the discovery layer's per-transcript output, consumed to
// build or update a Session.
type FileInfo struct {
	Path         string
	SessionID    string
	ModTime      time.Time
	Git          gitinfo.Info
	Title        string
	Context      ContextMetrics
	Mode         Mode
	Status       Status
	LastToolName string
}

// Broadcaster receives registry change notifications. The daemon's
// transport layer implements it; tests use recording fakes.
type Broadcaster interface {
	SessionUpdated(s *Session)
	SessionRemoved(id string)
	FocusChanged(id string)
}

// NopBroadcaster discards all notifications.
type NopBroadcaster struct{}

func (NopBroadcaster) SessionUpdated(*Session) {}
func (NopBroadcaster) SessionRemoved(string)   {}
func (NopBroadcaster) FocusChanged(string)     {}

// computeEstimatedMetrics derives context metrics from token counts when
// the agent hasn't reported a percentage. Percentage is input tokens over
// the window, capped at 100; zero input is 0 regardless of output.
func computeEstimatedMetrics(inputTokens, outputTokens, window int) ContextMetrics {
	m := ContextMetrics{
		InputTokens:   inputTokens,
		OutputTokens:  outputTokens,
		ContextWindow: window,
		Estimated:     true,
	}
	if inputTokens <= 0 || window <= 0 {
		return m
	}
	pct := inputTokens * 100 / window
	if pct > 100 {
		pct = 100
	}
	m.Percentage = pct
	return m
}
