package main

import (
	"encoding/json"
	"io"
	"os"
	"strings"

	"github.com/asheshgoplani/termdeck/internal/config"
	"github.com/asheshgoplani/termdeck/internal/hookfeed"
	"github.com/asheshgoplani/termdeck/internal/session"
)

// hookPayload is the JSON the agent CLI pipes to hook commands on stdin.
// Only the fields we consume are decoded.
type hookPayload struct {
	HookEventName  string `json:"hook_event_name"`
	SessionID      string `json:"session_id"`
	TranscriptPath string `json:"transcript_path"`
	CWD            string `json:"cwd"`
	ToolName       string `json:"tool_name"`
	PermissionMode string `json:"permission_mode"`

	// Context figures, present on status-line style payloads.
	InputTokens   int `json:"input_tokens"`
	OutputTokens  int `json:"output_tokens"`
	ContextWindow int `json:"context_window"`
	ContextPct    int `json:"context_pct"`
}

// runHook consumes one hook payload from stdin and spools it for the
// daemon. Always succeeds from the agent's point of view: a hook that
// exits non-zero would block the user's session, so failures are
// swallowed after best-effort delivery.
func runHook() error {
	data, err := io.ReadAll(os.Stdin)
	if err != nil || len(data) == 0 {
		return nil
	}

	var payload hookPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil
	}

	ev, ok := eventFromHook(payload)
	if !ok {
		return nil
	}
	_ = hookfeed.Spool(config.EventsDir(), ev)
	return nil
}

// eventFromHook maps an agent hook payload to a lifecycle event.
func eventFromHook(p hookPayload) (session.Event, bool) {
	ev := session.Event{
		SessionID:      p.SessionID,
		CWD:            p.CWD,
		TranscriptPath: p.TranscriptPath,
		ToolName:       p.ToolName,
		PermissionMode: p.PermissionMode,
		InputTokens:    p.InputTokens,
		OutputTokens:   p.OutputTokens,
		ContextWindow:  p.ContextWindow,
		ContextPct:     p.ContextPct,
		Bypass:         p.PermissionMode == "bypassPermissions",
		TerminalKey:    terminalKeyFromEnv(),
		PID:            os.Getppid(),
	}

	switch p.HookEventName {
	case "SessionStart":
		ev.Kind = session.EventStart
	case "UserPromptSubmit", "PostToolUse":
		ev.Kind = session.EventActivity
	case "PreToolUse":
		ev.Kind = session.EventPreToolUse
	case "Stop", "SubagentStop":
		ev.Kind = session.EventIdle
	case "StatusLine", "PreCompact":
		ev.Kind = session.EventContextUpdate
	case "SessionEnd":
		ev.Kind = session.EventEnd
	default:
		return session.Event{}, false
	}
	return ev, true
}

// terminalKeyFromEnv encodes the hook process's own terminal identity.
// Hooks inherit the session's environment, so these variables describe
// the terminal hosting the agent.
func terminalKeyFromEnv() string {
	if id := os.Getenv("ITERM_SESSION_ID"); id != "" {
		return "ITERM:" + id
	}
	if id := os.Getenv("KITTY_WINDOW_ID"); id != "" {
		return "KITTY:" + id
	}
	if id := os.Getenv("WEZTERM_PANE"); id != "" {
		return "WEZTERM:" + id
	}
	if id := os.Getenv("TERM_SESSION_ID"); id != "" {
		return "TERM:" + id
	}
	if tty, err := os.Readlink("/proc/self/fd/0"); err == nil && strings.HasPrefix(tty, "/dev/") {
		return "TTY:" + tty
	}
	return ""
}
