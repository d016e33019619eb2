package session

import (
	"log/slog"

	"github.com/asheshgoplani/termdeck/internal/logging"
)

// Event kinds delivered by the external lifecycle feed.
const (
	EventStart         = "start"
	EventPreToolUse    = "pre_tool_use"
	EventActivity      = "activity"
	EventContextUpdate = "context_update"
	EventIdle          = "idle"
	EventEnd           = "end"
)

// Event is one externally-delivered lifecycle event. Only SessionID is
// always present; the rest is kind-specific.
type Event struct {
	Kind           string             `json:"kind"`
	SessionID      string             `json:"session_id"`
	CWD            string             `json:"cwd,omitempty"`
	TerminalKey    string             `json:"terminal_key,omitempty"`
	TranscriptPath string             `json:"transcript_path,omitempty"`
	PID            int                `json:"pid,omitempty"`
	ToolName       string             `json:"tool_name,omitempty"`
	PermissionMode string             `json:"permission_mode,omitempty"`
	Bypass         bool               `json:"bypass,omitempty"`
	InputTokens    int                `json:"input_tokens,omitempty"`
	OutputTokens   int                `json:"output_tokens,omitempty"`
	ContextWindow  int                `json:"context_window,omitempty"`
	ContextPct     int                `json:"context_pct,omitempty"`
	Autocompact    *AutoCompactConfig `json:"autocompact,omitempty"`
}

var hookLog = logging.ForComponent(logging.CompHooks)

// Handler routes lifecycle events into registry mutations. It is the
// seam between the external delivery transport and the core.
type Handler struct {
	registry *Registry
}

func NewHandler(r *Registry) *Handler {
	return &Handler{registry: r}
}

// Handle applies one event. Unknown kinds are a programmer error on the
// sender's side: logged, never fatal. Events for sessions the registry
// doesn't know are dropped silently except for start, which creates.
func (h *Handler) Handle(ev Event) {
	if ev.SessionID == "" {
		hookLog.Warn("event_missing_session_id", slog.String("kind", ev.Kind))
		return
	}

	switch ev.Kind {
	case EventStart:
		h.registry.RegisterStart(ev)
	case EventActivity:
		h.registry.Activity(ev.SessionID)
	case EventPreToolUse:
		h.registry.PreToolUse(ev.SessionID, ev.ToolName)
	case EventIdle:
		h.registry.Idle(ev.SessionID)
	case EventContextUpdate:
		h.registry.ContextUpdate(ev.SessionID, metricsFromEvent(ev), modeFromReported(ev.PermissionMode), ev.Autocompact)
	case EventEnd:
		h.registry.End(ev.SessionID)
	default:
		hookLog.Error("unknown_event_kind",
			slog.String("kind", ev.Kind),
			slog.String("session_id", ev.SessionID))
	}
}

// metricsFromEvent converts reported token figures into context metrics.
// A reported percentage is trusted; otherwise it is estimated from the
// token counts.
func metricsFromEvent(ev Event) ContextMetrics {
	if ev.ContextPct > 0 {
		return ContextMetrics{
			Percentage:    ev.ContextPct,
			InputTokens:   ev.InputTokens,
			OutputTokens:  ev.OutputTokens,
			ContextWindow: ev.ContextWindow,
		}
	}
	return computeEstimatedMetrics(ev.InputTokens, ev.OutputTokens, ev.ContextWindow)
}

func modeFromReported(reported string) Mode {
	switch reported {
	case "":
		return ModeUnknown
	case "plan":
		return ModePlanning
	default:
		return ModeExecution
	}
}
