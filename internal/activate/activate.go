// Package activate raises or focuses the OS terminal window hosting a
// session, dispatching on the session's terminal key.
package activate

import (
	"context"
	"log/slog"
	"os/exec"
	"strconv"
	"time"

	"github.com/asheshgoplani/termdeck/internal/logging"
	"github.com/asheshgoplani/termdeck/internal/platform"
	"github.com/asheshgoplani/termdeck/internal/termkey"
)

var actLog = logging.ForComponent(logging.CompActivate)

// runTimeout bounds every scripting/remote-control subprocess.
const runTimeout = 5 * time.Second

// Runner executes one external command and returns its stdout. Injected
// so tests can record invocations instead of driving real terminals.
type Runner func(ctx context.Context, name string, args ...string) (string, error)

func execRunner(ctx context.Context, name string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, name, args...).Output()
	return string(out), err
}

// Result is the structured outcome of an activation attempt. Never an
// error value; unsupported keys and script failures both land here.
type Result struct {
	Success bool   `json:"success"`
	Method  string `json:"method"`
	Error   string `json:"error,omitempty"`
}

// Activator drives platform window control.
type Activator struct {
	run       Runner
	scripting bool
}

func New() *Activator {
	return &Activator{run: execRunner, scripting: platform.HasWindowScripting()}
}

// NewWith injects a runner and scripting capability (tests).
func NewWith(run Runner, scripting bool) *Activator {
	return &Activator{run: run, scripting: scripting}
}

// Activate brings the window to front, selecting the hosting tab and
// stealing app focus.
func (a *Activator) Activate(ctx context.Context, key termkey.Key) Result {
	return a.dispatch(ctx, key, true)
}

// Raise orders the window to the front of its app's window stack without
// switching tabs or stealing focus.
func (a *Activator) Raise(ctx context.Context, key termkey.Key) Result {
	return a.dispatch(ctx, key, false)
}

func (a *Activator) dispatch(ctx context.Context, key termkey.Key, activate bool) Result {
	k := key.Unwrap()

	var res Result
	switch k.Kind {
	case termkey.KindITerm:
		res = a.iterm(ctx, k, activate)
	case termkey.KindTTY:
		res = a.byTTY(ctx, k.TTY, activate)
	case termkey.KindTerm:
		res = a.terminalApp(ctx, "", activate)
	case termkey.KindKitty:
		res = a.kitty(ctx, k)
	case termkey.KindWezTerm:
		res = a.wezterm(ctx, k)
	case termkey.KindPID:
		res = a.byPID(ctx, k.PID)
	default:
		res = unsupported("terminal key carries no activatable identity: " + key.String())
	}

	if !res.Success {
		actLog.Warn("activation_failed",
			slog.String("key", key.String()),
			slog.String("method", res.Method),
			slog.String("error", res.Error))
	}
	return res
}

func unsupported(msg string) Result {
	return Result{Success: false, Method: "unsupported", Error: msg}
}

// iterm targets a session by unique id.
func (a *Activator) iterm(ctx context.Context, k termkey.Key, activate bool) Result {
	if !a.scripting {
		return unsupported("window scripting unavailable on this platform")
	}
	return a.osascript(ctx, "iterm", itermScript(k.SessionID, activate))
}

// byTTY tries iTerm first, then Terminal.app, matching windows whose
// session tty contains the path. The first match in enumeration order
// wins.
func (a *Activator) byTTY(ctx context.Context, tty string, activate bool) Result {
	if !a.scripting {
		return unsupported("window scripting unavailable on this platform")
	}
	if tty == "" {
		return unsupported("tty key with empty device path")
	}
	if res := a.osascript(ctx, "iterm-tty", itermTTYScript(tty, activate)); res.Success {
		return res
	}
	return a.terminalApp(ctx, tty, activate)
}

func (a *Activator) terminalApp(ctx context.Context, tty string, activate bool) Result {
	if !a.scripting {
		return unsupported("window scripting unavailable on this platform")
	}
	return a.osascript(ctx, "terminal-app", terminalAppScript(tty, activate))
}

// kitty and wezterm remote control only support full activation; raise
// degrades to the same command.

func (a *Activator) kitty(ctx context.Context, k termkey.Key) Result {
	_, err := a.run(ctx, "kitten", "@", "focus-window", "--match", "id:"+k.SessionID)
	if err != nil {
		return Result{Success: false, Method: "kitty", Error: err.Error()}
	}
	return Result{Success: true, Method: "kitty"}
}

func (a *Activator) wezterm(ctx context.Context, k termkey.Key) Result {
	_, err := a.run(ctx, "wezterm", "cli", "activate-pane", "--pane-id", k.SessionID)
	if err != nil {
		return Result{Success: false, Method: "wezterm", Error: err.Error()}
	}
	return Result{Success: true, Method: "wezterm"}
}

// byPID toggles the owning app frontmost. Cannot target a tab.
func (a *Activator) byPID(ctx context.Context, pid int) Result {
	if !a.scripting {
		return unsupported("window scripting unavailable on this platform")
	}
	script := `tell application "System Events" to set frontmost of (first application process whose unix id is ` +
		strconv.Itoa(pid) + `) to true`
	return a.osascript(ctx, "pid", script)
}

func (a *Activator) osascript(ctx context.Context, method, script string) Result {
	out, err := a.run(ctx, "osascript", "-e", script)
	if err != nil {
		return Result{Success: false, Method: method, Error: err.Error()}
	}
	if out != "" && out != "true\n" && out != "true" {
		// Scripts report "false" when nothing matched.
		return Result{Success: false, Method: method, Error: "no matching window"}
	}
	return Result{Success: true, Method: method}
}
