// Package focus polls OS window focus and proposes terminal-key
// candidates to the session registry.
package focus

import (
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/asheshgoplani/termdeck/internal/logging"
	"github.com/asheshgoplani/termdeck/internal/platform"
	"github.com/asheshgoplani/termdeck/internal/termkey"
)

var focusLog = logging.ForComponent(logging.CompFocus)

// probeTimeout bounds each OS scripting call.
const probeTimeout = 2 * time.Second

// backoffFactor slows polling while a non-terminal app is frontmost.
const backoffFactor = 3

// Info describes the frontmost application at one poll. Produced fresh
// per tick, never stored.
type Info struct {
	AppName        string
	ITermSessionID string
	TTY            string
	WindowID       string
	PID            int
}

// Prober is the platform capability for frontmost-window inspection.
type Prober interface {
	Frontmost(ctx context.Context) (Info, error)
}

// ErrUnsupported marks platforms without a focus-probing capability.
var ErrUnsupported = errors.New("focus probing unsupported on this platform")

// Registry is the slice of the session registry the watcher needs.
type Registry interface {
	MatchFocus(candidates []termkey.Key) string
	FocusedID() string
	Len() int
}

// terminalApps are the frontmost-app names recognized as terminals.
var terminalApps = map[string]bool{
	"iTerm2":    true,
	"iTerm":     true,
	"Terminal":  true,
	"kitty":     true,
	"WezTerm":   true,
	"wezterm":   true,
	"Alacritty": true,
	"Ghostty":   true,
}

// Watcher is the focus polling loop.
type Watcher struct {
	prober   Prober
	registry Registry
	interval time.Duration

	lastPrimary string
}

// NewWatcher builds a watcher with the platform prober.
func NewWatcher(reg Registry, interval time.Duration) *Watcher {
	return &Watcher{prober: newProber(), registry: reg, interval: interval}
}

// NewWatcherWith injects an explicit prober (tests).
func NewWatcherWith(reg Registry, prober Prober, interval time.Duration) *Watcher {
	return &Watcher{prober: prober, registry: reg, interval: interval}
}

// Run polls until ctx is cancelled. The interval stretches by
// backoffFactor while no terminal is frontmost and snaps back on the
// first terminal sighting.
func (w *Watcher) Run(ctx context.Context) {
	timer := time.NewTimer(w.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		next := w.interval
		if !w.Tick(ctx) {
			next = w.interval * backoffFactor
		}
		timer.Reset(next)
	}
}

// Tick performs one poll. Returns true when a terminal was frontmost.
func (w *Watcher) Tick(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	info, err := w.prober.Frontmost(ctx)
	cancel()
	if err != nil {
		if !errors.Is(err, ErrUnsupported) {
			focusLog.Warn("focus_probe_failed", slog.String("error", err.Error()))
		}
		return false
	}
	if !terminalApps[info.AppName] {
		w.lastPrimary = ""
		return false
	}

	candidates := Candidates(info)
	if len(candidates) == 0 {
		return true
	}
	primary := candidates[0].String()

	// Fire on a primary change, or when nothing is focused while
	// sessions exist — a session registered after our last match would
	// otherwise never be picked up.
	refire := w.registry.FocusedID() == "" && w.registry.Len() > 0
	if primary == w.lastPrimary && !refire {
		return true
	}
	w.lastPrimary = primary

	if matched := w.registry.MatchFocus(candidates); matched != "" {
		focusLog.Debug("focus_matched",
			slog.String("session_id", matched),
			slog.String("key", primary))
	}
	return true
}

// Candidates orders terminal keys most specific first: session uuid,
// then tty, then pid.
func Candidates(info Info) []termkey.Key {
	var keys []termkey.Key
	if info.ITermSessionID != "" {
		keys = append(keys, termkey.Discovered(termkey.ITerm(info.ITermSessionID)))
	}
	if info.WindowID != "" {
		switch info.AppName {
		case "kitty":
			keys = append(keys, termkey.Kitty(info.WindowID))
		case "WezTerm", "wezterm":
			keys = append(keys, termkey.WezTerm(info.WindowID))
		}
	}
	if info.TTY != "" {
		keys = append(keys, termkey.TTY(info.TTY))
	}
	if info.PID > 0 {
		keys = append(keys, termkey.PID(info.PID))
	}
	return keys
}

func newProber() Prober {
	if platform.HasWindowScripting() {
		return &macProber{}
	}
	return unsupportedProber{}
}

type unsupportedProber struct{}

func (unsupportedProber) Frontmost(context.Context) (Info, error) {
	return Info{}, ErrUnsupported
}

// macProber shells out to osascript. One call resolves the frontmost
// process; a second, app-specific call resolves the session identity.
type macProber struct{}

func (p *macProber) Frontmost(ctx context.Context) (Info, error) {
	out, err := runOsascript(ctx,
		`tell application "System Events" to tell (first application process whose frontmost is true) to return name & "|" & unix id`)
	if err != nil {
		return Info{}, err
	}

	name, pidStr, _ := strings.Cut(strings.TrimSpace(out), "|")
	info := Info{AppName: name}
	if pid, err := strconv.Atoi(strings.TrimSpace(pidStr)); err == nil {
		info.PID = pid
	}

	switch name {
	case "iTerm2", "iTerm":
		if out, err := runOsascript(ctx,
			`tell application "iTerm2" to return (id of current session of current tab of current window) & "|" & (tty of current session of current tab of current window)`); err == nil {
			id, tty, _ := strings.Cut(strings.TrimSpace(out), "|")
			info.ITermSessionID = id
			info.TTY = strings.TrimSpace(tty)
		}
	case "Terminal":
		if out, err := runOsascript(ctx,
			`tell application "Terminal" to return tty of selected tab of front window`); err == nil {
			info.TTY = strings.TrimSpace(out)
		}
	}
	return info, nil
}

func runOsascript(ctx context.Context, script string) (string, error) {
	out, err := exec.CommandContext(ctx, "osascript", "-e", script).Output()
	return string(out), err
}
