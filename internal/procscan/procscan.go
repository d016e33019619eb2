// Package procscan enumerates running agent CLI processes. Each platform
// gets its own Lister implementation; platforms without one still satisfy
// the interface by returning empty results so the dispatch table stays
// total.
package procscan

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/asheshgoplani/termdeck/internal/logging"
	"github.com/asheshgoplani/termdeck/internal/platform"
)

var scanLog = logging.ForComponent(logging.CompScan)

// listTimeout bounds every process-listing subprocess.
const listTimeout = 5 * time.Second

// bypassFlag is the launch flag that skips permission checks. Sessions
// started with it report an unreliable permission mode, so the registry
// treats them specially.
const bypassFlag = "--dangerously-skip-permissions"

// Process is one detected agent process. Ephemeral, produced per scan.
type Process struct {
	PID               int
	TTY               string // device path, e.g. /dev/ttys004; empty when unknown
	CWD               string
	TerminalApp       string // e.g. "iTerm.app", "kitty"; best-effort
	TerminalSessionID string // e.g. ITERM_SESSION_ID value; best-effort
	Bypass            bool
}

// Lister is the platform capability for process enumeration.
type Lister interface {
	// List returns all processes running the named agent binary.
	List(ctx context.Context, binary string) ([]Process, error)
}

// Scanner wraps a Lister with the never-fails contract: any platform tool
// failure logs a warning and yields an empty slice.
type Scanner struct {
	lister Lister
	binary string
}

// NewScanner builds a scanner for the given agent binary name, selecting
// the Lister for the current platform.
func NewScanner(binary string) *Scanner {
	return &Scanner{lister: newLister(), binary: binary}
}

// NewScannerWith builds a scanner around an explicit Lister (tests).
func NewScannerWith(binary string, lister Lister) *Scanner {
	return &Scanner{lister: lister, binary: binary}
}

// Scan enumerates agent processes. It never fails; errors degrade to an
// empty result.
func (s *Scanner) Scan(ctx context.Context) []Process {
	procs, err := s.lister.List(ctx, s.binary)
	if err != nil {
		scanLog.Warn("process_scan_failed", slog.String("error", err.Error()))
		return nil
	}
	return procs
}

func newLister() Lister {
	switch platform.Detect() {
	case platform.PlatformWindows:
		return &windowsLister{}
	case platform.PlatformUnknown:
		return unsupportedLister{}
	default:
		return &posixLister{}
	}
}

// IsAlive checks whether a pid still exists. On Unix, signal 0 probes
// existence without delivering anything; EPERM still means alive. On
// Windows, Signal is unsupported and FindProcess itself is the probe.
func IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	if runtime.GOOS == "windows" {
		return true
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || os.IsPermission(err)
}

// posixLister enumerates via ps, resolving cwd through /proc on Linux and
// lsof on macOS, and terminal identity through the process environment.
type posixLister struct{}

func (l *posixLister) List(ctx context.Context, binary string) ([]Process, error) {
	ctx, cancel := context.WithTimeout(ctx, listTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, "ps", "-axo", "pid=,tty=,args=").Output()
	if err != nil {
		return nil, err
	}

	var procs []Process
	for _, line := range strings.Split(string(out), "\n") {
		p, ok := parsePSLine(line, binary)
		if !ok {
			continue
		}
		p.CWD = cwdForPID(ctx, p.PID)
		p.TerminalApp, p.TerminalSessionID = terminalIdentityForPID(ctx, p.PID)
		procs = append(procs, p)
	}
	return procs, nil
}

// parsePSLine parses one "pid tty args" row and filters for the agent
// binary. Exported shape kept internal; tested directly.
func parsePSLine(line, binary string) (Process, bool) {
	fields := strings.Fields(strings.TrimSpace(line))
	if len(fields) < 3 {
		return Process{}, false
	}

	pid, err := strconv.Atoi(fields[0])
	if err != nil {
		return Process{}, false
	}

	args := strings.Join(fields[2:], " ")
	if !matchesAgentBinary(fields[2:], binary) {
		return Process{}, false
	}

	p := Process{
		PID:    pid,
		Bypass: strings.Contains(args, bypassFlag),
	}
	if tty := fields[1]; tty != "?" && tty != "??" && tty != "-" {
		if !strings.HasPrefix(tty, "/dev/") {
			tty = "/dev/" + tty
		}
		p.TTY = tty
	}
	return p, true
}

// matchesAgentBinary reports whether an argv runs the agent. Direct
// invocations match on the executable basename; "node .../claude" style
// launchers match on the basename of the first script argument.
func matchesAgentBinary(argv []string, binary string) bool {
	if len(argv) == 0 {
		return false
	}
	if filepath.Base(argv[0]) == binary {
		return true
	}
	base := filepath.Base(argv[0])
	if (base == "node" || base == "bun" || base == "deno") && len(argv) > 1 {
		return filepath.Base(argv[1]) == binary
	}
	return false
}

// cwdForPID resolves a process working directory. /proc is authoritative
// where it exists; macOS falls back to lsof.
func cwdForPID(ctx context.Context, pid int) string {
	if platform.HasProcFS() {
		if cwd, err := os.Readlink("/proc/" + strconv.Itoa(pid) + "/cwd"); err == nil {
			return cwd
		}
		return ""
	}

	out, err := exec.CommandContext(ctx, "lsof", "-a", "-p", strconv.Itoa(pid), "-d", "cwd", "-Fn").Output()
	if err != nil {
		return ""
	}
	return parseLsofCwd(string(out))
}

// parseLsofCwd extracts the "n<path>" field from lsof -Fn output.
func parseLsofCwd(out string) string {
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "n") && len(line) > 1 {
			return line[1:]
		}
	}
	return ""
}

// terminalIdentityForPID inspects a process environment for terminal
// markers. Absence is not an error; most non-interactive launches have
// none.
func terminalIdentityForPID(ctx context.Context, pid int) (app, sessionID string) {
	return identityFromEnv(environForPID(ctx, pid))
}

// identityFromEnv maps terminal env markers to an (app, session id) pair.
// Multiplexer-specific ids outrank the generic TERM_* ones.
func identityFromEnv(env map[string]string) (app, sessionID string) {
	if len(env) == 0 {
		return "", ""
	}

	if id := env["ITERM_SESSION_ID"]; id != "" {
		return "iTerm.app", id
	}
	if id := env["KITTY_WINDOW_ID"]; id != "" {
		return "kitty", id
	}
	if id := env["WEZTERM_PANE"]; id != "" {
		return "WezTerm", id
	}
	if id := env["TERM_SESSION_ID"]; id != "" {
		app := env["TERM_PROGRAM"]
		if app == "" {
			app = "Apple_Terminal"
		}
		return app, id
	}
	return env["TERM_PROGRAM"], ""
}

// environForPID reads a process environment. Linux reads /proc directly;
// macOS shells out to `ps eww`, whose trailing tokens are KEY=VALUE pairs.
func environForPID(ctx context.Context, pid int) map[string]string {
	if platform.HasProcFS() {
		data, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/environ")
		if err != nil {
			return nil
		}
		env := make(map[string]string)
		for _, kv := range strings.Split(string(data), "\x00") {
			if k, v, ok := strings.Cut(kv, "="); ok {
				env[k] = v
			}
		}
		return env
	}

	out, err := exec.CommandContext(ctx, "ps", "eww", "-o", "command=", "-p", strconv.Itoa(pid)).Output()
	if err != nil {
		return nil
	}
	return parsePSEnviron(string(out))
}

// parsePSEnviron extracts KEY=VALUE tokens from `ps eww` output. Values
// containing spaces are unrecoverable from this format; the keys we care
// about (session ids, terminal names) never contain them.
func parsePSEnviron(out string) map[string]string {
	env := make(map[string]string)
	for _, tok := range strings.Fields(out) {
		if k, v, ok := strings.Cut(tok, "="); ok && isEnvKey(k) {
			env[k] = v
		}
	}
	if len(env) == 0 {
		return nil
	}
	return env
}

func isEnvKey(k string) bool {
	for _, r := range k {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') && r != '_' {
			return false
		}
	}
	return k != ""
}

// windowsLister queries Win32_Process via PowerShell.
type windowsLister struct{}

func (l *windowsLister) List(ctx context.Context, binary string) ([]Process, error) {
	ctx, cancel := context.WithTimeout(ctx, listTimeout)
	defer cancel()

	query := "Get-CimInstance Win32_Process -Filter \"Name='" + binary + ".exe'\" | " +
		"ForEach-Object { '{0}|{1}' -f $_.ProcessId, $_.CommandLine }"
	out, err := exec.CommandContext(ctx, "powershell", "-NoProfile", "-Command", query).Output()
	if err != nil {
		return nil, err
	}

	var procs []Process
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		pidStr, cmdline, ok := strings.Cut(line, "|")
		if !ok {
			continue
		}
		pid, err := strconv.Atoi(strings.TrimSpace(pidStr))
		if err != nil {
			continue
		}
		procs = append(procs, Process{
			PID:    pid,
			Bypass: strings.Contains(cmdline, bypassFlag),
		})
	}
	return procs, nil
}

// unsupportedLister keeps the capability table total on unknown platforms.
type unsupportedLister struct{}

func (unsupportedLister) List(context.Context, string) ([]Process, error) {
	return nil, nil
}
