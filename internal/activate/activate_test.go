package activate

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/termdeck/internal/termkey"
)

type call struct {
	name string
	args []string
}

type recordingRunner struct {
	calls []call
	out   string
	err   error
}

func (r *recordingRunner) run(ctx context.Context, name string, args ...string) (string, error) {
	r.calls = append(r.calls, call{name: name, args: args})
	return r.out, r.err
}

func newTestActivator(out string, err error) (*Activator, *recordingRunner) {
	r := &recordingRunner{out: out, err: err}
	return NewWith(r.run, true), r
}

func TestKittyExactCommand(t *testing.T) {
	a, r := newTestActivator("", nil)

	res := a.Activate(context.Background(), termkey.Kitty("7"))
	assert.True(t, res.Success)
	assert.Equal(t, "kitty", res.Method)

	require.Len(t, r.calls, 1)
	assert.Equal(t, "kitten", r.calls[0].name)
	assert.Equal(t, []string{"@", "focus-window", "--match", "id:7"}, r.calls[0].args)
}

func TestWeztermExactCommand(t *testing.T) {
	a, r := newTestActivator("", nil)

	res := a.Activate(context.Background(), termkey.WezTerm("12"))
	assert.True(t, res.Success)
	assert.Equal(t, "wezterm", res.Method)

	require.Len(t, r.calls, 1)
	assert.Equal(t, "wezterm", r.calls[0].name)
	assert.Equal(t, []string{"cli", "activate-pane", "--pane-id", "12"}, r.calls[0].args)
}

func TestDiscoveredITermUnwrapsAndDispatches(t *testing.T) {
	a, r := newTestActivator("true", nil)

	key := termkey.Parse("DISCOVERED:iTerm2:w0t0p0:ABC-123")
	res := a.Activate(context.Background(), key)
	assert.True(t, res.Success)
	assert.Equal(t, "iterm", res.Method)

	require.Len(t, r.calls, 1)
	assert.Equal(t, "osascript", r.calls[0].name)
	script := r.calls[0].args[1]
	assert.Contains(t, script, `"ABC-123"`, "dispatch targets the unwrapped uuid")
	assert.Contains(t, script, "iTerm2")
}

func TestRaiseNeverSelectsOrActivates(t *testing.T) {
	keys := []termkey.Key{
		termkey.ITerm("w0t0p0:ABC-123"),
		termkey.TTY("/dev/ttys004"),
		termkey.Term("SESSION-1"),
	}
	for _, key := range keys {
		a, r := newTestActivator("true", nil)
		res := a.Raise(context.Background(), key)
		assert.True(t, res.Success, key.String())

		for _, c := range r.calls {
			script := c.args[len(c.args)-1]
			assert.NotContains(t, script, "select", "raise must not switch tabs: %s", key)
			assert.NotContains(t, script, "activate", "raise must not steal focus: %s", key)
			assert.Contains(t, script, "index", "raise reorders windows: %s", key)
		}
	}
}

func TestActivateSelectsAndActivates(t *testing.T) {
	a, r := newTestActivator("true", nil)
	a.Activate(context.Background(), termkey.ITerm("w0t0p0:ABC-123"))

	require.Len(t, r.calls, 1)
	script := r.calls[0].args[1]
	assert.Contains(t, script, "select")
	assert.Contains(t, script, "activate")
}

func TestTTYFallsBackToTerminalApp(t *testing.T) {
	r := &recordingRunner{}
	a := NewWith(func(ctx context.Context, name string, args ...string) (string, error) {
		r.calls = append(r.calls, call{name: name, args: args})
		if len(r.calls) == 1 {
			return "false", nil // iTerm finds nothing
		}
		return "true", nil
	}, true)

	res := a.Activate(context.Background(), termkey.TTY("/dev/ttys004"))
	assert.True(t, res.Success)
	assert.Equal(t, "terminal-app", res.Method)
	require.Len(t, r.calls, 2)
	assert.Contains(t, r.calls[0].args[1], "iTerm2")
	assert.Contains(t, r.calls[1].args[1], "Terminal")
}

func TestUnsupportedKeysReturnStructuredFailure(t *testing.T) {
	a, r := newTestActivator("", nil)

	for _, raw := range []string{"AUTO:abc", "UNKNOWN:xyz", "garbage-no-prefix"} {
		res := a.Activate(context.Background(), termkey.Parse(raw))
		assert.False(t, res.Success, raw)
		assert.Equal(t, "unsupported", res.Method, raw)
		assert.NotEmpty(t, res.Error, raw)
	}
	assert.Empty(t, r.calls, "unsupported keys never shell out")
}

func TestNoScriptingPlatformReportsUnsupported(t *testing.T) {
	r := &recordingRunner{}
	a := NewWith(r.run, false)

	res := a.Activate(context.Background(), termkey.ITerm("w0t0p0:ABC"))
	assert.False(t, res.Success)
	assert.Equal(t, "unsupported", res.Method)
	assert.Empty(t, r.calls)

	// Remote-control terminals don't need osascript.
	res = a.Activate(context.Background(), termkey.Kitty("1"))
	assert.True(t, res.Success)
}

func TestScriptFailureIsStructured(t *testing.T) {
	a, _ := newTestActivator("", errors.New("osascript: not permitted"))

	res := a.Activate(context.Background(), termkey.ITerm("w0t0p0:ABC"))
	assert.False(t, res.Success)
	assert.Equal(t, "iterm", res.Method)
	assert.Contains(t, res.Error, "not permitted")
}

func TestPIDActivation(t *testing.T) {
	a, r := newTestActivator("", nil)

	res := a.Activate(context.Background(), termkey.PID(4242))
	assert.True(t, res.Success)
	assert.Equal(t, "pid", res.Method)
	require.Len(t, r.calls, 1)
	assert.True(t, strings.Contains(r.calls[0].args[1], "4242"))
}

func TestNoMatchingWindow(t *testing.T) {
	a, _ := newTestActivator("false", nil)

	res := a.Activate(context.Background(), termkey.ITerm("w0t0p0:GHOST"))
	assert.False(t, res.Success)
	assert.Equal(t, "no matching window", res.Error)
}
