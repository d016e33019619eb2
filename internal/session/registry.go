package session

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/asheshgoplani/termdeck/internal/catalog"
	"github.com/asheshgoplani/termdeck/internal/config"
	"github.com/asheshgoplani/termdeck/internal/logging"
	"github.com/asheshgoplani/termdeck/internal/procscan"
	"github.com/asheshgoplani/termdeck/internal/termkey"
)

var regLog = logging.ForComponent(logging.CompRegistry)

// modeRecheckInterval caps how often a bypass session's permission mode
// is re-derived from its transcript tail.
const modeRecheckInterval = 30 * time.Second

// Registry is the authoritative in-memory session store. It owns the
// lifecycle state machine, the per-session awaiting-debounce timers, and
// the single focus pointer. All mutation goes through its methods.
type Registry struct {
	cfg         *config.Config
	catalog     *catalog.Catalog
	broadcaster Broadcaster

	mu        sync.Mutex
	sessions  map[string]*Session
	focusedID string
	timers    map[string]*time.Timer
	timerGen  map[string]uint64
	modeCheck map[string]*rate.Limiter

	// alive is injectable so sweep tests don't need real processes.
	alive func(pid int) bool
	now   func() time.Time
}

func NewRegistry(cfg *config.Config, cat *catalog.Catalog, b Broadcaster) *Registry {
	if b == nil {
		b = NopBroadcaster{}
	}
	return &Registry{
		cfg:         cfg,
		catalog:     cat,
		broadcaster: b,
		sessions:    make(map[string]*Session),
		timers:      make(map[string]*time.Timer),
		timerGen:    make(map[string]uint64),
		modeCheck:   make(map[string]*rate.Limiter),
		alive:       procscan.IsAlive,
		now:         time.Now,
	}
}

// --- queries ---

// List returns copies of all sessions.
func (r *Registry) List() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.clone())
	}
	return out
}

// Get returns a copy of one session, nil when absent.
func (r *Registry) Get(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		return s.clone()
	}
	return nil
}

// FocusedID returns the focused session id, "" when none.
func (r *Registry) FocusedID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.focusedID
}

// FocusedSession returns a copy of the focused session, nil when none.
func (r *Registry) FocusedSession() *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[r.focusedID]; ok {
		return s.clone()
	}
	return nil
}

// Len reports the session count.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// --- focus ---

// SetFocused moves the focus pointer. Unknown ids clear nothing and
// return false; a no-op change emits nothing.
func (r *Registry) SetFocused(id string) bool {
	r.mu.Lock()
	if _, ok := r.sessions[id]; !ok {
		r.mu.Unlock()
		return false
	}
	changed := r.focusedID != id
	r.focusedID = id
	r.mu.Unlock()

	if changed {
		r.broadcaster.FocusChanged(id)
	}
	return true
}

// MatchFocus tries an ordered list of terminal-key candidates against
// the registry, focusing the first session whose key matches. Returns
// the matched session id, "" when nothing matched.
func (r *Registry) MatchFocus(candidates []termkey.Key) string {
	r.mu.Lock()
	var matched string
	for _, cand := range candidates {
		for id, s := range r.sessions {
			if termkey.Match(cand, s.TerminalKey) {
				matched = id
				break
			}
		}
		if matched != "" {
			break
		}
	}
	changed := matched != "" && matched != r.focusedID
	if changed {
		r.focusedID = matched
	}
	r.mu.Unlock()

	if changed {
		r.broadcaster.FocusChanged(matched)
	}
	return matched
}

// --- lifecycle mutations ---

// RegisterStart creates or replaces a session from a start event. A
// discovered entry with the same id is superseded in place, keeping its
// pid and transcript path when the event doesn't carry fresher values.
// New sessions take focus.
func (r *Registry) RegisterStart(ev Event) *Session {
	r.mu.Lock()
	r.cancelTimerLocked(ev.SessionID)

	now := r.now()
	s := &Session{
		ID:           ev.SessionID,
		Source:       SourceHook,
		CWD:          ev.CWD,
		ProjectName:  projectNameFor(ev.CWD),
		Status:       StatusActive,
		RegisteredAt: now,
		LastActivity: now,
		AutoCompact:  defaultAutoCompact(),
	}
	applyEventKey(s, ev)
	s.TranscriptPath = ev.TranscriptPath
	s.Bypass = ev.Bypass

	if prev, ok := r.sessions[ev.SessionID]; ok {
		// Supersede, preserving what the event doesn't know.
		s.RegisteredAt = prev.RegisteredAt
		if s.PID == 0 {
			s.PID = prev.PID
		}
		if s.TranscriptPath == "" {
			s.TranscriptPath = prev.TranscriptPath
		}
		if s.TerminalKey.IsZero() {
			s.TerminalKey = prev.TerminalKey
		}
		s.Git = prev.Git
		s.Context = prev.Context
		s.Title = prev.Title
	}
	if s.PID == 0 && ev.PID > 0 {
		s.PID = ev.PID
	}
	r.ensureTerminalKeyLocked(s)

	r.sessions[s.ID] = s
	r.focusedID = s.ID
	out := s.clone()
	r.mu.Unlock()

	r.broadcaster.SessionUpdated(out)
	r.broadcaster.FocusChanged(out.ID)
	return out
}

// RegisterDiscovered inserts or refreshes a scan-discovered session. A
// hook-registered entry with the same id wins: discovery only fills in
// fields the hook path couldn't know (pid, transcript, tail status).
func (r *Registry) RegisterDiscovered(cwd string, p Pairing) *Session {
	r.mu.Lock()

	id := p.File.SessionID
	s, exists := r.sessions[id]
	if !exists {
		s = &Session{
			ID:           id,
			Source:       SourceDiscovered,
			CWD:          cwd,
			ProjectName:  projectNameFor(cwd),
			RegisteredAt: r.now(),
			AutoCompact:  defaultAutoCompact(),
		}
		r.sessions[id] = s
	}

	s.TranscriptPath = orKeep(p.File.Path, s.TranscriptPath)
	s.Title = orKeep(p.File.Title, s.Title)
	s.LastToolName = orKeep(p.File.LastToolName, s.LastToolName)
	if !p.File.Git.IsZero() {
		s.Git = p.File.Git
	}
	if p.File.Context.ContextWindow > 0 {
		s.Context = p.File.Context
	}
	if p.File.Mode != ModeUnknown {
		s.Mode = p.File.Mode
	}
	if p.Proc != nil {
		s.PID = p.Proc.PID
		s.Bypass = p.Proc.Bypass
		if key := keyFromProcess(p.Proc); !key.IsZero() {
			s.TerminalKey = key
		}
	}
	r.ensureTerminalKeyLocked(s)

	if s.Source == SourceDiscovered {
		// Hook events own status for hook sessions; tail inference owns
		// it for discovered ones.
		s.Status = p.File.Status
	}
	if !p.File.ModTime.IsZero() && p.File.ModTime.After(s.LastActivity) {
		s.LastActivity = p.File.ModTime
	}
	if s.LastActivity.IsZero() {
		s.LastActivity = r.now()
	}

	out := s.clone()
	r.mu.Unlock()

	r.broadcaster.SessionUpdated(out)
	return out
}

// Activity marks a session working and cancels any pending awaiting
// transition.
func (r *Registry) Activity(id string) *Session {
	return r.transition(id, func(s *Session) {
		s.Status = StatusWorking
		s.LastActivity = r.now()
	})
}

// PreToolUse arms the awaiting-debounce timer. Unless a later event for
// the same session cancels it, the session flips to awaiting with the
// tool name once the delay elapses. Tools auto-approved within the
// window never surface as awaiting.
func (r *Registry) PreToolUse(id, toolName string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	s.LastActivity = r.now()
	s.LastToolName = toolName

	// Ownership is a generation counter, not the timer pointer: the
	// counter is fixed before the timer is armed, so the callback never
	// reads anything written after AfterFunc returns.
	r.cancelTimerLocked(id)
	gen := r.timerGen[id]
	r.timers[id] = time.AfterFunc(r.cfg.AwaitingDebounce(), func() {
		r.fireAwaiting(id, toolName, gen)
	})
	r.mu.Unlock()
}

// fireAwaiting completes a debounce that was never cancelled.
func (r *Registry) fireAwaiting(id, toolName string, gen uint64) {
	r.mu.Lock()
	if r.timerGen[id] != gen {
		// Cancelled or replaced after this fire was already scheduled.
		r.mu.Unlock()
		return
	}
	delete(r.timers, id)

	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	s.Status = StatusAwaiting
	s.LastToolName = toolName
	out := s.clone()
	r.mu.Unlock()

	r.broadcaster.SessionUpdated(out)
}

// Idle marks a session idle and cancels any pending timer.
func (r *Registry) Idle(id string) *Session {
	return r.transition(id, func(s *Session) {
		s.Status = StatusIdle
		s.LastActivity = r.now()
	})
}

// ContextUpdate refreshes context metrics without touching status. For
// bypass sessions the reported permission mode is unreliable, so the
// mode is re-derived from the transcript tail instead, at most once per
// modeRecheckInterval per session. A nil autocompact leaves the stored
// config alone.
func (r *Registry) ContextUpdate(id string, metrics ContextMetrics, reportedMode Mode, ac *AutoCompactConfig) *Session {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return nil
	}

	if metrics.Percentage > 0 || metrics.ContextWindow > 0 || metrics.InputTokens > 0 {
		s.Context = metrics
	}
	if ac != nil {
		s.AutoCompact = *ac
	}
	s.LastActivity = r.now()

	recheck := false
	transcript := s.TranscriptPath
	if s.Bypass {
		// Transcript first: a session with no transcript yet must not
		// burn its recheck token.
		recheck = transcript != "" && r.modeLimiterLocked(id).Allow()
	} else if reportedMode != ModeUnknown {
		s.Mode = reportedMode
	}
	out := s.clone()
	r.mu.Unlock()

	if recheck {
		if m := DetectTailMode(transcript); m != ModeUnknown {
			r.mu.Lock()
			if s, ok := r.sessions[id]; ok && s.Mode != m {
				s.Mode = m
				out = s.clone()
			}
			r.mu.Unlock()
		}
	}

	r.broadcaster.SessionUpdated(out)
	return out
}

// End removes a session, cancelling its timer and releasing focus if it
// held it.
func (r *Registry) End(id string) {
	r.mu.Lock()
	// The generation entry survives removal so a reused session id can
	// never collide with a stale callback's captured generation.
	r.cancelTimerLocked(id)
	delete(r.modeCheck, id)
	_, existed := r.sessions[id]
	delete(r.sessions, id)
	focusCleared := r.focusedID == id
	if focusCleared {
		r.focusedID = ""
	}
	r.mu.Unlock()

	if !existed {
		return
	}
	r.broadcaster.SessionRemoved(id)
	if focusCleared {
		r.broadcaster.FocusChanged("")
	}
}

// --- internals ---

// transition applies fn under lock, cancels the debounce timer (every
// terminating event must), and broadcasts the result.
func (r *Registry) transition(id string, fn func(*Session)) *Session {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	r.cancelTimerLocked(id)
	fn(s)
	out := s.clone()
	r.mu.Unlock()

	r.broadcaster.SessionUpdated(out)
	return out
}

// cancelTimerLocked stops any pending debounce and bumps the session's
// timer generation, invalidating callbacks that already fired but have
// not yet taken the lock.
func (r *Registry) cancelTimerLocked(id string) {
	if t, ok := r.timers[id]; ok {
		t.Stop()
		delete(r.timers, id)
	}
	r.timerGen[id]++
}

func (r *Registry) modeLimiterLocked(id string) *rate.Limiter {
	l, ok := r.modeCheck[id]
	if !ok {
		l = rate.NewLimiter(rate.Every(modeRecheckInterval), 1)
		r.modeCheck[id] = l
	}
	return l
}

// ensureTerminalKeyLocked guarantees the non-empty-key invariant with a
// synthetic fallback.
func (r *Registry) ensureTerminalKeyLocked(s *Session) {
	if s.TerminalKey.IsZero() {
		if s.PID > 0 {
			s.TerminalKey = termkey.PID(s.PID)
		} else {
			s.TerminalKey = termkey.Unknown(s.ID)
		}
	}
	s.TerminalKeyRaw = s.TerminalKey.String()
}

// applyEventKey resolves the terminal key carried by an event.
func applyEventKey(s *Session, ev Event) {
	if ev.TerminalKey != "" {
		s.TerminalKey = termkey.Parse(ev.TerminalKey)
	}
}

// keyFromProcess encodes a scanned process's terminal identity as a
// DISCOVERED key.
func keyFromProcess(p *procscan.Process) termkey.Key {
	switch {
	case p.TerminalApp == "iTerm.app" && p.TerminalSessionID != "":
		return termkey.Discovered(termkey.ITerm(p.TerminalSessionID))
	case p.TTY != "":
		return termkey.DiscoveredTTY(p.TTY, p.PID)
	case p.PID > 0:
		return termkey.Discovered(termkey.PID(p.PID))
	default:
		return termkey.Key{}
	}
}

func orKeep(fresh, prev string) string {
	if fresh != "" {
		return fresh
	}
	return prev
}

func logRemoved(id, reason string) {
	regLog.Info("session_removed", slog.String("session_id", id), slog.String("reason", reason))
}
