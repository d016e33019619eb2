package session

import (
	"context"
	"time"
)

// LivenessSweep removes registry entries whose backing process has died
// without a clean end event (kill -9, crashed terminal). Entries with no
// known pid are left to the staleness sweep.
func (r *Registry) LivenessSweep() int {
	r.mu.Lock()
	var dead []string
	for id, s := range r.sessions {
		if s.PID > 0 && !r.alive(s.PID) {
			dead = append(dead, id)
		}
	}
	r.mu.Unlock()

	for _, id := range dead {
		logRemoved(id, "process_dead")
		r.End(id)
	}
	return len(dead)
}

// StalenessSweep removes entries with no activity beyond the TTL,
// whether or not the process is technically alive. Covers sessions
// silently abandoned in a background tab.
func (r *Registry) StalenessSweep() int {
	ttl := r.cfg.StalenessTTL()
	cutoff := r.now().Add(-ttl)

	r.mu.Lock()
	var stale []string
	for id, s := range r.sessions {
		if !s.LastActivity.IsZero() && s.LastActivity.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	r.mu.Unlock()

	for _, id := range stale {
		logRemoved(id, "stale")
		r.End(id)
	}

	if r.catalog != nil {
		// Persisted rows outlive live entries a while so restarts can
		// still resolve them, then age out.
		_ = r.catalog.Prune(2 * ttl)
	}
	return len(stale)
}

// RunSweeps runs the liveness and staleness sweeps on their own periodic
// tickers until ctx is cancelled. The two are independent: one slow
// sweep never delays the other.
func (r *Registry) RunSweeps(ctx context.Context) {
	go r.runEvery(ctx, r.cfg.LivenessInterval(), func() { r.LivenessSweep() })
	go r.runEvery(ctx, r.cfg.StalenessTTL()/4, func() { r.StalenessSweep() })
}

func (r *Registry) runEvery(ctx context.Context, interval time.Duration, fn func()) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}
