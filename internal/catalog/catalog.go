// Package catalog persists derived session metadata (title, mode, token
// counts, git placement) in SQLite so restarts and hookless discoveries
// don't start from nothing. Reads go through an in-memory TTL cache;
// cache-miss rebuilds are deduplicated with singleflight so a burst of
// lookups for the same session costs one transcript parse.
package catalog

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	_ "modernc.org/sqlite"
)

// DefaultTTL is how long a cached row is trusted before the next read
// triggers a rebuild.
const DefaultTTL = 30 * time.Second

// Row is the persisted metadata for one session.
type Row struct {
	SessionID     string
	Title         string
	Mode          string
	InputTokens   int
	OutputTokens  int
	ContextWindow int
	GitBranch     string
	GitWorktree   string
	GitRepoRoot   string
	UpdatedAt     time.Time
}

// Builder computes a fresh Row for a session on cache miss. It gets the
// stale row (zero Row when none) so builders can preserve fields they
// can't recompute.
type Builder func(sessionID string, stale Row) (Row, error)

type cacheEntry struct {
	row      Row
	cachedAt time.Time
}

// Catalog is safe for concurrent use.
type Catalog struct {
	db  *sql.DB
	ttl time.Duration

	mu    sync.RWMutex
	cache map[string]cacheEntry

	rebuilds singleflight.Group
}

// Open creates or opens the catalog database at dbPath with WAL mode and
// a busy timeout so multiple daemon invocations don't trip over each
// other.
func Open(dbPath string) (*Catalog, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("catalog: mkdir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("catalog: open: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: wal mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: busy timeout: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS session_catalog (
			session_id     TEXT PRIMARY KEY,
			title          TEXT NOT NULL DEFAULT '',
			mode           TEXT NOT NULL DEFAULT '',
			input_tokens   INTEGER NOT NULL DEFAULT 0,
			output_tokens  INTEGER NOT NULL DEFAULT 0,
			context_window INTEGER NOT NULL DEFAULT 0,
			git_branch     TEXT NOT NULL DEFAULT '',
			git_worktree   TEXT NOT NULL DEFAULT '',
			git_repo_root  TEXT NOT NULL DEFAULT '',
			updated_at     INTEGER NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: create table: %w", err)
	}

	return &Catalog{
		db:    db,
		ttl:   DefaultTTL,
		cache: make(map[string]cacheEntry),
	}, nil
}

// SetTTL overrides the cache TTL (tests).
func (c *Catalog) SetTTL(ttl time.Duration) {
	c.mu.Lock()
	c.ttl = ttl
	c.mu.Unlock()
}

// Close checkpoints WAL and closes the database.
func (c *Catalog) Close() error {
	_, _ = c.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return c.db.Close()
}

// Get returns the cached or persisted row without rebuilding. The bool
// reports whether a row exists at all.
func (c *Catalog) Get(sessionID string) (Row, bool) {
	c.mu.RLock()
	entry, ok := c.cache[sessionID]
	c.mu.RUnlock()
	if ok {
		return entry.row, true
	}

	row, err := c.load(sessionID)
	if err != nil {
		return Row{}, false
	}
	c.store(row)
	return row, true
}

// GetOrBuild returns a fresh-enough row, invoking build on miss or
// expiry. Concurrent callers for the same session share one build.
func (c *Catalog) GetOrBuild(sessionID string, build Builder) (Row, error) {
	c.mu.RLock()
	entry, ok := c.cache[sessionID]
	ttl := c.ttl
	c.mu.RUnlock()
	if ok && time.Since(entry.cachedAt) < ttl {
		return entry.row, nil
	}

	v, err, _ := c.rebuilds.Do(sessionID, func() (any, error) {
		// Re-check under singleflight; a concurrent build may have
		// refreshed the entry while we waited.
		c.mu.RLock()
		entry, ok := c.cache[sessionID]
		ttl := c.ttl
		c.mu.RUnlock()
		if ok && time.Since(entry.cachedAt) < ttl {
			return entry.row, nil
		}

		stale := entry.row
		if !ok {
			if persisted, err := c.load(sessionID); err == nil {
				stale = persisted
			}
		}

		row, err := build(sessionID, stale)
		if err != nil {
			return Row{}, err
		}
		row.SessionID = sessionID
		row.UpdatedAt = time.Now()
		if err := c.save(row); err != nil {
			return Row{}, err
		}
		c.store(row)
		return row, nil
	})
	if err != nil {
		return Row{}, err
	}
	return v.(Row), nil
}

// Put writes a row directly, bypassing the builder path. Used when hook
// events carry authoritative metadata.
func (c *Catalog) Put(row Row) error {
	row.UpdatedAt = time.Now()
	if err := c.save(row); err != nil {
		return err
	}
	c.store(row)
	return nil
}

// Invalidate drops the in-memory entry so the next GetOrBuild rebuilds.
func (c *Catalog) Invalidate(sessionID string) {
	c.mu.Lock()
	delete(c.cache, sessionID)
	c.mu.Unlock()
}

// Delete removes a session's row entirely.
func (c *Catalog) Delete(sessionID string) error {
	c.Invalidate(sessionID)
	_, err := c.db.Exec("DELETE FROM session_catalog WHERE session_id = ?", sessionID)
	return err
}

// Prune removes persisted rows not updated within keep. Called by the
// staleness sweep so the catalog doesn't accumulate dead sessions.
func (c *Catalog) Prune(keep time.Duration) error {
	cutoff := time.Now().Add(-keep).Unix()
	_, err := c.db.Exec("DELETE FROM session_catalog WHERE updated_at < ?", cutoff)
	return err
}

func (c *Catalog) store(row Row) {
	c.mu.Lock()
	c.cache[row.SessionID] = cacheEntry{row: row, cachedAt: time.Now()}
	c.mu.Unlock()
}

func (c *Catalog) save(row Row) error {
	_, err := c.db.Exec(`
		INSERT OR REPLACE INTO session_catalog (
			session_id, title, mode, input_tokens, output_tokens,
			context_window, git_branch, git_worktree, git_repo_root, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		row.SessionID, row.Title, row.Mode, row.InputTokens, row.OutputTokens,
		row.ContextWindow, row.GitBranch, row.GitWorktree, row.GitRepoRoot,
		row.UpdatedAt.Unix(),
	)
	return err
}

func (c *Catalog) load(sessionID string) (Row, error) {
	row := Row{SessionID: sessionID}
	var updatedUnix int64
	err := c.db.QueryRow(`
		SELECT title, mode, input_tokens, output_tokens, context_window,
			git_branch, git_worktree, git_repo_root, updated_at
		FROM session_catalog WHERE session_id = ?
	`, sessionID).Scan(
		&row.Title, &row.Mode, &row.InputTokens, &row.OutputTokens,
		&row.ContextWindow, &row.GitBranch, &row.GitWorktree, &row.GitRepoRoot,
		&updatedUnix,
	)
	if err != nil {
		return Row{}, err
	}
	row.UpdatedAt = time.Unix(updatedUnix, 0)
	return row, nil
}
