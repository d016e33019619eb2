package session

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/asheshgoplani/termdeck/internal/catalog"
	"github.com/asheshgoplani/termdeck/internal/config"
	"github.com/asheshgoplani/termdeck/internal/gitinfo"
	"github.com/asheshgoplani/termdeck/internal/logging"
	"github.com/asheshgoplani/termdeck/internal/procscan"
)

var discoverLog = logging.ForComponent(logging.CompDiscover)

// transcriptDirChars replaces every path byte outside [a-zA-Z0-9-] when
// encoding a cwd into its transcript directory name. Must stay in sync
// with the agent CLI's own encoding.
var transcriptDirChars = regexp.MustCompile(`[^a-zA-Z0-9-]`)

// TranscriptDirFor maps a working directory to the agent's per-project
// transcript directory.
func TranscriptDirFor(agentConfigDir, cwd string) string {
	encoded := transcriptDirChars.ReplaceAllString(cwd, "-")
	return filepath.Join(agentConfigDir, "projects", encoded)
}

// Discovery correlates working directories and processes to transcript
// files and resolves per-file session metadata.
type Discovery struct {
	cfg     *config.Config
	catalog *catalog.Catalog
}

func NewDiscovery(cfg *config.Config, cat *catalog.Catalog) *Discovery {
	return &Discovery{cfg: cfg, catalog: cat}
}

// Pairing binds one transcript file to the process it most likely
// belongs to. Proc is nil for leftover files with no matching process.
type Pairing struct {
	File FileInfo
	Proc *procscan.Process
}

// Resolve pairs the processes sharing a cwd with that directory's
// transcript files. Files and processes are each ordered most recent
// first and matched index-aligned; surplus files become process-less
// sessions, surplus processes pull in the next-most-recent files from
// outside the activity threshold so long-idle sessions still surface.
func (d *Discovery) Resolve(ctx context.Context, cwd string, procs []procscan.Process) []Pairing {
	dir := TranscriptDirFor(d.cfg.AgentConfigDir(), cwd)
	active, other := d.listCandidates(dir)

	files := active
	if surplus := len(procs) - len(active); surplus > 0 && len(other) > 0 {
		if surplus > len(other) {
			surplus = len(other)
		}
		files = append(files, other[:surplus]...)
	}

	var pairings []Pairing
	for i, path := range files {
		info := d.resolveFile(ctx, cwd, path)
		p := Pairing{File: info}
		if i < len(procs) {
			p.Proc = &procs[i]
		}
		pairings = append(pairings, p)
	}

	// Processes beyond every available file still deserve a session
	// entry, with nothing but the process itself to describe it.
	for i := len(files); i < len(procs); i++ {
		pairings = append(pairings, Pairing{
			File: FileInfo{
				SessionID: syntheticSessionID(),
				Git:       gitinfo.Detect(ctx, cwd),
				Status:    StatusActive,
			},
			Proc: &procs[i],
		})
	}
	return pairings
}

// ActiveFiles returns just the within-threshold transcript paths for a
// cwd, most recent first.
func (d *Discovery) ActiveFiles(cwd string) []string {
	active, _ := d.listCandidates(TranscriptDirFor(d.cfg.AgentConfigDir(), cwd))
	return active
}

// RecentFallbackFiles returns up to n transcript paths just outside the
// activity threshold, most recent first.
func (d *Discovery) RecentFallbackFiles(cwd string, n int) []string {
	_, other := d.listCandidates(TranscriptDirFor(d.cfg.AgentConfigDir(), cwd))
	if n < len(other) {
		other = other[:n]
	}
	return other
}

// listCandidates partitions a transcript directory's .jsonl files into
// active (modified within the threshold) and the rest, each sorted by
// mtime descending.
func (d *Discovery) listCandidates(dir string) (active, other []string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil
	}

	type stat struct {
		path  string
		mtime time.Time
	}
	var stats []stat
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		stats = append(stats, stat{path: filepath.Join(dir, e.Name()), mtime: info.ModTime()})
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].mtime.After(stats[j].mtime) })

	cutoff := time.Now().Add(-d.cfg.ActivityThreshold())
	for _, s := range stats {
		if s.mtime.After(cutoff) {
			active = append(active, s.path)
		} else {
			other = append(other, s.path)
		}
	}
	return active, other
}

// resolveFile builds a FileInfo for one transcript, catalog-first. A
// catalog hit reuses title/mode/token counts; a miss falls back to
// scanning the transcript. Git info is always recomputed live because
// cataloged git data goes stale when worktrees are deleted or renamed.
func (d *Discovery) resolveFile(ctx context.Context, cwd, path string) FileInfo {
	info := FileInfo{Path: path, Status: StatusActive}
	if st, err := os.Stat(path); err == nil {
		info.ModTime = st.ModTime()
	}

	head := scanTranscriptHead(path)
	info.SessionID = head.SessionID
	if info.SessionID == "" {
		// Transcript names are "<session-id>.jsonl"; trust the filename
		// when the content hasn't recorded an id yet.
		info.SessionID = strings.TrimSuffix(filepath.Base(path), ".jsonl")
	}

	row, err := d.catalog.GetOrBuild(info.SessionID, func(id string, stale catalog.Row) (catalog.Row, error) {
		return d.buildCatalogRow(path, head, stale), nil
	})
	if err != nil {
		discoverLog.Warn("catalog_resolve_failed",
			slog.String("session_id", info.SessionID),
			slog.String("error", err.Error()))
		row = d.buildCatalogRow(path, head, catalog.Row{})
	}

	info.Title = row.Title
	info.Mode = Mode(row.Mode)
	info.Context = computeEstimatedMetrics(row.InputTokens, row.OutputTokens, d.contextWindow(row))

	info.Git = gitinfo.Detect(ctx, cwd)
	if info.Git.Branch == "" && head.GitBranch != "" {
		info.Git.Branch = head.GitBranch
	}

	tail := DetectTailStatus(path)
	info.Status = tail.Status
	info.LastToolName = tail.ToolName
	if tail.Mode != ModeUnknown {
		info.Mode = tail.Mode
	}
	return info
}

// buildCatalogRow computes a fresh catalog row from transcript content.
func (d *Discovery) buildCatalogRow(path string, head headMeta, stale catalog.Row) catalog.Row {
	row := stale
	if head.Title != "" {
		row.Title = head.Title
	}
	row.GitBranch = head.GitBranch

	in, out := scanTokenStats(path)
	if in > 0 {
		row.InputTokens = in
	}
	if out > 0 {
		row.OutputTokens = out
	}
	if row.ContextWindow == 0 {
		row.ContextWindow = d.cfg.Agent.ContextWindow
	}
	return row
}

func (d *Discovery) contextWindow(row catalog.Row) int {
	if row.ContextWindow > 0 {
		return row.ContextWindow
	}
	return d.cfg.Agent.ContextWindow
}

// syntheticSessionID mints an id for a session with no transcript to
// name it.
func syntheticSessionID() string {
	return "synthetic-" + uuid.NewString()
}
