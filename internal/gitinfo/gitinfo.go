// Package gitinfo resolves branch, worktree, and repo-root information for
// session working directories.
package gitinfo

import (
	"context"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/asheshgoplani/termdeck/internal/logging"
)

var gitLog = logging.ForComponent(logging.CompGit)

// queryTimeout bounds each git invocation. The daemon may run embedded in a
// UI process, so a hung git must never block the caller.
const queryTimeout = 3 * time.Second

// Info describes a directory's git context. Zero values mean "not a git
// directory": Branch and RepoRoot empty, Worktree empty unless the path is a
// linked worktree.
type Info struct {
	Branch   string
	Worktree string
	RepoRoot string
}

// IsZero reports whether no git data was found.
func (i Info) IsZero() bool {
	return i.Branch == "" && i.RepoRoot == ""
}

// Detect resolves git info for dir. It never returns an error: failures of
// any kind yield a zero Info. When dir itself does not exist (a deleted
// worktree, typically), parent directories are retried up to the filesystem
// root so the ancestor repository's branch and root are still reported.
func Detect(ctx context.Context, dir string) Info {
	if dir == "" {
		return Info{}
	}

	cur := filepath.Clean(dir)
	for {
		if info, ok := query(ctx, cur); ok {
			return info
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return Info{}
		}
		cur = parent
	}
}

// query runs the single combined branch/common-dir lookup:
//
//	git -C <dir> rev-parse --abbrev-ref HEAD --git-common-dir
//
// Line one is the branch, line two the common git directory. A common dir of
// ".git" means dir is the repo root itself; anything else points back into
// the main repository, which makes dir a linked worktree named after its
// basename.
func query(ctx context.Context, dir string) (Info, bool) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", "-C", dir,
		"rev-parse", "--abbrev-ref", "HEAD", "--git-common-dir")
	out, err := cmd.Output()
	if err != nil {
		return Info{}, false
	}

	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(lines) < 2 {
		gitLog.Warn("git_query_short_output", slog.String("dir", dir))
		return Info{}, false
	}

	info := Info{Branch: strings.TrimSpace(lines[0])}
	common := strings.TrimSpace(lines[1])

	switch {
	case common == ".git":
		info.RepoRoot = dir
	case common != "":
		if !filepath.IsAbs(common) {
			common = filepath.Clean(filepath.Join(dir, common))
		}
		// For a linked worktree the common dir is <root>/.git; the root is
		// its parent and the worktree is named after the queried path.
		info.RepoRoot = filepath.Dir(common)
		info.Worktree = filepath.Base(dir)
	}

	return info, true
}
