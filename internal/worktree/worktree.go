// Package worktree manages per-stream isolated working copies and drives
// merge conflict resolution when a stream's work returns to the shared
// branch.
package worktree

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"streamline/internal/domain"
)

// Manager shells out to git for every repository operation.
type Manager struct {
	Repo       string
	BaseBranch string
	Root       string
	Logger     *log.Logger
	// Run executes a git command in dir. Overridable in tests.
	Run func(ctx context.Context, dir string, args ...string) (string, error)
}

func NewManager(repo, baseBranch, root string) *Manager {
	return &Manager{
		Repo:       repo,
		BaseBranch: baseBranch,
		Root:       root,
		Logger:     log.New(os.Stderr, "worktree ", log.LstdFlags),
		Run:        runGit,
	}
}

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

func (m *Manager) branch(streamID string) string {
	return "stream/" + streamID
}

// Path returns where the stream's worktree lives.
func (m *Manager) Path(streamID string) string {
	return filepath.Join(m.Root, streamID)
}

// Add creates (or repairs and reuses) the isolated worktree for a stream and
// returns its path.
func (m *Manager) Add(ctx context.Context, streamID string) (string, error) {
	path := m.Path(streamID)
	if m.valid(path) {
		return path, nil
	}
	if _, err := os.Stat(path); err == nil {
		// Directory exists but git lost track of it; repair, then prune
		// whatever is truly gone.
		if _, err := m.Run(ctx, m.Repo, "worktree", "repair", path); err == nil && m.valid(path) {
			return path, nil
		}
		_ = os.RemoveAll(path)
		_, _ = m.Run(ctx, m.Repo, "worktree", "prune")
	}
	if _, err := m.Run(ctx, m.Repo, "worktree", "add", "-b", m.branch(streamID), path, m.BaseBranch); err != nil {
		return "", fmt.Errorf("add worktree for stream %s: %w", streamID, err)
	}
	m.Logger.Printf("created worktree %s on branch %s", path, m.branch(streamID))
	return path, nil
}

// valid reports whether path is a usable worktree: a linked worktree keeps
// its .git as a gitlink file, not a directory.
func (m *Manager) valid(path string) bool {
	info, err := os.Stat(filepath.Join(path, ".git"))
	return err == nil && !info.IsDir()
}

// Remove force-removes the stream's worktree and prunes stale records.
func (m *Manager) Remove(ctx context.Context, streamID string) error {
	path := m.Path(streamID)
	if _, err := m.Run(ctx, m.Repo, "worktree", "remove", "--force", path); err != nil {
		// Fall back to deleting the directory; prune cleans the record.
		_ = os.RemoveAll(path)
	}
	_, err := m.Run(ctx, m.Repo, "worktree", "prune")
	return err
}

// HasWork reports whether the stream branch has commits ahead of the base
// branch. Merging an empty branch is skipped.
func (m *Manager) HasWork(ctx context.Context, streamID string) (bool, error) {
	out, err := m.Run(ctx, m.Repo, "log", "--oneline", m.BaseBranch+".."+m.branch(streamID))
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

// Merge merges the stream branch into the base branch. On conflict the merge
// is left in progress and the classified conflicts are returned; resolution
// operates on the merging tree.
func (m *Manager) Merge(ctx context.Context, streamID string) ([]domain.Conflict, error) {
	if _, err := m.Run(ctx, m.Repo, "checkout", m.BaseBranch); err != nil {
		return nil, err
	}
	if _, err := m.Run(ctx, m.Repo, "merge", "--no-edit", m.branch(streamID)); err != nil {
		conflicts, scanErr := m.ScanConflicts(ctx)
		if scanErr != nil {
			return nil, scanErr
		}
		if len(conflicts) > 0 {
			m.Logger.Printf("merge of %s hit %d conflict(s)", m.branch(streamID), len(conflicts))
			return conflicts, nil
		}
		return nil, err
	}
	return nil, nil
}

// ScanConflicts lists the currently unmerged paths, classified.
func (m *Manager) ScanConflicts(ctx context.Context) ([]domain.Conflict, error) {
	out, err := m.Run(ctx, m.Repo, "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	return parseConflicts(out), nil
}

// Resolve applies one strategy to the given conflicts. Manual verifies that
// no conflict markers remain and stages the files; ours/theirs check out the
// chosen side file by file, collecting per-file failures instead of
// aborting the batch.
func (m *Manager) Resolve(ctx context.Context, strategy Strategy, conflicts []domain.Conflict) error {
	switch strategy {
	case StrategyManual:
		var dirty []string
		for _, c := range conflicts {
			if fileHasMarkers(filepath.Join(m.Repo, c.Path)) {
				dirty = append(dirty, c.Path)
			}
		}
		if len(dirty) > 0 {
			return &MarkerError{Files: dirty}
		}
		for _, c := range conflicts {
			if _, err := m.Run(ctx, m.Repo, "add", "--", c.Path); err != nil {
				return err
			}
		}
		return nil
	case StrategyOurs, StrategyTheirs:
		failures := map[string]string{}
		for _, c := range conflicts {
			if err := m.resolveOne(ctx, strategy, c); err != nil {
				failures[c.Path] = err.Error()
			}
		}
		if len(failures) > 0 {
			return &ResolveError{Failures: failures}
		}
		return nil
	}
	return fmt.Errorf("unknown resolution strategy %q", strategy)
}

func (m *Manager) resolveOne(ctx context.Context, strategy Strategy, c domain.Conflict) error {
	side := "--ours"
	if strategy == StrategyTheirs {
		side = "--theirs"
	}
	// A side that deleted the file has nothing to check out; resolving in
	// its favor means removing the path.
	deleteWins := c.Kind == KindDelete ||
		(c.Kind == KindModifyDelete && c.Suggestion == string(strategy))
	if deleteWins {
		if _, err := m.Run(ctx, m.Repo, "rm", "--force", "--", c.Path); err != nil {
			return err
		}
		return nil
	}
	if _, err := m.Run(ctx, m.Repo, "checkout", side, "--", c.Path); err != nil {
		return err
	}
	_, err := m.Run(ctx, m.Repo, "add", "--", c.Path)
	return err
}

// FinishMerge re-scans and, if nothing is left unmerged, concludes the
// in-progress merge. Remaining conflicts are returned instead.
func (m *Manager) FinishMerge(ctx context.Context) ([]domain.Conflict, error) {
	conflicts, err := m.ScanConflicts(ctx)
	if err != nil {
		return nil, err
	}
	if len(conflicts) > 0 {
		return conflicts, nil
	}
	if _, err := m.Run(ctx, m.Repo, "commit", "--no-edit"); err != nil {
		return nil, err
	}
	return nil, nil
}

// AbortMerge discards an in-progress merge. Used when resolution is being
// deferred to a follow-up action.
func (m *Manager) AbortMerge(ctx context.Context) error {
	_, err := m.Run(ctx, m.Repo, "merge", "--abort")
	return err
}
