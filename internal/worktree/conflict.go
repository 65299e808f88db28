package worktree

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"streamline/internal/domain"
)

// Strategy selects how conflicting paths get resolved.
type Strategy string

const (
	StrategyOurs   Strategy = "ours"
	StrategyTheirs Strategy = "theirs"
	StrategyManual Strategy = "manual"
)

func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyOurs, StrategyTheirs, StrategyManual:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("unknown resolution strategy %q (want ours, theirs or manual)", s)
}

// Conflict kinds, classified from git's two-letter unmerged status codes.
const (
	KindContent      = "content"
	KindRename       = "rename"
	KindDelete       = "delete"
	KindAddAdd       = "add_add"
	KindModifyDelete = "modify_delete"
)

// classify maps an unmerged XY status code to a conflict kind and its
// suggested strategy. Pure deletions default away from manual; anything
// where both sides wrote content needs a human (or an explicit override).
func classify(code, path string) domain.Conflict {
	c := domain.Conflict{Path: path}
	switch code {
	case "UU":
		c.Kind, c.Suggestion = KindContent, string(StrategyManual)
	case "AA":
		c.Kind, c.Suggestion = KindAddAdd, string(StrategyManual)
	case "DD":
		c.Kind, c.Suggestion = KindDelete, string(StrategyOurs)
	case "UD":
		// modified by us, deleted by them
		c.Kind, c.Suggestion = KindModifyDelete, string(StrategyOurs)
	case "DU":
		// deleted by us, modified by them
		c.Kind, c.Suggestion = KindModifyDelete, string(StrategyTheirs)
	case "AU", "UA":
		c.Kind, c.Suggestion = KindRename, string(StrategyManual)
	default:
		c.Kind, c.Suggestion = KindContent, string(StrategyManual)
	}
	return c
}

// parseConflicts reads `git status --porcelain` output and keeps only the
// unmerged entries.
func parseConflicts(porcelain string) []domain.Conflict {
	var res []domain.Conflict
	for _, line := range strings.Split(porcelain, "\n") {
		if len(line) < 4 {
			continue
		}
		code := line[:2]
		path := strings.TrimSpace(line[3:])
		switch code {
		case "UU", "AA", "DD", "UD", "DU", "AU", "UA":
			res = append(res, classify(code, path))
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Path < res[j].Path })
	return res
}

// MarkerError reports files that still contain conflict markers when a
// manual resolution was requested.
type MarkerError struct {
	Files []string
}

func (e *MarkerError) Error() string {
	return fmt.Sprintf("conflict markers remain in: %s", strings.Join(e.Files, ", "))
}

// ResolveError collects per-file failures from an ours/theirs pass. The
// batch keeps going past individual failures.
type ResolveError struct {
	Failures map[string]string
}

func (e *ResolveError) Error() string {
	paths := make([]string, 0, len(e.Failures))
	for p := range e.Failures {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return fmt.Sprintf("resolution failed for %d file(s): %s", len(paths), strings.Join(paths, ", "))
}

const conflictMarker = "<<<<<<<"

func fileHasMarkers(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		// A deleted side of a conflict has no file to carry markers.
		return false
	}
	return strings.Contains(string(data), conflictMarker)
}
