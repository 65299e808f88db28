// Package graph derives execution order from stream dependency metadata.
package graph

import (
	"fmt"
	"sort"
	"strings"

	"streamline/internal/domain"
)

// CycleError reports a dependency cycle. Members holds the stream ids that
// could not be assigned a depth; together they contain the cycle.
type CycleError struct {
	Members []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle among streams: %s", strings.Join(e.Members, ", "))
}

// ConfigError reports stream metadata the grapher cannot work with, such as
// a dependency on an unknown stream.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string {
	return e.Msg
}

// Depths assigns every stream its dependency depth: 0 for streams with no
// dependencies, otherwise 1 + the deepest dependency. Layering is iterative;
// an iteration that assigns nothing while streams remain means the remainder
// forms a cycle.
func Depths(streams []domain.Stream) (map[string]int, error) {
	known := make(map[string]bool, len(streams))
	for _, s := range streams {
		known[s.ID] = true
	}
	for _, s := range streams {
		for _, dep := range s.Dependencies {
			if !known[dep] {
				return nil, &ConfigError{Msg: fmt.Sprintf("stream %s depends on unknown stream %s", s.ID, dep)}
			}
		}
	}

	depths := make(map[string]int, len(streams))
	remaining := append([]domain.Stream(nil), streams...)
	for len(remaining) > 0 {
		progressed := false
		var next []domain.Stream
		for _, s := range remaining {
			depth, ok := resolvedDepth(s, depths)
			if !ok {
				next = append(next, s)
				continue
			}
			depths[s.ID] = depth
			progressed = true
		}
		if !progressed {
			members := make([]string, 0, len(next))
			for _, s := range next {
				members = append(members, s.ID)
			}
			sort.Strings(members)
			return nil, &CycleError{Members: members}
		}
		remaining = next
	}
	return depths, nil
}

func resolvedDepth(s domain.Stream, depths map[string]int) (int, bool) {
	if len(s.Dependencies) == 0 {
		return 0, true
	}
	max := 0
	for _, dep := range s.Dependencies {
		d, ok := depths[dep]
		if !ok {
			return 0, false
		}
		if d > max {
			max = d
		}
	}
	return 1 + max, true
}

// Foundations returns the streams with an empty dependency set. At least one
// must exist for a run to start.
func Foundations(streams []domain.Stream) []domain.Stream {
	var res []domain.Stream
	for _, s := range streams {
		if len(s.Dependencies) == 0 {
			res = append(res, s)
		}
	}
	return res
}

// Validate checks the whole graph: known dependency refs, no cycles, and at
// least one foundation stream. It returns the depths map on success.
func Validate(streams []domain.Stream) (map[string]int, error) {
	if len(streams) == 0 {
		return map[string]int{}, nil
	}
	if len(Foundations(streams)) == 0 {
		return nil, &ConfigError{Msg: "no foundation stream: every stream declares dependencies"}
	}
	return Depths(streams)
}
