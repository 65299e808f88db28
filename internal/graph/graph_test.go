package graph_test

import (
	"errors"
	"testing"

	"streamline/internal/domain"
	"streamline/internal/graph"
)

func stream(id string, deps ...string) domain.Stream {
	if deps == nil {
		deps = []string{}
	}
	return domain.Stream{ID: id, Dependencies: deps}
}

func TestDepthsDiamond(t *testing.T) {
	streams := []domain.Stream{
		stream("A"),
		stream("B", "A"),
		stream("C", "A"),
		stream("Z", "B", "C"),
	}
	depths, err := graph.Depths(streams)
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]int{"A": 0, "B": 1, "C": 1, "Z": 2}
	for id, d := range want {
		if depths[id] != d {
			t.Fatalf("depth[%s]=%d, want %d", id, depths[id], d)
		}
	}
}

func TestDepthsLongestChainWins(t *testing.T) {
	streams := []domain.Stream{
		stream("A"),
		stream("B", "A"),
		stream("C", "B"),
		stream("Z", "A", "C"),
	}
	depths, err := graph.Depths(streams)
	if err != nil {
		t.Fatal(err)
	}
	if depths["Z"] != 3 {
		t.Fatalf("depth[Z]=%d, want 3", depths["Z"])
	}
}

func TestCycleDetected(t *testing.T) {
	streams := []domain.Stream{
		stream("A"),
		stream("B", "C"),
		stream("C", "B"),
	}
	_, err := graph.Depths(streams)
	var ce *graph.CycleError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CycleError, got %v", err)
	}
	if len(ce.Members) != 2 || ce.Members[0] != "B" || ce.Members[1] != "C" {
		t.Fatalf("expected cycle members [B C], got %v", ce.Members)
	}
}

func TestDanglingDependencyIsConfigError(t *testing.T) {
	streams := []domain.Stream{
		stream("A"),
		stream("B", "ghost"),
	}
	_, err := graph.Depths(streams)
	var ce *graph.ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
}

func TestValidateRequiresFoundation(t *testing.T) {
	streams := []domain.Stream{
		stream("A", "B"),
		stream("B", "A"),
	}
	_, err := graph.Validate(streams)
	var ce *graph.ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConfigError for missing foundation, got %v", err)
	}
}

func TestValidateEmptyGraph(t *testing.T) {
	depths, err := graph.Validate(nil)
	if err != nil || len(depths) != 0 {
		t.Fatalf("expected empty depths, got %v %v", depths, err)
	}
}
