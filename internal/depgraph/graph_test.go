package depgraph

import (
	"strings"
	"testing"
)

func names(vals ...string) map[string]bool {
	out := make(map[string]bool, len(vals))
	for _, v := range vals {
		out[v] = true
	}
	return out
}

func indexOf(order []string, name string) int {
	for i, n := range order {
		if n == name {
			return i
		}
	}
	return -1
}

func TestSortOrdersDependenciesFirst(t *testing.T) {
	g := Build(names("a", "b", "c"), map[string][]string{
		"c": {"b"},
		"b": {"a"},
	})
	order, err := g.Sort()
	if err != nil {
		t.Fatalf("Sort: %v", err)
	}
	if len(order) != 3 {
		t.Fatalf("expected 3 names, got %v", order)
	}
	if indexOf(order, "a") > indexOf(order, "b") || indexOf(order, "b") > indexOf(order, "c") {
		t.Fatalf("expected a before b before c, got %v", order)
	}
}

func TestSortIsDeterministic(t *testing.T) {
	g := Build(names("z", "y", "x", "w"), map[string][]string{
		"z": {"x", "y"},
		"w": {"x"},
	})
	first, err := g.Sort()
	if err != nil {
		t.Fatalf("Sort: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := g.Sort()
		if err != nil {
			t.Fatalf("Sort: %v", err)
		}
		if strings.Join(first, ",") != strings.Join(again, ",") {
			t.Fatalf("Sort not deterministic: %v vs %v", first, again)
		}
	}
	// with no edges among w and roots, x/y come before z and w, lexicographic among roots
	if indexOf(first, "x") > indexOf(first, "z") {
		t.Fatalf("expected x before z, got %v", first)
	}
}

func TestSortDetectsDirectCycle(t *testing.T) {
	g := Build(names("x", "y"), map[string][]string{
		"x": {"y"},
		"y": {"x"},
	})
	_, err := g.Sort()
	if err == nil {
		t.Fatal("expected a cycle error")
	}
	if !strings.Contains(err.Error(), "x -> y -> x") && !strings.Contains(err.Error(), "y -> x -> y") {
		t.Fatalf("expected cycle chain in error, got %q", err.Error())
	}
}

func TestSortDetectsIndirectCycle(t *testing.T) {
	g := Build(names("a", "b", "c"), map[string][]string{
		"a": {"b"},
		"b": {"c"},
		"c": {"a"},
	})
	_, err := g.Sort()
	if err == nil {
		t.Fatal("expected a cycle error")
	}
	if !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("expected cycle error, got %q", err.Error())
	}
}

func TestBuildDropsEdgesToUnknownNames(t *testing.T) {
	g := Build(names("a", "b"), map[string][]string{
		"a": {"b", "ghost"},
	})
	order, err := g.Sort()
	if err != nil {
		t.Fatalf("Sort: %v", err)
	}
	if len(order) != 2 {
		t.Fatalf("expected 2 names, got %v", order)
	}
	deps := g.Dependencies("a")
	if len(deps) != 1 || deps[0] != "b" {
		t.Fatalf("expected a to depend only on b, got %v", deps)
	}
}

func TestDependenciesOfLeafIsEmpty(t *testing.T) {
	g := Build(names("a", "b"), map[string][]string{"a": {"b"}})
	if deps := g.Dependencies("b"); deps != nil {
		t.Fatalf("expected nil dependencies for leaf, got %v", deps)
	}
}
