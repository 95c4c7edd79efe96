// Package depgraph builds and topologically sorts the service dependency
// graph used by the installation planner.
package depgraph

import (
	"fmt"
	"sort"
	"strings"
)

// Graph is a directed graph of service names to the services they depend on.
type Graph struct {
	adj map[string][]string // service -> its dependencies
	all map[string]bool     // every known service name
}

// Build constructs a Graph from a set of service names and a dependency
// edge map (name -> names it depends on). Edges pointing at a name not in
// names are dropped silently; catalog.Load already guarantees every
// declared dependency resolves, so this is only a defensive backstop for
// a caller-supplied subset of the full catalog.
func Build(names map[string]bool, edges map[string][]string) *Graph {
	g := &Graph{
		adj: make(map[string][]string),
		all: make(map[string]bool, len(names)),
	}
	for name := range names {
		g.all[name] = true
	}
	for name, deps := range edges {
		if !g.all[name] {
			continue
		}
		var kept []string
		for _, dep := range deps {
			if g.all[dep] {
				kept = append(kept, dep)
			}
		}
		if len(kept) > 0 {
			g.adj[name] = kept
		}
	}
	return g
}

// Sort returns service names in topological order (dependencies first)
// using Kahn's algorithm with a deterministic (lexicographic) tiebreak so
// that two calls against the same graph always produce the same order.
// Returns an error if the graph contains a cycle.
func (g *Graph) Sort() ([]string, error) {
	inDegree := make(map[string]int, len(g.all))
	reverse := make(map[string][]string) // dep -> dependents

	for name := range g.all {
		inDegree[name] = 0
	}
	for name, deps := range g.adj {
		for _, dep := range deps {
			inDegree[name]++
			reverse[dep] = append(reverse[dep], name)
		}
	}

	var queue []string
	for name, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, name)
		}
	}
	sort.Strings(queue)

	var result []string
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		result = append(result, node)

		dependents := reverse[node]
		sort.Strings(dependents)
		for _, dep := range dependents {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(result) != len(g.all) {
		if chain := g.findCycle(); len(chain) > 0 {
			return nil, fmt.Errorf("dependency cycle detected: %s -> %s", strings.Join(chain, " -> "), chain[0])
		}
		return nil, fmt.Errorf("dependency cycle detected: processed %d of %d services", len(result), len(g.all))
	}

	return result, nil
}

// findCycle uses three-colour DFS to locate one cycle and return the chain
// of names that form it in dependency-edge order, e.g. []string{"x", "y"}
// for the cycle x -> y -> x. The caller closes the loop when formatting the
// chain into a message.
func (g *Graph) findCycle() []string {
	const (
		white = 0
		grey  = 1
		black = 2
	)

	color := make(map[string]int, len(g.all))
	parent := make(map[string]string)
	var cycle []string

	names := make([]string, 0, len(g.all))
	for name := range g.all {
		names = append(names, name)
	}
	sort.Strings(names)

	var dfs func(node string)
	dfs = func(node string) {
		color[node] = grey
		deps := append([]string(nil), g.adj[node]...)
		sort.Strings(deps)
		for _, dep := range deps {
			if cycle != nil {
				return
			}
			if color[dep] == grey {
				chain := []string{node}
				for cur := node; cur != dep; {
					p, ok := parent[cur]
					if !ok {
						break
					}
					chain = append(chain, p)
					cur = p
				}
				for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
					chain[i], chain[j] = chain[j], chain[i]
				}
				cycle = chain
				return
			}
			if color[dep] == white {
				parent[dep] = node
				dfs(dep)
			}
		}
		color[node] = black
	}

	for _, name := range names {
		if color[name] == white {
			dfs(name)
		}
		if cycle != nil {
			break
		}
	}
	return cycle
}

// Dependencies returns the direct dependencies of name, sorted.
func (g *Graph) Dependencies(name string) []string {
	deps := g.adj[name]
	if deps == nil {
		return nil
	}
	out := make([]string, len(deps))
	copy(out, deps)
	sort.Strings(out)
	return out
}
