// Package resolver orders interdependent nodes into execution waves.
//
// A wave is a set of nodes whose dependencies all belong to earlier waves. Waves are computed
// with Kahn's algorithm: at each step every node with in-degree zero forms the next wave and
// is removed from the graph. Any node left when no zero in-degree node remains sits on a
// cycle.
package resolver

import (
	"fmt"
	"slices"
	"strings"

	"github.com/smartcontractkit/deployment-orchestrator/faults"
)

// Edge declares that To requires the output of From.
type Edge struct {
	From string `json:"from" yaml:"from" toml:"from"`
	To   string `json:"to" yaml:"to" toml:"to"`
}

// Graph is a validated dependency graph. Node order follows declaration order so that waves
// and error lists are deterministic.
type Graph struct {
	ids        []string
	index      map[string]int
	deps       map[string][]string
	dependents map[string][]string
}

// NewGraph builds a graph from node IDs and edges. All structural problems are reported
// together: duplicate or empty IDs, self-dependencies and edges naming unknown nodes. Edges
// that fail validation are left out of the returned graph.
func NewGraph(ids []string, edges []Edge) (*Graph, []*faults.Error) {
	g := &Graph{
		index:      make(map[string]int, len(ids)),
		deps:       make(map[string][]string, len(ids)),
		dependents: make(map[string][]string, len(ids)),
	}

	var errs []*faults.Error
	for _, id := range ids {
		if id == "" {
			errs = append(errs, faults.New(faults.InvalidArgument, "node id must not be empty"))
			continue
		}
		if _, dup := g.index[id]; dup {
			errs = append(errs, faults.New(faults.InvalidArgument, "duplicate node id %q", id).WithNode("", id))
			continue
		}
		g.index[id] = len(g.ids)
		g.ids = append(g.ids, id)
	}

	for _, e := range edges {
		switch {
		case e.From == e.To:
			errs = append(errs, faults.New(faults.UnknownDependency, "node %q depends on itself", e.To).WithNode("", e.To))
			continue
		case !g.Has(e.To):
			errs = append(errs, faults.New(faults.UnknownDependency, "dependency edge targets unknown node %q", e.To).WithNode("", e.To))
			continue
		case !g.Has(e.From):
			errs = append(errs, faults.New(faults.UnknownDependency, "node %q depends on unknown node %q", e.To, e.From).WithNode("", e.To))
			continue
		}
		if slices.Contains(g.deps[e.To], e.From) {
			continue
		}
		g.deps[e.To] = append(g.deps[e.To], e.From)
		g.dependents[e.From] = append(g.dependents[e.From], e.To)
	}

	return g, errs
}

// Has reports whether id is a node of the graph.
func (g *Graph) Has(id string) bool {
	_, ok := g.index[id]

	return ok
}

// Nodes returns node IDs in declaration order.
func (g *Graph) Nodes() []string {
	return slices.Clone(g.ids)
}

// Dependencies returns the direct dependencies of id.
func (g *Graph) Dependencies(id string) []string {
	return slices.Clone(g.deps[id])
}

// Waves returns the execution order as layers. Every node in wave i depends only on nodes in
// waves before i. A cycle yields a CyclicDependency error naming the nodes left unsorted.
func (g *Graph) Waves() ([][]string, error) {
	inDegree := make(map[string]int, len(g.ids))
	for _, id := range g.ids {
		inDegree[id] = len(g.deps[id])
	}

	var waves [][]string
	ready := make([]string, 0, len(g.ids))
	for _, id := range g.ids {
		if inDegree[id] == 0 {
			ready = append(ready, id)
		}
	}

	sorted := 0
	for len(ready) > 0 {
		wave := ready
		g.sortByDeclaration(wave)
		waves = append(waves, wave)
		sorted += len(wave)

		ready = nil
		for _, id := range wave {
			for _, dep := range g.dependents[id] {
				inDegree[dep]--
				if inDegree[dep] == 0 {
					ready = append(ready, dep)
				}
			}
		}
	}

	if sorted != len(g.ids) {
		var remaining []string
		for _, id := range g.ids {
			if inDegree[id] > 0 {
				remaining = append(remaining, id)
			}
		}

		return nil, faults.New(faults.CyclicDependency, "dependency cycle among nodes [%s]", strings.Join(remaining, ", "))
	}

	return waves, nil
}

// TransitiveDependents returns every node that depends on id directly or transitively, in
// declaration order.
func (g *Graph) TransitiveDependents(id string) []string {
	visited := make(map[string]bool)
	queue := []string{id}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		for _, dep := range g.dependents[current] {
			if visited[dep] {
				continue
			}
			visited[dep] = true
			queue = append(queue, dep)
		}
	}

	out := make([]string, 0, len(visited))
	for _, n := range g.ids {
		if visited[n] {
			out = append(out, n)
		}
	}

	return out
}

func (g *Graph) sortByDeclaration(ids []string) {
	slices.SortFunc(ids, func(a, b string) int {
		return g.index[a] - g.index[b]
	})
}

// String renders the graph as "a -> b" lines for debugging.
func (g *Graph) String() string {
	var sb strings.Builder
	for _, id := range g.ids {
		for _, dep := range g.dependents[id] {
			fmt.Fprintf(&sb, "%s -> %s\n", id, dep)
		}
	}

	return sb.String()
}
