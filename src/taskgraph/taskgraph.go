// Package taskgraph expands every recipe's task list into a single graph
// of task nodes spanning the whole build: intra-recipe edges from
// addtask's after/before, plus cross-recipe edges resolved from
// do_<task>[depends]/[rdepends] flags through the recipe graph's provider
// table.
package taskgraph

import (
	"fmt"
	"sort"
	"strings"

	logging "gopkg.in/op/go-logging.v1"

	"github.com/hitzeleiter/hitzeleiter/src/graph"
	"github.com/hitzeleiter/hitzeleiter/src/recipe"
)

var log = logging.MustGetLogger("taskgraph")

// Ref identifies a single task belonging to a single recipe.
type Ref struct {
	Recipe string
	Task   string
}

// Key returns the flat string form "recipe:task" used as the node's map key.
func (r Ref) Key() string { return r.Recipe + ":" + r.Task }

func (r Ref) String() string { return r.Key() }

// Node is one task, fully expanded with both its intra-recipe and
// cross-recipe dependency edges.
type Node struct {
	Ref      Ref
	Task     *recipe.Task
	DependsOn []Ref
}

// Graph is every task across every registered recipe, linked by edges.
type Graph struct {
	nodes map[string]*Node
	order []string // registration order, for deterministic fallbacks
}

// New returns an empty task graph.
func New() *Graph {
	return &Graph{nodes: map[string]*Node{}}
}

// AddRecipe expands every task r advertises into task nodes, wiring
// intra-recipe edges from After directly and from Before in reverse (if A
// names "before B", B depends_on A).
func (g *Graph) AddRecipe(r *recipe.ParsedRecipe) {
	for _, name := range r.TaskOrder {
		task := r.Tasks[name]
		ref := Ref{Recipe: r.BPN, Task: name}
		if _, exists := g.nodes[ref.Key()]; !exists {
			g.order = append(g.order, ref.Key())
		}
		g.nodes[ref.Key()] = &Node{Ref: ref, Task: task}
	}
	for _, name := range r.TaskOrder {
		task := r.Tasks[name]
		ref := Ref{Recipe: r.BPN, Task: name}
		node := g.nodes[ref.Key()]
		for _, after := range task.After {
			node.DependsOn = append(node.DependsOn, Ref{Recipe: r.BPN, Task: after})
		}
		for _, before := range task.Before {
			beforeRef := Ref{Recipe: r.BPN, Task: before}
			if beforeNode, ok := g.nodes[beforeRef.Key()]; ok {
				beforeNode.DependsOn = append(beforeNode.DependsOn, ref)
			}
		}
	}
}

// ResolveCrossEdges parses every task's "depends"/"rdepends" flags
// (space-separated "recipe:task" tokens) and resolves the recipe half of
// each token through rg's provider table, adding the resulting edge.
// Must run after every recipe has been added with AddRecipe.
func (g *Graph) ResolveCrossEdges(rg *graph.Graph, preferredVersions map[string]string) error {
	for _, key := range g.order {
		node := g.nodes[key]
		for _, flag := range []string{"depends", "rdepends"} {
			value := node.Task.Flags[flag]
			for _, tok := range strings.Fields(value) {
				parts := strings.SplitN(tok, ":", 2)
				if len(parts) != 2 {
					return fmt.Errorf("%s: malformed %s entry %q, want recipe:task", node.Ref, flag, tok)
				}
				recipeName, taskName := parts[0], strings.TrimPrefix(parts[1], "do_")
				resolved, ok := rg.ResolveProviderName(recipeName, preferredVersions)
				if !ok {
					return fmt.Errorf("%s: %s target %q has no known provider", node.Ref, flag, recipeName)
				}
				target := Ref{Recipe: resolved, Task: taskName}
				if _, ok := g.nodes[target.Key()]; !ok {
					return fmt.Errorf("%s: %s target %s has no such task", node.Ref, flag, target)
				}
				node.DependsOn = append(node.DependsOn, target)
			}
		}
	}
	return nil
}

// Len returns the number of task nodes in the graph.
func (g *Graph) Len() int { return len(g.nodes) }

// Node retrieves a task node by its recipe/task pair.
func (g *Graph) Node(ref Ref) (*Node, bool) {
	n, ok := g.nodes[ref.Key()]
	return n, ok
}

// Roots returns every task with no dependencies of its own.
func (g *Graph) Roots() []Ref {
	var roots []Ref
	for _, key := range g.order {
		if len(g.nodes[key].DependsOn) == 0 {
			roots = append(roots, g.nodes[key].Ref)
		}
	}
	sort.Slice(roots, func(i, j int) bool { return roots[i].Key() < roots[j].Key() })
	return roots
}

// Ready returns every task whose DependsOn set is fully contained in
// completed, excluding tasks already present in completed.
func (g *Graph) Ready(completed map[string]bool) []Ref {
	var ready []Ref
	for _, key := range g.order {
		if completed[key] {
			continue
		}
		node := g.nodes[key]
		allDone := true
		for _, dep := range node.DependsOn {
			if !completed[dep.Key()] {
				allDone = false
				break
			}
		}
		if allDone {
			ready = append(ready, node.Ref)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].Key() < ready[j].Key() })
	return ready
}

// TopologicalOrder returns a stable ordering of every task such that every
// task appears after all of its dependencies, or a *CycleError naming the
// cycle path found.
func (g *Graph) TopologicalOrder() ([]Ref, error) {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.nodes))
	var order []Ref
	var stack []string

	var visit func(key string) error
	visit = func(key string) error {
		color[key] = gray
		stack = append(stack, key)
		node := g.nodes[key]
		deps := append([]Ref{}, node.DependsOn...)
		sort.Slice(deps, func(i, j int) bool { return deps[i].Key() < deps[j].Key() })
		for _, dep := range deps {
			depKey := dep.Key()
			switch color[depKey] {
			case white:
				if err := visit(depKey); err != nil {
					return err
				}
			case gray:
				return &CycleError{Chain: cyclePath(stack, depKey)}
			}
		}
		stack = stack[:len(stack)-1]
		color[key] = black
		order = append(order, node.Ref)
		return nil
	}

	for _, key := range g.order {
		if color[key] == white {
			if err := visit(key); err != nil {
				return nil, err
			}
		}
	}
	return order, nil
}

// DOT renders every task node and its DependsOn edges as a Graphviz "dot"
// document, one node per "recipe:task" and one directed edge per
// dependency, mirroring graph.Graph's own DOT export for the recipe graph.
func (g *Graph) DOT() string {
	var b strings.Builder
	b.WriteString("digraph tasks {\n")
	for _, key := range g.order {
		fmt.Fprintf(&b, "  %q;\n", key)
	}
	for _, key := range g.order {
		deps := append([]Ref{}, g.nodes[key].DependsOn...)
		sort.Slice(deps, func(i, j int) bool { return deps[i].Key() < deps[j].Key() })
		for _, dep := range deps {
			fmt.Fprintf(&b, "  %q -> %q;\n", key, dep.Key())
		}
	}
	b.WriteString("}\n")
	return b.String()
}

func cyclePath(stack []string, target string) []string {
	for i, key := range stack {
		if key == target {
			chain := append([]string{}, stack[i:]...)
			return append(chain, target)
		}
	}
	return append(append([]string{}, stack...), target)
}

// CycleError reports a task dependency cycle as the chain of "recipe:task"
// keys that form it.
type CycleError struct {
	Chain []string
}

func (e *CycleError) Error() string {
	return "task dependency cycle found: " + strings.Join(e.Chain, " -> ")
}
