// Package graph builds a directed graph of recipes linked by DEPENDS and
// RDEPENDS, resolving PROVIDES aliases through a provider table and
// exposing Tarjan's algorithm for topological order and cycle detection.
package graph

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	logging "gopkg.in/op/go-logging.v1"

	"github.com/hitzeleiter/hitzeleiter/src/recipe"
)

var log = logging.MustGetLogger("graph")

// Node is one recipe registered in the graph.
type Node struct {
	Name           string // BPN, the node's own identity in the graph
	Version        string // PV
	LayerPriority  int
	PreferredOver  []string // PROVIDES names this node offers, besides its own name
	Recipe         *recipe.ParsedRecipe
	deps, rdeps    []string // raw DEPENDS/RDEPENDS tokens, version constraints stripped
}

// Graph is the registered set of recipes plus their resolved dependency
// edges, keyed by BPN.
type Graph struct {
	mu        sync.Mutex
	nodes     map[string]*Node
	providers map[string][]*Node // PROVIDES name -> candidate nodes
	edges     map[string][]string
	revEdges  map[string][]string
}

// New returns an empty recipe graph.
func New() *Graph {
	return &Graph{
		nodes:     map[string]*Node{},
		providers: map[string][]*Node{},
		edges:     map[string][]string{},
		revEdges:  map[string][]string{},
	}
}

// AddRecipe registers r in the graph under its own BPN, plus every name its
// PROVIDES variable lists, at the given layer priority (higher wins ties).
func (g *Graph) AddRecipe(r *recipe.ParsedRecipe, layerPriority int) *Node {
	g.mu.Lock()
	defer g.mu.Unlock()

	n := &Node{
		Name:          r.BPN,
		Version:       r.Version,
		LayerPriority: layerPriority,
		Recipe:        r,
		deps:          splitDependencyList(r.Depends),
		rdeps:         splitDependencyList(r.RDepends),
	}
	g.nodes[n.Name] = n
	g.registerProvider(n.Name, n)

	for _, provided := range splitDependencyList(r.Provides) {
		if provided == n.Name {
			continue
		}
		n.PreferredOver = append(n.PreferredOver, provided)
		g.registerProvider(provided, n)
	}
	return n
}

func (g *Graph) registerProvider(name string, n *Node) {
	g.providers[name] = append(g.providers[name], n)
}

// Len returns the number of distinct recipe nodes registered.
func (g *Graph) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.nodes)
}

// Node retrieves a registered node by BPN.
func (g *Graph) Node(name string) (*Node, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[name]
	return n, ok
}

// AllNodes returns every registered node sorted by name.
func (g *Graph) AllNodes() []*Node {
	g.mu.Lock()
	defer g.mu.Unlock()
	nodes := make([]*Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Name < nodes[j].Name })
	return nodes
}

// ResolveEdges resolves every node's DEPENDS/RDEPENDS tokens against the
// provider table and records the resulting edges. Must be called once,
// after every contributing recipe has been added with AddRecipe.
func (g *Graph) ResolveEdges(preferredVersions map[string]string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, n := range g.nodes {
		seen := map[string]bool{}
		for _, dep := range append(append([]string{}, n.deps...), n.rdeps...) {
			provider, err := g.resolveProvider(dep, preferredVersions)
			if err != nil {
				return fmt.Errorf("%s: %w", n.Name, err)
			}
			if provider == nil || provider.Name == n.Name || seen[provider.Name] {
				continue
			}
			seen[provider.Name] = true
			g.edges[n.Name] = append(g.edges[n.Name], provider.Name)
			g.revEdges[provider.Name] = append(g.revEdges[provider.Name], n.Name)
		}
		sort.Strings(g.edges[n.Name])
	}
	return nil
}

// DirectDeps returns the resolved direct dependency names of name.
func (g *Graph) DirectDeps(name string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string{}, g.edges[name]...)
}

// ReverseDeps returns the names of every node directly depending on name.
func (g *Graph) ReverseDeps(name string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string{}, g.revEdges[name]...)
}

// TransitiveClosure returns every node reachable from name via DEPENDS/
// RDEPENDS edges, name itself excluded.
func (g *Graph) TransitiveClosure(name string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	visited := map[string]bool{name: true}
	var out []string
	var visit func(string)
	visit = func(cur string) {
		for _, dep := range g.edges[cur] {
			if !visited[dep] {
				visited[dep] = true
				out = append(out, dep)
				visit(dep)
			}
		}
	}
	visit(name)
	sort.Strings(out)
	return out
}

// ResolveProviderName resolves a PROVIDES-style name (which may be the
// recipe's own BPN, a virtual/... alias, or anything else registered
// through AddRecipe) to the BPN of the node that currently wins it, using
// the same layer-priority/PREFERRED_VERSION/lexical precedence ResolveEdges
// applies. Used by package taskgraph to resolve "recipe:task" cross-recipe
// task dependency flags without duplicating the provider table.
func (g *Graph) ResolveProviderName(name string, preferredVersions map[string]string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, err := g.resolveProvider(name, preferredVersions)
	if err != nil || n == nil {
		return "", false
	}
	return n.Name, true
}

func splitDependencyList(value string) []string {
	fields := strings.Fields(value)
	names := make([]string, 0, len(fields))
	for i := 0; i < len(fields); i++ {
		tok := fields[i]
		if tok == "" {
			continue
		}
		// a version constraint appears as a separate parenthesised token,
		// e.g. "foo (>= 1.0)" — skip it, we only track the name.
		if tok[0] == '(' {
			for !strings.HasSuffix(fields[i], ")") && i+1 < len(fields) {
				i++
			}
			continue
		}
		names = append(names, tok)
	}
	return names
}
