package graph

import (
	"fmt"
	"sort"
	"strings"
)

// DOT renders the resolved dependency edges as a Graphviz "dot" document,
// one directed edge per DEPENDS/RDEPENDS resolution. Not part of any
// upstream BitBake tool; added because a recipe graph this size is
// otherwise unreadable without a picture.
func (g *Graph) DOT() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	var b strings.Builder
	b.WriteString("digraph recipes {\n")
	names := make([]string, 0, len(g.nodes))
	for name := range g.nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&b, "  %q;\n", name)
	}
	for _, name := range names {
		deps := append([]string{}, g.edges[name]...)
		sort.Strings(deps)
		for _, dep := range deps {
			fmt.Fprintf(&b, "  %q -> %q;\n", name, dep)
		}
	}
	b.WriteString("}\n")
	return b.String()
}
