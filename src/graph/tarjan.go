package graph

import "sort"

// CycleError reports a dependency cycle as the ordered chain of names that
// form it.
type CycleError struct {
	Chain []string
}

func (e *CycleError) Error() string {
	msg := "dependency cycle found:\n"
	for i, name := range e.Chain {
		if i > 0 {
			msg += " -> "
		}
		msg += name
	}
	return msg
}

type tarjanState struct {
	g        *Graph
	index    int
	indices  map[string]int
	lowlinks map[string]int
	onStack  map[string]bool
	stack    []string
	sccs     [][]string
}

// StronglyConnectedComponents runs Tarjan's algorithm over the resolved
// edges and returns every strongly connected component in the order Tarjan
// emits them. Edges point from a recipe to its dependencies, so a
// component's dependencies appear in components that precede it in the
// slice (dependency-before-dependent).
func (g *Graph) StronglyConnectedComponents() [][]string {
	g.mu.Lock()
	defer g.mu.Unlock()

	st := &tarjanState{
		g:        g,
		indices:  map[string]int{},
		lowlinks: map[string]int{},
		onStack:  map[string]bool{},
	}
	names := make([]string, 0, len(g.nodes))
	for name := range g.nodes {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if _, visited := st.indices[name]; !visited {
			st.strongConnect(name)
		}
	}

	return st.sccs
}

func (st *tarjanState) strongConnect(v string) {
	st.indices[v] = st.index
	st.lowlinks[v] = st.index
	st.index++
	st.stack = append(st.stack, v)
	st.onStack[v] = true

	deps := append([]string{}, st.g.edges[v]...)
	sort.Strings(deps)
	for _, w := range deps {
		if _, visited := st.indices[w]; !visited {
			st.strongConnect(w)
			if st.lowlinks[w] < st.lowlinks[v] {
				st.lowlinks[v] = st.lowlinks[w]
			}
		} else if st.onStack[w] {
			if st.indices[w] < st.lowlinks[v] {
				st.lowlinks[v] = st.indices[w]
			}
		}
	}

	if st.lowlinks[v] == st.indices[v] {
		var scc []string
		for {
			n := len(st.stack) - 1
			w := st.stack[n]
			st.stack = st.stack[:n]
			st.onStack[w] = false
			scc = append(scc, w)
			if w == v {
				break
			}
		}
		sort.Strings(scc)
		st.sccs = append(st.sccs, scc)
	}
}

// TopologicalOrder returns every node name in an order where every node
// appears after all of its dependencies, or a *CycleError if the graph is
// not a DAG.
func (g *Graph) TopologicalOrder() ([]string, error) {
	sccs := g.StronglyConnectedComponents()
	order := make([]string, 0, len(sccs))
	for _, scc := range sccs {
		if len(scc) > 1 {
			return nil, &CycleError{Chain: append(scc, scc[0])}
		}
		order = append(order, scc[0])
	}
	// a single-node SCC can still be a self-cycle (a node depending on itself).
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, name := range order {
		for _, dep := range g.edges[name] {
			if dep == name {
				return nil, &CycleError{Chain: []string{name, name}}
			}
		}
	}
	return order, nil
}

// Cycles returns every non-trivial strongly connected component (size > 1,
// or a single node with a self-edge), each representing one cycle.
func (g *Graph) Cycles() [][]string {
	var cycles [][]string
	for _, scc := range g.StronglyConnectedComponents() {
		if len(scc) > 1 {
			cycles = append(cycles, scc)
			continue
		}
		name := scc[0]
		g.mu.Lock()
		selfCycle := false
		for _, dep := range g.edges[name] {
			if dep == name {
				selfCycle = true
				break
			}
		}
		g.mu.Unlock()
		if selfCycle {
			cycles = append(cycles, scc)
		}
	}
	return cycles
}
