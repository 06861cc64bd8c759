package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitzeleiter/hitzeleiter/src/recipe"
)

func recipeWith(bpn, version, provides, depends string) *recipe.ParsedRecipe {
	return &recipe.ParsedRecipe{BPN: bpn, Version: version, Provides: provides, Depends: depends}
}

func TestAddRecipeRegistersOwnNameAsProvider(t *testing.T) {
	g := New()
	g.AddRecipe(recipeWith("busybox", "1.36.1", "", ""), 5)
	n, ok := g.Node("busybox")
	require.True(t, ok)
	assert.Equal(t, "1.36.1", n.Version)
}

func TestResolveEdgesLinksDependsToProvider(t *testing.T) {
	g := New()
	g.AddRecipe(recipeWith("busybox", "1.36.1", "", "virtual/libc"), 5)
	g.AddRecipe(recipeWith("glibc", "2.38", "virtual/libc", ""), 5)
	require.NoError(t, g.ResolveEdges(nil))
	assert.Equal(t, []string{"glibc"}, g.DirectDeps("busybox"))
	assert.Equal(t, []string{"busybox"}, g.ReverseDeps("glibc"))
}

func TestResolveEdgesPrefersHigherLayerPriority(t *testing.T) {
	g := New()
	g.AddRecipe(recipeWith("app", "1.0", "", "virtual/libc"), 5)
	g.AddRecipe(recipeWith("glibc", "2.38", "virtual/libc", ""), 5)
	g.AddRecipe(recipeWith("musl", "1.2.4", "virtual/libc", ""), 10)
	require.NoError(t, g.ResolveEdges(nil))
	assert.Equal(t, []string{"musl"}, g.DirectDeps("app"))
}

func TestResolveEdgesUsesPreferredVersion(t *testing.T) {
	g := New()
	g.AddRecipe(recipeWith("app", "1.0", "", "virtual/libfoo"), 5)
	g.AddRecipe(recipeWith("libfoo-old", "1.0", "virtual/libfoo", ""), 5)
	g.AddRecipe(recipeWith("libfoo-new", "2.0", "virtual/libfoo", ""), 5)
	require.NoError(t, g.ResolveEdges(map[string]string{"virtual/libfoo": "1.0"}))
	assert.Equal(t, []string{"libfoo-old"}, g.DirectDeps("app"))
}

func TestTransitiveClosure(t *testing.T) {
	g := New()
	g.AddRecipe(recipeWith("a", "1.0", "", "b"), 0)
	g.AddRecipe(recipeWith("b", "1.0", "", "c"), 0)
	g.AddRecipe(recipeWith("c", "1.0", "", ""), 0)
	require.NoError(t, g.ResolveEdges(nil))
	assert.Equal(t, []string{"b", "c"}, g.TransitiveClosure("a"))
}

func TestTopologicalOrder(t *testing.T) {
	g := New()
	g.AddRecipe(recipeWith("a", "1.0", "", "b"), 0)
	g.AddRecipe(recipeWith("b", "1.0", "", "c"), 0)
	g.AddRecipe(recipeWith("c", "1.0", "", ""), 0)
	require.NoError(t, g.ResolveEdges(nil))
	order, err := g.TopologicalOrder()
	require.NoError(t, err)
	pos := map[string]int{}
	for i, name := range order {
		pos[name] = i
	}
	assert.Less(t, pos["c"], pos["b"])
	assert.Less(t, pos["b"], pos["a"])
}

func TestTopologicalOrderDetectsCycle(t *testing.T) {
	g := New()
	g.AddRecipe(recipeWith("a", "1.0", "", "b"), 0)
	g.AddRecipe(recipeWith("b", "1.0", "", "a"), 0)
	require.NoError(t, g.ResolveEdges(nil))
	_, err := g.TopologicalOrder()
	assert.Error(t, err)
	var cycleErr *CycleError
	assert.ErrorAs(t, err, &cycleErr)
}

func TestDOTIncludesEveryNodeAndEdge(t *testing.T) {
	g := New()
	g.AddRecipe(recipeWith("a", "1.0", "", "b"), 0)
	g.AddRecipe(recipeWith("b", "1.0", "", ""), 0)
	require.NoError(t, g.ResolveEdges(nil))
	dot := g.DOT()
	assert.Contains(t, dot, `"a"`)
	assert.Contains(t, dot, `"a" -> "b"`)
}
