package taskgraph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitzeleiter/hitzeleiter/src/graph"
	"github.com/hitzeleiter/hitzeleiter/src/recipe"
)

func recipeWithTasks(bpn string, tasks map[string]*recipe.Task, order []string) *recipe.ParsedRecipe {
	return &recipe.ParsedRecipe{BPN: bpn, Tasks: tasks, TaskOrder: order}
}

func TestAddRecipeWiresAfterEdges(t *testing.T) {
	g := New()
	g.AddRecipe(recipeWithTasks("busybox", map[string]*recipe.Task{
		"fetch":   {Name: "fetch", Flags: map[string]string{}},
		"compile": {Name: "compile", After: []string{"fetch"}, Flags: map[string]string{}},
	}, []string{"fetch", "compile"}))

	node, ok := g.Node(Ref{Recipe: "busybox", Task: "compile"})
	require.True(t, ok)
	assert.Equal(t, []Ref{{Recipe: "busybox", Task: "fetch"}}, node.DependsOn)
}

func TestAddRecipeWiresBeforeEdgesInReverse(t *testing.T) {
	g := New()
	g.AddRecipe(recipeWithTasks("busybox", map[string]*recipe.Task{
		"configure": {Name: "configure", Before: []string{"compile"}, Flags: map[string]string{}},
		"compile":   {Name: "compile", Flags: map[string]string{}},
	}, []string{"configure", "compile"}))

	node, ok := g.Node(Ref{Recipe: "busybox", Task: "compile"})
	require.True(t, ok)
	assert.Equal(t, []Ref{{Recipe: "busybox", Task: "configure"}}, node.DependsOn)
}

func TestResolveCrossEdges(t *testing.T) {
	rg := graph.New()
	rg.AddRecipe(&recipe.ParsedRecipe{BPN: "busybox", Provides: ""}, 0)
	rg.AddRecipe(&recipe.ParsedRecipe{BPN: "glibc", Provides: "virtual/libc"}, 0)

	tg := New()
	tg.AddRecipe(recipeWithTasks("busybox", map[string]*recipe.Task{
		"compile": {Name: "compile", Flags: map[string]string{"depends": "virtual/libc:do_populate_sysroot"}},
	}, []string{"compile"}))
	tg.AddRecipe(recipeWithTasks("glibc", map[string]*recipe.Task{
		"populate_sysroot": {Name: "populate_sysroot", Flags: map[string]string{}},
	}, []string{"populate_sysroot"}))

	require.NoError(t, tg.ResolveCrossEdges(rg, nil))
	node, ok := tg.Node(Ref{Recipe: "busybox", Task: "compile"})
	require.True(t, ok)
	assert.Contains(t, node.DependsOn, Ref{Recipe: "glibc", Task: "populate_sysroot"})
}

func TestResolveCrossEdgesErrorsOnUnknownProvider(t *testing.T) {
	rg := graph.New()
	tg := New()
	tg.AddRecipe(recipeWithTasks("busybox", map[string]*recipe.Task{
		"compile": {Name: "compile", Flags: map[string]string{"depends": "virtual/libc:do_populate_sysroot"}},
	}, []string{"compile"}))
	err := tg.ResolveCrossEdges(rg, nil)
	assert.Error(t, err)
}

func TestReadyReturnsOnlyUnblockedTasks(t *testing.T) {
	g := New()
	g.AddRecipe(recipeWithTasks("busybox", map[string]*recipe.Task{
		"fetch":   {Name: "fetch", Flags: map[string]string{}},
		"compile": {Name: "compile", After: []string{"fetch"}, Flags: map[string]string{}},
	}, []string{"fetch", "compile"}))

	ready := g.Ready(map[string]bool{})
	require.Len(t, ready, 1)
	assert.Equal(t, Ref{Recipe: "busybox", Task: "fetch"}, ready[0])

	ready = g.Ready(map[string]bool{"busybox:fetch": true})
	require.Len(t, ready, 1)
	assert.Equal(t, Ref{Recipe: "busybox", Task: "compile"}, ready[0])
}

func TestTopologicalOrderRespectsDependencies(t *testing.T) {
	g := New()
	g.AddRecipe(recipeWithTasks("busybox", map[string]*recipe.Task{
		"fetch":   {Name: "fetch", Flags: map[string]string{}},
		"compile": {Name: "compile", After: []string{"fetch"}, Flags: map[string]string{}},
	}, []string{"fetch", "compile"}))

	order, err := g.TopologicalOrder()
	require.NoError(t, err)
	pos := map[string]int{}
	for i, ref := range order {
		pos[ref.Key()] = i
	}
	assert.Less(t, pos["busybox:fetch"], pos["busybox:compile"])
}

func TestTopologicalOrderDetectsCycle(t *testing.T) {
	g := New()
	g.AddRecipe(recipeWithTasks("busybox", map[string]*recipe.Task{
		"a": {Name: "a", After: []string{"b"}, Flags: map[string]string{}},
		"b": {Name: "b", After: []string{"a"}, Flags: map[string]string{}},
	}, []string{"a", "b"}))

	_, err := g.TopologicalOrder()
	assert.Error(t, err)
	var cycleErr *CycleError
	assert.ErrorAs(t, err, &cycleErr)
}
