package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitzeleiter/hitzeleiter/src/actioncache"
	"github.com/hitzeleiter/hitzeleiter/src/cas"
	"github.com/hitzeleiter/hitzeleiter/src/config"
	"github.com/hitzeleiter/hitzeleiter/src/executor"
	"github.com/hitzeleiter/hitzeleiter/src/layer"
	"github.com/hitzeleiter/hitzeleiter/src/sandbox"
)

func writeRecipe(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func newTestPipeline(t *testing.T) *Pipeline {
	t.Helper()
	store, err := cas.NewStore(filepath.Join(t.TempDir(), "cas"))
	require.NoError(t, err)
	actions, err := actioncache.New(filepath.Join(t.TempDir(), "actions"))
	require.NoError(t, err)
	backend := &sandbox.FallbackBackend{Root: t.TempDir()}
	exec := executor.New(store, actions, backend)

	cfg := config.DefaultConfiguration()
	cfg.Build.ThreadCount = 4

	return New(cfg, layer.NewContext(), exec, nil)
}

func TestDiscoverRecipesFindsBBFilesRecursively(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "recipes-core", "busybox"), 0755))
	writeRecipe(t, filepath.Join(root, "recipes-core", "busybox"), "busybox_1.0.bb", "")
	writeRecipe(t, root, "notes.txt", "")

	found, err := DiscoverRecipes([]string{root})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Contains(t, found[0], "busybox_1.0.bb")
}

func TestParseAndRegisterDropsBrokenRecipesButContinues(t *testing.T) {
	p := newTestPipeline(t)
	dir := t.TempDir()
	good := writeRecipe(t, dir, "good_1.0.bb", `
DESCRIPTION = "fine"
addtask build
do_build() {
    true
}
`)
	broken := writeRecipe(t, dir, "broken_1.0.bb", `require missing.inc`)

	errs := p.ParseAndRegister(context.Background(), []string{good, broken})
	assert.Len(t, errs, 1)
	assert.Equal(t, 1, p.Graph.Len())
	assert.Equal(t, 1, p.TaskGraph.Len())
}

func TestRunExecutesIndependentRecipesToCompletion(t *testing.T) {
	p := newTestPipeline(t)
	dir := t.TempDir()
	a := writeRecipe(t, dir, "a_1.0.bb", `
addtask build
do_build() {
    true
}
`)
	b := writeRecipe(t, dir, "b_1.0.bb", `
addtask build
do_build() {
    true
}
`)

	require.Empty(t, p.ParseAndRegister(context.Background(), []string{a, b}))
	require.NoError(t, p.ResolveGraph(context.Background()))

	report, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Executed)
	assert.Empty(t, report.Failed)
}

func TestRunPropagatesUpstreamFailureWithoutRunningDownstream(t *testing.T) {
	p := newTestPipeline(t)
	dir := t.TempDir()
	path := writeRecipe(t, dir, "a_1.0.bb", `
addtask fetch
addtask build after fetch
do_fetch() {
    exit 1
}
do_build() {
    true
}
`)

	require.Empty(t, p.ParseAndRegister(context.Background(), []string{path}))
	require.NoError(t, p.ResolveGraph(context.Background()))

	report, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Executed)
	require.Contains(t, report.Failed, "a:fetch")
	require.Contains(t, report.Failed, "a:build")
}
