package layer

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitzeleiter/hitzeleiter/src/recipe"
)

func writeLayerConf(t *testing.T, root, collection string, priority int, depends []string) {
	t.Helper()
	confDir := filepath.Join(root, "conf")
	require.NoError(t, os.MkdirAll(confDir, 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "classes"), 0755))
	body := "[layer]\ncollections = " + collection + "\n\n[collection \"" + collection + "\"]\npriority = " +
		strconv.Itoa(priority) + "\n"
	for _, d := range depends {
		body += "depends = " + d + "\n"
	}
	require.NoError(t, os.WriteFile(filepath.Join(confDir, "layer.conf"), []byte(body), 0644))
}

func TestAddLayerFromConf(t *testing.T) {
	dir := t.TempDir()
	layerRoot := filepath.Join(dir, "meta-core")
	writeLayerConf(t, layerRoot, "core", 5, nil)

	ctx := NewContext()
	require.NoError(t, ctx.AddLayerFromConf(layerRoot))
	require.Contains(t, ctx.layers, "core")
	assert.Equal(t, 5, ctx.layers["core"].Priority)
}

func TestVerifyDependenciesCatchesMissing(t *testing.T) {
	dir := t.TempDir()
	layerRoot := filepath.Join(dir, "meta-bsp")
	writeLayerConf(t, layerRoot, "bsp", 6, []string{"core"})

	ctx := NewContext()
	require.NoError(t, ctx.AddLayerFromConf(layerRoot))
	err := ctx.VerifyDependencies()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "bsp requires core")
}

func TestVerifyDependenciesSatisfied(t *testing.T) {
	dir := t.TempDir()
	coreRoot := filepath.Join(dir, "meta-core")
	bspRoot := filepath.Join(dir, "meta-bsp")
	writeLayerConf(t, coreRoot, "core", 5, nil)
	writeLayerConf(t, bspRoot, "bsp", 6, []string{"core"})

	ctx := NewContext()
	require.NoError(t, ctx.AddLayerFromConf(coreRoot))
	require.NoError(t, ctx.AddLayerFromConf(bspRoot))
	assert.NoError(t, ctx.VerifyDependencies())
}

func TestActiveOverridesIncludesMachineAndDistro(t *testing.T) {
	ctx := NewContext()
	ctx.SetMachine("qemuarm64")
	ctx.SetDistro("poky")
	overrides := ctx.ActiveOverrides()
	assert.Contains(t, overrides, "")
	assert.Contains(t, overrides, "qemuarm64")
	assert.Contains(t, overrides, "poky")
	assert.Contains(t, overrides, "class-target")
}

func TestResolveClassPrefersHigherPriorityLayer(t *testing.T) {
	dir := t.TempDir()
	lowRoot := filepath.Join(dir, "meta-low")
	highRoot := filepath.Join(dir, "meta-high")
	writeLayerConf(t, lowRoot, "low", 1, nil)
	writeLayerConf(t, highRoot, "high", 10, nil)
	require.NoError(t, os.WriteFile(filepath.Join(lowRoot, "classes", "base.bbclass"), []byte("addtask fetch"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(highRoot, "classes", "base.bbclass"), []byte("addtask fetch\naddtask unpack after fetch"), 0644))

	ctx := NewContext()
	require.NoError(t, ctx.AddLayerFromConf(lowRoot))
	require.NoError(t, ctx.AddLayerFromConf(highRoot))

	path, ok := ctx.ResolveClass("base")
	require.True(t, ok)
	assert.Equal(t, filepath.Join(highRoot, "classes", "base.bbclass"), path)
}

func TestOverrideResolverAppliesAppendAndRemove(t *testing.T) {
	r := &recipe.ParsedRecipe{
		Vars: map[string]string{"EXTRA_OECONF": "--enable-base"},
		Overrides: map[string][]recipe.Override{
			"EXTRA_OECONF": {
				{Tag: "qemuarm64", Op: recipe.OpAppend, Value: " --enable-arm64-ext"},
				{Tag: "musl", Op: recipe.OpRemove, Value: "--enable-base"},
			},
		},
	}
	ctx := NewContext()
	ctx.SetMachine("qemuarm64")
	resolver := ctx.CreateResolver(r)
	assert.Equal(t, "--enable-base --enable-arm64-ext", resolver.Resolve("EXTRA_OECONF"))
}

func TestOverrideResolverNoOverridesReturnsPlainValue(t *testing.T) {
	r := &recipe.ParsedRecipe{Vars: map[string]string{"FOO": "bar"}}
	ctx := NewContext()
	resolver := ctx.CreateResolver(r)
	assert.Equal(t, "bar", resolver.Resolve("FOO"))
}
