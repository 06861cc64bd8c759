package signature

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitzeleiter/hitzeleiter/src/cas"
)

func baseInput() Input {
	return Input{
		RecipeName:   "busybox",
		TaskName:     "do_compile",
		RecipeHash:   cas.Sum([]byte("recipe contents")),
		TaskCodeHash: cas.Sum([]byte("do_compile() { make; }")),
		Env:          map[string]string{"CFLAGS": "-O2", "PATH": "/usr/bin"},
		Machine:      "qemuarm64",
		Distro:       "poky",
	}
}

func TestComputeIsDeterministic(t *testing.T) {
	a := Compute(baseInput())
	b := Compute(baseInput())
	assert.Equal(t, a, b)
}

func TestComputeIndependentOfEnvIterationOrder(t *testing.T) {
	in1 := baseInput()
	in2 := baseInput()
	in2.Env = map[string]string{"PATH": "/usr/bin", "CFLAGS": "-O2"}
	assert.Equal(t, Compute(in1), Compute(in2))
}

func TestComputeIndependentOfDepOrder(t *testing.T) {
	d1 := cas.Sum([]byte("dep1"))
	d2 := cas.Sum([]byte("dep2"))
	in1 := baseInput()
	in1.DepSignatures = []cas.ContentHash{d1, d2}
	in2 := baseInput()
	in2.DepSignatures = []cas.ContentHash{d2, d1}
	assert.Equal(t, Compute(in1), Compute(in2))
}

func TestComputeChangesWithEnvValue(t *testing.T) {
	in1 := baseInput()
	in2 := baseInput()
	in2.Env["CFLAGS"] = "-O3"
	assert.NotEqual(t, Compute(in1), Compute(in2))
}

func TestComputeChangesWithMachine(t *testing.T) {
	in1 := baseInput()
	in2 := baseInput()
	in2.Machine = "qemux86-64"
	assert.NotEqual(t, Compute(in1), Compute(in2))
}

func TestStoreRoundTrip(t *testing.T) {
	path := t.TempDir() + "/signatures.json"
	s := Load(path)
	key := Key{Recipe: "busybox", Task: "do_compile"}
	sig := Compute(baseInput())
	assert.False(t, s.Unchanged(key, sig))

	s.Set(key, sig)
	require.NoError(t, s.Save())

	reloaded := Load(path)
	assert.True(t, reloaded.Unchanged(key, sig))
	assert.False(t, reloaded.Unchanged(key, cas.Sum([]byte("different"))))
}
