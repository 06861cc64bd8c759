package executor

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitzeleiter/hitzeleiter/src/actioncache"
	"github.com/hitzeleiter/hitzeleiter/src/cas"
	"github.com/hitzeleiter/hitzeleiter/src/sandbox"
)

type fakeBackend struct {
	calls   int
	results []sandbox.Result
	errs    []error
}

func (f *fakeBackend) Run(ctx context.Context, spec sandbox.Spec) (sandbox.Result, error) {
	i := f.calls
	f.calls++
	var err error
	if i < len(f.errs) {
		err = f.errs[i]
	}
	if i < len(f.results) {
		return f.results[i], err
	}
	return sandbox.Result{}, err
}

func newTestExecutor(t *testing.T) (*Executor, *fakeBackend) {
	t.Helper()
	store, err := cas.NewStore(t.TempDir())
	require.NoError(t, err)
	actions, err := actioncache.New(t.TempDir())
	require.NoError(t, err)
	backend := &fakeBackend{}
	return New(store, actions, backend), backend
}

func outputSpec(t *testing.T, dir string) (TaskSpec, sandbox.Result) {
	t.Helper()
	outPath := filepath.Join(dir, "out.txt")
	require.NoError(t, os.WriteFile(outPath, []byte("built"), 0644))

	spec := TaskSpec{
		Recipe:    "foo",
		Task:      "do_build",
		Command:   []string{"true"},
		Signature: cas.Sum([]byte("foo:do_build")),
		Outputs:   []string{"out.txt"},
	}
	result := sandbox.Result{
		ExitCode: 0,
		Stdout:   []byte("building\n"),
		Outputs:  map[string]string{"out.txt": outPath},
	}
	return spec, result
}

func TestExecuteTaskCacheMissRunsAndRecords(t *testing.T) {
	e, backend := newTestExecutor(t)
	spec, result := outputSpec(t, t.TempDir())
	backend.results = []sandbox.Result{result}

	out, err := e.ExecuteTask(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, 0, out.ExitCode)
	assert.Contains(t, out.Outputs, "out.txt")
	assert.Equal(t, 1, backend.calls)
	assert.EqualValues(t, 1, e.Stats.CacheMisses)
	assert.EqualValues(t, 0, e.Stats.CacheHits)
}

func TestExecuteTaskCacheHitSkipsSandbox(t *testing.T) {
	e, backend := newTestExecutor(t)
	spec, result := outputSpec(t, t.TempDir())
	backend.results = []sandbox.Result{result}

	_, err := e.ExecuteTask(context.Background(), spec)
	require.NoError(t, err)

	out, err := e.ExecuteTask(context.Background(), spec)
	require.NoError(t, err)
	assert.Contains(t, out.Outputs, "out.txt")
	assert.Equal(t, 1, backend.calls, "second call should be served from the action cache")
	assert.EqualValues(t, 1, e.Stats.CacheHits)
}

func TestExecuteTaskNonZeroExitIsNotRetried(t *testing.T) {
	e, backend := newTestExecutor(t)
	backend.results = []sandbox.Result{{ExitCode: 1, Stderr: []byte("boom")}}

	spec := TaskSpec{
		Recipe:    "foo",
		Task:      "do_build",
		Command:   []string{"false"},
		Signature: cas.Sum([]byte("foo:do_build:fail")),
	}
	_, err := e.ExecuteTask(context.Background(), spec)
	require.Error(t, err)
	assert.Equal(t, 1, backend.calls)
}

func TestExecuteTaskRetriesTransientThenSucceeds(t *testing.T) {
	e, backend := newTestExecutor(t)
	dir := t.TempDir()
	spec, result := outputSpec(t, dir)
	backend.errs = []error{context.DeadlineExceeded}
	backend.results = []sandbox.Result{{}, result}

	out, err := e.ExecuteTask(context.Background(), spec)
	require.NoError(t, err)
	assert.Contains(t, out.Outputs, "out.txt")
	assert.Equal(t, 2, backend.calls)
}

func TestMaterializeOutputsWritesFiles(t *testing.T) {
	e, backend := newTestExecutor(t)
	dir := t.TempDir()
	spec, result := outputSpec(t, dir)
	backend.results = []sandbox.Result{result}

	out, err := e.ExecuteTask(context.Background(), spec)
	require.NoError(t, err)

	dest := t.TempDir()
	require.NoError(t, e.MaterializeOutputs(out, dest))
	data, err := os.ReadFile(filepath.Join(dest, "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "built", string(data))
}

func TestHitRateComputesFraction(t *testing.T) {
	var s Stats
	assert.Zero(t, s.HitRate())
	s.CacheHits = 3
	s.CacheMisses = 1
	assert.InDelta(t, 0.75, s.HitRate(), 0.001)
}
