package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFallbackBackendRunsCommandAndCollectsOutputs(t *testing.T) {
	root := t.TempDir()
	b := &FallbackBackend{Root: root}

	input := filepath.Join(t.TempDir(), "in.txt")
	require.NoError(t, os.WriteFile(input, []byte("hello"), 0644))

	spec := Spec{
		TaskID:  "foo:do_build",
		Command: []string{"sh", "-c", "cat in.txt > out.txt"},
		Env:     os.Environ(),
		Inputs:  map[string]string{"in.txt": input},
		Outputs: []string{"out.txt"},
	}

	result, err := b.Run(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
	require.Contains(t, result.Outputs, "out.txt")

	data, err := os.ReadFile(result.Outputs["out.txt"])
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestFallbackBackendReportsNonZeroExitCode(t *testing.T) {
	b := &FallbackBackend{Root: t.TempDir()}
	spec := Spec{
		TaskID:  "foo:do_build",
		Command: []string{"sh", "-c", "exit 7"},
		Env:     os.Environ(),
	}

	result, err := b.Run(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, 7, result.ExitCode)
}

func TestFallbackBackendRespectsTimeout(t *testing.T) {
	b := &FallbackBackend{Root: t.TempDir()}
	spec := Spec{
		TaskID:  "foo:do_build",
		Command: []string{"sleep", "5"},
		Env:     os.Environ(),
		Timeout: 50 * time.Millisecond,
	}

	_, err := b.Run(context.Background(), spec)
	assert.Error(t, err)
}

func TestMaterializeInputsSymlinksByDefault(t *testing.T) {
	workDir := t.TempDir()
	src := filepath.Join(t.TempDir(), "src.txt")
	require.NoError(t, os.WriteFile(src, []byte("data"), 0644))

	err := materializeInputs(workDir, map[string]string{"nested/dst.txt": src})
	require.NoError(t, err)

	got, err := os.ReadFile(filepath.Join(workDir, "nested/dst.txt"))
	require.NoError(t, err)
	assert.Equal(t, "data", string(got))
}

func TestTimeoutOrDefaultsWhenUnset(t *testing.T) {
	assert.Equal(t, 24*time.Hour, timeoutOr(0))
	assert.Equal(t, time.Second, timeoutOr(time.Second))
}

func TestWritePlanReadPlanRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plan.json")
	plan := mountPlan{
		SandboxDir:    "/tmp/sandbox-1",
		WorkDir:       "/tmp/sandbox-1/work",
		Inputs:        map[string]string{"a": "/cas/a"},
		SysrootGroups: []SysrootGroup{{MountPoint: "recipe-sysroot", LowerDirs: []string{"/cas/dep1", "/cas/dep2"}}},
		NetworkPolicy: LoopbackOnly,
		CPUQuotaUs:    200000,
		Command:       []string{"/bin/sh", "-c", "true"},
		Env:           []string{"PATH=/usr/bin"},
	}
	require.NoError(t, writePlan(path, plan))

	got, err := readPlan(path)
	require.NoError(t, err)
	assert.Equal(t, plan, got)
}
