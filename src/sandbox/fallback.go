package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/hitzeleiter/hitzeleiter/src/process"
)

// FallbackBackend provides CWD/env-only isolation: a fresh work directory
// with inputs materialized into it, but no namespace or overlay isolation.
// Used on hosts without overlayfs, and on every non-Linux platform. Runs
// the task through Executor, so it gets the same SIGTERM-then-SIGKILL
// teardown on timeout and do_compile-style "[ 50%]" progress parsing that
// LinuxBackend's re-exec child gets; a nil Executor falls back to a
// package-wide default.
type FallbackBackend struct {
	Root     string
	Executor *process.Executor
}

// taskTarget adapts a sandbox.Spec's TaskID into the process.Target shape
// ExecWithTimeout wants for progress parsing and periodic "still running" logs.
type taskTarget struct {
	id string
}

func (t *taskTarget) String() string             { return t.id }
func (t *taskTarget) ShouldShowProgress() bool    { return true }
func (t *taskTarget) SetProgress(float32)         {}
func (t *taskTarget) ProgressDescription() string { return "building" }
func (t *taskTarget) ShouldExitOnError() bool     { return false }

var fallbackExecutor = process.New()

// Run materializes spec's inputs into a fresh directory under Root, runs
// the command with cwd set there, and collects the declared outputs.
func (b *FallbackBackend) Run(ctx context.Context, spec Spec) (Result, error) {
	start := time.Now()
	workDir := filepath.Join(b.Root, uuid.NewString())
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return Result{}, fmt.Errorf("creating sandbox dir: %w", err)
	}
	if err := materializeInputs(workDir, spec.Inputs); err != nil {
		return Result{}, fmt.Errorf("materializing inputs: %w", err)
	}

	executor := b.Executor
	if executor == nil {
		executor = fallbackExecutor
	}

	stdout, stderr, runErr := executor.ExecWithTimeout(ctx, &taskTarget{id: spec.TaskID}, workDir, spec.Env,
		timeoutOr(spec.Timeout), false, false, false, false, process.NoSandbox, spec.Command)

	exitCode := 0
	if runErr != nil {
		if runErr == context.DeadlineExceeded || runErr == context.Canceled {
			return Result{}, runErr
		}
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return Result{}, fmt.Errorf("running sandboxed command: %w", runErr)
		}
	}

	outputs := map[string]string{}
	if exitCode == 0 {
		for _, rel := range spec.Outputs {
			outputs[rel] = filepath.Join(workDir, rel)
		}
	}

	return Result{
		ExitCode: exitCode,
		Stdout:   stdout,
		Stderr:   stderr,
		Outputs:  outputs,
		Duration: time.Since(start),
	}, nil
}
