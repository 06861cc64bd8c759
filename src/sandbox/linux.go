//go:build linux
// +build linux

package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/hitzeleiter/hitzeleiter/src/process"
)

// LinuxBackend runs tasks namespaced via unshare(mount, PID, and
// per-policy net) plus overlayfs-composed dependency sysroots. Falls back
// to FallbackBackend when /proc/filesystems lacks overlay support.
type LinuxBackend struct {
	Root     string // <sandbox_root>
	Executor *process.Executor
	fallback *FallbackBackend
}

// NewLinuxBackend returns a backend rooted at root, using executor to
// launch the re-exec'd child. If the host kernel lacks overlayfs support,
// every Run call instead goes through a CWD/env-only fallback.
func NewLinuxBackend(root string, executor *process.Executor) *LinuxBackend {
	b := &LinuxBackend{Root: root, Executor: executor}
	if !overlaySupported() {
		log.Warning("overlayfs unavailable, sandbox falling back to CWD/env isolation")
		b.fallback = &FallbackBackend{Root: root, Executor: executor}
	}
	return b
}

func overlaySupported() bool {
	data, err := os.ReadFile("/proc/filesystems")
	if err != nil {
		return false
	}
	return contains(string(data), "overlay")
}

func contains(haystack, needle string) bool {
	return len(haystack) >= len(needle) && indexOf(haystack, needle) >= 0
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}

// Run materializes spec's inputs and sysroot groups under a fresh
// <root>/<uuid>/, re-execs self with CLONE_NEWNS|CLONE_NEWPID (and
// CLONE_NEWNET unless FullNetwork), lets the child finish overlay mounts
// and chdir into work/, runs the task's command, then collects outputs.
// The sandbox directory is removed on success and retained on failure for
// postmortem inspection.
func (b *LinuxBackend) Run(ctx context.Context, spec Spec) (Result, error) {
	if b.fallback != nil {
		return b.fallback.Run(ctx, spec)
	}

	start := time.Now()
	sandboxDir := filepath.Join(b.Root, uuid.NewString())
	workDir := filepath.Join(sandboxDir, "work")
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return Result{}, fmt.Errorf("creating sandbox dir: %w", err)
	}
	for _, dir := range []string{"upper", "overlay-work", "logs"} {
		if err := os.MkdirAll(filepath.Join(sandboxDir, dir), 0755); err != nil {
			return Result{}, fmt.Errorf("creating sandbox dir: %w", err)
		}
	}

	if err := materializeInputs(workDir, spec.Inputs); err != nil {
		return Result{}, fmt.Errorf("materializing inputs: %w", err)
	}

	plan := mountPlan{
		SandboxDir:    sandboxDir,
		WorkDir:       workDir,
		Inputs:        spec.Inputs,
		SysrootGroups: spec.SysrootGroups,
		NetworkPolicy: spec.NetworkPolicy,
		CPUQuotaUs:    spec.CPUQuotaUs,
		MemoryBytes:   spec.MemoryBytes,
		PidsMax:       spec.PidsMax,
		IOWeight:      spec.IOWeight,
		Command:       spec.Command,
		Env:           spec.Env,
	}
	planPath := filepath.Join(sandboxDir, "plan.json")
	if err := writePlan(planPath, plan); err != nil {
		return Result{}, fmt.Errorf("writing sandbox plan: %w", err)
	}

	self, err := os.Executable()
	if err != nil {
		return Result{}, fmt.Errorf("resolving self executable: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeoutOr(spec.Timeout))
	defer cancel()

	sandboxConfig := process.SandboxConfig{
		Mount:   true,
		Network: spec.NetworkPolicy != FullNetwork,
	}
	cmd := b.Executor.ExecCommand(sandboxConfig, true, self, ReExecArg)
	cmd.SysProcAttr.Cloneflags |= syscall.CLONE_NEWPID
	cmd.Env = append(os.Environ(), planEnvVar+"="+planPath)

	var stdout, stderr bytesBuffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("starting sandbox child: %w", err)
	}
	waitErr := waitWithContext(ctx, cmd)
	if ctx.Err() == context.DeadlineExceeded {
		b.Executor.KillProcess(cmd)
		return Result{}, ctx.Err()
	}

	exitCode := 0
	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return Result{}, fmt.Errorf("running sandboxed command: %w", waitErr)
		}
	}

	outputs := map[string]string{}
	if exitCode == 0 {
		for _, rel := range spec.Outputs {
			outputs[rel] = filepath.Join(workDir, rel)
		}
		os.RemoveAll(sandboxDir)
	} else {
		log.Warning("task %s failed with exit code %d, retaining sandbox at %s", spec.TaskID, exitCode, sandboxDir)
	}

	return Result{
		ExitCode: exitCode,
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		Outputs:  outputs,
		Duration: time.Since(start),
	}, nil
}

