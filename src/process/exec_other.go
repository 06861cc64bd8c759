//go:build !linux
// +build !linux

package process

import (
	"os/exec"
	"syscall"
)

// ExecCommand builds a *exec.Cmd for command/args. Namespace isolation is
// unavailable off Linux, so sandbox is accepted for signature parity and
// ignored, and foreground only affects process-group placement.
func (e *Executor) ExecCommand(sandbox SandboxConfig, foreground bool, command string, args ...string) *exec.Cmd {
	cmd := exec.Command(command, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: !foreground,
	}
	return cmd
}

// MustSandboxCommand is a no-op off Linux: namespaces aren't available.
func (e *Executor) MustSandboxCommand(argv []string) []string {
	return argv
}
