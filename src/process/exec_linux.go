//go:build linux
// +build linux

package process

import (
	"os/exec"
	"syscall"
)

// ExecCommand builds a *exec.Cmd for command/args, applying namespace
// isolation according to e's policy and the requested sandbox config.
// N.B. this does not start the command - the caller must handle that (or
// use one of the higher-level ExecWithTimeout* methods).
func (e *Executor) ExecCommand(sandbox SandboxConfig, foreground bool, command string, args ...string) *exec.Cmd {
	argv := append([]string{command}, args...)
	if e.shouldSandbox(sandbox) && e.sandboxCommand != "" {
		argv = e.MustSandboxCommand(argv)
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Pdeathsig: syscall.SIGHUP,
		Setpgid:   !foreground,
	}
	if sandbox.Mount {
		cmd.SysProcAttr.Cloneflags |= syscall.CLONE_NEWNS
	}
	if sandbox.Network {
		cmd.SysProcAttr.Cloneflags |= syscall.CLONE_NEWNET
	}
	return cmd
}

// shouldSandbox reports whether a command requesting sandboxing should
// actually be routed through the sandbox tool, per e's namespacing policy.
func (e *Executor) shouldSandbox(sandbox SandboxConfig) bool {
	switch e.namespace {
	case NamespaceAlways:
		return true
	case NamespaceSandbox:
		return sandbox.Network || sandbox.Mount || sandbox.Fakeroot
	default:
		return false
	}
}

// MustSandboxCommand prefixes argv with the sandbox tool command.
func (e *Executor) MustSandboxCommand(argv []string) []string {
	if e.sandboxCommand == "" {
		log.Fatalf("Sandbox tool not configured")
	}
	return append([]string{e.sandboxCommand}, argv...)
}

// Kill sends sig to the process group led by pid.
func Kill(pid int, sig syscall.Signal) error {
	return syscall.Kill(-pid, sig)
}
