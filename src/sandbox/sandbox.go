// Package sandbox isolates the execution of one task: a fresh directory
// tree, namespace isolation of mount/PID/net on Linux, overlaid dependency
// sysroots, and captured stdout/stderr. Other backends (remote execution)
// satisfy the same Backend interface so the executor never has to know
// which one it's talking to.
package sandbox

import (
	"context"
	"time"

	logging "gopkg.in/op/go-logging.v1"
)

var log = logging.MustGetLogger("sandbox")

// NetworkPolicy controls what network access a sandboxed task gets.
type NetworkPolicy string

const (
	// Isolated puts the task in its own net namespace with no interfaces
	// brought up at all, not even loopback.
	Isolated NetworkPolicy = "Isolated"
	// LoopbackOnly puts the task in its own net namespace with only lo up.
	LoopbackOnly NetworkPolicy = "LoopbackOnly"
	// FullNetwork does not create a new net namespace at all.
	FullNetwork NetworkPolicy = "FullNetwork"
)

// SysrootGroup is one overlay target: a named mount point (e.g.
// "recipe-sysroot" or "recipe-sysroot-native") built from a priority-
// ordered list of dependency output directories.
type SysrootGroup struct {
	MountPoint string   // relative to the sandbox work dir
	LowerDirs  []string // highest priority last, joined colon-separated
}

// Spec describes one task execution request.
type Spec struct {
	TaskID         string // "<recipe>:<task>", used for logging and the sandbox dir name
	Command        []string
	Env            []string
	Inputs         map[string]string // sandbox-relative path -> source path to materialize read-only
	SysrootGroups  []SysrootGroup
	Outputs        []string // sandbox-relative paths to collect after a successful run
	Timeout        time.Duration
	NetworkPolicy  NetworkPolicy
	CPUQuotaUs     int64 // 0 = unlimited
	MemoryBytes    int64 // 0 = unlimited
	PidsMax        int64 // 0 = unlimited
	IOWeight       int64 // 0 = default
}

// Result is what a Backend returns after running a Spec to completion (or
// to a handled failure — a nonzero ExitCode is not itself a Go error).
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	Outputs  map[string]string // sandbox-relative path -> materialized absolute path
	Duration time.Duration
}

// Backend runs one task to completion inside whatever isolation it
// provides and returns the collected result. Implementations: LinuxBackend
// (namespaces + overlayfs), FallbackBackend (CWD/env only), and the
// out-of-core remoteexec client.
type Backend interface {
	Run(ctx context.Context, spec Spec) (Result, error)
}
