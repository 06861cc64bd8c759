//go:build linux
// +build linux

package sandbox

import (
	"fmt"
	"os"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// ReExecInit is the entry point cmd/hitzeleiter's main() calls when
// os.Args[1] == ReExecArg: it has already been cloned into fresh mount/PID
// (and, unless FullNetwork, net) namespaces by the parent's ExecCommand
// call. It finishes setting up the sandbox filesystem, applies cgroup
// limits, then execs the task's real command in place of itself.
func ReExecInit() error {
	planPath := os.Getenv(planEnvVar)
	if planPath == "" {
		return fmt.Errorf("sandbox re-exec invoked without %s set", planEnvVar)
	}
	plan, err := readPlan(planPath)
	if err != nil {
		return fmt.Errorf("reading sandbox plan: %w", err)
	}

	if err := remountRootPrivate(); err != nil {
		return err
	}
	if err := mountOverlays(plan); err != nil {
		return err
	}
	if err := mountProc(plan.WorkDir); err != nil {
		return err
	}
	if err := applyNetworkPolicy(plan.NetworkPolicy); err != nil {
		return err
	}
	if err := applyCgroupLimits(plan); err != nil {
		log.Warning("cgroup limits not applied: %v", err)
	}

	if err := os.Chdir(plan.WorkDir); err != nil {
		return fmt.Errorf("chdir into sandbox work dir: %w", err)
	}

	return syscall.Exec(plan.Command[0], plan.Command, plan.Env)
}

func remountRootPrivate() error {
	if err := syscall.Mount("", "/", "", syscall.MS_REC|syscall.MS_PRIVATE, ""); err != nil {
		return fmt.Errorf("remounting root private: %w", err)
	}
	return nil
}

// mountOverlays colon-joins each SysrootGroup's lower dirs in the order the
// caller gave them (highest priority last) and overlay-mounts them onto its mount point
// inside the sandbox work dir, using a dedicated upper/work dir pair per
// group so concurrent sandboxes never share overlay state.
func mountOverlays(plan mountPlan) error {
	for _, group := range plan.SysrootGroups {
		target := plan.WorkDir + "/" + group.MountPoint
		upper := plan.SandboxDir + "/upper/" + group.MountPoint
		work := plan.SandboxDir + "/overlay-work/" + group.MountPoint
		if err := os.MkdirAll(target, 0755); err != nil {
			return err
		}
		if err := os.MkdirAll(upper, 0755); err != nil {
			return err
		}
		if err := os.MkdirAll(work, 0755); err != nil {
			return err
		}
		opts := fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s", strings.Join(group.LowerDirs, ":"), upper, work)
		if err := syscall.Mount("overlay", target, "overlay", 0, opts); err != nil {
			return fmt.Errorf("overlay-mounting %s: %w", group.MountPoint, err)
		}
	}
	return nil
}

func mountProc(workDir string) error {
	procDir := workDir + "/proc"
	if err := os.MkdirAll(procDir, 0755); err != nil {
		return err
	}
	if err := syscall.Mount("proc", procDir, "proc", 0, ""); err != nil {
		return fmt.Errorf("mounting /proc: %w", err)
	}
	return nil
}

// applyNetworkPolicy brings the loopback interface up for LoopbackOnly;
// Isolated leaves every interface down; FullNetwork never unshared the net
// namespace in the first place so there is nothing to do here.
func applyNetworkPolicy(policy NetworkPolicy) error {
	if policy != LoopbackOnly {
		return nil
	}
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return fmt.Errorf("opening control socket for loopback: %w", err)
	}
	defer unix.Close(fd)

	ifr, err := unix.NewIfreq("lo")
	if err != nil {
		return err
	}
	if err := unix.IoctlIfreq(fd, unix.SIOCGIFFLAGS, ifr); err != nil {
		return fmt.Errorf("reading lo flags: %w", err)
	}
	flags := ifr.Uint16()
	ifr.SetUint16(flags | unix.IFF_UP)
	if err := unix.IoctlIfreq(fd, unix.SIOCSIFFLAGS, ifr); err != nil {
		return fmt.Errorf("bringing lo up: %w", err)
	}
	return nil
}

func applyCgroupLimits(plan mountPlan) error {
	if plan.CPUQuotaUs == 0 && plan.MemoryBytes == 0 && plan.PidsMax == 0 && plan.IOWeight == 0 {
		return nil
	}
	cgroupDir := "/sys/fs/cgroup/hitzeleiter/" + lastPathElement(plan.SandboxDir)
	if err := os.MkdirAll(cgroupDir, 0755); err != nil {
		return err
	}
	writeLimit := func(file string, value int64) {
		if value == 0 {
			return
		}
		os.WriteFile(cgroupDir+"/"+file, []byte(fmt.Sprintf("%d", value)), 0644)
	}
	if plan.CPUQuotaUs != 0 {
		os.WriteFile(cgroupDir+"/cpu.max", []byte(fmt.Sprintf("%d 100000", plan.CPUQuotaUs)), 0644)
	}
	writeLimit("memory.max", plan.MemoryBytes)
	writeLimit("pids.max", plan.PidsMax)
	writeLimit("io.weight", plan.IOWeight)
	return os.WriteFile(cgroupDir+"/cgroup.procs", []byte(fmt.Sprintf("%d", os.Getpid())), 0644)
}

func lastPathElement(p string) string {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' {
			return p[i+1:]
		}
	}
	return p
}
