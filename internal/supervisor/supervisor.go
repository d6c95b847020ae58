// Package supervisor implements the Process Supervisor: spawning the
// external hypervisor, probing its liveness, and terminating it
// gracefully-then-forcefully. The Supervisor is stateless — a GVM's
// runtime identity is (pid, control_socket_path), both persisted in its
// record, never held in memory here.
package supervisor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/nyxlabs/gvmd/internal/gvm"
	"github.com/nyxlabs/gvmd/internal/gvmerr"
)

// pidFilePollInterval and pidFileTimeout bound how long launch waits for
// the hypervisor to daemonize and write its pid-file.
const (
	pidFilePollInterval = 100 * time.Millisecond
	pidFileTimeout      = 10 * time.Second
	killGraceAfterTerm  = 2 * time.Second
	livenessPollPeriod  = 500 * time.Millisecond
)

// Paths locates the per-GVM runtime artifacts a launch needs to create or
// reference, all living under the GVM's own runtime directory.
type Paths struct {
	HypervisorBin     string
	RuntimeDir        string
	ControlSocketPath string
	SerialLogPath     string
	PidFilePath       string
}

// Supervisor spawns and signals external hypervisor processes.
type Supervisor struct{}

// New returns a Supervisor.
func New() *Supervisor { return &Supervisor{} }

// Launch spawns the hypervisor for cfg, waits for its pid-file to appear,
// and returns the pid it reports. It waits (in the os/exec sense) only on
// the spawned process, which exits once the hypervisor has daemonized; the
// daemonized hypervisor itself is never waited on — the daemon is not its
// parent-of-record.
func (s *Supervisor) Launch(ctx context.Context, cfg gvm.Config, p Paths) (int, error) {
	args := buildArgs(cfg, p)

	cmd := exec.Command(p.HypervisorBin, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return 0, gvmerr.Wrap(gvmerr.HypervisorLaunchFailed, err, "spawn %s", p.HypervisorBin)
	}

	// QEMU's -daemonize forks and the parent exits once the child is
	// ready; Wait reaps that short-lived parent only, not the daemonized
	// hypervisor itself.
	if err := cmd.Wait(); err != nil {
		return 0, gvmerr.New(gvmerr.HypervisorLaunchFailed, "spawn %s: %v: %s", p.HypervisorBin, err, strings.TrimSpace(stderr.String()))
	}

	pid, err := waitForPidFile(ctx, p.PidFilePath)
	if err != nil {
		return 0, gvmerr.Wrap(gvmerr.HypervisorLaunchFailed, err, "wait for pid-file %s", p.PidFilePath)
	}
	return pid, nil
}

func waitForPidFile(ctx context.Context, path string) (int, error) {
	deadline := time.Now().Add(pidFileTimeout)
	for {
		data, err := os.ReadFile(path)
		if err == nil {
			var pid int
			if _, err := fmt.Sscanf(strings.TrimSpace(string(data)), "%d", &pid); err == nil && pid > 0 {
				return pid, nil
			}
		}
		if time.Now().After(deadline) {
			return 0, fmt.Errorf("pid-file did not appear within %s", pidFileTimeout)
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(pidFilePollInterval):
		}
	}
}

// IsAlive checks process existence via a null-signal probe.
func (s *Supervisor) IsAlive(pid int) (bool, error) {
	if pid <= 0 {
		return false, nil
	}
	err := syscall.Kill(pid, syscall.Signal(0))
	if err == nil {
		return true, nil
	}
	if err == syscall.ESRCH {
		return false, nil
	}
	return false, gvmerr.Wrap(gvmerr.SignalFailed, err, "probe pid %d", pid)
}

// Terminate sends SIGTERM, polls liveness at ~500ms cadence up to
// graceSeconds, and sends SIGKILL if the process is still alive. It
// returns nil only if the process is confirmed gone on return.
func (s *Supervisor) Terminate(ctx context.Context, pid int, graceSeconds int) error {
	if pid <= 0 {
		return nil
	}
	alive, err := s.IsAlive(pid)
	if err != nil {
		return err
	}
	if !alive {
		return nil
	}

	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil && err != syscall.ESRCH {
		return gvmerr.Wrap(gvmerr.SignalFailed, err, "SIGTERM pid %d", pid)
	}

	deadline := time.Now().Add(time.Duration(graceSeconds) * time.Second)
	for time.Now().Before(deadline) {
		alive, err := s.IsAlive(pid)
		if err != nil {
			return err
		}
		if !alive {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(livenessPollPeriod):
		}
	}

	if err := s.Kill(pid); err != nil {
		return err
	}

	time.Sleep(killGraceAfterTerm)
	alive, err = s.IsAlive(pid)
	if err != nil {
		return err
	}
	if alive {
		return gvmerr.New(gvmerr.SignalFailed, "pid %d still alive after SIGKILL", pid)
	}
	return nil
}

// Kill sends SIGKILL unconditionally.
func (s *Supervisor) Kill(pid int) error {
	if pid <= 0 {
		return nil
	}
	if err := syscall.Kill(pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
		return gvmerr.Wrap(gvmerr.SignalFailed, err, "SIGKILL pid %d", pid)
	}
	return nil
}

// VerifyIsOurs reads the process's command line from /proc and confirms
// the executable matches hypervisorBin and its argument vector references
// controlSocketPath. This substring-matching approach is fragile against
// renamed binaries; it is kept as specified rather than hardened (see
// DESIGN.md's Open Question decision).
func (s *Supervisor) VerifyIsOurs(pid int, hypervisorBin, controlSocketPath string) error {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	if err != nil {
		return gvmerr.Wrap(gvmerr.SignalFailed, err, "read cmdline for pid %d", pid)
	}
	argv := strings.Split(strings.TrimRight(string(data), "\x00"), "\x00")
	if len(argv) == 0 {
		return gvmerr.New(gvmerr.SignalFailed, "pid %d has empty cmdline", pid)
	}
	if filepath.Base(argv[0]) != filepath.Base(hypervisorBin) {
		return gvmerr.New(gvmerr.SignalFailed, "pid %d executable %q does not match expected %q", pid, argv[0], hypervisorBin)
	}
	needle := "unix:" + controlSocketPath
	for _, a := range argv {
		if strings.Contains(a, needle) {
			return nil
		}
	}
	return gvmerr.New(gvmerr.SignalFailed, "pid %d does not reference control socket %q", pid, controlSocketPath)
}
