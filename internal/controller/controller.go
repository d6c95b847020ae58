// Package controller implements the GVM Controller: the single entry
// point for every operation on a GVM, owning the transition-journal
// pattern of SPEC_FULL.md section 4.5.
package controller

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/nyxlabs/gvmd/internal/gvm"
	"github.com/nyxlabs/gvmd/internal/gvmerr"
	"github.com/nyxlabs/gvmd/internal/qmp"
	"github.com/nyxlabs/gvmd/internal/status"
	"github.com/nyxlabs/gvmd/internal/supervisor"
)

const defaultGraceSeconds = 30

// Store is the subset of *store.Store the Controller depends on.
type Store interface {
	Save(r *gvm.Record, now int64) error
	GetByName(name string) (*gvm.Record, error)
	ExistsByName(name string) (bool, error)
	DeleteByName(name string) error
	ReservePort(gvmID string, base int, kind string) (int, error)
}

// Supervisor is the subset of *supervisor.Supervisor the Controller
// depends on.
type Supervisor interface {
	Launch(ctx context.Context, cfg gvm.Config, p supervisor.Paths) (int, error)
	IsAlive(pid int) (bool, error)
	Terminate(ctx context.Context, pid int, graceSeconds int) error
	Kill(pid int) error
	VerifyIsOurs(pid int, hypervisorBin, controlSocketPath string) error
}

// QMPFactory builds a control-socket client bound to one socket path. In
// production this is qmp.NewUnixClient; tests substitute a fake.
type QMPFactory func(socketPath string) qmp.Client

// Controller is the GVM Controller.
type Controller struct {
	Store         Store
	Supervisor    Supervisor
	QMP           QMPFactory
	HypervisorBin string
	DataRoot      string
	Clock         func() int64
}

func (c *Controller) now() int64 {
	if c.Clock != nil {
		return c.Clock()
	}
	return time.Now().Unix()
}

func (c *Controller) save(r *gvm.Record) error {
	return c.Store.Save(r, c.now())
}

func runtimePaths(dataRoot, id string) supervisor.Paths {
	dir := filepath.Join(dataRoot, id)
	return supervisor.Paths{
		RuntimeDir:        dir,
		ControlSocketPath: filepath.Join(dir, "control.sock"),
		SerialLogPath:     filepath.Join(dir, "serial.log"),
		PidFilePath:       filepath.Join(dir, "pid"),
	}
}

// Create creates a new GVM record in Created status, reserves its RPC
// port, and provisions its runtime directory and (when configured) a
// sparse disk image. Boot-component paths are not checked. No hypervisor
// process is spawned.
func (c *Controller) Create(ctx context.Context, name string, cfg gvm.Config) (*gvm.Record, error) {
	exists, err := c.Store.ExistsByName(name)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, gvmerr.New(gvmerr.AlreadyExists, "gvm %q already exists", name)
	}

	// Boot-component paths are not checked here: a GVM may be created with
	// a kernel_path that does not yet exist on disk (or never will), and
	// the failure surfaces at start time when Supervisor.Launch's spawn
	// fails, not as a precondition on create.

	r := &gvm.Record{Name: name, Status: status.Created, Config: cfg}
	if err := c.save(r); err != nil {
		return nil, err
	}

	paths := runtimePaths(c.DataRoot, r.ID)
	if err := os.MkdirAll(paths.RuntimeDir, 0700); err != nil {
		return nil, gvmerr.Wrap(gvmerr.StorageError, err, "create runtime dir for %q", name)
	}
	cfg.DataDir = paths.RuntimeDir

	if cfg.DiskImagePath != "" {
		if _, err := os.Stat(cfg.DiskImagePath); os.IsNotExist(err) {
			f, err := os.Create(cfg.DiskImagePath)
			if err != nil {
				return nil, gvmerr.Wrap(gvmerr.StorageError, err, "create disk image %q", cfg.DiskImagePath)
			}
			err = f.Truncate(cfg.StorageBytes)
			f.Close()
			if err != nil {
				return nil, gvmerr.Wrap(gvmerr.StorageError, err, "size disk image %q", cfg.DiskImagePath)
			}
		}
	}

	port, err := c.Store.ReservePort(r.ID, cfg.BasePort, "rpc")
	if err != nil {
		return nil, err
	}
	cfg.RPCPort = port

	r.Config = cfg
	r.ControlSocketPath = paths.ControlSocketPath
	r.SerialLogPath = paths.SerialLogPath
	if err := c.save(r); err != nil {
		return nil, err
	}
	return r, nil
}

// Start launches the external hypervisor for the GVM named name.
func (c *Controller) Start(ctx context.Context, name string) (*gvm.Record, error) {
	r, err := c.Store.GetByName(name)
	if err != nil {
		return nil, err
	}
	switch {
	case r.Status.Equal(status.Created), r.Status.Equal(status.Stopped):
		// precondition satisfied
	case r.Status.Equal(status.Starting):
		return nil, gvmerr.New(gvmerr.Conflict, "gvm %q is already starting", name)
	default:
		return nil, gvmerr.New(gvmerr.InvalidTransition, "cannot start gvm %q from status %s", name, r.Status)
	}

	r.Status = status.Starting
	if err := c.save(r); err != nil {
		return nil, err
	}

	paths := runtimePaths(c.DataRoot, r.ID)
	paths.HypervisorBin = c.HypervisorBin
	pid, err := c.Supervisor.Launch(ctx, r.Config, paths)
	if err != nil {
		r.Status = status.Failed(err.Error())
		r.ProcessPID = 0
		c.save(r)
		return nil, err
	}

	r.Status = status.Running
	r.ProcessPID = pid
	if err := c.save(r); err != nil {
		return nil, err
	}
	return r, nil
}

// Stop terminates the external hypervisor for the GVM named name,
// allowing graceSeconds before escalating to SIGKILL. If the GVM is
// currently Paused or Suspended, it is first resumed via the control
// socket so the termination signal reaches a responsive process.
func (c *Controller) Stop(ctx context.Context, name string, graceSeconds int) (*gvm.Record, error) {
	if graceSeconds <= 0 {
		graceSeconds = defaultGraceSeconds
	}

	r, err := c.Store.GetByName(name)
	if err != nil {
		return nil, err
	}
	if !status.CanStop(r.Status) {
		if r.Status.Equal(status.Stopping) {
			return nil, gvmerr.New(gvmerr.Conflict, "gvm %q is already stopping", name)
		}
		return nil, gvmerr.New(gvmerr.InvalidTransition, "cannot stop gvm %q from status %s", name, r.Status)
	}

	if r.Status.Equal(status.Paused) {
		if err := c.QMP(r.ControlSocketPath).Continue(ctx); err != nil {
			// best-effort: proceed to signal the process regardless
			_ = err
		}
	} else if r.Status.Equal(status.Suspended) {
		if err := c.QMP(r.ControlSocketPath).WakeSystem(ctx); err != nil {
			_ = err
		}
	}

	r.Status = status.Stopping
	if err := c.save(r); err != nil {
		return nil, err
	}

	termErr := c.Supervisor.Terminate(ctx, r.ProcessPID, graceSeconds)
	if termErr != nil {
		alive, aliveErr := c.Supervisor.IsAlive(r.ProcessPID)
		if aliveErr == nil && !alive {
			// The caller's intent (process gone) was satisfied even
			// though Terminate reported an error getting there.
			r.Status = status.Stopped
			r.ProcessPID = 0
			return r, c.save(r)
		}
		r.Status = status.Failed(termErr.Error())
		c.save(r)
		return nil, termErr
	}

	r.Status = status.Stopped
	r.ProcessPID = 0
	if err := c.save(r); err != nil {
		return nil, err
	}
	return r, nil
}

// Pause freezes the GVM's vcpus at the hypervisor level.
func (c *Controller) Pause(ctx context.Context, name string) (*gvm.Record, error) {
	return c.transition(ctx, name, status.CanPause, status.Pausing, status.Paused, func(r *gvm.Record) error {
		return c.QMP(r.ControlSocketPath).Stop(ctx)
	})
}

// Resume unfreezes a Paused GVM or wakes a Suspended one.
func (c *Controller) Resume(ctx context.Context, name string) (*gvm.Record, error) {
	r, err := c.Store.GetByName(name)
	if err != nil {
		return nil, err
	}
	switch {
	case status.CanResumeFromPause(r.Status):
		return c.transitionFrom(ctx, r, status.Resuming, status.Running, func(r *gvm.Record) error {
			return c.QMP(r.ControlSocketPath).Continue(ctx)
		})
	case status.CanWake(r.Status):
		return c.transitionFrom(ctx, r, status.Resuming, status.Running, func(r *gvm.Record) error {
			return c.QMP(r.ControlSocketPath).WakeSystem(ctx)
		})
	case r.Status.Equal(status.Resuming):
		return nil, gvmerr.New(gvmerr.Conflict, "gvm %q is already resuming", name)
	default:
		return nil, gvmerr.New(gvmerr.InvalidTransition, "cannot resume gvm %q from status %s", name, r.Status)
	}
}

// Suspend puts a Running (or Paused) GVM into guest-cooperative ACPI S3.
func (c *Controller) Suspend(ctx context.Context, name string) (*gvm.Record, error) {
	r, err := c.Store.GetByName(name)
	if err != nil {
		return nil, err
	}
	if !status.CanSuspend(r.Status) {
		if r.Status.Equal(status.Suspending) {
			return nil, gvmerr.New(gvmerr.Conflict, "gvm %q is already suspending", name)
		}
		return nil, gvmerr.New(gvmerr.InvalidTransition, "cannot suspend gvm %q from status %s", name, r.Status)
	}
	if r.Status.Equal(status.Paused) {
		if err := c.QMP(r.ControlSocketPath).Continue(ctx); err != nil {
			return nil, recordFailure(c, r, err)
		}
	}
	return c.transitionFrom(ctx, r, status.Suspending, status.Suspended, func(r *gvm.Record) error {
		return c.QMP(r.ControlSocketPath).SuspendSystem(ctx)
	})
}

// Reset performs a hard reboot without guest cooperation. The subprocess
// itself does not restart — only the guest does — so process_pid is left
// unchanged.
func (c *Controller) Reset(ctx context.Context, name string) (*gvm.Record, error) {
	r, err := c.Store.GetByName(name)
	if err != nil {
		return nil, err
	}
	if !status.CanReset(r.Status) {
		return nil, gvmerr.New(gvmerr.InvalidTransition, "cannot reset gvm %q from status %s", name, r.Status)
	}
	if r.Status.Equal(status.Paused) {
		if err := c.QMP(r.ControlSocketPath).Continue(ctx); err != nil {
			return nil, recordFailure(c, r, err)
		}
	}
	return c.transitionFrom(ctx, r, status.Starting, status.Running, func(r *gvm.Record) error {
		return c.QMP(r.ControlSocketPath).ResetSystem(ctx)
	})
}

// Destroy deletes the GVM's storage and record. Unless force is set, the
// GVM must not be Running or Starting. When force is set and the process
// is running, it is stopped first.
func (c *Controller) Destroy(ctx context.Context, name string, force bool) error {
	r, err := c.Store.GetByName(name)
	if err != nil {
		return err
	}
	if !status.CanDestroy(r.Status) {
		if !force {
			return gvmerr.New(gvmerr.InvalidTransition, "cannot destroy running gvm %q without force", name)
		}
		if _, err := c.Stop(ctx, name, defaultGraceSeconds); err != nil {
			return err
		}
	}

	if err := os.RemoveAll(filepath.Join(c.DataRoot, r.ID)); err != nil {
		return gvmerr.Wrap(gvmerr.StorageError, err, "remove runtime dir for %q", name)
	}
	return c.Store.DeleteByName(name)
}

// Attach re-associates a persisted record with a still-running subprocess
// on daemon restart, without relaunching it.
func (c *Controller) Attach(ctx context.Context, name string) (*gvm.Record, error) {
	r, err := c.Store.GetByName(name)
	if err != nil {
		return nil, err
	}
	if r.ProcessPID == 0 {
		return r, nil
	}
	if err := c.Supervisor.VerifyIsOurs(r.ProcessPID, c.HypervisorBin, r.ControlSocketPath); err != nil {
		r.Status = status.Failed("attach: " + err.Error())
		r.ProcessPID = 0
		return r, c.save(r)
	}
	if _, err := c.QMP(r.ControlSocketPath).QueryStatus(ctx); err != nil {
		r.Status = status.Failed("attach: " + err.Error())
		r.ProcessPID = 0
		return r, c.save(r)
	}
	return r, nil
}

// transition loads the record by name, checks precondition, and delegates
// to transitionFrom.
func (c *Controller) transition(ctx context.Context, name string, precondition func(status.Status) bool, intermediate, terminal status.Status, effect func(*gvm.Record) error) (*gvm.Record, error) {
	r, err := c.Store.GetByName(name)
	if err != nil {
		return nil, err
	}
	if !precondition(r.Status) {
		if r.Status.Equal(intermediate) {
			return nil, gvmerr.New(gvmerr.Conflict, "gvm %q operation already in progress", name)
		}
		return nil, gvmerr.New(gvmerr.InvalidTransition, "cannot transition gvm %q from status %s", name, r.Status)
	}
	return c.transitionFrom(ctx, r, intermediate, terminal, effect)
}

// transitionFrom journals intermediate, performs effect, and journals
// terminal on success or Failed on error.
func (c *Controller) transitionFrom(ctx context.Context, r *gvm.Record, intermediate, terminal status.Status, effect func(*gvm.Record) error) (*gvm.Record, error) {
	r.Status = intermediate
	if err := c.save(r); err != nil {
		return nil, err
	}

	if err := effect(r); err != nil {
		return nil, recordFailure(c, r, err)
	}

	r.Status = terminal
	if err := c.save(r); err != nil {
		return nil, err
	}
	return r, nil
}

func recordFailure(c *Controller, r *gvm.Record, cause error) error {
	r.Status = status.Failed(cause.Error())
	c.save(r)
	return cause
}

