// SPDX-FileCopyrightText: 2025 The netpivot authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package pivot owns the bootstrap/target state machine.
//
// The forward and reverse root-swaps are compensating-action pairs: every
// step that can still fail safely precedes the one step that cannot be
// undone. Externally both operations are atomic; they either complete or
// fail outright, there is no cancellation of an operation in flight.
package pivot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/netpivot/netpivot/internal/bus"
	"github.com/netpivot/netpivot/internal/detect"
	"github.com/netpivot/netpivot/internal/state"
)

const (
	// backRefName is the placeholder directory for the old root inside an
	// installed root, and so the name under which the bootstrap root stays
	// reachable after the forward pivot.
	backRefName = "oldroot"

	// returnMountName is where the former target root is parked inside
	// the bootstrap root during the reverse pivot, until it is detached.
	returnMountName = "mnt"

	defaultGracePeriod = 10 * time.Second
	defaultDirMode     = 0o755

	alivePollInterval = 100 * time.Millisecond
)

// virtualFS are the filesystems re-homed into the new root on a forward
// pivot, in mount order. The type is the fallback for a fresh mount when
// the move fails.
var virtualFS = []state.MountEntry{
	{Target: "/dev", FSType: "devtmpfs"},
	{Target: "/proc", FSType: "proc"},
	{Target: "/sys", FSType: "sysfs"},
	{Target: "/run", FSType: "tmpfs"},
}

// targetEnv is the environment the target init is started with.
var targetEnv = []string{
	"HOME=/",
	"TERM=linux",
	"PATH=/usr/sbin:/usr/bin:/sbin:/bin",
}

// Config carries the controller parameters.
type Config struct {
	// BackRef is the absolute path of the old-root back-reference as seen
	// from inside the target. Defaults to "/oldroot".
	BackRef string

	// GracePeriod bounds the wait for the target init to terminate after
	// the cooperative shutdown request. A timeout is non-fatal.
	GracePeriod time.Duration

	// HandlerPath is the executable spawned as the reverse-pivot handler
	// after the forward pivot, reached through the back-reference.
	HandlerPath string

	// HandlerArgs are the arguments for the handler process.
	HandlerArgs []string

	// StatusWriter receives the status payload for status signals.
	StatusWriter io.Writer

	// RestartConsole is called after a successful return to bring the
	// bootstrap console back. May be nil.
	RestartConsole func() error

	// LoadImage acquires and installs the image at the given URL and
	// performs the forward pivot. It is called for load signals; nil
	// rejects them.
	LoadImage func(ctx context.Context, url string) error

	// OnReturned is called once after each successfully completed
	// return. May be nil.
	OnReturned func()
}

// Controller performs the forward and reverse root-swaps and consumes
// control signals.
//
// It is the sole writer of the state store and the sole consumer of the
// signal bus.
type Controller struct {
	store     *state.Store
	sys       System
	detectors *detect.Set
	log       *slog.Logger
	cfg       Config

	// inFlight serializes pivots: at most one forward or reverse pivot
	// may execute system-wide at any time.
	inFlight atomic.Bool

	wg sync.WaitGroup
}

// New creates a [Controller]. The detector set may be nil for processes
// that do not supervise detectors.
func New(
	store *state.Store,
	sys System,
	detectors *detect.Set,
	logger *slog.Logger,
	cfg Config,
) *Controller {
	if cfg.BackRef == "" {
		cfg.BackRef = "/" + backRefName
	}

	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = defaultGracePeriod
	}

	return &Controller{
		store:     store,
		sys:       sys,
		detectors: detectors,
		log:       logger,
		cfg:       cfg,
	}
}

// Forward pivots the machine into the installed root and starts its init
// program.
//
// On success the call does not return: the process image is replaced by the
// target init. Every returned error means the machine is still, or again,
// fully in the bootstrap phase - except for a failed recovery after the
// root-swap, which is wrapped in the returned [PivotError].
func (c *Controller) Forward(
	ctx context.Context,
	installedRoot, initPath, imageURL string,
) error {
	if !c.inFlight.CompareAndSwap(false, true) {
		return ErrPivotInProgress
	}
	defer c.inFlight.Store(false)

	wrap := func(err error) error {
		return &PivotError{Root: installedRoot, Err: err}
	}

	prior, err := c.store.Load()
	if err != nil {
		return wrap(err)
	}

	if prior.Phase != state.PhaseBootstrap {
		return wrap(ErrNotInBootstrap)
	}

	// Placeholder through which the bootstrap root stays reachable.
	putOld := installedRoot + "/" + backRefName
	if err := c.sys.MkdirAll(putOld, defaultDirMode); err != nil {
		return wrap(fmt.Errorf("create back-reference: %w", err))
	}

	// pivot_root requires the new root to be a mount point. Extracted
	// archive trees are plain directories, so bind them onto themselves.
	rollback := &MountSet{}
	rootFS := "squashfs"

	if !c.sys.IsMountPoint(installedRoot) {
		err := c.sys.Mount(installedRoot, installedRoot, "", unix.MS_BIND, "")
		if err != nil {
			return wrap(err)
		}

		rollback.Push(installedRoot, "bind", false)
		rootFS = "bind"
	}

	// Persist the target phase before the irreversible step, so an
	// interrupted pivot is still observable afterwards.
	record := state.Record{
		Phase:        state.PhaseTarget,
		TargetPID:    c.sys.Getpid(),
		LastImageURL: imageURL,
		BootTime:     prior.BootTime,
	}

	if err := c.store.Save(record); err != nil {
		rollback.UnmountAll(c.sys, c.log)
		return wrap(err)
	}

	c.log.Info("Pivoting into target root",
		slog.String("root", installedRoot),
		slog.String("init", initPath))

	err = c.pivotForward(installedRoot)
	if err != nil {
		// Compensate: no partial target state survives this step.
		if saveErr := c.store.Save(prior); saveErr != nil {
			c.log.Error("State rollback failed",
				slog.Any("error", saveErr))
		}

		rollback.UnmountAll(c.sys, c.log)
		_ = c.sys.Unmount(installedRoot, unix.MNT_DETACH)

		return wrap(err)
	}

	// From here on the swap happened: the machine is in the target phase
	// and paths are relative to the new root.
	mounts := NewMountSet(nil)
	mounts.Push("/", rootFS, false)

	c.rehomeVirtualFS(mounts)

	if err := c.store.SaveMounts(mounts.Entries()); err != nil {
		c.log.Error("Persisting mount set failed", slog.Any("error", err))
	}

	return c.startTarget(ctx, initPath)
}

func (c *Controller) pivotForward(installedRoot string) error {
	if err := c.sys.Chdir(installedRoot); err != nil {
		return err
	}

	if err := c.sys.PivotRoot(".", backRefName); err != nil {
		return err
	}

	return c.sys.Chdir("/")
}

// rehomeVirtualFS moves the virtual filesystems from the old root into the
// new one, falling back to a fresh mount per filesystem. Moving preserves
// existing state, like the control pipe and the state store under /run.
// Moved filesystems are recorded as such: the reverse path must carry them
// back into the bootstrap root, not tear them down.
func (c *Controller) rehomeVirtualFS(mounts *MountSet) {
	for _, vfs := range virtualFS {
		oldPath := c.cfg.BackRef + vfs.Target

		if err := c.sys.MkdirAll(vfs.Target, defaultDirMode); err != nil {
			c.log.Warn("Creating virtual filesystem mount point failed",
				slog.String("target", vfs.Target),
				slog.Any("error", err))

			continue
		}

		err := c.sys.Mount(oldPath, vfs.Target, "", unix.MS_MOVE, "")
		if err == nil {
			mounts.Push(vfs.Target, vfs.FSType, true)
			continue
		}

		c.log.Warn("Moving virtual filesystem failed, mounting fresh",
			slog.String("target", vfs.Target),
			slog.Any("error", err))

		err = c.sys.Mount(vfs.FSType, vfs.Target, vfs.FSType, 0, "")
		if err != nil {
			c.log.Warn("Fresh mount failed",
				slog.String("target", vfs.Target),
				slog.Any("error", err))

			continue
		}

		mounts.Push(vfs.Target, vfs.FSType, false)
	}
}

// returnVirtualFS moves the virtual filesystems that came along on the
// forward pivot back into the bootstrap root. Until the parked former
// target root is detached they are still reachable below it. A failed move
// degrades to a fresh mount; the state the moved instance carried is lost
// then, but the bootstrap root stays usable.
func (c *Controller) returnVirtualFS(entries []state.MountEntry) {
	for _, entry := range entries {
		oldPath := "/" + returnMountName + entry.Target

		if err := c.sys.MkdirAll(entry.Target, defaultDirMode); err != nil {
			c.log.Warn("Creating virtual filesystem mount point failed",
				slog.String("target", entry.Target),
				slog.Any("error", err))

			continue
		}

		err := c.sys.Mount(oldPath, entry.Target, "", unix.MS_MOVE, "")
		if err == nil {
			continue
		}

		c.log.Warn("Moving virtual filesystem back failed, mounting fresh",
			slog.String("target", entry.Target),
			slog.Any("error", err))

		err = c.sys.Mount(entry.FSType, entry.Target, entry.FSType, 0, "")
		if err != nil {
			c.log.Warn("Fresh mount failed",
				slog.String("target", entry.Target),
				slog.Any("error", err))
		}
	}
}

// startTarget spawns the reverse-pivot handler and replaces the process
// with the target init.
func (c *Controller) startTarget(ctx context.Context, initPath string) error {
	wrap := func(err error) error {
		return &PivotError{Root: "/", Err: err}
	}

	if c.cfg.HandlerPath != "" {
		pid, err := c.sys.StartProcess(c.cfg.HandlerPath, c.cfg.HandlerArgs)
		if err != nil {
			// Without a handler there is no way back. Undo the pivot.
			return wrap(c.recoverOrFail(ctx, err))
		}

		c.log.Info("Reverse-pivot handler started", slog.Int("pid", pid))
	}

	err := c.sys.Exec(initPath, []string{initPath}, targetEnv)
	if err == nil {
		return nil
	}

	// The swap already happened, so the only recovery is an immediate
	// return to bootstrap.
	return wrap(c.recoverOrFail(ctx, err))
}

func (c *Controller) recoverOrFail(ctx context.Context, cause error) error {
	c.log.Error("Starting target failed, attempting immediate return",
		slog.Any("error", cause))

	// The in-flight guard is held by the forward pivot.
	if err := c.reverse(ctx); err != nil {
		return fmt.Errorf("%w; return failed: %w", cause, err)
	}

	return cause
}

// Reverse pivots the machine back into the bootstrap root.
//
// It is meaningful only while the machine is in the target phase.
// Overlapping invocations are rejected with [ErrReturnInProgress]. After a
// failure past the reverse root-swap guard the target phase keeps running
// uncorrupted.
func (c *Controller) Reverse(ctx context.Context) error {
	if !c.inFlight.CompareAndSwap(false, true) {
		return ErrReturnInProgress
	}
	defer c.inFlight.Store(false)

	return c.reverse(ctx)
}

func (c *Controller) reverse(ctx context.Context) error {
	record, err := c.store.Load()
	if err != nil {
		return err
	}

	if record.Phase != state.PhaseTarget || record.TargetPID == 0 {
		return ErrNotInTarget
	}

	if !c.sys.PathExists(c.cfg.BackRef) {
		return fmt.Errorf("%w: %s", ErrBackRefUnreachable, c.cfg.BackRef)
	}

	c.log.Info("Returning to bootstrap",
		slog.Int("target-pid", record.TargetPID))

	c.shutdownTarget(ctx, record.TargetPID)

	entries, err := c.store.LoadMounts()
	if err != nil {
		c.log.Warn("Loading mount set failed", slog.Any("error", err))
	}

	// Only freshly created target mounts are torn down before the swap.
	// Filesystems moved over from the bootstrap root on the forward pivot
	// must survive and are moved back afterwards. The root itself cannot
	// be unmounted while it is still our root; it is detached after the
	// reverse swap instead.
	freshMounts := &MountSet{}

	var movedMounts []state.MountEntry

	for _, entry := range entries {
		switch {
		case entry.Target == "/":
		case entry.Moved:
			movedMounts = append(movedMounts, entry)
		default:
			freshMounts.Push(entry.Target, entry.FSType, false)
		}
	}

	freshMounts.UnmountAll(c.sys, c.log)

	if err := c.pivotReverse(); err != nil {
		return err
	}

	// The moved filesystems are still attached below the parked former
	// target root. Bring them home before that root is detached.
	c.returnVirtualFS(movedMounts)

	// Final root unmount. Forward progress into bootstrap outweighs a
	// perfectly clean unmount, so a failure only degrades to a warning.
	oldTarget := "/" + returnMountName

	if err := c.sys.Unmount(oldTarget, unix.MNT_DETACH); err != nil {
		c.log.Warn("Detaching former target root failed",
			slog.String("target", oldTarget),
			slog.Any("error", err))
	}

	record.Phase = state.PhaseBootstrap
	record.TargetPID = 0

	if err := c.store.Save(record); err != nil {
		return fmt.Errorf("reset state: %w", err)
	}

	if err := c.store.SaveMounts(nil); err != nil {
		c.log.Warn("Clearing mount set failed", slog.Any("error", err))
	}

	// Remove the temporary parking directory again. Best effort.
	_ = c.sys.Remove(oldTarget)

	if c.detectors != nil {
		c.detectors.Restart(ctx)
	}

	if c.cfg.RestartConsole != nil {
		if err := c.cfg.RestartConsole(); err != nil {
			c.log.Warn("Restarting console failed", slog.Any("error", err))
		}
	}

	c.log.Info("Back in bootstrap phase")

	return nil
}

// shutdownTarget asks the target init to terminate and waits up to the
// grace period. Best effort: a timeout or signal failure is non-fatal.
func (c *Controller) shutdownTarget(ctx context.Context, pid int) {
	if !c.sys.ProcessAlive(pid) {
		return
	}

	if err := c.sys.Signal(pid, unix.SIGTERM); err != nil {
		c.log.Warn("Shutdown request failed",
			slog.Int("pid", pid),
			slog.Any("error", err))

		return
	}

	deadline := time.After(c.cfg.GracePeriod)
	ticker := time.NewTicker(alivePollInterval)

	defer ticker.Stop()

	for c.sys.ProcessAlive(pid) {
		select {
		case <-deadline:
			c.log.Warn("Target init did not terminate within grace period",
				slog.Int("pid", pid),
				slog.Duration("grace", c.cfg.GracePeriod))

			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// pivotReverse swaps the root back through the back-reference. On failure
// the intermediate bind mount is unwound and the target phase keeps
// running.
func (c *Controller) pivotReverse() error {
	parkDir := c.cfg.BackRef + "/" + returnMountName
	if err := c.sys.MkdirAll(parkDir, defaultDirMode); err != nil {
		return &ReversePivotError{Err: err}
	}

	// Make sure the back-reference is a mount point of its own.
	boundSelf := false

	err := c.sys.Mount(c.cfg.BackRef, c.cfg.BackRef, "", unix.MS_BIND, "")
	if err == nil {
		boundSelf = true
	}

	if err := c.sys.Chdir(c.cfg.BackRef); err != nil {
		c.unwindBind(boundSelf)
		return &ReversePivotError{Err: err}
	}

	if err := c.sys.PivotRoot(".", returnMountName); err != nil {
		c.unwindBind(boundSelf)
		return &ReversePivotError{Err: err}
	}

	if err := c.sys.Chdir("/"); err != nil {
		return &ReversePivotError{Err: err}
	}

	return nil
}

func (c *Controller) unwindBind(boundSelf bool) {
	if !boundSelf {
		return
	}

	err := c.sys.Unmount(c.cfg.BackRef, unix.MNT_DETACH)
	if err != nil {
		c.log.Warn("Unwinding bind mount failed",
			slog.String("target", c.cfg.BackRef),
			slog.Any("error", err))
	}
}

// DispatchSignal handles one control signal.
//
// Return signals run the reverse pivot on a separate goroutine so the bus
// consumer keeps serving; a signal arriving while a return executes is
// rejected by the in-flight guard, never attempted twice.
func (c *Controller) DispatchSignal(ctx context.Context, signal bus.Signal) {
	switch signal.Kind {
	case bus.KindLoad:
		c.wg.Add(1)

		go func() {
			defer c.wg.Done()

			c.handleLoad(ctx, signal.Source, signal.Payload)
		}()
	case bus.KindReturn:
		c.wg.Add(1)

		go func() {
			defer c.wg.Done()

			c.handleReturn(ctx, signal.Source)
		}()
	case bus.KindStatus:
		c.handleStatus()
	default:
	}
}

// Wait blocks until all in-flight signal handlers finished.
func (c *Controller) Wait() {
	c.wg.Wait()
}

func (c *Controller) handleLoad(ctx context.Context, source, url string) {
	if c.cfg.LoadImage == nil {
		c.log.Warn("Load rejected, no image loader wired",
			slog.String("source", source))

		return
	}

	if url == "" {
		c.log.Warn("Load rejected, empty image URL",
			slog.String("source", source))

		return
	}

	if err := c.cfg.LoadImage(ctx, url); err != nil {
		c.log.Error("Load failed",
			slog.String("source", source),
			slog.String("url", url),
			slog.Any("error", err))
	}
}

func (c *Controller) handleReturn(ctx context.Context, source string) {
	err := c.Reverse(ctx)

	switch {
	case err == nil:
		if c.cfg.OnReturned != nil {
			c.cfg.OnReturned()
		}
	case errors.Is(err, ErrReturnInProgress):
		c.log.Warn("Return rejected, already in progress",
			slog.String("source", source))
	case errors.Is(err, ErrNotInTarget):
		c.log.Info("Return ignored, not in target phase",
			slog.String("source", source))
	default:
		c.log.Error("Return failed",
			slog.String("source", source),
			slog.Any("error", err))
	}
}

func (c *Controller) handleStatus() {
	record, err := c.store.Load()
	if err != nil {
		c.log.Error("Status query failed", slog.Any("error", err))
		return
	}

	if c.cfg.StatusWriter != nil {
		_, _ = fmt.Fprintln(c.cfg.StatusWriter, record.StatusText())
	}
}
