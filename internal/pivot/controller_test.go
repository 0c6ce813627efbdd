// SPDX-FileCopyrightText: 2025 The netpivot authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package pivot_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sys/unix"

	"github.com/netpivot/netpivot/internal/bus"
	"github.com/netpivot/netpivot/internal/pivot"
	"github.com/netpivot/netpivot/internal/state"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeSystem records every OS primitive called and allows injecting
// failures per operation.
type fakeSystem struct {
	mu sync.Mutex

	calls    []string
	unmounts []string

	pid         int
	alive       bool
	missing     map[string]bool
	mountPoints map[string]bool

	mountErr   map[string]error
	moveErr    map[string]error
	unmountErr map[string]error
	pivotErr   error
	execErr    error
	startErr   error

	// pivotFn, if set, replaces the default PivotRoot behavior.
	pivotFn func() error
}

func newFakeSystem() *fakeSystem {
	return &fakeSystem{
		pid:         42,
		missing:     map[string]bool{},
		mountPoints: map[string]bool{},
		mountErr:    map[string]error{},
		moveErr:     map[string]error{},
		unmountErr:  map[string]error{},
	}
}

func (f *fakeSystem) record(format string, args ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

func (f *fakeSystem) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.calls...)
}

func (f *fakeSystem) unmounted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.unmounts...)
}

func (f *fakeSystem) Getpid() int {
	return f.pid
}

func (f *fakeSystem) PathExists(path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return !f.missing[path]
}

func (f *fakeSystem) IsMountPoint(path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.mountPoints[path]
}

func (f *fakeSystem) MkdirAll(path string, _ fs.FileMode) error {
	f.record("mkdir %s", path)
	return nil
}

func (f *fakeSystem) Remove(path string) error {
	f.record("remove %s", path)
	return nil
}

func (f *fakeSystem) Chdir(dir string) error {
	f.record("chdir %s", dir)
	return nil
}

func (f *fakeSystem) Mount(
	source, target, fstype string,
	flags uintptr,
	data string,
) error {
	switch {
	case flags&unix.MS_BIND != 0:
		f.record("bind %s", target)
	case flags&unix.MS_MOVE != 0:
		f.record("move %s %s", source, target)

		f.mu.Lock()
		defer f.mu.Unlock()

		return f.moveErr[target]
	default:
		f.record("mount %s %s", fstype, target)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	return f.mountErr[target]
}

func (f *fakeSystem) Unmount(target string, _ int) error {
	f.record("unmount %s", target)

	f.mu.Lock()
	defer f.mu.Unlock()

	f.unmounts = append(f.unmounts, target)

	return f.unmountErr[target]
}

func (f *fakeSystem) PivotRoot(newRoot, putOld string) error {
	f.record("pivot_root %s %s", newRoot, putOld)

	if f.pivotFn != nil {
		return f.pivotFn()
	}

	return f.pivotErr
}

func (f *fakeSystem) Exec(path string, _, _ []string) error {
	f.record("exec %s", path)
	return f.execErr
}

func (f *fakeSystem) StartProcess(path string, _ []string) (int, error) {
	f.record("start %s", path)

	if f.startErr != nil {
		return 0, f.startErr
	}

	return 4242, nil
}

func (f *fakeSystem) Signal(pid int, _ unix.Signal) error {
	f.record("signal %d", pid)

	f.mu.Lock()
	defer f.mu.Unlock()

	f.alive = false

	return nil
}

func (f *fakeSystem) ProcessAlive(int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.alive
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestController(
	t *testing.T,
	sys pivot.System,
	cfg pivot.Config,
) (*pivot.Controller, *state.Store) {
	t.Helper()

	store, err := state.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)

	t.Cleanup(func() { _ = store.Close() })

	if cfg.HandlerPath == "" {
		cfg.HandlerPath = "/oldroot/usr/bin/netpivot"
		cfg.HandlerArgs = []string{"serve"}
	}

	return pivot.New(store, sys, nil, testLogger(), cfg), store
}

func TestControllerForward(t *testing.T) {
	fake := newFakeSystem()
	ctrl, store := newTestController(t, fake, pivot.Config{})

	// The phase change must be durable before the root-swap happens, so
	// an interruption mid-pivot is still observable afterwards.
	fake.pivotFn = func() error {
		record, err := store.Load()
		require.NoError(t, err)
		assert.Equal(t, state.PhaseTarget, record.Phase)

		return nil
	}

	err := ctrl.Forward(
		t.Context(),
		"/run/netpivot/root",
		"/sbin/init",
		"http://server/root.tar.gz",
	)
	require.NoError(t, err)

	calls := fake.recorded()
	assert.Contains(t, calls, "bind /run/netpivot/root")
	assert.Contains(t, calls, "pivot_root . oldroot")
	assert.Contains(t, calls, "start /oldroot/usr/bin/netpivot")
	assert.Contains(t, calls, "exec /sbin/init")

	record, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, state.PhaseTarget, record.Phase)
	assert.Equal(t, 42, record.TargetPID)
	assert.Equal(t, "http://server/root.tar.gz", record.LastImageURL)

	mounts, err := store.LoadMounts()
	require.NoError(t, err)
	require.NotEmpty(t, mounts)
	assert.Equal(t, "/", mounts[0].Target)
	assert.False(t, mounts[0].Moved)

	// The carried-over filesystems are marked for the return trip.
	for _, entry := range mounts[1:] {
		assert.True(t, entry.Moved, entry.Target)
	}
}

func TestControllerForwardMountedRootSkipsBind(t *testing.T) {
	fake := newFakeSystem()
	fake.mountPoints["/run/netpivot/root"] = true

	ctrl, store := newTestController(t, fake, pivot.Config{})

	err := ctrl.Forward(
		t.Context(), "/run/netpivot/root", "/sbin/init", "http://s/r.squashfs",
	)
	require.NoError(t, err)

	assert.NotContains(t, fake.recorded(), "bind /run/netpivot/root")

	mounts, err := store.LoadMounts()
	require.NoError(t, err)
	require.NotEmpty(t, mounts)
	assert.Equal(t, "squashfs", mounts[0].FSType)
}

func TestControllerForwardNotInBootstrap(t *testing.T) {
	fake := newFakeSystem()
	ctrl, store := newTestController(t, fake, pivot.Config{})

	require.NoError(t, store.Save(state.Record{
		Phase:     state.PhaseTarget,
		TargetPID: 99,
	}))

	err := ctrl.Forward(t.Context(), "/new", "/sbin/init", "http://s/r")
	require.Error(t, err)
	assert.ErrorIs(t, err, pivot.ErrNotInBootstrap)
	assert.ErrorIs(t, err, &pivot.PivotError{})

	assert.NotContains(t, fake.recorded(), "pivot_root . oldroot")
}

func TestControllerForwardPivotFails(t *testing.T) {
	fake := newFakeSystem()
	fake.pivotErr = errors.New("EBUSY")

	ctrl, store := newTestController(t, fake, pivot.Config{})

	err := ctrl.Forward(t.Context(), "/new", "/sbin/init", "http://s/r")
	require.Error(t, err)
	assert.ErrorIs(t, err, &pivot.PivotError{})

	// Rolled back: phase restored and the bind mount undone.
	record, loadErr := store.Load()
	require.NoError(t, loadErr)
	assert.Equal(t, state.PhaseBootstrap, record.Phase)
	assert.Zero(t, record.TargetPID)

	assert.Contains(t, fake.unmounted(), "/new")
	assert.NotContains(t, fake.recorded(), "exec /sbin/init")
}

func TestControllerForwardExecFails(t *testing.T) {
	fake := newFakeSystem()
	fake.execErr = errors.New("ENOEXEC")

	ctrl, store := newTestController(t, fake, pivot.Config{})

	err := ctrl.Forward(t.Context(), "/new", "/sbin/init", "http://s/r")
	require.Error(t, err)
	assert.ErrorIs(t, err, &pivot.PivotError{})

	// An immediate return brought the machine back to bootstrap.
	record, loadErr := store.Load()
	require.NoError(t, loadErr)
	assert.Equal(t, state.PhaseBootstrap, record.Phase)

	calls := fake.recorded()
	assert.Contains(t, calls, "pivot_root . mnt")
}

func TestControllerReverse(t *testing.T) {
	fake := newFakeSystem()
	fake.alive = true

	ctrl, store := newTestController(t, fake, pivot.Config{})

	require.NoError(t, store.Save(state.Record{
		Phase:        state.PhaseTarget,
		TargetPID:    99,
		LastImageURL: "http://s/r",
	}))
	require.NoError(t, store.SaveMounts([]state.MountEntry{
		{Target: "/", FSType: "bind"},
		{Target: "/dev", FSType: "devtmpfs", Moved: true},
		{Target: "/proc", FSType: "proc", Moved: true},
		{Target: "/sys", FSType: "sysfs"},
		{Target: "/run", FSType: "tmpfs", Moved: true},
	}))

	require.NoError(t, ctrl.Reverse(t.Context()))

	// Only the freshly created mount is torn down, the root detached last
	// from its parking spot after the swap back. The moved filesystems
	// are never unmounted.
	assert.Equal(t, []string{"/sys", "/mnt"}, fake.unmounted())

	calls := fake.recorded()
	assert.Contains(t, calls, "signal 99")

	// The carried-over filesystems return home between the swap back and
	// the final root detach, in mount order.
	pivotIdx := slices.Index(calls, "pivot_root . mnt")
	detachIdx := slices.Index(calls, "unmount /mnt")
	require.GreaterOrEqual(t, pivotIdx, 0)
	require.Greater(t, detachIdx, pivotIdx)

	lastMove := pivotIdx

	for _, move := range []string{
		"move /mnt/dev /dev",
		"move /mnt/proc /proc",
		"move /mnt/run /run",
	} {
		idx := slices.Index(calls, move)
		require.Greater(t, idx, lastMove, move)
		require.Less(t, idx, detachIdx, move)

		lastMove = idx
	}

	record, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, state.PhaseBootstrap, record.Phase)
	assert.Zero(t, record.TargetPID)
	assert.Equal(t, "http://s/r", record.LastImageURL)

	mounts, err := store.LoadMounts()
	require.NoError(t, err)
	assert.Empty(t, mounts)
}

func TestControllerReverseNotInTarget(t *testing.T) {
	fake := newFakeSystem()
	ctrl, store := newTestController(t, fake, pivot.Config{})

	err := ctrl.Reverse(t.Context())
	require.ErrorIs(t, err, pivot.ErrNotInTarget)

	// A no-op: nothing touched, nothing changed.
	assert.Empty(t, fake.recorded())

	record, loadErr := store.Load()
	require.NoError(t, loadErr)
	assert.Equal(t, state.PhaseBootstrap, record.Phase)
}

func TestControllerReverseBackRefMissing(t *testing.T) {
	fake := newFakeSystem()
	fake.missing["/oldroot"] = true

	ctrl, store := newTestController(t, fake, pivot.Config{})

	require.NoError(t, store.Save(state.Record{
		Phase:     state.PhaseTarget,
		TargetPID: 99,
	}))

	err := ctrl.Reverse(t.Context())
	require.ErrorIs(t, err, pivot.ErrBackRefUnreachable)
}

func TestControllerReversePivotFails(t *testing.T) {
	fake := newFakeSystem()
	fake.pivotErr = errors.New("EINVAL")

	ctrl, store := newTestController(t, fake, pivot.Config{})

	require.NoError(t, store.Save(state.Record{
		Phase:     state.PhaseTarget,
		TargetPID: 99,
	}))

	err := ctrl.Reverse(t.Context())
	require.Error(t, err)
	assert.ErrorIs(t, err, &pivot.ReversePivotError{})

	// The target phase keeps running.
	record, loadErr := store.Load()
	require.NoError(t, loadErr)
	assert.Equal(t, state.PhaseTarget, record.Phase)
	assert.Equal(t, 99, record.TargetPID)

	// The intermediate bind mount must not leak.
	assert.Contains(t, fake.unmounted(), "/oldroot")
}

func TestControllerReverseRootDetachFailureIsNonFatal(t *testing.T) {
	fake := newFakeSystem()
	fake.unmountErr["/mnt"] = errors.New("EBUSY")

	ctrl, store := newTestController(t, fake, pivot.Config{})

	require.NoError(t, store.Save(state.Record{
		Phase:     state.PhaseTarget,
		TargetPID: 99,
	}))

	require.NoError(t, ctrl.Reverse(t.Context()))

	record, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, state.PhaseBootstrap, record.Phase)
}

func TestControllerReverseMoveBackFallsBackToFresh(t *testing.T) {
	fake := newFakeSystem()
	fake.moveErr["/run"] = errors.New("EINVAL")

	ctrl, store := newTestController(t, fake, pivot.Config{})

	require.NoError(t, store.Save(state.Record{
		Phase:     state.PhaseTarget,
		TargetPID: 99,
	}))
	require.NoError(t, store.SaveMounts([]state.MountEntry{
		{Target: "/", FSType: "bind"},
		{Target: "/run", FSType: "tmpfs", Moved: true},
	}))

	require.NoError(t, ctrl.Reverse(t.Context()))

	calls := fake.recorded()
	assert.Contains(t, calls, "move /mnt/run /run")
	assert.Contains(t, calls, "mount tmpfs /run")

	// The moved instance itself is never detached.
	assert.Equal(t, []string{"/mnt"}, fake.unmounted())
}

func TestControllerReverseMutualExclusion(t *testing.T) {
	fake := newFakeSystem()

	entered := make(chan struct{})
	release := make(chan struct{})
	fake.pivotFn = func() error {
		close(entered)
		<-release

		return nil
	}

	ctrl, store := newTestController(t, fake, pivot.Config{})

	require.NoError(t, store.Save(state.Record{
		Phase:     state.PhaseTarget,
		TargetPID: 99,
	}))

	firstDone := make(chan error, 1)

	go func() {
		firstDone <- ctrl.Reverse(t.Context())
	}()

	<-entered

	// Second request while the first holds the guard.
	err := ctrl.Reverse(t.Context())
	require.ErrorIs(t, err, pivot.ErrReturnInProgress)

	close(release)
	require.NoError(t, <-firstDone)

	// Exactly one reverse swap happened.
	pivots := 0

	for _, call := range fake.recorded() {
		if call == "pivot_root . mnt" {
			pivots++
		}
	}

	assert.Equal(t, 1, pivots)
}

func TestControllerRoundTrip(t *testing.T) {
	fake := newFakeSystem()
	ctrl, store := newTestController(t, fake, pivot.Config{})

	err := ctrl.Forward(t.Context(), "/rootA", "/sbin/init", "http://s/a")
	require.NoError(t, err)

	require.NoError(t, ctrl.Reverse(t.Context()))

	record, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, state.PhaseBootstrap, record.Phase)
	assert.Equal(t, "http://s/a", record.LastImageURL)

	err = ctrl.Forward(t.Context(), "/rootB", "/sbin/init", "http://s/b")
	require.NoError(t, err)

	record, err = store.Load()
	require.NoError(t, err)
	assert.Equal(t, state.PhaseTarget, record.Phase)
	assert.Equal(t, "http://s/b", record.LastImageURL)
}

func TestControllerDispatchStatus(t *testing.T) {
	fake := newFakeSystem()

	var buf bytes.Buffer

	ctrl, store := newTestController(t, fake, pivot.Config{
		StatusWriter: &buf,
	})

	require.NoError(t, store.Save(state.Record{
		Phase:        state.PhaseTarget,
		TargetPID:    99,
		LastImageURL: "http://s/r",
	}))

	ctrl.DispatchSignal(t.Context(), bus.Signal{
		Kind:   bus.KindStatus,
		Source: "cli",
	})
	ctrl.Wait()

	assert.Contains(t, buf.String(), "phase=target")
	assert.Contains(t, buf.String(), "target-pid=99")
}

func TestControllerDispatchLoad(t *testing.T) {
	fake := newFakeSystem()

	loaded := make(chan string, 1)

	ctrl, _ := newTestController(t, fake, pivot.Config{
		LoadImage: func(_ context.Context, url string) error {
			loaded <- url
			return nil
		},
	})

	ctrl.DispatchSignal(t.Context(), bus.Signal{
		Kind:    bus.KindLoad,
		Source:  "cli",
		Payload: "http://s/root.tar.gz",
	})
	ctrl.Wait()

	assert.Equal(t, "http://s/root.tar.gz", <-loaded)

	// Without a payload there is nothing to load.
	ctrl.DispatchSignal(t.Context(), bus.Signal{Kind: bus.KindLoad})
	ctrl.Wait()

	assert.Empty(t, loaded)
}

func TestControllerDispatchReturnCallsHook(t *testing.T) {
	fake := newFakeSystem()

	returned := make(chan struct{}, 1)

	ctrl, store := newTestController(t, fake, pivot.Config{
		OnReturned: func() {
			returned <- struct{}{}
		},
	})

	require.NoError(t, store.Save(state.Record{
		Phase:     state.PhaseTarget,
		TargetPID: 99,
	}))

	ctrl.DispatchSignal(t.Context(), bus.Signal{
		Kind:   bus.KindReturn,
		Source: "serial",
	})
	ctrl.Wait()

	<-returned

	record, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, state.PhaseBootstrap, record.Phase)
}

func TestControllerDispatchReturnInBootstrap(t *testing.T) {
	fake := newFakeSystem()
	ctrl, store := newTestController(t, fake, pivot.Config{})

	ctrl.DispatchSignal(t.Context(), bus.Signal{
		Kind:   bus.KindReturn,
		Source: "evdev:event0",
	})
	ctrl.Wait()

	// Discarded: no swap attempted, state untouched.
	assert.Empty(t, fake.recorded())

	record, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, state.PhaseBootstrap, record.Phase)
}
