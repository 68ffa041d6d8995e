package runner

import (
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/msageha/conduit/internal/lock"
	"github.com/msageha/conduit/internal/model"
)

func TestWatcherDrainsOnEnqueueAndStopsOnSignal(t *testing.T) {
	env := newTestEnv(t, okBody)
	env.runner.cfg.Runner.ScanIntervalSec = 1

	w := NewWatcher(env.runner)
	done := make(chan error, 1)
	go func() { done <- w.Run() }()

	// Wait for the watcher to hold its singleton lock before enqueueing.
	lockPath := filepath.Join(env.cfg.Lock.Dir, "watch.lock")
	require.Eventually(t, func() bool {
		fl := lock.NewFileLock(lockPath)
		if fl.TryLock() == nil {
			fl.Unlock()
			return false
		}
		return true
	}, 3*time.Second, 20*time.Millisecond, "watcher should hold the lock")

	bundle := env.enqueue(t, "", model.Meta{StateKey: "proj"})
	require.Eventually(t, func() bool {
		snap := env.queue.Snapshot(10)
		return len(snap.Processed) == 1 && snap.Processed[0] == bundle
	}, 5*time.Second, 50*time.Millisecond, "enqueue should wake the drain loop")

	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGTERM))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop on SIGTERM")
	}
}

func TestWatcherShutdownAfterStopIsNoop(t *testing.T) {
	env := newTestEnv(t, okBody)

	w := NewWatcher(env.runner)
	done := make(chan error, 1)
	go func() { done <- w.Run() }()

	lockPath := filepath.Join(env.cfg.Lock.Dir, "watch.lock")
	require.Eventually(t, func() bool {
		fl := lock.NewFileLock(lockPath)
		if fl.TryLock() == nil {
			fl.Unlock()
			return false
		}
		return true
	}, 3*time.Second, 20*time.Millisecond, "watcher should hold the lock")

	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGTERM))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop on SIGTERM")
	}

	// The fsnotify watcher is closed exactly once by Shutdown; calling
	// it again after Run has returned must not close a second time.
	finished := make(chan struct{})
	go func() {
		w.Shutdown()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("repeat Shutdown did not return")
	}
}

func TestWatcherSingleton(t *testing.T) {
	env := newTestEnv(t, okBody)

	fl := lock.NewFileLock(filepath.Join(env.cfg.Lock.Dir, "watch.lock"))
	require.NoError(t, fl.TryLock())
	defer fl.Unlock()

	w := NewWatcher(env.runner)
	err := w.Run()
	require.Error(t, err)
	require.Contains(t, err.Error(), "watch lock")
}
