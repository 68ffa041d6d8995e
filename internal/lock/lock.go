// Package lock provides the mutual-exclusion primitives used across conduit:
// an in-process per-key mutex map, a flock-based singleton guard, and the
// directory lock that serializes runner batches on the shared volume.
package lock

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"
)

type MutexMap struct {
	mu      sync.Mutex
	mutexes map[string]*sync.Mutex
}

func NewMutexMap() *MutexMap {
	return &MutexMap{
		mutexes: make(map[string]*sync.Mutex),
	}
}

func (m *MutexMap) Lock(key string) {
	m.getMutex(key).Lock()
}

func (m *MutexMap) Unlock(key string) {
	m.getMutex(key).Unlock()
}

func (m *MutexMap) getMutex(key string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	if mu, ok := m.mutexes[key]; ok {
		return mu
	}
	mu := &sync.Mutex{}
	m.mutexes[key] = mu
	return mu
}

// FileLock is a flock-based guard for long-lived singleton processes
// (one watch daemon per host). flock does not travel across hosts that
// share the volume over SMB; cross-host exclusion uses DirLock.
type FileLock struct {
	path string
	file *os.File
}

func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

func (fl *FileLock) TryLock() error {
	if err := os.MkdirAll(filepath.Dir(fl.path), 0755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(fl.path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return fmt.Errorf("acquire lock (another watcher may be running): %w", err)
	}

	if err := f.Truncate(0); err != nil {
		syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
		return fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
		return fmt.Errorf("write PID to lock file: %w", err)
	}
	if err := f.Sync(); err != nil {
		syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
		return fmt.Errorf("sync lock file: %w", err)
	}

	fl.file = f
	return nil
}

func (fl *FileLock) Unlock() error {
	if fl.file == nil {
		return nil
	}

	if err := syscall.Flock(int(fl.file.Fd()), syscall.LOCK_UN); err != nil {
		fl.file.Close()
		return fmt.Errorf("release lock: %w", err)
	}

	if err := fl.file.Close(); err != nil {
		return fmt.Errorf("close lock file: %w", err)
	}

	os.Remove(fl.path)
	fl.file = nil
	return nil
}

// DirLock is a directory-existence lock on a shared volume. mkdir is the
// atomicity boundary: exactly one caller observes success. The lock is
// keyed so independent runner deployments (distinct state keys) never
// contend with each other.
type DirLock struct {
	path string
	key  string
}

// DirLockMeta is diagnostic content written into the lock directory.
// The directory's existence is the lock signal; the meta file is not.
type DirLockMeta struct {
	TsUTC string `json:"ts_utc"`
	PID   int    `json:"pid"`
	Host  string `json:"host"`
	Key   string `json:"key"`
}

const acquirePollInterval = 2 * time.Second

// Acquire attempts exclusive creation of the lock directory for key under
// locksDir. A fresh lock held elsewhere is waited on up to wait; a lock
// older than staleAfter is presumed abandoned by a crashed owner, removed,
// and re-acquired. Returns (nil, nil) when the lock could not be acquired
// within the wait window: callers must treat that as "skip this run, try
// again later", not as a failure.
func Acquire(locksDir, key string, wait, staleAfter time.Duration) (*DirLock, error) {
	if err := os.MkdirAll(locksDir, 0755); err != nil {
		return nil, fmt.Errorf("create locks dir: %w", err)
	}
	path := filepath.Join(locksDir, key+".lock")
	deadline := time.Now().Add(wait)

	for {
		err := os.Mkdir(path, 0755)
		if err == nil {
			l := &DirLock{path: path, key: key}
			l.writeMeta()
			return l, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("create lock %s: %w", path, err)
		}

		if lockAge(path) > staleAfter {
			// Previous owner presumed dead; force recovery. Two callers
			// can race the removal; both retry mkdir and one wins.
			_ = os.RemoveAll(path)
			continue
		}

		if time.Now().After(deadline) {
			return nil, nil
		}
		time.Sleep(acquirePollInterval)
	}
}

// Release removes the lock directory and all contents. Must run on every
// exit path of the critical section; callers defer it right after Acquire.
func (l *DirLock) Release() {
	if l == nil {
		return
	}
	_ = os.RemoveAll(l.path)
}

// Path returns the lock directory path.
func (l *DirLock) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

func (l *DirLock) writeMeta() {
	host, _ := os.Hostname()
	meta := DirLockMeta{
		TsUTC: time.Now().UTC().Format(time.RFC3339),
		PID:   os.Getpid(),
		Host:  host,
		Key:   l.key,
	}
	content, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return
	}
	// Best-effort: losing the meta file loses diagnostics, not correctness.
	_ = os.WriteFile(filepath.Join(l.path, "meta.json"), append(content, '\n'), 0644)
}

func lockAge(path string) time.Duration {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return time.Since(info.ModTime())
}
