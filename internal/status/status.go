// Package status reports the observable state of a conduit volume: queue
// depth per lifecycle stage, the resident watch daemon, held runner
// locks, and persisted sessions.
package status

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/msageha/conduit/internal/jsonio"
	"github.com/msageha/conduit/internal/lock"
	"github.com/msageha/conduit/internal/model"
	"github.com/msageha/conduit/internal/queue"
	"github.com/msageha/conduit/internal/state"
)

type VolumeStatus struct {
	Watch    WatchStatus     `json:"watch"`
	Queue    queue.Snapshot  `json:"queue"`
	Locks    []LockStatus    `json:"locks,omitempty"`
	Sessions []SessionStatus `json:"sessions,omitempty"`
}

type WatchStatus struct {
	Running bool   `json:"running"`
	Pid     string `json:"pid,omitempty"`
}

// LockStatus describes one held runner lock directory.
type LockStatus struct {
	Key   string `json:"key"`
	TsUTC string `json:"ts_utc,omitempty"`
	Host  string `json:"host,omitempty"`
	Pid   int    `json:"pid,omitempty"`
}

type SessionStatus struct {
	Key      string `json:"key"`
	ThreadID string `json:"thread_id"`
}

const snapshotLimit = 20

// Run collects the volume status and prints it to w.
func Run(cfg model.Config, w io.Writer, jsonOutput bool) error {
	q, err := queue.Open(cfg.Queue.Dir)
	if err != nil {
		return err
	}

	st := VolumeStatus{
		Watch:    checkWatch(filepath.Join(cfg.Lock.Dir, "watch.lock")),
		Queue:    q.Snapshot(snapshotLimit),
		Locks:    heldLocks(cfg.Lock.Dir),
		Sessions: sessions(cfg.Volume.StateDir),
	}

	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}
	printStatus(w, st)
	return nil
}

// checkWatch probes the watch daemon's flock. A successful probe means no
// daemon holds it; a failed probe means one is alive, with its PID in the
// lock file.
func checkWatch(path string) WatchStatus {
	probe := lock.NewFileLock(path)
	if err := probe.TryLock(); err == nil {
		probe.Unlock()
		return WatchStatus{Running: false}
	}
	ws := WatchStatus{Running: true}
	if data, err := os.ReadFile(path); err == nil {
		ws.Pid = strings.TrimSpace(string(data))
	}
	return ws
}

func heldLocks(locksDir string) []LockStatus {
	entries, err := os.ReadDir(locksDir)
	if err != nil {
		return nil
	}
	var locks []LockStatus
	for _, e := range entries {
		if !e.IsDir() || !strings.HasSuffix(e.Name(), ".lock") {
			continue
		}
		ls := LockStatus{Key: strings.TrimSuffix(e.Name(), ".lock")}
		var meta lock.DirLockMeta
		if _, err := jsonio.ReadInto(filepath.Join(locksDir, e.Name(), "meta.json"), &meta); err == nil {
			ls.TsUTC = meta.TsUTC
			ls.Host = meta.Host
			ls.Pid = meta.PID
		}
		locks = append(locks, ls)
	}
	return locks
}

func sessions(stateDir string) []SessionStatus {
	entries, err := os.ReadDir(stateDir)
	if err != nil {
		return nil
	}
	store := state.NewStore(stateDir)
	var out []SessionStatus
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "state_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		key := strings.TrimSuffix(strings.TrimPrefix(name, "state_"), ".json")
		st := store.Load(key)
		if st.ThreadID == "" {
			continue
		}
		out = append(out, SessionStatus{Key: key, ThreadID: st.ThreadID})
	}
	return out
}

func printStatus(w io.Writer, st VolumeStatus) {
	if st.Watch.Running {
		if st.Watch.Pid != "" {
			fmt.Fprintf(w, "Watch:  running (pid %s)\n", st.Watch.Pid)
		} else {
			fmt.Fprintln(w, "Watch:  running")
		}
	} else {
		fmt.Fprintln(w, "Watch:  not running")
	}

	fmt.Fprintf(w, "Queue:  %d queued, %d processing, %d processed, %d failed\n",
		len(st.Queue.Queued), len(st.Queue.Processing), len(st.Queue.Processed), len(st.Queue.Failed))
	for _, name := range st.Queue.Queued {
		fmt.Fprintf(w, "  queued      %s\n", name)
	}
	for _, name := range st.Queue.Processing {
		fmt.Fprintf(w, "  processing  %s\n", name)
	}

	if len(st.Locks) > 0 {
		fmt.Fprintln(w, "Locks:")
		for _, l := range st.Locks {
			if l.Host != "" {
				fmt.Fprintf(w, "  %s  held by %s pid %d since %s\n", l.Key, l.Host, l.Pid, l.TsUTC)
			} else {
				fmt.Fprintf(w, "  %s\n", l.Key)
			}
		}
	}

	if len(st.Sessions) > 0 {
		fmt.Fprintln(w, "Sessions:")
		for _, s := range st.Sessions {
			fmt.Fprintf(w, "  %s  thread %s\n", s.Key, s.ThreadID)
		}
	}
}
