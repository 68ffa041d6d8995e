package status

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/msageha/conduit/internal/lock"
	"github.com/msageha/conduit/internal/model"
	"github.com/msageha/conduit/internal/queue"
	"github.com/msageha/conduit/internal/state"
)

func testConfig(t *testing.T) model.Config {
	t.Helper()
	root := t.TempDir()
	cfg := model.DefaultConfig()
	cfg.Volume.Root = root
	cfg.Volume.StateDir = root
	cfg.Queue.Dir = filepath.Join(root, "prompts", "queue")
	cfg.Lock.Dir = filepath.Join(root, "locks")
	return cfg
}

func TestRunEmptyVolume(t *testing.T) {
	cfg := testConfig(t)
	var buf bytes.Buffer
	require.NoError(t, Run(cfg, &buf, false))
	require.Contains(t, buf.String(), "Watch:  not running")
	require.Contains(t, buf.String(), "0 queued, 0 processing, 0 processed, 0 failed")
}

func TestRunReportsQueueAndSessions(t *testing.T) {
	cfg := testConfig(t)

	q, err := queue.Open(cfg.Queue.Dir)
	require.NoError(t, err)
	bundle, err := q.Enqueue(queue.EnqueueRequest{Name: "20240101T000000Z_job", Prompt: "p"})
	require.NoError(t, err)

	store := state.NewStore(cfg.Volume.StateDir)
	require.NoError(t, store.Save("proj", model.SessionState{ThreadID: "th_1"}))

	var buf bytes.Buffer
	require.NoError(t, Run(cfg, &buf, false))
	out := buf.String()
	require.Contains(t, out, "queued      "+bundle)
	require.Contains(t, out, "proj  thread th_1")
}

func TestRunJSONIncludesHeldLock(t *testing.T) {
	cfg := testConfig(t)

	held, err := lock.Acquire(cfg.Lock.Dir, "proj", time.Second, time.Hour)
	require.NoError(t, err)
	require.NotNil(t, held)
	defer held.Release()

	var buf bytes.Buffer
	require.NoError(t, Run(cfg, &buf, true))

	var st VolumeStatus
	require.NoError(t, json.Unmarshal(buf.Bytes(), &st))
	require.Len(t, st.Locks, 1)
	require.Equal(t, "proj", st.Locks[0].Key)
	require.NotEmpty(t, st.Locks[0].Host)
	require.False(t, st.Watch.Running)
}

func TestCheckWatchDetectsHolder(t *testing.T) {
	cfg := testConfig(t)
	path := filepath.Join(cfg.Lock.Dir, "watch.lock")

	fl := lock.NewFileLock(path)
	require.NoError(t, fl.TryLock())
	defer fl.Unlock()

	ws := checkWatch(path)
	require.True(t, ws.Running)
	require.NotEmpty(t, ws.Pid)
}
