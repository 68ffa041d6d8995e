package runner

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/msageha/conduit/internal/lock"
	"github.com/msageha/conduit/internal/logx"
)

// Watcher keeps a resident runner: queue filesystem events and a
// periodic ticker both trigger a drain. A process file lock makes the
// watcher a singleton per volume.
type Watcher struct {
	runner   *Runner
	log      *logx.Logger
	fileLock *lock.FileLock
	watcher  *fsnotify.Watcher
	ticker   *time.Ticker

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown sync.Once

	// wake coalesces bursts of filesystem events into one drain.
	wake chan struct{}
}

func NewWatcher(r *Runner) *Watcher {
	ctx, cancel := context.WithCancel(context.Background())

	scanInterval := r.cfg.Runner.ScanIntervalSec
	if scanInterval <= 0 {
		scanInterval = 10
	}

	return &Watcher{
		runner:   r,
		log:      r.log,
		fileLock: lock.NewFileLock(filepath.Join(r.cfg.Lock.Dir, "watch.lock")),
		ticker:   time.NewTicker(time.Duration(scanInterval) * time.Second),
		ctx:      ctx,
		cancel:   cancel,
		wake:     make(chan struct{}, 1),
	}
}

// Run blocks until a shutdown signal arrives. It fails fast when
// another watcher already holds the singleton lock.
func (w *Watcher) Run() error {
	if err := w.fileLock.TryLock(); err != nil {
		return fmt.Errorf("watch lock: %w", err)
	}
	defer w.fileLock.Unlock()
	w.log.Log(logx.LevelInfo, "watch starting pid=%d", os.Getpid())

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	// Shutdown owns the watcher close so it happens exactly once.
	w.watcher = watcher

	queueDir := w.runner.queue.Root()
	if err := watcher.Add(queueDir); err != nil {
		w.Shutdown()
		return fmt.Errorf("watch %s: %w", queueDir, err)
	}

	w.wg.Add(2)
	go w.fsnotifyLoop()
	go w.drainLoop()

	// Initial drain picks up anything queued before the watcher started.
	w.trigger()
	w.log.Log(logx.LevelInfo, "watch ready dir=%s", queueDir)

	w.waitSignals()
	return nil
}

func (w *Watcher) fsnotifyLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				w.log.Log(logx.LevelDebug, "fsnotify event=%s file=%s", event.Op, event.Name)
				w.trigger()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Log(logx.LevelError, "fsnotify error=%v", err)
		}
	}
}

func (w *Watcher) drainLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.ticker.C:
			w.drain()
		case <-w.wake:
			w.drain()
		}
	}
}

func (w *Watcher) drain() {
	if rc, err := w.runner.RunOnce(w.ctx); err != nil {
		w.log.Log(logx.LevelError, "drain error=%v", err)
	} else if rc != 0 {
		w.log.Log(logx.LevelWarn, "drain rc=%d", rc)
	}
}

func (w *Watcher) trigger() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Watcher) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigCh
	w.log.Log(logx.LevelInfo, "received signal=%s, shutting down", sig)
	w.Shutdown()
}

// Shutdown stops the loops and waits for an in-flight drain to finish.
func (w *Watcher) Shutdown() {
	w.shutdown.Do(func() {
		w.cancel()
		w.ticker.Stop()
		if w.watcher != nil {
			w.watcher.Close()
		}
		w.wg.Wait()
		w.log.Log(logx.LevelInfo, "watch stopped")
	})
}
