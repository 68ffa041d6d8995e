package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AuditEntry is one line of the append-only event log.
type AuditEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	EventType string         `json:"event_type"`
	Data      map[string]any `json:"data,omitempty"`
}

// AuditLogger appends events as JSONL to a log file on the shared volume.
// Subscribe it to a Bus to get a durable trail of queue activity.
type AuditLogger struct {
	mu   sync.Mutex
	file *os.File
}

func NewAuditLogger(logPath string) (*AuditLogger, error) {
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &AuditLogger{file: file}, nil
}

// Record appends one entry. Marshal or write failures are returned but
// callers hooked to a Bus typically treat them as best-effort.
func (l *AuditLogger) Record(e Event) error {
	entry := AuditEntry{
		Timestamp: e.Timestamp,
		EventType: string(e.Type),
		Data:      e.Data,
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

// Attach subscribes the logger to every conduit event type on bus.
// Returns a detach function.
func (l *AuditLogger) Attach(bus *Bus) func() {
	types := []EventType{EventBundleEnqueued, EventItemClaimed, EventItemFinalized, EventRunnerStarted}
	var unsubs []func()
	for _, et := range types {
		unsubs = append(unsubs, bus.Subscribe(et, func(e Event) {
			_ = l.Record(e)
		}))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func (l *AuditLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
