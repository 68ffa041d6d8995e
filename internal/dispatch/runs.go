package dispatch

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/msageha/conduit/internal/agent"
	"github.com/msageha/conduit/internal/jsonio"
	"github.com/msageha/conduit/internal/model"
)

const tailMaxBytes = 200_000

// RunRecord is the durable per-bundle run descriptor under runs/.
type RunRecord struct {
	TsUTC    string `json:"ts_utc"`
	Bundle   string `json:"bundle"`
	Runner   string `json:"runner,omitempty"`
	LogPath  string `json:"log_path,omitempty"`
	ThreadID string `json:"thread_id,omitempty"`
}

// RunStore reads and writes run records and their logs on the shared
// volume. Records are plain JSON files so external pollers can read
// them without conduit.
type RunStore struct {
	dir string
}

func NewRunStore(dir string) (*RunStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create runs dir: %w", err)
	}
	return &RunStore{dir: dir}, nil
}

func (s *RunStore) RecordPath(bundle string) string {
	return filepath.Join(s.dir, model.SanitizeName(bundle)+".json")
}

func (s *RunStore) LogPath(bundle string) string {
	return filepath.Join(s.dir, model.SanitizeName(bundle)+".log")
}

func (s *RunStore) Write(rec RunRecord) error {
	if rec.TsUTC == "" {
		rec.TsUTC = time.Now().UTC().Format(time.RFC3339)
	}
	return jsonio.AtomicWrite(s.RecordPath(rec.Bundle), rec)
}

// Load returns the record for bundle. found is false when no record
// exists; a present but unreadable record is an error.
func (s *RunStore) Load(bundle string) (RunRecord, bool, error) {
	var rec RunRecord
	ok, err := jsonio.ReadInto(s.RecordPath(bundle), &rec)
	if err != nil {
		return rec, true, fmt.Errorf("read run record: %w", err)
	}
	return rec, ok, nil
}

// List returns up to limit records, newest first. Records that fail to
// parse are skipped.
func (s *RunStore) List(limit int) []RunRecord {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))

	var out []RunRecord
	for _, name := range names {
		if len(out) >= limit {
			break
		}
		var rec RunRecord
		if ok, err := jsonio.ReadInto(filepath.Join(s.dir, name), &rec); err != nil || !ok {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// ThreadID resolves the resumable identifier for a bundle, backfilling
// the record from the log on first sight so later lookups are cheap.
func (s *RunStore) ThreadID(bundle string) (string, bool) {
	rec, found, err := s.Load(bundle)
	if err != nil || !found {
		return "", false
	}
	if rec.ThreadID != "" {
		return rec.ThreadID, true
	}

	data, err := os.ReadFile(s.LogPath(bundle))
	if err != nil {
		return "", false
	}
	tid := agent.ExtractThreadID(string(data))
	if tid == "" {
		return "", false
	}
	rec.ThreadID = tid
	// Backfill is best-effort; the id is still served from the log.
	_ = s.Write(rec)
	return tid, true
}

// FindRollout locates the CLI's session transcript for a thread id: the
// newest file under sessionsDir (searched recursively) whose name ends
// with the id. The CLI names rollout files with the conversation id as
// the final component before the extension.
func FindRollout(sessionsDir, threadID string) (string, bool) {
	suffix := threadID + ".jsonl"
	var newest string
	var newestMod time.Time
	_ = filepath.WalkDir(sessionsDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(d.Name(), suffix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if newest == "" || info.ModTime().After(newestMod) {
			newest = path
			newestMod = info.ModTime()
		}
		return nil
	})
	return newest, newest != ""
}

// Tail is one bounded read of a growing log file.
type Tail struct {
	Exists     bool   `json:"exists"`
	Offset     int64  `json:"offset"`
	NextOffset int64  `json:"next_offset"`
	Size       int64  `json:"size"`
	EOF        bool   `json:"eof"`
	Content    string `json:"content"`
}

// ReadTail reads up to maxBytes from path starting at offset. maxBytes
// clamps to [1, 200000]; offsets beyond EOF clamp to the file size.
func ReadTail(path string, offset int64, maxBytes int64) Tail {
	if offset < 0 {
		offset = 0
	}
	maxBytes = clampBytes(maxBytes)

	data, err := os.ReadFile(path)
	if err != nil {
		return Tail{Offset: offset, NextOffset: offset, EOF: true}
	}
	size := int64(len(data))
	if offset > size {
		offset = size
	}
	end := offset + maxBytes
	if end > size {
		end = size
	}
	chunk := data[offset:end]
	return Tail{
		Exists:     true,
		Offset:     offset,
		NextOffset: offset + int64(len(chunk)),
		Size:       size,
		EOF:        offset+int64(len(chunk)) >= size,
		Content:    string(chunk),
	}
}

// ReadLastBytes returns the trailing maxBytes of path, clamped like
// ReadTail.
func ReadLastBytes(path string, maxBytes int64) []byte {
	maxBytes = clampBytes(maxBytes)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	if int64(len(data)) <= maxBytes {
		return data
	}
	return data[int64(len(data))-maxBytes:]
}

func clampBytes(n int64) int64 {
	if n < 1 {
		return 1
	}
	if n > tailMaxBytes {
		return tailMaxBytes
	}
	return n
}

// ParseEvents extracts the JSON objects from JSONL text, skipping any
// line that is not an object.
func ParseEvents(text string) []json.RawMessage {
	events := []json.RawMessage{}
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "{") {
			continue
		}
		var obj map[string]any
		if err := json.Unmarshal([]byte(trimmed), &obj); err != nil {
			continue
		}
		events = append(events, json.RawMessage(trimmed))
	}
	return events
}

// LastJSONLine returns the last JSON object line in text, or nil.
func LastJSONLine(text string) json.RawMessage {
	lines := strings.Split(text, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		trimmed := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(trimmed, "{") {
			continue
		}
		var obj map[string]any
		if err := json.Unmarshal([]byte(trimmed), &obj); err != nil {
			continue
		}
		return json.RawMessage(trimmed)
	}
	return nil
}
