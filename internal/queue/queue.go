// Package queue implements the directory-based work queue shared by the
// dispatch services (producers) and the job runner (consumer). The
// filesystem is the coordination medium: bundle creation uses mkdir for
// uniqueness, claiming and finalization use rename for atomicity.
package queue

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/msageha/conduit/internal/jsonio"
	"github.com/msageha/conduit/internal/model"
)

const (
	processingDirName = "_processing"
	processedDirName  = "_processed"
	failedDirName     = "_failed"

	promptFileName = "prompt.md"
	configFileName = "config.toml"
	metaFileName   = "meta.json"
)

// ErrDuplicate reports that a deterministically named bundle already exists
// somewhere in the queue tree. Producers treat re-delivery of the same
// external event as a no-op.
var ErrDuplicate = errors.New("bundle already enqueued")

// Queue is a handle on one queue root directory.
type Queue struct {
	root string
}

// Open ensures the queue root and its lifecycle subdirectories exist.
func Open(root string) (*Queue, error) {
	for _, dir := range []string{root,
		filepath.Join(root, processingDirName),
		filepath.Join(root, processedDirName),
		filepath.Join(root, failedDirName),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("ensure queue dir %s: %w", dir, err)
		}
	}
	return &Queue{root: root}, nil
}

// Root returns the queue root directory.
func (q *Queue) Root() string {
	return q.root
}

// EnqueueRequest describes one bundle to be written into the queue.
type EnqueueRequest struct {
	// Name, when set, is a fully deterministic bundle name (idempotent
	// producers derive it from an upstream identifier). When empty, a
	// timestamp + random suffix is generated.
	Name       string
	Prompt     string
	ConfigTOML string
	Meta       model.Meta
}

// Enqueue writes a new bundle directory atomically under the queue root.
// mkdir without MkdirAll is the collision guard: a second producer with
// the same deterministic name observes ErrDuplicate.
func (q *Queue) Enqueue(req EnqueueRequest) (string, error) {
	name := req.Name
	if name == "" {
		name = fmt.Sprintf("%s_%s", nowCompact(), uuid.NewString()[:12])
	}
	name = model.SanitizeName(name)

	if req.Name != "" && q.exists(name) {
		return name, ErrDuplicate
	}

	bundle := filepath.Join(q.root, name)
	if err := os.Mkdir(bundle, 0755); err != nil {
		if os.IsExist(err) {
			return name, ErrDuplicate
		}
		return "", fmt.Errorf("create bundle %s: %w", bundle, err)
	}

	prompt := strings.TrimRight(req.Prompt, "\n") + "\n"
	if err := os.WriteFile(filepath.Join(bundle, promptFileName), []byte(prompt), 0644); err != nil {
		return "", fmt.Errorf("write prompt: %w", err)
	}
	config := strings.TrimRight(req.ConfigTOML, "\n") + "\n"
	if err := os.WriteFile(filepath.Join(bundle, configFileName), []byte(config), 0644); err != nil {
		return "", fmt.Errorf("write config: %w", err)
	}

	meta := req.Meta
	if meta.TsUTC == "" {
		meta.TsUTC = time.Now().UTC().Format(time.RFC3339)
	}
	if err := jsonio.AtomicWrite(filepath.Join(bundle, metaFileName), meta); err != nil {
		return "", fmt.Errorf("write meta: %w", err)
	}
	return name, nil
}

// EnqueueFlat writes a legacy flat prompt file (no config, no meta) into
// the queue root. Used by producers that predate directory bundles.
func (q *Queue) EnqueueFlat(name, prompt string) (string, error) {
	name = model.SanitizeName(name)
	if !strings.HasSuffix(name, ".md") && !strings.HasSuffix(name, ".txt") {
		name += ".md"
	}
	if q.exists(name) {
		return name, ErrDuplicate
	}

	path := filepath.Join(q.root, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			return name, ErrDuplicate
		}
		return "", fmt.Errorf("create prompt file: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(strings.TrimRight(prompt, "\n") + "\n"); err != nil {
		return "", fmt.Errorf("write prompt file: %w", err)
	}
	return name, nil
}

// Item is a claimed queue entry, already moved into _processing/.
type Item struct {
	Name string
	// Path is the current location under _processing/ (a directory for
	// bundles, a file for flat prompts); Finalize renames it from here.
	Path       string
	PromptPath string
	// ConfigPath is empty when the bundle carries no config.toml.
	ConfigPath string
	Meta       model.Meta
	Flat       bool
}

// ClaimNext selects the oldest ready item and claims it by renaming into
// _processing/. Directory bundles take priority over flat prompt files.
// A rename failure means another consumer got there first (or the item
// vanished); the candidate is skipped, never treated as fatal. Returns
// (nil, nil) when the queue is empty.
func (q *Queue) ClaimNext() (*Item, error) {
	entries, err := os.ReadDir(q.root)
	if err != nil {
		return nil, fmt.Errorf("scan queue: %w", err)
	}

	var dirCandidates, fileCandidates []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, "_") || strings.HasPrefix(name, ".") {
			continue
		}
		if e.IsDir() {
			// Only directories with a prompt inside are valid bundles.
			if _, err := os.Stat(filepath.Join(q.root, name, promptFileName)); err == nil {
				dirCandidates = append(dirCandidates, name)
			}
			continue
		}
		switch strings.ToLower(filepath.Ext(name)) {
		case ".md", ".txt":
			fileCandidates = append(fileCandidates, name)
		}
	}
	sort.Strings(dirCandidates)
	sort.Strings(fileCandidates)

	for _, name := range dirCandidates {
		item, ok := q.claimBundle(name)
		if ok {
			return item, nil
		}
	}
	for _, name := range fileCandidates {
		item, ok := q.claimFlat(name)
		if ok {
			return item, nil
		}
	}
	return nil, nil
}

func (q *Queue) claimBundle(name string) (*Item, bool) {
	src := filepath.Join(q.root, name)
	dst := filepath.Join(q.root, processingDirName, name)
	if err := os.Rename(src, dst); err != nil {
		return nil, false
	}

	item := &Item{
		Name:       name,
		Path:       dst,
		PromptPath: filepath.Join(dst, promptFileName),
	}
	if _, err := os.Stat(filepath.Join(dst, configFileName)); err == nil {
		item.ConfigPath = filepath.Join(dst, configFileName)
	}
	// Malformed meta degrades to the zero value rather than failing the claim.
	var meta model.Meta
	if _, err := jsonio.ReadInto(filepath.Join(dst, metaFileName), &meta); err == nil {
		item.Meta = meta
	}
	item.Meta.StateKey = strings.TrimSpace(item.Meta.StateKey)
	item.Meta.PreCommands = model.SanitizeCommands(item.Meta.PreCommands)
	item.Meta.PostCommands = model.SanitizeCommands(item.Meta.PostCommands)
	return item, true
}

func (q *Queue) claimFlat(name string) (*Item, bool) {
	src := filepath.Join(q.root, name)
	dst := filepath.Join(q.root, processingDirName, name)
	if err := os.Rename(src, dst); err != nil {
		return nil, false
	}
	return &Item{
		Name:       name,
		Path:       dst,
		PromptPath: dst,
		Flat:       true,
	}, true
}

// Finalize routes a claimed item to its terminal directory based on the
// run's exit code. A failed rename leaves the item under _processing/ for
// operator triage; the error is reported but the item is never retried
// automatically.
func (q *Queue) Finalize(item *Item, exitCode int) error {
	target := processedDirName
	if exitCode != 0 {
		target = failedDirName
	}
	dst := filepath.Join(q.root, target, item.Name)
	if err := os.Rename(item.Path, dst); err != nil {
		return fmt.Errorf("finalize %s -> %s: %w", item.Name, target, err)
	}
	return nil
}

// MarkGitPrepared records that the item's git workdir has been prepared,
// so a crash-and-reclaim cycle does not reclone. This is the only in-place
// mutation a bundle ever sees after creation.
func (q *Queue) MarkGitPrepared(item *Item) error {
	if item.Flat {
		return nil
	}
	item.Meta.GitPrepared = true
	return jsonio.AtomicWrite(filepath.Join(item.Path, metaFileName), item.Meta)
}

// Snapshot lists bundle names per lifecycle stage, newest first, bounded
// by limit per stage. Used by the status command and the runs API.
type Snapshot struct {
	Queued     []string `json:"queued"`
	Processing []string `json:"processing"`
	Processed  []string `json:"processed"`
	Failed     []string `json:"failed"`
}

func (q *Queue) Snapshot(limit int) Snapshot {
	return Snapshot{
		Queued:     q.listNames(q.root, limit),
		Processing: q.listNames(filepath.Join(q.root, processingDirName), limit),
		Processed:  q.listNames(filepath.Join(q.root, processedDirName), limit),
		Failed:     q.listNames(filepath.Join(q.root, failedDirName), limit),
	}
}

func (q *Queue) listNames(dir string, limit int) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "_") || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	if limit > 0 && len(names) > limit {
		names = names[:limit]
	}
	return names
}

func (q *Queue) exists(name string) bool {
	for _, dir := range []string{q.root,
		filepath.Join(q.root, processingDirName),
		filepath.Join(q.root, processedDirName),
		filepath.Join(q.root, failedDirName),
	} {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			return true
		}
	}
	return false
}

func nowCompact() string {
	return time.Now().UTC().Format("20060102T150405Z")
}
