package queue

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/msageha/conduit/internal/model"
)

func openQueue(t *testing.T) *Queue {
	t.Helper()
	q, err := Open(filepath.Join(t.TempDir(), "queue"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return q
}

func TestEnqueue_WritesBundleShape(t *testing.T) {
	q := openQueue(t)

	name, err := q.Enqueue(EnqueueRequest{
		Prompt:     "hello",
		ConfigTOML: "model = \"test\"",
		Meta:       model.Meta{StateKey: "key1"},
	})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	bundle := filepath.Join(q.Root(), name)
	prompt, err := os.ReadFile(filepath.Join(bundle, "prompt.md"))
	if err != nil {
		t.Fatalf("prompt.md missing: %v", err)
	}
	if string(prompt) != "hello\n" {
		t.Errorf("prompt content: %q", prompt)
	}
	for _, f := range []string{"config.toml", "meta.json"} {
		if _, err := os.Stat(filepath.Join(bundle, f)); err != nil {
			t.Errorf("%s missing: %v", f, err)
		}
	}
}

func TestEnqueue_DeterministicNameIdempotent(t *testing.T) {
	q := openQueue(t)

	req := EnqueueRequest{Name: "20260101T000000Z_update_42", Prompt: "p", ConfigTOML: "c"}
	if _, err := q.Enqueue(req); err != nil {
		t.Fatalf("first Enqueue failed: %v", err)
	}
	if _, err := q.Enqueue(req); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("second Enqueue: got %v, want ErrDuplicate", err)
	}

	snap := q.Snapshot(0)
	if len(snap.Queued) != 1 {
		t.Errorf("expected exactly one bundle, got %v", snap.Queued)
	}
}

func TestEnqueue_DuplicateDetectedAfterClaim(t *testing.T) {
	q := openQueue(t)

	req := EnqueueRequest{Name: "bundle_77", Prompt: "p", ConfigTOML: "c"}
	if _, err := q.Enqueue(req); err != nil {
		t.Fatal(err)
	}
	item, err := q.ClaimNext()
	if err != nil || item == nil {
		t.Fatalf("claim failed: %v", err)
	}

	// Re-delivery after the original moved to _processing/ is still a dup.
	if _, err := q.Enqueue(req); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("got %v, want ErrDuplicate", err)
	}
}

func TestClaimNext_EmptyQueue(t *testing.T) {
	q := openQueue(t)

	item, err := q.ClaimNext()
	if err != nil {
		t.Fatalf("ClaimNext errored on empty queue: %v", err)
	}
	if item != nil {
		t.Fatalf("expected no item, got %+v", item)
	}
}

func TestClaimNext_OldestFirst(t *testing.T) {
	q := openQueue(t)

	for _, name := range []string{"20260102T000000Z_b", "20260101T000000Z_a"} {
		if _, err := q.Enqueue(EnqueueRequest{Name: name, Prompt: "p", ConfigTOML: "c"}); err != nil {
			t.Fatal(err)
		}
	}

	item, err := q.ClaimNext()
	if err != nil || item == nil {
		t.Fatalf("claim failed: %v", err)
	}
	if item.Name != "20260101T000000Z_a" {
		t.Errorf("claimed %q, want oldest", item.Name)
	}
}

func TestClaimNext_PrefersBundlesOverFlatFiles(t *testing.T) {
	q := openQueue(t)

	if _, err := q.EnqueueFlat("aaa_legacy", "old style"); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Enqueue(EnqueueRequest{Name: "zzz_bundle", Prompt: "p", ConfigTOML: "c"}); err != nil {
		t.Fatal(err)
	}

	item, err := q.ClaimNext()
	if err != nil || item == nil {
		t.Fatalf("claim failed: %v", err)
	}
	if item.Flat || item.Name != "zzz_bundle" {
		t.Errorf("expected bundle claimed first, got %+v", item)
	}
}

func TestClaimNext_FlatFileDefaults(t *testing.T) {
	q := openQueue(t)

	if _, err := q.EnqueueFlat("from_chat_99", "do the thing"); err != nil {
		t.Fatal(err)
	}

	item, err := q.ClaimNext()
	if err != nil || item == nil {
		t.Fatalf("claim failed: %v", err)
	}
	if !item.Flat {
		t.Error("expected flat item")
	}
	if item.ConfigPath != "" {
		t.Errorf("flat item must have no config: %q", item.ConfigPath)
	}
	if item.Meta.StateKey != "" || item.Meta.Fork {
		t.Errorf("flat item must carry default meta: %+v", item.Meta)
	}
}

func TestClaimNext_SkipsBundleWithoutPrompt(t *testing.T) {
	q := openQueue(t)

	// A directory that looks like a bundle but lacks prompt.md.
	if err := os.MkdirAll(filepath.Join(q.Root(), "broken_bundle"), 0755); err != nil {
		t.Fatal(err)
	}

	item, err := q.ClaimNext()
	if err != nil {
		t.Fatalf("ClaimNext errored: %v", err)
	}
	if item != nil {
		t.Fatalf("invalid candidate should be skipped, got %+v", item)
	}
}

func TestClaimNext_MalformedMetaDegrades(t *testing.T) {
	q := openQueue(t)

	name, err := q.Enqueue(EnqueueRequest{Name: "bundle_meta", Prompt: "p", ConfigTOML: "c"})
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(q.Root(), name, "meta.json"), []byte("{nope"), 0644); err != nil {
		t.Fatal(err)
	}

	item, err := q.ClaimNext()
	if err != nil || item == nil {
		t.Fatalf("claim failed: %v", err)
	}
	if item.Meta.StateKey != "" {
		t.Errorf("malformed meta should degrade to zero value: %+v", item.Meta)
	}
}

func TestClaim_AtomicUnderRace(t *testing.T) {
	q := openQueue(t)

	if _, err := q.Enqueue(EnqueueRequest{Name: "contested", Prompt: "p", ConfigTOML: "c"}); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	results := make([]*Item, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			item, err := q.ClaimNext()
			if err != nil {
				t.Errorf("ClaimNext errored: %v", err)
				return
			}
			results[i] = item
		}(i)
	}
	wg.Wait()

	claimed := 0
	for _, r := range results {
		if r != nil {
			claimed++
		}
	}
	if claimed != 1 {
		t.Errorf("exactly one racer must win the claim, got %d", claimed)
	}
}

func TestFinalize_Routing(t *testing.T) {
	q := openQueue(t)

	for name, exit := range map[string]int{"ok_item": 0, "bad_item": 1} {
		if _, err := q.Enqueue(EnqueueRequest{Name: name, Prompt: "p", ConfigTOML: "c"}); err != nil {
			t.Fatal(err)
		}
		item, err := q.ClaimNext()
		if err != nil || item == nil {
			t.Fatalf("claim failed: %v", err)
		}
		if err := q.Finalize(item, exit); err != nil {
			t.Fatalf("Finalize failed: %v", err)
		}
	}

	snap := q.Snapshot(0)
	if len(snap.Processing) != 0 {
		t.Errorf("nothing should remain processing: %v", snap.Processing)
	}
	if len(snap.Processed) != 1 || snap.Processed[0] != "ok_item" {
		t.Errorf("processed: %v", snap.Processed)
	}
	if len(snap.Failed) != 1 || snap.Failed[0] != "bad_item" {
		t.Errorf("failed: %v", snap.Failed)
	}
}

func TestMarkGitPrepared_Persists(t *testing.T) {
	q := openQueue(t)

	if _, err := q.Enqueue(EnqueueRequest{
		Name: "git_item", Prompt: "p", ConfigTOML: "c",
		Meta: model.Meta{GitRepo: "https://example.com/r.git", GitBranch: "work"},
	}); err != nil {
		t.Fatal(err)
	}
	item, err := q.ClaimNext()
	if err != nil || item == nil {
		t.Fatalf("claim failed: %v", err)
	}
	if err := q.MarkGitPrepared(item); err != nil {
		t.Fatalf("MarkGitPrepared failed: %v", err)
	}

	// Simulate crash-and-reclaim: move back to the root and claim again.
	back := filepath.Join(q.Root(), item.Name)
	if err := os.Rename(item.Path, back); err != nil {
		t.Fatal(err)
	}
	again, err := q.ClaimNext()
	if err != nil || again == nil {
		t.Fatalf("reclaim failed: %v", err)
	}
	if !again.Meta.GitPrepared {
		t.Error("git_prepared should survive reclaim")
	}
}
