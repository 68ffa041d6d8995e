package gitprep

import (
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
}

// makeOrigin builds a local origin repository with one commit on main.
func makeOrigin(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "origin")
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
		)
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	run("init", "-b", "main")
	if err := os.WriteFile(filepath.Join(dir, "README"), []byte("origin\n"), 0644); err != nil {
		t.Fatal(err)
	}
	run("add", ".")
	run("commit", "-m", "initial")
	return dir
}

func TestPrepare_CloneAndBranch(t *testing.T) {
	requireGit(t)
	origin := makeOrigin(t)
	workdir := t.TempDir()

	p := &Preparer{Stderr: io.Discard}
	repoDir, err := p.Prepare(context.Background(), Request{
		Workdir: workdir,
		RepoURL: origin,
		Branch:  "job-1",
		Base:    "main",
	})
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if repoDir != filepath.Join(workdir, "repo") {
		t.Errorf("repoDir: %s", repoDir)
	}
	if _, err := os.Stat(filepath.Join(repoDir, ".git")); err != nil {
		t.Fatalf(".git missing: %v", err)
	}

	out, err := exec.Command("git", "-C", repoDir, "branch", "--show-current").Output()
	if err != nil {
		t.Fatal(err)
	}
	if got := string(out); got != "job-1\n" {
		t.Errorf("current branch: %q", got)
	}
}

func TestPrepare_SecondRunFetches(t *testing.T) {
	requireGit(t)
	origin := makeOrigin(t)
	workdir := t.TempDir()

	p := &Preparer{Stderr: io.Discard}
	req := Request{Workdir: workdir, RepoURL: origin, Branch: "job-1", Base: "main"}
	if _, err := p.Prepare(context.Background(), req); err != nil {
		t.Fatalf("first Prepare failed: %v", err)
	}
	// Second run against the same origin must reuse the clone.
	if _, err := p.Prepare(context.Background(), req); err != nil {
		t.Fatalf("second Prepare failed: %v", err)
	}
}

func TestPrepare_UnsafeCloneDirFallsBack(t *testing.T) {
	requireGit(t)
	origin := makeOrigin(t)
	workdir := t.TempDir()

	p := &Preparer{Stderr: io.Discard}
	repoDir, err := p.Prepare(context.Background(), Request{
		Workdir:     workdir,
		RepoURL:     origin,
		Branch:      "job-1",
		CloneDirRel: "../escape",
	})
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if repoDir != filepath.Join(workdir, "repo") {
		t.Errorf("unsafe clone dir should fall back to repo/: %s", repoDir)
	}
}

func TestPrepare_TokenNeverInArgs(t *testing.T) {
	requireGit(t)
	origin := makeOrigin(t)
	workdir := t.TempDir()

	p := &Preparer{Token: "sekret", Stderr: io.Discard}
	if _, err := p.Prepare(context.Background(), Request{
		Workdir: workdir,
		RepoURL: origin,
		Branch:  "job-1",
	}); err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}

	helper, err := os.ReadFile(filepath.Join(workdir, ".git-askpass.sh"))
	if err != nil {
		t.Fatalf("askpass helper missing: %v", err)
	}
	if string(helper) != askpassScript {
		t.Error("askpass helper content unexpected")
	}
	// The token reaches git only via the environment.
	if os.Getenv("CONDUIT_GIT_TOKEN") != "" {
		t.Error("token leaked into test process environment")
	}
}
