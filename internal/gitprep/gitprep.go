// Package gitprep prepares a git working tree for a queued job: clone or
// refresh a repository into a workdir subdirectory and create a fresh
// branch from a remote base ref. All git operations run as subprocesses.
package gitprep

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/msageha/conduit/internal/model"
)

// Preparer holds the credential and output wiring shared by all git runs
// within one batch.
type Preparer struct {
	// Token, when set, is delivered through a one-shot GIT_ASKPASS helper
	// script so it never appears on a command line or in process listings.
	Token  string
	Stderr io.Writer
}

// Request describes one preparation.
type Request struct {
	Workdir     string
	RepoURL     string
	Branch      string
	Base        string
	CloneDirRel string
}

const askpassScript = `#!/usr/bin/env sh
case "$1" in
  *Username*) echo "x-access-token" ;;
  *Password*) echo "$CONDUIT_GIT_TOKEN" ;;
  *) echo "" ;;
esac
`

// Prepare clones (or fetches and resets) the repository and checks out a
// local branch freshly based on origin/<base>, falling back to origin/main
// when the base ref does not exist. Returns the repository directory.
func (p *Preparer) Prepare(ctx context.Context, req Request) (string, error) {
	cloneRel := "repo"
	if rel, ok := model.SafeRelPath(req.CloneDirRel); ok {
		cloneRel = rel
	}
	repoDir := filepath.Join(req.Workdir, cloneRel)
	if err := os.MkdirAll(filepath.Dir(repoDir), 0755); err != nil {
		return "", fmt.Errorf("create clone parent: %w", err)
	}

	env := append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	if p.Token != "" {
		askpass := filepath.Join(req.Workdir, ".git-askpass.sh")
		if err := os.WriteFile(askpass, []byte(askpassScript), 0700); err != nil {
			return "", fmt.Errorf("write askpass helper: %w", err)
		}
		env = append(env, "GIT_ASKPASS="+askpass, "CONDUIT_GIT_TOKEN="+p.Token)
	}

	if _, err := os.Stat(filepath.Join(repoDir, ".git")); err != nil {
		// Clean any non-git leftovers at the target before cloning.
		_ = os.RemoveAll(repoDir)
		if err := p.run(ctx, filepath.Dir(repoDir), env, "clone", "--no-tags", req.RepoURL, repoDir); err != nil {
			return "", fmt.Errorf("clone: %w", err)
		}
	} else {
		origin, _ := p.output(ctx, repoDir, env, "remote", "get-url", "origin")
		if origin != "" && origin != req.RepoURL {
			// Origin mismatch: the workdir was prepared for another repo.
			_ = os.RemoveAll(repoDir)
			if err := p.run(ctx, filepath.Dir(repoDir), env, "clone", "--no-tags", req.RepoURL, repoDir); err != nil {
				return "", fmt.Errorf("reclone: %w", err)
			}
		} else {
			if err := p.run(ctx, repoDir, env, "fetch", "--prune", "origin"); err != nil {
				return "", fmt.Errorf("fetch: %w", err)
			}
		}
	}

	base := req.Base
	if base == "" {
		base = "main"
	}
	baseRef := "origin/" + base
	if err := p.run(ctx, repoDir, env, "rev-parse", "--verify", baseRef); err != nil {
		baseRef = "origin/main"
	}

	if err := p.run(ctx, repoDir, env, "checkout", "-B", req.Branch, baseRef); err != nil {
		return "", fmt.Errorf("checkout %s from %s: %w", req.Branch, baseRef, err)
	}
	return repoDir, nil
}

func (p *Preparer) run(ctx context.Context, cwd string, env []string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = cwd
	cmd.Env = env
	cmd.Stdout = p.Stderr
	cmd.Stderr = p.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return nil
}

func (p *Preparer) output(ctx context.Context, cwd string, env []string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = cwd
	cmd.Env = env
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return strings.TrimSpace(string(out)), nil
}
