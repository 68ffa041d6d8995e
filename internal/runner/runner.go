// Package runner drains the work queue: it claims bundles one at a
// time under the shared volume lock, invokes the AI CLI per bundle and
// persists the resumable session id. One runner process handles one
// batch; dispatch services start runners on demand and watch mode keeps
// one resident.
package runner

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/msageha/conduit/internal/agent"
	"github.com/msageha/conduit/internal/events"
	"github.com/msageha/conduit/internal/gitprep"
	"github.com/msageha/conduit/internal/lock"
	"github.com/msageha/conduit/internal/logx"
	"github.com/msageha/conduit/internal/model"
	"github.com/msageha/conduit/internal/queue"
	"github.com/msageha/conduit/internal/state"
)

type Runner struct {
	cfg     model.Config
	secrets model.Secrets
	queue   *queue.Queue
	states  *state.Store
	bus     *events.Bus
	log     *logx.Logger

	Stdout io.Writer
	Stderr io.Writer

	// invoke is the CLI entry point, replaceable in tests.
	invoke func(ctx context.Context, iv *agent.Invoker, req agent.InvokeRequest) (agent.InvokeResult, error)
}

func New(cfg model.Config, secrets model.Secrets, q *queue.Queue, states *state.Store, bus *events.Bus, logger *logx.Logger) *Runner {
	return &Runner{
		cfg:     cfg,
		secrets: secrets,
		queue:   q,
		states:  states,
		bus:     bus,
		log:     logger,
		Stdout:  os.Stdout,
		Stderr:  os.Stderr,
		invoke: func(ctx context.Context, iv *agent.Invoker, req agent.InvokeRequest) (agent.InvokeResult, error) {
			return iv.Invoke(ctx, req)
		},
	}
}

// lockKey identifies the runner's critical section. All runners sharing
// a volume and default config contend on the same key.
func (r *Runner) lockKey() string {
	if r.cfg.Runner.StateKey != "" {
		return model.SanitizeKey(r.cfg.Runner.StateKey)
	}
	return model.DefaultStateKey(r.cfg.Agent.ConfigFile)
}

// RunOnce drains up to max_items_per_run queue items and returns the
// exit code of the last invocation. Failing to win the lock is neutral:
// another runner is already draining, so this one exits 0 having
// claimed nothing.
func (r *Runner) RunOnce(ctx context.Context) (int, error) {
	held, err := lock.Acquire(
		r.cfg.Lock.Dir,
		r.lockKey(),
		time.Duration(r.cfg.Lock.WaitSec)*time.Second,
		time.Duration(r.cfg.Lock.StaleAfterSec)*time.Second,
	)
	if err != nil {
		return 1, fmt.Errorf("acquire runner lock: %w", err)
	}
	if held == nil {
		r.log.Log(logx.LevelInfo, "lock_busy key=%s", r.lockKey())
		return 0, nil
	}
	defer held.Release()
	r.log.Log(logx.LevelInfo, "run_started pid=%d key=%s", os.Getpid(), r.lockKey())

	if r.cfg.Runner.PromptOverride != "" {
		return r.runOverride(ctx)
	}

	lastRC := 0
	for i := 0; i < r.cfg.Runner.MaxItemsPerRun; i++ {
		item, err := r.queue.ClaimNext()
		if err != nil {
			return 1, err
		}
		if item == nil {
			break
		}
		r.log.Log(logx.LevelInfo, "item_claimed item=%s flat=%v", item.Name, item.Flat)
		r.publish(events.EventItemClaimed, map[string]any{"item": item.Name})

		rc := r.runItem(ctx, item)
		lastRC = rc
		if rc != 0 {
			break
		}
	}
	r.log.Log(logx.LevelInfo, "run_finished rc=%d", lastRC)
	return lastRC, nil
}

// runOverride executes a single inline prompt instead of the queue.
// Used for smoke tests of a fresh deployment.
func (r *Runner) runOverride(ctx context.Context) (int, error) {
	promptPath := filepath.Join(r.cfg.Volume.Root, "prompt_override.md")
	if err := os.MkdirAll(r.cfg.Volume.Root, 0755); err != nil {
		return 1, fmt.Errorf("create volume root: %w", err)
	}
	if err := os.WriteFile(promptPath, []byte(r.cfg.Runner.PromptOverride+"\n"), 0644); err != nil {
		return 1, fmt.Errorf("write override prompt: %w", err)
	}

	key := r.lockKey()
	st := r.states.Load(key)
	res, err := r.invokeAgent(ctx, agent.InvokeRequest{
		PromptPath: promptPath,
		Workdir:    r.cfg.Volume.Workdir,
		Model:      r.cfg.Agent.Model,
		ResumeID:   st.ThreadID,
	}, "")
	if err != nil {
		return 1, err
	}
	r.persistThread(key, st, res.ThreadID)
	return res.ExitCode, nil
}

// runItem executes one claimed queue item through its full lifecycle:
// git preparation, pre hooks, CLI invocation, state persistence,
// finalize, post hooks. The returned code is the item's terminal rc.
func (r *Runner) runItem(ctx context.Context, item *queue.Item) int {
	key := item.Meta.StateKey
	if key == "" {
		key = model.DefaultStateKey(r.itemConfigFile(item))
	}

	workdir, err := r.resolveWorkdir(item, key)
	if err != nil {
		r.log.Log(logx.LevelError, "workdir_failed item=%s error=%v", item.Name, err)
		return r.finish(item, 1)
	}

	st := r.states.Load(key)
	resumeID := st.ThreadID
	persist := true
	if item.Meta.ConversationID != "" {
		resumeID = item.Meta.ConversationID
	}
	if item.Meta.Fork {
		// Keep the original conversation id resumable for future forks:
		// the fork's own session id is never persisted.
		persist = false
	}

	hookEnv := map[string]string{"CONDUIT_WORKDIR": workdir}

	if item.Meta.GitRepo != "" && item.Meta.GitBranch != "" && !item.Meta.GitPrepared {
		repoDir, err := r.prepareGit(ctx, item, workdir)
		if err != nil {
			r.log.Log(logx.LevelError, "git_prepare_failed item=%s error=%v", item.Name, err)
			rc := r.finish(item, 1)
			r.runHooks(ctx, item.Meta.PostCommands, workdir, hookEnv, "post", rc)
			return rc
		}
		workdir = repoDir
		hookEnv["CONDUIT_WORKDIR"] = workdir
		if err := r.queue.MarkGitPrepared(item); err != nil {
			r.log.Log(logx.LevelWarn, "git_prepared_mark_failed item=%s error=%v", item.Name, err)
		}
	} else if item.Meta.GitPrepared {
		// Reclaimed after a crash: the clone must already be in place.
		workdir = r.preparedRepoDir(item, workdir)
		hookEnv["CONDUIT_WORKDIR"] = workdir
		if _, err := os.Stat(filepath.Join(workdir, ".git")); err != nil {
			r.log.Log(logx.LevelError, "git_prepared_missing_repo item=%s workdir=%s", item.Name, workdir)
			return r.finish(item, 1)
		}
	}

	if rc := r.runHooks(ctx, item.Meta.PreCommands, workdir, hookEnv, "pre", 0); rc != 0 {
		final := r.finish(item, rc)
		// Post hooks still run after a pre failure so cleanup happens.
		r.runHooks(ctx, item.Meta.PostCommands, workdir, hookEnv, "post", final)
		return final
	}

	res, err := r.invokeAgent(ctx, agent.InvokeRequest{
		PromptPath: item.PromptPath,
		Workdir:    workdir,
		Model:      item.Meta.Model,
		ResumeID:   resumeID,
		Fork:       item.Meta.Fork,
	}, item.ConfigPath)
	if err != nil {
		r.log.Log(logx.LevelError, "invoke_failed item=%s error=%v", item.Name, err)
		rc := r.finish(item, 1)
		r.runHooks(ctx, item.Meta.PostCommands, workdir, hookEnv, "post", rc)
		return rc
	}

	if persist {
		r.persistThread(key, st, res.ThreadID)
	}

	rc := r.finish(item, res.ExitCode)
	r.runHooks(ctx, item.Meta.PostCommands, workdir, hookEnv, "post", rc)
	return rc
}

// finish moves the item to its terminal directory and reports rc back.
func (r *Runner) finish(item *queue.Item, rc int) int {
	if err := r.queue.Finalize(item, rc); err != nil {
		r.log.Log(logx.LevelError, "finalize_failed item=%s error=%v", item.Name, err)
	}
	outcome := "processed"
	if rc != 0 {
		outcome = "failed"
	}
	r.log.Log(logx.LevelInfo, "item_finalized item=%s outcome=%s rc=%d", item.Name, outcome, rc)
	r.publish(events.EventItemFinalized, map[string]any{"item": item.Name, "outcome": outcome, "rc": rc})
	return rc
}

func (r *Runner) itemConfigFile(item *queue.Item) string {
	if item.ConfigPath != "" {
		return item.ConfigPath
	}
	return r.cfg.Agent.ConfigFile
}

// resolveWorkdir picks the working directory for one item. An explicit
// workdir_rel resolves under the volume root; otherwise each bundle gets
// an isolated directory keyed by state key and bundle name.
func (r *Runner) resolveWorkdir(item *queue.Item, key string) (string, error) {
	if rel, ok := model.SafeRelPath(item.Meta.WorkdirRel); ok {
		dir := filepath.Join(r.cfg.Volume.Root, rel)
		return dir, os.MkdirAll(dir, 0755)
	}
	dir := filepath.Join(r.cfg.Volume.Workdir, model.SanitizeKey(key), model.SanitizeName(item.Name))
	return dir, os.MkdirAll(dir, 0755)
}

// preparedRepoDir reproduces the clone location chosen by prepareGit so
// a reclaimed item lands in the same checkout.
func (r *Runner) preparedRepoDir(item *queue.Item, workdir string) string {
	cloneRel := "repo"
	if rel, ok := model.SafeRelPath(item.Meta.GitCloneDirRel); ok {
		cloneRel = rel
	}
	return filepath.Join(workdir, cloneRel)
}

func (r *Runner) prepareGit(ctx context.Context, item *queue.Item, workdir string) (string, error) {
	base := item.Meta.GitBase
	if base == "" {
		base = "main"
	}
	p := &gitprep.Preparer{Token: r.secrets.GitToken, Stderr: r.Stderr}
	return p.Prepare(ctx, gitprep.Request{
		Workdir:     workdir,
		RepoURL:     item.Meta.GitRepo,
		Branch:      item.Meta.GitBranch,
		Base:        base,
		CloneDirRel: item.Meta.GitCloneDirRel,
	})
}

func (r *Runner) invokeAgent(ctx context.Context, req agent.InvokeRequest, configFile string) (agent.InvokeResult, error) {
	if configFile == "" {
		configFile = r.cfg.Agent.ConfigFile
	}
	iv := &agent.Invoker{
		Command:    r.cfg.Agent.Command,
		ConfigHome: r.cfg.Agent.ConfigHome,
		ConfigFile: configFile,
		AuthB64:    r.secrets.AgentAuthB64,
		Stdout:     r.Stdout,
		Stderr:     r.Stderr,
	}
	if req.Model == "" {
		req.Model = r.cfg.Agent.Model
	}
	return r.invoke(ctx, iv, req)
}

// persistThread saves a newly captured thread id when it differs from
// the stored one.
func (r *Runner) persistThread(key string, prev model.SessionState, tid string) {
	if tid == "" || tid == prev.ThreadID {
		return
	}
	if err := r.states.Save(key, model.SessionState{ThreadID: tid}); err != nil {
		r.log.Log(logx.LevelError, "state_save_failed key=%s error=%v", key, err)
		return
	}
	r.log.Log(logx.LevelInfo, "state_saved key=%s thread=%s", key, tid)
}

// runHooks executes shell commands sequentially in cwd, stopping at the
// first failure. lastRC is exported to post hooks so they can react to
// the run outcome.
func (r *Runner) runHooks(ctx context.Context, commands []string, cwd string, baseEnv map[string]string, phase string, lastRC int) int {
	if len(commands) == 0 {
		return 0
	}
	env := os.Environ()
	for k, v := range baseEnv {
		env = append(env, k+"="+v)
	}
	env = append(env, "CONDUIT_PHASE="+phase)
	if phase == "post" {
		env = append(env, "CONDUIT_LAST_RC="+strconv.Itoa(lastRC))
	}

	for i, command := range commands {
		r.log.Log(logx.LevelInfo, "hook_%s running %d/%d", phase, i+1, len(commands))
		cmd := exec.CommandContext(ctx, "sh", "-lc", command)
		cmd.Dir = cwd
		cmd.Env = env
		cmd.Stdout = r.Stderr
		cmd.Stderr = r.Stderr
		if err := cmd.Run(); err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				r.log.Log(logx.LevelWarn, "hook_%s failed rc=%d", phase, exitErr.ExitCode())
				return exitErr.ExitCode()
			}
			r.log.Log(logx.LevelWarn, "hook_%s failed error=%v", phase, err)
			return 1
		}
	}
	return 0
}

func (r *Runner) publish(t events.EventType, data map[string]any) {
	if r.bus != nil {
		r.bus.Publish(t, data)
	}
}
