// Package agent invokes the external AI CLI as a subprocess and extracts
// the resumable session identifier from its JSON-Lines event stream. The
// CLI is opaque: conduit feeds it a prompt on stdin, passes resume/fork
// flags, and mirrors its stdout unmodified for external log capture.
package agent

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ThreadStartedType is the event type carrying a new resumable identifier.
const ThreadStartedType = "thread.started"

// Event is the subset of the CLI's JSONL event shape conduit cares about.
type Event struct {
	Type     string `json:"type"`
	ThreadID string `json:"thread_id"`
}

// Invoker runs the AI CLI. Construct once per runner invocation.
type Invoker struct {
	Command    string
	ConfigHome string
	ConfigFile string
	// AuthB64 is base64-encoded credential material decoded into
	// ConfigHome/auth.json before the first invocation.
	AuthB64 string
	Stdout  io.Writer
	Stderr  io.Writer
}

// InvokeRequest describes one CLI run.
type InvokeRequest struct {
	PromptPath string
	Workdir    string
	Model      string
	ResumeID   string
	Fork       bool
}

// InvokeResult carries the subprocess outcome.
type InvokeResult struct {
	ExitCode int
	// ThreadID is the identifier from the last thread.started event, or
	// empty when the CLI never emitted one.
	ThreadID string
}

// Invoke runs the CLI to completion, streaming stdout through to
// iv.Stdout while scanning each line for a thread.started event. Returns
// an error only when the subprocess could not be started or its output
// could not be read; a nonzero CLI exit is reported via ExitCode.
func (iv *Invoker) Invoke(ctx context.Context, req InvokeRequest) (InvokeResult, error) {
	var res InvokeResult

	if err := os.MkdirAll(iv.ConfigHome, 0755); err != nil {
		return res, fmt.Errorf("create config home: %w", err)
	}
	if err := os.MkdirAll(req.Workdir, 0755); err != nil {
		return res, fmt.Errorf("create workdir: %w", err)
	}
	if err := iv.ensureAuth(); err != nil {
		return res, err
	}

	args := []string{
		"exec",
		"--config-home", iv.ConfigHome,
		"--config-file", iv.ConfigFile,
		"--skip-git-repo-check",
		"--json",
		"--cd", req.Workdir,
	}
	args = append(args, ModelArgs(req.Model)...)
	if req.ResumeID != "" {
		args = append(args, "resume", req.ResumeID)
		if req.Fork {
			args = append(args, "--fork")
		}
	}
	args = append(args, "-")

	prompt, err := os.Open(req.PromptPath)
	if err != nil {
		return res, fmt.Errorf("open prompt: %w", err)
	}
	defer prompt.Close()

	cmd := exec.CommandContext(ctx, iv.Command, args...)
	cmd.Stdin = prompt
	cmd.Stderr = iv.Stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return res, fmt.Errorf("pipe stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return res, fmt.Errorf("start %s: %w", iv.Command, err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		// Raw passthrough first; parsing is independent of capture.
		fmt.Fprintf(iv.Stdout, "%s\n", line)
		if tid := threadIDFromLine(line); tid != "" {
			res.ThreadID = tid
		}
	}
	scanErr := scanner.Err()

	err = cmd.Wait()
	if scanErr != nil {
		return res, fmt.Errorf("read CLI output: %w", scanErr)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, fmt.Errorf("wait %s: %w", iv.Command, err)
	}
	return res, nil
}

// ensureAuth decodes AuthB64 into ConfigHome/auth.json. When no credential
// is configured, an existing auth.json is accepted; otherwise this is a
// fatal configuration error.
func (iv *Invoker) ensureAuth() error {
	authPath := filepath.Join(iv.ConfigHome, "auth.json")
	b64 := strings.TrimSpace(iv.AuthB64)
	if b64 == "" {
		if _, err := os.Stat(authPath); err == nil {
			return nil
		}
		return fmt.Errorf("missing required environment variable: CONDUIT_AGENT_AUTH_B64")
	}

	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return fmt.Errorf("decode CONDUIT_AGENT_AUTH_B64: %w", err)
	}
	if err := os.WriteFile(authPath, raw, 0600); err != nil {
		return fmt.Errorf("write auth.json: %w", err)
	}
	// CIFS mounts may reject chmod; the CLI can still read the file.
	_ = os.Chmod(authPath, 0600)
	return nil
}

// ModelArgs expands a model override into CLI arguments. Reasoning-effort
// aliases ("<model>-medium", "<model>-high") split into the base model plus
// a config override.
func ModelArgs(m string) []string {
	m = strings.TrimSpace(m)
	if m == "" {
		return nil
	}
	for _, effort := range []string{"medium", "high"} {
		suffix := "-" + effort
		if base, ok := strings.CutSuffix(m, suffix); ok && base != "" {
			return []string{"-m", base, "-c", "model_reasoning_effort=" + effort}
		}
	}
	return []string{"-m", m}
}

// ExtractThreadID scans JSONL text for the last thread.started event and
// returns its identifier, or "". Shared with the runs API, which recovers
// thread ids from persisted logs.
func ExtractThreadID(text string) string {
	var tid string
	for _, line := range strings.Split(text, "\n") {
		if t := threadIDFromLine([]byte(line)); t != "" {
			tid = t
		}
	}
	return tid
}

func threadIDFromLine(line []byte) string {
	trimmed := strings.TrimSpace(string(line))
	if !strings.HasPrefix(trimmed, "{") {
		return ""
	}
	var evt Event
	if err := json.Unmarshal([]byte(trimmed), &evt); err != nil {
		return ""
	}
	if evt.Type != ThreadStartedType {
		return ""
	}
	return strings.TrimSpace(evt.ThreadID)
}

