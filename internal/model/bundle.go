package model

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

// Meta is the optional meta.json inside a queue bundle. Every field is
// optional; a malformed file degrades to the zero value on the consumer
// side rather than aborting the claim.
type Meta struct {
	TsUTC          string   `json:"ts_utc,omitempty"`
	StateKey       string   `json:"state_key,omitempty"`
	WorkdirRel     string   `json:"workdir_rel,omitempty"`
	Model          string   `json:"model,omitempty"`
	ConversationID string   `json:"conversation_id,omitempty"`
	Fork           bool     `json:"fork,omitempty"`
	PreCommands    []string `json:"pre_commands,omitempty"`
	PostCommands   []string `json:"post_commands,omitempty"`
	GitRepo        string   `json:"git_repo,omitempty"`
	GitBranch      string   `json:"git_branch,omitempty"`
	GitBase        string   `json:"git_base,omitempty"`
	GitCloneDirRel string   `json:"git_clone_dir_rel,omitempty"`
	GitPrepared    bool     `json:"git_prepared,omitempty"`
}

// SessionState is the persisted resumption record for one state key.
type SessionState struct {
	ThreadID string `json:"thread_id"`
}

const (
	maxKeyLen     = 80
	maxNameLen    = 120
	maxCommandLen = 4000
	maxCommands   = 25
)

var unsafeName = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)

// SanitizeKey restricts a state key to [A-Za-z0-9._-], replacing everything
// else with underscores. Empty input yields "default".
func SanitizeKey(value string) string {
	value = strings.TrimSpace(value)
	var b strings.Builder
	for _, ch := range value {
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9',
			ch == '.', ch == '_', ch == '-':
			b.WriteRune(ch)
		default:
			b.WriteRune('_')
		}
	}
	s := b.String()
	if s == "" {
		return "default"
	}
	if len(s) > maxKeyLen {
		s = s[:maxKeyLen]
	}
	return s
}

// SanitizeName restricts a bundle/file name fragment to filesystem-safe
// characters. Azure Files paths follow SMB rules, so no colons.
func SanitizeName(value string) string {
	value = unsafeName.ReplaceAllString(strings.TrimSpace(value), "_")
	if value == "" {
		return "job"
	}
	if len(value) > maxNameLen {
		value = value[:maxNameLen]
	}
	return value
}

// SanitizeCommands trims, drops empties, caps individual command length
// and the overall count. Prevents huge payloads smuggled through meta.json.
func SanitizeCommands(commands []string) []string {
	var out []string
	for _, c := range commands {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if len(c) > maxCommandLen {
			c = c[:maxCommandLen]
		}
		out = append(out, c)
		if len(out) >= maxCommands {
			break
		}
	}
	return out
}

// SafeRelPath rejects absolute paths and any path containing "..". Returns
// the cleaned relative path and whether it is usable.
func SafeRelPath(value string) (string, bool) {
	s := strings.TrimSpace(value)
	if s == "" {
		return "", false
	}
	if strings.HasPrefix(s, "/") {
		return "", false
	}
	for _, part := range strings.Split(s, "/") {
		if part == ".." {
			return "", false
		}
	}
	return s, true
}

// DefaultStateKey derives the state key used when none is given explicitly:
// the first 12 hex chars of sha256 over the agent config path.
func DefaultStateKey(configPath string) string {
	sum := sha256.Sum256([]byte("config:" + configPath))
	return hex.EncodeToString(sum[:])[:12]
}
