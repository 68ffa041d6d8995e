// Package dispatch serves the generic HTTP dispatch API: authenticated
// clients POST work bundles into the queue and poll run records and
// logs while a runner drains them.
package dispatch

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/msageha/conduit/internal/events"
	"github.com/msageha/conduit/internal/launch"
	"github.com/msageha/conduit/internal/logx"
	"github.com/msageha/conduit/internal/model"
	"github.com/msageha/conduit/internal/queue"
)

// TokenHeader authenticates API callers; browsers use Basic instead.
const TokenHeader = "X-Conduit-Dispatch-Token"

type Service struct {
	cfg     model.Config
	secrets model.Secrets
	queue   *queue.Queue
	runs    *RunStore
	starter launch.Starter
	bus     *events.Bus
	log     *logx.Logger
}

// New wires the dispatch service. The dispatch token is mandatory: a
// service without it would accept work from anyone on the network.
func New(cfg model.Config, secrets model.Secrets, q *queue.Queue, runs *RunStore, starter launch.Starter, bus *events.Bus, logger *logx.Logger) (*Service, error) {
	if err := model.Require([2]string{"CONDUIT_DISPATCH_TOKEN", secrets.DispatchToken}); err != nil {
		return nil, err
	}
	return &Service{
		cfg:     cfg,
		secrets: secrets,
		queue:   q,
		runs:    runs,
		starter: starter,
		bus:     bus,
		log:     logger,
	}, nil
}

func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ok")
	})
	mux.HandleFunc("POST /dispatch", s.auth(s.handleDispatch))
	mux.HandleFunc("GET /runs", s.auth(s.handleRuns))
	mux.HandleFunc("GET /runs/{bundle}/record", s.auth(s.handleRecord))
	mux.HandleFunc("GET /runs/{bundle}/log", s.auth(s.handleLog))
	mux.HandleFunc("GET /runs/{bundle}/events", s.auth(s.handleEvents))
	mux.HandleFunc("GET /runs/{bundle}/events/latest", s.auth(s.handleLatestEvent))
	mux.HandleFunc("GET /runs/{bundle}/rollout", s.auth(s.handleRollout))
	mux.HandleFunc("GET /runs/{bundle}/rollout/latest", s.auth(s.handleLatestRolloutEvent))
	return mux
}

// auth admits a valid dispatch token header, or Basic credentials when
// UI access is configured. All comparisons are constant time.
func (s *Service) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		got := strings.TrimSpace(r.Header.Get(TokenHeader))
		if got != "" && timingSafeEqual(got, s.secrets.DispatchToken) {
			next(w, r)
			return
		}

		if s.cfg.Dispatch.BasicUser != "" && s.secrets.BasicPass != "" {
			if user, pass, ok := parseBasicAuth(r.Header.Get("Authorization")); ok {
				userOK := timingSafeEqual(user, s.cfg.Dispatch.BasicUser)
				passOK := timingSafeEqual(pass, s.secrets.BasicPass)
				if userOK && passOK {
					next(w, r)
					return
				}
			}
			w.Header().Set("WWW-Authenticate", `Basic realm="Conduit Dispatch"`)
			http.Error(w, "basic auth required", http.StatusUnauthorized)
			return
		}

		http.Error(w, "invalid dispatch token", http.StatusUnauthorized)
	}
}

func timingSafeEqual(got, want string) bool {
	if want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func parseBasicAuth(header string) (user, pass string, ok bool) {
	const prefix = "basic "
	header = strings.TrimSpace(header)
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", "", false
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(header[len(prefix):]))
	if err != nil {
		return "", "", false
	}
	user, pass, found := strings.Cut(string(raw), ":")
	if !found {
		return "", "", false
	}
	return user, pass, true
}

// dispatchRequest is the validated POST /dispatch payload.
type dispatchRequest struct {
	Prompt     string
	ConfigTOML string
	Meta       model.Meta
}

func (s *Service) handleDispatch(w http.ResponseWriter, r *http.Request) {
	req, errMsg := parseDispatchBody(r)
	if errMsg != "" {
		http.Error(w, errMsg, http.StatusBadRequest)
		return
	}

	bundle, err := s.queue.Enqueue(queue.EnqueueRequest{
		Prompt:     req.Prompt,
		ConfigTOML: req.ConfigTOML,
		Meta:       req.Meta,
	})
	if err != nil {
		s.log.Log(logx.LevelError, "enqueue_failed error=%v", err)
		http.Error(w, "failed to write bundle", http.StatusInternalServerError)
		return
	}
	s.log.Log(logx.LevelInfo, "bundle_enqueued bundle=%s", bundle)
	s.publish(events.EventBundleEnqueued, map[string]any{"bundle": bundle, "source": "dispatch"})

	runner, started, err := s.startRunner(r.Context(), bundle)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to start runner: %v", err), http.StatusInternalServerError)
		return
	}
	if !started {
		fmt.Fprintf(w, "queued:%s:runner:already_running", bundle)
		return
	}
	fmt.Fprintf(w, "queued:%s:runner:%s", bundle, runner)
}

// startRunner starts an execution environment for the freshly queued
// bundle. The active check is advisory only: when it errors, a start is
// still attempted, because the bundle stays queued either way and a
// missed start strands it until the next dispatch.
func (s *Service) startRunner(ctx context.Context, bundle string) (runner string, started bool, err error) {
	active, checkErr := s.starter.Active(ctx)
	if checkErr != nil {
		s.log.Log(logx.LevelWarn, "active_check_failed error=%v", checkErr)
	} else if active {
		return "", false, nil
	}

	runner, err = s.starter.Start(ctx, bundle)
	if err != nil {
		s.log.Log(logx.LevelError, "runner_start_failed bundle=%s error=%v", bundle, err)
		return "", false, err
	}

	if recErr := s.runs.Write(RunRecord{
		Bundle:  bundle,
		Runner:  runner,
		LogPath: s.runs.LogPath(bundle),
	}); recErr != nil {
		s.log.Log(logx.LevelWarn, "run_record_write_failed bundle=%s error=%v", bundle, recErr)
	}
	s.log.Log(logx.LevelInfo, "runner_started bundle=%s runner=%s", bundle, runner)
	s.publish(events.EventRunnerStarted, map[string]any{"bundle": bundle, "runner": runner})
	return runner, true, nil
}

func parseDispatchBody(r *http.Request) (dispatchRequest, string) {
	var req dispatchRequest

	var payload map[string]any
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(&payload); err != nil {
		return req, fmt.Sprintf("invalid json: %v", err)
	}

	prompt, ok := optString(payload, "prompt")
	if !ok {
		return req, "prompt must be string"
	}
	if prompt == "" {
		return req, "missing prompt"
	}
	configTOML, ok := optString(payload, "config_toml")
	if !ok {
		return req, "config_toml must be string"
	}
	if configTOML == "" {
		return req, "missing config_toml"
	}
	var probe map[string]any
	if err := toml.Unmarshal([]byte(configTOML), &probe); err != nil {
		return req, fmt.Sprintf("config_toml is not valid TOML: %v", err)
	}

	meta := model.Meta{}
	for _, field := range []struct {
		name string
		dst  *string
	}{
		{"state_key", &meta.StateKey},
		{"workdir_rel", &meta.WorkdirRel},
		{"model", &meta.Model},
		{"conversation_id", &meta.ConversationID},
		{"git_repo", &meta.GitRepo},
		{"git_branch", &meta.GitBranch},
		{"git_base", &meta.GitBase},
		{"git_clone_dir_rel", &meta.GitCloneDirRel},
	} {
		v, ok := optString(payload, field.name)
		if !ok {
			return req, field.name + " must be string"
		}
		*field.dst = v
	}

	fork, ok := optBool(payload, "fork")
	if !ok {
		return req, "fork must be boolean"
	}
	meta.Fork = fork

	pre, ok := optStringList(payload, "pre_commands")
	if !ok {
		return req, "pre_commands must be list of strings"
	}
	post, ok := optStringList(payload, "post_commands")
	if !ok {
		return req, "post_commands must be list of strings"
	}
	meta.PreCommands = model.SanitizeCommands(pre)
	meta.PostCommands = model.SanitizeCommands(post)

	req.Prompt = prompt
	req.ConfigTOML = configTOML
	req.Meta = meta
	return req, ""
}

func optString(payload map[string]any, key string) (string, bool) {
	v, present := payload[key]
	if !present || v == nil {
		return "", true
	}
	s, ok := v.(string)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(s), true
}

func optBool(payload map[string]any, key string) (bool, bool) {
	v, present := payload[key]
	if !present || v == nil {
		return false, true
	}
	b, ok := v.(bool)
	return b, ok
}

func optStringList(payload map[string]any, key string) ([]string, bool) {
	v, present := payload[key]
	if !present || v == nil {
		return nil, true
	}
	list, ok := v.([]any)
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		s, ok := item.(string)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}

func (s *Service) handleRuns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.runs.List(50))
}

func (s *Service) handleRecord(w http.ResponseWriter, r *http.Request) {
	bundle := r.PathValue("bundle")
	rec, found, err := s.runs.Load(bundle)
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid record: %v", err), http.StatusInternalServerError)
		return
	}
	if !found {
		http.Error(w, "unknown bundle", http.StatusNotFound)
		return
	}
	if tid, ok := s.runs.ThreadID(bundle); ok {
		rec.ThreadID = tid
	}
	writeJSON(w, rec)
}

func (s *Service) handleLog(w http.ResponseWriter, r *http.Request) {
	bundle := r.PathValue("bundle")
	offset := queryInt64(r, "offset", 0)
	maxBytes := queryInt64(r, "max_bytes", 20_000)
	writeJSON(w, ReadTail(s.runs.LogPath(bundle), offset, maxBytes))
}

func (s *Service) handleEvents(w http.ResponseWriter, r *http.Request) {
	bundle := r.PathValue("bundle")
	offset := queryInt64(r, "offset", 0)
	maxBytes := queryInt64(r, "max_bytes", 20_000)

	tail := ReadTail(s.runs.LogPath(bundle), offset, maxBytes)
	writeJSON(w, struct {
		Tail
		Events []json.RawMessage `json:"events"`
	}{Tail: tail, Events: ParseEvents(tail.Content)})
}

func (s *Service) handleLatestEvent(w http.ResponseWriter, r *http.Request) {
	bundle := r.PathValue("bundle")
	maxBytes := queryInt64(r, "max_bytes", 50_000)

	raw := ReadLastBytes(s.runs.LogPath(bundle), maxBytes)
	writeJSON(w, struct {
		Exists bool            `json:"exists"`
		Event  json.RawMessage `json:"event"`
	}{Exists: len(raw) > 0, Event: LastJSONLine(string(raw))})
}

// resolveRollout maps a bundle to its CLI session transcript: thread id
// from the run record (backfilled from the log when needed), then the
// newest matching rollout file under the CLI home's sessions directory.
// The empty string in either return reads as "not known yet".
func (s *Service) resolveRollout(bundle string) (threadID, path string) {
	tid, ok := s.runs.ThreadID(bundle)
	if !ok {
		return "", ""
	}
	sessionsDir := filepath.Join(s.cfg.Agent.ConfigHome, "sessions")
	rollout, ok := FindRollout(sessionsDir, tid)
	if !ok {
		return tid, ""
	}
	return tid, rollout
}

func (s *Service) handleRollout(w http.ResponseWriter, r *http.Request) {
	bundle := r.PathValue("bundle")
	tid, rollout := s.resolveRollout(bundle)
	if tid == "" {
		http.Error(w, "thread_id not known yet", http.StatusNotFound)
		return
	}
	if rollout == "" {
		http.Error(w, "rollout not found", http.StatusNotFound)
		return
	}

	offset := queryInt64(r, "offset", 0)
	maxBytes := queryInt64(r, "max_bytes", 20_000)
	writeJSON(w, struct {
		Tail
		ThreadID    string `json:"thread_id"`
		RolloutPath string `json:"rollout_path"`
	}{Tail: ReadTail(rollout, offset, maxBytes), ThreadID: tid, RolloutPath: rollout})
}

func (s *Service) handleLatestRolloutEvent(w http.ResponseWriter, r *http.Request) {
	bundle := r.PathValue("bundle")
	tid, rollout := s.resolveRollout(bundle)
	if tid == "" {
		http.Error(w, "thread_id not known yet", http.StatusNotFound)
		return
	}
	if rollout == "" {
		http.Error(w, "rollout not found", http.StatusNotFound)
		return
	}

	raw := ReadLastBytes(rollout, queryInt64(r, "max_bytes", 50_000))
	writeJSON(w, struct {
		ThreadID    string          `json:"thread_id"`
		RolloutPath string          `json:"rollout_path"`
		Exists      bool            `json:"exists"`
		Event       json.RawMessage `json:"event"`
	}{ThreadID: tid, RolloutPath: rollout, Exists: len(raw) > 0, Event: LastJSONLine(string(raw))})
}

func (s *Service) publish(t events.EventType, data map[string]any) {
	if s.bus != nil {
		s.bus.Publish(t, data)
	}
}

func queryInt64(r *http.Request, key string, def int64) int64 {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
