// Package telegram serves the Telegram webhook: allowed messages become
// queue bundles, the sender gets a best-effort ack, and a runner
// environment is started to drain the queue.
package telegram

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/msageha/conduit/internal/events"
	"github.com/msageha/conduit/internal/launch"
	"github.com/msageha/conduit/internal/lock"
	"github.com/msageha/conduit/internal/logx"
	"github.com/msageha/conduit/internal/model"
	"github.com/msageha/conduit/internal/notify"
	"github.com/msageha/conduit/internal/queue"
	"github.com/msageha/conduit/templates"
)

// SecretHeader is set by Telegram on every webhook delivery.
const SecretHeader = "X-Telegram-Bot-Api-Secret-Token"

// DefaultWrapperTemplate frames an incoming message so the agent sees
// where the instruction came from.
var DefaultWrapperTemplate = templates.TelegramWrapper

type Service struct {
	cfg     model.Config
	secrets model.Secrets
	queue   *queue.Queue
	starter launch.Starter
	client  *Client
	bus     *events.Bus
	log     *logx.Logger
	// updates serializes handling per update id so Telegram's redelivery
	// of the same update cannot race itself.
	updates *lock.MutexMap
}

func New(cfg model.Config, secrets model.Secrets, q *queue.Queue, starter launch.Starter, bus *events.Bus, logger *logx.Logger) (*Service, error) {
	if err := model.Require(
		[2]string{"TELEGRAM_BOT_TOKEN", secrets.TelegramToken},
		[2]string{"TELEGRAM_WEBHOOK_SECRET", secrets.TelegramSecret},
	); err != nil {
		return nil, err
	}
	return &Service{
		cfg:     cfg,
		secrets: secrets,
		queue:   q,
		starter: starter,
		client:  NewClient(cfg.Telegram.APIBaseURL, secrets.TelegramToken),
		bus:     bus,
		log:     logger,
		updates: lock.NewMutexMap(),
	}, nil
}

func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ok")
	})
	mux.HandleFunc("POST /telegram/webhook", s.handleWebhook)
	return mux
}

// update is the subset of Telegram's update envelope conduit reads.
type update struct {
	UpdateID      *int64   `json:"update_id"`
	Message       *message `json:"message"`
	EditedMessage *message `json:"edited_message"`
}

type message struct {
	Chat *struct {
		ID int64 `json:"id"`
	} `json:"chat"`
	From *struct {
		ID        int64  `json:"id"`
		IsBot     bool   `json:"is_bot"`
		Username  string `json:"username"`
		FirstName string `json:"first_name"`
	} `json:"from"`
	Text string `json:"text"`
}

func (s *Service) handleWebhook(w http.ResponseWriter, r *http.Request) {
	got := r.Header.Get(SecretHeader)
	if subtle.ConstantTimeCompare([]byte(got), []byte(s.secrets.TelegramSecret)) != 1 {
		http.Error(w, "invalid telegram secret token", http.StatusUnauthorized)
		return
	}

	var u update
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(&u); err != nil {
		http.Error(w, fmt.Sprintf("invalid json: %v", err), http.StatusBadRequest)
		return
	}

	msg := u.Message
	if msg == nil {
		msg = u.EditedMessage
	}
	if u.UpdateID == nil || msg == nil {
		fmt.Fprint(w, "ignored")
		return
	}

	chatID := ""
	if msg.Chat != nil {
		chatID = strconv.FormatInt(msg.Chat.ID, 10)
	}
	if s.cfg.Telegram.AllowedChatID != "" && chatID != s.cfg.Telegram.AllowedChatID {
		fmt.Fprint(w, "ignored")
		return
	}
	if msg.From == nil || msg.From.IsBot {
		fmt.Fprint(w, "ignored")
		return
	}
	userID := strconv.FormatInt(msg.From.ID, 10)
	if s.cfg.Telegram.AllowedUserID != "" && userID != s.cfg.Telegram.AllowedUserID {
		fmt.Fprint(w, "ignored")
		return
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		fmt.Fprint(w, "ignored")
		return
	}

	updateID := *u.UpdateID
	updateKey := strconv.FormatInt(updateID, 10)
	s.updates.Lock(updateKey)
	defer s.updates.Unlock(updateKey)

	username := msg.From.Username
	if username == "" {
		username = msg.From.FirstName
	}
	if username == "" {
		username = "user"
	}

	prompt := s.renderPrompt(updateID, chatID, userID, username, msg.Text)
	// Zero-padded so bundle names sort by update id; claim order follows
	// lexicographic directory order and names stay stable across redeliveries.
	name := fmt.Sprintf("telegram_%020d_%s", updateID, model.SanitizeName(username))

	bundle, err := s.queue.EnqueueFlat(name, prompt)
	if err == queue.ErrDuplicate {
		// Redelivery of an update we already queued. No new ack either.
		s.log.Log(logx.LevelInfo, "duplicate_update update_id=%d", updateID)
		fmt.Fprint(w, "duplicate")
		return
	}
	if err != nil {
		s.log.Log(logx.LevelError, "enqueue_failed update_id=%d error=%v", updateID, err)
		http.Error(w, "failed to queue prompt", http.StatusInternalServerError)
		return
	}
	s.log.Log(logx.LevelInfo, "bundle_enqueued bundle=%s update_id=%d", bundle, updateID)
	s.publish(events.EventBundleEnqueued, map[string]any{"bundle": bundle, "source": "telegram"})

	notify.BestEffort(s.log.Std(), "telegram_ack", func() error {
		return s.client.SendMessage(r.Context(), chatID, "Queued: "+bundle)
	})

	if err := s.startRunner(r.Context(), bundle); err != nil {
		http.Error(w, fmt.Sprintf("failed to start job: %v", err), http.StatusInternalServerError)
		return
	}
	fmt.Fprint(w, "ok")
}

// startRunner mirrors the dispatch policy: the active check is advisory
// and a failed check still attempts a start, since the prompt stays
// queued regardless.
func (s *Service) startRunner(ctx context.Context, bundle string) error {
	active, err := s.starter.Active(ctx)
	if err != nil {
		s.log.Log(logx.LevelWarn, "active_check_failed error=%v", err)
	} else if active {
		return nil
	}

	name, err := s.starter.Start(ctx, bundle)
	if err != nil {
		s.log.Log(logx.LevelError, "runner_start_failed bundle=%s error=%v", bundle, err)
		return err
	}
	s.log.Log(logx.LevelInfo, "runner_started bundle=%s runner=%s", bundle, name)
	s.publish(events.EventRunnerStarted, map[string]any{"bundle": bundle, "runner": name})
	return nil
}

func (s *Service) renderPrompt(updateID int64, chatID, userID, username, text string) string {
	tpl := s.cfg.Telegram.WrapperTemplate
	if tpl == "" {
		tpl = DefaultWrapperTemplate
	}
	return strings.NewReplacer(
		"{ts_utc}", time.Now().UTC().Format("2006-01-02T15:04:05Z"),
		"{update_id}", strconv.FormatInt(updateID, 10),
		"{chat_id}", chatID,
		"{from_user_id}", userID,
		"{from_username}", username,
		"{text}", strings.TrimRight(text, "\n"),
	).Replace(tpl)
}

func (s *Service) publish(t events.EventType, data map[string]any) {
	if s.bus != nil {
		s.bus.Publish(t, data)
	}
}
