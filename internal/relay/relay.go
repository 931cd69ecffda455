package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/quailyquaily/relaymirror/internal/platform"
	"github.com/quailyquaily/relaymirror/internal/state"
)

const (
	DefaultCooldown     = 5 * time.Second
	updatedMediaCaption = "(updated media)"
)

var ErrNothingToMirror = errors.New("relay: message has neither text nor media")

// Notices are the status texts sent to the origin chat.
type Notices struct {
	NoResponder    string
	ResolveFailed  string
	ForwardFailed  string
	Busy           string
	Timeout        string
	InternalFailed string
}

func DefaultNotices() Notices {
	return Notices{
		NoResponder:    "No target bot configured. Use /setstrco @BotUsername or /setstrcoglobal @BotUsername",
		ResolveFailed:  "Could not resolve target bot %s.",
		ForwardFailed:  "Failed to relay message to bot.",
		Busy:           "A relay is already in progress in this chat.",
		Timeout:        "No response from bot (timeout).",
		InternalFailed: "Relay failed, see logs.",
	}
}

type Outcome string

const (
	OutcomeNotAllowed    Outcome = "not_allowed"
	OutcomeCooldown      Outcome = "cooldown"
	OutcomeNoResponder   Outcome = "no_responder"
	OutcomeBusy          Outcome = "busy"
	OutcomeForwardFailed Outcome = "forward_failed"
	OutcomeTimeout       Outcome = "timeout"
	OutcomeMirrored      Outcome = "mirrored"
	OutcomeFailed        Outcome = "failed"
)

type Options struct {
	Client    platform.Client
	Stores    *state.Stores
	Collector *Collector

	Cooldown        time.Duration
	MaxSendAttempts int
	Notices         *Notices
	NewRequestID    func() string

	Logger  *slog.Logger
	Metrics *Metrics
	Now     func() time.Time
}

// Relayer runs relay requests end to end: forward, collect, mirror.
type Relayer struct {
	client    platform.Client
	config    *state.ConfigStore
	mappings  *state.MappingStore
	requests  *state.RequestStore
	collector *Collector

	cooldown     time.Duration
	cooldowns    *keyedWindow[principalChatKey]
	sendAttempts int
	notices      Notices
	newRequestID func() string

	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time
}

func New(opts Options) (*Relayer, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("relay: client is required")
	}
	if opts.Stores == nil || opts.Stores.Config == nil || opts.Stores.Mappings == nil || opts.Stores.Requests == nil {
		return nil, fmt.Errorf("relay: stores are required")
	}
	r := &Relayer{
		client:       opts.Client,
		config:       opts.Stores.Config,
		mappings:     opts.Stores.Mappings,
		requests:     opts.Stores.Requests,
		collector:    opts.Collector,
		cooldown:     opts.Cooldown,
		sendAttempts: opts.MaxSendAttempts,
		newRequestID: opts.NewRequestID,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		now:          opts.Now,
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.cooldown <= 0 {
		r.cooldown = DefaultCooldown
	}
	if r.sendAttempts <= 0 {
		r.sendAttempts = defaultSendAttempts
	}
	if r.newRequestID == nil {
		r.newRequestID = uuid.NewString
	}
	if opts.Notices != nil {
		r.notices = *opts.Notices
	} else {
		r.notices = DefaultNotices()
	}
	if r.collector == nil {
		r.collector = NewCollector(opts.Client, CollectorOptions{Logger: r.logger, Metrics: r.metrics, Now: r.now})
	}
	r.cooldowns = newKeyedWindow[principalChatKey](r.now)
	return r, nil
}

// Trigger is one relay request. Message carries the content to forward.
type Trigger struct {
	OriginChatID int64
	PrincipalID  int64
	Message      platform.Message
}

type Result struct {
	Outcome   Outcome
	RequestID string
	Responder string
	Replies   int
	Mirrored  int
}

// Relay forwards t to the chat's responder, collects the replies, and mirrors
// them into the origin chat. Unauthorized and cooled-down triggers are dropped
// without any platform call.
func (r *Relayer) Relay(ctx context.Context, t Trigger) (res Result, err error) {
	defer func() {
		r.metrics.relayOutcome(res.Outcome)
	}()
	logger := r.logger.With("origin_chat_id", t.OriginChatID, "principal_id", t.PrincipalID)

	allowed, err := r.config.IsAllowed(ctx, t.PrincipalID)
	if err != nil {
		return Result{Outcome: OutcomeFailed}, err
	}
	if !allowed {
		logger.Debug("relay_not_allowed")
		return Result{Outcome: OutcomeNotAllowed}, nil
	}
	if !r.cooldowns.admit(principalChatKey{principalID: t.PrincipalID, chatID: t.OriginChatID}, r.cooldown) {
		logger.Debug("relay_cooldown_active")
		return Result{Outcome: OutcomeCooldown}, nil
	}

	bot, err := r.config.ChatBot(ctx, t.OriginChatID)
	if err != nil {
		return Result{Outcome: OutcomeFailed}, err
	}
	res.Responder = bot
	if bot == "" {
		r.notify(ctx, logger, t.OriginChatID, r.notices.NoResponder)
		res.Outcome = OutcomeNoResponder
		return res, nil
	}
	settings, err := r.config.Settings(ctx)
	if err != nil {
		return Result{Outcome: OutcomeFailed, Responder: bot}, err
	}

	responder, err := withRateLimitRetry(ctx, logger, r.metrics, "resolve", r.sendAttempts, func(ctx context.Context) (platform.Chat, error) {
		return r.client.Resolve(ctx, bot)
	})
	if err != nil {
		logger.Warn("relay_resolve_failed", "responder", bot, "error", err.Error())
		r.notify(ctx, logger, t.OriginChatID, fmt.Sprintf(r.notices.ResolveFailed, bot))
		res.Outcome = OutcomeForwardFailed
		return res, nil
	}

	res.RequestID = r.newRequestID()
	logger = logger.With("request_id", res.RequestID, "responder", bot)
	err = r.requests.Begin(ctx, t.OriginChatID, state.ActiveRequest{
		RequestID:       res.RequestID,
		ResponderChatID: responder.ID,
	}, settings.StaleRequestAge())
	if errors.Is(err, state.ErrRequestActive) {
		logger.Info("relay_busy")
		r.notify(ctx, logger, t.OriginChatID, r.notices.Busy)
		res.Outcome = OutcomeBusy
		return res, nil
	}
	if err != nil {
		r.notify(ctx, logger, t.OriginChatID, r.notices.InternalFailed)
		res.Outcome = OutcomeFailed
		return res, err
	}
	defer func() {
		// Clearing must survive cancellation of the request context.
		if _, ferr := r.requests.Finish(context.WithoutCancel(ctx), t.OriginChatID, res.RequestID); ferr != nil {
			logger.Warn("relay_finish_failed", "error", ferr.Error())
		}
	}()

	sent, err := r.forward(ctx, logger, responder.ID, t.Message)
	if err != nil {
		logger.Warn("relay_forward_failed", "error", err.Error())
		r.notify(ctx, logger, t.OriginChatID, r.notices.ForwardFailed)
		res.Outcome = OutcomeForwardFailed
		return res, nil
	}
	sentAt := r.now()
	logger.Info("relay_forwarded", "sent_msg_id", sent.ID)
	if err := r.requests.AttachSent(ctx, t.OriginChatID, res.RequestID, sent.ID); err != nil {
		logger.Warn("relay_attach_sent_failed", "error", err.Error())
	}

	replies := r.collector.Collect(ctx, CollectParams{
		ResponderChatID: responder.ID,
		SentMsgID:       sent.ID,
		SentAt:          sentAt,
		HardTimeout:     settings.HardTimeout(),
		IdleTimeout:     settings.IdleTimeout(),
	})
	res.Replies = len(replies)
	if len(replies) == 0 {
		r.notify(ctx, logger, t.OriginChatID, r.notices.Timeout)
		res.Outcome = OutcomeTimeout
		return res, nil
	}

	var mirrorErrs []error
	for _, reply := range replies {
		if _, err := r.Mirror(ctx, t.OriginChatID, reply); err != nil {
			logger.Warn("relay_mirror_failed", "reply_msg_id", reply.ID, "error", err.Error())
			mirrorErrs = append(mirrorErrs, err)
			continue
		}
		res.Mirrored++
	}
	res.Outcome = OutcomeMirrored
	if res.Mirrored == 0 {
		res.Outcome = OutcomeFailed
	}
	logger.Info("relay_done", "replies", res.Replies, "mirrored", res.Mirrored)
	return res, errors.Join(mirrorErrs...)
}

func (r *Relayer) forward(ctx context.Context, logger *slog.Logger, responderChatID int64, msg platform.Message) (platform.Message, error) {
	return withRateLimitRetry(ctx, logger, r.metrics, "forward", r.sendAttempts, func(ctx context.Context) (platform.Message, error) {
		return sendContent(ctx, r.client, responderChatID, msg, "")
	})
}

// Mirror copies reply into originChatID and records the mapping. The mapping
// is written only after the platform accepted the copy.
func (r *Relayer) Mirror(ctx context.Context, originChatID int64, reply platform.Message) (state.Mapping, error) {
	logger := r.logger.With("origin_chat_id", originChatID, "responder_chat_id", reply.ChatID, "responder_msg_id", reply.ID)
	mirrored, err := withRateLimitRetry(ctx, logger, r.metrics, "mirror", r.sendAttempts, func(ctx context.Context) (platform.Message, error) {
		return sendContent(ctx, r.client, originChatID, reply, "")
	})
	if err != nil {
		return state.Mapping{}, err
	}
	m := state.Mapping{
		CreatedAt:          r.now().UTC(),
		ResponderChatID:    reply.ChatID,
		ResponderMsgID:     reply.ID,
		OriginChatID:       originChatID,
		MirroredMsgID:      mirrored.ID,
		ContentType:        reply.Kind(),
		ContentFingerprint: messageFingerprint(reply),
	}
	if err := r.mappings.Put(ctx, m); err != nil {
		return state.Mapping{}, fmt.Errorf("record mapping: %w", err)
	}
	r.metrics.mirroredReply()
	logger.Info("mirrored", "mirrored_msg_id", mirrored.ID, "kind", string(m.ContentType))
	return m, nil
}

// sendContent posts msg's text or media into chatID. A non-empty
// captionPrefix goes on its own line above the original text.
func sendContent(ctx context.Context, client platform.Client, chatID int64, msg platform.Message, captionPrefix string) (platform.Message, error) {
	text := msg.Text
	if captionPrefix != "" {
		text = strings.TrimRight(captionPrefix+"\n"+text, "\n")
	}
	if msg.Media != nil {
		return client.SendMedia(ctx, chatID, *msg.Media, text)
	}
	if strings.TrimSpace(text) == "" {
		return platform.Message{}, ErrNothingToMirror
	}
	return client.SendText(ctx, chatID, text)
}

func (r *Relayer) notify(ctx context.Context, logger *slog.Logger, chatID int64, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	_, err := withRateLimitRetry(ctx, logger, r.metrics, "notice", r.sendAttempts, func(ctx context.Context) (platform.Message, error) {
		return r.client.SendText(ctx, chatID, text)
	})
	if err != nil {
		logger.Warn("notice_failed", "error", err.Error())
	}
}
