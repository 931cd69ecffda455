// Package telegramclient implements platform.Client on the Telegram Bot API.
//
// The Bot API has no history endpoint, so the client keeps a bounded window
// of recent messages per chat, fed by long polling and by its own sends, and
// serves FetchRecent from it.
package telegramclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mymmrac/telego"
	"github.com/mymmrac/telego/telegoapi"
	"github.com/quailyquaily/relaymirror/internal/platform"
	"github.com/quailyquaily/relaymirror/internal/redact"
	"golang.org/x/time/rate"
)

const (
	defaultPollTimeout   = 30 * time.Second
	defaultHistoryLimit  = 50
	defaultRatePerSecond = 25
	defaultBurst         = 5
	defaultRetryAfter    = time.Second
)

type Options struct {
	Token         string
	PollTimeout   time.Duration
	HistoryLimit  int
	RatePerSecond float64
	Burst         int
	Logger        *slog.Logger
}

type Client struct {
	bot          *telego.Bot
	limiter      *rate.Limiter
	pollTimeout  time.Duration
	historyLimit int
	logger       *slog.Logger

	mu      sync.Mutex
	self    *platform.User
	history map[int64][]platform.Message
}

func New(opts Options) (*Client, error) {
	token := strings.TrimSpace(opts.Token)
	if token == "" {
		return nil, fmt.Errorf("telegram bot token is required")
	}
	bot, err := telego.NewBot(token, telego.WithDiscardLogger())
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", redact.Error(err))
	}
	return newClient(bot, opts), nil
}

func newClient(bot *telego.Bot, opts Options) *Client {
	c := &Client{
		bot:          bot,
		pollTimeout:  opts.PollTimeout,
		historyLimit: opts.HistoryLimit,
		logger:       opts.Logger,
		history:      map[int64][]platform.Message{},
	}
	if c.pollTimeout <= 0 {
		c.pollTimeout = defaultPollTimeout
	}
	if c.historyLimit <= 0 {
		c.historyLimit = defaultHistoryLimit
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	perSecond := opts.RatePerSecond
	if perSecond <= 0 {
		perSecond = defaultRatePerSecond
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = defaultBurst
	}
	c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	return c
}

func (c *Client) Self(ctx context.Context) (platform.User, error) {
	c.mu.Lock()
	if c.self != nil {
		u := *c.self
		c.mu.Unlock()
		return u, nil
	}
	c.mu.Unlock()

	if err := c.limiter.Wait(ctx); err != nil {
		return platform.User{}, err
	}
	me, err := c.bot.GetMe(ctx)
	if err != nil {
		return platform.User{}, wrapError("get_me", err)
	}
	u := platform.User{ID: me.ID, Username: me.Username}
	c.mu.Lock()
	c.self = &u
	c.mu.Unlock()
	return u, nil
}

// Resolve accepts a numeric chat id or a public @username.
func (c *Client) Resolve(ctx context.Context, identity string) (platform.Chat, error) {
	identity = strings.TrimSpace(identity)
	if id, err := strconv.ParseInt(identity, 10, 64); err == nil {
		return platform.Chat{ID: id}, nil
	}
	if identity == "" {
		return platform.Chat{}, fmt.Errorf("telegram resolve: empty identity")
	}
	if !strings.HasPrefix(identity, "@") {
		identity = "@" + identity
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return platform.Chat{}, err
	}
	chat, err := c.bot.GetChat(ctx, &telego.GetChatParams{ChatID: telego.ChatID{Username: identity}})
	if err != nil {
		return platform.Chat{}, wrapError("get_chat", err)
	}
	return platform.Chat{ID: chat.ID, Username: identity}, nil
}

func (c *Client) SendText(ctx context.Context, chatID int64, text string) (platform.Message, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return platform.Message{}, err
	}
	sent, err := c.bot.SendMessage(ctx, &telego.SendMessageParams{
		ChatID: telego.ChatID{ID: chatID},
		Text:   text,
	})
	if err != nil {
		return platform.Message{}, wrapError("send_message", err)
	}
	return c.recordSent(sent), nil
}

func (c *Client) SendMedia(ctx context.Context, chatID int64, media platform.Media, caption string) (platform.Message, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return platform.Message{}, err
	}
	target := telego.ChatID{ID: chatID}
	file := telego.InputFile{FileID: media.FileID}

	var (
		sent *telego.Message
		err  error
		op   = "send_" + string(media.Kind)
	)
	switch media.Kind {
	case platform.KindPhoto:
		sent, err = c.bot.SendPhoto(ctx, &telego.SendPhotoParams{ChatID: target, Photo: file, Caption: caption})
	case platform.KindVideo:
		sent, err = c.bot.SendVideo(ctx, &telego.SendVideoParams{ChatID: target, Video: file, Caption: caption})
	case platform.KindDocument:
		sent, err = c.bot.SendDocument(ctx, &telego.SendDocumentParams{ChatID: target, Document: file, Caption: caption})
	case platform.KindVoice:
		sent, err = c.bot.SendVoice(ctx, &telego.SendVoiceParams{ChatID: target, Voice: file, Caption: caption})
	case platform.KindAudio:
		sent, err = c.bot.SendAudio(ctx, &telego.SendAudioParams{ChatID: target, Audio: file, Caption: caption})
	default:
		return c.copyMessage(ctx, chatID, media, caption)
	}
	if err != nil {
		return platform.Message{}, wrapError(op, err)
	}
	return c.recordSent(sent), nil
}

// copyMessage covers media kinds without a dedicated send call (stickers,
// animations, video notes). It needs the source message to still exist.
func (c *Client) copyMessage(ctx context.Context, chatID int64, media platform.Media, caption string) (platform.Message, error) {
	if media.SourceChatID == 0 || media.SourceMsgID == 0 {
		return platform.Message{}, fmt.Errorf("telegram copy_message: media has no source message")
	}
	copied, err := c.bot.CopyMessage(ctx, &telego.CopyMessageParams{
		ChatID:     telego.ChatID{ID: chatID},
		FromChatID: telego.ChatID{ID: media.SourceChatID},
		MessageID:  int(media.SourceMsgID),
		Caption:    caption,
	})
	if err != nil {
		return platform.Message{}, wrapError("copy_message", err)
	}
	m := media
	msg := platform.Message{
		ID:       int64(copied.MessageID),
		ChatID:   chatID,
		Outgoing: true,
		Text:     caption,
		Media:    &m,
		Date:     time.Now(),
	}
	c.remember(msg)
	return msg, nil
}

func (c *Client) EditMessage(ctx context.Context, chatID, msgID int64, kind platform.ContentKind, text string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	var err error
	if kind.CaptionEditable() {
		_, err = c.bot.EditMessageCaption(ctx, &telego.EditMessageCaptionParams{
			ChatID:    telego.ChatID{ID: chatID},
			MessageID: int(msgID),
			Caption:   text,
		})
		if err != nil {
			return wrapError("edit_message_caption", err)
		}
		return nil
	}
	_, err = c.bot.EditMessageText(ctx, &telego.EditMessageTextParams{
		ChatID:    telego.ChatID{ID: chatID},
		MessageID: int(msgID),
		Text:      text,
	})
	if err != nil {
		return wrapError("edit_message_text", err)
	}
	return nil
}

func (c *Client) FetchRecent(ctx context.Context, chatID int64, limit int) ([]platform.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	hist := c.history[chatID]
	if limit <= 0 || limit > len(hist) {
		limit = len(hist)
	}
	out := make([]platform.Message, 0, limit)
	for i := len(hist) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, hist[i])
	}
	return out, nil
}

// Run long-polls for updates and hands each one to h until ctx ends.
func (c *Client) Run(ctx context.Context, h platform.Handler) error {
	self, err := c.Self(ctx)
	if err != nil {
		return err
	}
	updates, err := c.bot.UpdatesViaLongPolling(ctx, &telego.GetUpdatesParams{
		Timeout:        int(c.pollTimeout.Seconds()),
		AllowedUpdates: []string{"message", "edited_message", "channel_post", "edited_channel_post"},
	})
	if err != nil {
		return wrapError("get_updates", err)
	}
	c.logger.Info("telegram_polling_started", "bot_id", self.ID, "username", self.Username)
	for update := range updates {
		ev, ok := c.eventFromUpdate(update, self.ID)
		if !ok {
			continue
		}
		c.remember(ev.Message)
		h.HandleEvent(ctx, ev)
	}
	c.logger.Info("telegram_polling_stopped")
	return ctx.Err()
}

func (c *Client) eventFromUpdate(u telego.Update, selfID int64) (platform.Event, bool) {
	switch {
	case u.Message != nil:
		return newMessageEvent(convertMessage(u.Message, selfID)), true
	case u.ChannelPost != nil:
		return newMessageEvent(convertMessage(u.ChannelPost, selfID)), true
	case u.EditedMessage != nil:
		return platform.Event{Kind: platform.EventEdited, Message: convertMessage(u.EditedMessage, selfID)}, true
	case u.EditedChannelPost != nil:
		return platform.Event{Kind: platform.EventEdited, Message: convertMessage(u.EditedChannelPost, selfID)}, true
	default:
		return platform.Event{}, false
	}
}

func newMessageEvent(m platform.Message) platform.Event {
	kind := platform.EventNewIncoming
	if m.Outgoing {
		kind = platform.EventNewOutgoing
	}
	return platform.Event{Kind: kind, Message: m}
}

func (c *Client) recordSent(sent *telego.Message) platform.Message {
	var selfID int64
	c.mu.Lock()
	if c.self != nil {
		selfID = c.self.ID
	}
	c.mu.Unlock()
	msg := convertMessage(sent, selfID)
	msg.Outgoing = true
	c.remember(msg)
	return msg
}

// remember inserts or replaces msg in its chat window, keeping ids ascending.
func (c *Client) remember(msg platform.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	hist := c.history[msg.ChatID]
	i := sort.Search(len(hist), func(i int) bool { return hist[i].ID >= msg.ID })
	if i < len(hist) && hist[i].ID == msg.ID {
		hist[i] = msg
		return
	}
	hist = append(hist, platform.Message{})
	copy(hist[i+1:], hist[i:])
	hist[i] = msg
	if len(hist) > c.historyLimit {
		hist = hist[len(hist)-c.historyLimit:]
	}
	c.history[msg.ChatID] = hist
}

func convertMessage(m *telego.Message, selfID int64) platform.Message {
	out := platform.Message{
		ID:     int64(m.MessageID),
		ChatID: m.Chat.ID,
		Text:   m.Text,
		Date:   time.Unix(m.Date, 0).UTC(),
	}
	if m.From != nil {
		out.SenderID = m.From.ID
		out.Outgoing = selfID != 0 && m.From.ID == selfID
	}
	if out.Text == "" {
		out.Text = m.Caption
	}
	out.Media = mediaOf(m)
	return out
}

func mediaOf(m *telego.Message) *platform.Media {
	source := func(kind platform.ContentKind, fileID string) *platform.Media {
		return &platform.Media{Kind: kind, FileID: fileID, SourceChatID: m.Chat.ID, SourceMsgID: int64(m.MessageID)}
	}
	switch {
	case len(m.Photo) > 0:
		return source(platform.KindPhoto, m.Photo[len(m.Photo)-1].FileID)
	case m.Animation != nil:
		// Animations also carry a document; they cannot be re-sent as one.
		return source(platform.KindMedia, m.Animation.FileID)
	case m.Video != nil:
		return source(platform.KindVideo, m.Video.FileID)
	case m.Voice != nil:
		return source(platform.KindVoice, m.Voice.FileID)
	case m.Audio != nil:
		return source(platform.KindAudio, m.Audio.FileID)
	case m.Document != nil:
		return source(platform.KindDocument, m.Document.FileID)
	case m.Sticker != nil:
		return source(platform.KindMedia, m.Sticker.FileID)
	case m.VideoNote != nil:
		return source(platform.KindMedia, m.VideoNote.FileID)
	default:
		return nil
	}
}

// wrapError turns a 429 into platform.RateLimitError carrying retry_after.
func wrapError(op string, err error) error {
	var apiErr *telegoapi.Error
	if errors.As(err, &apiErr) && apiErr.ErrorCode == 429 {
		wait := defaultRetryAfter
		if apiErr.Parameters != nil && apiErr.Parameters.RetryAfter > 0 {
			wait = time.Duration(apiErr.Parameters.RetryAfter) * time.Second
		}
		return &platform.RateLimitError{Wait: wait, Op: op}
	}
	return fmt.Errorf("telegram %s: %w", op, redact.Error(err))
}
