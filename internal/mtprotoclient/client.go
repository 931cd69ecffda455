// Package mtprotoclient implements platform.Client as a Telegram user
// account over MTProto.
//
// A user session sees what the account owner sees: bot replies in private
// chats, its own messages typed on other devices, and real chat history. The
// Bot API cannot deliver any of those to a bot, so this is the default client.
package mtprotoclient

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/telegram/message"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"github.com/quailyquaily/relaymirror/internal/platform"
	"github.com/quailyquaily/relaymirror/internal/redact"
	"golang.org/x/time/rate"
)

const (
	defaultRatePerSecond = 1
	defaultBurst         = 3
	defaultRetryAfter    = time.Second
	dialogsPage          = 100
)

type Options struct {
	AppID       int
	AppHash     string
	Phone       string
	Password    string
	SessionPath string
	// Code returns the login code Telegram sent to the account. Only needed
	// until the session file holds an authorization.
	Code func(ctx context.Context) (string, error)
	// PasswordPrompt is asked for the 2FA password when Password is empty.
	PasswordPrompt func(ctx context.Context) (string, error)

	RatePerSecond float64
	Burst         int
	Logger        *slog.Logger
}

// api is the part of *tg.Client the relay uses.
type api interface {
	MessagesSendMessage(ctx context.Context, req *tg.MessagesSendMessageRequest) (tg.UpdatesClass, error)
	MessagesSendMedia(ctx context.Context, req *tg.MessagesSendMediaRequest) (tg.UpdatesClass, error)
	MessagesForwardMessages(ctx context.Context, req *tg.MessagesForwardMessagesRequest) (tg.UpdatesClass, error)
	MessagesEditMessage(ctx context.Context, req *tg.MessagesEditMessageRequest) (tg.UpdatesClass, error)
	MessagesGetHistory(ctx context.Context, req *tg.MessagesGetHistoryRequest) (tg.MessagesMessagesClass, error)
	MessagesGetDialogs(ctx context.Context, req *tg.MessagesGetDialogsRequest) (tg.MessagesDialogsClass, error)
}

type Client struct {
	opts    Options
	tc      *telegram.Client
	limiter *rate.Limiter
	logger  *slog.Logger

	readyOnce sync.Once
	ready     chan struct{}

	mu       sync.Mutex
	api      api
	resolve  func(ctx context.Context, username string) (tg.InputPeerClass, error)
	self     platform.User
	peers    map[int64]tg.InputPeerClass
	handler  platform.Handler
	eventCtx context.Context
}

func New(opts Options) (*Client, error) {
	if opts.AppID == 0 || strings.TrimSpace(opts.AppHash) == "" {
		return nil, fmt.Errorf("telegram api id and hash are required")
	}
	if strings.TrimSpace(opts.Phone) == "" {
		return nil, fmt.Errorf("telegram phone number is required")
	}
	if strings.TrimSpace(opts.SessionPath) == "" {
		return nil, fmt.Errorf("telegram session path is required")
	}
	c := newClient(opts)
	c.tc = telegram.NewClient(opts.AppID, opts.AppHash, telegram.Options{
		SessionStorage: &session.FileStorage{Path: opts.SessionPath},
		UpdateHandler:  telegram.UpdateHandlerFunc(c.onUpdates),
	})
	return c, nil
}

func newClient(opts Options) *Client {
	c := &Client{
		opts:   opts,
		logger: opts.Logger,
		ready:  make(chan struct{}),
		peers:  map[int64]tg.InputPeerClass{},
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

// bind makes the connected API available and releases callers blocked in
// awaitAPI.
func (c *Client) bind(raw api, resolve func(context.Context, string) (tg.InputPeerClass, error), self platform.User) {
	c.mu.Lock()
	c.api = raw
	c.resolve = resolve
	c.self = self
	c.peers[self.ID] = &tg.InputPeerSelf{}
	c.mu.Unlock()
	c.readyOnce.Do(func() { close(c.ready) })
}

func (c *Client) awaitAPI(ctx context.Context) (api, error) {
	select {
	case <-c.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.api, nil
}

// Login authorizes the session file and returns. run does the same on start,
// but a terminal is only guaranteed here.
func (c *Client) Login(ctx context.Context) (platform.User, error) {
	var self platform.User
	err := c.tc.Run(ctx, func(ctx context.Context) error {
		if err := c.authorize(ctx); err != nil {
			return err
		}
		me, err := c.tc.Self(ctx)
		if err != nil {
			return wrapError("get_self", err)
		}
		self = platform.User{ID: me.ID, Username: me.Username}
		return nil
	})
	return self, err
}

// Run connects, authorizes if needed and delivers updates to h until ctx
// ends.
func (c *Client) Run(ctx context.Context, h platform.Handler) error {
	c.mu.Lock()
	c.handler = h
	c.eventCtx = ctx
	c.mu.Unlock()

	return c.tc.Run(ctx, func(runCtx context.Context) error {
		if err := c.authorize(runCtx); err != nil {
			return err
		}
		me, err := c.tc.Self(runCtx)
		if err != nil {
			return wrapError("get_self", err)
		}
		raw := c.tc.API()
		sender := message.NewSender(raw)
		c.bind(raw, func(ctx context.Context, username string) (tg.InputPeerClass, error) {
			return sender.Resolve(username).AsInputPeer(ctx)
		}, platform.User{ID: me.ID, Username: me.Username})

		// Telegram starts pushing updates to a session once it has asked for
		// the update state.
		if _, err := raw.UpdatesGetState(runCtx); err != nil {
			return wrapError("get_state", err)
		}
		c.logger.Info("mtproto_connected", "user_id", me.ID, "username", me.Username)
		<-runCtx.Done()
		c.logger.Info("mtproto_disconnected")
		return runCtx.Err()
	})
}

func (c *Client) authorize(ctx context.Context) error {
	flow := auth.NewFlow(userAuth{
		UserAuthenticator: auth.Constant(c.opts.Phone, c.opts.Password, auth.CodeAuthenticatorFunc(c.loginCode)),
		password:          c.password,
	}, auth.SendCodeOptions{})
	if err := c.tc.Auth().IfNecessary(ctx, flow); err != nil {
		return fmt.Errorf("telegram login: %w", redact.Error(err))
	}
	return nil
}

func (c *Client) loginCode(ctx context.Context, _ *tg.AuthSentCode) (string, error) {
	if c.opts.Code == nil {
		return "", fmt.Errorf("session is not authorized; run `relaymirror login` first")
	}
	code, err := c.opts.Code(ctx)
	return strings.TrimSpace(code), err
}

func (c *Client) password(ctx context.Context) (string, error) {
	if c.opts.Password != "" {
		return c.opts.Password, nil
	}
	if c.opts.PasswordPrompt == nil {
		return "", auth.ErrPasswordNotProvided
	}
	return c.opts.PasswordPrompt(ctx)
}

// userAuth asks for the 2FA password only when the account has one.
type userAuth struct {
	auth.UserAuthenticator
	password func(ctx context.Context) (string, error)
}

func (a userAuth) Password(ctx context.Context) (string, error) {
	return a.password(ctx)
}

func (c *Client) Self(ctx context.Context) (platform.User, error) {
	select {
	case <-c.ready:
	case <-ctx.Done():
		return platform.User{}, ctx.Err()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.self, nil
}

// Resolve accepts a marked numeric chat id or a public @username.
func (c *Client) Resolve(ctx context.Context, identity string) (platform.Chat, error) {
	identity = strings.TrimSpace(identity)
	if id, err := strconv.ParseInt(identity, 10, 64); err == nil {
		return platform.Chat{ID: id}, nil
	}
	name := strings.TrimPrefix(identity, "@")
	if name == "" {
		return platform.Chat{}, fmt.Errorf("telegram resolve: empty identity")
	}
	if _, err := c.awaitAPI(ctx); err != nil {
		return platform.Chat{}, err
	}
	c.mu.Lock()
	resolve := c.resolve
	c.mu.Unlock()
	peer, err := resolve(ctx, name)
	if err != nil {
		return platform.Chat{}, wrapError("resolve_username", err)
	}
	id, ok := inputPeerID(peer)
	if !ok {
		return platform.Chat{}, fmt.Errorf("telegram resolve %s: unsupported peer %T", identity, peer)
	}
	c.mu.Lock()
	c.peers[id] = peer
	c.mu.Unlock()
	return platform.Chat{ID: id, Username: "@" + name}, nil
}

func (c *Client) SendText(ctx context.Context, chatID int64, text string) (platform.Message, error) {
	raw, err := c.awaitAPI(ctx)
	if err != nil {
		return platform.Message{}, err
	}
	peer, err := c.inputPeer(ctx, raw, chatID)
	if err != nil {
		return platform.Message{}, err
	}
	res, err := raw.MessagesSendMessage(ctx, &tg.MessagesSendMessageRequest{
		Peer:     peer,
		Message:  text,
		RandomID: rand.Int64(),
	})
	if err != nil {
		return platform.Message{}, wrapError("send_message", err)
	}
	sent := c.sentMessage(res, chatID)
	if sent.Text == "" {
		sent.Text = text
	}
	return sent, nil
}

func (c *Client) SendMedia(ctx context.Context, chatID int64, media platform.Media, caption string) (platform.Message, error) {
	raw, err := c.awaitAPI(ctx)
	if err != nil {
		return platform.Message{}, err
	}
	peer, err := c.inputPeer(ctx, raw, chatID)
	if err != nil {
		return platform.Message{}, err
	}
	if media.FileID == "" {
		return c.forward(ctx, raw, peer, chatID, media)
	}
	input, err := decodeInputMedia(media.FileID)
	if err != nil {
		return platform.Message{}, err
	}
	op := "send_" + string(media.Kind)
	res, err := raw.MessagesSendMedia(ctx, &tg.MessagesSendMediaRequest{
		Peer:     peer,
		Media:    input,
		Message:  caption,
		RandomID: rand.Int64(),
	})
	if err != nil {
		return platform.Message{}, wrapError(op, err)
	}
	sent := c.sentMessage(res, chatID)
	if sent.Media == nil {
		m := media
		sent.Media = &m
	}
	if sent.Text == "" {
		sent.Text = caption
	}
	return sent, nil
}

// forward copies a message without its author header. Used for media that
// has no re-sendable file (polls, locations, contacts).
func (c *Client) forward(ctx context.Context, raw api, to tg.InputPeerClass, chatID int64, media platform.Media) (platform.Message, error) {
	if media.SourceChatID == 0 || media.SourceMsgID == 0 {
		return platform.Message{}, fmt.Errorf("telegram forward: media has no source message")
	}
	from, err := c.inputPeer(ctx, raw, media.SourceChatID)
	if err != nil {
		return platform.Message{}, err
	}
	res, err := raw.MessagesForwardMessages(ctx, &tg.MessagesForwardMessagesRequest{
		FromPeer:   from,
		ID:         []int{int(media.SourceMsgID)},
		RandomID:   []int64{rand.Int64()},
		ToPeer:     to,
		DropAuthor: true,
	})
	if err != nil {
		return platform.Message{}, wrapError("forward_messages", err)
	}
	sent := c.sentMessage(res, chatID)
	if sent.Media == nil {
		m := media
		sent.Media = &m
	}
	return sent, nil
}

// EditMessage sets the text of a text message or the caption of a media
// message; MTProto uses one call for both.
func (c *Client) EditMessage(ctx context.Context, chatID, msgID int64, kind platform.ContentKind, text string) error {
	raw, err := c.awaitAPI(ctx)
	if err != nil {
		return err
	}
	peer, err := c.inputPeer(ctx, raw, chatID)
	if err != nil {
		return err
	}
	_, err = raw.MessagesEditMessage(ctx, &tg.MessagesEditMessageRequest{
		Peer:    peer,
		ID:      int(msgID),
		Message: text,
	})
	if err != nil {
		if tgerr.Is(err, "MESSAGE_NOT_MODIFIED") {
			return nil
		}
		op := "edit_message_text"
		if kind.CaptionEditable() {
			op = "edit_message_caption"
		}
		return wrapError(op, err)
	}
	return nil
}

// FetchRecent reads real chat history, newest first.
func (c *Client) FetchRecent(ctx context.Context, chatID int64, limit int) ([]platform.Message, error) {
	raw, err := c.awaitAPI(ctx)
	if err != nil {
		return nil, err
	}
	peer, err := c.inputPeer(ctx, raw, chatID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = dialogsPage
	}
	res, err := raw.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{Peer: peer, Limit: limit})
	if err != nil {
		return nil, wrapError("get_history", err)
	}
	var list []tg.MessageClass
	switch res := res.(type) {
	case *tg.MessagesMessages:
		c.rememberEntities(res.Users, res.Chats)
		list = res.Messages
	case *tg.MessagesMessagesSlice:
		c.rememberEntities(res.Users, res.Chats)
		list = res.Messages
	case *tg.MessagesChannelMessages:
		c.rememberEntities(res.Users, res.Chats)
		list = res.Messages
	}
	selfID := c.selfID()
	out := make([]platform.Message, 0, len(list))
	for _, m := range list {
		if msg, ok := m.(*tg.Message); ok {
			out = append(out, convertMessage(msg, selfID))
		}
	}
	return out, nil
}

func (c *Client) selfID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.self.ID
}

// inputPeer maps a marked chat id to the peer MTProto wants. Users and
// channels need an access hash, which only the dialog list or an update
// carrying the entity provides.
func (c *Client) inputPeer(ctx context.Context, raw api, chatID int64) (tg.InputPeerClass, error) {
	if p, ok := c.lookupPeer(chatID); ok {
		return p, nil
	}
	if isBasicChat(chatID) {
		return &tg.InputPeerChat{ChatID: -chatID}, nil
	}
	if err := c.loadDialogs(ctx, raw); err != nil {
		return nil, err
	}
	if p, ok := c.lookupPeer(chatID); ok {
		return p, nil
	}
	return nil, fmt.Errorf("telegram: chat %d is unknown to this account", chatID)
}

func (c *Client) lookupPeer(chatID int64) (tg.InputPeerClass, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.peers[chatID]
	return p, ok
}

func (c *Client) loadDialogs(ctx context.Context, raw api) error {
	res, err := raw.MessagesGetDialogs(ctx, &tg.MessagesGetDialogsRequest{
		OffsetPeer: &tg.InputPeerEmpty{},
		Limit:      dialogsPage,
	})
	if err != nil {
		return wrapError("get_dialogs", err)
	}
	switch res := res.(type) {
	case *tg.MessagesDialogs:
		c.rememberEntities(res.Users, res.Chats)
	case *tg.MessagesDialogsSlice:
		c.rememberEntities(res.Users, res.Chats)
	}
	return nil
}

func (c *Client) rememberEntities(users []tg.UserClass, chats []tg.ChatClass) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, u := range users {
		if user, ok := u.(*tg.User); ok {
			c.peers[user.ID] = &tg.InputPeerUser{UserID: user.ID, AccessHash: user.AccessHash}
		}
	}
	for _, ch := range chats {
		switch ch := ch.(type) {
		case *tg.Chat:
			c.peers[-ch.ID] = &tg.InputPeerChat{ChatID: ch.ID}
		case *tg.Channel:
			c.peers[markChannel(ch.ID)] = &tg.InputPeerChannel{ChannelID: ch.ID, AccessHash: ch.AccessHash}
		}
	}
}

// sentMessage pulls the message the server created out of a send response.
func (c *Client) sentMessage(res tg.UpdatesClass, chatID int64) platform.Message {
	selfID := c.selfID()
	out := platform.Message{ChatID: chatID, SenderID: selfID, Outgoing: true, Date: time.Now().UTC()}
	var list []tg.UpdateClass
	switch res := res.(type) {
	case *tg.UpdateShortSentMessage:
		out.ID = int64(res.ID)
		out.Date = unixTime(res.Date)
		return out
	case *tg.Updates:
		c.rememberEntities(res.Users, res.Chats)
		list = res.Updates
	case *tg.UpdatesCombined:
		c.rememberEntities(res.Users, res.Chats)
		list = res.Updates
	case *tg.UpdateShort:
		list = []tg.UpdateClass{res.Update}
	}
	for _, u := range list {
		var m tg.MessageClass
		switch u := u.(type) {
		case *tg.UpdateMessageID:
			if out.ID == 0 {
				out.ID = int64(u.ID)
			}
			continue
		case *tg.UpdateNewMessage:
			m = u.Message
		case *tg.UpdateNewChannelMessage:
			m = u.Message
		default:
			continue
		}
		if msg, ok := m.(*tg.Message); ok {
			converted := convertMessage(msg, selfID)
			converted.Outgoing = true
			return converted
		}
	}
	return out
}

func (c *Client) onUpdates(_ context.Context, u tg.UpdatesClass) error {
	c.mu.Lock()
	h, ctx, selfID := c.handler, c.eventCtx, c.self.ID
	c.mu.Unlock()
	if h == nil {
		return nil
	}
	for _, ev := range c.eventsFrom(u, selfID) {
		h.HandleEvent(ctx, ev)
	}
	return nil
}

func (c *Client) eventsFrom(u tg.UpdatesClass, selfID int64) []platform.Event {
	switch u := u.(type) {
	case *tg.Updates:
		c.rememberEntities(u.Users, u.Chats)
		return eventsFromList(u.Updates, selfID)
	case *tg.UpdatesCombined:
		c.rememberEntities(u.Users, u.Chats)
		return eventsFromList(u.Updates, selfID)
	case *tg.UpdateShort:
		return eventsFromList([]tg.UpdateClass{u.Update}, selfID)
	case *tg.UpdateShortMessage:
		sender := u.UserID
		if u.Out {
			sender = selfID
		}
		return []platform.Event{newMessageEvent(platform.Message{
			ID:       int64(u.ID),
			ChatID:   u.UserID,
			SenderID: sender,
			Outgoing: u.Out,
			Text:     u.Message,
			Date:     unixTime(u.Date),
		})}
	case *tg.UpdateShortChatMessage:
		return []platform.Event{newMessageEvent(platform.Message{
			ID:       int64(u.ID),
			ChatID:   -u.ChatID,
			SenderID: u.FromID,
			Outgoing: u.Out,
			Text:     u.Message,
			Date:     unixTime(u.Date),
		})}
	default:
		return nil
	}
}

func eventsFromList(list []tg.UpdateClass, selfID int64) []platform.Event {
	var out []platform.Event
	for _, u := range list {
		var (
			m      tg.MessageClass
			edited bool
		)
		switch u := u.(type) {
		case *tg.UpdateNewMessage:
			m = u.Message
		case *tg.UpdateNewChannelMessage:
			m = u.Message
		case *tg.UpdateEditMessage:
			m, edited = u.Message, true
		case *tg.UpdateEditChannelMessage:
			m, edited = u.Message, true
		default:
			continue
		}
		msg, ok := m.(*tg.Message)
		if !ok {
			continue
		}
		converted := convertMessage(msg, selfID)
		if edited {
			out = append(out, platform.Event{Kind: platform.EventEdited, Message: converted})
			continue
		}
		out = append(out, newMessageEvent(converted))
	}
	return out
}

func newMessageEvent(m platform.Message) platform.Event {
	kind := platform.EventNewIncoming
	if m.Outgoing {
		kind = platform.EventNewOutgoing
	}
	return platform.Event{Kind: kind, Message: m}
}

// wrapError turns FLOOD_WAIT and SLOWMODE_WAIT into platform.RateLimitError.
func wrapError(op string, err error) error {
	if wait, ok := tgerr.AsFloodWait(err); ok {
		if wait <= 0 {
			wait = defaultRetryAfter
		}
		return &platform.RateLimitError{Wait: wait, Op: op}
	}
	if rpcErr, ok := tgerr.As(err); ok && rpcErr.IsType("SLOWMODE_WAIT") {
		wait := time.Duration(rpcErr.Argument) * time.Second
		if wait <= 0 {
			wait = defaultRetryAfter
		}
		return &platform.RateLimitError{Wait: wait, Op: op}
	}
	return fmt.Errorf("telegram %s: %w", op, redact.Error(err))
}

func unixTime(sec int) time.Time {
	return time.Unix(int64(sec), 0).UTC()
}
