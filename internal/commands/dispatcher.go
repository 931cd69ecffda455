// Package commands routes platform events to relay, edit mirroring and the
// owner's configuration commands.
package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/quailyquaily/relaymirror/internal/platform"
	"github.com/quailyquaily/relaymirror/internal/relay"
	"github.com/quailyquaily/relaymirror/internal/state"
)

const RelayPrefix = "/strco"

const helpText = `Relay commands

/strco <message> - relay a message to the target bot

Bot configuration:
/setstrco @BotUsername - set the bot for this chat
/setstrcoglobal @BotUsername - set the global default bot
/unsetstrco - clear this chat's bot
/strcobot - show the current target bot

Access control (owner only):
/allow <user_id> - allow a user to use /strco
/disallow <user_id> - revoke access
/allowed - list allowed users
/strcoset <setting> <value> - tune timeout, idle, edit_debounce or retention_hours

/strcohelp - show this help`

type Relayer interface {
	Relay(ctx context.Context, t relay.Trigger) (relay.Result, error)
}

type EditHandler interface {
	HandleEdit(ctx context.Context, edited platform.Message) (relay.EditResult, error)
}

const (
	chatQueueSize  = 64
	chatWorkerIdle = 2 * time.Minute
)

type Options struct {
	Client  platform.Client
	Config  *state.ConfigStore
	Relayer Relayer
	Edits   EditHandler
	Logger  *slog.Logger
	Metrics *relay.Metrics
}

// Dispatcher implements platform.Handler. HandleEvent only enqueues: each
// chat has its own worker, so a slow or throttled chat never holds up the
// update loop or other chats.
type Dispatcher struct {
	client  platform.Client
	config  *state.ConfigStore
	relayer Relayer
	edits   EditHandler
	logger  *slog.Logger
	metrics *relay.Metrics

	mu      sync.Mutex
	workers map[int64]*chatWorker
	wg      sync.WaitGroup
}

type chatWorker struct {
	jobs chan func()
}

func New(opts Options) (*Dispatcher, error) {
	if opts.Client == nil || opts.Config == nil || opts.Relayer == nil {
		return nil, fmt.Errorf("commands: client, config and relayer are required")
	}
	d := &Dispatcher{
		client:  opts.Client,
		config:  opts.Config,
		relayer: opts.Relayer,
		edits:   opts.Edits,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		workers: map[int64]*chatWorker{},
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	return d, nil
}

// Wait blocks until every queued event and every relay it started is done.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) HandleEvent(ctx context.Context, ev platform.Event) {
	switch ev.Kind {
	case platform.EventEdited:
		msg := ev.Message
		if msg.Outgoing || d.edits == nil {
			return
		}
		d.enqueue(msg.ChatID, func() { d.handleEdit(ctx, msg) })
	case platform.EventNewOutgoing, platform.EventNewIncoming:
		d.enqueue(ev.Message.ChatID, func() { d.handleMessage(ctx, ev) })
	}
}

// enqueue runs job on chatID's worker, in arrival order for that chat. A full
// queue drops the job rather than block the caller.
func (d *Dispatcher) enqueue(chatID int64, job func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	w, ok := d.workers[chatID]
	if !ok {
		w = &chatWorker{jobs: make(chan func(), chatQueueSize)}
		d.workers[chatID] = w
		go d.runWorker(chatID, w)
	}
	d.wg.Add(1)
	select {
	case w.jobs <- job:
	default:
		d.wg.Done()
		d.logger.Warn("chat_queue_full", "chat_id", chatID, "capacity", chatQueueSize)
	}
}

func (d *Dispatcher) runWorker(chatID int64, w *chatWorker) {
	idle := time.NewTimer(chatWorkerIdle)
	defer idle.Stop()
	for {
		select {
		case job := <-w.jobs:
			job()
			d.wg.Done()
			idle.Reset(chatWorkerIdle)
		case <-idle.C:
			d.mu.Lock()
			if len(w.jobs) == 0 {
				delete(d.workers, chatID)
				d.mu.Unlock()
				return
			}
			d.mu.Unlock()
			idle.Reset(chatWorkerIdle)
		}
	}
}

func (d *Dispatcher) handleEdit(ctx context.Context, msg platform.Message) {
	result, err := d.edits.HandleEdit(ctx, msg)
	if err != nil {
		d.logger.Warn("edit_mirror_failed", "chat_id", msg.ChatID, "msg_id", msg.ID, "result", string(result), "error", err.Error())
		return
	}
	d.logger.Debug("edit_handled", "chat_id", msg.ChatID, "msg_id", msg.ID, "result", string(result))
}

func (d *Dispatcher) handleMessage(ctx context.Context, ev platform.Event) {
	msg := ev.Message
	word, args := splitCommand(msg.Text)
	cmd := normalizeSlashCommand(word)
	if cmd == "" {
		return
	}
	owner, err := d.isOwner(ctx, ev)
	if err != nil {
		d.logger.Warn("owner_lookup_failed", "error", err.Error())
		return
	}
	principal := msg.SenderID
	if ev.Kind == platform.EventNewOutgoing && owner {
		if id, err := d.config.OwnerID(ctx); err == nil && id != 0 {
			principal = id
		}
	}

	switch cmd {
	case "/strcohelp":
		if d.mayQuery(ctx, owner, principal) {
			d.reply(ctx, msg.ChatID, helpText)
		}
	case "/setstrco":
		if owner {
			d.setChatBot(ctx, msg.ChatID, args)
		}
	case "/setstrcoglobal":
		if owner {
			d.setGlobalBot(ctx, msg.ChatID, args)
		}
	case "/unsetstrco":
		if owner {
			d.unsetChatBot(ctx, msg.ChatID)
		}
	case "/strcobot":
		if d.mayQuery(ctx, owner, principal) {
			d.showBot(ctx, msg.ChatID)
		}
	case "/allow":
		if d.requireOwner(ctx, owner, msg.ChatID) {
			d.allow(ctx, msg.ChatID, args)
		}
	case "/disallow":
		if d.requireOwner(ctx, owner, msg.ChatID) {
			d.disallow(ctx, msg.ChatID, args)
		}
	case "/allowed":
		if d.requireOwner(ctx, owner, msg.ChatID) {
			d.listAllowed(ctx, msg.ChatID)
		}
	case "/strcoset":
		if d.requireOwner(ctx, owner, msg.ChatID) {
			d.setSetting(ctx, msg.ChatID, args)
		}
	default:
		if strings.HasPrefix(cmd, RelayPrefix) {
			d.startRelay(ctx, principal, msg)
		}
	}
}

func (d *Dispatcher) isOwner(ctx context.Context, ev platform.Event) (bool, error) {
	if ev.Kind == platform.EventNewOutgoing || ev.Message.Outgoing {
		return true, nil
	}
	return d.config.IsOwner(ctx, ev.Message.SenderID)
}

func (d *Dispatcher) mayQuery(ctx context.Context, owner bool, principal int64) bool {
	if owner {
		return true
	}
	ok, err := d.config.IsAllowed(ctx, principal)
	return err == nil && ok
}

func (d *Dispatcher) requireOwner(ctx context.Context, owner bool, chatID int64) bool {
	if !owner {
		d.reply(ctx, chatID, "Not allowed.")
	}
	return owner
}

func (d *Dispatcher) startRelay(ctx context.Context, principal int64, msg platform.Message) {
	msg.Text = stripRelayPrefix(msg.Text)
	trigger := relay.Trigger{OriginChatID: msg.ChatID, PrincipalID: principal, Message: msg}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		res, err := d.relayer.Relay(ctx, trigger)
		if err != nil {
			d.logger.Warn("relay_error", "origin_chat_id", msg.ChatID, "outcome", string(res.Outcome), "error", err.Error())
			return
		}
		d.logger.Debug("relay_finished", "origin_chat_id", msg.ChatID, "outcome", string(res.Outcome))
	}()
}

func (d *Dispatcher) setChatBot(ctx context.Context, chatID int64, args string) {
	bot, ok := botArgument(args)
	if !ok {
		d.reply(ctx, chatID, "Usage: /setstrco @BotUsername")
		return
	}
	if err := d.config.SetChatBot(ctx, chatID, bot); err != nil {
		d.fail(ctx, chatID, "set_chat_bot", err)
		return
	}
	d.reply(ctx, chatID, "Target bot for this chat set to: "+bot)
}

func (d *Dispatcher) setGlobalBot(ctx context.Context, chatID int64, args string) {
	bot, ok := botArgument(args)
	if !ok {
		d.reply(ctx, chatID, "Usage: /setstrcoglobal @BotUsername")
		return
	}
	if err := d.config.SetGlobalBot(ctx, bot); err != nil {
		d.fail(ctx, chatID, "set_global_bot", err)
		return
	}
	d.reply(ctx, chatID, "Global target bot set to: "+bot)
}

func (d *Dispatcher) unsetChatBot(ctx context.Context, chatID int64) {
	cleared, err := d.config.ClearChatBot(ctx, chatID)
	if err != nil {
		d.fail(ctx, chatID, "clear_chat_bot", err)
		return
	}
	if !cleared {
		d.reply(ctx, chatID, "No chat-specific bot was set.")
		return
	}
	d.reply(ctx, chatID, "Chat-specific bot cleared.")
}

func (d *Dispatcher) showBot(ctx context.Context, chatID int64) {
	bot, err := d.config.ChatBot(ctx, chatID)
	if err != nil {
		d.fail(ctx, chatID, "chat_bot", err)
		return
	}
	if bot == "" {
		d.reply(ctx, chatID, "No target bot configured. Use /setstrco or /setstrcoglobal")
		return
	}
	d.reply(ctx, chatID, "Current target bot: "+bot)
}

func (d *Dispatcher) allow(ctx context.Context, chatID int64, args string) {
	id, err := strconv.ParseInt(strings.TrimSpace(args), 10, 64)
	if err != nil || id == 0 {
		d.reply(ctx, chatID, "Usage: /allow <user_id>")
		return
	}
	if _, err := d.config.Allow(ctx, id); err != nil {
		d.fail(ctx, chatID, "allow", err)
		return
	}
	d.reply(ctx, chatID, fmt.Sprintf("User %d is now allowed to use %s", id, RelayPrefix))
}

func (d *Dispatcher) disallow(ctx context.Context, chatID int64, args string) {
	id, err := strconv.ParseInt(strings.TrimSpace(args), 10, 64)
	if err != nil {
		d.reply(ctx, chatID, "Usage: /disallow <user_id>")
		return
	}
	removed, err := d.config.Disallow(ctx, id)
	if err != nil {
		d.fail(ctx, chatID, "disallow", err)
		return
	}
	if !removed {
		d.reply(ctx, chatID, "Cannot remove owner or user not in list")
		return
	}
	d.reply(ctx, chatID, fmt.Sprintf("User %d access revoked", id))
}

func (d *Dispatcher) listAllowed(ctx context.Context, chatID int64) {
	users, err := d.config.AllowedUsers(ctx)
	if err != nil {
		d.fail(ctx, chatID, "allowed_users", err)
		return
	}
	if len(users) == 0 {
		d.reply(ctx, chatID, "No users allowed")
		return
	}
	owner, _ := d.config.OwnerID(ctx)
	var b strings.Builder
	b.WriteString("Allowed users:")
	for _, id := range users {
		fmt.Fprintf(&b, "\n- %d", id)
		if id == owner {
			b.WriteString(" (owner)")
		}
	}
	d.reply(ctx, chatID, b.String())
}

func (d *Dispatcher) setSetting(ctx context.Context, chatID int64, args string) {
	const usage = "Usage: /strcoset <timeout|idle|edit_debounce|retention_hours> <value>"
	fields := strings.Fields(args)
	if len(fields) != 2 {
		d.reply(ctx, chatID, usage)
		return
	}
	value, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		d.reply(ctx, chatID, usage)
		return
	}
	settings, err := d.config.SetSetting(ctx, fields[0], value)
	switch {
	case errors.Is(err, state.ErrUnknownSetting), errors.Is(err, state.ErrInvalidSetting):
		d.reply(ctx, chatID, usage)
		return
	case err != nil:
		d.fail(ctx, chatID, "set_setting", err)
		return
	}
	d.reply(ctx, chatID, fmt.Sprintf("Settings: timeout=%gs idle=%gs edit_debounce=%gs retention=%gh",
		settings.HardTimeoutSeconds, settings.IdleTimeoutSeconds, settings.EditDebounceSeconds, settings.RetentionHours))
}

func (d *Dispatcher) fail(ctx context.Context, chatID int64, op string, err error) {
	d.logger.Error("command_failed", "op", op, "chat_id", chatID, "error", err.Error())
	d.reply(ctx, chatID, "Command failed, see logs.")
}

func (d *Dispatcher) reply(ctx context.Context, chatID int64, text string) {
	if _, err := relay.SendText(ctx, d.client, d.logger, d.metrics, "command_reply", chatID, text); err != nil {
		d.logger.Warn("command_reply_failed", "chat_id", chatID, "error", err.Error())
	}
}

func splitCommand(text string) (cmd string, rest string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ""
	}
	i := strings.IndexAny(text, " \n\t")
	if i == -1 {
		return text, ""
	}
	return text[:i], strings.TrimSpace(text[i:])
}

// normalizeSlashCommand lowercases cmd and drops a "@BotName" suffix.
func normalizeSlashCommand(cmd string) string {
	cmd = strings.TrimSpace(cmd)
	if cmd == "" || !strings.HasPrefix(cmd, "/") {
		return ""
	}
	if at := strings.IndexByte(cmd, '@'); at >= 0 {
		cmd = cmd[:at]
	}
	return strings.ToLower(cmd)
}

// stripRelayPrefix removes the leading trigger word, keeping the rest verbatim.
func stripRelayPrefix(text string) string {
	trimmed := strings.TrimLeft(text, " \t\n")
	word, _ := splitCommand(trimmed)
	if !strings.HasPrefix(strings.ToLower(word), RelayPrefix) {
		return text
	}
	return strings.TrimLeft(trimmed[len(word):], " \t\n")
}

func botArgument(args string) (string, bool) {
	bot := strings.TrimSpace(args)
	if !strings.HasPrefix(bot, "@") || len(bot) < 2 || strings.ContainsAny(bot, " \t\n") {
		return "", false
	}
	return bot, true
}
