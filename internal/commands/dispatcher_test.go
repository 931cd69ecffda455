package commands

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/quailyquaily/relaymirror/internal/platform"
	"github.com/quailyquaily/relaymirror/internal/relay"
	"github.com/quailyquaily/relaymirror/internal/state"
)

const (
	owner = int64(1)
	chat  = int64(42)
)

type replyClient struct {
	mu       sync.Mutex
	replies  []string
	sendErrs []error
	attempts int
}

func (c *replyClient) Self(context.Context) (platform.User, error) { return platform.User{ID: 900}, nil }
func (c *replyClient) Resolve(context.Context, string) (platform.Chat, error) {
	return platform.Chat{}, nil
}
func (c *replyClient) SendText(_ context.Context, chatID int64, text string) (platform.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts++
	if len(c.sendErrs) > 0 {
		err := c.sendErrs[0]
		c.sendErrs = c.sendErrs[1:]
		if err != nil {
			return platform.Message{}, err
		}
	}
	c.replies = append(c.replies, text)
	return platform.Message{ID: int64(len(c.replies)), ChatID: chatID, Outgoing: true, Text: text}, nil
}
func (c *replyClient) SendMedia(context.Context, int64, platform.Media, string) (platform.Message, error) {
	return platform.Message{}, nil
}
func (c *replyClient) EditMessage(context.Context, int64, int64, platform.ContentKind, string) error {
	return nil
}
func (c *replyClient) FetchRecent(context.Context, int64, int) ([]platform.Message, error) {
	return nil, nil
}

func (c *replyClient) last() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.replies) == 0 {
		return ""
	}
	return c.replies[len(c.replies)-1]
}

func (c *replyClient) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.replies)
}

type recordingRelayer struct {
	mu       sync.Mutex
	triggers []relay.Trigger
}

func (r *recordingRelayer) Relay(_ context.Context, t relay.Trigger) (relay.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.triggers = append(r.triggers, t)
	return relay.Result{Outcome: relay.OutcomeMirrored}, nil
}

type recordingEdits struct {
	edited []platform.Message
}

func (e *recordingEdits) HandleEdit(_ context.Context, m platform.Message) (relay.EditResult, error) {
	e.edited = append(e.edited, m)
	return relay.EditInPlace, nil
}

type fixture struct {
	client  *replyClient
	config  *state.ConfigStore
	relayer *recordingRelayer
	edits   *recordingEdits
	d       *Dispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	stores, err := state.Open(state.Options{Dir: filepath.Join(t.TempDir(), "state"), OwnerID: owner})
	if err != nil {
		t.Fatalf("state.Open() error = %v", err)
	}
	f := &fixture{client: &replyClient{}, config: stores.Config, relayer: &recordingRelayer{}, edits: &recordingEdits{}}
	f.d, err = New(Options{Client: f.client, Config: f.config, Relayer: f.relayer, Edits: f.edits})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return f
}

func (f *fixture) send(kind platform.EventKind, sender int64, text string) {
	f.d.HandleEvent(context.Background(), platform.Event{
		Kind:    kind,
		Message: platform.Message{ID: 7, ChatID: chat, SenderID: sender, Outgoing: kind == platform.EventNewOutgoing, Text: text},
	})
	f.d.Wait()
}

func TestRelayTriggerStripsPrefix(t *testing.T) {
	f := newFixture(t)
	f.send(platform.EventNewIncoming, 5, "/strco  what is 2+2?")
	f.send(platform.EventNewIncoming, 5, "hello there")

	if len(f.relayer.triggers) != 1 {
		t.Fatalf("triggers = %d, want 1", len(f.relayer.triggers))
	}
	got := f.relayer.triggers[0]
	if got.Message.Text != "what is 2+2?" {
		t.Fatalf("forwarded text = %q", got.Message.Text)
	}
	if got.PrincipalID != 5 || got.OriginChatID != chat {
		t.Fatalf("trigger = %+v", got)
	}
}

func TestOutgoingTriggerUsesOwnerPrincipal(t *testing.T) {
	f := newFixture(t)
	f.send(platform.EventNewOutgoing, 900, "/strco@relay_bot ping")
	if len(f.relayer.triggers) != 1 || f.relayer.triggers[0].PrincipalID != owner {
		t.Fatalf("triggers = %+v", f.relayer.triggers)
	}
	if f.relayer.triggers[0].Message.Text != "ping" {
		t.Fatalf("text = %q", f.relayer.triggers[0].Message.Text)
	}
}

func TestSetBotCommands(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.send(platform.EventNewIncoming, 5, "/setstrco @intruder_bot")
	if f.client.count() != 0 {
		t.Fatalf("non-owner /setstrco must be silent, got %q", f.client.last())
	}

	f.send(platform.EventNewIncoming, owner, "/setstrco answer_bot")
	if !strings.HasPrefix(f.client.last(), "Usage: /setstrco") {
		t.Fatalf("reply = %q", f.client.last())
	}

	f.send(platform.EventNewIncoming, owner, "/setstrcoglobal @global_bot")
	f.send(platform.EventNewIncoming, owner, "/setstrco @chat_bot")
	if bot, _ := f.config.ChatBot(ctx, chat); bot != "@chat_bot" {
		t.Fatalf("ChatBot = %q", bot)
	}
	f.send(platform.EventNewIncoming, owner, "/strcobot")
	if f.client.last() != "Current target bot: @chat_bot" {
		t.Fatalf("reply = %q", f.client.last())
	}

	f.send(platform.EventNewIncoming, owner, "/unsetstrco")
	if bot, _ := f.config.ChatBot(ctx, chat); bot != "@global_bot" {
		t.Fatalf("ChatBot after unset = %q", bot)
	}
}

func TestAccessCommands(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.send(platform.EventNewIncoming, 5, "/allow 5")
	if f.client.last() != "Not allowed." {
		t.Fatalf("reply = %q", f.client.last())
	}

	f.send(platform.EventNewIncoming, owner, "/allow abc")
	if f.client.last() != "Usage: /allow <user_id>" {
		t.Fatalf("reply = %q", f.client.last())
	}

	f.send(platform.EventNewIncoming, owner, "/allow 5")
	if ok, _ := f.config.IsAllowed(ctx, 5); !ok {
		t.Fatalf("user 5 should be allowed")
	}

	f.send(platform.EventNewIncoming, owner, "/allowed")
	if got := f.client.last(); !strings.Contains(got, "- 1 (owner)") || !strings.Contains(got, "- 5") {
		t.Fatalf("allowed list = %q", got)
	}

	f.send(platform.EventNewIncoming, owner, "/disallow 1")
	if f.client.last() != "Cannot remove owner or user not in list" {
		t.Fatalf("reply = %q", f.client.last())
	}
	f.send(platform.EventNewIncoming, owner, "/disallow 5")
	if ok, _ := f.config.IsAllowed(ctx, 5); ok {
		t.Fatalf("user 5 should be revoked")
	}
}

func TestSettingCommand(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.send(platform.EventNewIncoming, owner, "/strcoset timeout 90")
	settings, err := f.config.Settings(ctx)
	if err != nil {
		t.Fatalf("Settings() error = %v", err)
	}
	if settings.HardTimeoutSeconds != 90 {
		t.Fatalf("timeout = %v", settings.HardTimeoutSeconds)
	}

	for _, args := range []string{"/strcoset bogus 1", "/strcoset idle -1", "/strcoset idle"} {
		f.send(platform.EventNewIncoming, owner, args)
		if !strings.HasPrefix(f.client.last(), "Usage: /strcoset") {
			t.Fatalf("%s -> %q", args, f.client.last())
		}
	}
	if len(f.relayer.triggers) != 0 {
		t.Fatalf("settings command must not relay")
	}
}

func TestHelpRequiresAccess(t *testing.T) {
	f := newFixture(t)
	f.send(platform.EventNewIncoming, 5, "/strcohelp")
	if f.client.count() != 0 {
		t.Fatalf("help leaked to stranger")
	}
	f.send(platform.EventNewOutgoing, 900, "/strcohelp")
	if !strings.Contains(f.client.last(), "/strco <message>") {
		t.Fatalf("help = %q", f.client.last())
	}
}

func TestEditsRouting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.d.HandleEvent(ctx, platform.Event{Kind: platform.EventEdited, Message: platform.Message{ID: 3, ChatID: 500, Text: "v2"}})
	f.d.HandleEvent(ctx, platform.Event{Kind: platform.EventEdited, Message: platform.Message{ID: 4, ChatID: chat, Outgoing: true, Text: "mine"}})
	f.d.Wait()
	if len(f.edits.edited) != 1 || f.edits.edited[0].ID != 3 {
		t.Fatalf("edits = %+v", f.edits.edited)
	}
}

func TestStripRelayPrefix(t *testing.T) {
	cases := map[string]string{
		"/strco hi":         "hi",
		"/STRCO\nmulti\nln": "multi\nln",
		"/strco":            "",
		"plain":             "plain",
	}
	for in, want := range cases {
		if got := stripRelayPrefix(in); got != want {
			t.Errorf("stripRelayPrefix(%q) = %q, want %q", in, got, want)
		}
	}
}

type blockingEdits struct {
	started chan struct{}
	release chan struct{}
}

func (e *blockingEdits) HandleEdit(ctx context.Context, _ platform.Message) (relay.EditResult, error) {
	close(e.started)
	select {
	case <-e.release:
	case <-ctx.Done():
	}
	return relay.EditInPlace, nil
}

func (r *recordingRelayer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.triggers)
}

func TestSlowEditDoesNotDelayOtherEvents(t *testing.T) {
	f := newFixture(t)
	edits := &blockingEdits{started: make(chan struct{}), release: make(chan struct{})}
	f.d.edits = edits
	ctx := context.Background()

	start := time.Now()
	f.d.HandleEvent(ctx, platform.Event{Kind: platform.EventEdited, Message: platform.Message{ID: 3, ChatID: 500, Text: "v2"}})
	f.d.HandleEvent(ctx, platform.Event{
		Kind:    platform.EventNewIncoming,
		Message: platform.Message{ID: 8, ChatID: chat, SenderID: owner, Text: "/strco next"},
	})
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Fatalf("HandleEvent blocked for %v", elapsed)
	}

	select {
	case <-edits.started:
	case <-time.After(2 * time.Second):
		t.Fatalf("edit was never handled")
	}
	deadline := time.Now().Add(2 * time.Second)
	for f.relayer.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("relay trigger waited behind the pending edit")
		}
		time.Sleep(5 * time.Millisecond)
	}

	close(edits.release)
	f.d.Wait()
}

func TestEventsInOneChatKeepOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.d.HandleEvent(ctx, platform.Event{Kind: platform.EventNewIncoming, Message: platform.Message{ID: 1, ChatID: chat, SenderID: owner, Text: "/setstrco @first_bot"}})
	f.d.HandleEvent(ctx, platform.Event{Kind: platform.EventNewIncoming, Message: platform.Message{ID: 2, ChatID: chat, SenderID: owner, Text: "/setstrco @second_bot"}})
	f.d.Wait()
	if bot, _ := f.config.ChatBot(ctx, chat); bot != "@second_bot" {
		t.Fatalf("ChatBot = %q, want the later command to win", bot)
	}
}

func TestReplyWaitsOutRateLimit(t *testing.T) {
	f := newFixture(t)
	f.client.sendErrs = []error{&platform.RateLimitError{Wait: 10 * time.Millisecond, Op: "send_message"}}

	f.send(platform.EventNewIncoming, owner, "/strcobot")
	if f.client.attempts != 2 {
		t.Fatalf("attempts = %d, want 2", f.client.attempts)
	}
	if !strings.HasPrefix(f.client.last(), "No target bot configured") {
		t.Fatalf("reply = %q", f.client.last())
	}
}
