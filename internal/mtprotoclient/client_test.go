package mtprotoclient

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"github.com/quailyquaily/relaymirror/internal/platform"
)

type fakeAPI struct {
	mu        sync.Mutex
	sent      []*tg.MessagesSendMessageRequest
	media     []*tg.MessagesSendMediaRequest
	edits     []*tg.MessagesEditMessageRequest
	sendRes   tg.UpdatesClass
	sendErr   error
	editErr   error
	history   tg.MessagesMessagesClass
	dialogs   tg.MessagesDialogsClass
	dialogHit int
}

func (f *fakeAPI) MessagesSendMessage(_ context.Context, req *tg.MessagesSendMessageRequest) (tg.UpdatesClass, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, req)
	return f.sendRes, f.sendErr
}

func (f *fakeAPI) MessagesSendMedia(_ context.Context, req *tg.MessagesSendMediaRequest) (tg.UpdatesClass, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.media = append(f.media, req)
	return f.sendRes, f.sendErr
}

func (f *fakeAPI) MessagesForwardMessages(context.Context, *tg.MessagesForwardMessagesRequest) (tg.UpdatesClass, error) {
	return f.sendRes, f.sendErr
}

func (f *fakeAPI) MessagesEditMessage(_ context.Context, req *tg.MessagesEditMessageRequest) (tg.UpdatesClass, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, req)
	return &tg.Updates{}, f.editErr
}

func (f *fakeAPI) MessagesGetHistory(context.Context, *tg.MessagesGetHistoryRequest) (tg.MessagesMessagesClass, error) {
	return f.history, nil
}

func (f *fakeAPI) MessagesGetDialogs(context.Context, *tg.MessagesGetDialogsRequest) (tg.MessagesDialogsClass, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dialogHit++
	if f.dialogs == nil {
		return &tg.MessagesDialogsNotModified{}, nil
	}
	return f.dialogs, nil
}

const selfID = 1000

func newBoundClient(t *testing.T, raw api) *Client {
	t.Helper()
	c := newClient(Options{RatePerSecond: 1000, Burst: 100})
	c.bind(raw, func(_ context.Context, username string) (tg.InputPeerClass, error) {
		if username == "answer_bot" {
			return &tg.InputPeerUser{UserID: 500, AccessHash: 55}, nil
		}
		return nil, fmt.Errorf("USERNAME_NOT_OCCUPIED")
	}, platform.User{ID: selfID, Username: "owner"})
	return c
}

func TestWrapErrorFloodWait(t *testing.T) {
	err := wrapError("send_message", fmt.Errorf("rpc: %w", tgerr.New(420, "FLOOD_WAIT_3")))
	wait, ok := platform.RateLimitWait(err)
	if !ok {
		t.Fatalf("wrapError() = %v, want RateLimitError", err)
	}
	if wait != 3*time.Second {
		t.Fatalf("wait = %s, want 3s", wait)
	}

	err = wrapError("send_message", tgerr.New(420, "SLOWMODE_WAIT_10"))
	if wait, ok := platform.RateLimitWait(err); !ok || wait != 10*time.Second {
		t.Fatalf("slowmode wait = %s, %v", wait, ok)
	}

	err = wrapError("get_history", tgerr.New(400, "PEER_ID_INVALID"))
	if _, ok := platform.RateLimitWait(err); ok {
		t.Fatalf("PEER_ID_INVALID should not be a rate limit")
	}
	if !strings.Contains(err.Error(), "get_history") {
		t.Fatalf("error %q does not name the op", err)
	}
}

func TestMarkedPeerIDs(t *testing.T) {
	cases := []struct {
		peer tg.PeerClass
		want int64
	}{
		{&tg.PeerUser{UserID: 42}, 42},
		{&tg.PeerChat{ChatID: 77}, -77},
		{&tg.PeerChannel{ChannelID: 1234}, -1000000001234},
	}
	for _, tc := range cases {
		if got := peerID(tc.peer); got != tc.want {
			t.Fatalf("peerID(%T) = %d, want %d", tc.peer, got, tc.want)
		}
	}
	if !isBasicChat(-77) || isBasicChat(-1000000001234) || isBasicChat(42) {
		t.Fatalf("isBasicChat misclassifies marked ids")
	}
}

func TestConvertMessageKinds(t *testing.T) {
	doc := func(attrs ...tg.DocumentAttributeClass) tg.MessageMediaClass {
		return &tg.MessageMediaDocument{Document: &tg.Document{ID: 9, AccessHash: 8, FileReference: []byte{1, 2}, Attributes: attrs}}
	}
	cases := []struct {
		name  string
		media tg.MessageMediaClass
		want  platform.ContentKind
	}{
		{"text", nil, platform.KindText},
		{"link preview", &tg.MessageMediaWebPage{}, platform.KindText},
		{"photo", &tg.MessageMediaPhoto{Photo: &tg.Photo{ID: 1, AccessHash: 2}}, platform.KindPhoto},
		{"video", doc(&tg.DocumentAttributeVideo{}), platform.KindVideo},
		{"video note", doc(&tg.DocumentAttributeVideo{RoundMessage: true}), platform.KindMedia},
		{"gif", doc(&tg.DocumentAttributeVideo{}, &tg.DocumentAttributeAnimated{}), platform.KindMedia},
		{"voice", doc(&tg.DocumentAttributeAudio{Voice: true}), platform.KindVoice},
		{"audio", doc(&tg.DocumentAttributeAudio{}), platform.KindAudio},
		{"sticker", doc(&tg.DocumentAttributeSticker{}), platform.KindMedia},
		{"file", doc(&tg.DocumentAttributeFilename{FileName: "a.pdf"}), platform.KindDocument},
		{"poll", &tg.MessageMediaPoll{}, platform.KindMedia},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := &tg.Message{ID: 5, PeerID: &tg.PeerUser{UserID: 500}, Message: "hi", Date: 1700000000, Media: tc.media}
			got := convertMessage(m, selfID)
			if got.Kind() != tc.want {
				t.Fatalf("Kind() = %s, want %s", got.Kind(), tc.want)
			}
			if got.ChatID != 500 || got.SenderID != 500 || got.Outgoing {
				t.Fatalf("message = %+v", got)
			}
			if got.Media != nil && (got.Media.SourceChatID != 500 || got.Media.SourceMsgID != 5) {
				t.Fatalf("media source = %+v", got.Media)
			}
		})
	}
}

func TestDecodeInputMedia(t *testing.T) {
	input, err := decodeInputMedia(encodeFileRef(documentRef, 9, -8, []byte("ref")))
	if err != nil {
		t.Fatalf("decodeInputMedia() error = %v", err)
	}
	doc, ok := input.(*tg.InputMediaDocument)
	if !ok {
		t.Fatalf("decodeInputMedia() = %T", input)
	}
	ref, ok := doc.ID.(*tg.InputDocument)
	if !ok || ref.ID != 9 || ref.AccessHash != -8 || string(ref.FileReference) != "ref" {
		t.Fatalf("document ref = %+v", doc.ID)
	}
	if _, err := decodeInputMedia("x:1:2:"); err == nil {
		t.Fatalf("expected error for unknown ref kind")
	}
	if _, err := decodeInputMedia("AgACAgIAAxkBAAIB"); err == nil {
		t.Fatalf("expected error for a bot api file id")
	}
}

func TestEventsFromUpdates(t *testing.T) {
	c := newClient(Options{})
	updates := &tg.Updates{
		Updates: []tg.UpdateClass{
			&tg.UpdateNewMessage{Message: &tg.Message{ID: 10, Out: true, PeerID: &tg.PeerUser{UserID: 42}, Message: "/strco hi"}},
			&tg.UpdateNewMessage{Message: &tg.Message{ID: 11, PeerID: &tg.PeerUser{UserID: 500}, Message: "answer"}},
			&tg.UpdateEditChannelMessage{Message: &tg.Message{ID: 12, PeerID: &tg.PeerChannel{ChannelID: 7}, Message: "fixed"}},
			&tg.UpdateUserTyping{UserID: 500},
		},
		Users: []tg.UserClass{&tg.User{ID: 500, AccessHash: 55}},
		Chats: []tg.ChatClass{&tg.Channel{ID: 7, AccessHash: 77}},
	}
	events := c.eventsFrom(updates, selfID)
	if len(events) != 3 {
		t.Fatalf("events = %d, want 3", len(events))
	}
	if events[0].Kind != platform.EventNewOutgoing || events[0].Message.SenderID != selfID {
		t.Fatalf("first event = %+v", events[0])
	}
	if events[1].Kind != platform.EventNewIncoming || events[1].Message.ChatID != 500 {
		t.Fatalf("second event = %+v", events[1])
	}
	if events[2].Kind != platform.EventEdited || events[2].Message.ChatID != -1000000000007 {
		t.Fatalf("third event = %+v", events[2])
	}
	if p, ok := c.lookupPeer(-1000000000007); !ok || p.(*tg.InputPeerChannel).AccessHash != 77 {
		t.Fatalf("channel peer not cached: %v", p)
	}

	short := c.eventsFrom(&tg.UpdateShortMessage{ID: 3, UserID: 500, Message: "pong", Date: 1700000000}, selfID)
	if len(short) != 1 || short[0].Kind != platform.EventNewIncoming || short[0].Message.SenderID != 500 {
		t.Fatalf("short message events = %+v", short)
	}
	chat := c.eventsFrom(&tg.UpdateShortChatMessage{ID: 4, Out: true, FromID: selfID, ChatID: 9, Message: "/strco x"}, selfID)
	if len(chat) != 1 || chat[0].Kind != platform.EventNewOutgoing || chat[0].Message.ChatID != -9 {
		t.Fatalf("short chat events = %+v", chat)
	}
}

func TestSendTextLoadsDialogsOnce(t *testing.T) {
	raw := &fakeAPI{
		sendRes: &tg.UpdateShortSentMessage{ID: 88, Date: 1700000000},
		dialogs: &tg.MessagesDialogs{Users: []tg.UserClass{&tg.User{ID: 500, AccessHash: 55}}},
	}
	c := newBoundClient(t, raw)
	ctx := context.Background()

	for range 2 {
		sent, err := c.SendText(ctx, 500, "hello")
		if err != nil {
			t.Fatalf("SendText() error = %v", err)
		}
		if sent.ID != 88 || sent.ChatID != 500 || !sent.Outgoing || sent.Text != "hello" {
			t.Fatalf("sent = %+v", sent)
		}
	}
	if raw.dialogHit != 1 {
		t.Fatalf("dialogs loaded %d times, want 1", raw.dialogHit)
	}
	peer, ok := raw.sent[0].Peer.(*tg.InputPeerUser)
	if !ok || peer.UserID != 500 || peer.AccessHash != 55 {
		t.Fatalf("peer = %+v", raw.sent[0].Peer)
	}
}

func TestSendTextUnknownChat(t *testing.T) {
	c := newBoundClient(t, &fakeAPI{})
	if _, err := c.SendText(context.Background(), 999, "hello"); err == nil {
		t.Fatalf("expected error for a chat missing from the dialog list")
	}
}

func TestSendTextRateLimited(t *testing.T) {
	raw := &fakeAPI{sendErr: tgerr.New(420, "FLOOD_WAIT_5")}
	c := newBoundClient(t, raw)
	_, err := c.SendText(context.Background(), selfID, "note to self")
	var rl *platform.RateLimitError
	if !errors.As(err, &rl) || rl.Wait != 5*time.Second || rl.Op != "send_message" {
		t.Fatalf("SendText() error = %v", err)
	}
}

func TestSendMediaReusesFileRef(t *testing.T) {
	raw := &fakeAPI{sendRes: &tg.Updates{Updates: []tg.UpdateClass{
		&tg.UpdateMessageID{ID: 31, RandomID: 1},
		&tg.UpdateNewMessage{Message: &tg.Message{
			ID: 31, Out: true, PeerID: &tg.PeerChat{ChatID: 9}, Message: "cap",
			Media: &tg.MessageMediaPhoto{Photo: &tg.Photo{ID: 1, AccessHash: 2}},
		}},
	}}}
	c := newBoundClient(t, raw)
	media := platform.Media{Kind: platform.KindPhoto, FileID: encodeFileRef(photoRef, 1, 2, nil)}
	sent, err := c.SendMedia(context.Background(), -9, media, "cap")
	if err != nil {
		t.Fatalf("SendMedia() error = %v", err)
	}
	if sent.ID != 31 || sent.ChatID != -9 || sent.Kind() != platform.KindPhoto {
		t.Fatalf("sent = %+v", sent)
	}
	if _, ok := raw.media[0].Media.(*tg.InputMediaPhoto); !ok {
		t.Fatalf("media = %T", raw.media[0].Media)
	}
	if _, ok := raw.media[0].Peer.(*tg.InputPeerChat); !ok {
		t.Fatalf("peer = %T", raw.media[0].Peer)
	}
}

func TestEditMessageIgnoresNotModified(t *testing.T) {
	raw := &fakeAPI{editErr: tgerr.New(400, "MESSAGE_NOT_MODIFIED")}
	c := newBoundClient(t, raw)
	if err := c.EditMessage(context.Background(), -9, 4, platform.KindText, "same"); err != nil {
		t.Fatalf("EditMessage() error = %v", err)
	}
	if len(raw.edits) != 1 || raw.edits[0].ID != 4 || raw.edits[0].Message != "same" {
		t.Fatalf("edits = %+v", raw.edits)
	}
}

func TestFetchRecentKeepsServerOrder(t *testing.T) {
	raw := &fakeAPI{
		history: &tg.MessagesMessagesSlice{Messages: []tg.MessageClass{
			&tg.Message{ID: 3, PeerID: &tg.PeerUser{UserID: 500}, Message: "third"},
			&tg.MessageService{ID: 2, PeerID: &tg.PeerUser{UserID: 500}},
			&tg.Message{ID: 1, Out: true, PeerID: &tg.PeerUser{UserID: 500}, Message: "first"},
		}},
		dialogs: &tg.MessagesDialogs{Users: []tg.UserClass{&tg.User{ID: 500, AccessHash: 55}}},
	}
	c := newBoundClient(t, raw)
	msgs, err := c.FetchRecent(context.Background(), 500, 10)
	if err != nil {
		t.Fatalf("FetchRecent() error = %v", err)
	}
	if len(msgs) != 2 || msgs[0].ID != 3 || msgs[1].ID != 1 {
		t.Fatalf("FetchRecent() = %+v", msgs)
	}
	if msgs[0].SenderID != 500 || msgs[1].SenderID != selfID || !msgs[1].Outgoing {
		t.Fatalf("senders = %d, %d", msgs[0].SenderID, msgs[1].SenderID)
	}
}

func TestResolveCachesPeer(t *testing.T) {
	raw := &fakeAPI{sendRes: &tg.UpdateShortSentMessage{ID: 1}}
	c := newBoundClient(t, raw)
	chat, err := c.Resolve(context.Background(), "@answer_bot")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if chat.ID != 500 || chat.Username != "@answer_bot" {
		t.Fatalf("Resolve() = %+v", chat)
	}
	if _, err := c.SendText(context.Background(), 500, "q"); err != nil {
		t.Fatalf("SendText() error = %v", err)
	}
	if raw.dialogHit != 0 {
		t.Fatalf("resolved peer should not need the dialog list")
	}
	if _, err := c.Resolve(context.Background(), "@nobody"); err == nil {
		t.Fatalf("expected error for unknown username")
	}
}

func TestCallsWaitForConnection(t *testing.T) {
	c := newClient(Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := c.SendText(ctx, 1, "x"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("SendText() before connect error = %v", err)
	}
}
