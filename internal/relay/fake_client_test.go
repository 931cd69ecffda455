package relay

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/quailyquaily/relaymirror/internal/platform"
	"github.com/quailyquaily/relaymirror/internal/state"
)

type sentCall struct {
	ChatID  int64
	Text    string
	Media   *platform.Media
	MsgID   int64
}

type editCall struct {
	ChatID int64
	MsgID  int64
	Kind   platform.ContentKind
	Text   string
}

type scheduledReply struct {
	after time.Duration
	msg   platform.Message
}

// fakeClient is an in-memory platform. Replies scheduled for a chat become
// visible to FetchRecent once their delay has passed since the script started.
type fakeClient struct {
	mu sync.Mutex

	nextID  int64
	chats   map[string]platform.Chat
	history map[int64][]platform.Message
	sent    []sentCall
	edits   []editCall

	script      map[int64][]scheduledReply
	scriptStart map[int64]time.Time

	sendErrs   []error
	editErrs   []error
	fetchErrs  []error
	fetchCalls int
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		nextID:      100,
		chats:       map[string]platform.Chat{},
		history:     map[int64][]platform.Message{},
		script:      map[int64][]scheduledReply{},
		scriptStart: map[int64]time.Time{},
	}
}

func (f *fakeClient) addChat(identity string, id int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chats[identity] = platform.Chat{ID: id, Username: identity}
}

// scheduleReply queues a responder message; ids are assigned on delivery.
func (f *fakeClient) scheduleReply(chatID int64, after time.Duration, text string, media *platform.Media) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script[chatID] = append(f.script[chatID], scheduledReply{
		after: after,
		msg:   platform.Message{ChatID: chatID, SenderID: chatID, Text: text, Media: media},
	})
}

// startScript starts the reply clock for chatID without a forward.
func (f *fakeClient) startScript(chatID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scriptStart[chatID] = time.Now()
}

func (f *fakeClient) allocIDLocked() int64 {
	f.nextID++
	return f.nextID
}

func (f *fakeClient) Self(ctx context.Context) (platform.User, error) {
	return platform.User{ID: 1, Username: "me"}, nil
}

func (f *fakeClient) Resolve(ctx context.Context, identity string) (platform.Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	chat, ok := f.chats[identity]
	if !ok {
		return platform.Chat{}, fmt.Errorf("unknown chat %s", identity)
	}
	return chat, nil
}

func (f *fakeClient) SendText(ctx context.Context, chatID int64, text string) (platform.Message, error) {
	return f.record(chatID, text, nil)
}

func (f *fakeClient) SendMedia(ctx context.Context, chatID int64, media platform.Media, caption string) (platform.Message, error) {
	m := media
	return f.record(chatID, caption, &m)
}

func (f *fakeClient) record(chatID int64, text string, media *platform.Media) (platform.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sendErrs) > 0 {
		err := f.sendErrs[0]
		f.sendErrs = f.sendErrs[1:]
		if err != nil {
			return platform.Message{}, err
		}
	}
	msg := platform.Message{
		ID:       f.allocIDLocked(),
		ChatID:   chatID,
		SenderID: 1,
		Outgoing: true,
		Text:     text,
		Media:    media,
		Date:     time.Now(),
	}
	f.history[chatID] = append(f.history[chatID], msg)
	f.sent = append(f.sent, sentCall{ChatID: chatID, Text: text, Media: media, MsgID: msg.ID})
	if _, scripted := f.script[chatID]; scripted {
		if _, started := f.scriptStart[chatID]; !started {
			f.scriptStart[chatID] = time.Now()
		}
	}
	return msg, nil
}

func (f *fakeClient) EditMessage(ctx context.Context, chatID, msgID int64, kind platform.ContentKind, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, editCall{ChatID: chatID, MsgID: msgID, Kind: kind, Text: text})
	if len(f.editErrs) > 0 {
		err := f.editErrs[0]
		f.editErrs = f.editErrs[1:]
		return err
	}
	return nil
}

func (f *fakeClient) FetchRecent(ctx context.Context, chatID int64, limit int) ([]platform.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCalls++
	if len(f.fetchErrs) > 0 {
		err := f.fetchErrs[0]
		f.fetchErrs = f.fetchErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	if start, ok := f.scriptStart[chatID]; ok {
		elapsed := time.Since(start)
		pending := f.script[chatID][:0]
		for _, s := range f.script[chatID] {
			if elapsed >= s.after {
				msg := s.msg
				msg.ID = f.allocIDLocked()
				msg.Date = time.Now()
				f.history[chatID] = append(f.history[chatID], msg)
				continue
			}
			pending = append(pending, s)
		}
		f.script[chatID] = pending
	}
	hist := append([]platform.Message(nil), f.history[chatID]...)
	sort.Slice(hist, func(i, j int) bool { return hist[i].ID > hist[j].ID })
	if len(hist) > limit {
		hist = hist[:limit]
	}
	return hist, nil
}

func (f *fakeClient) sentTo(chatID int64) []sentCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentCall
	for _, s := range f.sent {
		if s.ChatID == chatID {
			out = append(out, s)
		}
	}
	return out
}

func (f *fakeClient) editCalls() []editCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]editCall(nil), f.edits...)
}

func (f *fakeClient) totalSent() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func newTestStores(t *testing.T, owner int64) *state.Stores {
	t.Helper()
	stores, err := state.Open(state.Options{Dir: filepath.Join(t.TempDir(), "state"), OwnerID: owner})
	if err != nil {
		t.Fatalf("state.Open() error = %v", err)
	}
	return stores
}

func rateLimited(wait time.Duration) error {
	return &platform.RateLimitError{Wait: wait, Op: "test"}
}
