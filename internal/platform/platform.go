// Package platform describes the messaging client relaymirror drives. The
// concrete client lives elsewhere; everything in the relay core talks to the
// Client interface only.
package platform

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ContentKind is fixed when a message is ingested and carried as data.
type ContentKind string

const (
	KindText     ContentKind = "text"
	KindPhoto    ContentKind = "photo"
	KindVideo    ContentKind = "video"
	KindDocument ContentKind = "document"
	KindVoice    ContentKind = "voice"
	KindAudio    ContentKind = "audio"
	KindMedia    ContentKind = "media"
)

func ParseContentKind(raw string) (ContentKind, bool) {
	switch k := ContentKind(strings.ToLower(strings.TrimSpace(raw))); k {
	case KindText, KindPhoto, KindVideo, KindDocument, KindVoice, KindAudio, KindMedia:
		return k, true
	default:
		return "", false
	}
}

// CaptionEditable reports whether a message of this kind can have its text
// changed in place.
func (k ContentKind) CaptionEditable() bool {
	switch k {
	case KindPhoto, KindVideo, KindDocument, KindVoice, KindAudio:
		return true
	default:
		return false
	}
}

// Media is an opaque reference the client can re-send without downloading.
type Media struct {
	Kind   ContentKind
	FileID string
	// Source locates the original message for kinds that can only be copied.
	SourceChatID int64
	SourceMsgID  int64
}

type Message struct {
	ID       int64
	ChatID   int64
	SenderID int64
	// Outgoing is true for messages authored by the account the client runs as.
	Outgoing bool
	// Text is the message text, or the caption for media.
	Text  string
	Media *Media
	Date  time.Time
}

func (m Message) Kind() ContentKind {
	if m.Media == nil || m.Media.Kind == "" {
		return KindText
	}
	return m.Media.Kind
}

type Chat struct {
	ID       int64
	Username string
}

type User struct {
	ID       int64
	Username string
}

type Client interface {
	Self(ctx context.Context) (User, error)
	Resolve(ctx context.Context, identity string) (Chat, error)
	SendText(ctx context.Context, chatID int64, text string) (Message, error)
	SendMedia(ctx context.Context, chatID int64, media Media, caption string) (Message, error)
	// EditMessage replaces the text of a text message or the caption of a
	// media message of the given kind.
	EditMessage(ctx context.Context, chatID, msgID int64, kind ContentKind, text string) error
	// FetchRecent returns up to limit of the newest messages in chat, newest first.
	FetchRecent(ctx context.Context, chatID int64, limit int) ([]Message, error)
}

// RateLimitError is returned by a Client when the platform asks the caller to
// wait before the next call.
type RateLimitError struct {
	Wait time.Duration
	Op   string
}

func (e *RateLimitError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("platform rate limited: retry after %s", e.Wait)
	}
	return fmt.Sprintf("platform rate limited on %s: retry after %s", e.Op, e.Wait)
}

func RateLimitWait(err error) (time.Duration, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.Wait, true
	}
	return 0, false
}

type EventKind int

const (
	EventNewOutgoing EventKind = iota + 1
	EventNewIncoming
	EventEdited
)

func (k EventKind) String() string {
	switch k {
	case EventNewOutgoing:
		return "new_outgoing"
	case EventNewIncoming:
		return "new_incoming"
	case EventEdited:
		return "edited"
	default:
		return "unknown"
	}
}

type Event struct {
	Kind    EventKind
	Message Message
}

type Handler interface {
	HandleEvent(ctx context.Context, ev Event)
}

type HandlerFunc func(ctx context.Context, ev Event)

func (f HandlerFunc) HandleEvent(ctx context.Context, ev Event) {
	f(ctx, ev)
}
