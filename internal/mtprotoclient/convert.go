package mtprotoclient

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/gotd/td/tg"
	"github.com/quailyquaily/relaymirror/internal/platform"
)

// Chat ids use the Bot API marking so config.json stays valid across
// clients: users as is, basic groups negated, channels and supergroups
// below channelMark.
const channelMark int64 = -1000000000000

func markChannel(id int64) int64 {
	return channelMark - id
}

func isBasicChat(marked int64) bool {
	return marked < 0 && marked > channelMark
}

func peerID(p tg.PeerClass) int64 {
	switch p := p.(type) {
	case *tg.PeerUser:
		return p.UserID
	case *tg.PeerChat:
		return -p.ChatID
	case *tg.PeerChannel:
		return markChannel(p.ChannelID)
	default:
		return 0
	}
}

func inputPeerID(p tg.InputPeerClass) (int64, bool) {
	switch p := p.(type) {
	case *tg.InputPeerUser:
		return p.UserID, true
	case *tg.InputPeerChat:
		return -p.ChatID, true
	case *tg.InputPeerChannel:
		return markChannel(p.ChannelID), true
	default:
		return 0, false
	}
}

func convertMessage(m *tg.Message, selfID int64) platform.Message {
	out := platform.Message{
		ID:       int64(m.ID),
		ChatID:   peerID(m.PeerID),
		Outgoing: m.Out,
		Text:     m.Message,
		Date:     unixTime(m.Date),
	}
	switch from, ok := m.GetFromID(); {
	case ok:
		out.SenderID = peerID(from)
	case m.Out:
		out.SenderID = selfID
	default:
		// Private chats omit from_id for the other side.
		if user, isUser := m.PeerID.(*tg.PeerUser); isUser {
			out.SenderID = user.UserID
		}
	}
	out.Media = mediaOf(m.Media, out.ChatID, out.ID)
	return out
}

func mediaOf(media tg.MessageMediaClass, chatID, msgID int64) *platform.Media {
	source := func(kind platform.ContentKind, fileID string) *platform.Media {
		return &platform.Media{Kind: kind, FileID: fileID, SourceChatID: chatID, SourceMsgID: msgID}
	}
	switch media := media.(type) {
	case nil, *tg.MessageMediaEmpty, *tg.MessageMediaWebPage:
		return nil
	case *tg.MessageMediaPhoto:
		photo, ok := media.Photo.(*tg.Photo)
		if !ok {
			return source(platform.KindMedia, "")
		}
		return source(platform.KindPhoto, encodeFileRef(photoRef, photo.ID, photo.AccessHash, photo.FileReference))
	case *tg.MessageMediaDocument:
		doc, ok := media.Document.(*tg.Document)
		if !ok {
			return source(platform.KindMedia, "")
		}
		return source(documentKind(doc.Attributes), encodeFileRef(documentRef, doc.ID, doc.AccessHash, doc.FileReference))
	default:
		// Polls, locations, contacts and dice are copied by forwarding.
		return source(platform.KindMedia, "")
	}
}

func documentKind(attrs []tg.DocumentAttributeClass) platform.ContentKind {
	kind := platform.KindDocument
	for _, attr := range attrs {
		switch a := attr.(type) {
		case *tg.DocumentAttributeSticker, *tg.DocumentAttributeAnimated:
			return platform.KindMedia
		case *tg.DocumentAttributeVideo:
			if a.RoundMessage {
				return platform.KindMedia
			}
			kind = platform.KindVideo
		case *tg.DocumentAttributeAudio:
			if a.Voice {
				kind = platform.KindVoice
			} else {
				kind = platform.KindAudio
			}
		}
	}
	return kind
}

const (
	photoRef    = "p"
	documentRef = "d"
)

// encodeFileRef packs what InputPhoto or InputDocument need into a string.
// File references expire after a while, which is fine for a relay that
// re-sends within seconds.
func encodeFileRef(prefix string, id, accessHash int64, fileRef []byte) string {
	return fmt.Sprintf("%s:%d:%d:%s", prefix, id, accessHash, base64.RawURLEncoding.EncodeToString(fileRef))
}

func decodeInputMedia(fileID string) (tg.InputMediaClass, error) {
	parts := strings.Split(fileID, ":")
	if len(parts) != 4 {
		return nil, fmt.Errorf("telegram media id %q: malformed", fileID)
	}
	id, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("telegram media id %q: %w", fileID, err)
	}
	hash, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("telegram media id %q: %w", fileID, err)
	}
	ref, err := base64.RawURLEncoding.DecodeString(parts[3])
	if err != nil {
		return nil, fmt.Errorf("telegram media id %q: %w", fileID, err)
	}
	switch parts[0] {
	case photoRef:
		return &tg.InputMediaPhoto{ID: &tg.InputPhoto{ID: id, AccessHash: hash, FileReference: ref}}, nil
	case documentRef:
		return &tg.InputMediaDocument{ID: &tg.InputDocument{ID: id, AccessHash: hash, FileReference: ref}}, nil
	default:
		return nil, fmt.Errorf("telegram media id %q: unknown kind %q", fileID, parts[0])
	}
}
