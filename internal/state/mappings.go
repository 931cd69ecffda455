package state

import (
	"context"
	"fmt"
	"time"

	"github.com/quailyquaily/relaymirror/internal/docstore"
	"github.com/quailyquaily/relaymirror/internal/platform"
)

// Mapping links a responder message to its mirrored copy in the origin chat.
type Mapping struct {
	CreatedAt          time.Time            `json:"created_at"`
	ResponderChatID    int64                `json:"responder_chat_id"`
	ResponderMsgID     int64                `json:"responder_msg_id"`
	OriginChatID       int64                `json:"origin_chat_id"`
	MirroredMsgID      int64                `json:"mirrored_msg_id"`
	ContentType        platform.ContentKind `json:"content_type"`
	ContentFingerprint string               `json:"content_fingerprint"`
}

func (m Mapping) key() mappingKey {
	return mappingKey{chatID: m.ResponderChatID, msgID: m.ResponderMsgID}
}

type mappingKey struct {
	chatID int64
	msgID  int64
}

type mappingDoc struct {
	CreatedAt time.Time `json:"created_at"`
	Mappings  []Mapping `json:"mappings"`
}

type MappingStore struct {
	doc *docstore.Store[mappingDoc]
	now func() time.Time
}

func NewMappingStore(opts StoreOptions) (*MappingStore, error) {
	now := nowFunc(opts.Now)
	doc, err := docstore.New(docstore.Options[mappingDoc]{
		Path: opts.Path,
		Default: func() mappingDoc {
			return mappingDoc{CreatedAt: now().UTC(), Mappings: []Mapping{}}
		},
		Normalize: func(d *mappingDoc) {
			d.Mappings = dedupeMappings(d.Mappings)
		},
		Logger:   opts.Logger,
		Now:      now,
		ReadOnly: opts.ReadOnly,
	})
	if err != nil {
		return nil, fmt.Errorf("mapping store: %w", err)
	}
	return &MappingStore{doc: doc, now: now}, nil
}

// Put records m, replacing any mapping for the same responder message.
func (s *MappingStore) Put(ctx context.Context, m Mapping) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now().UTC()
	}
	if m.ContentType == "" {
		m.ContentType = platform.KindText
	}
	return s.doc.Update(ctx, func(d *mappingDoc) error {
		for i := range d.Mappings {
			if d.Mappings[i].key() == m.key() {
				d.Mappings[i] = m
				return nil
			}
		}
		d.Mappings = append(d.Mappings, m)
		return nil
	})
}

func (s *MappingStore) Get(ctx context.Context, responderChatID, responderMsgID int64) (Mapping, bool, error) {
	var (
		out   Mapping
		found bool
	)
	want := mappingKey{chatID: responderChatID, msgID: responderMsgID}
	err := s.doc.View(ctx, func(d mappingDoc) error {
		for _, m := range d.Mappings {
			if m.key() == want {
				out, found = m, true
				return nil
			}
		}
		return nil
	})
	return out, found, err
}

// UpdateFingerprint reports false when no mapping exists for the message.
func (s *MappingStore) UpdateFingerprint(ctx context.Context, responderChatID, responderMsgID int64, fingerprint string) (bool, error) {
	return s.mutate(ctx, responderChatID, responderMsgID, func(m *Mapping) {
		m.ContentFingerprint = fingerprint
	})
}

// Retarget points the mapping at a freshly sent mirror. The age of the
// mapping restarts with the new mirror.
func (s *MappingStore) Retarget(ctx context.Context, responderChatID, responderMsgID, mirroredMsgID int64, kind platform.ContentKind, fingerprint string) (bool, error) {
	now := s.now().UTC()
	return s.mutate(ctx, responderChatID, responderMsgID, func(m *Mapping) {
		m.MirroredMsgID = mirroredMsgID
		m.ContentFingerprint = fingerprint
		m.CreatedAt = now
		if kind != "" {
			m.ContentType = kind
		}
	})
}

func (s *MappingStore) mutate(ctx context.Context, responderChatID, responderMsgID int64, fn func(*Mapping)) (bool, error) {
	want := mappingKey{chatID: responderChatID, msgID: responderMsgID}
	var exists bool
	err := s.doc.View(ctx, func(d mappingDoc) error {
		for _, m := range d.Mappings {
			if m.key() == want {
				exists = true
				break
			}
		}
		return nil
	})
	if err != nil || !exists {
		return false, err
	}
	found := false
	err = s.doc.Update(ctx, func(d *mappingDoc) error {
		for i := range d.Mappings {
			if d.Mappings[i].key() == want {
				fn(&d.Mappings[i])
				found = true
				return nil
			}
		}
		return nil
	})
	return found && err == nil, err
}

// PruneOlderThan removes mappings created more than age ago and returns how
// many were removed.
func (s *MappingStore) PruneOlderThan(ctx context.Context, age time.Duration) (int, error) {
	cutoff := s.now().Add(-age)
	var stale int
	err := s.doc.View(ctx, func(d mappingDoc) error {
		for _, m := range d.Mappings {
			if m.CreatedAt.Before(cutoff) {
				stale++
			}
		}
		return nil
	})
	if err != nil || stale == 0 {
		return 0, err
	}
	removed := 0
	err = s.doc.Update(ctx, func(d *mappingDoc) error {
		kept := d.Mappings[:0]
		for _, m := range d.Mappings {
			if m.CreatedAt.Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, m)
		}
		d.Mappings = kept
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

func (s *MappingStore) Len(ctx context.Context) (int, error) {
	var n int
	err := s.doc.View(ctx, func(d mappingDoc) error {
		n = len(d.Mappings)
		return nil
	})
	return n, err
}

func (s *MappingStore) All(ctx context.Context) ([]Mapping, error) {
	d, err := s.doc.Load(ctx)
	if err != nil {
		return nil, err
	}
	return d.Mappings, nil
}

// dedupeMappings keeps the newest entry per responder message. Older files
// written by hand or by earlier versions may contain duplicates.
func dedupeMappings(in []Mapping) []Mapping {
	if in == nil {
		return []Mapping{}
	}
	index := make(map[mappingKey]int, len(in))
	out := in[:0]
	for _, m := range in {
		if i, ok := index[m.key()]; ok {
			if !m.CreatedAt.Before(out[i].CreatedAt) {
				out[i] = m
			}
			continue
		}
		index[m.key()] = len(out)
		out = append(out, m)
	}
	return out
}
