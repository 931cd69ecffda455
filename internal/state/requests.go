package state

import (
	"context"
	"fmt"
	"time"

	"github.com/quailyquaily/relaymirror/internal/docstore"
)

type ActiveRequest struct {
	RequestID       string    `json:"request_id"`
	ResponderChatID int64     `json:"responder_chat_id"`
	SentMsgID       int64     `json:"sent_msg_id,omitempty"`
	StartedAt       time.Time `json:"started_at"`
}

type requestsDoc struct {
	ActiveRequests map[int64]ActiveRequest `json:"active_requests"`
}

type RequestStore struct {
	doc *docstore.Store[requestsDoc]
	now func() time.Time
}

func NewRequestStore(opts StoreOptions) (*RequestStore, error) {
	now := nowFunc(opts.Now)
	doc, err := docstore.New(docstore.Options[requestsDoc]{
		Path: opts.Path,
		Default: func() requestsDoc {
			return requestsDoc{ActiveRequests: map[int64]ActiveRequest{}}
		},
		Normalize: func(d *requestsDoc) {
			if d.ActiveRequests == nil {
				d.ActiveRequests = map[int64]ActiveRequest{}
			}
		},
		Logger:   opts.Logger,
		Now:      now,
		ReadOnly: opts.ReadOnly,
	})
	if err != nil {
		return nil, fmt.Errorf("request store: %w", err)
	}
	return &RequestStore{doc: doc, now: now}, nil
}

// Begin registers req as the active request of originChatID. It fails with
// ErrRequestActive while another request is live there; an entry older than
// staleAfter is treated as abandoned and replaced. A non-positive staleAfter
// never reclaims.
func (s *RequestStore) Begin(ctx context.Context, originChatID int64, req ActiveRequest, staleAfter time.Duration) error {
	now := s.now().UTC()
	if req.StartedAt.IsZero() {
		req.StartedAt = now
	}
	return s.doc.Update(ctx, func(d *requestsDoc) error {
		if cur, ok := d.ActiveRequests[originChatID]; ok {
			if staleAfter <= 0 || now.Sub(cur.StartedAt) < staleAfter {
				return fmt.Errorf("%w: chat %d request %s", ErrRequestActive, originChatID, cur.RequestID)
			}
		}
		d.ActiveRequests[originChatID] = req
		return nil
	})
}

// AttachSent records the id of the forwarded message on the active request.
func (s *RequestStore) AttachSent(ctx context.Context, originChatID int64, requestID string, sentMsgID int64) error {
	return s.doc.Update(ctx, func(d *requestsDoc) error {
		cur, ok := d.ActiveRequests[originChatID]
		if !ok || cur.RequestID != requestID {
			return fmt.Errorf("state: no active request %s for chat %d", requestID, originChatID)
		}
		cur.SentMsgID = sentMsgID
		d.ActiveRequests[originChatID] = cur
		return nil
	})
}

func (s *RequestStore) Get(ctx context.Context, originChatID int64) (ActiveRequest, bool, error) {
	var (
		out ActiveRequest
		ok  bool
	)
	err := s.doc.View(ctx, func(d requestsDoc) error {
		out, ok = d.ActiveRequests[originChatID]
		return nil
	})
	return out, ok, err
}

// Finish clears the active request of originChatID if it is still requestID.
func (s *RequestStore) Finish(ctx context.Context, originChatID int64, requestID string) (bool, error) {
	cur, ok, err := s.Get(ctx, originChatID)
	if err != nil || !ok || cur.RequestID != requestID {
		return false, err
	}
	removed := false
	err = s.doc.Update(ctx, func(d *requestsDoc) error {
		if cur, ok := d.ActiveRequests[originChatID]; ok && cur.RequestID == requestID {
			delete(d.ActiveRequests, originChatID)
			removed = true
		}
		return nil
	})
	return removed && err == nil, err
}

// PruneStale removes requests started more than age ago.
func (s *RequestStore) PruneStale(ctx context.Context, age time.Duration) (int, error) {
	cutoff := s.now().Add(-age)
	var stale int
	err := s.doc.View(ctx, func(d requestsDoc) error {
		for _, r := range d.ActiveRequests {
			if r.StartedAt.Before(cutoff) {
				stale++
			}
		}
		return nil
	})
	if err != nil || stale == 0 {
		return 0, err
	}
	removed := 0
	err = s.doc.Update(ctx, func(d *requestsDoc) error {
		for chatID, r := range d.ActiveRequests {
			if r.StartedAt.Before(cutoff) {
				delete(d.ActiveRequests, chatID)
				removed++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

func (s *RequestStore) All(ctx context.Context) (map[int64]ActiveRequest, error) {
	d, err := s.doc.Load(ctx)
	if err != nil {
		return nil, err
	}
	return d.ActiveRequests, nil
}
