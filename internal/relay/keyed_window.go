package relay

import (
	"sync"
	"time"
)

const pruneEvery = time.Minute

type principalChatKey struct {
	principalID int64
	chatID      int64
}

type responderMessageKey struct {
	chatID int64
	msgID  int64
}

// keyedWindow remembers when each key was last admitted and refuses keys seen
// again inside the window. Old entries are dropped opportunistically.
type keyedWindow[K comparable] struct {
	mu        sync.Mutex
	last      map[K]time.Time
	lastPrune time.Time
	now       func() time.Time
}

func newKeyedWindow[K comparable](now func() time.Time) *keyedWindow[K] {
	if now == nil {
		now = time.Now
	}
	return &keyedWindow[K]{last: map[K]time.Time{}, now: now}
}

func (w *keyedWindow[K]) admit(key K, window time.Duration) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	if now.Sub(w.lastPrune) >= pruneEvery {
		for k, at := range w.last {
			if now.Sub(at) >= window {
				delete(w.last, k)
			}
		}
		w.lastPrune = now
	}
	if at, ok := w.last[key]; ok && now.Sub(at) < window {
		return false
	}
	w.last[key] = now
	return true
}

func (w *keyedWindow[K]) size() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.last)
}
