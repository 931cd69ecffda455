package docstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Options configures a Store. Default must return a fresh value on every call.
type Options[T any] struct {
	Path    string
	Default func() T
	// Normalize runs on every freshly hydrated document, including defaults.
	Normalize func(*T)
	Logger    *slog.Logger
	Now       func() time.Time
	// ReadOnly stores never write or rename files; corrupt documents read as
	// the default and stay where they are.
	ReadOnly bool
}

// Store is a write-through cache of one JSON document. The first access
// hydrates the cache from disk; every mutation is flushed with an atomic
// rename before the mutating call returns.
type Store[T any] struct {
	path      string
	def       func() T
	normalize func(*T)
	logger    *slog.Logger
	now       func() time.Time
	readOnly  bool

	mu     sync.Mutex
	loaded bool
	doc    T
}

func New[T any](opts Options[T]) (*Store[T], error) {
	path, err := normalizePath(opts.Path)
	if err != nil {
		return nil, err
	}
	if opts.Default == nil {
		return nil, fmt.Errorf("docstore: default document func is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store[T]{
		path:      path,
		def:       opts.Default,
		normalize: opts.Normalize,
		logger:    logger,
		now:       now,
		readOnly:  opts.ReadOnly,
	}, nil
}

func (s *Store[T]) Path() string {
	return s.path
}

// Load returns a private copy of the cached document.
func (s *Store[T]) Load(ctx context.Context) (T, error) {
	var zero T
	if err := ctxErr(ctx); err != nil {
		return zero, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoadedLocked()
	return clone(s.doc)
}

// View runs fn against the cached document under the store lock. fn must not
// retain or mutate the value.
func (s *Store[T]) View(ctx context.Context, fn func(T) error) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoadedLocked()
	return fn(s.doc)
}

// Update applies fn to a copy of the document and persists it. The cache is
// replaced only after the durable write succeeded, so a failing mutator or
// write leaves both disk and cache untouched.
func (s *Store[T]) Update(ctx context.Context, fn func(*T) error) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	if fn == nil {
		return fmt.Errorf("docstore update %s: nil mutator", s.path)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoadedLocked()

	work, err := clone(s.doc)
	if err != nil {
		return err
	}
	if err := fn(&work); err != nil {
		return err
	}
	if err := s.writeLocked(work); err != nil {
		return err
	}
	s.doc = work
	return nil
}

// Save flushes the cached document as is.
func (s *Store[T]) Save(ctx context.Context) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoadedLocked()
	return s.writeLocked(s.doc)
}

func (s *Store[T]) ensureLoadedLocked() {
	if s.loaded {
		return
	}
	s.doc = s.readLocked()
	if s.normalize != nil {
		s.normalize(&s.doc)
	}
	s.loaded = true
}

func (s *Store[T]) readLocked() T {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("docstore_read_failed", "path", s.path, "error", err.Error())
		}
		return s.def()
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return s.def()
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		s.logger.Warn("docstore_decode_failed", "path", s.path, "error", fmt.Errorf("%w: %v", ErrDecodeFailed, err).Error())
		if !s.readOnly {
			s.quarantineLocked()
		}
		return s.def()
	}
	return out
}

// quarantineLocked keeps a corrupt document around for inspection instead of
// silently overwriting it on the next save.
func (s *Store[T]) quarantineLocked() {
	target := fmt.Sprintf("%s.corrupt-%s", s.path, s.now().UTC().Format("20060102T150405Z"))
	if err := os.Rename(s.path, target); err != nil {
		s.logger.Warn("docstore_quarantine_failed", "path", s.path, "error", err.Error())
		return
	}
	s.logger.Warn("docstore_quarantined", "path", s.path, "moved_to", target)
}

func (s *Store[T]) writeLocked(doc T) error {
	if s.readOnly {
		return fmt.Errorf("%w: %s", ErrReadOnly, s.path)
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode %s: %v", ErrEncodeFailed, s.path, err)
	}
	data = append(data, '\n')
	return writeAtomic(s.path, data)
}

func clone[T any](v T) (T, error) {
	var out T
	data, err := json.Marshal(v)
	if err != nil {
		return out, fmt.Errorf("%w: clone: %v", ErrEncodeFailed, err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("%w: clone: %v", ErrDecodeFailed, err)
	}
	return out, nil
}

func ctxErr(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	return ctx.Err()
}
