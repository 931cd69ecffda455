// Package state holds relaymirror's three persisted documents. Each store owns
// one document and serializes its load/mutate/save sequences; the stores are
// independent of each other.
package state

import (
	"errors"
	"log/slog"
	"path/filepath"
	"time"
)

const (
	ConfigFileName   = "config.json"
	MappingsFileName = "mappings.json"
	RequestsFileName = "requests.json"
)

var (
	ErrRequestActive   = errors.New("state: a relay request is already active for this chat")
	ErrUnknownSetting  = errors.New("state: unknown setting")
	ErrInvalidSetting  = errors.New("state: invalid setting value")
	ErrInvalidIdentity = errors.New("state: invalid responder identity")
)

// Stores bundles the three stores of one state directory.
type Stores struct {
	Config   *ConfigStore
	Mappings *MappingStore
	Requests *RequestStore
}

type Options struct {
	Dir      string
	OwnerID  int64
	Defaults Settings
	Logger   *slog.Logger
	Now      func() time.Time
	// ReadOnly opens the documents for inspection only.
	ReadOnly bool
}

func Open(opts Options) (*Stores, error) {
	cfg, err := NewConfigStore(ConfigStoreOptions{
		Path:     filepath.Join(opts.Dir, ConfigFileName),
		OwnerID:  opts.OwnerID,
		Defaults: opts.Defaults,
		Logger:   opts.Logger,
		ReadOnly: opts.ReadOnly,
	})
	if err != nil {
		return nil, err
	}
	mappings, err := NewMappingStore(StoreOptions{
		Path:     filepath.Join(opts.Dir, MappingsFileName),
		Logger:   opts.Logger,
		Now:      opts.Now,
		ReadOnly: opts.ReadOnly,
	})
	if err != nil {
		return nil, err
	}
	requests, err := NewRequestStore(StoreOptions{
		Path:     filepath.Join(opts.Dir, RequestsFileName),
		Logger:   opts.Logger,
		Now:      opts.Now,
		ReadOnly: opts.ReadOnly,
	})
	if err != nil {
		return nil, err
	}
	return &Stores{Config: cfg, Mappings: mappings, Requests: requests}, nil
}

// StoreOptions configures the mapping and request stores.
type StoreOptions struct {
	Path     string
	Logger   *slog.Logger
	Now      func() time.Time
	ReadOnly bool
}

func nowFunc(now func() time.Time) func() time.Time {
	if now == nil {
		return time.Now
	}
	return now
}
