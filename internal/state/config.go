package state

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/quailyquaily/relaymirror/internal/docstore"
)

// Settings are stored as plain numbers so the document stays easy to edit by hand.
type Settings struct {
	HardTimeoutSeconds  float64 `json:"hard_timeout_seconds,omitempty"`
	IdleTimeoutSeconds  float64 `json:"idle_timeout_seconds,omitempty"`
	EditDebounceSeconds float64 `json:"edit_debounce_seconds,omitempty"`
	RetentionHours      float64 `json:"retention_hours,omitempty"`
}

func DefaultSettings() Settings {
	return Settings{
		HardTimeoutSeconds:  60,
		IdleTimeoutSeconds:  2,
		EditDebounceSeconds: 1.5,
		RetentionHours:      24,
	}
}

// WithDefaults fills every unset or non-positive field from def.
func (s Settings) WithDefaults(def Settings) Settings {
	if s.HardTimeoutSeconds <= 0 {
		s.HardTimeoutSeconds = def.HardTimeoutSeconds
	}
	if s.IdleTimeoutSeconds <= 0 {
		s.IdleTimeoutSeconds = def.IdleTimeoutSeconds
	}
	if s.EditDebounceSeconds <= 0 {
		s.EditDebounceSeconds = def.EditDebounceSeconds
	}
	if s.RetentionHours <= 0 {
		s.RetentionHours = def.RetentionHours
	}
	return s
}

func (s Settings) HardTimeout() time.Duration  { return seconds(s.HardTimeoutSeconds) }
func (s Settings) IdleTimeout() time.Duration  { return seconds(s.IdleTimeoutSeconds) }
func (s Settings) EditDebounce() time.Duration { return seconds(s.EditDebounceSeconds) }
func (s Settings) Retention() time.Duration {
	return time.Duration(s.RetentionHours * float64(time.Hour))
}

// StaleRequestAge is how old an active request must be before it is treated
// as left behind by a crashed collection.
func (s Settings) StaleRequestAge() time.Duration {
	return 2 * s.HardTimeout()
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

type RoutingConfig struct {
	GlobalBot    string           `json:"global_bot,omitempty"`
	ChatBots     map[int64]string `json:"chat_bots"`
	OwnerID      int64            `json:"owner_id"`
	AllowedUsers []int64          `json:"allowed_users"`
	Settings     Settings         `json:"settings"`
}

type ConfigStoreOptions struct {
	Path     string
	OwnerID  int64
	Defaults Settings
	Logger   *slog.Logger
	ReadOnly bool
}

type ConfigStore struct {
	doc      *docstore.Store[RoutingConfig]
	defaults Settings
}

func NewConfigStore(opts ConfigStoreOptions) (*ConfigStore, error) {
	defaults := opts.Defaults.WithDefaults(DefaultSettings())
	owner := opts.OwnerID
	doc, err := docstore.New(docstore.Options[RoutingConfig]{
		Path: opts.Path,
		Default: func() RoutingConfig {
			cfg := RoutingConfig{ChatBots: map[int64]string{}, OwnerID: owner, Settings: defaults}
			if owner != 0 {
				cfg.AllowedUsers = []int64{owner}
			}
			return cfg
		},
		Normalize: func(cfg *RoutingConfig) {
			if cfg.ChatBots == nil {
				cfg.ChatBots = map[int64]string{}
			}
			if cfg.OwnerID == 0 && owner != 0 {
				cfg.OwnerID = owner
			}
			if owner != 0 && !containsID(cfg.AllowedUsers, owner) {
				cfg.AllowedUsers = append(cfg.AllowedUsers, owner)
			}
		},
		Logger:   opts.Logger,
		ReadOnly: opts.ReadOnly,
	})
	if err != nil {
		return nil, fmt.Errorf("config store: %w", err)
	}
	return &ConfigStore{doc: doc, defaults: defaults}, nil
}

func (s *ConfigStore) Snapshot(ctx context.Context) (RoutingConfig, error) {
	return s.doc.Load(ctx)
}

func (s *ConfigStore) GlobalBot(ctx context.Context) (string, error) {
	var out string
	err := s.doc.View(ctx, func(cfg RoutingConfig) error {
		out = cfg.GlobalBot
		return nil
	})
	return out, err
}

func (s *ConfigStore) SetGlobalBot(ctx context.Context, identity string) error {
	identity, err := normalizeIdentity(identity)
	if err != nil {
		return err
	}
	return s.doc.Update(ctx, func(cfg *RoutingConfig) error {
		cfg.GlobalBot = identity
		return nil
	})
}

// ChatBot returns the responder for chatID: the per-chat override, else the
// global default, else "".
func (s *ConfigStore) ChatBot(ctx context.Context, chatID int64) (string, error) {
	var out string
	err := s.doc.View(ctx, func(cfg RoutingConfig) error {
		if bot := strings.TrimSpace(cfg.ChatBots[chatID]); bot != "" {
			out = bot
			return nil
		}
		out = strings.TrimSpace(cfg.GlobalBot)
		return nil
	})
	return out, err
}

func (s *ConfigStore) SetChatBot(ctx context.Context, chatID int64, identity string) error {
	identity, err := normalizeIdentity(identity)
	if err != nil {
		return err
	}
	return s.doc.Update(ctx, func(cfg *RoutingConfig) error {
		cfg.ChatBots[chatID] = identity
		return nil
	})
}

// ClearChatBot drops the per-chat override. It reports whether one existed.
func (s *ConfigStore) ClearChatBot(ctx context.Context, chatID int64) (bool, error) {
	removed := false
	err := s.doc.Update(ctx, func(cfg *RoutingConfig) error {
		if _, ok := cfg.ChatBots[chatID]; ok {
			delete(cfg.ChatBots, chatID)
			removed = true
		}
		return nil
	})
	return removed, err
}

func (s *ConfigStore) OwnerID(ctx context.Context) (int64, error) {
	var out int64
	err := s.doc.View(ctx, func(cfg RoutingConfig) error {
		out = cfg.OwnerID
		return nil
	})
	return out, err
}

func (s *ConfigStore) IsOwner(ctx context.Context, userID int64) (bool, error) {
	owner, err := s.OwnerID(ctx)
	if err != nil {
		return false, err
	}
	return owner != 0 && userID == owner, nil
}

func (s *ConfigStore) IsAllowed(ctx context.Context, userID int64) (bool, error) {
	var out bool
	err := s.doc.View(ctx, func(cfg RoutingConfig) error {
		out = (cfg.OwnerID != 0 && userID == cfg.OwnerID) || containsID(cfg.AllowedUsers, userID)
		return nil
	})
	return out, err
}

// Allow adds userID to the allow-list. It reports whether the list changed.
func (s *ConfigStore) Allow(ctx context.Context, userID int64) (bool, error) {
	if userID == 0 {
		return false, fmt.Errorf("%w: user id is required", ErrInvalidIdentity)
	}
	allowed, err := s.IsAllowed(ctx, userID)
	if err != nil || allowed {
		return false, err
	}
	changed := false
	err = s.doc.Update(ctx, func(cfg *RoutingConfig) error {
		if !containsID(cfg.AllowedUsers, userID) {
			cfg.AllowedUsers = append(cfg.AllowedUsers, userID)
			changed = true
		}
		return nil
	})
	return changed && err == nil, err
}

// Disallow removes userID from the allow-list. Removing the owner, or a user
// that is not listed, returns false without touching the document.
func (s *ConfigStore) Disallow(ctx context.Context, userID int64) (bool, error) {
	var removable bool
	err := s.doc.View(ctx, func(cfg RoutingConfig) error {
		removable = userID != cfg.OwnerID && containsID(cfg.AllowedUsers, userID)
		return nil
	})
	if err != nil || !removable {
		return false, err
	}
	changed := false
	err = s.doc.Update(ctx, func(cfg *RoutingConfig) error {
		kept := cfg.AllowedUsers[:0]
		for _, id := range cfg.AllowedUsers {
			if id == userID && id != cfg.OwnerID {
				changed = true
				continue
			}
			kept = append(kept, id)
		}
		cfg.AllowedUsers = kept
		return nil
	})
	return changed && err == nil, err
}

func (s *ConfigStore) AllowedUsers(ctx context.Context) ([]int64, error) {
	var out []int64
	err := s.doc.View(ctx, func(cfg RoutingConfig) error {
		out = append([]int64(nil), cfg.AllowedUsers...)
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, err
}

// Settings returns the effective settings: stored values with process
// defaults behind them.
func (s *ConfigStore) Settings(ctx context.Context) (Settings, error) {
	var out Settings
	err := s.doc.View(ctx, func(cfg RoutingConfig) error {
		out = cfg.Settings
		return nil
	})
	if err != nil {
		return s.defaults, err
	}
	return out.WithDefaults(s.defaults), nil
}

// SetSetting stores one named setting. Accepted names: timeout, idle,
// edit_debounce, retention_hours (and their long spellings).
func (s *ConfigStore) SetSetting(ctx context.Context, name string, value float64) (Settings, error) {
	if math.IsNaN(value) || math.IsInf(value, 0) || value <= 0 {
		return Settings{}, fmt.Errorf("%w: %s must be positive", ErrInvalidSetting, name)
	}
	var apply func(*Settings)
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "timeout", "hard_timeout":
		apply = func(st *Settings) { st.HardTimeoutSeconds = value }
	case "idle", "reply_idle", "idle_timeout":
		apply = func(st *Settings) { st.IdleTimeoutSeconds = value }
	case "edit_debounce", "debounce":
		apply = func(st *Settings) { st.EditDebounceSeconds = value }
	case "retention_hours", "cleanup_hours", "retention":
		apply = func(st *Settings) { st.RetentionHours = value }
	default:
		return Settings{}, fmt.Errorf("%w: %q", ErrUnknownSetting, name)
	}
	err := s.doc.Update(ctx, func(cfg *RoutingConfig) error {
		apply(&cfg.Settings)
		return nil
	})
	if err != nil {
		return Settings{}, err
	}
	return s.Settings(ctx)
}

func normalizeIdentity(identity string) (string, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" || strings.ContainsAny(identity, " \t\n") {
		return "", fmt.Errorf("%w: %q", ErrInvalidIdentity, identity)
	}
	return identity, nil
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
