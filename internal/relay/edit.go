package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/quailyquaily/relaymirror/internal/platform"
	"github.com/quailyquaily/relaymirror/internal/state"
)

// Edit handling retries once on a rate-limit signal.
const editAttempts = 2

type EditResult string

const (
	EditDebounced EditResult = "debounced"
	EditUnmapped  EditResult = "unmapped"
	EditUnchanged EditResult = "unchanged"
	EditInPlace   EditResult = "edited"
	EditResent    EditResult = "resent"
	EditFailed    EditResult = "failed"
)

type EditMirrorOptions struct {
	Client   platform.Client
	Config   *state.ConfigStore
	Mappings *state.MappingStore
	Logger   *slog.Logger
	Metrics  *Metrics
	Now      func() time.Time
}

// EditMirror keeps mirrored copies in step with responder edits.
type EditMirror struct {
	client   platform.Client
	config   *state.ConfigStore
	mappings *state.MappingStore
	debounce *keyedWindow[responderMessageKey]
	logger   *slog.Logger
	metrics  *Metrics
}

func NewEditMirror(opts EditMirrorOptions) (*EditMirror, error) {
	if opts.Client == nil || opts.Config == nil || opts.Mappings == nil {
		return nil, fmt.Errorf("edit mirror: client, config and mappings are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &EditMirror{
		client:   opts.Client,
		config:   opts.Config,
		mappings: opts.Mappings,
		debounce: newKeyedWindow[responderMessageKey](opts.Now),
		logger:   logger,
		metrics:  opts.Metrics,
	}, nil
}

// HandleEdit propagates an edit of a responder message to its mirror.
// Messages that were never mirrored, and edits that change nothing the
// fingerprint covers, are ignored.
func (e *EditMirror) HandleEdit(ctx context.Context, edited platform.Message) (result EditResult, err error) {
	defer func() {
		e.metrics.editResult(result)
	}()
	logger := e.logger.With("responder_chat_id", edited.ChatID, "responder_msg_id", edited.ID)

	settings, err := e.config.Settings(ctx)
	if err != nil {
		return EditFailed, err
	}
	key := responderMessageKey{chatID: edited.ChatID, msgID: edited.ID}
	if !e.debounce.admit(key, settings.EditDebounce()) {
		logger.Debug("edit_debounced")
		return EditDebounced, nil
	}

	mapping, ok, err := e.mappings.Get(ctx, edited.ChatID, edited.ID)
	if err != nil {
		return EditFailed, err
	}
	if !ok {
		logger.Debug("edit_unmapped")
		return EditUnmapped, nil
	}
	fingerprint := messageFingerprint(edited)
	if fingerprint == mapping.ContentFingerprint {
		logger.Debug("edit_unchanged")
		return EditUnchanged, nil
	}

	for attempt := 1; ; attempt++ {
		result, err = e.apply(ctx, mapping, edited, fingerprint)
		if err == nil {
			logger.Info("edit_mirrored", "result", string(result), "mirrored_msg_id", mapping.MirroredMsgID)
			return result, nil
		}
		wait, limited := platform.RateLimitWait(err)
		if !limited || attempt >= editAttempts {
			logger.Warn("edit_failed", "error", err.Error())
			return EditFailed, err
		}
		logger.Warn("rate_limited", "op", "edit", "wait", wait.String(), "attempt", attempt, "max_attempts", editAttempts)
		e.metrics.rateLimitWait("edit")
		if err := sleepCtx(ctx, wait); err != nil {
			return EditFailed, err
		}
	}
}

func (e *EditMirror) apply(ctx context.Context, mapping state.Mapping, edited platform.Message, fingerprint string) (EditResult, error) {
	kind := edited.Kind()
	if canEditInPlace(mapping.ContentType, kind) {
		if err := e.client.EditMessage(ctx, mapping.OriginChatID, mapping.MirroredMsgID, kind, edited.Text); err != nil {
			return EditFailed, err
		}
		if _, err := e.mappings.UpdateFingerprint(ctx, mapping.ResponderChatID, mapping.ResponderMsgID, fingerprint); err != nil {
			return EditFailed, err
		}
		return EditInPlace, nil
	}

	prefix := ""
	if edited.Media != nil {
		prefix = updatedMediaCaption
	}
	sent, err := sendContent(ctx, e.client, mapping.OriginChatID, edited, prefix)
	if err != nil {
		return EditFailed, err
	}
	if _, err := e.mappings.Retarget(ctx, mapping.ResponderChatID, mapping.ResponderMsgID, sent.ID, kind, fingerprint); err != nil {
		return EditFailed, err
	}
	return EditResent, nil
}

// canEditInPlace: text stays text, and caption-bearing media keeps its kind.
// Anything else needs a fresh mirror.
func canEditInPlace(mirrored, edited platform.ContentKind) bool {
	if mirrored != edited {
		return false
	}
	return edited == platform.KindText || edited.CaptionEditable()
}
