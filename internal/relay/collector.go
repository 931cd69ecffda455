package relay

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/quailyquaily/relaymirror/internal/platform"
)

const (
	defaultPollInterval = 300 * time.Millisecond
	defaultErrorBackoff = 500 * time.Millisecond
	defaultFetchLimit   = 10
)

type CollectorOptions struct {
	PollInterval time.Duration
	ErrorBackoff time.Duration
	FetchLimit   int
	Logger       *slog.Logger
	Metrics      *Metrics
	Now          func() time.Time
}

// Collector waits for a responder to finish replying. It stops at the hard
// timeout, or once replies have started and none arrived for the idle timeout.
type Collector struct {
	client       platform.Client
	pollInterval time.Duration
	errorBackoff time.Duration
	fetchLimit   int
	logger       *slog.Logger
	metrics      *Metrics
	now          func() time.Time
}

func NewCollector(client platform.Client, opts CollectorOptions) *Collector {
	c := &Collector{
		client:       client,
		pollInterval: opts.PollInterval,
		errorBackoff: opts.ErrorBackoff,
		fetchLimit:   opts.FetchLimit,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		now:          opts.Now,
	}
	if c.pollInterval <= 0 {
		c.pollInterval = defaultPollInterval
	}
	if c.errorBackoff <= 0 {
		c.errorBackoff = defaultErrorBackoff
	}
	if c.fetchLimit <= 0 {
		c.fetchLimit = defaultFetchLimit
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

type CollectParams struct {
	ResponderChatID int64
	SentMsgID       int64
	// SentAt anchors the hard timeout; zero means "now".
	SentAt      time.Time
	HardTimeout time.Duration
	IdleTimeout time.Duration
}

// Collect returns the replies that arrived after SentMsgID, ordered by id. An
// empty result is a normal outcome. Cancelling ctx ends collection early with
// whatever was gathered.
func (c *Collector) Collect(ctx context.Context, p CollectParams) []platform.Message {
	start := p.SentAt
	if start.IsZero() {
		start = c.now()
	}
	logger := c.logger.With("responder_chat_id", p.ResponderChatID, "sent_msg_id", p.SentMsgID)
	logger.Info("collect_start", "hard_timeout", p.HardTimeout.String(), "idle_timeout", p.IdleTimeout.String())

	var (
		replies   []platform.Message
		seen      = map[int64]struct{}{}
		lastReply time.Time
		reason    string
	)
	for {
		now := c.now()
		if now.Sub(start) >= p.HardTimeout {
			reason = "hard_timeout"
			break
		}
		if len(replies) > 0 && now.Sub(lastReply) >= p.IdleTimeout {
			reason = "idle_timeout"
			break
		}

		msgs, err := c.client.FetchRecent(ctx, p.ResponderChatID, c.fetchLimit)
		if err != nil {
			if ctx.Err() != nil {
				reason = "canceled"
				break
			}
			wait, limited := platform.RateLimitWait(err)
			if limited {
				logger.Warn("collect_rate_limited", "wait", wait.String())
				c.metrics.rateLimitWait("fetch_recent")
			} else {
				logger.Warn("collect_poll_failed", "error", err.Error())
				wait = c.errorBackoff
			}
			if sleepCtx(ctx, wait) != nil {
				reason = "canceled"
				break
			}
			continue
		}

		for _, m := range msgs {
			if m.ID <= p.SentMsgID || m.Outgoing {
				continue
			}
			if _, dup := seen[m.ID]; dup {
				continue
			}
			seen[m.ID] = struct{}{}
			replies = append(replies, m)
			lastReply = c.now()
			logger.Debug("collect_reply", "msg_id", m.ID, "kind", string(m.Kind()))
		}

		if sleepCtx(ctx, c.pollInterval) != nil {
			reason = "canceled"
			break
		}
	}

	sort.Slice(replies, func(i, j int) bool { return replies[i].ID < replies[j].ID })
	elapsed := c.now().Sub(start)
	c.metrics.collected(elapsed)
	logger.Info("collect_done", "reason", reason, "replies", len(replies), "elapsed", elapsed.String())
	return replies
}
