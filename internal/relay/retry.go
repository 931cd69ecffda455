package relay

import (
	"context"
	"log/slog"
	"time"

	"github.com/quailyquaily/relaymirror/internal/platform"
)

const defaultSendAttempts = 5

// withRateLimitRetry calls fn until it succeeds, fails with anything other
// than a rate-limit signal, or attempts run out. Each rate-limit signal is
// honored with the wait it carries.
func withRateLimitRetry[T any](ctx context.Context, logger *slog.Logger, metrics *Metrics, op string, attempts int, fn func(context.Context) (T, error)) (T, error) {
	if attempts <= 0 {
		attempts = defaultSendAttempts
	}
	for attempt := 1; ; attempt++ {
		out, err := fn(ctx)
		if err == nil {
			return out, nil
		}
		wait, limited := platform.RateLimitWait(err)
		if !limited || attempt >= attempts {
			return out, err
		}
		logger.Warn("rate_limited", "op", op, "wait", wait.String(), "attempt", attempt, "max_attempts", attempts)
		metrics.rateLimitWait(op)
		if sleepErr := sleepCtx(ctx, wait); sleepErr != nil {
			return out, sleepErr
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// SendText posts text to chatID, waiting out rate-limit signals up to the
// default attempt ceiling.
func SendText(ctx context.Context, client platform.Client, logger *slog.Logger, metrics *Metrics, op string, chatID int64, text string) (platform.Message, error) {
	if logger == nil {
		logger = slog.Default()
	}
	return withRateLimitRetry(ctx, logger, metrics, op, defaultSendAttempts, func(ctx context.Context) (platform.Message, error) {
		return client.SendText(ctx, chatID, text)
	})
}
