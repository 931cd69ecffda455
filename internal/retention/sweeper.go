// Package retention prunes old mappings and abandoned active requests.
package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/quailyquaily/relaymirror/internal/state"
)

const DefaultSchedule = "@hourly"

type Options struct {
	Stores   *state.Stores
	Schedule string
	Logger   *slog.Logger
	Now      func() time.Time
}

type Sweeper struct {
	config   *state.ConfigStore
	mappings *state.MappingStore
	requests *state.RequestStore
	schedule string
	logger   *slog.Logger
	now      func() time.Time
}

func New(opts Options) (*Sweeper, error) {
	if opts.Stores == nil {
		return nil, fmt.Errorf("retention: stores are required")
	}
	schedule := strings.TrimSpace(opts.Schedule)
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if !gronx.IsValid(schedule) {
		return nil, fmt.Errorf("retention: invalid schedule %q", schedule)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Sweeper{
		config:   opts.Stores.Config,
		mappings: opts.Stores.Mappings,
		requests: opts.Stores.Requests,
		schedule: schedule,
		logger:   logger,
		now:      now,
	}, nil
}

type Report struct {
	MappingsRemoved int
	RequestsRemoved int
}

// RunOnce runs both sweeps. A failing sweep does not stop the other; the
// joined error is for logging only.
func (s *Sweeper) RunOnce(ctx context.Context) (Report, error) {
	var rep Report
	settings, err := s.config.Settings(ctx)
	if err != nil {
		return rep, fmt.Errorf("retention settings: %w", err)
	}

	var errs []error
	rep.MappingsRemoved, err = s.mappings.PruneOlderThan(ctx, settings.Retention())
	if err != nil {
		errs = append(errs, fmt.Errorf("prune mappings: %w", err))
	}
	rep.RequestsRemoved, err = s.requests.PruneStale(ctx, settings.StaleRequestAge())
	if err != nil {
		errs = append(errs, fmt.Errorf("prune requests: %w", err))
	}
	return rep, errors.Join(errs...)
}

// Run sweeps immediately and then on every schedule tick until ctx ends.
func (s *Sweeper) Run(ctx context.Context) {
	s.sweep(ctx, "startup")
	for {
		next, err := gronx.NextTickAfter(s.schedule, s.now(), false)
		if err != nil {
			s.logger.Error("retention_schedule_failed", "schedule", s.schedule, "error", err.Error())
			return
		}
		timer := time.NewTimer(next.Sub(s.now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		s.sweep(ctx, "scheduled")
	}
}

func (s *Sweeper) sweep(ctx context.Context, trigger string) {
	rep, err := s.RunOnce(ctx)
	if err != nil {
		s.logger.Warn("retention_sweep_failed", "trigger", trigger, "error", err.Error())
	}
	s.logger.Info("retention_sweep_done",
		"trigger", trigger,
		"mappings_removed", rep.MappingsRemoved,
		"requests_removed", rep.RequestsRemoved,
	)
}
