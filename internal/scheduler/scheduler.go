// Package scheduler turns cron definitions into pipeline runs. Each tick it
// checks every enabled schedule; a schedule whose previous run is still in
// flight is skipped, not queued, so a slow pipeline never builds a backlog
// of overlapping work.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jmalhotra/crashlake/internal/metrics"
	"github.com/jmalhotra/crashlake/internal/pipeline"
	"github.com/jmalhotra/crashlake/internal/queue"
	"github.com/jmalhotra/crashlake/internal/registry"
	"github.com/jmalhotra/crashlake/internal/store/postgres"
)

// ScheduleStore is what the tick loop needs from the schedules table.
type ScheduleStore interface {
	ListEnabledSchedules(ctx context.Context) ([]postgres.Schedule, error)
	RecordScheduleFire(ctx context.Context, p postgres.RecordScheduleFireParams) error
}

// ParseCron validates a standard five-field cron expression.
func ParseCron(expr string) (cron.Schedule, error) {
	return cron.ParseStandard(expr)
}

type Scheduler struct {
	schedules    ScheduleStore
	registry     registry.Registry
	publisher    queue.Publisher
	extractQueue string
	interval     time.Duration
	logger       *slog.Logger

	// startedAt anchors schedules that have never fired; missed
	// activations from before this process existed are not replayed.
	startedAt time.Time
}

type Params struct {
	Schedules    ScheduleStore
	Registry     registry.Registry
	Publisher    queue.Publisher
	ExtractQueue string
	Interval     time.Duration
	Logger       *slog.Logger
}

func New(p Params) *Scheduler {
	return &Scheduler{
		schedules:    p.Schedules,
		registry:     p.Registry,
		publisher:    p.Publisher,
		extractQueue: p.ExtractQueue,
		interval:     p.Interval,
		logger:       p.Logger,
		startedAt:    time.Now().UTC(),
	}
}

// Run ticks until the context is canceled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started", slog.Duration("interval", s.interval))
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		case now := <-ticker.C:
			s.Tick(ctx, now.UTC())
		}
	}
}

// Tick fires every enabled schedule that is due at now. Errors are logged
// per schedule; one broken definition never blocks the others.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	items, err := s.schedules.ListEnabledSchedules(ctx)
	if err != nil {
		s.logger.Error("list schedules", slog.String("error", err.Error()))
		return
	}

	for _, sch := range items {
		if err := s.tickOne(ctx, sch, now); err != nil {
			s.logger.Error("schedule tick failed",
				slog.String("schedule", sch.Name),
				slog.String("error", err.Error()))
		}
	}
}

func (s *Scheduler) tickOne(ctx context.Context, sch postgres.Schedule, now time.Time) error {
	spec, err := ParseCron(sch.CronExpr)
	if err != nil {
		s.logger.Warn("schedule has invalid cron expression, skipping",
			slog.String("schedule", sch.Name),
			slog.String("cron", sch.CronExpr))
		return nil
	}

	anchor := s.startedAt
	if sch.LastRunAt != nil {
		anchor = *sch.LastRunAt
	}
	if spec.Next(anchor).After(now) {
		return nil
	}

	// Admission control: one in-flight run per schedule.
	if sch.LastRunCorrID != nil {
		prev, err := s.registry.GetRun(ctx, *sch.LastRunCorrID)
		if err == nil && !registry.Terminal(registry.Status(prev.Status)) {
			metrics.SchedulesSkipped.Inc()
			s.logger.Info("previous run still in flight, skipping activation",
				slog.String("schedule", sch.Name),
				slog.String("corrid", prev.CorrID.String()),
				slog.String("stage", prev.Stage))
			return nil
		}
		if err != nil && err != registry.ErrRunNotFound {
			return err
		}
	}

	return s.Fire(ctx, sch, now)
}

// Fire mints a run for the schedule and enqueues its extraction.
func (s *Scheduler) Fire(ctx context.Context, sch postgres.Schedule, now time.Time) error {
	run, err := s.registry.CreateRun(ctx, pipeline.Mode(sch.Mode), sch.Window, sch.Datasets, nil)
	if err != nil {
		return err
	}

	env, err := queue.NewEnvelope(run.CorrID, string(registry.StageExtracting), pipeline.ExtractRequest{
		CorrID:   run.CorrID,
		Mode:     pipeline.Mode(sch.Mode),
		Window:   sch.Window,
		Datasets: sch.Datasets,
	})
	if err != nil {
		return err
	}
	if err := s.publisher.Publish(ctx, s.extractQueue, env); err != nil {
		return err
	}

	if err := s.schedules.RecordScheduleFire(ctx, postgres.RecordScheduleFireParams{
		ID:     sch.ID,
		CorrID: run.CorrID,
		At:     now,
	}); err != nil {
		return err
	}

	metrics.SchedulesFired.Inc()
	s.logger.Info("schedule fired",
		slog.String("schedule", sch.Name),
		slog.String("corrid", run.CorrID.String()))
	return nil
}
