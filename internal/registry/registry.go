package registry

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/jmalhotra/crashlake/internal/pipeline"
	"github.com/jmalhotra/crashlake/internal/store"
	"github.com/jmalhotra/crashlake/internal/store/postgres"
)

// Outcome is the stage-local result attached to a transition. Counters are
// additive; a stage never overwrites another stage's numbers.
type Outcome struct {
	RowsProcessed int64
	RowsRejected  int64
}

// Registry owns every run status mutation. Stages go through Transition and
// Fail rather than writing SQL of their own, so the state machine rules hold
// everywhere, including under message redelivery.
type Registry interface {
	CreateRun(ctx context.Context, mode pipeline.Mode, w pipeline.Window, datasets []string, columns map[string][]string) (postgres.Run, error)
	Transition(ctx context.Context, corrID uuid.UUID, from, to Stage, outcome Outcome) error
	Fail(ctx context.Context, corrID uuid.UUID, category pipeline.Category, summary string) error
	GetRun(ctx context.Context, corrID uuid.UUID) (postgres.Run, error)
	ListRuns(ctx context.Context, status Status, limit, offset int32) ([]postgres.Run, error)
}

// PG is the Postgres-backed Registry.
type PG struct {
	store  *store.Store
	logger *slog.Logger
}

var _ Registry = (*PG)(nil)

func New(s *store.Store, logger *slog.Logger) *PG {
	return &PG{store: s, logger: logger}
}

// NewCorrID mints a time-ordered (v7) correlation ID. The corrid-priority
// gold conflict policy compares corrids as text, so later-minted corrids
// must compare greater.
func NewCorrID() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

func (r *PG) CreateRun(ctx context.Context, mode pipeline.Mode, w pipeline.Window, datasets []string, columns map[string][]string) (postgres.Run, error) {
	if err := ValidateWindow(mode, w); err != nil {
		return postgres.Run{}, err
	}
	if len(datasets) == 0 {
		return postgres.Run{}, fmt.Errorf("%w: no datasets requested", ErrInvalidWindow)
	}

	run, err := r.store.CreateRun(ctx, postgres.CreateRunParams{
		CorrID:   NewCorrID(),
		Mode:     string(mode),
		Window:   w,
		Datasets: datasets,
		Columns:  columns,
	})
	if err != nil {
		return postgres.Run{}, fmt.Errorf("create run: %w", err)
	}

	r.logger.Info("run created",
		slog.String("corrid", run.CorrID.String()),
		slog.String("mode", run.Mode),
		slog.Any("datasets", run.Datasets))
	return run, nil
}

// Transition advances corrID from one stage to the next. Calling it twice
// with the same (corrID, to) is a no-op on the second call: the ordinal
// guard in the UPDATE matches nothing once the run is in or past `to`.
func (r *PG) Transition(ctx context.Context, corrID uuid.UUID, from, to Stage, outcome Outcome) error {
	if Ord(from) < 0 || Ord(to) < 0 {
		return fmt.Errorf("%w: %s -> %s", ErrUnknownStage, from, to)
	}
	if !Next(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	affected, err := r.store.AdvanceRunStage(ctx, postgres.AdvanceRunStageParams{
		CorrID:        corrID,
		FromOrd:       Ord(from),
		Stage:         string(to),
		StageOrd:      Ord(to),
		Status:        string(StatusFor(to)),
		RowsProcessed: outcome.RowsProcessed,
		RowsRejected:  outcome.RowsRejected,
	})
	if err != nil {
		return fmt.Errorf("advance %s: %w", corrID, err)
	}
	if affected > 0 {
		r.logger.Info("run transitioned",
			slog.String("corrid", corrID.String()),
			slog.String("from", string(from)),
			slog.String("to", string(to)))
		return nil
	}

	// Zero rows: either the run is missing, or this is a duplicate signal.
	run, err := r.GetRun(ctx, corrID)
	if err != nil {
		return err
	}
	if run.StageOrd >= Ord(to) || Terminal(Status(run.Status)) {
		r.logger.Info("duplicate transition ignored",
			slog.String("corrid", corrID.String()),
			slog.String("to", string(to)),
			slog.String("current", run.Stage))
		return nil
	}
	return fmt.Errorf("%w: run %s is at %s, cannot move %s -> %s",
		ErrInvalidTransition, corrID, run.Stage, from, to)
}

func (r *PG) Fail(ctx context.Context, corrID uuid.UUID, category pipeline.Category, summary string) error {
	affected, err := r.store.MarkRunFailed(ctx, postgres.MarkRunFailedParams{
		CorrID:   corrID,
		Category: string(category),
		Summary:  summary,
	})
	if err != nil {
		return fmt.Errorf("fail run %s: %w", corrID, err)
	}
	if affected > 0 {
		r.logger.Warn("run failed",
			slog.String("corrid", corrID.String()),
			slog.String("category", string(category)),
			slog.String("summary", summary))
	}
	return nil
}

func (r *PG) GetRun(ctx context.Context, corrID uuid.UUID) (postgres.Run, error) {
	run, err := r.store.GetRun(ctx, corrID)
	if errors.Is(err, pgx.ErrNoRows) {
		return postgres.Run{}, ErrRunNotFound
	}
	if err != nil {
		return postgres.Run{}, fmt.Errorf("get run %s: %w", corrID, err)
	}
	return run, nil
}

func (r *PG) ListRuns(ctx context.Context, status Status, limit, offset int32) ([]postgres.Run, error) {
	return r.store.ListRuns(ctx, postgres.ListRunsParams{
		Status: string(status),
		Limit:  limit,
		Offset: offset,
	})
}

// StageLock takes the per-corrid-per-stage advisory lock so one worker at a
// time processes a given corrid in a given stage. Returns ok=false when
// another worker holds it; callers then rely on idempotent writes instead of
// blocking. The returned release func must be called when ok.
func (r *PG) StageLock(ctx context.Context, corrID uuid.UUID, stage Stage) (release func(), ok bool, err error) {
	key := stageLockKey(corrID, stage)

	conn, err := r.store.Pool().Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire conn: %w", err)
	}

	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&ok); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("advisory lock: %w", err)
	}
	if !ok {
		conn.Release()
		return nil, false, nil
	}

	release = func() {
		// Unlock on the same session that took the lock.
		_, _ = conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, key)
		conn.Release()
	}
	return release, true, nil
}

func stageLockKey(corrID uuid.UUID, stage Stage) int64 {
	h := fnv.New64a()
	h.Write(corrID[:])
	h.Write([]byte(stage))
	return int64(h.Sum64())
}
