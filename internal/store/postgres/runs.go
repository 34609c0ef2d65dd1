package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/jmalhotra/crashlake/internal/pipeline"
)

// Run is a row in the runs table: one pipeline run, identified by corrid.
// Mode and window are immutable after the mint; only stage/status move.
type Run struct {
	CorrID        uuid.UUID            `json:"corrid"`
	Mode          string               `json:"mode"`
	Window        pipeline.Window      `json:"window"`
	Datasets      []string             `json:"datasets"`
	Columns       map[string][]string  `json:"columns,omitempty"`
	Stage         string               `json:"stage"`
	StageOrd      int                  `json:"-"`
	Status        string               `json:"status"`
	RowsProcessed int64                `json:"rows_processed"`
	RowsRejected  int64                `json:"rows_rejected"`
	ErrorCategory *string              `json:"error_category,omitempty"`
	ErrorSummary  *string              `json:"error_summary,omitempty"`
	StageTimes    map[string]time.Time `json:"stage_times"`
	StartedAt     time.Time            `json:"started_at"`
	UpdatedAt     time.Time            `json:"updated_at"`
}

const runColumns = `corrid, mode, window_spec, datasets, columns, stage, stage_ord, status,
	rows_processed, rows_rejected, error_category, error_summary, stage_times, started_at, updated_at`

func scanRun(row interface{ Scan(dest ...any) error }) (Run, error) {
	var r Run
	err := row.Scan(
		&r.CorrID, &r.Mode, &r.Window, &r.Datasets, &r.Columns, &r.Stage, &r.StageOrd, &r.Status,
		&r.RowsProcessed, &r.RowsRejected, &r.ErrorCategory, &r.ErrorSummary, &r.StageTimes,
		&r.StartedAt, &r.UpdatedAt,
	)
	return r, err
}

type CreateRunParams struct {
	CorrID   uuid.UUID
	Mode     string
	Window   pipeline.Window
	Datasets []string
	Columns  map[string][]string
}

func (q *Queries) CreateRun(ctx context.Context, p CreateRunParams) (Run, error) {
	row := q.db.QueryRow(ctx,
		`INSERT INTO runs (corrid, mode, window_spec, datasets, columns)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING `+runColumns,
		p.CorrID, p.Mode, p.Window, p.Datasets, p.Columns)
	return scanRun(row)
}

func (q *Queries) GetRun(ctx context.Context, corrID uuid.UUID) (Run, error) {
	row := q.db.QueryRow(ctx,
		`SELECT `+runColumns+` FROM runs WHERE corrid = $1`, corrID)
	return scanRun(row)
}

type ListRunsParams struct {
	Status string // empty = all
	Limit  int32
	Offset int32
}

func (q *Queries) ListRuns(ctx context.Context, p ListRunsParams) ([]Run, error) {
	rows, err := q.db.Query(ctx,
		`SELECT `+runColumns+` FROM runs
		 WHERE ($1 = '' OR status = $1)
		 ORDER BY started_at DESC
		 LIMIT $2 OFFSET $3`,
		p.Status, p.Limit, p.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, r)
	}
	return items, rows.Err()
}

type AdvanceRunStageParams struct {
	CorrID        uuid.UUID
	FromOrd       int
	Stage         string
	StageOrd      int
	Status        string
	RowsProcessed int64
	RowsRejected  int64
}

// AdvanceRunStage moves a run one stage forward, guarded on the current
// stage ordinal so a duplicate completion signal matches zero rows instead
// of rewinding or double-counting. Returns the number of rows updated.
func (q *Queries) AdvanceRunStage(ctx context.Context, p AdvanceRunStageParams) (int64, error) {
	tag, err := q.db.Exec(ctx,
		`UPDATE runs SET
			stage = $3,
			stage_ord = $4,
			status = $5,
			rows_processed = rows_processed + $6,
			rows_rejected = rows_rejected + $7,
			stage_times = stage_times || jsonb_build_object($3::text, now()),
			updated_at = now()
		 WHERE corrid = $1 AND stage_ord = $2 AND status NOT IN ('failed', 'succeeded')`,
		p.CorrID, p.FromOrd, p.Stage, p.StageOrd, p.Status, p.RowsProcessed, p.RowsRejected)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

type MarkRunFailedParams struct {
	CorrID   uuid.UUID
	Category string
	Summary  string
}

// MarkRunFailed is a no-op for runs already in a terminal state.
func (q *Queries) MarkRunFailed(ctx context.Context, p MarkRunFailedParams) (int64, error) {
	tag, err := q.db.Exec(ctx,
		`UPDATE runs SET
			status = 'failed',
			error_category = $2,
			error_summary = $3,
			updated_at = now()
		 WHERE corrid = $1 AND status NOT IN ('failed', 'succeeded')`,
		p.CorrID, p.Category, p.Summary)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
