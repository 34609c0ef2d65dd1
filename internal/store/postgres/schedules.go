package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/jmalhotra/crashlake/internal/pipeline"
)

// Schedule is a recurring job definition. The scheduler tick loop updates
// last_run_at/last_run_corrid on fire; everything else is user-driven.
type Schedule struct {
	ID            uuid.UUID       `json:"id"`
	Name          string          `json:"name"`
	CronExpr      string          `json:"cron"`
	Mode          string          `json:"mode"`
	Window        pipeline.Window `json:"window_template"`
	Datasets      []string        `json:"datasets"`
	Enabled       bool            `json:"enabled"`
	LastRunAt     *time.Time      `json:"last_run_at,omitempty"`
	LastRunCorrID *uuid.UUID      `json:"last_run_corrid,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

const scheduleColumns = `id, name, cron_expr, mode, window_spec, datasets, enabled,
	last_run_at, last_run_corrid, created_at, updated_at`

func scanSchedule(row interface{ Scan(dest ...any) error }) (Schedule, error) {
	var s Schedule
	err := row.Scan(
		&s.ID, &s.Name, &s.CronExpr, &s.Mode, &s.Window, &s.Datasets, &s.Enabled,
		&s.LastRunAt, &s.LastRunCorrID, &s.CreatedAt, &s.UpdatedAt,
	)
	return s, err
}

type CreateScheduleParams struct {
	ID       uuid.UUID
	Name     string
	CronExpr string
	Mode     string
	Window   pipeline.Window
	Datasets []string
	Enabled  bool
}

func (q *Queries) CreateSchedule(ctx context.Context, p CreateScheduleParams) (Schedule, error) {
	row := q.db.QueryRow(ctx,
		`INSERT INTO schedules (id, name, cron_expr, mode, window_spec, datasets, enabled)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING `+scheduleColumns,
		p.ID, p.Name, p.CronExpr, p.Mode, p.Window, p.Datasets, p.Enabled)
	return scanSchedule(row)
}

func (q *Queries) GetSchedule(ctx context.Context, id uuid.UUID) (Schedule, error) {
	row := q.db.QueryRow(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE id = $1`, id)
	return scanSchedule(row)
}

func (q *Queries) ListSchedules(ctx context.Context) ([]Schedule, error) {
	rows, err := q.db.Query(ctx,
		`SELECT `+scheduleColumns+` FROM schedules ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, s)
	}
	return items, rows.Err()
}

func (q *Queries) ListEnabledSchedules(ctx context.Context) ([]Schedule, error) {
	rows, err := q.db.Query(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE enabled ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, s)
	}
	return items, rows.Err()
}

func (q *Queries) SetScheduleEnabled(ctx context.Context, id uuid.UUID, enabled bool) error {
	_, err := q.db.Exec(ctx,
		`UPDATE schedules SET enabled = $2, updated_at = now() WHERE id = $1`, id, enabled)
	return err
}

type RecordScheduleFireParams struct {
	ID     uuid.UUID
	CorrID uuid.UUID
	At     time.Time
}

func (q *Queries) RecordScheduleFire(ctx context.Context, p RecordScheduleFireParams) error {
	_, err := q.db.Exec(ctx,
		`UPDATE schedules SET last_run_at = $2, last_run_corrid = $3, updated_at = now()
		 WHERE id = $1`,
		p.ID, p.At, p.CorrID)
	return err
}

// DeleteSchedule removes the definition only. In-flight corrids minted by
// this schedule are unaffected.
func (q *Queries) DeleteSchedule(ctx context.Context, id uuid.UUID) error {
	_, err := q.db.Exec(ctx, `DELETE FROM schedules WHERE id = $1`, id)
	return err
}
