package postgres

import (
	"context"
	"fmt"
)

// DDL for the coordination and gold tables. Statements are idempotent so
// every binary can call EnsureSchema at startup.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		corrid          UUID PRIMARY KEY,
		mode            TEXT NOT NULL,
		window_spec     JSONB NOT NULL,
		datasets        TEXT[] NOT NULL,
		columns         JSONB NOT NULL DEFAULT '{}'::jsonb,
		stage           TEXT NOT NULL DEFAULT 'pending',
		stage_ord       INT  NOT NULL DEFAULT 0,
		status          TEXT NOT NULL DEFAULT 'pending',
		rows_processed  BIGINT NOT NULL DEFAULT 0,
		rows_rejected   BIGINT NOT NULL DEFAULT 0,
		error_category  TEXT,
		error_summary   TEXT,
		stage_times     JSONB NOT NULL DEFAULT '{}'::jsonb,
		started_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS runs_status_idx ON runs (status)`,
	`CREATE TABLE IF NOT EXISTS schedules (
		id              UUID PRIMARY KEY,
		name            TEXT NOT NULL,
		cron_expr       TEXT NOT NULL,
		mode            TEXT NOT NULL,
		window_spec     JSONB NOT NULL,
		datasets        TEXT[] NOT NULL,
		enabled         BOOLEAN NOT NULL DEFAULT true,
		last_run_at     TIMESTAMPTZ,
		last_run_corrid UUID,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS gold_crashes (
		crash_record_id        TEXT PRIMARY KEY,
		crash_date             DATE,
		crash_day_of_week      INT,
		crash_hour             INT,
		is_weekend             INT,
		hour_bin               TEXT,
		beat_of_occurrence     INT,
		latitude               DOUBLE PRECISION,
		longitude              DOUBLE PRECISION,
		lat_bin                DOUBLE PRECISION,
		lng_bin                DOUBLE PRECISION,
		grid_id                TEXT,
		crash_type             TEXT,
		num_units              INT,
		injuries_total         DOUBLE PRECISION,
		lighting_condition     TEXT,
		posted_speed_limit     INT,
		road_defect            TEXT,
		roadway_surface_cond   TEXT,
		street_direction       TEXT,
		trafficway_type        TEXT,
		weather_condition      TEXT,
		traffic_control_device TEXT,
		hit_and_run_i          INT,
		intersection_related_i INT,
		work_zone_i            INT,
		private_property_i     INT,
		corrid                 UUID,
		inserted_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at             TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

func (q *Queries) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := q.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
