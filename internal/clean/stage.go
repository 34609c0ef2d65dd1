package clean

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"

	"github.com/jmalhotra/crashlake/internal/metrics"
	"github.com/jmalhotra/crashlake/internal/objstore"
	"github.com/jmalhotra/crashlake/internal/pipeline"
	"github.com/jmalhotra/crashlake/internal/queue"
	"github.com/jmalhotra/crashlake/internal/registry"
	"github.com/jmalhotra/crashlake/internal/store/postgres"
)

// GoldStore is the write side of the analytical table.
type GoldStore interface {
	UpsertGoldCrash(ctx context.Context, p postgres.UpsertGoldCrashParams) error
}

type Locker interface {
	StageLock(ctx context.Context, corrID uuid.UUID, stage registry.Stage) (release func(), ok bool, err error)
}

// Stage consumes clean requests: it loads a run's merged artifact, applies
// the gold-layer rules, and upserts each surviving row by its natural key.
// The upsert converges under redelivery, so a replayed request rewrites the
// same rows instead of duplicating them.
type Stage struct {
	objects        objstore.Store
	registry       registry.Registry
	locker         Locker
	gold           GoldStore
	conflictPolicy string
	logger         *slog.Logger
}

type StageParams struct {
	Objects        objstore.Store
	Registry       registry.Registry
	Locker         Locker
	Gold           GoldStore
	ConflictPolicy string
	Logger         *slog.Logger
}

func NewStage(p StageParams) *Stage {
	return &Stage{
		objects:        p.Objects,
		registry:       p.Registry,
		locker:         p.Locker,
		gold:           p.Gold,
		conflictPolicy: p.ConflictPolicy,
		logger:         p.Logger,
	}
}

func (s *Stage) Handle(ctx context.Context, env queue.Envelope) error {
	var req pipeline.CleanRequest
	if err := env.Decode(&req); err != nil {
		return pipeline.ConfigErr("malformed clean request", err)
	}
	log := s.logger.With(slog.String("corrid", req.CorrID.String()))

	if s.locker != nil {
		release, ok, err := s.locker.StageLock(ctx, req.CorrID, registry.StageCleaning)
		if err != nil {
			return pipeline.Transient("stage lock", err)
		}
		if !ok {
			log.Info("clean already in progress elsewhere, dropping duplicate")
			return nil
		}
		defer release()
	}

	if err := s.registry.Transition(ctx, req.CorrID, registry.StageTransformed, registry.StageCleaning, registry.Outcome{}); err != nil {
		return err
	}

	rows, err := s.loadMerged(ctx, req.MergedKey)
	if err != nil {
		return err
	}

	records, stats := Clean(rows, req.CorrID)
	log.Info("cleaning rules applied",
		slog.Int("rows_in", stats.RowsIn),
		slog.Int("rows_kept", stats.RowsKept),
		slog.Int("rows_rejected", stats.RowsRejected))

	if stats.RowsIn > 0 && stats.RowsKept == 0 {
		// Every row failed validation. Retrying reproduces the same result,
		// so the run fails now instead of burning the retry budget.
		summary := fmt.Sprintf("all %d rows rejected: %v", stats.RowsIn, stats.Rejections)
		if err := s.registry.Fail(ctx, req.CorrID, pipeline.ValidationFailure, summary); err != nil {
			return err
		}
		log.Warn("run failed validation", slog.String("reasons", fmt.Sprint(stats.Rejections)))
		return nil
	}

	for _, rec := range records {
		err := s.gold.UpsertGoldCrash(ctx, postgres.UpsertGoldCrashParams{
			Record: rec,
			Policy: s.conflictPolicy,
		})
		if err != nil {
			return pipeline.Transient(fmt.Sprintf("upsert crash %s", rec.CrashRecordID), err)
		}
	}

	metrics.RowsProcessed.WithLabelValues("clean").Add(float64(stats.RowsKept))
	metrics.RowsRejected.WithLabelValues("clean").Add(float64(stats.RowsRejected))
	outcome := registry.Outcome{
		RowsProcessed: int64(stats.RowsKept),
		RowsRejected:  int64(stats.RowsRejected),
	}
	if err := s.registry.Transition(ctx, req.CorrID, registry.StageCleaning, registry.StageComplete, outcome); err != nil {
		return err
	}
	log.Info("run complete", slog.Int("rows_loaded", len(records)))
	return nil
}

// loadMerged reads the merged CSV into one map per row. A key the store
// can't serve yet is transient; the writer published this message only
// after the object landed.
func (s *Stage) loadMerged(ctx context.Context, key string) ([]map[string]string, error) {
	data, err := s.objects.Get(ctx, key)
	if err != nil {
		return nil, pipeline.Transient(fmt.Sprintf("read merged artifact %s", key), err)
	}

	r := csv.NewReader(bytes.NewReader(data))
	header, err := r.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read merged header: %w", err)
	}

	var rows []map[string]string
	for {
		cells, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read merged row: %w", err)
		}
		row := make(map[string]string, len(header))
		for i, col := range header {
			if i < len(cells) {
				row[col] = cells[i]
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}
