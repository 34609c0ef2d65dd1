package transform

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jmalhotra/crashlake/internal/metrics"
	"github.com/jmalhotra/crashlake/internal/objstore"
	"github.com/jmalhotra/crashlake/internal/pipeline"
	"github.com/jmalhotra/crashlake/internal/queue"
	"github.com/jmalhotra/crashlake/internal/registry"
)

const (
	datasetCrashes  = "crashes"
	datasetVehicles = "vehicles"
	datasetPeople   = "people"

	joinKey        = "crash_record_id"
	mergedFilename = "merged.csv"
)

// requiredColumns must exist in the extracted crashes data for the merged
// schema to be usable downstream; without them clean would fabricate fills
// for columns that never arrived.
var requiredColumns = []string{joinKey, "crash_date"}

type Locker interface {
	StageLock(ctx context.Context, corrID uuid.UUID, stage registry.Stage) (release func(), ok bool, err error)
}

// Stage consumes transform requests: it loads the raw artifacts a run
// extracted, joins them into one row per crash, lands the merged CSV, and
// hands off to the clean queue. The merged key is deterministic, so a
// redelivered request overwrites the same object.
type Stage struct {
	objects    objstore.Store
	registry   registry.Registry
	locker     Locker
	publisher  queue.Publisher
	cleanQueue string
	logger     *slog.Logger
}

type StageParams struct {
	Objects    objstore.Store
	Registry   registry.Registry
	Locker     Locker
	Publisher  queue.Publisher
	CleanQueue string
	Logger     *slog.Logger
}

func NewStage(p StageParams) *Stage {
	return &Stage{
		objects:    p.Objects,
		registry:   p.Registry,
		locker:     p.Locker,
		publisher:  p.Publisher,
		cleanQueue: p.CleanQueue,
		logger:     p.Logger,
	}
}

func (s *Stage) Handle(ctx context.Context, env queue.Envelope) error {
	var req pipeline.TransformRequest
	if err := env.Decode(&req); err != nil {
		return pipeline.ConfigErr("malformed transform request", err)
	}
	log := s.logger.With(slog.String("corrid", req.CorrID.String()))

	if s.locker != nil {
		release, ok, err := s.locker.StageLock(ctx, req.CorrID, registry.StageTransforming)
		if err != nil {
			return pipeline.Transient("stage lock", err)
		}
		if !ok {
			log.Info("transform already in progress elsewhere, dropping duplicate")
			return nil
		}
		defer release()
	}

	if err := s.registry.Transition(ctx, req.CorrID, registry.StageExtracted, registry.StageTransforming, registry.Outcome{}); err != nil {
		return err
	}

	crashes, err := s.loadRaw(ctx, req, datasetCrashes)
	if err != nil {
		return err
	}
	vehicles, err := s.loadRaw(ctx, req, datasetVehicles)
	if err != nil {
		return err
	}
	people, err := s.loadRaw(ctx, req, datasetPeople)
	if err != nil {
		return err
	}

	if len(crashes) > 0 {
		if missing := missingColumns(crashes, requiredColumns); len(missing) > 0 {
			// Deterministic: a redelivery reads the same artifact back.
			summary := fmt.Sprintf("crashes data missing required columns %v", missing)
			if err := s.registry.Fail(ctx, req.CorrID, pipeline.ValidationFailure, summary); err != nil {
				return err
			}
			log.Warn("run failed schema validation", slog.Any("missing_columns", missing))
			return nil
		}
	}

	merged := Merge(crashes, vehicles, people, joinKey)
	body, err := EncodeCSV(merged)
	if err != nil {
		return fmt.Errorf("encode merged csv: %w", err)
	}

	key := objstore.Key(objstore.LayerMerged, datasetCrashes, req.CorrID, mergedFilename)
	meta := map[string]string{
		"corrid":         req.CorrID.String(),
		"rows":           strconv.Itoa(len(merged.Rows)),
		"columns":        strconv.Itoa(len(merged.Columns)),
		"transformed-at": time.Now().UTC().Format(time.RFC3339),
	}
	if err := s.objects.Put(ctx, key, body, meta); err != nil {
		return pipeline.Transient("write merged artifact", err)
	}

	metrics.RowsProcessed.WithLabelValues("transform").Add(float64(len(merged.Rows)))
	outcome := registry.Outcome{RowsProcessed: int64(len(merged.Rows))}
	if err := s.registry.Transition(ctx, req.CorrID, registry.StageTransforming, registry.StageTransformed, outcome); err != nil {
		return err
	}

	next, err := queue.NewEnvelope(req.CorrID, string(registry.StageCleaning), pipeline.CleanRequest{
		CorrID:    req.CorrID,
		MergedKey: key,
	})
	if err != nil {
		return err
	}
	if err := s.publisher.Publish(ctx, s.cleanQueue, next); err != nil {
		return pipeline.Transient("publish clean handoff", err)
	}
	log.Info("transform complete",
		slog.Int("rows", len(merged.Rows)),
		slog.Int("columns", len(merged.Columns)))
	return nil
}

// loadRaw fetches and decodes one dataset's raw artifact. The crash dataset
// is required; enrichment datasets the request doesn't carry are treated as
// empty. A key the request names but the store can't serve yet is transient:
// the handoff was published after the write, so the object will appear.
func (s *Stage) loadRaw(ctx context.Context, req pipeline.TransformRequest, dataset string) ([]map[string]any, error) {
	key, ok := req.RawKeys[dataset]
	if !ok {
		if dataset == datasetCrashes {
			return nil, pipeline.ConfigErr("transform request carries no crash artifact key", nil)
		}
		return nil, nil
	}

	data, err := s.objects.Get(ctx, key)
	if err != nil {
		return nil, pipeline.Transient(fmt.Sprintf("read raw artifact %s", key), err)
	}
	body, err := objstore.Gunzip(data)
	if err != nil {
		return nil, fmt.Errorf("decompress %s: %w", key, err)
	}

	var recs []map[string]any
	if err := json.Unmarshal(body, &recs); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return recs, nil
}

// missingColumns reports which required columns no record carries. Keys are
// compared after the same normalization Standardize applies.
func missingColumns(recs []map[string]any, required []string) []string {
	present := make(map[string]bool)
	for _, rec := range recs {
		for k := range rec {
			present[strings.ToLower(strings.TrimSpace(k))] = true
		}
	}
	var missing []string
	for _, col := range required {
		if !present[col] {
			missing = append(missing, col)
		}
	}
	return missing
}
