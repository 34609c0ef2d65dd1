package extract

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
	DatasetCrashes  = "crashes"
	DatasetVehicles = "vehicles"
	DatasetPeople   = "people"

	// joinKey ties vehicle and person rows back to their crash.
	joinKey = "crash_record_id"

	rawFilename = "records.json.gz"
)

// DefaultDatasetIDs maps logical dataset names to the portal's 4x4 ids.
func DefaultDatasetIDs() map[string]string {
	return map[string]string{
		DatasetCrashes:  "85ca-t3if",
		DatasetVehicles: "68nd-jvt3",
		DatasetPeople:   "u9sz-87e7",
	}
}

type sourceAPI interface {
	Page(ctx context.Context, resourceID string, q Query) ([]map[string]any, error)
	PageSize() int
}

// Locker serializes stage work per corrid. Nil disables locking; the
// idempotent write path still holds without it.
type Locker interface {
	StageLock(ctx context.Context, corrID uuid.UUID, stage registry.Stage) (release func(), ok bool, err error)
}

// Stage consumes extraction requests: it pulls the requested window from the
// source portal, lands one raw artifact per dataset, and hands off to the
// transform queue. Artifact writes always complete before the handoff is
// published, so a transform consumer never races a missing object.
type Stage struct {
	source         sourceAPI
	schema         SchemaProvider
	datasets       map[string]string
	objects        objstore.Store
	registry       registry.Registry
	locker         Locker
	publisher      queue.Publisher
	transformQueue string
	enrichWorkers  int
	idBatchSize    int
	logger         *slog.Logger
}

type StageParams struct {
	Source         sourceAPI
	Schema         SchemaProvider
	Datasets       map[string]string
	Objects        objstore.Store
	Registry       registry.Registry
	Locker         Locker
	Publisher      queue.Publisher
	TransformQueue string
	EnrichWorkers  int
	IDBatchSize    int
	Logger         *slog.Logger
}

func NewStage(p StageParams) *Stage {
	if p.EnrichWorkers < 1 {
		p.EnrichWorkers = 1
	}
	if p.IDBatchSize < 1 {
		p.IDBatchSize = 100
	}
	return &Stage{
		source:         p.Source,
		schema:         p.Schema,
		datasets:       p.Datasets,
		objects:        p.Objects,
		registry:       p.Registry,
		locker:         p.Locker,
		publisher:      p.Publisher,
		transformQueue: p.TransformQueue,
		enrichWorkers:  p.EnrichWorkers,
		idBatchSize:    p.IDBatchSize,
		logger:         p.Logger,
	}
}

// Handle processes one extraction request end to end.
func (s *Stage) Handle(ctx context.Context, env queue.Envelope) error {
	var req pipeline.ExtractRequest
	if err := env.Decode(&req); err != nil {
		return pipeline.ConfigErr("malformed extract request", err)
	}
	log := s.logger.With(slog.String("corrid", req.CorrID.String()))

	if s.locker != nil {
		release, ok, err := s.locker.StageLock(ctx, req.CorrID, registry.StageExtracting)
		if err != nil {
			return pipeline.Transient("stage lock", err)
		}
		if !ok {
			log.Info("extraction already in progress elsewhere, dropping duplicate")
			return nil
		}
		defer release()
	}

	if err := s.registry.Transition(ctx, req.CorrID, registry.StagePending, registry.StageExtracting, registry.Outcome{}); err != nil {
		return err
	}

	where, err := buildWhere(req.Mode, req.Window, time.Now().UTC())
	if err != nil {
		return err
	}

	if len(req.Datasets) == 0 {
		return pipeline.ConfigErr("extract request names no datasets", nil)
	}
	primary := req.Datasets[0]

	sel, err := s.selectFor(ctx, primary, req.Columns[primary])
	if err != nil {
		return err
	}
	primaryRecs, err := s.fetchAll(ctx, primary, sel, where)
	if err != nil {
		return err
	}
	log.Info("primary dataset fetched",
		slog.String("dataset", primary),
		slog.Int("records", len(primaryRecs)))

	rawKeys := make(map[string]string, len(req.Datasets))
	key, err := s.writeRaw(ctx, primary, req.CorrID, primaryRecs)
	if err != nil {
		return err
	}
	rawKeys[primary] = key

	ids := collectValues(primaryRecs, joinKey)
	for _, ds := range req.Datasets[1:] {
		sel, err := s.selectFor(ctx, ds, req.Columns[ds])
		if err != nil {
			return err
		}
		recs, err := s.fetchByIDs(ctx, ds, sel, ids)
		if err != nil {
			return err
		}
		log.Info("enrichment dataset fetched",
			slog.String("dataset", ds),
			slog.Int("records", len(recs)))

		key, err := s.writeRaw(ctx, ds, req.CorrID, recs)
		if err != nil {
			return err
		}
		rawKeys[ds] = key
	}

	metrics.RowsProcessed.WithLabelValues("extract").Add(float64(len(primaryRecs)))
	outcome := registry.Outcome{RowsProcessed: int64(len(primaryRecs))}
	if err := s.registry.Transition(ctx, req.CorrID, registry.StageExtracting, registry.StageExtracted, outcome); err != nil {
		return err
	}

	next, err := queue.NewEnvelope(req.CorrID, string(registry.StageTransforming), pipeline.TransformRequest{
		CorrID:  req.CorrID,
		RawKeys: rawKeys,
	})
	if err != nil {
		return err
	}
	if err := s.publisher.Publish(ctx, s.transformQueue, next); err != nil {
		return pipeline.Transient("publish transform handoff", err)
	}
	log.Info("extraction complete", slog.Int("datasets", len(rawKeys)))
	return nil
}

// selectFor resolves the column selection for a dataset against its live
// schema. An explicitly requested column the dataset no longer has is a
// configuration problem, not something retries can fix.
func (s *Stage) selectFor(ctx context.Context, dataset string, requested []string) (string, error) {
	cols, err := s.schema.ListColumns(ctx, dataset)
	if err != nil {
		return "", err
	}
	if len(requested) == 0 {
		names := make([]string, 0, len(cols))
		for _, c := range cols {
			names = append(names, c.Name)
		}
		return strings.Join(names, ","), nil
	}

	known := make(map[string]bool, len(cols))
	for _, c := range cols {
		known[c.Name] = true
	}
	for _, name := range requested {
		if !known[name] {
			return "", pipeline.ConfigErr(
				fmt.Sprintf("dataset %s has no column %q", dataset, name), nil)
		}
	}
	return strings.Join(requested, ","), nil
}

func (s *Stage) resourceID(dataset string) (string, error) {
	id, ok := s.datasets[dataset]
	if !ok {
		return "", pipeline.ConfigErr(fmt.Sprintf("unknown dataset %q", dataset), nil)
	}
	return id, nil
}

// fetchAll pages through everything matching where.
func (s *Stage) fetchAll(ctx context.Context, dataset, sel, where string) ([]map[string]any, error) {
	resourceID, err := s.resourceID(dataset)
	if err != nil {
		return nil, err
	}

	pageSize := s.source.PageSize()
	var out []map[string]any
	for offset := 0; ; offset += pageSize {
		page, err := s.source.Page(ctx, resourceID, Query{
			Select: sel,
			Where:  where,
			Order:  joinKey,
			Limit:  pageSize,
			Offset: offset,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < pageSize {
			return out, nil
		}
	}
}

// fetchByIDs pulls enrichment rows for the given crash ids, a batch of ids
// per request, batches fanned out across a small worker pool.
func (s *Stage) fetchByIDs(ctx context.Context, dataset, sel string, ids []string) ([]map[string]any, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	batches := chunk(ids, s.idBatchSize)
	type result struct {
		recs []map[string]any
		err  error
	}

	work := make(chan []string)
	// Buffered to the batch count so workers can always deliver their
	// result and exit, even when the receive loop bails out on ctx.Done.
	results := make(chan result, len(batches))

	workers := s.enrichWorkers
	if workers > len(batches) {
		workers = len(batches)
	}
	for i := 0; i < workers; i++ {
		go func() {
			for batch := range work {
				where := joinKey + " in(" + quoteList(batch) + ")"
				recs, err := s.fetchAll(ctx, dataset, sel, where)
				results <- result{recs: recs, err: err}
			}
		}()
	}
	go func() {
		defer close(work)
		for _, b := range batches {
			select {
			case work <- b:
			case <-ctx.Done():
				return
			}
		}
	}()

	var out []map[string]any
	var firstErr error
	pending := len(batches)
	for pending > 0 {
		select {
		case r := <-results:
			pending--
			if r.err != nil && firstErr == nil {
				firstErr = r.err
			}
			out = append(out, r.recs...)
		case <-ctx.Done():
			return nil, pipeline.Transient("enrichment fetch interrupted", ctx.Err())
		}
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

func (s *Stage) writeRaw(ctx context.Context, dataset string, corrID uuid.UUID, recs []map[string]any) (string, error) {
	body, err := json.Marshal(recs)
	if err != nil {
		return "", fmt.Errorf("encode %s records: %w", dataset, err)
	}
	gz, err := objstore.Gzip(body)
	if err != nil {
		return "", fmt.Errorf("compress %s records: %w", dataset, err)
	}

	key := objstore.Key(objstore.LayerRaw, dataset, corrID, rawFilename)
	meta := map[string]string{
		"corrid":       corrID.String(),
		"dataset":      dataset,
		"record-count": strconv.Itoa(len(recs)),
		"extracted-at": time.Now().UTC().Format(time.RFC3339),
	}
	if err := s.objects.Put(ctx, key, gz, meta); err != nil {
		return "", pipeline.Transient("write raw artifact", err)
	}
	return key, nil
}

// buildWhere turns the run's window into a SODA filter.
func buildWhere(mode pipeline.Mode, w pipeline.Window, now time.Time) (string, error) {
	field := w.Field
	if field == "" {
		field = "crash_date"
	}
	switch mode {
	case pipeline.ModeStreaming:
		if w.SinceDays <= 0 {
			return "", pipeline.ConfigErr("streaming window needs since_days > 0", nil)
		}
		since := now.AddDate(0, 0, -w.SinceDays).Format("2006-01-02T15:04:05")
		return fmt.Sprintf("%s >= '%s'", field, since), nil
	case pipeline.ModeBackfill:
		if w.Start == "" || w.End == "" {
			return "", pipeline.ConfigErr("backfill window needs start and end", nil)
		}
		return fmt.Sprintf("%s >= '%s' AND %s < '%s'", field, w.Start, field, w.End), nil
	default:
		return "", pipeline.ConfigErr(fmt.Sprintf("unknown mode %q", mode), nil)
	}
}

func collectValues(recs []map[string]any, field string) []string {
	seen := make(map[string]bool, len(recs))
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		v, ok := r[field].(string)
		if !ok || v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

func chunk(xs []string, size int) [][]string {
	var out [][]string
	for len(xs) > size {
		out = append(out, xs[:size])
		xs = xs[size:]
	}
	if len(xs) > 0 {
		out = append(out, xs)
	}
	return out
}

func quoteList(xs []string) string {
	quoted := make([]string, len(xs))
	for i, x := range xs {
		quoted[i] = "'" + strings.ReplaceAll(x, "'", "''") + "'"
	}
	return strings.Join(quoted, ",")
}
