package transform

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"

	"github.com/jmalhotra/crashlake/internal/objstore"
	"github.com/jmalhotra/crashlake/internal/pipeline"
	"github.com/jmalhotra/crashlake/internal/pipeline/pipelinetest"
	"github.com/jmalhotra/crashlake/internal/queue"
	"github.com/jmalhotra/crashlake/internal/registry"
)

func putRaw(t *testing.T, objs *pipelinetest.MemStore, dataset string, corrID uuid.UUID, recs []map[string]any) string {
	t.Helper()
	body, err := json.Marshal(recs)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	gz, err := objstore.Gzip(body)
	if err != nil {
		t.Fatalf("gzip: %v", err)
	}
	key := objstore.Key(objstore.LayerRaw, dataset, corrID, "records.json.gz")
	if err := objs.Put(context.Background(), key, gz, nil); err != nil {
		t.Fatalf("put: %v", err)
	}
	return key
}

func transformEnvelope(t *testing.T, req pipeline.TransformRequest) queue.Envelope {
	t.Helper()
	env, err := queue.NewEnvelope(req.CorrID, string(registry.StageTransforming), req)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	return env
}

func TestHandleMergesAndHandsOff(t *testing.T) {
	reg := pipelinetest.NewMemRegistry()
	objs := pipelinetest.NewMemStore()
	pub := pipelinetest.NewCapturePublisher()
	stage := NewStage(StageParams{
		Objects:    objs,
		Registry:   reg,
		Publisher:  pub,
		CleanQueue: "clean",
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	corrID := uuid.New()
	reg.Seed(corrID, registry.StageExtracted)

	req := pipeline.TransformRequest{
		CorrID: corrID,
		RawKeys: map[string]string{
			datasetCrashes: putRaw(t, objs, datasetCrashes, corrID, []map[string]any{
				{"crash_record_id": "A", "crash_date": "2026-08-01T10:00:00", "weather_condition": "RAIN"},
				{"crash_record_id": "B", "crash_date": "2026-08-02T11:00:00", "weather_condition": "CLEAR"},
			}),
			datasetVehicles: putRaw(t, objs, datasetVehicles, corrID, []map[string]any{
				{"crash_record_id": "A", "unit_type": "DRIVER"},
			}),
			datasetPeople: putRaw(t, objs, datasetPeople, corrID, nil),
		},
	}

	if err := stage.Handle(context.Background(), transformEnvelope(t, req)); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	run, _ := reg.GetRun(context.Background(), corrID)
	if run.Stage != string(registry.StageTransformed) {
		t.Errorf("run stage = %s, want transformed", run.Stage)
	}
	if run.RowsProcessed != 2 {
		t.Errorf("rows processed = %d, want 2", run.RowsProcessed)
	}

	mergedKey := objstore.Key(objstore.LayerMerged, datasetCrashes, corrID, "merged.csv")
	body, err := objs.Get(context.Background(), mergedKey)
	if err != nil {
		t.Fatalf("merged artifact missing: %v", err)
	}
	rows, err := csv.NewReader(bytes.NewReader(body)).ReadAll()
	if err != nil {
		t.Fatalf("read merged csv: %v", err)
	}
	if len(rows) != 3 {
		t.Errorf("merged csv has %d rows, want header + 2", len(rows))
	}

	handoffs := pub.Envelopes("clean")
	if len(handoffs) != 1 {
		t.Fatalf("published %d clean messages, want 1", len(handoffs))
	}
	var next pipeline.CleanRequest
	if err := handoffs[0].Decode(&next); err != nil {
		t.Fatalf("decode handoff: %v", err)
	}
	if next.MergedKey != mergedKey {
		t.Errorf("handoff key = %s, want %s", next.MergedKey, mergedKey)
	}
}

func TestHandleMissingArtifactIsTransient(t *testing.T) {
	reg := pipelinetest.NewMemRegistry()
	objs := pipelinetest.NewMemStore()
	stage := NewStage(StageParams{
		Objects:    objs,
		Registry:   reg,
		Publisher:  pipelinetest.NewCapturePublisher(),
		CleanQueue: "clean",
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	corrID := uuid.New()
	reg.Seed(corrID, registry.StageExtracted)
	req := pipeline.TransformRequest{
		CorrID:  corrID,
		RawKeys: map[string]string{datasetCrashes: "raw/crashes/" + corrID.String() + "/records.json.gz"},
	}

	err := stage.Handle(context.Background(), transformEnvelope(t, req))
	if err == nil {
		t.Fatal("expected error for missing artifact")
	}
	if got := pipeline.CategoryOf(err); got != pipeline.TransientInfra {
		t.Errorf("category = %s, want %s", got, pipeline.TransientInfra)
	}
}

func TestHandleMissingRequiredColumnFailsRun(t *testing.T) {
	reg := pipelinetest.NewMemRegistry()
	objs := pipelinetest.NewMemStore()
	pub := pipelinetest.NewCapturePublisher()
	stage := NewStage(StageParams{
		Objects:    objs,
		Registry:   reg,
		Publisher:  pub,
		CleanQueue: "clean",
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	corrID := uuid.New()
	reg.Seed(corrID, registry.StageExtracted)
	req := pipeline.TransformRequest{
		CorrID: corrID,
		RawKeys: map[string]string{
			// No crash_date anywhere in the extracted data.
			datasetCrashes: putRaw(t, objs, datasetCrashes, corrID, []map[string]any{
				{"crash_record_id": "A", "weather_condition": "RAIN"},
			}),
		},
	}

	if err := stage.Handle(context.Background(), transformEnvelope(t, req)); err != nil {
		t.Fatalf("Handle: %v (schema failure is terminal, not retryable)", err)
	}

	run, _ := reg.GetRun(context.Background(), corrID)
	if run.Status != string(registry.StatusFailed) {
		t.Fatalf("run status = %s, want failed", run.Status)
	}
	if run.ErrorCategory == nil || *run.ErrorCategory != string(pipeline.ValidationFailure) {
		t.Errorf("error category = %v, want %s", run.ErrorCategory, pipeline.ValidationFailure)
	}
	if keys, _ := objs.List(context.Background(), objstore.CorrPrefix(objstore.LayerMerged, datasetCrashes, corrID)); len(keys) != 0 {
		t.Errorf("merged artifacts = %d, want none for a failed schema", len(keys))
	}
	if handoffs := pub.Envelopes("clean"); len(handoffs) != 0 {
		t.Errorf("published %d clean messages, want 0", len(handoffs))
	}
}

func TestMissingColumns(t *testing.T) {
	recs := []map[string]any{
		{"Crash_Record_ID": "A"},
		{"crash_record_id": "B", " crash_date ": "2026-08-01"},
	}
	if missing := missingColumns(recs, requiredColumns); len(missing) != 0 {
		t.Errorf("missingColumns = %v, want none (keys normalize)", missing)
	}
	if missing := missingColumns(recs[:1], requiredColumns); len(missing) != 1 || missing[0] != "crash_date" {
		t.Errorf("missingColumns = %v, want [crash_date]", missing)
	}
}

func TestHandleRedeliveryOverwritesSameKey(t *testing.T) {
	reg := pipelinetest.NewMemRegistry()
	objs := pipelinetest.NewMemStore()
	pub := pipelinetest.NewCapturePublisher()
	stage := NewStage(StageParams{
		Objects:    objs,
		Registry:   reg,
		Publisher:  pub,
		CleanQueue: "clean",
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	corrID := uuid.New()
	reg.Seed(corrID, registry.StageExtracted)
	req := pipeline.TransformRequest{
		CorrID: corrID,
		RawKeys: map[string]string{
			datasetCrashes: putRaw(t, objs, datasetCrashes, corrID, []map[string]any{
				{"crash_record_id": "A", "crash_date": "2026-08-01T10:00:00"},
			}),
		},
	}
	env := transformEnvelope(t, req)

	if err := stage.Handle(context.Background(), env); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := stage.Handle(context.Background(), env); err != nil {
		t.Fatalf("redelivery: %v", err)
	}

	keys, _ := objs.List(context.Background(), objstore.CorrPrefix(objstore.LayerMerged, datasetCrashes, corrID))
	if len(keys) != 1 {
		t.Errorf("merged artifacts = %d, want 1", len(keys))
	}
	run, _ := reg.GetRun(context.Background(), corrID)
	if run.Stage != string(registry.StageTransformed) {
		t.Errorf("run stage = %s, want transformed", run.Stage)
	}
}
