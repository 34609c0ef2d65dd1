package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jmalhotra/crashlake/internal/pipeline"
	"github.com/jmalhotra/crashlake/internal/pipeline/pipelinetest"
	"github.com/jmalhotra/crashlake/internal/registry"
	"github.com/jmalhotra/crashlake/internal/store/postgres"
)

type fakeScheduleStore struct {
	mu    sync.Mutex
	items []postgres.Schedule
	fires []postgres.RecordScheduleFireParams
}

func (f *fakeScheduleStore) ListEnabledSchedules(context.Context) ([]postgres.Schedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]postgres.Schedule(nil), f.items...), nil
}

func (f *fakeScheduleStore) RecordScheduleFire(_ context.Context, p postgres.RecordScheduleFireParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fires = append(f.fires, p)
	for i := range f.items {
		if f.items[i].ID == p.ID {
			at, corrID := p.At, p.CorrID
			f.items[i].LastRunAt = &at
			f.items[i].LastRunCorrID = &corrID
		}
	}
	return nil
}

func testScheduler(store *fakeScheduleStore, reg *pipelinetest.MemRegistry, pub *pipelinetest.CapturePublisher) *Scheduler {
	s := New(Params{
		Schedules:    store,
		Registry:     reg,
		Publisher:    pub,
		ExtractQueue: "extract",
		Interval:     30 * time.Second,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	// Pin the anchor so "due" is deterministic in tests.
	s.startedAt = time.Date(2026, 8, 30, 0, 0, 0, 0, time.UTC)
	return s
}

func hourlySchedule() postgres.Schedule {
	return postgres.Schedule{
		ID:       uuid.New(),
		Name:     "hourly-streaming",
		CronExpr: "0 * * * *",
		Mode:     string(pipeline.ModeStreaming),
		Window:   pipeline.Window{SinceDays: 1},
		Datasets: []string{"crashes", "vehicles", "people"},
		Enabled:  true,
	}
}

func TestTickFiresDueSchedule(t *testing.T) {
	store := &fakeScheduleStore{items: []postgres.Schedule{hourlySchedule()}}
	reg := pipelinetest.NewMemRegistry()
	pub := pipelinetest.NewCapturePublisher()
	s := testScheduler(store, reg, pub)

	s.Tick(context.Background(), time.Date(2026, 8, 30, 1, 0, 30, 0, time.UTC))

	envs := pub.Envelopes("extract")
	if len(envs) != 1 {
		t.Fatalf("published %d extract messages, want 1", len(envs))
	}
	var req pipeline.ExtractRequest
	if err := envs[0].Decode(&req); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if req.CorrID == uuid.Nil {
		t.Error("no corrid minted")
	}
	if req.Mode != pipeline.ModeStreaming || req.Window.SinceDays != 1 {
		t.Errorf("request does not carry the schedule window: %+v", req)
	}

	if len(store.fires) != 1 {
		t.Fatalf("recorded %d fires, want 1", len(store.fires))
	}
	if store.fires[0].CorrID != req.CorrID {
		t.Error("recorded corrid differs from published corrid")
	}
	run, err := reg.GetRun(context.Background(), req.CorrID)
	if err != nil {
		t.Fatalf("run not registered: %v", err)
	}
	if run.Stage != string(registry.StagePending) {
		t.Errorf("fresh run stage = %s, want pending", run.Stage)
	}
}

func TestTickSkipsNotDue(t *testing.T) {
	store := &fakeScheduleStore{items: []postgres.Schedule{hourlySchedule()}}
	pub := pipelinetest.NewCapturePublisher()
	s := testScheduler(store, pipelinetest.NewMemRegistry(), pub)

	// Half past midnight; the next activation after startedAt is 01:00.
	s.Tick(context.Background(), time.Date(2026, 8, 30, 0, 30, 0, 0, time.UTC))

	if n := len(pub.Envelopes("extract")); n != 0 {
		t.Errorf("published %d messages before the schedule was due", n)
	}
}

func TestTickAdmissionControlSkipsInFlightRun(t *testing.T) {
	store := &fakeScheduleStore{items: []postgres.Schedule{hourlySchedule()}}
	reg := pipelinetest.NewMemRegistry()
	pub := pipelinetest.NewCapturePublisher()
	s := testScheduler(store, reg, pub)

	// First activation fires.
	s.Tick(context.Background(), time.Date(2026, 8, 30, 1, 0, 0, 0, time.UTC))
	if n := len(pub.Envelopes("extract")); n != 1 {
		t.Fatalf("first tick published %d, want 1", n)
	}

	// The run is still pending at the next activation: skip, no new corrid.
	s.Tick(context.Background(), time.Date(2026, 8, 30, 2, 0, 0, 0, time.UTC))
	if n := len(pub.Envelopes("extract")); n != 1 {
		t.Errorf("second tick published %d total, want still 1", n)
	}

	// Finish the run; the following activation fires again.
	var req pipeline.ExtractRequest
	if err := pub.Envelopes("extract")[0].Decode(&req); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if err := reg.Fail(context.Background(), req.CorrID, pipeline.ExhaustedRetries, "test"); err != nil {
		t.Fatalf("fail run: %v", err)
	}
	s.Tick(context.Background(), time.Date(2026, 8, 30, 3, 0, 0, 0, time.UTC))
	if n := len(pub.Envelopes("extract")); n != 2 {
		t.Errorf("third tick published %d total, want 2", n)
	}
}

func TestTickIgnoresInvalidCron(t *testing.T) {
	bad := hourlySchedule()
	bad.CronExpr = "not a cron"
	good := hourlySchedule()
	good.Name = "good"

	store := &fakeScheduleStore{items: []postgres.Schedule{bad, good}}
	pub := pipelinetest.NewCapturePublisher()
	s := testScheduler(store, pipelinetest.NewMemRegistry(), pub)

	s.Tick(context.Background(), time.Date(2026, 8, 30, 1, 0, 0, 0, time.UTC))

	if n := len(pub.Envelopes("extract")); n != 1 {
		t.Errorf("published %d messages, want 1 from the valid schedule", n)
	}
}

func TestParseCron(t *testing.T) {
	if _, err := ParseCron("*/5 * * * *"); err != nil {
		t.Errorf("valid expression rejected: %v", err)
	}
	if _, err := ParseCron("@hourly"); err != nil {
		t.Errorf("descriptor rejected: %v", err)
	}
	if _, err := ParseCron("61 * * * *"); err == nil {
		t.Error("invalid minute accepted")
	}
}
