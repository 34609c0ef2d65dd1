package registry

import (
	"errors"
	"testing"

	"github.com/jmalhotra/crashlake/internal/pipeline"
)

func TestOrd(t *testing.T) {
	if got := Ord(StagePending); got != 0 {
		t.Errorf("Ord(pending) = %d, want 0", got)
	}
	if got := Ord(StageComplete); got != 6 {
		t.Errorf("Ord(complete) = %d, want 6", got)
	}
	if got := Ord(Stage("bogus")); got != -1 {
		t.Errorf("Ord(bogus) = %d, want -1", got)
	}
}

func TestNext(t *testing.T) {
	tests := []struct {
		from, to Stage
		want     bool
	}{
		{StagePending, StageExtracting, true},
		{StageExtracting, StageExtracted, true},
		{StageCleaning, StageComplete, true},
		{StagePending, StageExtracted, false},
		{StageExtracted, StageExtracting, false},
		{StageComplete, StagePending, false},
		{Stage("bogus"), StageExtracting, false},
		{StagePending, Stage("bogus"), false},
	}
	for _, tt := range tests {
		if got := Next(tt.from, tt.to); got != tt.want {
			t.Errorf("Next(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestStatusFor(t *testing.T) {
	if got := StatusFor(StagePending); got != StatusPending {
		t.Errorf("StatusFor(pending) = %s", got)
	}
	if got := StatusFor(StageTransforming); got != StatusRunning {
		t.Errorf("StatusFor(transforming) = %s", got)
	}
	if got := StatusFor(StageComplete); got != StatusSucceeded {
		t.Errorf("StatusFor(complete) = %s", got)
	}
}

func TestTerminal(t *testing.T) {
	if !Terminal(StatusSucceeded) || !Terminal(StatusFailed) {
		t.Error("succeeded and failed must be terminal")
	}
	if Terminal(StatusPending) || Terminal(StatusRunning) {
		t.Error("pending and running must not be terminal")
	}
}

func TestNewCorrIDTextOrdering(t *testing.T) {
	// The corrid-priority upsert guard compares corrids as text, so every
	// later mint has to sort after every earlier one.
	prev := NewCorrID()
	for i := 0; i < 1000; i++ {
		next := NewCorrID()
		if prev.String() >= next.String() {
			t.Fatalf("corrid %s does not sort before later mint %s", prev, next)
		}
		prev = next
	}
}

func TestValidateWindow(t *testing.T) {
	tests := []struct {
		name    string
		mode    pipeline.Mode
		w       pipeline.Window
		wantErr bool
	}{
		{"streaming ok", pipeline.ModeStreaming, pipeline.Window{SinceDays: 7}, false},
		{"streaming zero days", pipeline.ModeStreaming, pipeline.Window{}, true},
		{"streaming negative days", pipeline.ModeStreaming, pipeline.Window{SinceDays: -1}, true},
		{"backfill ok", pipeline.ModeBackfill, pipeline.Window{Start: "2024-01-01", End: "2024-02-01"}, false},
		{"backfill with times", pipeline.ModeBackfill, pipeline.Window{Start: "2024-01-01T00:00:00", End: "2024-01-01T12:00:00"}, false},
		{"backfill inverted", pipeline.ModeBackfill, pipeline.Window{Start: "2024-02-01", End: "2024-01-01"}, true},
		{"backfill start equals end", pipeline.ModeBackfill, pipeline.Window{Start: "2024-01-01", End: "2024-01-01"}, true},
		{"backfill bad start", pipeline.ModeBackfill, pipeline.Window{Start: "not-a-date", End: "2024-01-01"}, true},
		{"backfill missing end", pipeline.ModeBackfill, pipeline.Window{Start: "2024-01-01"}, true},
		{"unknown mode", pipeline.Mode("hourly"), pipeline.Window{SinceDays: 1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateWindow(tt.mode, tt.w)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateWindow() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidWindow) {
				t.Errorf("error %v does not wrap ErrInvalidWindow", err)
			}
		})
	}
}
