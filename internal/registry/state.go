package registry

import (
	"errors"
	"fmt"
	"time"

	"github.com/jmalhotra/crashlake/internal/pipeline"
)

// Stage is a run's position in the pipeline. Stages advance strictly
// forward; "failed" is a status, not a stage, so a failed run still records
// where it died.
type Stage string

const (
	StagePending      Stage = "pending"
	StageExtracting   Stage = "extracting"
	StageExtracted    Stage = "extracted"
	StageTransforming Stage = "transforming"
	StageTransformed  Stage = "transformed"
	StageCleaning     Stage = "cleaning"
	StageComplete     Stage = "complete"
)

// Status summarizes a run for querying. succeeded and failed are terminal.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

var (
	ErrInvalidWindow     = errors.New("invalid window")
	ErrUnknownStage      = errors.New("unknown stage")
	ErrInvalidTransition = errors.New("invalid stage transition")
	ErrRunNotFound       = errors.New("run not found")
)

var stageOrder = map[Stage]int{
	StagePending:      0,
	StageExtracting:   1,
	StageExtracted:    2,
	StageTransforming: 3,
	StageTransformed:  4,
	StageCleaning:     5,
	StageComplete:     6,
}

// Ord returns the ordinal of s, or -1 for an unknown stage.
func Ord(s Stage) int {
	if ord, ok := stageOrder[s]; ok {
		return ord
	}
	return -1
}

// Next reports whether to is the immediate successor of from.
func Next(from, to Stage) bool {
	fo, ok := stageOrder[from]
	if !ok {
		return false
	}
	to2, ok := stageOrder[to]
	if !ok {
		return false
	}
	return to2 == fo+1
}

// StatusFor derives the run status implied by reaching a stage.
func StatusFor(s Stage) Status {
	switch s {
	case StagePending:
		return StatusPending
	case StageComplete:
		return StatusSucceeded
	default:
		return StatusRunning
	}
}

// Terminal reports whether st admits no further transitions.
func Terminal(st Status) bool {
	return st == StatusSucceeded || st == StatusFailed
}

// ValidateWindow enforces the mint-time window invariants: a streaming
// window needs a positive since-days, a backfill window needs start before
// end. A run that fails here is never created.
func ValidateWindow(mode pipeline.Mode, w pipeline.Window) error {
	switch mode {
	case pipeline.ModeStreaming:
		if w.SinceDays <= 0 {
			return fmt.Errorf("%w: since_days must be positive, got %d", ErrInvalidWindow, w.SinceDays)
		}
	case pipeline.ModeBackfill:
		start, err := parseWindowTime(w.Start)
		if err != nil {
			return fmt.Errorf("%w: bad start %q", ErrInvalidWindow, w.Start)
		}
		end, err := parseWindowTime(w.End)
		if err != nil {
			return fmt.Errorf("%w: bad end %q", ErrInvalidWindow, w.End)
		}
		if !start.Before(end) {
			return fmt.Errorf("%w: start %s is not before end %s", ErrInvalidWindow, w.Start, w.End)
		}
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidWindow, mode)
	}
	return nil
}

// Socrata floating timestamps have no zone and may omit the time part.
func parseWindowTime(s string) (time.Time, error) {
	for _, layout := range []string{"2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable time %q", s)
}
