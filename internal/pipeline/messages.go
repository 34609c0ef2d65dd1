package pipeline

import (
	"github.com/google/uuid"
)

// Stage request payloads. Each message is self-describing: together with the
// run registry it carries everything its consumer needs, so a redelivered
// copy can be reprocessed without side-channel state.

// Mode selects the extraction window style.
type Mode string

const (
	ModeStreaming Mode = "streaming"
	ModeBackfill  Mode = "backfill"
)

// Window is the extraction time window. Streaming runs set SinceDays;
// backfill runs set Start/End (ISO8601, end exclusive) on Field.
type Window struct {
	SinceDays int    `json:"since_days,omitempty"`
	Field     string `json:"field,omitempty"`
	Start     string `json:"start,omitempty"`
	End       string `json:"end,omitempty"`
}

// ExtractRequest asks the extraction stage to pull the requested datasets
// for a freshly minted corrid.
type ExtractRequest struct {
	CorrID   uuid.UUID           `json:"corrid"`
	Mode     Mode                `json:"mode"`
	Window   Window              `json:"window"`
	Datasets []string            `json:"datasets"`
	Columns  map[string][]string `json:"columns,omitempty"`
}

// TransformRequest points the transform stage at the raw artifacts written
// for a corrid, keyed by dataset.
type TransformRequest struct {
	CorrID  uuid.UUID         `json:"corrid"`
	RawKeys map[string]string `json:"raw_artifact_keys"`
}

// CleanRequest points the clean/load stage at the merged artifact.
type CleanRequest struct {
	CorrID    uuid.UUID `json:"corrid"`
	MergedKey string    `json:"merged_artifact_key"`
}
