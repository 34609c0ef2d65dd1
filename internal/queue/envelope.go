package queue

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Envelope is the wire format for every stage handoff message. The payload
// is stage-specific (see internal/pipeline); corrid and stage let operators
// trace a message back to its run, and Attempt carries the retry count so a
// redelivered copy knows how much budget it has left.
type Envelope struct {
	CorrID  uuid.UUID       `json:"corrid"`
	Stage   string          `json:"stage"`
	Attempt int             `json:"attempt"`
	Payload json.RawMessage `json:"payload"`
}

// NewEnvelope wraps a stage payload for publishing.
func NewEnvelope(corrID uuid.UUID, stage string, payload any) (Envelope, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", stage, err)
	}
	return Envelope{CorrID: corrID, Stage: stage, Payload: body}, nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Stage, err)
	}
	return nil
}
