package objstore

import (
	"fmt"

	"github.com/google/uuid"
)

// Storage layers. Raw holds extractor output as delivered by the source API;
// Merged holds the joined tabular artifact produced by the transform stage.
const (
	LayerRaw    = "raw"
	LayerMerged = "merged"
)

// Key builds the canonical object key for an artifact. Keys are a pure
// function of their inputs: a retried stage writes to the same key and
// overwrites, never duplicates.
func Key(layer, dataset string, corrID uuid.UUID, filename string) string {
	return fmt.Sprintf("%s/%s/%s/%s", layer, dataset, corrID, filename)
}

// CorrPrefix is the key prefix covering every artifact a corrid wrote in
// one layer/dataset, used for listing and administrative prefix deletes.
func CorrPrefix(layer, dataset string, corrID uuid.UUID) string {
	return fmt.Sprintf("%s/%s/%s/", layer, dataset, corrID)
}
