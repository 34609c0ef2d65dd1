package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/valkey-io/valkey-go"

	"github.com/jmalhotra/crashlake/internal/pipeline"
)

// ColumnDescriptor is one field of a source dataset as the portal reports it.
type ColumnDescriptor struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// SchemaProvider answers "what columns does this dataset have right now"
// so column selections are resolved at run time, never baked in.
type SchemaProvider interface {
	ListColumns(ctx context.Context, dataset string) ([]ColumnDescriptor, error)
	Invalidate(ctx context.Context, dataset string) error
}

// CachedSchemaProvider fronts the portal's column metadata with a TTL cache
// so each scheduled run costs one metadata call at most, not one per worker.
type CachedSchemaProvider struct {
	source   *SocrataClient
	datasets map[string]string
	cache    valkey.Client
	ttl      time.Duration
	logger   *slog.Logger
}

func NewCachedSchemaProvider(source *SocrataClient, datasets map[string]string, cache valkey.Client, ttl time.Duration, logger *slog.Logger) *CachedSchemaProvider {
	return &CachedSchemaProvider{
		source:   source,
		datasets: datasets,
		cache:    cache,
		ttl:      ttl,
		logger:   logger,
	}
}

func schemaCacheKey(dataset string) string {
	return "schema:" + dataset
}

func (p *CachedSchemaProvider) ListColumns(ctx context.Context, dataset string) ([]ColumnDescriptor, error) {
	resourceID, ok := p.datasets[dataset]
	if !ok {
		return nil, pipeline.ConfigErr(fmt.Sprintf("unknown dataset %q", dataset), nil)
	}

	if p.cache != nil {
		raw, err := p.cache.Do(ctx, p.cache.B().Get().Key(schemaCacheKey(dataset)).Build()).AsBytes()
		if err == nil {
			var cols []ColumnDescriptor
			if jsonErr := json.Unmarshal(raw, &cols); jsonErr == nil {
				return cols, nil
			}
		} else if !valkey.IsValkeyNil(err) {
			p.logger.Warn("schema cache read failed", slog.String("dataset", dataset), slog.String("error", err.Error()))
		}
	}

	cols, err := p.source.Columns(ctx, resourceID)
	if err != nil {
		return nil, err
	}

	if p.cache != nil {
		encoded, _ := json.Marshal(cols)
		setCmd := p.cache.B().Set().Key(schemaCacheKey(dataset)).Value(string(encoded)).
			Ex(p.ttl).Build()
		if err := p.cache.Do(ctx, setCmd).Error(); err != nil {
			p.logger.Warn("schema cache write failed", slog.String("dataset", dataset), slog.String("error", err.Error()))
		}
	}
	return cols, nil
}

func (p *CachedSchemaProvider) Invalidate(ctx context.Context, dataset string) error {
	if p.cache == nil {
		return nil
	}
	return p.cache.Do(ctx, p.cache.B().Del().Key(schemaCacheKey(dataset)).Build()).Error()
}
