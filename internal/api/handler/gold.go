package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jmalhotra/crashlake/internal/extract"
	"github.com/jmalhotra/crashlake/internal/store"
	"github.com/jmalhotra/crashlake/pkg/apierr"
)

type GoldHandler struct {
	logger *slog.Logger
	store  *store.Store
}

func NewGoldHandler(logger *slog.Logger, s *store.Store) *GoldHandler {
	return &GoldHandler{logger: logger, store: s}
}

// Stats reports row count and the natural-key duplicate count, which is
// zero whenever the idempotent write path is healthy.
func (h *GoldHandler) Stats(w http.ResponseWriter, r *http.Request) {
	total, err := h.store.CountGoldCrashes(r.Context())
	if err != nil {
		writeAPIError(w, h.logger, apierr.GoldQueryFailed(err))
		return
	}
	dupes, err := h.store.CountGoldDuplicateKeys(r.Context())
	if err != nil {
		writeAPIError(w, h.logger, apierr.GoldQueryFailed(err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"rows":           total,
		"duplicate_keys": dupes,
	})
}

type SchemaHandler struct {
	logger *slog.Logger
	schema extract.SchemaProvider
}

func NewSchemaHandler(logger *slog.Logger, schema extract.SchemaProvider) *SchemaHandler {
	return &SchemaHandler{logger: logger, schema: schema}
}

func (h *SchemaHandler) Columns(w http.ResponseWriter, r *http.Request) {
	dataset := chi.URLParam(r, "dataset")
	cols, err := h.schema.ListColumns(r.Context(), dataset)
	if err != nil {
		writeAPIError(w, h.logger, apierr.InternalError(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"dataset": dataset,
		"columns": cols,
	})
}

// Invalidate drops the cached column metadata so the next run re-reads the
// live schema.
func (h *SchemaHandler) Invalidate(w http.ResponseWriter, r *http.Request) {
	dataset := chi.URLParam(r, "dataset")
	if err := h.schema.Invalidate(r.Context(), dataset); err != nil {
		writeAPIError(w, h.logger, apierr.InternalError(err))
		return
	}
	h.logger.Info("schema cache invalidated", slog.String("dataset", dataset))
	writeJSON(w, http.StatusOK, map[string]string{"status": "invalidated", "dataset": dataset})
}
