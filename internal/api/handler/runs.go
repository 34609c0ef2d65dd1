package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/jmalhotra/crashlake/internal/objstore"
	"github.com/jmalhotra/crashlake/internal/pipeline"
	"github.com/jmalhotra/crashlake/internal/queue"
	"github.com/jmalhotra/crashlake/internal/registry"
	"github.com/jmalhotra/crashlake/pkg/apierr"
)

type RunHandler struct {
	logger       *slog.Logger
	registry     registry.Registry
	objects      objstore.Store
	publisher    queue.Publisher
	extractQueue string
}

func NewRunHandler(logger *slog.Logger, reg registry.Registry, objects objstore.Store, pub queue.Publisher, extractQueue string) *RunHandler {
	return &RunHandler{
		logger:       logger,
		registry:     reg,
		objects:      objects,
		publisher:    pub,
		extractQueue: extractQueue,
	}
}

func (h *RunHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	status := registry.Status(r.URL.Query().Get("status"))

	runs, err := h.registry.ListRuns(r.Context(), status, int32(limit), int32(offset))
	if err != nil {
		writeAPIError(w, h.logger, apierr.RunListFailed(err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"runs":  runs,
		"count": len(runs),
	})
}

func (h *RunHandler) Get(w http.ResponseWriter, r *http.Request) {
	corrID, err := uuid.Parse(chi.URLParam(r, "corrid"))
	if err != nil {
		writeAPIError(w, h.logger, apierr.InvalidCorrID())
		return
	}

	run, err := h.registry.GetRun(r.Context(), corrID)
	if errors.Is(err, registry.ErrRunNotFound) {
		writeAPIError(w, h.logger, apierr.RunNotFound())
		return
	}
	if err != nil {
		writeAPIError(w, h.logger, apierr.InternalError(err))
		return
	}

	writeJSON(w, http.StatusOK, run)
}

// Trigger mints a run and enqueues its extraction. The corrid in the
// response is the handle for everything that follows.
func (h *RunHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode     string              `json:"mode"`
		Window   pipeline.Window     `json:"window"`
		Datasets []string            `json:"datasets"`
		Columns  map[string][]string `json:"columns"`
	}
	if h.publisher == nil {
		writeAPIError(w, h.logger, apierr.QueueUnavailable())
		return
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, h.logger, apierr.InvalidRequestBody())
		return
	}

	mode := pipeline.Mode(req.Mode)
	if mode != pipeline.ModeStreaming && mode != pipeline.ModeBackfill {
		writeAPIError(w, h.logger, apierr.InvalidMode())
		return
	}
	if len(req.Datasets) == 0 {
		writeAPIError(w, h.logger, apierr.NoDatasets())
		return
	}

	run, err := h.registry.CreateRun(r.Context(), mode, req.Window, req.Datasets, req.Columns)
	if errors.Is(err, registry.ErrInvalidWindow) {
		writeAPIError(w, h.logger, apierr.InvalidWindow(err))
		return
	}
	if err != nil {
		writeAPIError(w, h.logger, apierr.RunCreateFailed(err))
		return
	}

	env, err := queue.NewEnvelope(run.CorrID, string(registry.StageExtracting), pipeline.ExtractRequest{
		CorrID:   run.CorrID,
		Mode:     mode,
		Window:   req.Window,
		Datasets: req.Datasets,
		Columns:  req.Columns,
	})
	if err != nil {
		writeAPIError(w, h.logger, apierr.RunCreateFailed(err))
		return
	}
	if err := h.publisher.Publish(r.Context(), h.extractQueue, env); err != nil {
		writeAPIError(w, h.logger, apierr.RunCreateFailed(err))
		return
	}

	writeJSON(w, http.StatusAccepted, run)
}

// PurgeArtifacts deletes a run's raw and merged objects. Destructive, so
// the caller must echo the corrid in the confirm parameter.
func (h *RunHandler) PurgeArtifacts(w http.ResponseWriter, r *http.Request) {
	corrID, err := uuid.Parse(chi.URLParam(r, "corrid"))
	if err != nil {
		writeAPIError(w, h.logger, apierr.InvalidCorrID())
		return
	}
	if r.URL.Query().Get("confirm") != corrID.String() {
		writeAPIError(w, h.logger, apierr.ConfirmRequired(corrID.String()))
		return
	}
	if h.objects == nil {
		writeAPIError(w, h.logger, apierr.StorageUnavailable())
		return
	}

	run, err := h.registry.GetRun(r.Context(), corrID)
	if errors.Is(err, registry.ErrRunNotFound) {
		writeAPIError(w, h.logger, apierr.RunNotFound())
		return
	}
	if err != nil {
		writeAPIError(w, h.logger, apierr.InternalError(err))
		return
	}

	for _, ds := range run.Datasets {
		if err := h.objects.DeletePrefix(r.Context(), objstore.CorrPrefix(objstore.LayerRaw, ds, corrID)); err != nil {
			writeAPIError(w, h.logger, apierr.PurgeFailed(err))
			return
		}
	}
	if err := h.objects.DeletePrefix(r.Context(), objstore.CorrPrefix(objstore.LayerMerged, "crashes", corrID)); err != nil {
		writeAPIError(w, h.logger, apierr.PurgeFailed(err))
		return
	}

	h.logger.Info("run artifacts purged", slog.String("corrid", corrID.String()))
	writeJSON(w, http.StatusOK, map[string]string{"status": "purged", "corrid": corrID.String()})
}
