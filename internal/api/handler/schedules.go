package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/jmalhotra/crashlake/internal/pipeline"
	"github.com/jmalhotra/crashlake/internal/registry"
	"github.com/jmalhotra/crashlake/internal/scheduler"
	"github.com/jmalhotra/crashlake/internal/store"
	"github.com/jmalhotra/crashlake/internal/store/postgres"
	"github.com/jmalhotra/crashlake/pkg/apierr"
)

type ScheduleHandler struct {
	logger *slog.Logger
	store  *store.Store
}

func NewScheduleHandler(logger *slog.Logger, s *store.Store) *ScheduleHandler {
	return &ScheduleHandler{logger: logger, store: s}
}

func (h *ScheduleHandler) List(w http.ResponseWriter, r *http.Request) {
	items, err := h.store.ListSchedules(r.Context())
	if err != nil {
		writeAPIError(w, h.logger, apierr.ScheduleListFailed(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"schedules": items,
		"count":     len(items),
	})
}

func (h *ScheduleHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "scheduleID"))
	if err != nil {
		writeAPIError(w, h.logger, apierr.InvalidID("schedule"))
		return
	}

	sch, err := h.store.GetSchedule(r.Context(), id)
	if apierr.IsNotFound(err) {
		writeAPIError(w, h.logger, apierr.ScheduleNotFound())
		return
	}
	if err != nil {
		writeAPIError(w, h.logger, apierr.InternalError(err))
		return
	}
	writeJSON(w, http.StatusOK, sch)
}

func (h *ScheduleHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string          `json:"name"`
		Cron     string          `json:"cron"`
		Mode     string          `json:"mode"`
		Window   pipeline.Window `json:"window"`
		Datasets []string        `json:"datasets"`
		Enabled  *bool           `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, h.logger, apierr.InvalidRequestBody())
		return
	}

	if _, err := scheduler.ParseCron(req.Cron); err != nil {
		writeAPIError(w, h.logger, apierr.InvalidCronExpr(err))
		return
	}
	mode := pipeline.Mode(req.Mode)
	if mode != pipeline.ModeStreaming && mode != pipeline.ModeBackfill {
		writeAPIError(w, h.logger, apierr.InvalidMode())
		return
	}
	if err := registry.ValidateWindow(mode, req.Window); err != nil {
		writeAPIError(w, h.logger, apierr.InvalidWindow(err))
		return
	}
	if len(req.Datasets) == 0 {
		writeAPIError(w, h.logger, apierr.NoDatasets())
		return
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	sch, err := h.store.CreateSchedule(r.Context(), postgres.CreateScheduleParams{
		ID:       uuid.New(),
		Name:     req.Name,
		CronExpr: req.Cron,
		Mode:     req.Mode,
		Window:   req.Window,
		Datasets: req.Datasets,
		Enabled:  enabled,
	})
	if err != nil {
		writeAPIError(w, h.logger, apierr.ScheduleCreateFailed(err))
		return
	}

	writeJSON(w, http.StatusCreated, sch)
}

// SetEnabled pauses or resumes a schedule. In-flight runs are unaffected.
func (h *ScheduleHandler) SetEnabled(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "scheduleID"))
	if err != nil {
		writeAPIError(w, h.logger, apierr.InvalidID("schedule"))
		return
	}

	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, h.logger, apierr.InvalidRequestBody())
		return
	}

	if _, err := h.store.GetSchedule(r.Context(), id); apierr.IsNotFound(err) {
		writeAPIError(w, h.logger, apierr.ScheduleNotFound())
		return
	} else if err != nil {
		writeAPIError(w, h.logger, apierr.InternalError(err))
		return
	}

	if err := h.store.SetScheduleEnabled(r.Context(), id, req.Enabled); err != nil {
		writeAPIError(w, h.logger, apierr.ScheduleUpdateFailed(err))
		return
	}

	sch, err := h.store.GetSchedule(r.Context(), id)
	if err != nil {
		writeAPIError(w, h.logger, apierr.InternalError(err))
		return
	}
	writeJSON(w, http.StatusOK, sch)
}

func (h *ScheduleHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "scheduleID"))
	if err != nil {
		writeAPIError(w, h.logger, apierr.InvalidID("schedule"))
		return
	}

	if _, err := h.store.GetSchedule(r.Context(), id); apierr.IsNotFound(err) {
		writeAPIError(w, h.logger, apierr.ScheduleNotFound())
		return
	} else if err != nil {
		writeAPIError(w, h.logger, apierr.InternalError(err))
		return
	}

	if err := h.store.DeleteSchedule(r.Context(), id); err != nil {
		writeAPIError(w, h.logger, apierr.ScheduleDeleteFailed(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
