package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"

	"github.com/iago/wa-lead-router/internal/distribution"
)

type ackRequest struct {
	SalesID string `json:"sales_id"`
	Text    string `json:"text"`
}

func (api *API) EnsureDistribution(w http.ResponseWriter, r *http.Request) {
	cycle, err := api.distribution.EnsureActiveCycle(r.Context(), chi.URLParam(r, "leadID"))
	if errors.Is(err, distribution.ErrLeadNotFound) {
		writeError(w, r, http.StatusNotFound, "LEAD_NOT_FOUND", "lead not found")
		return
	}
	if err != nil {
		api.writeInternal(w, r, "failed to start distribution", err)
		return
	}
	writeJSON(w, http.StatusOK, newCycleView(cycle))
}

func (api *API) CycleState(w http.ResponseWriter, r *http.Request) {
	state, err := api.distribution.CycleState(r.Context(), chi.URLParam(r, "leadID"))
	if errors.Is(err, distribution.ErrLeadNotFound) {
		writeError(w, r, http.StatusNotFound, "LEAD_NOT_FOUND", "lead not found")
		return
	}
	if err != nil {
		api.writeInternal(w, r, "failed to load distribution", err)
		return
	}
	writeJSON(w, http.StatusOK, newCycleStateView(state))
}

func (api *API) Acknowledge(w http.ResponseWriter, r *http.Request) {
	var request ackRequest
	if err := decodeJSON(w, r, &request); err != nil || strings.TrimSpace(request.SalesID) == "" {
		writeError(w, r, http.StatusBadRequest, "INVALID_PAYLOAD", "sales_id and text are required")
		return
	}

	result, err := api.distribution.Acknowledge(r.Context(), chi.URLParam(r, "leadID"), request.SalesID, request.Text)
	if errors.Is(err, distribution.ErrLeadNotFound) {
		writeError(w, r, http.StatusNotFound, "LEAD_NOT_FOUND", "lead not found")
		return
	}
	if err != nil {
		api.writeInternal(w, r, "failed to acknowledge", err)
		return
	}

	response := map[string]any{
		"accepted": result.Accepted,
		"reason":   result.Reason,
		"rotated":  result.Rotated,
	}
	if result.Attempt != nil {
		response["attempt"] = newAttemptView(*result.Attempt)
	}
	writeJSON(w, http.StatusOK, response)
}

func (api *API) Sweep(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, r, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	processed, err := api.sweeper.Sweep(r.Context(), api.clock.Now(), limit)
	if err != nil {
		api.writeInternal(w, r, "sweep failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"processed": processed})
}

func (api *API) StopAll(w http.ResponseWriter, r *http.Request) {
	stopped, err := api.distribution.StopAll(r.Context())
	if err != nil {
		api.writeInternal(w, r, "failed to stop distribution", err)
		return
	}
	api.logger.Infow("stop-all requested", "actor", actorID(r), "stopped_cycles", stopped)
	writeJSON(w, http.StatusOK, map[string]any{"stopped_cycles": stopped})
}

func (api *API) Queue(w http.ResponseWriter, r *http.Request) {
	entries, err := api.distribution.Queue(r.Context())
	if err != nil {
		api.writeInternal(w, r, "failed to load queue", err)
		return
	}
	views := make([]queueEntryView, 0, len(entries))
	for _, entry := range entries {
		views = append(views, queueEntryView{
			SalesID: entry.SalesID,
			Order:   entry.Order,
			Label:   entry.Label,
			Active:  entry.Active,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": views})
}

func (api *API) GetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := api.distribution.Settings(r.Context())
	if err != nil {
		api.writeInternal(w, r, "failed to load settings", err)
		return
	}
	writeJSON(w, http.StatusOK, newSettingsView(settings))
}

func (api *API) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var update distribution.SettingsUpdate
	if err := decodeJSON(w, r, &update); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_PAYLOAD", "invalid settings payload")
		return
	}

	settings, err := api.distribution.UpdateSettings(r.Context(), update)
	if errors.Is(err, distribution.ErrInvalidSettings) {
		writeError(w, r, http.StatusBadRequest, "INVALID_SETTINGS", err.Error())
		return
	}
	if err != nil {
		api.writeInternal(w, r, "failed to save settings", err)
		return
	}
	writeJSON(w, http.StatusOK, newSettingsView(settings))
}
