package handlers

import (
	"net/http"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"

	"github.com/iago/wa-lead-router/internal/broadcast"
)

func (api *API) StartBroadcast(w http.ResponseWriter, r *http.Request) {
	var request broadcast.StartRequest
	if err := decodeJSON(w, r, &request); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_FILTER", "invalid broadcast payload")
		return
	}

	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	payloadHash := hashPayload(request)
	if key != "" {
		if entry, ok := api.idempotency.Get(key, api.clock.Now()); ok {
			if entry.PayloadHash != payloadHash {
				writeError(w, r, http.StatusConflict, "IDEMPOTENCY_CONFLICT", "idempotency key reused with a different payload")
				return
			}
			snapshot, err := api.broadcasts.Status(r.Context())
			if err == nil && snapshot.ID == entry.JobID {
				writeJSON(w, http.StatusAccepted, snapshot)
				return
			}
		}
	}

	snapshot, err := api.broadcasts.Start(r.Context(), request, actorID(r))
	switch {
	case errors.Is(err, broadcast.ErrAlreadyRunning):
		writeError(w, r, http.StatusConflict, "ALREADY_RUNNING", err.Error())
		return
	case errors.Is(err, broadcast.ErrInvalidFilter):
		writeError(w, r, http.StatusBadRequest, "INVALID_FILTER", err.Error())
		return
	case errors.Is(err, broadcast.ErrNoTarget):
		writeError(w, r, http.StatusUnprocessableEntity, "NO_TARGET", err.Error())
		return
	case err != nil:
		api.writeInternal(w, r, "failed to start broadcast", err)
		return
	}

	if key != "" {
		api.idempotency.Put(key, payloadHash, snapshot.ID, api.clock.Now())
	}
	writeJSON(w, http.StatusAccepted, snapshot)
}

func (api *API) StopBroadcast(w http.ResponseWriter, r *http.Request) {
	snapshot, err := api.broadcasts.Stop(r.Context())
	if err != nil {
		api.writeInternal(w, r, "failed to stop broadcast", err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (api *API) BroadcastStatus(w http.ResponseWriter, r *http.Request) {
	snapshot, err := api.broadcasts.Status(r.Context())
	if err != nil {
		api.writeInternal(w, r, "failed to load broadcast", err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (api *API) BroadcastDeliveries(w http.ResponseWriter, r *http.Request) {
	deliveries, err := api.broadcasts.Deliveries(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		api.writeInternal(w, r, "failed to load deliveries", err)
		return
	}
	views := make([]deliveryView, 0, len(deliveries))
	for _, delivery := range deliveries {
		views = append(views, deliveryView{
			ID:                delivery.ID,
			LeadID:            delivery.LeadID,
			Phone:             delivery.Phone,
			Attempt:           delivery.Attempt,
			Status:            delivery.Status,
			ProviderMessageID: delivery.ProviderMessageID,
			Error:             delivery.Error,
			CreatedAt:         delivery.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"deliveries": views})
}
