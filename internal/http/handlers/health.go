package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/iago/wa-lead-router/internal/repository"
)

const readinessTimeout = 2 * time.Second

// Health reports liveness and whether this instance runs the sweep loop.
func (api *API) Health(w http.ResponseWriter, r *http.Request) {
	response := map[string]any{"status": "ok"}
	if api.sweeper != nil {
		response["sweeper_running"] = api.sweeper.Running()
	}
	writeJSON(w, http.StatusOK, response)
}

// Ready answers 503 until the store completes a read.
func (api *API) Ready(w http.ResponseWriter, r *http.Request) {
	if api.store == nil {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()
	err := api.store.InTx(ctx, func(tx repository.Tx) error {
		_, err := tx.GetSettings(ctx)
		return err
	})
	if err != nil {
		api.logger.Warnw("readiness check failed", "error", err)
		writeError(w, r, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "store is not reachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}
