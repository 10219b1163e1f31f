package handlers

import (
	"crypto/subtle"
	"io"
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/iago/wa-lead-router/internal/channel"
	"github.com/iago/wa-lead-router/internal/domain"
	"github.com/iago/wa-lead-router/internal/inbound"
	"github.com/iago/wa-lead-router/internal/http/middleware"
)

const maxWebhookBytes = 1 << 20

// VerifyWebhook answers the Cloud API subscription handshake.
func (api *API) VerifyWebhook(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	token := query.Get("hub.verify_token")
	if api.verifyToken == "" ||
		query.Get("hub.mode") != "subscribe" ||
		subtle.ConstantTimeCompare([]byte(token), []byte(api.verifyToken)) != 1 {
		writeError(w, r, http.StatusForbidden, "FORBIDDEN", "webhook verification failed")
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, query.Get("hub.challenge"))
}

// ReceiveWebhook verifies, normalizes and enqueues provider events, answering
// before they are routed.
func (api *API) ReceiveWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		writeError(w, r, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "webhook body too large")
		return
	}
	if api.appSecret != "" && !channel.VerifySignature(api.appSecret, body, r.Header.Get(channel.SignatureHeader)) {
		writeError(w, r, http.StatusUnauthorized, "INVALID_SIGNATURE", "webhook signature mismatch")
		return
	}

	events, err := channel.ParseCloudWebhook(body)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_PAYLOAD", "malformed webhook payload")
		return
	}
	if len(events) == 0 {
		writeJSON(w, http.StatusOK, map[string]any{"received": 0})
		return
	}

	now := api.clock.Now()
	messages := make([]domain.QueueMessage, 0, len(events))
	for _, event := range events {
		messages = append(messages, domain.QueueMessage{
			MessageID:   uuid.NewString(),
			Event:       event,
			RequestedAt: now,
		})
	}
	if err := api.producer.EnqueueBatch(r.Context(), messages); err != nil {
		api.logger.Errorw("enqueue webhook events",
			"request_id", middleware.GetRequestID(r.Context()),
			"events", len(messages),
			"error", err,
		)
		writeError(w, r, http.StatusServiceUnavailable, "QUEUE_UNAVAILABLE", "could not accept events")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"received": len(messages)})
}

// RouteInbound routes one event synchronously.
func (api *API) RouteInbound(w http.ResponseWriter, r *http.Request) {
	var event domain.InboundMessageEvent
	if err := decodeJSON(w, r, &event); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_PAYLOAD", "invalid inbound event")
		return
	}

	result, err := api.router.RouteAndReply(r.Context(), event)
	if errors.Is(err, inbound.ErrInvalidEvent) {
		writeError(w, r, http.StatusBadRequest, "INVALID_EVENT", err.Error())
		return
	}
	if err != nil {
		api.writeInternal(w, r, "failed to route message", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
