package api

import (
	"errors"
	"io"
	"net/http"

	apperrors "github.com/reward-settler/internal/errors"
	"github.com/reward-settler/internal/ingest"
	"github.com/reward-settler/internal/logging"
	"github.com/reward-settler/internal/metrics"
)

// WebhookResponse acknowledges a webhook delivery
type WebhookResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// handleWebhook validates a delivery and queues it. Processing happens on
// the ingest workers so the provider gets an answer without waiting on
// identity lookups or the database.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	logger := logging.FromContext(r.Context())

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes))
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues("unknown", metrics.OutcomeRejected).Inc()
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, ErrCodeInvalidInput, "Request body too large", nil)
			return
		}
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Failed to read body", nil)
		return
	}

	if s.config.WebhookSecret != "" && !validSignature(s.config.WebhookSecret, body, r.Header.Get(SignatureHeader)) {
		metrics.WebhookEventsTotal.WithLabelValues("unknown", metrics.OutcomeRejected).Inc()
		logger.Warn("Webhook signature mismatch")
		respondAppError(w, r, apperrors.NewUnauthorizedError("invalid webhook signature"))
		return
	}

	ev, err := ingest.Parse(body)
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues("unknown", metrics.OutcomeRejected).Inc()
		logger.WithError(err).Debug("Rejected webhook payload")
		respondAppError(w, r, err)
		return
	}

	if ev.Engagement == nil && ev.MiniApp == nil {
		metrics.WebhookEventsTotal.WithLabelValues(string(ev.Type), metrics.OutcomeAccepted).Inc()
		respondJSON(w, http.StatusOK, WebhookResponse{Success: true, Message: "Event ignored"})
		return
	}

	if err := s.queue.Submit(ev); err != nil {
		switch {
		case errors.Is(err, ingest.ErrQueueFull):
			logger.WithField("type", ev.Type).Warn("Ingest queue full, asking provider to redeliver")
		case errors.Is(err, ingest.ErrStopped):
			logger.Info("Webhook received during shutdown")
		default:
			logger.WithError(err).Error("Failed to queue webhook event")
		}
		w.Header().Set("Retry-After", "5")
		respondError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "Event not accepted, retry later", nil)
		return
	}

	metrics.WebhookEventsTotal.WithLabelValues(string(ev.Type), metrics.OutcomeAccepted).Inc()
	respondJSON(w, http.StatusAccepted, WebhookResponse{Success: true, Message: "Event accepted"})
}
