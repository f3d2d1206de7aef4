package handler

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	logger "github.com/sirupsen/logrus"

	"signalbridge/src/model"
	"signalbridge/src/repository"
)

type webhookLogReader interface {
	FindByToken(ctx context.Context, token string) (*model.Webhook, error)
	RecentLogs(ctx context.Context, webhookID uint, limit int) ([]model.WebhookLog, error)
}

// WebhookLogsHandler returns the recent audit log entries for a webhook so an
// operator can see what a sender delivered and how it was handled. The
// webhook's secret is required whenever the webhook itself requires one.
func WebhookLogsHandler(repo webhookLogReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := chi.URLParam(r, "token")

		webhook, err := repo.FindByToken(r.Context(), token)
		if err != nil {
			logger.WithError(err).Error("failed to resolve webhook for log query")
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		if webhook == nil {
			http.Error(w, "webhook not found", http.StatusNotFound)
			return
		}

		if webhook.RequireSignature {
			secret := r.URL.Query().Get("secret")
			if subtle.ConstantTimeCompare([]byte(secret), []byte(webhook.SecretKey)) != 1 {
				http.Error(w, "invalid secret", http.StatusUnauthorized)
				return
			}
		}

		limit := 20
		if limitParam := r.URL.Query().Get("limit"); limitParam != "" {
			parsed, err := strconv.Atoi(limitParam)
			if err != nil || parsed <= 0 {
				http.Error(w, "invalid limit", http.StatusBadRequest)
				return
			}
			if parsed > 200 {
				parsed = 200
			}
			limit = parsed
		}

		logs, err := repo.RecentLogs(r.Context(), webhook.ID, limit)
		if err != nil {
			logger.WithError(err).Error("failed to load webhook logs")
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(logs); err != nil {
			logger.WithError(err).Error("failed to encode webhook log response")
		}
	}
}

// DefaultWebhookLogsHandler wires the handler to the production repository implementation.
func DefaultWebhookLogsHandler() http.HandlerFunc {
	return WebhookLogsHandler(repository.NewWebhookRepository())
}
