package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	logger "github.com/sirupsen/logrus"

	"signalbridge/src/dispatch"
	"signalbridge/src/webhook"
)

const maxSignalBodyBytes = 64 * 1024

type signalQueue interface {
	Enqueue(job dispatch.Job) bool
}

// WebhookIngestHandler is the inbound signal endpoint. It runs the rejection
// ladder, collapses duplicates through the idempotency cache, and hands the
// admitted signal to the dispatcher so the sender gets a fast acknowledgment.
func WebhookIngestHandler(gate *webhook.Gate, cache *webhook.IdempotencyCache, queue signalQueue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		receivedAt := time.Now().UTC()
		token := chi.URLParam(r, "token")
		secret := r.URL.Query().Get("secret")
		clientIP := clientIPFromRequest(r)

		wh, err := gate.Admit(r.Context(), token, secret, clientIP)
		if err != nil {
			writeGateRejection(w, err)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxSignalBodyBytes))
		if err != nil {
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}

		signal, err := webhook.ParseSignal(body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		key := webhook.Key(wh.Token, signal)
		responseBody, _ := json.Marshal(map[string]string{"status": "accepted"})

		// Reserving the key before the enqueue keeps concurrent duplicates
		// from both reaching the queue; only the reservation winner enqueues.
		cached, duplicate := cache.PutIfAbsent(key, webhook.CachedResponse{StatusCode: http.StatusOK, Body: responseBody})
		if duplicate {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(cached.StatusCode)
			_, _ = w.Write(cached.Body)
			return
		}

		if !queue.Enqueue(dispatch.Job{
			Webhook:    wh,
			Signal:     signal,
			ClientIP:   clientIP,
			ReceivedAt: receivedAt,
		}) {
			// Release the reservation so a retry after the queue drains
			// executes instead of replaying the rejection.
			cache.Delete(key)
			http.Error(w, "processing queue full", http.StatusServiceUnavailable)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(responseBody); err != nil {
			logger.WithError(err).Error("failed to write webhook acknowledgment")
		}
	}
}

func writeGateRejection(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, webhook.ErrWebhookNotFound):
		http.Error(w, "webhook not found", http.StatusNotFound)
	case errors.Is(err, webhook.ErrBadSecret):
		http.Error(w, "invalid secret", http.StatusUnauthorized)
	case errors.Is(err, webhook.ErrIPNotAllowed):
		http.Error(w, "ip not allowed", http.StatusForbidden)
	case errors.Is(err, webhook.ErrRateLimited):
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
	default:
		logger.WithError(err).Error("webhook gate failed")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// clientIPFromRequest prefers the first X-Forwarded-For hop, falling back to
// the socket peer.
func clientIPFromRequest(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
