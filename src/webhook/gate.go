package webhook

import (
	"context"
	"crypto/subtle"
	"errors"

	logger "github.com/sirupsen/logrus"

	"signalbridge/src/model"
	"signalbridge/src/repository"
)

// Gate rejection reasons, checked strictly in this order: existence, secret,
// IP allowlist, rate limit. The handler maps them to HTTP statuses.
var (
	ErrWebhookNotFound = errors.New("webhook not found or inactive")
	ErrBadSecret       = errors.New("secret mismatch")
	ErrIPNotAllowed    = errors.New("client ip not in allowlist")
	ErrRateLimited     = errors.New("rate limit exceeded")
)

// Gate performs the ingestion-level checks that precede any signal parsing
// or strategy work.
type Gate struct {
	webhooks repository.WebhookRepository
	limiter  *RateLimiter
}

func NewGate(webhooks repository.WebhookRepository, limiter *RateLimiter) *Gate {
	return &Gate{webhooks: webhooks, limiter: limiter}
}

// Admit resolves the webhook and applies the rejection ladder. On success the
// resolved webhook is returned for the processing stage.
func (g *Gate) Admit(ctx context.Context, token, secret, clientIP string) (*model.Webhook, error) {
	webhook, err := g.webhooks.FindByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if webhook == nil || !webhook.IsActive {
		return nil, ErrWebhookNotFound
	}

	if webhook.RequireSignature {
		if subtle.ConstantTimeCompare([]byte(secret), []byte(webhook.SecretKey)) != 1 {
			logger.WithFields(map[string]interface{}{
				"component":  "WebhookGate",
				"webhook_id": webhook.ID,
				"client_ip":  clientIP,
			}).Warn("Webhook secret mismatch")
			return nil, ErrBadSecret
		}
	}

	if !webhook.ValidateIP(clientIP) {
		logger.WithFields(map[string]interface{}{
			"component":  "WebhookGate",
			"webhook_id": webhook.ID,
			"client_ip":  clientIP,
		}).Warn("Webhook caller ip rejected")
		return nil, ErrIPNotAllowed
	}

	if !g.limiter.Allow(webhook.Token, clientIP, webhook.MaxTriggersPerMinute) {
		return nil, ErrRateLimited
	}

	return webhook, nil
}
