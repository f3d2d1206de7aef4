package repository

import (
	"context"
	"errors"
	"time"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"signalbridge/src/database"
	"signalbridge/src/model"
)

// WebhookRepository backs the ingestion gate and audit trail.
type WebhookRepository interface {
	Create(ctx context.Context, webhook *model.Webhook) error
	FindByToken(ctx context.Context, token string) (*model.Webhook, error)
	StampTriggered(ctx context.Context, id uint, at time.Time) error
	AppendLog(ctx context.Context, log *model.WebhookLog) error
	RecentLogs(ctx context.Context, webhookID uint, limit int) ([]model.WebhookLog, error)
}

type GormWebhookRepository struct {
	db *gorm.DB
}

func NewWebhookRepository() *GormWebhookRepository {
	logger.WithField("component", "GormWebhookRepository").
		Info("Creating new GormWebhookRepository with MainDB")

	return &GormWebhookRepository{db: database.MainDB}
}

// WithDB allows overriding the underlying *gorm.DB instance.
func (r *GormWebhookRepository) WithDB(db *gorm.DB) *GormWebhookRepository {
	return &GormWebhookRepository{db: db}
}

func (r *GormWebhookRepository) Create(ctx context.Context, webhook *model.Webhook) error {
	webhook.EnsureSecrets()

	if err := r.db.WithContext(ctx).Create(webhook).Error; err != nil {
		logger.WithFields(map[string]interface{}{
			"repo": "GormWebhookRepository",
			"op":   "Create",
		}).WithError(err).Error("Failed to create webhook")
		return err
	}
	return nil
}

// FindByToken resolves a webhook by its URL token, or nil when unknown.
func (r *GormWebhookRepository) FindByToken(ctx context.Context, token string) (*model.Webhook, error) {
	var webhook model.Webhook
	err := r.db.WithContext(ctx).Where("token = ?", token).First(&webhook).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		logger.WithFields(map[string]interface{}{
			"repo": "GormWebhookRepository",
			"op":   "FindByToken",
		}).WithError(err).Error("Failed to fetch webhook by token")
		return nil, err
	}
	return &webhook, nil
}

func (r *GormWebhookRepository) StampTriggered(ctx context.Context, id uint, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&model.Webhook{}).
		Where("id = ?", id).
		Update("last_triggered", at).Error
}

// AppendLog writes one audit row. Log rows are never updated afterwards.
func (r *GormWebhookRepository) AppendLog(ctx context.Context, log *model.WebhookLog) error {
	if log.TriggeredAt.IsZero() {
		log.TriggeredAt = time.Now().UTC()
	}

	if err := r.db.WithContext(ctx).Create(log).Error; err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":       "GormWebhookRepository",
			"op":         "AppendLog",
			"webhook_id": log.WebhookID,
		}).WithError(err).Error("Failed to append webhook log")
		return err
	}
	return nil
}

func (r *GormWebhookRepository) RecentLogs(ctx context.Context, webhookID uint, limit int) ([]model.WebhookLog, error) {
	if limit <= 0 {
		limit = 20
	}

	var logs []model.WebhookLog
	err := r.db.WithContext(ctx).
		Where("webhook_id = ?", webhookID).
		Order("id DESC").
		Limit(limit).
		Find(&logs).Error
	if err != nil {
		return nil, err
	}
	return logs, nil
}
