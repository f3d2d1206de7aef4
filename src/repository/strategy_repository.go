package repository

import (
	"context"
	"errors"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"signalbridge/src/database"
	"signalbridge/src/model"
)

// StrategyRepository resolves strategies for incoming signals and persists
// their trade counters.
type StrategyRepository interface {
	FindActiveByWebhookID(ctx context.Context, webhookID string) ([]model.ActivatedStrategy, error)
	FindByID(ctx context.Context, id uint) (*model.ActivatedStrategy, error)
	ListFollowers(ctx context.Context, strategyID uint) ([]model.StrategyFollower, error)
	SaveCounters(ctx context.Context, strategy *model.ActivatedStrategy) error
}

type GormStrategyRepository struct {
	db *gorm.DB
}

func NewStrategyRepository() *GormStrategyRepository {
	logger.WithField("component", "GormStrategyRepository").
		Info("Creating new GormStrategyRepository with MainDB")

	return &GormStrategyRepository{db: database.MainDB}
}

// WithDB allows overriding the underlying *gorm.DB instance.
func (r *GormStrategyRepository) WithDB(db *gorm.DB) *GormStrategyRepository {
	return &GormStrategyRepository{db: db}
}

// FindActiveByWebhookID returns every active strategy bound to a webhook
// token, ordered by id for deterministic fan-out.
func (r *GormStrategyRepository) FindActiveByWebhookID(ctx context.Context, webhookID string) ([]model.ActivatedStrategy, error) {
	var strategies []model.ActivatedStrategy
	err := r.db.WithContext(ctx).
		Where("webhook_id = ? AND is_active = ?", webhookID, true).
		Order("id").
		Find(&strategies).Error
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":       "GormStrategyRepository",
			"op":         "FindActiveByWebhookID",
			"webhook_id": webhookID,
		}).WithError(err).Error("Failed to resolve strategies for webhook")
		return nil, err
	}
	return strategies, nil
}

func (r *GormStrategyRepository) FindByID(ctx context.Context, id uint) (*model.ActivatedStrategy, error) {
	var strategy model.ActivatedStrategy
	err := r.db.WithContext(ctx).First(&strategy, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &strategy, nil
}

// ListFollowers returns the follower bindings of a group strategy, leader
// excluded, ordered by id.
func (r *GormStrategyRepository) ListFollowers(ctx context.Context, strategyID uint) ([]model.StrategyFollower, error) {
	var followers []model.StrategyFollower
	err := r.db.WithContext(ctx).
		Where("strategy_id = ?", strategyID).
		Order("id").
		Find(&followers).Error
	if err != nil {
		return nil, err
	}
	return followers, nil
}

// SaveCounters persists the trade counters and derived stats after execution.
func (r *GormStrategyRepository) SaveCounters(ctx context.Context, strategy *model.ActivatedStrategy) error {
	res := r.db.WithContext(ctx).
		Model(&model.ActivatedStrategy{}).
		Where("id = ?", strategy.ID).
		Updates(map[string]interface{}{
			"total_trades":      strategy.TotalTrades,
			"successful_trades": strategy.SuccessfulTrades,
			"failed_trades":     strategy.FailedTrades,
			"total_pnl":         strategy.TotalPnL,
			"win_rate":          strategy.WinRate,
			"last_triggered":    strategy.LastTriggered,
		})
	if res.Error != nil {
		logger.WithFields(map[string]interface{}{
			"repo":        "GormStrategyRepository",
			"op":          "SaveCounters",
			"strategy_id": strategy.ID,
		}).WithError(res.Error).Error("Failed to persist strategy counters")
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
