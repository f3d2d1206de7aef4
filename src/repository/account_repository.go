package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"signalbridge/src/database"
	"signalbridge/src/model"
)

var ErrInvalidStatusTransition = errors.New("invalid account status transition")

type AccountRepository interface {
	Create(ctx context.Context, account *model.BrokerAccount) error
	FindByID(ctx context.Context, id uint) (*model.BrokerAccount, error)
	ListActiveByUser(ctx context.Context, userID uint) ([]model.BrokerAccount, error)
	TransitionStatus(ctx context.Context, id uint, to string, errorMessage *string) error
	SoftDelete(ctx context.Context, id uint) error
}

type GormAccountRepository struct {
	db *gorm.DB
}

func NewAccountRepository() *GormAccountRepository {
	logger.WithField("component", "GormAccountRepository").
		Info("Creating new GormAccountRepository with MainDB")

	return &GormAccountRepository{db: database.MainDB}
}

// WithDB allows overriding the underlying *gorm.DB instance.
func (r *GormAccountRepository) WithDB(db *gorm.DB) *GormAccountRepository {
	return &GormAccountRepository{db: db}
}

func (r *GormAccountRepository) Create(ctx context.Context, account *model.BrokerAccount) error {
	if account.Status == "" {
		account.Status = model.AccountStatusConnecting
	}

	if err := r.db.WithContext(ctx).Create(account).Error; err != nil {
		logger.WithFields(map[string]interface{}{
			"repo": "GormAccountRepository",
			"op":   "Create",
		}).WithError(err).Error("Failed to create broker account")
		return err
	}
	return nil
}

func (r *GormAccountRepository) FindByID(ctx context.Context, id uint) (*model.BrokerAccount, error) {
	var account model.BrokerAccount
	err := r.db.WithContext(ctx).First(&account, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &account, nil
}

func (r *GormAccountRepository) ListActiveByUser(ctx context.Context, userID uint) ([]model.BrokerAccount, error) {
	var accounts []model.BrokerAccount
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND is_active = ? AND is_deleted = ?", userID, true, false).
		Order("id").
		Find(&accounts).Error
	if err != nil {
		return nil, err
	}
	return accounts, nil
}

// TransitionStatus moves the account through its status machine. The read and
// write happen inside one transaction so concurrent transitions serialize on
// the row.
func (r *GormAccountRepository) TransitionStatus(ctx context.Context, id uint, to string, errorMessage *string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var account model.BrokerAccount
		if err := tx.First(&account, id).Error; err != nil {
			return err
		}

		if !model.CanTransitionAccountStatus(account.Status, to) {
			return fmt.Errorf("%w: %s -> %s for account %d", ErrInvalidStatusTransition, account.Status, to, id)
		}

		updates := map[string]interface{}{
			"status":        to,
			"error_message": errorMessage,
		}
		if to == model.AccountStatusActive {
			updates["last_connected"] = time.Now().UTC()
		}

		if err := tx.Model(&model.BrokerAccount{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			return err
		}

		logger.WithFields(map[string]interface{}{
			"repo":       "GormAccountRepository",
			"op":         "TransitionStatus",
			"account_id": id,
			"from":       account.Status,
			"to":         to,
		}).Info("Account status transitioned")

		return nil
	})
}

// SoftDelete marks the account deleted and invalidates its credential.
func (r *GormAccountRepository) SoftDelete(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()

		res := tx.Model(&model.BrokerAccount{}).
			Where("id = ? AND is_deleted = ?", id, false).
			Updates(map[string]interface{}{
				"is_deleted": true,
				"is_active":  false,
				"status":     model.AccountStatusDeleted,
				"deleted_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}

		return tx.Model(&model.BrokerCredential{}).
			Where("account_id = ?", id).
			Update("is_valid", false).Error
	})
}
