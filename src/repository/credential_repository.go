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
	"signalbridge/src/security"
)

// CredentialStore is the persistence surface the token manager depends on.
// MarkExpired flips the credential invalid and deactivates its account in one
// transaction so the terminal state is applied exactly once.
type CredentialStore interface {
	Create(ctx context.Context, cred *model.BrokerCredential) error
	GetByID(ctx context.Context, id uint) (*model.BrokerCredential, error)
	ListActive(ctx context.Context) ([]model.BrokerCredential, error)
	UpdateTokens(ctx context.Context, cred *model.BrokerCredential) error
	RecordFailure(ctx context.Context, id uint, attemptedAt time.Time, cause string) error
	MarkExpired(ctx context.Context, id uint, cause string) error
}

// GormCredentialRepository stores broker credentials with token columns
// encrypted at rest. Callers only ever see plaintext tokens; this type is the
// single encrypt/decrypt boundary.
type GormCredentialRepository struct {
	db *gorm.DB
}

func NewCredentialRepository() *GormCredentialRepository {
	logger.WithField("component", "GormCredentialRepository").
		Info("Creating new GormCredentialRepository with MainDB")

	return &GormCredentialRepository{db: database.MainDB}
}

// WithDB allows overriding the underlying *gorm.DB instance.
func (r *GormCredentialRepository) WithDB(db *gorm.DB) *GormCredentialRepository {
	return &GormCredentialRepository{db: db}
}

// Create inserts a new credential, encrypting token columns first.
func (r *GormCredentialRepository) Create(ctx context.Context, cred *model.BrokerCredential) error {
	stored := *cred
	if err := encryptTokens(&stored); err != nil {
		return err
	}

	if err := r.db.WithContext(ctx).Create(&stored).Error; err != nil {
		logger.WithFields(map[string]interface{}{
			"repo": "GormCredentialRepository",
			"op":   "Create",
		}).WithError(err).Error("Failed to create broker credential")
		return err
	}

	cred.ID = stored.ID
	cred.CreatedAt = stored.CreatedAt
	cred.UpdatedAt = stored.UpdatedAt

	logger.WithFields(map[string]interface{}{
		"repo":          "GormCredentialRepository",
		"op":            "Create",
		"credential_id": stored.ID,
		"broker_id":     stored.BrokerID,
	}).Info("Broker credential created")

	return nil
}

// GetByID returns one credential with plaintext tokens, or nil when missing.
func (r *GormCredentialRepository) GetByID(ctx context.Context, id uint) (*model.BrokerCredential, error) {
	var cred model.BrokerCredential
	err := r.db.WithContext(ctx).First(&cred, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		logger.WithFields(map[string]interface{}{
			"repo":          "GormCredentialRepository",
			"op":            "GetByID",
			"credential_id": id,
		}).WithError(err).Error("Failed to fetch broker credential")
		return nil, err
	}

	if err := decryptTokens(&cred); err != nil {
		return nil, err
	}
	return &cred, nil
}

// GetByAccount returns the credential owned by a broker account, or nil.
func (r *GormCredentialRepository) GetByAccount(ctx context.Context, accountID uint) (*model.BrokerCredential, error) {
	var cred model.BrokerCredential
	err := r.db.WithContext(ctx).Where("account_id = ?", accountID).First(&cred).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	if err := decryptTokens(&cred); err != nil {
		return nil, err
	}
	return &cred, nil
}

// ListActive returns valid credentials whose account is active and not
// deleted. The scheduler iterates this set every cycle.
func (r *GormCredentialRepository) ListActive(ctx context.Context) ([]model.BrokerCredential, error) {
	var creds []model.BrokerCredential
	err := r.db.WithContext(ctx).
		Joins("JOIN broker_accounts ON broker_accounts.id = broker_credentials.account_id").
		Where("broker_credentials.is_valid = ?", true).
		Where("broker_accounts.is_active = ? AND broker_accounts.is_deleted = ?", true, false).
		Find(&creds).Error
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo": "GormCredentialRepository",
			"op":   "ListActive",
		}).WithError(err).Error("Failed to list active broker credentials")
		return nil, err
	}

	for i := range creds {
		if err := decryptTokens(&creds[i]); err != nil {
			return nil, err
		}
	}
	return creds, nil
}

// UpdateTokens persists a successful refresh: new tokens and expiry, failure
// bookkeeping reset, attempt timestamp stamped.
func (r *GormCredentialRepository) UpdateTokens(ctx context.Context, cred *model.BrokerCredential) error {
	accessToken, err := security.EncryptString(cred.AccessToken)
	if err != nil {
		return fmt.Errorf("encrypting access token: %w", err)
	}
	refreshToken, err := security.EncryptString(cred.RefreshToken)
	if err != nil {
		return fmt.Errorf("encrypting refresh token: %w", err)
	}

	now := time.Now().UTC()
	res := r.db.WithContext(ctx).
		Model(&model.BrokerCredential{}).
		Where("id = ?", cred.ID).
		Updates(map[string]interface{}{
			"access_token":         accessToken,
			"refresh_token":        refreshToken,
			"expires_at":           cred.ExpiresAt,
			"is_valid":             true,
			"refresh_fail_count":   0,
			"last_refresh_attempt": now,
			"last_refresh_error":   nil,
		})
	if res.Error != nil {
		logger.WithFields(map[string]interface{}{
			"repo":          "GormCredentialRepository",
			"op":            "UpdateTokens",
			"credential_id": cred.ID,
		}).WithError(res.Error).Error("Failed to persist refreshed tokens")
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}

	logger.WithFields(map[string]interface{}{
		"repo":          "GormCredentialRepository",
		"op":            "UpdateTokens",
		"credential_id": cred.ID,
		"expires_at":    cred.ExpiresAt,
	}).Info("Refreshed tokens persisted")

	return nil
}

// RecordFailure increments the persisted fail counter and stamps the attempt.
func (r *GormCredentialRepository) RecordFailure(ctx context.Context, id uint, attemptedAt time.Time, cause string) error {
	res := r.db.WithContext(ctx).
		Model(&model.BrokerCredential{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"refresh_fail_count":   gorm.Expr("refresh_fail_count + 1"),
			"last_refresh_attempt": attemptedAt,
			"last_refresh_error":   cause,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// MarkExpired applies the terminal token_expired state: credential invalid,
// account deactivated with status token_expired, both in one transaction.
func (r *GormCredentialRepository) MarkExpired(ctx context.Context, id uint, cause string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cred model.BrokerCredential
		if err := tx.First(&cred, id).Error; err != nil {
			return err
		}

		if err := tx.Model(&model.BrokerCredential{}).
			Where("id = ?", id).
			Updates(map[string]interface{}{
				"is_valid":           false,
				"last_refresh_error": cause,
			}).Error; err != nil {
			return err
		}

		if err := tx.Model(&model.BrokerAccount{}).
			Where("id = ?", cred.AccountID).
			Updates(map[string]interface{}{
				"is_active":     false,
				"status":        model.AccountStatusTokenExpired,
				"error_message": cause,
			}).Error; err != nil {
			return err
		}

		logger.WithFields(map[string]interface{}{
			"repo":          "GormCredentialRepository",
			"op":            "MarkExpired",
			"credential_id": id,
			"account_id":    cred.AccountID,
		}).Warn("Credential marked expired and account deactivated")

		return nil
	})
}

func encryptTokens(cred *model.BrokerCredential) error {
	accessToken, err := security.EncryptString(cred.AccessToken)
	if err != nil {
		return fmt.Errorf("encrypting access token: %w", err)
	}
	refreshToken, err := security.EncryptString(cred.RefreshToken)
	if err != nil {
		return fmt.Errorf("encrypting refresh token: %w", err)
	}
	cred.AccessToken = accessToken
	cred.RefreshToken = refreshToken
	return nil
}

func decryptTokens(cred *model.BrokerCredential) error {
	accessToken, err := security.DecryptString(cred.AccessToken)
	if err != nil {
		return fmt.Errorf("decrypting access token for credential %d: %w", cred.ID, err)
	}
	refreshToken, err := security.DecryptString(cred.RefreshToken)
	if err != nil {
		return fmt.Errorf("decrypting refresh token for credential %d: %w", cred.ID, err)
	}
	cred.AccessToken = accessToken
	cred.RefreshToken = refreshToken
	return nil
}
