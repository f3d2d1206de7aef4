package tokens

import (
	"context"
	"time"

	logger "github.com/sirupsen/logrus"

	"signalbridge/src/brokers"
	"signalbridge/src/repository"
)

// Validator answers "can this credential place orders right now" without
// triggering a refresh, and force-expires credentials the broker rejects
// outside the refresh path.
type Validator struct {
	store    repository.CredentialStore
	registry *brokers.Registry
	now      func() time.Time
}

func NewValidator(store repository.CredentialStore, registry *brokers.Registry) *Validator {
	return &Validator{
		store:    store,
		registry: registry,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// ValidateToken checks local state first and only hits the broker API when
// the stored expiry already passed, to catch clock skew on revoked tokens.
func (v *Validator) ValidateToken(ctx context.Context, credentialID uint) (bool, error) {
	cred, err := v.store.GetByID(ctx, credentialID)
	if err != nil {
		return false, err
	}
	if cred == nil || !cred.IsValid {
		return false, nil
	}

	if !cred.Expired(v.now()) {
		return true, nil
	}

	broker, err := v.registry.Broker(cred.BrokerID)
	if err != nil {
		return false, err
	}

	ok, err := broker.ValidateCredentials(ctx, cred)
	if err != nil {
		logger.WithField("credential_id", credentialID).
			WithError(err).Warn("Remote token validation failed")
		return false, err
	}
	return ok, nil
}

// InvalidateToken forces the terminal expired state, used when a broker call
// comes back unauthorized outside the refresh path.
func (v *Validator) InvalidateToken(ctx context.Context, credentialID uint, cause string) error {
	logger.WithFields(map[string]interface{}{
		"component":     "TokenValidator",
		"credential_id": credentialID,
		"cause":         cause,
	}).Warn("Invalidating credential")

	return v.store.MarkExpired(ctx, credentialID, cause)
}
