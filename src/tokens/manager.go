// Package tokens keeps broker credentials alive: proactive refresh ahead of
// expiry, bounded retries, and a terminal expired state applied exactly once.
package tokens

import (
	"context"
	"fmt"
	"sync"
	"time"

	logger "github.com/sirupsen/logrus"

	"signalbridge/src/brokers"
	"signalbridge/src/repository"
)

// credentialLock is a per-credential semaphore. refs counts waiters plus the
// holder so the entry can be evicted as soon as nobody needs it; the lock map
// never grows past the set of credentials currently being refreshed.
type credentialLock struct {
	sem  chan struct{}
	refs int
}

// Manager serializes refresh work per credential. Two concurrent callers for
// the same credential never both hit the broker; the second one re-reads state
// the first one wrote.
type Manager struct {
	store       repository.CredentialStore
	registry    *brokers.Registry
	lockTimeout time.Duration
	now         func() time.Time

	mu       sync.Mutex
	locks    map[uint]*credentialLock
	attempts map[uint]int
}

func NewManager(store repository.CredentialStore, registry *brokers.Registry, lockTimeout time.Duration) *Manager {
	if lockTimeout <= 0 {
		lockTimeout = 30 * time.Second
	}
	return &Manager{
		store:       store,
		registry:    registry,
		lockTimeout: lockTimeout,
		now:         func() time.Time { return time.Now().UTC() },
		locks:       make(map[uint]*credentialLock),
		attempts:    make(map[uint]int),
	}
}

// RefreshIfNeeded ensures the credential's token is usable, refreshing it when
// its elapsed lifetime crosses the broker's threshold. It reports whether the
// credential is healthy afterwards. All failure detail is logged and persisted
// here; callers only branch on the bool.
func (m *Manager) RefreshIfNeeded(ctx context.Context, credentialID uint) bool {
	release, ok := m.acquire(ctx, credentialID)
	if !ok {
		logger.WithFields(map[string]interface{}{
			"component":     "TokenManager",
			"credential_id": credentialID,
			"timeout":       m.lockTimeout,
		}).Warn("Timed out waiting for credential lock, skipping refresh")
		return false
	}
	defer release()

	// Fresh read inside the lock: a concurrent refresh may have already
	// rotated the token or expired the credential.
	cred, err := m.store.GetByID(ctx, credentialID)
	if err != nil {
		logger.WithField("credential_id", credentialID).
			WithError(err).Error("Failed to load credential for refresh")
		return false
	}
	if cred == nil {
		logger.WithField("credential_id", credentialID).
			Warn("Credential vanished before refresh")
		return false
	}
	if !cred.IsValid {
		return false
	}

	settings, err := m.registry.TokenSettings(cred.BrokerID)
	if err != nil {
		logger.WithField("credential_id", credentialID).
			WithError(err).Error("Credential references unregistered broker")
		return false
	}

	now := m.now()
	elapsed := now.Sub(cred.RefreshReference())
	if elapsed < settings.RefreshAfter() && !cred.Expired(now) {
		return true
	}

	broker, err := m.registry.Broker(cred.BrokerID)
	if err != nil {
		logger.WithField("credential_id", credentialID).
			WithError(err).Error("Credential references unregistered broker")
		return false
	}

	refreshed, err := broker.RefreshCredentials(ctx, cred)
	if err != nil {
		return m.recordFailure(ctx, credentialID, settings, err)
	}

	refreshed.ID = cred.ID
	if err := m.store.UpdateTokens(ctx, refreshed); err != nil {
		return m.recordFailure(ctx, credentialID, settings, fmt.Errorf("persisting refreshed tokens: %w", err))
	}

	m.mu.Lock()
	delete(m.attempts, credentialID)
	m.mu.Unlock()

	logger.WithFields(map[string]interface{}{
		"component":     "TokenManager",
		"credential_id": credentialID,
		"broker_id":     cred.BrokerID,
		"expires_at":    refreshed.ExpiresAt,
	}).Info("Credential refreshed")

	return true
}

// recordFailure bumps both the in-memory and persisted failure counters and
// applies the terminal expired state when retries are exhausted. The terminal
// transition happens under the credential lock, so it fires exactly once.
func (m *Manager) recordFailure(ctx context.Context, credentialID uint, settings brokers.TokenSettings, cause error) bool {
	m.mu.Lock()
	m.attempts[credentialID]++
	attempt := m.attempts[credentialID]
	m.mu.Unlock()

	logger.WithFields(map[string]interface{}{
		"component":     "TokenManager",
		"credential_id": credentialID,
		"attempt":       attempt,
		"max_attempts":  settings.MaxRetryAttempts,
	}).WithError(cause).Error("Token refresh failed")

	if err := m.store.RecordFailure(ctx, credentialID, m.now(), cause.Error()); err != nil {
		logger.WithField("credential_id", credentialID).
			WithError(err).Error("Failed to persist refresh failure")
	}

	if attempt < settings.MaxRetryAttempts {
		return false
	}

	if err := m.store.MarkExpired(ctx, credentialID, fmt.Sprintf("token refresh failed %d times: %v", attempt, cause)); err != nil {
		logger.WithField("credential_id", credentialID).
			WithError(err).Error("Failed to mark credential expired")
		return false
	}

	m.mu.Lock()
	delete(m.attempts, credentialID)
	m.mu.Unlock()

	logger.WithFields(map[string]interface{}{
		"component":     "TokenManager",
		"credential_id": credentialID,
	}).Warn("Credential expired after exhausting refresh retries")

	return false
}

// acquire takes the per-credential lock, waiting at most lockTimeout. The
// returned release must be called exactly once when ok is true.
func (m *Manager) acquire(ctx context.Context, credentialID uint) (func(), bool) {
	m.mu.Lock()
	lock, exists := m.locks[credentialID]
	if !exists {
		lock = &credentialLock{sem: make(chan struct{}, 1)}
		m.locks[credentialID] = lock
	}
	lock.refs++
	m.mu.Unlock()

	timer := time.NewTimer(m.lockTimeout)
	defer timer.Stop()

	select {
	case lock.sem <- struct{}{}:
		return func() {
			<-lock.sem
			m.releaseRef(credentialID, lock)
		}, true
	case <-timer.C:
	case <-ctx.Done():
	}

	m.releaseRef(credentialID, lock)
	return nil, false
}

func (m *Manager) releaseRef(credentialID uint, lock *credentialLock) {
	m.mu.Lock()
	lock.refs--
	if lock.refs == 0 {
		delete(m.locks, credentialID)
	}
	m.mu.Unlock()
}

// lockCount reports the live lock entries, for tests.
func (m *Manager) lockCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
