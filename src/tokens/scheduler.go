package tokens

import (
	"context"
	"sync/atomic"
	"time"

	logger "github.com/sirupsen/logrus"

	"signalbridge/src/brokers"
	"signalbridge/src/model"
	"signalbridge/src/repository"
)

// Scheduler drives proactive refresh on a fixed interval. Cycles never
// overlap: if one runs long, the next tick is skipped rather than queued.
type Scheduler struct {
	manager  *Manager
	store    repository.CredentialStore
	registry *brokers.Registry

	interval       time.Duration
	alertThreshold int
	running        atomic.Bool
	now            func() time.Time
}

func NewScheduler(manager *Manager, store repository.CredentialStore, registry *brokers.Registry, interval time.Duration, alertThreshold int) *Scheduler {
	if interval <= 0 {
		interval = 120 * time.Second
	}
	return &Scheduler{
		manager:        manager,
		store:          store,
		registry:       registry,
		interval:       interval,
		alertThreshold: alertThreshold,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// StartLoop blocks until ctx is done, running one refresh cycle per tick.
func (s *Scheduler) StartLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	logger.WithFields(map[string]interface{}{
		"component": "TokenRefreshScheduler",
		"interval":  s.interval,
	}).Info("Token refresh scheduler started")

	for {
		select {
		case <-ctx.Done():
			logger.Info("Token refresh scheduler stopped")
			return nil
		case <-ticker.C:
			s.RunCycle(ctx)
		}
	}
}

// RunCycle performs one pass over the active credentials. A credential that
// fails is logged and skipped; it never blocks the rest of the cycle.
func (s *Scheduler) RunCycle(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		logger.Warn("Previous refresh cycle still running, skipping tick")
		return
	}
	defer s.running.Store(false)

	creds, err := s.store.ListActive(ctx)
	if err != nil {
		logger.WithError(err).Error("Failed to list credentials for refresh cycle")
		return
	}

	due := s.filterDue(creds)

	logger.WithFields(map[string]interface{}{
		"component": "TokenRefreshScheduler",
		"active":    len(creds),
		"due":       len(due),
	}).Debug("Refresh cycle started")

	refreshedOK := 0
	for _, cred := range due {
		if ctx.Err() != nil {
			return
		}
		if s.refreshOne(ctx, cred.ID) {
			refreshedOK++
		}
	}

	s.alertOnRepeatedFailures(creds)

	logger.WithFields(map[string]interface{}{
		"component": "TokenRefreshScheduler",
		"due":       len(due),
		"healthy":   refreshedOK,
	}).Info("Refresh cycle completed")
}

// refreshOne delegates a single credential to the manager. A panicking broker
// adapter must not take down the cycle or the loop goroutine; it is treated
// like any other failed refresh.
func (s *Scheduler) refreshOne(ctx context.Context, credentialID uint) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.WithFields(map[string]interface{}{
				"component":     "TokenRefreshScheduler",
				"credential_id": credentialID,
				"panic":         r,
			}).Error("Refresh panicked, skipping credential")
			ok = false
		}
	}()
	return s.manager.RefreshIfNeeded(ctx, credentialID)
}

// filterDue narrows the active set to credentials whose elapsed lifetime
// crosses the broker threshold. The manager re-checks under its lock; this
// pre-filter only avoids pointless lock traffic.
func (s *Scheduler) filterDue(creds []model.BrokerCredential) []model.BrokerCredential {
	now := s.now()
	due := make([]model.BrokerCredential, 0, len(creds))
	for _, cred := range creds {
		settings, err := s.registry.TokenSettings(cred.BrokerID)
		if err != nil {
			logger.WithFields(map[string]interface{}{
				"credential_id": cred.ID,
				"broker_id":     cred.BrokerID,
			}).WithError(err).Error("Skipping credential with unregistered broker")
			continue
		}
		if now.Sub(cred.RefreshReference()) >= settings.RefreshAfter() || cred.Expired(now) {
			due = append(due, cred)
		}
	}
	return due
}

func (s *Scheduler) alertOnRepeatedFailures(creds []model.BrokerCredential) {
	if s.alertThreshold <= 0 {
		return
	}
	for _, cred := range creds {
		if cred.RefreshFailCount >= s.alertThreshold {
			logger.WithFields(map[string]interface{}{
				"component":     "TokenRefreshScheduler",
				"credential_id": cred.ID,
				"broker_id":     cred.BrokerID,
				"fail_count":    cred.RefreshFailCount,
			}).Warn("Credential keeps failing to refresh, needs operator attention")
		}
	}
}
