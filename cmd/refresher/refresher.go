package refresher

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"signalbridge/src/brokers"
	"signalbridge/src/database"
	"signalbridge/src/repository"
	"signalbridge/src/tokens"
)

type Refresher struct{}

// Start runs the token refresh loop without the HTTP surface, for deployments
// that separate ingestion from credential upkeep. Blocks until SIGINT or
// SIGTERM.
func (t *Refresher) Start() error {
	config := brokers.GetConfig()

	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer stop()

	if err := database.InitMainDB(); err != nil {
		logrus.WithError(err).Fatal("Failed to connect to main database")
		return err
	}

	registry, err := brokers.NewRegistry(
		[]brokers.Broker{
			brokers.NewTradovateBroker(),
			brokers.NewBinanceBroker(),
		},
		brokers.DefaultTokenSettings(),
	)
	if err != nil {
		logrus.WithError(err).Fatal("Broker registry misconfigured")
		return err
	}

	credentials := repository.NewCredentialRepository()
	manager := tokens.NewManager(credentials, registry, config.LockTimeout)
	scheduler := tokens.NewScheduler(manager, credentials, registry, config.RefreshInterval, config.AlertThreshold)

	logrus.WithField("interval", config.RefreshInterval).Info("Starting standalone token refresher")

	return scheduler.StartLoop(ctx)
}
