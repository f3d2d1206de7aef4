package serve

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"signalbridge/src/brokers"
	"signalbridge/src/database"
	"signalbridge/src/dispatch"
	"signalbridge/src/handler"
	"signalbridge/src/repository"
	"signalbridge/src/server"
	"signalbridge/src/strategy"
	"signalbridge/src/tokens"
	"signalbridge/src/webhook"
	"signalbridge/src/ws"
)

type Serve struct{}

// Start wires the full service: database, broker registry, token refresh
// loop, webhook ingestion, dispatcher, and the HTTP server. Blocks until
// SIGINT or SIGTERM.
func (s *Serve) Start() error {
	config := GetConfig()
	brokersConfig := brokers.GetConfig()

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
	accounts := repository.NewAccountRepository()
	strategies := repository.NewStrategyRepository()
	webhooks := repository.NewWebhookRepository()

	manager := tokens.NewManager(credentials, registry, brokersConfig.LockTimeout)
	scheduler := tokens.NewScheduler(manager, credentials, registry, brokersConfig.RefreshInterval, brokersConfig.AlertThreshold)
	go func() {
		if err := scheduler.StartLoop(ctx); err != nil {
			logrus.WithError(err).Error("Token refresh scheduler exited")
		}
	}()

	hub := ws.NewHub()
	go hub.Run()

	validator := tokens.NewValidator(credentials, registry)
	executor := strategy.NewProcessor(accounts, credentials, strategies, registry, manager).
		WithInvalidator(validator)
	processor := webhook.NewProcessor(webhooks, strategies, executor, hub)

	dispatcher := dispatch.NewDispatcher(processor, config.WebhookWorkers, config.WebhookQueueSize)
	dispatcher.Start(ctx)

	gate := webhook.NewGate(webhooks, webhook.NewRateLimiter())
	cache := webhook.NewIdempotencyCache(config.IdempotencyTTL)

	server.StartServer(server.GetConfig().Port, server.Dependencies{
		WebhookIngest: handler.WebhookIngestHandler(gate, cache, dispatcher),
		WebhookLogs:   handler.WebhookLogsHandler(webhooks),
		Events: func(w http.ResponseWriter, r *http.Request) {
			ws.ServeEvents(hub, w, r)
		},
		QueueDepth:  dispatcher.QueueDepth,
		ClientCount: hub.ClientCount,
	})

	// StartServer returned: the process is shutting down. Drain in-flight
	// signals before disconnecting the event feed.
	stop()
	dispatcher.Stop()
	hub.Stop()

	return nil
}
