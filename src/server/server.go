package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	logger "github.com/sirupsen/logrus"
)

// Dependencies are the handlers and health readouts the router needs; main
// wires them.
type Dependencies struct {
	WebhookIngest http.HandlerFunc
	WebhookLogs   http.HandlerFunc
	Events        http.HandlerFunc
	QueueDepth    func() int
	ClientCount   func() int
}

func StartServer(port string, deps Dependencies) {
	// Router with middleware
	r := chi.NewRouter()

	// Public routes
	r.Get("/healthcheck", healthcheckHandler(deps))
	r.Route("/api/v1/webhooks", func(r chi.Router) {
		r.Get("/events", deps.Events)
		r.Post("/{token}", deps.WebhookIngest)
		r.Get("/{token}/logs", deps.WebhookLogs)
	})

	// Graceful server
	addr := ":" + port
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	// Start server in goroutine
	go func() {
		logger.Infof("Listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Server crashed")
		}
	}()

	// Shutdown on SIGINT or SIGTERM
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("Shutting down gracefully...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Shutdown error")
	}
}

func healthcheckHandler(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := map[string]interface{}{"status": "ok"}
		if deps.QueueDepth != nil {
			status["queue_depth"] = deps.QueueDepth()
		}
		if deps.ClientCount != nil {
			status["ws_clients"] = deps.ClientCount()
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(status); err != nil {
			logger.WithError(err).Error("\"/healthcheck\" error")
		}
	}
}
