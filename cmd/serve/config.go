package serve

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	WebhookWorkers   int           `envconfig:"WEBHOOK_WORKERS" default:"4"`
	WebhookQueueSize int           `envconfig:"WEBHOOK_QUEUE_SIZE" default:"256"`
	IdempotencyTTL   time.Duration `envconfig:"IDEMPOTENCY_TTL" default:"1s"`
}

func GetConfig() *Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return &config
}
