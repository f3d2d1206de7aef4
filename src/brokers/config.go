package brokers

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// TokenSettings holds the per-broker refresh policy. TokenLifetime is the
// broker-advertised token validity; RefreshThreshold is the fraction of that
// lifetime after which a proactive refresh is attempted.
type TokenSettings struct {
	TokenLifetime        time.Duration
	RefreshThreshold     float64
	MaxRetryAttempts     int
	RetryDelay           time.Duration
	SupportsRefreshToken bool
}

// RefreshAfter returns the elapsed lifetime after which a refresh is due.
func (s TokenSettings) RefreshAfter() time.Duration {
	return time.Duration(float64(s.TokenLifetime) * s.RefreshThreshold)
}

// DefaultTokenSettings returns the shipped per-broker refresh policies.
// Tradovate tokens live 80 minutes and only renew via the access token, so
// the threshold is aggressive. Binance API keys do not expire; the entry
// exists so the scheduler revalidates them on a slow cadence.
func DefaultTokenSettings() map[string]TokenSettings {
	return map[string]TokenSettings{
		BrokerTradovate: {
			TokenLifetime:        4800 * time.Second,
			RefreshThreshold:     0.0625,
			MaxRetryAttempts:     3,
			RetryDelay:           10 * time.Second,
			SupportsRefreshToken: false,
		},
		BrokerBinance: {
			TokenLifetime:        24 * time.Hour,
			RefreshThreshold:     0.5,
			MaxRetryAttempts:     3,
			RetryDelay:           10 * time.Second,
			SupportsRefreshToken: false,
		},
	}
}

type Config struct {
	RefreshInterval time.Duration `envconfig:"TOKEN_REFRESH_INTERVAL" default:"120s"`
	AlertThreshold  int           `envconfig:"TOKEN_ALERT_THRESHOLD" default:"5"`
	LockTimeout     time.Duration `envconfig:"TOKEN_LOCK_TIMEOUT" default:"30s"`

	TradovateBaseURL     string `envconfig:"TRADOVATE_BASE_URL" default:"https://demo.tradovateapi.com/v1"`
	TradovateLiveBaseURL string `envconfig:"TRADOVATE_LIVE_BASE_URL" default:"https://live.tradovateapi.com/v1"`
	TradovateClientID    string `envconfig:"TRADOVATE_CLIENT_ID"`
	TradovateSecret      string `envconfig:"TRADOVATE_CLIENT_SECRET"`
	TradovateAppID       string `envconfig:"TRADOVATE_APP_ID" default:"signalbridge"`
	TradovateAppVersion  string `envconfig:"TRADOVATE_APP_VERSION" default:"1.0"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}
