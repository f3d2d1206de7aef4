package brokers

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"signalbridge/src/model"
)

// ErrUnauthorized marks a broker call rejected for bad or revoked
// credentials. Callers use it to invalidate the stored token instead of
// retrying.
var ErrUnauthorized = errors.New("broker rejected credentials")

// Broker IDs known to the system. The registry refuses any other value.
const (
	BrokerTradovate = "tradovate"
	BrokerBinance   = "binance"
)

// Order sides and types as they travel through the pipeline. Adapters map
// these onto broker-specific wire values.
const (
	OrderSideBuy  = "BUY"
	OrderSideSell = "SELL"

	OrderTypeMarket = "MARKET"
	OrderTypeLimit  = "LIMIT"

	TimeInForceGTC = "GTC"

	OrderStatusFilled   = "filled"
	OrderStatusPending  = "pending"
	OrderStatusRejected = "rejected"
)

// OrderRequest is the normalized order shape built by the strategy processor.
type OrderRequest struct {
	AccountID     string   `json:"account_id"`
	Symbol        string   `json:"symbol"`
	Quantity      int      `json:"quantity"`
	Side          string   `json:"side"`
	Type          string   `json:"type"`
	TimeInForce   string   `json:"time_in_force"`
	Price         *float64 `json:"price,omitempty"`
	ClientOrderID string   `json:"client_order_id,omitempty"`
	StrategyID    uint     `json:"strategy_id,omitempty"`
}

// OrderResult is what an adapter reports back after order placement.
type OrderResult struct {
	OrderID        string          `json:"order_id"`
	Status         string          `json:"status"`
	FilledQuantity int             `json:"filled_quantity"`
	AvgFillPrice   float64         `json:"avg_fill_price"`
	RealizedPnL    decimal.Decimal `json:"realized_pnl"`
	PlacedAt       time.Time       `json:"placed_at"`
}

// AccountStatus is a live snapshot from the broker, independent of the token
// manager's own bookkeeping.
type AccountStatus struct {
	Status          string          `json:"status"`
	Tradeable       bool            `json:"tradeable"`
	AvailableMargin decimal.Decimal `json:"available_margin"`
	DayPnL          decimal.Decimal `json:"day_pnl"`
}

// Position is one open position at the broker.
type Position struct {
	Symbol   string  `json:"symbol"`
	Quantity float64 `json:"quantity"` // signed, negative for short
	AvgPrice float64 `json:"avg_price"`
}

// Broker is the capability interface one implementation per broker satisfies.
// RefreshCredentials must return a credential carrying new tokens and expiry
// with IsValid=true, or an error; it must be safe to call repeatedly.
type Broker interface {
	ID() string
	Authenticate(ctx context.Context, credentials map[string]string) (*model.BrokerCredential, error)
	ValidateCredentials(ctx context.Context, cred *model.BrokerCredential) (bool, error)
	RefreshCredentials(ctx context.Context, cred *model.BrokerCredential) (*model.BrokerCredential, error)
	GetAccountStatus(ctx context.Context, account *model.BrokerAccount, cred *model.BrokerCredential) (*AccountStatus, error)
	GetPositions(ctx context.Context, account *model.BrokerAccount, cred *model.BrokerCredential) ([]Position, error)
	PlaceOrder(ctx context.Context, account *model.BrokerAccount, cred *model.BrokerCredential, order OrderRequest) (*OrderResult, error)
	CancelOrder(ctx context.Context, account *model.BrokerAccount, cred *model.BrokerCredential, orderID string) error
}
