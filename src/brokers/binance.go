package brokers

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nntaoli-project/goex"
	"github.com/nntaoli-project/goex/binance"
	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"signalbridge/src/model"
)

// BinanceBroker places spot orders through goex. Binance authenticates with
// long-lived API keys, so RefreshCredentials is a revalidation rather than a
// token exchange.
type BinanceBroker struct {
	newExchange func(apiKey, secretKey string) goex.API
}

func NewBinanceBroker() *BinanceBroker {
	return &BinanceBroker{
		newExchange: func(apiKey, secretKey string) goex.API {
			apiConfig := &goex.APIConfig{
				HttpClient:   http.DefaultClient,
				Endpoint:     binance.GLOBAL_API_BASE_URL,
				ApiKey:       apiKey,
				ApiSecretKey: secretKey,
			}
			return binance.NewWithConfig(apiConfig)
		},
	}
}

func (b *BinanceBroker) ID() string {
	return BrokerBinance
}

func (b *BinanceBroker) exchangeFor(cred *model.BrokerCredential) goex.API {
	// AccessToken carries the API key, RefreshToken the secret.
	return b.newExchange(cred.AccessToken, cred.RefreshToken)
}

// Authenticate verifies the API key pair against the account endpoint and
// wraps it into a credential record. API keys carry no broker-side expiry;
// ExpiresAt only drives the revalidation cadence.
func (b *BinanceBroker) Authenticate(ctx context.Context, credentials map[string]string) (*model.BrokerCredential, error) {
	cred := &model.BrokerCredential{
		BrokerID:       BrokerBinance,
		CredentialType: "api_key",
		AccessToken:    credentials["api_key"],
		RefreshToken:   credentials["api_secret"],
		IsValid:        true,
	}

	ok, err := b.ValidateCredentials(ctx, cred)
	if err != nil {
		return nil, fmt.Errorf("binance key validation failed: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("binance rejected api key")
	}

	cred.ExpiresAt = time.Now().UTC().Add(DefaultTokenSettings()[BrokerBinance].TokenLifetime)
	return cred, nil
}

func (b *BinanceBroker) ValidateCredentials(ctx context.Context, cred *model.BrokerCredential) (bool, error) {
	if cred.AccessToken == "" || cred.RefreshToken == "" {
		return false, nil
	}
	if _, err := b.exchangeFor(cred).GetAccount(); err != nil {
		if binanceAuthRejected(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// RefreshCredentials revalidates the key pair and pushes the expiry window
// forward. There is no token to rotate.
func (b *BinanceBroker) RefreshCredentials(ctx context.Context, cred *model.BrokerCredential) (*model.BrokerCredential, error) {
	ok, err := b.ValidateCredentials(ctx, cred)
	if err != nil {
		return nil, fmt.Errorf("binance key revalidation failed: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("binance api key no longer valid")
	}

	refreshed := *cred
	refreshed.ExpiresAt = time.Now().UTC().Add(DefaultTokenSettings()[BrokerBinance].TokenLifetime)
	refreshed.IsValid = true
	return &refreshed, nil
}

func (b *BinanceBroker) GetAccountStatus(ctx context.Context, account *model.BrokerAccount, cred *model.BrokerCredential) (*AccountStatus, error) {
	acc, err := b.exchangeFor(cred).GetAccount()
	if err != nil {
		return nil, fmt.Errorf("binance account fetch failed: %w", err)
	}

	available := decimal.Zero
	if usdt, ok := acc.SubAccounts[goex.USDT]; ok {
		available = decimal.NewFromFloat(usdt.Amount)
	}

	return &AccountStatus{
		Status:          model.AccountStatusActive,
		Tradeable:       true,
		AvailableMargin: available,
	}, nil
}

// GetPositions reports non-zero spot balances as positions. Quote currencies
// are skipped; a USDT balance is margin, not exposure.
func (b *BinanceBroker) GetPositions(ctx context.Context, account *model.BrokerAccount, cred *model.BrokerCredential) ([]Position, error) {
	acc, err := b.exchangeFor(cred).GetAccount()
	if err != nil {
		return nil, fmt.Errorf("binance account fetch failed: %w", err)
	}

	positions := make([]Position, 0, len(acc.SubAccounts))
	for currency, sub := range acc.SubAccounts {
		if sub.Amount == 0 || currency == goex.USDT || currency == goex.USD {
			continue
		}
		positions = append(positions, Position{
			Symbol:   currency.Symbol,
			Quantity: sub.Amount,
		})
	}
	return positions, nil
}

func (b *BinanceBroker) PlaceOrder(ctx context.Context, account *model.BrokerAccount, cred *model.BrokerCredential, order OrderRequest) (*OrderResult, error) {
	exchange := b.exchangeFor(cred)
	pair := binancePair(order.Symbol)
	amount := strconv.Itoa(order.Quantity)

	price := "0"
	if order.Price != nil {
		price = strconv.FormatFloat(*order.Price, 'f', -1, 64)
	}

	var placed *goex.Order
	var err error
	switch {
	case order.Type == OrderTypeLimit && order.Side == OrderSideBuy:
		placed, err = exchange.LimitBuy(amount, price, pair)
	case order.Type == OrderTypeLimit && order.Side == OrderSideSell:
		placed, err = exchange.LimitSell(amount, price, pair)
	case order.Side == OrderSideSell:
		placed, err = exchange.MarketSell(amount, price, pair)
	default:
		placed, err = exchange.MarketBuy(amount, price, pair)
	}
	if err != nil {
		if binanceAuthRejected(err) {
			return nil, fmt.Errorf("binance order rejected: %w", ErrUnauthorized)
		}
		return nil, fmt.Errorf("binance order placement failed: %w", err)
	}

	clientID := order.ClientOrderID
	if clientID == "" {
		clientID = uuid.NewString()
	}

	logger.WithFields(map[string]interface{}{
		"broker":          BrokerBinance,
		"account":         account.AccountID,
		"symbol":          order.Symbol,
		"side":            order.Side,
		"order_id":        placed.OrderID2,
		"client_order_id": clientID,
	}).Info("Order placed")

	return &OrderResult{
		OrderID:        placed.OrderID2,
		Status:         binanceOrderStatus(placed.Status),
		FilledQuantity: int(placed.DealAmount),
		AvgFillPrice:   placed.AvgPrice,
		PlacedAt:       time.Now().UTC(),
	}, nil
}

func (b *BinanceBroker) CancelOrder(ctx context.Context, account *model.BrokerAccount, cred *model.BrokerCredential, orderID string) error {
	// goex cancel needs the pair; spot cancels here always target the order's
	// original symbol, which callers pass as "<orderID>@<symbol>".
	id, symbol, found := strings.Cut(orderID, "@")
	if !found {
		return fmt.Errorf("binance cancel needs order id in id@symbol form, got %q", orderID)
	}

	ok, err := b.exchangeFor(cred).CancelOrder(id, binancePair(symbol))
	if err != nil {
		return fmt.Errorf("binance order cancel failed: %w", err)
	}
	if !ok {
		return fmt.Errorf("binance refused to cancel order %s", id)
	}
	return nil
}

// binanceAuthRejected matches goex error text for API-key rejections. goex
// surfaces the raw HTTP failure, so the status code and Binance's own
// "API-key" phrasing are the only signals available.
func binanceAuthRejected(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "API-key") || strings.Contains(msg, "401") || strings.Contains(msg, "403")
}

func binancePair(symbol string) goex.CurrencyPair {
	base, quote, found := strings.Cut(symbol, "_")
	if !found {
		quote = "USDT"
		base = symbol
	}
	return goex.NewCurrencyPair(goex.Currency{Symbol: strings.ToUpper(base)}, goex.Currency{Symbol: strings.ToUpper(quote)})
}

func binanceOrderStatus(status goex.TradeStatus) string {
	switch status {
	case goex.ORDER_FINISH:
		return OrderStatusFilled
	case goex.ORDER_CANCEL, goex.ORDER_REJECT:
		return OrderStatusRejected
	default:
		return OrderStatusPending
	}
}
