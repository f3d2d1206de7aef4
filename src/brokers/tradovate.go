// REST client for the Tradovate futures API.
// Resty only, internal retry for transient failures.
package brokers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"signalbridge/src/model"
)

const (
	tradovateRetryAttempts   = 5
	tradovateRetryBaseDelay  = 500 * time.Millisecond
	tradovateRetryMaxBackoff = 8 * time.Second
)

// Tradovate access tokens cannot be refreshed via a refresh token; the API
// renews the live access token directly (auth/renewaccesstoken).
type TradovateBroker struct {
	clientID   string
	secret     string
	appID      string
	appVersion string
	http       *resty.Client
}

type tradovateTokenResponse struct {
	AccessToken    string `json:"accessToken"`
	ExpirationTime string `json:"expirationTime"`
	UserID         int64  `json:"userId"`
	ErrorText      string `json:"errorText"`
}

type tradovateAccount struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	Active       bool   `json:"active"`
	MarginBasis  string `json:"marginBasis"`
	AccountType  string `json:"accountType"`
	LegalStatus  string `json:"legalStatus"`
	TradingState string `json:"tradingState"`
}

type tradovatePosition struct {
	ID         int64   `json:"id"`
	AccountID  int64   `json:"accountId"`
	ContractID int64   `json:"contractId"`
	Symbol     string  `json:"symbol"`
	NetPos     float64 `json:"netPos"`
	NetPrice   float64 `json:"netPrice"`
}

type tradovateOrderResponse struct {
	OrderID       int64  `json:"orderId"`
	FailureReason string `json:"failureReason"`
	FailureText   string `json:"failureText"`
}

type tradovateCashBalance struct {
	AccountID    int64   `json:"accountId"`
	Amount       float64 `json:"amount"`
	RealizedPnL  float64 `json:"realizedPnL"`
	WeekRealized float64 `json:"weekRealizedPnL"`
}

func tradovateRetryable(r *resty.Response, err error) bool {
	if err != nil {
		return true
	}
	if r == nil {
		return false
	}
	code := r.StatusCode()
	return (code >= 500 && code <= 599) || code == 429 || code == 408
}

// NewTradovateBroker builds the adapter from package config.
func NewTradovateBroker() *TradovateBroker {
	config := GetConfig()
	return NewTradovateBrokerWithBaseURL(config.TradovateBaseURL)
}

// NewTradovateBrokerWithBaseURL is used by tests and the live-environment
// wiring to point the client at a specific API host.
func NewTradovateBrokerWithBaseURL(baseURL string) *TradovateBroker {
	config := GetConfig()

	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(15 * time.Second).
		SetRetryCount(tradovateRetryAttempts - 1).
		SetRetryWaitTime(tradovateRetryBaseDelay).
		SetRetryMaxWaitTime(tradovateRetryMaxBackoff).
		AddRetryCondition(tradovateRetryable)

	return &TradovateBroker{
		clientID:   config.TradovateClientID,
		secret:     config.TradovateSecret,
		appID:      config.TradovateAppID,
		appVersion: config.TradovateAppVersion,
		http:       httpClient,
	}
}

func (b *TradovateBroker) ID() string {
	return BrokerTradovate
}

// Authenticate exchanges user credentials for an access token and returns the
// initial credential record (tokens still plaintext; the repository encrypts
// on save).
func (b *TradovateBroker) Authenticate(ctx context.Context, credentials map[string]string) (*model.BrokerCredential, error) {
	body := map[string]interface{}{
		"name":       credentials["username"],
		"password":   credentials["password"],
		"appId":      b.appID,
		"appVersion": b.appVersion,
		"cid":        b.clientID,
		"sec":        b.secret,
		"deviceId":   credentials["device_id"],
	}

	var tokenResp tradovateTokenResponse
	resp, err := b.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&tokenResp).
		Post("/auth/accesstokenrequest")
	if err != nil {
		return nil, fmt.Errorf("tradovate auth request failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("tradovate auth rejected: status %d", resp.StatusCode())
	}
	if tokenResp.ErrorText != "" {
		return nil, fmt.Errorf("tradovate auth rejected: %s", tokenResp.ErrorText)
	}

	expiresAt, err := parseTradovateTime(tokenResp.ExpirationTime)
	if err != nil {
		return nil, err
	}

	return &model.BrokerCredential{
		BrokerID:       BrokerTradovate,
		CredentialType: "oauth",
		AccessToken:    tokenResp.AccessToken,
		ExpiresAt:      expiresAt,
		IsValid:        true,
	}, nil
}

// ValidateCredentials checks the token against the live API.
func (b *TradovateBroker) ValidateCredentials(ctx context.Context, cred *model.BrokerCredential) (bool, error) {
	resp, err := b.http.R().
		SetContext(ctx).
		SetAuthToken(cred.AccessToken).
		Get("/account/list")
	if err != nil {
		return false, err
	}
	return resp.IsSuccess(), nil
}

// RefreshCredentials renews the access token. Tradovate has no refresh token;
// renewal rides on the still-valid access token.
func (b *TradovateBroker) RefreshCredentials(ctx context.Context, cred *model.BrokerCredential) (*model.BrokerCredential, error) {
	var tokenResp tradovateTokenResponse
	resp, err := b.http.R().
		SetContext(ctx).
		SetAuthToken(cred.AccessToken).
		SetResult(&tokenResp).
		Get("/auth/renewaccesstoken")
	if err != nil {
		return nil, fmt.Errorf("tradovate token renewal failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("tradovate token renewal rejected: status %d", resp.StatusCode())
	}
	if tokenResp.ErrorText != "" {
		return nil, fmt.Errorf("tradovate token renewal rejected: %s", tokenResp.ErrorText)
	}
	if tokenResp.AccessToken == "" {
		return nil, errors.New("tradovate token renewal returned empty token")
	}

	expiresAt, err := parseTradovateTime(tokenResp.ExpirationTime)
	if err != nil {
		return nil, err
	}

	refreshed := *cred
	refreshed.AccessToken = tokenResp.AccessToken
	refreshed.ExpiresAt = expiresAt
	refreshed.IsValid = true

	return &refreshed, nil
}

func (b *TradovateBroker) GetAccountStatus(ctx context.Context, account *model.BrokerAccount, cred *model.BrokerCredential) (*AccountStatus, error) {
	var accounts []tradovateAccount
	resp, err := b.http.R().
		SetContext(ctx).
		SetAuthToken(cred.AccessToken).
		SetResult(&accounts).
		Get("/account/list")
	if err != nil {
		return nil, fmt.Errorf("tradovate account list failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("tradovate account list rejected: status %d", resp.StatusCode())
	}

	for _, acc := range accounts {
		if acc.Name != account.AccountID {
			continue
		}

		status := &AccountStatus{
			Status:    strings.ToLower(acc.TradingState),
			Tradeable: acc.Active,
		}
		if acc.TradingState != "" && !strings.EqualFold(acc.TradingState, "active") {
			status.Tradeable = false
		}
		if status.Status == "" && acc.Active {
			status.Status = "active"
		}

		var balance tradovateCashBalance
		balResp, balErr := b.http.R().
			SetContext(ctx).
			SetAuthToken(cred.AccessToken).
			SetBody(map[string]interface{}{"accountId": acc.ID}).
			SetResult(&balance).
			Post("/cashBalance/getCashBalanceSnapshot")
		if balErr == nil && balResp.IsSuccess() {
			status.AvailableMargin = decimal.NewFromFloat(balance.Amount)
			status.DayPnL = decimal.NewFromFloat(balance.RealizedPnL)
		}

		return status, nil
	}

	return nil, fmt.Errorf("tradovate account %q not found", account.AccountID)
}

func (b *TradovateBroker) GetPositions(ctx context.Context, account *model.BrokerAccount, cred *model.BrokerCredential) ([]Position, error) {
	var raw []tradovatePosition
	resp, err := b.http.R().
		SetContext(ctx).
		SetAuthToken(cred.AccessToken).
		SetResult(&raw).
		Get("/position/list")
	if err != nil {
		return nil, fmt.Errorf("tradovate position list failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("tradovate position list rejected: status %d", resp.StatusCode())
	}

	positions := make([]Position, 0, len(raw))
	for _, p := range raw {
		if p.NetPos == 0 {
			continue
		}
		positions = append(positions, Position{
			Symbol:   p.Symbol,
			Quantity: p.NetPos,
			AvgPrice: p.NetPrice,
		})
	}
	return positions, nil
}

func (b *TradovateBroker) PlaceOrder(ctx context.Context, account *model.BrokerAccount, cred *model.BrokerCredential, order OrderRequest) (*OrderResult, error) {
	action := "Buy"
	if order.Side == OrderSideSell {
		action = "Sell"
	}

	clientID := order.ClientOrderID
	if clientID == "" {
		clientID = uuid.NewString()
	}

	body := map[string]interface{}{
		"accountSpec": account.AccountID,
		"action":      action,
		"symbol":      order.Symbol,
		"orderQty":    order.Quantity,
		"orderType":   toTradovateOrderType(order.Type),
		"timeInForce": order.TimeInForce,
		"isAutomated": true,
		"clOrdId":     clientID,
	}
	if order.Price != nil {
		body["price"] = *order.Price
	}

	var orderResp tradovateOrderResponse
	resp, err := b.http.R().
		SetContext(ctx).
		SetAuthToken(cred.AccessToken).
		SetBody(body).
		SetResult(&orderResp).
		Post("/order/placeorder")
	if err != nil {
		return nil, fmt.Errorf("tradovate order placement failed: %w", err)
	}
	if resp.StatusCode() == 401 || resp.StatusCode() == 403 {
		return nil, fmt.Errorf("tradovate order rejected: %w", ErrUnauthorized)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("tradovate order rejected: status %d", resp.StatusCode())
	}
	if orderResp.FailureReason != "" {
		return nil, fmt.Errorf("tradovate order rejected: %s (%s)", orderResp.FailureReason, orderResp.FailureText)
	}

	logger.WithFields(map[string]interface{}{
		"broker":   BrokerTradovate,
		"account":  account.AccountID,
		"symbol":   order.Symbol,
		"side":     order.Side,
		"order_id": orderResp.OrderID,
	}).Info("Order placed")

	return &OrderResult{
		OrderID:        fmt.Sprintf("%d", orderResp.OrderID),
		Status:         OrderStatusFilled,
		FilledQuantity: order.Quantity,
		PlacedAt:       time.Now().UTC(),
	}, nil
}

func (b *TradovateBroker) CancelOrder(ctx context.Context, account *model.BrokerAccount, cred *model.BrokerCredential, orderID string) error {
	resp, err := b.http.R().
		SetContext(ctx).
		SetAuthToken(cred.AccessToken).
		SetBody(map[string]interface{}{"orderId": orderID}).
		Post("/order/cancelorder")
	if err != nil {
		return fmt.Errorf("tradovate order cancel failed: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("tradovate order cancel rejected: status %d", resp.StatusCode())
	}
	return nil
}

func toTradovateOrderType(orderType string) string {
	switch orderType {
	case OrderTypeLimit:
		return "Limit"
	default:
		return "Market"
	}
}

func parseTradovateTime(value string) (time.Time, error) {
	if value == "" {
		// Fall back to the configured lifetime when the API omits expiry.
		return time.Now().UTC().Add(DefaultTokenSettings()[BrokerTradovate].TokenLifetime), nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("unparseable tradovate expiry %q: %w", value, err)
	}
	return t.UTC(), nil
}
