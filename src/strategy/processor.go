// Package strategy turns admitted signals into broker orders: account and
// credential resolution, risk checks, placement, and counter bookkeeping.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"signalbridge/src/brokers"
	"signalbridge/src/model"
	"signalbridge/src/repository"
	"signalbridge/src/risk"
)

var (
	ErrAccountUnavailable    = errors.New("broker account missing or not tradeable")
	ErrCredentialUnavailable = errors.New("broker credential missing or invalid")
	ErrStrategyMisconfigured = errors.New("strategy configuration incomplete")
)

// CredentialSource is the slice of the credential repository the processor
// needs.
type CredentialSource interface {
	GetByAccount(ctx context.Context, accountID uint) (*model.BrokerCredential, error)
}

// TokenKeeper guarantees a credential is refreshed before use.
type TokenKeeper interface {
	RefreshIfNeeded(ctx context.Context, credentialID uint) bool
}

// TokenInvalidator marks a credential terminally bad when the broker rejects
// it outside the refresh path.
type TokenInvalidator interface {
	InvalidateToken(ctx context.Context, credentialID uint, cause string) error
}

// OrderOutcome is one successful placement inside an execution.
type OrderOutcome struct {
	StrategyID  uint            `json:"strategy_id"`
	AccountID   uint            `json:"account_id"`
	OrderID     string          `json:"order_id"`
	Symbol      string          `json:"symbol"`
	Side        string          `json:"side"`
	Quantity    int             `json:"quantity"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
}

// ExecutionError is one failed account inside a fan-out. Kept per account so
// a partially failed group run stays diagnosable.
type ExecutionError struct {
	AccountID uint   `json:"account_id"`
	Reason    string `json:"reason"`
}

// Result aggregates a strategy execution. For group strategies both slices
// can be non-empty at once; that is a partial success, not a failure.
type Result struct {
	StrategyID uint             `json:"strategy_id"`
	Results    []OrderOutcome   `json:"results"`
	Errors     []ExecutionError `json:"errors"`
}

type Processor struct {
	accounts    repository.AccountRepository
	credentials CredentialSource
	strategies  repository.StrategyRepository
	registry    *brokers.Registry
	tokens      TokenKeeper
	invalidator TokenInvalidator
}

func NewProcessor(
	accounts repository.AccountRepository,
	credentials CredentialSource,
	strategies repository.StrategyRepository,
	registry *brokers.Registry,
	tokens TokenKeeper,
) *Processor {
	return &Processor{
		accounts:    accounts,
		credentials: credentials,
		strategies:  strategies,
		registry:    registry,
		tokens:      tokens,
	}
}

// WithInvalidator makes the processor invalidate a credential when the broker
// answers a placement with an authorization failure.
func (p *Processor) WithInvalidator(invalidator TokenInvalidator) *Processor {
	p.invalidator = invalidator
	return p
}

// Execute runs one strategy against an admitted signal. Single strategies
// return their error directly; group strategies isolate per-follower failures
// into the result's Errors list and only return an error when the leader
// itself cannot be resolved.
func (p *Processor) Execute(ctx context.Context, st *model.ActivatedStrategy, action string, price *float64) (*Result, error) {
	switch st.StrategyType {
	case model.StrategyTypeSingle:
		return p.executeSingle(ctx, st, action, price)
	case model.StrategyTypeMultiple:
		return p.executeGroup(ctx, st, action, price)
	default:
		return nil, fmt.Errorf("%w: unknown strategy type %q", ErrStrategyMisconfigured, st.StrategyType)
	}
}

func (p *Processor) executeSingle(ctx context.Context, st *model.ActivatedStrategy, action string, price *float64) (*Result, error) {
	if st.AccountID == nil {
		return nil, fmt.Errorf("%w: single strategy %d has no account", ErrStrategyMisconfigured, st.ID)
	}

	outcome, attempted, err := p.executeAccount(ctx, st, *st.AccountID, st.Quantity, action, price)
	if attempted {
		p.recordAndSave(ctx, st, err == nil, outcome)
	}
	if err != nil {
		return nil, err
	}

	return &Result{
		StrategyID: st.ID,
		Results:    []OrderOutcome{*outcome},
	}, nil
}

// executeGroup runs the leader first, then each follower sequentially. One
// follower's failure never stops the rest.
func (p *Processor) executeGroup(ctx context.Context, st *model.ActivatedStrategy, action string, price *float64) (*Result, error) {
	if st.LeaderAccountID == nil {
		return nil, fmt.Errorf("%w: group strategy %d has no leader account", ErrStrategyMisconfigured, st.ID)
	}

	result := &Result{StrategyID: st.ID}

	outcome, attempted, err := p.executeAccount(ctx, st, *st.LeaderAccountID, st.LeaderQuantity, action, price)
	if attempted {
		st.RecordTrade(err == nil, outcomePnL(outcome))
	}
	if err != nil {
		result.Errors = append(result.Errors, ExecutionError{AccountID: *st.LeaderAccountID, Reason: err.Error()})
	} else {
		result.Results = append(result.Results, *outcome)
	}

	followers, err := p.strategies.ListFollowers(ctx, st.ID)
	if err != nil {
		p.saveCounters(ctx, st)
		return result, fmt.Errorf("listing followers for strategy %d: %w", st.ID, err)
	}

	for _, follower := range followers {
		if ctx.Err() != nil {
			break
		}

		outcome, attempted, err := p.executeAccount(ctx, st, follower.AccountID, follower.Quantity, action, price)
		if attempted {
			st.RecordTrade(err == nil, outcomePnL(outcome))
		}
		if err != nil {
			logger.WithFields(map[string]interface{}{
				"component":   "StrategyProcessor",
				"strategy_id": st.ID,
				"account_id":  follower.AccountID,
			}).WithError(err).Warn("Follower execution failed")
			result.Errors = append(result.Errors, ExecutionError{AccountID: follower.AccountID, Reason: err.Error()})
			continue
		}
		result.Results = append(result.Results, *outcome)
	}

	p.saveCounters(ctx, st)

	return result, nil
}

// executeAccount runs the per-account pipeline. attempted reports whether the
// order reached the placement stage: risk rejections and resolution failures
// happen before that and must not touch the strategy counters.
func (p *Processor) executeAccount(ctx context.Context, st *model.ActivatedStrategy, accountID uint, quantity int, action string, price *float64) (outcome *OrderOutcome, attempted bool, err error) {
	account, err := p.accounts.FindByID(ctx, accountID)
	if err != nil {
		return nil, false, err
	}
	if account == nil || !account.Tradeable() {
		return nil, false, fmt.Errorf("%w: account %d", ErrAccountUnavailable, accountID)
	}

	cred, err := p.credentials.GetByAccount(ctx, accountID)
	if err != nil {
		return nil, false, err
	}
	if cred == nil || !cred.IsValid {
		return nil, false, fmt.Errorf("%w: account %d", ErrCredentialUnavailable, accountID)
	}

	if !p.tokens.RefreshIfNeeded(ctx, cred.ID) {
		return nil, false, fmt.Errorf("%w: credential %d unhealthy", ErrCredentialUnavailable, cred.ID)
	}

	// Re-read after the refresh: the token may have rotated.
	cred, err = p.credentials.GetByAccount(ctx, accountID)
	if err != nil {
		return nil, false, err
	}
	if cred == nil || !cred.IsValid {
		return nil, false, fmt.Errorf("%w: account %d", ErrCredentialUnavailable, accountID)
	}

	broker, err := p.registry.Broker(account.BrokerID)
	if err != nil {
		return nil, false, err
	}

	// The stored status can be stale; the broker snapshot is authoritative
	// for trade-ability.
	status, err := broker.GetAccountStatus(ctx, account, cred)
	if err != nil {
		return nil, false, fmt.Errorf("%w: account %d status check failed: %v", ErrAccountUnavailable, accountID, err)
	}
	if !status.Tradeable {
		return nil, false, fmt.Errorf("%w: account %d reported %q by broker", ErrAccountUnavailable, accountID, status.Status)
	}

	order := brokers.OrderRequest{
		AccountID:     account.AccountID,
		Symbol:        st.Ticker,
		Quantity:      quantity,
		Side:          action,
		Type:          brokers.OrderTypeMarket,
		TimeInForce:   brokers.TimeInForceGTC,
		Price:         price,
		ClientOrderID: uuid.NewString(),
		StrategyID:    st.ID,
	}

	if violation := p.checkRisk(ctx, broker, account, cred, st, status, order); violation != nil {
		logger.WithFields(map[string]interface{}{
			"component":   "StrategyProcessor",
			"strategy_id": st.ID,
			"account_id":  accountID,
			"reason":      violation.Reason,
		}).Warn("Order rejected by risk check")
		return nil, false, violation
	}

	placed, err := broker.PlaceOrder(ctx, account, cred, order)
	if err != nil {
		if errors.Is(err, brokers.ErrUnauthorized) && p.invalidator != nil {
			if invErr := p.invalidator.InvalidateToken(ctx, cred.ID, "broker rejected credentials during order placement"); invErr != nil {
				logger.WithField("credential_id", cred.ID).
					WithError(invErr).Error("Failed to invalidate rejected credential")
			}
		}
		return nil, true, fmt.Errorf("placing order for account %d: %w", accountID, err)
	}

	return &OrderOutcome{
		StrategyID:  st.ID,
		AccountID:   accountID,
		OrderID:     placed.OrderID,
		Symbol:      order.Symbol,
		Side:        order.Side,
		Quantity:    order.Quantity,
		RealizedPnL: placed.RealizedPnL,
	}, true, nil
}

func (p *Processor) checkRisk(ctx context.Context, broker brokers.Broker, account *model.BrokerAccount, cred *model.BrokerCredential, st *model.ActivatedStrategy, status *brokers.AccountStatus, order brokers.OrderRequest) *risk.Violation {
	if st.MaxPositionSize > 0 {
		positions, err := broker.GetPositions(ctx, account, cred)
		if err != nil {
			// Fail closed: without a position snapshot the size limit
			// cannot be enforced.
			return &risk.Violation{
				Reason: risk.ReasonPositionSize,
				Detail: fmt.Sprintf("position snapshot unavailable: %v", err),
			}
		}
		if violation := risk.CheckPositionSize(st, positions, order); violation != nil {
			return violation
		}
	}

	if !st.MaxDailyLoss.IsZero() {
		if violation := risk.CheckDailyLoss(st, status.DayPnL); violation != nil {
			return violation
		}
	}

	return nil
}

func (p *Processor) recordAndSave(ctx context.Context, st *model.ActivatedStrategy, success bool, outcome *OrderOutcome) {
	st.RecordTrade(success, outcomePnL(outcome))
	p.saveCounters(ctx, st)
}

func (p *Processor) saveCounters(ctx context.Context, st *model.ActivatedStrategy) {
	now := time.Now().UTC()
	st.LastTriggered = &now
	if err := p.strategies.SaveCounters(ctx, st); err != nil {
		logger.WithFields(map[string]interface{}{
			"component":   "StrategyProcessor",
			"strategy_id": st.ID,
		}).WithError(err).Error("Failed to persist strategy counters")
	}
}

// outcomePnL is the realized PnL a placement reported, zero for failures.
func outcomePnL(outcome *OrderOutcome) decimal.Decimal {
	if outcome == nil {
		return decimal.Zero
	}
	return outcome.RealizedPnL
}
