// Package risk holds the pre-trade checks the strategy processor runs before
// an order ever reaches a broker. Violations are configuration outcomes, not
// transient faults: they are reported once and never retried.
package risk

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"signalbridge/src/brokers"
	"signalbridge/src/model"
)

// Violation describes a rejected order. Reason is machine-readable, Detail is
// for the audit log.
type Violation struct {
	Reason string
	Detail string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("risk check failed (%s): %s", v.Reason, v.Detail)
}

const (
	ReasonPositionSize = "max_position_size"
	ReasonDailyLoss    = "max_daily_loss"
)

// CheckPositionSize rejects an order whose resulting absolute exposure in the
// strategy's ticker would exceed max_position_size. A zero limit disables the
// check.
func CheckPositionSize(strategy *model.ActivatedStrategy, positions []brokers.Position, order brokers.OrderRequest) *Violation {
	if strategy.MaxPositionSize <= 0 {
		return nil
	}

	current := 0.0
	for _, p := range positions {
		if p.Symbol == order.Symbol {
			current += p.Quantity
		}
	}

	signed := float64(order.Quantity)
	if order.Side == brokers.OrderSideSell {
		signed = -signed
	}

	resulting := math.Abs(current + signed)
	if resulting > float64(strategy.MaxPositionSize) {
		return &Violation{
			Reason: ReasonPositionSize,
			Detail: fmt.Sprintf("resulting position %.0f exceeds limit %d for %s", resulting, strategy.MaxPositionSize, order.Symbol),
		}
	}
	return nil
}

// CheckDailyLoss rejects new orders once the account's realized day loss
// crosses max_daily_loss. The limit is stored positive; day PnL is compared
// against its negation.
func CheckDailyLoss(strategy *model.ActivatedStrategy, dayPnL decimal.Decimal) *Violation {
	if strategy.MaxDailyLoss.IsZero() {
		return nil
	}

	if dayPnL.LessThanOrEqual(strategy.MaxDailyLoss.Neg()) {
		return &Violation{
			Reason: ReasonDailyLoss,
			Detail: fmt.Sprintf("day pnl %s breaches daily loss limit %s", dayPnL, strategy.MaxDailyLoss),
		}
	}
	return nil
}
