package model

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	StrategyTypeSingle   = "single"
	StrategyTypeMultiple = "multiple"
)

// ActivatedStrategy binds a webhook signal to one or more trading accounts
// with fixed order quantities. strategy_type is 'single' (one account) or
// 'multiple' (one leader plus followers, see StrategyFollower).
type ActivatedStrategy struct {
	ID           uint   `gorm:"primaryKey" json:"id"`
	UserID       uint   `gorm:"not null;index" json:"user_id"`
	StrategyType string `gorm:"size:20;not null" json:"strategy_type"`
	WebhookID    string `gorm:"size:64;index" json:"webhook_id"` // webhook token
	Ticker       string `gorm:"size:10;not null" json:"ticker"`

	// Single strategy fields
	AccountID *uint `json:"account_id,omitempty"`
	Quantity  int   `json:"quantity"`

	// Multiple strategy fields
	LeaderAccountID *uint  `json:"leader_account_id,omitempty"`
	LeaderQuantity  int    `json:"leader_quantity"`
	GroupName       string `gorm:"size:100" json:"group_name,omitempty"`

	IsActive      bool       `gorm:"not null;default:true" json:"is_active"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	LastTriggered *time.Time `json:"last_triggered,omitempty"`

	// Performance counters, mutated only by the strategy processor after an
	// order attempt resolves.
	TotalTrades      int             `gorm:"not null;default:0" json:"total_trades"`
	SuccessfulTrades int             `gorm:"not null;default:0" json:"successful_trades"`
	FailedTrades     int             `gorm:"not null;default:0" json:"failed_trades"`
	TotalPnL         decimal.Decimal `gorm:"type:numeric(10,2);default:0" json:"total_pnl"`
	WinRate          decimal.Decimal `gorm:"type:numeric(5,2)" json:"win_rate"`

	// Risk management
	MaxPositionSize int             `json:"max_position_size"`
	MaxDailyLoss    decimal.Decimal `gorm:"type:numeric(10,2)" json:"max_daily_loss"`

	Followers []StrategyFollower `gorm:"foreignKey:StrategyID" json:"followers,omitempty"`
	Account   *BrokerAccount     `gorm:"foreignKey:AccountID" json:"account,omitempty"`
}

func (ActivatedStrategy) TableName() string {
	return "activated_strategies"
}

// RecordTrade updates the running counters after an order attempt resolves.
func (s *ActivatedStrategy) RecordTrade(success bool, pnl decimal.Decimal) {
	s.TotalTrades++
	if success {
		s.SuccessfulTrades++
		s.TotalPnL = s.TotalPnL.Add(pnl)
	} else {
		s.FailedTrades++
	}
	if s.TotalTrades > 0 {
		s.WinRate = decimal.NewFromInt(int64(s.SuccessfulTrades)).
			Div(decimal.NewFromInt(int64(s.TotalTrades))).
			Mul(decimal.NewFromInt(100)).
			Round(2)
	}
}

// StrategyFollower is the association row carrying a follower account and its
// own order quantity for a 'multiple' strategy.
type StrategyFollower struct {
	ID         uint `gorm:"primaryKey" json:"id"`
	StrategyID uint `gorm:"not null;index:idx_strategy_follower,unique" json:"strategy_id"`
	AccountID  uint `gorm:"not null;index:idx_strategy_follower,unique" json:"account_id"`
	Quantity   int  `gorm:"not null" json:"quantity"`

	Strategy *ActivatedStrategy `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	Account  *BrokerAccount     `gorm:"foreignKey:AccountID" json:"account,omitempty"`
}

func (StrategyFollower) TableName() string {
	return "strategy_follower_quantities"
}
