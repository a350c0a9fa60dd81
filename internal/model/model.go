// Package model defines the core domain types shared across the ledger engine.
// All monetary values use shopspring/decimal; never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// MoneyScale is the number of decimal places kept for accrued amounts.
const MoneyScale int32 = 8

// Account holds a customer's spendable funds. Balance is only ever changed
// through the balance package; no other component assigns it directly.
type Account struct {
	ID             string          `json:"id" db:"id"`
	Balance        decimal.Decimal `json:"balance" db:"balance"`
	InitialBalance decimal.Decimal `json:"initial_balance" db:"initial_balance"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
}

// Ledger entry reasons.
const (
	ReasonDeposit         = "deposit"
	ReasonMarginReserve   = "margin_reserve"
	ReasonPositionClose   = "position_close"
	ReasonPositionCancel  = "position_cancel"
	ReasonPayout          = "investment_payout"
	ReasonPrincipalReturn = "principal_return"
)

// LedgerEntry is an immutable record of one committed balance change.
// Once created, these are never modified or deleted.
type LedgerEntry struct {
	ID           string          `json:"id" db:"id"`
	AccountID    string          `json:"account_id" db:"account_id"`
	Delta        decimal.Decimal `json:"delta" db:"delta"` // signed: +credit, -debit
	BalanceAfter decimal.Decimal `json:"balance_after" db:"balance_after"`
	Reason       string          `json:"reason" db:"reason"`
	ReferenceID  string          `json:"reference_id" db:"reference_id"`
	Timestamp    time.Time       `json:"timestamp" db:"timestamp"`
}

// InvestmentPlan is read-only catalog data supplied by the plan collaborator.
type InvestmentPlan struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	MinAmount       decimal.Decimal `json:"min_amount"`
	MaxAmount       decimal.Decimal `json:"max_amount"`
	ROIPercent      decimal.Decimal `json:"roi_percent"`
	DurationDays    int             `json:"duration_days"`
	ReturnPrincipal bool            `json:"return_principal"`
}

// InvestmentStatus is the lifecycle state of an investment.
type InvestmentStatus string

const (
	InvestmentPending   InvestmentStatus = "pending"
	InvestmentActive    InvestmentStatus = "active"
	InvestmentCompleted InvestmentStatus = "completed"
	InvestmentCancelled InvestmentStatus = "cancelled"
)

// Investment is a fixed-term yield investment. Only the accrual engine
// mutates Status and TotalEarned.
type Investment struct {
	ID              string           `json:"id" db:"id"`
	AccountID       string           `json:"account_id" db:"account_id"`
	PlanID          string           `json:"plan_id" db:"plan_id"`
	Principal       decimal.Decimal  `json:"principal" db:"principal"`
	ROIPercent      decimal.Decimal  `json:"roi_percent" db:"roi_percent"`
	DurationDays    int              `json:"duration_days" db:"duration_days"`
	ReturnPrincipal bool             `json:"return_principal" db:"return_principal"`
	Status          InvestmentStatus `json:"status" db:"status"`
	StartDate       *time.Time       `json:"start_date,omitempty" db:"start_date"`
	EndDate         *time.Time       `json:"end_date,omitempty" db:"end_date"`
	LastPayoutDate  *time.Time       `json:"last_payout_date,omitempty" db:"last_payout_date"`
	NextPayoutDate  *time.Time       `json:"next_payout_date,omitempty" db:"next_payout_date"`
	TotalEarned     decimal.Decimal  `json:"total_earned" db:"total_earned"`
	CreatedAt       time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at" db:"updated_at"`
}

// TotalPossible is the accrual cap: principal × roiPercent / 100.
func (inv *Investment) TotalPossible() decimal.Decimal {
	return inv.Principal.Mul(inv.ROIPercent).Div(decimal.NewFromInt(100))
}

// Side is the direction of a trade position.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether s is a known side.
func (s Side) Valid() bool { return s == SideBuy || s == SideSell }

// PositionStatus is the lifecycle state of a trade position.
type PositionStatus string

const (
	PositionOpen      PositionStatus = "open"
	PositionClosed    PositionStatus = "closed"
	PositionCancelled PositionStatus = "cancelled"
)

// TradePosition is a leveraged position with margin reserved from the
// account. Closed and cancelled are terminal.
type TradePosition struct {
	ID          string           `json:"id" db:"id"`
	AccountID   string           `json:"account_id" db:"account_id"`
	Symbol      string           `json:"symbol" db:"symbol"`
	Side        Side             `json:"side" db:"side"`
	Size        decimal.Decimal  `json:"size" db:"size"`
	EntryPrice  decimal.Decimal  `json:"entry_price" db:"entry_price"`
	Leverage    int              `json:"leverage" db:"leverage"`
	StopLoss    *decimal.Decimal `json:"stop_loss,omitempty" db:"stop_loss"`
	TakeProfit  *decimal.Decimal `json:"take_profit,omitempty" db:"take_profit"`
	Status      PositionStatus   `json:"status" db:"status"`
	ClosePrice  *decimal.Decimal `json:"close_price,omitempty" db:"close_price"`
	RealizedPnL *decimal.Decimal `json:"realized_pnl,omitempty" db:"realized_pnl"`
	Liquidated  bool             `json:"liquidated" db:"liquidated"`
	OpenedAt    time.Time        `json:"opened_at" db:"opened_at"`
	ClosedAt    *time.Time       `json:"closed_at,omitempty" db:"closed_at"`
}

// Margin is the amount reserved at open: size × entryPrice.
func (p *TradePosition) Margin() decimal.Decimal {
	return p.Size.Mul(p.EntryPrice)
}

// BalanceChanged is emitted after a committed balance change.
type BalanceChanged struct {
	AccountID   string          `json:"account_id"`
	NewBalance  decimal.Decimal `json:"new_balance"`
	Delta       decimal.Decimal `json:"delta"`
	Reason      string          `json:"reason"`
	ReferenceID string          `json:"reference_id"`
	At          time.Time       `json:"at"`
}
