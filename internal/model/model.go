// Package model defines the core domain types shared across the ledger engine.
// All monetary values use shopspring/decimal, never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a trade.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Account holds a user's simulated cash. One per user, created lazily.
type Account struct {
	ID          string          `json:"id" db:"id"`
	UserID      string          `json:"user_id" db:"user_id"`
	CashBalance decimal.Decimal `json:"cash_balance" db:"cash_balance"` // 2dp, never negative
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// Position is a user's holding in one symbol. A row with zero shares never exists.
type Position struct {
	ID        string          `json:"id" db:"id"`
	UserID    string          `json:"user_id" db:"user_id"`
	Symbol    string          `json:"symbol" db:"symbol"`
	Shares    decimal.Decimal `json:"shares" db:"shares"`     // 4dp
	AvgCost   decimal.Decimal `json:"avg_cost" db:"avg_cost"` // 2dp, changed only by buys
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// Trade is an immutable record of an executed market order.
// Once created, these are never modified or deleted.
type Trade struct {
	ID         string          `json:"id" db:"id"`
	UserID     string          `json:"user_id" db:"user_id"`
	Symbol     string          `json:"symbol" db:"symbol"`
	Side       Side            `json:"side" db:"side"`
	Quantity   decimal.Decimal `json:"quantity" db:"quantity"`
	Price      decimal.Decimal `json:"price" db:"price"`
	Notional   decimal.Decimal `json:"notional" db:"notional"` // round2(price * quantity)
	ExecutedAt time.Time       `json:"executed_at" db:"executed_at"`
}

// Snapshot is a persisted net-worth value at a point in time.
type Snapshot struct {
	ID        string          `json:"id" db:"id"`
	UserID    string          `json:"user_id" db:"user_id"`
	NetWorth  decimal.Decimal `json:"net_worth" db:"net_worth"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}

// Quote is the latest market data for a symbol as reported by a quote provider.
// Change is the absolute day-over-day price change.
type Quote struct {
	Symbol        string          `json:"symbol"`
	Current       decimal.Decimal `json:"current"`
	Change        decimal.Decimal `json:"change"`
	PercentChange decimal.Decimal `json:"percent_change"`
	High          decimal.Decimal `json:"high"`
	Low           decimal.Decimal `json:"low"`
	Open          decimal.Decimal `json:"open"`
	PrevClose     decimal.Decimal `json:"prev_close"`
	Timestamp     time.Time       `json:"timestamp"`
}

// Holding is a position enriched with live market data.
type Holding struct {
	Symbol         string          `json:"symbol"`
	Shares         decimal.Decimal `json:"shares"`
	AvgCost        decimal.Decimal `json:"avg_cost"`
	CurrentPrice   decimal.Decimal `json:"current_price"`
	MarketValue    decimal.Decimal `json:"market_value"`
	CostBasis      decimal.Decimal `json:"cost_basis"`
	Gain           decimal.Decimal `json:"gain"`
	GainPercent    decimal.Decimal `json:"gain_percent"`
	DayChange      decimal.Decimal `json:"day_change"`
	QuoteAvailable bool            `json:"quote_available"`
}

// Summary aggregates a user's cash and holdings into net-worth figures.
type Summary struct {
	UserID             string          `json:"user_id"`
	CashBalance        decimal.Decimal `json:"cash_balance"`
	HoldingsValue      decimal.Decimal `json:"holdings_value"`
	NetWorth           decimal.Decimal `json:"net_worth"`
	DailyChange        decimal.Decimal `json:"daily_change"`
	DailyChangePercent decimal.Decimal `json:"daily_change_percent"`
	TotalCostBasis     decimal.Decimal `json:"total_cost_basis"`
	TotalGain          decimal.Decimal `json:"total_gain"`
	TotalGainPercent   decimal.Decimal `json:"total_gain_percent"`
	Holdings           []Holding       `json:"holdings"`
	LastSnapshot       *Snapshot       `json:"last_snapshot,omitempty"`
}
