package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position is one agent's holding in a single token. It is created on fill,
// updated on partial fills and mark-to-market, and closed on exit.
type Position struct {
	Agent      string
	TokenID    string
	Entity     string // underlying entity for exposure grouping, e.g. "Bitcoin"
	Side       OrderSide
	Size       decimal.Decimal
	EntryPrice decimal.Decimal
	MarkPrice  decimal.Decimal
	OpenedAt   time.Time
	StopLoss   *decimal.Decimal
	MaxHold    time.Duration // 0 means no hold limit
}

// Notional returns the position's USD exposure at entry.
func (p Position) Notional() decimal.Decimal {
	return p.Size.Mul(p.EntryPrice)
}

// UnrealizedPnL returns mark-to-market profit against the entry price.
func (p Position) UnrealizedPnL() decimal.Decimal {
	if p.MarkPrice.IsZero() {
		return decimal.Zero
	}
	diff := p.MarkPrice.Sub(p.EntryPrice)
	if p.Side == OrderSideSell {
		diff = diff.Neg()
	}
	return diff.Mul(p.Size)
}

// StrategyMetrics is the per-strategy trading record kept in the ledger.
type StrategyMetrics struct {
	Trades      int64
	Wins        int64
	Losses      int64
	RealizedPnL decimal.Decimal
	UpdatedAt   time.Time
}
