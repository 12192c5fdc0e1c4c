package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// TimeInForce is the order lifetime policy.
type TimeInForce string

const (
	TIFImmediateOrCancel TimeInForce = "IOC"
	TIFGoodTillCancelled TimeInForce = "GTC"
)

// OrderStatus tracks the gateway-reported order state.
type OrderStatus string

const (
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusOpen            OrderStatus = "OPEN"
)

// RejectReason distinguishes retryable gateway rejects from terminal ones.
type RejectReason string

const (
	RejectTemporary RejectReason = "TEMPORARY"
	RejectPermanent RejectReason = "PERMANENT"
)

// OrderRequest is the parameter set for gateway order submission. Prices and
// sizes are decimal end to end; float never appears in fill arithmetic.
type OrderRequest struct {
	TokenID        string
	Side           OrderSide
	LimitPrice     decimal.Decimal
	Size           decimal.Decimal
	TimeInForce    TimeInForce
	MaxSlippageBps int64
	Strategy       string
}

// OrderResult is the gateway's response to a submission. An IOC that does
// not fill comes back REJECTED, never OPEN.
type OrderResult struct {
	OrderID      string
	Status       OrderStatus
	FilledSize   decimal.Decimal
	AvgPrice     decimal.Decimal
	RejectReason RejectReason
	SubmittedAt  time.Time
}

// Filled reports whether any quantity executed.
func (r OrderResult) Filled() bool {
	return r.FilledSize.IsPositive()
}

// FullyFilled reports whether the gateway reported a complete fill.
func (r OrderResult) FullyFilled() bool {
	return r.Status == OrderStatusFilled
}

// Retryable reports whether a reject may be retried.
func (r OrderResult) Retryable() bool {
	return r.Status == OrderStatusRejected && r.RejectReason == RejectTemporary
}
