// Package exchange defines what the trading loop needs from a venue: market
// data, order execution and the authoritative trade ledger.
package exchange

import (
	"context"
	"errors"
	"time"

	"convergence-trading-bot/internal/market"

	"github.com/shopspring/decimal"
)

// Side of a trade or order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderStatus is the normalized lifecycle state of a submitted order.
type OrderStatus string

const (
	OrderPending  OrderStatus = "pending"
	OrderPartial  OrderStatus = "partial"
	OrderFilled   OrderStatus = "filled"
	OrderRejected OrderStatus = "rejected" // rejected, cancelled or expired
)

// Terminal reports whether the order can no longer change.
func (s OrderStatus) Terminal() bool {
	return s == OrderFilled || s == OrderRejected
}

// ErrOrderNotFound is returned when the venue does not know an order id.
var ErrOrderNotFound = errors.New("order not found")

// Trade is one fill from the account ledger. The ledger may return the same
// trade more than once across calls; ID is stable.
type Trade struct {
	ID     string          `json:"id"`
	Time   time.Time       `json:"time"`
	Side   Side            `json:"side"`
	Volume decimal.Decimal `json:"volume"`
	Price  decimal.Decimal `json:"price"`
	Cost   decimal.Decimal `json:"cost"`
	Fee    decimal.Decimal `json:"fee"`
}

// Holdings is the account balance of the traded asset.
type Holdings struct {
	Asset  string          `json:"asset"`
	Free   decimal.Decimal `json:"free"`
	Locked decimal.Decimal `json:"locked"`
}

// Total is free plus locked.
func (h Holdings) Total() decimal.Decimal {
	return h.Free.Add(h.Locked)
}

// MarketDataSource supplies bars and the latest traded price.
type MarketDataSource interface {
	FetchWindow(ctx context.Context, since time.Time) ([]market.Sample, error)
	CurrentPrice(ctx context.Context) (float64, error)
}

// ExecutionGateway submits and tracks orders.
type ExecutionGateway interface {
	SubmitEntry(ctx context.Context, size decimal.Decimal, priceHint float64) (string, error)
	SubmitExit(ctx context.Context, size decimal.Decimal, priceHint float64) (string, error)
	OrderStatus(ctx context.Context, orderID string) (OrderStatus, error)
	Cancel(ctx context.Context, orderID string) error
}

// Ledger exposes the account's trade history and balances.
type Ledger interface {
	GetTradesHistory(ctx context.Context, start time.Time) ([]Trade, error)
	GetBalance(ctx context.Context) (Holdings, error)
}

// Exchange is a venue implementing every collaborator the loop needs.
type Exchange interface {
	MarketDataSource
	ExecutionGateway
	Ledger
}
