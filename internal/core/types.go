package core

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

type OrderType string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

const (
	Limit  OrderType = "limit"
	Market OrderType = "market"
)

// OrderRequest is what the host submits; the reconciler turns it into a TrackedOrder.
type OrderRequest struct {
	Pair  string
	Side  Side
	Type  OrderType
	Size  decimal.Decimal
	Price decimal.Decimal
}

type TrackedOrder struct {
	ClientOrderID   string          `json:"client_order_id"`
	ExchangeOrderID string          `json:"exchange_order_id,omitempty"`
	Pair            string          `json:"pair"`
	Side            Side            `json:"side"`
	Type            OrderType       `json:"type"`
	Price           decimal.Decimal `json:"price"`
	Size            decimal.Decimal `json:"size"`
	FilledSize      decimal.Decimal `json:"filled_size"`
	State           OrderState      `json:"state"`
	CreatedAt       time.Time       `json:"created_at"`
	LastUpdate      time.Time       `json:"last_update"`
}

func (o TrackedOrder) IsDone() bool {
	return o.State.IsTerminal()
}

// OrderUpdate is a poll-derived state report for one order.
type OrderUpdate struct {
	ClientOrderID   string
	ExchangeOrderID string
	Pair            string
	RawStatus       string
	State           OrderState
	Price           decimal.Decimal
	Timestamp       time.Time
}

// OrderEvent is a stream-derived order report. Fill is set when the event carries an execution.
type OrderEvent struct {
	ClientOrderID   string
	ExchangeOrderID string
	Pair            string
	Side            Side
	RawStatus       string
	Fill            *Fill
	Timestamp       time.Time
}

type Fill struct {
	TradeID         string          `json:"trade_id"`
	ClientOrderID   string          `json:"client_order_id,omitempty"`
	ExchangeOrderID string          `json:"exchange_order_id"`
	Pair            string          `json:"pair"`
	Side            Side            `json:"side"`
	Price           decimal.Decimal `json:"price"`
	Size            decimal.Decimal `json:"size"`
	Fee             decimal.Decimal `json:"fee"`
	FeeAsset        string          `json:"fee_asset,omitempty"`
	Time            time.Time       `json:"time"`
}

// PublicTrade is a normalized public trade print. Timestamp is in seconds.
type PublicTrade struct {
	Pair      string          `json:"pair"`
	Price     decimal.Decimal `json:"price"`
	Size      decimal.Decimal `json:"size"`
	Side      Side            `json:"side"`
	Timestamp float64         `json:"timestamp"`
}

type Rules struct {
	MinQty      decimal.Decimal
	MinNotional decimal.Decimal
	PriceTick   decimal.Decimal
	QtyStep     decimal.Decimal
}

// Balances maps coin name to available amount.
type Balances map[string]decimal.Decimal

type Fees struct {
	Maker decimal.Decimal
	Taker decimal.Decimal
}

var DefaultFees = Fees{
	Maker: decimal.RequireFromString("0.0002"),
	Taker: decimal.RequireFromString("0.0006"),
}
