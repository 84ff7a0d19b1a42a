package exchange

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"bitget-spot/internal/core"
	"bitget-spot/internal/orderbook"
)

type Placement struct {
	ExchangeOrderID string
	AcceptedAt      time.Time
}

// OrderAPI is the trading surface the reconciler drives.
type OrderAPI interface {
	Rules(ctx context.Context, pair string) (core.Rules, error)
	PlaceOrder(ctx context.Context, clientOrderID string, req core.OrderRequest) (Placement, error)
	CancelOrder(ctx context.Context, pair, exchangeOrderID string) (bool, error)
	OrderStatus(ctx context.Context, exchangeOrderID string) (string, error)
	OrderPrice(ctx context.Context, exchangeOrderID string) (decimal.Decimal, error)
}

type MarketDataFeed interface {
	FetchSnapshot(ctx context.Context, pair string) (orderbook.Snapshot, error)
	RunSubscription(ctx context.Context, pairs []string) error
	DrainTrades(ctx context.Context, out chan<- core.PublicTrade) error
	DrainOrderBook(ctx context.Context, out chan<- orderbook.Snapshot) error
}

type UserStream interface {
	Run(ctx context.Context) error
}
