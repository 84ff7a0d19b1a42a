package safety

import (
	"context"

	"github.com/shopspring/decimal"

	"bitget-spot/internal/core"
	"bitget-spot/internal/exchange"
)

// GuardedOrderAPI refuses place and cancel calls while their circuit is open and
// records the outcome of every call it lets through.
type GuardedOrderAPI struct {
	inner   exchange.OrderAPI
	breaker *Breaker
}

func NewGuardedOrderAPI(inner exchange.OrderAPI, breaker *Breaker) *GuardedOrderAPI {
	return &GuardedOrderAPI{inner: inner, breaker: breaker}
}

func (g *GuardedOrderAPI) Rules(ctx context.Context, pair string) (core.Rules, error) {
	return g.inner.Rules(ctx, pair)
}

// PlaceOrder only counts transport failures; an exchange rejection means the
// venue is reachable and does not move the circuit toward open.
func (g *GuardedOrderAPI) PlaceOrder(ctx context.Context, clientOrderID string, req core.OrderRequest) (exchange.Placement, error) {
	if err := g.breaker.Allow(ActionPlace); err != nil {
		return exchange.Placement{}, err
	}
	placed, err := g.inner.PlaceOrder(ctx, clientOrderID, req)
	outcome := err
	if core.IsRejection(err) {
		outcome = nil
	}
	if trip := g.breaker.Record(ActionPlace, outcome); trip != nil {
		return placed, trip
	}
	return placed, err
}

func (g *GuardedOrderAPI) CancelOrder(ctx context.Context, pair, exchangeOrderID string) (bool, error) {
	if err := g.breaker.Allow(ActionCancel); err != nil {
		return false, err
	}
	ok, err := g.inner.CancelOrder(ctx, pair, exchangeOrderID)
	if trip := g.breaker.Record(ActionCancel, err); trip != nil {
		return false, trip
	}
	return ok, err
}

func (g *GuardedOrderAPI) OrderStatus(ctx context.Context, exchangeOrderID string) (string, error) {
	return g.inner.OrderStatus(ctx, exchangeOrderID)
}

func (g *GuardedOrderAPI) OrderPrice(ctx context.Context, exchangeOrderID string) (decimal.Decimal, error) {
	return g.inner.OrderPrice(ctx, exchangeOrderID)
}
