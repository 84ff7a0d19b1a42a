package core

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidOrder     = errors.New("invalid order")
	ErrBelowMinQty      = errors.New("size below min")
	ErrBelowMinNotional = errors.New("notional below min")
)

// NormalizeOrder rounds size and price down to the pair's steps and checks the minimums.
func NormalizeOrder(req OrderRequest, rules Rules) (OrderRequest, error) {
	if req.Side != Buy && req.Side != Sell {
		return req, ErrInvalidOrder
	}
	if req.Size.Cmp(decimal.Zero) <= 0 {
		return req, ErrInvalidOrder
	}
	if rules.QtyStep.Cmp(decimal.Zero) > 0 {
		req.Size = RoundDown(req.Size, rules.QtyStep)
	}
	if req.Size.Cmp(decimal.Zero) <= 0 {
		return req, ErrInvalidOrder
	}
	if rules.MinQty.Cmp(decimal.Zero) > 0 && req.Size.Cmp(rules.MinQty) < 0 {
		return req, ErrBelowMinQty
	}
	switch req.Type {
	case Market:
		req.Price = decimal.Zero
		return req, nil
	case Limit:
	default:
		return req, ErrInvalidOrder
	}
	if req.Price.Cmp(decimal.Zero) <= 0 {
		return req, ErrInvalidOrder
	}
	if rules.PriceTick.Cmp(decimal.Zero) > 0 {
		req.Price = RoundDown(req.Price, rules.PriceTick)
	}
	if req.Price.Cmp(decimal.Zero) <= 0 {
		return req, ErrInvalidOrder
	}
	if rules.MinNotional.Cmp(decimal.Zero) > 0 {
		notional := req.Price.Mul(req.Size)
		if notional.Cmp(rules.MinNotional) < 0 {
			return req, ErrBelowMinNotional
		}
	}
	return req, nil
}

func RoundDown(value, step decimal.Decimal) decimal.Decimal {
	if step.Cmp(decimal.Zero) <= 0 {
		return value
	}
	return value.Div(step).Floor().Mul(step)
}
