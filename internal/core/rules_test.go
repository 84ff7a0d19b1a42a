package core

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestNormalizeOrderLimitRoundsPriceAndSize(t *testing.T) {
	req := OrderRequest{
		Pair:  "BTC-USDT",
		Side:  Buy,
		Type:  Limit,
		Price: decimal.RequireFromString("50000.037"),
		Size:  decimal.RequireFromString("0.123456"),
	}
	rules := Rules{
		MinQty:      decimal.RequireFromString("0.01"),
		MinNotional: decimal.RequireFromString("10"),
		PriceTick:   decimal.RequireFromString("0.01"),
		QtyStep:     decimal.RequireFromString("0.001"),
	}

	got, err := NormalizeOrder(req, rules)
	if err != nil {
		t.Fatalf("NormalizeOrder() error = %v", err)
	}
	if !got.Price.Equal(decimal.RequireFromString("50000.03")) {
		t.Fatalf("unexpected rounded price: %s", got.Price)
	}
	if !got.Size.Equal(decimal.RequireFromString("0.123")) {
		t.Fatalf("unexpected rounded size: %s", got.Size)
	}
}

func TestNormalizeOrderBelowMinQty(t *testing.T) {
	req := OrderRequest{
		Pair:  "BTC-USDT",
		Side:  Buy,
		Type:  Limit,
		Price: decimal.RequireFromString("100"),
		Size:  decimal.RequireFromString("0.009"),
	}
	rules := Rules{
		MinQty: decimal.RequireFromString("0.01"),
	}

	_, err := NormalizeOrder(req, rules)
	if !errors.Is(err, ErrBelowMinQty) {
		t.Fatalf("NormalizeOrder() error = %v, want %v", err, ErrBelowMinQty)
	}
}

func TestNormalizeOrderLimitBelowMinNotional(t *testing.T) {
	req := OrderRequest{
		Pair:  "BTC-USDT",
		Side:  Sell,
		Type:  Limit,
		Price: decimal.RequireFromString("100"),
		Size:  decimal.RequireFromString("0.05"),
	}
	rules := Rules{
		MinNotional: decimal.RequireFromString("6"),
	}

	_, err := NormalizeOrder(req, rules)
	if !errors.Is(err, ErrBelowMinNotional) {
		t.Fatalf("NormalizeOrder() error = %v, want %v", err, ErrBelowMinNotional)
	}
}

func TestNormalizeOrderMarketDropsPrice(t *testing.T) {
	req := OrderRequest{
		Pair:  "BTC-USDT",
		Side:  Buy,
		Type:  Market,
		Price: decimal.RequireFromString("50"),
		Size:  decimal.RequireFromString("1"),
	}
	got, err := NormalizeOrder(req, Rules{MinNotional: decimal.RequireFromString("60")})
	if err != nil {
		t.Fatalf("NormalizeOrder() market error = %v", err)
	}
	if !got.Price.IsZero() {
		t.Fatalf("market price = %s, want 0", got.Price)
	}
}

func TestNormalizeOrderRejectsUnknownSideAndType(t *testing.T) {
	base := OrderRequest{
		Pair:  "BTC-USDT",
		Side:  Buy,
		Type:  Limit,
		Price: decimal.RequireFromString("1"),
		Size:  decimal.RequireFromString("1"),
	}
	badSide := base
	badSide.Side = "hold"
	if _, err := NormalizeOrder(badSide, Rules{}); !errors.Is(err, ErrInvalidOrder) {
		t.Fatalf("NormalizeOrder(bad side) error = %v, want %v", err, ErrInvalidOrder)
	}
	badType := base
	badType.Type = "stop"
	if _, err := NormalizeOrder(badType, Rules{}); !errors.Is(err, ErrInvalidOrder) {
		t.Fatalf("NormalizeOrder(bad type) error = %v, want %v", err, ErrInvalidOrder)
	}
}
