package bitget

import (
	"strings"

	"bitget-spot/internal/core"
	"bitget-spot/internal/throttle"
)

const (
	DefaultRestURL = "https://api.bitget.com"
	DefaultWSURL   = "wss://ws.bitget.com/spot/v1/stream"
)

const (
	pathServerTime  = "/api/spot/v1/public/time"
	pathProducts    = "/api/spot/v1/public/products"
	pathDepth       = "/api/spot/v1/market/depth"
	pathTicker      = "/api/spot/v1/market/ticker"
	pathAssets      = "/api/spot/v1/account/assets"
	pathPlaceOrder  = "/api/spot/v1/trade/orders"
	pathCancelOrder = "/api/spot/v1/trade/cancel-order"
	pathOrderInfo   = "/api/spot/v1/trade/order-info"
	pathFills       = "/api/spot/v1/trade/fills"

	wsVerifyPath = "/user/verify"
)

const (
	ChannelDepth   = "depth"
	ChannelTrade   = "trade"
	ChannelTicker  = "ticker"
	ChannelPrivate = "private"

	instTypeSpot    = "sp"
	privateInstID   = "default"
	successCode     = "00000"
	SnapshotDepth   = 100
	restSymbolAffix = "_SPBL"
)

const (
	limitGeneral       = "spot_api"
	limitTrading       = "spot_api_trading"
	limitTradingCancel = "spot_api_trading_cancel"

	limitOrderBook   = "get_order_book"
	limitTicker      = "get_ticker"
	limitSymbols     = "get_symbols"
	limitServerTime  = "get_server_time"
	limitBalance     = "get_balance"
	limitCreateOrder = "create_order"
	limitCancelOrder = "cancel_order"
	limitOrderStatus = "get_order_status"
	limitTrades      = "get_trades"
)

// RateLimits are the documented per-second caps. Endpoint limits draw from a shared pool.
var RateLimits = []throttle.Limit{
	{ID: limitGeneral, Rate: 20},
	{ID: limitTrading, Rate: 10},
	{ID: limitTradingCancel, Rate: 20},
	{ID: limitOrderBook, Rate: 20, Linked: []string{limitGeneral}},
	{ID: limitTicker, Rate: 20, Linked: []string{limitGeneral}},
	{ID: limitSymbols, Rate: 20, Linked: []string{limitGeneral}},
	{ID: limitServerTime, Rate: 20, Linked: []string{limitGeneral}},
	{ID: limitBalance, Rate: 10, Linked: []string{limitTrading}},
	{ID: limitCreateOrder, Rate: 10, Linked: []string{limitTrading}},
	{ID: limitCancelOrder, Rate: 20, Linked: []string{limitTradingCancel}},
	{ID: limitOrderStatus, Rate: 10, Linked: []string{limitTrading}},
	{ID: limitTrades, Rate: 10, Linked: []string{limitTrading}},
}

func NewThrottler() *throttle.Throttler {
	t, err := throttle.New(RateLimits)
	if err != nil {
		panic(err)
	}
	return t
}

// StatusTable maps raw order statuses onto canonical states. The v1 REST
// order detail reports partial_fill and full_fill while the private order
// channel reports partially_filled and filled; both spellings are listed.
var StatusTable = map[string]core.OrderState{
	"init":             core.PendingCreate,
	"new":              core.Open,
	"partially_filled": core.PartiallyFilled,
	"partial_fill":     core.PartiallyFilled,
	"filled":           core.Filled,
	"full_fill":        core.Filled,
	"canceled":         core.Canceled,
	"cancelled":        core.Canceled,
	"rejected":         core.Rejected,
}

func MapStatus(raw string) (core.OrderState, error) {
	return core.MapStatus(StatusTable, strings.ToLower(strings.TrimSpace(raw)))
}

// StreamSymbol converts "BTC-USDT" to the websocket instId "BTCUSDT".
func StreamSymbol(pair string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(pair), "-", ""))
}

// RestSymbol converts "BTC-USDT" to the REST symbol "BTCUSDT_SPBL".
func RestSymbol(pair string) string {
	s := StreamSymbol(pair)
	if strings.HasSuffix(s, restSymbolAffix) {
		return s
	}
	return s + restSymbolAffix
}
