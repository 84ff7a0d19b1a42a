package bitget

import (
	json "github.com/goccy/go-json"
)

type envelope struct {
	Code        string          `json:"code"`
	Msg         string          `json:"msg"`
	RequestTime int64           `json:"requestTime"`
	Data        json.RawMessage `json:"data"`
}

type depthResponse struct {
	Asks      [][]string `json:"asks"`
	Bids      [][]string `json:"bids"`
	Timestamp string     `json:"timestamp"`
}

type productResponse struct {
	Symbol         string `json:"symbol"`
	SymbolName     string `json:"symbolName"`
	BaseCoin       string `json:"baseCoin"`
	QuoteCoin      string `json:"quoteCoin"`
	MinTradeAmount string `json:"minTradeAmount"`
	MinTradeUSDT   string `json:"minTradeUSDT"`
	PriceScale     string `json:"priceScale"`
	QuantityScale  string `json:"quantityScale"`
	MakerFeeRate   string `json:"makerFeeRate"`
	TakerFeeRate   string `json:"takerFeeRate"`
	Status         string `json:"status"`
}

type tickerResponse struct {
	Symbol  string `json:"symbol"`
	Close   string `json:"close"`
	BuyOne  string `json:"buyOne"`
	SellOne string `json:"sellOne"`
	TS      string `json:"ts"`
}

type assetResponse struct {
	CoinName  string `json:"coinName"`
	Available string `json:"available"`
	Frozen    string `json:"frozen"`
	Lock      string `json:"lock"`
}

type placeOrderRequest struct {
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	OrderType     string `json:"orderType"`
	Force         string `json:"force"`
	Price         string `json:"price,omitempty"`
	Quantity      string `json:"quantity"`
	ClientOrderID string `json:"clientOrderId"`
}

type placeOrderResponse struct {
	OrderID       string `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
}

type cancelOrderRequest struct {
	Symbol  string `json:"symbol"`
	OrderID string `json:"orderId"`
}

type orderInfoResponse struct {
	Symbol        string `json:"symbol"`
	OrderID       string `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Price         string `json:"price"`
	Quantity      string `json:"quantity"`
	OrderType     string `json:"orderType"`
	Side          string `json:"side"`
	Status        string `json:"status"`
	FillPrice     string `json:"fillPrice"`
	FillQuantity  string `json:"fillQuantity"`
	CTime         string `json:"cTime"`
}

type fillResponse struct {
	Symbol       string `json:"symbol"`
	OrderID      string `json:"orderId"`
	FillID       string `json:"fillId"`
	Side         string `json:"side"`
	FillPrice    string `json:"fillPrice"`
	FillQuantity string `json:"fillQuantity"`
	Fees         string `json:"fees"`
	FeeCcy       string `json:"feeCcy"`
	CTime        string `json:"cTime"`
}
