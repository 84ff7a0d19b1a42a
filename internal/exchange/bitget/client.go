package bitget

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"bitget-spot/internal/core"
	"bitget-spot/internal/exchange"
	"bitget-spot/internal/logging"
	"bitget-spot/internal/orderbook"
	"bitget-spot/internal/throttle"
)

type AuthType int

const (
	AuthNone AuthType = iota
	AuthSigned
)

type Client struct {
	signer     *Signer
	baseURL    string
	httpClient *http.Client
	throttler  *throttle.Throttler
	log        logrus.FieldLogger
	metrics    *connectorMetrics
	fees       core.Fees

	mu          sync.Mutex
	symbolCache map[string]Product
}

type Options struct {
	Signer         *Signer
	RestBaseURL    string
	HTTPTimeoutSec int64
	Throttler      *throttle.Throttler
	Logger         logrus.FieldLogger

	// DefaultFees applies to products whose fee rates the exchange leaves blank.
	DefaultFees *core.Fees
}

type Product struct {
	Symbol    string
	Pair      string
	BaseCoin  string
	QuoteCoin string
	Rules     core.Rules
	Fees      core.Fees
}

type Ticker struct {
	Pair    string
	Last    decimal.Decimal
	BestBid decimal.Decimal
	BestAsk decimal.Decimal
	Time    time.Time
}

// NewClient builds a REST client. A nil Signer restricts it to public endpoints.
func NewClient(opts Options) *Client {
	timeout := 15 * time.Second
	if opts.HTTPTimeoutSec > 0 {
		timeout = time.Duration(opts.HTTPTimeoutSec) * time.Second
	}
	base := strings.TrimRight(strings.TrimSpace(opts.RestBaseURL), "/")
	if base == "" {
		base = DefaultRestURL
	}
	th := opts.Throttler
	if th == nil {
		th = NewThrottler()
	}
	fees := core.DefaultFees
	if opts.DefaultFees != nil {
		fees = *opts.DefaultFees
	}
	return &Client{
		fees:        fees,
		signer:      opts.Signer,
		baseURL:     base,
		httpClient:  &http.Client{Timeout: timeout},
		throttler:   th,
		log:         logging.Component(opts.Logger, "bitget_rest"),
		metrics:     newConnectorMetrics(),
		symbolCache: make(map[string]Product),
	}
}

func (c *Client) Name() string { return "bitget" }

func (c *Client) ServerTime(ctx context.Context) (time.Time, error) {
	env, err := c.doRequest(ctx, http.MethodGet, pathServerTime, nil, nil, AuthNone, limitServerTime)
	if err != nil {
		return time.Time{}, err
	}
	var ms json.Number
	if err := json.Unmarshal(env.Data, &ms); err != nil {
		var s string
		if err2 := json.Unmarshal(env.Data, &s); err2 != nil {
			return time.Time{}, fmt.Errorf("decode server time: %w", err)
		}
		ms = json.Number(s)
	}
	v, err := ms.Int64()
	if err != nil {
		return time.Time{}, fmt.Errorf("decode server time: %w", err)
	}
	return time.UnixMilli(v).UTC(), nil
}

func (c *Client) OrderBook(ctx context.Context, pair string, limit int) (orderbook.Snapshot, error) {
	if limit <= 0 {
		limit = SnapshotDepth
	}
	params := url.Values{}
	params.Set("symbol", RestSymbol(pair))
	params.Set("type", "step0")
	params.Set("limit", strconv.Itoa(limit))
	env, err := c.doRequest(ctx, http.MethodGet, pathDepth, params, nil, AuthNone, limitOrderBook)
	if err != nil {
		return orderbook.Snapshot{}, err
	}
	var resp depthResponse
	if err := json.Unmarshal(env.Data, &resp); err != nil {
		return orderbook.Snapshot{}, fmt.Errorf("decode depth: %w", err)
	}
	ts, _ := strconv.ParseInt(resp.Timestamp, 10, 64)
	if ts == 0 {
		ts = env.RequestTime
	}
	return orderbook.ParseSnapshot(pair, rawLevels(resp.Bids), rawLevels(resp.Asks), ts, time.UnixMilli(ts).UTC())
}

func (c *Client) Ticker(ctx context.Context, pair string) (Ticker, error) {
	params := url.Values{}
	params.Set("symbol", RestSymbol(pair))
	env, err := c.doRequest(ctx, http.MethodGet, pathTicker, params, nil, AuthNone, limitTicker)
	if err != nil {
		return Ticker{}, err
	}
	var resp tickerResponse
	if err := json.Unmarshal(env.Data, &resp); err != nil {
		return Ticker{}, fmt.Errorf("decode ticker: %w", err)
	}
	last, err := decimal.NewFromString(resp.Close)
	if err != nil {
		return Ticker{}, fmt.Errorf("decode ticker close: %w", err)
	}
	bid, _ := decimal.NewFromString(resp.BuyOne)
	ask, _ := decimal.NewFromString(resp.SellOne)
	ts, _ := strconv.ParseInt(resp.TS, 10, 64)
	return Ticker{Pair: pair, Last: last, BestBid: bid, BestAsk: ask, Time: time.UnixMilli(ts).UTC()}, nil
}

// Products lists tradable spot products; offline products are skipped.
func (c *Client) Products(ctx context.Context) ([]Product, error) {
	env, err := c.doRequest(ctx, http.MethodGet, pathProducts, nil, nil, AuthNone, limitSymbols)
	if err != nil {
		return nil, err
	}
	var resp []productResponse
	if err := json.Unmarshal(env.Data, &resp); err != nil {
		return nil, fmt.Errorf("decode products: %w", err)
	}
	out := make([]Product, 0, len(resp))
	for _, p := range resp {
		if !strings.EqualFold(p.Status, "online") {
			continue
		}
		out = append(out, parseProduct(p, c.fees))
	}
	c.mu.Lock()
	for _, p := range out {
		c.symbolCache[p.Symbol] = p
	}
	c.mu.Unlock()
	return out, nil
}

func (c *Client) Rules(ctx context.Context, pair string) (core.Rules, error) {
	p, err := c.product(ctx, pair)
	if err != nil {
		return core.Rules{}, err
	}
	return p.Rules, nil
}

func (c *Client) product(ctx context.Context, pair string) (Product, error) {
	symbol := RestSymbol(pair)
	c.mu.Lock()
	p, ok := c.symbolCache[symbol]
	c.mu.Unlock()
	if ok {
		return p, nil
	}
	if _, err := c.Products(ctx); err != nil {
		return Product{}, err
	}
	c.mu.Lock()
	p, ok = c.symbolCache[symbol]
	c.mu.Unlock()
	if !ok {
		return Product{}, fmt.Errorf("symbol %s not found or offline", symbol)
	}
	return p, nil
}

func (c *Client) Balances(ctx context.Context) (core.Balances, error) {
	env, err := c.doRequest(ctx, http.MethodGet, pathAssets, nil, nil, AuthSigned, limitBalance)
	if err != nil {
		return nil, err
	}
	var resp []assetResponse
	if err := json.Unmarshal(env.Data, &resp); err != nil {
		return nil, fmt.Errorf("decode assets: %w", err)
	}
	out := make(core.Balances, len(resp))
	for _, a := range resp {
		avail, err := decimal.NewFromString(a.Available)
		if err != nil {
			return nil, fmt.Errorf("decode %s available: %w", a.CoinName, err)
		}
		out[strings.ToUpper(a.CoinName)] = avail
	}
	return out, nil
}

// PlaceOrder submits req under clientOrderID. Price is omitted for market orders.
// An exchange refusal is joined with core.ErrOrderRejected; server errors,
// throttling and clock skew are returned unclassified.
func (c *Client) PlaceOrder(ctx context.Context, clientOrderID string, req core.OrderRequest) (exchange.Placement, error) {
	body := placeOrderRequest{
		Symbol:        RestSymbol(req.Pair),
		Side:          string(req.Side),
		OrderType:     string(req.Type),
		Force:         "normal",
		Quantity:      req.Size.String(),
		ClientOrderID: clientOrderID,
	}
	if req.Type != core.Market {
		body.Price = req.Price.String()
	}
	env, err := c.doRequest(ctx, http.MethodPost, pathPlaceOrder, nil, body, AuthSigned, limitCreateOrder)
	if err != nil {
		if isRefusal(err) {
			return exchange.Placement{}, errors.Join(err, core.ErrOrderRejected)
		}
		return exchange.Placement{}, err
	}
	var resp placeOrderResponse
	if err := json.Unmarshal(env.Data, &resp); err != nil {
		return exchange.Placement{}, fmt.Errorf("decode place order: %w", err)
	}
	if resp.OrderID == "" {
		return exchange.Placement{}, errors.New("place order response missing orderId")
	}
	return exchange.Placement{ExchangeOrderID: resp.OrderID, AcceptedAt: time.Now().UTC()}, nil
}

// CancelOrder reports whether the exchange acknowledged the cancel with the success code.
func (c *Client) CancelOrder(ctx context.Context, pair, exchangeOrderID string) (bool, error) {
	if exchangeOrderID == "" {
		return false, errors.New("exchange order id required")
	}
	body := cancelOrderRequest{Symbol: RestSymbol(pair), OrderID: exchangeOrderID}
	env, err := c.doRequest(ctx, http.MethodPost, pathCancelOrder, nil, body, AuthSigned, limitCancelOrder)
	if err != nil {
		return false, err
	}
	return env.Code == successCode, nil
}

func (c *Client) OrderStatus(ctx context.Context, exchangeOrderID string) (string, error) {
	info, err := c.orderInfo(ctx, exchangeOrderID)
	if err != nil {
		return "", err
	}
	return info.Status, nil
}

func (c *Client) OrderPrice(ctx context.Context, exchangeOrderID string) (decimal.Decimal, error) {
	info, err := c.orderInfo(ctx, exchangeOrderID)
	if err != nil {
		return decimal.Zero, err
	}
	price, err := decimal.NewFromString(info.Price)
	if err != nil {
		return decimal.Zero, fmt.Errorf("decode order price: %w", err)
	}
	return price, nil
}

func (c *Client) orderInfo(ctx context.Context, exchangeOrderID string) (orderInfoResponse, error) {
	if exchangeOrderID == "" {
		return orderInfoResponse{}, errors.New("exchange order id required")
	}
	params := url.Values{}
	params.Set("orderId", exchangeOrderID)
	env, err := c.doRequest(ctx, http.MethodGet, pathOrderInfo, params, nil, AuthSigned, limitOrderStatus)
	if err != nil {
		return orderInfoResponse{}, err
	}
	var list []orderInfoResponse
	if err := json.Unmarshal(env.Data, &list); err != nil {
		var single orderInfoResponse
		if err2 := json.Unmarshal(env.Data, &single); err2 != nil {
			return orderInfoResponse{}, fmt.Errorf("decode order info: %w", err)
		}
		list = []orderInfoResponse{single}
	}
	for _, o := range list {
		if o.OrderID == exchangeOrderID || o.OrderID == "" {
			return o, nil
		}
	}
	return orderInfoResponse{}, fmt.Errorf("%w: %s", core.ErrOrderNotFound, exchangeOrderID)
}

func (c *Client) Fills(ctx context.Context, pair, exchangeOrderID string) ([]core.Fill, error) {
	params := url.Values{}
	params.Set("symbol", RestSymbol(pair))
	if exchangeOrderID != "" {
		params.Set("orderId", exchangeOrderID)
	}
	env, err := c.doRequest(ctx, http.MethodGet, pathFills, params, nil, AuthSigned, limitTrades)
	if err != nil {
		return nil, err
	}
	var resp []fillResponse
	if err := json.Unmarshal(env.Data, &resp); err != nil {
		return nil, fmt.Errorf("decode fills: %w", err)
	}
	out := make([]core.Fill, 0, len(resp))
	for _, f := range resp {
		price, err := decimal.NewFromString(f.FillPrice)
		if err != nil {
			continue
		}
		size, err := decimal.NewFromString(f.FillQuantity)
		if err != nil {
			continue
		}
		fee, _ := decimal.NewFromString(f.Fees)
		ts, _ := strconv.ParseInt(f.CTime, 10, 64)
		out = append(out, core.Fill{
			TradeID:         f.FillID,
			ExchangeOrderID: f.OrderID,
			Pair:            pair,
			Side:            core.Side(strings.ToLower(f.Side)),
			Price:           price,
			Size:            size,
			Fee:             fee.Abs(),
			FeeAsset:        strings.ToUpper(f.FeeCcy),
			Time:            time.UnixMilli(ts).UTC(),
		})
	}
	return out, nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, params url.Values, body any, auth AuthType, limitID string) (env envelope, err error) {
	if auth == AuthSigned && c.signer == nil {
		return envelope{}, core.ErrMissingCredentials
	}
	if err := c.throttler.Acquire(ctx, limitID); err != nil {
		return envelope{}, err
	}
	started := time.Now()
	defer func() { c.metrics.observeREST(ctx, limitID, started, err) }()

	requestPath := path
	if encoded := params.Encode(); encoded != "" {
		requestPath += "?" + encoded
	}
	var payload []byte
	if body != nil {
		payload, err = json.Marshal(body)
		if err != nil {
			return envelope{}, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bytes.NewReader(payload))
	if err != nil {
		return envelope{}, err
	}
	if auth == AuthSigned {
		req.Header = c.signer.RESTHeaders(method, requestPath, payload)
	} else {
		req.Header.Set(headerContentType, contentTypeJSON)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return envelope{}, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return envelope{}, err
	}
	if resp.StatusCode/100 != 2 {
		apiErr := parseAPIError(resp.StatusCode, data)
		c.log.WithFields(logrus.Fields{
			"event":  "rest_request_failed",
			"method": method,
			"path":   path,
			"status": resp.StatusCode,
		}).WithError(apiErr).Debug("bitget request failed")
		return envelope{}, apiErr
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return envelope{}, fmt.Errorf("decode %s response: %w", path, err)
	}
	if env.Code != "" && env.Code != successCode {
		return env, wrapAPIError(resp.StatusCode, env.Code, env.Msg)
	}
	return env, nil
}

func parseAPIError(status int, body []byte) error {
	var env envelope
	if err := json.Unmarshal(body, &env); err == nil && (env.Code != "" || env.Msg != "") {
		return wrapAPIError(status, env.Code, env.Msg)
	}
	return fmt.Errorf("bitget http error %d: %s", status, strings.TrimSpace(string(body)))
}

func parseProduct(p productResponse, fees core.Fees) Product {
	rules := core.Rules{}
	rules.MinQty, _ = decimal.NewFromString(p.MinTradeAmount)
	rules.MinNotional, _ = decimal.NewFromString(p.MinTradeUSDT)
	if scale, err := strconv.Atoi(p.PriceScale); err == nil && scale >= 0 {
		rules.PriceTick = decimal.New(1, int32(-scale))
	}
	if scale, err := strconv.Atoi(p.QuantityScale); err == nil && scale >= 0 {
		rules.QtyStep = decimal.New(1, int32(-scale))
	}
	if v, err := decimal.NewFromString(p.MakerFeeRate); err == nil {
		fees.Maker = v
	}
	if v, err := decimal.NewFromString(p.TakerFeeRate); err == nil {
		fees.Taker = v
	}
	return Product{
		Symbol:    p.Symbol,
		Pair:      strings.ToUpper(p.BaseCoin) + "-" + strings.ToUpper(p.QuoteCoin),
		BaseCoin:  strings.ToUpper(p.BaseCoin),
		QuoteCoin: strings.ToUpper(p.QuoteCoin),
		Rules:     rules,
		Fees:      fees,
	}
}

func rawLevels(rows [][]string) []orderbook.RawLevel {
	out := make([]orderbook.RawLevel, 0, len(rows))
	for _, r := range rows {
		if len(r) < 2 {
			continue
		}
		out = append(out, orderbook.RawLevel{Price: r[0], Size: r[1]})
	}
	return out
}
