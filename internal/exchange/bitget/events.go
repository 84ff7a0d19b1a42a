package bitget

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"bitget-spot/internal/core"
	"bitget-spot/internal/orderbook"
)

type EventKind int

const (
	EventUnknown EventKind = iota
	EventOrderBookDelta
	EventTrade
	EventPrivateOrderUpdate
	EventPrivateTradeFill
	EventHeartbeat
)

func (k EventKind) String() string {
	switch k {
	case EventOrderBookDelta:
		return "order_book_delta"
	case EventTrade:
		return "trade"
	case EventPrivateOrderUpdate:
		return "private_order_update"
	case EventPrivateTradeFill:
		return "private_trade_fill"
	case EventHeartbeat:
		return "heartbeat"
	default:
		return "unknown"
	}
}

// StreamEvent is a parsed websocket payload. Exactly one of the payload
// fields is set, selected by Kind.
type StreamEvent struct {
	Kind EventKind

	// Book deltas: Snapshot reports a full replacement ("snapshot" action).
	Delta    *orderbook.Delta
	Snapshot bool

	Trade *core.PublicTrade
	Order *core.OrderEvent
}

type depthRow struct {
	Asks [][]string `json:"asks"`
	Bids [][]string `json:"bids"`
	TS   string     `json:"ts"`
}

type privateOrderRow struct {
	InstID    string `json:"instId"`
	OrdID     string `json:"ordId"`
	ClOrdID   string `json:"clOrdId"`
	Side      string `json:"side"`
	Status    string `json:"status"`
	Px        string `json:"px"`
	Sz        string `json:"sz"`
	FillPx    string `json:"fillPx"`
	FillSz    string `json:"fillSz"`
	FillFee   string `json:"fillFee"`
	FillFeeCc string `json:"fillFeeCcy"`
	TradeID   string `json:"tradeId"`
	FillTime  string `json:"fillTime"`
	AccFillSz string `json:"accFillSz"`
	UTime     string `json:"uTime"`
}

// Parser turns messages into events. Stream instruments are mapped back to
// host pairs; unknown instruments keep their exchange id.
type Parser struct {
	pairs map[string]string
}

func NewParser(pairs []string) *Parser {
	m := make(map[string]string, len(pairs))
	for _, p := range pairs {
		m[StreamSymbol(p)] = strings.ToUpper(strings.TrimSpace(p))
	}
	return &Parser{pairs: m}
}

func (p *Parser) Pair(instID string) string {
	key := strings.TrimSuffix(strings.ToUpper(instID), restSymbolAffix)
	if pair, ok := p.pairs[key]; ok {
		return pair
	}
	return instID
}

// Parse decodes one message. A message may carry several rows, so several events.
func (p *Parser) Parse(msg Message) ([]StreamEvent, error) {
	if msg.IsPong() {
		return []StreamEvent{{Kind: EventHeartbeat}}, nil
	}
	if msg.Event != "" || len(msg.Data) == 0 {
		return []StreamEvent{{Kind: EventUnknown}}, nil
	}
	switch msg.Arg.Channel {
	case ChannelDepth, "books", "books5", "books15":
		return p.parseDepth(msg)
	case ChannelTrade:
		return p.parseTrades(msg)
	case ChannelPrivate, "orders":
		return p.parsePrivate(msg)
	}
	return []StreamEvent{{Kind: EventUnknown}}, nil
}

func (p *Parser) parseDepth(msg Message) ([]StreamEvent, error) {
	var rows []depthRow
	if err := json.Unmarshal(msg.Data, &rows); err != nil {
		return nil, fmt.Errorf("decode depth: %w", err)
	}
	pair := p.Pair(msg.Arg.InstID)
	out := make([]StreamEvent, 0, len(rows))
	for _, r := range rows {
		ms, _ := strconv.ParseInt(r.TS, 10, 64)
		out = append(out, StreamEvent{
			Kind: EventOrderBookDelta,
			Delta: &orderbook.Delta{
				Pair:     pair,
				Bids:     rawLevels(r.Bids),
				Asks:     rawLevels(r.Asks),
				Sequence: ms,
				Time:     time.UnixMilli(ms).UTC(),
			},
			Snapshot: msg.Action == "snapshot",
		})
	}
	return out, nil
}

// parseTrades reads rows of [ts, price, size, side].
func (p *Parser) parseTrades(msg Message) ([]StreamEvent, error) {
	var rows [][]string
	if err := json.Unmarshal(msg.Data, &rows); err != nil {
		return nil, fmt.Errorf("decode trades: %w", err)
	}
	pair := p.Pair(msg.Arg.InstID)
	out := make([]StreamEvent, 0, len(rows))
	for _, r := range rows {
		trade, err := parseTradeRow(pair, r)
		if err != nil {
			return out, err
		}
		out = append(out, StreamEvent{Kind: EventTrade, Trade: &trade})
	}
	return out, nil
}

func parseTradeRow(pair string, row []string) (core.PublicTrade, error) {
	if len(row) < 4 {
		return core.PublicTrade{}, fmt.Errorf("trade row has %d fields, want 4", len(row))
	}
	ms, err := strconv.ParseInt(row[0], 10, 64)
	if err != nil {
		return core.PublicTrade{}, fmt.Errorf("trade timestamp: %w", err)
	}
	price, err := decimal.NewFromString(row[1])
	if err != nil {
		return core.PublicTrade{}, fmt.Errorf("trade price: %w", err)
	}
	size, err := decimal.NewFromString(row[2])
	if err != nil {
		return core.PublicTrade{}, fmt.Errorf("trade size: %w", err)
	}
	side := core.Side(strings.ToLower(row[3]))
	if side != core.Buy && side != core.Sell {
		return core.PublicTrade{}, fmt.Errorf("trade side %q", row[3])
	}
	return core.PublicTrade{
		Pair:      pair,
		Price:     price,
		Size:      size,
		Side:      side,
		Timestamp: float64(ms) / 1000,
	}, nil
}

var errMissingOrderID = errors.New("private order row has no order id")

func (p *Parser) parsePrivate(msg Message) ([]StreamEvent, error) {
	var rows []privateOrderRow
	if err := json.Unmarshal(msg.Data, &rows); err != nil {
		return nil, fmt.Errorf("decode private orders: %w", err)
	}
	out := make([]StreamEvent, 0, len(rows))
	for _, r := range rows {
		if r.OrdID == "" && r.ClOrdID == "" {
			return out, errMissingOrderID
		}
		pair := p.Pair(r.InstID)
		ts := parseMillis(r.UTime)
		ev := &core.OrderEvent{
			ClientOrderID:   r.ClOrdID,
			ExchangeOrderID: r.OrdID,
			Pair:            pair,
			Side:            core.Side(strings.ToLower(r.Side)),
			RawStatus:       r.Status,
			Timestamp:       ts,
		}
		kind := EventPrivateOrderUpdate
		if fill, ok := parsePrivateFill(r, pair); ok {
			ev.Fill = &fill
			kind = EventPrivateTradeFill
		}
		out = append(out, StreamEvent{Kind: kind, Order: ev})
	}
	return out, nil
}

func parsePrivateFill(r privateOrderRow, pair string) (core.Fill, bool) {
	if r.TradeID == "" {
		return core.Fill{}, false
	}
	size, err := decimal.NewFromString(r.FillSz)
	if err != nil || !size.IsPositive() {
		return core.Fill{}, false
	}
	price, err := decimal.NewFromString(r.FillPx)
	if err != nil {
		return core.Fill{}, false
	}
	fee, _ := decimal.NewFromString(r.FillFee)
	return core.Fill{
		TradeID:         r.TradeID,
		ClientOrderID:   r.ClOrdID,
		ExchangeOrderID: r.OrdID,
		Pair:            pair,
		Side:            core.Side(strings.ToLower(r.Side)),
		Price:           price,
		Size:            size,
		Fee:             fee.Abs(),
		FeeAsset:        strings.ToUpper(r.FillFeeCc),
		Time:            parseMillis(r.FillTime),
	}, true
}

func parseMillis(v string) time.Time {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
