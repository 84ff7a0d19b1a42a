package bitget

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"bitget-spot/internal/core"
	"bitget-spot/internal/logging"
	"bitget-spot/internal/orderbook"
	"bitget-spot/internal/queue"
)

type MarketDataOptions struct {
	Client    *Client
	WSURL     string
	Dialer    Dialer
	QueueSize int
	Policy    queue.Policy
	Depth     int
	Logger    logrus.FieldLogger
}

// MarketData keeps one public subscription and republishes trades and book updates.
// RunSubscription is the only producer; DrainTrades and DrainOrderBook each own one
// of the channel queues.
type MarketData struct {
	client  *Client
	url     string
	dialer  Dialer
	depth   int
	log     logrus.FieldLogger
	metrics *connectorMetrics

	parser atomic.Pointer[Parser]
	trades *queue.Queue[Message]
	books  *queue.Queue[Message]
}

func NewMarketData(opts MarketDataOptions) (*MarketData, error) {
	if opts.Client == nil {
		return nil, errors.New("market data requires a rest client")
	}
	url := strings.TrimSpace(opts.WSURL)
	if url == "" {
		url = DefaultWSURL
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = WSDialer{}
	}
	depth := opts.Depth
	if depth <= 0 {
		depth = SnapshotDepth
	}
	m := &MarketData{
		client:  opts.Client,
		url:     url,
		dialer:  dialer,
		depth:   depth,
		log:     logging.Component(opts.Logger, "market_data"),
		metrics: newConnectorMetrics(),
		trades:  queue.New[Message]("market_data_trade", opts.QueueSize, opts.Policy),
		books:   queue.New[Message]("market_data_depth", opts.QueueSize, opts.Policy),
	}
	m.parser.Store(NewParser(nil))
	return m, nil
}

// FetchSnapshot returns the exchange's current book with no local merge.
func (m *MarketData) FetchSnapshot(ctx context.Context, pair string) (orderbook.Snapshot, error) {
	return m.client.OrderBook(ctx, pair, m.depth)
}

// RunSubscription streams until the connection fails or ctx ends. It never
// reconnects; the caller restarts it.
func (m *MarketData) RunSubscription(ctx context.Context, pairs []string) error {
	if len(pairs) == 0 {
		return errors.New("market data subscription requires at least one trading pair")
	}
	m.parser.Store(NewParser(pairs))

	conn, err := m.dialer.Dial(ctx, m.url)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("dial market data: %w", err)
	}
	defer conn.Close()

	for _, pair := range pairs {
		inst := StreamSymbol(pair)
		req := subscribe(
			StreamArg{InstType: instTypeSpot, Channel: ChannelDepth, InstID: inst},
			StreamArg{InstType: instTypeSpot, Channel: ChannelTrade, InstID: inst},
		)
		if err := conn.Send(ctx, req); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("subscribe %s: %w", pair, err)
		}
	}
	m.log.WithFields(logrus.Fields{"event": "market_data_subscribed", "pairs": strings.Join(pairs, ",")}).Info("market data subscribed")

	for {
		msg, err := conn.Receive(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if errors.Is(err, ErrMalformedFrame) {
				m.metrics.countParseError(ctx, "public")
				m.log.WithField("event", "market_data_bad_frame").WithError(err).Warn("skipping undecodable frame")
				continue
			}
			return fmt.Errorf("market data stream: %w", err)
		}
		if msg.Event == "error" {
			return fmt.Errorf("market data stream error %d: %s", msg.Code, msg.Msg)
		}
		m.metrics.countMessage(ctx, "public", msg.Arg.Channel)
		target := m.books
		if msg.Arg.Channel == ChannelTrade {
			target = m.trades
		}
		if err := target.Push(ctx, msg); err != nil {
			return err
		}
	}
}

// DrainTrades parses trade-channel messages onto out. Bad rows are logged and skipped.
func (m *MarketData) DrainTrades(ctx context.Context, out chan<- core.PublicTrade) error {
	for {
		msg, err := m.trades.Pop(ctx)
		if err != nil {
			return err
		}
		events, err := m.parser.Load().Parse(msg)
		if err != nil {
			m.metrics.countParseError(ctx, ChannelTrade)
			m.log.WithFields(logrus.Fields{"event": "trade_parse_failed", "inst_id": msg.Arg.InstID}).WithError(err).Warn("skipping trade message")
		}
		for _, ev := range events {
			if ev.Kind != EventTrade {
				continue
			}
			select {
			case out <- *ev.Trade:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// DrainOrderBook maintains one book per pair from depth messages and emits a copy
// after every change. A pair's book is seeded from a REST snapshot when the first
// delta arrives before a stream snapshot.
func (m *MarketData) DrainOrderBook(ctx context.Context, out chan<- orderbook.Snapshot) error {
	books := make(map[string]*orderbook.Book)
	for {
		msg, err := m.books.Pop(ctx)
		if err != nil {
			return err
		}
		events, err := m.parser.Load().Parse(msg)
		if err != nil {
			m.metrics.countParseError(ctx, ChannelDepth)
			m.log.WithFields(logrus.Fields{"event": "depth_parse_failed", "inst_id": msg.Arg.InstID}).WithError(err).Warn("skipping depth message")
			continue
		}
		for _, ev := range events {
			if ev.Kind != EventOrderBookDelta {
				continue
			}
			pair := ev.Delta.Pair
			book, ok := books[pair]
			if !ok {
				book = orderbook.NewBook(pair)
				books[pair] = book
			}
			if err := m.merge(ctx, book, ev); err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return ctxErr
				}
				m.log.WithFields(logrus.Fields{"event": "book_merge_failed", "pair": pair}).WithError(err).Warn("order book update skipped")
				continue
			}
			select {
			case out <- book.Snapshot():
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (m *MarketData) merge(ctx context.Context, book *orderbook.Book, ev StreamEvent) error {
	d := *ev.Delta
	if ev.Snapshot {
		snap, err := orderbook.ParseSnapshot(d.Pair, d.Bids, d.Asks, d.Sequence, d.Time)
		if err != nil {
			return err
		}
		return book.Reset(snap)
	}
	err := book.Apply(d)
	if !errors.Is(err, orderbook.ErrNotSeeded) {
		return err
	}
	snap, err := m.FetchSnapshot(ctx, d.Pair)
	if err != nil {
		return fmt.Errorf("seed %s: %w", d.Pair, err)
	}
	return book.Reset(snap)
}

// Dropped counts messages evicted from both delivery queues.
func (m *MarketData) Dropped() uint64 {
	return m.trades.Dropped() + m.books.Dropped()
}

func (m *MarketData) Close() {
	m.trades.Close()
	m.books.Close()
}
