package bitget

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"bitget-spot/internal/core"
	"bitget-spot/internal/orderbook"
	"bitget-spot/internal/queue"
)

func newWSServer(t *testing.T, handle func(conn *websocket.Conn)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		handle(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func newTestMarketData(t *testing.T, restURL, wsURL string) *MarketData {
	t.Helper()
	md, err := NewMarketData(MarketDataOptions{
		Client:    NewClient(Options{RestBaseURL: restURL}),
		WSURL:     wsURL,
		QueueSize: 16,
		Policy:    queue.DropOldest,
	})
	if err != nil {
		t.Fatalf("NewMarketData() error = %v", err)
	}
	return md
}

func TestRunSubscriptionRoutesByChannelAndSurfacesClose(t *testing.T) {
	wsURL := newWSServer(t, func(conn *websocket.Conn) {
		var req subscribeRequest
		if err := conn.ReadJSON(&req); err != nil {
			t.Errorf("read subscribe: %v", err)
			return
		}
		if req.Op != "subscribe" || len(req.Args) != 2 {
			t.Errorf("subscribe = %+v, want depth and trade args", req)
		}
		for _, a := range req.Args {
			if a.InstID != "BTCUSDT" || a.InstType != "sp" {
				t.Errorf("arg = %+v", a)
			}
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"action":"update","arg":{"instType":"sp","channel":"trade","instId":"BTCUSDT"},"data":[["1700000000500","50000","0.1","buy"]]}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"action":"snapshot","arg":{"instType":"sp","channel":"depth","instId":"BTCUSDT"},"data":[{"asks":[["50001","1"]],"bids":[["49999","1"]],"ts":"1700000000400"}]}`))
	})
	md := newTestMarketData(t, "http://127.0.0.1:1", wsURL)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := md.RunSubscription(ctx, []string{"BTC-USDT"})
	if err == nil || errors.Is(err, context.Canceled) {
		t.Fatalf("RunSubscription() error = %v, want stream error", err)
	}

	if md.trades.Len() != 1 || md.books.Len() != 1 {
		t.Fatalf("queue lens trade=%d depth=%d, want 1/1", md.trades.Len(), md.books.Len())
	}

	trades := make(chan core.PublicTrade, 1)
	drainCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- md.DrainTrades(drainCtx, trades) }()
	select {
	case tr := <-trades:
		if tr.Pair != "BTC-USDT" || tr.Timestamp != 1700000000.5 {
			t.Fatalf("trade = %+v", tr)
		}
	case <-ctx.Done():
		t.Fatalf("no trade drained")
	}
	stop()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("DrainTrades() error = %v, want context.Canceled", err)
	}
	if md.books.Len() != 1 {
		t.Fatalf("depth queue len = %d, want 1 (left for the book path)", md.books.Len())
	}
}

func TestRunSubscriptionCancellationClosesSocket(t *testing.T) {
	closed := make(chan struct{})
	wsURL := newWSServer(t, func(conn *websocket.Conn) {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	md := newTestMarketData(t, "http://127.0.0.1:1", wsURL)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- md.RunSubscription(ctx, []string{"BTC-USDT"}) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("RunSubscription() error = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("RunSubscription() did not return after cancel")
	}
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatalf("server never saw the socket close")
	}
}

func TestDrainTradesSkipsUnparseable(t *testing.T) {
	md := newTestMarketData(t, "http://127.0.0.1:1", "ws://127.0.0.1:1")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	bad := Message{Arg: StreamArg{Channel: ChannelTrade, InstID: "BTCUSDT"}, Data: json.RawMessage(`[["x","1","1","buy"]]`)}
	good := Message{Arg: StreamArg{Channel: ChannelTrade, InstID: "BTCUSDT"}, Data: json.RawMessage(`[["1700000001000","42","2","sell"]]`)}
	_ = md.trades.Push(ctx, bad)
	_ = md.trades.Push(ctx, good)

	out := make(chan core.PublicTrade, 2)
	go func() { _ = md.DrainTrades(ctx, out) }()
	select {
	case tr := <-out:
		if !tr.Price.Equal(decimal.RequireFromString("42")) {
			t.Fatalf("trade price = %s, want 42", tr.Price)
		}
	case <-ctx.Done():
		t.Fatalf("good trade not delivered after bad one")
	}
}

func TestDrainOrderBookSeedsFromSnapshot(t *testing.T) {
	rest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, `{"asks":[["101","1"],["102","1"]],"bids":[["99","1"],["98","1"]],"timestamp":"1000"}`)
	}))
	t.Cleanup(rest.Close)
	md := newTestMarketData(t, rest.URL, "ws://127.0.0.1:1")
	md.parser.Store(NewParser([]string{"BTC-USDT"}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	update := Message{
		Action: "update",
		Arg:    StreamArg{Channel: ChannelDepth, InstID: "BTCUSDT"},
		Data:   json.RawMessage(`[{"asks":[["101","0"]],"bids":[["100","3"]],"ts":"2000"}]`),
	}
	_ = md.books.Push(ctx, update)

	out := make(chan orderbook.Snapshot, 1)
	go func() { _ = md.DrainOrderBook(ctx, out) }()
	var snap orderbook.Snapshot
	select {
	case snap = <-out:
	case <-ctx.Done():
		t.Fatalf("no book emitted")
	}
	bid, _ := snap.BestBid()
	ask, _ := snap.BestAsk()
	if !bid.Price.Equal(decimal.RequireFromString("100")) || !bid.Size.Equal(decimal.RequireFromString("3")) {
		t.Fatalf("best bid = %+v, want 100 x 3", bid)
	}
	if !ask.Price.Equal(decimal.RequireFromString("102")) {
		t.Fatalf("best ask = %+v, want 102 after 101 removed", ask)
	}
	if snap.Sequence != 2000 {
		t.Fatalf("Sequence = %d, want 2000", snap.Sequence)
	}
}
