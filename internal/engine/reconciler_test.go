package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"

	"bitget-spot/internal/core"
	"bitget-spot/internal/exchange"
	"bitget-spot/internal/exchange/bitget"
	"bitget-spot/internal/logging"
	"bitget-spot/internal/queue"
	"bitget-spot/internal/store"
)

type fakeOrderAPI struct {
	mu          sync.Mutex
	rules       core.Rules
	nextID      string
	placeErr    error
	placed      []core.OrderRequest
	clientIDs   []string
	cancelAck   bool
	cancelErr   error
	cancels     int
	status      map[string]string
	price       map[string]decimal.Decimal
	statusErr   error
	statusCalls int
}

func newFakeOrderAPI() *fakeOrderAPI {
	return &fakeOrderAPI{
		rules: core.Rules{
			MinQty:    decimal.RequireFromString("0.0001"),
			QtyStep:   decimal.RequireFromString("0.0001"),
			PriceTick: decimal.RequireFromString("0.01"),
		},
		nextID:    "1001",
		cancelAck: true,
		status:    map[string]string{},
		price:     map[string]decimal.Decimal{},
	}
}

func (f *fakeOrderAPI) Rules(context.Context, string) (core.Rules, error) { return f.rules, nil }

func (f *fakeOrderAPI) PlaceOrder(_ context.Context, clientOrderID string, req core.OrderRequest) (exchange.Placement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placed = append(f.placed, req)
	f.clientIDs = append(f.clientIDs, clientOrderID)
	if f.placeErr != nil {
		return exchange.Placement{}, f.placeErr
	}
	return exchange.Placement{ExchangeOrderID: f.nextID, AcceptedAt: time.Now().UTC()}, nil
}

func (f *fakeOrderAPI) CancelOrder(context.Context, string, string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels++
	return f.cancelAck, f.cancelErr
}

func (f *fakeOrderAPI) OrderStatus(_ context.Context, id string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls++
	if f.statusErr != nil {
		return "", f.statusErr
	}
	s, ok := f.status[id]
	if !ok {
		return "", core.ErrOrderNotFound
	}
	return s, nil
}

func (f *fakeOrderAPI) OrderPrice(_ context.Context, id string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.price[id], nil
}

func (f *fakeOrderAPI) setStatus(id, raw string) {
	f.mu.Lock()
	f.status[id] = raw
	f.mu.Unlock()
}

func (f *fakeOrderAPI) forget(id string) {
	f.mu.Lock()
	delete(f.status, id)
	f.mu.Unlock()
}

func (f *fakeOrderAPI) polls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statusCalls
}

func newTestReconciler(t *testing.T, api exchange.OrderAPI) (*Reconciler, *store.Store) {
	t.Helper()
	st, err := store.New(t.TempDir(), logging.Discard())
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}
	r, err := NewReconciler(ReconcilerOptions{API: api, Store: st, Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("NewReconciler() error = %v", err)
	}
	return r, st
}

func limitBuy() core.OrderRequest {
	return core.OrderRequest{
		Pair:  "BTC-USDT",
		Side:  core.Buy,
		Type:  core.Limit,
		Size:  decimal.RequireFromString("1.0"),
		Price: decimal.RequireFromString("50000"),
	}
}

func TestLimitBuyFilledByStreamIsRetiredOnNextPass(t *testing.T) {
	api := newFakeOrderAPI()
	r, st := newTestReconciler(t, api)

	order, err := r.PlaceOrder(context.Background(), limitBuy())
	if err != nil {
		t.Fatalf("PlaceOrder() error = %v", err)
	}
	if order.State != core.PendingCreate {
		t.Fatalf("PlaceOrder() state = %s, want %s", order.State, core.PendingCreate)
	}
	if order.ExchangeOrderID != "1001" {
		t.Fatalf("ExchangeOrderID = %q, want 1001", order.ExchangeOrderID)
	}
	if !order.Size.Equal(decimal.RequireFromString("1")) || !order.Price.Equal(decimal.RequireFromString("50000")) {
		t.Fatalf("order size/price = %s/%s, want 1/50000", order.Size, order.Price)
	}

	if err := r.ApplyStreamEvent(core.OrderEvent{ExchangeOrderID: "1001", RawStatus: "filled"}); err != nil {
		t.Fatalf("ApplyStreamEvent() error = %v", err)
	}
	got, ok := r.Order(order.ClientOrderID)
	if !ok || got.State != core.Filled {
		t.Fatalf("state after event = %s, want %s", got.State, core.Filled)
	}

	if err := r.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if n := len(r.ActiveOrders()); n != 0 {
		t.Fatalf("ActiveOrders() len = %d, want 0", n)
	}
	if api.polls() != 0 {
		t.Fatalf("terminal order was polled %d times", api.polls())
	}
	active, ok, err := st.LoadActiveOrders()
	if err != nil || !ok || len(active) != 0 {
		t.Fatalf("LoadActiveOrders() = %v, %v, %v; want empty snapshot", active, ok, err)
	}
	entries, err := os.ReadDir(filepath.Join(st.Root(), "history"))
	if err != nil || len(entries) != 1 {
		t.Fatalf("history entries = %v, %v; want one dated file", entries, err)
	}
}

func TestClientOrderIDFormat(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := newClientOrderID("BTC-USDT")
		if len(id) > clientOrderIDMax {
			t.Fatalf("len(%q) = %d, want <= %d", id, len(id), clientOrderIDMax)
		}
		if !strings.HasPrefix(id, "B-BTCUSDT-") {
			t.Fatalf("id %q missing prefix", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
	if id := newClientOrderID("VERYLONGTOKENNAME-USDT"); len(id) > clientOrderIDMax {
		t.Fatalf("long pair id %q exceeds max", id)
	}
}

func TestPlaceOrderRejectedAndFailed(t *testing.T) {
	api := newFakeOrderAPI()
	r, _ := newTestReconciler(t, api)

	api.placeErr = errors.Join(errors.New("bitget api error"), core.ErrOrderRejected)
	order, err := r.PlaceOrder(context.Background(), limitBuy())
	if !errors.Is(err, core.ErrOrderRejected) {
		t.Fatalf("PlaceOrder() error = %v, want ErrOrderRejected", err)
	}
	if order.State != core.Rejected {
		t.Fatalf("state = %s, want %s", order.State, core.Rejected)
	}

	api.placeErr = errors.New("connection reset")
	order, err = r.PlaceOrder(context.Background(), limitBuy())
	if err == nil {
		t.Fatalf("PlaceOrder() error = nil, want transport error")
	}
	if order.State != core.Failed {
		t.Fatalf("state = %s, want %s", order.State, core.Failed)
	}
	if len(api.placed) != 2 {
		t.Fatalf("exchange calls = %d, want 2 (no retry)", len(api.placed))
	}
}

func TestPlaceOrderNormalizesAndSkipsBelowMin(t *testing.T) {
	api := newFakeOrderAPI()
	r, _ := newTestReconciler(t, api)

	req := limitBuy()
	req.Size = decimal.RequireFromString("0.123456")
	req.Price = decimal.RequireFromString("50000.129")
	order, err := r.PlaceOrder(context.Background(), req)
	if err != nil {
		t.Fatalf("PlaceOrder() error = %v", err)
	}
	if !order.Size.Equal(decimal.RequireFromString("0.1234")) || !order.Price.Equal(decimal.RequireFromString("50000.12")) {
		t.Fatalf("normalized = %s @ %s, want 0.1234 @ 50000.12", order.Size, order.Price)
	}

	req.Size = decimal.RequireFromString("0.00001")
	if _, err := r.PlaceOrder(context.Background(), req); err == nil {
		t.Fatalf("PlaceOrder(below step) error = nil, want error")
	}
	if len(api.placed) != 1 {
		t.Fatalf("exchange calls = %d, want 1", len(api.placed))
	}
}

func TestTerminalStateNeverRegresses(t *testing.T) {
	api := newFakeOrderAPI()
	r, _ := newTestReconciler(t, api)
	order, _ := r.PlaceOrder(context.Background(), limitBuy())

	if err := r.ApplyStreamEvent(core.OrderEvent{ExchangeOrderID: "1001", RawStatus: "canceled"}); err != nil {
		t.Fatalf("ApplyStreamEvent() error = %v", err)
	}
	if err := r.ApplyOrderUpdate(core.OrderUpdate{ExchangeOrderID: "1001", State: core.Open}); err != nil {
		t.Fatalf("ApplyOrderUpdate() error = %v", err)
	}
	if err := r.ApplyStreamEvent(core.OrderEvent{ExchangeOrderID: "1001", RawStatus: "partially_filled"}); err != nil {
		t.Fatalf("ApplyStreamEvent() error = %v", err)
	}
	got, _ := r.Order(order.ClientOrderID)
	if got.State != core.Canceled {
		t.Fatalf("state = %s, want %s", got.State, core.Canceled)
	}
}

func TestStalePollLosesToStreamState(t *testing.T) {
	api := newFakeOrderAPI()
	r, _ := newTestReconciler(t, api)
	order, _ := r.PlaceOrder(context.Background(), limitBuy())

	if err := r.ApplyStreamEvent(core.OrderEvent{ExchangeOrderID: "1001", RawStatus: "partial_fill"}); err != nil {
		t.Fatalf("ApplyStreamEvent() error = %v", err)
	}
	api.setStatus("1001", "new")
	if err := r.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	got, _ := r.Order(order.ClientOrderID)
	if got.State != core.PartiallyFilled {
		t.Fatalf("state = %s, want %s", got.State, core.PartiallyFilled)
	}

	api.setStatus("1001", "full_fill")
	if err := r.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if _, ok := r.Order(order.ClientOrderID); ok {
		t.Fatalf("filled order still active after pass")
	}
}

func TestUnmappedStatusIsAnError(t *testing.T) {
	api := newFakeOrderAPI()
	r, _ := newTestReconciler(t, api)
	order, _ := r.PlaceOrder(context.Background(), limitBuy())

	if err := r.ApplyStreamEvent(core.OrderEvent{ExchangeOrderID: "1001", RawStatus: "exploded"}); !errors.Is(err, core.ErrUnmappedStatus) {
		t.Fatalf("ApplyStreamEvent() error = %v, want ErrUnmappedStatus", err)
	}
	api.setStatus("1001", "exploded")
	if _, err := r.GetOrderUpdate(context.Background(), order); !errors.Is(err, core.ErrUnmappedStatus) {
		t.Fatalf("GetOrderUpdate() error = %v, want ErrUnmappedStatus", err)
	}
	if err := r.Reconcile(context.Background()); !errors.Is(err, core.ErrUnmappedStatus) {
		t.Fatalf("Reconcile() error = %v, want ErrUnmappedStatus", err)
	}
	got, _ := r.Order(order.ClientOrderID)
	if got.State != core.PendingCreate {
		t.Fatalf("state = %s, want unchanged %s", got.State, core.PendingCreate)
	}
}

func TestGetOrderUpdateReportsPrice(t *testing.T) {
	api := newFakeOrderAPI()
	r, _ := newTestReconciler(t, api)
	order, _ := r.PlaceOrder(context.Background(), limitBuy())
	api.setStatus("1001", "new")
	api.price["1001"] = decimal.RequireFromString("50000")

	u, err := r.GetOrderUpdate(context.Background(), order)
	if err != nil {
		t.Fatalf("GetOrderUpdate() error = %v", err)
	}
	if u.State != core.Open || u.RawStatus != "new" || !u.Price.Equal(decimal.RequireFromString("50000")) {
		t.Fatalf("GetOrderUpdate() = %+v, want open @ 50000", u)
	}
}

func TestCancelOrder(t *testing.T) {
	api := newFakeOrderAPI()
	r, _ := newTestReconciler(t, api)
	order, _ := r.PlaceOrder(context.Background(), limitBuy())

	api.cancelErr = errors.New("timeout")
	if r.CancelOrder(context.Background(), order.ClientOrderID) {
		t.Fatalf("CancelOrder() = true on transport error, want false")
	}
	api.cancelErr = nil
	api.cancelAck = false
	if r.CancelOrder(context.Background(), order.ClientOrderID) {
		t.Fatalf("CancelOrder() = true without ack, want false")
	}
	api.cancelAck = true
	if !r.CancelOrder(context.Background(), order.ClientOrderID) {
		t.Fatalf("CancelOrder() = false, want true")
	}
	got, _ := r.Order(order.ClientOrderID)
	if got.State != core.Canceled {
		t.Fatalf("state = %s, want %s", got.State, core.Canceled)
	}
	if r.CancelOrder(context.Background(), "unknown") {
		t.Fatalf("CancelOrder(unknown) = true, want false")
	}
}

func TestCancelNotFoundFailsOrderAfterRepeatedMisses(t *testing.T) {
	api := newFakeOrderAPI()
	r, _ := newTestReconciler(t, api)
	order, _ := r.PlaceOrder(context.Background(), limitBuy())

	api.cancelErr = core.ErrOrderNotFound
	for i := 0; i < maxNotFoundPolls; i++ {
		if r.CancelOrder(context.Background(), order.ClientOrderID) {
			t.Fatalf("CancelOrder() = true on not found, want false")
		}
		got, _ := r.Order(order.ClientOrderID)
		want := core.PendingCreate
		if i == maxNotFoundPolls-1 {
			want = core.Failed
		}
		if got.State != want {
			t.Fatalf("state after %d misses = %s, want %s", i+1, got.State, want)
		}
	}
}

func TestUnknownOrderIsFailedAndRetiredAfterRepeatedNotFound(t *testing.T) {
	api := newFakeOrderAPI()
	r, st := newTestReconciler(t, api)
	order, err := r.PlaceOrder(context.Background(), limitBuy())
	if err != nil {
		t.Fatalf("PlaceOrder() error = %v", err)
	}

	for pass := 1; pass < maxNotFoundPolls; pass++ {
		if err := r.Reconcile(context.Background()); err != nil {
			t.Fatalf("Reconcile() pass %d error = %v", pass, err)
		}
		if _, ok := r.Order(order.ClientOrderID); !ok {
			t.Fatalf("order retired after %d misses, want still tracked", pass)
		}
	}
	if err := r.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if _, ok := r.Order(order.ClientOrderID); ok {
		t.Fatalf("order still tracked after %d not found polls", maxNotFoundPolls)
	}
	entries, err := os.ReadDir(filepath.Join(st.Root(), "history"))
	if err != nil || len(entries) != 1 {
		t.Fatalf("history entries = %v, %v; want one dated file", entries, err)
	}

	polled := api.polls()
	if err := r.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if api.polls() != polled {
		t.Fatalf("retired order polled again: %d calls, want %d", api.polls(), polled)
	}
}

func TestNotFoundCountResetsOnSuccessfulPoll(t *testing.T) {
	api := newFakeOrderAPI()
	r, _ := newTestReconciler(t, api)
	order, _ := r.PlaceOrder(context.Background(), limitBuy())

	reconcile := func() {
		t.Helper()
		if err := r.Reconcile(context.Background()); err != nil {
			t.Fatalf("Reconcile() error = %v", err)
		}
	}
	for i := 1; i < maxNotFoundPolls; i++ {
		reconcile()
	}
	api.setStatus("1001", "new")
	reconcile()
	api.forget("1001")
	for i := 1; i < maxNotFoundPolls; i++ {
		reconcile()
	}
	got, ok := r.Order(order.ClientOrderID)
	if !ok || got.State != core.Open {
		t.Fatalf("order = %+v, %v; want still Open", got, ok)
	}
}

func TestReconcileLogsClockSkew(t *testing.T) {
	api := newFakeOrderAPI()
	logger, hook := test.NewNullLogger()
	r, err := NewReconciler(ReconcilerOptions{API: api, Logger: logger})
	if err != nil {
		t.Fatalf("NewReconciler() error = %v", err)
	}
	order, _ := r.PlaceOrder(context.Background(), limitBuy())
	api.statusErr = errors.Join(errors.New("bitget api error code=40008"), core.ErrClockSkew)

	for i := 0; i < maxNotFoundPolls+1; i++ {
		if err := r.Reconcile(context.Background()); err != nil {
			t.Fatalf("Reconcile() error = %v", err)
		}
	}
	found := false
	for _, e := range hook.AllEntries() {
		if e.Data["event"] == "clock_skew_detected" {
			found = true
		}
	}
	if !found {
		t.Fatalf("missing clock_skew_detected log entry")
	}
	if got, ok := r.Order(order.ClientOrderID); !ok || got.State != core.PendingCreate {
		t.Fatalf("order = %+v, %v; want untouched PendingCreate", got, ok)
	}
}

func TestFillsAreDedupedAndAccumulated(t *testing.T) {
	api := newFakeOrderAPI()
	r, st := newTestReconciler(t, api)
	order, _ := r.PlaceOrder(context.Background(), limitBuy())

	fill := func(tradeID, size string) core.OrderEvent {
		return core.OrderEvent{
			ExchangeOrderID: "1001",
			RawStatus:       "partially_filled",
			Fill: &core.Fill{
				TradeID:         tradeID,
				ExchangeOrderID: "1001",
				Pair:            "BTC-USDT",
				Price:           decimal.RequireFromString("50000"),
				Size:            decimal.RequireFromString(size),
			},
		}
	}
	for _, ev := range []core.OrderEvent{fill("t1", "0.4"), fill("t1", "0.4"), fill("t2", "0.1")} {
		if err := r.ApplyStreamEvent(ev); err != nil {
			t.Fatalf("ApplyStreamEvent() error = %v", err)
		}
	}
	got, _ := r.Order(order.ClientOrderID)
	if !got.FilledSize.Equal(decimal.RequireFromString("0.5")) {
		t.Fatalf("FilledSize = %s, want 0.5", got.FilledSize)
	}
	if got.State != core.PartiallyFilled {
		t.Fatalf("state = %s, want %s", got.State, core.PartiallyFilled)
	}

	// a restarted reconciler sees the persisted ledger
	r2, err := NewReconciler(ReconcilerOptions{API: api, Store: st, Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("NewReconciler() error = %v", err)
	}
	r2.Restore([]core.TrackedOrder{got})
	if err := r2.ApplyStreamEvent(fill("t2", "0.1")); err != nil {
		t.Fatalf("ApplyStreamEvent() error = %v", err)
	}
	again, _ := r2.Order(order.ClientOrderID)
	if !again.FilledSize.Equal(decimal.RequireFromString("0.5")) {
		t.Fatalf("FilledSize after replay = %s, want 0.5", again.FilledSize)
	}
}

func TestStreamEventMatchesByClientID(t *testing.T) {
	api := newFakeOrderAPI()
	r, _ := newTestReconciler(t, api)
	order, _ := r.PlaceOrder(context.Background(), limitBuy())

	if err := r.ApplyStreamEvent(core.OrderEvent{ClientOrderID: order.ClientOrderID, RawStatus: "new"}); err != nil {
		t.Fatalf("ApplyStreamEvent() error = %v", err)
	}
	got, _ := r.Order(order.ClientOrderID)
	if got.State != core.Open {
		t.Fatalf("state = %s, want %s", got.State, core.Open)
	}
	if err := r.ApplyStreamEvent(core.OrderEvent{ExchangeOrderID: "9999", RawStatus: "new"}); !errors.Is(err, core.ErrUnknownOrder) {
		t.Fatalf("ApplyStreamEvent(untracked) error = %v, want ErrUnknownOrder", err)
	}
}

func TestReconcileLogsStaleOrders(t *testing.T) {
	api := newFakeOrderAPI()
	logger, hook := test.NewNullLogger()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r, err := NewReconciler(ReconcilerOptions{
		API:         api,
		Logger:      logger,
		MaxOrderAge: time.Hour,
		Now:         func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("NewReconciler() error = %v", err)
	}
	r.Restore([]core.TrackedOrder{{
		ClientOrderID:   "B-BTCUSDT-old",
		ExchangeOrderID: "77",
		Pair:            "BTC-USDT",
		State:           core.Open,
		CreatedAt:       now.Add(-2 * time.Hour),
	}})
	api.setStatus("77", "new")
	if err := r.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	found := false
	for _, e := range hook.AllEntries() {
		if e.Data["event"] == "order_stale" {
			found = true
		}
	}
	if !found {
		t.Fatalf("missing order_stale log entry")
	}
}

func TestRunAppliesQueuedPrivateMessages(t *testing.T) {
	api := newFakeOrderAPI()
	r, _ := newTestReconciler(t, api)
	order, _ := r.PlaceOrder(context.Background(), limitBuy())

	in := queue.New[bitget.Message]("user_stream", 8, queue.Block)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, in, bitget.NewParser([]string{"BTC-USDT"})) }()

	frames := []bitget.Message{
		{Event: "pong"},
		{
			Arg:  bitget.StreamArg{InstType: "spbl", Channel: "orders", InstID: "default"},
			Data: []byte(`[{"instId":"BTCUSDT_SPBL","ordId":"1001","clOrdId":"` + order.ClientOrderID + `","side":"buy","status":"full_fill","uTime":"1700000000000"}]`),
		},
	}
	for _, m := range frames {
		if err := in.Push(ctx, m); err != nil {
			t.Fatalf("Push() error = %v", err)
		}
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		got, _ := r.Order(order.ClientOrderID)
		if got.State == core.Filled {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("state = %s, want %s", got.State, core.Filled)
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run() error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run() did not stop on cancel")
	}
}

func TestRunStopsOnUnmappedStatus(t *testing.T) {
	api := newFakeOrderAPI()
	r, _ := newTestReconciler(t, api)
	_, _ = r.PlaceOrder(context.Background(), limitBuy())

	in := queue.New[bitget.Message]("user_stream", 8, queue.Block)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = in.Push(ctx, bitget.Message{
		Arg:  bitget.StreamArg{Channel: "orders"},
		Data: []byte(`[{"instId":"BTCUSDT_SPBL","ordId":"1001","status":"mystery"}]`),
	})
	err := r.Run(ctx, in, bitget.NewParser([]string{"BTC-USDT"}))
	if !errors.Is(err, ErrManualIntervention) {
		t.Fatalf("Run() error = %v, want ErrManualIntervention", err)
	}
}

func TestSeenTrackerBounds(t *testing.T) {
	s := newSeenTracker(2, time.Minute)
	now := time.Now()
	if s.Seen("a", now) || s.Seen("b", now) {
		t.Fatalf("first sighting reported as seen")
	}
	if !s.Seen("a", now) {
		t.Fatalf("Seen(a) = false, want true")
	}
	s.Seen("c", now)
	if s.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", s.Len())
	}
	if s.Seen("b", now.Add(2*time.Minute)) {
		t.Fatalf("expired key still seen")
	}
}
