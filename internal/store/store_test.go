package store

import (
	"bufio"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"bitget-spot/internal/core"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s
}

func countLines(t *testing.T, path string) int {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	n := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		n++
	}
	return n
}

func TestNewRequiresRoot(t *testing.T) {
	if _, err := New(" ", nil); err == nil {
		t.Fatalf("New(blank) error = nil, want error")
	}
}

func TestActiveOrdersRoundTrip(t *testing.T) {
	s := newTestStore(t)
	if _, ok, err := s.LoadActiveOrders(); err != nil || ok {
		t.Fatalf("LoadActiveOrders() on empty dir = %v, %v, want false, nil", ok, err)
	}
	in := []core.TrackedOrder{{
		ClientOrderID:   "B-BTCUSDT-abc",
		ExchangeOrderID: "9001",
		Pair:            "BTC-USDT",
		Side:            core.Buy,
		Type:            core.Limit,
		Price:           decimal.RequireFromString("50000"),
		Size:            decimal.RequireFromString("1"),
		State:           core.Open,
		CreatedAt:       time.Now().UTC(),
	}}
	if err := s.SaveActiveOrders(in); err != nil {
		t.Fatalf("SaveActiveOrders() error = %v", err)
	}
	snap, ok, err := s.LoadActiveOrdersSnapshot()
	if err != nil || !ok {
		t.Fatalf("LoadActiveOrdersSnapshot() = %v, %v", ok, err)
	}
	if snap.SnapshotID == "" || snap.UpdatedAt.IsZero() {
		t.Fatalf("snapshot metadata missing: %+v", snap)
	}
	if len(snap.Orders) != 1 || snap.Orders[0].ExchangeOrderID != "9001" || !snap.Orders[0].Price.Equal(in[0].Price) {
		t.Fatalf("orders = %+v, want %+v", snap.Orders, in)
	}
	if snap.Orders[0].State != core.Open {
		t.Fatalf("State = %q, want open", snap.Orders[0].State)
	}

	if err := s.SaveActiveOrders(nil); err != nil {
		t.Fatalf("SaveActiveOrders(nil) error = %v", err)
	}
	orders, ok, err := s.LoadActiveOrders()
	if err != nil || !ok || orders == nil || len(orders) != 0 {
		t.Fatalf("LoadActiveOrders() = %v, %v, %v, want empty non-nil", orders, ok, err)
	}
}

func TestAppendHistoryAndFillsAreDated(t *testing.T) {
	s := newTestStore(t)
	day := time.Date(2024, 3, 9, 12, 0, 0, 0, time.UTC)
	if err := s.AppendHistory(
		core.TrackedOrder{ClientOrderID: "a", State: core.Filled, LastUpdate: day},
		core.TrackedOrder{ClientOrderID: "b", State: core.Canceled, LastUpdate: day},
	); err != nil {
		t.Fatalf("AppendHistory() error = %v", err)
	}
	if got := countLines(t, filepath.Join(s.Root(), "history", "2024-03-09.jsonl")); got != 2 {
		t.Fatalf("history lines = %d, want 2", got)
	}
	if err := s.AppendFill(core.Fill{TradeID: "t1", Time: day}); err != nil {
		t.Fatalf("AppendFill() error = %v", err)
	}
	if got := countLines(t, filepath.Join(s.Root(), "fills", "2024-03-09.jsonl")); got != 1 {
		t.Fatalf("fill lines = %d, want 1", got)
	}
}

func TestLedgerSurvivesReopen(t *testing.T) {
	root := t.TempDir()
	s, err := New(root, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := s.RecordLedgerKey("order:1|trade:t1", time.Time{}); err != nil {
		t.Fatalf("RecordLedgerKey() error = %v", err)
	}
	if err := s.RecordLedgerKey("order:1|trade:t1", time.Time{}); err != nil {
		t.Fatalf("RecordLedgerKey(dup) error = %v", err)
	}
	if got := countLines(t, filepath.Join(root, "fill_ledger.jsonl")); got != 1 {
		t.Fatalf("ledger lines = %d, want 1", got)
	}

	reopened, err := New(root, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	seen, err := reopened.HasLedgerKey("order:1|trade:t1")
	if err != nil || !seen {
		t.Fatalf("HasLedgerKey() = %v, %v, want true", seen, err)
	}
	seen, err = reopened.HasLedgerKey("order:1|trade:t2")
	if err != nil || seen {
		t.Fatalf("HasLedgerKey(unknown) = %v, %v, want false", seen, err)
	}
}

func TestStoreRuntimeStatusRoundTrip(t *testing.T) {
	s := newTestStore(t)
	disc := time.Now().UTC().Add(-10 * time.Second)
	in := RuntimeStatus{
		InstanceID:        "conn-1",
		Pairs:             []string{"BTC-USDT"},
		PID:               1234,
		State:             "degraded",
		UserStream:        "interrupted",
		ActiveOrders:      3,
		StartedAt:         time.Now().UTC().Add(-time.Minute),
		LastError:         "dial timeout",
		ReconnectAttempts: 2,
		DisconnectedAt:    &disc,
	}
	if err := s.SaveRuntimeStatus(in); err != nil {
		t.Fatalf("SaveRuntimeStatus() error = %v", err)
	}
	out, ok, err := s.LoadRuntimeStatus()
	if err != nil || !ok {
		t.Fatalf("LoadRuntimeStatus() = %v, %v", ok, err)
	}
	if out.InstanceID != in.InstanceID || out.State != in.State || out.ActiveOrders != 3 || out.ReconnectAttempts != 2 {
		t.Fatalf("LoadRuntimeStatus() = %+v, want %+v", out, in)
	}
	if out.UpdatedAt.IsZero() || out.DisconnectedAt == nil {
		t.Fatalf("timestamps not persisted: %+v", out)
	}
}
