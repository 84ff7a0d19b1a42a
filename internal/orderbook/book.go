package orderbook

import (
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var ErrNotSeeded = errors.New("order book has no snapshot")

type Level struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// Snapshot is an immutable point-in-time copy of a book. Bids are sorted
// descending, asks ascending, with one entry per price.
type Snapshot struct {
	Pair     string    `json:"pair"`
	Bids     []Level   `json:"bids"`
	Asks     []Level   `json:"asks"`
	Sequence int64     `json:"sequence"`
	Time     time.Time `json:"time"`
}

func (s Snapshot) BestBid() (Level, bool) {
	if len(s.Bids) == 0 {
		return Level{}, false
	}
	return s.Bids[0], true
}

func (s Snapshot) BestAsk() (Level, bool) {
	if len(s.Asks) == 0 {
		return Level{}, false
	}
	return s.Asks[0], true
}

// RawLevel is a price/size pair as the exchange sends it.
type RawLevel struct {
	Price string
	Size  string
}

// Delta is an incremental update; a zero size removes the level.
type Delta struct {
	Pair     string
	Bids     []RawLevel
	Asks     []RawLevel
	Sequence int64
	Time     time.Time
}

// Book is owned by a single goroutine; callers receive Snapshot copies only.
type Book struct {
	pair     string
	seeded   bool
	bids     map[string]Level
	asks     map[string]Level
	pending  []Delta
	sequence int64
	updated  time.Time
}

func NewBook(pair string) *Book {
	return &Book{
		pair: pair,
		bids: make(map[string]Level),
		asks: make(map[string]Level),
	}
}

func (b *Book) Pair() string { return b.pair }

func (b *Book) Seeded() bool { return b.seeded }

// Reset replaces the book wholesale with snap and replays deltas newer than it.
func (b *Book) Reset(snap Snapshot) error {
	b.bids = make(map[string]Level, len(snap.Bids))
	b.asks = make(map[string]Level, len(snap.Asks))
	for _, l := range snap.Bids {
		setLevel(b.bids, l)
	}
	for _, l := range snap.Asks {
		setLevel(b.asks, l)
	}
	b.seeded = true
	b.sequence = snap.Sequence
	b.updated = snap.Time

	pending := b.pending
	b.pending = nil
	sort.SliceStable(pending, func(i, j int) bool { return pending[i].Sequence < pending[j].Sequence })
	for _, d := range pending {
		if d.Sequence != 0 && d.Sequence <= b.sequence {
			continue
		}
		if err := b.apply(d); err != nil {
			return err
		}
	}
	return nil
}

// Apply merges d into the book. Before the first snapshot deltas are buffered
// and ErrNotSeeded is returned so the caller can fetch one.
func (b *Book) Apply(d Delta) error {
	if !b.seeded {
		b.pending = append(b.pending, d)
		return ErrNotSeeded
	}
	if d.Sequence != 0 && d.Sequence < b.sequence {
		return nil
	}
	return b.apply(d)
}

func (b *Book) apply(d Delta) error {
	bids, err := parseLevels(d.Bids)
	if err != nil {
		return err
	}
	asks, err := parseLevels(d.Asks)
	if err != nil {
		return err
	}
	for _, l := range bids {
		setLevel(b.bids, l)
	}
	for _, l := range asks {
		setLevel(b.asks, l)
	}
	if d.Sequence != 0 {
		b.sequence = d.Sequence
	}
	if !d.Time.IsZero() {
		b.updated = d.Time
	}
	return nil
}

func (b *Book) Snapshot() Snapshot {
	return Snapshot{
		Pair:     b.pair,
		Bids:     sortedLevels(b.bids, true),
		Asks:     sortedLevels(b.asks, false),
		Sequence: b.sequence,
		Time:     b.updated,
	}
}

// ParseSnapshot converts raw levels into a sorted snapshot; repeated prices keep the last size.
func ParseSnapshot(pair string, bids, asks []RawLevel, seq int64, ts time.Time) (Snapshot, error) {
	b := NewBook(pair)
	b.seeded = true
	if err := b.apply(Delta{Bids: bids, Asks: asks, Sequence: seq, Time: ts}); err != nil {
		return Snapshot{}, err
	}
	return b.Snapshot(), nil
}

func parseLevels(raw []RawLevel) ([]Level, error) {
	out := make([]Level, 0, len(raw))
	for _, r := range raw {
		price, err := decimal.NewFromString(strings.TrimSpace(r.Price))
		if err != nil {
			return nil, err
		}
		size := decimal.Zero
		if s := strings.TrimSpace(r.Size); s != "" {
			size, err = decimal.NewFromString(s)
			if err != nil {
				return nil, err
			}
		}
		out = append(out, Level{Price: price, Size: size})
	}
	return out, nil
}

func setLevel(side map[string]Level, l Level) {
	key := l.Price.String()
	if l.Size.Sign() <= 0 {
		delete(side, key)
		return
	}
	side[key] = l
}

func sortedLevels(side map[string]Level, desc bool) []Level {
	out := make([]Level, 0, len(side))
	for _, l := range side {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		if desc {
			return out[i].Price.GreaterThan(out[j].Price)
		}
		return out[i].Price.LessThan(out[j].Price)
	})
	return out
}
