package engine

import (
	"sync"
	"time"

	"bitget-spot/internal/core"
)

// seenTracker remembers recently applied fill keys, bounded by count and age.
type seenTracker struct {
	mu    sync.Mutex
	items map[string]time.Time
	order []seenEntry
	max   int
	ttl   time.Duration
}

type seenEntry struct {
	key string
	at  time.Time
}

func newSeenTracker(max int, ttl time.Duration) *seenTracker {
	if max < 1 {
		max = 1
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &seenTracker{items: make(map[string]time.Time, max), max: max, ttl: ttl}
}

// Seen marks key and reports whether it was already marked.
func (s *seenTracker) Seen(key string, now time.Time) bool {
	if s == nil || key == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prune(now)
	if _, ok := s.items[key]; ok {
		return true
	}
	s.items[key] = now
	s.order = append(s.order, seenEntry{key: key, at: now})
	s.prune(now)
	return false
}

func (s *seenTracker) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

func (s *seenTracker) prune(now time.Time) {
	expireBefore := now.Add(-s.ttl)
	for len(s.order) > 0 {
		head := s.order[0]
		ts, ok := s.items[head.key]
		switch {
		case !ok || !ts.Equal(head.at):
		case ts.Before(expireBefore), len(s.items) > s.max:
			delete(s.items, head.key)
		default:
			return
		}
		s.order = s.order[1:]
	}
}

func fillKey(f core.Fill) string {
	if f.TradeID == "" {
		return ""
	}
	id := f.ExchangeOrderID
	if id == "" {
		id = f.ClientOrderID
	}
	return "order:" + id + "|trade:" + f.TradeID
}
