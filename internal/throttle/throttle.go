package throttle

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// Limit caps one endpoint or pool at Rate requests per second. Linked names
// pools that must also admit the request.
type Limit struct {
	ID     string
	Rate   float64
	Burst  int
	Linked []string
}

type Throttler struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	linked   map[string][]string
}

func New(limits []Limit) (*Throttler, error) {
	t := &Throttler{
		limiters: make(map[string]*rate.Limiter, len(limits)),
		linked:   make(map[string][]string, len(limits)),
	}
	for _, l := range limits {
		if l.ID == "" {
			return nil, fmt.Errorf("throttle limit id required")
		}
		if l.Rate <= 0 {
			return nil, fmt.Errorf("throttle limit %s: rate must be > 0", l.ID)
		}
		burst := l.Burst
		if burst <= 0 {
			burst = int(l.Rate)
			if burst < 1 {
				burst = 1
			}
		}
		t.limiters[l.ID] = rate.NewLimiter(rate.Limit(l.Rate), burst)
		t.linked[l.ID] = append([]string(nil), l.Linked...)
	}
	for id, links := range t.linked {
		for _, pool := range links {
			if _, ok := t.limiters[pool]; !ok {
				return nil, fmt.Errorf("throttle limit %s links unknown pool %s", id, pool)
			}
		}
	}
	return t, nil
}

// Acquire blocks until the limit and every linked pool admit one request.
func (t *Throttler) Acquire(ctx context.Context, id string) error {
	if t == nil {
		return nil
	}
	t.mu.RLock()
	limiter, ok := t.limiters[id]
	links := t.linked[id]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown rate limit %q", id)
	}
	for _, pool := range links {
		t.mu.RLock()
		pl := t.limiters[pool]
		t.mu.RUnlock()
		if err := pl.Wait(ctx); err != nil {
			return err
		}
	}
	return limiter.Wait(ctx)
}

func (t *Throttler) Has(id string) bool {
	if t == nil {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.limiters[id]
	return ok
}
