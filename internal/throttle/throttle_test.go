package throttle

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestAcquireWaitsOnLinkedPool(t *testing.T) {
	th, err := New([]Limit{
		{ID: "pool", Rate: 2, Burst: 1},
		{ID: "endpoint", Rate: 1000, Burst: 100, Linked: []string{"pool"}},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 2; i++ {
		if err := th.Acquire(ctx, "endpoint"); err != nil {
			t.Fatalf("Acquire() error = %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed < 400*time.Millisecond {
		t.Fatalf("two acquires took %s, want >= 400ms from the 2/s pool", elapsed)
	}
}

func TestAcquireUnknownLimit(t *testing.T) {
	th, err := New([]Limit{{ID: "pool", Rate: 1}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := th.Acquire(context.Background(), "missing"); err == nil {
		t.Fatalf("Acquire(missing) error = nil, want error")
	}
}

func TestAcquireHonorsCancellation(t *testing.T) {
	th, err := New([]Limit{{ID: "pool", Rate: 0.5, Burst: 1}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	_ = th.Acquire(context.Background(), "pool")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := th.Acquire(ctx, "pool"); !errors.Is(err, context.Canceled) {
		t.Fatalf("Acquire() error = %v, want %v", err, context.Canceled)
	}
}

func TestNewRejectsUnknownLink(t *testing.T) {
	if _, err := New([]Limit{{ID: "a", Rate: 1, Linked: []string{"b"}}}); err == nil {
		t.Fatalf("New() error = nil, want unknown pool error")
	}
}
