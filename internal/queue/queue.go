package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type Policy string

const (
	// Block makes Push wait for room.
	Block Policy = "block"
	// DropOldest evicts the head of the queue to make room and counts the loss.
	DropOldest Policy = "drop_oldest"
)

var ErrClosed = errors.New("queue closed")

const defaultCapacity = 1024

func ParsePolicy(v string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(v))) {
	case Block:
		return Block, nil
	case DropOldest, "":
		return DropOldest, nil
	}
	return "", fmt.Errorf("unknown queue policy %q", v)
}

// Queue is a bounded multi-producer, single-consumer FIFO.
type Queue[T any] struct {
	name   string
	policy Policy
	items  chan T

	// serializes evict-then-send under DropOldest
	pushMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}

	dropped   atomic.Uint64
	dropCount metric.Int64Counter
	attrs     metric.MeasurementOption
}

func New[T any](name string, capacity int, policy Policy) *Queue[T] {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	if policy == "" {
		policy = DropOldest
	}
	q := &Queue[T]{
		name:   name,
		policy: policy,
		items:  make(chan T, capacity),
		closed: make(chan struct{}),
		attrs:  metric.WithAttributes(attribute.String("queue", name), attribute.String("policy", string(policy))),
	}
	meter := otel.Meter("bitget-spot/queue")
	q.dropCount, _ = meter.Int64Counter("connector_queue_dropped_total",
		metric.WithDescription("Messages evicted from a bounded delivery queue"),
		metric.WithUnit("{message}"))
	return q
}

func (q *Queue[T]) Name() string { return q.name }

func (q *Queue[T]) Policy() Policy { return q.policy }

func (q *Queue[T]) Len() int { return len(q.items) }

func (q *Queue[T]) Cap() int { return cap(q.items) }

// Dropped returns the number of messages evicted since construction.
func (q *Queue[T]) Dropped() uint64 { return q.dropped.Load() }

func (q *Queue[T]) Push(ctx context.Context, v T) error {
	select {
	case <-q.closed:
		return ErrClosed
	default:
	}
	if q.policy == Block {
		select {
		case q.items <- v:
			return nil
		case <-q.closed:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	q.pushMu.Lock()
	defer q.pushMu.Unlock()
	for {
		select {
		case q.items <- v:
			return nil
		default:
		}
		select {
		case <-q.items:
			q.dropped.Add(1)
			if q.dropCount != nil {
				q.dropCount.Add(ctx, 1, q.attrs)
			}
		default:
		}
	}
}

// Pop waits for the next message. Messages queued before Close are still delivered.
func (q *Queue[T]) Pop(ctx context.Context) (T, error) {
	var zero T
	select {
	case v := <-q.items:
		return v, nil
	default:
	}
	select {
	case v := <-q.items:
		return v, nil
	case <-q.closed:
		select {
		case v := <-q.items:
			return v, nil
		default:
			return zero, ErrClosed
		}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (q *Queue[T]) Close() {
	q.closeOnce.Do(func() { close(q.closed) })
}
