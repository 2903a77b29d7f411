package dispatch

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/telemetry"
)

// Queue hands items to a handler on a dedicated goroutine. Push never blocks:
// when the buffer is full the item is dropped and logged.
type Queue[T any] struct {
	name    string
	items   chan queued[T]
	handle  func(context.Context, T) error
	logger  telemetry.Logger
	dropped atomic.Int64

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

type queued[T any] struct {
	ctx  context.Context
	item T
}

// NewQueue starts a queue of the given capacity.
func NewQueue[T any](name string, size int, logger telemetry.Logger, handle func(context.Context, T) error) *Queue[T] {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	q := &Queue[T]{
		name:   name,
		items:  make(chan queued[T], size),
		handle: handle,
		logger: logger,
		done:   make(chan struct{}),
	}
	go q.run()
	return q
}

// Push enqueues item. It reports false when the item was dropped.
func (q *Queue[T]) Push(ctx context.Context, item T) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return false
	}
	select {
	case q.items <- queued[T]{ctx: context.WithoutCancel(ctx), item: item}:
		return true
	default:
		n := q.dropped.Add(1)
		q.logger.Warn(ctx, "dispatch queue full, dropping item", "queue", q.name, "dropped", n)
		return false
	}
}

// Dropped returns the number of items dropped so far.
func (q *Queue[T]) Dropped() int64 { return q.dropped.Load() }

// Close stops accepting items and waits for the buffered ones to be handled
// or for ctx to be done.
func (q *Queue[T]) Close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.items)
	}
	q.mu.Unlock()
	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue[T]) run() {
	defer close(q.done)
	for it := range q.items {
		if err := q.handle(it.ctx, it.item); err != nil {
			q.logger.Warn(it.ctx, "dispatch queue handler failed", "queue", q.name, "err", err)
		}
	}
}
