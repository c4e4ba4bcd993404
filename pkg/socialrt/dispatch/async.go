package dispatch

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

var (
	ErrQueueFull        = errors.New("dispatch queue is full")
	ErrDispatcherClosed = errors.New("dispatcher is closed")
)

// DefaultQueueSize is the AsyncDispatcher queue size used when none is given.
const DefaultQueueSize = 100

type queuedEvent struct {
	ctx   context.Context
	event Event
	fn    func(ctx context.Context)
}

// AsyncDispatcher moves delivery off the caller's goroutine. Events are
// handed to the wrapped Dispatcher one at a time from a single goroutine, so
// observers never run concurrently with each other and see events in the
// order they were enqueued.
type AsyncDispatcher struct {
	wrapped   *Dispatcher
	queue     chan queuedEvent
	done      chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
}

// NewAsyncDispatcher wraps d with a queue of the given size.
//
// Example:
//
//	async := dispatch.NewAsyncDispatcher(d, 100).Start()
//	defer async.Close()
func NewAsyncDispatcher(d *Dispatcher, queueSize int) *AsyncDispatcher {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	return &AsyncDispatcher{
		wrapped: d,
		queue:   make(chan queuedEvent, queueSize),
		done:    make(chan struct{}),
	}
}

// Start begins delivering queued events. Calling it more than once has no effect.
func (a *AsyncDispatcher) Start() *AsyncDispatcher {
	a.startOnce.Do(func() {
		a.wg.Add(1)
		go a.processQueue()
	})
	return a
}

func (a *AsyncDispatcher) processQueue() {
	defer a.wg.Done()

	for {
		select {
		case q := <-a.queue:
			a.deliver(q)
		case <-a.done:
			a.drainQueue()
			return
		}
	}
}

// drainQueue delivers whatever is still queued at shutdown
func (a *AsyncDispatcher) drainQueue() {
	for {
		select {
		case q := <-a.queue:
			a.deliver(q)
		default:
			return
		}
	}
}

func (a *AsyncDispatcher) deliver(q queuedEvent) {
	if q.fn == nil {
		a.wrapped.Dispatch(q.ctx, q.event)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			a.wrapped.logger.Error("Callback panicked", zap.Any("panic", r))
		}
	}()
	q.fn(q.ctx)
}

// Dispatch enqueues event and returns immediately.
func (a *AsyncDispatcher) Dispatch(ctx context.Context, event Event) error {
	if a.IsClosed() {
		return ErrDispatcherClosed
	}

	select {
	case a.queue <- queuedEvent{ctx: ctx, event: event}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Call enqueues fn to run on the delivery goroutine, after every event
// already queued and never concurrently with an observer.
func (a *AsyncDispatcher) Call(ctx context.Context, fn func(ctx context.Context)) error {
	if a.IsClosed() {
		return ErrDispatcherClosed
	}

	select {
	case a.queue <- queuedEvent{ctx: ctx, fn: fn}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops the delivery goroutine after delivering any queued events.
func (a *AsyncDispatcher) Close() error {
	a.closeOnce.Do(func() {
		close(a.done)
		a.wg.Wait()
	})
	return nil
}

// IsClosed reports whether Close has been called.
func (a *AsyncDispatcher) IsClosed() bool {
	select {
	case <-a.done:
		return true
	default:
		return false
	}
}

// QueueSize returns the number of events waiting for delivery.
func (a *AsyncDispatcher) QueueSize() int {
	return len(a.queue)
}
