// Package actor provides the single serialization point for one user
// session: a bounded FIFO of work items drained by exactly one goroutine.
//
// Timer callbacks, capture results, inbound channel messages, and host
// signals all enqueue work here instead of touching session state
// directly, so no two mutations ever run concurrently.
package actor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrClosed is returned once the loop has been closed.
var ErrClosed = errors.New("actor: loop closed")

// ErrFull is returned by Post when the queue has no free slot.
var ErrFull = errors.New("actor: queue full")

const defaultQueueSize = 256

// Loop serializes work items.
type Loop struct {
	queue  chan func()
	done   chan struct{}
	logger *slog.Logger

	closeOnce sync.Once
}

// New returns a loop whose queue holds size pending items.
func New(size int, logger *slog.Logger) *Loop {
	if size <= 0 {
		size = defaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		queue:  make(chan func(), size),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Run drains the queue until ctx is done or Close is called. It must be
// called from exactly one goroutine.
func (l *Loop) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			l.Close()
			return
		case <-l.done:
			return
		case fn := <-l.queue:
			l.run(fn)
		}
	}
}

func (l *Loop) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("actor work item panicked", "panic", fmt.Sprint(r))
		}
	}()
	fn()
}

// Post enqueues fn without blocking.
func (l *Loop) Post(fn func()) error {
	if fn == nil {
		return nil
	}
	select {
	case <-l.done:
		return ErrClosed
	default:
	}
	select {
	case l.queue <- fn:
		return nil
	case <-l.done:
		return ErrClosed
	default:
		return ErrFull
	}
}

// Submit enqueues fn, waiting for a free slot until ctx is done.
func (l *Loop) Submit(ctx context.Context, fn func()) error {
	if fn == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-l.done:
		return ErrClosed
	default:
	}
	select {
	case l.queue <- fn:
		return nil
	case <-l.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do runs fn on the loop and waits for it to finish.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	if ctx == nil {
		ctx = context.Background()
	}
	finished := make(chan struct{})
	if err := l.Submit(ctx, func() {
		defer close(finished)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-l.done:
		// The item may have been discarded with the rest of the queue.
		select {
		case <-finished:
			return nil
		default:
			return ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the loop. Queued items that have not started are dropped.
// Safe to call more than once and from any goroutine.
func (l *Loop) Close() {
	l.closeOnce.Do(func() { close(l.done) })
}

// Done is closed when the loop stops.
func (l *Loop) Done() <-chan struct{} { return l.done }
