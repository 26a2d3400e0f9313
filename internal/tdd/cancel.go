package tdd

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
)

// Canceler is a one-shot cancellation token read by every loop iteration.
// Once requested it stays requested.
type Canceler struct {
	requested atomic.Bool
	once      sync.Once
	done      chan struct{}
}

// NewCanceler returns a token that has not been requested.
func NewCanceler() *Canceler {
	return &Canceler{done: make(chan struct{})}
}

// Cancel requests cancellation. Calls after the first are no-ops.
func (c *Canceler) Cancel() {
	c.once.Do(func() {
		c.requested.Store(true)
		close(c.done)
	})
}

// Requested reports whether Cancel has been called.
func (c *Canceler) Requested() bool { return c.requested.Load() }

// Done is closed when cancellation is requested.
func (c *Canceler) Done() <-chan struct{} { return c.done }

// NotifyOnSignal cancels c when one of sigs arrives. The returned func stops
// the relay.
func NotifyOnSignal(c *Canceler, sigs ...os.Signal) (stop func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sigs...)
	quit := make(chan struct{})
	go func() {
		select {
		case <-ch:
			c.Cancel()
		case <-quit:
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			signal.Stop(ch)
			close(quit)
		})
	}
}

// bindContext cancels c when ctx is done.
func bindContext(ctx context.Context, c *Canceler) (stop func() bool) {
	return context.AfterFunc(ctx, c.Cancel)
}

// withCanceler returns a context that is also cancelled once c is requested,
// so calls blocked in the device return promptly.
func withCanceler(ctx context.Context, c *Canceler) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-c.Done():
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
