package cancel

import (
	"context"
	"sync"
)

// Canceller is a channel-based cancellation helper that can be cancelled
// multiple times safely and shared between goroutines.
type Canceller struct {
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

// New returns a new Canceller.
func New() *Canceller {
	c := &Canceller{}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	return c
}

// Cancel cancels the Canceller. It is safe to call multiple times.
func (c *Canceller) Cancel() {
	c.once.Do(c.cancel)
}

// Done returns a channel which is closed once the Canceller is cancelled.
func (c *Canceller) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Err returns nil while the Canceller is active and context.Canceled once
// it has been cancelled.
func (c *Canceller) Err() error {
	return c.ctx.Err()
}
