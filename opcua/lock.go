package opcua

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrLockTimeout is returned when the session lock cannot be acquired in time.
var ErrLockTimeout = errors.New("session lock timeout")

// maxReaders bounds concurrent shared holders; an exclusive holder takes
// all of it.
const maxReaders = 1 << 16

// Guarded owns a client and serializes access to it with a read/write lock
// whose acquisition gives up after a fixed timeout. Callers never block
// indefinitely on a wedged session.
type Guarded struct {
	sem     *semaphore.Weighted
	timeout time.Duration
	client  Client
}

// NewGuarded wraps c. Acquisitions wait at most timeout.
func NewGuarded(c Client, timeout time.Duration) *Guarded {
	return &Guarded{
		sem:     semaphore.NewWeighted(maxReaders),
		timeout: timeout,
		client:  c,
	}
}

// Shared runs fn with a shared hold on the client.
func (g *Guarded) Shared(ctx context.Context, fn func(Client) error) error {
	return g.with(ctx, 1, fn)
}

// Exclusive runs fn with the only hold on the client.
func (g *Guarded) Exclusive(ctx context.Context, fn func(Client) error) error {
	return g.with(ctx, maxReaders, fn)
}

func (g *Guarded) with(ctx context.Context, weight int64, fn func(Client) error) error {
	actx, cancel := context.WithTimeout(ctx, g.timeout)
	err := g.sem.Acquire(actx, weight)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrLockTimeout
	}
	defer g.sem.Release(weight)
	return fn(g.client)
}
