package opcua

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuarded(t *testing.T) {
	const timeout = 20 * time.Millisecond

	t.Run("shared holders run concurrently", func(t *testing.T) {
		g := NewGuarded(newFakeClient(), timeout)
		inside := make(chan struct{})
		release := make(chan struct{})
		go func() {
			_ = g.Shared(context.Background(), func(Client) error {
				close(inside)
				<-release
				return nil
			})
		}()
		<-inside
		called := false
		require.NoError(t, g.Shared(context.Background(), func(Client) error {
			called = true
			return nil
		}))
		assert.True(t, called)
		close(release)
	})

	t.Run("exclusive times out behind a shared holder", func(t *testing.T) {
		g := NewGuarded(newFakeClient(), timeout)
		inside := make(chan struct{})
		release := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = g.Shared(context.Background(), func(Client) error {
				close(inside)
				<-release
				return nil
			})
		}()
		<-inside

		start := time.Now()
		err := g.Exclusive(context.Background(), func(Client) error {
			t.Error("exclusive section must not run")
			return nil
		})
		assert.ErrorIs(t, err, ErrLockTimeout)
		assert.Less(t, time.Since(start), 10*timeout)

		close(release)
		wg.Wait()
		assert.NoError(t, g.Exclusive(context.Background(), func(Client) error { return nil }))
	})

	t.Run("shared times out behind an exclusive holder", func(t *testing.T) {
		g := NewGuarded(newFakeClient(), timeout)
		inside := make(chan struct{})
		release := make(chan struct{})
		go func() {
			_ = g.Exclusive(context.Background(), func(Client) error {
				close(inside)
				<-release
				return nil
			})
		}()
		<-inside
		err := g.Shared(context.Background(), func(Client) error { return nil })
		assert.ErrorIs(t, err, ErrLockTimeout)
		close(release)
	})

	t.Run("cancelled context is reported as such", func(t *testing.T) {
		g := NewGuarded(newFakeClient(), timeout)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := g.Shared(ctx, func(Client) error { return nil })
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("fn error is returned", func(t *testing.T) {
		g := NewGuarded(newFakeClient(), timeout)
		err := g.Shared(context.Background(), func(Client) error { return assert.AnError })
		assert.ErrorIs(t, err, assert.AnError)
	})
}
