// Package sink moves data changes and heartbeats from the session channels
// to every configured storage sink.
package sink

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"opcuaproxy/logging"
	"opcuaproxy/message"
)

// Sink is a storage or broker destination.
type Sink interface {
	Name() string
	WriteData(ctx context.Context, m message.DataChange) error
	WriteHealth(ctx context.Context, m message.Health) error
}

// DefaultWriteTimeout bounds a single write to a single sink.
const DefaultWriteTimeout = 5 * time.Second

// Router drains the two outbound channels. Messages are written to each
// sink in the order they were received; a failing sink does not hold back
// the others and its message is dropped.
type Router struct {
	sinks        []Sink
	writeTimeout time.Duration
	log          *slog.Logger
}

// NewRouter creates a router over the given sinks.
func NewRouter(sinks []Sink, writeTimeout time.Duration, log *slog.Logger) *Router {
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	if log == nil {
		log = logging.Discard()
	}
	return &Router{
		sinks:        sinks,
		writeTimeout: writeTimeout,
		log:          log.With("component", "sink"),
	}
}

// Run consumes both channels until ctx is cancelled or a channel is closed.
// On cancellation, messages already buffered are still written.
func (r *Router) Run(ctx context.Context, data <-chan message.DataChange, health <-chan message.Health) error {
	names := make([]string, len(r.sinks))
	for i, s := range r.sinks {
		names[i] = s.Name()
	}
	r.log.Info("sink router started", "sinks", names)

	var g errgroup.Group
	g.Go(func() error {
		consume(ctx, data, r.writeData)
		return nil
	})
	g.Go(func() error {
		consume(ctx, health, r.writeHealth)
		return nil
	})
	err := g.Wait()
	r.log.Info("sink router stopped")
	return err
}

// consume calls write for every message on ch. After ctx is done it empties
// the buffer without waiting for new messages.
func consume[T any](ctx context.Context, ch <-chan T, write func(T)) {
	for {
		select {
		case m, ok := <-ch:
			if !ok {
				return
			}
			write(m)
		case <-ctx.Done():
			for {
				select {
				case m, ok := <-ch:
					if !ok {
						return
					}
					write(m)
				default:
					return
				}
			}
		}
	}
}

func (r *Router) writeData(m message.DataChange) {
	for _, s := range r.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), r.writeTimeout)
		err := s.WriteData(ctx, m)
		cancel()
		if err != nil {
			r.log.Error("writing data change", "sink", s.Name(), "partner_id", m.PartnerID, "error", err)
		}
	}
}

func (r *Router) writeHealth(m message.Health) {
	for _, s := range r.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), r.writeTimeout)
		err := s.WriteHealth(ctx, m)
		cancel()
		if err != nil {
			r.log.Error("writing health message", "sink", s.Name(), "partner_id", m.PartnerID,
				"command", m.Command.String(), "error", err)
		}
	}
}
