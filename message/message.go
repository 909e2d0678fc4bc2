// Package message defines the payloads carried from partner sessions to the
// storage writers, and the send helpers that enforce the channel contract:
// notification handlers never block, bookkeeping sends wait a bounded time.
package message

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrChannelFull is returned by TrySend when the receiver has no free slot.
var ErrChannelFull = errors.New("channel full")

// ErrSendTimeout is returned by SendTimeout when the deadline expires.
var ErrSendTimeout = errors.New("send timed out")

// TagChange is one value change of one tag. Value holds the storage
// encoding of the protocol value and may be nil.
type TagChange struct {
	TagName         string
	Value           interface{}
	SourceTimestamp time.Time
}

// DataChange is a batch of tag changes for one partner. An empty batch asks
// the writer to materialize the partner's record.
type DataChange struct {
	PartnerID string
	Changes   []TagChange
}

func (d DataChange) String() string {
	var sb strings.Builder
	sb.WriteString(d.PartnerID)
	sb.WriteString(" [ ")
	for i, c := range d.Changes {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%s=%v", c.TagName, c.Value)
	}
	sb.WriteString(" ]")
	return sb.String()
}

// HealthCommand is the kind of a health message.
type HealthCommand int

const (
	// HealthUpdate records a fresh server timestamp.
	HealthUpdate HealthCommand = iota
	// HealthRemove deletes the partner's health record.
	HealthRemove
)

func (c HealthCommand) String() string {
	switch c {
	case HealthUpdate:
		return "update"
	case HealthRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// Health is a heartbeat or removal notice for one partner.
// ServerTimestamp is only meaningful for HealthUpdate.
type Health struct {
	PartnerID       string
	Command         HealthCommand
	ServerTimestamp time.Time
}

// Update builds a HealthUpdate message.
func Update(partnerID string, ts time.Time) Health {
	return Health{PartnerID: partnerID, Command: HealthUpdate, ServerTimestamp: ts}
}

// Remove builds a HealthRemove message.
func Remove(partnerID string) Health {
	return Health{PartnerID: partnerID, Command: HealthRemove}
}

// TrySend delivers v without blocking.
func TrySend[T any](ch chan<- T, v T) error {
	select {
	case ch <- v:
		return nil
	default:
		return ErrChannelFull
	}
}

// SendTimeout delivers v, waiting at most d or until ctx is done.
func SendTimeout[T any](ctx context.Context, ch chan<- T, v T, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case ch <- v:
		return nil
	case <-t.C:
		return ErrSendTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}
