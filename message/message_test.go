package message

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrySend(t *testing.T) {
	ch := make(chan DataChange, 1)

	require.NoError(t, TrySend(ch, DataChange{PartnerID: "P1"}))
	assert.ErrorIs(t, TrySend(ch, DataChange{PartnerID: "P2"}), ErrChannelFull)

	got := <-ch
	assert.Equal(t, "P1", got.PartnerID, "dropped message must not replace the queued one")
}

func TestSendTimeout(t *testing.T) {
	t.Run("delivers when room", func(t *testing.T) {
		ch := make(chan Health, 1)
		require.NoError(t, SendTimeout(context.Background(), ch, Remove("P1"), 10*time.Millisecond))
		assert.Equal(t, HealthRemove, (<-ch).Command)
	})

	t.Run("times out when full", func(t *testing.T) {
		ch := make(chan Health)
		start := time.Now()
		err := SendTimeout(context.Background(), ch, Remove("P1"), 20*time.Millisecond)
		assert.ErrorIs(t, err, ErrSendTimeout)
		assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	})

	t.Run("cancelled context", func(t *testing.T) {
		ch := make(chan Health)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := SendTimeout(ctx, ch, Remove("P1"), time.Second)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestDataChangeString(t *testing.T) {
	d := DataChange{
		PartnerID: "P1",
		Changes: []TagChange{
			{TagName: "first", Value: "a value"},
			{TagName: "second", Value: int32(42)},
			{TagName: "third", Value: false},
		},
	}
	assert.Equal(t, "P1 [ first=a value, second=42, third=false ]", d.String())
}

func TestHealthConstructors(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	u := Update("P1", ts)
	assert.Equal(t, HealthUpdate, u.Command)
	assert.Equal(t, ts, u.ServerTimestamp)
	assert.Equal(t, "update", u.Command.String())
	assert.Equal(t, "remove", Remove("P1").Command.String())
}
