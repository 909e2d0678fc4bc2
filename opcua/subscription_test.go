package opcua

import (
	"context"
	"testing"
	"time"

	"github.com/gopcua/opcua/id"
	"github.com/gopcua/opcua/ua"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opcuaproxy/logging"
	"opcuaproxy/message"
)

func sampleTags(n int) []ResolvedTag {
	tags := make([]ResolvedTag, n)
	for i := range tags {
		tags[i] = ResolvedTag{Name: string(rune('A' + i)), NodeID: ua.NewNumericNodeID(1, uint32(3+i))}
	}
	return tags
}

func itemNotification(handle uint32, v *ua.Variant, ts time.Time) *ua.MonitoredItemNotification {
	dv := &ua.DataValue{Value: v, SourceTimestamp: ts}
	if v != nil {
		dv.EncodingMask |= ua.DataValueValue
	}
	if !ts.IsZero() {
		dv.EncodingMask |= ua.DataValueSourceTimestamp
	}
	return &ua.MonitoredItemNotification{ClientHandle: handle, Value: dv}
}

func TestMonitoredItems_HandlesFollowOrder(t *testing.T) {
	for _, n := range []int{0, 1, 5, 40} {
		tags := sampleTags(n)
		items := MonitoredItems(tags, Settings{SamplingInterval: 250 * time.Millisecond, QueueSize: 4})
		require.Len(t, items, n)
		for i, item := range items {
			assert.Equal(t, uint32(i+1), item.RequestedParameters.ClientHandle)
			assert.Equal(t, tags[i].NodeID, item.ItemToMonitor.NodeID)
			assert.Equal(t, float64(250), item.RequestedParameters.SamplingInterval)
			assert.Equal(t, uint32(4), item.RequestedParameters.QueueSize)
		}
	}
}

func TestDemux(t *testing.T) {
	tags := sampleTags(2)
	ts := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	log := logging.Discard()

	tests := []struct {
		name  string
		items []*ua.MonitoredItemNotification
		want  []message.TagChange
	}{
		{
			name:  "handle maps to index minus one",
			items: []*ua.MonitoredItemNotification{itemNotification(1, ua.MustVariant(true), ts)},
			want:  []message.TagChange{{TagName: "A", Value: true, SourceTimestamp: ts}},
		},
		{
			name: "last handle",
			items: []*ua.MonitoredItemNotification{
				itemNotification(2, ua.MustVariant(uint32(7)), ts),
			},
			want: []message.TagChange{{TagName: "B", Value: int64(7), SourceTimestamp: ts}},
		},
		{
			name: "handle zero and N+1 are skipped",
			items: []*ua.MonitoredItemNotification{
				itemNotification(0, ua.MustVariant(true), ts),
				itemNotification(3, ua.MustVariant(true), ts),
				itemNotification(2, ua.MustVariant("ok"), ts),
			},
			want: []message.TagChange{{TagName: "B", Value: "ok", SourceTimestamp: ts}},
		},
		{
			name: "missing value and timestamp are skipped",
			items: []*ua.MonitoredItemNotification{
				itemNotification(1, nil, ts),
				itemNotification(2, ua.MustVariant(int16(1)), time.Time{}),
				{ClientHandle: 1},
				nil,
			},
			want: []message.TagChange{},
		},
		{
			name: "unsupported value is kept as null",
			items: []*ua.MonitoredItemNotification{
				itemNotification(1, ua.MustVariant(ua.NewNumericNodeID(0, 1)), ts),
			},
			want: []message.TagChange{{TagName: "A", Value: nil, SourceTimestamp: ts}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Demux(tags, tt.items, log))
		})
	}
}

func TestServerTime(t *testing.T) {
	ts := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

	got, ok := ServerTime([]*ua.MonitoredItemNotification{itemNotification(1, ua.MustVariant(ts), time.Time{})})
	require.True(t, ok)
	assert.Equal(t, ts, got)

	_, ok = ServerTime(nil)
	assert.False(t, ok)
	_, ok = ServerTime([]*ua.MonitoredItemNotification{itemNotification(1, ua.MustVariant("x"), time.Time{})})
	assert.False(t, ok)
	_, ok = ServerTime([]*ua.MonitoredItemNotification{{ClientHandle: 1}})
	assert.False(t, ok)
}

func TestBind(t *testing.T) {
	s := DefaultSettings()

	t.Run("creates data and health subscriptions", func(t *testing.T) {
		c := newFakeClient()
		b, err := Bind(context.Background(), NewGuarded(c, s.LockTimeout), sampleTags(3), s)
		require.NoError(t, err)
		require.Len(t, c.subs, 2)

		data, health := c.sub(0), c.sub(1)
		assert.Equal(t, s.DataInterval, data.params.Interval)
		require.Len(t, data.items, 3)
		for i, item := range data.items {
			assert.Equal(t, uint32(i+1), item.RequestedParameters.ClientHandle)
		}

		assert.Equal(t, s.HealthInterval, health.params.Interval)
		assert.Equal(t, uint8(1), health.params.Priority)
		require.Len(t, health.items, 1)
		assert.Equal(t, ua.NewNumericNodeID(0, id.Server_ServerStatus_CurrentTime), health.items[0].ItemToMonitor.NodeID)

		assert.NotNil(t, b)
	})

	t.Run("no tags only subscribes to the clock", func(t *testing.T) {
		c := newFakeClient()
		b, err := Bind(context.Background(), NewGuarded(c, s.LockTimeout), nil, s)
		require.NoError(t, err)
		require.Len(t, c.subs, 1)
		assert.Equal(t, s.HealthInterval, c.sub(0).params.Interval)
		assert.Nil(t, b.data)

		b.cancel(context.Background())
		assert.True(t, c.sub(0).isCancelled())
	})

	t.Run("rejected item fails and cancels", func(t *testing.T) {
		c := newFakeClient()
		c.monitorStatus = func(i int) ua.StatusCode {
			if i == 1 {
				return ua.StatusBadNodeIDUnknown
			}
			return ua.StatusOK
		}
		_, err := Bind(context.Background(), NewGuarded(c, s.LockTimeout), sampleTags(2), s)
		assert.ErrorIs(t, err, ua.StatusBadNodeIDUnknown)
		require.Len(t, c.subs, 1)
		assert.True(t, c.sub(0).isCancelled())
	})

	t.Run("subscribe error", func(t *testing.T) {
		c := newFakeClient()
		c.subscribeErr = assert.AnError
		_, err := Bind(context.Background(), NewGuarded(c, s.LockTimeout), sampleTags(1), s)
		assert.ErrorIs(t, err, assert.AnError)
	})

	t.Run("monitor error", func(t *testing.T) {
		c := newFakeClient()
		c.monitorErr = assert.AnError
		_, err := Bind(context.Background(), NewGuarded(c, s.LockTimeout), sampleTags(1), s)
		assert.ErrorIs(t, err, assert.AnError)
		assert.True(t, c.sub(0).isCancelled())
	})
}
