package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"opcuaproxy/message"
)

type call struct {
	op     string
	filter interface{}
	update interface{}
	upsert bool
}

type fakeCollection struct {
	mu    sync.Mutex
	calls []call
	err   error
}

func (f *fakeCollection) UpdateOne(_ context.Context, filter interface{}, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	upsert := false
	for _, o := range opts {
		if o.Upsert != nil {
			upsert = *o.Upsert
		}
	}
	f.calls = append(f.calls, call{op: "update", filter: filter, update: update, upsert: upsert})
	return &mongo.UpdateResult{}, f.err
}

func (f *fakeCollection) DeleteOne(_ context.Context, filter interface{}, _ ...*options.DeleteOptions) (*mongo.DeleteResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{op: "delete", filter: filter})
	return &mongo.DeleteResult{}, f.err
}

func TestDataUpdate(t *testing.T) {
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	t.Run("empty batch only touches updatedAt", func(t *testing.T) {
		got := DataUpdate(message.DataChange{PartnerID: "P1"})
		assert.Equal(t, bson.D{{Key: "$currentDate", Value: bson.D{{Key: "updatedAt", Value: true}}}}, got)
	})

	t.Run("sets value and timestamp per tag", func(t *testing.T) {
		got := DataUpdate(message.DataChange{
			PartnerID: "P1",
			Changes: []message.TagChange{
				{TagName: "A", Value: true, SourceTimestamp: ts},
				{TagName: "B", Value: int32(4), SourceTimestamp: ts},
			},
		})
		require.Len(t, got, 2)
		assert.Equal(t, "$set", got[1].Key)
		assert.Equal(t, bson.D{
			{Key: "data.A.value", Value: true},
			{Key: "data.A.sourceTimestamp", Value: primitive.NewDateTimeFromTime(ts)},
			{Key: "data.B.value", Value: int32(4)},
			{Key: "data.B.sourceTimestamp", Value: primitive.NewDateTimeFromTime(ts)},
		}, got[1].Value)
	})

	t.Run("last change of a tag wins", func(t *testing.T) {
		later := ts.Add(time.Second)
		got := DataUpdate(message.DataChange{
			PartnerID: "P1",
			Changes: []message.TagChange{
				{TagName: "A", Value: int32(1), SourceTimestamp: ts},
				{TagName: "A", Value: int32(2), SourceTimestamp: later},
			},
		})
		assert.Equal(t, bson.D{
			{Key: "data.A.value", Value: int32(2)},
			{Key: "data.A.sourceTimestamp", Value: primitive.NewDateTimeFromTime(later)},
		}, got[1].Value)
	})
}

func TestWriter(t *testing.T) {
	ctx := context.Background()
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	t.Run("data upserts by partner", func(t *testing.T) {
		data, health := &fakeCollection{}, &fakeCollection{}
		w := NewWriter(data, health, nil)
		require.NoError(t, w.WriteData(ctx, message.DataChange{PartnerID: "P1"}))
		require.Len(t, data.calls, 1)
		assert.Equal(t, bson.D{{Key: "_id", Value: "P1"}}, data.calls[0].filter)
		assert.True(t, data.calls[0].upsert)
		assert.Empty(t, health.calls)
	})

	t.Run("health update upserts server timestamp", func(t *testing.T) {
		data, health := &fakeCollection{}, &fakeCollection{}
		w := NewWriter(data, health, nil)
		require.NoError(t, w.WriteHealth(ctx, message.Update("P1", ts)))
		require.Len(t, health.calls, 1)
		assert.Equal(t, "update", health.calls[0].op)
		assert.True(t, health.calls[0].upsert)
		assert.Equal(t, HealthUpdate(message.Update("P1", ts)), health.calls[0].update)
	})

	t.Run("health remove deletes", func(t *testing.T) {
		data, health := &fakeCollection{}, &fakeCollection{}
		w := NewWriter(data, health, nil)
		require.NoError(t, w.WriteHealth(ctx, message.Remove("P1")))
		require.Len(t, health.calls, 1)
		assert.Equal(t, "delete", health.calls[0].op)
		assert.Equal(t, bson.D{{Key: "_id", Value: "P1"}}, health.calls[0].filter)
	})

	t.Run("errors are wrapped", func(t *testing.T) {
		boom := errors.New("boom")
		data, health := &fakeCollection{err: boom}, &fakeCollection{err: boom}
		w := NewWriter(data, health, nil)
		assert.ErrorIs(t, w.WriteData(ctx, message.DataChange{PartnerID: "P1"}), boom)
		assert.ErrorIs(t, w.WriteHealth(ctx, message.Remove("P1")), boom)
		assert.ErrorIs(t, w.WriteHealth(ctx, message.Update("P1", ts)), boom)
	})

	t.Run("unknown command", func(t *testing.T) {
		w := NewWriter(&fakeCollection{}, &fakeCollection{}, nil)
		assert.Error(t, w.WriteHealth(ctx, message.Health{PartnerID: "P1", Command: 9}))
	})
}
