package opcua

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/id"
	"github.com/gopcua/opcua/ua"

	"opcuaproxy/message"
	"opcuaproxy/store"
)

// notifyBuffer is the capacity of the channels gopcua publishes into.
const notifyBuffer = 16

// Binding holds the two subscriptions of a running session and the
// channels their notifications arrive on.
type Binding struct {
	tags     []ResolvedTag
	data     Subscription
	health   Subscription
	dataCh   chan *opcua.PublishNotificationData
	healthCh chan *opcua.PublishNotificationData
}

// MonitoredItems builds one create request per tag, in tag order, with
// client handle index + 1.
func MonitoredItems(tags []ResolvedTag, s Settings) []*ua.MonitoredItemCreateRequest {
	items := make([]*ua.MonitoredItemCreateRequest, len(tags))
	for i, t := range tags {
		req := opcua.NewMonitoredItemCreateRequestWithDefaults(t.NodeID, ua.AttributeIDValue, uint32(i+1))
		req.RequestedParameters.SamplingInterval = float64(s.SamplingInterval / time.Millisecond)
		req.RequestedParameters.QueueSize = s.QueueSize
		items[i] = req
	}
	return items
}

// Bind creates the data subscription for tags and the heartbeat
// subscription on the server clock. No data subscription is created when
// tags is empty. Any item the server rejects fails the
// whole bind; subscriptions already created are cancelled.
func Bind(ctx context.Context, g *Guarded, tags []ResolvedTag, s Settings) (*Binding, error) {
	b := &Binding{
		tags:     tags,
		dataCh:   make(chan *opcua.PublishNotificationData, notifyBuffer),
		healthCh: make(chan *opcua.PublishNotificationData, notifyBuffer),
	}

	err := g.Shared(ctx, func(c Client) error {
		err := b.subscribe(ctx, c, s)
		if err != nil {
			b.cancel(ctx)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Binding) subscribe(ctx context.Context, c Client, s Settings) error {
	var err error
	// Without tags there is nothing to monitor; only the heartbeat runs.
	if len(b.tags) > 0 {
		b.data, err = c.Subscribe(ctx, &opcua.SubscriptionParameters{
			Interval:          s.DataInterval,
			LifetimeCount:     50,
			MaxKeepAliveCount: 10,
		}, b.dataCh)
		if err != nil {
			return fmt.Errorf("error creating data subscription: %w", err)
		}
		items := MonitoredItems(b.tags, s)
		res, err := b.data.Monitor(ctx, ua.TimestampsToReturnSource, items...)
		if err := checkMonitorResults(res, err, items); err != nil {
			return err
		}
	}

	b.health, err = c.Subscribe(ctx, &opcua.SubscriptionParameters{
		Interval:          s.HealthInterval,
		LifetimeCount:     50,
		MaxKeepAliveCount: 10,
		Priority:          1,
	}, b.healthCh)
	if err != nil {
		return fmt.Errorf("error creating health subscription: %w", err)
	}
	clock := opcua.NewMonitoredItemCreateRequestWithDefaults(
		ua.NewNumericNodeID(0, id.Server_ServerStatus_CurrentTime), ua.AttributeIDValue, 1)
	res, err := b.health.Monitor(ctx, ua.TimestampsToReturnNeither, clock)
	return checkMonitorResults(res, err, []*ua.MonitoredItemCreateRequest{clock})
}

func checkMonitorResults(res *ua.CreateMonitoredItemsResponse, err error, items []*ua.MonitoredItemCreateRequest) error {
	if err != nil {
		return fmt.Errorf("error creating monitored items: %w", err)
	}
	if res == nil || len(res.Results) != len(items) {
		return errors.New("missing results for monitored item creation")
	}
	for i, r := range res.Results {
		if r == nil || r.StatusCode != ua.StatusOK {
			status := ua.StatusBad
			if r != nil {
				status = r.StatusCode
			}
			return fmt.Errorf("error creating monitored item for %s: %w", items[i].ItemToMonitor.NodeID, status)
		}
	}
	return nil
}

// cancel deletes whichever subscriptions exist. Errors are ignored: the
// client is closed right after.
func (b *Binding) cancel(ctx context.Context) {
	if b.data != nil {
		_ = b.data.Cancel(ctx)
	}
	if b.health != nil {
		_ = b.health.Cancel(ctx)
	}
}

// Demux maps the monitored items of one data change notification back to
// tag changes. Items with an unknown handle, no value or no source
// timestamp are logged and skipped.
func Demux(tags []ResolvedTag, items []*ua.MonitoredItemNotification, log *slog.Logger) []message.TagChange {
	changes := make([]message.TagChange, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		tag, ok := tagForHandle(tags, item.ClientHandle)
		if !ok {
			log.Error("tag not found for client handle", "client_handle", item.ClientHandle)
			continue
		}
		dv := item.Value
		if dv == nil || dv.Value == nil {
			log.Warn("missing value", "tag", tag.Name, "node_id", tag.NodeID.String())
			continue
		}
		if dv.EncodingMask&ua.DataValueSourceTimestamp == 0 || dv.SourceTimestamp.IsZero() {
			log.Error("missing source timestamp", "tag", tag.Name, "node_id", tag.NodeID.String())
			continue
		}
		value, lossy := store.Encode(dv.Value)
		if lossy != nil {
			log.Warn("value stored as null", "tag", tag.Name, "reason", lossy)
		}
		changes = append(changes, message.TagChange{
			TagName:         tag.Name,
			Value:           value,
			SourceTimestamp: dv.SourceTimestamp,
		})
	}
	return changes
}

func tagForHandle(tags []ResolvedTag, handle uint32) (ResolvedTag, bool) {
	if handle == 0 || uint64(handle) > uint64(len(tags)) {
		return ResolvedTag{}, false
	}
	return tags[handle-1], true
}

// ServerTime extracts the clock value from a heartbeat notification.
func ServerTime(items []*ua.MonitoredItemNotification) (time.Time, bool) {
	if len(items) == 0 || items[0] == nil || items[0].Value == nil || items[0].Value.Value == nil {
		return time.Time{}, false
	}
	ts, ok := items[0].Value.Value.Value().(time.Time)
	return ts, ok
}
