package store

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"opcuaproxy/message"
)

// Broker payloads are relaxed extended JSON so that encoded values keep the
// same shape they have in the data collection.

// DataDocument builds the broker document for a data change batch.
func DataDocument(m message.DataChange) bson.D {
	changes := make(bson.A, 0, len(m.Changes))
	for _, c := range m.Changes {
		changes = append(changes, TagDocument(m.PartnerID, c))
	}
	return bson.D{
		{Key: "partnerId", Value: m.PartnerID},
		{Key: "changes", Value: changes},
	}
}

// TagDocument builds the broker document for a single tag change.
func TagDocument(partnerID string, c message.TagChange) bson.D {
	return bson.D{
		{Key: "partnerId", Value: partnerID},
		{Key: "tag", Value: c.TagName},
		{Key: "value", Value: c.Value},
		{Key: "sourceTimestamp", Value: primitive.NewDateTimeFromTime(c.SourceTimestamp)},
	}
}

// HealthDocument builds the broker document for a heartbeat or removal.
func HealthDocument(m message.Health) bson.D {
	doc := bson.D{
		{Key: "partnerId", Value: m.PartnerID},
		{Key: "command", Value: m.Command.String()},
	}
	if m.Command == message.HealthUpdate {
		doc = append(doc, bson.E{Key: "serverTimestamp", Value: primitive.NewDateTimeFromTime(m.ServerTimestamp)})
	}
	return doc
}

// MarshalJSON renders a document as relaxed extended JSON.
func MarshalJSON(doc bson.D) ([]byte, error) {
	b, err := bson.MarshalExtJSON(doc, false, false)
	if err != nil {
		return nil, fmt.Errorf("error encoding JSON payload: %w", err)
	}
	return b, nil
}
