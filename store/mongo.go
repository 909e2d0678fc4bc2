package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"opcuaproxy/logging"
	"opcuaproxy/message"
)

// Options configures the MongoDB connection and target collections.
type Options struct {
	URI                    string
	Database               string
	DataCollection         string
	HealthCollection       string
	AppName                string
	ServerSelectionTimeout time.Duration
}

// Collection is the subset of *mongo.Collection used by Writer.
type Collection interface {
	UpdateOne(ctx context.Context, filter interface{}, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error)
	DeleteOne(ctx context.Context, filter interface{}, opts ...*options.DeleteOptions) (*mongo.DeleteResult, error)
}

// Connect creates a MongoDB client. The driver connects lazily; the first
// write reports an unreachable server.
func Connect(ctx context.Context, opts Options) (*mongo.Client, error) {
	co := options.Client().
		ApplyURI(opts.URI).
		SetAppName(opts.AppName).
		SetServerSelectionTimeout(opts.ServerSelectionTimeout)
	client, err := mongo.Connect(ctx, co)
	if err != nil {
		return nil, fmt.Errorf("error creating the client: %w", err)
	}
	return client, nil
}

// Writer stores data changes and heartbeats, one document per partner in
// each collection.
type Writer struct {
	data   Collection
	health Collection
	log    *slog.Logger
}

// NewWriter creates a writer over the given collections.
func NewWriter(data, health Collection, log *slog.Logger) *Writer {
	if log == nil {
		log = logging.Discard()
	}
	return &Writer{
		data:   data,
		health: health,
		log:    log.With("component", "store"),
	}
}

// NewMongoWriter creates a writer over the collections named in opts.
func NewMongoWriter(client *mongo.Client, opts Options, log *slog.Logger) *Writer {
	db := client.Database(opts.Database)
	return NewWriter(db.Collection(opts.DataCollection), db.Collection(opts.HealthCollection), log)
}

// Name identifies the sink in logs.
func (w *Writer) Name() string { return "mongodb" }

// WriteData upserts the partner's data document.
func (w *Writer) WriteData(ctx context.Context, m message.DataChange) error {
	filter := bson.D{{Key: "_id", Value: m.PartnerID}}
	_, err := w.data.UpdateOne(ctx, filter, DataUpdate(m), options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("error updating data document for %s: %w", m.PartnerID, err)
	}
	logging.DebugLog("mongo", "data %s", m)
	return nil
}

// WriteHealth upserts or deletes the partner's health document.
func (w *Writer) WriteHealth(ctx context.Context, m message.Health) error {
	filter := bson.D{{Key: "_id", Value: m.PartnerID}}
	switch m.Command {
	case message.HealthUpdate:
		_, err := w.health.UpdateOne(ctx, filter, HealthUpdate(m), options.Update().SetUpsert(true))
		if err != nil {
			return fmt.Errorf("error updating health document for %s: %w", m.PartnerID, err)
		}
		logging.DebugLog("mongo", "health %s %s", m.PartnerID, m.ServerTimestamp.Format(TimeFormat))
	case message.HealthRemove:
		if _, err := w.health.DeleteOne(ctx, filter); err != nil {
			return fmt.Errorf("error deleting health document for %s: %w", m.PartnerID, err)
		}
		w.log.Info("removed health record", "partner_id", m.PartnerID)
	default:
		return fmt.Errorf("unknown health command %d", m.Command)
	}
	return nil
}

// DataUpdate builds the update document for a data change batch. An empty
// batch only touches updatedAt, which creates the document on first use.
func DataUpdate(m message.DataChange) bson.D {
	update := bson.D{{Key: "$currentDate", Value: bson.D{{Key: "updatedAt", Value: true}}}}
	if len(m.Changes) == 0 {
		return update
	}
	set := make(bson.D, 0, 2*len(m.Changes))
	// A batch may carry several changes of one tag; the last one wins.
	pos := make(map[string]int, len(m.Changes))
	for _, c := range m.Changes {
		prefix := "data." + c.TagName
		value := bson.E{Key: prefix + ".value", Value: c.Value}
		ts := bson.E{Key: prefix + ".sourceTimestamp", Value: primitive.NewDateTimeFromTime(c.SourceTimestamp)}
		if i, ok := pos[c.TagName]; ok {
			set[i], set[i+1] = value, ts
			continue
		}
		pos[c.TagName] = len(set)
		set = append(set, value, ts)
	}
	return append(update, bson.E{Key: "$set", Value: set})
}

// HealthUpdate builds the update document for a heartbeat.
func HealthUpdate(m message.Health) bson.D {
	return bson.D{
		{Key: "$currentDate", Value: bson.D{{Key: "updatedAt", Value: true}}},
		{Key: "$set", Value: bson.D{{Key: "serverTimestamp", Value: primitive.NewDateTimeFromTime(m.ServerTimestamp)}}},
	}
}
