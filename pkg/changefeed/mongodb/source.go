// Package mongodb reads an etag-ordered change feed from MongoDB.
//
// Every replicated collection stores its documents with an "_etag" field
// holding the store-wide sequence of the last write, and an optional "_cv"
// change vector. Deletions are recorded in a separate tombstone collection
// as {collection, doc_id, _etag, _cv}. Writers are expected to keep "_etag"
// indexed on both.
package mongodb

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-etl/pkg/changefeed"
	"github.com/ajitpratap0/nebula-etl/pkg/models"
	"github.com/ajitpratap0/nebula-etl/pkg/nebulaerrors"
)

const (
	// EtagField holds the sequence of the last write to a document
	EtagField = "_etag"
	// ChangeVectorField holds the optional change vector
	ChangeVectorField = "_cv"

	tombstoneCollectionField = "collection"
	tombstoneIDField         = "doc_id"
)

// Config contains MongoDB source configuration
type Config struct {
	URI                 string
	Database            string
	TombstoneCollection string
	BatchSize           int32
	MaxAwaitTime        time.Duration
}

// Source implements changefeed.Source and changefeed.Notifier on MongoDB
type Source struct {
	config   Config
	logger   *zap.Logger
	client   *mongo.Client
	database *mongo.Database
}

var _ changefeed.Source = (*Source)(nil)
var _ changefeed.Notifier = (*Source)(nil)

// Open connects to MongoDB and verifies the deployment is reachable
func Open(ctx context.Context, config Config, logger *zap.Logger) (*Source, error) {
	if config.TombstoneCollection == "" {
		config.TombstoneCollection = "tombstones"
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 1000
	}
	if config.MaxAwaitTime <= 0 {
		config.MaxAwaitTime = 30 * time.Second
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(config.URI))
	if err != nil {
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConnection, "failed to connect to MongoDB")
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConnection, "failed to ping MongoDB")
	}

	s := &Source{
		config:   config,
		logger:   logger.With(zap.String("component", "changefeed"), zap.String("source", "mongodb")),
		client:   client,
		database: client.Database(config.Database),
	}

	s.logger.Info("connected to MongoDB",
		zap.String("database", config.Database),
		zap.String("tombstones", config.TombstoneCollection))

	return s, nil
}

// Documents implements changefeed.Source
func (s *Source) Documents(ctx context.Context, collection string, from uint64) (changefeed.Cursor, error) {
	if collection == "" {
		return nil, nebulaerrors.New(nebulaerrors.ErrorTypeValidation, "MongoDB source requires a collection")
	}

	cur, err := s.database.Collection(collection).Find(ctx, documentFilter(from), s.findOptions())
	if err != nil {
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeExtract, "failed to query documents").
			WithDetail("collection", collection)
	}

	return &cursor{cur: cur, decode: func(raw bson.M) (models.ExtractedItem, error) {
		return decodeDocument(collection, raw)
	}}, nil
}

// Tombstones implements changefeed.Source
func (s *Source) Tombstones(ctx context.Context, collection string, from uint64) (changefeed.Cursor, error) {
	cur, err := s.database.Collection(s.config.TombstoneCollection).Find(ctx, tombstoneFilter(collection, from), s.findOptions())
	if err != nil {
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeExtract, "failed to query tombstones").
			WithDetail("collection", collection)
	}

	return &cursor{cur: cur, decode: decodeTombstone}, nil
}

// Watch implements changefeed.Notifier using a database-wide change stream
func (s *Source) Watch(ctx context.Context, onChange func(collection string)) error {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.D{
			{Key: "operationType", Value: bson.D{{Key: "$in", Value: bson.A{"insert", "update", "replace", "delete"}}}},
		}}},
		{{Key: "$project", Value: bson.D{{Key: "ns", Value: 1}, {Key: "fullDocument." + tombstoneCollectionField, Value: 1}}}},
	}

	opts := options.ChangeStream().
		SetBatchSize(s.config.BatchSize).
		SetMaxAwaitTime(s.config.MaxAwaitTime).
		SetFullDocument(options.UpdateLookup)

	stream, err := s.database.Watch(ctx, pipeline, opts)
	if err != nil {
		return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConnection, "failed to start change stream")
	}
	defer func() { _ = stream.Close(context.Background()) }() // Best effort close

	s.logger.Info("started MongoDB change stream")

	for stream.Next(ctx) {
		var event changeEvent
		if err := stream.Decode(&event); err != nil {
			s.logger.Warn("failed to decode change event", zap.Error(err))
			continue
		}
		onChange(event.affectedCollection(s.config.TombstoneCollection))
	}

	if ctx.Err() != nil {
		return nil
	}
	if err := stream.Err(); err != nil {
		return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConnection, "change stream failed")
	}
	return nebulaerrors.New(nebulaerrors.ErrorTypeConnection, "change stream closed")
}

// Close disconnects from MongoDB
func (s *Source) Close(ctx context.Context) error {
	if err := s.client.Disconnect(ctx); err != nil {
		return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConnection, "failed to disconnect from MongoDB")
	}
	return nil
}

func (s *Source) findOptions() *options.FindOptions {
	return options.Find().
		SetSort(bson.D{{Key: EtagField, Value: 1}}).
		SetBatchSize(s.config.BatchSize)
}

func documentFilter(from uint64) bson.D {
	return bson.D{{Key: EtagField, Value: bson.D{{Key: "$gte", Value: int64(from)}}}}
}

func tombstoneFilter(collection string, from uint64) bson.D {
	filter := documentFilter(from)
	if collection != "" {
		filter = append(filter, bson.E{Key: tombstoneCollectionField, Value: collection})
	}
	return filter
}

// changeEvent is the projected change stream event
type changeEvent struct {
	Namespace struct {
		Collection string `bson:"coll"`
	} `bson:"ns"`
	FullDocument bson.M `bson:"fullDocument,omitempty"`
}

// affectedCollection maps tombstone inserts back to the deleted document's collection
func (e changeEvent) affectedCollection(tombstones string) string {
	if e.Namespace.Collection != tombstones {
		return e.Namespace.Collection
	}
	if coll, ok := e.FullDocument[tombstoneCollectionField].(string); ok {
		return coll
	}
	return ""
}

type cursor struct {
	cur    *mongo.Cursor
	decode func(bson.M) (models.ExtractedItem, error)
	item   models.ExtractedItem
	err    error
}

func (c *cursor) Next(ctx context.Context) bool {
	if c.err != nil || !c.cur.Next(ctx) {
		return false
	}

	var raw bson.M
	if err := c.cur.Decode(&raw); err != nil {
		c.err = nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeExtract, "failed to decode change")
		return false
	}

	item, err := c.decode(raw)
	if err != nil {
		c.err = err
		return false
	}
	c.item = item
	return true
}

func (c *cursor) Item() models.ExtractedItem { return c.item }

func (c *cursor) Err() error {
	if c.err != nil {
		return c.err
	}
	return c.cur.Err()
}

func (c *cursor) Close(ctx context.Context) error { return c.cur.Close(ctx) }

func decodeDocument(collection string, raw bson.M) (models.ExtractedItem, error) {
	etag, err := toSequence(raw[EtagField])
	if err != nil {
		return models.ExtractedItem{}, err
	}

	doc := make(map[string]interface{}, len(raw))
	for k, v := range raw {
		switch k {
		case "_id", EtagField, ChangeVectorField:
			continue
		}
		doc[k] = normalize(v)
	}

	cv, _ := raw[ChangeVectorField].(string)
	return models.ExtractedItem{
		Sequence:     etag,
		Collection:   collection,
		ID:           idString(raw["_id"]),
		Document:     doc,
		ChangeVector: cv,
	}, nil
}

func decodeTombstone(raw bson.M) (models.ExtractedItem, error) {
	etag, err := toSequence(raw[EtagField])
	if err != nil {
		return models.ExtractedItem{}, err
	}

	coll, _ := raw[tombstoneCollectionField].(string)
	cv, _ := raw[ChangeVectorField].(string)
	return models.ExtractedItem{
		Sequence:     etag,
		Collection:   coll,
		ID:           idString(raw[tombstoneIDField]),
		Tombstone:    true,
		ChangeVector: cv,
	}, nil
}

func toSequence(v interface{}) (uint64, error) {
	switch n := v.(type) {
	case int64:
		if n >= 0 {
			return uint64(n), nil
		}
	case int32:
		if n >= 0 {
			return uint64(n), nil
		}
	case float64:
		if n >= 0 {
			return uint64(n), nil
		}
	}
	return 0, nebulaerrors.Newf(nebulaerrors.ErrorTypeExtract, "invalid %s value %v", EtagField, v)
}

func idString(v interface{}) string {
	switch id := v.(type) {
	case primitive.ObjectID:
		return id.Hex()
	case string:
		return id
	case nil:
		return ""
	default:
		return fmt.Sprint(id)
	}
}

// normalize converts driver-specific BSON values into plain Go values
func normalize(v interface{}) interface{} {
	switch val := v.(type) {
	case bson.M:
		out := make(map[string]interface{}, len(val))
		for k, inner := range val {
			out[k] = normalize(inner)
		}
		return out
	case bson.D:
		out := make(map[string]interface{}, len(val))
		for _, e := range val {
			out[e.Key] = normalize(e.Value)
		}
		return out
	case bson.A:
		out := make([]interface{}, len(val))
		for i, inner := range val {
			out[i] = normalize(inner)
		}
		return out
	case primitive.ObjectID:
		return val.Hex()
	case primitive.DateTime:
		return val.Time().UTC()
	case primitive.Decimal128:
		return val.String()
	default:
		return val
	}
}
