// Package mongodb loads transformed batches into MongoDB collections with
// ordered bulk writes. Documents are replaced by key, tombstones delete by
// key, so replaying a batch converges to the same state.
package mongodb

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-etl/pkg/models"
	"github.com/ajitpratap0/nebula-etl/pkg/nebulaerrors"
	"github.com/ajitpratap0/nebula-etl/pkg/sink"
)

// SequenceField stores the source sequence on every written document
const SequenceField = "_seq"

// Config configures the sink
type Config struct {
	URI      string
	Database string
	// Collection overrides the per-item target collection
	Collection string
}

// Sink is a sink.Sink over a MongoDB database
type Sink struct {
	cfg      Config
	logger   *zap.Logger
	client   *mongo.Client
	database *mongo.Database
}

var _ sink.Sink = (*Sink)(nil)

// Open connects and pings the deployment
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Sink, error) {
	if cfg.Database == "" {
		return nil, nebulaerrors.New(nebulaerrors.ErrorTypeConfig, "MongoDB sink requires a database")
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConnection, "failed to connect to MongoDB")
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConnection, "failed to ping MongoDB")
	}
	return &Sink{cfg: cfg, logger: logger, client: client, database: client.Database(cfg.Database)}, nil
}

// Name implements sink.Sink
func (s *Sink) Name() string { return "mongodb" }

// Load issues one ordered bulk write per target collection
func (s *Sink) Load(ctx context.Context, items []models.TransformedItem) error {
	order, groups := writeModels(items, s.cfg.Collection)
	for _, collection := range order {
		res, err := s.database.Collection(collection).BulkWrite(ctx, groups[collection], options.BulkWrite().SetOrdered(true))
		if err != nil {
			return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeLoad, "bulk write failed").WithDetail("collection", collection)
		}
		s.logger.Debug("bulk write applied",
			zap.String("collection", collection),
			zap.Int64("upserted", res.UpsertedCount),
			zap.Int64("modified", res.ModifiedCount),
			zap.Int64("deleted", res.DeletedCount))
	}
	return nil
}

// writeModels converts items into write models grouped by collection
func writeModels(items []models.TransformedItem, override string) ([]string, map[string][]mongo.WriteModel) {
	var order []string
	groups := make(map[string][]mongo.WriteModel)
	for _, item := range items {
		collection := item.Collection
		if override != "" {
			collection = override
		}
		if _, ok := groups[collection]; !ok {
			order = append(order, collection)
		}
		groups[collection] = append(groups[collection], writeModel(item))
	}
	return order, groups
}

func writeModel(item models.TransformedItem) mongo.WriteModel {
	filter := bson.D{{Key: "_id", Value: item.Key}}
	if item.Deleted {
		return mongo.NewDeleteOneModel().SetFilter(filter)
	}

	doc := make(bson.M, len(item.Fields)+2)
	for k, v := range item.Fields {
		doc[k] = v
	}
	doc["_id"] = item.Key
	doc[SequenceField] = int64(item.Sequence)
	return mongo.NewReplaceOneModel().SetFilter(filter).SetReplacement(doc).SetUpsert(true)
}

// Close disconnects the client
func (s *Sink) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
