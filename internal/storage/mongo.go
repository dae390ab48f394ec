// Package storage persists raw telemetry and predictions to MongoDB.
//
// The two collections are written independently: raw telemetry for every
// decoded message, predictions only when inference succeeded. Each write is
// best-effort with retry-once-then-report semantics; a failure on one never
// blocks the other.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/plantpulse-systems/plantpulse-ingest/internal/logging"
	"github.com/plantpulse-systems/plantpulse-ingest/internal/metrics"
	"github.com/plantpulse-systems/plantpulse-ingest/internal/model"
)

// ErrNotInitialized is returned by writes before Connect has succeeded. The
// store tracks an explicit initialized flag; callers must never infer
// liveness from pointer or value comparisons.
var ErrNotInitialized = errors.New("storage: store not initialized")

// Config holds MongoDB settings. Retention windows are collection-level TTLs
// applied to the document timestamp.
type Config struct {
	URI                  string
	Database             string
	RawCollection        string
	PredictionCollection string
	RawRetention         time.Duration
	PredictionRetention  time.Duration
	ConnectTimeout       time.Duration
}

// Store is the dual-write persistence client.
type Store struct {
	client      *mongo.Client
	raw         *mongo.Collection
	predictions *mongo.Collection
	log         *logging.Logger
	initialized bool
}

// Connect establishes the MongoDB connection, verifies it with a ping, and
// ensures collections, validators, and indexes exist.
func Connect(ctx context.Context, cfg Config, log *logging.Logger) (*Store, error) {
	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	db := client.Database(cfg.Database)
	s := &Store{
		client:      client,
		raw:         db.Collection(cfg.RawCollection),
		predictions: db.Collection(cfg.PredictionCollection),
		log:         log.Named("storage"),
	}

	if err := s.ensureCollections(ctx, db, cfg); err != nil {
		return nil, err
	}

	s.initialized = true
	s.log.Info("mongodb connected",
		"database", cfg.Database,
		"raw_collection", cfg.RawCollection,
		"prediction_collection", cfg.PredictionCollection)
	return s, nil
}

// Initialized reports whether the store is ready to accept writes.
func (s *Store) Initialized() bool {
	return s != nil && s.initialized
}

// Close disconnects from MongoDB.
func (s *Store) Close(ctx context.Context) error {
	if !s.Initialized() {
		return nil
	}
	s.initialized = false
	return s.client.Disconnect(ctx)
}

// WriteRawTelemetry inserts one raw telemetry document. The caller pre-sets
// doc.ID so predictions can carry the back-reference even when this insert
// fails and is reported instead of retried further.
func (s *Store) WriteRawTelemetry(ctx context.Context, doc *model.RawTelemetry) error {
	if !s.Initialized() {
		return ErrNotInitialized
	}
	return s.insert(ctx, s.raw, doc)
}

// WritePrediction inserts one prediction document.
func (s *Store) WritePrediction(ctx context.Context, doc *model.Prediction) error {
	if !s.Initialized() {
		return ErrNotInitialized
	}
	return s.insert(ctx, s.predictions, doc)
}

func (s *Store) insert(ctx context.Context, coll *mongo.Collection, doc any) error {
	start := time.Now()
	err := writeWithRetry(ctx, func(ctx context.Context) error {
		_, err := coll.InsertOne(ctx, doc)
		return err
	})
	metrics.StorageDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.StorageWrites.WithLabelValues(coll.Name(), "error").Inc()
		return fmt.Errorf("insert into %s: %w", coll.Name(), err)
	}
	metrics.StorageWrites.WithLabelValues(coll.Name(), "ok").Inc()
	return nil
}

// writeWithRetry runs the write, retrying exactly once on failure. More
// aggressive retries would stall the sensor lane behind a sick database.
func writeWithRetry(ctx context.Context, write func(context.Context) error) error {
	err := write(ctx)
	if err == nil || ctx.Err() != nil {
		return err
	}
	return write(ctx)
}

// NewDocumentID generates the _id for a raw telemetry document ahead of its
// insert, so the prediction back-reference is stable regardless of write
// outcome ordering.
func NewDocumentID() primitive.ObjectID {
	return primitive.NewObjectID()
}

func (s *Store) ensureCollections(ctx context.Context, db *mongo.Database, cfg Config) error {
	specs := []struct {
		name      string
		validator bson.M
		indexes   []mongo.IndexModel
	}{
		{
			name:      cfg.RawCollection,
			validator: rawTelemetryValidator(),
			indexes:   rawTelemetryIndexes(cfg.RawRetention),
		},
		{
			name:      cfg.PredictionCollection,
			validator: predictionValidator(),
			indexes:   predictionIndexes(cfg.PredictionRetention),
		},
	}

	for _, spec := range specs {
		opts := options.CreateCollection().SetValidator(spec.validator)
		if err := db.CreateCollection(ctx, spec.name, opts); err != nil && !isNamespaceExists(err) {
			return fmt.Errorf("create collection %s: %w", spec.name, err)
		}
		if _, err := db.Collection(spec.name).Indexes().CreateMany(ctx, spec.indexes); err != nil {
			return fmt.Errorf("create indexes on %s: %w", spec.name, err)
		}
	}
	return nil
}

func isNamespaceExists(err error) bool {
	var cmdErr mongo.CommandError
	return errors.As(err, &cmdErr) && cmdErr.Code == 48
}

// rawTelemetryValidator is the $jsonSchema applied to the raw collection.
// The backend rejects malformed writes rather than silently coercing them.
func rawTelemetryValidator() bson.M {
	return bson.M{
		"$jsonSchema": bson.M{
			"bsonType": "object",
			"required": []string{"_id", "topic", "ts", "payload", "payload_raw"},
			"properties": bson.M{
				"topic":       bson.M{"bsonType": "string", "minLength": 1},
				"ts":          bson.M{"bsonType": "date"},
				"payload":     bson.M{"bsonType": "object"},
				"payload_raw": bson.M{"bsonType": "binData"},
				"tenant_id":   bson.M{"bsonType": "string"},
				"site_id":     bson.M{"bsonType": "string"},
				"asset_id":    bson.M{"bsonType": "string"},
				"sensor_id":   bson.M{"bsonType": "string"},
				"normalized": bson.M{
					"bsonType": "array",
					"items": bson.M{
						"bsonType": "object",
						"required": []string{"key", "value"},
					},
				},
			},
		},
	}
}

func predictionValidator() bson.M {
	return bson.M{
		"$jsonSchema": bson.M{
			"bsonType": "object",
			"required": []string{"_id", "raw_ref", "ts", "label", "probability", "top_k"},
			"properties": bson.M{
				"raw_ref":     bson.M{"bsonType": "objectId"},
				"ts":          bson.M{"bsonType": "date"},
				"label":       bson.M{"bsonType": "string", "minLength": 1},
				"probability": bson.M{"bsonType": "double", "minimum": 0, "maximum": 1},
				"top_k": bson.M{
					"bsonType": "array",
					"items": bson.M{
						"bsonType": "object",
						"required": []string{"label", "score"},
					},
				},
				"tenant_id":        bson.M{"bsonType": "string"},
				"site_id":          bson.M{"bsonType": "string"},
				"asset_id":         bson.M{"bsonType": "string"},
				"sensor_id":        bson.M{"bsonType": "string"},
				"model_version_id": bson.M{"bsonType": "string"},
			},
		},
	}
}

// rawTelemetryIndexes: TTL expiry on ts plus the "latest N for tenant+asset
// in a time range" query index.
func rawTelemetryIndexes(retention time.Duration) []mongo.IndexModel {
	return []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "ts", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(int32(retention.Seconds())),
		},
		{
			Keys: bson.D{
				{Key: "tenant_id", Value: 1},
				{Key: "asset_id", Value: 1},
				{Key: "ts", Value: -1},
			},
		},
	}
}

// predictionIndexes: TTL expiry on ts plus the "latest N for tenant+label in
// a time range" query index.
func predictionIndexes(retention time.Duration) []mongo.IndexModel {
	return []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "ts", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(int32(retention.Seconds())),
		},
		{
			Keys: bson.D{
				{Key: "tenant_id", Value: 1},
				{Key: "label", Value: 1},
				{Key: "ts", Value: -1},
			},
		},
	}
}
