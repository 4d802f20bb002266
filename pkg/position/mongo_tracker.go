package position

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
)

// MongoConfig holds MongoDB-specific configuration for position tracking
type MongoConfig struct {
	// ConnectionURI for MongoDB connection
	ConnectionURI string `json:"connection_uri" yaml:"connection_uri"`

	// Database name for storing positions
	Database string `json:"database" yaml:"database"`

	// Collection name for storing positions
	Collection string `json:"collection" yaml:"collection"`

	ConnectTimeout time.Duration `json:"connect_timeout" yaml:"connect_timeout"`
}

// MongoPositionDocument represents a position document in MongoDB
type MongoPositionDocument struct {
	ID          string                 `bson:"_id"`
	Kind        string                 `bson:"kind"`
	Position    string                 `bson:"position"`
	Description string                 `bson:"description,omitempty"`
	Metadata    map[string]interface{} `bson:"metadata,omitempty"`
	CreatedAt   time.Time              `bson:"created_at"`
	UpdatedAt   time.Time              `bson:"updated_at"`
}

func (d *MongoPositionDocument) record() *Record {
	return &Record{
		StreamID:     d.ID,
		Kind:         d.Kind,
		PositionData: []byte(d.Position),
		Description:  d.Description,
		Metadata:     d.Metadata,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
	}
}

func documentFromRecord(r *Record) *MongoPositionDocument {
	return &MongoPositionDocument{
		ID:          r.StreamID,
		Kind:        r.Kind,
		Position:    string(r.PositionData),
		Description: r.Description,
		Metadata:    r.Metadata,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

// MongoTracker implements position tracking using MongoDB
type MongoTracker struct {
	client     *mongo.Client
	collection *mongo.Collection
	config     *MongoConfig
	logger     *logrus.Logger
	closed     bool
}

// NewMongoTracker creates a new MongoDB-based position tracker
func NewMongoTracker(ctx context.Context, config *MongoConfig, logger *logrus.Logger) (*MongoTracker, error) {
	if config == nil {
		return nil, fmt.Errorf("mongo config is required")
	}
	if config.ConnectionURI == "" {
		return nil, fmt.Errorf("connection URI is required")
	}
	if config.Database == "" {
		return nil, fmt.Errorf("database name is required")
	}
	if config.Collection == "" {
		config.Collection = "stream_positions"
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	clientOpts := options.Client().
		ApplyURI(config.ConnectionURI).
		SetConnectTimeout(config.ConnectTimeout).
		SetRetryWrites(true)

	client, err := mongo.Connect(clientOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, config.ConnectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	tracker := &MongoTracker{
		client:     client,
		collection: client.Database(config.Database).Collection(config.Collection),
		config:     config,
		logger:     logger,
	}

	logger.WithFields(logrus.Fields{
		"database":   config.Database,
		"collection": config.Collection,
	}).Info("Created MongoDB-based position tracker")

	return tracker, nil
}

// Save upserts the stream's position document.
func (mt *MongoTracker) Save(ctx context.Context, streamID string, position Position, metadata map[string]interface{}) error {
	if mt.closed {
		return ErrTrackerClosed
	}

	filter := bson.M{"_id": streamID}

	var created time.Time
	var existing MongoPositionDocument
	err := mt.collection.FindOne(ctx, filter).Decode(&existing)
	switch {
	case err == nil:
		created = existing.CreatedAt
	case errors.Is(err, mongo.ErrNoDocuments):
	default:
		return fmt.Errorf("failed to check existing document: %w", err)
	}

	record, err := newRecord(streamID, position, metadata, created)
	if err != nil {
		return err
	}

	_, err = mt.collection.ReplaceOne(ctx, filter, documentFromRecord(record), options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to upsert document: %w", err)
	}

	mt.logger.WithFields(logrus.Fields{
		"stream_id": streamID,
		"position":  position.String(),
	}).Debug("Saved position to MongoDB")
	return nil
}

// Load retrieves the position from MongoDB
func (mt *MongoTracker) Load(ctx context.Context, streamID string) (*Record, error) {
	if mt.closed {
		return nil, ErrTrackerClosed
	}

	var doc MongoPositionDocument
	err := mt.collection.FindOne(ctx, bson.M{"_id": streamID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrPositionNotFound
		}
		return nil, fmt.Errorf("failed to find document: %w", err)
	}
	return doc.record(), nil
}

func (mt *MongoTracker) Delete(ctx context.Context, streamID string) error {
	if mt.closed {
		return ErrTrackerClosed
	}
	if _, err := mt.collection.DeleteOne(ctx, bson.M{"_id": streamID}); err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	mt.logger.WithField("stream_id", streamID).Info("Deleted position from MongoDB")
	return nil
}

func (mt *MongoTracker) List(ctx context.Context) ([]*Record, error) {
	if mt.closed {
		return nil, ErrTrackerClosed
	}

	cursor, err := mt.collection.Find(ctx, bson.D{})
	if err != nil {
		return nil, fmt.Errorf("failed to list positions: %w", err)
	}
	var docs []MongoPositionDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode positions: %w", err)
	}

	records := make([]*Record, 0, len(docs))
	for i := range docs {
		records = append(records, docs[i].record())
	}
	return records, nil
}

// Close disconnects the client.
func (mt *MongoTracker) Close() error {
	if mt.closed {
		return nil
	}
	mt.closed = true

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := mt.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("failed to disconnect from MongoDB: %w", err)
	}
	mt.logger.Info("Closed MongoDB position tracker")
	return nil
}

func (mt *MongoTracker) HealthCheck(ctx context.Context) error {
	if mt.closed {
		return ErrTrackerClosed
	}
	return mt.client.Ping(ctx, readpref.Primary())
}
