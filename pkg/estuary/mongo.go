package estuary

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/cohenjo/readmodel/pkg/auth"
	"github.com/cohenjo/readmodel/pkg/config"
)

// MongoSink stores each row as a document whose _id is the primary key.
type MongoSink struct {
	client     *mongo.Client
	collection *mongo.Collection
}

// NewMongoSink connects and pings the server.
func NewMongoSink(ctx context.Context, cfg config.SinkConfig) (*MongoSink, error) {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	opts := options.Client().ApplyURI(cfg.URI).SetConnectTimeout(timeout).SetTimeout(timeout)
	switch {
	case cfg.AuthMethod == "entra":
		cred, err := auth.NewCredential()
		if err != nil {
			return nil, err
		}
		opts.SetAuth(auth.MongoOIDCCredential(auth.NewTokenCache(cred, 0)))
	case cfg.Username != "":
		opts.SetAuth(options.Credential{Username: cfg.Username, Password: cfg.Password})
	}

	client, err := mongo.Connect(opts)
	if err != nil {
		return nil, fmt.Errorf("connection failure: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("connection ping failure: %w", err)
	}

	log.Info().Str("database", cfg.Database).Str("collection", cfg.Target).Msg("Connected to MongoDB")
	return &MongoSink{
		client:     client,
		collection: client.Database(cfg.Database).Collection(cfg.Target),
	}, nil
}

func (m *MongoSink) Name() string { return config.SinkMongoDB }

// Upsert replaces the document with _id = id, inserting it if absent.
func (m *MongoSink) Upsert(ctx context.Context, id interface{}, fields map[string]interface{}) error {
	_, err := m.collection.ReplaceOne(ctx, bson.D{{Key: "_id", Value: id}}, mongoDocument(id, fields), options.Replace().SetUpsert(true))
	if err != nil {
		return newApplyError(m.Name(), OpUpsert, id, ErrCodeWriteFailed, "replace failed", err)
	}
	return nil
}

// Delete removes the document; deleting a missing one matches zero documents and succeeds.
func (m *MongoSink) Delete(ctx context.Context, id interface{}) error {
	res, err := m.collection.DeleteOne(ctx, bson.D{{Key: "_id", Value: id}})
	if err != nil {
		return newApplyError(m.Name(), OpDelete, id, ErrCodeWriteFailed, "delete failed", err)
	}
	log.Debug().Str("id", FormatID(id)).Int64("deleted", res.DeletedCount).Msg("Deleted document")
	return nil
}

func (m *MongoSink) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}

// mongoDocument copies fields and sets _id.
func mongoDocument(id interface{}, fields map[string]interface{}) bson.M {
	doc := make(bson.M, len(fields)+1)
	for k, v := range fields {
		doc[k] = v
	}
	doc["_id"] = id
	return doc
}
