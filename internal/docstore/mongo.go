package docstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// Mongo writes documents to a MongoDB collection.
type Mongo struct {
	client     *mongo.Client
	collection *mongo.Collection
}

// Connect builds the client. The driver connects lazily; call Ping to find
// out whether the server is reachable.
func Connect(ctx context.Context, uri, database, collection string, timeout time.Duration) (*Mongo, error) {
	opts := options.Client().
		ApplyURI(uri).
		SetConnectTimeout(timeout).
		SetServerSelectionTimeout(timeout)
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	return &Mongo{
		client:     client,
		collection: client.Database(database).Collection(collection),
	}, nil
}

func (m *Mongo) Ping(ctx context.Context) error {
	return m.client.Ping(ctx, readpref.Primary())
}

func (m *Mongo) Insert(ctx context.Context, doc Document) error {
	if _, err := m.collection.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("insert %s: %w", doc.ModelName, err)
	}
	return nil
}

func (m *Mongo) Latest(ctx context.Context, modelName string) (Document, error) {
	var doc Document
	opts := options.FindOne().SetSort(bson.D{{Key: "timestamp", Value: -1}})
	err := m.collection.FindOne(ctx, bson.M{"model_name": modelName}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Document{}, fmt.Errorf("%w: %s", ErrNotFound, modelName)
	}
	if err != nil {
		return Document{}, fmt.Errorf("find %s: %w", modelName, err)
	}
	return doc, nil
}

func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}
