package persist

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

// Mongo keeps one document per snapshot, keyed by _id = document id.
type Mongo struct {
	client    *mongo.Client
	snapshots *mongo.Collection
}

type snapshotRecord struct {
	ID        string    `bson:"_id"`
	Data      []byte    `bson:"data"`
	UpdatedAt time.Time `bson:"updated_at"`
}

func OpenMongo(ctx context.Context, uri, database, collection string) (*Mongo, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("persist: connect mongo: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("persist: ping mongo: %w", err)
	}
	return &Mongo{
		client:    client,
		snapshots: client.Database(database).Collection(collection),
	}, nil
}

func (m *Mongo) Save(ctx context.Context, documentID string, data []byte) error {
	filter := bson.D{{Key: "_id", Value: documentID}}
	update := bson.D{{Key: "$set", Value: bson.D{{Key: "data", Value: data}, {Key: "updated_at", Value: time.Now().UTC()}}}}
	opts := options.Update().SetUpsert(true)

	_, err := m.snapshots.UpdateOne(ctx, filter, update, opts)
	return err
}

func (m *Mongo) Load(ctx context.Context, documentID string) ([]byte, error) {
	var rec snapshotRecord
	err := m.snapshots.FindOne(ctx, bson.D{{Key: "_id", Value: documentID}}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec.Data, nil
}

func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}
