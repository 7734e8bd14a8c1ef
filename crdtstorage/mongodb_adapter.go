package crdtstorage

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// snapshotDocument is the BSON shape of a stored snapshot.
type snapshotDocument struct {
	Room      string    `bson:"room"`
	Data      []byte    `bson:"data"`
	UpdatedAt time.Time `bson:"updated_at"`
}

// MongoStore persists snapshots in a MongoDB collection, one document
// per room.
type MongoStore struct {
	// client is the MongoDB client. Owned by the caller.
	client *mongo.Client

	// collection holds the snapshot documents.
	collection *mongo.Collection
}

// NewMongoStore creates a MongoDB-backed store and ensures the room
// index exists.
func NewMongoStore(ctx context.Context, client *mongo.Client, database, collection string) (*MongoStore, error) {
	if client == nil {
		return nil, errors.New("mongo client cannot be nil")
	}

	coll := client.Database(database).Collection(collection)

	indexModel := mongo.IndexModel{
		Keys:    bson.D{{Key: "room", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := coll.Indexes().CreateOne(ctx, indexModel); err != nil {
		return nil, errors.Wrap(err, "failed to create room index")
	}

	return &MongoStore{
		client:     client,
		collection: coll,
	}, nil
}

// SaveSnapshot upserts the room's snapshot document.
func (s *MongoStore) SaveSnapshot(ctx context.Context, room string, data []byte) error {
	filter := bson.M{"room": room}
	update := bson.M{"$set": snapshotDocument{
		Room:      room,
		Data:      data,
		UpdatedAt: time.Now(),
	}}

	_, err := s.collection.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	return errors.Wrap(err, "failed to save snapshot")
}

// LoadSnapshot reads the room's snapshot document.
func (s *MongoStore) LoadSnapshot(ctx context.Context, room string) ([]byte, error) {
	var doc snapshotDocument
	err := s.collection.FindOne(ctx, bson.M{"room": room}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, errSnapshotNotFound(room)
		}
		return nil, errors.Wrap(err, "failed to load snapshot")
	}
	return doc.Data, nil
}

// Close is a no-op; the MongoDB client belongs to the caller.
func (s *MongoStore) Close() error {
	return nil
}
