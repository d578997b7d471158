package db

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// SortSpec orders a query by one field
type SortSpec struct {
	Field string
	Desc  bool
}

// Repository provides generic access to one MongoDB collection whose
// documents are keyed by string ids.
type Repository[T any] struct {
	collection *mongo.Collection
}

// NewRepository creates a new generic repository
func NewRepository[T any](db *mongo.Database, collectionName string) *Repository[T] {
	return &Repository[T]{
		collection: db.Collection(collectionName),
	}
}

func OpenConnection(uri string, database string) (*mongo.Database, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	clientOptions := options.Client().ApplyURI(uri)

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, err
	}

	err = client.Ping(ctx, nil)
	if err != nil {
		return nil, err
	}

	return client.Database(database), nil
}

// EnsureIndexes creates the given indexes if missing
func (r *Repository[T]) EnsureIndexes(ctx context.Context, keys ...bson.D) error {
	models := make([]mongo.IndexModel, len(keys))
	for i, k := range keys {
		models[i] = mongo.IndexModel{Keys: k}
	}
	_, err := r.collection.Indexes().CreateMany(ctx, models)
	return err
}

// Create inserts a new document
func (r *Repository[T]) Create(ctx context.Context, document T) (*mongo.InsertOneResult, error) {
	return r.collection.InsertOne(ctx, document)
}

// FindByID finds a document by its string id
func (r *Repository[T]) FindByID(ctx context.Context, id string) (*T, error) {
	return r.FindOne(ctx, bson.M{"_id": id})
}

// FindOne finds a single document matching the filter
func (r *Repository[T]) FindOne(ctx context.Context, filter bson.M) (*T, error) {
	var result T
	err := r.collection.FindOne(ctx, filter).Decode(&result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// FindAll finds all documents matching the filter in the given order
func (r *Repository[T]) FindAll(ctx context.Context, filter bson.M, sort ...SortSpec) ([]T, error) {
	findOptions := options.Find()
	if len(sort) > 0 {
		order := bson.D{}
		for _, s := range sort {
			dir := 1
			if s.Desc {
				dir = -1
			}
			order = append(order, bson.E{Key: s.Field, Value: dir})
		}
		findOptions.SetSort(order)
	}

	cursor, err := r.collection.Find(ctx, filter, findOptions)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	results := make([]T, 0)
	if err = cursor.All(ctx, &results); err != nil {
		return nil, err
	}
	return results, nil
}

// FindOneAndSet applies $set to the document matching filter and returns the
// document as it is after the update.
func (r *Repository[T]) FindOneAndSet(ctx context.Context, filter bson.M, set bson.M) (*T, error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var result T
	err := r.collection.FindOneAndUpdate(ctx, filter, bson.M{"$set": set}, opts).Decode(&result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}
