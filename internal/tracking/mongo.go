package tracking

import (
	"context"
	"errors"
	"fmt"

	"github.com/Lllllllleong/documenttracker/internal/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore keeps one MongoDB document per instance with _id set to the document ID.
type MongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
}

var _ Store = (*MongoStore)(nil)

// OpenMongoStore connects to uri, verifies the connection and ensures the indexes exist.
func OpenMongoStore(ctx context.Context, uri, dbName, collection string) (*MongoStore, error) {
	if dbName == "" || collection == "" {
		return nil, fmt.Errorf("mongo database and collection names must be provided")
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}

	s := &MongoStore{client: client, coll: client.Database(dbName).Collection(collection)}
	if err := s.EnsureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return s, nil
}

// EnsureIndexes creates the query indexes and the TTL index on expireAt.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "baseDocumentId", Value: 1}, {Key: "uploadTimestamp", Value: -1}}},
		{Keys: bson.D{{Key: "uploadTimestamp", Value: -1}, {Key: "_id", Value: -1}}},
		{Keys: bson.D{{Key: "status", Value: 1}}},
		{
			Keys:    bson.D{{Key: "expireAt", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(0),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create tracking indexes: %w", err)
	}
	return nil
}

func (s *MongoStore) Close() error {
	return s.client.Disconnect(context.Background())
}

func (s *MongoStore) Get(ctx context.Context, documentID string) (*models.DocumentInstance, error) {
	var rec models.DocumentInstance
	err := s.coll.FindOne(ctx, bson.M{"_id": documentID}).Decode(&rec)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, mongoError("get", err)
	}
	return &rec, nil
}

// PutIfVersion inserts when expectedVersion is 0 and otherwise replaces the document only while
// its stored version still matches.
func (s *MongoStore) PutIfVersion(ctx context.Context, rec *models.DocumentInstance, expectedVersion int64) error {
	if expectedVersion == 0 {
		_, err := s.coll.InsertOne(ctx, rec)
		if mongo.IsDuplicateKeyError(err) {
			return &ConflictError{DocumentID: rec.DocumentID, ExpectedVersion: expectedVersion, Err: err}
		}
		if err != nil {
			return mongoError("insert", err)
		}
		return nil
	}

	res, err := s.coll.ReplaceOne(ctx, bson.M{"_id": rec.DocumentID, "version": expectedVersion}, rec)
	if err != nil {
		return mongoError("replace", err)
	}
	if res.MatchedCount == 0 {
		return &ConflictError{DocumentID: rec.DocumentID, ExpectedVersion: expectedVersion}
	}
	return nil
}

func (s *MongoStore) QueryByBaseDocument(ctx context.Context, baseDocumentID string) ([]*models.DocumentInstance, error) {
	opts := options.Find().SetSort(bson.D{{Key: "uploadTimestamp", Value: -1}, {Key: "_id", Value: -1}})
	return s.find(ctx, "query by base document", bson.M{"baseDocumentId": baseDocumentID}, opts)
}

func (s *MongoStore) ListRecent(ctx context.Context, limit int, after *models.Cursor) ([]*models.DocumentInstance, error) {
	filter := bson.M{}
	if after != nil {
		filter = bson.M{"$or": bson.A{
			bson.M{"uploadTimestamp": bson.M{"$lt": after.UploadTimestamp}},
			bson.M{"uploadTimestamp": after.UploadTimestamp, "_id": bson.M{"$lt": after.DocumentID}},
		}}
	}
	opts := options.Find().SetSort(bson.D{{Key: "uploadTimestamp", Value: -1}, {Key: "_id", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	return s.find(ctx, "list recent", filter, opts)
}

func (s *MongoStore) ListByStatus(ctx context.Context, status models.Status, limit int) ([]*models.DocumentInstance, error) {
	opts := options.Find()
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	return s.find(ctx, "list by status", bson.M{"status": string(status)}, opts)
}

func (s *MongoStore) find(ctx context.Context, op string, filter bson.M, opts *options.FindOptions) ([]*models.DocumentInstance, error) {
	cursor, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, mongoError(op, err)
	}
	defer cursor.Close(ctx)

	var docs []*models.DocumentInstance
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, mongoError(op, err)
	}
	return docs, nil
}

func mongoError(op string, err error) error {
	if mongo.IsTimeout(err) || mongo.IsNetworkError(err) {
		return &UnavailableError{Op: op, Err: err}
	}
	if wrapped := unavailableIfContext(op, err); IsUnavailable(wrapped) {
		return wrapped
	}
	return fmt.Errorf("mongo %s failed: %w", op, err)
}
