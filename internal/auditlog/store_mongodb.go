package auditlog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// MongoDBOptions names the collection and GridFS bucket.
type MongoDBOptions struct {
	Collection    string
	Bucket        string
	RetentionDays int
}

// MongoDBStore stores documents in a collection and bodies in a GridFS
// bucket.
type MongoDBStore struct {
	collection *mongo.Collection
	bucket     *mongo.GridFSBucket
}

// mongoDocument adds the ObjectID key to a Document.
type mongoDocument struct {
	ID       bson.ObjectID `bson:"_id"`
	Document `bson:",inline"`
}

// NewMongoDBStore creates the indexes and opens the bucket.
// MongoDB handles retention itself through a TTL index on startTime.
func NewMongoDBStore(database *mongo.Database, opts MongoDBOptions) (*MongoDBStore, error) {
	if database == nil {
		return nil, fmt.Errorf("database is required")
	}
	if opts.Collection == "" {
		opts.Collection = "audit"
	}
	if opts.Bucket == "" {
		opts.Bucket = "audit"
	}

	collection := database.Collection(opts.Collection)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	indexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "path", Value: 1}}},
		{Keys: bson.D{{Key: "service", Value: 1}, {Key: "operation", Value: 1}}},
		{Keys: bson.D{{Key: "internalId", Value: 1}}},
	}
	startTime := mongo.IndexModel{Keys: bson.D{{Key: "startTime", Value: 1}}}
	if opts.RetentionDays > 0 {
		startTime.Options = options.Index().SetExpireAfterSeconds(int32(opts.RetentionDays * 24 * 60 * 60))
	}
	indexes = append(indexes, startTime)

	if _, err := collection.Indexes().CreateMany(ctx, indexes); err != nil {
		// Indexes may already exist with other options.
		slog.Warn("failed to create some MongoDB indexes", "error", err)
	}

	bucket := database.GridFSBucket(options.GridFSBucket().SetName(opts.Bucket))

	return &MongoDBStore{
		collection: collection,
		bucket:     bucket,
	}, nil
}

func (s *MongoDBStore) Insert(ctx context.Context, doc *Document) (string, error) {
	oid := bson.NewObjectID()
	if _, err := s.collection.InsertOne(ctx, mongoDocument{ID: oid, Document: *doc}); err != nil {
		return "", fmt.Errorf("insert request document: %w", err)
	}
	return oid.Hex(), nil
}

func (s *MongoDBStore) UpdateFields(ctx context.Context, id string, fields Fields) error {
	if err := validateFields(fields); err != nil {
		return err
	}
	oid, err := bson.ObjectIDFromHex(id)
	if err != nil {
		return fmt.Errorf("document %s: %w", id, ErrNotFound)
	}

	set := bson.M{}
	for name, value := range fields {
		ref, err := blobRef(value)
		if err != nil {
			return fmt.Errorf("field %q: %w", name, err)
		}
		if ref == nil {
			set[name] = nil
		} else {
			set[name] = *ref
		}
	}

	res, err := s.collection.UpdateOne(ctx, bson.D{{Key: "_id", Value: oid}}, bson.D{{Key: "$set", Value: set}})
	if err != nil {
		return fmt.Errorf("update request document %s: %w", id, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *MongoDBStore) Find(ctx context.Context, id string) (*Document, error) {
	oid, err := bson.ObjectIDFromHex(id)
	if err != nil {
		return nil, fmt.Errorf("document %s: %w", id, ErrNotFound)
	}

	var stored mongoDocument
	err = s.collection.FindOne(ctx, bson.D{{Key: "_id", Value: oid}}).Decode(&stored)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find request document %s: %w", id, err)
	}

	doc := stored.Document
	doc.ID = stored.ID.Hex()
	return &doc, nil
}

func (s *MongoDBStore) Upload(ctx context.Context, name string, r io.Reader, meta BlobMetadata) (string, error) {
	metadata := bson.D{{Key: "type", Value: string(meta.Kind)}}
	if parent, err := bson.ObjectIDFromHex(meta.ParentID); err == nil {
		metadata = append(bson.D{{Key: "requestId", Value: parent}}, metadata...)
	} else {
		metadata = append(bson.D{{Key: "requestId", Value: meta.ParentID}}, metadata...)
	}

	uploadOpts := options.GridFSUpload().
		SetChunkSizeBytes(ChunkSize).
		SetMetadata(metadata)

	oid, err := s.bucket.UploadFromStream(ctx, name, r, uploadOpts)
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", name, err)
	}
	return oid.Hex(), nil
}

func (s *MongoDBStore) Download(ctx context.Context, id string) (io.ReadCloser, error) {
	oid, err := bson.ObjectIDFromHex(id)
	if err != nil {
		return nil, fmt.Errorf("blob %s: %w", id, ErrNotFound)
	}
	stream, err := s.bucket.OpenDownloadStream(ctx, oid)
	if errors.Is(err, mongo.ErrFileNotFound) {
		return nil, fmt.Errorf("blob %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("open blob %s: %w", id, err)
	}
	return stream, nil
}

// Close is a no-op; the client is managed by the storage layer.
func (s *MongoDBStore) Close() error {
	return nil
}
