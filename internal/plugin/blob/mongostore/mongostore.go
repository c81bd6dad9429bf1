package mongostore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sort"

	"github.com/chirino/contentpool/internal/config"
	"github.com/chirino/contentpool/internal/model"
	registryblob "github.com/chirino/contentpool/internal/registry/blob"
	registrystore "github.com/chirino/contentpool/internal/registry/store"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

func init() {
	registryblob.Register(registryblob.Plugin{
		Name:   "mongo",
		Loader: load,
	})
}

// ForceImport is a no-op variable that can be referenced to ensure this package's init() runs.
var ForceImport = 0

func load(ctx context.Context, tier model.Tier) (registryblob.BlobStore, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.MongoURL == "" {
		return nil, fmt.Errorf("mongostore: CONTENTPOOL_MONGO_URL is required")
	}
	client, err := mongo.Connect(options.Client().ApplyURI(cfg.MongoURL))
	if err != nil {
		return nil, fmt.Errorf("mongostore: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("mongostore: ping failed: %w", err)
	}
	name := "blobs"
	if tier == model.TierCold {
		name = "cold_blobs"
	}
	return New(client.Database(cfg.MongoDatabase), name), nil
}

// Store keeps blobs in a GridFS bucket, using the blob key as the file name.
type Store struct {
	bucket *mongo.GridFSBucket
}

func New(db *mongo.Database, bucketName string) *Store {
	return &Store{bucket: db.GridFSBucket(options.GridFSBucket().SetName(bucketName))}
}

type fileDoc struct {
	ID       bson.ObjectID `bson:"_id"`
	Filename string        `bson:"filename"`
}

func (s *Store) files(ctx context.Context, filter interface{}) ([]fileDoc, error) {
	cur, err := s.bucket.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var docs []fileDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

// Put uploads a new revision and then removes older revisions of the same key.
func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	old, err := s.files(ctx, bson.M{"filename": key})
	if err != nil {
		return fmt.Errorf("mongostore: find %s: %w", key, err)
	}
	if _, err := s.bucket.UploadFromStream(ctx, key, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("mongostore: gridfs upload %s: %w", key, err)
	}
	for _, f := range old {
		if err := s.bucket.Delete(ctx, f.ID); err != nil && !errors.Is(err, mongo.ErrFileNotFound) {
			return fmt.Errorf("mongostore: delete old revision of %s: %w", key, err)
		}
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	ds, err := s.bucket.OpenDownloadStreamByName(ctx, key)
	if errors.Is(err, mongo.ErrFileNotFound) {
		return nil, &registrystore.NotFoundError{Resource: "blob", ID: key}
	}
	if err != nil {
		return nil, fmt.Errorf("mongostore: open %s: %w", key, err)
	}
	defer ds.Close()
	data, err := io.ReadAll(ds)
	if err != nil {
		return nil, fmt.Errorf("mongostore: read %s: %w", key, err)
	}
	return data, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	docs, err := s.files(ctx, bson.M{"filename": key})
	if err != nil {
		return fmt.Errorf("mongostore: find %s: %w", key, err)
	}
	for _, f := range docs {
		if err := s.bucket.Delete(ctx, f.ID); err != nil && !errors.Is(err, mongo.ErrFileNotFound) {
			return fmt.Errorf("mongostore: delete %s: %w", key, err)
		}
	}
	return nil
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	docs, err := s.files(ctx, bson.M{"filename": key})
	if err != nil {
		return false, fmt.Errorf("mongostore: find %s: %w", key, err)
	}
	return len(docs) > 0, nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	docs, err := s.files(ctx, bson.M{"filename": bson.M{"$regex": "^" + regexp.QuoteMeta(prefix)}})
	if err != nil {
		return nil, fmt.Errorf("mongostore: list %q: %w", prefix, err)
	}
	seen := make(map[string]bool, len(docs))
	keys := make([]string, 0, len(docs))
	for _, d := range docs {
		if !seen[d.Filename] {
			seen[d.Filename] = true
			keys = append(keys, d.Filename)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

var _ registryblob.BlobStore = (*Store)(nil)
