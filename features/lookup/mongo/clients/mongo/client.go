// Package mongo implements the low-level MongoDB client used by the context
// lookup.
package mongo

//go:generate cmg gen .

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"
)

const (
	defaultCollection = "mozaiks_context"
	defaultTimeout    = 5 * time.Second
	clientName        = "lookup-mongo"
)

// ErrNotFound indicates no value is stored for a tenant and key.
var ErrNotFound = errors.New("context value not found")

// Client exposes tenant-scoped context values stored in MongoDB. Values are
// JSON documents so that their JSON types survive the round trip.
type Client interface {
	health.Pinger

	Fetch(ctx context.Context, tenantID, key string) (any, error)
	Put(ctx context.Context, tenantID, key string, value any) error
}

// Options configures the Mongo client implementation.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

type client struct {
	mongo   *mongodriver.Client
	coll    collection
	timeout time.Duration
	now     func() time.Time
}

// New returns a Client backed by the provided MongoDB client.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	name := opts.Collection
	if name == "" {
		name = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	wrapper := mongoCollection{coll: opts.Client.Database(opts.Database).Collection(name)}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, wrapper); err != nil {
		return nil, err
	}
	return newClientWithCollection(opts.Client, wrapper, timeout)
}

func (c *client) Name() string {
	return clientName
}

func (c *client) Ping(ctx context.Context) error {
	if c.mongo == nil {
		return errors.New("mongo client not configured")
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) Fetch(ctx context.Context, tenantID, key string) (any, error) {
	if tenantID == "" || key == "" {
		return nil, errors.New("tenant id and key are required")
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var doc valueDocument
	if err := c.coll.FindOne(ctx, bson.M{"tenant_id": tenantID, "key": key}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, fmt.Errorf("%w: %q", ErrNotFound, key)
		}
		return nil, err
	}
	var v any
	if err := json.Unmarshal([]byte(doc.Value), &v); err != nil {
		return nil, fmt.Errorf("decode context value %q: %w", key, err)
	}
	return v, nil
}

func (c *client) Put(ctx context.Context, tenantID, key string, value any) error {
	if tenantID == "" || key == "" {
		return errors.New("tenant id and key are required")
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode context value %q: %w", key, err)
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	filter := bson.M{"tenant_id": tenantID, "key": key}
	update := bson.M{"$set": bson.M{"value": string(raw), "updated_at": c.now().UTC()}}
	_, err = c.coll.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	return err
}

type valueDocument struct {
	TenantID  string    `bson:"tenant_id"`
	Key       string    `bson:"key"`
	Value     string    `bson:"value"`
	UpdatedAt time.Time `bson:"updated_at,omitempty"`
}

func ensureIndexes(ctx context.Context, coll collection) error {
	index := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "tenant_id", Value: 1}, {Key: "key", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	_, err := coll.Indexes().CreateOne(ctx, index)
	return err
}

func newClientWithCollection(mongoClient *mongodriver.Client, coll collection, timeout time.Duration) (*client, error) {
	if coll == nil {
		return nil, errors.New("collection is required")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &client{mongo: mongoClient, coll: coll, timeout: timeout, now: time.Now}, nil
}

type collection interface {
	FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult
	UpdateOne(ctx context.Context, filter any, update any, opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...options.Lister[options.CreateIndexesOptions]) (string, error)
}

type singleResult interface {
	Decode(val any) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult {
	return c.coll.FindOne(ctx, filter, opts...)
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter any, update any, opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...options.Lister[options.CreateIndexesOptions]) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
