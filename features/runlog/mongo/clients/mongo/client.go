// Package mongo implements the low-level MongoDB client used by the business
// event log.
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

type (
	// Client exposes Mongo-backed operations for the business event log.
	Client interface {
		health.Pinger

		Append(ctx context.Context, e *Entry) error
		List(ctx context.Context, tenantID, sessionID, cursor string, limit int) (Page, error)
	}

	// Entry is one recorded business event.
	Entry struct {
		ID        string         `json:"id"`
		TenantID  string         `json:"tenantId"`
		SessionID string         `json:"sessionId"`
		Workflow  string         `json:"workflow"`
		Name      string         `json:"name"`
		Fields    map[string]any `json:"fields,omitempty"`
		Timestamp time.Time      `json:"timestamp"`
	}

	// Page is a window of entries in insertion order.
	Page struct {
		Entries    []*Entry `json:"entries"`
		NextCursor string   `json:"nextCursor,omitempty"`
	}

	// Options configures the Mongo client implementation.
	Options struct {
		Client     *mongodriver.Client
		Database   string
		Collection string
		Timeout    time.Duration
	}

	client struct {
		mongo   *mongodriver.Client
		coll    collection
		timeout time.Duration
	}

	entryDocument struct {
		ID        bson.ObjectID `bson:"_id,omitempty"`
		TenantID  string        `bson:"tenant_id"`
		SessionID string        `bson:"session_id"`
		Workflow  string        `bson:"workflow"`
		Name      string        `bson:"name"`
		Fields    []byte        `bson:"fields"`
		Timestamp time.Time     `bson:"timestamp"`
	}
)

const (
	defaultCollection = "mozaiks_business_events"
	defaultTimeout    = 5 * time.Second
	clientName        = "runlog-mongo"
)

// New returns a Client backed by the provided MongoDB client.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collection := opts.Collection
	if collection == "" {
		collection = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	mcoll := opts.Client.Database(opts.Database).Collection(collection)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	wrapper := mongoCollection{coll: mcoll}
	if err := ensureIndexes(ctx, wrapper); err != nil {
		return nil, err
	}
	return newClientWithCollection(opts.Client, wrapper, timeout)
}

func (c *client) Name() string {
	return clientName
}

func (c *client) Ping(ctx context.Context) error {
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) Append(ctx context.Context, e *Entry) error {
	if e == nil {
		return errors.New("entry is required")
	}
	if e.TenantID == "" || e.SessionID == "" {
		return errors.New("tenant and session ids are required")
	}
	if e.Name == "" {
		return errors.New("event name is required")
	}
	if e.Timestamp.IsZero() {
		return errors.New("timestamp is required")
	}
	fields, err := json.Marshal(e.Fields)
	if err != nil {
		return fmt.Errorf("encode fields of %s: %w", e.Name, err)
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	res, err := c.coll.InsertOne(ctx, entryDocument{
		TenantID:  e.TenantID,
		SessionID: e.SessionID,
		Workflow:  e.Workflow,
		Name:      e.Name,
		Fields:    fields,
		Timestamp: e.Timestamp.UTC(),
	})
	if err != nil {
		return err
	}
	oid, ok := res.InsertedID.(bson.ObjectID)
	if !ok {
		return fmt.Errorf("unexpected inserted id type %T", res.InsertedID)
	}
	e.ID = oid.Hex()
	return nil
}

func (c *client) List(ctx context.Context, tenantID, sessionID, cursor string, limit int) (page Page, err error) {
	if tenantID == "" || sessionID == "" {
		return Page{}, errors.New("tenant and session ids are required")
	}
	if limit <= 0 {
		return Page{}, errors.New("limit must be > 0")
	}

	filter := bson.M{"tenant_id": tenantID, "session_id": sessionID}
	if cursor != "" {
		oid, err := bson.ObjectIDFromHex(cursor)
		if err != nil {
			return Page{}, fmt.Errorf("invalid cursor %q: %w", cursor, err)
		}
		filter["_id"] = bson.M{"$gt": oid}
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	cur, err := c.coll.Find(ctx, filter, options.Find().
		SetSort(bson.D{{Key: "_id", Value: 1}}).
		SetLimit(int64(limit+1)),
	)
	if err != nil {
		return Page{}, err
	}
	defer func() {
		if cerr := cur.Close(ctx); err == nil && cerr != nil {
			err = cerr
		}
	}()

	var entries []*Entry
	for cur.Next(ctx) {
		var doc entryDocument
		if err := cur.Decode(&doc); err != nil {
			return Page{}, err
		}
		e := &Entry{
			ID:        doc.ID.Hex(),
			TenantID:  doc.TenantID,
			SessionID: doc.SessionID,
			Workflow:  doc.Workflow,
			Name:      doc.Name,
			Timestamp: doc.Timestamp,
		}
		if len(doc.Fields) > 0 {
			if err := json.Unmarshal(doc.Fields, &e.Fields); err != nil {
				return Page{}, fmt.Errorf("decode fields of %s: %w", e.ID, err)
			}
		}
		entries = append(entries, e)
	}
	if err := cur.Err(); err != nil {
		return Page{}, err
	}

	var next string
	if len(entries) > limit {
		next = entries[limit-1].ID
		entries = entries[:limit]
	}
	return Page{Entries: entries, NextCursor: next}, nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func ensureIndexes(ctx context.Context, coll collection) error {
	index := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "tenant_id", Value: 1},
			{Key: "session_id", Value: 1},
			{Key: "_id", Value: 1},
		},
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
	return &client{
		mongo:   mongoClient,
		coll:    coll,
		timeout: timeout,
	}, nil
}

type collection interface {
	InsertOne(ctx context.Context, document any, opts ...options.Lister[options.InsertOneOptions]) (*mongodriver.InsertOneResult, error)
	Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...options.Lister[options.CreateIndexesOptions]) (string, error)
}

type cursor interface {
	Next(ctx context.Context) bool
	Decode(val any) error
	Err() error
	Close(ctx context.Context) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) InsertOne(ctx context.Context, document any, opts ...options.Lister[options.InsertOneOptions]) (*mongodriver.InsertOneResult, error) {
	return c.coll.InsertOne(ctx, document, opts...)
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return cur, nil
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
