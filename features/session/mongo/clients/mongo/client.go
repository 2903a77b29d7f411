// Package mongo hosts the MongoDB client used by the session store.
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

	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/event"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/failure"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/session"
)

const (
	defaultSessionsCollection = "mozaiks_sessions"
	defaultOpTimeout          = 5 * time.Second
	sessionClientName         = "session-mongo"
)

// Client exposes Mongo-backed operations for sessions and their message log.
// Each session is stored as a single document embedding its messages.
type Client interface {
	health.Pinger

	CreateSession(ctx context.Context, sess session.Session) error
	LoadSession(ctx context.Context, tenantID, sessionID string) (session.Record, error)
	AppendMessage(ctx context.Context, tenantID, sessionID string, msg event.Message) error
	UpdateSnapshot(ctx context.Context, tenantID, sessionID string, status session.Status, snap session.Snapshot) error
	ListSessions(ctx context.Context, tenantID string, statuses []session.Status) ([]session.Session, error)
}

// Options configures the Mongo session client.
type Options struct {
	Client             *mongodriver.Client
	Database           string
	SessionsCollection string
	Timeout            time.Duration
}

type client struct {
	mongo    *mongodriver.Client
	sessions collection
	timeout  time.Duration
	now      func() time.Time
}

// terminal lists the statuses that make a session read-only.
var terminal = []session.Status{session.StatusCompleted, session.StatusError}

// New returns a Client backed by MongoDB.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	name := opts.SessionsCollection
	if name == "" {
		name = defaultSessionsCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	coll := mongoCollection{coll: opts.Client.Database(opts.Database).Collection(name)}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, coll); err != nil {
		return nil, err
	}
	return newClientWithCollection(opts.Client, coll, timeout)
}

func (c *client) Name() string {
	return sessionClientName
}

func (c *client) Ping(ctx context.Context) error {
	if c.mongo == nil {
		return errors.New("mongo client is not configured")
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) CreateSession(ctx context.Context, sess session.Session) error {
	if sess.ID == "" {
		return errors.New("session id is required")
	}
	if sess.TenantID == "" {
		return errors.New("tenant id is required")
	}
	now := c.now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now
	if sess.Status == "" {
		sess.Status = session.StatusActive
	}
	doc, err := fromSession(sess)
	if err != nil {
		return err
	}
	doc.Messages = []messageDocument{}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	if _, err := c.sessions.InsertOne(ctx, doc); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return session.ErrSessionExists
		}
		return err
	}
	return nil
}

func (c *client) LoadSession(ctx context.Context, tenantID, sessionID string) (session.Record, error) {
	doc, err := c.find(ctx, tenantID, sessionID)
	if err != nil {
		return session.Record{}, err
	}
	return doc.toRecord()
}

// AppendMessage pushes msg only when it directly follows the stored last
// sequence, so concurrent writers cannot interleave or leave gaps.
func (c *client) AppendMessage(ctx context.Context, tenantID, sessionID string, msg event.Message) error {
	if sessionID == "" {
		return errors.New("session id is required")
	}
	filter := bson.M{
		"_id":           sessionID,
		"tenant_id":     tenantID,
		"last_sequence": msg.Sequence - 1,
		"status":        bson.M{"$nin": terminal},
	}
	update := bson.M{
		"$push": bson.M{"messages": fromMessage(msg)},
		"$set": bson.M{
			"last_sequence": msg.Sequence,
			"updated_at":    c.now().UTC(),
		},
	}
	tctx, cancel := c.withTimeout(ctx)
	defer cancel()
	res, err := c.sessions.UpdateOne(tctx, filter, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 1 {
		return nil
	}
	doc, err := c.find(ctx, tenantID, sessionID)
	if err != nil {
		return err
	}
	if doc.Status.IsTerminal() {
		return session.ErrSessionArchived
	}
	return fmt.Errorf("%w: got %d, want %d", session.ErrSequenceConflict, msg.Sequence, doc.LastSequence+1)
}

func (c *client) UpdateSnapshot(ctx context.Context, tenantID, sessionID string, status session.Status, snap session.Snapshot) error {
	if sessionID == "" {
		return errors.New("session id is required")
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	filter := bson.M{
		"_id":       sessionID,
		"tenant_id": tenantID,
		"status":    bson.M{"$nin": terminal},
	}
	update := bson.M{
		"$set": bson.M{
			"status":     status,
			"snapshot":   string(raw),
			"updated_at": c.now().UTC(),
		},
	}
	tctx, cancel := c.withTimeout(ctx)
	defer cancel()
	res, err := c.sessions.UpdateOne(tctx, filter, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 1 {
		return nil
	}
	if _, err := c.find(ctx, tenantID, sessionID); err != nil {
		return err
	}
	return session.ErrSessionArchived
}

func (c *client) ListSessions(ctx context.Context, tenantID string, statuses []session.Status) ([]session.Session, error) {
	if tenantID == "" {
		return nil, errors.New("tenant id is required")
	}
	filter := bson.M{"tenant_id": tenantID}
	if len(statuses) > 0 {
		filter["status"] = bson.M{"$in": statuses}
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "updated_at", Value: -1}, {Key: "_id", Value: 1}}).
		SetProjection(bson.M{"messages": 0})
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	cur, err := c.sessions.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = cur.Close(ctx)
	}()
	var out []session.Session
	for cur.Next(ctx) {
		var doc sessionDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		s, err := doc.toSession()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// find loads a session document and enforces tenant ownership.
func (c *client) find(ctx context.Context, tenantID, sessionID string) (sessionDocument, error) {
	if sessionID == "" {
		return sessionDocument{}, errors.New("session id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var doc sessionDocument
	if err := c.sessions.FindOne(ctx, bson.M{"_id": sessionID}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return sessionDocument{}, session.ErrSessionNotFound
		}
		return sessionDocument{}, err
	}
	if doc.TenantID != tenantID {
		return sessionDocument{}, failure.Errorf(failure.KindTenantMismatch, "session %q is not owned by tenant %q", sessionID, tenantID)
	}
	return doc, nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

type sessionDocument struct {
	ID           string            `bson:"_id"`
	TenantID     string            `bson:"tenant_id"`
	WorkflowName string            `bson:"workflow_name"`
	CacheSeed    int64             `bson:"cache_seed"`
	LastSequence int64             `bson:"last_sequence"`
	Status       session.Status    `bson:"status"`
	Snapshot     string            `bson:"snapshot"`
	Messages     []messageDocument `bson:"messages,omitempty"`
	CreatedAt    time.Time         `bson:"created_at"`
	UpdatedAt    time.Time         `bson:"updated_at"`
}

// messageDocument keeps payloads as JSON text so they round-trip byte for
// byte.
type messageDocument struct {
	Sequence  int64      `bson:"sequence"`
	Role      event.Role `bson:"role"`
	Sender    string     `bson:"sender"`
	Kind      event.Kind `bson:"kind"`
	Content   string     `bson:"content,omitempty"`
	Payload   string     `bson:"payload,omitempty"`
	ToolID    string     `bson:"tool_id,omitempty"`
	Visible   bool       `bson:"visible"`
	Hidden    bool       `bson:"hidden,omitempty"`
	Echo      bool       `bson:"echo,omitempty"`
	Timestamp time.Time  `bson:"timestamp"`
}

func fromSession(s session.Session) (sessionDocument, error) {
	raw, err := json.Marshal(s.Snapshot)
	if err != nil {
		return sessionDocument{}, fmt.Errorf("encode snapshot: %w", err)
	}
	return sessionDocument{
		ID:           s.ID,
		TenantID:     s.TenantID,
		WorkflowName: s.WorkflowName,
		CacheSeed:    s.CacheSeed,
		LastSequence: s.LastSequence,
		Status:       s.Status,
		Snapshot:     string(raw),
		CreatedAt:    s.CreatedAt.UTC(),
		UpdatedAt:    s.UpdatedAt.UTC(),
	}, nil
}

func (doc sessionDocument) toSession() (session.Session, error) {
	var snap session.Snapshot
	if doc.Snapshot != "" {
		if err := json.Unmarshal([]byte(doc.Snapshot), &snap); err != nil {
			return session.Session{}, fmt.Errorf("decode snapshot of %s: %w", doc.ID, err)
		}
	}
	return session.Session{
		ID:           doc.ID,
		TenantID:     doc.TenantID,
		WorkflowName: doc.WorkflowName,
		CacheSeed:    doc.CacheSeed,
		LastSequence: doc.LastSequence,
		Status:       doc.Status,
		Snapshot:     snap,
		CreatedAt:    doc.CreatedAt.UTC(),
		UpdatedAt:    doc.UpdatedAt.UTC(),
	}, nil
}

func (doc sessionDocument) toRecord() (session.Record, error) {
	s, err := doc.toSession()
	if err != nil {
		return session.Record{}, err
	}
	msgs := make([]event.Message, 0, len(doc.Messages))
	for _, m := range doc.Messages {
		msgs = append(msgs, m.toMessage())
	}
	return session.Record{Session: s, Messages: msgs}, nil
}

func fromMessage(m event.Message) messageDocument {
	return messageDocument{
		Sequence:  m.Sequence,
		Role:      m.Role,
		Sender:    m.Sender,
		Kind:      m.Kind,
		Content:   m.Content,
		Payload:   string(m.Payload),
		ToolID:    m.ToolID,
		Visible:   m.Visible,
		Hidden:    m.Hidden,
		Echo:      m.Echo,
		Timestamp: m.Timestamp.UTC(),
	}
}

func (m messageDocument) toMessage() event.Message {
	var payload json.RawMessage
	if m.Payload != "" {
		payload = json.RawMessage(m.Payload)
	}
	return event.Message{
		Sequence:  m.Sequence,
		Role:      m.Role,
		Sender:    m.Sender,
		Kind:      m.Kind,
		Content:   m.Content,
		Payload:   payload,
		ToolID:    m.ToolID,
		Visible:   m.Visible,
		Hidden:    m.Hidden,
		Echo:      m.Echo,
		Timestamp: m.Timestamp.UTC(),
	}
}

func ensureIndexes(ctx context.Context, sessions collection) error {
	tenantUpdated := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "tenant_id", Value: 1},
			{Key: "updated_at", Value: -1},
		},
	}
	if _, err := sessions.Indexes().CreateOne(ctx, tenantUpdated); err != nil {
		return err
	}
	tenantStatus := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "tenant_id", Value: 1},
			{Key: "status", Value: 1},
		},
	}
	if _, err := sessions.Indexes().CreateOne(ctx, tenantStatus); err != nil {
		return err
	}
	return nil
}

func newClientWithCollection(mongoClient *mongodriver.Client, sessions collection, timeout time.Duration) (*client, error) {
	if sessions == nil {
		return nil, errors.New("collection is required")
	}
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &client{
		mongo:    mongoClient,
		sessions: sessions,
		timeout:  timeout,
		now:      time.Now,
	}, nil
}

type collection interface {
	InsertOne(ctx context.Context, doc any, opts ...options.Lister[options.InsertOneOptions]) (*mongodriver.InsertOneResult, error)
	FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult
	Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error)
	UpdateOne(ctx context.Context, filter any, update any,
		opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel,
		opts ...options.Lister[options.CreateIndexesOptions]) (string, error)
}

type singleResult interface {
	Decode(val any) error
}

type cursor interface {
	Close(ctx context.Context) error
	Decode(val any) error
	Err() error
	Next(ctx context.Context) bool
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) InsertOne(ctx context.Context, doc any, opts ...options.Lister[options.InsertOneOptions]) (*mongodriver.InsertOneResult, error) {
	return c.coll.InsertOne(ctx, doc, opts...)
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult {
	return c.coll.FindOne(ctx, filter, opts...)
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return cur, nil
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter any, update any,
	opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel,
	opts ...options.Lister[options.CreateIndexesOptions]) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
