package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/event"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/failure"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/session"
)

func TestEnsureIndexes(t *testing.T) {
	coll := newFakeCollection()
	require.NoError(t, ensureIndexes(context.Background(), coll))
	require.Equal(t, 2, coll.indexCreated)
}

func TestCreateLoadSession(t *testing.T) {
	client := mustNewTestClient()
	ctx := context.Background()
	sess := session.Session{
		ID:           "sess-1",
		TenantID:     "acme",
		WorkflowName: "pipeline",
		CacheSeed:    session.DeriveCacheSeed("acme", "sess-1"),
		Snapshot:     session.Snapshot{State: "idle", CurrentAgent: "Intake", Values: map[string]any{"ready": true}},
	}
	require.NoError(t, client.CreateSession(ctx, sess))
	require.ErrorIs(t, client.CreateSession(ctx, sess), session.ErrSessionExists)

	rec, err := client.LoadSession(ctx, "acme", "sess-1")
	require.NoError(t, err)
	require.Equal(t, "pipeline", rec.Session.WorkflowName)
	require.Equal(t, sess.CacheSeed, rec.Session.CacheSeed)
	require.Equal(t, session.StatusActive, rec.Session.Status)
	require.Equal(t, "Intake", rec.Session.Snapshot.CurrentAgent)
	require.Equal(t, true, rec.Session.Snapshot.Values["ready"])
	require.Empty(t, rec.Messages)

	_, err = client.LoadSession(ctx, "globex", "sess-1")
	require.ErrorIs(t, err, failure.ErrTenantMismatch)
	_, err = client.LoadSession(ctx, "acme", "missing")
	require.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestAppendMessageEnforcesSequence(t *testing.T) {
	client := mustNewTestClient()
	ctx := context.Background()
	require.NoError(t, client.CreateSession(ctx, session.Session{ID: "s", TenantID: "acme"}))

	msg := event.Message{Sequence: 1, Role: event.RoleAgent, Sender: "Intake", Kind: event.KindStructuredOutput,
		Payload: json.RawMessage(`{"b":1,"a":2}`), Visible: true, Timestamp: time.Unix(10, 0).UTC()}
	require.NoError(t, client.AppendMessage(ctx, "acme", "s", msg))
	require.ErrorIs(t, client.AppendMessage(ctx, "acme", "s", msg), session.ErrSequenceConflict)
	msg.Sequence = 3
	require.ErrorIs(t, client.AppendMessage(ctx, "acme", "s", msg), session.ErrSequenceConflict)
	msg.Sequence = 2
	require.ErrorIs(t, client.AppendMessage(ctx, "globex", "s", msg), failure.ErrTenantMismatch)
	require.NoError(t, client.AppendMessage(ctx, "acme", "s", msg))

	rec, err := client.LoadSession(ctx, "acme", "s")
	require.NoError(t, err)
	require.Equal(t, int64(2), rec.Session.LastSequence)
	require.Len(t, rec.Messages, 2)
	require.Equal(t, `{"b":1,"a":2}`, string(rec.Messages[0].Payload))
	require.Equal(t, int64(2), rec.Messages[1].Sequence)
}

func TestUpdateSnapshotArchives(t *testing.T) {
	client := mustNewTestClient()
	ctx := context.Background()
	require.NoError(t, client.CreateSession(ctx, session.Session{ID: "s", TenantID: "acme"}))

	snap := session.Snapshot{State: "completed", Turns: 2}
	require.NoError(t, client.UpdateSnapshot(ctx, "acme", "s", session.StatusCompleted, snap))
	rec, err := client.LoadSession(ctx, "acme", "s")
	require.NoError(t, err)
	require.Equal(t, session.StatusCompleted, rec.Session.Status)
	require.Equal(t, 2, rec.Session.Snapshot.Turns)

	require.ErrorIs(t, client.UpdateSnapshot(ctx, "acme", "s", session.StatusActive, snap), session.ErrSessionArchived)
	require.ErrorIs(t, client.AppendMessage(ctx, "acme", "s", event.Message{Sequence: 1}), session.ErrSessionArchived)
	require.ErrorIs(t, client.UpdateSnapshot(ctx, "acme", "nope", session.StatusActive, snap), session.ErrSessionNotFound)
}

func TestListSessions(t *testing.T) {
	client := mustNewTestClient()
	ctx := context.Background()
	base := time.Unix(100, 0)
	for i, id := range []string{"a", "b", "c"} {
		at := base.Add(time.Duration(i) * time.Second)
		client.now = func() time.Time { return at }
		require.NoError(t, client.CreateSession(ctx, session.Session{ID: id, TenantID: "acme"}))
	}
	require.NoError(t, client.CreateSession(ctx, session.Session{ID: "x", TenantID: "globex"}))
	require.NoError(t, client.UpdateSnapshot(ctx, "acme", "a", session.StatusPaused, session.Snapshot{}))

	all, err := client.ListSessions(ctx, "acme", nil)
	require.NoError(t, err)
	ids := make([]string, 0, len(all))
	for _, s := range all {
		ids = append(ids, s.ID)
	}
	require.Equal(t, []string{"a", "c", "b"}, ids)

	paused, err := client.ListSessions(ctx, "acme", []session.Status{session.StatusPaused})
	require.NoError(t, err)
	require.Len(t, paused, 1)
	require.Equal(t, "a", paused[0].ID)

	_, err = client.ListSessions(ctx, "", nil)
	require.EqualError(t, err, "tenant id is required")
}

func TestPingRequiresClient(t *testing.T) {
	client := mustNewTestClient()
	require.Equal(t, "session-mongo", client.Name())
	require.Error(t, client.Ping(context.Background()))
}

func mustNewTestClient() *client {
	cl, err := newClientWithCollection(nil, newFakeCollection(), time.Second)
	if err != nil {
		panic(err)
	}
	return cl
}

// fakeCollection understands the filters and updates issued by client.
type fakeCollection struct {
	mu           sync.Mutex
	indexCreated int
	docs         map[string]sessionDocument
}

func newFakeCollection() *fakeCollection {
	return &fakeCollection{docs: make(map[string]sessionDocument)}
}

func (c *fakeCollection) InsertOne(_ context.Context, doc any, _ ...options.Lister[options.InsertOneOptions]) (*mongodriver.InsertOneResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := doc.(sessionDocument)
	if _, ok := c.docs[d.ID]; ok {
		return nil, mongodriver.WriteException{WriteErrors: []mongodriver.WriteError{{Code: 11000, Message: "duplicate key"}}}
	}
	c.docs[d.ID] = d
	return &mongodriver.InsertOneResult{InsertedID: d.ID}, nil
}

func (c *fakeCollection) FindOne(_ context.Context, filter any, _ ...options.Lister[options.FindOneOptions]) singleResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, doc := range c.docs {
		if matches(doc, filter.(bson.M)) {
			return fakeSingleResult{doc: doc}
		}
	}
	return fakeSingleResult{err: mongodriver.ErrNoDocuments}
}

func (c *fakeCollection) Find(_ context.Context, filter any, _ ...options.Lister[options.FindOptions]) (cursor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var docs []sessionDocument
	for _, doc := range c.docs {
		if matches(doc, filter.(bson.M)) {
			doc.Messages = nil
			docs = append(docs, doc)
		}
	}
	sort.Slice(docs, func(i, j int) bool {
		if !docs[i].UpdatedAt.Equal(docs[j].UpdatedAt) {
			return docs[i].UpdatedAt.After(docs[j].UpdatedAt)
		}
		return docs[i].ID < docs[j].ID
	})
	return &fakeCursor{docs: docs, idx: -1}, nil
}

func (c *fakeCollection) UpdateOne(_ context.Context, filter any, update any,
	_ ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, doc := range c.docs {
		if !matches(doc, filter.(bson.M)) {
			continue
		}
		up := update.(bson.M)
		if push, ok := up["$push"].(bson.M); ok {
			doc.Messages = append(doc.Messages, push["messages"].(messageDocument))
		}
		set, _ := up["$set"].(bson.M)
		for k, v := range set {
			switch k {
			case "last_sequence":
				doc.LastSequence = v.(int64)
			case "status":
				doc.Status = v.(session.Status)
			case "snapshot":
				doc.Snapshot = v.(string)
			case "updated_at":
				doc.UpdatedAt = v.(time.Time)
			default:
				return nil, errors.New("unsupported $set field " + k)
			}
		}
		c.docs[id] = doc
		return &mongodriver.UpdateResult{MatchedCount: 1, ModifiedCount: 1}, nil
	}
	return &mongodriver.UpdateResult{}, nil
}

func (c *fakeCollection) Indexes() indexView {
	return fakeIndexView{parent: &c.indexCreated}
}

func matches(doc sessionDocument, filter bson.M) bool {
	for k, v := range filter {
		switch k {
		case "_id":
			if doc.ID != v.(string) {
				return false
			}
		case "tenant_id":
			if doc.TenantID != v.(string) {
				return false
			}
		case "last_sequence":
			if doc.LastSequence != v.(int64) {
				return false
			}
		case "status":
			op := v.(bson.M)
			if in, ok := op["$in"]; ok && !slices.Contains(in.([]session.Status), doc.Status) {
				return false
			}
			if nin, ok := op["$nin"]; ok && slices.Contains(nin.([]session.Status), doc.Status) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

type fakeIndexView struct {
	parent *int
}

func (v fakeIndexView) CreateOne(_ context.Context, model mongodriver.IndexModel,
	_ ...options.Lister[options.CreateIndexesOptions]) (string, error) {
	if len(model.Keys.(bson.D)) == 0 {
		return "", errors.New("missing keys")
	}
	*v.parent++
	return "idx", nil
}

type fakeSingleResult struct {
	doc sessionDocument
	err error
}

func (r fakeSingleResult) Decode(val any) error {
	if r.err != nil {
		return r.err
	}
	*(val.(*sessionDocument)) = r.doc
	return nil
}

type fakeCursor struct {
	docs []sessionDocument
	idx  int
}

func (c *fakeCursor) Close(context.Context) error { return nil }

func (c *fakeCursor) Decode(val any) error {
	if c.idx < 0 || c.idx >= len(c.docs) {
		return errors.New("no document")
	}
	*(val.(*sessionDocument)) = c.docs[c.idx]
	return nil
}

func (c *fakeCursor) Err() error { return nil }

func (c *fakeCursor) Next(context.Context) bool {
	if c.idx+1 >= len(c.docs) {
		return false
	}
	c.idx++
	return true
}
