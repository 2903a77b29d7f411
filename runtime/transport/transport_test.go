package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/dispatch"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/engine"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/event"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/failure"
)

type (
	fakeConn struct {
		id   string
		sent chan Envelope

		mu     sync.Mutex
		fail   error
		closed bool
	}

	resolver map[string]string

	inputs struct {
		mu    sync.Mutex
		texts []string
		tools []string
	}
)

func newConn(id string) *fakeConn {
	return &fakeConn{id: id, sent: make(chan Envelope, 64)}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(_ context.Context, env Envelope) error {
	c.mu.Lock()
	err := c.fail
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.sent <- env
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) next(t *testing.T) Envelope {
	t.Helper()
	select {
	case env := <-c.sent:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("no envelope received")
		return Envelope{}
	}
}

func (c *fakeConn) none(t *testing.T) {
	t.Helper()
	select {
	case env := <-c.sent:
		t.Fatalf("unexpected envelope %+v", env)
	case <-time.After(50 * time.Millisecond):
	}
}

func (r resolver) Resolve(_ context.Context, tenantID, sessionID string) error {
	owner, ok := r[sessionID]
	if !ok {
		return errors.New("not found")
	}
	if owner != tenantID {
		return failure.New(failure.KindTenantMismatch, "tenant mismatch")
	}
	return nil
}

func (in *inputs) SubmitUserInput(_ context.Context, _, _, content string) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.texts = append(in.texts, content)
	return nil
}

func (in *inputs) SubmitToolResponse(_ context.Context, _, _, toolID string, _ json.RawMessage) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.tools = append(in.tools, toolID)
	return nil
}

func agentMsg(seq int64, sender string, visible bool) dispatch.Delivery {
	return dispatch.Delivery{
		Class:     dispatch.ClassAgentTurn,
		TenantID:  "t1",
		SessionID: "s1",
		Message: &event.Message{
			Sequence: seq,
			Role:     event.RoleAgent,
			Sender:   sender,
			Kind:     event.KindText,
			Content:  "content",
			Visible:  visible,
		},
	}
}

func TestBufferedUntilAttachInOrder(t *testing.T) {
	t.Parallel()

	m := New(Options{Resolver: resolver{"s1": "t1"}})
	defer m.Close(context.Background())
	ctx := context.Background()
	for i := int64(1); i <= 3; i++ {
		m.Deliver(ctx, agentMsg(i, "Intake", true))
	}
	require.Equal(t, 3, m.Buffered("s1"))

	c := newConn("c1")
	require.NoError(t, m.Attach(ctx, c, "t1", "s1"))
	for i := int64(1); i <= 3; i++ {
		env := c.next(t)
		require.Equal(t, TypeAgentMessage, env.Type)
		require.Equal(t, i, env.Sequence)
	}
	require.Eventually(t, func() bool { return m.Buffered("s1") == 0 }, time.Second, 5*time.Millisecond)
}

func TestVisibilityHiddenAndEchoFilters(t *testing.T) {
	t.Parallel()

	m := New(Options{Resolver: resolver{"s1": "t1"}})
	defer m.Close(context.Background())
	ctx := context.Background()
	c := newConn("c1")
	require.NoError(t, m.Attach(ctx, c, "t1", "s1"))

	for i := int64(1); i <= 3; i++ {
		m.Deliver(ctx, agentMsg(i, "Backstage", false))
	}
	hidden := agentMsg(4, "Intake", true)
	hidden.Message.Hidden = true
	m.Deliver(ctx, hidden)
	echo := agentMsg(5, "Intake", true)
	echo.Message.Echo = true
	m.Deliver(ctx, echo)
	c.none(t)

	user := agentMsg(6, event.UserSender, false)
	user.Message.Role = event.RoleUser
	m.Deliver(ctx, user)
	require.Equal(t, int64(6), c.next(t).Sequence)
}

func TestUIToolAndStatusEnvelopes(t *testing.T) {
	t.Parallel()

	m := New(Options{})
	defer m.Close(context.Background())
	ctx := context.Background()
	c := newConn("c1")
	require.NoError(t, m.Attach(ctx, c, "t1", "s1"))

	m.Deliver(ctx, dispatch.Delivery{
		Class: dispatch.ClassUITool, TenantID: "t1", SessionID: "s1",
		UITool: &dispatch.UIToolRequest{ToolID: "ui-1", Name: "pick_date", Agent: "Planner"},
	})
	env := c.next(t)
	require.Equal(t, TypeUIToolRequest, env.Type)
	require.JSONEq(t, `{"toolId":"ui-1","name":"pick_date","agent":"Planner"}`, string(env.Payload))

	m.SessionStatus(ctx, engine.StatusUpdate{
		TenantID: "t1", SessionID: "s1", State: engine.StateFailed,
		ErrorKind: failure.KindExternalCallTimeout, Summary: failure.Summary(failure.KindExternalCallTimeout),
	})
	env = c.next(t)
	require.Equal(t, TypeSessionStatus, env.Type)
	var p StatusPayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	require.Equal(t, "failed", p.State)
	require.Equal(t, "external_call_timeout", p.ErrorKind)
	require.NotContains(t, string(env.Payload), "deadline")
}

func TestAttachReplacesPreviousConnection(t *testing.T) {
	t.Parallel()

	m := New(Options{})
	defer m.Close(context.Background())
	ctx := context.Background()
	first, second := newConn("c1"), newConn("c2")
	require.NoError(t, m.Attach(ctx, first, "t1", "s1"))
	require.NoError(t, m.Attach(ctx, second, "t1", "s1"))
	require.True(t, first.isClosed())

	m.Deliver(ctx, agentMsg(1, "Intake", true))
	require.Equal(t, int64(1), second.next(t).Sequence)
	first.none(t)

	m.Detach(first)
	require.True(t, m.Attached("s1"))
	m.Detach(second)
	require.False(t, m.Attached("s1"))
}

func TestWriteFailureDetachesAndKeepsEnvelope(t *testing.T) {
	t.Parallel()

	m := New(Options{})
	defer m.Close(context.Background())
	ctx := context.Background()
	broken := newConn("c1")
	broken.fail = errors.New("broken pipe")
	require.NoError(t, m.Attach(ctx, broken, "t1", "s1"))

	m.Deliver(ctx, agentMsg(1, "Intake", true))
	require.Eventually(t, func() bool { return !m.Attached("s1") }, time.Second, 5*time.Millisecond)
	require.True(t, broken.isClosed())
	require.Equal(t, 1, m.Buffered("s1"))

	fresh := newConn("c2")
	require.NoError(t, m.Attach(ctx, fresh, "t1", "s1"))
	require.Equal(t, int64(1), fresh.next(t).Sequence)
}

func TestOutboxDropsOldest(t *testing.T) {
	t.Parallel()

	m := New(Options{OutboxSize: 2})
	defer m.Close(context.Background())
	ctx := context.Background()
	for i := int64(1); i <= 4; i++ {
		m.Deliver(ctx, agentMsg(i, "Intake", true))
	}
	c := newConn("c1")
	require.NoError(t, m.Attach(ctx, c, "t1", "s1"))
	require.Equal(t, int64(3), c.next(t).Sequence)
	require.Equal(t, int64(4), c.next(t).Sequence)
}

func TestAttachChecksTenant(t *testing.T) {
	t.Parallel()

	m := New(Options{Resolver: resolver{"s1": "t1"}})
	defer m.Close(context.Background())
	err := m.Attach(context.Background(), newConn("c1"), "t2", "s1")
	require.ErrorIs(t, err, failure.ErrTenantMismatch)
	require.False(t, m.Attached("s1"))
}

func TestHandleInbound(t *testing.T) {
	t.Parallel()

	in := &inputs{}
	m := New(Options{Inputs: in, RateLimit: 0.001, Burst: 2})
	defer m.Close(context.Background())
	ctx := context.Background()
	c := newConn("c1")

	require.ErrorIs(t, m.HandleInbound(ctx, c, []byte(`{"type":"user.input.submit","sessionId":"s1","content":"hi"}`)), ErrNotAttached)
	require.NoError(t, m.Attach(ctx, c, "t1", "s1"))

	require.NoError(t, m.HandleInbound(ctx, c, []byte(`{"type":"user.input.submit","sessionId":"s1","content":"hi"}`)))
	require.NoError(t, m.HandleInbound(ctx, c, []byte(`{"type":"ui.tool.response","sessionId":"s1","toolId":"ui-1","response":{}}`)))
	require.ErrorIs(t, m.HandleInbound(ctx, c, []byte(`{"type":"user.input.submit","sessionId":"s1","content":"again"}`)), ErrRateLimited)
	require.ErrorIs(t, m.HandleInbound(ctx, c, []byte(`{"type":"user.input.submit","sessionId":"other"}`)), ErrNotAttached)

	require.Equal(t, []string{"hi"}, in.texts)
	require.Equal(t, []string{"ui-1"}, in.tools)

	env := m.ErrorEnvelope("s1", ErrRateLimited)
	require.JSONEq(t, `{"errorKind":"internal","summary":"An internal error occurred."}`, string(env.Payload))
}

func TestFinishedSessionIsForgottenAfterDelivery(t *testing.T) {
	t.Parallel()

	m := New(Options{})
	defer m.Close(context.Background())
	ctx := context.Background()
	c := newConn("c1")
	require.NoError(t, m.Attach(ctx, c, "t1", "s1"))
	m.SessionStatus(ctx, engine.StatusUpdate{TenantID: "t1", SessionID: "s1", State: engine.StateCompleted})
	require.Equal(t, TypeSessionStatus, c.next(t).Type)
	require.Eventually(t, func() bool { return m.Buffered("s1") == 0 }, time.Second, 5*time.Millisecond)
	m.Detach(c)
	require.Zero(t, m.Prune(0))
}

func TestPruneDropsIdleOutboxes(t *testing.T) {
	t.Parallel()

	now := time.Unix(100, 0)
	m := New(Options{Now: func() time.Time { return now }})
	defer m.Close(context.Background())
	m.Deliver(context.Background(), agentMsg(1, "Intake", true))
	now = now.Add(time.Hour)
	require.Equal(t, 1, m.Prune(time.Minute))
	require.Zero(t, m.Buffered("s1"))
}
