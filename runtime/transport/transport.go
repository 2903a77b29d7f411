// Package transport binds live client connections to sessions and delivers
// session output to them in sequence order.
//
// Each session has a bounded outbox. Deliveries produced while no connection
// is attached are buffered (oldest dropped on overflow) and flushed in order
// on attach. Writes happen on a per-connection writer goroutine so that a
// slow client never blocks the engine. A failed write detaches the
// connection and keeps the undelivered envelope at the head of the outbox.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/dispatch"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/engine"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/event"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/failure"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/telemetry"
)

// Envelope types.
const (
	TypeAgentMessage  = "agent.message"
	TypeUIToolRequest = "ui.tool.request"
	TypeSessionStatus = "session.status"
	TypeError         = "error"

	TypeUserInput      = "user.input.submit"
	TypeUIToolResponse = "ui.tool.response"
)

type (
	// Envelope is one outbound frame.
	Envelope struct {
		Type      string          `json:"type"`
		SessionID string          `json:"sessionId"`
		Sequence  int64           `json:"sequence,omitempty"`
		Payload   json.RawMessage `json:"payload,omitempty"`
		Timestamp time.Time       `json:"timestamp"`
	}

	// Inbound is one client frame.
	Inbound struct {
		Type      string          `json:"type"`
		SessionID string          `json:"sessionId"`
		Content   string          `json:"content,omitempty"`
		ToolID    string          `json:"toolId,omitempty"`
		Response  json.RawMessage `json:"response,omitempty"`
	}

	// StatusPayload is the payload of session.status envelopes.
	StatusPayload struct {
		State         string `json:"state"`
		PendingAgent  string `json:"pendingAgent,omitempty"`
		AwaitingInput bool   `json:"awaitingInput"`
		PendingTool   string `json:"pendingTool,omitempty"`
		ErrorKind     string `json:"errorKind,omitempty"`
		Summary       string `json:"summary,omitempty"`
	}

	// ErrorPayload is the payload of error envelopes.
	ErrorPayload struct {
		ErrorKind string `json:"errorKind"`
		Summary   string `json:"summary"`
	}

	// Connection is a live client channel.
	Connection interface {
		ID() string
		Send(ctx context.Context, env Envelope) error
		Close() error
	}

	// SessionResolver checks that a session exists and belongs to a tenant.
	SessionResolver interface {
		Resolve(ctx context.Context, tenantID, sessionID string) error
	}

	// InputHandler accepts client input for a session.
	InputHandler interface {
		SubmitUserInput(ctx context.Context, tenantID, sessionID, content string) error
		SubmitToolResponse(ctx context.Context, tenantID, sessionID, toolID string, response json.RawMessage) error
	}

	// Mirror receives a copy of every envelope enqueued for a client.
	Mirror interface {
		Publish(ctx context.Context, env Envelope) error
	}

	// Options configures a Manager.
	Options struct {
		Resolver SessionResolver
		Inputs   InputHandler
		Mirror   Mirror
		Logger   telemetry.Logger
		Metrics  telemetry.Metrics
		// OutboxSize bounds the per-session buffer. Defaults to 256.
		OutboxSize int
		// WriteTimeout bounds one connection write. Defaults to 10s.
		WriteTimeout time.Duration
		// RateLimit and Burst configure the per-tenant inbound token bucket.
		// Default to 10 frames per second with a burst of 20.
		RateLimit rate.Limit
		Burst     int
		Now       func() time.Time
	}

	// Manager routes session output to attached connections.
	Manager struct {
		opts   Options
		logger telemetry.Logger
		mirror *dispatch.Queue[Envelope]

		mu       sync.Mutex
		sessions map[string]*outbox
		byConn   map[string]string
		limiters map[string]*rate.Limiter
		closed   bool
	}

	outbox struct {
		sessionID string
		tenantID  string

		mu       sync.Mutex
		items    []pending
		nextID   uint64
		conn     Connection
		stop     chan struct{}
		wake     chan struct{}
		dropped  int64
		finished bool
		touched  time.Time
	}

	pending struct {
		id  uint64
		env Envelope
	}
)

var (
	// ErrNotAttached indicates a frame on a connection bound to no session,
	// or to another session.
	ErrNotAttached = errors.New("connection is not attached to the session")
	// ErrRateLimited indicates the tenant exceeded its inbound rate.
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrUnknownFrame indicates an unsupported inbound frame type.
	ErrUnknownFrame = errors.New("unknown frame type")
	// ErrClosed indicates the manager was closed.
	ErrClosed = errors.New("transport closed")
)

// New returns a Manager.
func New(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	if opts.OutboxSize <= 0 {
		opts.OutboxSize = 256
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.RateLimit == 0 {
		opts.RateLimit = 10
	}
	if opts.Burst <= 0 {
		opts.Burst = 20
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	m := &Manager{
		opts:     opts,
		logger:   opts.Logger,
		sessions: make(map[string]*outbox),
		byConn:   make(map[string]string),
		limiters: make(map[string]*rate.Limiter),
	}
	if opts.Mirror != nil {
		mirror := opts.Mirror
		m.mirror = dispatch.NewQueue("transport-mirror", opts.OutboxSize, opts.Logger, mirror.Publish)
	}
	return m
}

// Deliver implements dispatch.TransportSink. It filters and enqueues d
// without blocking.
func (m *Manager) Deliver(ctx context.Context, d dispatch.Delivery) {
	env, ok := m.envelope(ctx, d)
	if !ok {
		return
	}
	m.enqueue(ctx, d.TenantID, env, false)
}

// SessionStatus implements engine.StatusSink.
func (m *Manager) SessionStatus(ctx context.Context, u engine.StatusUpdate) {
	payload, err := json.Marshal(StatusPayload{
		State:         string(u.State),
		PendingAgent:  u.PendingAgent,
		AwaitingInput: u.AwaitingInput,
		PendingTool:   u.PendingTool,
		ErrorKind:     string(u.ErrorKind),
		Summary:       u.Summary,
	})
	if err != nil {
		m.logger.Error(ctx, "encode status", "session_id", u.SessionID, "err", err)
		return
	}
	env := Envelope{Type: TypeSessionStatus, SessionID: u.SessionID, Payload: payload, Timestamp: m.opts.Now().UTC()}
	m.enqueue(ctx, u.TenantID, env, u.State.IsTerminal())
}

// Send enqueues an envelope for a session.
func (m *Manager) Send(ctx context.Context, tenantID string, env Envelope) {
	m.enqueue(ctx, tenantID, env, false)
}

// envelope applies the delivery filters: non-visible senders, hidden-trigger
// sentinels and auto-tool echoes are never sent to clients.
func (m *Manager) envelope(ctx context.Context, d dispatch.Delivery) (Envelope, bool) {
	now := m.opts.Now().UTC()
	switch d.Class {
	case dispatch.ClassUITool:
		payload, err := json.Marshal(d.UITool)
		if err != nil {
			m.logger.Error(ctx, "encode ui tool request", "session_id", d.SessionID, "err", err)
			return Envelope{}, false
		}
		return Envelope{Type: TypeUIToolRequest, SessionID: d.SessionID, Payload: payload, Timestamp: now}, true
	case dispatch.ClassAgentTurn:
		msg := d.Message
		if msg == nil {
			return Envelope{}, false
		}
		if reason := filtered(msg); reason != "" {
			m.opts.Metrics.IncCounter("mozaiks.transport.filtered", 1, "reason", reason)
			return Envelope{}, false
		}
		payload, err := json.Marshal(msg)
		if err != nil {
			m.logger.Error(ctx, "encode message", "session_id", d.SessionID, "err", err)
			return Envelope{}, false
		}
		return Envelope{Type: TypeAgentMessage, SessionID: d.SessionID, Sequence: msg.Sequence, Payload: payload, Timestamp: msg.Timestamp}, true
	default:
		return Envelope{}, false
	}
}

func filtered(msg *event.Message) string {
	switch {
	case msg.Role != event.RoleUser && !msg.Visible:
		return "not_visible"
	case msg.Hidden:
		return "hidden_trigger"
	case msg.Echo:
		return "echo"
	default:
		return ""
	}
}

func (m *Manager) enqueue(ctx context.Context, tenantID string, env Envelope, final bool) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	ob := m.outboxLocked(tenantID, env.SessionID)
	m.mu.Unlock()

	ob.mu.Lock()
	if len(ob.items) >= m.opts.OutboxSize {
		ob.items = ob.items[1:]
		ob.dropped++
		m.opts.Metrics.IncCounter("mozaiks.transport.dropped", 1)
		m.logger.Warn(ctx, "outbox full, dropping oldest envelope", "session_id", env.SessionID, "dropped", ob.dropped)
	}
	ob.nextID++
	ob.items = append(ob.items, pending{id: ob.nextID, env: env})
	ob.touched = m.opts.Now()
	if final {
		ob.finished = true
	}
	ob.mu.Unlock()

	if m.mirror != nil {
		m.mirror.Push(ctx, env)
	}
	ob.signal()
}

// Attach binds conn to a session after checking tenant ownership. An
// existing connection of the session is replaced and closed. Buffered
// envelopes are flushed in order.
func (m *Manager) Attach(ctx context.Context, conn Connection, tenantID, sessionID string) error {
	if m.opts.Resolver != nil {
		if err := m.opts.Resolver.Resolve(ctx, tenantID, sessionID); err != nil {
			return err
		}
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	ob := m.outboxLocked(tenantID, sessionID)
	if ob.tenantID != tenantID {
		m.mu.Unlock()
		return failure.Errorf(failure.KindTenantMismatch, "session %q is not owned by tenant %q", sessionID, tenantID)
	}
	m.byConn[conn.ID()] = sessionID
	m.mu.Unlock()

	ob.mu.Lock()
	old, oldStop := ob.conn, ob.stop
	ob.conn = conn
	ob.stop = make(chan struct{})
	ob.wake = make(chan struct{}, 1)
	stop, wake := ob.stop, ob.wake
	ob.mu.Unlock()

	if old != nil {
		close(oldStop)
		m.mu.Lock()
		delete(m.byConn, old.ID())
		m.mu.Unlock()
		_ = old.Close()
		m.logger.Info(ctx, "connection replaced", "session_id", sessionID, "old", old.ID(), "new", conn.ID())
	}
	m.opts.Metrics.RecordGauge("mozaiks.transport.connections", float64(m.connections()))
	go m.pump(context.WithoutCancel(ctx), ob, conn, stop, wake)
	ob.signal()
	return nil
}

// Detach unbinds conn. It is a no-op when conn was replaced already.
func (m *Manager) Detach(conn Connection) {
	m.mu.Lock()
	sessionID, ok := m.byConn[conn.ID()]
	delete(m.byConn, conn.ID())
	ob := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok || ob == nil {
		return
	}
	m.release(ob, conn)
}

// release clears conn from ob when it is still the current connection.
func (m *Manager) release(ob *outbox, conn Connection) {
	ob.mu.Lock()
	if ob.conn != conn {
		ob.mu.Unlock()
		return
	}
	ob.conn = nil
	ob.touched = m.opts.Now()
	close(ob.stop)
	delivered := ob.finished && len(ob.items) == 0
	ob.mu.Unlock()
	_ = conn.Close()
	if delivered {
		m.forget(ob)
	}
}

// Attached reports whether a connection is bound to the session.
func (m *Manager) Attached(sessionID string) bool {
	m.mu.Lock()
	ob := m.sessions[sessionID]
	m.mu.Unlock()
	if ob == nil {
		return false
	}
	ob.mu.Lock()
	defer ob.mu.Unlock()
	return ob.conn != nil
}

// Buffered returns the number of envelopes waiting for a session.
func (m *Manager) Buffered(sessionID string) int {
	m.mu.Lock()
	ob := m.sessions[sessionID]
	m.mu.Unlock()
	if ob == nil {
		return 0
	}
	ob.mu.Lock()
	defer ob.mu.Unlock()
	return len(ob.items)
}

// HandleInbound processes one client frame received on conn.
func (m *Manager) HandleInbound(ctx context.Context, conn Connection, frame []byte) error {
	var in Inbound
	if err := json.Unmarshal(frame, &in); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	m.mu.Lock()
	sessionID := m.byConn[conn.ID()]
	ob := m.sessions[sessionID]
	m.mu.Unlock()
	if ob == nil || (in.SessionID != "" && in.SessionID != sessionID) {
		return ErrNotAttached
	}
	if !m.limiter(ob.tenantID).Allow() {
		m.opts.Metrics.IncCounter("mozaiks.transport.rate_limited", 1, "tenant", ob.tenantID)
		return ErrRateLimited
	}
	if m.opts.Inputs == nil {
		return fmt.Errorf("transport: no input handler")
	}
	switch in.Type {
	case TypeUserInput:
		return m.opts.Inputs.SubmitUserInput(ctx, ob.tenantID, sessionID, in.Content)
	case TypeUIToolResponse:
		return m.opts.Inputs.SubmitToolResponse(ctx, ob.tenantID, sessionID, in.ToolID, in.Response)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownFrame, in.Type)
	}
}

// SubmitUserInput forwards user input for a session after tenant checks and
// rate limiting. It serves callers that do not hold a connection.
func (m *Manager) SubmitUserInput(ctx context.Context, tenantID, sessionID, content string) error {
	if m.opts.Resolver != nil {
		if err := m.opts.Resolver.Resolve(ctx, tenantID, sessionID); err != nil {
			return err
		}
	}
	if !m.limiter(tenantID).Allow() {
		return ErrRateLimited
	}
	if m.opts.Inputs == nil {
		return fmt.Errorf("transport: no input handler")
	}
	return m.opts.Inputs.SubmitUserInput(ctx, tenantID, sessionID, content)
}

// ErrorEnvelope returns the client-safe envelope reporting err.
func (m *Manager) ErrorEnvelope(sessionID string, err error) Envelope {
	kind := failure.KindOf(err)
	payload, _ := json.Marshal(ErrorPayload{ErrorKind: string(kind), Summary: failure.Summary(kind)})
	return Envelope{Type: TypeError, SessionID: sessionID, Payload: payload, Timestamp: m.opts.Now().UTC()}
}

// Close detaches every connection and drains the mirror.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	obs := make([]*outbox, 0, len(m.sessions))
	for _, ob := range m.sessions {
		obs = append(obs, ob)
	}
	m.mu.Unlock()
	for _, ob := range obs {
		ob.mu.Lock()
		conn := ob.conn
		ob.mu.Unlock()
		if conn != nil {
			m.release(ob, conn)
		}
	}
	if m.mirror != nil {
		return m.mirror.Close(ctx)
	}
	return nil
}

// pump writes the outbox of one session to conn until stopped or a write
// fails.
func (m *Manager) pump(ctx context.Context, ob *outbox, conn Connection, stop, wake chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-wake:
		}
		for {
			ob.mu.Lock()
			if ob.conn != conn || len(ob.items) == 0 {
				ob.mu.Unlock()
				break
			}
			head := ob.items[0]
			ob.mu.Unlock()

			wctx, cancel := context.WithTimeout(ctx, m.opts.WriteTimeout)
			err := conn.Send(wctx, head.env)
			cancel()
			if err != nil {
				m.logger.Warn(ctx, "connection lost", "session_id", ob.sessionID, "conn", conn.ID(),
					"error_kind", string(failure.KindConnectionLost), "err", err)
				m.opts.Metrics.IncCounter("mozaiks.transport.connection_lost", 1)
				m.mu.Lock()
				delete(m.byConn, conn.ID())
				m.mu.Unlock()
				m.release(ob, conn)
				return
			}
			ob.mu.Lock()
			if len(ob.items) > 0 && ob.items[0].id == head.id {
				ob.items = ob.items[1:]
			}
			ob.touched = m.opts.Now()
			ob.mu.Unlock()
		}
	}
}

func (m *Manager) outboxLocked(tenantID, sessionID string) *outbox {
	ob, ok := m.sessions[sessionID]
	if !ok {
		ob = &outbox{sessionID: sessionID, tenantID: tenantID, touched: m.opts.Now()}
		m.sessions[sessionID] = ob
	}
	return ob
}

// forget drops a finished session whose outbox was fully delivered.
func (m *Manager) forget(ob *outbox) {
	m.mu.Lock()
	if m.sessions[ob.sessionID] == ob {
		delete(m.sessions, ob.sessionID)
	}
	m.mu.Unlock()
}

// Prune drops the outboxes of sessions with no attached connection and no
// activity for idle. It returns the number of outboxes dropped.
func (m *Manager) Prune(idle time.Duration) int {
	cutoff := m.opts.Now().Add(-idle)
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, ob := range m.sessions {
		ob.mu.Lock()
		stale := ob.conn == nil && ob.touched.Before(cutoff)
		ob.mu.Unlock()
		if stale {
			delete(m.sessions, id)
			n++
		}
	}
	return n
}

func (m *Manager) limiter(tenantID string) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.limiters[tenantID]
	if !ok {
		l = rate.NewLimiter(m.opts.RateLimit, m.opts.Burst)
		m.limiters[tenantID] = l
	}
	return l
}

func (m *Manager) connections() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byConn)
}

func (ob *outbox) signal() {
	ob.mu.Lock()
	wake := ob.wake
	ob.mu.Unlock()
	if wake == nil {
		return
	}
	select {
	case wake <- struct{}{}:
	default:
	}
}
