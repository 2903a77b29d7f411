// Package websocket exposes session transport over WebSocket connections
// using github.com/gorilla/websocket.
//
// Clients connect to the handler with the session identifier in the
// session_id query parameter and the tenant in the X-Tenant-ID header. Once
// attached, every outbound envelope is written as one JSON text frame and
// every inbound text frame is handed to the transport manager on a
// per-connection worker, so the read loop keeps answering pings while a turn
// runs. Frames the manager rejects are answered with an error envelope; the
// connection stays open.
package websocket

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/failure"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/telemetry"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/transport"
)

// TenantHeader carries the tenant of the connecting client.
const TenantHeader = "X-Tenant-ID"

type (
	// Sessions is the subset of transport.Manager used by the handler.
	Sessions interface {
		Attach(ctx context.Context, conn transport.Connection, tenantID, sessionID string) error
		Detach(conn transport.Connection)
		HandleInbound(ctx context.Context, conn transport.Connection, frame []byte) error
		ErrorEnvelope(sessionID string, err error) transport.Envelope
	}

	// Options configures a Handler.
	Options struct {
		Sessions Sessions
		Logger   telemetry.Logger
		// Upgrader upgrades HTTP requests. Defaults to an upgrader with
		// 4KiB buffers that accepts same-origin requests only.
		Upgrader *websocket.Upgrader
		// PingInterval is the keepalive period. Defaults to 30s.
		PingInterval time.Duration
		// MaxFrameSize bounds inbound frames. Defaults to 64KiB.
		MaxFrameSize int64
		// InboundBuffer bounds the frames waiting for the worker of one
		// connection. Frames beyond it are rejected. Defaults to 16.
		InboundBuffer int
	}

	// Handler serves WebSocket session connections.
	Handler struct {
		sessions Sessions
		logger   telemetry.Logger
		upgrader *websocket.Upgrader
		ping     time.Duration
		maxFrame int64
		inbound  int
	}

	// Conn adapts a WebSocket connection to transport.Connection.
	Conn struct {
		id string
		ws *websocket.Conn

		mu     sync.Mutex
		closed bool
	}
)

// NewHandler returns a Handler.
func NewHandler(opts Options) (*Handler, error) {
	if opts.Sessions == nil {
		return nil, errors.New("websocket: sessions are required")
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Upgrader == nil {
		opts.Upgrader = &websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096}
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.MaxFrameSize <= 0 {
		opts.MaxFrameSize = 64 << 10
	}
	if opts.InboundBuffer <= 0 {
		opts.InboundBuffer = 16
	}
	return &Handler{
		sessions: opts.Sessions,
		logger:   opts.Logger,
		upgrader: opts.Upgrader,
		ping:     opts.PingInterval,
		maxFrame: opts.MaxFrameSize,
		inbound:  opts.InboundBuffer,
	}, nil
}

// ServeHTTP upgrades the request and serves the connection until the client
// disconnects.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	tenantID := r.Header.Get(TenantHeader)
	if sessionID == "" || tenantID == "" {
		http.Error(w, "session_id and "+TenantHeader+" are required", http.StatusBadRequest)
		return
	}
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		return
	}
	ctx := context.WithoutCancel(r.Context())
	conn := NewConn(ws)

	if err := h.sessions.Attach(ctx, conn, tenantID, sessionID); err != nil {
		h.logger.Warn(ctx, "websocket attach rejected", "session_id", sessionID, "tenant_id", tenantID, "err", err)
		_ = conn.Send(ctx, h.sessions.ErrorEnvelope(sessionID, err))
		_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(closeCode(err), string(failure.KindOf(err))), time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}
	h.logger.Info(ctx, "websocket attached", "session_id", sessionID, "conn", conn.ID())
	h.serve(ctx, conn, sessionID)
}

func (h *Handler) serve(ctx context.Context, conn *Conn, sessionID string) {
	defer h.sessions.Detach(conn)

	ws := conn.ws
	ws.SetReadLimit(h.maxFrame)
	_ = ws.SetReadDeadline(time.Now().Add(2 * h.ping))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(2 * h.ping))
	})

	done := make(chan struct{})
	defer close(done)
	go conn.keepalive(h.ping, done)

	frames := make(chan []byte, h.inbound)
	defer close(frames)
	go h.work(ctx, conn, sessionID, frames)

	for {
		typ, frame, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug(ctx, "websocket read failed", "session_id", sessionID, "conn", conn.ID(), "err", err)
			}
			return
		}
		if typ != websocket.TextMessage {
			continue
		}
		select {
		case frames <- frame:
		default:
			h.logger.Warn(ctx, "inbound backlog full, frame rejected", "session_id", sessionID, "conn", conn.ID())
			if serr := conn.Send(ctx, h.sessions.ErrorEnvelope(sessionID, transport.ErrRateLimited)); serr != nil {
				return
			}
		}
	}
}

// work hands frames to the transport manager in arrival order until frames
// is closed.
func (h *Handler) work(ctx context.Context, conn *Conn, sessionID string, frames <-chan []byte) {
	for frame := range frames {
		if err := h.sessions.HandleInbound(ctx, conn, frame); err != nil {
			h.logger.Warn(ctx, "inbound frame rejected", "session_id", sessionID, "err", err)
			_ = conn.Send(ctx, h.sessions.ErrorEnvelope(sessionID, err))
		}
	}
}

func closeCode(err error) int {
	if failure.KindOf(err) == failure.KindInternal {
		return websocket.CloseInternalServerErr
	}
	return websocket.ClosePolicyViolation
}

// NewConn wraps ws with a random identifier.
func NewConn(ws *websocket.Conn) *Conn {
	return &Conn{id: uuid.NewString(), ws: ws}
}

// ID implements transport.Connection.
func (c *Conn) ID() string { return c.id }

// Send writes env as one JSON text frame. The write deadline follows ctx.
func (c *Conn) Send(ctx context.Context, env transport.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return websocket.ErrCloseSent
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(10 * time.Second)
	}
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.ws.WriteJSON(env)
}

// Close implements transport.Connection. It is idempotent.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.ws.Close()
}

func (c *Conn) keepalive(every time.Duration, done <-chan struct{}) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			c.mu.Lock()
			if c.closed {
				c.mu.Unlock()
				return
			}
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			c.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
