// Package pulse gives session-scoped access to goa.design/pulse streams. Each
// session has its own stream; the client owns the stream naming, the
// envelope encoding and the per-stream handles so callers only deal with
// session IDs and transport envelopes.
package pulse

//go:generate cmg gen .

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/transport"
)

type (
	// Options configures the Pulse client.
	Options struct {
		// Redis backs the streams. Required.
		Redis *redis.Client
		// StreamMaxLen bounds the entries kept per session stream. Zero uses
		// the Pulse default.
		StreamMaxLen int
		// StreamName derives the stream of a session. Defaults to
		// SessionStream.
		StreamName func(sessionID string) string
		// OperationTimeout bounds one publish. Zero means no timeout.
		OperationTimeout time.Duration
	}

	// Client publishes and follows the envelopes of sessions.
	Client interface {
		// StreamName returns the stream backing sessionID.
		StreamName(sessionID string) string
		// Publish appends env to the stream of env.SessionID under the
		// envelope type and returns the entry ID.
		Publish(ctx context.Context, env transport.Envelope) (string, error)
		// Follow opens the consumer group sink on the stream of sessionID.
		Follow(ctx context.Context, sessionID, sink string, opts ...streamopts.Sink) (Sink, error)
		// Close forgets the stream handles. The caller owns the Redis
		// connection.
		Close(ctx context.Context) error
	}

	// Sink is a consumer group reading one session stream.
	Sink interface {
		Subscribe() <-chan *streaming.Event
		Ack(context.Context, *streaming.Event) error
		Close(context.Context)
	}

	client struct {
		redis   *redis.Client
		maxLen  int
		name    func(string) string
		timeout time.Duration

		mu      sync.Mutex
		streams map[string]*streaming.Stream
	}

	sinkAdapter struct {
		*streaming.Sink
	}
)

// SessionStream is the default stream name of a session.
func SessionStream(sessionID string) string {
	return "session/" + sessionID
}

// New returns a Client backed by opts.Redis.
func New(opts Options) (Client, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	if opts.StreamName == nil {
		opts.StreamName = SessionStream
	}
	return &client{
		redis:   opts.Redis,
		maxLen:  opts.StreamMaxLen,
		name:    opts.StreamName,
		timeout: opts.OperationTimeout,
		streams: make(map[string]*streaming.Stream),
	}, nil
}

func (c *client) StreamName(sessionID string) string { return c.name(sessionID) }

func (c *client) Publish(ctx context.Context, env transport.Envelope) (string, error) {
	if env.SessionID == "" {
		return "", errors.New("envelope missing session id")
	}
	if env.Type == "" {
		return "", errors.New("envelope missing type")
	}
	str, err := c.stream(env.SessionID)
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("encode envelope: %w", err)
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	id, err := str.Add(ctx, env.Type, payload)
	if err != nil {
		return "", fmt.Errorf("pulse add: %w", err)
	}
	return id, nil
}

func (c *client) Follow(ctx context.Context, sessionID, sink string, opts ...streamopts.Sink) (Sink, error) {
	if sink == "" {
		return nil, errors.New("sink name is required")
	}
	str, err := c.stream(sessionID)
	if err != nil {
		return nil, err
	}
	s, err := str.NewSink(ctx, sink, opts...)
	if err != nil {
		return nil, fmt.Errorf("pulse sink %s: %w", sink, err)
	}
	return sinkAdapter{Sink: s}, nil
}

func (c *client) Close(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.streams = make(map[string]*streaming.Stream)
	return nil
}

// stream returns the cached handle of the stream of sessionID.
func (c *client) stream(sessionID string) (*streaming.Stream, error) {
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}
	name := c.name(sessionID)
	c.mu.Lock()
	defer c.mu.Unlock()
	if str, ok := c.streams[name]; ok {
		return str, nil
	}
	var opts []streamopts.Stream
	if c.maxLen > 0 {
		opts = append(opts, streamopts.WithStreamMaxLen(c.maxLen))
	}
	str, err := streaming.NewStream(name, c.redis, opts...)
	if err != nil {
		return nil, fmt.Errorf("create pulse stream %s: %w", name, err)
	}
	c.streams[name] = str
	return str, nil
}

func (s sinkAdapter) Close(ctx context.Context) {
	s.Sink.Close(ctx)
}
