package pulse

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/transport"
)

func TestNewRequiresRedis(t *testing.T) {
	_, err := New(Options{})
	require.EqualError(t, err, "redis client is required")
}

func TestStreamNaming(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	t.Cleanup(func() { _ = rdb.Close() })

	c, err := New(Options{Redis: rdb})
	require.NoError(t, err)
	require.Equal(t, "session/sess-1", c.StreamName("sess-1"))

	c, err = New(Options{Redis: rdb, StreamName: func(id string) string { return "tenant-a/" + id }})
	require.NoError(t, err)
	require.Equal(t, "tenant-a/sess-1", c.StreamName("sess-1"))
}

func TestPublishValidatesEnvelope(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	t.Cleanup(func() { _ = rdb.Close() })
	c, err := New(Options{Redis: rdb})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = c.Publish(ctx, transport.Envelope{Type: transport.TypeAgentMessage})
	require.EqualError(t, err, "envelope missing session id")
	_, err = c.Publish(ctx, transport.Envelope{SessionID: "sess-1"})
	require.EqualError(t, err, "envelope missing type")
	_, err = c.Follow(ctx, "sess-1", "")
	require.EqualError(t, err, "sink name is required")
	require.NoError(t, c.Close(ctx))
}
