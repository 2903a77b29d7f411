// Package redislease implements persistence.Locker on Redis so that a
// session has a single writer across processes. Every grant increments a
// per-session fencing token; refresh and release only act on the lease that
// still carries the caller's token.
package redislease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/persistence"
)

const (
	defaultPrefix = "mozaiks:lease:"
	clientName    = "session-redis-lease"
)

var (
	acquireScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
local token = redis.call("INCR", KEYS[2])
redis.call("SET", KEYS[1], token, "PX", ARGV[1])
return token
`)

	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)
)

type (
	// Options configures a Locker.
	Options struct {
		// Prefix namespaces lease keys. Defaults to "mozaiks:lease:".
		Prefix string
	}

	// Locker grants session leases stored in Redis.
	Locker struct {
		rdb    redis.UniversalClient
		prefix string
	}

	lease struct {
		l         *Locker
		sessionID string
		token     int64
		ttl       time.Duration
	}
)

var _ persistence.Locker = (*Locker)(nil)

// New returns a Locker using rdb.
func New(rdb redis.UniversalClient, opts Options) (*Locker, error) {
	if rdb == nil {
		return nil, errors.New("redis client is required")
	}
	if opts.Prefix == "" {
		opts.Prefix = defaultPrefix
	}
	return &Locker{rdb: rdb, prefix: opts.Prefix}, nil
}

// Name implements health.Pinger.
func (l *Locker) Name() string { return clientName }

// Ping implements health.Pinger.
func (l *Locker) Ping(ctx context.Context) error { return l.rdb.Ping(ctx).Err() }

// Acquire implements persistence.Locker.
func (l *Locker) Acquire(ctx context.Context, sessionID string, ttl time.Duration) (persistence.Lease, error) {
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("invalid lease ttl %s", ttl)
	}
	token, err := acquireScript.Run(ctx, l.rdb, []string{l.key(sessionID), l.tokenKey(sessionID)}, ttl.Milliseconds()).Int64()
	if err != nil {
		return nil, fmt.Errorf("acquire lease %s: %w", sessionID, err)
	}
	if token == 0 {
		return nil, persistence.ErrLocked
	}
	return &lease{l: l, sessionID: sessionID, token: token, ttl: ttl}, nil
}

func (l *Locker) key(sessionID string) string      { return l.prefix + sessionID }
func (l *Locker) tokenKey(sessionID string) string { return l.prefix + sessionID + ":token" }

func (ls *lease) Token() int64 { return ls.token }

func (ls *lease) Refresh(ctx context.Context) error {
	ok, err := refreshScript.Run(ctx, ls.l.rdb, []string{ls.l.key(ls.sessionID)}, ls.token, ls.ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("refresh lease %s: %w", ls.sessionID, err)
	}
	if ok == 0 {
		return persistence.ErrLeaseLost
	}
	return nil
}

func (ls *lease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, ls.l.rdb, []string{ls.l.key(ls.sessionID)}, ls.token).Err(); err != nil {
		return fmt.Errorf("release lease %s: %w", ls.sessionID, err)
	}
	return nil
}
