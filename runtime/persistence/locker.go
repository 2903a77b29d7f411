package persistence

import (
	"context"
	"sync"
	"time"
)

type (
	// LocalLocker grants leases within one process.
	LocalLocker struct {
		mu     sync.Mutex
		held   map[string]*localLease
		tokens map[string]int64
		now    func() time.Time
	}

	localLease struct {
		l         *LocalLocker
		sessionID string
		token     int64
		ttl       time.Duration
		expires   time.Time
	}
)

// NewLocalLocker returns an in-process Locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]*localLease), tokens: make(map[string]int64), now: time.Now}
}

// Acquire implements Locker. An expired lease may be taken over.
func (l *LocalLocker) Acquire(_ context.Context, sessionID string, ttl time.Duration) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if cur, ok := l.held[sessionID]; ok && now.Before(cur.expires) {
		return nil, ErrLocked
	}
	l.tokens[sessionID]++
	lease := &localLease{l: l, sessionID: sessionID, token: l.tokens[sessionID], ttl: ttl, expires: now.Add(ttl)}
	l.held[sessionID] = lease
	return lease, nil
}

func (ls *localLease) Token() int64 { return ls.token }

func (ls *localLease) Refresh(context.Context) error {
	ls.l.mu.Lock()
	defer ls.l.mu.Unlock()
	if cur := ls.l.held[ls.sessionID]; cur != ls {
		return ErrLeaseLost
	}
	ls.expires = ls.l.now().Add(ls.ttl)
	return nil
}

func (ls *localLease) Release(context.Context) error {
	ls.l.mu.Lock()
	defer ls.l.mu.Unlock()
	if cur := ls.l.held[ls.sessionID]; cur == ls {
		delete(ls.l.held, ls.sessionID)
	}
	return nil
}
