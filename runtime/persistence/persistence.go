// Package persistence owns the durable lifecycle of sessions: creation,
// single-writer access to the message log and snapshot, and loading the
// state needed to resume an interrupted session.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/event"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/session"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/telemetry"
)

type (
	// Locker grants exclusive write leases on sessions.
	Locker interface {
		// Acquire obtains the lease of sessionID for ttl. It returns ErrLocked
		// when another holder owns a live lease.
		Acquire(ctx context.Context, sessionID string, ttl time.Duration) (Lease, error)
	}

	// Lease is an exclusive, expiring right to write a session.
	Lease interface {
		// Token is the fencing token of the lease. Tokens increase with each
		// grant of the same session.
		Token() int64
		// Refresh extends the lease. It returns ErrLeaseLost when the lease
		// expired and was granted to another holder.
		Refresh(ctx context.Context) error
		// Release gives the lease up.
		Release(ctx context.Context) error
	}

	// Options configures a Manager.
	Options struct {
		// Locker grants write leases. Defaults to a LocalLocker.
		Locker Locker
		// LeaseTTL is the lease duration. Defaults to 30s.
		LeaseTTL time.Duration
		// RefreshInterval is the period at which open writers extend their
		// lease. Defaults to a third of LeaseTTL.
		RefreshInterval time.Duration
		// Logger defaults to a no-op logger.
		Logger telemetry.Logger
		// Now defaults to time.Now.
		Now func() time.Time
	}

	// Manager creates, opens and loads sessions.
	Manager struct {
		store  session.Store
		locker Locker
		ttl     time.Duration
		refresh time.Duration
		logger  telemetry.Logger
		now     func() time.Time
	}

	// State is everything needed to rehydrate a session.
	State struct {
		Session  session.Session
		Messages []event.Message
	}

	// Writer is the single writer of one session. It is safe for concurrent
	// use but the engine drives it sequentially.
	Writer struct {
		m         *Manager
		tenantID  string
		sessionID string
		lease     Lease
		stop      chan struct{}
		done      chan struct{}

		mu     sync.Mutex
		status session.Status
		snap   session.Snapshot
		closed bool
		lost   error
	}
)

var (
	// ErrLocked indicates another writer holds the session lease.
	ErrLocked = errors.New("session is locked by another writer")
	// ErrLeaseLost indicates the writer's lease was taken over.
	ErrLeaseLost = errors.New("session lease lost")
	// ErrWriterClosed indicates a write after Close.
	ErrWriterClosed = errors.New("session writer closed")
)

// New returns a Manager persisting to store.
func New(store session.Store, opts Options) *Manager {
	if opts.Locker == nil {
		opts.Locker = NewLocalLocker()
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 30 * time.Second
	}
	if opts.RefreshInterval <= 0 || opts.RefreshInterval >= opts.LeaseTTL {
		opts.RefreshInterval = opts.LeaseTTL / 3
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		store:   store,
		locker:  opts.Locker,
		ttl:     opts.LeaseTTL,
		refresh: opts.RefreshInterval,
		logger:  opts.Logger,
		now:     opts.Now,
	}
}

// Create persists a new active session. The cache seed is derived from the
// tenant and session IDs.
func (m *Manager) Create(ctx context.Context, tenantID, sessionID, workflowName string, snap session.Snapshot) (session.Session, error) {
	if tenantID == "" || sessionID == "" {
		return session.Session{}, errors.New("tenant and session IDs are required")
	}
	now := m.now().UTC()
	s := session.Session{
		ID:           sessionID,
		TenantID:     tenantID,
		WorkflowName: workflowName,
		CacheSeed:    session.DeriveCacheSeed(tenantID, sessionID),
		Status:       session.StatusActive,
		Snapshot:     snap.Clone(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := m.store.Create(ctx, s); err != nil {
		return session.Session{}, fmt.Errorf("create session %s: %w", sessionID, err)
	}
	return s, nil
}

// Load returns the persisted state of a session.
func (m *Manager) Load(ctx context.Context, tenantID, sessionID string) (State, error) {
	rec, err := m.store.Load(ctx, tenantID, sessionID)
	if err != nil {
		return State{}, err
	}
	return State{Session: rec.Session, Messages: rec.Messages}, nil
}

// List returns the sessions of a tenant filtered by status.
func (m *Manager) List(ctx context.Context, tenantID string, statuses ...session.Status) ([]session.Session, error) {
	return m.store.List(ctx, tenantID, statuses)
}

// Open acquires the write lease of a session after checking tenant
// ownership. The lease is kept alive in the background until the writer is
// closed, so long agent calls do not let it expire. The caller must Close
// the writer.
func (m *Manager) Open(ctx context.Context, tenantID, sessionID string) (*Writer, error) {
	rec, err := m.store.Load(ctx, tenantID, sessionID)
	if err != nil {
		return nil, err
	}
	if rec.Session.Status.IsTerminal() {
		return nil, fmt.Errorf("open %s: %w", sessionID, session.ErrSessionArchived)
	}
	lease, err := m.locker.Acquire(ctx, sessionID, m.ttl)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", sessionID, err)
	}
	m.logger.Debug(ctx, "session lease acquired", "session_id", sessionID, "token", lease.Token())
	w := &Writer{
		m:         m,
		tenantID:  tenantID,
		sessionID: sessionID,
		lease:     lease,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		status:    rec.Session.Status,
		snap:      rec.Session.Snapshot.Clone(),
	}
	go w.keepalive(context.WithoutCancel(ctx))
	return w, nil
}

// LastSequence returns the sequence of the log tail.
func (s State) LastSequence() int64 {
	if n := len(s.Messages); n > 0 {
		return s.Messages[n-1].Sequence
	}
	return s.Session.LastSequence
}

// Tail returns the last n messages.
func (s State) Tail(n int) []event.Message {
	if n <= 0 || n >= len(s.Messages) {
		return s.Messages
	}
	return s.Messages[len(s.Messages)-n:]
}

// SessionID returns the session the writer owns.
func (w *Writer) SessionID() string { return w.sessionID }

// Append adds msg to the session log.
func (w *Writer) Append(ctx context.Context, msg event.Message) error {
	if err := w.fence(ctx); err != nil {
		return err
	}
	return w.m.store.Append(ctx, w.tenantID, w.sessionID, msg)
}

// Save replaces the status and snapshot of the session.
func (w *Writer) Save(ctx context.Context, status session.Status, snap session.Snapshot) error {
	if err := w.fence(ctx); err != nil {
		return err
	}
	snap = snap.Clone()
	if err := w.m.store.UpdateSnapshot(ctx, w.tenantID, w.sessionID, status, snap); err != nil {
		return err
	}
	w.mu.Lock()
	w.status, w.snap = status, snap
	w.mu.Unlock()
	return nil
}

// UpdateSnapshot applies patch to the last saved snapshot and saves it.
func (w *Writer) UpdateSnapshot(ctx context.Context, patch func(*session.Snapshot)) error {
	w.mu.Lock()
	status, snap := w.status, w.snap.Clone()
	w.mu.Unlock()
	patch(&snap)
	return w.Save(ctx, status, snap)
}

// SetStatus changes the session status and keeps the snapshot.
func (w *Writer) SetStatus(ctx context.Context, status session.Status) error {
	w.mu.Lock()
	snap := w.snap.Clone()
	w.mu.Unlock()
	return w.Save(ctx, status, snap)
}

// Close releases the lease. Further writes fail with ErrWriterClosed.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()
	close(w.stop)
	<-w.done
	return w.lease.Release(ctx)
}

// keepalive refreshes the lease until the writer closes or the lease is
// lost. Transient refresh errors are retried on the next tick.
func (w *Writer) keepalive(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.m.refresh)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			err := w.lease.Refresh(ctx)
			if err == nil {
				continue
			}
			if errors.Is(err, ErrLeaseLost) {
				w.mu.Lock()
				w.lost = err
				w.mu.Unlock()
				w.m.logger.Warn(ctx, "session lease lost", "session_id", w.sessionID, "token", w.lease.Token())
				return
			}
			w.m.logger.Warn(ctx, "session lease refresh failed", "session_id", w.sessionID, "err", err)
		}
	}
}

func (w *Writer) fence(ctx context.Context) error {
	w.mu.Lock()
	closed, lost := w.closed, w.lost
	w.mu.Unlock()
	if closed {
		return ErrWriterClosed
	}
	if lost != nil {
		return fmt.Errorf("session %s: %w", w.sessionID, lost)
	}
	if err := w.lease.Refresh(ctx); err != nil {
		return fmt.Errorf("session %s: %w", w.sessionID, err)
	}
	return nil
}
