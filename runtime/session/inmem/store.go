// Package inmem provides an in-memory implementation of session.Store.
//
// It is intended for tests and local development. Production deployments should
// use a durable implementation (for example features/session/mongo).
package inmem

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/event"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/failure"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/session"
)

type (
	// Store is an in-memory implementation of session.Store.
	// It is safe for concurrent use.
	Store struct {
		mu       sync.RWMutex
		sessions map[string]*session.Record
	}
)

// New returns an empty Store.
func New() *Store {
	return &Store{sessions: make(map[string]*session.Record)}
}

// Create implements session.Store.
func (s *Store) Create(_ context.Context, sess session.Session) error {
	if sess.ID == "" {
		return errors.New("session id is required")
	}
	if sess.TenantID == "" {
		return errors.New("tenant id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; ok {
		return session.ErrSessionExists
	}
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now
	if sess.Status == "" {
		sess.Status = session.StatusActive
	}
	rec := session.Record{Session: sess}.Clone()
	s.sessions[sess.ID] = &rec
	return nil
}

// Load implements session.Store.
func (s *Store) Load(_ context.Context, tenantID, sessionID string) (session.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, err := s.lookup(tenantID, sessionID)
	if err != nil {
		return session.Record{}, err
	}
	return rec.Clone(), nil
}

// Append implements session.Store.
func (s *Store) Append(_ context.Context, tenantID, sessionID string, msg event.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.lookup(tenantID, sessionID)
	if err != nil {
		return err
	}
	if rec.Session.Status.IsTerminal() {
		return session.ErrSessionArchived
	}
	if msg.Sequence != rec.Session.LastSequence+1 {
		return fmt.Errorf("%w: got %d, want %d", session.ErrSequenceConflict, msg.Sequence, rec.Session.LastSequence+1)
	}
	msg.Payload = append([]byte(nil), msg.Payload...)
	if len(msg.Payload) == 0 {
		msg.Payload = nil
	}
	rec.Messages = append(rec.Messages, msg)
	rec.Session.LastSequence = msg.Sequence
	rec.Session.UpdatedAt = time.Now().UTC()
	return nil
}

// UpdateSnapshot implements session.Store.
func (s *Store) UpdateSnapshot(_ context.Context, tenantID, sessionID string, status session.Status, snap session.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.lookup(tenantID, sessionID)
	if err != nil {
		return err
	}
	if rec.Session.Status.IsTerminal() {
		return session.ErrSessionArchived
	}
	rec.Session.Status = status
	rec.Session.Snapshot = snap.Clone()
	rec.Session.UpdatedAt = time.Now().UTC()
	return nil
}

// List implements session.Store.
func (s *Store) List(_ context.Context, tenantID string, statuses []session.Status) ([]session.Session, error) {
	if tenantID == "" {
		return nil, errors.New("tenant id is required")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []session.Session
	for _, rec := range s.sessions {
		if rec.Session.TenantID != tenantID {
			continue
		}
		if len(statuses) > 0 && !slices.Contains(statuses, rec.Session.Status) {
			continue
		}
		out = append(out, rec.Clone().Session)
	}
	slices.SortFunc(out, func(a, b session.Session) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

// lookup must be called with the lock held.
func (s *Store) lookup(tenantID, sessionID string) (*session.Record, error) {
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}
	rec, ok := s.sessions[sessionID]
	if !ok {
		return nil, session.ErrSessionNotFound
	}
	if rec.Session.TenantID != tenantID {
		return nil, failure.Errorf(failure.KindTenantMismatch, "session %q is not owned by tenant %q", sessionID, tenantID)
	}
	return rec, nil
}
