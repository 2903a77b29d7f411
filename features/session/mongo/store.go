package mongo

import (
	"context"
	"errors"

	clientsmongo "github.com/BlocUnited-LLC/mozaiks-ai-sub005/features/session/mongo/clients/mongo"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/event"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/session"
)

// Store implements session.Store by delegating to the Mongo client.
type Store struct {
	client clientsmongo.Client
}

var _ session.Store = (*Store)(nil)

// NewStore builds a Store using the provided client.
func NewStore(client clientsmongo.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: client}, nil
}

// Name implements health.Pinger.
func (s *Store) Name() string { return s.client.Name() }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error { return s.client.Ping(ctx) }

// Create stores a new session.
func (s *Store) Create(ctx context.Context, sess session.Session) error {
	return s.client.CreateSession(ctx, sess)
}

// Load retrieves a session and its message log.
func (s *Store) Load(ctx context.Context, tenantID, sessionID string) (session.Record, error) {
	return s.client.LoadSession(ctx, tenantID, sessionID)
}

// Append adds a message to the session log.
func (s *Store) Append(ctx context.Context, tenantID, sessionID string, msg event.Message) error {
	return s.client.AppendMessage(ctx, tenantID, sessionID, msg)
}

// UpdateSnapshot replaces the session status and snapshot.
func (s *Store) UpdateSnapshot(ctx context.Context, tenantID, sessionID string, status session.Status, snap session.Snapshot) error {
	return s.client.UpdateSnapshot(ctx, tenantID, sessionID, status, snap)
}

// List returns the sessions of a tenant, most recently updated first.
func (s *Store) List(ctx context.Context, tenantID string, statuses []session.Status) ([]session.Session, error) {
	return s.client.ListSessions(ctx, tenantID, statuses)
}
