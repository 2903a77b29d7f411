// Package mongo records dispatcher business events in MongoDB so operators
// can audit a session after its logs have rotated.
//
// Use clients/mongo to build the low-level client and pass it to NewSink.
package mongo

import (
	"context"
	"errors"
	"maps"
	"time"

	clientsmongo "github.com/BlocUnited-LLC/mozaiks-ai-sub005/features/runlog/mongo/clients/mongo"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/dispatch"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/telemetry"
)

// Sink implements dispatch.BusinessSink by appending every event to the
// Mongo client.
type Sink struct {
	client clientsmongo.Client
	logger telemetry.Logger
	now    func() time.Time
}

var _ dispatch.BusinessSink = (*Sink)(nil)

// NewSink builds a Mongo-backed business event sink. Append failures are
// logged to logger; they never fail the session that produced the event.
func NewSink(client clientsmongo.Client, logger telemetry.Logger) (*Sink, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Sink{client: client, logger: logger, now: time.Now}, nil
}

// Name implements health.Pinger.
func (s *Sink) Name() string { return s.client.Name() }

// Ping implements health.Pinger.
func (s *Sink) Ping(ctx context.Context) error { return s.client.Ping(ctx) }

// RecordBusiness implements dispatch.BusinessSink.
func (s *Sink) RecordBusiness(ctx context.Context, b dispatch.BusinessEvent) {
	ts := b.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	err := s.client.Append(ctx, &clientsmongo.Entry{
		TenantID:  b.TenantID,
		SessionID: b.SessionID,
		Workflow:  b.Workflow,
		Name:      b.Name,
		Fields:    maps.Clone(b.Fields),
		Timestamp: ts,
	})
	if err != nil {
		s.logger.Warn(ctx, "record business event", "event", b.Name, "session_id", b.SessionID, "err", err)
	}
}

// List returns the business events of a session in the order they were
// recorded.
func (s *Sink) List(ctx context.Context, tenantID, sessionID, cursor string, limit int) (clientsmongo.Page, error) {
	return s.client.List(ctx, tenantID, sessionID, cursor, limit)
}
