// Package pulse mirrors transport envelopes to goa.design/pulse streams so
// that other processes (audit, analytics, fan-out nodes) can follow sessions
// they do not host. The client in clients/pulse decides the stream of each
// session.
package pulse

import (
	"context"
	"errors"

	clientspulse "github.com/BlocUnited-LLC/mozaiks-ai-sub005/features/stream/pulse/clients/pulse"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/transport"
)

type (
	// Options configures the Pulse mirror.
	Options struct {
		// Client is the Pulse client used to publish envelopes. Required.
		Client clientspulse.Client
		// OnPublished is invoked after each successful publish.
		OnPublished func(ctx context.Context, ev PublishedEnvelope) error
	}

	// PublishedEnvelope describes one envelope written to Pulse.
	PublishedEnvelope struct {
		StreamID string
		EntryID  string
		Envelope transport.Envelope
	}

	// Mirror implements transport.Mirror. It is safe for concurrent use.
	Mirror struct {
		client      clientspulse.Client
		onPublished func(context.Context, PublishedEnvelope) error
	}
)

var _ transport.Mirror = (*Mirror)(nil)

// NewMirror returns a Mirror publishing through opts.Client.
func NewMirror(opts Options) (*Mirror, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	return &Mirror{client: opts.Client, onPublished: opts.OnPublished}, nil
}

// Publish writes env to the stream of its session.
func (m *Mirror) Publish(ctx context.Context, env transport.Envelope) error {
	if env.SessionID == "" {
		return errors.New("envelope missing session id")
	}
	id, err := m.client.Publish(ctx, env)
	if err != nil {
		return err
	}
	if m.onPublished != nil {
		return m.onPublished(ctx, PublishedEnvelope{StreamID: m.client.StreamName(env.SessionID), EntryID: id, Envelope: env})
	}
	return nil
}

// Close releases the Pulse client.
func (m *Mirror) Close(ctx context.Context) error {
	return m.client.Close(ctx)
}
