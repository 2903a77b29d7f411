package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	streamopts "goa.design/pulse/streaming/options"

	clientspulse "github.com/BlocUnited-LLC/mozaiks-ai-sub005/features/stream/pulse/clients/pulse"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/transport"
)

type (
	// EnvelopeDecoder converts raw payloads read from Pulse into envelopes.
	EnvelopeDecoder func([]byte) (transport.Envelope, error)

	// SubscriberOptions configures a Pulse-backed subscriber.
	SubscriberOptions struct {
		// Client is the Pulse client used to consume events. Required.
		Client clientspulse.Client
		// SinkName identifies the Pulse consumer group. Defaults to
		// "mozaiks_subscriber".
		SinkName string
		// Buffer is the envelope channel capacity. Defaults to 64.
		Buffer int
		// Decoder defaults to JSON decoding of transport.Envelope.
		Decoder EnvelopeDecoder
	}

	// Subscriber follows the mirrored envelopes of sessions.
	Subscriber struct {
		client clientspulse.Client
		buffer int
		name   string
		decode EnvelopeDecoder
	}
)

// NewSubscriber constructs a Pulse-backed subscriber.
func NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	name := opts.SinkName
	if name == "" {
		name = "mozaiks_subscriber"
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	decoder := opts.Decoder
	if decoder == nil {
		decoder = decodeEnvelope
	}
	return &Subscriber{client: opts.Client, buffer: buffer, name: name, decode: decoder}, nil
}

// Subscribe opens a consumer group on the stream of sessionID. The returned
// cancel function stops consumption, closes the sink and both channels.
//
//	envs, errs, cancel, err := sub.Subscribe(ctx, "sess-1")
//	defer cancel()
//	for env := range envs {
//	    // forward env
//	}
func (s *Subscriber) Subscribe(
	ctx context.Context,
	sessionID string,
	opts ...streamopts.Sink,
) (<-chan transport.Envelope, <-chan error, context.CancelFunc, error) {
	sink, err := s.client.Follow(ctx, sessionID, s.name, opts...)
	if err != nil {
		return nil, nil, nil, err
	}
	envs := make(chan transport.Envelope, s.buffer)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	go s.consume(runCtx, sink, envs, errs)
	cancelFunc := func() {
		cancel()
		sink.Close(context.Background())
	}
	return envs, errs, cancelFunc, nil
}

// consume acks each event once it was handed to the consumer. It stops at
// the first decode or ack failure.
func (s *Subscriber) consume(ctx context.Context, sink clientspulse.Sink, out chan<- transport.Envelope, errs chan<- error) {
	defer close(out)
	defer close(errs)
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			env, err := s.decode(evt.Payload)
			if err != nil {
				errs <- fmt.Errorf("pulse decode payload: %w", err)
				return
			}
			select {
			case out <- env:
			case <-ctx.Done():
				return
			}
			if err := sink.Ack(ctx, evt); err != nil {
				errs <- fmt.Errorf("pulse ack: %w", err)
				return
			}
		}
	}
}

func decodeEnvelope(payload []byte) (transport.Envelope, error) {
	var env transport.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return transport.Envelope{}, err
	}
	return env, nil
}
