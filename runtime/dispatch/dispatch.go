// Package dispatch classifies raw agent events and routes them to the
// persistence, transport, logging and metrics sinks of a session.
//
// Ordering contract:
//   - AgentTurn events are normalized into messages whose sequence is the
//     session's last sequence plus one. The message is handed to the session
//     log synchronously; the sequence advances only when the append succeeds.
//     Transport delivery follows the append, so clients never observe a
//     message that is not durable.
//   - Transport sinks must not block. Metrics sinks and observers are wrapped
//     in bounded asynchronous queues that drop on overflow.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/event"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/metrics"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/telemetry"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/workflow"
)

// Class is the routing class of a raw event.
type Class string

const (
	// ClassAgentTurn events become persisted, delivered messages.
	ClassAgentTurn Class = "agent_turn"
	// ClassUITool events are delivered to the client and not persisted.
	ClassUITool Class = "ui_tool"
	// ClassBusiness events are logged only.
	ClassBusiness Class = "business"
)

type (
	// MessageLog is the synchronous, ordering-authoritative message sink of a
	// session. persistence.Writer implements it.
	MessageLog interface {
		Append(ctx context.Context, msg event.Message) error
	}

	// TransportSink receives client-bound deliveries. Implementations must
	// return promptly.
	TransportSink interface {
		Deliver(ctx context.Context, d Delivery)
	}

	// BusinessSink records business events.
	BusinessSink interface {
		RecordBusiness(ctx context.Context, b BusinessEvent)
	}

	// TurnSink records per-turn metrics.
	TurnSink interface {
		Record(ctx context.Context, r metrics.Record)
	}

	// Subscriber observes every delivery after it was routed. Errors are
	// logged and never halt dispatch.
	Subscriber interface {
		HandleDelivery(ctx context.Context, d Delivery) error
	}

	// SubscriberFunc adapts a function to Subscriber.
	SubscriberFunc func(ctx context.Context, d Delivery) error

	// Scope identifies the session an event belongs to.
	Scope struct {
		TenantID  string
		SessionID string
		Workflow  *workflow.Definition
		// Log is the session message log.
		Log MessageLog
		// Seq tracks the session's last sequence.
		Seq *Sequencer
	}

	// Delivery is one client-bound item.
	Delivery struct {
		Class     Class
		TenantID  string
		SessionID string
		// Message is set for ClassAgentTurn deliveries.
		Message *event.Message
		// UITool is set for ClassUITool deliveries.
		UITool *UIToolRequest
	}

	// UIToolRequest asks the client to render a UI tool.
	UIToolRequest struct {
		ToolID string          `json:"toolId"`
		Name   string          `json:"name"`
		Agent  string          `json:"agent"`
		Args   json.RawMessage `json:"args,omitempty"`
	}

	// BusinessEvent is a structured, log-only event.
	BusinessEvent struct {
		Name      string
		TenantID  string
		SessionID string
		Workflow  string
		Fields    map[string]any
		Timestamp time.Time
	}

	// UserMessage is human input recorded in a session log.
	UserMessage struct {
		Content string
		// ToolID and Response are set for UI tool responses.
		ToolID   string
		Response json.RawMessage
	}

	// Options configures a Dispatcher.
	Options struct {
		Transport   TransportSink
		Business    BusinessSink
		// Archive receives business events on a background queue after
		// Business. Sinks doing I/O belong here so they never stall a turn.
		Archive     BusinessSink
		Turns       TurnSink
		Subscribers []Subscriber
		Logger      telemetry.Logger
		// QueueSize bounds the asynchronous queues. Defaults to 1024.
		QueueSize int
		// Now returns the current time. Defaults to time.Now.
		Now func() time.Time
	}

	// Dispatcher routes events. It is shared by all sessions.
	Dispatcher struct {
		transport TransportSink
		business  BusinessSink
		archive   *Queue[BusinessEvent]
		turns     *Queue[metrics.Record]
		observers *Queue[Delivery]
		subs      []Subscriber
		logger    telemetry.Logger
		now       func() time.Time
	}

	nopTransport struct{}
)

// HandleDelivery implements Subscriber.
func (f SubscriberFunc) HandleDelivery(ctx context.Context, d Delivery) error { return f(ctx, d) }

func (nopTransport) Deliver(context.Context, Delivery) {}

// New returns a Dispatcher. Close must be called to drain its queues.
func New(opts Options) *Dispatcher {
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Transport == nil {
		opts.Transport = nopTransport{}
	}
	if opts.Business == nil {
		opts.Business = NewLogSink(opts.Logger)
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	d := &Dispatcher{
		transport: opts.Transport,
		business:  opts.Business,
		subs:      opts.Subscribers,
		logger:    opts.Logger,
		now:       opts.Now,
	}
	if opts.Turns != nil {
		turns := opts.Turns
		d.turns = NewQueue("metrics", opts.QueueSize, opts.Logger, func(ctx context.Context, r metrics.Record) error {
			turns.Record(ctx, r)
			return nil
		})
	}
	if opts.Archive != nil {
		archive := opts.Archive
		d.archive = NewQueue("business", opts.QueueSize, opts.Logger, func(ctx context.Context, b BusinessEvent) error {
			archive.RecordBusiness(ctx, b)
			return nil
		})
	}
	if len(opts.Subscribers) > 0 {
		d.observers = NewQueue("observers", opts.QueueSize, opts.Logger, d.notify)
	}
	return d
}

// Classify returns the routing class of ev. UI tool calls are recognized
// through the workflow's tool bindings.
func Classify(def *workflow.Definition, ev event.Raw) Class {
	switch e := ev.(type) {
	case event.ToolCall:
		if e.Result == nil && def != nil {
			if b, ok := def.Tool(e.Name); ok && b.Kind == workflow.ToolUI {
				return ClassUITool
			}
		}
		return ClassAgentTurn
	case event.RunComplete:
		return ClassBusiness
	case event.Text, event.StructuredOutput, event.InputRequest:
		return ClassAgentTurn
	default:
		panic(fmt.Sprintf("dispatch: unknown event type %T", ev))
	}
}

// Dispatch routes ev. For AgentTurn events it returns the persisted message.
// An error means the message was not persisted and the sequence did not
// advance.
func (d *Dispatcher) Dispatch(ctx context.Context, sc Scope, ev event.Raw) (*event.Message, error) {
	switch Classify(sc.Workflow, ev) {
	case ClassUITool:
		tc := ev.(event.ToolCall)
		d.route(ctx, Delivery{
			Class:     ClassUITool,
			TenantID:  sc.TenantID,
			SessionID: sc.SessionID,
			UITool:    &UIToolRequest{ToolID: tc.ToolID, Name: tc.Name, Agent: tc.Agent, Args: tc.Args},
		})
		return nil, nil
	case ClassBusiness:
		rc := ev.(event.RunComplete)
		d.Business(ctx, sc, "agent.run_complete", "agent", rc.Agent, "summary", rc.Summary)
		return nil, nil
	}
	return d.commit(ctx, sc, d.normalize(sc, ev))
}

// User appends a human message to the session log and delivers it.
func (d *Dispatcher) User(ctx context.Context, sc Scope, in UserMessage) (*event.Message, error) {
	msg := event.Message{
		Role:      event.RoleUser,
		Sender:    event.UserSender,
		Kind:      event.KindText,
		Content:   in.Content,
		Visible:   true,
		Timestamp: d.now().UTC(),
	}
	if in.ToolID != "" {
		msg.Kind = event.KindToolCall
		msg.ToolID = in.ToolID
		msg.Payload = in.Response
	}
	return d.commit(ctx, sc, msg)
}

// Business records an engine-originated business event. keyvals alternate
// keys and values.
func (d *Dispatcher) Business(ctx context.Context, sc Scope, name string, keyvals ...any) {
	fields := make(map[string]any, len(keyvals)/2)
	for i := 0; i+1 < len(keyvals); i += 2 {
		k, ok := keyvals[i].(string)
		if !ok {
			k = fmt.Sprint(keyvals[i])
		}
		fields[k] = keyvals[i+1]
	}
	b := BusinessEvent{
		Name:      name,
		TenantID:  sc.TenantID,
		SessionID: sc.SessionID,
		Fields:    fields,
		Timestamp: d.now().UTC(),
	}
	if sc.Workflow != nil {
		b.Workflow = sc.Workflow.Name()
	}
	d.business.RecordBusiness(ctx, b)
	if d.archive != nil {
		d.archive.Push(ctx, b)
	}
}

// Turn forwards a per-turn metrics record.
func (d *Dispatcher) Turn(ctx context.Context, r metrics.Record) {
	if d.turns != nil {
		d.turns.Push(ctx, r)
	}
}

// Close drains the asynchronous queues.
func (d *Dispatcher) Close(ctx context.Context) error {
	if d.turns != nil {
		if err := d.turns.Close(ctx); err != nil {
			return err
		}
	}
	if d.archive != nil {
		if err := d.archive.Close(ctx); err != nil {
			return err
		}
	}
	if d.observers != nil {
		return d.observers.Close(ctx)
	}
	return nil
}

func (d *Dispatcher) commit(ctx context.Context, sc Scope, msg event.Message) (*event.Message, error) {
	if sc.Seq == nil {
		return nil, fmt.Errorf("dispatch: session %s has no sequencer", sc.SessionID)
	}
	msg.Sequence = sc.Seq.Next()
	if sc.Log != nil {
		if err := sc.Log.Append(ctx, msg); err != nil {
			return nil, fmt.Errorf("append message %d: %w", msg.Sequence, err)
		}
	}
	sc.Seq.advance(msg.Sequence)
	out := msg
	d.route(ctx, Delivery{Class: ClassAgentTurn, TenantID: sc.TenantID, SessionID: sc.SessionID, Message: &out})
	return &msg, nil
}

func (d *Dispatcher) route(ctx context.Context, del Delivery) {
	d.transport.Deliver(ctx, del)
	if d.observers != nil {
		d.observers.Push(ctx, del)
	}
}

func (d *Dispatcher) notify(ctx context.Context, del Delivery) error {
	for _, s := range d.subs {
		if err := s.HandleDelivery(ctx, del); err != nil {
			d.logger.Warn(ctx, "dispatch subscriber failed", "session_id", del.SessionID, "err", err)
		}
	}
	return nil
}

func (d *Dispatcher) normalize(sc Scope, ev event.Raw) event.Message {
	agent := ev.AgentName()
	msg := event.Message{
		Role:      event.RoleAgent,
		Sender:    agent,
		Kind:      ev.Kind(),
		Timestamp: d.now().UTC(),
	}
	switch e := ev.(type) {
	case event.Text:
		msg.Content = e.Content
		msg.Echo = e.Echo
	case event.StructuredOutput:
		msg.Payload = e.Payload
	case event.InputRequest:
		msg.Content = e.Prompt
	case event.ToolCall:
		msg.ToolID = e.ToolID
		msg.Content = e.Name
		if e.Result != nil {
			msg.Role = event.RoleTool
		}
		msg.Payload = toolPayload(e)
	}
	if sc.Workflow != nil {
		msg.Visible = sc.Workflow.IsVisible(agent)
		if msg.Content != "" {
			msg.Hidden = sc.Workflow.IsHiddenTrigger(agent, strings.TrimSpace(msg.Content))
		}
	}
	return msg
}

func toolPayload(e event.ToolCall) json.RawMessage {
	body := struct {
		Name   string          `json:"name"`
		Input  json.RawMessage `json:"input,omitempty"`
		Output json.RawMessage `json:"output,omitempty"`
		Auto   bool            `json:"auto,omitempty"`
	}{e.Name, e.Args, e.Result, e.Auto}
	b, err := json.Marshal(body)
	if err != nil {
		return nil
	}
	return b
}
