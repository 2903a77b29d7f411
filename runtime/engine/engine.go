// Package engine implements the per-session orchestration state machine.
//
// An Engine drives one session at a time through agent turns:
//
//	Idle -> Running -> {AwaitingInput, Paused} -> Running -> {Completed, Failed, Terminated}
//
// Each turn invokes the current agent, validates its structured output,
// records the resulting events through the dispatcher, updates derived
// context variables and resolves the next handoff. The engine persists its
// snapshot after every turn so that a fresh engine rehydrated from the
// message log and snapshot continues exactly where the previous one stopped.
//
// Engine methods that run turns (Start, SubmitInput, SubmitToolResponse,
// Resume) must not be called concurrently. RequestPause and RequestCancel may
// be called from any goroutine.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/contextvars"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/dispatch"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/event"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/failure"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/session"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/telemetry"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/tools"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/workflow"
)

// State is the engine state.
type State string

const (
	StateIdle          State = "idle"
	StateRunning       State = "running"
	StateAwaitingInput State = "awaitingInput"
	StatePaused        State = "paused"
	StateCompleted     State = "completed"
	StateFailed        State = "failed"
	StateTerminated    State = "terminated"
)

// DefaultMaxRetries bounds retries of timed out calls and schema violations.
const DefaultMaxRetries = 2

type (
	// InvokeRequest is the input of one agent invocation.
	InvokeRequest struct {
		Workflow  string
		Agent     workflow.AgentSpec
		TenantID  string
		SessionID string
		// CacheSeed is stable for the lifetime of the session.
		CacheSeed int64
		// Context is the materialized context snapshot.
		Context map[string]any
		// Tail is the most recent part of the message log.
		Tail []event.Message
		// Attempt starts at 1 and increases with each retry of the turn.
		Attempt int
	}

	// InvokeResult is the output of one agent invocation.
	InvokeResult struct {
		Events []event.Raw
		Usage  event.Usage
	}

	// AgentInvoker runs one agent turn.
	AgentInvoker interface {
		Invoke(ctx context.Context, req InvokeRequest) (InvokeResult, error)
	}

	// AgentInvokerFunc adapts a function to AgentInvoker.
	AgentInvokerFunc func(ctx context.Context, req InvokeRequest) (InvokeResult, error)

	// ToolInvoker runs backend tools. tools.Registry implements it.
	ToolInvoker interface {
		InvokeTool(ctx context.Context, b workflow.ToolBinding, payload json.RawMessage) (tools.Result, error)
	}

	// Persister is the session writer. persistence.Writer implements it.
	Persister interface {
		dispatch.MessageLog
		Save(ctx context.Context, status session.Status, snap session.Snapshot) error
	}

	// StatusSink receives session status changes bound for clients.
	StatusSink interface {
		SessionStatus(ctx context.Context, u StatusUpdate)
	}

	// StatusUpdate is a client-safe status change. It never carries raw
	// errors.
	StatusUpdate struct {
		TenantID      string
		SessionID     string
		State         State
		PendingAgent  string
		AwaitingInput bool
		PendingTool   string
		ErrorKind     failure.Kind
		Summary       string
	}

	// PauseRequest carries metadata attached to a pause.
	PauseRequest struct {
		Reason      string
		RequestedBy string
	}

	// Config configures an Engine.
	Config struct {
		Workflow *workflow.Definition
		// Session is the persisted session header. Its Snapshot is trusted
		// by Rehydrate.
		Session session.Session
		// Messages is the persisted message log, used by Rehydrate.
		Messages []event.Message

		Agents     AgentInvoker
		Tools      ToolInvoker
		Lookup     contextvars.Lookup
		Env        func(string) (string, bool)
		Dispatcher *dispatch.Dispatcher
		Writer     Persister
		Status     StatusSink
		Tracer     telemetry.Tracer
		Logger     telemetry.Logger

		// CallTimeout bounds each agent, tool and lookup call. Defaults to
		// 60s.
		CallTimeout time.Duration
		// MaxRetries bounds retries per turn. Zero uses DefaultMaxRetries,
		// a negative value disables retries.
		MaxRetries int
		// Backoff returns the delay strategy of one retry sequence. Defaults
		// to an exponential backoff.
		Backoff func() backoff.BackOff
		// TailSize bounds the log tail passed to agents. Defaults to 50.
		TailSize int
		// Now defaults to time.Now.
		Now func() time.Time
	}

	// Engine drives one session.
	Engine struct {
		cfg   Config
		def   *workflow.Definition
		sess  session.Session
		vars  *contextvars.Store
		seq   *dispatch.Sequencer
		scope dispatch.Scope

		mu          sync.Mutex
		state       State
		current     string
		pending     string
		awaiting    bool
		pendingTool string
		turns       int
		errKind     failure.Kind
		tail        []event.Message

		pauses    chan PauseRequest
		canceled  atomic.Bool
		runCancel context.CancelFunc
	}
)

var (
	// ErrNotAwaitingInput indicates input was submitted while the engine was
	// not waiting for it.
	ErrNotAwaitingInput = errors.New("session is not awaiting input")
	// ErrUnexpectedTool indicates a tool response for a tool the engine is
	// not waiting on.
	ErrUnexpectedTool = errors.New("unexpected tool response")
	// ErrFinished indicates an operation on a terminal session.
	ErrFinished = errors.New("session is finished")
	// ErrInvalidState indicates an operation not allowed in the current
	// state.
	ErrInvalidState = errors.New("invalid engine state")
)

// Invoke implements AgentInvoker.
func (f AgentInvokerFunc) Invoke(ctx context.Context, req InvokeRequest) (InvokeResult, error) {
	return f(ctx, req)
}

// New returns an engine for a freshly created session positioned on the
// workflow entry agent.
func New(cfg Config) (*Engine, error) {
	e, err := newEngine(cfg)
	if err != nil {
		return nil, err
	}
	e.vars = contextvars.New(e.def, e.sess.TenantID, contextvars.Options{Lookup: cfg.Lookup, Env: cfg.Env})
	e.seq = dispatch.NewSequencer(lastSequence(cfg.Session, cfg.Messages))
	e.state = StateIdle
	e.current = e.def.Entry()
	e.bindScope()
	return e, nil
}

// Rehydrate returns an engine resuming a persisted session. The snapshot is
// trusted: environment variables are not re-read and materialized external
// lookups are not fetched again.
func Rehydrate(cfg Config) (*Engine, error) {
	e, err := newEngine(cfg)
	if err != nil {
		return nil, err
	}
	snap := cfg.Session.Snapshot
	e.vars = contextvars.Restore(e.def, e.sess.TenantID, snap.Values, contextvars.Options{Lookup: cfg.Lookup, Env: cfg.Env})
	e.seq = dispatch.NewSequencer(lastSequence(cfg.Session, cfg.Messages))
	e.current = snap.CurrentAgent
	if e.current == "" {
		e.current = e.def.Entry()
	}
	e.pending = snap.PendingAgent
	e.awaiting = snap.AwaitingInput
	e.pendingTool = snap.PendingTool
	e.turns = snap.Turns
	e.errKind = failure.Kind(snap.ErrorKind)
	e.tail = tailOf(cfg.Messages, e.cfg.TailSize)
	switch State(snap.State) {
	case StateAwaitingInput, StatePaused, StateCompleted, StateFailed, StateTerminated:
		e.state = State(snap.State)
	case StateIdle, "":
		e.state = StateIdle
		if len(cfg.Messages) > 0 || snap.Turns > 0 {
			e.state = StatePaused
		}
	default:
		// The previous engine stopped mid-run; continue on Resume.
		e.state = StatePaused
	}
	e.bindScope()
	return e, nil
}

func newEngine(cfg Config) (*Engine, error) {
	if cfg.Workflow == nil {
		return nil, errors.New("engine: workflow is required")
	}
	if cfg.Agents == nil {
		return nil, errors.New("engine: agent invoker is required")
	}
	if cfg.Dispatcher == nil {
		return nil, errors.New("engine: dispatcher is required")
	}
	if cfg.Writer == nil {
		return nil, errors.New("engine: writer is required")
	}
	if cfg.Session.ID == "" || cfg.Session.TenantID == "" {
		return nil, errors.New("engine: session and tenant IDs are required")
	}
	if cfg.Tracer == nil {
		cfg.Tracer = telemetry.NewNoopTracer()
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.NewNoopLogger()
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 60 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.Backoff == nil {
		cfg.Backoff = defaultBackoff
	}
	if cfg.TailSize <= 0 {
		cfg.TailSize = 50
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{
		cfg:    cfg,
		def:    cfg.Workflow,
		sess:   cfg.Session,
		pauses: make(chan PauseRequest, 1),
	}, nil
}

func (e *Engine) bindScope() {
	e.scope = dispatch.Scope{
		TenantID:  e.sess.TenantID,
		SessionID: e.sess.ID,
		Workflow:  e.def,
		Log:       e.cfg.Writer,
		Seq:       e.seq,
	}
}

// SessionID returns the session the engine drives.
func (e *Engine) SessionID() string { return e.sess.ID }

// TenantID returns the tenant owning the session.
func (e *Engine) TenantID() string { return e.sess.TenantID }

// State returns the current state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// LastSequence returns the sequence of the last recorded message.
func (e *Engine) LastSequence() int64 { return e.seq.Last() }

// Snapshot returns the persisted form of the engine state.
func (e *Engine) Snapshot() session.Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Engine) snapshotLocked() session.Snapshot {
	return session.Snapshot{
		Values:        e.vars.Snapshot(),
		State:         string(e.state),
		CurrentAgent:  e.current,
		PendingAgent:  e.pending,
		AwaitingInput: e.awaiting,
		PendingTool:   e.pendingTool,
		Turns:         e.turns,
		ErrorKind:     string(e.errKind),
	}
}

// SessionStatus maps an engine state to the persisted session status.
func SessionStatus(s State) session.Status {
	switch s {
	case StateAwaitingInput, StatePaused:
		return session.StatusPaused
	case StateCompleted, StateTerminated:
		return session.StatusCompleted
	case StateFailed:
		return session.StatusError
	default:
		return session.StatusActive
	}
}

// IsTerminal reports whether s is a final state.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateTerminated
}

func defaultBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0
	return b
}

func lastSequence(s session.Session, msgs []event.Message) int64 {
	if n := len(msgs); n > 0 {
		return msgs[n-1].Sequence
	}
	return s.LastSequence
}

func tailOf(msgs []event.Message, n int) []event.Message {
	if len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	return append([]event.Message(nil), msgs...)
}

func (e *Engine) String() string {
	return fmt.Sprintf("engine(%s/%s)", e.sess.TenantID, e.sess.ID)
}
