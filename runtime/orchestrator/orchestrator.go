// Package orchestrator hosts the engines of many sessions. It creates
// sessions, rehydrates engines from persisted state for every operation and
// serializes operations per session.
//
// Engines live only while an operation runs. Once an engine suspends or
// finishes its writer is closed and the engine discarded; the next operation
// rehydrates a fresh engine from the message log and snapshot.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/contextvars"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/dispatch"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/engine"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/event"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/failure"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/persistence"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/session"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/telemetry"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/workflow"
)

type (
	// Definitions loads workflow definitions. workflow.Loader implements it.
	Definitions interface {
		Load(ctx context.Context, name string) (*workflow.Definition, error)
	}

	// Options configures an Orchestrator.
	Options struct {
		Definitions Definitions
		Persistence *persistence.Manager
		Dispatcher  *dispatch.Dispatcher
		Agents      engine.AgentInvoker
		Tools       engine.ToolInvoker
		Lookup      contextvars.Lookup
		Status      engine.StatusSink
		Env         func(string) (string, bool)
		Tracer      telemetry.Tracer
		Logger      telemetry.Logger

		CallTimeout time.Duration
		MaxRetries  int
		Backoff     func() backoff.BackOff
		TailSize    int
		Now         func() time.Time
		// NewID generates session IDs. Defaults to random UUIDs.
		NewID func() string
	}

	// StartRequest starts a session.
	StartRequest struct {
		TenantID string
		Workflow string
		// Input is the optional first user message.
		Input string
	}

	// Status describes a session.
	Status struct {
		SessionID     string         `json:"sessionId"`
		TenantID      string         `json:"tenantId"`
		Workflow      string         `json:"workflow"`
		State         engine.State   `json:"state"`
		Status        session.Status `json:"status"`
		PendingAgent  string         `json:"pendingAgent,omitempty"`
		AwaitingInput bool           `json:"awaitingInput"`
		PendingTool   string         `json:"pendingTool,omitempty"`
		Turns         int            `json:"turns"`
		LastSequence  int64          `json:"lastSequence"`
		ErrorKind     string         `json:"errorKind,omitempty"`
		Summary       string         `json:"summary,omitempty"`
	}

	// Orchestrator runs sessions.
	Orchestrator struct {
		opts Options

		mu   sync.Mutex
		live map[string]*slot
	}

	// slot is a session with an operation in progress.
	slot struct {
		tenantID string
		workflow string
		engine   *engine.Engine
		writer   *persistence.Writer
	}
)

// ErrSessionBusy indicates an operation on a session that is already
// running one.
var ErrSessionBusy = errors.New("session is busy")

// New returns an Orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Definitions == nil || opts.Persistence == nil || opts.Dispatcher == nil || opts.Agents == nil {
		return nil, errors.New("orchestrator: definitions, persistence, dispatcher and agents are required")
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Orchestrator{opts: opts, live: make(map[string]*slot)}, nil
}

// Start creates a session and runs it until it suspends or finishes.
// Definition errors are reported before anything is persisted.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (Status, error) {
	if req.TenantID == "" {
		return Status{}, failure.New(failure.KindTenantMismatch, "tenant is required")
	}
	def, err := o.opts.Definitions.Load(ctx, req.Workflow)
	if err != nil {
		return Status{}, err
	}
	id := o.opts.NewID()
	sess, err := o.opts.Persistence.Create(ctx, req.TenantID, id, req.Workflow, session.Snapshot{
		State:        string(engine.StateIdle),
		CurrentAgent: def.Entry(),
	})
	if err != nil {
		return Status{}, err
	}
	w, err := o.opts.Persistence.Open(ctx, req.TenantID, id)
	if err != nil {
		return Status{}, err
	}
	eng, err := engine.New(o.config(def, sess, nil, w))
	if err != nil {
		_ = w.Close(ctx)
		return Status{}, err
	}
	s := &slot{tenantID: req.TenantID, workflow: req.Workflow, engine: eng, writer: w}
	if !o.claim(id, s) {
		_ = w.Close(ctx)
		return Status{}, ErrSessionBusy
	}
	o.opts.Logger.Info(ctx, "session started", "session_id", id, "tenant_id", req.TenantID, "workflow", req.Workflow)
	_, err = eng.Start(context.WithoutCancel(ctx), req.Input)
	return o.finish(ctx, id, s, err)
}

// SubmitUserInput records user input and runs the session.
func (o *Orchestrator) SubmitUserInput(ctx context.Context, tenantID, sessionID, content string) (Status, error) {
	return o.with(ctx, tenantID, sessionID, func(ctx context.Context, e *engine.Engine) error {
		_, err := e.SubmitInput(ctx, content)
		return err
	})
}

// SubmitToolResponse records a UI tool response and runs the session.
func (o *Orchestrator) SubmitToolResponse(ctx context.Context, tenantID, sessionID, toolID string, response json.RawMessage) (Status, error) {
	return o.with(ctx, tenantID, sessionID, func(ctx context.Context, e *engine.Engine) error {
		_, err := e.SubmitToolResponse(ctx, toolID, response)
		return err
	})
}

// Pause pauses a session. A running session pauses at its next turn
// boundary.
func (o *Orchestrator) Pause(ctx context.Context, tenantID, sessionID string, req engine.PauseRequest) (Status, error) {
	if s, ok, err := o.running(tenantID, sessionID); err != nil {
		return Status{}, err
	} else if ok {
		s.engine.RequestPause(req)
		return o.statusOf(s, sessionID), nil
	}
	return o.with(ctx, tenantID, sessionID, func(ctx context.Context, e *engine.Engine) error {
		_, err := e.Pause(ctx, req)
		return err
	})
}

// Resume continues a paused session.
func (o *Orchestrator) Resume(ctx context.Context, tenantID, sessionID string) (Status, error) {
	return o.with(ctx, tenantID, sessionID, func(ctx context.Context, e *engine.Engine) error {
		_, err := e.Resume(ctx)
		return err
	})
}

// Cancel terminates a session. A running session is interrupted.
func (o *Orchestrator) Cancel(ctx context.Context, tenantID, sessionID string) (Status, error) {
	if s, ok, err := o.running(tenantID, sessionID); err != nil {
		return Status{}, err
	} else if ok {
		s.engine.RequestCancel()
		return o.statusOf(s, sessionID), nil
	}
	return o.with(ctx, tenantID, sessionID, func(ctx context.Context, e *engine.Engine) error {
		_, err := e.Cancel(ctx)
		return err
	})
}

// Status returns the current status of a session.
func (o *Orchestrator) Status(ctx context.Context, tenantID, sessionID string) (Status, error) {
	if s, ok, err := o.running(tenantID, sessionID); err != nil {
		return Status{}, err
	} else if ok {
		return o.statusOf(s, sessionID), nil
	}
	st, err := o.opts.Persistence.Load(ctx, tenantID, sessionID)
	if err != nil {
		return Status{}, err
	}
	return persistedStatus(st), nil
}

// List returns the sessions of a tenant, most recently updated first.
func (o *Orchestrator) List(ctx context.Context, tenantID string, statuses ...session.Status) ([]Status, error) {
	sessions, err := o.opts.Persistence.List(ctx, tenantID, statuses...)
	if err != nil {
		return nil, err
	}
	out := make([]Status, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, persistedStatus(persistence.State{Session: s}))
	}
	return out, nil
}

// Resolve checks that a session exists and belongs to tenantID. It
// implements transport.SessionResolver.
func (o *Orchestrator) Resolve(ctx context.Context, tenantID, sessionID string) error {
	if _, ok, err := o.running(tenantID, sessionID); err != nil || ok {
		return err
	}
	_, err := o.opts.Persistence.Load(ctx, tenantID, sessionID)
	return err
}

// Running returns the number of sessions with an operation in progress.
func (o *Orchestrator) Running() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.live)
}

// with runs op on a rehydrated engine of the session.
func (o *Orchestrator) with(ctx context.Context, tenantID, sessionID string, op func(context.Context, *engine.Engine) error) (Status, error) {
	s, err := o.acquire(ctx, tenantID, sessionID)
	if err != nil {
		return Status{}, err
	}
	err = op(context.WithoutCancel(ctx), s.engine)
	return o.finish(ctx, sessionID, s, err)
}

// acquire rehydrates the engine of a session and claims it.
func (o *Orchestrator) acquire(ctx context.Context, tenantID, sessionID string) (*slot, error) {
	if _, ok, err := o.running(tenantID, sessionID); err != nil {
		return nil, err
	} else if ok {
		return nil, ErrSessionBusy
	}
	st, err := o.opts.Persistence.Load(ctx, tenantID, sessionID)
	if err != nil {
		return nil, err
	}
	if st.Session.Status.IsTerminal() {
		return nil, fmt.Errorf("session %s: %w", sessionID, engine.ErrFinished)
	}
	def, err := o.opts.Definitions.Load(ctx, st.Session.WorkflowName)
	if err != nil {
		return nil, err
	}
	w, err := o.opts.Persistence.Open(ctx, tenantID, sessionID)
	if errors.Is(err, persistence.ErrLocked) {
		return nil, ErrSessionBusy
	}
	if err != nil {
		return nil, err
	}
	eng, err := engine.Rehydrate(o.config(def, st.Session, st.Messages, w))
	if err != nil {
		_ = w.Close(ctx)
		return nil, err
	}
	s := &slot{tenantID: tenantID, workflow: st.Session.WorkflowName, engine: eng, writer: w}
	if !o.claim(sessionID, s) {
		_ = w.Close(ctx)
		return nil, ErrSessionBusy
	}
	return s, nil
}

// finish releases the session after an operation.
func (o *Orchestrator) finish(ctx context.Context, sessionID string, s *slot, opErr error) (Status, error) {
	status := o.statusOf(s, sessionID)
	o.mu.Lock()
	if o.live[sessionID] == s {
		delete(o.live, sessionID)
	}
	o.mu.Unlock()
	if err := s.writer.Close(context.WithoutCancel(ctx)); err != nil {
		o.opts.Logger.Warn(ctx, "release session lease", "session_id", sessionID, "err", err)
	}
	return status, opErr
}

func (o *Orchestrator) claim(sessionID string, s *slot) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.live[sessionID]; ok {
		return false
	}
	o.live[sessionID] = s
	return true
}

// running returns the slot of a session with an operation in progress.
func (o *Orchestrator) running(tenantID, sessionID string) (*slot, bool, error) {
	o.mu.Lock()
	s, ok := o.live[sessionID]
	o.mu.Unlock()
	if !ok {
		return nil, false, nil
	}
	if s.tenantID != tenantID {
		return nil, false, failure.Errorf(failure.KindTenantMismatch, "session %q is not owned by tenant %q", sessionID, tenantID)
	}
	return s, true, nil
}

func (o *Orchestrator) config(def *workflow.Definition, sess session.Session, msgs []event.Message, w *persistence.Writer) engine.Config {
	return engine.Config{
		Workflow:    def,
		Session:     sess,
		Messages:    msgs,
		Agents:      o.opts.Agents,
		Tools:       o.opts.Tools,
		Lookup:      o.opts.Lookup,
		Env:         o.opts.Env,
		Dispatcher:  o.opts.Dispatcher,
		Writer:      w,
		Status:      o.opts.Status,
		Tracer:      o.opts.Tracer,
		Logger:      o.opts.Logger,
		CallTimeout: o.opts.CallTimeout,
		MaxRetries:  o.opts.MaxRetries,
		Backoff:     o.opts.Backoff,
		TailSize:    o.opts.TailSize,
		Now:         o.opts.Now,
	}
}

func (o *Orchestrator) statusOf(s *slot, sessionID string) Status {
	snap := s.engine.Snapshot()
	st := engine.State(snap.State)
	out := Status{
		SessionID:     sessionID,
		TenantID:      s.tenantID,
		Workflow:      s.workflow,
		State:         st,
		Status:        engine.SessionStatus(st),
		PendingAgent:  snap.PendingAgent,
		AwaitingInput: snap.AwaitingInput,
		PendingTool:   snap.PendingTool,
		Turns:         snap.Turns,
		LastSequence:  s.engine.LastSequence(),
		ErrorKind:     snap.ErrorKind,
	}
	out.Summary = summary(st, snap.ErrorKind)
	return out
}

func persistedStatus(st persistence.State) Status {
	snap := st.Session.Snapshot
	state := engine.State(snap.State)
	if state == "" {
		state = engine.StateIdle
	}
	return Status{
		SessionID:     st.Session.ID,
		TenantID:      st.Session.TenantID,
		Workflow:      st.Session.WorkflowName,
		State:         state,
		Status:        st.Session.Status,
		PendingAgent:  snap.PendingAgent,
		AwaitingInput: snap.AwaitingInput,
		PendingTool:   snap.PendingTool,
		Turns:         snap.Turns,
		LastSequence:  st.Session.LastSequence,
		ErrorKind:     snap.ErrorKind,
		Summary:       summary(state, snap.ErrorKind),
	}
}

func summary(st engine.State, kind string) string {
	switch {
	case kind != "":
		return failure.Summary(failure.Kind(kind))
	case st == engine.StateTerminated:
		return failure.Summary(failure.KindCanceled)
	case st.IsTerminal():
		return failure.Summary("")
	default:
		return ""
	}
}
