package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/dispatch"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/event"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/failure"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/metrics"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/workflow"
)

type (
	// outcome is the transition chosen at the end of a turn.
	outcome struct {
		next     string
		suspend  bool
		complete string
	}

	turnError struct {
		kind  failure.Kind
		cause error
	}
)

func (e *turnError) Error() string { return fmt.Sprintf("%s: %v", e.kind, e.cause) }
func (e *turnError) Unwrap() error { return e.cause }

// Start runs the session from the entry agent. A non-empty input is recorded
// as the first user message. Start returns once the engine suspends or
// finishes.
func (e *Engine) Start(ctx context.Context, input string) (State, error) {
	if st := e.State(); st != StateIdle {
		return st, fmt.Errorf("%w: start in %s", ErrInvalidState, st)
	}
	if input != "" {
		if err := e.recordUser(ctx, dispatch.UserMessage{Content: input}); err != nil {
			return e.crash(ctx, err)
		}
	}
	return e.run(ctx)
}

// SubmitInput records human input and resumes the pending agent.
func (e *Engine) SubmitInput(ctx context.Context, content string) (State, error) {
	e.mu.Lock()
	st, awaiting, tool := e.state, e.awaiting, e.pendingTool
	e.mu.Unlock()
	if st.IsTerminal() {
		return st, ErrFinished
	}
	if st != StateAwaitingInput || !awaiting || tool != "" {
		return st, fmt.Errorf("%w: state %s", ErrNotAwaitingInput, st)
	}
	if err := e.recordUser(ctx, dispatch.UserMessage{Content: content}); err != nil {
		return e.crash(ctx, err)
	}
	e.clearPending()
	return e.run(ctx)
}

// SubmitToolResponse records the response of the pending UI tool and resumes
// the agent that requested it.
func (e *Engine) SubmitToolResponse(ctx context.Context, toolID string, response json.RawMessage) (State, error) {
	e.mu.Lock()
	st, tool := e.state, e.pendingTool
	e.mu.Unlock()
	if st.IsTerminal() {
		return st, ErrFinished
	}
	if st != StateAwaitingInput || tool == "" || tool != toolID {
		return st, fmt.Errorf("%w: %q", ErrUnexpectedTool, toolID)
	}
	if len(response) == 0 {
		response = json.RawMessage("null")
	}
	if err := e.recordUser(ctx, dispatch.UserMessage{ToolID: toolID, Response: response}); err != nil {
		return e.crash(ctx, err)
	}
	e.clearPending()
	return e.run(ctx)
}

func (e *Engine) clearPending() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pending != "" {
		e.current = e.pending
	}
	e.pending, e.awaiting, e.pendingTool = "", false, ""
}

func (e *Engine) recordUser(ctx context.Context, in dispatch.UserMessage) error {
	msg, err := e.cfg.Dispatcher.User(ctx, e.scope, in)
	if err != nil {
		return err
	}
	if e.observe(*msg) {
		return e.save(ctx)
	}
	return nil
}

// run executes turns until the engine suspends or finishes.
func (e *Engine) run(ctx context.Context) (State, error) {
	ctx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.state = StateRunning
	e.runCancel = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.runCancel = nil
		e.mu.Unlock()
		cancel()
	}()

	for {
		if e.canceled.Load() {
			return e.terminate(context.WithoutCancel(ctx))
		}
		if req, ok := e.pollPause(); ok {
			return e.pause(ctx, req)
		}
		if e.turns >= e.def.MaxTurns() {
			return e.fail(ctx, failure.KindTurnBudgetExceeded,
				fmt.Errorf("turn budget of %d exhausted", e.def.MaxTurns()))
		}
		out, err := e.turn(ctx)
		if err != nil {
			if e.canceled.Load() {
				return e.terminate(context.WithoutCancel(ctx))
			}
			var te *turnError
			if errors.As(err, &te) {
				return e.fail(ctx, te.kind, te.cause)
			}
			return e.crash(ctx, err)
		}
		switch {
		case out.complete != "":
			return e.complete(ctx, out.complete)
		case out.suspend:
			return e.suspend(ctx)
		default:
			e.mu.Lock()
			e.current = out.next
			e.mu.Unlock()
			if err := e.save(ctx); err != nil {
				return e.crash(ctx, err)
			}
		}
	}
}

// turn runs the current agent once and records its events.
func (e *Engine) turn(ctx context.Context) (outcome, error) {
	agent := e.current
	spec, ok := e.def.Agent(agent)
	if !ok {
		return outcome{}, &turnError{failure.KindInternal, fmt.Errorf("unknown agent %q", agent)}
	}
	ctx, span := e.cfg.Tracer.Start(ctx, "engine.turn", trace.WithAttributes(
		attribute.String("mozaiks.session_id", e.sess.ID),
		attribute.String("mozaiks.tenant_id", e.sess.TenantID),
		attribute.String("mozaiks.agent", agent),
		attribute.Int("mozaiks.turn", e.turns+1),
	))
	defer span.End()
	start := e.cfg.Now()

	res, usage, err := e.invoke(ctx, spec)
	e.mu.Lock()
	e.turns++
	e.mu.Unlock()
	rec := metrics.Record{
		TenantID:     e.sess.TenantID,
		SessionID:    e.sess.ID,
		Agent:        agent,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		Cost:         usage.Cost,
	}
	defer func() {
		rec.Duration = e.cfg.Now().Sub(start)
		e.cfg.Dispatcher.Turn(ctx, rec)
	}()
	if err != nil {
		rec.ErrorKind = string(failure.KindOf(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, rec.ErrorKind)
		return outcome{}, err
	}
	e.cfg.Logger.Debug(ctx, "agent turn", "session_id", e.sess.ID, "agent", agent, "events", len(res.Events), "tokens", usage.Tokens())

	out, err := e.apply(ctx, spec, res.Events)
	if err != nil {
		rec.ErrorKind = string(failure.KindOf(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, rec.ErrorKind)
		return outcome{}, err
	}
	span.AddEvent("turn.resolved", "next", out.next, "suspend", out.suspend, "complete", out.complete)
	return out, nil
}

// invoke calls the agent, retrying timeouts and schema violations.
func (e *Engine) invoke(ctx context.Context, spec workflow.AgentSpec) (InvokeResult, event.Usage, error) {
	var (
		res   InvokeResult
		usage event.Usage
	)
	err := e.retry(ctx, "agent:"+spec.Name, func(ctx context.Context, attempt int) error {
		r, err := e.cfg.Agents.Invoke(ctx, InvokeRequest{
			Workflow:  e.def.Name(),
			Agent:     spec,
			TenantID:  e.sess.TenantID,
			SessionID: e.sess.ID,
			CacheSeed: e.sess.CacheSeed,
			Context:   e.vars.Snapshot(),
			Tail:      append([]event.Message(nil), e.tail...),
			Attempt:   attempt,
		})
		usage = usage.Add(r.Usage)
		if err != nil {
			return err
		}
		if err := e.validate(spec, r.Events); err != nil {
			return err
		}
		res = r
		return nil
	})
	return res, usage, err
}

// validate checks the structured outputs of one invocation against the
// agent's schema.
func (e *Engine) validate(spec workflow.AgentSpec, events []event.Raw) error {
	schema := e.def.Schema(spec.Name)
	for _, ev := range events {
		so, ok := ev.(event.StructuredOutput)
		if !ok {
			continue
		}
		if !spec.AcceptsStructuredOutput {
			return failure.Errorf(failure.KindSchemaViolation, "agent %s does not accept structured output", spec.Name)
		}
		var doc any
		if err := json.Unmarshal(so.Payload, &doc); err != nil {
			return failure.Wrap(failure.KindSchemaViolation, err, "structured output is not valid JSON")
		}
		if schema == nil {
			continue
		}
		if err := schema.Validate(doc); err != nil {
			return failure.Wrap(failure.KindSchemaViolation, err, "structured output of "+spec.Name)
		}
	}
	return nil
}

// apply records the events of a validated invocation and resolves the
// transition.
func (e *Engine) apply(ctx context.Context, spec workflow.AgentSpec, events []event.Raw) (outcome, error) {
	echoes := map[string]bool{}
	if spec.AutoToolMode {
		for _, ev := range events {
			if so, ok := ev.(event.StructuredOutput); ok {
				if c, ok := event.Canonical(so.Payload); ok {
					echoes[c] = true
				}
			}
		}
	}

	var (
		inputRequested bool
		runComplete    bool
		uiTool         string
	)
	for i, ev := range events {
		switch ev := ev.(type) {
		case event.Text:
			if c, ok := event.Canonical([]byte(ev.Content)); ok && echoes[c] {
				ev.Echo = true
				delete(echoes, c)
			}
			if err := e.emit(ctx, ev); err != nil {
				return outcome{}, err
			}
		case event.StructuredOutput:
			if !spec.AutoToolMode {
				if err := e.emit(ctx, ev); err != nil {
					return outcome{}, err
				}
				continue
			}
			b, err := e.bindTool(spec.Name, spec.Tool)
			if err != nil {
				return outcome{}, err
			}
			res, err := e.callTool(ctx, b, ev.Payload)
			if err != nil {
				return outcome{}, err
			}
			call := event.ToolCall{
				Agent:  spec.Name,
				ToolID: fmt.Sprintf("%s-%d", b.Name, e.seq.Next()),
				Name:   b.Name,
				Args:   ev.Payload,
				Result: res,
				Auto:   true,
			}
			if err := e.emit(ctx, call); err != nil {
				return outcome{}, err
			}
		case event.ToolCall:
			b, err := e.bindTool(spec.Name, ev.Name)
			if err != nil {
				return outcome{}, err
			}
			if b.Kind == workflow.ToolUI {
				if ev.ToolID == "" {
					ev.ToolID = fmt.Sprintf("%s-%d-%d", b.Name, e.turns, i)
				}
				if err := e.emit(ctx, ev); err != nil {
					return outcome{}, err
				}
				uiTool = ev.ToolID
				continue
			}
			if ev.Result == nil {
				res, err := e.callTool(ctx, b, ev.Args)
				if err != nil {
					return outcome{}, err
				}
				ev.Result = res
			}
			if ev.ToolID == "" {
				ev.ToolID = fmt.Sprintf("%s-%d", b.Name, e.seq.Next())
			}
			if err := e.emit(ctx, ev); err != nil {
				return outcome{}, err
			}
		case event.InputRequest:
			if err := e.emit(ctx, ev); err != nil {
				return outcome{}, err
			}
			inputRequested = true
		case event.RunComplete:
			if err := e.emit(ctx, ev); err != nil {
				return outcome{}, err
			}
			runComplete = true
		}
	}

	switch {
	case runComplete:
		return outcome{complete: "run_complete"}, nil
	case uiTool != "":
		e.await(spec.Name, uiTool)
		return outcome{suspend: true}, nil
	case inputRequested:
		e.await(spec.Name, "")
		return outcome{suspend: true}, nil
	}

	if err := e.prefetch(ctx, spec.Name); err != nil {
		return outcome{}, err
	}
	target, ok := e.def.Resolve(spec.Name, e.vars.Getter())
	if !ok {
		e.await(spec.Name, "")
		return outcome{suspend: true}, nil
	}
	switch target.Kind {
	case workflow.TargetTerminate:
		return outcome{complete: "terminate"}, nil
	case workflow.TargetRevertToCaller:
		e.await(spec.Name, "")
		return outcome{suspend: true}, nil
	default:
		e.cfg.Dispatcher.Business(ctx, e.scope, "agent.handoff", "from", spec.Name, "to", target.Agent)
		return outcome{next: target.Agent}, nil
	}
}

func (e *Engine) await(agent, tool string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending, e.awaiting, e.pendingTool = agent, true, tool
}

// bindTool returns the binding of a tool called by agent. Tools bound to
// another agent are rejected.
func (e *Engine) bindTool(agent, name string) (workflow.ToolBinding, error) {
	b, ok := e.def.Tool(name)
	if !ok {
		return b, &turnError{failure.KindInternal, fmt.Errorf("agent %s called undeclared tool %q", agent, name)}
	}
	if b.Agent != "" && b.Agent != agent {
		return b, &turnError{failure.KindInternal, fmt.Errorf("agent %s called tool %q bound to agent %s", agent, name, b.Agent)}
	}
	return b, nil
}

// emit dispatches ev and feeds any recorded message to the context store.
// A message that changes a derived variable saves the snapshot right away so
// the log and snapshot agree if the process dies before the turn ends.
func (e *Engine) emit(ctx context.Context, ev event.Raw) error {
	msg, err := e.cfg.Dispatcher.Dispatch(ctx, e.scope, ev)
	if err != nil {
		return err
	}
	if msg != nil && e.observe(*msg) {
		return e.save(ctx)
	}
	return nil
}

// observe appends msg to the tail and reports whether it changed a context
// variable.
func (e *Engine) observe(msg event.Message) bool {
	e.tail = append(e.tail, msg)
	if n := len(e.tail) - e.cfg.TailSize; n > 0 {
		e.tail = append([]event.Message(nil), e.tail[n:]...)
	}
	changed := e.vars.Observe(msg)
	if len(changed) == 0 {
		return false
	}
	e.cfg.Logger.Debug(context.Background(), "context variables changed", "session_id", e.sess.ID, "variables", changed)
	return true
}

// callTool invokes a backend tool with retries.
func (e *Engine) callTool(ctx context.Context, b workflow.ToolBinding, payload json.RawMessage) (json.RawMessage, error) {
	if e.cfg.Tools == nil {
		return nil, &turnError{failure.KindInternal, fmt.Errorf("no tool invoker for %q", b.Name)}
	}
	var out json.RawMessage
	err := e.retry(ctx, "tool:"+b.Name, func(ctx context.Context, _ int) error {
		res, err := e.cfg.Tools.InvokeTool(ctx, b, payload)
		if err != nil {
			return err
		}
		out = res.Output
		return nil
	})
	return out, err
}

// prefetch materializes the external lookup variables referenced by the
// handoff conditions of agent.
func (e *Engine) prefetch(ctx context.Context, agent string) error {
	for _, r := range e.def.Rules(agent) {
		if r.Condition == nil {
			continue
		}
		spec, ok := e.def.Variable(r.Condition.Variable)
		if !ok || spec.Source != workflow.SourceExternalLookup {
			continue
		}
		err := e.retry(ctx, "lookup:"+spec.Name, func(ctx context.Context, _ int) error {
			_, err := e.vars.Get(ctx, spec.Name)
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) save(ctx context.Context) error {
	e.mu.Lock()
	st := e.state
	snap := e.snapshotLocked()
	e.mu.Unlock()
	if err := e.cfg.Writer.Save(ctx, SessionStatus(st), snap); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

func (e *Engine) notify(ctx context.Context, kind failure.Kind) {
	if e.cfg.Status == nil {
		return
	}
	e.mu.Lock()
	u := StatusUpdate{
		TenantID:      e.sess.TenantID,
		SessionID:     e.sess.ID,
		State:         e.state,
		PendingAgent:  e.pending,
		AwaitingInput: e.awaiting,
		PendingTool:   e.pendingTool,
		ErrorKind:     kind,
	}
	e.mu.Unlock()
	switch {
	case kind != "":
		u.Summary = failure.Summary(kind)
	case u.State == StateTerminated:
		u.Summary = failure.Summary(failure.KindCanceled)
	case u.State.IsTerminal():
		u.Summary = failure.Summary("")
	}
	e.cfg.Status.SessionStatus(ctx, u)
}

func (e *Engine) suspend(ctx context.Context) (State, error) {
	e.setState(StateAwaitingInput)
	if err := e.save(ctx); err != nil {
		return e.crash(ctx, err)
	}
	e.notify(ctx, "")
	return StateAwaitingInput, nil
}

func (e *Engine) complete(ctx context.Context, cause string) (State, error) {
	e.mu.Lock()
	e.state = StateCompleted
	e.pending, e.awaiting, e.pendingTool = "", false, ""
	e.mu.Unlock()
	if err := e.save(ctx); err != nil {
		return e.crash(ctx, err)
	}
	e.cfg.Dispatcher.Business(ctx, e.scope, "session.completed", "cause", cause, "turns", e.turns)
	e.notify(ctx, "")
	return StateCompleted, nil
}

// fail moves the engine to Failed. The cause is logged; clients only see the
// kind and its summary.
func (e *Engine) fail(ctx context.Context, kind failure.Kind, cause error) (State, error) {
	e.mu.Lock()
	e.state = StateFailed
	e.errKind = kind
	e.pending, e.awaiting, e.pendingTool = "", false, ""
	e.mu.Unlock()
	saveErr := e.save(ctx)
	e.cfg.Dispatcher.Business(ctx, e.scope, "session.failed", "error_kind", string(kind), "cause", errString(cause), "turns", e.turns)
	e.notify(ctx, kind)
	if saveErr != nil {
		return StateFailed, saveErr
	}
	return StateFailed, nil
}

// crash handles infrastructure errors such as a failed append. The engine
// moves to Failed and the error is returned to the caller.
func (e *Engine) crash(ctx context.Context, err error) (State, error) {
	e.cfg.Logger.Error(ctx, "engine failure", "session_id", e.sess.ID, "err", err)
	st, _ := e.fail(ctx, failure.KindInternal, err)
	return st, err
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
