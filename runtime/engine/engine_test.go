package engine

import (
	"context"
	"encoding/json"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/dispatch"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/event"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/failure"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/persistence"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/session"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/session/inmem"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/tools"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/workflow"
)

const pipelineManifest = `
name: pipeline
agents:
  - name: Intake
  - name: Worker
handoffs:
  - source: Intake
    target: Worker
  - source: Worker
    target: terminate
`

var fixedNow = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

type (
	step func(ctx context.Context, req InvokeRequest) (InvokeResult, error)

	scripted struct {
		mu    sync.Mutex
		steps map[string][]step
		calls map[string]int
	}

	business struct {
		mu     sync.Mutex
		events []dispatch.BusinessEvent
	}

	statuses struct {
		mu      sync.Mutex
		updates []StatusUpdate
	}

	harness struct {
		t       *testing.T
		def     *workflow.Definition
		mgr     *persistence.Manager
		disp    *dispatch.Dispatcher
		biz     *business
		status  *statuses
		tools   *tools.Registry
		writers map[string]*persistence.Writer
	}
)

func newScripted(steps map[string][]step) *scripted {
	return &scripted{steps: steps, calls: map[string]int{}}
}

func (s *scripted) Invoke(ctx context.Context, req InvokeRequest) (InvokeResult, error) {
	s.mu.Lock()
	i := s.calls[req.Agent.Name]
	s.calls[req.Agent.Name]++
	steps := s.steps[req.Agent.Name]
	s.mu.Unlock()
	if len(steps) == 0 {
		return say(req.Agent.Name, "ok")(ctx, req)
	}
	if i >= len(steps) {
		i = len(steps) - 1
	}
	return steps[i](ctx, req)
}

func (s *scripted) count(agent string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[agent]
}

func say(agent, text string) step {
	return emit(event.Text{Agent: agent, Content: text})
}

func emit(evs ...event.Raw) step {
	return func(context.Context, InvokeRequest) (InvokeResult, error) {
		return InvokeResult{Events: evs, Usage: event.Usage{InputTokens: 10, OutputTokens: 5}}, nil
	}
}

func timeout() step {
	return func(context.Context, InvokeRequest) (InvokeResult, error) {
		return InvokeResult{}, context.DeadlineExceeded
	}
}

func (b *business) RecordBusiness(_ context.Context, ev dispatch.BusinessEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
}

func (b *business) count(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, ev := range b.events {
		if ev.Name == name {
			n++
		}
	}
	return n
}

func (s *statuses) SessionStatus(_ context.Context, u StatusUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, u)
}

func (s *statuses) last() StatusUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updates[len(s.updates)-1]
}

func (s *statuses) terminal() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, u := range s.updates {
		if u.State.IsTerminal() {
			n++
		}
	}
	return n
}

func newHarness(t *testing.T, manifest string) *harness {
	t.Helper()
	def, err := workflow.Parse("test", []byte(manifest))
	require.NoError(t, err)
	biz := &business{}
	h := &harness{
		t:       t,
		def:     def,
		mgr:     persistence.New(inmem.New(), persistence.Options{Now: fixedNow}),
		disp:    dispatch.New(dispatch.Options{Business: biz, Now: fixedNow}),
		biz:     biz,
		status:  &statuses{},
		tools:   tools.NewRegistry(),
		writers: map[string]*persistence.Writer{},
	}
	t.Cleanup(func() {
		for _, w := range h.writers {
			_ = w.Close(context.Background())
		}
		_ = h.disp.Close(context.Background())
	})
	return h
}

func (h *harness) config(sess session.Session, msgs []event.Message, agents AgentInvoker) Config {
	w, err := h.mgr.Open(context.Background(), sess.TenantID, sess.ID)
	require.NoError(h.t, err)
	h.writers[sess.ID] = w
	return Config{
		Workflow:   h.def,
		Session:    sess,
		Messages:   msgs,
		Agents:     agents,
		Tools:      h.tools,
		Dispatcher: h.disp,
		Writer:     w,
		Status:     h.status,
		Backoff:    func() backoff.BackOff { return &backoff.ZeroBackOff{} },
		Now:        fixedNow,
	}
}

func (h *harness) start(id string, agents AgentInvoker) *Engine {
	h.t.Helper()
	sess, err := h.mgr.Create(context.Background(), "tenant", id, h.def.Name(), session.Snapshot{})
	require.NoError(h.t, err)
	e, err := New(h.config(sess, nil, agents))
	require.NoError(h.t, err)
	return e
}

// restart closes the session writer and rehydrates a new engine from the
// store, as a new process would.
func (h *harness) restart(id string, agents AgentInvoker) *Engine {
	h.t.Helper()
	ctx := context.Background()
	require.NoError(h.t, h.writers[id].Close(ctx))
	delete(h.writers, id)
	st, err := h.mgr.Load(ctx, "tenant", id)
	require.NoError(h.t, err)
	e, err := Rehydrate(h.config(st.Session, st.Messages, agents))
	require.NoError(h.t, err)
	return e
}

func (h *harness) load(id string) persistence.State {
	h.t.Helper()
	st, err := h.mgr.Load(context.Background(), "tenant", id)
	require.NoError(h.t, err)
	return st
}

func TestPipelineCompletes(t *testing.T) {
	t.Parallel()

	h := newHarness(t, pipelineManifest)
	agents := newScripted(map[string][]step{
		"Intake": {say("Intake", "collected")},
		"Worker": {say("Worker", "done")},
	})
	e := h.start("s1", agents)

	st, err := e.Start(context.Background(), "please help")
	require.NoError(t, err)
	require.Equal(t, StateCompleted, st)

	rec := h.load("s1")
	require.Equal(t, session.StatusCompleted, rec.Session.Status)
	require.Equal(t, 2, rec.Session.Snapshot.Turns)
	require.Len(t, rec.Messages, 3)
	for i, m := range rec.Messages {
		require.Equal(t, int64(i+1), m.Sequence)
	}
	require.Equal(t, event.RoleUser, rec.Messages[0].Role)
	require.Equal(t, "Intake", rec.Messages[1].Sender)
	require.Equal(t, "Worker", rec.Messages[2].Sender)

	require.Equal(t, 1, h.biz.count("session.completed"))
	require.Equal(t, 1, h.status.terminal())
	require.Equal(t, StateCompleted, h.status.last().State)
	require.Empty(t, h.status.last().ErrorKind)

	_, err = e.SubmitInput(context.Background(), "more")
	require.ErrorIs(t, err, ErrFinished)
}

func TestTimeoutRetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	h := newHarness(t, pipelineManifest)
	agents := newScripted(map[string][]step{
		"Intake": {timeout(), timeout(), say("Intake", "third time")},
	})
	e := h.start("s1", agents)

	st, err := e.Start(context.Background(), "go")
	require.NoError(t, err)
	require.Equal(t, StateCompleted, st)
	require.Equal(t, 3, agents.count("Intake"))
	require.Equal(t, 2, h.biz.count("turn.retry"))
	require.Len(t, h.load("s1").Messages, 3)
}

func TestTimeoutExhaustedFails(t *testing.T) {
	t.Parallel()

	h := newHarness(t, pipelineManifest)
	agents := newScripted(map[string][]step{"Intake": {timeout()}})
	e := h.start("s1", agents)

	st, err := e.Start(context.Background(), "go")
	require.NoError(t, err)
	require.Equal(t, StateFailed, st)
	require.Equal(t, 3, agents.count("Intake"))
	require.Equal(t, 2, h.biz.count("turn.retry"))
	require.Equal(t, 1, h.biz.count("session.failed"))

	rec := h.load("s1")
	require.Equal(t, session.StatusError, rec.Session.Status)
	require.Equal(t, string(failure.KindExternalCallTimeout), rec.Session.Snapshot.ErrorKind)
	require.Len(t, rec.Messages, 1)

	last := h.status.last()
	require.Equal(t, failure.KindExternalCallTimeout, last.ErrorKind)
	require.Equal(t, failure.Summary(failure.KindExternalCallTimeout), last.Summary)
	require.Equal(t, 1, h.status.terminal())
}

func TestCallTimeoutIsEnforced(t *testing.T) {
	t.Parallel()

	h := newHarness(t, pipelineManifest)
	slow := func(ctx context.Context, _ InvokeRequest) (InvokeResult, error) {
		<-ctx.Done()
		return InvokeResult{}, ctx.Err()
	}
	agents := newScripted(map[string][]step{"Intake": {slow}})
	sess, err := h.mgr.Create(context.Background(), "tenant", "s1", h.def.Name(), session.Snapshot{})
	require.NoError(t, err)
	cfg := h.config(sess, nil, agents)
	cfg.CallTimeout = 10 * time.Millisecond
	cfg.MaxRetries = -1
	e, err := New(cfg)
	require.NoError(t, err)

	st, err := e.Start(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, StateFailed, st)
	require.Equal(t, 1, agents.count("Intake"))
	require.Zero(t, h.biz.count("turn.retry"))
	require.Equal(t, string(failure.KindExternalCallTimeout), e.Snapshot().ErrorKind)
}

const structuredManifest = `
name: structured
agents:
  - name: Writer
    acceptsStructuredOutput: true
    outputSchema:
      type: object
      required: [title]
      properties:
        title: {type: string}
handoffs:
  - source: Writer
    target: terminate
`

func TestSchemaViolationRetriesWithoutPersisting(t *testing.T) {
	t.Parallel()

	h := newHarness(t, structuredManifest)
	bad := emit(event.Text{Agent: "Writer", Content: "draft"}, event.StructuredOutput{Agent: "Writer", Payload: json.RawMessage(`{"title": 5}`)})
	good := emit(event.StructuredOutput{Agent: "Writer", Payload: json.RawMessage(`{"title": "ok"}`)})
	agents := newScripted(map[string][]step{"Writer": {bad, good}})
	e := h.start("s1", agents)

	st, err := e.Start(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, StateCompleted, st)
	msgs := h.load("s1").Messages
	require.Len(t, msgs, 1)
	require.Equal(t, event.KindStructuredOutput, msgs[0].Kind)
	require.JSONEq(t, `{"title":"ok"}`, string(msgs[0].Payload))
	require.Equal(t, 1, h.biz.count("turn.retry"))
}

func TestSchemaViolationExhaustedFails(t *testing.T) {
	t.Parallel()

	h := newHarness(t, structuredManifest)
	bad := emit(event.StructuredOutput{Agent: "Writer", Payload: json.RawMessage(`{}`)})
	agents := newScripted(map[string][]step{"Writer": {bad}})
	e := h.start("s1", agents)

	st, err := e.Start(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, StateFailed, st)
	require.Empty(t, h.load("s1").Messages)
	require.Equal(t, failure.KindSchemaViolation, h.status.last().ErrorKind)
}

const autoToolManifest = `
name: auto
agents:
  - name: Writer
    acceptsStructuredOutput: true
    autoToolMode: true
    tool: save
    outputSchema:
      type: object
      required: [title]
      properties:
        title: {type: string}
tools:
  - name: save
    kind: backend
handoffs:
  - source: Writer
    target: terminate
`

func TestAutoToolInvokesBoundToolAndFlagsEcho(t *testing.T) {
	t.Parallel()

	h := newHarness(t, autoToolManifest)
	var got json.RawMessage
	require.NoError(t, h.tools.Register("save", func(_ context.Context, payload json.RawMessage) (json.RawMessage, error) {
		got = payload
		return json.RawMessage(`{"id":"doc-1"}`), nil
	}))
	agents := newScripted(map[string][]step{"Writer": {emit(
		event.StructuredOutput{Agent: "Writer", Payload: json.RawMessage(`{"title":"Report"}`)},
		event.Text{Agent: "Writer", Content: "{\n  \"title\": \"Report\"\n}"},
		event.Text{Agent: "Writer", Content: `{"title":"Report"}`},
	)}})
	e := h.start("s1", agents)

	st, err := e.Start(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, StateCompleted, st)
	require.JSONEq(t, `{"title":"Report"}`, string(got))

	msgs := h.load("s1").Messages
	require.Len(t, msgs, 3)
	require.Equal(t, event.KindToolCall, msgs[0].Kind)
	require.Equal(t, event.RoleTool, msgs[0].Role)
	require.Equal(t, "save-1", msgs[0].ToolID)
	require.JSONEq(t, `{"name":"save","input":{"title":"Report"},"output":{"id":"doc-1"},"auto":true}`, string(msgs[0].Payload))
	require.True(t, msgs[1].Echo)
	require.False(t, msgs[2].Echo)
}

const awaitManifest = `
name: await
agents:
  - name: Intake
  - name: Worker
handoffs:
  - source: Intake
    target: Worker
  - source: Worker
    target: terminate
`

// worker asks for details until the last message is the user's answer.
func worker(_ context.Context, req InvokeRequest) (InvokeResult, error) {
	if n := len(req.Tail); n > 0 && req.Tail[n-1].Role == event.RoleUser && req.Tail[n-1].Content == "details" {
		return emit(event.Text{Agent: "Worker", Content: "finished with details"})(context.Background(), req)
	}
	return emit(event.InputRequest{Agent: "Worker", Prompt: "need details"})(context.Background(), req)
}

func TestPauseResumeAcrossRestartMatchesUninterruptedRun(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	steps := func() *scripted {
		return newScripted(map[string][]step{
			"Intake": {say("Intake", "routing")},
			"Worker": {worker},
		})
	}

	h := newHarness(t, awaitManifest)

	// Uninterrupted run.
	e := h.start("straight", steps())
	st, err := e.Start(ctx, "hello")
	require.NoError(t, err)
	require.Equal(t, StateAwaitingInput, st)
	st, err = e.SubmitInput(ctx, "details")
	require.NoError(t, err)
	require.Equal(t, StateCompleted, st)

	// Interrupted run.
	e = h.start("restarted", steps())
	st, err = e.Start(ctx, "hello")
	require.NoError(t, err)
	require.Equal(t, StateAwaitingInput, st)

	snap := h.load("restarted").Session.Snapshot
	require.True(t, snap.AwaitingInput)
	require.Equal(t, "Worker", snap.PendingAgent)
	require.Equal(t, session.StatusPaused, h.load("restarted").Session.Status)

	e = h.restart("restarted", steps())
	require.Equal(t, StateAwaitingInput, e.State())
	require.Equal(t, int64(3), e.LastSequence())
	st, err = e.SubmitInput(ctx, "details")
	require.NoError(t, err)
	require.Equal(t, StateCompleted, st)

	require.Equal(t, h.load("straight").Messages, h.load("restarted").Messages)
	require.Len(t, h.load("restarted").Messages, 5)
	require.Equal(t, h.load("straight").Session.Snapshot, h.load("restarted").Session.Snapshot)
}

func TestTurnBudgetExceeded(t *testing.T) {
	t.Parallel()

	h := newHarness(t, `
name: loop
maxTurns: 3
agents:
  - name: A
  - name: B
handoffs:
  - source: A
    target: B
  - source: B
    target: A
`)
	e := h.start("s1", newScripted(nil))
	st, err := e.Start(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, StateFailed, st)
	require.Equal(t, 3, e.Snapshot().Turns)
	require.Equal(t, failure.KindTurnBudgetExceeded, h.status.last().ErrorKind)
	require.Len(t, h.load("s1").Messages, 3)
}

func TestDerivedVariableDrivesHandoff(t *testing.T) {
	t.Parallel()

	h := newHarness(t, `
name: gated
agents:
  - name: Intake
    hiddenTriggers: ["NEXT"]
  - name: Worker
variables:
  - name: ready
    type: bool
    source: derived
    default: false
    trigger: {agent: Intake, textEquals: NEXT}
handoffs:
  - source: Intake
    condition: {variable: ready}
    target: Worker
  - source: Intake
    target: revertToCaller
  - source: Worker
    target: terminate
`)
	agents := newScripted(map[string][]step{
		"Intake": {say("Intake", "tell me more"), say("Intake", "NEXT")},
	})
	e := h.start("s1", agents)
	ctx := context.Background()

	st, err := e.Start(ctx, "hi")
	require.NoError(t, err)
	require.Equal(t, StateAwaitingInput, st)
	require.Equal(t, false, e.Snapshot().Values["ready"])

	st, err = e.SubmitInput(ctx, "more")
	require.NoError(t, err)
	require.Equal(t, StateCompleted, st)
	require.Equal(t, true, e.Snapshot().Values["ready"])

	msgs := h.load("s1").Messages
	require.Len(t, msgs, 5)
	require.True(t, msgs[3].Hidden)
	require.Equal(t, "Worker", msgs[4].Sender)
}

func TestUIToolSuspendsUntilResponse(t *testing.T) {
	t.Parallel()

	h := newHarness(t, `
name: ui
agents:
  - name: Planner
tools:
  - name: pick_date
    kind: ui
handoffs:
  - source: Planner
    target: terminate
`)
	agents := newScripted(map[string][]step{"Planner": {
		emit(event.ToolCall{Agent: "Planner", ToolID: "ui-1", Name: "pick_date", Args: json.RawMessage(`{}`)}),
		say("Planner", "booked"),
	}})
	e := h.start("s1", agents)
	ctx := context.Background()

	st, err := e.Start(ctx, "")
	require.NoError(t, err)
	require.Equal(t, StateAwaitingInput, st)
	require.Equal(t, "ui-1", e.Snapshot().PendingTool)
	require.Empty(t, h.load("s1").Messages)

	_, err = e.SubmitInput(ctx, "text")
	require.ErrorIs(t, err, ErrNotAwaitingInput)
	_, err = e.SubmitToolResponse(ctx, "ui-2", nil)
	require.ErrorIs(t, err, ErrUnexpectedTool)

	st, err = e.SubmitToolResponse(ctx, "ui-1", json.RawMessage(`{"date":"2026-01-05"}`))
	require.NoError(t, err)
	require.Equal(t, StateCompleted, st)
	msgs := h.load("s1").Messages
	require.Len(t, msgs, 2)
	require.Equal(t, event.KindToolCall, msgs[0].Kind)
	require.Equal(t, "ui-1", msgs[0].ToolID)
	require.Equal(t, "booked", msgs[1].Content)
}

func TestPauseAndResume(t *testing.T) {
	t.Parallel()

	h := newHarness(t, pipelineManifest)
	var e *Engine
	agents := newScripted(map[string][]step{
		"Intake": {func(ctx context.Context, req InvokeRequest) (InvokeResult, error) {
			e.RequestPause(PauseRequest{Reason: "operator"})
			return emit(event.Text{Agent: "Intake", Content: "ok"})(ctx, req)
		}},
	})
	e = h.start("s1", agents)
	ctx := context.Background()

	st, err := e.Start(ctx, "")
	require.NoError(t, err)
	require.Equal(t, StatePaused, st)
	require.Equal(t, "Worker", e.Snapshot().CurrentAgent)
	require.Equal(t, 1, h.biz.count("session.paused"))
	require.Equal(t, session.StatusPaused, h.load("s1").Session.Status)

	st, err = e.Resume(ctx)
	require.NoError(t, err)
	require.Equal(t, StateCompleted, st)
	require.Len(t, h.load("s1").Messages, 2)
}

func TestPauseWhileAwaitingKeepsResumeMetadata(t *testing.T) {
	t.Parallel()

	h := newHarness(t, awaitManifest)
	e := h.start("s1", newScripted(map[string][]step{"Worker": {worker}}))
	ctx := context.Background()

	st, err := e.Start(ctx, "x")
	require.NoError(t, err)
	require.Equal(t, StateAwaitingInput, st)

	st, err = e.Pause(ctx, PauseRequest{Reason: "maintenance"})
	require.NoError(t, err)
	require.Equal(t, StatePaused, st)
	_, err = e.SubmitInput(ctx, "details")
	require.ErrorIs(t, err, ErrNotAwaitingInput)

	e = h.restart("s1", newScripted(map[string][]step{"Worker": {worker}}))
	require.Equal(t, StatePaused, e.State())
	st, err = e.Resume(ctx)
	require.NoError(t, err)
	require.Equal(t, StateAwaitingInput, st)
	st, err = e.SubmitInput(ctx, "details")
	require.NoError(t, err)
	require.Equal(t, StateCompleted, st)
}

func TestCancelClearsPendingState(t *testing.T) {
	t.Parallel()

	h := newHarness(t, awaitManifest)
	e := h.start("s1", newScripted(map[string][]step{"Worker": {worker}}))
	ctx := context.Background()

	_, err := e.Start(ctx, "x")
	require.NoError(t, err)
	st, err := e.Cancel(ctx)
	require.NoError(t, err)
	require.Equal(t, StateTerminated, st)

	rec := h.load("s1")
	require.Equal(t, session.StatusCompleted, rec.Session.Status)
	require.Equal(t, string(StateTerminated), rec.Session.Snapshot.State)
	require.Empty(t, rec.Session.Snapshot.PendingAgent)
	require.False(t, rec.Session.Snapshot.AwaitingInput)
	require.Equal(t, 1, h.biz.count("session.terminated"))
	require.Equal(t, failure.Summary(failure.KindCanceled), h.status.last().Summary)

	_, err = e.Cancel(ctx)
	require.ErrorIs(t, err, ErrFinished)
}

func TestRequestCancelAbortsInFlightCall(t *testing.T) {
	t.Parallel()

	h := newHarness(t, pipelineManifest)
	started := make(chan struct{})
	agents := newScripted(map[string][]step{
		"Intake": {func(ctx context.Context, _ InvokeRequest) (InvokeResult, error) {
			close(started)
			<-ctx.Done()
			return InvokeResult{}, ctx.Err()
		}},
	})
	e := h.start("s1", agents)

	done := make(chan State, 1)
	go func() {
		st, _ := e.Start(context.Background(), "")
		done <- st
	}()
	<-started
	e.RequestCancel()
	select {
	case st := <-done:
		require.Equal(t, StateTerminated, st)
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not terminate")
	}
	require.Zero(t, h.biz.count("turn.retry"))
}

func TestBackendToolCall(t *testing.T) {
	t.Parallel()

	h := newHarness(t, `
name: lookup
agents:
  - name: Agent
tools:
  - name: weather
    kind: backend
handoffs:
  - source: Agent
    target: terminate
`)
	require.NoError(t, h.tools.Register("weather", func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`"sunny"`), nil
	}))
	agents := newScripted(map[string][]step{"Agent": {emit(
		event.ToolCall{Agent: "Agent", Name: "weather", Args: json.RawMessage(`{"city":"Paris"}`)},
	)}})
	e := h.start("s1", agents)

	st, err := e.Start(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, StateCompleted, st)
	msgs := h.load("s1").Messages
	require.Len(t, msgs, 1)
	require.Equal(t, event.RoleTool, msgs[0].Role)
	require.JSONEq(t, `{"name":"weather","input":{"city":"Paris"},"output":"sunny"}`, string(msgs[0].Payload))
}

func TestRunCompleteEndsSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t, awaitManifest)
	agents := newScripted(map[string][]step{"Intake": {emit(
		event.Text{Agent: "Intake", Content: "all set"},
		event.RunComplete{Agent: "Intake", Summary: "nothing to do"},
	)}})
	e := h.start("s1", agents)

	st, err := e.Start(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, StateCompleted, st)
	require.Len(t, h.load("s1").Messages, 1)
	require.Equal(t, 1, h.biz.count("agent.run_complete"))
	require.Zero(t, agents.count("Worker"))
}

func TestNoRuleAwaitsSameAgent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, `
name: open
agents:
  - name: Chat
`)
	e := h.start("s1", newScripted(nil))
	st, err := e.Start(context.Background(), "hi")
	require.NoError(t, err)
	require.Equal(t, StateAwaitingInput, st)
	require.Equal(t, "Chat", e.Snapshot().PendingAgent)
}

func TestRestartsDoNotChangeTheOutcome(t *testing.T) {
	steps := func() *scripted {
		return newScripted(map[string][]step{
			"Intake": {say("Intake", "routing")},
			"Worker": {worker},
		})
	}
	// drive answers "more" rounds times, then "details", restarting the
	// engine before the answers selected by restart.
	drive := func(h *harness, id string, rounds int, restart func(int) bool) (persistence.State, bool) {
		ctx := context.Background()
		e := h.start(id, steps())
		st, err := e.Start(ctx, "hello")
		if err != nil {
			return persistence.State{}, false
		}
		for i := 0; i <= rounds; i++ {
			if st != StateAwaitingInput {
				return persistence.State{}, false
			}
			if restart(i) {
				e = h.restart(id, steps())
			}
			answer := "more"
			if i == rounds {
				answer = "details"
			}
			if st, err = e.SubmitInput(ctx, answer); err != nil {
				return persistence.State{}, false
			}
		}
		return h.load(id), st == StateCompleted
	}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("restarted sessions replay to the same log and snapshot", prop.ForAll(
		func(rounds int, restarts []bool) bool {
			h := newHarness(t, awaitManifest)
			straight, ok := drive(h, "straight", rounds, func(int) bool { return false })
			if !ok {
				return false
			}
			restarted, ok := drive(h, "restarted", rounds, func(i int) bool { return restarts[i] })
			if !ok {
				return false
			}
			return len(straight.Messages) == 2*rounds+5 &&
				reflect.DeepEqual(straight.Messages, restarted.Messages) &&
				reflect.DeepEqual(straight.Session.Snapshot, restarted.Session.Snapshot)
		},
		gen.IntRange(0, 3),
		gen.SliceOfN(4, gen.Bool()),
	))

	properties.TestingRun(t)
}

func TestDerivedVariableIsSavedBeforeTurnEnds(t *testing.T) {
	t.Parallel()

	h := newHarness(t, `
name: gated
agents:
  - name: Intake
    hiddenTriggers: ["NEXT"]
  - name: Worker
tools:
  - name: hold
    kind: backend
variables:
  - name: ready
    type: bool
    source: derived
    default: false
    trigger: {agent: Intake, textEquals: NEXT}
handoffs:
  - source: Intake
    condition: {variable: ready}
    target: Worker
  - source: Worker
    target: terminate
`)
	reached, release := make(chan struct{}), make(chan struct{})
	require.NoError(t, h.tools.Register("hold", func(context.Context, json.RawMessage) (json.RawMessage, error) {
		close(reached)
		<-release
		return json.RawMessage(`{}`), nil
	}))
	agents := newScripted(map[string][]step{"Intake": {emit(
		event.Text{Agent: "Intake", Content: "NEXT"},
		event.ToolCall{Agent: "Intake", Name: "hold", Args: json.RawMessage(`{}`)},
	)}})
	e := h.start("s1", agents)

	done := make(chan State, 1)
	go func() {
		st, _ := e.Start(context.Background(), "hi")
		done <- st
	}()
	select {
	case <-reached:
	case <-time.After(5 * time.Second):
		t.Fatal("tool was not called")
	}

	// The process could die here: the snapshot must already reflect the
	// trigger message in the log.
	rec := h.load("s1")
	require.Len(t, rec.Messages, 2)
	require.Equal(t, "NEXT", rec.Messages[1].Content)
	require.Equal(t, true, rec.Session.Snapshot.Values["ready"])

	close(release)
	select {
	case st := <-done:
		require.Equal(t, StateCompleted, st)
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not complete")
	}
}

func TestToolBoundToAnotherAgentIsRejected(t *testing.T) {
	t.Parallel()

	h := newHarness(t, `
name: bound
agents:
  - name: Intake
  - name: Worker
tools:
  - name: payroll
    kind: backend
    agent: Worker
handoffs:
  - source: Intake
    target: Worker
  - source: Worker
    target: terminate
`)
	calls := 0
	require.NoError(t, h.tools.Register("payroll", func(context.Context, json.RawMessage) (json.RawMessage, error) {
		calls++
		return json.RawMessage(`{}`), nil
	}))
	agents := newScripted(map[string][]step{"Intake": {emit(
		event.ToolCall{Agent: "Intake", Name: "payroll", Args: json.RawMessage(`{}`)},
	)}})
	e := h.start("s1", agents)

	st, err := e.Start(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, StateFailed, st)
	require.Zero(t, calls)
	require.Equal(t, failure.KindInternal, h.status.last().ErrorKind)
	require.Len(t, h.load("s1").Messages, 0)
	require.Zero(t, agents.count("Worker"))
}
