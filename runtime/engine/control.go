package engine

import (
	"context"
	"fmt"
)

// RequestPause asks a running engine to pause at the next turn boundary. It
// never blocks; a second request before the first is honored is dropped.
func (e *Engine) RequestPause(req PauseRequest) {
	select {
	case e.pauses <- req:
	default:
	}
}

// RequestCancel asks the engine to terminate. An in-flight agent or tool call
// is canceled and the engine terminates at the next boundary.
func (e *Engine) RequestCancel() {
	e.canceled.Store(true)
	e.mu.Lock()
	cancel := e.runCancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Pause pauses an engine that is not running. Resume metadata is kept so the
// engine returns to AwaitingInput on Resume when it was waiting on input.
func (e *Engine) Pause(ctx context.Context, req PauseRequest) (State, error) {
	switch st := e.State(); {
	case st.IsTerminal():
		return st, ErrFinished
	case st == StatePaused:
		return st, nil
	case st == StateRunning:
		e.RequestPause(req)
		return st, nil
	}
	return e.pause(ctx, req)
}

// Resume continues a paused engine.
func (e *Engine) Resume(ctx context.Context) (State, error) {
	e.mu.Lock()
	st, awaiting := e.state, e.awaiting
	e.mu.Unlock()
	if st.IsTerminal() {
		return st, ErrFinished
	}
	if st != StatePaused {
		return st, fmt.Errorf("%w: resume in %s", ErrInvalidState, st)
	}
	// Drop a pause request that arrived after the engine paused.
	e.pollPause()
	if awaiting {
		e.setState(StateAwaitingInput)
		if err := e.save(ctx); err != nil {
			return e.crash(ctx, err)
		}
		e.cfg.Dispatcher.Business(ctx, e.scope, "session.resumed", "awaiting_input", true)
		e.notify(ctx, "")
		return StateAwaitingInput, nil
	}
	e.cfg.Dispatcher.Business(ctx, e.scope, "session.resumed", "awaiting_input", false)
	return e.run(ctx)
}

// Cancel terminates an engine that is not running. For a running engine it
// behaves like RequestCancel.
func (e *Engine) Cancel(ctx context.Context) (State, error) {
	st := e.State()
	if st.IsTerminal() {
		return st, ErrFinished
	}
	e.RequestCancel()
	if st == StateRunning {
		return st, nil
	}
	return e.terminate(ctx)
}

func (e *Engine) pollPause() (PauseRequest, bool) {
	select {
	case req := <-e.pauses:
		return req, true
	default:
		return PauseRequest{}, false
	}
}

func (e *Engine) pause(ctx context.Context, req PauseRequest) (State, error) {
	e.setState(StatePaused)
	if err := e.save(ctx); err != nil {
		return e.crash(ctx, err)
	}
	e.cfg.Dispatcher.Business(ctx, e.scope, "session.paused", "reason", req.Reason, "requested_by", req.RequestedBy)
	e.notify(ctx, "")
	return StatePaused, nil
}

// terminate moves the engine to Terminated and clears resume metadata.
func (e *Engine) terminate(ctx context.Context) (State, error) {
	e.mu.Lock()
	e.state = StateTerminated
	e.pending, e.awaiting, e.pendingTool = "", false, ""
	e.mu.Unlock()
	if err := e.save(ctx); err != nil {
		return StateTerminated, err
	}
	e.cfg.Dispatcher.Business(ctx, e.scope, "session.terminated", "turns", e.turns)
	e.notify(ctx, "")
	return StateTerminated, nil
}
