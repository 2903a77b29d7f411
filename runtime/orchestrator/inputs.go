package orchestrator

import (
	"context"
	"encoding/json"
)

// InputHandler adapts an Orchestrator to the transport input contract.
type InputHandler struct {
	o *Orchestrator
}

// Inputs returns the transport input handler of o.
func (o *Orchestrator) Inputs() InputHandler { return InputHandler{o: o} }

// SubmitUserInput implements transport.InputHandler.
func (h InputHandler) SubmitUserInput(ctx context.Context, tenantID, sessionID, content string) error {
	_, err := h.o.SubmitUserInput(ctx, tenantID, sessionID, content)
	return err
}

// SubmitToolResponse implements transport.InputHandler.
func (h InputHandler) SubmitToolResponse(ctx context.Context, tenantID, sessionID, toolID string, response json.RawMessage) error {
	_, err := h.o.SubmitToolResponse(ctx, tenantID, sessionID, toolID, response)
	return err
}
