package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/tools"
)

// registerTools installs the backend tools shipped with the command.
func registerTools(reg *tools.Registry) error {
	if err := reg.Register("echo", echoTool); err != nil {
		return err
	}
	return reg.Register("record_plan", recordPlanTool)
}

func echoTool(_ context.Context, payload json.RawMessage) (json.RawMessage, error) {
	return payload, nil
}

// recordPlanTool acknowledges a plan of named steps.
func recordPlanTool(_ context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var plan struct {
		Steps []string `json:"steps"`
	}
	if err := json.Unmarshal(payload, &plan); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	if len(plan.Steps) == 0 {
		return nil, errors.New("plan has no steps")
	}
	return json.Marshal(map[string]any{"recorded": true, "steps": len(plan.Steps)})
}
