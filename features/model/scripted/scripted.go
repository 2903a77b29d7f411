// Package scripted provides a deterministic engine.AgentInvoker that replays
// canned replies per agent. It backs offline runs of the server and
// end-to-end tests.
//
// Scripts are YAML documents mapping agent names to reply lists:
//
//	Planner:
//	  - text: "Let me plan this."
//	  - structured: {steps: [a, b]}
//	Reviewer:
//	  - inputRequest: "Approve?"
//	  - runComplete: "approved"
//
// Each invocation of an agent consumes the next reply; the last reply repeats
// once the list is exhausted. Agents without replies answer "ok".
package scripted

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/engine"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/event"
)

type (
	// Reply is one canned agent reply. Exactly one field should be set.
	Reply struct {
		Text         string         `yaml:"text"`
		Structured   map[string]any `yaml:"structured"`
		ToolCall     *ToolCall      `yaml:"toolCall"`
		InputRequest string         `yaml:"inputRequest"`
		RunComplete  string         `yaml:"runComplete"`
	}

	// ToolCall is a scripted tool request.
	ToolCall struct {
		Name string         `yaml:"name"`
		Args map[string]any `yaml:"args"`
	}

	// Invoker replays scripted replies.
	Invoker struct {
		replies map[string][]Reply

		mu    sync.Mutex
		calls map[string]int
	}
)

var _ engine.AgentInvoker = (*Invoker)(nil)

// New returns an invoker replaying replies.
func New(replies map[string][]Reply) *Invoker {
	return &Invoker{replies: replies, calls: make(map[string]int)}
}

// Parse decodes a YAML script.
func Parse(data []byte) (*Invoker, error) {
	var replies map[string][]Reply
	if err := yaml.Unmarshal(data, &replies); err != nil {
		return nil, fmt.Errorf("parse script: %w", err)
	}
	return New(replies), nil
}

// Load reads and decodes the YAML script at path.
func Load(path string) (*Invoker, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}
	return Parse(data)
}

// Invoke implements engine.AgentInvoker.
func (s *Invoker) Invoke(ctx context.Context, req engine.InvokeRequest) (engine.InvokeResult, error) {
	if err := ctx.Err(); err != nil {
		return engine.InvokeResult{}, err
	}
	agent := req.Agent.Name
	s.mu.Lock()
	i := s.calls[req.SessionID+"/"+agent]
	s.calls[req.SessionID+"/"+agent]++
	s.mu.Unlock()

	replies := s.replies[agent]
	if len(replies) == 0 {
		return result(event.Text{Agent: agent, Content: "ok"}), nil
	}
	r := replies[min(i, len(replies)-1)]
	ev, err := r.event(agent, fmt.Sprintf("%s-%d", agent, i+1))
	if err != nil {
		return engine.InvokeResult{}, err
	}
	return result(ev), nil
}

func (r Reply) event(agent, toolID string) (event.Raw, error) {
	switch {
	case r.Structured != nil:
		payload, err := json.Marshal(r.Structured)
		if err != nil {
			return nil, fmt.Errorf("encode structured reply of %q: %w", agent, err)
		}
		return event.StructuredOutput{Agent: agent, Payload: payload}, nil
	case r.ToolCall != nil:
		args, err := json.Marshal(r.ToolCall.Args)
		if err != nil {
			return nil, fmt.Errorf("encode tool call of %q: %w", agent, err)
		}
		return event.ToolCall{Agent: agent, ToolID: toolID, Name: r.ToolCall.Name, Args: args}, nil
	case r.InputRequest != "":
		return event.InputRequest{Agent: agent, Prompt: r.InputRequest}, nil
	case r.RunComplete != "":
		return event.RunComplete{Agent: agent, Summary: r.RunComplete}, nil
	default:
		return event.Text{Agent: agent, Content: r.Text}, nil
	}
}

func result(ev event.Raw) engine.InvokeResult {
	return engine.InvokeResult{
		Events: []event.Raw{ev},
		Usage:  event.Usage{Model: "scripted"},
	}
}
