// Package event defines the raw agent events produced by agent invocations and
// the normalized messages recorded in a session log.
//
// Raw is a closed tagged union: only the types declared in this package
// implement it, so consumers can switch over all variants exhaustively.
package event

import (
	"bytes"
	"encoding/json"
	"time"
)

type (
	// Raw is one event produced by an agent turn. The variants are Text,
	// ToolCall, StructuredOutput, InputRequest and RunComplete.
	Raw interface {
		// AgentName returns the agent that produced the event.
		AgentName() string
		// Kind returns the message kind the event normalizes to.
		Kind() Kind

		isRaw()
	}

	// Text is free-form agent text.
	Text struct {
		Agent   string
		Content string
		// Echo marks text that repeats a structured payload already emitted
		// through an automatic tool call. Set by the engine.
		Echo bool
	}

	// ToolCall is a tool invocation requested by an agent, or the response
	// of a tool invoked on its behalf when Result is set.
	ToolCall struct {
		Agent  string
		ToolID string
		Name   string
		Args   json.RawMessage
		// Result holds the tool output once the tool ran.
		Result json.RawMessage
		// Auto is true when the call was triggered by auto-tool mode.
		Auto bool
	}

	// StructuredOutput is an agent response meant to be validated against the
	// agent's declared schema.
	StructuredOutput struct {
		Agent   string
		Payload json.RawMessage
	}

	// InputRequest asks the human for input before the agent continues.
	InputRequest struct {
		Agent  string
		Prompt string
	}

	// RunComplete signals the agent considers the workflow finished.
	RunComplete struct {
		Agent   string
		Summary string
	}
)

// Kind enumerates message kinds.
type Kind string

const (
	// KindText is free-form text.
	KindText Kind = "text"
	// KindToolCall is a tool call or tool response.
	KindToolCall Kind = "toolCall"
	// KindStructuredOutput is schema-validated output.
	KindStructuredOutput Kind = "structuredOutput"
	// KindInputRequest is a request for human input.
	KindInputRequest Kind = "inputRequest"
	// KindRunComplete is a completion signal.
	KindRunComplete Kind = "runComplete"
)

// Role identifies who authored a message.
type Role string

const (
	// RoleUser is the human participant.
	RoleUser Role = "user"
	// RoleAgent is a workflow agent.
	RoleAgent Role = "agent"
	// RoleTool is a tool response produced on behalf of an agent.
	RoleTool Role = "tool"
)

// UserSender is the sender name recorded on user messages.
const UserSender = "user"

func (e Text) AgentName() string             { return e.Agent }
func (e ToolCall) AgentName() string         { return e.Agent }
func (e StructuredOutput) AgentName() string { return e.Agent }
func (e InputRequest) AgentName() string     { return e.Agent }
func (e RunComplete) AgentName() string      { return e.Agent }

func (Text) Kind() Kind             { return KindText }
func (ToolCall) Kind() Kind         { return KindToolCall }
func (StructuredOutput) Kind() Kind { return KindStructuredOutput }
func (InputRequest) Kind() Kind     { return KindInputRequest }
func (RunComplete) Kind() Kind      { return KindRunComplete }

func (Text) isRaw()             {}
func (ToolCall) isRaw()         {}
func (StructuredOutput) isRaw() {}
func (InputRequest) isRaw()     {}
func (RunComplete) isRaw()      {}

type (
	// Message is one entry of a session's append-only log.
	Message struct {
		// Sequence is strictly increasing and gapless within a session,
		// starting at 1.
		Sequence int64 `json:"sequence" bson:"sequence"`
		// Role identifies the author.
		Role Role `json:"role" bson:"role"`
		// Sender is the agent name, or UserSender.
		Sender string `json:"sender" bson:"sender"`
		// Kind is the normalized event kind.
		Kind Kind `json:"kind" bson:"kind"`
		// Content is the text content.
		Content string `json:"content,omitempty" bson:"content,omitempty"`
		// Payload is the structured payload (structured output, tool args and
		// result).
		Payload json.RawMessage `json:"payload,omitempty" bson:"payload,omitempty"`
		// ToolID identifies the tool for toolCall messages.
		ToolID string `json:"toolId,omitempty" bson:"tool_id,omitempty"`
		// Visible reports whether the sender is in the workflow's visible set.
		Visible bool `json:"visible" bson:"visible"`
		// Hidden reports whether the content matched a hidden-trigger sentinel.
		Hidden bool `json:"hidden,omitempty" bson:"hidden,omitempty"`
		// Echo reports whether the message duplicates an auto-tool emission.
		Echo bool `json:"echo,omitempty" bson:"echo,omitempty"`
		// Timestamp is when the message was normalized (UTC).
		Timestamp time.Time `json:"timestamp" bson:"timestamp"`
	}

	// Usage reports token consumption for one agent invocation.
	Usage struct {
		Model        string
		InputTokens  int64
		OutputTokens int64
		// Cost is the cost reported by the invoker, in the invoker's currency.
		Cost float64
	}
)

// Tokens returns the total token count.
func (u Usage) Tokens() int64 { return u.InputTokens + u.OutputTokens }

// Add returns the sum of u and o. The model of u wins when set.
func (u Usage) Add(o Usage) Usage {
	model := u.Model
	if model == "" {
		model = o.Model
	}
	return Usage{
		Model:        model,
		InputTokens:  u.InputTokens + o.InputTokens,
		OutputTokens: u.OutputTokens + o.OutputTokens,
		Cost:         u.Cost + o.Cost,
	}
}

// Canonical returns the canonical JSON encoding of doc (object keys sorted,
// insignificant whitespace removed). ok is false when doc is not valid JSON.
func Canonical(doc []byte) (string, bool) {
	doc = bytes.TrimSpace(doc)
	if len(doc) == 0 {
		return "", false
	}
	var v any
	if err := json.Unmarshal(doc, &v); err != nil {
		return "", false
	}
	out, err := json.Marshal(v)
	if err != nil {
		return "", false
	}
	return string(out), true
}
