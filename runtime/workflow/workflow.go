// Package workflow defines immutable multi-agent workflow definitions and the
// loader that parses, validates and caches them.
//
// Contract:
//   - A Definition is built once by the Loader and never mutated afterwards.
//     It is safe to share across sessions and goroutines.
//   - Accessors return copies; callers cannot alter a shared Definition.
//   - Handoff rules are kept in declaration order. The first rule whose
//     condition holds wins; a rule without a condition is the fallback.
//   - Cycles between agents are legal. They are bounded by MaxTurns.
package workflow

import (
	"encoding/json"
	"slices"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

type (
	// AgentSpec describes one agent node.
	AgentSpec struct {
		// Name uniquely identifies the agent within the workflow.
		Name string
		// Instruction is the system prompt template.
		Instruction string
		// AcceptsStructuredOutput enables structured output validation.
		AcceptsStructuredOutput bool
		// AutoToolMode invokes Tool automatically with the agent's structured
		// output.
		AutoToolMode bool
		// Visible reports whether the agent's turns are delivered to clients.
		Visible bool
		// Tool is the tool bound to the agent for auto-tool mode.
		Tool string
		// OutputSchema is the JSON schema document for structured output.
		OutputSchema json.RawMessage
		// HiddenTriggers lists sentinel contents never delivered to clients.
		HiddenTriggers []string
	}

	// HandoffRule is a directed edge of the agent graph.
	HandoffRule struct {
		// Source is the agent the rule applies to.
		Source string
		// Condition gates the rule. Nil means unconditional.
		Condition *Condition
		// Target is the transition taken when the rule matches.
		Target Target
	}

	// Target is the destination of a handoff.
	Target struct {
		Kind TargetKind
		// Agent is set when Kind is TargetAgent.
		Agent string
	}

	// ToolBinding declares a tool agents may call.
	ToolBinding struct {
		Name string
		Kind ToolKind
		// Agent optionally restricts the tool to one agent.
		Agent string
		// TimeoutSeconds bounds one invocation. Zero uses the engine default.
		TimeoutSeconds int
		// Description is informational.
		Description string
	}

	// VariableSpec declares a context variable.
	VariableSpec struct {
		Name   string
		Type   VarType
		Source SourceKind
		// Default is the initial value.
		Default any
		// Env names the environment variable for SourceEnvironment.
		Env string
		// Trigger drives SourceDerived variables.
		Trigger *Trigger
		// Key is passed to the lookup collaborator for SourceExternalLookup.
		Key string
	}

	// Trigger sets a derived variable when a message matches.
	Trigger struct {
		// Agent restricts matching to one sender. Empty matches any sender.
		Agent string
		// TextEquals matches the exact (trimmed) message content.
		TextEquals string
		// TextContains matches a substring of the message content.
		TextContains string
		// Value is assigned when the trigger matches. Nil assigns true.
		Value any
	}

	// Definition is an immutable parsed workflow.
	Definition struct {
		name     string
		hash     string
		entry    string
		maxTurns int
		agents   map[string]AgentSpec
		order    []string
		rules    map[string][]HandoffRule
		tools    map[string]ToolBinding
		vars     []VariableSpec
		varIndex map[string]int
		schemas  map[string]*jsonschema.Schema
	}
)

// TargetKind enumerates handoff target kinds.
type TargetKind string

const (
	// TargetAgent hands the conversation to another agent.
	TargetAgent TargetKind = "agent"
	// TargetTerminate ends the workflow.
	TargetTerminate TargetKind = "terminate"
	// TargetRevertToCaller pauses for human input.
	TargetRevertToCaller TargetKind = "revertToCaller"
)

// ToolKind enumerates tool kinds.
type ToolKind string

const (
	// ToolBackend tools run server side through the tool collaborator.
	ToolBackend ToolKind = "backend"
	// ToolUI tools are rendered by the client and answered with ui.tool.response.
	ToolUI ToolKind = "ui"
)

// VarType enumerates context variable types.
type VarType string

const (
	TypeString VarType = "string"
	TypeInt    VarType = "int"
	TypeFloat  VarType = "float"
	TypeBool   VarType = "bool"
	TypeObject VarType = "object"
	TypeList   VarType = "list"
)

// SourceKind enumerates context variable sources.
type SourceKind string

const (
	SourceStatic         SourceKind = "static"
	SourceEnvironment    SourceKind = "environment"
	SourceDerived        SourceKind = "derived"
	SourceExternalLookup SourceKind = "externalLookup"
)

// DefaultMaxTurns is used when a manifest does not set maxTurns.
const DefaultMaxTurns = 20

// Name returns the workflow name.
func (d *Definition) Name() string { return d.name }

// Hash returns the content hash of the manifest the definition was built from.
func (d *Definition) Hash() string { return d.hash }

// Entry returns the entry agent name.
func (d *Definition) Entry() string { return d.entry }

// MaxTurns returns the turn budget of a session.
func (d *Definition) MaxTurns() int { return d.maxTurns }

// Agent returns the named agent.
func (d *Definition) Agent(name string) (AgentSpec, bool) {
	a, ok := d.agents[name]
	if !ok {
		return AgentSpec{}, false
	}
	a.HiddenTriggers = slices.Clone(a.HiddenTriggers)
	a.OutputSchema = slices.Clone(a.OutputSchema)
	return a, true
}

// Agents returns the agent names in declaration order.
func (d *Definition) Agents() []string { return slices.Clone(d.order) }

// Rules returns the handoff rules of agent in declaration order.
func (d *Definition) Rules(agent string) []HandoffRule { return slices.Clone(d.rules[agent]) }

// Tool returns the named tool binding.
func (d *Definition) Tool(name string) (ToolBinding, bool) {
	t, ok := d.tools[name]
	return t, ok
}

// Variables returns the declared context variables in declaration order.
func (d *Definition) Variables() []VariableSpec { return slices.Clone(d.vars) }

// Variable returns the named context variable.
func (d *Definition) Variable(name string) (VariableSpec, bool) {
	i, ok := d.varIndex[name]
	if !ok {
		return VariableSpec{}, false
	}
	return d.vars[i], true
}

// IsVisible reports whether agent belongs to the visible-agent set.
func (d *Definition) IsVisible(agent string) bool {
	return d.agents[agent].Visible
}

// IsHiddenTrigger reports whether content is a hidden-trigger sentinel of
// agent.
func (d *Definition) IsHiddenTrigger(agent, content string) bool {
	a, ok := d.agents[agent]
	if !ok {
		return false
	}
	return slices.Contains(a.HiddenTriggers, content)
}

// Schema returns the compiled output schema of agent, or nil.
func (d *Definition) Schema(agent string) *jsonschema.Schema {
	return d.schemas[agent]
}

// IsTerminal reports whether the target ends or suspends the session.
func (t Target) IsTerminal() bool { return t.Kind != TargetAgent }

// String returns the target as written in manifests.
func (t Target) String() string {
	if t.Kind == TargetAgent {
		return t.Agent
	}
	return string(t.Kind)
}
