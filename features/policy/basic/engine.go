// Package basic provides a tool policy that enforces optional allow/block
// lists in front of an engine.ToolInvoker. It covers the common case where
// operators want lightweight filtering of the backend tools agents may run
// without building a bespoke policy service.
package basic

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/engine"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/telemetry"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/tools"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/workflow"
)

// Options configures the basic policy engine.
type Options struct {
	// AllowTools explicitly allowlists tool names. Empty allows every tool
	// not blocked.
	AllowTools []string
	// BlockTools blocks tool names. Blocking takes precedence.
	BlockTools []string
	// BlockAgents blocks every tool call made on behalf of these agents.
	BlockAgents []string
	// Label annotates log entries; defaults to "basic".
	Label   string
	Logger  telemetry.Logger
	Metrics telemetry.Metrics
}

// Engine decides whether tool bindings may run.
type Engine struct {
	allowTools  map[string]struct{}
	blockTools  map[string]struct{}
	blockAgents map[string]struct{}
	label       string
	logger      telemetry.Logger
	metrics     telemetry.Metrics
}

type guarded struct {
	next   engine.ToolInvoker
	policy *Engine
}

// New builds a new Engine using the supplied options.
func New(opts Options) *Engine {
	label := strings.TrimSpace(opts.Label)
	if label == "" {
		label = "basic"
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	return &Engine{
		allowTools:  toSet(opts.AllowTools),
		blockTools:  toSet(opts.BlockTools),
		blockAgents: toSet(opts.BlockAgents),
		label:       label,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
	}
}

// Allowed reports whether b may run.
func (e *Engine) Allowed(b workflow.ToolBinding) bool {
	if _, blocked := e.blockTools[b.Name]; blocked {
		return false
	}
	if b.Agent != "" {
		if _, blocked := e.blockAgents[b.Agent]; blocked {
			return false
		}
	}
	if len(e.allowTools) > 0 {
		_, ok := e.allowTools[b.Name]
		return ok
	}
	return true
}

// Wrap returns a ToolInvoker enforcing the policy before delegating to next.
// Denied calls do not fail the session: they return an error document as the
// tool output so the calling agent can react.
func (e *Engine) Wrap(next engine.ToolInvoker) engine.ToolInvoker {
	return &guarded{next: next, policy: e}
}

func (g *guarded) InvokeTool(ctx context.Context, b workflow.ToolBinding, payload json.RawMessage) (tools.Result, error) {
	if !g.policy.Allowed(b) {
		g.policy.logger.Warn(ctx, "tool call denied by policy", "tool", b.Name, "agent", b.Agent, "policy", g.policy.label)
		g.policy.metrics.IncCounter("mozaiks.policy.denied", 1, "tool", b.Name, "policy", g.policy.label)
		out, _ := json.Marshal(map[string]string{"error": "tool " + b.Name + " is not allowed", "policy": g.policy.label})
		return tools.Result{Output: out}, nil
	}
	return g.next.InvokeTool(ctx, b, payload)
}

func toSet(values []string) map[string]struct{} {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			set[trimmed] = struct{}{}
		}
	}
	if len(set) == 0 {
		return nil
	}
	return set
}
