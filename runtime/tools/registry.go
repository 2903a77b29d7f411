// Package tools holds the backend tool handlers a runtime can invoke. Handlers
// are registered explicitly at startup; there is no reflection or global
// registration.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/failure"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/workflow"
)

type (
	// Handler executes one backend tool call. payload is the JSON input the
	// agent produced.
	Handler func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

	// Result is the outcome of a tool invocation.
	Result struct {
		Output   json.RawMessage
		Duration time.Duration
	}

	// Registry maps tool names to handlers. It is safe for concurrent use.
	Registry struct {
		mu       sync.RWMutex
		handlers map[string]Handler
		// DefaultTimeout bounds calls whose binding declares no timeout.
		DefaultTimeout time.Duration
	}
)

var (
	// ErrToolNotRegistered indicates no handler is registered for a binding.
	ErrToolNotRegistered = errors.New("tool not registered")
	// ErrDuplicateTool indicates a second registration under the same name.
	ErrDuplicateTool = errors.New("tool already registered")
)

// NewRegistry returns an empty registry with a 30s default timeout.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler), DefaultTimeout: 30 * time.Second}
}

// Register adds a handler under name.
func (r *Registry) Register(name string, h Handler) error {
	if name == "" || h == nil {
		return fmt.Errorf("register tool %q: name and handler are required", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, name)
	}
	r.handlers[name] = h
	return nil
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// InvokeTool runs the handler bound to b under the binding timeout. A
// deadline hit is reported as an ExternalCallTimeout failure.
func (r *Registry) InvokeTool(ctx context.Context, b workflow.ToolBinding, payload json.RawMessage) (Result, error) {
	r.mu.RLock()
	h, ok := r.handlers[b.Name]
	r.mu.RUnlock()
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrToolNotRegistered, b.Name)
	}
	timeout := r.DefaultTimeout
	if b.TimeoutSeconds > 0 {
		timeout = time.Duration(b.TimeoutSeconds) * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	out, err := h(cctx, payload)
	dur := time.Since(start)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(cctx.Err(), context.DeadlineExceeded) {
			return Result{Duration: dur}, failure.Wrap(failure.KindExternalCallTimeout, err, "tool "+b.Name)
		}
		return Result{Duration: dur}, fmt.Errorf("tool %s: %w", b.Name, err)
	}
	if len(out) == 0 {
		out = json.RawMessage("null")
	}
	return Result{Output: out, Duration: dur}, nil
}
