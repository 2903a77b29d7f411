// Package contextvars implements the per-session context variable store.
//
// Static and environment variables are resolved when the store is created.
// Derived variables are recomputed by Observe, a pure function of each new
// message. External lookup variables are fetched on first read through the
// injected Lookup and materialized into the snapshot, which doubles as the
// per-session lookup cache.
package contextvars

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"sync"

	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/event"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/workflow"
)

type (
	// Lookup fetches external context values. Implementations must be
	// read-only.
	Lookup interface {
		Fetch(ctx context.Context, spec workflow.VariableSpec, tenantID string) (any, error)
	}

	// LookupFunc adapts a function to Lookup.
	LookupFunc func(ctx context.Context, spec workflow.VariableSpec, tenantID string) (any, error)

	// Options configures a Store.
	Options struct {
		// Lookup resolves externalLookup variables. Required when the
		// workflow declares any.
		Lookup Lookup
		// Env resolves environment variables. Defaults to os.LookupEnv.
		Env func(key string) (string, bool)
	}

	// Store holds the context variables of one session. Its methods are safe
	// for concurrent use, although the engine drives a session sequentially.
	Store struct {
		def      *workflow.Definition
		tenantID string
		lookup   Lookup

		mu      sync.Mutex
		values  map[string]any
		fetched map[string]bool
	}
)

var (
	// ErrUnknownVariable is returned for undeclared variables.
	ErrUnknownVariable = errors.New("unknown context variable")
	// ErrNotWritable is returned by Set for static and environment variables.
	ErrNotWritable = errors.New("context variable is not writable")
	// ErrNoLookup is returned when an externalLookup variable is read without
	// a configured Lookup.
	ErrNoLookup = errors.New("no external lookup configured")
)

// Fetch implements Lookup.
func (f LookupFunc) Fetch(ctx context.Context, spec workflow.VariableSpec, tenantID string) (any, error) {
	return f(ctx, spec, tenantID)
}

// New creates the store of a new session, resolving defaults and environment
// variables.
func New(def *workflow.Definition, tenantID string, opts Options) *Store {
	env := opts.Env
	if env == nil {
		env = os.LookupEnv
	}
	s := newStore(def, tenantID, opts)
	for _, v := range def.Variables() {
		switch v.Source {
		case workflow.SourceEnvironment:
			if raw, ok := env(v.Env); ok {
				s.values[v.Name] = coerceEnv(v.Type, raw)
				continue
			}
			s.values[v.Name] = v.Default
		case workflow.SourceExternalLookup:
			if v.Default != nil {
				s.values[v.Name] = v.Default
			}
		default:
			s.values[v.Name] = v.Default
		}
	}
	return s
}

// Restore rebuilds the store of an existing session from its snapshot values.
// Values present in the snapshot are trusted; environment variables are not
// re-read and external lookups already materialized are not fetched again.
func Restore(def *workflow.Definition, tenantID string, values map[string]any, opts Options) *Store {
	s := newStore(def, tenantID, opts)
	for _, v := range def.Variables() {
		val, ok := values[v.Name]
		if v.Source == workflow.SourceExternalLookup {
			if ok && val != nil {
				s.values[v.Name] = val
				s.fetched[v.Name] = true
			}
			continue
		}
		if !ok {
			val = v.Default
		}
		s.values[v.Name] = val
	}
	return s
}

func newStore(def *workflow.Definition, tenantID string, opts Options) *Store {
	return &Store{
		def:      def,
		tenantID: tenantID,
		lookup:   opts.Lookup,
		values:   make(map[string]any),
		fetched:  make(map[string]bool),
	}
}

// Get returns the value of a variable, fetching external lookups on first
// read.
func (s *Store) Get(ctx context.Context, name string) (any, error) {
	spec, ok := s.def.Variable(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownVariable, name)
	}
	s.mu.Lock()
	val, cached := s.values[name]
	if spec.Source != workflow.SourceExternalLookup || s.fetched[name] {
		s.mu.Unlock()
		return val, nil
	}
	s.mu.Unlock()

	if s.lookup == nil {
		if cached {
			return val, nil
		}
		return nil, fmt.Errorf("%w: %q", ErrNoLookup, name)
	}
	fetched, err := s.lookup.Fetch(ctx, spec, s.tenantID)
	if err != nil {
		return nil, fmt.Errorf("lookup %q: %w", name, err)
	}
	if err := workflow.CheckType(spec.Type, fetched); err != nil {
		return nil, fmt.Errorf("lookup %q: %w", name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fetched[name] {
		return s.values[name], nil
	}
	s.values[name] = fetched
	s.fetched[name] = true
	return fetched, nil
}

// Peek returns the current value without triggering lookups.
func (s *Store) Peek(name string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[name]
	return v, ok
}

// Set assigns a derived or externalLookup variable.
func (s *Store) Set(name string, value any) error {
	spec, ok := s.def.Variable(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownVariable, name)
	}
	if spec.Source != workflow.SourceDerived && spec.Source != workflow.SourceExternalLookup {
		return fmt.Errorf("%w: %q is %s", ErrNotWritable, name, spec.Source)
	}
	if err := workflow.CheckType(spec.Type, value); err != nil {
		return fmt.Errorf("set %q: %w", name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[name] = value
	if spec.Source == workflow.SourceExternalLookup {
		s.fetched[name] = true
	}
	return nil
}

// Observe recomputes derived variables for a newly appended message and
// returns the names of the variables whose value changed.
func (s *Store) Observe(msg event.Message) []string {
	var changed []string
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.def.Variables() {
		if v.Source != workflow.SourceDerived || v.Trigger == nil {
			continue
		}
		if !v.Trigger.Match(msg.Sender, msg.Content) {
			continue
		}
		next := v.Trigger.Assigned()
		if workflow.ValuesEqual(s.values[v.Name], next) {
			continue
		}
		s.values[v.Name] = next
		changed = append(changed, v.Name)
	}
	return changed
}

// Snapshot returns a copy of the current values.
func (s *Store) Snapshot() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.values)
}

// Getter returns a lookup function suitable for condition evaluation. It
// reads materialized values only.
func (s *Store) Getter() func(name string) (any, bool) {
	return s.Peek
}

func coerceEnv(t workflow.VarType, raw string) any {
	switch t {
	case workflow.TypeBool:
		switch raw {
		case "1", "true", "TRUE", "True", "yes":
			return true
		default:
			return false
		}
	case workflow.TypeInt:
		var n int64
		if _, err := fmt.Sscan(raw, &n); err == nil {
			return n
		}
	case workflow.TypeFloat:
		var f float64
		if _, err := fmt.Sscan(raw, &f); err == nil {
			return f
		}
	}
	return raw
}
