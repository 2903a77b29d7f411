package workflow

import (
	"encoding/json"
	"reflect"
	"strings"
)

// Condition tests one context variable.
type Condition struct {
	// Variable is the context variable to test.
	Variable string
	// Equals, when set, requires the variable to equal the value. Otherwise
	// the variable is tested for truthiness.
	Equals any
	// HasEquals distinguishes an explicit null Equals from an absent one.
	HasEquals bool
	// Not negates the result.
	Not bool
}

// Eval evaluates the condition against a variable lookup. Eval is pure: the
// same lookup results always produce the same answer.
func (c Condition) Eval(get func(name string) (any, bool)) bool {
	v, _ := get(c.Variable)
	var ok bool
	if c.HasEquals {
		ok = ValuesEqual(v, c.Equals)
	} else {
		ok = Truthy(v)
	}
	if c.Not {
		return !ok
	}
	return ok
}

// Match reports whether the trigger fires for a message of the given sender
// and content.
func (t Trigger) Match(sender, content string) bool {
	if t.Agent != "" && t.Agent != sender {
		return false
	}
	trimmed := strings.TrimSpace(content)
	switch {
	case t.TextEquals != "":
		return trimmed == t.TextEquals
	case t.TextContains != "":
		return strings.Contains(content, t.TextContains)
	default:
		return false
	}
}

// Assigned returns the value assigned when the trigger fires.
func (t Trigger) Assigned() any {
	if t.Value == nil {
		return true
	}
	return t.Value
}

// Truthy reports whether v is considered true by conditions.
func Truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case int:
		return x != 0
	case int64:
		return x != 0
	case float64:
		return x != 0
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map, reflect.Slice, reflect.Array:
		return rv.Len() > 0
	default:
		return true
	}
}

// ValuesEqual compares two context values by their JSON representation so
// values that went through persistence (where integers become floats and
// documents become generic maps) compare equal to their originals.
func ValuesEqual(a, b any) bool {
	return reflect.DeepEqual(Normalize(a), Normalize(b))
}

// Normalize returns the JSON round-tripped form of v. Values that cannot be
// encoded are returned unchanged.
func Normalize(v any) any {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return v
	}
	return out
}

// Resolve selects the handoff target of agent. Conditional rules are
// evaluated in declaration order and the first one that holds wins; when none
// does, the first unconditional rule applies. ok is false when nothing
// matches.
func (d *Definition) Resolve(agent string, get func(name string) (any, bool)) (Target, bool) {
	var fallback *HandoffRule
	for i := range d.rules[agent] {
		r := &d.rules[agent][i]
		if r.Condition == nil {
			if fallback == nil {
				fallback = r
			}
			continue
		}
		if r.Condition.Eval(get) {
			return r.Target, true
		}
	}
	if fallback != nil {
		return fallback.Target, true
	}
	return Target{}, false
}
