package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/event"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/failure"
)

type (
	manifest struct {
		Name      string        `yaml:"name"`
		Entry     string        `yaml:"entry"`
		MaxTurns  int           `yaml:"maxTurns"`
		Agents    []agentDoc    `yaml:"agents"`
		Handoffs  []handoffDoc  `yaml:"handoffs"`
		Tools     []toolDoc     `yaml:"tools"`
		Variables []variableDoc `yaml:"variables"`
	}

	agentDoc struct {
		Name                    string   `yaml:"name"`
		Instruction             string   `yaml:"instruction"`
		AcceptsStructuredOutput bool     `yaml:"acceptsStructuredOutput"`
		AutoToolMode            bool     `yaml:"autoToolMode"`
		Visible                 *bool    `yaml:"visible"`
		Tool                    string   `yaml:"tool"`
		OutputSchema            any      `yaml:"outputSchema"`
		HiddenTriggers          []string `yaml:"hiddenTriggers"`
	}

	handoffDoc struct {
		Source    string        `yaml:"source"`
		Target    string        `yaml:"target"`
		Condition *conditionDoc `yaml:"condition"`
	}

	conditionDoc struct {
		Variable  string
		Equals    any
		HasEquals bool
		Not       bool
	}

	toolDoc struct {
		Name           string `yaml:"name"`
		Kind           string `yaml:"kind"`
		Agent          string `yaml:"agent"`
		TimeoutSeconds int    `yaml:"timeoutSeconds"`
		Description    string `yaml:"description"`
	}

	variableDoc struct {
		Name    string      `yaml:"name"`
		Type    string      `yaml:"type"`
		Source  string      `yaml:"source"`
		Default any         `yaml:"default"`
		Env     string      `yaml:"env"`
		Key     string      `yaml:"key"`
		Trigger *triggerDoc `yaml:"trigger"`
	}

	triggerDoc struct {
		Agent        string `yaml:"agent"`
		TextEquals   string `yaml:"textEquals"`
		TextContains string `yaml:"textContains"`
		Value        any    `yaml:"value"`
	}
)

// UnmarshalYAML records whether "equals" was present so an explicit null can
// be compared against.
func (c *conditionDoc) UnmarshalYAML(n *yaml.Node) error {
	var raw map[string]any
	if err := n.Decode(&raw); err != nil {
		return err
	}
	if v, ok := raw["variable"].(string); ok {
		c.Variable = v
	}
	c.Equals, c.HasEquals = raw["equals"]
	if v, ok := raw["not"].(bool); ok {
		c.Not = v
	}
	return nil
}

// Parse decodes and validates a YAML manifest. name overrides the manifest
// name when the manifest omits it. Validation failures are reported as a
// single failure.KindDefinitionInvalid error joining every problem found.
func Parse(name string, data []byte) (*Definition, error) {
	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, failure.Wrap(failure.KindDefinitionInvalid, err, fmt.Sprintf("workflow %q: decode manifest", name))
	}
	if m.Name == "" {
		m.Name = name
	}
	def, problems := build(m)
	if len(problems) > 0 {
		return nil, failure.Wrap(failure.KindDefinitionInvalid, errors.Join(problems...), fmt.Sprintf("workflow %q", m.Name))
	}
	def.hash = contentHash(data)
	return def, nil
}

func build(m manifest) (*Definition, []error) {
	var problems []error
	fail := func(format string, args ...any) {
		problems = append(problems, fmt.Errorf(format, args...))
	}

	d := &Definition{
		name:     m.Name,
		entry:    m.Entry,
		maxTurns: m.MaxTurns,
		agents:   make(map[string]AgentSpec, len(m.Agents)),
		rules:    make(map[string][]HandoffRule),
		tools:    make(map[string]ToolBinding, len(m.Tools)),
		varIndex: make(map[string]int, len(m.Variables)),
		schemas:  make(map[string]*jsonschema.Schema),
	}
	if d.name == "" {
		fail("name is required")
	}
	if d.maxTurns < 0 {
		fail("maxTurns must be positive")
	}
	if d.maxTurns == 0 {
		d.maxTurns = DefaultMaxTurns
	}
	if len(m.Agents) == 0 {
		fail("at least one agent is required")
	}

	for _, t := range m.Tools {
		if t.Name == "" {
			fail("tool name is required")
			continue
		}
		if _, dup := d.tools[t.Name]; dup {
			fail("tool %q declared twice", t.Name)
			continue
		}
		kind := ToolKind(t.Kind)
		if kind == "" {
			kind = ToolBackend
		}
		if kind != ToolBackend && kind != ToolUI {
			fail("tool %q: unknown kind %q", t.Name, t.Kind)
		}
		d.tools[t.Name] = ToolBinding{
			Name:           t.Name,
			Kind:           kind,
			Agent:          t.Agent,
			TimeoutSeconds: t.TimeoutSeconds,
			Description:    t.Description,
		}
	}

	for _, a := range m.Agents {
		if a.Name == "" {
			fail("agent name is required")
			continue
		}
		if isReserved(a.Name) {
			fail("agent name %q is reserved", a.Name)
			continue
		}
		if _, dup := d.agents[a.Name]; dup {
			fail("agent %q declared twice", a.Name)
			continue
		}
		spec := AgentSpec{
			Name:                    a.Name,
			Instruction:             a.Instruction,
			AcceptsStructuredOutput: a.AcceptsStructuredOutput,
			AutoToolMode:            a.AutoToolMode,
			Visible:                 a.Visible == nil || *a.Visible,
			Tool:                    a.Tool,
			HiddenTriggers:          a.HiddenTriggers,
		}
		if a.Tool != "" {
			tb, ok := d.tools[a.Tool]
			switch {
			case !ok:
				fail("agent %q: tool %q is not declared", a.Name, a.Tool)
			case a.AutoToolMode && tb.Kind != ToolBackend:
				fail("agent %q: auto tool %q must be a backend tool", a.Name, a.Tool)
			}
		}
		if a.AutoToolMode && a.Tool == "" {
			fail("agent %q: autoToolMode requires a bound tool", a.Name)
		}
		if a.AutoToolMode && !a.AcceptsStructuredOutput {
			fail("agent %q: autoToolMode requires acceptsStructuredOutput", a.Name)
		}
		if a.OutputSchema != nil {
			raw, schema, err := compileSchema(a.Name, a.OutputSchema)
			if err != nil {
				fail("agent %q: output schema: %w", a.Name, err)
			} else {
				spec.OutputSchema = raw
				d.schemas[a.Name] = schema
			}
		}
		d.agents[a.Name] = spec
		d.order = append(d.order, a.Name)
	}

	for _, t := range d.tools {
		if t.Agent != "" {
			if _, ok := d.agents[t.Agent]; !ok {
				fail("tool %q: agent %q is not declared", t.Name, t.Agent)
			}
		}
	}

	if d.entry == "" && len(d.order) > 0 {
		d.entry = d.order[0]
	}
	if _, ok := d.agents[d.entry]; d.entry != "" && !ok {
		fail("entry agent %q is not declared", d.entry)
	}

	for _, v := range m.Variables {
		spec, err := buildVariable(v, d.agents)
		if err != nil {
			fail("%w", err)
			continue
		}
		if _, dup := d.varIndex[spec.Name]; dup {
			fail("variable %q declared twice", spec.Name)
			continue
		}
		d.varIndex[spec.Name] = len(d.vars)
		d.vars = append(d.vars, spec)
	}

	for i, h := range m.Handoffs {
		if _, ok := d.agents[h.Source]; !ok {
			fail("handoff %d: source agent %q is not declared", i, h.Source)
			continue
		}
		target, err := parseTarget(h.Target, d.agents)
		if err != nil {
			fail("handoff %d (%s): %w", i, h.Source, err)
			continue
		}
		rule := HandoffRule{Source: h.Source, Target: target}
		if h.Condition != nil {
			if _, ok := d.varIndex[h.Condition.Variable]; !ok {
				fail("handoff %d (%s): condition variable %q is not declared", i, h.Source, h.Condition.Variable)
				continue
			}
			rule.Condition = &Condition{
				Variable:  h.Condition.Variable,
				Equals:    h.Condition.Equals,
				HasEquals: h.Condition.HasEquals,
				Not:       h.Condition.Not,
			}
		}
		d.rules[h.Source] = append(d.rules[h.Source], rule)
	}

	if _, ok := d.agents[d.entry]; ok {
		reached := reachable(d)
		for _, name := range d.order {
			if !reached[name] {
				fail("agent %q is unreachable from entry agent %q", name, d.entry)
			}
		}
	}
	return d, problems
}

func buildVariable(v variableDoc, agents map[string]AgentSpec) (VariableSpec, error) {
	if v.Name == "" {
		return VariableSpec{}, errors.New("variable name is required")
	}
	spec := VariableSpec{
		Name:    v.Name,
		Type:    VarType(v.Type),
		Source:  SourceKind(v.Source),
		Default: v.Default,
		Env:     v.Env,
		Key:     v.Key,
	}
	if spec.Source == "" {
		spec.Source = SourceStatic
	}
	switch spec.Type {
	case TypeString, TypeInt, TypeFloat, TypeBool, TypeObject, TypeList:
	default:
		return VariableSpec{}, fmt.Errorf("variable %q: unknown type %q", v.Name, v.Type)
	}
	switch spec.Source {
	case SourceStatic, SourceExternalLookup:
	case SourceEnvironment:
		if spec.Env == "" {
			spec.Env = v.Name
		}
	case SourceDerived:
		if v.Trigger == nil {
			return VariableSpec{}, fmt.Errorf("variable %q: derived variables require a trigger", v.Name)
		}
		if v.Trigger.TextEquals == "" && v.Trigger.TextContains == "" {
			return VariableSpec{}, fmt.Errorf("variable %q: trigger requires textEquals or textContains", v.Name)
		}
		if a := v.Trigger.Agent; a != "" && a != event.UserSender {
			if _, ok := agents[a]; !ok {
				return VariableSpec{}, fmt.Errorf("variable %q: trigger agent %q is not declared", v.Name, a)
			}
		}
		spec.Trigger = &Trigger{
			Agent:        v.Trigger.Agent,
			TextEquals:   v.Trigger.TextEquals,
			TextContains: v.Trigger.TextContains,
			Value:        v.Trigger.Value,
		}
		if v.Trigger.Value != nil {
			if err := CheckType(spec.Type, v.Trigger.Value); err != nil {
				return VariableSpec{}, fmt.Errorf("variable %q: trigger value: %w", v.Name, err)
			}
		} else if spec.Type != TypeBool {
			return VariableSpec{}, fmt.Errorf("variable %q: trigger value is required for type %s", v.Name, spec.Type)
		}
	default:
		return VariableSpec{}, fmt.Errorf("variable %q: unknown source %q", v.Name, v.Source)
	}
	if v.Default != nil {
		if err := CheckType(spec.Type, v.Default); err != nil {
			return VariableSpec{}, fmt.Errorf("variable %q: default: %w", v.Name, err)
		}
	}
	return spec, nil
}

func parseTarget(s string, agents map[string]AgentSpec) (Target, error) {
	switch TargetKind(s) {
	case TargetTerminate:
		return Target{Kind: TargetTerminate}, nil
	case TargetRevertToCaller:
		return Target{Kind: TargetRevertToCaller}, nil
	}
	if s == "" {
		return Target{}, errors.New("target is required")
	}
	if _, ok := agents[s]; !ok {
		return Target{}, fmt.Errorf("target agent %q is not declared", s)
	}
	return Target{Kind: TargetAgent, Agent: s}, nil
}

func reachable(d *Definition) map[string]bool {
	seen := map[string]bool{d.entry: true}
	queue := []string{d.entry}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, r := range d.rules[cur] {
			if r.Target.Kind != TargetAgent || seen[r.Target.Agent] {
				continue
			}
			seen[r.Target.Agent] = true
			queue = append(queue, r.Target.Agent)
		}
	}
	return seen
}

func isReserved(name string) bool {
	return slices.Contains([]string{string(TargetTerminate), string(TargetRevertToCaller), event.UserSender}, name)
}

// compileSchema converts a YAML-decoded schema to JSON and compiles it.
func compileSchema(agent string, doc any) (json.RawMessage, *jsonschema.Schema, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, nil, fmt.Errorf("encode schema: %w", err)
	}
	var schemaDoc any
	if err := json.Unmarshal(raw, &schemaDoc); err != nil {
		return nil, nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", schemaDoc); err != nil {
		return nil, nil, fmt.Errorf("add schema resource for %s: %w", agent, err)
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return nil, nil, fmt.Errorf("compile schema: %w", err)
	}
	return raw, schema, nil
}

// CheckType reports whether v is a valid value for t. Integral floats are
// accepted for TypeInt since values decoded from JSON carry no integer type.
func CheckType(t VarType, v any) error {
	if v == nil {
		return nil
	}
	ok := false
	switch t {
	case TypeString:
		_, ok = v.(string)
	case TypeBool:
		_, ok = v.(bool)
	case TypeInt:
		switch x := v.(type) {
		case int, int32, int64:
			ok = true
		case float64:
			ok = x == math.Trunc(x)
		}
	case TypeFloat:
		switch v.(type) {
		case int, int32, int64, float32, float64:
			ok = true
		}
	case TypeObject:
		_, ok = v.(map[string]any)
	case TypeList:
		_, ok = v.([]any)
	}
	if !ok {
		return fmt.Errorf("value of type %T is not a valid %s", v, t)
	}
	return nil
}
