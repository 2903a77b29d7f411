// Package prompt converts engine invocations into provider-neutral prompts and
// decodes provider replies back into raw agent events. The Anthropic and
// OpenAI adapters share it.
package prompt

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/engine"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/event"
)

// ErrRateLimited is wrapped by adapters when the provider rejects a call with
// a rate limiting status.
var ErrRateLimited = errors.New("model: rate limited")

type (
	// Prompt is the provider-neutral rendering of one invocation.
	Prompt struct {
		// System is the system prompt.
		System string
		// Turns is the conversation, oldest first. Consecutive turns of the
		// same role are merged.
		Turns []Turn
	}

	// Turn is one conversation entry.
	Turn struct {
		// User is true for user-authored turns, false for assistant turns.
		User bool
		Text string
	}

	// Pricing converts token counts into a cost in dollars.
	Pricing struct {
		// InputPerMTok is the price of one million input tokens.
		InputPerMTok float64
		// OutputPerMTok is the price of one million output tokens.
		OutputPerMTok float64
	}
)

// Build renders req into a Prompt. The system prompt is the agent instruction
// followed by the context snapshot and, for structured output agents, the
// output schema. Messages authored by other agents are attributed by name so
// that the invoked agent sees who said what.
func Build(req engine.InvokeRequest) Prompt {
	var sys strings.Builder
	sys.WriteString(strings.TrimSpace(req.Agent.Instruction))
	if len(req.Context) > 0 {
		keys := make([]string, 0, len(req.Context))
		for k := range req.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sys.WriteString("\n\nContext:\n")
		for _, k := range keys {
			v, err := json.Marshal(req.Context[k])
			if err != nil {
				v = []byte(fmt.Sprintf("%q", fmt.Sprint(req.Context[k])))
			}
			fmt.Fprintf(&sys, "- %s: %s\n", k, v)
		}
	}
	if req.Agent.AcceptsStructuredOutput {
		sys.WriteString("\n\nRespond with a single JSON object only")
		if len(req.Agent.OutputSchema) > 0 {
			sys.WriteString(" matching this JSON schema:\n")
			sys.Write(bytes.TrimSpace(req.Agent.OutputSchema))
		} else {
			sys.WriteString(".")
		}
	}

	p := Prompt{System: strings.TrimSpace(sys.String())}
	for _, m := range req.Tail {
		text := render(m, req.Agent.Name)
		if text == "" {
			continue
		}
		user := m.Role == event.RoleUser
		if n := len(p.Turns); n > 0 && p.Turns[n-1].User == user {
			p.Turns[n-1].Text += "\n\n" + text
			continue
		}
		p.Turns = append(p.Turns, Turn{User: user, Text: text})
	}
	if len(p.Turns) == 0 || !p.Turns[0].User {
		// Providers require the conversation to open with a user turn.
		p.Turns = append([]Turn{{User: true, Text: "Begin."}}, p.Turns...)
	}
	return p
}

func render(m event.Message, self string) string {
	content := m.Content
	switch m.Kind {
	case event.KindStructuredOutput:
		content = string(m.Payload)
	case event.KindToolCall:
		content = fmt.Sprintf("[tool %s] %s", m.ToolID, m.Payload)
	}
	if content == "" {
		return ""
	}
	if m.Role == event.RoleUser || m.Sender == self {
		return content
	}
	return fmt.Sprintf("[%s] %s", m.Sender, content)
}

// Decode turns the reply text of agent into raw events. A reply of an agent
// that accepts structured output is decoded as a StructuredOutput when it
// holds a JSON object, possibly fenced in a markdown code block. Any other
// reply yields a Text event. Empty replies yield no events.
func Decode(agent string, structured bool, text string) []event.Raw {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if structured {
		if obj, ok := jsonObject(text); ok {
			return []event.Raw{event.StructuredOutput{Agent: agent, Payload: obj}}
		}
	}
	return []event.Raw{event.Text{Agent: agent, Content: text}}
}

func jsonObject(text string) (json.RawMessage, bool) {
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
		text = strings.TrimSpace(text)
	}
	if !strings.HasPrefix(text, "{") {
		return nil, false
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(text), &obj); err != nil {
		return nil, false
	}
	return json.RawMessage(text), true
}

// EstimateTokens approximates the number of input tokens of p.
func EstimateTokens(p Prompt) int {
	chars := len(p.System)
	for _, t := range p.Turns {
		chars += len(t.Text)
	}
	// Roughly 3 characters per token plus framing overhead.
	return chars/3 + 500
}

// Cost returns the price of the given token counts.
func (p Pricing) Cost(in, out int64) float64 {
	return (float64(in)*p.InputPerMTok + float64(out)*p.OutputPerMTok) / 1e6
}
