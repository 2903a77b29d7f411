package scripted

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/engine"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/event"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/workflow"
)

const script = `
Planner:
  - text: hello
  - structured: {steps: [a, b]}
Reviewer:
  - toolCall: {name: lookup, args: {q: x}}
  - inputRequest: Approve?
  - runComplete: done
`

func call(t *testing.T, inv *Invoker, session, agent string) event.Raw {
	t.Helper()
	res, err := inv.Invoke(context.Background(), engine.InvokeRequest{SessionID: session, Agent: workflow.AgentSpec{Name: agent}})
	require.NoError(t, err)
	require.Len(t, res.Events, 1)
	require.Equal(t, "scripted", res.Usage.Model)
	return res.Events[0]
}

func TestReplaysInOrder(t *testing.T) {
	inv, err := Parse([]byte(script))
	require.NoError(t, err)

	require.Equal(t, event.Text{Agent: "Planner", Content: "hello"}, call(t, inv, "s", "Planner"))
	so, ok := call(t, inv, "s", "Planner").(event.StructuredOutput)
	require.True(t, ok)
	require.JSONEq(t, `{"steps":["a","b"]}`, string(so.Payload))
	_, ok = call(t, inv, "s", "Planner").(event.StructuredOutput)
	require.True(t, ok, "last reply repeats")

	require.Equal(t, event.ToolCall{Agent: "Reviewer", ToolID: "Reviewer-1", Name: "lookup", Args: json.RawMessage(`{"q":"x"}`)}, call(t, inv, "s", "Reviewer"))
	require.Equal(t, event.InputRequest{Agent: "Reviewer", Prompt: "Approve?"}, call(t, inv, "s", "Reviewer"))
	require.Equal(t, event.RunComplete{Agent: "Reviewer", Summary: "done"}, call(t, inv, "s", "Reviewer"))

	require.Equal(t, event.Text{Agent: "Planner", Content: "hello"}, call(t, inv, "other", "Planner"), "sessions replay independently")
	require.Equal(t, event.Text{Agent: "Nobody", Content: "ok"}, call(t, inv, "s", "Nobody"))
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "script.yaml")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o600))
	_, err := Load(path)
	require.NoError(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	_, err = Parse([]byte("Planner: [unclosed"))
	require.Error(t, err)
}

func TestCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(nil).Invoke(ctx, engine.InvokeRequest{Agent: workflow.AgentSpec{Name: "A"}})
	require.ErrorIs(t, err, context.Canceled)
}
