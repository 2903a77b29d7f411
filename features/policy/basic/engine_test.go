package basic

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/tools"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/workflow"
)

func TestAllowed(t *testing.T) {
	e := New(Options{AllowTools: []string{"search", " fetch ", ""}, BlockTools: []string{"fetch"}, BlockAgents: []string{"Rogue"}})
	require.True(t, e.Allowed(workflow.ToolBinding{Name: "search"}))
	require.False(t, e.Allowed(workflow.ToolBinding{Name: "fetch"}), "blocking wins over allowing")
	require.False(t, e.Allowed(workflow.ToolBinding{Name: "other"}))
	require.False(t, e.Allowed(workflow.ToolBinding{Name: "search", Agent: "Rogue"}))

	open := New(Options{BlockTools: []string{"rm"}})
	require.True(t, open.Allowed(workflow.ToolBinding{Name: "anything"}))
	require.False(t, open.Allowed(workflow.ToolBinding{Name: "rm"}))
}

func TestWrap(t *testing.T) {
	reg := tools.NewRegistry()
	require.NoError(t, reg.Register("echo", func(_ context.Context, payload json.RawMessage) (json.RawMessage, error) {
		return payload, nil
	}))
	reg2 := tools.NewRegistry()
	require.NoError(t, reg2.Register("blocked", func(context.Context, json.RawMessage) (json.RawMessage, error) {
		t.Fatal("blocked tool ran")
		return nil, nil
	}))

	inv := New(Options{BlockTools: []string{"blocked"}, Label: "ops"}).Wrap(reg)
	res, err := inv.InvokeTool(context.Background(), workflow.ToolBinding{Name: "echo"}, json.RawMessage(`{"a":1}`))
	require.NoError(t, err)
	require.JSONEq(t, `{"a":1}`, string(res.Output))

	res, err = New(Options{BlockTools: []string{"blocked"}, Label: "ops"}).Wrap(reg2).
		InvokeTool(context.Background(), workflow.ToolBinding{Name: "blocked"}, nil)
	require.NoError(t, err)
	require.JSONEq(t, `{"error":"tool blocked is not allowed","policy":"ops"}`, string(res.Output))
}
