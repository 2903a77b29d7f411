package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"goa.design/clue/log"

	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/orchestrator"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/session"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/telemetry"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/transport"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	ctx := log.Context(context.Background())
	cfg := config{
		WorkflowsDir: "../../workflows",
		Provider:     "scripted",
		ScriptPath:   "../../workflows/onboarding.script.yaml",
		CallTimeout:  5 * time.Second,
		MaxRetries:   1,
		TailSize:     20,
		LeaseTTL:     10 * time.Second,
		OutboxSize:   16,
	}
	s, err := newStack(ctx, cfg, telemetry.NewNoopLogger(), telemetry.NewNoopMetrics(), telemetry.NewNoopTracer())
	require.NoError(t, err)
	srv := httptest.NewServer(newHandler(ctx, s, false))
	t.Cleanup(func() {
		srv.Close()
		require.NoError(t, s.close(ctx))
	})
	return srv
}

func call(t *testing.T, srv *httptest.Server, method, path, tenant string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if tenant != "" {
		req.Header.Set("X-Tenant-ID", tenant)
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func TestOnboardingRunsToCompletion(t *testing.T) {
	srv := newTestServer(t)

	code, st := call(t, srv, "POST", "/v1/sessions", "acme", startBody{Workflow: "onboarding"})
	require.Equal(t, http.StatusCreated, code)
	require.Equal(t, true, st["awaitingInput"])
	require.Equal(t, "Greeter", st["pendingAgent"])
	require.Equal(t, "paused", st["status"])
	id := st["sessionId"].(string)

	code, st = call(t, srv, "POST", "/v1/sessions/"+id+"/input", "acme", inputBody{Content: "a todo app"})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "completed", st["status"])
	require.Equal(t, float64(5), st["turns"])

	code, st = call(t, srv, "GET", "/v1/sessions/"+id, "acme", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "completed", st["state"])

	require.Eventually(t, func() bool {
		_, m := call(t, srv, "GET", "/v1/metrics", "acme", nil)
		totals, ok := m["totals"].(map[string]any)
		return ok && totals["turns"] == float64(5)
	}, 2*time.Second, 20*time.Millisecond)

	code, _ = call(t, srv, "POST", "/v1/sessions/"+id+"/input", "acme", inputBody{Content: "again"})
	require.Equal(t, http.StatusConflict, code)
}

func TestSessionsAreTenantScoped(t *testing.T) {
	srv := newTestServer(t)

	_, st := call(t, srv, "POST", "/v1/sessions", "acme", startBody{Workflow: "onboarding"})
	id := st["sessionId"].(string)

	code, body := call(t, srv, "GET", "/v1/sessions/"+id, "globex", nil)
	require.Equal(t, http.StatusForbidden, code)
	require.Equal(t, "tenant_mismatch", body["errorKind"])

	code, _ = call(t, srv, "POST", "/v1/sessions/"+id+"/cancel", "globex", nil)
	require.Equal(t, http.StatusForbidden, code)

	code, _ = call(t, srv, "GET", "/v1/sessions/"+id, "", nil)
	require.Equal(t, http.StatusBadRequest, code)
}

func TestPauseResumeCancel(t *testing.T) {
	srv := newTestServer(t)

	_, st := call(t, srv, "POST", "/v1/sessions", "acme", startBody{Workflow: "onboarding"})
	id := st["sessionId"].(string)

	code, st := call(t, srv, "POST", "/v1/sessions/"+id+"/pause", "acme", pauseBody{Reason: "lunch"})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "paused", st["state"])

	code, st = call(t, srv, "POST", "/v1/sessions/"+id+"/resume", "acme", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "awaitingInput", st["state"])
	require.Equal(t, true, st["awaitingInput"])

	code, st = call(t, srv, "POST", "/v1/sessions/"+id+"/cancel", "acme", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "terminated", st["state"])
	require.Equal(t, "completed", st["status"])

	code, _ = call(t, srv, "POST", "/v1/sessions/"+id+"/resume", "acme", nil)
	require.Equal(t, http.StatusConflict, code)
}

func TestUnknownWorkflow(t *testing.T) {
	srv := newTestServer(t)

	code, body := call(t, srv, "POST", "/v1/sessions", "acme", startBody{Workflow: "missing"})
	require.Equal(t, http.StatusNotFound, code)
	require.Equal(t, "definition_not_found", body["errorKind"])

	code, _ = call(t, srv, "POST", "/v1/sessions", "acme", map[string]string{})
	require.Equal(t, http.StatusBadRequest, code)
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t)

	resp, err := srv.Client().Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRecordPlanTool(t *testing.T) {
	out, err := recordPlanTool(context.Background(), json.RawMessage(`{"steps":["a","b"]}`))
	require.NoError(t, err)
	require.JSONEq(t, `{"recorded":true,"steps":2}`, string(out))

	_, err = recordPlanTool(context.Background(), json.RawMessage(`{"steps":[]}`))
	require.Error(t, err)
}

func TestReloadWorkflow(t *testing.T) {
	srv := newTestServer(t)

	code, body := call(t, srv, "POST", "/v1/workflows/onboarding/reload", "", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, body["changed"])

	code, body = call(t, srv, "POST", "/v1/workflows/onboarding/reload", "", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, false, body["changed"])

	code, _ = call(t, srv, "POST", "/v1/workflows/missing/reload", "", nil)
	require.Equal(t, http.StatusNotFound, code)
}

func TestEventsRequireMongo(t *testing.T) {
	srv := newTestServer(t)

	_, st := call(t, srv, "POST", "/v1/sessions", "acme", startBody{Workflow: "onboarding"})
	code, body := call(t, srv, "GET", "/v1/sessions/"+st["sessionId"].(string)+"/events", "acme", nil)
	require.Equal(t, http.StatusNotImplemented, code)
	require.Equal(t, "not_configured", body["errorKind"])
}

func TestFollowRequiresRedis(t *testing.T) {
	srv := newTestServer(t)

	_, st := call(t, srv, "POST", "/v1/sessions", "acme", startBody{Workflow: "onboarding"})
	code, _ := call(t, srv, "GET", "/v1/sessions/"+st["sessionId"].(string)+"/follow", "acme", nil)
	require.Equal(t, http.StatusNotImplemented, code)
}

func TestPathVariablesReachHandlers(t *testing.T) {
	srv := newTestServer(t)

	_, st := call(t, srv, "POST", "/v1/sessions", "acme", startBody{Workflow: "onboarding"})
	id := st["sessionId"].(string)
	code, st := call(t, srv, "GET", "/v1/sessions/"+id, "acme", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, id, st["sessionId"])

	code, body := call(t, srv, "GET", "/v1/sessions/no-such-session", "acme", nil)
	require.Equal(t, http.StatusNotFound, code)
	require.Equal(t, "not_found", body["errorKind"])
	require.Equal(t, "Session not found.", body["summary"])
}

func TestErrorSummariesHideErrorText(t *testing.T) {
	cases := []struct {
		err  error
		kind string
	}{
		{fmt.Errorf("open s1: %w", orchestrator.ErrSessionBusy), "conflict"},
		{fmt.Errorf("load acme/s1: %w", session.ErrSessionNotFound), "not_found"},
		{fmt.Errorf("tenant acme: %w", transport.ErrRateLimited), "rate_limited"},
	}
	for _, c := range cases {
		_, kind := errorStatus(c.err)
		require.Equal(t, c.kind, kind)
		summary := summaryOf(kind)
		require.NotEmpty(t, summary)
		require.NotContains(t, summary, "s1")
		require.NotContains(t, summary, c.err.Error())
	}
}
