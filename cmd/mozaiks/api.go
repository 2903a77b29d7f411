package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"goa.design/clue/health"
	"goa.design/clue/log"
	goahttp "goa.design/goa/v3/http"

	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/features/model/prompt"
	streampulse "github.com/BlocUnited-LLC/mozaiks-ai-sub005/features/stream/pulse"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/features/transport/websocket"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/engine"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/failure"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/metrics"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/orchestrator"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/session"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/transport"
)

type (
	startBody struct {
		Workflow string `json:"workflow"`
		Input    string `json:"input,omitempty"`
	}

	inputBody struct {
		Content string `json:"content"`
	}

	pauseBody struct {
		Reason string `json:"reason,omitempty"`
	}

	reloadResult struct {
		Workflow string `json:"workflow"`
		Changed  bool   `json:"changed"`
	}

	tenantMetrics struct {
		TenantID string         `json:"tenantId"`
		Totals   metrics.Totals `json:"totals"`
	}

	// api serves the session control surface.
	// api serves the REST surface. Path variables are read from mux.
	api struct {
		s   *stack
		mux goahttp.Muxer
	}
)

// mount registers the control routes on mux.
func (a *api) mount(mux goahttp.Muxer) {
	mux.Handle("POST", "/v1/sessions", a.withTenant(a.start))
	mux.Handle("GET", "/v1/sessions", a.withTenant(a.list))
	mux.Handle("GET", "/v1/sessions/{id}", a.withTenant(a.status))
	mux.Handle("GET", "/v1/sessions/{id}/metrics", a.withTenant(a.sessionMetrics))
	mux.Handle("GET", "/v1/sessions/{id}/events", a.withTenant(a.events))
	mux.Handle("GET", "/v1/sessions/{id}/follow", a.withTenant(a.follow))
	mux.Handle("POST", "/v1/sessions/{id}/input", a.withTenant(a.input))
	mux.Handle("POST", "/v1/sessions/{id}/pause", a.withTenant(a.pause))
	mux.Handle("POST", "/v1/sessions/{id}/resume", a.withTenant(a.resume))
	mux.Handle("POST", "/v1/sessions/{id}/cancel", a.withTenant(a.cancel))
	mux.Handle("GET", "/v1/metrics", a.withTenant(a.metrics))
	mux.Handle("POST", "/v1/workflows/{name}/reload", a.reload)
	mux.Handle("GET", "/healthz", health.Handler(a.s.checker).ServeHTTP)
	mux.Handle("GET", "/ws", a.s.ws.ServeHTTP)
}

type tenantHandler func(w http.ResponseWriter, r *http.Request, tenantID string)

// withTenant rejects requests missing the tenant header.
func (a *api) withTenant(h tenantHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID := r.Header.Get(websocket.TenantHeader)
		if tenantID == "" {
			writeJSON(r.Context(), w, http.StatusBadRequest, transport.ErrorPayload{
				ErrorKind: "bad_request",
				Summary:   "missing " + websocket.TenantHeader + " header",
			})
			return
		}
		h(w, r, tenantID)
	}
}

func (a *api) start(w http.ResponseWriter, r *http.Request, tenantID string) {
	var body startBody
	if err := goahttp.RequestDecoder(r).Decode(&body); err != nil || body.Workflow == "" {
		writeJSON(r.Context(), w, http.StatusBadRequest, transport.ErrorPayload{ErrorKind: "bad_request", Summary: "workflow is required"})
		return
	}
	st, err := a.s.orch.Start(r.Context(), orchestrator.StartRequest{TenantID: tenantID, Workflow: body.Workflow, Input: body.Input})
	a.reply(w, r, http.StatusCreated, st, err)
}

func (a *api) list(w http.ResponseWriter, r *http.Request, tenantID string) {
	var statuses []session.Status
	for _, s := range r.URL.Query()["status"] {
		statuses = append(statuses, session.Status(s))
	}
	sts, err := a.s.orch.List(r.Context(), tenantID, statuses...)
	if sts == nil {
		sts = []orchestrator.Status{}
	}
	a.reply(w, r, http.StatusOK, sts, err)
}

func (a *api) status(w http.ResponseWriter, r *http.Request, tenantID string) {
	st, err := a.s.orch.Status(r.Context(), tenantID, a.mux.Vars(r)["id"])
	a.reply(w, r, http.StatusOK, st, err)
}

func (a *api) sessionMetrics(w http.ResponseWriter, r *http.Request, tenantID string) {
	id := a.mux.Vars(r)["id"]
	if _, err := a.s.orch.Status(r.Context(), tenantID, id); err != nil {
		a.reply(w, r, http.StatusOK, nil, err)
		return
	}
	totals, _ := a.s.metrics.Session(id)
	writeJSON(r.Context(), w, http.StatusOK, totals)
}

// events pages through the recorded business events of a session.
func (a *api) events(w http.ResponseWriter, r *http.Request, tenantID string) {
	if a.s.audit == nil {
		writeJSON(r.Context(), w, http.StatusNotImplemented, transport.ErrorPayload{ErrorKind: "not_configured", Summary: "business event log requires MongoDB"})
		return
	}
	id := a.mux.Vars(r)["id"]
	if _, err := a.s.orch.Status(r.Context(), tenantID, id); err != nil {
		a.reply(w, r, http.StatusOK, nil, err)
		return
	}
	limit := 100
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 && v <= 1000 {
		limit = v
	}
	page, err := a.s.audit.List(r.Context(), tenantID, id, r.URL.Query().Get("cursor"), limit)
	a.reply(w, r, http.StatusOK, page, err)
}

// follow streams the mirrored envelopes of a session as JSON lines. It works
// for sessions hosted by any node sharing the Redis deployment.
func (a *api) follow(w http.ResponseWriter, r *http.Request, tenantID string) {
	if a.s.pulse == nil {
		writeJSON(r.Context(), w, http.StatusNotImplemented, transport.ErrorPayload{ErrorKind: "not_configured", Summary: "following sessions requires Redis"})
		return
	}
	id := a.mux.Vars(r)["id"]
	if _, err := a.s.orch.Status(r.Context(), tenantID, id); err != nil {
		a.reply(w, r, http.StatusOK, nil, err)
		return
	}
	sub, err := streampulse.NewSubscriber(streampulse.SubscriberOptions{Client: a.s.pulse, SinkName: "follow-" + uuid.NewString()})
	if err != nil {
		a.reply(w, r, http.StatusOK, nil, err)
		return
	}
	envs, errs, stop, err := sub.Subscribe(r.Context(), id)
	if err != nil {
		a.reply(w, r, http.StatusOK, nil, err)
		return
	}
	defer stop()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	for env := range envs {
		if err := enc.Encode(env); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
	if err, ok := <-errs; ok && err != nil {
		log.Errorf(r.Context(), err, "follow session %s", id)
	}
}

func (a *api) input(w http.ResponseWriter, r *http.Request, tenantID string) {
	var body inputBody
	if err := goahttp.RequestDecoder(r).Decode(&body); err != nil {
		writeJSON(r.Context(), w, http.StatusBadRequest, transport.ErrorPayload{ErrorKind: "bad_request", Summary: "invalid input body"})
		return
	}
	st, err := a.s.orch.SubmitUserInput(r.Context(), tenantID, a.mux.Vars(r)["id"], body.Content)
	a.reply(w, r, http.StatusOK, st, err)
}

func (a *api) pause(w http.ResponseWriter, r *http.Request, tenantID string) {
	var body pauseBody
	if r.ContentLength != 0 {
		if err := goahttp.RequestDecoder(r).Decode(&body); err != nil {
			writeJSON(r.Context(), w, http.StatusBadRequest, transport.ErrorPayload{ErrorKind: "bad_request", Summary: "invalid pause body"})
			return
		}
	}
	st, err := a.s.orch.Pause(r.Context(), tenantID, a.mux.Vars(r)["id"], engine.PauseRequest{Reason: body.Reason, RequestedBy: tenantID})
	a.reply(w, r, http.StatusOK, st, err)
}

func (a *api) resume(w http.ResponseWriter, r *http.Request, tenantID string) {
	st, err := a.s.orch.Resume(r.Context(), tenantID, a.mux.Vars(r)["id"])
	a.reply(w, r, http.StatusOK, st, err)
}

func (a *api) cancel(w http.ResponseWriter, r *http.Request, tenantID string) {
	st, err := a.s.orch.Cancel(r.Context(), tenantID, a.mux.Vars(r)["id"])
	a.reply(w, r, http.StatusOK, st, err)
}

func (a *api) metrics(w http.ResponseWriter, r *http.Request, tenantID string) {
	snap := a.s.metrics.Snapshot()
	writeJSON(r.Context(), w, http.StatusOK, tenantMetrics{TenantID: tenantID, Totals: snap.Tenants[tenantID]})
}

func (a *api) reload(w http.ResponseWriter, r *http.Request) {
	name := a.mux.Vars(r)["name"]
	_, changed, err := a.s.loader.Reload(r.Context(), name)
	a.reply(w, r, http.StatusOK, reloadResult{Workflow: name, Changed: changed}, err)
}

// reply writes v with code, or the error document matching err.
func (a *api) reply(w http.ResponseWriter, r *http.Request, code int, v any, err error) {
	if err == nil {
		writeJSON(r.Context(), w, code, v)
		return
	}
	status, kind := errorStatus(err)
	if status == http.StatusInternalServerError {
		log.Errorf(r.Context(), err, "request failed")
	}
	writeJSON(r.Context(), w, status, transport.ErrorPayload{ErrorKind: kind, Summary: summaryOf(kind)})
}

// errorStatus maps a runtime error to an HTTP status and error kind.
func errorStatus(err error) (int, string) {
	kind := string(failure.KindOf(err))
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, failure.ErrDefinitionNotFound):
		return http.StatusNotFound, kind
	case errors.Is(err, failure.ErrTenantMismatch):
		return http.StatusForbidden, kind
	case errors.Is(err, failure.ErrDefinitionInvalid):
		return http.StatusUnprocessableEntity, kind
	case errors.Is(err, orchestrator.ErrSessionBusy),
		errors.Is(err, engine.ErrFinished),
		errors.Is(err, engine.ErrNotAwaitingInput),
		errors.Is(err, engine.ErrUnexpectedTool),
		errors.Is(err, session.ErrSessionArchived):
		return http.StatusConflict, "conflict"
	case errors.Is(err, prompt.ErrRateLimited), errors.Is(err, transport.ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limited"
	default:
		return http.StatusInternalServerError, string(failure.KindInternal)
	}
}

// summaryOf returns the client-facing summary of kind. It never includes the
// error text, which may carry internal identifiers.
func summaryOf(kind string) string {
	switch kind {
	case "not_found":
		return "Session not found."
	case "conflict":
		return "The session cannot accept this operation right now."
	case "rate_limited":
		return "Too many requests, retry later."
	}
	return failure.Summary(failure.Kind(kind))
}

func writeJSON(ctx context.Context, w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if v == nil {
		return
	}
	if err := goahttp.ResponseEncoder(ctx, w).Encode(v); err != nil {
		log.Errorf(ctx, err, "encode response")
	}
}
