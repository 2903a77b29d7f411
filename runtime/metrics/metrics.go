// Package metrics aggregates per-turn usage into per-session, per-tenant and
// global rollups. Recording is lock-free and safe for concurrent use across
// sessions; rollups are exposed through a pull-based Snapshot.
package metrics

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/telemetry"
)

type (
	// Record describes one executed turn.
	Record struct {
		TenantID     string
		SessionID    string
		Agent        string
		InputTokens  int64
		OutputTokens int64
		Cost         float64
		Duration     time.Duration
		// ErrorKind is set when the turn failed.
		ErrorKind string
	}

	// Totals is an aggregate over a set of turns.
	Totals struct {
		Turns          int64            `json:"turns"`
		InputTokens    int64            `json:"inputTokens"`
		OutputTokens   int64            `json:"outputTokens"`
		Tokens         int64            `json:"tokens"`
		Cost           float64          `json:"cost"`
		TurnDurationMs int64            `json:"turnDurationMs"`
		MaxTurnMs      int64            `json:"maxTurnMs"`
		Errors         map[string]int64 `json:"errors,omitempty"`
	}

	// Rollup is a point-in-time view of all aggregates.
	Rollup struct {
		Global   Totals            `json:"global"`
		Tenants  map[string]Totals `json:"tenants"`
		Sessions map[string]Totals `json:"sessions"`
	}

	// Aggregator accumulates Records.
	Aggregator struct {
		global   *counters
		tenants  sync.Map
		sessions sync.Map
		mirror   telemetry.Metrics
	}

	counters struct {
		turns    atomic.Int64
		in       atomic.Int64
		out      atomic.Int64
		durMs    atomic.Int64
		maxMs    atomic.Int64
		costBits atomic.Uint64
		errors   sync.Map
	}
)

// Tokens returns the total token count of the record.
func (r Record) Tokens() int64 { return r.InputTokens + r.OutputTokens }

// New returns an Aggregator. mirror, when not nil, receives every record as
// OTEL counters and timers.
func New(mirror telemetry.Metrics) *Aggregator {
	if mirror == nil {
		mirror = telemetry.NewNoopMetrics()
	}
	return &Aggregator{global: &counters{}, mirror: mirror}
}

// Record adds r to the global, tenant and session aggregates.
func (a *Aggregator) Record(_ context.Context, r Record) {
	a.global.add(r)
	if r.TenantID != "" {
		a.counters(&a.tenants, r.TenantID).add(r)
	}
	if r.SessionID != "" {
		a.counters(&a.sessions, r.SessionID).add(r)
	}
	tags := []string{"tenant", r.TenantID, "agent", r.Agent}
	if r.ErrorKind != "" {
		tags = append(tags, "error_kind", r.ErrorKind)
	}
	a.mirror.IncCounter("mozaiks.turns", 1, tags...)
	a.mirror.IncCounter("mozaiks.tokens", float64(r.Tokens()), tags...)
	a.mirror.IncCounter("mozaiks.cost", r.Cost, tags...)
	a.mirror.RecordTimer("mozaiks.turn.duration", r.Duration, tags...)
}

// Snapshot returns the current rollups.
func (a *Aggregator) Snapshot() Rollup {
	out := Rollup{
		Global:   a.global.totals(),
		Tenants:  make(map[string]Totals),
		Sessions: make(map[string]Totals),
	}
	a.tenants.Range(func(k, v any) bool {
		out.Tenants[k.(string)] = v.(*counters).totals()
		return true
	})
	a.sessions.Range(func(k, v any) bool {
		out.Sessions[k.(string)] = v.(*counters).totals()
		return true
	})
	return out
}

// Session returns the aggregate of one session.
func (a *Aggregator) Session(id string) (Totals, bool) {
	v, ok := a.sessions.Load(id)
	if !ok {
		return Totals{}, false
	}
	return v.(*counters).totals(), true
}

// Forget drops the aggregate of a session. Global and tenant totals keep the
// session's contribution.
func (a *Aggregator) Forget(sessionID string) {
	a.sessions.Delete(sessionID)
}

func (a *Aggregator) counters(m *sync.Map, key string) *counters {
	if v, ok := m.Load(key); ok {
		return v.(*counters)
	}
	v, _ := m.LoadOrStore(key, &counters{})
	return v.(*counters)
}

func (c *counters) add(r Record) {
	ms := r.Duration.Milliseconds()
	c.turns.Add(1)
	c.in.Add(r.InputTokens)
	c.out.Add(r.OutputTokens)
	c.durMs.Add(ms)
	for {
		cur := c.maxMs.Load()
		if ms <= cur || c.maxMs.CompareAndSwap(cur, ms) {
			break
		}
	}
	for {
		old := c.costBits.Load()
		next := math.Float64bits(math.Float64frombits(old) + r.Cost)
		if c.costBits.CompareAndSwap(old, next) {
			break
		}
	}
	if r.ErrorKind != "" {
		v, ok := c.errors.Load(r.ErrorKind)
		if !ok {
			v, _ = c.errors.LoadOrStore(r.ErrorKind, new(atomic.Int64))
		}
		v.(*atomic.Int64).Add(1)
	}
}

func (c *counters) totals() Totals {
	t := Totals{
		Turns:          c.turns.Load(),
		InputTokens:    c.in.Load(),
		OutputTokens:   c.out.Load(),
		Cost:           math.Float64frombits(c.costBits.Load()),
		TurnDurationMs: c.durMs.Load(),
		MaxTurnMs:      c.maxMs.Load(),
	}
	t.Tokens = t.InputTokens + t.OutputTokens
	c.errors.Range(func(k, v any) bool {
		if t.Errors == nil {
			t.Errors = make(map[string]int64)
		}
		t.Errors[k.(string)] = v.(*atomic.Int64).Load()
		return true
	})
	return t
}
