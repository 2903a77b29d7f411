// Package middleware provides engine.AgentInvoker middlewares such as
// adaptive rate limiting of provider calls.
package middleware

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"goa.design/pulse/rmap"

	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/features/model/prompt"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/engine"
)

type (
	// AdaptiveRateLimiter applies an AIMD token bucket in front of an agent
	// invoker. It estimates the prompt size of each turn, blocks callers until
	// capacity is available, halves its tokens-per-minute budget when the
	// provider reports rate limiting and recovers it linearly on success.
	//
	// When built with a Pulse replicated map the budget is shared by every
	// process joined to the map.
	AdaptiveRateLimiter struct {
		mu      sync.Mutex
		limiter *rate.Limiter

		currentTPM   float64
		minTPM       float64
		maxTPM       float64
		recoveryRate float64

		onBackoff func(newTPM float64)
		onProbe   func(newTPM float64)
	}

	limitedInvoker struct {
		next    engine.AgentInvoker
		limiter *AdaptiveRateLimiter
	}

	// clusterMap is the subset of rmap.Map used by the shared limiter.
	clusterMap interface {
		Get(key string) (string, bool)
		SetIfNotExists(ctx context.Context, key, value string) (bool, error)
		TestAndSet(ctx context.Context, key, test, value string) (string, error)
		Subscribe() <-chan rmap.EventKind
	}
)

// NewAdaptiveRateLimiter constructs a limiter with a tokens-per-minute budget.
// When m is not nil the budget is stored under key and coordinated across
// processes. Otherwise the limiter is process local.
func NewAdaptiveRateLimiter(ctx context.Context, m *rmap.Map, key string, initialTPM, maxTPM float64) *AdaptiveRateLimiter {
	if m == nil {
		return newAdaptiveRateLimiter(initialTPM, maxTPM)
	}
	return newClusterAdaptiveRateLimiter(ctx, m, key, initialTPM, maxTPM)
}

// newAdaptiveRateLimiter clamps maxTPM to at least initialTPM. The floor is a
// tenth of the initial budget and the recovery step a twentieth.
func newAdaptiveRateLimiter(initialTPM, maxTPM float64) *AdaptiveRateLimiter {
	if initialTPM <= 0 {
		initialTPM = 60000
	}
	if maxTPM < initialTPM {
		maxTPM = initialTPM
	}
	return &AdaptiveRateLimiter{
		limiter:      rate.NewLimiter(rate.Limit(initialTPM/60.0), int(initialTPM)),
		currentTPM:   initialTPM,
		minTPM:       max(initialTPM*0.1, 1),
		maxTPM:       maxTPM,
		recoveryRate: max(initialTPM*0.05, 1),
	}
}

// Wrap returns an invoker that waits for capacity before each turn.
func (l *AdaptiveRateLimiter) Wrap(next engine.AgentInvoker) engine.AgentInvoker {
	if next == nil {
		return nil
	}
	return &limitedInvoker{next: next, limiter: l}
}

// TPM returns the current effective tokens-per-minute budget.
func (l *AdaptiveRateLimiter) TPM() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentTPM
}

func (c *limitedInvoker) Invoke(ctx context.Context, req engine.InvokeRequest) (engine.InvokeResult, error) {
	if err := c.limiter.wait(ctx, req); err != nil {
		return engine.InvokeResult{}, err
	}
	res, err := c.next.Invoke(ctx, req)
	c.limiter.observe(err)
	return res, err
}

func (l *AdaptiveRateLimiter) wait(ctx context.Context, req engine.InvokeRequest) error {
	tokens := prompt.EstimateTokens(prompt.Build(req))
	l.mu.Lock()
	lim := l.limiter
	if burst := lim.Burst(); tokens > burst && burst > 0 {
		// A single oversized prompt would never fit the bucket.
		tokens = burst
	}
	l.mu.Unlock()
	return lim.WaitN(ctx, tokens)
}

func (l *AdaptiveRateLimiter) observe(err error) {
	switch {
	case err == nil:
		l.adjust(func(cur float64) float64 { return cur + l.recoveryRate }, false)
	case errors.Is(err, prompt.ErrRateLimited):
		l.adjust(func(cur float64) float64 { return cur * 0.5 }, true)
	}
}

// adjust applies next to the current budget and notifies the matching
// callback when the budget changed.
func (l *AdaptiveRateLimiter) adjust(next func(float64) float64, backoff bool) {
	l.mu.Lock()
	tpm, changed := l.setLocked(next(l.currentTPM))
	fn := l.onProbe
	if backoff {
		fn = l.onBackoff
	}
	l.mu.Unlock()
	if changed && fn != nil {
		fn(tpm)
	}
}

func (l *AdaptiveRateLimiter) setLocked(tpm float64) (float64, bool) {
	tpm = min(max(tpm, l.minTPM), l.maxTPM)
	if tpm == l.currentTPM {
		return tpm, false
	}
	l.currentTPM = tpm
	l.limiter.SetLimit(rate.Limit(tpm / 60.0))
	l.limiter.SetBurst(int(tpm))
	return tpm, true
}

func newClusterAdaptiveRateLimiter(ctx context.Context, m clusterMap, key string, initialTPM, maxTPM float64) *AdaptiveRateLimiter {
	if key == "" || m == nil {
		return newAdaptiveRateLimiter(initialTPM, maxTPM)
	}
	if _, ok := m.Get(key); !ok {
		if _, err := m.SetIfNotExists(ctx, key, strconv.Itoa(int(initialTPM))); err != nil {
			return newAdaptiveRateLimiter(initialTPM, maxTPM)
		}
	}
	shared := initialTPM
	if v, ok := readTPM(m, key); ok {
		shared = v
	}
	l := newAdaptiveRateLimiter(shared, maxTPM)
	floor, ceiling, step := l.minTPM, l.maxTPM, l.recoveryRate

	l.mu.Lock()
	l.onBackoff = func(float64) {
		go updateShared(context.Background(), m, key, func(cur float64) float64 { return max(cur*0.5, floor) })
	}
	l.onProbe = func(float64) {
		go updateShared(context.Background(), m, key, func(cur float64) float64 { return min(cur+step, ceiling) })
	}
	l.mu.Unlock()

	ch := m.Subscribe()
	go func() {
		for range ch {
			if v, ok := readTPM(m, key); ok {
				l.mu.Lock()
				l.setLocked(v)
				l.mu.Unlock()
			}
		}
	}()
	return l
}

func readTPM(m clusterMap, key string) (float64, bool) {
	cur, ok := m.Get(key)
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseFloat(cur, 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}

// updateShared applies next to the shared budget with optimistic
// compare-and-set, giving up after a few lost races.
func updateShared(ctx context.Context, m clusterMap, key string, next func(float64) float64) {
	const maxAttempts = 3

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	for range maxAttempts {
		curStr, ok := m.Get(key)
		if !ok {
			return
		}
		cur, err := strconv.ParseFloat(curStr, 64)
		if err != nil || cur <= 0 {
			return
		}
		nextStr := strconv.Itoa(int(next(cur)))
		if nextStr == curStr {
			return
		}
		prev, err := m.TestAndSet(ctx, key, curStr, nextStr)
		if err != nil || prev == curStr {
			return
		}
	}
}
