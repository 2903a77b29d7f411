package engine

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/failure"
)

// retry runs op under the call timeout. Timeouts and schema violations are
// retried up to MaxRetries times, each retry recorded as a turn.retry
// business event. The returned error is a *turnError carrying the final
// failure kind.
func (e *Engine) retry(ctx context.Context, call string, op func(ctx context.Context, attempt int) error) error {
	attempt := 0
	operation := func() error {
		attempt++
		cctx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
		defer cancel()
		err := op(cctx, attempt)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(failure.Wrap(failure.KindCanceled, err, call))
		}
		kind := classify(err, cctx)
		if !kind.Retryable() {
			return backoff.Permanent(failure.Wrap(kind, err, call))
		}
		return failure.Wrap(kind, err, call)
	}

	var b backoff.BackOff = &backoff.StopBackOff{}
	if e.cfg.MaxRetries > 0 {
		b = backoff.WithMaxRetries(e.cfg.Backoff(), uint64(e.cfg.MaxRetries))
	}
	notify := func(err error, delay time.Duration) {
		e.cfg.Dispatcher.Business(ctx, e.scope, "turn.retry",
			"call", call,
			"attempt", attempt,
			"error_kind", string(failure.KindOf(err)),
			"delay_ms", delay.Milliseconds(),
		)
	}
	err := backoff.RetryNotify(operation, backoff.WithContext(b, ctx), notify)
	if err == nil {
		return nil
	}
	kind := failure.KindOf(err)
	if errors.Is(err, context.Canceled) && kind == failure.KindInternal {
		kind = failure.KindCanceled
	}
	return &turnError{kind: kind, cause: err}
}

// classify maps an operation error to a failure kind. Deadline errors are
// timeouts regardless of how the callee wrapped them.
func classify(err error, cctx context.Context) failure.Kind {
	var fe *failure.Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(cctx.Err(), context.DeadlineExceeded) {
		return failure.KindExternalCallTimeout
	}
	return failure.KindInternal
}
