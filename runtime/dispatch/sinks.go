package dispatch

import (
	"context"
	"sort"

	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/telemetry"
)

type logSink struct {
	logger telemetry.Logger
}

// NewLogSink returns a BusinessSink writing one structured log line per event.
func NewLogSink(logger telemetry.Logger) BusinessSink {
	return logSink{logger: logger}
}

func (s logSink) RecordBusiness(ctx context.Context, b BusinessEvent) {
	kv := []any{
		"event", b.Name,
		"tenant_id", b.TenantID,
		"session_id", b.SessionID,
		"workflow", b.Workflow,
	}
	keys := make([]string, 0, len(b.Fields))
	for k := range b.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		kv = append(kv, k, b.Fields[k])
	}
	s.logger.Info(ctx, "business event", kv...)
}
