package tools

import (
	"context"
	"time"

	"github.com/ent0n29/jarvis/internal/llm"
	"github.com/ent0n29/jarvis/internal/observability"
	"github.com/ent0n29/jarvis/internal/policy"
	"github.com/rs/zerolog"
)

// UsageRecord is one tool invocation as persisted to the usage log.
type UsageRecord struct {
	Tool     string
	Args     map[string]any
	Output   string
	Status   string
	Duration time.Duration
}

// UsageSink stores usage records; implementations are scoped to one job.
type UsageSink interface {
	LogToolUsage(ctx context.Context, rec UsageRecord) error
}

// LoggedInvoker records every invocation on a sink. A sink failure is logged
// and never changes the tool result.
type LoggedInvoker struct {
	next    Invoker
	sink    UsageSink
	log     zerolog.Logger
	metrics *observability.Metrics
}

func NewLoggedInvoker(next Invoker, sink UsageSink, log zerolog.Logger, metrics *observability.Metrics) *LoggedInvoker {
	return &LoggedInvoker{next: next, sink: sink, log: log, metrics: metrics}
}

func (l *LoggedInvoker) Invoke(ctx context.Context, call llm.ToolCall) Result {
	res := l.next.Invoke(ctx, call)
	l.metrics.ObserveTool(call.Name, res.Status())

	ev := l.log.Info()
	if res.Err != nil {
		ev = l.log.Warn().Err(res.Err)
	}
	ev.Str("tool", call.Name).Str("status", res.Status()).Dur("duration", res.Duration).Msg("tool invoked")

	if l.sink == nil {
		return res
	}
	output, _ := policy.RedactPII(res.Content())
	rec := UsageRecord{
		Tool:     call.Name,
		Args:     policy.RedactArgs(call.Args),
		Output:   output,
		Status:   res.Status(),
		Duration: res.Duration,
	}
	if err := l.sink.LogToolUsage(ctx, rec); err != nil {
		l.log.Error().Err(err).Str("tool", call.Name).Msg("failed to record tool usage")
	}
	return res
}
