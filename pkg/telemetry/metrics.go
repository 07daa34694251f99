package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-extensions/pkg/domain"
)

// MeterName is the instrumentation scope used by the runtime's instruments.
const MeterName = "polis.extensions"

var (
	metricsOnce            sync.Once
	metricsInitErr         error
	actionExecutionCounter metric.Int64Counter
	actionTimeoutCounter   metric.Int64Counter
	actionLatencyHistogram metric.Float64Histogram
	chainExecutionCounter  metric.Int64Counter
	chainLatencyHistogram  metric.Float64Histogram
	pendingActionsUpDown   metric.Int64UpDownCounter
)

// ActionMetrics captures the fields needed to record one action execution.
type ActionMetrics struct {
	ActionType string
	TargetID   string
	DomainID   string
	Outcome    domain.ActionOutcome
	Duration   time.Duration
}

// ChainMetrics captures the fields needed to record one chain execution.
type ChainMetrics struct {
	RootAction string
	Completed  bool
	TimedOut   bool
	Steps      int
	Duration   time.Duration
}

// RecordActionMetrics emits counters and histograms that describe action execution behaviour.
func RecordActionMetrics(ctx context.Context, m ActionMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("action.type", m.ActionType),
		attribute.String("action.target", m.TargetID),
		attribute.String("domain.id", m.DomainID),
		attribute.String("action.outcome", string(m.Outcome)),
	}

	actionExecutionCounter.Add(ctx, 1, metric.WithAttributes(attrs...))

	if m.Duration > 0 {
		actionLatencyHistogram.Record(ctx, float64(m.Duration)/float64(time.Millisecond), metric.WithAttributes(attrs...))
	}

	if m.Outcome == domain.OutcomeTimeout {
		actionTimeoutCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordChainMetrics emits chain-level counters and latency.
func RecordChainMetrics(ctx context.Context, m ChainMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("chain.root_action", m.RootAction),
		attribute.Bool("chain.completed", m.Completed),
		attribute.Bool("chain.timed_out", m.TimedOut),
	}

	chainExecutionCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	if m.Duration > 0 {
		chainLatencyHistogram.Record(ctx, float64(m.Duration)/float64(time.Millisecond), metric.WithAttributes(attrs...))
	}
}

// AddPendingActions adjusts the in-flight action gauge for a target.
func AddPendingActions(ctx context.Context, targetID string, delta int64) {
	if err := ensureMetrics(); err != nil {
		return
	}
	pendingActionsUpDown.Add(ctx, delta, metric.WithAttributes(attribute.String("action.target", targetID)))
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter(MeterName)

		actionExecutionCounter, metricsInitErr = meter.Int64Counter(
			"extensions.action.executions_total",
			metric.WithDescription("Action executions partitioned by outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		actionTimeoutCounter, metricsInitErr = meter.Int64Counter(
			"extensions.action.timeouts_total",
			metric.WithDescription("Actions that exceeded their own or the chain deadline"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		actionLatencyHistogram, metricsInitErr = meter.Float64Histogram(
			"extensions.action.duration_ms",
			metric.WithDescription("Observed action handler latency"),
			metric.WithUnit("ms"),
		)
		if metricsInitErr != nil {
			return
		}

		chainExecutionCounter, metricsInitErr = meter.Int64Counter(
			"extensions.chain.executions_total",
			metric.WithDescription("Actions chain executions partitioned by completion"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		chainLatencyHistogram, metricsInitErr = meter.Float64Histogram(
			"extensions.chain.duration_ms",
			metric.WithDescription("Observed actions chain latency"),
			metric.WithUnit("ms"),
		)
		if metricsInitErr != nil {
			return
		}

		pendingActionsUpDown, metricsInitErr = meter.Int64UpDownCounter(
			"extensions.action.pending",
			metric.WithDescription("Actions currently in flight per target"),
			metric.WithUnit("{count}"),
		)
	})

	return metricsInitErr
}

// RecordValidationFailure attaches a validation event to the span without
// leaking payload contents.
func RecordValidationFailure(span trace.Span, actionType string, errorCount int) {
	if span == nil || !span.IsRecording() {
		return
	}

	span.AddEvent("action.validation_failed", trace.WithAttributes(
		attribute.String("action.type", actionType),
		attribute.Int("validation.errors.count", errorCount),
	))
}
