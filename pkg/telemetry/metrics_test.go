package telemetry

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/polisai/polis-extensions/pkg/domain"
)

const (
	testDomain = "gts.polis.mfe.ext.domain.v1~acme.dash.layout.sidebar.v1"
	testAction = "gts.polis.mfe.comm.action.v1~acme.dash.actions.refresh.v1~"
)

func withManualReader(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	t.Cleanup(func() {
		otel.SetMeterProvider(prev)
		ResetMetricsForTest()
	})

	ResetMetricsForTest()
	return reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect metrics: %v", err)
	}

	metrics := map[string]metricdata.Metrics{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			metrics[m.Name] = m
		}
	}
	return metrics
}

func TestRecordActionMetrics(t *testing.T) {
	reader := withManualReader(t)
	ctx := context.Background()

	RecordActionMetrics(ctx, ActionMetrics{
		ActionType: testAction,
		TargetID:   testDomain,
		DomainID:   testDomain,
		Outcome:    domain.OutcomeTimeout,
		Duration:   150 * time.Millisecond,
	})

	metrics := collect(t, reader)

	execs, ok := metrics["extensions.action.executions_total"]
	if !ok {
		t.Fatalf("missing extensions.action.executions_total metric")
	}
	execData, ok := execs.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("unexpected data type for executions metric")
	}
	if len(execData.DataPoints) != 1 || execData.DataPoints[0].Value != 1 {
		t.Fatalf("expected a single execution, got %+v", execData.DataPoints)
	}
	if value, ok := execData.DataPoints[0].Attributes.Value(attribute.Key("action.outcome")); !ok || value.AsString() != "timeout" {
		t.Fatalf("expected action.outcome timeout, got %v", value)
	}

	timeouts := metrics["extensions.action.timeouts_total"].Data.(metricdata.Sum[int64])
	if timeouts.DataPoints[0].Value != 1 {
		t.Fatalf("expected timeout count 1, got %d", timeouts.DataPoints[0].Value)
	}

	latency := metrics["extensions.action.duration_ms"].Data.(metricdata.Histogram[float64])
	if latency.DataPoints[0].Sum != 150 {
		t.Fatalf("expected histogram sum 150, got %v", latency.DataPoints[0].Sum)
	}
}

func TestRecordActionMetrics_SuccessDoesNotCountTimeout(t *testing.T) {
	reader := withManualReader(t)

	RecordActionMetrics(context.Background(), ActionMetrics{
		ActionType: testAction,
		TargetID:   testDomain,
		Outcome:    domain.OutcomeSuccess,
	})

	metrics := collect(t, reader)
	if m, ok := metrics["extensions.action.timeouts_total"]; ok {
		if sum := m.Data.(metricdata.Sum[int64]); len(sum.DataPoints) != 0 {
			t.Fatalf("expected no timeout datapoints, got %d", len(sum.DataPoints))
		}
	}
	if m, ok := metrics["extensions.action.duration_ms"]; ok {
		if hist := m.Data.(metricdata.Histogram[float64]); len(hist.DataPoints) != 0 {
			t.Fatalf("zero durations must not be recorded")
		}
	}
}

func TestRecordChainMetricsAndPending(t *testing.T) {
	reader := withManualReader(t)
	ctx := context.Background()

	RecordChainMetrics(ctx, ChainMetrics{RootAction: testAction, Completed: true, Steps: 2, Duration: 20 * time.Millisecond})
	AddPendingActions(ctx, testDomain, 1)
	AddPendingActions(ctx, testDomain, 1)
	AddPendingActions(ctx, testDomain, -1)

	metrics := collect(t, reader)

	chains := metrics["extensions.chain.executions_total"].Data.(metricdata.Sum[int64])
	if value, ok := chains.DataPoints[0].Attributes.Value(attribute.Key("chain.completed")); !ok || !value.AsBool() {
		t.Fatalf("expected chain.completed true")
	}

	pending := metrics["extensions.action.pending"].Data.(metricdata.Sum[int64])
	if len(pending.DataPoints) != 1 || pending.DataPoints[0].Value != 1 {
		t.Fatalf("expected one pending action, got %+v", pending.DataPoints)
	}
}

func TestRecordValidationFailure(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider()
	tp.RegisterSpanProcessor(recorder)
	tracer := tp.Tracer("test")

	_, span := tracer.Start(context.Background(), "action")
	RecordValidationFailure(span, testAction, 3)
	span.End()

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	events := spans[0].Events()
	if len(events) != 1 || events[0].Name != "action.validation_failed" {
		t.Fatalf("expected a validation event, got %+v", events)
	}

	attrs := attribute.NewSet(events[0].Attributes...)
	if value, ok := attrs.Value(attribute.Key("validation.errors.count")); !ok || value.AsInt64() != 3 {
		t.Fatalf("expected 3 validation errors, got %v", value)
	}
	if _, ok := attrs.Value(attribute.Key("action.payload")); ok {
		t.Fatalf("payload must not be attached to spans")
	}
}

func TestRecordValidationFailure_NilSpan(_ *testing.T) {
	RecordValidationFailure(nil, testAction, 1)
}
