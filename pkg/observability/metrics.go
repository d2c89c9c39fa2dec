// Package observability exposes Prometheus metrics through the OpenTelemetry
// meter API and bridges them to the event stream.
package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/agenticwork/activitycore/pkg/activity"
)

// Metrics records the operational signals of the streaming core.
type Metrics interface {
	RecordActivity(ctx context.Context, model string, duration time.Duration, usage activity.TokenUsage, stop activity.StopReason, costUSD float64)
	RecordToolExecution(ctx context.Context, tool string, duration time.Duration, success bool)
	RecordFanoutDrops(ctx context.Context, subscriber string, dropped uint64)
}

// PrometheusMetrics implements Metrics on otel instruments backed by the
// prometheus exporter. The zero value is a no-op.
type PrometheusMetrics struct {
	activityDuration metric.Float64Histogram
	activitiesTotal  metric.Int64Counter
	activityErrors   metric.Int64Counter
	inputTokens      metric.Int64Counter
	outputTokens     metric.Int64Counter
	reasoningTokens  metric.Int64Counter
	costUSD          metric.Float64Counter

	toolDuration metric.Float64Histogram
	toolCalls    metric.Int64Counter
	toolErrors   metric.Int64Counter

	fanoutDropped metric.Int64Counter
}

// InitMetrics builds the meter provider with a prometheus reader. The
// exporter registers with the default prometheus registry, so the standard
// promhttp handler serves the scrape surface.
func InitMetrics(ctx context.Context, enabled bool) (*PrometheusMetrics, error) {
	if !enabled {
		return &PrometheusMetrics{}, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	meter := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter)).Meter("activitycore")

	m := &PrometheusMetrics{}
	if m.activityDuration, err = meter.Float64Histogram(
		"activitycore_activity_duration_seconds",
		metric.WithDescription("Activity turn duration in seconds"),
	); err != nil {
		return nil, err
	}
	if m.activitiesTotal, err = meter.Int64Counter(
		"activitycore_activities_total",
		metric.WithDescription("Total activity turns"),
	); err != nil {
		return nil, err
	}
	if m.activityErrors, err = meter.Int64Counter(
		"activitycore_activity_errors_total",
		metric.WithDescription("Activity turns that ended with stopReason=error"),
	); err != nil {
		return nil, err
	}
	if m.inputTokens, err = meter.Int64Counter(
		"activitycore_tokens_input_total",
		metric.WithDescription("Total input tokens"),
	); err != nil {
		return nil, err
	}
	if m.outputTokens, err = meter.Int64Counter(
		"activitycore_tokens_output_total",
		metric.WithDescription("Total output tokens"),
	); err != nil {
		return nil, err
	}
	if m.reasoningTokens, err = meter.Int64Counter(
		"activitycore_tokens_reasoning_total",
		metric.WithDescription("Total reasoning tokens, visible or hidden"),
	); err != nil {
		return nil, err
	}
	if m.costUSD, err = meter.Float64Counter(
		"activitycore_cost_usd_total",
		metric.WithDescription("Accumulated model cost in USD"),
	); err != nil {
		return nil, err
	}
	if m.toolDuration, err = meter.Float64Histogram(
		"activitycore_tool_execution_duration_seconds",
		metric.WithDescription("Tool execution duration in seconds"),
	); err != nil {
		return nil, err
	}
	if m.toolCalls, err = meter.Int64Counter(
		"activitycore_tool_calls_total",
		metric.WithDescription("Total tool calls"),
	); err != nil {
		return nil, err
	}
	if m.toolErrors, err = meter.Int64Counter(
		"activitycore_tool_errors_total",
		metric.WithDescription("Total failed tool calls"),
	); err != nil {
		return nil, err
	}
	if m.fanoutDropped, err = meter.Int64Counter(
		"activitycore_fanout_dropped_total",
		metric.WithDescription("Events dropped by lossy fanout subscribers"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *PrometheusMetrics) RecordActivity(ctx context.Context, model string, duration time.Duration, usage activity.TokenUsage, stop activity.StopReason, costUSD float64) {
	if m == nil || m.activitiesTotal == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("model", model))
	m.activityDuration.Record(ctx, duration.Seconds(), attrs)
	m.activitiesTotal.Add(ctx, 1, attrs)
	m.inputTokens.Add(ctx, int64(usage.In), attrs)
	m.outputTokens.Add(ctx, int64(usage.Out), attrs)
	m.reasoningTokens.Add(ctx, int64(usage.Reasoning), attrs)
	if costUSD > 0 {
		m.costUSD.Add(ctx, costUSD, attrs)
	}
	if stop == activity.StopError {
		m.activityErrors.Add(ctx, 1, attrs)
	}
}

func (m *PrometheusMetrics) RecordToolExecution(ctx context.Context, tool string, duration time.Duration, success bool) {
	if m == nil || m.toolCalls == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("tool", tool))
	m.toolDuration.Record(ctx, duration.Seconds(), attrs)
	m.toolCalls.Add(ctx, 1, attrs)
	if !success {
		m.toolErrors.Add(ctx, 1, attrs)
	}
}

func (m *PrometheusMetrics) RecordFanoutDrops(ctx context.Context, subscriber string, dropped uint64) {
	if m == nil || m.fanoutDropped == nil || dropped == 0 {
		return
	}
	m.fanoutDropped.Add(ctx, int64(dropped),
		metric.WithAttributes(attribute.String("subscriber", subscriber)))
}
