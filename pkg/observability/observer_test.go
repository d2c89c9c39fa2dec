package observability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenticwork/activitycore/pkg/activity"
)

type recordingMetrics struct {
	activities []string
	tools      []string
	failures   int
	errors     int
}

func (r *recordingMetrics) RecordActivity(ctx context.Context, model string, d time.Duration, usage activity.TokenUsage, stop activity.StopReason, cost float64) {
	r.activities = append(r.activities, model)
	if stop == activity.StopError {
		r.errors++
	}
}

func (r *recordingMetrics) RecordToolExecution(ctx context.Context, tool string, d time.Duration, success bool) {
	r.tools = append(r.tools, tool)
	if !success {
		r.failures++
	}
}

func (r *recordingMetrics) RecordFanoutDrops(ctx context.Context, subscriber string, dropped uint64) {}

func TestObserveEventsRecordsActivityAndTools(t *testing.T) {
	m := &recordingMetrics{}
	events := make(chan activity.Event, 8)
	now := time.Now()

	events <- &activity.ActivityStart{SessionID: "s1", Model: "claude-opus-4", TS: now}
	events <- &activity.ToolStart{SessionID: "s1", ToolCallID: "t1", ToolName: "search", TS: now}
	events <- &activity.ToolResult{SessionID: "s1", ToolCallID: "t1", Success: false, ExecutionMs: 40, TS: now}
	events <- &activity.ActivityComplete{
		SessionID:  "s1",
		Tokens:     activity.TokenUsage{In: 100, Out: 20},
		Timing:     activity.Timing{ElapsedMs: 900},
		StopReason: activity.StopEndTurn,
		TS:         now.Add(time.Second),
	}
	close(events)

	ObserveEvents(context.Background(), m, "", events)

	require.Len(t, m.activities, 1)
	assert.Equal(t, "claude-opus-4", m.activities[0])
	require.Len(t, m.tools, 1)
	assert.Equal(t, "search", m.tools[0])
	assert.Equal(t, 1, m.failures)
	assert.Zero(t, m.errors)
}

func TestInitMetricsDisabledIsNoop(t *testing.T) {
	m, err := InitMetrics(context.Background(), false)
	require.NoError(t, err)
	// Recording on the zero value must not panic.
	m.RecordActivity(context.Background(), "m", time.Second, activity.TokenUsage{}, activity.StopEndTurn, 0)
	m.RecordToolExecution(context.Background(), "t", time.Second, true)
	m.RecordFanoutDrops(context.Background(), "sse", 3)
}
