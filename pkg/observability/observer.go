package observability

import (
	"context"
	"time"

	"github.com/agenticwork/activitycore/pkg/activity"
)

// ObserveEvents drains one fanout subscriber lane and turns its events into
// metric recordings. Returns when the lane closes.
func ObserveEvents(ctx context.Context, m Metrics, model string, events <-chan activity.Event) {
	started := time.Now()
	toolNames := make(map[string]string)

	for e := range events {
		switch ev := e.(type) {
		case *activity.ActivityStart:
			started = ev.TS
			if ev.Model != "" {
				model = ev.Model
			}
		case *activity.ToolStart:
			toolNames[ev.ToolCallID] = ev.ToolName
		case *activity.ToolResult:
			name := toolNames[ev.ToolCallID]
			if name == "" {
				name = "unknown"
			}
			m.RecordToolExecution(ctx, name, time.Duration(ev.ExecutionMs)*time.Millisecond, ev.Success)
		case *activity.ActivityComplete:
			duration := ev.TS.Sub(started)
			if ev.Timing.ElapsedMs > 0 {
				duration = time.Duration(ev.Timing.ElapsedMs) * time.Millisecond
			}
			m.RecordActivity(ctx, model, duration, ev.Tokens, ev.StopReason, ev.CostUSD)
		}
	}
}
