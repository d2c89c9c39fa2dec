package fanout

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenticwork/activitycore/pkg/activity"
)

func contentDelta(seq int, delta, accumulated string) *activity.ContentDelta {
	return &activity.ContentDelta{
		SessionID:      "s1",
		Delta:          delta,
		Accumulated:    accumulated,
		SequenceNumber: seq,
		TS:             time.Now(),
	}
}

func complete() *activity.ActivityComplete {
	return &activity.ActivityComplete{SessionID: "s1", StopReason: activity.StopEndTurn, TS: time.Now()}
}

func collect(t *testing.T, sub *Subscriber) []activity.Event {
	t.Helper()
	var got []activity.Event
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e, ok := <-sub.Events():
			if !ok {
				return got
			}
			got = append(got, e)
		case <-deadline:
			t.Fatal("subscriber channel never closed")
		}
	}
}

func TestLosslessDeliversEverythingInOrder(t *testing.T) {
	f := New(8)
	sub := f.Subscribe("sse", Lossless)

	ctx := context.Background()
	f.Publish(ctx, &activity.ActivityStart{SessionID: "s1", Model: "m", TS: time.Now()})
	for i := 1; i <= 5; i++ {
		f.Publish(ctx, contentDelta(i, "x", ""))
	}
	f.Publish(ctx, complete())

	got := collect(t, sub)
	require.Len(t, got, 7)
	assert.Equal(t, activity.EventActivityStart, got[0].Kind())
	for i := 1; i <= 5; i++ {
		d, ok := got[i].(*activity.ContentDelta)
		require.True(t, ok)
		assert.Equal(t, i, d.SequenceNumber)
	}
	assert.Equal(t, activity.EventActivityComplete, got[6].Kind())
	assert.Zero(t, sub.Dropped())
}

func TestLosslessProducerWaitsForSpace(t *testing.T) {
	f := New(1)
	sub := f.Subscribe("sse", Lossless)

	published := make(chan struct{})
	go func() {
		ctx := context.Background()
		for i := 1; i <= 20; i++ {
			f.Publish(ctx, contentDelta(i, "x", ""))
		}
		f.Publish(ctx, complete())
		close(published)
	}()

	var got []activity.Event
	for e := range sub.Events() {
		time.Sleep(time.Millisecond) // slow consumer
		got = append(got, e)
	}
	<-published

	require.Len(t, got, 21, "lossless lane must not drop under pressure")
	assert.Zero(t, sub.Dropped())
}

func TestLosslessDropsOnCancelledContext(t *testing.T) {
	f := New(1)
	sub := f.Subscribe("sse", Lossless)

	ctx, cancel := context.WithCancel(context.Background())
	f.Publish(ctx, contentDelta(1, "a", "a")) // fills the buffer
	cancel()
	f.Publish(ctx, contentDelta(2, "b", "ab")) // no space, cancelled

	assert.Equal(t, uint64(1), sub.Dropped())
}

func TestLossyCoalescesDeltasAtWatermark(t *testing.T) {
	s := newSubscriber("persistence", Lossy, 2)
	// No pump running: exercise the queue directly.
	s.enqueue(contentDelta(1, "a", "a"))
	s.enqueue(contentDelta(2, "b", "ab"))
	s.enqueue(contentDelta(3, "c", "abc")) // full: replaces seq 2
	s.enqueue(contentDelta(4, "d", "abcd"))

	require.Len(t, s.queue, 2)
	last, ok := s.queue[1].(*activity.ContentDelta)
	require.True(t, ok)
	assert.Equal(t, 4, last.SequenceNumber)
	assert.Equal(t, "abcd", last.Accumulated, "later delta wins with full accumulation")
	assert.Equal(t, uint64(2), s.Coalesced())
	assert.Zero(t, s.Dropped())
}

func TestLossyCoalescingIsPerBlock(t *testing.T) {
	s := newSubscriber("persistence", Lossy, 2)
	s.enqueue(&activity.ToolDelta{SessionID: "s1", ToolCallID: "t1", Delta: "{", SequenceNumber: 1, TS: time.Now()})
	s.enqueue(&activity.ToolDelta{SessionID: "s1", ToolCallID: "t2", Delta: "{", SequenceNumber: 1, TS: time.Now()})
	s.enqueue(&activity.ToolDelta{SessionID: "s1", ToolCallID: "t1", Delta: `{"a`, SequenceNumber: 2, TS: time.Now()})

	require.Len(t, s.queue, 2)
	first, ok := s.queue[0].(*activity.ToolDelta)
	require.True(t, ok)
	assert.Equal(t, "t1", first.ToolCallID)
	assert.Equal(t, 2, first.SequenceNumber, "t1 coalesced in place, t2 untouched")
}

func TestLossyNeverDropsLifecycleEvents(t *testing.T) {
	s := newSubscriber("persistence", Lossy, 1)
	s.enqueue(contentDelta(1, "a", "a"))
	s.enqueue(&activity.ToolResult{SessionID: "s1", ToolCallID: "t1", Success: true, TS: time.Now()})
	s.enqueue(complete())

	require.Len(t, s.queue, 3, "lifecycle events overrun the watermark")
	assert.Zero(t, s.Dropped())
}

func TestLossyDropsProgressWhenFull(t *testing.T) {
	s := newSubscriber("persistence", Lossy, 1)
	s.enqueue(contentDelta(1, "a", "a"))
	s.enqueue(&activity.ToolProgress{SessionID: "s1", ToolCallID: "t1", Output: "50%", TS: time.Now()})

	require.Len(t, s.queue, 1)
	assert.Equal(t, uint64(1), s.Dropped())
}

func TestLossySubscriberEndToEnd(t *testing.T) {
	f := New(4)
	sub := f.Subscribe("metrics", Lossy)

	go func() {
		ctx := context.Background()
		f.Publish(ctx, &activity.ToolStart{SessionID: "s1", ToolCallID: "t1", ToolName: "search", TS: time.Now()})
		for i := 1; i <= 50; i++ {
			f.Publish(ctx, contentDelta(i, "x", ""))
		}
		f.Publish(ctx, &activity.ToolResult{SessionID: "s1", ToolCallID: "t1", Success: true, TS: time.Now()})
		f.Publish(ctx, complete())
	}()

	got := collect(t, sub)
	require.NotEmpty(t, got)
	assert.Equal(t, activity.EventToolStart, got[0].Kind())
	assert.Equal(t, activity.EventActivityComplete, got[len(got)-1].Kind())
	assert.Equal(t, activity.EventToolResult, got[len(got)-2].Kind())

	prev := 0
	for _, e := range got[1 : len(got)-2] {
		d, ok := e.(*activity.ContentDelta)
		require.True(t, ok)
		assert.Greater(t, d.SequenceNumber, prev, "delivery preserves publish order")
		prev = d.SequenceNumber
	}
}

func TestPublishAfterCompleteIsIgnored(t *testing.T) {
	f := New(8)
	sub := f.Subscribe("sse", Lossless)

	ctx := context.Background()
	f.Publish(ctx, complete())
	f.Publish(ctx, contentDelta(1, "late", "late"))

	got := collect(t, sub)
	require.Len(t, got, 1)
	assert.Equal(t, activity.EventActivityComplete, got[0].Kind())
}
