// Package fanout delivers canonical activity events to multiple consumers
// with per-consumer backpressure policies. The client-facing SSE consumer is
// lossless: when its buffer is full the producer waits for space. Persistence
// and metrics consumers are lossy: under pressure consecutive deltas of the
// same block are coalesced (the later event wins, its accumulated field
// carries the full text) and progress noise is dropped. Lifecycle events are
// never dropped on any lane.
package fanout

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/agenticwork/activitycore/pkg/activity"
)

// Policy selects the backpressure behavior of one subscriber.
type Policy int

const (
	// Lossless blocks the producer when the subscriber buffer is full.
	Lossless Policy = iota
	// Lossy coalesces deltas and drops progress events when the buffer is
	// full. Lifecycle events are still always delivered.
	Lossy
)

// DefaultBufferSize is used when a fanout is created with a non-positive size.
const DefaultBufferSize = 256

// Fanout distributes the events of one activity to its subscribers. Events
// must be published from a single goroutine; within each subscriber the
// delivery order equals the publish order. Publishing an activity_complete
// terminates every subscription after delivery.
type Fanout struct {
	mu      sync.Mutex
	subs    []*Subscriber
	bufSize int
	closed  bool
	// session is the id of the first activity_start seen. Handoffs nest
	// further start/complete pairs inside one stream; only the owning
	// session's activity_complete terminates the fanout.
	session string
}

func New(bufSize int) *Fanout {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	return &Fanout{bufSize: bufSize}
}

// Subscribe attaches a named consumer. Subscribers added after publishing has
// begun only see events published after attachment.
func (f *Fanout) Subscribe(name string, policy Policy) *Subscriber {
	f.mu.Lock()
	defer f.mu.Unlock()

	s := newSubscriber(name, policy, f.bufSize)
	if f.closed {
		s.finish()
	} else {
		f.subs = append(f.subs, s)
	}
	if policy == Lossy {
		go s.pump()
	}
	return s
}

// Publish delivers the event to every subscriber according to its policy.
// The context bounds how long a lossless delivery may block; on cancellation
// non-terminal events may be discarded so the producer can shut down.
func (f *Fanout) Publish(ctx context.Context, e activity.Event) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	if e.Kind() == activity.EventActivityStart && f.session == "" {
		f.session = e.Session()
	}
	owner := f.session
	subs := f.subs
	f.mu.Unlock()

	for _, s := range subs {
		s.deliver(ctx, e)
	}

	if e.Kind() == activity.EventActivityComplete && (owner == "" || e.Session() == owner) {
		f.Close()
	}
}

// Close terminates all subscriptions. Already buffered events are still
// drained by their consumers before the channels close.
func (f *Fanout) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	subs := f.subs
	f.subs = nil
	f.mu.Unlock()

	for _, s := range subs {
		s.finish()
	}
}

// Subscriber is one consumer lane. Read events from Events(); the channel is
// closed after the terminal activity_complete (or Fanout.Close) once all
// buffered events have been drained.
type Subscriber struct {
	name   string
	policy Policy
	max    int

	out    chan activity.Event
	notify chan struct{}

	mu      sync.Mutex
	queue   []activity.Event
	closing bool

	dropped   atomic.Uint64
	coalesced atomic.Uint64
	done      atomic.Bool
}

func newSubscriber(name string, policy Policy, bufSize int) *Subscriber {
	s := &Subscriber{
		name:   name,
		policy: policy,
		max:    bufSize,
		notify: make(chan struct{}, 1),
	}
	if policy == Lossless {
		s.out = make(chan activity.Event, bufSize)
	} else {
		// Lossy lanes buffer in the queue so pressure can coalesce; the
		// channel itself is a plain handoff.
		s.out = make(chan activity.Event)
	}
	return s
}

func (s *Subscriber) Name() string { return s.name }

// Events returns the delivery channel. Order matches publish order.
func (s *Subscriber) Events() <-chan activity.Event { return s.out }

// Dropped reports how many events were discarded under backpressure.
func (s *Subscriber) Dropped() uint64 { return s.dropped.Load() }

// Coalesced reports how many deltas were merged into a newer one.
func (s *Subscriber) Coalesced() uint64 { return s.coalesced.Load() }

func (s *Subscriber) deliver(ctx context.Context, e activity.Event) {
	if s.done.Load() {
		return
	}
	if s.policy == Lossless {
		s.send(ctx, e)
		return
	}
	s.enqueue(e)
}

// send blocks until the lossless buffer has space. When the producer context
// is cancelled it makes one last non-blocking attempt so terminal events
// still reach a live consumer.
func (s *Subscriber) send(ctx context.Context, e activity.Event) {
	select {
	case s.out <- e:
	case <-ctx.Done():
		select {
		case s.out <- e:
		default:
			s.dropped.Add(1)
		}
	}
}

// enqueue appends to the lossy queue. At the watermark, deltas coalesce into
// the newest queued delta of the same block and progress events are dropped;
// lifecycle events are appended regardless.
func (s *Subscriber) enqueue(e activity.Event) {
	s.mu.Lock()
	if len(s.queue) >= s.max {
		if key := coalesceKey(e); key != "" {
			for i := len(s.queue) - 1; i >= 0; i-- {
				if coalesceKey(s.queue[i]) == key {
					s.queue[i] = e
					s.coalesced.Add(1)
					s.mu.Unlock()
					s.wake()
					return
				}
			}
			s.dropped.Add(1)
			s.mu.Unlock()
			return
		}
		if e.Kind() == activity.EventToolProgress {
			s.dropped.Add(1)
			s.mu.Unlock()
			return
		}
		// Lifecycle events overrun the watermark rather than drop.
	}
	s.queue = append(s.queue, e)
	s.mu.Unlock()
	s.wake()
}

func (s *Subscriber) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// pump drains the lossy queue into the output channel, preserving order.
func (s *Subscriber) pump() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			if s.closing {
				s.mu.Unlock()
				close(s.out)
				return
			}
			s.mu.Unlock()
			<-s.notify
			continue
		}
		e := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		s.out <- e
	}
}

func (s *Subscriber) finish() {
	if !s.done.CompareAndSwap(false, true) {
		return
	}
	if s.policy == Lossless {
		close(s.out)
		return
	}
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.wake()
}

// coalesceKey identifies events that may replace an older queued sibling
// under pressure. Deltas coalesce per block; metrics snapshots supersede
// each other wholesale.
func coalesceKey(e activity.Event) string {
	if d, ok := e.(activity.Delta); ok {
		return d.StreamKey()
	}
	if e.Kind() == activity.EventMetricsUpdate {
		return "metrics"
	}
	return ""
}
