// Package activity defines the canonical, provider-independent event
// vocabulary of the orchestration core and the per-request session state
// that produces it.
//
// Every provider stream, whatever its native wire protocol, is normalized
// into the event types in this package. Consumers (the SSE writer, the
// persistence writer, the metrics recorder) only ever see these events.
//
// For a given session the event sequence is totally ordered: it begins with
// exactly one ActivityStart, ends with exactly one ActivityComplete, and
// timestamps never move backwards. The Session type owns those invariants;
// normalizers and the orchestrator go through it rather than constructing
// events by hand.
package activity
