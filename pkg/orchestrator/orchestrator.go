// Package orchestrator drives one chat request from prompt resolution
// through provider streaming, tool execution and continuation turns to the
// terminal activity_complete. Each request is a single task owning its
// activity session; child work (provider reads, tool handlers, fanout
// publishes) lives and dies with it.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agenticwork/activitycore/pkg/activity"
	"github.com/agenticwork/activitycore/pkg/capability"
	"github.com/agenticwork/activitycore/pkg/config"
	"github.com/agenticwork/activitycore/pkg/fanout"
	"github.com/agenticwork/activitycore/pkg/observability"
	"github.com/agenticwork/activitycore/pkg/prompt"
	"github.com/agenticwork/activitycore/pkg/providers"
	"github.com/agenticwork/activitycore/pkg/store"
	"github.com/agenticwork/activitycore/pkg/tools"
)

// Error codes surfaced on the SSE error event before a
// stopReason=error terminal.
const (
	CodePromptNotConfigured = "PROMPT_NOT_CONFIGURED"
	CodePromptRoutingFailed = "PROMPT_ROUTING_FAILED"
	CodeProviderStream      = "PROVIDER_STREAM_ERROR"
	CodeToolFailed          = "TOOL_EXECUTION_FAILED"
	CodeHandoffDepth        = "HANDOFF_DEPTH_EXCEEDED"
	CodeHandoffCycle        = "HANDOFF_CYCLE"
	CodeCancelled           = "CLIENT_CANCELLED"
	CodeInternal            = "INTERNAL"
)

var (
	errAborted      = errors.New("request cancelled")
	errToolFatal    = errors.New("tool failed twice with identical arguments")
	errHandoffDepth = errors.New("handoff depth exceeded")
	errHandoffCycle = errors.New("handoff cycle detected")
)

// ErrCode maps a turn failure to its wire error code.
func ErrCode(err error) string {
	switch {
	case errors.Is(err, prompt.ErrNotConfigured):
		return CodePromptNotConfigured
	case errors.Is(err, prompt.ErrRoutingFailed):
		return CodePromptRoutingFailed
	case errors.Is(err, errAborted), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return CodeCancelled
	case errors.Is(err, errToolFatal):
		return CodeToolFailed
	case errors.Is(err, errHandoffDepth):
		return CodeHandoffDepth
	case errors.Is(err, errHandoffCycle):
		return CodeHandoffCycle
	case errors.Is(err, errStream):
		return CodeProviderStream
	default:
		return CodeInternal
	}
}

var errStream = errors.New("provider stream error")

// Services bundles the collaborators the orchestrator is built from. No
// ambient globals: everything the turn loop touches arrives here.
type Services struct {
	Providers    *providers.Registry
	Tools        *tools.Registry
	Invoker      *tools.Invoker
	Capabilities *capability.Registry
	Prompts      *prompt.Router
	Store        store.Store
	Metrics      observability.Metrics
}

// Request is one inbound chat turn.
type Request struct {
	// SessionID names the conversation; empty starts a new one.
	SessionID string
	// MessageID identifies the assistant message this turn will produce;
	// empty generates one.
	MessageID string
	UserID    string
	Groups    []string
	Message   string
	// Provider is the configured provider id; Model the model to stream from.
	Provider string
	Model    string
	// EnabledTools restricts the offered tool set; empty offers everything.
	EnabledTools []string
}

// Orchestrator runs chat requests. Safe for concurrent use; each request
// owns its own session and fanout.
type Orchestrator struct {
	cfg    config.OrchestratorConfig
	fanCfg config.FanoutConfig
	svc    Services

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

func New(cfg config.OrchestratorConfig, fanCfg config.FanoutConfig, svc Services) *Orchestrator {
	if svc.Metrics == nil {
		svc.Metrics = &observability.PrometheusMetrics{}
	}
	return &Orchestrator{
		cfg:    cfg,
		fanCfg: fanCfg,
		svc:    svc,
		active: make(map[string]context.CancelFunc),
	}
}

// Stream starts a request and returns the client-facing subscription. Events
// begin flowing immediately; failures after this point are framed on the
// stream as an error event followed by activity_complete{stopReason=error}.
func (o *Orchestrator) Stream(ctx context.Context, req Request) (*fanout.Subscriber, error) {
	if req.Message == "" {
		return nil, fmt.Errorf("message is required")
	}
	if req.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	transport, err := o.svc.Providers.Transport(req.Provider)
	if err != nil {
		return nil, err
	}
	if req.SessionID == "" {
		req.SessionID = uuid.New().String()
	}
	if req.MessageID == "" {
		req.MessageID = uuid.New().String()
	}

	// Resolve the prompt before any stream bytes flow: a misconfigured or
	// unroutable prompt is a request failure, not a mid-stream error frame.
	res, err := o.svc.Prompts.Resolve(ctx, req.UserID, req.Message, req.Groups)
	if err != nil {
		return nil, err
	}

	// Snapshot the limits: a concurrent UpdateConfig applies to later
	// requests, never to one mid-flight.
	o.mu.Lock()
	cfg, fanCfg := o.cfg, o.fanCfg
	o.mu.Unlock()

	fan := fanout.New(fanCfg.BufferSize)
	ssePolicy := fanout.Lossless
	if !fanCfg.SSELossless {
		ssePolicy = fanout.Lossy
	}
	sse := fan.Subscribe("sse", ssePolicy)
	metricsLane := fan.Subscribe("metrics", fanout.Lossy)

	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.RequestTimeout)
	o.mu.Lock()
	o.active[req.SessionID] = cancel
	o.mu.Unlock()

	// The metrics lane outlives the request context so a cancelled turn is
	// still counted.
	observerDone := make(chan struct{})
	go func() {
		defer close(observerDone)
		observability.ObserveEvents(context.Background(), o.svc.Metrics, req.Model, metricsLane.Events())
	}()

	go func() {
		defer cancel()
		defer o.release(req.SessionID)
		r := &run{
			o:         o,
			cfg:       cfg,
			req:       req,
			fan:       fan,
			calls:     o.svc.Invoker.NewScope(),
			visited:   make(map[tools.HandoffRole]bool),
			messageID: req.MessageID,
			system:    res.Content,
		}
		r.execute(runCtx, transport)
		fan.Close()
		<-observerDone
		o.svc.Metrics.RecordFanoutDrops(context.Background(), sse.Name(), sse.Dropped())
		o.svc.Metrics.RecordFanoutDrops(context.Background(), metricsLane.Name(), metricsLane.Dropped())
	}()

	return sse, nil
}

// UpdateConfig swaps the turn limits and fanout sizing. In-flight requests
// keep the limits they started with.
func (o *Orchestrator) UpdateConfig(cfg config.OrchestratorConfig, fanCfg config.FanoutConfig) {
	o.mu.Lock()
	o.cfg = cfg
	o.fanCfg = fanCfg
	o.mu.Unlock()
}

// Cancel aborts an in-flight session. Idempotent: cancelling an unknown or
// already-cancelled session reports false and does nothing.
func (o *Orchestrator) Cancel(sessionID string) bool {
	o.mu.Lock()
	cancel, ok := o.active[sessionID]
	o.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (o *Orchestrator) release(sessionID string) {
	o.mu.Lock()
	delete(o.active, sessionID)
	o.mu.Unlock()
}

// chatHistory shapes persisted messages for provider request replay.
func chatHistory(history []activity.Message) []providers.ChatMessage {
	msgs := make([]providers.ChatMessage, 0, len(history))
	for _, m := range history {
		cm := providers.ChatMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			cm.ToolCalls = append(cm.ToolCalls, providers.RequestToolCall{
				ID:        tc.ID,
				Name:      tc.Name,
				Arguments: tc.Raw,
			})
		}
		msgs = append(msgs, cm)
	}
	return msgs
}

// reasoningTrace concatenates the visible reasoning fragments of a turn.
func reasoningTrace(fragments []activity.Fragment) string {
	var trace string
	for _, f := range fragments {
		if f.Kind != activity.FragmentReasoning || f.Hidden || f.Content == "" {
			continue
		}
		if trace != "" {
			trace += "\n\n"
		}
		trace += f.Content
	}
	return trace
}

func persistTimeout() (context.Context, context.CancelFunc) {
	// Detached from the request: a cancelled turn still writes its truncated
	// transcript so a rejoining client can read it.
	return context.WithTimeout(context.Background(), 10*time.Second)
}

func logPersistErr(what string, err error) {
	if err != nil {
		slog.Error("Failed to persist "+what, "error", err)
	}
}
