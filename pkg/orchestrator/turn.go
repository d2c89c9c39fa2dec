package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/agenticwork/activitycore/pkg/activity"
	"github.com/agenticwork/activitycore/pkg/capability"
	"github.com/agenticwork/activitycore/pkg/config"
	"github.com/agenticwork/activitycore/pkg/fanout"
	"github.com/agenticwork/activitycore/pkg/providers"
	"github.com/agenticwork/activitycore/pkg/tools"
)

// run is the per-request state of one orchestration task. It is confined to
// the task goroutine; only the fanout and the invoker are shared.
type run struct {
	o *Orchestrator
	// cfg is the limits snapshot taken when the request started.
	cfg config.OrchestratorConfig
	req Request
	fan *fanout.Fanout
	// calls scopes consecutive-failure tracking to this request.
	calls *tools.RequestScope
	// messageID identifies the assistant message this request will persist.
	messageID string
	system    string
	cost      float64
	handoffs  int
	visited   map[tools.HandoffRole]bool
	results   []activity.ToolResultRecord
}

func (r *run) publish(ctx context.Context, evts ...activity.Event) {
	for _, e := range evts {
		if e == nil {
			continue
		}
		r.fan.Publish(ctx, e)
	}
}

// execute runs the whole request: prepare, converse, persist.
func (r *run) execute(ctx context.Context, transport providers.Transport) {
	caps := r.o.svc.Capabilities.Lookup(r.req.Model)
	session := activity.NewSession(r.messageID, r.req.Model, r.req.Provider)
	r.publish(ctx, session.Begin(caps.Summary()))

	history, err := r.o.svc.Store.History(ctx, r.req.SessionID, 0)
	if err != nil {
		r.fail(ctx, session, caps, fmt.Errorf("failed to load history: %w", err))
		return
	}

	userMsg := activity.Message{
		ID:        uuid.New().String(),
		SessionID: r.req.SessionID,
		Role:      activity.RoleUser,
		Content:   r.req.Message,
		Timestamp: time.Now(),
	}
	if err := r.o.svc.Store.SaveMessage(ctx, userMsg); err != nil {
		r.fail(ctx, session, caps, fmt.Errorf("failed to persist user message: %w", err))
		return
	}

	messages := append(chatHistory(history), providers.ChatMessage{
		Role:    "user",
		Content: r.req.Message,
	})

	convErr := r.converse(ctx, session, caps, transport, messages, 0)
	r.persistAssistant(session, convErr != nil)
}

// converse owns one session from after its activity_start to its terminal
// event. Handoffs recurse here with their own sessions.
func (r *run) converse(ctx context.Context, session *activity.Session, caps capability.Capabilities, transport providers.Transport, messages []providers.ChatMessage, depth int) error {
	stop, err := r.turns(ctx, session, caps, transport, messages, depth)
	estimateUsage(session)
	cost := caps.Cost(session.Usage())
	r.cost += cost

	if err != nil {
		if errors.Is(err, errAborted) {
			// The truncated transcript is annotated so a rejoining client can
			// tell the turn was cut short.
			if evts, aerr := session.AppendContent("[Interrupted]"); aerr == nil {
				r.publish(ctx, evts...)
			}
		}
		r.publish(ctx, session.Errorf(ErrCode(err), "%v", err))
		if done, cerr := session.Complete(activity.StopError, cost); cerr == nil {
			r.publish(ctx, done)
		}
		return err
	}

	r.publish(ctx, session.Metrics())
	done, cerr := session.Complete(stop, cost)
	if cerr != nil {
		r.publish(ctx, session.Errorf(CodeInternal, "%v", cerr))
		if done, cerr2 := session.Complete(activity.StopError, cost); cerr2 == nil {
			r.publish(ctx, done)
		}
		return cerr
	}
	r.publish(ctx, done)
	return nil
}

// estimateUsage backfills output accounting when the provider closed the
// stream without reporting usage, counting the transcript with the model's
// token encoding.
func estimateUsage(session *activity.Session) {
	if session.Usage().Out > 0 {
		return
	}
	text := session.Content()
	if trace := reasoningTrace(session.Fragments()); trace != "" {
		if text != "" {
			text += "\n\n"
		}
		text += trace
	}
	if text == "" {
		return
	}
	counter, err := capability.NewTokenCounter(session.Model)
	if err != nil {
		slog.Warn("Failed to build token counter for usage estimate",
			"model", session.Model, "error", err)
		return
	}
	session.AddUsage(0, counter.Count(text), 0)
}

// fail frames a turn failure on the stream and terminates the session.
func (r *run) fail(ctx context.Context, session *activity.Session, caps capability.Capabilities, err error) {
	r.publish(ctx, session.Errorf(ErrCode(err), "%v", err))
	cost := caps.Cost(session.Usage())
	r.cost += cost
	if done, cerr := session.Complete(activity.StopError, cost); cerr == nil {
		r.publish(ctx, done)
	}
	r.persistAssistant(session, true)
}

// turns is the S1..S3 loop: stream a model turn, execute its tools, append
// role=tool messages and reopen the stream, until the model stops calling
// tools or the iteration bound trips.
func (r *run) turns(ctx context.Context, session *activity.Session, caps capability.Capabilities, transport providers.Transport, messages []providers.ChatMessage, depth int) (activity.StopReason, error) {
	family := transport.ResolveFamily(session.Model)
	norm, err := providers.NewNormalizer(family)
	if err != nil {
		return "", err
	}

	defs := r.toolDefs(caps)
	contentSeen := 0

	for iteration := 0; iteration < r.cfg.MaxIterations; iteration++ {
		if iteration > 0 {
			session.ResetTurn()
		}
		req := providers.StreamRequest{
			Model:     session.Model,
			System:    r.system,
			Messages:  messages,
			Tools:     defs,
			MaxTokens: caps.MaxOutputTokens,
		}
		if caps.Thinking.Enabled() {
			if caps.Thinking.Hidden() {
				req.ReasoningEffort = "medium"
			} else {
				req.ThinkingBudget = caps.Thinking.DefaultBudgetTokens
			}
		}

		stop, err := r.streamTurn(ctx, session, norm, transport, req)
		if err != nil {
			return "", err
		}

		pending := pendingCalls(session)
		if len(pending) == 0 {
			return stop, nil
		}
		r.publish(ctx, session.Metrics())

		toolMsgs, err := r.executeTools(ctx, session, pending, messages, depth)
		if err != nil {
			return "", err
		}

		// Replay this turn's assistant output and tool calls, then the
		// results in toolIndex order, for the continuation stream.
		turnText := session.Content()[contentSeen:]
		contentSeen = len(session.Content())
		assistant := providers.ChatMessage{Role: "assistant", Content: turnText}
		for _, st := range pending {
			assistant.ToolCalls = append(assistant.ToolCalls, providers.RequestToolCall{
				ID:        st.ID,
				Name:      st.Name,
				Arguments: st.Accumulated(),
			})
		}
		messages = append(messages, assistant)
		messages = append(messages, toolMsgs...)
	}
	return "", fmt.Errorf("%w: no terminal turn after %d iterations", errStream, r.cfg.MaxIterations)
}

// streamTurn feeds one provider stream through the normalizer. A mid-stream
// transport error gets one graceful continuation attempt; the session keeps
// its thinking signature across the reopen.
func (r *run) streamTurn(ctx context.Context, session *activity.Session, norm providers.Normalizer, transport providers.Transport, req providers.StreamRequest) (activity.StopReason, error) {
	stop, err := r.streamOnce(ctx, session, norm, transport, req)
	if err == nil || ctx.Err() != nil || errors.Is(err, errAborted) {
		return stop, err
	}
	slog.Warn("Provider stream failed, attempting one continuation",
		"session", session.ID, "model", session.Model, "error", err)
	session.ResetTurn()
	// Replay any signed partial thinking so the model resumes where the
	// broken stream left off.
	req.ThinkingSignature = session.ThinkingSignature
	req.ThinkingText = session.ThinkingContent()
	return r.streamOnce(ctx, session, norm, transport, req)
}

func (r *run) streamOnce(ctx context.Context, session *activity.Session, norm providers.Normalizer, transport providers.Transport, req providers.StreamRequest) (activity.StopReason, error) {
	stream, err := transport.OpenStream(ctx, req)
	if err != nil {
		return "", fmt.Errorf("%w: open: %v", errStream, err)
	}
	defer stream.Close()

	for {
		raw, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				r.gracefulClose(stream)
				return "", fmt.Errorf("%w: %v", errAborted, ctx.Err())
			}
			return "", fmt.Errorf("%w: %v", errStream, err)
		}
		evts, err := norm.Feed(raw, session)
		if err != nil {
			return "", err
		}
		r.publish(ctx, evts...)
	}

	evts, stop, err := norm.Finish(session)
	if err != nil {
		return "", err
	}
	r.publish(ctx, evts...)
	return stop, nil
}

// gracefulClose gives the provider stream a bounded window to shut down
// before the task moves on.
func (r *run) gracefulClose(stream providers.Stream) {
	done := make(chan struct{})
	go func() {
		_ = stream.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(r.cfg.AbortGrace):
	}
}

func pendingCalls(s *activity.Session) []*activity.ToolCallState {
	var out []*activity.ToolCallState
	for _, st := range s.ToolCalls() {
		if st.Completed() && !st.Resulted() {
			out = append(out, st)
		}
	}
	return out
}

type toolSignal struct {
	idx     int
	id      string
	output  string
	done    bool
	outcome tools.Outcome
	elapsed time.Duration
	err     error
}

// executeTools runs all of one turn's tool calls in parallel. Results are
// published as each handler finishes; the returned role=tool messages are in
// toolIndex order regardless of completion order. Handoffs are resolved
// serially after the parallel phase since each one is a model call.
func (r *run) executeTools(ctx context.Context, session *activity.Session, pending []*activity.ToolCallState, messages []providers.ChatMessage, depth int) ([]providers.ChatMessage, error) {
	signals := make(chan toolSignal, 2*len(pending))
	outcomes := make([]toolSignal, len(pending))

	g, gctx := errgroup.WithContext(ctx)
	for i, st := range pending {
		call := activity.ToolCall{ID: st.ID, Name: st.Name, Arguments: st.Arguments, Raw: st.Accumulated()}
		idx := i
		g.Go(func() error {
			start := time.Now()
			out, err := r.calls.InvokeWithProgress(gctx, call, func(output string) {
				select {
				case signals <- toolSignal{idx: idx, id: call.ID, output: output}:
				case <-gctx.Done():
				}
			})
			signals <- toolSignal{idx: idx, id: call.ID, done: true, outcome: out, elapsed: time.Since(start), err: err}
			return nil
		})
	}
	go func() {
		_ = g.Wait()
		close(signals)
	}()

	// The session is single-owner: progress and result events are folded in
	// here, on the task goroutine, as the handlers report.
	for sig := range signals {
		if !sig.done {
			if ev, err := session.Progress(sig.id, sig.output); err == nil {
				r.publish(ctx, ev)
			}
			continue
		}
		outcomes[sig.idx] = sig
		if sig.err != nil || sig.outcome.Handoff != nil {
			continue
		}
		r.finishCall(ctx, session, pending[sig.idx], sig)
	}

	var toolMsgs []providers.ChatMessage
	var fatal bool
	for i, st := range pending {
		sig := outcomes[i]
		if sig.err != nil {
			return nil, sig.err
		}
		oc := sig.outcome

		if oc.Handoff != nil {
			content, herr := r.runHandoff(ctx, oc.Handoff, messages, depth)
			if errors.Is(herr, errHandoffDepth) || errors.Is(herr, errHandoffCycle) {
				return nil, herr
			}
			success, errMsg := true, ""
			if herr != nil {
				success, errMsg, content = false, herr.Error(), ""
			}
			if ev, ferr := session.FinishTool(st.ID, content, success, errMsg, sig.elapsed); ferr == nil {
				r.publish(ctx, ev)
			}
			toolMsgs = append(toolMsgs, r.toolMessage(st, content, success, errMsg, sig.elapsed))
			continue
		}

		content := oc.Result.Content
		if !oc.Result.Success {
			content = "Error: " + oc.Result.Error
		}
		toolMsgs = append(toolMsgs, r.toolMessage(st, content, oc.Result.Success, oc.Result.Error, sig.elapsed))
		if oc.Fatal {
			fatal = true
		}
	}
	if fatal {
		return nil, errToolFatal
	}
	return toolMsgs, nil
}

// finishCall publishes the tool_result (and any todo side channel) for one
// completed handler.
func (r *run) finishCall(ctx context.Context, session *activity.Session, st *activity.ToolCallState, sig toolSignal) {
	oc := sig.outcome
	ev, err := session.FinishTool(st.ID, oc.Result.Content, oc.Result.Success, oc.Result.Error, sig.elapsed)
	if err != nil {
		slog.Error("Failed to record tool result", "tool", st.Name, "error", err)
		return
	}
	r.publish(ctx, ev)
	if len(oc.Todos) > 0 {
		r.publish(ctx, session.Todos(oc.Todos))
	}
}

// toolMessage builds the role=tool continuation message and records the
// result for persistence.
func (r *run) toolMessage(st *activity.ToolCallState, content string, success bool, errMsg string, elapsed time.Duration) providers.ChatMessage {
	r.results = append(r.results, activity.ToolResultRecord{
		ToolCallID:  st.ID,
		Content:     content,
		Success:     success,
		Error:       errMsg,
		ExecutionMs: elapsed.Milliseconds(),
	})
	pctx, cancel := persistTimeout()
	defer cancel()
	logPersistErr("tool message", r.o.svc.Store.SaveMessage(pctx, activity.Message{
		ID:         uuid.New().String(),
		SessionID:  r.req.SessionID,
		Role:       activity.RoleTool,
		Content:    content,
		ToolCallID: st.ID,
		Timestamp:  time.Now(),
	}))
	return providers.ChatMessage{
		Role:       "tool",
		Content:    content,
		ToolCallID: st.ID,
		ToolName:   st.Name,
	}
}

// runHandoff resumes the conversation on a different model under a named
// role. The sub-model's final text becomes the originating call's result.
func (r *run) runHandoff(ctx context.Context, h *tools.Handoff, messages []providers.ChatMessage, depth int) (string, error) {
	if depth+1 >= r.cfg.MaxHandoffDepth {
		return "", fmt.Errorf("%w: role %s at depth %d", errHandoffDepth, h.Role, depth+1)
	}
	if r.visited[h.Role] {
		return "", fmt.Errorf("%w: role %s already ran this request", errHandoffCycle, h.Role)
	}
	r.visited[h.Role] = true
	r.handoffs++

	providerID, model, ok := strings.Cut(h.Target, "/")
	if !ok {
		return "", fmt.Errorf("handoff target %q is not provider/model", h.Target)
	}
	transport, err := r.o.svc.Providers.Transport(providerID)
	if err != nil {
		return "", err
	}

	task := h.Task
	if task == "" {
		task = "Continue with the accumulated context."
	}
	msgs := append(slices.Clone(messages), providers.ChatMessage{Role: "user", Content: task})

	caps := r.o.svc.Capabilities.Lookup(model)
	sub := activity.NewSession(uuid.New().String(), model, providerID)
	r.publish(ctx, sub.Begin(caps.Summary()))
	if err := r.converse(ctx, sub, caps, transport, msgs, depth+1); err != nil {
		return "", fmt.Errorf("handoff to %s failed: %w", h.Target, err)
	}
	return sub.Content(), nil
}

// toolDefs shapes the tool surface offered to the model: registered tools,
// optionally filtered by the request, plus one pseudo-tool per configured
// handoff role.
func (r *run) toolDefs(caps capability.Capabilities) []providers.ToolDefinition {
	if !caps.SupportsTools {
		return nil
	}
	defs := r.o.svc.Tools.Definitions()
	if len(r.req.EnabledTools) > 0 {
		enabled := make(map[string]bool, len(r.req.EnabledTools))
		for _, name := range r.req.EnabledTools {
			enabled[name] = true
		}
		filtered := defs[:0]
		for _, d := range defs {
			if enabled[d.Name] {
				filtered = append(filtered, d)
			}
		}
		defs = filtered
	}
	for role := range r.cfg.HandoffRoles {
		defs = append(defs, providers.ToolDefinition{
			Name:        role,
			Description: "Hand the conversation to the " + role + " model. Describe the task to delegate.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"task": map[string]any{
						"type":        "string",
						"description": "What the " + role + " model should do next.",
					},
				},
				"required": []string{"task"},
			},
		})
	}
	return defs
}

// persistAssistant writes the turn's assistant message, interleaved
// fragments included, even when the turn failed.
func (r *run) persistAssistant(session *activity.Session, failed bool) {
	content := session.Content()
	if failed && content == "" && len(session.ToolCalls()) == 0 {
		// Nothing of the assistant's survives; the user message alone tells
		// the story.
		return
	}

	usage := session.Usage()
	msg := activity.Message{
		ID:             r.messageID,
		SessionID:      r.req.SessionID,
		Role:           activity.RoleAssistant,
		Content:        content,
		Model:          session.Model,
		TokenUsage:     &usage,
		ToolResults:    r.results,
		ReasoningTrace: reasoningTrace(session.Fragments()),
		Timestamp:      time.Now(),
	}
	for _, st := range session.ToolCalls() {
		msg.ToolCalls = append(msg.ToolCalls, activity.ToolCall{
			ID:        st.ID,
			Name:      st.Name,
			Arguments: st.Arguments,
			Raw:       st.Accumulated(),
		})
	}

	pctx, cancel := persistTimeout()
	defer cancel()
	logPersistErr("assistant message", r.o.svc.Store.SaveMessage(pctx, msg))
}
