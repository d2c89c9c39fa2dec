package tools

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/agenticwork/activitycore/pkg/activity"
)

// HandoffRole names the multi-model roles a tool call can address instead of
// a real tool.
type HandoffRole string

const (
	RoleReasoning     HandoffRole = "reasoning"
	RoleToolExecution HandoffRole = "tool_execution"
	RoleSynthesis     HandoffRole = "synthesis"
	RoleFallback      HandoffRole = "fallback"
)

// Handoff asks the orchestrator to resume the conversation on a different
// model.
type Handoff struct {
	Role   HandoffRole
	Target string // "provider/model"
	// Task is the free-form instruction the calling model attached.
	Task string
}

// Outcome is the result of invoking one tool call.
type Outcome struct {
	Result ToolResult
	// Handoff is set instead of Result when the call names a handoff role.
	Handoff *Handoff
	// Todos carries the todo side channel when the call was a todo write.
	Todos []activity.TodoItem
	// Fatal marks a second consecutive failure of the same call signature
	// within one request scope; the turn must stop.
	Fatal bool
}

// Invoker validates and executes tool calls with a per-call timeout. It is
// shared between requests; consecutive-failure tracking lives in
// RequestScope so one request's failures never taint another's.
type Invoker struct {
	registry *Registry
	roles    map[HandoffRole]string
	timeout  time.Duration

	mu          sync.Mutex
	schemaCache map[string]*jsonschema.Schema
}

type InvokerOption func(*Invoker)

func WithTimeout(d time.Duration) InvokerOption {
	return func(inv *Invoker) {
		inv.timeout = d
	}
}

// WithHandoffRoles wires the role -> "provider/model" mapping.
func WithHandoffRoles(roles map[string]string) InvokerOption {
	return func(inv *Invoker) {
		for role, target := range roles {
			inv.roles[HandoffRole(role)] = target
		}
	}
}

func NewInvoker(reg *Registry, opts ...InvokerOption) *Invoker {
	inv := &Invoker{
		registry:    reg,
		roles:       make(map[HandoffRole]string),
		timeout:     60 * time.Second,
		schemaCache: make(map[string]*jsonschema.Schema),
	}
	for _, opt := range opts {
		opt(inv)
	}
	return inv
}

// Invoke runs a completed tool call. Validation failures and handler errors
// become unsuccessful results rather than Go errors; only infrastructure
// problems (unknown tool, broken schema) return an error.
func (inv *Invoker) Invoke(ctx context.Context, call activity.ToolCall) (Outcome, error) {
	return inv.InvokeWithProgress(ctx, call, nil)
}

// InvokeWithProgress runs a tool call and, when the tool streams output and
// emit is non-nil, forwards each chunk as it is produced. emit may be called
// from the tool's goroutine and must be safe for that.
func (inv *Invoker) InvokeWithProgress(ctx context.Context, call activity.ToolCall, emit func(output string)) (Outcome, error) {
	if target, ok := inv.roles[HandoffRole(call.Name)]; ok {
		task, _ := call.Arguments["task"].(string)
		return Outcome{Handoff: &Handoff{Role: HandoffRole(call.Name), Target: target, Task: task}}, nil
	}

	tool, ok := inv.registry.Get(call.Name)
	if !ok {
		return inv.failure(call, fmt.Sprintf("unknown tool: %s", call.Name), 0), nil
	}

	if err := inv.validate(tool, call.Arguments); err != nil {
		// Never executed; a schema violation is the model's mistake to fix.
		return inv.failure(call, fmt.Sprintf("validation failed: %v", err), 0), nil
	}

	execCtx, cancel := context.WithTimeout(ctx, inv.timeout)
	defer cancel()

	start := time.Now()
	var result ToolResult
	var err error
	if st, ok := tool.(StreamingTool); ok && emit != nil {
		result, err = st.ExecuteStreaming(execCtx, call.Arguments, emit)
	} else {
		result, err = tool.Execute(execCtx, call.Arguments)
	}
	elapsed := time.Since(start)

	if err != nil {
		if execCtx.Err() == context.DeadlineExceeded {
			return inv.failure(call, fmt.Sprintf("tool timed out after %v", inv.timeout), elapsed), nil
		}
		return inv.failure(call, err.Error(), elapsed), nil
	}
	if !result.Success {
		out := inv.failure(call, result.Error, elapsed)
		out.Result.Content = result.Content
		return out, nil
	}

	result.ToolName = call.Name
	result.ExecutionTime = elapsed
	return Outcome{
		Result: result,
		Todos:  extractTodos(call),
	}, nil
}

func (inv *Invoker) failure(call activity.ToolCall, message string, elapsed time.Duration) Outcome {
	return Outcome{
		Result: ToolResult{
			Success:       false,
			Error:         message,
			ToolName:      call.Name,
			ExecutionTime: elapsed,
		},
	}
}

// RequestScope wraps the shared Invoker with consecutive-failure state owned
// by one request. A second consecutive failure of the same call signature is
// marked Fatal; a success clears the tracking. Safe for the invoker's
// concurrent per-call goroutines.
type RequestScope struct {
	inv *Invoker

	mu          sync.Mutex
	lastFailSig string
}

// NewScope starts failure tracking for one request.
func (inv *Invoker) NewScope() *RequestScope {
	return &RequestScope{inv: inv}
}

func (s *RequestScope) Invoke(ctx context.Context, call activity.ToolCall) (Outcome, error) {
	return s.InvokeWithProgress(ctx, call, nil)
}

func (s *RequestScope) InvokeWithProgress(ctx context.Context, call activity.ToolCall, emit func(output string)) (Outcome, error) {
	out, err := s.inv.InvokeWithProgress(ctx, call, emit)
	if err != nil || out.Handoff != nil {
		return out, err
	}

	sig := callSignature(call)
	s.mu.Lock()
	if out.Result.Success {
		s.lastFailSig = ""
	} else {
		out.Fatal = s.lastFailSig == sig
		s.lastFailSig = sig
	}
	s.mu.Unlock()

	if out.Fatal {
		slog.Warn("Tool failed twice with identical arguments, aborting turn",
			"tool", call.Name, "error", out.Result.Error)
	}
	return out, nil
}

func (inv *Invoker) validate(tool Tool, args map[string]any) error {
	info := tool.GetInfo()
	if len(info.Parameters) == 0 && info.RawSchema == nil {
		return nil
	}

	schema, err := inv.compiledSchema(info)
	if err != nil {
		return err
	}
	if args == nil {
		args = map[string]any{}
	}
	return schema.Validate(normalizeForSchema(args))
}

func (inv *Invoker) compiledSchema(info ToolInfo) (*jsonschema.Schema, error) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	if schema, ok := inv.schemaCache[info.Name]; ok {
		return schema, nil
	}

	raw, err := json.Marshal(info.Schema())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema for %s: %w", info.Name, err)
	}
	compiler := jsonschema.NewCompiler()
	url := info.Name + ".schema.json"
	if err := compiler.AddResource(url, strings.NewReader(string(raw))); err != nil {
		return nil, fmt.Errorf("failed to add schema for %s: %w", info.Name, err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema for %s: %w", info.Name, err)
	}
	inv.schemaCache[info.Name] = schema
	return schema, nil
}

// normalizeForSchema round-trips args through JSON so the validator sees
// exactly the types json.Unmarshal would produce.
func normalizeForSchema(args map[string]any) any {
	raw, err := json.Marshal(args)
	if err != nil {
		return args
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return args
	}
	return out
}

func callSignature(call activity.ToolCall) string {
	h := sha256.New()
	h.Write([]byte(call.Name))
	h.Write([]byte(call.Raw))
	return hex.EncodeToString(h.Sum(nil))
}

// extractTodos pulls the todo side channel out of a todo-write call.
func extractTodos(call activity.ToolCall) []activity.TodoItem {
	switch call.Name {
	case "todowrite", "todo_write":
	default:
		return nil
	}
	rawTodos, ok := call.Arguments["todos"]
	if !ok {
		return nil
	}
	raw, err := json.Marshal(rawTodos)
	if err != nil {
		return nil
	}
	var items []activity.TodoItem
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil
	}
	return items
}
