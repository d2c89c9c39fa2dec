package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/agenticwork/activitycore/pkg/config"
)

const mcpProtocolVersion = "2024-11-05"

// MCPToolset connects to one MCP server and exposes its discovered tools.
type MCPToolset struct {
	name string
	cfg  config.MCPServer

	mu        sync.Mutex
	client    *client.Client
	tools     []Tool
	connected bool
}

func NewMCPToolset(name string, cfg config.MCPServer) *MCPToolset {
	return &MCPToolset{name: name, cfg: cfg}
}

// Connect starts the server connection and discovers its tools.
func (t *MCPToolset) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connected {
		return nil
	}

	var mcpClient *client.Client
	var err error
	switch {
	case t.cfg.Command != "" || t.cfg.Transport == "stdio":
		mcpClient, err = client.NewStdioMCPClient(t.cfg.Command, flattenEnv(t.cfg.Env), t.cfg.Args...)
	case t.cfg.URL != "":
		mcpClient, err = client.NewSSEMCPClient(t.cfg.URL)
	default:
		return fmt.Errorf("mcp server %q: either command or url is required", t.name)
	}
	if err != nil {
		return fmt.Errorf("failed to create MCP client for %q: %w", t.name, err)
	}

	if err := mcpClient.Start(ctx); err != nil {
		return fmt.Errorf("failed to start MCP client for %q: %w", t.name, err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: "activitycore", Version: "1.0.0"}
	initReq.Params.ProtocolVersion = mcpProtocolVersion
	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		mcpClient.Close()
		return fmt.Errorf("failed to initialize MCP server %q: %w", t.name, err)
	}

	listResp, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		mcpClient.Close()
		return fmt.Errorf("failed to list tools from %q: %w", t.name, err)
	}

	tools := make([]Tool, 0, len(listResp.Tools))
	for _, mcpTool := range listResp.Tools {
		tools = append(tools, &remoteTool{
			toolset: t,
			name:    mcpTool.Name,
			desc:    mcpTool.Description,
			schema:  mcpSchemaToMap(mcpTool.InputSchema),
		})
	}

	t.client = mcpClient
	t.tools = tools
	t.connected = true

	slog.Info("Connected to MCP server",
		"name", t.name, "transport", t.cfg.Transport, "tools", len(tools))
	return nil
}

// Tools returns the discovered tools. Connect must have succeeded.
func (t *MCPToolset) Tools() []Tool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tools
}

// RegisterAll adds every discovered tool to the registry, prefixing names
// that collide with already registered tools.
func (t *MCPToolset) RegisterAll(reg *Registry) error {
	for _, tool := range t.Tools() {
		name := tool.GetName()
		if _, exists := reg.Get(name); exists {
			name = t.name + "_" + name
		}
		if err := reg.Register(name, tool); err != nil {
			return err
		}
	}
	return nil
}

func (t *MCPToolset) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return nil
	}
	t.connected = false
	return t.client.Close()
}

// remoteTool wraps one discovered remote tool.
type remoteTool struct {
	toolset *MCPToolset
	name    string
	desc    string
	schema  map[string]any
}

func (w *remoteTool) GetName() string        { return w.name }
func (w *remoteTool) GetDescription() string { return w.desc }

func (w *remoteTool) GetInfo() ToolInfo {
	return ToolInfo{
		Name:        w.name,
		Description: w.desc,
		RawSchema:   w.schema,
		ServerURL:   w.toolset.cfg.URL,
	}
}

func (w *remoteTool) Execute(ctx context.Context, args map[string]any) (ToolResult, error) {
	w.toolset.mu.Lock()
	mcpClient := w.toolset.client
	w.toolset.mu.Unlock()
	if mcpClient == nil {
		return ToolResult{}, fmt.Errorf("MCP server %q is not connected", w.toolset.name)
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = w.name
	req.Params.Arguments = args

	start := time.Now()
	resp, err := mcpClient.CallTool(ctx, req)
	if err != nil {
		return ToolResult{}, fmt.Errorf("MCP call failed: %w", err)
	}

	var texts []string
	for _, content := range resp.Content {
		if textContent, ok := content.(mcp.TextContent); ok {
			texts = append(texts, textContent.Text)
		}
	}
	joined := strings.Join(texts, "\n")

	if resp.IsError {
		errMsg := joined
		if errMsg == "" {
			errMsg = "unknown error"
		}
		return ToolResult{
			Success:       false,
			Error:         errMsg,
			ToolName:      w.name,
			ExecutionTime: time.Since(start),
		}, nil
	}

	return ToolResult{
		Success:       true,
		Content:       joined,
		ToolName:      w.name,
		ExecutionTime: time.Since(start),
	}, nil
}

func flattenEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

func mcpSchemaToMap(schema mcp.ToolInputSchema) map[string]any {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}
	return result
}
