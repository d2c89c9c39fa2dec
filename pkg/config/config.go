// Package config defines the YAML configuration model and its loader.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration document.
type Config struct {
	Logging      LoggingConfig             `yaml:"logging"`
	Server       ServerConfig              `yaml:"server"`
	Providers    map[string]ProviderConfig `yaml:"providers"`
	Orchestrator OrchestratorConfig        `yaml:"orchestrator"`
	Routing      RoutingConfig             `yaml:"routing"`
	Fanout       FanoutConfig              `yaml:"fanout"`
	Store        StoreConfig               `yaml:"store"`
	VectorDB     VectorDBConfig            `yaml:"vector_db"`
	Embedder     EmbedderConfig            `yaml:"embedder"`
	MCPServers   map[string]MCPServer      `yaml:"mcp_servers"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// ProviderConfig describes one upstream model API endpoint. Family selects
// the wire dialect; BaseURL and APIKey support ${ENV_VAR} expansion.
type ProviderConfig struct {
	Family       string        `yaml:"family"`
	BaseURL      string        `yaml:"base_url"`
	APIKey       string        `yaml:"api_key"`
	DefaultModel string        `yaml:"default_model"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxRetries   int           `yaml:"max_retries"`
	// Bedrock-hosted models keep their native wire dialect. Maps a model id
	// prefix to the family whose normalizer should handle it.
	ModelFamilies map[string]string `yaml:"model_families"`
}

// OrchestratorConfig bounds a single activity turn.
type OrchestratorConfig struct {
	ToolTimeout     time.Duration `yaml:"tool_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	MaxHandoffDepth int           `yaml:"max_handoff_depth"`
	MaxIterations   int           `yaml:"max_iterations"`
	AbortGrace      time.Duration `yaml:"abort_grace"`
	// HandoffRoles maps a role name (reasoning, tool_execution, synthesis,
	// fallback) to a "provider/model" target.
	HandoffRoles map[string]string `yaml:"handoff_roles"`
}

// SemanticRoutingMode controls whether prompt resolution may consult the
// vector index.
type SemanticRoutingMode string

const (
	// SemanticRequired fails the turn when the vector index is unreachable.
	SemanticRequired SemanticRoutingMode = "required"
	// SemanticEnabled tries the vector index and falls through on failure.
	SemanticEnabled SemanticRoutingMode = "enabled"
	// SemanticDisabled skips the vector index entirely.
	SemanticDisabled SemanticRoutingMode = "disabled"
)

type RoutingConfig struct {
	SemanticRouting  SemanticRoutingMode `yaml:"semantic_routing"`
	TopK             int                 `yaml:"top_k"`
	ScoreThreshold   float64             `yaml:"score_threshold"`
	SemanticDeadline time.Duration       `yaml:"semantic_deadline"`
	CacheTTL         time.Duration       `yaml:"cache_ttl"`
	Collection       string              `yaml:"collection"`
	// AdminGroups is the closed set of group names whose members pass the
	// administrator gate.
	AdminGroups []string `yaml:"admin_groups"`
	// AdminTemplateName is the template returned by the administrator gate.
	AdminTemplateName string `yaml:"admin_template_name"`
}

type FanoutConfig struct {
	BufferSize  int  `yaml:"buffer_size"`
	SSELossless bool `yaml:"sse_lossless"`
}

type StoreConfig struct {
	// Backend is one of: postgres, mysql, sqlite, local.
	Backend string `yaml:"backend"`
	DSN     string `yaml:"dsn"`
	// Dir holds JSONL session logs when Backend is "local".
	Dir string `yaml:"dir"`
}

type VectorDBConfig struct {
	// Type is one of: qdrant, milvus, chromem.
	Type    string        `yaml:"type"`
	Host    string        `yaml:"host"`
	Port    int           `yaml:"port"`
	APIKey  string        `yaml:"api_key"`
	UseTLS  bool          `yaml:"use_tls"`
	Timeout time.Duration `yaml:"timeout"`
	// Path is the on-disk location for the embedded chromem store.
	Path string `yaml:"path"`
}

type EmbedderConfig struct {
	// Type is one of: openai, ollama.
	Type      string        `yaml:"type"`
	Model     string        `yaml:"model"`
	BaseURL   string        `yaml:"base_url"`
	APIKey    string        `yaml:"api_key"`
	Dimension int           `yaml:"dimension"`
	Timeout   time.Duration `yaml:"timeout"`
}

type MCPServer struct {
	// Transport is "stdio" or "sse".
	Transport string            `yaml:"transport"`
	Command   string            `yaml:"command"`
	Args      []string          `yaml:"args"`
	URL       string            `yaml:"url"`
	Env       map[string]string `yaml:"env"`
}

// SetDefaults fills zero-valued fields with production defaults.
func (c *Config) SetDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	for name, p := range c.Providers {
		if p.Timeout == 0 {
			p.Timeout = 10 * time.Minute
		}
		if p.MaxRetries == 0 {
			p.MaxRetries = 3
		}
		c.Providers[name] = p
	}
	if c.Orchestrator.ToolTimeout == 0 {
		c.Orchestrator.ToolTimeout = 60 * time.Second
	}
	if c.Orchestrator.RequestTimeout == 0 {
		c.Orchestrator.RequestTimeout = 10 * time.Minute
	}
	if c.Orchestrator.MaxHandoffDepth == 0 {
		c.Orchestrator.MaxHandoffDepth = 4
	}
	if c.Orchestrator.MaxIterations == 0 {
		c.Orchestrator.MaxIterations = 25
	}
	if c.Orchestrator.AbortGrace == 0 {
		c.Orchestrator.AbortGrace = 500 * time.Millisecond
	}
	if c.Routing.SemanticRouting == "" {
		c.Routing.SemanticRouting = SemanticDisabled
	}
	if c.Routing.TopK == 0 {
		c.Routing.TopK = 3
	}
	if c.Routing.ScoreThreshold == 0 {
		c.Routing.ScoreThreshold = 0.6
	}
	if c.Routing.SemanticDeadline == 0 {
		c.Routing.SemanticDeadline = 5 * time.Second
	}
	// Resolution results may go stale against DB edits; a short TTL bounds
	// the staleness window.
	if c.Routing.CacheTTL == 0 || c.Routing.CacheTTL > 5*time.Minute {
		c.Routing.CacheTTL = 5 * time.Minute
	}
	if c.Routing.Collection == "" {
		c.Routing.Collection = "prompt_templates"
	}
	if c.Routing.AdminTemplateName == "" {
		c.Routing.AdminTemplateName = "Admin Mode"
	}
	if c.Fanout.BufferSize == 0 {
		c.Fanout.BufferSize = 256
		c.Fanout.SSELossless = true
	}
	if c.Store.Backend == "" {
		c.Store.Backend = "local"
	}
	if c.Store.Backend == "local" && c.Store.Dir == "" {
		c.Store.Dir = "./data/sessions"
	}
	if c.VectorDB.Timeout == 0 {
		c.VectorDB.Timeout = 30 * time.Second
	}
	if c.Embedder.Timeout == 0 {
		c.Embedder.Timeout = 30 * time.Second
	}
	if c.Embedder.Dimension == 0 {
		c.Embedder.Dimension = 1536
	}
}

// Validate rejects configurations the runtime cannot honor.
func (c *Config) Validate() error {
	switch c.Routing.SemanticRouting {
	case SemanticRequired, SemanticEnabled, SemanticDisabled:
	default:
		return fmt.Errorf("routing.semantic_routing must be required, enabled, or disabled (got %q)", c.Routing.SemanticRouting)
	}
	if c.Routing.SemanticRouting != SemanticDisabled && c.VectorDB.Type == "" {
		return fmt.Errorf("routing.semantic_routing is %q but vector_db is not configured", c.Routing.SemanticRouting)
	}
	if c.Routing.TopK < 1 {
		return fmt.Errorf("routing.top_k must be at least 1")
	}
	if c.Routing.ScoreThreshold < 0 || c.Routing.ScoreThreshold > 1 {
		return fmt.Errorf("routing.score_threshold must be in [0,1]")
	}
	for name, p := range c.Providers {
		switch p.Family {
		case "anthropic", "openai", "gemini", "deepseek", "bedrock":
		default:
			return fmt.Errorf("provider %q: unknown family %q", name, p.Family)
		}
		if p.BaseURL == "" {
			return fmt.Errorf("provider %q: base_url is required", name)
		}
	}
	switch c.Store.Backend {
	case "postgres", "mysql", "sqlite", "local":
	default:
		return fmt.Errorf("store.backend must be postgres, mysql, sqlite, or local (got %q)", c.Store.Backend)
	}
	if c.Store.Backend != "local" && c.Store.DSN == "" {
		return fmt.Errorf("store.dsn is required for backend %q", c.Store.Backend)
	}
	if c.Orchestrator.MaxHandoffDepth < 1 {
		return fmt.Errorf("orchestrator.max_handoff_depth must be at least 1")
	}
	for role, target := range c.Orchestrator.HandoffRoles {
		switch role {
		case "reasoning", "tool_execution", "synthesis", "fallback":
		default:
			return fmt.Errorf("orchestrator.handoff_roles: unknown role %q", role)
		}
		if target == "" {
			return fmt.Errorf("orchestrator.handoff_roles: role %q has empty target", role)
		}
	}
	if c.Fanout.BufferSize < 1 {
		return fmt.Errorf("fanout.buffer_size must be positive")
	}
	return nil
}
