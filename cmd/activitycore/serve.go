package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/agenticwork/activitycore/pkg/capability"
	"github.com/agenticwork/activitycore/pkg/config"
	"github.com/agenticwork/activitycore/pkg/embedders"
	"github.com/agenticwork/activitycore/pkg/logger"
	"github.com/agenticwork/activitycore/pkg/observability"
	"github.com/agenticwork/activitycore/pkg/orchestrator"
	"github.com/agenticwork/activitycore/pkg/prompt"
	"github.com/agenticwork/activitycore/pkg/providers"
	"github.com/agenticwork/activitycore/pkg/server"
	"github.com/agenticwork/activitycore/pkg/store"
	"github.com/agenticwork/activitycore/pkg/tools"
	"github.com/agenticwork/activitycore/pkg/vectordb"
)

// ServeCmd starts the orchestration server.
type ServeCmd struct {
	Config string `help:"Path to the YAML configuration file." short:"c" default:"config.yaml" type:"path"`
}

func (s *ServeCmd) Run(cli *CLI) error {
	// .env values feed the ${VAR} references in the YAML file.
	if err := config.LoadEnvFiles(); err != nil {
		return exitf(exitConfig, "load env files: %v", err)
	}
	loader, err := config.NewLoader(config.LoaderOptions{Path: s.Config, Watch: true})
	if err != nil {
		return exitf(exitConfig, "load config: %v", err)
	}
	defer loader.Stop()
	cfg, err := loader.Load()
	if err != nil {
		return exitf(exitConfig, "load config: %v", err)
	}
	logger.Init(logger.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.Store)
	if err != nil {
		return exitf(exitConfig, "open store: %v", err)
	}
	defer st.Close()

	// A server without a default template would fail every request; refuse
	// to start instead. Local deployments get the built-in default seeded.
	seedDefault := cfg.Store.Backend == "local" || cfg.Store.Backend == ""
	if err := prompt.EnsureDefault(ctx, st, seedDefault); err != nil {
		return exitf(exitConfig, "default template: %v", err)
	}

	caps := capability.NewRegistry(capability.WithStore(st))
	if err := caps.Warm(ctx); err != nil {
		slog.Warn("Capability overrides unavailable, using built-in table", "error", err)
	}

	var vectors vectordb.Provider
	var embedder embedders.Embedder
	if cfg.Routing.SemanticRouting != config.SemanticDisabled {
		if vectors, err = vectordb.New(cfg.VectorDB); err != nil {
			return exitf(exitConfig, "vector db: %v", err)
		}
		defer vectors.Close()
		if embedder, err = embedders.New(cfg.Embedder); err != nil {
			return exitf(exitConfig, "embedder: %v", err)
		}
	}
	router := prompt.NewRouter(cfg.Routing, st, vectors, embedder)

	transports, err := providers.BuildRegistry(cfg.Providers)
	if err != nil {
		return exitf(exitConfig, "providers: %v", err)
	}
	defer transports.Close()

	treg := tools.NewRegistry()
	if err := treg.Add(tools.NewTodoTool()); err != nil {
		return fmt.Errorf("register todo tool: %w", err)
	}
	for name, mcpCfg := range cfg.MCPServers {
		toolset := tools.NewMCPToolset(name, mcpCfg)
		if err := toolset.Connect(ctx); err != nil {
			slog.Error("MCP server unavailable, skipping", "server", name, "error", err)
			continue
		}
		defer toolset.Close()
		if err := toolset.RegisterAll(treg); err != nil {
			return fmt.Errorf("register tools from %s: %w", name, err)
		}
	}

	invoker := tools.NewInvoker(treg,
		tools.WithTimeout(cfg.Orchestrator.ToolTimeout),
		tools.WithHandoffRoles(cfg.Orchestrator.HandoffRoles),
	)

	metrics, err := observability.InitMetrics(ctx, true)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	orch := orchestrator.New(cfg.Orchestrator, cfg.Fanout, orchestrator.Services{
		Providers:    transports,
		Tools:        treg,
		Invoker:      invoker,
		Capabilities: caps,
		Prompts:      router,
		Store:        st,
		Metrics:      metrics,
	})

	// Turn limits and fanout sizing follow config edits; topology changes
	// (providers, store, routing backends) still require a restart.
	loader.SetOnChange(func(next *config.Config) error {
		orch.UpdateConfig(next.Orchestrator, next.Fanout)
		return nil
	})

	slog.Info("Starting activitycore",
		"providers", len(cfg.Providers),
		"tools", treg.Count(),
		"store", cfg.Store.Backend,
		"semantic_routing", cfg.Routing.SemanticRouting)
	return server.New(*cfg, orch, st).Start(ctx)
}
