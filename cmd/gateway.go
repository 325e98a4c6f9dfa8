package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/agentd/internal/agent"
	"github.com/nextlevelbuilder/agentd/internal/approval"
	"github.com/nextlevelbuilder/agentd/internal/backoff"
	"github.com/nextlevelbuilder/agentd/internal/breaker"
	"github.com/nextlevelbuilder/agentd/internal/bus"
	"github.com/nextlevelbuilder/agentd/internal/config"
	"github.com/nextlevelbuilder/agentd/internal/gateway"
	"github.com/nextlevelbuilder/agentd/internal/inbox"
	"github.com/nextlevelbuilder/agentd/internal/kv"
	"github.com/nextlevelbuilder/agentd/internal/mcpserver"
	"github.com/nextlevelbuilder/agentd/internal/memory"
	"github.com/nextlevelbuilder/agentd/internal/notify"
	"github.com/nextlevelbuilder/agentd/internal/providers"
	"github.com/nextlevelbuilder/agentd/internal/scheduler"
	"github.com/nextlevelbuilder/agentd/internal/skills"
	"github.com/nextlevelbuilder/agentd/internal/subagents"
	"github.com/nextlevelbuilder/agentd/internal/tools"
	"github.com/nextlevelbuilder/agentd/internal/tracing"
	"github.com/nextlevelbuilder/agentd/pkg/protocol"
)

const defaultSystemPrompt = `You are agentd, an autonomous assistant running as a long-lived service.
Work on the given task step by step, using the available tools when they help.
When you have the final answer, state it directly without calling further tools.`

// kvPingAttempts bounds the startup wait for the KV store before the
// process gives up with the upstream-unreachable exit code.
const kvPingAttempts = 5

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the agent gateway (default command)",
		Run: func(cmd *cobra.Command, args []string) {
			runGateway()
		},
	}
}

// workspaceRunner pins the filesystem workspace onto every run context so
// the file tools resolve and confine paths consistently regardless of
// which front end started the run.
type workspaceRunner struct {
	loop *agent.Loop
	dir  string
}

func (r workspaceRunner) Run(ctx context.Context, req agent.RunRequest) (*agent.RunResult, error) {
	return r.loop.Run(tools.WithWorkspace(ctx, r.dir), req)
}

// subagentRunner does the same for scheduled sub-agent runs, which start
// from the scheduler's context rather than a client request.
type subagentRunner struct {
	factory *subagents.Factory
	dir     string
}

func (r subagentRunner) Run(ctx context.Context, subagentID, task string) (*agent.RunResult, error) {
	return r.factory.Run(tools.WithWorkspace(ctx, r.dir), subagentID, task)
}

func runGateway() {
	setupLogging()
	cfg := loadConfig()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Error("telemetry setup failed", "error", err)
		os.Exit(exitConfig)
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Warn("trace flush failed", "error", err)
		}
	}()

	breakers := breaker.NewRegistry(breaker.Config{})

	kvClient, err := kv.New(cfg.KV.URL, breakers.Get("kv"))
	if err != nil {
		slog.Error("kv config invalid", "url", cfg.KV.URL, "error", err)
		os.Exit(exitConfig)
	}
	defer kvClient.Close()
	waitForKV(ctx, kvClient)

	notifier := notify.New(kvClient)
	approvals := approval.NewManager(kvClient, notifier, cfg.Approval.Policy, cfg.Approval.Timeout(), cfg.Approval.WriteAllowlist)
	toolsReg := tools.NewRegistry(approvals)

	workspace := resolveWorkspace()
	provider := buildProvider(ctx, cfg, kvClient, breakers)
	memClient := memory.New(cfg.Memory.BaseURL, cfg.Memory.APIKey, breakers.Get("memory"))
	registerBuiltinTools(toolsReg, memClient, workspace)

	budgets := agent.Budgets{
		MaxTurns:  cfg.Agent.MaxTurns,
		MaxTokens: cfg.Agent.MaxTokens,
		Timeout:   time.Duration(cfg.Agent.TimeoutMs) * time.Millisecond,
		MaxDepth:  cfg.Agent.MaxDepth,
	}

	// newLoop builds one agent loop; every front end goes through here so
	// runs behave the same regardless of entry point.
	newLoop := func(tier string, onEvent func(agent.Event)) *agent.Loop {
		return agent.NewLoop(agent.LoopConfig{
			Provider:     provider,
			Registry:     toolsReg,
			Notifier:     notifier,
			Recall:       memClient,
			Model:        cfg.Provider.ModelForTier(tier),
			SystemPrompt: defaultSystemPrompt,
			Budgets:      budgets,
			HistoryTurns: cfg.Agent.HistoryTurns,
			Temperature:  cfg.Provider.SampleTemp,
			MaxRespToks:  cfg.Provider.MaxRespToks,
			OnEvent:      onEvent,
		})
	}

	subReg := subagents.NewRegistry(kvClient, toolsReg)
	factory := subagents.NewFactory(subagents.FactoryConfig{
		Registry:    subReg,
		Provider:    provider,
		Tools:       toolsReg,
		Notifier:    notifier,
		Recall:      memClient,
		ProviderCfg: cfg.Provider,
		BaseBudgets: budgets,
		BasePrompt:  defaultSystemPrompt,
	})
	if err := subagents.RegisterTools(toolsReg, subReg, factory); err != nil {
		slog.Error("sub-agent tool registration failed", "error", err)
		os.Exit(exitConfig)
	}

	sched := scheduler.New(scheduler.Config{
		Store:           kvClient,
		Runner:          subagentRunner{factory: factory, dir: workspace},
		Notifier:        notifier,
		RunTimeout:      budgets.Timeout,
		MaxFailures:     cfg.Scheduler.MaxFailures,
		MinLoopInterval: time.Duration(cfg.Scheduler.LoopMinIntervalSec) * time.Second,
		HistorySize:     cfg.Scheduler.HistorySize,
		NoRetryBackoff:  !cfg.Scheduler.RetrySubagentFailures,
	})
	subReg.SetDeleteHook(sched.DeleteBySubagent)
	subReg.SetScheduleHook(func(ctx context.Context, rec *subagents.Record) error {
		return sched.Create(ctx, &scheduler.Schedule{
			SubagentID: rec.ID,
			Cron:       rec.Schedule.Cron,
			Timezone:   rec.Schedule.Timezone,
			Task:       rec.Schedule.Task,
		})
	})

	loader := skills.NewLoader(config.ExpandHome(cfg.Skills.Dir), toolsReg)
	if err := loader.Load(); err != nil {
		slog.Warn("skill scan failed, starting without skills", "dir", cfg.Skills.Dir, "error", err)
	}

	gw := gateway.NewServer(cfg.Gateway, toolsReg, func(opts gateway.RunOptions) gateway.Runner {
		return workspaceRunner{loop: newLoop(opts.Tier, opts.OnEvent), dir: workspace}
	})

	// Locally generated events reach WebSocket clients through the
	// in-process bus; they never transit the KV store.
	events := bus.NewEventBus()
	events.Subscribe("gateway", func(ev bus.Event) {
		gw.Broadcast(protocol.ChannelGlobal, ev.Name, ev.Payload)
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("shutting down", "signal", sig.String())
		events.Broadcast(bus.Event{Name: "system.shutdown"})
		cancel()
	}()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return gw.Start(groupCtx) })
	group.Go(func() error {
		gw.RunBridge(groupCtx, kvClient)
		return nil
	})
	group.Go(func() error { return loader.Watch(groupCtx) })

	if cfg.Scheduler.Enabled {
		group.Go(func() error { return sched.Start(groupCtx) })
	} else {
		slog.Info("scheduler disabled")
	}

	if cfg.Inbox.Enabled {
		// A nil skill routes to the main loop; otherwise the skill's tool
		// scope, tier, budgets, and prompt extension apply.
		loopForSkill := func(skill *skills.Skill) inbox.LoopRunner {
			if skill == nil {
				return workspaceRunner{loop: newLoop("", nil), dir: workspace}
			}
			b := budgets
			if skill.MaxTurns > 0 {
				b.MaxTurns = skill.MaxTurns
			}
			if skill.MaxTokens > 0 {
				b.MaxTokens = skill.MaxTokens
			}
			if skill.TimeoutMs > 0 {
				b.Timeout = time.Duration(skill.TimeoutMs) * time.Millisecond
			}
			registry := toolsReg
			if len(skill.Tools) > 0 {
				registry = toolsReg.Scoped(skill.Tools)
			}
			prompt := defaultSystemPrompt
			if skill.Content != "" {
				prompt += "\n\n" + skill.Content
			}
			loop := agent.NewLoop(agent.LoopConfig{
				Provider:     provider,
				Registry:     registry,
				Notifier:     notifier,
				Recall:       memClient,
				Model:        cfg.Provider.ModelForTier(skill.Tier),
				SystemPrompt: prompt,
				Budgets:      b,
				HistoryTurns: cfg.Agent.HistoryTurns,
				Temperature:  cfg.Provider.SampleTemp,
				MaxRespToks:  cfg.Provider.MaxRespToks,
			})
			return workspaceRunner{loop: loop, dir: workspace}
		}
		dispatcher := inbox.New(inbox.Config{
			Queue:  kvClient,
			Skills: loader,
			Loop:   loopForSkill,
		})
		group.Go(func() error { return dispatcher.Run(groupCtx) })
	}

	if cfg.MCP.Enabled {
		mcpSrv := mcpserver.NewServer(cfg.MCP, toolsReg, func(tier string, maxTurns int) mcpserver.Runner {
			return workspaceRunner{loop: newLoop(tier, nil), dir: workspace}
		})
		group.Go(func() error { return mcpSrv.Start(groupCtx) })
	}

	if err := group.Wait(); err != nil {
		slog.Error("runtime stopped", "error", err)
		os.Exit(1)
	}
	slog.Info("shutdown complete")
}

// waitForKV pings the store with backoff until it answers. The runtime
// cannot do anything useful without it, so exhausting the attempts exits
// with the upstream-unreachable code.
func waitForKV(ctx context.Context, kvClient *kv.Client) {
	for attempt := 1; ; attempt++ {
		err := kvClient.Ping(ctx)
		if err == nil {
			return
		}
		if attempt >= kvPingAttempts {
			slog.Error("kv store unreachable, giving up", "attempts", attempt, "error", err)
			os.Exit(exitUpstream)
		}
		slog.Warn("kv store not ready, retrying", "attempt", attempt, "error", err)
		if backoff.Sleep(ctx, backoff.Storage, attempt) != nil {
			os.Exit(exitUpstream)
		}
	}
}

// buildProvider creates the LLM provider. The API key comes from the
// environment or, failing that, the KV store; rotations are picked up
// live via the update channel.
func buildProvider(ctx context.Context, cfg *config.Config, kvClient *kv.Client, breakers *breaker.Registry) *providers.AnthropicProvider {
	apiKey := cfg.Provider.APIKey
	if apiKey == "" {
		if stored, err := kvClient.Get(ctx, kv.KeyAPIKeyConfig); err == nil {
			apiKey = stored
		}
	}
	if apiKey == "" {
		slog.Warn("no llm api key configured; model calls will fail until one is set")
	}

	opts := []providers.AnthropicOption{
		providers.WithAnthropicModel(cfg.Provider.Model),
		providers.WithAnthropicRetry(providers.RetryConfig{
			MaxRetries: cfg.Provider.MaxRetries,
			Policy:     backoff.LLM,
			Breaker:    breakers.Get("llm"),
		}),
	}
	if cfg.Provider.BaseURL != "" {
		opts = append(opts, providers.WithAnthropicBaseURL(cfg.Provider.BaseURL))
	}
	provider := providers.NewAnthropicProvider(apiKey, opts...)

	go kvClient.Subscribe(ctx, kv.APIKeyUpdatedChannel(), func(msg kv.Message) {
		key, err := kvClient.Get(ctx, kv.KeyAPIKeyConfig)
		if err != nil {
			slog.Warn("api key refresh signalled but key unreadable", "error", err)
			return
		}
		provider.SetAPIKey(key)
		slog.Info("llm api key refreshed")
	})
	return provider
}

// registerBuiltinTools installs the stock tool set.
func registerBuiltinTools(reg *tools.Registry, memClient *memory.Client, workspace string) {
	memStore := memClient.ForUser("default")

	for _, t := range []tools.Tool{
		&tools.ExecTool{WorkingDir: workspace},
		&tools.ReadFileTool{},
		&tools.WriteFileTool{},
		&tools.ListFilesTool{},
		&tools.MemorySearchTool{Store: memStore},
		&tools.MemoryStoreTool{Store: memStore},
	} {
		if err := reg.Register(t); err != nil {
			slog.Error("builtin tool registration failed", "tool", t.Name(), "error", err)
			os.Exit(exitConfig)
		}
	}
}

// resolveWorkspace picks the directory file tools operate in and makes
// sure it exists.
func resolveWorkspace() string {
	dir := os.Getenv("AGENTD_WORKSPACE")
	if dir == "" {
		dir = config.ExpandHome(filepath.Join("~", ".agentd", "workspace"))
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Warn("workspace directory unavailable", "dir", dir, "error", err)
	}
	return dir
}
