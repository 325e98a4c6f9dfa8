package subagents

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/agentd/internal/agent"
	"github.com/nextlevelbuilder/agentd/internal/config"
	"github.com/nextlevelbuilder/agentd/internal/notify"
	"github.com/nextlevelbuilder/agentd/internal/providers"
	"github.com/nextlevelbuilder/agentd/internal/tools"
)

// Factory builds configured agent loops for sub-agents: scoped tool
// registry, purpose-prefixed system prompt, tier-resolved model, and the
// sub-agent's own budgets.
type Factory struct {
	registry *Registry
	provider providers.Provider
	tools    *tools.Registry
	notifier *notify.Notifier
	recall   agent.Recaller

	providerCfg config.ProviderConfig
	baseBudgets agent.Budgets
	basePrompt  string
}

// FactoryConfig wires a Factory.
type FactoryConfig struct {
	Registry    *Registry
	Provider    providers.Provider
	Tools       *tools.Registry
	Notifier    *notify.Notifier
	Recall      agent.Recaller
	ProviderCfg config.ProviderConfig
	BaseBudgets agent.Budgets
	BasePrompt  string
}

// NewFactory creates a loop factory for sub-agent runs.
func NewFactory(cfg FactoryConfig) *Factory {
	return &Factory{
		registry:    cfg.Registry,
		provider:    cfg.Provider,
		tools:       cfg.Tools,
		notifier:    cfg.Notifier,
		recall:      cfg.Recall,
		providerCfg: cfg.ProviderCfg,
		baseBudgets: cfg.BaseBudgets,
		basePrompt:  cfg.BasePrompt,
	}
}

// LoopFor builds an agent loop configured for one sub-agent record.
func (f *Factory) LoopFor(rec *Record) *agent.Loop {
	budgets := f.baseBudgets
	if rec.MaxTurns > 0 {
		budgets.MaxTurns = rec.MaxTurns
	}

	prompt := f.basePrompt
	if rec.Purpose != "" {
		prompt = fmt.Sprintf("You are %q, a scoped sub-agent.\nPurpose: %s\n\n%s", rec.Name, rec.Purpose, f.basePrompt)
	}

	scoped := f.tools
	if rec.Tools != nil {
		scoped = f.tools.Scoped(rec.Tools)
	}

	return agent.NewLoop(agent.LoopConfig{
		Provider:     f.provider,
		Registry:     scoped,
		Notifier:     f.notifier,
		Recall:       f.recall,
		Model:        f.providerCfg.ModelForTier(rec.Tier),
		SystemPrompt: prompt,
		Budgets:      budgets,
	})
}

// Run looks up a sub-agent, runs its loop at depth+1, and records run
// bookkeeping. The parent context carries the depth; cancellation
// propagates from the parent session.
func (f *Factory) Run(ctx context.Context, subagentID, task string) (*agent.RunResult, error) {
	rec, err := f.registry.Get(ctx, subagentID)
	if err != nil {
		return nil, err
	}
	if rec.State == StatePaused {
		return nil, fmt.Errorf("subagent %s is paused", subagentID)
	}

	childCtx := tools.WithDepth(ctx, tools.DepthFromCtx(ctx)+1)
	loop := f.LoopFor(rec)
	result, runErr := loop.Run(childCtx, agent.RunRequest{
		SessionID: uuid.NewString(),
		Task:      task,
		UserID:    rec.ID,
	})

	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := f.registry.RecordRun(recordCtx, subagentID, runErr); err != nil {
		return result, runErr
	}
	return result, runErr
}
