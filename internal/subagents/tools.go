package subagents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/agentd/internal/agent"
	"github.com/nextlevelbuilder/agentd/internal/tools"
)

// RegisterTools adds the sub-agent management tools to the main registry.
// Living here rather than in the tools package keeps the dependency
// arrow pointing one way: tools knows nothing about agents.
func RegisterTools(reg *tools.Registry, registry *Registry, factory *Factory) error {
	for _, t := range []tools.Tool{
		&createTool{registry: registry},
		&runTool{factory: factory},
		&listTool{registry: registry},
		&deleteTool{registry: registry},
		&delegateTool{factory: factory},
	} {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}

type createTool struct {
	registry *Registry
}

func (t *createTool) Name() string { return "subagent_create" }
func (t *createTool) Description() string {
	return "Create a persistent sub-agent with a purpose and a tool allow-list"
}

func (t *createTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"id": map[string]interface{}{
				"type":        "string",
				"description": "Slug id, lowercase letters, digits, hyphens",
			},
			"name":    map[string]interface{}{"type": "string"},
			"purpose": map[string]interface{}{"type": "string"},
			"tools": map[string]interface{}{
				"type":        "array",
				"items":       map[string]interface{}{"type": "string"},
				"description": "Allowed tool names; omit for all tools",
			},
			"tier": map[string]interface{}{
				"type": "string",
				"enum": []interface{}{"flash", "sonnet", "opus"},
			},
			"max_turns": map[string]interface{}{"type": "integer"},
			"cron": map[string]interface{}{
				"type":        "string",
				"description": "Optional 5-field cron for recurring runs",
			},
			"timezone": map[string]interface{}{
				"type":        "string",
				"description": "IANA timezone for the cron, default UTC",
			},
			"schedule_task": map[string]interface{}{
				"type":        "string",
				"description": "Task text sent on each scheduled run",
			},
		},
		"required": []interface{}{"id", "purpose"},
	}
}

func (t *createTool) Scope() []string { return []string{tools.ScopeWrite} }

func (t *createTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	rec := Record{
		ID:      stringArg(args, "id"),
		Name:    stringArg(args, "name"),
		Purpose: stringArg(args, "purpose"),
		Tier:    stringArg(args, "tier"),
	}
	if raw, ok := args["tools"].([]interface{}); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				rec.Tools = append(rec.Tools, s)
			}
		}
	}
	if n, ok := args["max_turns"].(float64); ok {
		rec.MaxTurns = int(n)
	} else if n, ok := args["max_turns"].(int64); ok {
		rec.MaxTurns = int(n)
	}
	if cron := stringArg(args, "cron"); cron != "" {
		rec.Schedule = &Cadence{
			Cron:     cron,
			Timezone: stringArg(args, "timezone"),
			Task:     stringArg(args, "schedule_task"),
		}
		if rec.Schedule.Task == "" {
			rec.Schedule.Task = rec.Purpose
		}
	}

	created, err := t.registry.Create(ctx, rec)
	if err != nil {
		return tools.ErrorResult(fmt.Sprintf("create subagent: %v", err)).WithError(err)
	}
	return tools.NewResult(fmt.Sprintf("created subagent %s (%s)", created.ID, created.Purpose))
}

type runTool struct {
	factory *Factory
}

func (t *runTool) Name() string { return "subagent_run" }
func (t *runTool) Description() string {
	return "Run a task on an existing sub-agent and return its answer"
}

func (t *runTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"id":   map[string]interface{}{"type": "string"},
			"task": map[string]interface{}{"type": "string"},
		},
		"required": []interface{}{"id", "task"},
	}
}

func (t *runTool) Scope() []string { return []string{tools.ScopeNetwork} }

// Nested runs carry their own wall-clock budget; give the tool wrapper
// headroom beyond the default tool timeout.
func (t *runTool) Timeout() time.Duration { return 15 * time.Minute }

func (t *runTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	id := stringArg(args, "id")
	task := stringArg(args, "task")
	result, err := t.factory.Run(ctx, id, task)
	if err != nil {
		return tools.ErrorResult(fmt.Sprintf("subagent %s failed: %v", id, err)).WithError(err)
	}
	if result.StoppedReason != agent.StopDone {
		return tools.ErrorResult(fmt.Sprintf("subagent %s stopped: %s (%s)", id, result.StoppedReason, result.Answer))
	}
	return tools.NewResult(result.Answer)
}

type listTool struct {
	registry *Registry
}

func (t *listTool) Name() string        { return "subagent_list" }
func (t *listTool) Description() string { return "List sub-agents with their state and purpose" }

func (t *listTool) Parameters() map[string]interface{} {
	return map[string]interface{}{"type": "object"}
}

func (t *listTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	summaries, err := t.registry.List(ctx)
	if err != nil {
		return tools.ErrorResult(fmt.Sprintf("list subagents: %v", err)).WithError(err)
	}
	if len(summaries) == 0 {
		return tools.NewResult("no subagents defined")
	}
	raw, _ := json.Marshal(summaries)
	return tools.NewResult(string(raw))
}

type deleteTool struct {
	registry *Registry
}

func (t *deleteTool) Name() string { return "subagent_delete" }
func (t *deleteTool) Description() string {
	return "Delete a sub-agent and any schedules attached to it"
}

func (t *deleteTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"id": map[string]interface{}{"type": "string"},
		},
		"required": []interface{}{"id"},
	}
}

func (t *deleteTool) Scope() []string        { return []string{tools.ScopeDestructive} }
func (t *deleteTool) RequiresApproval() bool { return true }

func (t *deleteTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	id := stringArg(args, "id")
	if err := t.registry.Delete(ctx, id); err != nil {
		return tools.ErrorResult(fmt.Sprintf("delete subagent: %v", err)).WithError(err)
	}
	return tools.NewResult("deleted subagent " + id)
}

// delegateTool runs a one-off task on an anonymous child loop with the
// parent's tools, one level deeper.
type delegateTool struct {
	factory *Factory
}

func (t *delegateTool) Name() string { return "delegate" }
func (t *delegateTool) Description() string {
	return "Delegate a self-contained task to a one-off child agent and return its answer"
}

func (t *delegateTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"task": map[string]interface{}{"type": "string"},
			"purpose": map[string]interface{}{
				"type":        "string",
				"description": "One-line description of the child's role",
			},
		},
		"required": []interface{}{"task"},
	}
}

func (t *delegateTool) Scope() []string { return []string{tools.ScopeNetwork} }

func (t *delegateTool) Timeout() time.Duration { return 15 * time.Minute }

func (t *delegateTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	task := stringArg(args, "task")
	purpose := stringArg(args, "purpose")
	if strings.TrimSpace(task) == "" {
		return tools.ErrorResult("task is required")
	}

	rec := &Record{
		ID:      "delegate-" + uuid.NewString()[:8],
		Name:    "delegate",
		Purpose: purpose,
		State:   StateActive,
	}
	childCtx := tools.WithDepth(ctx, tools.DepthFromCtx(ctx)+1)
	result, err := t.factory.LoopFor(rec).Run(childCtx, agent.RunRequest{
		SessionID: uuid.NewString(),
		Task:      task,
		UserID:    tools.UserFromCtx(ctx),
	})
	if err != nil {
		return tools.ErrorResult(fmt.Sprintf("delegate failed: %v", err)).WithError(err)
	}
	if result.StoppedReason != agent.StopDone {
		return tools.ErrorResult(fmt.Sprintf("delegate stopped: %s (%s)", result.StoppedReason, result.Answer))
	}
	return tools.NewResult(result.Answer)
}

func stringArg(args map[string]interface{}, key string) string {
	v, _ := args[key].(string)
	return v
}
