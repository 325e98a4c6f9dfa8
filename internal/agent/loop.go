// Package agent drives the ReAct loop: prompt, brain stream, tool
// dispatch, observation, repeat, under turn/token/time/depth budgets.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/agentd/internal/memory"
	"github.com/nextlevelbuilder/agentd/internal/notify"
	"github.com/nextlevelbuilder/agentd/internal/providers"
	"github.com/nextlevelbuilder/agentd/internal/tools"
	"github.com/nextlevelbuilder/agentd/internal/tracing"
)

// Budgets are enforced simultaneously; the first one hit ends the run.
type Budgets struct {
	MaxTurns  int           // default 30, hard ceiling 100
	MaxTokens int           // input+output, default 200000
	Timeout   time.Duration // wall clock, default 10m
	MaxDepth  int           // sub-agent recursion, default 3
}

// fill applies defaults and the hard turn ceiling.
func (b *Budgets) fill() {
	if b.MaxTurns <= 0 {
		b.MaxTurns = 30
	}
	if b.MaxTurns > 100 {
		b.MaxTurns = 100
	}
	if b.MaxTokens <= 0 {
		b.MaxTokens = 200000
	}
	if b.Timeout <= 0 {
		b.Timeout = 10 * time.Minute
	}
	if b.MaxDepth <= 0 {
		b.MaxDepth = 3
	}
}

// Recaller is the memory-search slice the loop consults before acting.
type Recaller interface {
	Search(ctx context.Context, userID, query string, limit int) ([]memory.Item, error)
}

// Loop runs agent sessions. One Loop serves many sessions; per-session
// state lives on the stack of Run.
type Loop struct {
	provider providers.Provider
	registry *tools.Registry
	notifier *notify.Notifier
	recall   Recaller // nil disables memory recall

	model        string
	systemPrompt string
	budgets      Budgets
	historyTurns int
	temperature  float64
	maxRespToks  int

	onEvent func(Event) // direct callback for the owning front end
}

// LoopConfig configures a new Loop.
type LoopConfig struct {
	Provider     providers.Provider
	Registry     *tools.Registry
	Notifier     *notify.Notifier
	Recall       Recaller
	Model        string
	SystemPrompt string
	Budgets      Budgets
	HistoryTurns int
	Temperature  float64
	MaxRespToks  int
	OnEvent      func(Event)
}

// NewLoop creates a loop with defaults filled in.
func NewLoop(cfg LoopConfig) *Loop {
	cfg.Budgets.fill()
	if cfg.HistoryTurns <= 0 {
		cfg.HistoryTurns = 20
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = 0.7
	}
	if cfg.MaxRespToks <= 0 {
		cfg.MaxRespToks = 8192
	}
	return &Loop{
		provider:     cfg.Provider,
		registry:     cfg.Registry,
		notifier:     cfg.Notifier,
		recall:       cfg.Recall,
		model:        cfg.Model,
		systemPrompt: cfg.SystemPrompt,
		budgets:      cfg.Budgets,
		historyTurns: cfg.HistoryTurns,
		temperature:  cfg.Temperature,
		maxRespToks:  cfg.MaxRespToks,
		onEvent:      cfg.OnEvent,
	}
}

// RunRequest is the input for one session run.
type RunRequest struct {
	SessionID string
	Task      string
	UserID    string // memory scoping; defaults to "default"
	MaxTurns  int    // optional override, clamped to the hard ceiling
	Stream    bool
}

// RunResult is the output of a completed run.
type RunResult struct {
	SessionID    string           `json:"sessionId"`
	Success      bool             `json:"success"`
	Answer       string           `json:"answer"`
	Turns        int              `json:"turns"`
	StoppedReason string          `json:"stoppedReason"`
	Usage        *providers.Usage `json:"usage,omitempty"`
}

// Run drives a session to a terminal state. A non-nil error is returned
// only for the Failed terminal; budget, cancel, and depth terminals are
// reported through StoppedReason with err == nil.
func (l *Loop) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	if req.UserID == "" {
		req.UserID = "default"
	}
	depth := tools.DepthFromCtx(ctx)
	if depth > l.budgets.MaxDepth {
		return &RunResult{
			SessionID:     req.SessionID,
			Answer:        fmt.Sprintf("sub-agent depth %d exceeds the limit of %d", depth, l.budgets.MaxDepth),
			StoppedReason: StopDepthExceeded,
		}, nil
	}

	maxTurns := l.budgets.MaxTurns
	if req.MaxTurns > 0 {
		maxTurns = req.MaxTurns
		if maxTurns > 100 {
			maxTurns = 100
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, l.budgets.Timeout)
	defer cancel()
	runCtx = tools.WithSession(runCtx, req.SessionID)
	runCtx = tools.WithUser(runCtx, req.UserID)
	runCtx, span := tracing.StartRun(runCtx, req.SessionID, l.model)

	l.emit(Event{Type: EventRunStarted, SessionID: req.SessionID, Payload: map[string]interface{}{
		"task":  req.Task,
		"depth": depth,
	}})

	result, err := l.runTurns(runCtx, req, maxTurns)
	result.SessionID = req.SessionID

	switch result.StoppedReason {
	case StopDone:
		l.emit(Event{Type: EventRunCompleted, SessionID: req.SessionID, Payload: map[string]interface{}{
			"turns":  result.Turns,
			"answer": result.Answer,
		}})
	case StopCancelled:
		l.emit(Event{Type: EventRunCancelled, SessionID: req.SessionID, Payload: map[string]interface{}{
			"turns": result.Turns,
		}})
	default:
		payload := map[string]interface{}{"reason": result.StoppedReason, "turns": result.Turns}
		if err != nil {
			payload["error"] = err.Error()
		}
		l.emit(Event{Type: EventRunFailed, SessionID: req.SessionID, Payload: payload})
	}
	tracing.End(span, err)
	return result, err
}

func (l *Loop) runTurns(ctx context.Context, req RunRequest, maxTurns int) (*RunResult, error) {
	messages := []providers.Message{
		{Role: "system", Content: l.systemPrompt},
		{Role: "user", Content: req.Task},
	}

	// Memory recall before the first action. Failures degrade to an empty
	// recall, never to a failed run.
	if l.recall != nil {
		if block := l.recallBlock(ctx, req.UserID, req.Task); block != "" {
			messages = append(messages, providers.Message{Role: "user", Content: block})
		}
	}

	var totalUsage providers.Usage
	var partial strings.Builder // text streamed so far in the current turn
	result := &RunResult{StoppedReason: StopFailed}

	for turn := 1; turn <= maxTurns; turn++ {
		result.Turns = turn

		if reason, err := l.checkInterrupt(ctx); reason != "" {
			result.StoppedReason = reason
			result.Answer = interruptAnswer(reason, partial.String())
			result.Usage = &totalUsage
			return result, err
		}

		partial.Reset()
		resp, err := l.think(ctx, req, messages, turn, &partial)
		if err != nil {
			if reason, ierr := l.checkInterrupt(ctx); reason != "" {
				result.StoppedReason = reason
				result.Answer = interruptAnswer(reason, partial.String())
				result.Usage = &totalUsage
				return result, ierr
			}
			err = fmt.Errorf("brain call failed on turn %d: %w", turn, err)
			result.Answer = err.Error()
			result.Usage = &totalUsage
			return result, err
		}

		if resp.Usage != nil {
			totalUsage.PromptTokens += resp.Usage.PromptTokens
			totalUsage.CompletionTokens += resp.Usage.CompletionTokens
			totalUsage.TotalTokens += resp.Usage.TotalTokens
		}

		if len(resp.ToolCalls) == 0 {
			result.Success = true
			result.Answer = resp.Content
			result.StoppedReason = StopDone
			result.Usage = &totalUsage
			return result, nil
		}

		messages = append(messages, providers.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		messages = append(messages, l.actOnToolCalls(ctx, req.SessionID, resp.ToolCalls)...)
		messages = l.trimHistory(messages)

		if totalUsage.TotalTokens >= l.budgets.MaxTokens {
			slog.Warn("token budget exhausted",
				"session", req.SessionID, "tokens", totalUsage.TotalTokens, "budget", l.budgets.MaxTokens)
			result.StoppedReason = StopBudgetExhausted
			result.Answer = "token budget exhausted"
			result.Usage = &totalUsage
			return result, nil
		}
	}

	result.StoppedReason = StopBudgetExhausted
	result.Answer = fmt.Sprintf("turn budget of %d exhausted", maxTurns)
	result.Usage = &totalUsage
	return result, nil
}

// checkInterrupt maps context termination to a stop reason: deadline from
// the run's own timer is a budget stop, anything else is a cancel.
func (l *Loop) checkInterrupt(ctx context.Context) (string, error) {
	switch {
	case ctx.Err() == nil:
		return "", nil
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return StopBudgetExhausted, nil
	default:
		return StopCancelled, nil
	}
}

// interruptAnswer fills the terminal answer for an interrupted run: the
// text streamed so far when there is any, a short summary otherwise.
func interruptAnswer(reason, partial string) string {
	if partial != "" {
		return partial
	}
	if reason == StopCancelled {
		return "run cancelled before an answer was produced"
	}
	return "run timed out before an answer was produced"
}

// think runs one brain call, streaming text chunks as events. Streamed
// text also accumulates into partial so an interrupted run can surface
// what it had so far.
func (l *Loop) think(ctx context.Context, req RunRequest, messages []providers.Message, turn int, partial *strings.Builder) (resp *providers.ChatResponse, err error) {
	ctx, span := tracing.StartModelCall(ctx, l.model, turn)
	defer func() { tracing.End(span, err) }()

	chatReq := providers.ChatRequest{
		Messages: messages,
		Tools:    l.providerDefs(),
		Model:    l.model,
		Options: map[string]interface{}{
			providers.OptMaxTokens:   l.maxRespToks,
			providers.OptTemperature: l.temperature,
		},
	}
	if !req.Stream {
		return l.provider.Chat(ctx, chatReq)
	}
	return l.provider.ChatStream(ctx, chatReq, func(chunk providers.StreamChunk) {
		if chunk.Content != "" {
			partial.WriteString(chunk.Content)
			l.emit(Event{Type: EventChunk, SessionID: req.SessionID, Payload: map[string]string{
				"content": chunk.Content,
			}})
		}
	})
}

// actOnToolCalls dispatches a turn's tool calls, in parallel when there is
// more than one. Observations come back ordered by the brain's call index
// so the conversation stays deterministic.
func (l *Loop) actOnToolCalls(ctx context.Context, sessionID string, calls []providers.ToolCall) []providers.Message {
	for _, tc := range calls {
		l.emit(Event{Type: EventToolCall, SessionID: sessionID, Payload: map[string]interface{}{
			"name": tc.Name,
			"id":   tc.ID,
		}})
	}

	dispatched := make([]*tools.Call, len(calls))
	if len(calls) == 1 {
		dispatched[0] = l.dispatch(ctx, calls[0])
	} else {
		var wg sync.WaitGroup
		for i, tc := range calls {
			wg.Add(1)
			go func(idx int, tc providers.ToolCall) {
				defer wg.Done()
				dispatched[idx] = l.dispatch(ctx, tc)
			}(i, tc)
		}
		wg.Wait()
		// dispatched is slot-per-call, so observations below are already
		// ordered by the brain's call index.
	}

	observations := make([]providers.Message, 0, len(calls))
	for i, call := range dispatched {
		argsJSON, _ := json.Marshal(calls[i].Arguments)
		slog.Info("tool dispatched",
			"session", sessionID, "tool", call.Name, "args_len", len(argsJSON),
			"duration", call.Duration, "is_error", call.Result.IsError)

		l.emit(Event{Type: EventToolResult, SessionID: sessionID, Payload: map[string]interface{}{
			"name":       call.Name,
			"id":         call.ID,
			"is_error":   call.Result.IsError,
			"durationMs": call.Duration.Milliseconds(),
		}})

		observations = append(observations, providers.Message{
			Role:       "tool",
			Content:    call.Result.ForLLM,
			ToolCallID: call.ID,
		})
	}
	return observations
}

// dispatch runs one tool call under a span.
func (l *Loop) dispatch(ctx context.Context, tc providers.ToolCall) *tools.Call {
	ctx, span := tracing.StartToolCall(ctx, tc.Name)
	call := l.registry.Dispatch(ctx, tc.ID, tc.Name, tc.Arguments)
	tracing.End(span, call.Result.Err)
	return call
}

// recallBlock queries memory for up to 5 items matching the task.
func (l *Loop) recallBlock(ctx context.Context, userID, task string) string {
	recallCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	items, err := l.recall.Search(recallCtx, userID, task, 5)
	if err != nil {
		slog.Warn("memory recall failed, continuing without it", "user", userID, "error", err)
		return ""
	}
	if len(items) == 0 {
		return ""
	}
	block := "Relevant memories from previous sessions:\n"
	for _, it := range items {
		block += "- " + it.Content + "\n"
	}
	return block
}

// trimHistory keeps the system prompt, the task, and the last historyTurns
// assistant/tool exchanges.
func (l *Loop) trimHistory(messages []providers.Message) []providers.Message {
	const pinned = 2 // system + task
	if len(messages) <= pinned {
		return messages
	}
	// Count assistant messages as turns, newest first.
	turns := 0
	cut := pinned
	for i := len(messages) - 1; i >= pinned; i-- {
		if messages[i].Role == "assistant" {
			turns++
			if turns >= l.historyTurns {
				cut = i
				break
			}
		}
	}
	if cut == pinned {
		return messages
	}
	trimmed := make([]providers.Message, 0, pinned+len(messages)-cut)
	trimmed = append(trimmed, messages[:pinned]...)
	trimmed = append(trimmed, messages[cut:]...)
	return trimmed
}

func (l *Loop) providerDefs() []providers.ToolDefinition {
	defs := l.registry.Definitions()
	out := make([]providers.ToolDefinition, 0, len(defs))
	for _, d := range defs {
		out = append(out, providers.ToolDefinition{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  d.Parameters,
		})
	}
	return out
}

// emit forwards an event to the owning front end and the per-session
// notification channel.
func (l *Loop) emit(ev Event) {
	if l.onEvent != nil {
		l.onEvent(ev)
	}
	if l.notifier != nil {
		l.notifier.Agent(ev.SessionID, ev.Type, ev.Payload)
	}
}
