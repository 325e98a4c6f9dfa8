package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/agentd/internal/memory"
	"github.com/nextlevelbuilder/agentd/internal/providers"
	"github.com/nextlevelbuilder/agentd/internal/tools"
)

// scriptedProvider returns canned responses in order.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []*providers.ChatResponse
	requests  []providers.ChatRequest
	delay     time.Duration
}

func (p *scriptedProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	if p.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.delay):
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if len(p.responses) == 0 {
		return nil, fmt.Errorf("script exhausted")
	}
	resp := p.responses[0]
	p.responses = p.responses[1:]
	return resp, nil
}

func (p *scriptedProvider) ChatStream(ctx context.Context, req providers.ChatRequest, onChunk func(providers.StreamChunk)) (*providers.ChatResponse, error) {
	resp, err := p.Chat(ctx, req)
	if err != nil {
		return nil, err
	}
	if onChunk != nil {
		for _, word := range strings.Fields(resp.Content) {
			onChunk(providers.StreamChunk{Content: word + " "})
		}
		onChunk(providers.StreamChunk{Done: true})
	}
	return resp, nil
}

func (p *scriptedProvider) DefaultModel() string { return "scripted" }
func (p *scriptedProvider) Name() string         { return "scripted" }

func textResponse(content string) *providers.ChatResponse {
	return &providers.ChatResponse{
		Content:      content,
		FinishReason: "stop",
		Usage:        &providers.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}
}

func toolResponse(calls ...providers.ToolCall) *providers.ChatResponse {
	return &providers.ChatResponse{
		ToolCalls:    calls,
		FinishReason: "tool_calls",
		Usage:        &providers.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}
}

func newTestLoop(t *testing.T, p providers.Provider, reg *tools.Registry, opts ...func(*LoopConfig)) (*Loop, *[]Event) {
	t.Helper()
	var mu sync.Mutex
	events := &[]Event{}
	cfg := LoopConfig{
		Provider:     p,
		Registry:     reg,
		SystemPrompt: "You are a task agent.",
		Budgets:      Budgets{MaxTurns: 10, MaxTokens: 100000, Timeout: 5 * time.Second, MaxDepth: 3},
		OnEvent: func(ev Event) {
			mu.Lock()
			*events = append(*events, ev)
			mu.Unlock()
		},
	}
	for _, o := range opts {
		o(&cfg)
	}
	return NewLoop(cfg), events
}

func TestRunTextOnlyCompletes(t *testing.T) {
	p := &scriptedProvider{responses: []*providers.ChatResponse{textResponse("the answer is 42")}}
	loop, events := newTestLoop(t, p, tools.NewRegistry(nil))

	res, err := loop.Run(context.Background(), RunRequest{SessionID: "s1", Task: "what is 6*7"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.Success || res.StoppedReason != StopDone {
		t.Fatalf("result = %+v", res)
	}
	if res.Answer != "the answer is 42" {
		t.Errorf("answer = %q", res.Answer)
	}
	if res.Turns != 1 {
		t.Errorf("turns = %d", res.Turns)
	}

	types := eventTypes(*events)
	if types[0] != EventRunStarted || types[len(types)-1] != EventRunCompleted {
		t.Errorf("event order = %v", types)
	}
}

func TestRunDispatchesToolAndFeedsObservation(t *testing.T) {
	reg := tools.NewRegistry(nil)
	reg.Register(&tools.FuncTool{
		ToolName:       "lookup",
		ToolParameters: map[string]interface{}{"type": "object"},
		Fn: func(ctx context.Context, args map[string]interface{}) *tools.Result {
			return tools.NewResult("paris")
		},
	})
	p := &scriptedProvider{responses: []*providers.ChatResponse{
		toolResponse(providers.ToolCall{ID: "c1", Name: "lookup", Arguments: map[string]interface{}{}}),
		textResponse("the capital is paris"),
	}}
	loop, events := newTestLoop(t, p, reg)

	res, err := loop.Run(context.Background(), RunRequest{SessionID: "s1", Task: "capital of france"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Turns != 2 || !res.Success {
		t.Fatalf("result = %+v", res)
	}

	// The second brain request must carry the observation.
	second := p.requests[1]
	var sawObservation bool
	for _, m := range second.Messages {
		if m.Role == "tool" && m.Content == "paris" && m.ToolCallID == "c1" {
			sawObservation = true
		}
	}
	if !sawObservation {
		t.Error("tool observation missing from follow-up prompt")
	}

	types := eventTypes(*events)
	assertOrdered(t, types, EventRunStarted, EventToolCall, EventToolResult, EventRunCompleted)
}

func TestParallelToolCallsOrderedByCallIndex(t *testing.T) {
	reg := tools.NewRegistry(nil)
	reg.Register(&tools.FuncTool{
		ToolName:       "slowfast",
		ToolParameters: map[string]interface{}{"type": "object", "properties": map[string]interface{}{"v": map[string]interface{}{"type": "string"}}},
		Fn: func(ctx context.Context, args map[string]interface{}) *tools.Result {
			v, _ := args["v"].(string)
			if v == "first" {
				time.Sleep(50 * time.Millisecond) // first call finishes last
			}
			return tools.NewResult(v)
		},
	})
	p := &scriptedProvider{responses: []*providers.ChatResponse{
		toolResponse(
			providers.ToolCall{ID: "c1", Name: "slowfast", Arguments: map[string]interface{}{"v": "first"}},
			providers.ToolCall{ID: "c2", Name: "slowfast", Arguments: map[string]interface{}{"v": "second"}},
		),
		textResponse("done"),
	}}
	loop, _ := newTestLoop(t, p, reg)

	if _, err := loop.Run(context.Background(), RunRequest{SessionID: "s1", Task: "go"}); err != nil {
		t.Fatalf("run: %v", err)
	}

	var toolMsgs []providers.Message
	for _, m := range p.requests[1].Messages {
		if m.Role == "tool" {
			toolMsgs = append(toolMsgs, m)
		}
	}
	if len(toolMsgs) != 2 {
		t.Fatalf("got %d observations", len(toolMsgs))
	}
	if toolMsgs[0].ToolCallID != "c1" || toolMsgs[1].ToolCallID != "c2" {
		t.Errorf("observations out of call order: %s, %s", toolMsgs[0].ToolCallID, toolMsgs[1].ToolCallID)
	}
}

func TestToolFailureContinuesLoop(t *testing.T) {
	reg := tools.NewRegistry(nil)
	reg.Register(&tools.FuncTool{
		ToolName:       "flaky",
		ToolParameters: map[string]interface{}{"type": "object"},
		Fn: func(ctx context.Context, args map[string]interface{}) *tools.Result {
			return tools.ErrorResult("disk on fire")
		},
	})
	p := &scriptedProvider{responses: []*providers.ChatResponse{
		toolResponse(providers.ToolCall{ID: "c1", Name: "flaky", Arguments: map[string]interface{}{}}),
		textResponse("could not complete: disk on fire"),
	}}
	loop, _ := newTestLoop(t, p, reg)

	res, err := loop.Run(context.Background(), RunRequest{SessionID: "s1", Task: "try it"})
	if err != nil {
		t.Fatalf("tool failure must not fail the run: %v", err)
	}
	if !res.Success {
		t.Errorf("result = %+v", res)
	}
}

func TestTurnBudgetExhaustion(t *testing.T) {
	reg := tools.NewRegistry(nil)
	reg.Register(&tools.FuncTool{
		ToolName:       "again",
		ToolParameters: map[string]interface{}{"type": "object"},
		Fn: func(ctx context.Context, args map[string]interface{}) *tools.Result {
			return tools.NewResult("keep going")
		},
	})
	// The brain asks for a tool every turn, forever.
	var responses []*providers.ChatResponse
	for i := 0; i < 20; i++ {
		responses = append(responses, toolResponse(providers.ToolCall{ID: fmt.Sprintf("c%d", i), Name: "again", Arguments: map[string]interface{}{}}))
	}
	p := &scriptedProvider{responses: responses}
	loop, _ := newTestLoop(t, p, reg, func(cfg *LoopConfig) {
		cfg.Budgets.MaxTurns = 3
	})

	res, err := loop.Run(context.Background(), RunRequest{SessionID: "s1", Task: "loop forever"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.StoppedReason != StopBudgetExhausted || res.Turns != 3 {
		t.Errorf("result = %+v", res)
	}
}

func TestTokenBudgetExhaustion(t *testing.T) {
	reg := tools.NewRegistry(nil)
	reg.Register(&tools.FuncTool{
		ToolName:       "noop",
		ToolParameters: map[string]interface{}{"type": "object"},
		Fn: func(ctx context.Context, args map[string]interface{}) *tools.Result {
			return tools.NewResult("ok")
		},
	})
	var responses []*providers.ChatResponse
	for i := 0; i < 10; i++ {
		responses = append(responses, toolResponse(providers.ToolCall{ID: fmt.Sprintf("c%d", i), Name: "noop", Arguments: map[string]interface{}{}}))
	}
	p := &scriptedProvider{responses: responses}
	loop, _ := newTestLoop(t, p, reg, func(cfg *LoopConfig) {
		cfg.Budgets.MaxTokens = 30 // 15 per turn: exhausted after turn 2
	})

	res, err := loop.Run(context.Background(), RunRequest{SessionID: "s1", Task: "burn tokens"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.StoppedReason != StopBudgetExhausted || res.Turns != 2 {
		t.Errorf("result = %+v", res)
	}
}

func TestCancellationStopsRun(t *testing.T) {
	p := &scriptedProvider{
		responses: []*providers.ChatResponse{textResponse("too late")},
		delay:     5 * time.Second,
	}
	loop, events := newTestLoop(t, p, tools.NewRegistry(nil))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	res, err := loop.Run(ctx, RunRequest{SessionID: "s1", Task: "sleep"})
	if err != nil {
		t.Fatalf("cancel is a terminal, not an error: %v", err)
	}
	if res.StoppedReason != StopCancelled {
		t.Errorf("reason = %q", res.StoppedReason)
	}
	if res.Answer == "" {
		t.Error("cancelled run must still carry an answer")
	}
	types := eventTypes(*events)
	if types[len(types)-1] != EventRunCancelled {
		t.Errorf("final event = %q", types[len(types)-1])
	}
}

// stallingProvider streams its chunks then hangs until the context dies.
type stallingProvider struct {
	chunks []string
}

func (p *stallingProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (p *stallingProvider) ChatStream(ctx context.Context, req providers.ChatRequest, onChunk func(providers.StreamChunk)) (*providers.ChatResponse, error) {
	for _, c := range p.chunks {
		onChunk(providers.StreamChunk{Content: c})
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (p *stallingProvider) DefaultModel() string { return "stalling" }
func (p *stallingProvider) Name() string         { return "stalling" }

func TestCancelledRunKeepsStreamedPartial(t *testing.T) {
	p := &stallingProvider{chunks: []string{"counting ", "to ", "ten"}}
	loop, _ := newTestLoop(t, p, tools.NewRegistry(nil))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	res, err := loop.Run(ctx, RunRequest{SessionID: "s1", Task: "count", Stream: true})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.StoppedReason != StopCancelled {
		t.Fatalf("reason = %q", res.StoppedReason)
	}
	if res.Answer != "counting to ten" {
		t.Errorf("answer = %q, want the streamed partial", res.Answer)
	}
}

func TestFailedRunCarriesFailureSummary(t *testing.T) {
	p := &scriptedProvider{} // no scripted responses: the first call errors
	loop, _ := newTestLoop(t, p, tools.NewRegistry(nil))

	res, err := loop.Run(context.Background(), RunRequest{SessionID: "s1", Task: "doomed"})
	if err == nil {
		t.Fatal("expected a brain failure")
	}
	if res.StoppedReason != StopFailed {
		t.Errorf("reason = %q", res.StoppedReason)
	}
	if !strings.Contains(res.Answer, "brain call failed on turn 1") {
		t.Errorf("answer = %q", res.Answer)
	}
}

func TestWallClockBudget(t *testing.T) {
	p := &scriptedProvider{
		responses: []*providers.ChatResponse{textResponse("too late")},
		delay:     time.Second,
	}
	loop, _ := newTestLoop(t, p, tools.NewRegistry(nil), func(cfg *LoopConfig) {
		cfg.Budgets.Timeout = 50 * time.Millisecond
	})

	res, err := loop.Run(context.Background(), RunRequest{SessionID: "s1", Task: "slow"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.StoppedReason != StopBudgetExhausted {
		t.Errorf("reason = %q", res.StoppedReason)
	}
}

func TestDepthExceeded(t *testing.T) {
	p := &scriptedProvider{responses: []*providers.ChatResponse{textResponse("never called")}}
	loop, _ := newTestLoop(t, p, tools.NewRegistry(nil))

	ctx := tools.WithDepth(context.Background(), 4)
	res, err := loop.Run(ctx, RunRequest{SessionID: "s1", Task: "too deep"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.StoppedReason != StopDepthExceeded {
		t.Errorf("reason = %q", res.StoppedReason)
	}
	if len(p.requests) != 0 {
		t.Error("brain must not be called past the depth limit")
	}
}

type fakeRecaller struct {
	items []memory.Item
	query string
}

func (r *fakeRecaller) Search(ctx context.Context, userID, query string, limit int) ([]memory.Item, error) {
	r.query = query
	if limit < len(r.items) {
		return r.items[:limit], nil
	}
	return r.items, nil
}

func TestMemoryRecallInjectedBeforeFirstTurn(t *testing.T) {
	recall := &fakeRecaller{items: []memory.Item{{Content: "user prefers metric units"}}}
	p := &scriptedProvider{responses: []*providers.ChatResponse{textResponse("21 km")}}
	loop, _ := newTestLoop(t, p, tools.NewRegistry(nil), func(cfg *LoopConfig) {
		cfg.Recall = recall
	})

	if _, err := loop.Run(context.Background(), RunRequest{SessionID: "s1", Task: "how long is a half marathon", UserID: "u1"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if recall.query != "how long is a half marathon" {
		t.Errorf("recall query = %q", recall.query)
	}
	var sawMemory bool
	for _, m := range p.requests[0].Messages {
		if strings.Contains(m.Content, "user prefers metric units") {
			sawMemory = true
		}
	}
	if !sawMemory {
		t.Error("memory block missing from first prompt")
	}
}

func eventTypes(events []Event) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

// assertOrdered checks that want appears as a subsequence of got.
func assertOrdered(t *testing.T, got []string, want ...string) {
	t.Helper()
	i := 0
	for _, g := range got {
		if i < len(want) && g == want[i] {
			i++
		}
	}
	if i != len(want) {
		t.Errorf("events %v missing ordered subsequence %v", got, want)
	}
}
