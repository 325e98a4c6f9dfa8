package mcpserver

import (
	"context"
	"errors"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/nextlevelbuilder/agentd/internal/agent"
	"github.com/nextlevelbuilder/agentd/internal/config"
	"github.com/nextlevelbuilder/agentd/internal/tools"
)

type stubRunner struct {
	lastTask string
	result   *agent.RunResult
	err      error
}

func (r *stubRunner) Run(ctx context.Context, req agent.RunRequest) (*agent.RunResult, error) {
	r.lastTask = req.Task
	return r.result, r.err
}

func callRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if len(res.Content) != 1 {
		t.Fatalf("content = %v", res.Content)
	}
	text, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("content[0] = %T", res.Content[0])
	}
	return text.Text
}

func testServer(t *testing.T, runner Runner) (*Server, *tools.Registry) {
	t.Helper()
	reg := tools.NewRegistry(nil)
	err := reg.Register(&tools.FuncTool{
		ToolName:        "shout",
		ToolDescription: "uppercase? no, just echoes loudly",
		ToolParameters: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{"text": map[string]interface{}{"type": "string"}},
			"required":   []interface{}{"text"},
		},
		Fn: func(ctx context.Context, args map[string]interface{}) *tools.Result {
			text, _ := args["text"].(string)
			return tools.NewResult(text + "!")
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	s := NewServer(config.MCPConfig{Enabled: true, Port: 0}, reg, func(tier string, maxTurns int) Runner {
		return runner
	})
	return s, reg
}

func TestAgentRunTool(t *testing.T) {
	runner := &stubRunner{result: &agent.RunResult{
		Success:       true,
		Answer:        "forty-two",
		StoppedReason: agent.StopDone,
	}}
	s, _ := testServer(t, runner)

	res, err := s.handleAgentRun(context.Background(), callRequest("agent_run", map[string]interface{}{"task": "compute"}))
	if err != nil {
		t.Fatal(err)
	}
	if res.IsError {
		t.Fatalf("result = %+v", res)
	}
	if got := resultText(t, res); got != "forty-two" {
		t.Errorf("answer = %q", got)
	}
	if runner.lastTask != "compute" {
		t.Errorf("task = %q", runner.lastTask)
	}
}

func TestAgentRunToolRequiresTask(t *testing.T) {
	s, _ := testServer(t, &stubRunner{})
	res, err := s.handleAgentRun(context.Background(), callRequest("agent_run", nil))
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError {
		t.Fatalf("expected tool error, got %+v", res)
	}
}

func TestAgentRunToolSurfacesFailures(t *testing.T) {
	s, _ := testServer(t, &stubRunner{err: errors.New("provider down")})
	res, err := s.handleAgentRun(context.Background(), callRequest("agent_run", map[string]interface{}{"task": "x"}))
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError {
		t.Fatal("expected tool error")
	}

	s, _ = testServer(t, &stubRunner{result: &agent.RunResult{
		StoppedReason: agent.StopBudgetExhausted,
		Answer:        "partial",
	}})
	res, err = s.handleAgentRun(context.Background(), callRequest("agent_run", map[string]interface{}{"task": "x"}))
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError {
		t.Fatal("non-terminal stop should be a tool error")
	}
}

func TestRegistryToolsDispatchThroughPipeline(t *testing.T) {
	s, _ := testServer(t, &stubRunner{})

	res, err := s.dispatchTool(context.Background(), "shout", callRequest("shout", map[string]interface{}{"text": "hey"}))
	if err != nil {
		t.Fatal(err)
	}
	if res.IsError {
		t.Fatalf("result = %+v", res)
	}
	if got := resultText(t, res); got != "hey!" {
		t.Errorf("text = %q", got)
	}

	// Schema validation happens inside dispatch: a missing required arg
	// comes back as a tool error, not a transport error.
	res, err = s.dispatchTool(context.Background(), "shout", callRequest("shout", map[string]interface{}{}))
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError {
		t.Fatal("expected validation error")
	}
}
