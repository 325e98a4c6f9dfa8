package tools

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func echoTool() *FuncTool {
	return &FuncTool{
		ToolName:        "echo",
		ToolDescription: "echoes the message back",
		ToolParameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"message": map[string]interface{}{"type": "string"},
				"count":   map[string]interface{}{"type": "integer", "default": 1},
			},
			"required": []interface{}{"message"},
		},
		Fn: func(ctx context.Context, args map[string]interface{}) *Result {
			msg, _ := args["message"].(string)
			return NewResult(msg)
		},
	}
}

func TestDispatchReturnsExecutorResult(t *testing.T) {
	r := NewRegistry(nil)
	if err := r.Register(echoTool()); err != nil {
		t.Fatalf("register: %v", err)
	}

	call := r.Dispatch(context.Background(), "c1", "echo", map[string]interface{}{"message": "hello"})
	if call.Result.IsError {
		t.Fatalf("unexpected error result: %s", call.Result.ForLLM)
	}
	if call.Result.ForLLM != "hello" {
		t.Errorf("got %q, want %q", call.Result.ForLLM, "hello")
	}
	if call.ID != "c1" {
		t.Errorf("call id not preserved: %q", call.ID)
	}
}

func TestDispatchUnknownTool(t *testing.T) {
	r := NewRegistry(nil)
	call := r.Dispatch(context.Background(), "c1", "missing", nil)
	if !call.Result.IsError {
		t.Fatal("expected error result for unknown tool")
	}
	if !errors.Is(call.Result.Err, ErrToolNotFound) {
		t.Errorf("err = %v, want ErrToolNotFound", call.Result.Err)
	}
}

func TestDispatchRepairsStringEncodedInteger(t *testing.T) {
	r := NewRegistry(nil)
	var got map[string]interface{}
	tool := echoTool()
	tool.Fn = func(ctx context.Context, args map[string]interface{}) *Result {
		got = args
		return NewResult("ok")
	}
	if err := r.Register(tool); err != nil {
		t.Fatalf("register: %v", err)
	}

	call := r.Dispatch(context.Background(), "c1", "echo", map[string]interface{}{
		"message": "hi",
		"count":   "3", // string-encoded integer
		"junk":    true,
	})
	if call.Result.IsError {
		t.Fatalf("dispatch failed: %s", call.Result.ForLLM)
	}
	if !call.Repaired {
		t.Error("expected repair pass to run")
	}
	if _, ok := got["junk"]; ok {
		t.Error("unknown key should be dropped")
	}
	if n, ok := got["count"].(int64); !ok || n != 3 {
		t.Errorf("count = %v (%T), want int64(3)", got["count"], got["count"])
	}
}

func TestDispatchRejectsUnrepairableArgs(t *testing.T) {
	r := NewRegistry(nil)
	if err := r.Register(echoTool()); err != nil {
		t.Fatalf("register: %v", err)
	}

	// required "message" missing entirely; repair cannot invent it
	call := r.Dispatch(context.Background(), "c1", "echo", map[string]interface{}{"count": 2})
	if !call.Result.IsError {
		t.Fatal("expected validation failure")
	}
	if !errors.Is(call.Result.Err, ErrInvalidArgs) {
		t.Errorf("err = %v, want ErrInvalidArgs", call.Result.Err)
	}
}

func TestDispatchTimeout(t *testing.T) {
	r := NewRegistry(nil)
	slow := &FuncTool{
		ToolName:       "slow",
		ToolParameters: map[string]interface{}{"type": "object"},
		ExecTimeout:    20 * time.Millisecond,
		Fn: func(ctx context.Context, args map[string]interface{}) *Result {
			select {
			case <-ctx.Done():
			case <-time.After(5 * time.Second):
			}
			return NewResult("too late")
		},
	}
	if err := r.Register(slow); err != nil {
		t.Fatalf("register: %v", err)
	}

	call := r.Dispatch(context.Background(), "c1", "slow", nil)
	if !errors.Is(call.Result.Err, ErrToolTimeout) {
		t.Fatalf("err = %v, want ErrToolTimeout", call.Result.Err)
	}
}

func TestDispatchRecoversPanic(t *testing.T) {
	r := NewRegistry(nil)
	boom := &FuncTool{
		ToolName:       "boom",
		ToolParameters: map[string]interface{}{"type": "object"},
		Fn: func(ctx context.Context, args map[string]interface{}) *Result {
			panic("kaboom")
		},
	}
	if err := r.Register(boom); err != nil {
		t.Fatalf("register: %v", err)
	}

	call := r.Dispatch(context.Background(), "c1", "boom", nil)
	if !call.Result.IsError {
		t.Fatal("panic should surface as error result")
	}
	if !strings.Contains(call.Result.ForLLM, "kaboom") {
		t.Errorf("panic message lost: %q", call.Result.ForLLM)
	}
}

type denyGate struct{ denied string }

func (g *denyGate) Check(ctx context.Context, sessionID, toolName string, scope []string, requiresApproval bool, args map[string]interface{}) error {
	if toolName == g.denied {
		return errors.New("user said no")
	}
	return nil
}

func TestDispatchApprovalDenied(t *testing.T) {
	r := NewRegistry(&denyGate{denied: "echo"})
	if err := r.Register(echoTool()); err != nil {
		t.Fatalf("register: %v", err)
	}

	call := r.Dispatch(context.Background(), "c1", "echo", map[string]interface{}{"message": "hi"})
	if !errors.Is(call.Result.Err, ErrApprovalDenied) {
		t.Fatalf("err = %v, want ErrApprovalDenied", call.Result.Err)
	}
}

func TestRegisterReplacesExecutor(t *testing.T) {
	r := NewRegistry(nil)
	first := echoTool()
	if err := r.Register(first); err != nil {
		t.Fatalf("register: %v", err)
	}
	second := echoTool()
	second.Fn = func(ctx context.Context, args map[string]interface{}) *Result {
		return NewResult("replaced")
	}
	if err := r.Register(second); err != nil {
		t.Fatalf("re-register: %v", err)
	}

	call := r.Dispatch(context.Background(), "c1", "echo", map[string]interface{}{"message": "x"})
	if call.Result.ForLLM != "replaced" {
		t.Errorf("got %q, want replaced executor output", call.Result.ForLLM)
	}
	if len(r.Definitions()) != 1 {
		t.Errorf("re-registration must not duplicate: %d defs", len(r.Definitions()))
	}
}

func TestOutputCapped(t *testing.T) {
	r := NewRegistry(nil)
	big := &FuncTool{
		ToolName:       "big",
		ToolParameters: map[string]interface{}{"type": "object"},
		Fn: func(ctx context.Context, args map[string]interface{}) *Result {
			return NewResult(strings.Repeat("x", MaxOutputBytes*2))
		},
	}
	if err := r.Register(big); err != nil {
		t.Fatalf("register: %v", err)
	}

	call := r.Dispatch(context.Background(), "c1", "big", nil)
	if len(call.Result.ForLLM) > MaxOutputBytes+64 {
		t.Errorf("output not capped: %d bytes", len(call.Result.ForLLM))
	}
	if !strings.HasSuffix(call.Result.ForLLM, "[output truncated]") {
		t.Error("missing truncation marker")
	}
}

func TestDefinitionsSortedAndComplete(t *testing.T) {
	r := NewRegistry(nil)
	if err := r.Register(&ExecTool{}); err != nil {
		t.Fatalf("register exec: %v", err)
	}
	if err := r.Register(&ReadFileTool{}); err != nil {
		t.Fatalf("register read_file: %v", err)
	}

	defs := r.Definitions()
	if len(defs) != 2 {
		t.Fatalf("got %d defs, want 2", len(defs))
	}
	if defs[0].Name != "exec" || defs[1].Name != "read_file" {
		t.Errorf("defs not sorted: %v, %v", defs[0].Name, defs[1].Name)
	}
	if len(defs[0].Scope) == 0 {
		t.Error("exec definition missing scope tags")
	}
}
