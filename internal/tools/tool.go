// Package tools provides the process-wide tool registry and dispatch
// pipeline: schema validation with one repair pass, approval gating,
// per-tool timeouts, and output capping.
package tools

import (
	"context"
	"time"
)

// Scope tags classify what a tool touches. The approval policy keys off
// these.
const (
	ScopeRead        = "read"
	ScopeWrite       = "write"
	ScopeDestructive = "destructive"
	ScopeNetwork     = "network"
	ScopeShell       = "shell"
)

// DefaultTimeout bounds tool execution unless the tool overrides it.
const DefaultTimeout = 30 * time.Second

// MaxOutputBytes caps the output attached to a tool result.
const MaxOutputBytes = 10 * 1024

// Tool is the interface all tools implement.
type Tool interface {
	Name() string
	Description() string
	// Parameters returns the JSON schema for the arguments. Object root
	// required; anything else is rejected at registration.
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) *Result
}

// Scoped is implemented by tools that declare scope tags. Tools without it
// default to read-only.
type Scoped interface {
	Scope() []string
}

// ApprovalRequired is implemented by tools that always demand human
// confirmation regardless of policy.
type ApprovalRequired interface {
	RequiresApproval() bool
}

// TimeoutOverride is implemented by tools with a non-default deadline.
type TimeoutOverride interface {
	Timeout() time.Duration
}

// Definition is an immutable snapshot of one registered tool, exported to
// the Brain's tool catalogue and to tools.list.
type Definition struct {
	Name             string                 `json:"name"`
	Description      string                 `json:"description"`
	Parameters       map[string]interface{} `json:"parameters"`
	Scope            []string               `json:"scope,omitempty"`
	RequiresApproval bool                   `json:"requiresApproval,omitempty"`
}

// FuncTool adapts a closure into a Tool. Used for built-ins with no state
// and in tests.
type FuncTool struct {
	ToolName        string
	ToolDescription string
	ToolParameters  map[string]interface{}
	ToolScope       []string
	NeedsApproval   bool
	ExecTimeout     time.Duration
	Fn              func(ctx context.Context, args map[string]interface{}) *Result
}

func (t *FuncTool) Name() string                        { return t.ToolName }
func (t *FuncTool) Description() string                 { return t.ToolDescription }
func (t *FuncTool) Parameters() map[string]interface{}  { return t.ToolParameters }
func (t *FuncTool) Scope() []string                     { return t.ToolScope }
func (t *FuncTool) RequiresApproval() bool              { return t.NeedsApproval }
func (t *FuncTool) Timeout() time.Duration              { return t.ExecTimeout }
func (t *FuncTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	return t.Fn(ctx, args)
}

// scopeOf returns a tool's scope tags (read-only default).
func scopeOf(t Tool) []string {
	if s, ok := t.(Scoped); ok {
		return s.Scope()
	}
	return []string{ScopeRead}
}

// requiresApprovalOf returns a tool's unconditional approval flag.
func requiresApprovalOf(t Tool) bool {
	if a, ok := t.(ApprovalRequired); ok {
		return a.RequiresApproval()
	}
	return false
}

// timeoutOf returns a tool's execution deadline.
func timeoutOf(t Tool) time.Duration {
	if o, ok := t.(TimeoutOverride); ok {
		if d := o.Timeout(); d > 0 {
			return d
		}
	}
	return DefaultTimeout
}
