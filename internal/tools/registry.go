package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Dispatch errors. They surface to the Brain as error observations, never
// as Go errors, so a bad tool call cannot kill a run.
var (
	ErrToolNotFound   = errors.New("tool not found")
	ErrInvalidArgs    = errors.New("invalid tool arguments")
	ErrApprovalDenied = errors.New("approval denied")
	ErrToolTimeout    = errors.New("tool execution timed out")
)

// ApprovalGate decides whether a tool call may proceed. Implemented by the
// approval manager; a nil gate means every call proceeds.
type ApprovalGate interface {
	// Check blocks until the call is approved, denied, or times out.
	Check(ctx context.Context, sessionID, toolName string, scope []string, requiresApproval bool, args map[string]interface{}) error
}

// Call records one dispatched tool invocation.
type Call struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Args      map[string]interface{} `json:"args,omitempty"`
	Result    *Result                `json:"result"`
	StartedAt time.Time              `json:"started_at"`
	Duration  time.Duration          `json:"duration"`
	Repaired  bool                   `json:"repaired,omitempty"`
}

type entry struct {
	tool   Tool
	schema *jsonschema.Schema
}

// Registry holds the process-wide tool set and runs the dispatch pipeline.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	gate    ApprovalGate
}

// NewRegistry creates an empty registry. The gate may be nil.
func NewRegistry(gate ApprovalGate) *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		gate:    gate,
	}
}

// Register adds or replaces a tool. Replacing is atomic: concurrent
// dispatches see either the old executor or the new one, never a mix.
func (r *Registry) Register(t Tool) error {
	if t == nil || t.Name() == "" {
		return errors.New("register: tool must have a name")
	}
	schema, err := compileSchema(t.Name(), t.Parameters())
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[t.Name()]; exists {
		slog.Info("tool replaced", "tool", t.Name())
	}
	r.entries[t.Name()] = &entry{tool: t, schema: schema}
	return nil
}

// Unregister removes a tool. In-flight calls finish against the executor
// they resolved.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, name)
}

// Get returns a registered tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return e.tool, true
}

// Definitions returns a snapshot of all tools, sorted by name.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]Definition, 0, len(r.entries))
	for _, e := range r.entries {
		defs = append(defs, Definition{
			Name:             e.tool.Name(),
			Description:      e.tool.Description(),
			Parameters:       e.tool.Parameters(),
			Scope:            scopeOf(e.tool),
			RequiresApproval: requiresApprovalOf(e.tool),
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Scoped returns a new registry restricted to the named tools, sharing
// the approval gate. Unknown names are skipped. An empty allow-list
// yields an empty registry.
func (r *Registry) Scoped(names []string) *Registry {
	scoped := NewRegistry(r.gate)
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range names {
		if e, ok := r.entries[name]; ok {
			scoped.entries[name] = e
		}
	}
	return scoped
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch runs the full pipeline for one tool call: resolve, validate
// (with one repair pass), approval gate, bounded execution with panic
// recovery, and output capping. The returned Call always carries a
// non-nil Result.
func (r *Registry) Dispatch(ctx context.Context, callID, name string, args map[string]interface{}) *Call {
	call := &Call{ID: callID, Name: name, Args: args, StartedAt: time.Now()}
	defer func() { call.Duration = time.Since(call.StartedAt) }()

	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		call.Result = ErrorResult(fmt.Sprintf("tool %q not found; available: %v", name, r.Names())).WithError(ErrToolNotFound)
		return call
	}

	if args == nil {
		args = map[string]interface{}{}
	}
	if err := validateArgs(e.schema, args); err != nil {
		repaired := repairArgs(e.tool.Parameters(), args)
		if rerr := validateArgs(e.schema, repaired); rerr != nil {
			call.Result = ErrorResult(fmt.Sprintf("invalid arguments for %s: %v", name, err)).WithError(errors.Join(ErrInvalidArgs, err))
			return call
		}
		args = repaired
		call.Args = repaired
		call.Repaired = true
		slog.Debug("tool args repaired", "tool", name)
	}

	if r.gate != nil {
		err := r.gate.Check(ctx, SessionFromCtx(ctx), name, scopeOf(e.tool), requiresApprovalOf(e.tool), args)
		if err != nil {
			call.Result = ErrorResult(fmt.Sprintf("tool %s was not approved: %v", name, err)).WithError(errors.Join(ErrApprovalDenied, err))
			return call
		}
	}

	call.Result = r.execute(ctx, e.tool, args)
	if call.Result.Err != nil {
		slog.Warn("tool failed", "tool", name, "error", call.Result.Err)
	}
	return call
}

// execute runs the tool under its deadline with panic recovery.
func (r *Registry) execute(ctx context.Context, t Tool, args map[string]interface{}) *Result {
	execCtx, cancel := context.WithTimeout(ctx, timeoutOf(t))
	defer cancel()

	done := make(chan *Result, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				slog.Error("tool panicked", "tool", t.Name(), "panic", rec, "stack", string(debug.Stack()))
				done <- ErrorResult(fmt.Sprintf("tool %s panicked: %v", t.Name(), rec)).WithError(fmt.Errorf("panic: %v", rec))
			}
		}()
		done <- t.Execute(execCtx, args)
	}()

	select {
	case res := <-done:
		if res == nil {
			res = ErrorResult(fmt.Sprintf("tool %s returned no result", t.Name()))
		}
		res.ForLLM = capOutput(res.ForLLM)
		return res
	case <-execCtx.Done():
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return ErrorResult(fmt.Sprintf("tool %s timed out after %s", t.Name(), timeoutOf(t))).WithError(ErrToolTimeout)
		}
		return ErrorResult(fmt.Sprintf("tool %s cancelled", t.Name())).WithError(execCtx.Err())
	}
}

// capOutput truncates tool output at MaxOutputBytes with a marker so the
// Brain knows content was dropped.
func capOutput(s string) string {
	if len(s) <= MaxOutputBytes {
		return s
	}
	return s[:MaxOutputBytes] + "\n[output truncated]"
}
