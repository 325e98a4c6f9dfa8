// Package mcpserver exposes the agent over the Model Context Protocol:
// an agent_run tool plus every tool in the registry, served over
// streamable HTTP so MCP clients can drive the runtime directly.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/nextlevelbuilder/agentd/internal/agent"
	"github.com/nextlevelbuilder/agentd/internal/config"
	"github.com/nextlevelbuilder/agentd/internal/tools"
)

const serverVersion = "1.0.0"

// Runner runs one agent session. Satisfied by *agent.Loop.
type Runner interface {
	Run(ctx context.Context, req agent.RunRequest) (*agent.RunResult, error)
}

// RunnerFactory builds a runner for one agent_run call.
type RunnerFactory func(tier string, maxTurns int) Runner

// Server is the MCP front end.
type Server struct {
	cfg     config.MCPConfig
	tools   *tools.Registry
	runners RunnerFactory

	mcp  *server.MCPServer
	http *server.StreamableHTTPServer
}

// NewServer builds the MCP server: agent_run plus one MCP tool per
// registry entry, mirrored with their JSON-Schema parameters.
func NewServer(cfg config.MCPConfig, reg *tools.Registry, runners RunnerFactory) *Server {
	s := &Server{cfg: cfg, tools: reg, runners: runners}

	s.mcp = server.NewMCPServer("agentd", serverVersion,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	s.mcp.AddTool(mcp.NewTool("agent_run",
		mcp.WithDescription("Run a full agent session on a task and return the final answer."),
		mcp.WithString("task", mcp.Required(), mcp.Description("Task for the agent to work on")),
		mcp.WithString("tier", mcp.Description("Model tier override (flash, standard, deep)")),
		mcp.WithNumber("max_turns", mcp.Description("Cap on reasoning turns for this run")),
	), s.handleAgentRun)

	for _, def := range reg.Definitions() {
		s.addRegistryTool(def)
	}
	s.http = server.NewStreamableHTTPServer(s.mcp)
	return s
}

// addRegistryTool mirrors one registry tool. The registry's parameter
// schemas are already JSON Schema, so they pass through raw.
func (s *Server) addRegistryTool(def tools.Definition) {
	schema, err := json.Marshal(def.Parameters)
	if err != nil {
		slog.Warn("mcp tool schema marshal failed, skipping", "tool", def.Name, "error", err)
		return
	}
	name := def.Name
	s.mcp.AddTool(mcp.NewToolWithRawSchema(name, def.Description, schema), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return s.dispatchTool(ctx, name, req)
	})
}

// Handler returns the streamable HTTP handler for mounting in tests or
// a shared mux.
func (s *Server) Handler() http.Handler { return s.http }

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	slog.Info("mcp server starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.http.Shutdown(shutdownCtx)
	}()

	if err := s.http.Start(addr); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("mcp server: %w", err)
	}
	return nil
}

func (s *Server) handleAgentRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task, err := req.RequireString("task")
	if err != nil || task == "" {
		return mcp.NewToolResultError("task is required"), nil
	}
	tier := req.GetString("tier", "")
	maxTurns := req.GetInt("max_turns", 0)

	runner := s.runners(tier, maxTurns)
	result, err := runner.Run(ctx, agent.RunRequest{
		SessionID: uuid.NewString(),
		Task:      task,
		MaxTurns:  maxTurns,
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("agent run failed: %v", err)), nil
	}
	if result.StoppedReason != agent.StopDone {
		return mcp.NewToolResultError(fmt.Sprintf("run stopped (%s): %s", result.StoppedReason, result.Answer)), nil
	}
	return mcp.NewToolResultText(result.Answer), nil
}

// dispatchTool runs a registry tool through the normal dispatch
// pipeline, so validation, approval, and timeouts apply to MCP callers
// the same as to the agent.
func (s *Server) dispatchTool(ctx context.Context, name string, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	call := s.tools.Dispatch(ctx, uuid.NewString(), name, req.GetArguments())
	if call.Result.IsError {
		return mcp.NewToolResultError(call.Result.ForLLM), nil
	}
	return mcp.NewToolResultText(call.Result.ForLLM), nil
}
