package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/agentd/internal/agent"
	"github.com/nextlevelbuilder/agentd/pkg/protocol"
)

// handleFrame parses one request frame and dispatches it.
func (c *Client) handleFrame(ctx context.Context, data []byte) {
	var req protocol.Request
	if err := json.Unmarshal(data, &req); err != nil {
		c.respondError(nil, protocol.CodeParseError, "parse error")
		return
	}
	if req.Jsonrpc != protocol.Version || req.Method == "" {
		c.respondError(req.ID, protocol.CodeInvalidRequest, "invalid request")
		return
	}

	if c.limiter != nil && !c.limiter.Allow() {
		c.respondError(req.ID, protocol.CodeInternalError, "rate limit exceeded")
		return
	}

	switch req.Method {
	case protocol.MethodSystemPing:
		c.respond(req.ID, map[string]interface{}{"pong": true, "timestamp": time.Now().UnixMilli()})
	case protocol.MethodToolsList:
		c.handleToolsList(req)
	case protocol.MethodAgentRun:
		c.handleAgentRun(ctx, req)
	case protocol.MethodAgentCancel:
		c.handleAgentCancel(req)
	case protocol.MethodNotifySubscribe:
		c.handleNotify(req, c.subscribe)
	case protocol.MethodNotifyUnsubscribe:
		c.handleNotify(req, c.unsubscribe)
	default:
		c.respondError(req.ID, protocol.CodeMethodNotFound, "method not found: "+req.Method)
	}
}

func (c *Client) handleToolsList(req protocol.Request) {
	defs := c.server.tools.Definitions()
	infos := make([]protocol.ToolInfo, 0, len(defs))
	for _, d := range defs {
		infos = append(infos, protocol.ToolInfo{
			Name:             d.Name,
			Description:      d.Description,
			Parameters:       d.Parameters,
			Scope:            d.Scope,
			RequiresApproval: d.RequiresApproval,
		})
	}
	c.respond(req.ID, map[string]interface{}{"tools": infos})
}

// handleAgentRun starts a session. Events stream as agent.event
// notifications; the JSON-RPC response with the request's id goes out
// after the run reaches a terminal state.
func (c *Client) handleAgentRun(ctx context.Context, req protocol.Request) {
	var params protocol.AgentRunParams
	if err := json.Unmarshal(req.Params, &params); err != nil || strings.TrimSpace(params.Task) == "" {
		c.respondError(req.ID, protocol.CodeInvalidParams, "task is required")
		return
	}

	sessionID := params.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	if perr := c.server.claimSession(sessionID, c); perr != nil {
		c.respondError(req.ID, perr.Code, perr.Message)
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.trackSession(sessionID, cancel)

	runner := c.server.runners(RunOptions{
		Tier:     params.Tier,
		MaxTurns: params.MaxTurns,
		OnEvent: func(ev agent.Event) {
			c.enqueue(protocol.NewNotification(protocol.MethodAgentEvent, ev))
		},
	})

	go func() {
		defer func() {
			cancel()
			c.untrackSession(sessionID)
			c.server.releaseSession(sessionID)
		}()

		result, err := runner.Run(runCtx, agent.RunRequest{
			SessionID: sessionID,
			Task:      params.Task,
			MaxTurns:  params.MaxTurns,
			Stream:    true,
		})
		if err != nil && result == nil {
			c.respondError(req.ID, protocol.CodeInternalError, err.Error())
			return
		}
		if err != nil {
			slog.Warn("agent run failed", "session", sessionID, "error", err)
		}
		c.respond(req.ID, runResultPayload(result))
	}()
}

func runResultPayload(r *agent.RunResult) protocol.AgentRunResult {
	out := protocol.AgentRunResult{
		SessionID:     r.SessionID,
		Success:       r.Success,
		Answer:        r.Answer,
		Turns:         r.Turns,
		StoppedReason: r.StoppedReason,
	}
	if r.Usage != nil {
		out.TotalInputTokens = r.Usage.PromptTokens
		out.TotalOutputTokens = r.Usage.CompletionTokens
	}
	return out
}

// handleAgentCancel cancels a session this client owns. Sessions owned by
// other clients are indistinguishable from unknown ones. Repeat cancels of
// a session this client already cancelled are acknowledged, not errors,
// even after the run has wound down and released its slot.
func (c *Client) handleAgentCancel(req protocol.Request) {
	var params protocol.AgentCancelParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.SessionID == "" {
		c.respondError(req.ID, protocol.CodeInvalidParams, "sessionId is required")
		return
	}

	if c.wasCancelled(params.SessionID) {
		c.respond(req.ID, protocol.AgentCancelResult{
			SessionID: params.SessionID,
			Cancelled: false,
			Reason:    "already cancelled",
		})
		return
	}

	owner, ok := c.server.sessionOwner(params.SessionID)
	if !ok || owner != c {
		c.respondError(req.ID, protocol.CodeSessionNotFound, "session not found: "+params.SessionID)
		return
	}
	if !c.cancelSession(params.SessionID) {
		// Owned but no live cancel func: the run is already winding down.
		c.respond(req.ID, protocol.AgentCancelResult{
			SessionID: params.SessionID,
			Cancelled: false,
			Reason:    "already cancelled",
		})
		return
	}
	c.respond(req.ID, protocol.AgentCancelResult{
		SessionID: params.SessionID,
		Cancelled: true,
		Reason:    "client request",
	})
}

func (c *Client) handleNotify(req protocol.Request, apply func([]string) []string) {
	var params protocol.NotifyParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		c.respondError(req.ID, protocol.CodeInvalidParams, "channels must be a string array")
		return
	}
	c.respond(req.ID, protocol.NotifyResult{Subscribed: apply(params.Channels)})
}
