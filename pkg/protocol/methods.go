package protocol

// RPC method names served by the gateway.
const (
	// System
	MethodSystemPing = "system.ping"

	// Tools
	MethodToolsList = "tools.list"

	// Agent sessions
	MethodAgentRun    = "agent.run"
	MethodAgentCancel = "agent.cancel"

	// Notification filters
	MethodNotifySubscribe   = "notify.subscribe"
	MethodNotifyUnsubscribe = "notify.unsubscribe"
)

// AgentRunParams are the parameters of agent.run.
type AgentRunParams struct {
	Task      string `json:"task"`
	SessionID string `json:"sessionId,omitempty"`
	MaxTurns  int    `json:"maxTurns,omitempty"`
	Tier      string `json:"tier,omitempty"`
}

// AgentRunResult is the final response of agent.run, sent after the last
// agent.event notification for the session.
type AgentRunResult struct {
	SessionID         string `json:"sessionId"`
	Success           bool   `json:"success"`
	Answer            string `json:"answer"`
	Turns             int    `json:"turns"`
	StoppedReason     string `json:"stoppedReason"`
	TotalInputTokens  int    `json:"totalInputTokens"`
	TotalOutputTokens int    `json:"totalOutputTokens"`
}

// AgentCancelParams are the parameters of agent.cancel.
type AgentCancelParams struct {
	SessionID string `json:"sessionId"`
}

// AgentCancelResult is the response of agent.cancel.
type AgentCancelResult struct {
	SessionID string `json:"sessionId"`
	Cancelled bool   `json:"cancelled"`
	Reason    string `json:"reason,omitempty"`
}

// NotifyParams are the parameters of notify.subscribe / notify.unsubscribe.
type NotifyParams struct {
	Channels []string `json:"channels"`
}

// NotifyResult is the response of notify.subscribe / notify.unsubscribe.
type NotifyResult struct {
	Subscribed []string `json:"subscribed"`
}

// ToolInfo is one entry of the tools.list result.
type ToolInfo struct {
	Name             string                 `json:"name"`
	Description      string                 `json:"description"`
	Parameters       map[string]interface{} `json:"parameters"`
	Scope            []string               `json:"scope,omitempty"`
	RequiresApproval bool                   `json:"requiresApproval,omitempty"`
}
