package protocol

// Notification method for per-session agent events.
const MethodAgentEvent = "agent.event"

// Notification method for bridged pub/sub envelopes.
const MethodNotifyEvent = "notify.event"

// Agent event types (in agent.event params.type).
const (
	AgentEventRunStarted        = "run.started"
	AgentEventRunCompleted      = "run.completed"
	AgentEventRunFailed         = "run.failed"
	AgentEventRunCancelled      = "run.cancelled"
	AgentEventTextDelta         = "chunk"
	AgentEventToolCallStarted   = "tool.call"
	AgentEventToolCallCompleted = "tool.result"
	AgentEventApprovalRequested = "approval.requested"
	AgentEventApprovalResolved  = "approval.resolved"
)

// Notification channels published through the KV pub/sub store.
const (
	ChannelGlobal   = "global"
	ChannelApproval = "approval"
	ChannelSchedule = "schedule"
)

// AgentChannel returns the per-session notification channel name.
func AgentChannel(sessionID string) string { return "agent:" + sessionID }
