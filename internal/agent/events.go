package agent

// Event is emitted during a run for gateway streaming and pub/sub fanout.
type Event struct {
	Type      string      `json:"type"` // run.started, chunk, tool.call, tool.result, run.completed, run.failed, run.cancelled
	SessionID string      `json:"sessionId"`
	Payload   interface{} `json:"payload,omitempty"`
}

// Event types. The per-session notification channel carries the same tags.
const (
	EventRunStarted   = "run.started"
	EventRunCompleted = "run.completed"
	EventRunFailed    = "run.failed"
	EventRunCancelled = "run.cancelled"
	EventChunk        = "chunk"
	EventToolCall     = "tool.call"
	EventToolResult   = "tool.result"
)

// Stop reasons reported in the final result.
const (
	StopDone            = "done"
	StopFailed          = "failed"
	StopCancelled       = "cancelled"
	StopBudgetExhausted = "budget_exhausted"
	StopDepthExceeded   = "depth_exceeded"
)
