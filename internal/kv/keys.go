package kv

// Key layout in the external store. Everything the runtime persists lives
// under the core: prefix.
const (
	KeyInbox        = "core:inbox"
	KeyNotifyPrefix = "core:notify:"
	KeyAPIKeyConfig = "core:config:apikey"

	apiKeyUpdatedChannel = "config:apikey:updated"
)

// APIKeyUpdatedChannel is the pub/sub signal published when the LLM API key
// rotates. The Brain re-reads core:config:apikey on receipt.
func APIKeyUpdatedChannel() string { return apiKeyUpdatedChannel }

// SubagentKey returns the hash key for one sub-agent record.
func SubagentKey(id string) string { return "core:subagent:" + id }

// SubagentIndexKey is the set of all sub-agent ids.
const SubagentIndexKey = "core:subagent:index"

// ScheduleKey returns the hash key for one schedule record.
func ScheduleKey(id string) string { return "core:schedule:" + id }

// ScheduleIndexKey is the set of all schedule ids.
const ScheduleIndexKey = "core:schedule:index"

// ScheduleLockKey returns the advisory lease key held during a job run.
func ScheduleLockKey(id string) string { return "core:schedule:lock:" + id }

// ScheduleHistoryKey returns the bounded run-history list for a job.
func ScheduleHistoryKey(id string) string { return "core:schedule:history:" + id }

// AnswerKey returns the key holding the serialized answer for a request.
func AnswerKey(requestID string) string { return "core:answer:" + requestID }

// ApprovalKey returns the key polled for an approval decision.
func ApprovalKey(correlationID string) string { return "core:approval:" + correlationID }

// NotifyChannel returns the pub/sub channel for a notification channel name.
func NotifyChannel(channel string) string { return KeyNotifyPrefix + channel }

// InboxKey returns the priority-leveled inbox list key. Priority 2 is the
// legacy unleveled core:inbox list so external senders keep working.
func InboxKey(priority int) string {
	switch priority {
	case 1:
		return "core:inbox:p1"
	case 3:
		return "core:inbox:p3"
	default:
		return KeyInbox
	}
}
