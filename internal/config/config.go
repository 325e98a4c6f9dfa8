// Package config holds the runtime configuration: a JSON5 file overlaid
// with environment variables.
package config

import (
	"time"
)

// Config is the root configuration for the agentd runtime.
type Config struct {
	Gateway   GatewayConfig   `json:"gateway"`
	Agent     AgentConfig     `json:"agent"`
	Provider  ProviderConfig  `json:"provider"`
	KV        KVConfig        `json:"kv"`
	Memory    MemoryConfig    `json:"memory"`
	Approval  ApprovalConfig  `json:"approval"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Skills    SkillsConfig    `json:"skills"`
	Inbox     InboxConfig     `json:"inbox"`
	MCP       MCPConfig       `json:"mcp,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
}

// GatewayConfig configures the WebSocket gateway.
type GatewayConfig struct {
	Host                 string   `json:"host"`
	Port                 int      `json:"port"`
	APIKey               string   `json:"-"` // from env API_KEY_INTERNAL only
	JWTSecret            string   `json:"-"` // from env JWT_SECRET only
	AllowedOrigins       []string `json:"allowed_origins,omitempty"`
	RateLimitRPM         int      `json:"rate_limit_rpm"`          // 0 = disabled
	MaxSessionsPerClient int      `json:"max_sessions_per_client"` // default 5
	PingIntervalSec      int      `json:"ping_interval_sec"`       // default 30
	PongTimeoutSec       int      `json:"pong_timeout_sec"`        // default 90
}

// AgentConfig carries the default loop budgets. Per-run overrides clamp to
// the hard ceilings.
type AgentConfig struct {
	MaxTurns      int `json:"max_turns"`       // default 30, ceiling 100
	MaxTurnsLimit int `json:"max_turns_limit"` // hard ceiling, default 100
	MaxTokens     int `json:"max_tokens"`      // input+output, default 200000
	TimeoutMs     int `json:"timeout_ms"`      // default 600000
	MaxDepth      int `json:"max_depth"`       // sub-agent recursion, default 3
	HistoryTurns  int `json:"history_turns"`   // turns of history in the prompt, default 20
}

// ProviderConfig configures the LLM provider (the Brain's backend).
type ProviderConfig struct {
	APIKey      string            `json:"-"` // from env LLM_API_KEY or core:config:apikey
	BaseURL     string            `json:"base_url,omitempty"`
	Model       string            `json:"model"` // default model (tier "sonnet")
	Tiers       map[string]string `json:"tiers,omitempty"`
	MaxRetries  int               `json:"max_retries"`  // transient-failure ceiling, default 5
	SampleTemp  float64           `json:"temperature"`  // default 0.7
	MaxRespToks int               `json:"max_resp_tokens"` // per-call output cap, default 8192
}

// ModelForTier resolves a tier name (flash, sonnet, opus) to a model id,
// falling back to the default model.
func (p ProviderConfig) ModelForTier(tier string) string {
	if m, ok := p.Tiers[tier]; ok && m != "" {
		return m
	}
	return p.Model
}

// KVConfig configures the external key-value + pub/sub store.
type KVConfig struct {
	URL string `json:"url"` // redis://host:port/db, env KV_URL
}

// MemoryConfig configures the memory service and its client.
type MemoryConfig struct {
	BaseURL        string  `json:"base_url"` // client target
	Port           int     `json:"port"`     // memoryd listen port, env MEMORY_PORT
	APIKey         string  `json:"-"`        // from env API_KEY_INTERNAL
	DBPath         string  `json:"db_path"`  // memoryd sqlite path
	DedupThreshold float64 `json:"dedup_threshold"` // cosine, default 0.92
	DedupWindow    int     `json:"dedup_window"`    // recent memories scanned, default 50
	HalfLifeDays   float64 `json:"half_life_days"`  // decay half-life, default 30
	EmbeddingDim   int     `json:"embedding_dim"`   // default 256
}

// ApprovalConfig configures the human approval gate.
type ApprovalConfig struct {
	Policy         string   `json:"policy"` // "none", "destructive", "all"
	TimeoutSec     int      `json:"timeout_sec"` // default 120, timeout = deny
	WriteAllowlist []string `json:"write_allowlist,omitempty"` // path prefixes exempt from write approval
}

// Timeout returns the approval wait as a duration.
func (a ApprovalConfig) Timeout() time.Duration {
	if a.TimeoutSec <= 0 {
		return 120 * time.Second
	}
	return time.Duration(a.TimeoutSec) * time.Second
}

// SchedulerConfig configures the cron scheduler.
type SchedulerConfig struct {
	Enabled              bool `json:"enabled"`
	MaxFailures          int  `json:"max_failures"`            // pause threshold, default 5
	HistorySize          int  `json:"history_size"`            // run history per job, default 20
	LoopMinIntervalSec   int  `json:"loop_min_interval_sec"`   // loop-mode floor, default 10
	RetrySubagentFailures bool `json:"retry_subagent_failures"` // default true
}

// SkillsConfig configures file-based skill discovery.
type SkillsConfig struct {
	Dir string `json:"dir"` // skills directory, default ~/.agentd/skills
}

// InboxConfig configures the external task queue consumer.
type InboxConfig struct {
	Enabled bool `json:"enabled"`
}

// MCPConfig configures the MCP front end.
type MCPConfig struct {
	Enabled bool `json:"enabled"`
	Port    int  `json:"port"` // env MCP_PORT
}

// TelemetryConfig configures OTLP trace export.
type TelemetryConfig struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint,omitempty"` // host:port of the OTLP collector
	Protocol string `json:"protocol,omitempty"` // "http" (default) or "grpc"
	Insecure bool   `json:"insecure,omitempty"`
}
