package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:                 "0.0.0.0",
			Port:                 18800,
			RateLimitRPM:         0,
			MaxSessionsPerClient: 5,
			PingIntervalSec:      30,
			PongTimeoutSec:       90,
		},
		Agent: AgentConfig{
			MaxTurns:      30,
			MaxTurnsLimit: 100,
			MaxTokens:     200000,
			TimeoutMs:     600000,
			MaxDepth:      3,
			HistoryTurns:  20,
		},
		Provider: ProviderConfig{
			Model: "claude-sonnet-4-5-20250929",
			Tiers: map[string]string{
				"flash":  "claude-haiku-4-5-20251001",
				"sonnet": "claude-sonnet-4-5-20250929",
				"opus":   "claude-opus-4-1-20250805",
			},
			MaxRetries:  5,
			SampleTemp:  0.7,
			MaxRespToks: 8192,
		},
		KV: KVConfig{URL: "redis://127.0.0.1:6379/0"},
		Memory: MemoryConfig{
			BaseURL:        "http://127.0.0.1:18801",
			Port:           18801,
			DBPath:         "~/.agentd/memory.db",
			DedupThreshold: 0.92,
			DedupWindow:    50,
			HalfLifeDays:   30,
			EmbeddingDim:   256,
		},
		Approval: ApprovalConfig{
			Policy:     "destructive",
			TimeoutSec: 120,
		},
		Scheduler: SchedulerConfig{
			Enabled:               true,
			MaxFailures:           5,
			HistorySize:           20,
			LoopMinIntervalSec:    10,
			RetrySubagentFailures: true,
		},
		Skills: SkillsConfig{Dir: "~/.agentd/skills"},
		Inbox:  InboxConfig{Enabled: true},
		MCP:    MCPConfig{Enabled: false, Port: 18802},
		Telemetry: TelemetryConfig{
			Protocol: "http",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars. A missing
// file is not an error: defaults + env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, cfg.validate()
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, cfg.validate()
}

// applyEnvOverrides overlays env vars onto the config. Env wins over file
// values. Secrets are env-only and never read from the file.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	envInt("API_PORT", &c.Gateway.Port)
	envInt("MCP_PORT", &c.MCP.Port)
	envInt("MEMORY_PORT", &c.Memory.Port)
	envStr("KV_URL", &c.KV.URL)
	envStr("LLM_API_KEY", &c.Provider.APIKey)
	envStr("API_KEY_INTERNAL", &c.Gateway.APIKey)
	envStr("JWT_SECRET", &c.Gateway.JWTSecret)
	envStr("AGENTD_MEMORY_URL", &c.Memory.BaseURL)
	envStr("AGENTD_SKILLS_DIR", &c.Skills.Dir)

	// The memory service shares the internal API key.
	if c.Memory.APIKey == "" {
		c.Memory.APIKey = c.Gateway.APIKey
	}
}

// validate rejects configurations the runtime cannot start with.
func (c *Config) validate() error {
	switch c.Approval.Policy {
	case "", "none", "destructive", "all":
	default:
		return fmt.Errorf("config: invalid approval policy %q", c.Approval.Policy)
	}
	if c.Agent.MaxTurns > c.Agent.MaxTurnsLimit {
		return fmt.Errorf("config: max_turns %d exceeds ceiling %d", c.Agent.MaxTurns, c.Agent.MaxTurnsLimit)
	}
	if c.Memory.DedupThreshold <= 0 || c.Memory.DedupThreshold > 1 {
		return fmt.Errorf("config: dedup_threshold must be in (0,1]")
	}
	return nil
}

// ExpandHome resolves a leading ~ against the user home directory.
func ExpandHome(path string) string {
	if len(path) >= 2 && path[:2] == "~/" {
		if home, err := os.UserHomeDir(); err == nil {
			return home + path[1:]
		}
	}
	return path
}
