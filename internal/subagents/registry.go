// Package subagents manages persistent scoped agent configurations:
// CRUD over the KV store, validation, and a loop factory that scopes the
// tool registry and system prompt per sub-agent.
package subagents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/nextlevelbuilder/agentd/internal/kv"
)

// States.
const (
	StateActive = "active"
	StatePaused = "paused"
)

// Tiers map to provider models at loop construction.
var validTiers = map[string]bool{"": true, "flash": true, "sonnet": true, "opus": true}

var idPattern = regexp.MustCompile(`^[a-z0-9-]{1,64}$`)

var (
	ErrNotFound  = errors.New("subagent not found")
	ErrBadID     = errors.New("subagent id must match [a-z0-9-]{1,64}")
	ErrBadTier   = errors.New("tier must be flash, sonnet, or opus")
	ErrExists    = errors.New("subagent already exists")
	ErrBadTools  = errors.New("subagent tools must be registered tool names")
)

// Record is one persistent sub-agent configuration.
type Record struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Purpose   string    `json:"purpose"`
	Tools     []string  `json:"tools"`
	Skills    []string  `json:"skills,omitempty"`
	Tier      string    `json:"tier,omitempty"`
	MaxTurns  int       `json:"maxTurns,omitempty"`
	Schedule  *Cadence  `json:"schedule,omitempty"`
	State     string    `json:"state"`
	RunCount  int       `json:"runCount"`
	LastRunAt time.Time `json:"lastRunAt,omitempty"`
	LastError string    `json:"lastError,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Cadence is an optional recurring run attached to a sub-agent.
type Cadence struct {
	Cron     string `json:"cron"`
	Timezone string `json:"timezone,omitempty"`
	Task     string `json:"task"`
}

// Summary is the list view: id + status + purpose.
type Summary struct {
	ID      string `json:"id"`
	State   string `json:"state"`
	Purpose string `json:"purpose"`
}

// Store is the KV slice the registry needs.
type Store interface {
	HSet(ctx context.Context, key string, pairs map[string]string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	Del(ctx context.Context, keys ...string) error
}

// ToolNamer reports registered tool names, for create-time validation.
type ToolNamer interface {
	Names() []string
}

// Registry persists sub-agents at core:subagent:{id} with an index set.
type Registry struct {
	store Store
	tools ToolNamer

	// cascade removes a deleted sub-agent's schedules; arm creates the
	// schedule for a record carrying a cadence. Both wired by the
	// scheduler at startup.
	cascade func(ctx context.Context, subagentID string) error
	arm     func(ctx context.Context, rec *Record) error
}

// NewRegistry creates a registry over the shared KV store.
func NewRegistry(store Store, tools ToolNamer) *Registry {
	return &Registry{store: store, tools: tools}
}

// SetDeleteHook installs the schedule cascade invoked on Delete.
func (r *Registry) SetDeleteHook(hook func(ctx context.Context, subagentID string) error) {
	r.cascade = hook
}

// SetScheduleHook installs the callback that arms a new record's cadence.
func (r *Registry) SetScheduleHook(hook func(ctx context.Context, rec *Record) error) {
	r.arm = hook
}

// Create validates and persists a new sub-agent.
func (r *Registry) Create(ctx context.Context, rec Record) (*Record, error) {
	if !idPattern.MatchString(rec.ID) {
		return nil, fmt.Errorf("%w: %q", ErrBadID, rec.ID)
	}
	if !validTiers[rec.Tier] {
		return nil, fmt.Errorf("%w: %q", ErrBadTier, rec.Tier)
	}
	if err := r.validateTools(rec.Tools); err != nil {
		return nil, err
	}
	if existing, err := r.Get(ctx, rec.ID); err == nil && existing != nil {
		return nil, fmt.Errorf("%w: %s", ErrExists, rec.ID)
	}

	if rec.Name == "" {
		rec.Name = rec.ID
	}
	rec.State = StateActive
	rec.CreatedAt = time.Now()

	if err := r.store.HSet(ctx, kv.SubagentKey(rec.ID), encodeRecord(&rec)); err != nil {
		return nil, err
	}
	if err := r.store.SAdd(ctx, kv.SubagentIndexKey, rec.ID); err != nil {
		return nil, err
	}
	if rec.Schedule != nil && r.arm != nil {
		if err := r.arm(ctx, &rec); err != nil {
			// Roll back so a bad cadence does not leave a half-created record.
			_ = r.store.Del(ctx, kv.SubagentKey(rec.ID))
			_ = r.store.SRem(ctx, kv.SubagentIndexKey, rec.ID)
			return nil, fmt.Errorf("arm schedule for %s: %w", rec.ID, err)
		}
	}
	return &rec, nil
}

// Get returns the full record.
func (r *Registry) Get(ctx context.Context, id string) (*Record, error) {
	fields, err := r.store.HGetAll(ctx, kv.SubagentKey(id))
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return decodeRecord(fields), nil
}

// List returns id + state + purpose for every sub-agent, sorted by id.
func (r *Registry) List(ctx context.Context) ([]Summary, error) {
	ids, err := r.store.SMembers(ctx, kv.SubagentIndexKey)
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	out := make([]Summary, 0, len(ids))
	for _, id := range ids {
		rec, err := r.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue // index drift: record deleted out from under the set
		}
		if err != nil {
			return nil, err
		}
		out = append(out, Summary{ID: rec.ID, State: rec.State, Purpose: rec.Purpose})
	}
	return out, nil
}

// Delete removes the record, its index entry, and any attached schedules.
func (r *Registry) Delete(ctx context.Context, id string) error {
	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	if r.cascade != nil {
		if err := r.cascade(ctx, id); err != nil {
			return fmt.Errorf("cascade schedules for %s: %w", id, err)
		}
	}
	if err := r.store.Del(ctx, kv.SubagentKey(id)); err != nil {
		return err
	}
	return r.store.SRem(ctx, kv.SubagentIndexKey, id)
}

// SetState transitions a sub-agent between active and paused.
func (r *Registry) SetState(ctx context.Context, id, state string) error {
	if state != StateActive && state != StatePaused {
		return fmt.Errorf("invalid state %q", state)
	}
	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	return r.store.HSet(ctx, kv.SubagentKey(id), map[string]string{"state": state})
}

// RecordRun updates run bookkeeping after a scheduled or delegated run.
func (r *Registry) RecordRun(ctx context.Context, id string, runErr error) error {
	rec, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	pairs := map[string]string{
		"run_count":   strconv.Itoa(rec.RunCount + 1),
		"last_run_at": strconv.FormatInt(time.Now().UnixMilli(), 10),
	}
	if runErr != nil {
		pairs["last_error"] = runErr.Error()
	} else {
		pairs["last_error"] = ""
	}
	return r.store.HSet(ctx, kv.SubagentKey(id), pairs)
}

func (r *Registry) validateTools(names []string) error {
	if r.tools == nil || len(names) == 0 {
		return nil
	}
	registered := make(map[string]bool)
	for _, n := range r.tools.Names() {
		registered[n] = true
	}
	for _, n := range names {
		if !registered[n] {
			return fmt.Errorf("%w: unknown tool %q", ErrBadTools, n)
		}
	}
	return nil
}

// --- hash encoding ---

func encodeRecord(rec *Record) map[string]string {
	toolsJSON, _ := json.Marshal(rec.Tools)
	skillsJSON, _ := json.Marshal(rec.Skills)
	var schedJSON []byte
	if rec.Schedule != nil {
		schedJSON, _ = json.Marshal(rec.Schedule)
	}
	return map[string]string{
		"id":          rec.ID,
		"name":        rec.Name,
		"purpose":     rec.Purpose,
		"tools":       string(toolsJSON),
		"skills":      string(skillsJSON),
		"tier":        rec.Tier,
		"schedule":    string(schedJSON),
		"max_turns":   strconv.Itoa(rec.MaxTurns),
		"state":       rec.State,
		"run_count":   strconv.Itoa(rec.RunCount),
		"last_run_at": strconv.FormatInt(rec.LastRunAt.UnixMilli(), 10),
		"last_error":  rec.LastError,
		"created_at":  strconv.FormatInt(rec.CreatedAt.UnixMilli(), 10),
	}
}

func decodeRecord(fields map[string]string) *Record {
	rec := &Record{
		ID:        fields["id"],
		Name:      fields["name"],
		Purpose:   fields["purpose"],
		Tier:      fields["tier"],
		State:     fields["state"],
		LastError: fields["last_error"],
	}
	_ = json.Unmarshal([]byte(fields["tools"]), &rec.Tools)
	_ = json.Unmarshal([]byte(fields["skills"]), &rec.Skills)
	if raw := fields["schedule"]; raw != "" {
		var c Cadence
		if json.Unmarshal([]byte(raw), &c) == nil && c.Cron != "" {
			rec.Schedule = &c
		}
	}
	rec.MaxTurns, _ = strconv.Atoi(fields["max_turns"])
	rec.RunCount, _ = strconv.Atoi(fields["run_count"])
	if ms, err := strconv.ParseInt(fields["last_run_at"], 10, 64); err == nil && ms > 0 {
		rec.LastRunAt = time.UnixMilli(ms)
	}
	if ms, err := strconv.ParseInt(fields["created_at"], 10, 64); err == nil && ms > 0 {
		rec.CreatedAt = time.UnixMilli(ms)
	}
	return rec
}
