// Package scheduler runs persistent cron jobs tied to sub-agents: 1 s
// tick, per-job storage leases, bounded run history, and failure-driven
// pausing.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"github.com/nextlevelbuilder/agentd/internal/kv"
)

// Job states.
const (
	StateActive = "active"
	StatePaused = "paused"
)

var (
	ErrNotFound = errors.New("schedule not found")
	ErrBadCron  = errors.New("invalid cron expression")
	ErrBadZone  = errors.New("invalid timezone")
)

var scheduleIDPattern = regexp.MustCompile(`^[a-z0-9-]{1,64}$`)

// Schedule is one persistent repeatable job.
type Schedule struct {
	ID         string    `json:"id"`
	SubagentID string    `json:"subagentId"`
	Cron       string    `json:"cron"`
	Timezone   string    `json:"timezone"` // IANA, default UTC
	Task       string    `json:"task"`
	State      string    `json:"state"`
	LoopMode   bool      `json:"loopMode,omitempty"` // re-fire immediately after each run
	FailCount  int       `json:"failCount"`
	LastRun    time.Time `json:"lastRun,omitempty"`
	LastResult string    `json:"lastResult,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// RunRecord is one entry in a job's bounded history.
type RunRecord struct {
	At      time.Time `json:"at"`
	Success bool      `json:"success"`
	Turns   int       `json:"turns"`
	Tokens  int       `json:"tokens"`
	Answer  string    `json:"answer"` // truncated
	Error   string    `json:"error,omitempty"`
}

// Store is the KV slice the scheduler needs.
type Store interface {
	HSet(ctx context.Context, key string, pairs map[string]string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	Del(ctx context.Context, keys ...string) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	LPush(ctx context.Context, key string, values ...string) error
	LTrim(ctx context.Context, key string, start, stop int64) error
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
}

// validate checks cron syntax and timezone before persisting.
func (s *Schedule) validate() error {
	if !scheduleIDPattern.MatchString(s.ID) {
		return fmt.Errorf("schedule id must match [a-z0-9-]{1,64}, got %q", s.ID)
	}
	if !gronx.New().IsValid(s.Cron) {
		return fmt.Errorf("%w: %q", ErrBadCron, s.Cron)
	}
	if s.Timezone != "" {
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			return fmt.Errorf("%w: %q", ErrBadZone, s.Timezone)
		}
	}
	return nil
}

// location resolves the job's timezone, defaulting to UTC.
func (s *Schedule) location() *time.Location {
	if s.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// nextAfter computes the next fire strictly after t, in the job's
// timezone. Nonexistent local times around DST transitions are skipped by
// the underlying cron walk; repeated local times fire once because the
// walk is monotonic in absolute time.
func (s *Schedule) nextAfter(t time.Time) (time.Time, error) {
	return gronx.NextTickAfter(s.Cron, t.In(s.location()), false)
}

// Save persists one schedule.
func Save(ctx context.Context, store Store, s *Schedule) error {
	if err := s.validate(); err != nil {
		return err
	}
	if s.State == "" {
		s.State = StateActive
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	if err := store.HSet(ctx, kv.ScheduleKey(s.ID), encodeSchedule(s)); err != nil {
		return err
	}
	return store.SAdd(ctx, kv.ScheduleIndexKey, s.ID)
}

// Load fetches one schedule.
func Load(ctx context.Context, store Store, id string) (*Schedule, error) {
	fields, err := store.HGetAll(ctx, kv.ScheduleKey(id))
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return decodeSchedule(fields), nil
}

// LoadAll fetches every schedule, sorted by id.
func LoadAll(ctx context.Context, store Store) ([]*Schedule, error) {
	ids, err := store.SMembers(ctx, kv.ScheduleIndexKey)
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	out := make([]*Schedule, 0, len(ids))
	for _, id := range ids {
		s, err := Load(ctx, store, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// Remove deletes a schedule, its history, and its index entry.
func Remove(ctx context.Context, store Store, id string) error {
	if err := store.Del(ctx, kv.ScheduleKey(id), kv.ScheduleHistoryKey(id)); err != nil {
		return err
	}
	return store.SRem(ctx, kv.ScheduleIndexKey, id)
}

// NewID returns a fresh schedule id.
func NewID() string {
	return "sched-" + uuid.NewString()[:8]
}

// History returns a job's recorded runs, most recent first.
func History(ctx context.Context, store Store, id string) ([]RunRecord, error) {
	raw, err := store.LRange(ctx, kv.ScheduleHistoryKey(id), 0, -1)
	if err != nil {
		return nil, err
	}
	out := make([]RunRecord, 0, len(raw))
	for _, entry := range raw {
		var rec RunRecord
		if err := json.Unmarshal([]byte(entry), &rec); err == nil {
			out = append(out, rec)
		}
	}
	return out, nil
}

func encodeSchedule(s *Schedule) map[string]string {
	return map[string]string{
		"id":          s.ID,
		"subagent_id": s.SubagentID,
		"cron":        s.Cron,
		"timezone":    s.Timezone,
		"task":        s.Task,
		"state":       s.State,
		"loop_mode":   strconv.FormatBool(s.LoopMode),
		"fail_count":  strconv.Itoa(s.FailCount),
		"last_run":    strconv.FormatInt(s.LastRun.UnixMilli(), 10),
		"last_result": s.LastResult,
		"created_at":  strconv.FormatInt(s.CreatedAt.UnixMilli(), 10),
	}
}

func decodeSchedule(fields map[string]string) *Schedule {
	s := &Schedule{
		ID:         fields["id"],
		SubagentID: fields["subagent_id"],
		Cron:       fields["cron"],
		Timezone:   fields["timezone"],
		Task:       fields["task"],
		State:      fields["state"],
		LastResult: fields["last_result"],
	}
	s.LoopMode, _ = strconv.ParseBool(fields["loop_mode"])
	s.FailCount, _ = strconv.Atoi(fields["fail_count"])
	if ms, err := strconv.ParseInt(fields["last_run"], 10, 64); err == nil && ms > 0 {
		s.LastRun = time.UnixMilli(ms)
	}
	if ms, err := strconv.ParseInt(fields["created_at"], 10, 64); err == nil && ms > 0 {
		s.CreatedAt = time.UnixMilli(ms)
	}
	return s
}
