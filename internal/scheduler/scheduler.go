package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/agentd/internal/agent"
	"github.com/nextlevelbuilder/agentd/internal/backoff"
	"github.com/nextlevelbuilder/agentd/internal/kv"
	"github.com/nextlevelbuilder/agentd/internal/notify"
)

// Schedule lifecycle events published on the schedule channel.
const (
	EventFired     = "schedule.fired"
	EventCompleted = "schedule.completed"
	EventFailed    = "schedule.failed"
	EventPaused    = "schedule.paused"
)

// Defaults.
const (
	defaultTick        = time.Second
	defaultRunTimeout  = 10 * time.Minute
	defaultMaxFailures = 5
	defaultMinLoop     = 10 * time.Second
	defaultHistory     = 20
	answerCap          = 500
)

// Runner executes one job occurrence. Satisfied by the sub-agent factory.
type Runner interface {
	Run(ctx context.Context, subagentID, task string) (*agent.RunResult, error)
}

// Config wires a Scheduler.
type Config struct {
	Store    Store
	Runner   Runner
	Notifier *notify.Notifier

	RunTimeout      time.Duration // per-occurrence wall clock
	MaxFailures     int           // consecutive failures before pausing
	MinLoopInterval time.Duration // floor between loop-mode re-fires
	HistorySize     int
	Tick            time.Duration

	// NoRetryBackoff disables the early retry after a failed run; failing
	// jobs then wait for their next cron fire instead.
	NoRetryBackoff bool

	// LoopStop, when set, is consulted after each successful loop-mode
	// run; returning true drops the job back to its cron cadence.
	LoopStop func(*Schedule, *agent.RunResult) bool

	Now func() time.Time // injectable clock for tests
}

func (c *Config) fill() {
	if c.RunTimeout <= 0 {
		c.RunTimeout = defaultRunTimeout
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = defaultMaxFailures
	}
	if c.MinLoopInterval <= 0 {
		c.MinLoopInterval = defaultMinLoop
	}
	if c.HistorySize <= 0 {
		c.HistorySize = defaultHistory
	}
	if c.Tick <= 0 {
		c.Tick = defaultTick
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// jobState is the in-memory view of one active job.
type jobState struct {
	sched   *Schedule
	next    time.Time
	running bool
}

// Scheduler fires cron jobs against sub-agents. The persisted record in
// the KV store is authoritative; the in-memory table is rebuilt from it
// on Start and kept in sync by the CRUD methods.
type Scheduler struct {
	cfg  Config
	mu   sync.Mutex
	jobs map[string]*jobState
	wg   sync.WaitGroup
}

// New creates a scheduler. Call Start to load persisted jobs and begin
// ticking.
func New(cfg Config) *Scheduler {
	cfg.fill()
	return &Scheduler{cfg: cfg, jobs: make(map[string]*jobState)}
}

// Start rebuilds the job table from storage and runs the tick loop until
// ctx is cancelled. Blocks; run it in its own goroutine.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.reload(ctx); err != nil {
		return fmt.Errorf("scheduler: load jobs: %w", err)
	}

	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// reload replaces the in-memory table with the persisted active jobs.
func (s *Scheduler) reload(ctx context.Context) error {
	all, err := LoadAll(ctx, s.cfg.Store)
	if err != nil {
		return err
	}
	now := s.cfg.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = make(map[string]*jobState, len(all))
	for _, sched := range all {
		if sched.State != StateActive {
			continue
		}
		next, err := sched.nextAfter(now)
		if err != nil {
			slog.Warn("schedule has no next fire, skipping", "schedule", sched.ID, "cron", sched.Cron, "error", err)
			continue
		}
		s.jobs[sched.ID] = &jobState{sched: sched, next: next}
	}
	slog.Info("scheduler loaded", "jobs", len(s.jobs))
	return nil
}

// tick fires every due job in its own goroutine.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.cfg.Now()
	s.mu.Lock()
	var due []*jobState
	for _, js := range s.jobs {
		if !js.running && !js.next.After(now) {
			js.running = true
			due = append(due, js)
		}
	}
	s.mu.Unlock()

	for _, js := range due {
		s.wg.Add(1)
		go func(js *jobState) {
			defer s.wg.Done()
			s.fire(ctx, js)
		}(js)
	}
}

// fire runs one occurrence end to end: lease, run, history, reschedule.
func (s *Scheduler) fire(ctx context.Context, js *jobState) {
	sched := js.sched
	now := s.cfg.Now()

	// The lease outlives the run timeout by a minute so a crashed holder
	// cannot block the job forever, and a second runtime instance cannot
	// double-fire it.
	leaseTTL := s.cfg.RunTimeout + time.Minute
	got, err := s.cfg.Store.SetNX(ctx, kv.ScheduleLockKey(sched.ID), now.Format(time.RFC3339Nano), leaseTTL)
	if err != nil || !got {
		if err != nil {
			slog.Warn("schedule lease failed", "schedule", sched.ID, "error", err)
		}
		s.reschedule(js, false, now)
		return
	}
	defer s.cfg.Store.Del(context.WithoutCancel(ctx), kv.ScheduleLockKey(sched.ID))

	s.cfg.Notifier.Schedule(EventFired, map[string]interface{}{
		"scheduleId": sched.ID,
		"subagentId": sched.SubagentID,
	})

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.RunTimeout)
	result, runErr := s.cfg.Runner.Run(runCtx, sched.SubagentID, sched.Task)
	cancel()

	rec := RunRecord{At: now, Success: runErr == nil}
	if result != nil {
		rec.Turns = result.Turns
		rec.Answer = truncate(result.Answer, answerCap)
		if result.Usage != nil {
			rec.Tokens = result.Usage.TotalTokens
		}
		if runErr == nil && result.StoppedReason != agent.StopDone {
			runErr = fmt.Errorf("run stopped: %s", result.StoppedReason)
			rec.Success = false
		}
	}
	if runErr != nil {
		rec.Error = runErr.Error()
	}
	s.appendHistory(ctx, sched.ID, rec)

	if runErr == nil {
		sched.FailCount = 0
		sched.LastRun = now
		sched.LastResult = rec.Answer
		s.persist(ctx, sched)
		s.cfg.Notifier.Schedule(EventCompleted, map[string]interface{}{
			"scheduleId": sched.ID,
			"turns":      rec.Turns,
			"tokens":     rec.Tokens,
		})
		loop := sched.LoopMode
		if loop && s.cfg.LoopStop != nil && s.cfg.LoopStop(sched, result) {
			loop = false
		}
		s.reschedule(js, loop, s.cfg.Now())
		return
	}

	sched.FailCount++
	sched.LastRun = now
	sched.LastResult = "error: " + runErr.Error()
	slog.Warn("schedule run failed", "schedule", sched.ID, "failures", sched.FailCount, "error", runErr)

	if sched.FailCount >= s.cfg.MaxFailures {
		sched.State = StatePaused
		s.persist(ctx, sched)
		s.cfg.Notifier.Schedule(EventPaused, map[string]interface{}{
			"scheduleId": sched.ID,
			"failures":   sched.FailCount,
			"reason":     runErr.Error(),
		})
		s.mu.Lock()
		delete(s.jobs, sched.ID)
		s.mu.Unlock()
		return
	}

	s.persist(ctx, sched)
	s.cfg.Notifier.Schedule(EventFailed, map[string]interface{}{
		"scheduleId": sched.ID,
		"failures":   sched.FailCount,
		"error":      runErr.Error(),
	})
	s.reschedule(js, false, s.cfg.Now())
}

// reschedule computes the job's next fire. Loop mode re-fires after a
// minimum interval instead of waiting for the next cron tick; a failed
// run retries after a backoff delay, clamped so it never lands later
// than the next cron fire.
func (s *Scheduler) reschedule(js *jobState, loop bool, now time.Time) {
	sched := js.sched
	next, err := sched.nextAfter(now)
	if err != nil {
		slog.Warn("schedule has no next fire, removing", "schedule", sched.ID, "error", err)
		s.mu.Lock()
		delete(s.jobs, sched.ID)
		s.mu.Unlock()
		return
	}

	if loop {
		loopNext := now.Add(s.cfg.MinLoopInterval)
		if loopNext.Before(next) {
			next = loopNext
		}
	}
	if sched.FailCount > 0 && !s.cfg.NoRetryBackoff {
		retry := now.Add(backoff.Delay(backoff.Standard, sched.FailCount))
		if retry.Before(next) {
			next = retry
		}
	}

	s.mu.Lock()
	if cur, ok := s.jobs[sched.ID]; ok && cur == js {
		js.next = next
		js.running = false
	}
	s.mu.Unlock()
}

func (s *Scheduler) appendHistory(ctx context.Context, id string, rec RunRecord) {
	raw, err := marshalRecord(rec)
	if err != nil {
		return
	}
	key := kv.ScheduleHistoryKey(id)
	if err := s.cfg.Store.LPush(ctx, key, raw); err != nil {
		slog.Warn("schedule history push failed", "schedule", id, "error", err)
		return
	}
	if err := s.cfg.Store.LTrim(ctx, key, 0, int64(s.cfg.HistorySize-1)); err != nil {
		slog.Warn("schedule history trim failed", "schedule", id, "error", err)
	}
}

func (s *Scheduler) persist(ctx context.Context, sched *Schedule) {
	if err := Save(ctx, s.cfg.Store, sched); err != nil {
		slog.Warn("schedule persist failed", "schedule", sched.ID, "error", err)
	}
}

// Create validates and persists a new schedule and arms it immediately.
func (s *Scheduler) Create(ctx context.Context, sched *Schedule) error {
	if sched.ID == "" {
		sched.ID = NewID()
	}
	if _, err := Load(ctx, s.cfg.Store, sched.ID); err == nil {
		return fmt.Errorf("schedule %s already exists", sched.ID)
	}
	sched.State = StateActive
	if err := Save(ctx, s.cfg.Store, sched); err != nil {
		return err
	}
	next, err := sched.nextAfter(s.cfg.Now())
	if err != nil {
		return fmt.Errorf("%w: no upcoming fire for %q", ErrBadCron, sched.Cron)
	}
	s.mu.Lock()
	s.jobs[sched.ID] = &jobState{sched: sched, next: next}
	s.mu.Unlock()
	return nil
}

// Delete removes a schedule from storage and from the live table.
func (s *Scheduler) Delete(ctx context.Context, id string) error {
	if _, err := Load(ctx, s.cfg.Store, id); err != nil {
		return err
	}
	if err := Remove(ctx, s.cfg.Store, id); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.jobs, id)
	s.mu.Unlock()
	return nil
}

// DeleteBySubagent removes every schedule attached to a sub-agent. Wired
// as the registry's delete cascade.
func (s *Scheduler) DeleteBySubagent(ctx context.Context, subagentID string) error {
	all, err := LoadAll(ctx, s.cfg.Store)
	if err != nil {
		return err
	}
	for _, sched := range all {
		if sched.SubagentID != subagentID {
			continue
		}
		if err := s.Delete(ctx, sched.ID); err != nil {
			return err
		}
	}
	return nil
}

// Pause stops future fires without deleting the job.
func (s *Scheduler) Pause(ctx context.Context, id string) error {
	sched, err := Load(ctx, s.cfg.Store, id)
	if err != nil {
		return err
	}
	sched.State = StatePaused
	if err := Save(ctx, s.cfg.Store, sched); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.jobs, id)
	s.mu.Unlock()
	return nil
}

// Resume re-arms a paused job and resets its failure streak.
func (s *Scheduler) Resume(ctx context.Context, id string) error {
	sched, err := Load(ctx, s.cfg.Store, id)
	if err != nil {
		return err
	}
	sched.State = StateActive
	sched.FailCount = 0
	if err := Save(ctx, s.cfg.Store, sched); err != nil {
		return err
	}
	next, err := sched.nextAfter(s.cfg.Now())
	if err != nil {
		return fmt.Errorf("%w: no upcoming fire for %q", ErrBadCron, sched.Cron)
	}
	s.mu.Lock()
	s.jobs[id] = &jobState{sched: sched, next: next}
	s.mu.Unlock()
	return nil
}

// List returns all persisted schedules.
func (s *Scheduler) List(ctx context.Context) ([]*Schedule, error) {
	return LoadAll(ctx, s.cfg.Store)
}

// NextFire reports the armed fire time for a live job.
func (s *Scheduler) NextFire(id string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	js, ok := s.jobs[id]
	if !ok {
		return time.Time{}, false
	}
	return js.next, true
}

// RunNow fires a job immediately, outside its cron cadence.
func (s *Scheduler) RunNow(ctx context.Context, id string) error {
	s.mu.Lock()
	js, ok := s.jobs[id]
	if ok {
		if js.running {
			s.mu.Unlock()
			return fmt.Errorf("schedule %s is already running", id)
		}
		js.running = true
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.fire(ctx, js)
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

func marshalRecord(rec RunRecord) (string, error) {
	raw, err := json.Marshal(rec)
	return string(raw), err
}
