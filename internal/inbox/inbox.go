// Package inbox pops tasks pushed by external senders (chat adapters, the
// HTTP bridge) off the KV list queue and routes them to a skill or the
// main agent loop. Answers go back under core:answer:{requestId}.
package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/agentd/internal/agent"
	"github.com/nextlevelbuilder/agentd/internal/kv"
	"github.com/nextlevelbuilder/agentd/internal/skills"
)

// AnsweredChannel is the pub/sub channel notified after each answer write.
const AnsweredChannel = "inbox:answered"

// Defaults.
const (
	defaultAnswerTTL  = time.Hour
	defaultPopTimeout = 5 * time.Second
)

// Task is one inbox entry as pushed by external senders.
type Task struct {
	Message   string                 `json:"message"`
	Source    string                 `json:"source,omitempty"`
	RequestID string                 `json:"requestId,omitempty"`
	Params    map[string]interface{} `json:"params,omitempty"`
	Priority  int                    `json:"priority,omitempty"`
	Timestamp int64                  `json:"timestamp,omitempty"`
}

// Queue is the KV slice the dispatcher needs.
type Queue interface {
	BRPop(ctx context.Context, timeout time.Duration, keys ...string) (string, string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Publish(ctx context.Context, channel, payload string) error
}

// SkillFinder resolves skills by name or trigger. Satisfied by the
// skill loader; nil disables skill routing.
type SkillFinder interface {
	Get(name string) (*skills.Skill, bool)
	Match(message string) (*skills.Skill, bool)
}

// LoopRunner runs one agent session. Satisfied by *agent.Loop.
type LoopRunner interface {
	Run(ctx context.Context, req agent.RunRequest) (*agent.RunResult, error)
}

// Config wires a Dispatcher.
type Config struct {
	Queue  Queue
	Skills SkillFinder

	// Loop returns the runner for a task; skill is nil for main-loop
	// routing, otherwise the loop is expected to carry the skill's prompt
	// extension and budgets.
	Loop func(skill *skills.Skill) LoopRunner

	AnswerTTL  time.Duration
	PopTimeout time.Duration
}

// Dispatcher is the blocking-pop consumer.
type Dispatcher struct {
	cfg Config
	wg  sync.WaitGroup
}

// New creates a dispatcher.
func New(cfg Config) *Dispatcher {
	if cfg.AnswerTTL <= 0 {
		cfg.AnswerTTL = defaultAnswerTTL
	}
	if cfg.PopTimeout <= 0 {
		cfg.PopTimeout = defaultPopTimeout
	}
	return &Dispatcher{cfg: cfg}
}

// Run consumes the inbox until ctx is cancelled. One blocking pop task;
// each message is handled on its own goroutine. Priority 1 drains
// strictly before 2, and 2 before 3: BRPOP scans the keys in order.
func (d *Dispatcher) Run(ctx context.Context) error {
	keys := []string{kv.InboxKey(1), kv.InboxKey(2), kv.InboxKey(3)}
	for {
		if ctx.Err() != nil {
			d.wg.Wait()
			return nil
		}
		_, raw, err := d.cfg.Queue.BRPop(ctx, d.cfg.PopTimeout, keys...)
		if err != nil {
			if errors.Is(err, kv.ErrNotFound) || errors.Is(err, context.Canceled) {
				continue
			}
			slog.Warn("inbox pop failed", "error", err)
			continue
		}

		var task Task
		if err := json.Unmarshal([]byte(raw), &task); err != nil {
			slog.Warn("inbox entry is not a task, dropping", "error", err)
			continue
		}
		if strings.TrimSpace(task.Message) == "" {
			slog.Warn("inbox task has no message, dropping", "requestId", task.RequestID)
			continue
		}

		d.wg.Add(1)
		go func(task Task) {
			defer d.wg.Done()
			d.Handle(ctx, task)
		}(task)
	}
}

// Handle routes one task and writes its answer.
func (d *Dispatcher) Handle(ctx context.Context, task Task) {
	skill := d.resolveSkill(task)
	answer := d.runTask(ctx, skill, task)
	d.writeAnswer(ctx, task.RequestID, answer)
}

// resolveSkill applies the routing rules: explicit params.skill first,
// then trigger matching, else nil for the main loop.
func (d *Dispatcher) resolveSkill(task Task) *skills.Skill {
	if d.cfg.Skills == nil {
		return nil
	}
	if name, ok := task.Params["skill"].(string); ok && name != "" {
		if skill, found := d.cfg.Skills.Get(name); found {
			return skill
		}
		slog.Warn("inbox task names unknown skill, using main loop", "skill", name)
	}
	if skill, found := d.cfg.Skills.Match(task.Message); found {
		return skill
	}
	return nil
}

func (d *Dispatcher) runTask(ctx context.Context, skill *skills.Skill, task Task) string {
	runner := d.cfg.Loop(skill)
	userID := "default"
	if task.Source != "" {
		userID = task.Source
	}

	result, err := runner.Run(ctx, agent.RunRequest{
		SessionID: uuid.NewString(),
		Task:      task.Message,
		UserID:    userID,
	})
	if err != nil {
		slog.Warn("inbox run failed", "requestId", task.RequestID, "error", err)
		return fmt.Sprintf("error: %v", err)
	}
	if result.StoppedReason != agent.StopDone {
		return fmt.Sprintf("error: run stopped (%s)", result.StoppedReason)
	}
	return result.Answer
}

// writeAnswer stores the answer under its correlation key and notifies
// listeners. Tasks without a requestId are fire-and-forget.
func (d *Dispatcher) writeAnswer(ctx context.Context, requestID, answer string) {
	if requestID == "" {
		return
	}
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := d.cfg.Queue.Set(writeCtx, kv.AnswerKey(requestID), answer, d.cfg.AnswerTTL); err != nil {
		slog.Warn("answer write failed", "requestId", requestID, "error", err)
		return
	}
	payload, _ := json.Marshal(map[string]string{"requestId": requestID})
	if err := d.cfg.Queue.Publish(writeCtx, AnsweredChannel, string(payload)); err != nil {
		slog.Warn("answer notify failed", "requestId", requestID, "error", err)
	}
}
