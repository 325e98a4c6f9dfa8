// Package notify publishes typed notifications through the KV pub/sub
// store. Publish never blocks the agent loop: events queue to a single
// delivery worker, so publishes keep their order, and are dropped when
// the queue is full.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/agentd/internal/kv"
	"github.com/nextlevelbuilder/agentd/pkg/protocol"
)

const (
	// publishTimeout bounds how long a single publish may take.
	publishTimeout = 2 * time.Second
	// queueSize bounds the delivery backlog before events are dropped.
	queueSize = 256
)

// publisher is the pub/sub slice of the KV client the worker needs.
type publisher interface {
	Publish(ctx context.Context, channel, payload string) error
}

type queued struct {
	channel string
	event   string
	payload string
}

// Notifier publishes notification envelopes on core:notify:<channel>.
type Notifier struct {
	pub   publisher
	queue chan queued
}

// New creates a notifier over the shared KV client. A nil store yields a
// notifier that drops everything.
func New(store *kv.Client) *Notifier {
	if store == nil {
		return &Notifier{}
	}
	return newNotifier(store)
}

func newNotifier(pub publisher) *Notifier {
	n := &Notifier{pub: pub, queue: make(chan queued, queueSize)}
	go n.deliver()
	return n
}

// Publish sends {channel, event, data, timestamp} to core:notify:<channel>.
// Fire-and-forget: errors are logged, never returned to the caller.
func (n *Notifier) Publish(channel, event string, data interface{}) {
	if n == nil || n.pub == nil {
		return
	}
	env := protocol.NewEnvelope(channel, event, data)
	payload, err := json.Marshal(env)
	if err != nil {
		slog.Warn("notify: marshal failed", "channel", channel, "event", event, "error", err)
		return
	}
	select {
	case n.queue <- queued{channel: channel, event: event, payload: string(payload)}:
	default:
		slog.Warn("notify: queue full, dropping event", "channel", channel, "event", event)
	}
}

// deliver drains the queue one event at a time, preserving publish order.
func (n *Notifier) deliver() {
	for q := range n.queue {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		err := n.pub.Publish(ctx, kv.NotifyChannel(q.channel), q.payload)
		cancel()
		if err != nil {
			slog.Warn("notify: publish failed", "channel", q.channel, "event", q.event, "error", err)
		}
	}
}

// Global publishes on the global lifecycle channel.
func (n *Notifier) Global(event string, data interface{}) {
	n.Publish(protocol.ChannelGlobal, event, data)
}

// Agent publishes on the per-session channel.
func (n *Notifier) Agent(sessionID, event string, data interface{}) {
	n.Publish(protocol.AgentChannel(sessionID), event, data)
}

// Schedule publishes job lifecycle events.
func (n *Notifier) Schedule(event string, data interface{}) {
	n.Publish(protocol.ChannelSchedule, event, data)
}

// Approval publishes approval round-trips.
func (n *Notifier) Approval(event string, data interface{}) {
	n.Publish(protocol.ChannelApproval, event, data)
}
