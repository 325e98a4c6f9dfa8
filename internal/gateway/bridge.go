package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/nextlevelbuilder/agentd/internal/kv"
	"github.com/nextlevelbuilder/agentd/pkg/protocol"
)

// Subscriber is the pub/sub slice the bridge needs. Satisfied by
// *kv.Client, which owns the dedicated subscribe connection.
type Subscriber interface {
	PSubscribe(ctx context.Context, pattern string, handler func(kv.Message))
}

// RunBridge pattern-subscribes to core:notify:* and fans envelopes out to
// connected clients until ctx is cancelled. Per-session channels go to
// the owning client only; everything else broadcasts through each
// client's filter.
func (s *Server) RunBridge(ctx context.Context, sub Subscriber) {
	sub.PSubscribe(ctx, kv.KeyNotifyPrefix+"*", func(msg kv.Message) {
		s.route(msg.Channel, msg.Payload)
	})
}

func (s *Server) route(pubsubChannel, payload string) {
	channel := strings.TrimPrefix(pubsubChannel, kv.KeyNotifyPrefix)

	var env protocol.Envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		slog.Warn("bridge: bad envelope, dropping", "channel", channel, "error", err)
		return
	}
	if env.Channel == "" {
		env.Channel = channel
	}

	if sid, ok := strings.CutPrefix(channel, "agent:"); ok {
		if owner, found := s.sessionOwner(sid); found {
			owner.notify(env)
		}
		return
	}
	s.eachClient(func(c *Client) { c.notify(env) })
}

// Broadcast fans a locally generated event out to every connected
// client, subject to each client's channel filter. Used for events that
// never transit the external store, like shutdown notices.
func (s *Server) Broadcast(channel, event string, data interface{}) {
	env := protocol.NewEnvelope(channel, event, data)
	s.eachClient(func(c *Client) { c.notify(env) })
}
