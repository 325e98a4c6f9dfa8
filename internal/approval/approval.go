// Package approval gates destructive tool calls on human confirmation.
// Requests are announced on the approval notification channel; answers
// arrive through a correlation key in the KV store.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/agentd/internal/kv"
	"github.com/nextlevelbuilder/agentd/internal/notify"
	"github.com/nextlevelbuilder/agentd/internal/tools"
)

// Policies.
const (
	PolicyNone        = "none"        // never ask
	PolicyDestructive = "destructive" // ask for destructive/shell scopes and non-allowlisted writes
	PolicyAll         = "all"         // ask for everything
)

// Answer values written to the correlation key.
const (
	AnswerApprove = "approve"
	AnswerDeny    = "deny"
)

// Denial reasons surfaced to the loop as observations.
var (
	ErrDenied  = errors.New("user denied")
	ErrTimeout = errors.New("approval timed out")
)

const (
	pollInterval = 500 * time.Millisecond
	keyTTL       = 180 * time.Second
)

// Store is the slice of the KV client the manager needs. Narrow so tests
// can swap in a map.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

// Manager implements the tool registry's approval gate.
type Manager struct {
	store    Store
	notifier *notify.Notifier

	policy         string
	timeout        time.Duration
	writeAllowlist []string
}

// NewManager creates a manager. An empty policy means destructive.
func NewManager(store Store, notifier *notify.Notifier, policy string, timeout time.Duration, writeAllowlist []string) *Manager {
	if policy == "" {
		policy = PolicyDestructive
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Manager{
		store:          store,
		notifier:       notifier,
		policy:         policy,
		timeout:        timeout,
		writeAllowlist: writeAllowlist,
	}
}

// Check blocks until the call is approved, denied, or the approval window
// expires. Timeout counts as deny.
func (m *Manager) Check(ctx context.Context, sessionID, toolName string, scope []string, requiresApproval bool, args map[string]interface{}) error {
	if !m.needsApproval(scope, requiresApproval, args) {
		return nil
	}

	correlationID := uuid.NewString()
	m.notifier.Approval("approval.requested", map[string]interface{}{
		"correlationId": correlationID,
		"sessionId":     sessionID,
		"tool":          toolName,
		"scope":         scope,
		"args":          args,
		"expiresInSec":  int(m.timeout.Seconds()),
	})
	slog.Info("approval requested",
		"correlation_id", correlationID, "session", sessionID, "tool", toolName)

	answer, err := m.await(ctx, correlationID)
	m.notifier.Approval("approval.resolved", map[string]interface{}{
		"correlationId": correlationID,
		"sessionId":     sessionID,
		"tool":          toolName,
		"answer":        answer,
	})
	return err
}

// needsApproval applies the policy to one call.
func (m *Manager) needsApproval(scope []string, requiresApproval bool, args map[string]interface{}) bool {
	if requiresApproval {
		return m.policy != PolicyNone
	}
	switch m.policy {
	case PolicyNone:
		return false
	case PolicyAll:
		return true
	default: // destructive
		for _, s := range scope {
			switch s {
			case tools.ScopeDestructive, tools.ScopeShell:
				return true
			case tools.ScopeWrite:
				if !m.writeAllowed(args) {
					return true
				}
			}
		}
		return false
	}
}

// writeAllowed reports whether a write call targets an allow-listed path
// prefix.
func (m *Manager) writeAllowed(args map[string]interface{}) bool {
	if len(m.writeAllowlist) == 0 {
		return false
	}
	path, _ := args["path"].(string)
	if path == "" {
		return false
	}
	clean := filepath.Clean(path)
	for _, prefix := range m.writeAllowlist {
		if strings.HasPrefix(clean, filepath.Clean(prefix)) {
			return true
		}
	}
	return false
}

// await polls the correlation key until an answer lands or the window
// closes. 500 ms polling keeps this correct even when pub/sub is down.
func (m *Manager) await(parentCtx context.Context, correlationID string) (string, error) {
	ctx, cancel := context.WithTimeout(parentCtx, m.timeout)
	defer cancel()

	key := kv.ApprovalKey(correlationID)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if parentCtx.Err() != nil {
				return "", parentCtx.Err()
			}
			return AnswerDeny, fmt.Errorf("%w after %s", ErrTimeout, m.timeout)
		case <-ticker.C:
			answer, err := m.store.Get(ctx, key)
			if errors.Is(err, kv.ErrNotFound) {
				continue
			}
			if err != nil {
				// Storage outage: keep polling until the window closes.
				continue
			}
			_ = m.store.Del(context.WithoutCancel(ctx), key)
			if answer == AnswerApprove {
				return AnswerApprove, nil
			}
			return AnswerDeny, ErrDenied
		}
	}
}

// Resolve records a human answer for a pending request. Used by the
// approvals CLI and the gateway.
func Resolve(ctx context.Context, store Store, correlationID, answer string) error {
	if answer != AnswerApprove && answer != AnswerDeny {
		return fmt.Errorf("invalid approval answer %q", answer)
	}
	return store.Set(ctx, kv.ApprovalKey(correlationID), answer, keyTTL)
}
