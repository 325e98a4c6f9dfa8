package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/agentd/internal/approval"
	"github.com/nextlevelbuilder/agentd/internal/kv"
	"github.com/nextlevelbuilder/agentd/pkg/protocol"
)

func approvalsCmd() *cobra.Command {
	var approveID, denyID string

	cmd := &cobra.Command{
		Use:   "approvals",
		Short: "Watch and answer pending tool approvals",
		Long:  "Watch the approval channel and answer requests interactively, or resolve a single request by correlation id with --approve / --deny.",
		Run: func(cmd *cobra.Command, args []string) {
			runApprovals(approveID, denyID)
		},
	}
	cmd.Flags().StringVar(&approveID, "approve", "", "approve the request with this correlation id and exit")
	cmd.Flags().StringVar(&denyID, "deny", "", "deny the request with this correlation id and exit")
	return cmd
}

func runApprovals(approveID, denyID string) {
	setupLogging()
	cfg := loadConfig()

	kvClient, err := kv.New(cfg.KV.URL, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kv config invalid: %v\n", err)
		os.Exit(exitConfig)
	}
	defer kvClient.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if approveID != "" || denyID != "" {
		id, answer := approveID, approval.AnswerApprove
		if denyID != "" {
			id, answer = denyID, approval.AnswerDeny
		}
		if err := approval.Resolve(ctx, kvClient, id, answer); err != nil {
			fmt.Fprintf(os.Stderr, "resolve failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s: %s\n", id, answer)
		return
	}

	if err := kvClient.Ping(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "kv store unreachable: %v\n", err)
		os.Exit(exitUpstream)
	}

	// Prompting blocks, so requests queue behind the subscription and
	// get answered one at a time.
	pending := make(chan approvalRequest, 16)
	go kvClient.Subscribe(ctx, kv.NotifyChannel(protocol.ChannelApproval), func(msg kv.Message) {
		req, ok := parseApprovalRequest(msg.Payload)
		if !ok {
			return
		}
		select {
		case pending <- req:
		default:
			slog.Warn("approval queue full, dropping request", "correlation_id", req.CorrelationID)
		}
	})

	fmt.Fprintln(os.Stderr, "Watching for approval requests. Ctrl-C to quit.")
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-pending:
			answerRequest(ctx, kvClient, req)
		}
	}
}

type approvalRequest struct {
	CorrelationID string
	SessionID     string
	Tool          string
	Args          string
	ExpiresInSec  int
}

// parseApprovalRequest extracts the fields of an approval.requested
// envelope. Resolved notices and malformed payloads are skipped.
func parseApprovalRequest(payload string) (approvalRequest, bool) {
	var env protocol.Envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return approvalRequest{}, false
	}
	if env.Event != protocol.AgentEventApprovalRequested {
		return approvalRequest{}, false
	}
	data, ok := env.Data.(map[string]interface{})
	if !ok {
		return approvalRequest{}, false
	}
	req := approvalRequest{}
	req.CorrelationID, _ = data["correlationId"].(string)
	req.SessionID, _ = data["sessionId"].(string)
	req.Tool, _ = data["tool"].(string)
	if secs, ok := data["expiresInSec"].(float64); ok {
		req.ExpiresInSec = int(secs)
	}
	if args, ok := data["args"]; ok && args != nil {
		if raw, err := json.MarshalIndent(args, "", "  "); err == nil {
			req.Args = string(raw)
		}
	}
	return req, req.CorrelationID != ""
}

// answerRequest prompts for one decision and records it.
func answerRequest(ctx context.Context, kvClient *kv.Client, req approvalRequest) {
	desc := fmt.Sprintf("session %s", req.SessionID)
	if req.Args != "" {
		desc += "\n" + req.Args
	}
	if req.ExpiresInSec > 0 {
		desc += fmt.Sprintf("\n(times out in %ds, timeout = deny)", req.ExpiresInSec)
	}

	var approve bool
	form := huh.NewForm(huh.NewGroup(
		huh.NewConfirm().
			Title(fmt.Sprintf("Allow tool %q?", req.Tool)).
			Description(desc).
			Affirmative("Approve").
			Negative("Deny").
			Value(&approve),
	))
	if err := form.Run(); err != nil {
		slog.Warn("prompt aborted, leaving request to time out", "correlation_id", req.CorrelationID, "error", err)
		return
	}

	answer := approval.AnswerDeny
	if approve {
		answer = approval.AnswerApprove
	}
	if err := approval.Resolve(ctx, kvClient, req.CorrelationID, answer); err != nil {
		fmt.Fprintf(os.Stderr, "resolve failed: %v\n", err)
		return
	}
	fmt.Printf("%s %s: %s\n", req.Tool, req.CorrelationID, answer)
}
