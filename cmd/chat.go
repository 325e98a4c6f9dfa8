package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/agentd/pkg/protocol"
)

func chatCmd() *cobra.Command {
	var addr, message, tier string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to a running gateway from the terminal",
		Long:  "Connect to the gateway WebSocket and run agent sessions: one-shot with -m, or an interactive REPL.",
		Run: func(cmd *cobra.Command, args []string) {
			runChat(addr, message, tier)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "gateway address (default from config)")
	cmd.Flags().StringVarP(&message, "message", "m", "", "one-shot task; omit for interactive mode")
	cmd.Flags().StringVar(&tier, "tier", "", "model tier for runs (flash, sonnet, opus)")
	return cmd
}

func runChat(addr, message, tier string) {
	cfg := loadConfig()

	if addr == "" {
		host := cfg.Gateway.Host
		if host == "" || host == "0.0.0.0" {
			host = "127.0.0.1"
		}
		addr = fmt.Sprintf("%s:%d", host, cfg.Gateway.Port)
	}
	wsURL := fmt.Sprintf("ws://%s/ws/agent", addr)

	header := http.Header{}
	if cfg.Gateway.APIKey != "" {
		header.Set("X-API-Key", cfg.Gateway.APIKey)
	}

	ctx := context.Background()
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect failed: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(1 << 20)

	sessionID := uuid.NewString()

	if message != "" {
		answer, err := chatRun(ctx, conn, sessionID, message, tier)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(answer)
		return
	}

	fmt.Fprintf(os.Stderr, "agentd chat (session %s)\n", sessionID)
	fmt.Fprintf(os.Stderr, "Type \"exit\" to quit, \"/new\" for a new session\n\n")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Fprint(os.Stderr, "You: ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			return
		}
		if input == "/new" {
			sessionID = uuid.NewString()
			fmt.Fprintf(os.Stderr, "New session: %s\n\n", sessionID)
			continue
		}

		answer, err := chatRun(ctx, conn, sessionID, input, tier)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n\n", err)
			continue
		}
		fmt.Printf("\n%s\n\n", answer)
	}
}

// chatFrame is the union of everything the gateway can send back.
type chatFrame struct {
	Jsonrpc string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *protocol.Error `json:"error,omitempty"`
}

// chatRun sends one agent.run and reads frames until its response lands,
// rendering streamed events along the way.
func chatRun(ctx context.Context, conn *websocket.Conn, sessionID, task, tier string) (string, error) {
	reqID := uuid.NewString()[:8]
	params, _ := json.Marshal(protocol.AgentRunParams{
		Task:      task,
		SessionID: sessionID,
		Tier:      tier,
	})
	req := protocol.Request{
		Jsonrpc: protocol.Version,
		Method:  protocol.MethodAgentRun,
		Params:  params,
		ID:      json.RawMessage(strconv.Quote(reqID)),
	}
	if err := wsjson.Write(ctx, conn, req); err != nil {
		return "", fmt.Errorf("send: %w", err)
	}

	streamed := false
	for {
		var frame chatFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			return "", fmt.Errorf("read: %w", err)
		}

		if frame.Method != "" {
			if frame.Method == protocol.MethodAgentEvent {
				streamed = renderEvent(frame.Params) || streamed
			}
			continue
		}
		if string(frame.ID) != strconv.Quote(reqID) {
			continue
		}
		if frame.Error != nil {
			return "", frame.Error
		}

		var result protocol.AgentRunResult
		if err := json.Unmarshal(frame.Result, &result); err != nil {
			return "", fmt.Errorf("bad result: %w", err)
		}
		if !result.Success {
			return "", fmt.Errorf("run stopped: %s", result.StoppedReason)
		}
		if streamed {
			// Chunks already printed the answer.
			fmt.Println()
			return "", nil
		}
		return result.Answer, nil
	}
}

// renderEvent displays one agent.event notification and reports whether
// it printed answer text.
func renderEvent(params json.RawMessage) bool {
	var ev struct {
		Type    string                 `json:"type"`
		Payload map[string]interface{} `json:"payload,omitempty"`
	}
	if err := json.Unmarshal(params, &ev); err != nil {
		return false
	}
	switch ev.Type {
	case protocol.AgentEventTextDelta:
		if content, ok := ev.Payload["content"].(string); ok {
			fmt.Print(content)
			return true
		}
	case protocol.AgentEventToolCallStarted:
		name, _ := ev.Payload["name"].(string)
		fmt.Fprintf(os.Stderr, "  [tool] %s\n", name)
	case protocol.AgentEventToolCallCompleted:
		if isErr, _ := ev.Payload["is_error"].(bool); isErr {
			name, _ := ev.Payload["name"].(string)
			fmt.Fprintf(os.Stderr, "  [tool] %s -> error\n", name)
		}
	}
	return false
}
