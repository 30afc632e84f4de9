package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/HiTek-Dev/tek/internal/agent"
	"github.com/HiTek-Dev/tek/internal/agent/routing"
	"github.com/HiTek-Dev/tek/internal/gateway"
	"github.com/HiTek-Dev/tek/internal/heartbeat"
	"github.com/HiTek-Dev/tek/internal/usage"
)

type chatOptions struct {
	configPath string
	addr       string
	sessionKey string
	model      string
}

// chatFrame is the union of the server frames the terminal client renders.
type chatFrame struct {
	Type         string                `json:"type"`
	ID           string                `json:"id"`
	Code         string                `json:"code"`
	Message      string                `json:"message"`
	Delta        string                `json:"delta"`
	SessionID    string                `json:"session_id"`
	SessionKey   string                `json:"session_key"`
	Model        string                `json:"model"`
	Tier         string                `json:"tier"`
	Reason       string                `json:"reason"`
	FinishReason string                `json:"finish_reason"`
	ToolCallID   string                `json:"tool_call_id"`
	Name         string                `json:"name"`
	Input        json.RawMessage       `json:"input"`
	Content      string                `json:"content"`
	IsError      bool                  `json:"is_error"`
	Decision     *routing.Decision     `json:"decision"`
	Alternatives []routing.Alternative `json:"alternatives"`
	Checklist    *gateway.Checklist    `json:"checklist"`
	Pattern      *agent.FailurePattern `json:"pattern"`
	Turn         *agent.TurnUsage      `json:"turn"`
	Summary      *usage.Summary        `json:"summary"`
	Result       *heartbeat.Result     `json:"result"`
	Schedule     json.RawMessage       `json:"schedule"`
	ExecutionID  string                `json:"execution_id"`
	WorkflowID   string                `json:"workflow_id"`
	StepID       string                `json:"step_id"`
}

// Prompt kinds the client may be waiting on.
const (
	promptNone      = ""
	promptTool      = "tool"
	promptRoute     = "route"
	promptPreflight = "preflight"
	promptWorkflow  = "workflow"
)

// chatClient renders frames and turns input lines into requests. It is
// driven from one goroutine.
type chatClient struct {
	out        io.Writer
	send       func(v any) error
	sessionKey string
	model      string

	busy      bool
	requestID string
	prompt    string
	promptID  string
}

func runChat(cmd *cobra.Command, opts chatOptions) error {
	addr := opts.addr
	if addr == "" {
		cfg, err := loadConfig(opts.configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		addr = cfg.Server.Addr()
	}
	endpoint := url.URL{Scheme: "ws", Host: addr, Path: "/ws"}
	conn, _, err := websocket.DefaultDialer.DialContext(cmd.Context(), endpoint.String(), nil)
	if err != nil {
		return fmt.Errorf("connect to %s: %w (is \"tek serve\" running?)", endpoint.String(), err)
	}
	defer conn.Close()

	var writeMu sync.Mutex
	client := &chatClient{
		out: cmd.OutOrStdout(),
		send: func(v any) error {
			writeMu.Lock()
			defer writeMu.Unlock()
			return conn.WriteJSON(v)
		},
		sessionKey: opts.sessionKey,
		model:      opts.model,
	}

	frames := make(chan chatFrame)
	readErr := make(chan error, 1)
	go func() {
		for {
			var f chatFrame
			if err := conn.ReadJSON(&f); err != nil {
				readErr <- err
				return
			}
			frames <- f
		}
	}()

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(cmd.InOrStdin())
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	inputDone := false
	interactive := term.IsTerminal(int(os.Stdin.Fd()))
	if interactive {
		fmt.Fprintf(client.out, "Connected to %s. /quit to exit, /cancel to stop a response.\n", addr)
		client.showPrompt()
	}

	for {
		select {
		case <-cmd.Context().Done():
			return nil
		case err := <-readErr:
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("connection lost: %w", err)
		case f := <-frames:
			client.handleFrame(f)
			if inputDone && !client.busy && client.prompt == promptNone {
				return nil
			}
			if interactive && !client.busy {
				client.showPrompt()
			}
		case line, ok := <-lines:
			if !ok {
				if client.busy {
					// Input ended; let the running turn finish.
					inputDone = true
					lines = nil
					continue
				}
				return nil
			}
			quit, err := client.handleLine(line)
			if err != nil {
				return err
			}
			if quit {
				return conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
			}
		}
	}
}

func (c *chatClient) showPrompt() {
	switch c.prompt {
	case promptNone:
		fmt.Fprint(c.out, "> ")
	default:
		fmt.Fprint(c.out, "? ")
	}
}

// handleLine answers a pending prompt or sends a new message. It reports
// whether the user asked to quit.
func (c *chatClient) handleLine(line string) (bool, error) {
	line = strings.TrimSpace(line)
	if c.prompt != promptNone {
		return false, c.answer(line)
	}
	switch line {
	case "":
		return false, nil
	case "/quit", "/exit":
		return true, nil
	case "/cancel":
		return false, c.send(map[string]any{"type": gateway.KindChatCancel, "id": uuid.NewString()})
	case "/usage":
		return false, c.send(map[string]any{"type": gateway.KindUsageQuery, "id": uuid.NewString(), "all": true})
	case "/sessions":
		return false, c.send(map[string]any{"type": gateway.KindSessionList, "id": uuid.NewString()})
	}
	if c.busy {
		fmt.Fprintln(c.out, "(still responding; /cancel to stop)")
		return false, nil
	}
	c.requestID = uuid.NewString()
	c.busy = true
	msg := map[string]any{"type": gateway.KindChatSend, "id": c.requestID, "content": line}
	if c.sessionKey != "" {
		msg["session_key"] = c.sessionKey
	}
	if c.model != "" {
		msg["model"] = c.model
	}
	return false, c.send(msg)
}

func (c *chatClient) answer(line string) error {
	kind, id := c.prompt, c.promptID
	c.prompt, c.promptID = promptNone, ""
	yes := line == "" || strings.EqualFold(line, "y") || strings.EqualFold(line, "yes")

	switch kind {
	case promptTool:
		return c.send(map[string]any{
			"type": gateway.KindToolApprovalResponse, "id": uuid.NewString(),
			"tool_call_id": id, "approved": yes,
		})
	case promptRoute:
		msg := map[string]any{"type": gateway.KindChatRouteConfirm, "id": uuid.NewString(), "request_id": id}
		if !yes && strings.Contains(line, ":") {
			msg["model"] = line
		} else if !yes {
			return c.send(map[string]any{"type": gateway.KindChatCancel, "id": uuid.NewString()})
		}
		return c.send(msg)
	case promptPreflight:
		return c.send(map[string]any{
			"type": gateway.KindPreflightApproval, "id": uuid.NewString(),
			"request_id": id, "approved": yes,
		})
	case promptWorkflow:
		return c.send(map[string]any{
			"type": gateway.KindWorkflowApproval, "id": uuid.NewString(),
			"execution_id": id, "approved": yes,
		})
	}
	return errors.New("no prompt pending")
}

func (c *chatClient) handleFrame(f chatFrame) {
	switch f.Type {
	case gateway.KindSessionCreated:
		fmt.Fprintf(c.out, "[session %s created]\n", f.SessionKey)
	case gateway.KindStreamStart:
		fmt.Fprintf(c.out, "[%s · %s]\n", f.Model, f.Tier)
	case gateway.KindStreamDelta:
		fmt.Fprint(c.out, f.Delta)
	case gateway.KindStreamEnd:
		fmt.Fprintln(c.out)
		if f.FinishReason == "cancelled" || f.FinishReason == "rejected" {
			fmt.Fprintf(c.out, "[%s]\n", f.FinishReason)
		}
		if f.ID == c.requestID {
			c.busy = false
		}
	case gateway.KindToolCall:
		fmt.Fprintf(c.out, "\n[tool %s %s]\n", f.Name, truncate(string(f.Input), 200))
	case gateway.KindToolResult:
		status := "ok"
		if f.IsError {
			status = "error"
		}
		fmt.Fprintf(c.out, "[tool %s %s] %s\n", f.Name, status, truncate(f.Content, 300))
	case gateway.KindToolApprovalRequest:
		fmt.Fprintf(c.out, "\nAllow %s %s? [Y/n]\n", f.Name, truncate(string(f.Input), 200))
		c.prompt, c.promptID = promptTool, f.ToolCallID
	case gateway.KindRoutePropose:
		if f.Decision != nil {
			fmt.Fprintf(c.out, "Route to %s (%s: %s)?", f.Decision.ModelID(), f.Decision.Tier, f.Decision.Reason)
		}
		for _, alt := range f.Alternatives {
			fmt.Fprintf(c.out, " alt %s:%s", alt.Provider, alt.Model)
		}
		fmt.Fprintln(c.out, " [Y/n/provider:model]")
		c.prompt, c.promptID = promptRoute, f.ID
	case gateway.KindPreflightChecklist:
		c.renderChecklist(f.Checklist)
		c.prompt, c.promptID = promptPreflight, f.ID
	case gateway.KindFailureDetected:
		if f.Pattern != nil {
			fmt.Fprintf(c.out, "\n[warning] %s. %s\n", f.Pattern.Description, f.Pattern.Suggestion)
		}
	case gateway.KindUsageReport:
		if f.Turn != nil {
			fmt.Fprintf(c.out, "[%d in / %d out · $%.4f]\n", f.Turn.InputTokens, f.Turn.OutputTokens, f.Turn.Cost)
		} else if f.Summary != nil {
			fmt.Fprintf(c.out, "[total %d in / %d out · $%.4f]\n",
				f.Summary.Usage.InputTokens, f.Summary.Usage.OutputTokens, f.Summary.Cost)
		}
	case gateway.KindHeartbeatAlert:
		if f.Result != nil {
			var schedule string
			_ = json.Unmarshal(f.Schedule, &schedule)
			fmt.Fprintf(c.out, "\n[heartbeat %s] %s: %s\n", schedule, f.Result.Item.Text, f.Result.Message)
		}
	case gateway.KindWorkflowApprovalRequest:
		fmt.Fprintf(c.out, "\nWorkflow %s wants to run step %q. Approve? [Y/n]\n", f.WorkflowID, f.StepID)
		c.prompt, c.promptID = promptWorkflow, f.ExecutionID
	case gateway.KindError:
		fmt.Fprintf(c.out, "\n[error %s] %s\n", f.Code, f.Message)
		if f.ID == c.requestID {
			c.busy = false
		}
	}
}

func (c *chatClient) renderChecklist(cl *gateway.Checklist) {
	if cl == nil {
		return
	}
	fmt.Fprintf(c.out, "Plan for %s (~%d tokens, ~$%.4f):\n", cl.Model, cl.EstimatedTokens, cl.EstimatedCost)
	for i, step := range cl.Steps {
		fmt.Fprintf(c.out, "  %d. %s\n", i+1, step)
	}
	if len(cl.RequiredPermissions) > 0 {
		fmt.Fprintf(c.out, "  may ask to use: %s\n", strings.Join(cl.RequiredPermissions, ", "))
	}
	if cl.PlanError != "" {
		fmt.Fprintf(c.out, "  (planning failed: %s)\n", cl.PlanError)
	}
	fmt.Fprintln(c.out, "Proceed? [Y/n]")
}
