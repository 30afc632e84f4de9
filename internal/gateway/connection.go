package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/HiTek-Dev/tek/internal/agent"
	"github.com/HiTek-Dev/tek/internal/agent/routing"
	"github.com/HiTek-Dev/tek/internal/observability"
	"github.com/HiTek-Dev/tek/pkg/models"
)

const (
	wsMaxPayloadBytes = 1 << 20
	wsSendBuffer      = 64
	wsTickInterval    = 15 * time.Second
	wsPongWait        = 45 * time.Second
	wsWriteWait       = 10 * time.Second
)

var errSendBufferFull = errors.New("send buffer full")

// connection is the state of one client. Everything here is owned by the
// connection and dropped when it closes.
type connection struct {
	server *Server
	conn   *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	id     string
	logger *slog.Logger

	closeOnce sync.Once
	sendMu    sync.Mutex
	closed    bool

	// approvals parks tool calls of the running turn.
	approvals *agent.ApprovalWaiter

	mu sync.Mutex
	// sessionID is the active session; policy lives as long as it does.
	sessionID string
	policy    *agent.ApprovalPolicy
	tools     *agent.ToolRegistry
	// streaming is set from an accepted chat.send until its turn ends,
	// including while a route proposal or checklist awaits the client.
	streaming  bool
	requestID  string
	turnCancel context.CancelFunc
	pending    *pendingTurn
	// workflowApprovals are executions paused for approval that this
	// connection has been told about.
	workflowApprovals map[string]struct{}
}

var _ inboundHandler = (*connection)(nil)

// pendingTurn is a chat.send waiting for chat.route.confirm or
// preflight.approval.
type pendingTurn struct {
	// ctx is cancelled by chat.cancel or when the turn ends.
	ctx       context.Context
	msg       *chatSend
	session   *models.Session
	history   []*models.Message
	decision  routing.Decision
	modelID   string
	checklist *Checklist
	// stage is KindRoutePropose or KindPreflightChecklist.
	stage string
}

func newConnection(s *Server, conn *websocket.Conn) *connection {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(observability.WithConnectionID(s.ctx, id))
	return &connection{
		server:            s,
		conn:              conn,
		send:              make(chan []byte, wsSendBuffer),
		ctx:               ctx,
		cancel:            cancel,
		id:                id,
		logger:            s.logger.With("connection_id", id),
		approvals:         agent.NewApprovalWaiter(s.logger),
		workflowApprovals: make(map[string]struct{}),
	}
}

func (c *connection) run() {
	defer c.close()
	go c.writeLoop()
	c.readLoop()
}

// close tears the connection down. Pending approvals resolve as denied and
// the running turn is cancelled.
func (c *connection) close() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.approvals.DenyAll()

		c.sendMu.Lock()
		c.closed = true
		close(c.send)
		c.sendMu.Unlock()

		_ = c.conn.Close()
	})
}

func (c *connection) readLoop() {
	c.conn.SetReadLimit(wsMaxPayloadBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait)) //nolint:errcheck
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("read failed", "error", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		msg, env, err := decodeInbound(data)
		if err != nil {
			c.server.metrics.InboundMessage(kindLabel(env.Type), "invalid")
			c.sendError(env.ID, CodeInvalidMessage, err.Error())
			continue
		}
		c.server.metrics.InboundMessage(env.Type, "ok")
		msg.dispatch(c)
	}
}

func (c *connection) writeLoop() {
	ticker := time.NewTicker(wsTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				_ = c.conn.Close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				_ = c.conn.Close()
				return
			}
		}
	}
}

// emit queues an outbound frame. Frames for a closed or saturated
// connection are dropped and logged.
func (c *connection) emit(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("failed to encode frame", "error", err)
		return
	}
	if err := c.enqueueRaw(data); err != nil {
		c.logger.Warn("dropped frame", "error", err)
	}
}

func (c *connection) enqueueRaw(data []byte) error {
	if len(data) > wsMaxPayloadBytes {
		return fmt.Errorf("payload too large")
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- data:
		return nil
	default:
		return errSendBufferFull
	}
}

func (c *connection) sendError(id, code, message string) {
	c.emit(errorFrame{Type: KindError, ID: id, Code: code, Message: message})
}

// kindLabel bounds metric label cardinality to known kinds.
func kindLabel(kind string) string {
	if _, ok := newInbound(kind); ok {
		return kind
	}
	return "unknown"
}

// toolRegistry builds the connection's tools on first use.
func (c *connection) toolRegistry() *agent.ToolRegistry {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tools == nil {
		c.tools = c.server.deps.Tools()
	}
	return c.tools
}

// approvalPolicy returns the policy of the active session.
func (c *connection) approvalPolicy() *agent.ApprovalPolicy {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.policy == nil {
		c.policy = agent.NewApprovalPolicy(c.server.config.Approval, c.server.config.ToolApprovals)
	}
	return c.policy
}

// setSession switches the active session. Approvals granted for the
// previous session are forgotten.
func (c *connection) setSession(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessionID != id {
		c.sessionID = id
		c.policy = nil
	}
}

func (c *connection) activeSession() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *connection) expectWorkflowApproval(executionID string) {
	c.mu.Lock()
	c.workflowApprovals[executionID] = struct{}{}
	c.mu.Unlock()
}

func (c *connection) settleWorkflowApproval(executionID string) {
	c.mu.Lock()
	delete(c.workflowApprovals, executionID)
	c.mu.Unlock()
}
