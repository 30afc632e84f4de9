package gateway

import (
	"context"
	"errors"
	"strings"

	"github.com/HiTek-Dev/tek/internal/agent"
	agentctx "github.com/HiTek-Dev/tek/internal/agent/context"
	"github.com/HiTek-Dev/tek/internal/agent/routing"
	"github.com/HiTek-Dev/tek/internal/observability"
	"github.com/HiTek-Dev/tek/internal/sessions"
	"github.com/HiTek-Dev/tek/internal/usage"
	"github.com/HiTek-Dev/tek/pkg/models"
)

// Finish reasons reported by chat.stream.end besides the loop's own.
const (
	finishCancelled = "cancelled"
	finishRejected  = "rejected"
	finishError     = "error"
)

func (c *connection) handleChatSend(m *chatSend) {
	c.mu.Lock()
	if c.streaming {
		c.mu.Unlock()
		c.sendError(m.ID, CodeStreamInProgress, "a response is already streaming on this connection")
		return
	}
	// The turn is cancellable from here on, before its goroutine has
	// resolved a session or reached the model.
	ctx, cancel := context.WithCancel(observability.WithRequestID(c.ctx, m.ID))
	c.streaming = true
	c.requestID = m.ID
	c.turnCancel = cancel
	c.mu.Unlock()

	go c.prepareTurn(ctx, m)
}

// prepareTurn resolves the session and model for m, then either parks the
// turn for confirmation or runs it.
func (c *connection) prepareTurn(ctx context.Context, m *chatSend) {
	session, err := c.resolveSession(ctx, m)
	if err != nil {
		if !c.cancelledEarly(ctx, m.ID, "") {
			c.abortTurn(m.ID, codeFor(err, CodeInternal), err.Error())
		}
		return
	}
	history, err := c.server.deps.Sessions.GetHistory(ctx, session.ID, c.server.config.HistoryLimit)
	if c.cancelledEarly(ctx, m.ID, session.ID) {
		return
	}
	if err != nil {
		c.abortTurn(m.ID, codeFor(err, CodeInternal), err.Error())
		return
	}

	p := &pendingTurn{ctx: ctx, msg: m, session: session, history: history}
	if m.Model != "" {
		p.decision = explicitDecision(m.Model, "model chosen by client")
		p.modelID = m.Model
		c.afterRoute(ctx, p)
		return
	}

	p.decision = c.route(m.Content, len(history))
	p.modelID = p.decision.ModelID()
	if c.server.config.RoutingMode == RoutingConfirm && c.server.deps.Router != nil {
		p.stage = KindRoutePropose
		if !c.park(p) {
			c.cancelledEarly(ctx, m.ID, session.ID)
			return
		}
		c.emit(routePropose{
			Type:         KindRoutePropose,
			ID:           m.ID,
			Decision:     p.decision,
			Alternatives: c.server.deps.Router.Alternatives(p.decision),
		})
		return
	}
	c.afterRoute(ctx, p)
}

// resolveSession picks the session named by m, the connection's active
// session, or the default key, creating it on first use.
func (c *connection) resolveSession(ctx context.Context, m *chatSend) (*models.Session, error) {
	store := c.server.deps.Sessions
	var (
		session *models.Session
		created bool
		err     error
	)
	switch {
	case m.SessionID != "":
		session, err = store.Get(ctx, m.SessionID)
	case m.SessionKey == "" && c.activeSession() != "":
		session, err = store.Get(ctx, c.activeSession())
		if errors.Is(err, sessions.ErrNotFound) {
			session, created, err = store.GetOrCreate(ctx, sessions.DefaultKey, "")
		}
	default:
		key := m.SessionKey
		if key == "" {
			key = sessions.DefaultKey
		}
		session, created, err = store.GetOrCreate(ctx, key, "")
	}
	if err != nil {
		return nil, err
	}
	c.setSession(session.ID)
	if created {
		c.logger.Info("session created", "session_id", session.ID, "key", session.Key)
		c.emit(sessionCreated{
			Type:       KindSessionCreated,
			ID:         m.ID,
			SessionID:  session.ID,
			SessionKey: session.Key,
			Model:      session.Model,
		})
	}
	return session, nil
}

func (c *connection) route(message string, historyLength int) routing.Decision {
	if c.server.deps.Router == nil {
		return explicitDecision(c.server.config.DefaultModel, "default model")
	}
	return c.server.deps.Router.Route(message, historyLength)
}

func explicitDecision(modelID, reason string) routing.Decision {
	provider, model, _ := strings.Cut(modelID, ":")
	return routing.Decision{
		Tier:       routing.TierStandard,
		Provider:   provider,
		Model:      model,
		Reason:     reason,
		Confidence: 1,
		Available:  true,
	}
}

// afterRoute builds a pre-flight checklist for high-tier turns when enabled,
// otherwise runs the turn.
func (c *connection) afterRoute(ctx context.Context, p *pendingTurn) {
	if !c.server.config.Preflight || p.decision.Tier != routing.TierHigh {
		c.runTurn(ctx, p)
		return
	}
	provider, model, err := c.server.deps.Models.Resolve(p.modelID)
	if err != nil {
		c.abortTurn(p.msg.ID, CodeLLM, err.Error())
		return
	}
	tools := c.toolRegistry()
	assembled := c.assemble(ctx, p.session.ID, p.history, p.msg, p.modelID, tools)
	p.checklist = buildChecklist(ctx, checklistInput{
		requestID: p.msg.ID,
		provider:  provider,
		model:     model,
		modelID:   p.modelID,
		tier:      string(p.decision.Tier),
		message:   p.msg.Content,
		assembled: assembled,
		tools:     tools,
		policy:    c.approvalPolicy(),
	}, c.logger)
	p.stage = KindPreflightChecklist
	if !c.park(p) {
		c.cancelledEarly(ctx, p.msg.ID, p.session.ID)
		return
	}
	c.emit(preflightFrame{Type: KindPreflightChecklist, ID: p.msg.ID, Checklist: p.checklist})
}

// park holds p for the client's answer. It reports false when the turn was
// cancelled before it could be parked.
func (c *connection) park(p *pendingTurn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p.ctx.Err() != nil {
		return false
	}
	c.pending = p
	return true
}

// cancelledEarly ends a turn whose context was cancelled before it started
// streaming and reports whether it did.
func (c *connection) cancelledEarly(ctx context.Context, requestID, sessionID string) bool {
	if ctx.Err() == nil {
		return false
	}
	c.logger.Info("turn cancelled before streaming", "request_id", requestID)
	c.endTurn(requestID)
	c.emit(streamEnd{Type: KindStreamEnd, ID: requestID, SessionID: sessionID, FinishReason: finishCancelled})
	return true
}

// takePending removes and returns the parked turn for requestID at stage.
func (c *connection) takePending(requestID, stage string) *pendingTurn {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.pending
	if p == nil || p.msg.ID != requestID || p.stage != stage {
		return nil
	}
	c.pending = nil
	return p
}

func (c *connection) handleChatRouteConfirm(m *chatRouteConfirm) {
	p := c.takePending(m.RequestID, KindRoutePropose)
	if p == nil {
		c.sendError(m.ID, CodeNotFound, "no route proposal for request "+m.RequestID)
		return
	}
	if m.Model != "" && m.Model != p.modelID {
		p.decision = explicitDecision(m.Model, "model chosen by client")
		p.modelID = m.Model
	}
	p.stage = ""
	go c.afterRoute(p.ctx, p)
}

func (c *connection) handlePreflightApproval(m *preflightApproval) {
	p := c.takePending(m.RequestID, KindPreflightChecklist)
	if p == nil {
		c.sendError(m.ID, CodeNotFound, "no pre-flight checklist for request "+m.RequestID)
		return
	}
	if !m.Approved {
		c.logger.Info("pre-flight checklist rejected", "request_id", p.msg.ID)
		c.endTurn(p.msg.ID)
		c.emit(streamEnd{Type: KindStreamEnd, ID: p.msg.ID, SessionID: p.session.ID, FinishReason: finishRejected})
		return
	}
	p.stage = ""
	go c.runTurn(p.ctx, p)
}

func (c *connection) handleChatCancel(m *chatCancel) {
	c.mu.Lock()
	cancel := c.turnCancel
	parked := c.pending
	c.pending = nil
	c.mu.Unlock()

	switch {
	case parked != nil:
		c.endTurn(parked.msg.ID)
		c.emit(streamEnd{Type: KindStreamEnd, ID: parked.msg.ID, SessionID: parked.session.ID, FinishReason: finishCancelled})
	case cancel != nil:
		c.logger.Info("turn cancelled by client", "request_id", m.ID)
		cancel()
	default:
		c.sendError(m.ID, CodeNotFound, "no turn in progress")
	}
}

func (c *connection) handleToolApprovalResponse(m *toolApprovalResponse) {
	if !c.approvals.Resolve(m.ToolCallID, m.Approved) {
		c.sendError(m.ID, CodeNotFound, "no pending approval for tool call "+m.ToolCallID)
	}
}

// assemble builds the prompt for a turn, evicting older history to the
// flush log when the context window is under pressure. Evicted messages
// move behind the session's flush watermark so later turns never load or
// flush them again.
func (c *connection) assemble(ctx context.Context, sessionID string, history []*models.Message, m *chatSend, modelID string, tools *agent.ToolRegistry) *agentctx.Assembled {
	deps := c.server.deps
	in := agentctx.AssembleInput{
		History:     history,
		UserMessage: m.Content,
		Model:       modelID,
		ThreadID:    m.ThreadID,
		ToolText:    tools.Describe(),
	}
	assembled := deps.Assembler.Assemble(ctx, in)
	pressure := deps.Pressure.Measure(agentctx.CategoriesFromSections(assembled.Sections))
	if !pressure.ShouldFlush {
		return assembled
	}
	c.logger.Info("context under pressure", "session_id", sessionID, "ratio", pressure.Ratio, "used", pressure.Used)
	kept, flushed := deps.Pressure.FlushOlderHalf(ctx, sessionID, history, deps.FlushLog)
	if flushed != nil {
		if err := deps.Sessions.MarkFlushed(ctx, sessionID, flushed.ID); err != nil {
			c.logger.Warn("flush watermark not saved", "session_id", sessionID, "error", err)
		}
	}
	if len(kept) == len(history) {
		return assembled
	}
	in.History = kept
	return deps.Assembler.Assemble(ctx, in)
}

// runTurn streams one agent turn to the client and persists its messages.
func (c *connection) runTurn(ctx context.Context, p *pendingTurn) {
	deps := c.server.deps
	requestID := p.msg.ID
	sessionID := p.session.ID
	if c.cancelledEarly(ctx, requestID, sessionID) {
		return
	}
	turnCtx := observability.WithSessionID(ctx, sessionID)
	// Messages of a cancelled turn are still persisted.
	ctx = context.WithoutCancel(turnCtx)

	provider, model, err := deps.Models.Resolve(p.modelID)
	if err != nil {
		c.abortTurn(requestID, CodeLLM, err.Error())
		return
	}

	tools := c.toolRegistry()
	assembled := c.assemble(ctx, sessionID, p.history, p.msg, p.modelID, tools)
	user := &models.Message{Role: models.RoleUser, Content: p.msg.Content, TokenCount: agentctx.EstimateTokens(p.msg.Content)}
	if err := deps.Sessions.AppendMessage(ctx, sessionID, user); err != nil {
		c.abortTurn(requestID, codeFor(err, CodeInternal), err.Error())
		return
	}

	c.emit(streamStart{
		Type:      KindStreamStart,
		ID:        requestID,
		SessionID: sessionID,
		Model:     p.modelID,
		Tier:      string(p.decision.Tier),
		Reason:    p.decision.Reason,
	})
	c.logger.Info("turn started", "request_id", requestID, "session_id", sessionID, "model", p.modelID, "tier", p.decision.Tier)

	policy := c.approvalPolicy()
	events := deps.Loop.Run(turnCtx, agent.Turn{
		SessionID: sessionID,
		Provider:  provider,
		Model:     model,
		System:    assembled.System,
		Messages:  assembled.Messages,
		Tools:     tools,
		Policy:    policy,
		Approvals: c.approvals,
	})

	var (
		results  []models.ToolResult
		terminal bool
	)
	for ev := range events {
		switch ev.Type {
		case agent.EventTextDelta:
			c.emit(streamDelta{Type: KindStreamDelta, ID: requestID, Delta: ev.Text})
		case agent.EventToolCall:
			c.emit(toolCallFrame{
				Type:       KindToolCall,
				ID:         requestID,
				ToolCallID: ev.ToolCall.ID,
				Name:       ev.ToolCall.Name,
				Input:      ev.ToolCall.Input,
				Step:       ev.Step,
			})
		case agent.EventApprovalRequest:
			c.emit(toolApprovalRequest{
				Type:       KindToolApprovalRequest,
				ID:         requestID,
				ToolCallID: ev.ToolCall.ID,
				Name:       ev.ToolCall.Name,
				Input:      ev.ToolCall.Input,
				Tier:       string(policy.TierFor(ev.ToolCall.Name)),
				TimeoutMs:  deps.Loop.Config().ApprovalTimeout.Milliseconds(),
			})
		case agent.EventToolResult:
			results = append(results, *ev.ToolResult)
			c.emit(toolResultFrame{
				Type:       KindToolResult,
				ID:         requestID,
				ToolCallID: ev.ToolResult.ToolCallID,
				Name:       ev.ToolName,
				Content:    ev.ToolResult.Content,
				IsError:    ev.ToolResult.IsError,
			})
		case agent.EventFailurePattern:
			c.emit(failureDetected{Type: KindFailureDetected, ID: requestID, Pattern: ev.Failure})
		case agent.EventStepFinish:
			c.persistStep(ctx, sessionID, ev.Record, results)
			results = nil
		case agent.EventFinish:
			terminal = true
			c.finishTurn(ctx, requestID, sessionID, p.modelID, ev.Usage)
		case agent.EventError:
			terminal = true
			cancelled := errors.Is(ev.Error.Err, context.Canceled) || turnCtx.Err() != nil
			c.endTurn(requestID)
			if cancelled {
				c.emit(streamEnd{Type: KindStreamEnd, ID: requestID, SessionID: sessionID, FinishReason: finishCancelled})
				continue
			}
			c.sendError(requestID, ev.Error.Code, ev.Error.Message)
			c.emit(streamEnd{Type: KindStreamEnd, ID: requestID, SessionID: sessionID, FinishReason: finishError})
		}
	}
	// A cancelled loop may end without a terminal event.
	cancelled := turnCtx.Err() != nil
	c.endTurn(requestID)
	if !terminal && cancelled {
		c.emit(streamEnd{Type: KindStreamEnd, ID: requestID, SessionID: sessionID, FinishReason: finishCancelled})
	}
}

// persistStep appends the assistant message of a step, and the tool
// results it produced, to the session.
func (c *connection) persistStep(ctx context.Context, sessionID string, record *agent.StepRecord, results []models.ToolResult) {
	if record == nil {
		return
	}
	store := c.server.deps.Sessions
	if record.Text != "" || len(record.ToolCalls) > 0 {
		msg := &models.Message{
			Role:       models.RoleAssistant,
			Content:    record.Text,
			ToolCalls:  record.ToolCalls,
			TokenCount: agentctx.EstimateTokens(record.Text),
		}
		if err := store.AppendMessage(ctx, sessionID, msg); err != nil {
			c.logger.Warn("failed to persist assistant message", "session_id", sessionID, "error", err)
		}
	}
	if len(results) > 0 {
		msg := &models.Message{Role: models.RoleTool, ToolResults: results}
		if err := store.AppendMessage(ctx, sessionID, msg); err != nil {
			c.logger.Warn("failed to persist tool results", "session_id", sessionID, "error", err)
		}
	}
}

func (c *connection) finishTurn(ctx context.Context, requestID, sessionID, modelID string, turn *agent.TurnUsage) {
	deps := c.server.deps
	if err := deps.Sessions.SetModel(ctx, sessionID, modelID); err != nil {
		c.logger.Warn("failed to record session model", "session_id", sessionID, "error", err)
	}

	report := usageReport{Type: KindUsageReport, ID: requestID, Turn: turn}
	if deps.Usage != nil && turn != nil {
		u := usage.Usage{InputTokens: turn.InputTokens, OutputTokens: turn.OutputTokens}
		if _, err := deps.Usage.Record(ctx, sessionID, turn.Provider, turn.Model, u); err != nil {
			c.logger.Warn("failed to record usage", "session_id", sessionID, "error", err)
		}
		if summary, err := deps.Usage.Summary(ctx, sessionID); err == nil {
			report.Summary = summary
		}
	}

	finish := ""
	if turn != nil {
		finish = turn.FinishReason
	}
	c.endTurn(requestID)
	c.emit(streamEnd{Type: KindStreamEnd, ID: requestID, SessionID: sessionID, FinishReason: finish, Usage: turn})
	c.emit(report)
	c.logger.Info("turn finished", "request_id", requestID, "session_id", sessionID, "finish_reason", finish)
}

// abortTurn reports an error for a turn that never started streaming.
func (c *connection) abortTurn(requestID, code, message string) {
	c.logger.Warn("turn aborted", "request_id", requestID, "code", code, "error", message)
	c.endTurn(requestID)
	c.sendError(requestID, code, message)
}

// endTurn clears the streaming state of requestID so the next chat.send is
// accepted. It is a no-op once another turn has started.
func (c *connection) endTurn(requestID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.requestID != requestID {
		return
	}
	if c.turnCancel != nil {
		c.turnCancel()
	}
	c.streaming = false
	c.requestID = ""
	c.turnCancel = nil
	c.pending = nil
}

func (c *connection) handleContextInspect(m *contextInspect) {
	ctx := observability.WithRequestID(c.ctx, m.ID)
	sessionID := m.SessionID
	if sessionID == "" {
		sessionID = c.activeSession()
	}
	var history []*models.Message
	if sessionID != "" {
		var err error
		history, err = c.server.deps.Sessions.GetHistory(ctx, sessionID, c.server.config.HistoryLimit)
		if err != nil {
			c.sendError(m.ID, codeFor(err, CodeInternal), err.Error())
			return
		}
	}
	modelID := m.Model
	if modelID == "" {
		modelID = c.route(m.Content, len(history)).ModelID()
	}

	assembled := c.server.deps.Assembler.Assemble(ctx, agentctx.AssembleInput{
		History:     history,
		UserMessage: m.Content,
		Model:       modelID,
		ToolText:    c.toolRegistry().Describe(),
	})
	c.emit(contextInspection{
		Type:            KindContextInspection,
		ID:              m.ID,
		SessionID:       sessionID,
		Model:           modelID,
		Sections:        assembled.Sections,
		Totals:          assembled.Totals,
		HistoryIncluded: assembled.HistoryIncluded,
		Pressure:        c.server.deps.Pressure.Measure(agentctx.CategoriesFromSections(assembled.Sections)),
	})
}

func (c *connection) handleUsageQuery(m *usageQuery) {
	tracker := c.server.deps.Usage
	if tracker == nil {
		c.sendError(m.ID, CodeInternal, "usage tracking is disabled")
		return
	}
	sessionID := m.SessionID
	if !m.All && sessionID == "" {
		sessionID = c.activeSession()
		if sessionID == "" {
			c.sendError(m.ID, CodeNotFound, "no active session")
			return
		}
	}
	if m.All {
		sessionID = ""
	}
	summary, err := tracker.Summary(observability.WithRequestID(c.ctx, m.ID), sessionID)
	if err != nil {
		c.sendError(m.ID, CodeInternal, err.Error())
		return
	}
	c.emit(usageReport{Type: KindUsageReport, ID: m.ID, Summary: summary})
}

func (c *connection) handleSessionList(m *sessionList) {
	list, err := c.server.deps.Sessions.List(observability.WithRequestID(c.ctx, m.ID), sessions.ListOptions{
		Limit:  m.Limit,
		Offset: m.Offset,
	})
	if err != nil {
		c.sendError(m.ID, CodeInternal, err.Error())
		return
	}
	if list == nil {
		list = []*models.Session{}
	}
	c.emit(sessionListResult{Type: KindSessionListResult, ID: m.ID, Sessions: list})
}
