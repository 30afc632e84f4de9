package gateway

import (
	"context"
	"errors"
	"strings"

	"github.com/HiTek-Dev/tek/internal/cron"
	"github.com/HiTek-Dev/tek/internal/observability"
	"github.com/HiTek-Dev/tek/internal/workflow"
)

const defaultStatusLimit = 20

func (c *connection) handleWorkflowTrigger(m *workflowTrigger) {
	engine := c.server.deps.Workflows
	if engine == nil {
		c.sendError(m.ID, CodeWorkflow, "workflows are disabled")
		return
	}
	def, ok := engine.Definitions().Get(m.WorkflowID)
	if !ok {
		c.sendError(m.ID, CodeNotFound, "unknown workflow "+m.WorkflowID)
		return
	}
	trigger, err := workflow.ParseTrigger(m.Trigger)
	if err != nil {
		c.sendError(m.ID, CodeInvalidMessage, err.Error())
		return
	}
	tools := c.toolRegistry()
	c.runWorkflow(m.ID, func(ctx context.Context) (*workflow.Execution, error) {
		return engine.Execute(ctx, def, trigger, tools)
	})
}

func (c *connection) handleWorkflowApproval(m *workflowApproval) {
	engine := c.server.deps.Workflows
	if engine == nil {
		c.sendError(m.ID, CodeWorkflow, "workflows are disabled")
		return
	}
	c.settleWorkflowApproval(m.ExecutionID)

	if m.Approved {
		tools := c.toolRegistry()
		c.runWorkflow(m.ID, func(ctx context.Context) (*workflow.Execution, error) {
			return engine.Resume(ctx, m.ExecutionID, tools)
		})
		return
	}

	ctx := observability.WithRequestID(c.ctx, m.ID)
	if err := engine.Cancel(ctx, m.ExecutionID); err != nil {
		c.sendError(m.ID, codeFor(err, CodeWorkflow), err.Error())
		return
	}
	exec, err := engine.Get(ctx, m.ExecutionID)
	if err != nil {
		c.sendError(m.ID, codeFor(err, CodeWorkflow), err.Error())
		return
	}
	c.logger.Info("workflow step rejected", "execution", exec.ID, "step", exec.CurrentStepID)
	c.emit(workflowStatusFrame{Type: KindWorkflowStatus, ID: m.ID, Execution: exec})
}

// runWorkflow runs fn in the background and reports the resulting state.
// Runs outlive the connection; a closed connection just drops the report.
func (c *connection) runWorkflow(requestID string, fn func(ctx context.Context) (*workflow.Execution, error)) {
	c.server.background(func(ctx context.Context) {
		ctx = observability.WithConnectionID(observability.WithRequestID(ctx, requestID), c.id)
		exec, err := fn(ctx)
		if err != nil {
			c.logger.Warn("workflow request failed", "request_id", requestID, "error", err)
			c.sendError(requestID, codeFor(err, CodeWorkflow), err.Error())
			return
		}
		c.emit(workflowStatusFrame{Type: KindWorkflowStatus, ID: requestID, Execution: exec})
	})
}

func (c *connection) handleWorkflowStatus(m *workflowStatus) {
	engine := c.server.deps.Workflows
	if engine == nil {
		c.sendError(m.ID, CodeWorkflow, "workflows are disabled")
		return
	}
	ctx := observability.WithRequestID(c.ctx, m.ID)
	if m.ExecutionID != "" {
		exec, err := engine.Get(ctx, m.ExecutionID)
		if err != nil {
			c.sendError(m.ID, codeFor(err, CodeWorkflow), err.Error())
			return
		}
		c.emit(workflowStatusFrame{Type: KindWorkflowStatus, ID: m.ID, Execution: exec})
		return
	}
	limit := m.Limit
	if limit <= 0 {
		limit = defaultStatusLimit
	}
	execs, err := engine.List(ctx, workflow.Status(m.Status), limit)
	if err != nil {
		c.sendError(m.ID, CodeWorkflow, err.Error())
		return
	}
	if execs == nil {
		execs = []*workflow.Execution{}
	}
	c.emit(workflowStatusFrame{Type: KindWorkflowStatus, ID: m.ID, Executions: execs})
}

func (c *connection) handleScheduleCreate(m *scheduleCreate) {
	c.writeSchedule(m.ID, m.Schedule, false)
}

func (c *connection) handleScheduleUpdate(m *scheduleUpdate) {
	c.writeSchedule(m.ID, m.Schedule, true)
}

// writeSchedule stores and registers spec. Create refuses an existing id;
// update refuses an unknown one.
func (c *connection) writeSchedule(requestID string, spec scheduleSpec, update bool) {
	scheduler := c.server.deps.Scheduler
	if scheduler == nil {
		c.sendError(requestID, CodeSchedule, "scheduler is disabled")
		return
	}
	ctx := observability.WithRequestID(c.ctx, requestID)
	exists, err := c.scheduleExists(ctx, spec.ID)
	if err != nil {
		c.sendError(requestID, CodeSchedule, err.Error())
		return
	}
	switch {
	case update && !exists:
		c.sendError(requestID, CodeNotFound, "unknown schedule "+spec.ID)
		return
	case !update && exists:
		c.sendError(requestID, CodeSchedule, "schedule "+spec.ID+" already exists")
		return
	}

	cfg := spec.config()
	if cfg.Kind == cron.KindHeartbeat && cfg.Checklist == "" {
		cfg.Checklist = c.server.config.HeartbeatChecklist
	}
	if cfg.Kind == cron.KindWorkflow {
		if err := c.checkWorkflow(cfg.WorkflowID); err != nil {
			c.sendError(requestID, codeFor(err, CodeSchedule), err.Error())
			return
		}
	}
	saved, err := scheduler.Upsert(ctx, cfg)
	if err != nil {
		c.sendError(requestID, CodeSchedule, err.Error())
		return
	}
	c.logger.Info("schedule saved", "schedule", saved.ID, "kind", saved.Kind, "cron", saved.CronExpr, "enabled", saved.Enabled)
	c.emit(scheduleUpdated{Type: KindScheduleUpdated, ID: requestID, ScheduleID: saved.ID, Schedule: saved})
}

func (c *connection) scheduleExists(ctx context.Context, id string) (bool, error) {
	list, err := c.server.deps.Scheduler.List(ctx)
	if err != nil {
		return false, err
	}
	id = strings.TrimSpace(id)
	for _, cfg := range list {
		if cfg.ID == id {
			return true, nil
		}
	}
	return false, nil
}

func (c *connection) checkWorkflow(id string) error {
	engine := c.server.deps.Workflows
	if engine == nil {
		return errors.New("workflows are disabled")
	}
	if _, ok := engine.Definitions().Get(id); !ok {
		return workflow.ErrWorkflowNotFound
	}
	return nil
}

func (c *connection) handleScheduleDelete(m *scheduleDelete) {
	scheduler := c.server.deps.Scheduler
	if scheduler == nil {
		c.sendError(m.ID, CodeSchedule, "scheduler is disabled")
		return
	}
	if err := scheduler.Remove(observability.WithRequestID(c.ctx, m.ID), m.ScheduleID); err != nil {
		c.sendError(m.ID, codeFor(err, CodeSchedule), err.Error())
		return
	}
	c.logger.Info("schedule deleted", "schedule", m.ScheduleID)
	c.emit(scheduleUpdated{Type: KindScheduleUpdated, ID: m.ID, ScheduleID: m.ScheduleID, Deleted: true})
}

func (c *connection) handleScheduleList(m *scheduleList) {
	scheduler := c.server.deps.Scheduler
	if scheduler == nil {
		c.sendError(m.ID, CodeSchedule, "scheduler is disabled")
		return
	}
	list, err := scheduler.List(observability.WithRequestID(c.ctx, m.ID))
	if err != nil {
		c.sendError(m.ID, CodeSchedule, err.Error())
		return
	}
	if list == nil {
		list = []*cron.ScheduleConfig{}
	}
	entries := scheduler.Entries()
	if entries == nil {
		entries = []cron.Entry{}
	}
	c.emit(scheduleListResult{Type: KindScheduleListResult, ID: m.ID, Schedules: list, Entries: entries})
}

func (c *connection) handleHeartbeatConfigure(m *heartbeatConfigure) {
	scheduler := c.server.deps.Scheduler
	if scheduler == nil {
		c.sendError(m.ID, CodeSchedule, "scheduler is disabled")
		return
	}
	checklist := m.Checklist
	if checklist == "" {
		checklist = c.server.config.HeartbeatChecklist
	}
	cfg := cron.ScheduleConfig{
		ID:          cron.HeartbeatScheduleID(m.Name),
		Name:        strings.TrimSpace(m.Name),
		Kind:        cron.KindHeartbeat,
		CronExpr:    m.Cron,
		Timezone:    m.Timezone,
		ActiveHours: m.ActiveHours,
		Checklist:   checklist,
		Enabled:     m.Enabled == nil || *m.Enabled,
	}
	ctx := observability.WithRequestID(c.ctx, m.ID)
	saved, err := scheduler.Upsert(ctx, cfg)
	if err != nil {
		c.sendError(m.ID, CodeSchedule, err.Error())
		return
	}
	c.logger.Info("heartbeat configured", "schedule", saved.ID, "cron", saved.CronExpr, "enabled", saved.Enabled)
	c.emit(scheduleUpdated{Type: KindScheduleUpdated, ID: m.ID, ScheduleID: saved.ID, Schedule: saved})

	if m.RunNow && saved.Enabled {
		id := saved.ID
		c.server.background(func(ctx context.Context) {
			if err := scheduler.RunNow(ctx, id); err != nil {
				c.logger.Warn("heartbeat run failed", "schedule", id, "error", err)
				c.sendError(m.ID, codeFor(err, CodeSchedule), err.Error())
			}
		})
	}
}
