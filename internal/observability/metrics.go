package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the runtime's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	// Connections is the number of open WebSocket connections.
	Connections prometheus.Gauge

	// InboundMessages counts protocol messages by kind and outcome
	// (ok|invalid|error).
	InboundMessages *prometheus.CounterVec

	// Turns counts agent turns by status (completed|error|cancelled).
	Turns *prometheus.CounterVec

	// LLMRequestDuration measures model stream latency in seconds.
	LLMRequestDuration *prometheus.HistogramVec

	// LLMTokens tracks token consumption by provider, model and type (input|output).
	LLMTokens *prometheus.CounterVec

	// ToolExecutions counts tool invocations by tool and status
	// (success|error|denied).
	ToolExecutions *prometheus.CounterVec

	// Approvals counts approval outcomes (approved|denied|timeout).
	Approvals *prometheus.CounterVec

	// FailurePatterns counts detected stuck-loop patterns.
	FailurePatterns *prometheus.CounterVec

	// RoutingDecisions counts routed tiers and whether a fallback hop happened.
	RoutingDecisions *prometheus.CounterVec

	// WorkflowExecutions counts workflow executions reaching a status.
	WorkflowExecutions *prometheus.CounterVec

	// WorkflowStepDuration measures step execution time by action kind.
	WorkflowStepDuration *prometheus.HistogramVec

	// ScheduleRuns counts scheduler fires by kind and outcome
	// (ran|skipped_inactive|skipped_overlap|error).
	ScheduleRuns *prometheus.CounterVec

	// MemoryFlushes counts memory pressure flushes by outcome (ok, error or skipped).
	MemoryFlushes *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Connections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tek_ws_connections",
			Help: "Number of open WebSocket connections",
		}),
		InboundMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tek_inbound_messages_total",
			Help: "Inbound protocol messages by kind and outcome",
		}, []string{"kind", "outcome"}),
		Turns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tek_agent_turns_total",
			Help: "Agent turns by terminal status",
		}, []string{"status"}),
		LLMRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tek_llm_request_duration_seconds",
			Help:    "Duration of model requests in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider", "model"}),
		LLMTokens: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tek_llm_tokens_total",
			Help: "Tokens used by provider, model and type",
		}, []string{"provider", "model", "type"}),
		ToolExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tek_tool_executions_total",
			Help: "Tool executions by tool and status",
		}, []string{"tool", "status"}),
		Approvals: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tek_approvals_total",
			Help: "Tool approval outcomes",
		}, []string{"outcome"}),
		FailurePatterns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tek_failure_patterns_total",
			Help: "Detected agent failure patterns",
		}, []string{"pattern"}),
		RoutingDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tek_routing_decisions_total",
			Help: "Routing decisions by tier and fallback",
		}, []string{"tier", "fallback"}),
		WorkflowExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tek_workflow_executions_total",
			Help: "Workflow executions by status reached",
		}, []string{"status"}),
		WorkflowStepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tek_workflow_step_duration_seconds",
			Help:    "Workflow step execution time in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"action"}),
		ScheduleRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tek_schedule_runs_total",
			Help: "Scheduler fires by kind and outcome",
		}, []string{"kind", "outcome"}),
		MemoryFlushes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tek_memory_flushes_total",
			Help: "Memory pressure flushes by outcome",
		}, []string{"outcome"}),
	}
}

// ConnectionOpened increments the open connection gauge.
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.Connections.Inc()
}

// ConnectionClosed decrements the open connection gauge.
func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.Connections.Dec()
}

// InboundMessage records one inbound protocol message.
func (m *Metrics) InboundMessage(kind, outcome string) {
	if m == nil {
		return
	}
	m.InboundMessages.WithLabelValues(kind, outcome).Inc()
}

// TurnFinished records a finished agent turn.
func (m *Metrics) TurnFinished(status string) {
	if m == nil {
		return
	}
	m.Turns.WithLabelValues(status).Inc()
}

// RecordLLMRequest records latency and token usage of one model call.
func (m *Metrics) RecordLLMRequest(provider, model string, durationSeconds float64, inputTokens, outputTokens int) {
	if m == nil {
		return
	}
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if inputTokens > 0 {
		m.LLMTokens.WithLabelValues(provider, model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.LLMTokens.WithLabelValues(provider, model, "output").Add(float64(outputTokens))
	}
}

// RecordToolExecution records one tool call outcome.
func (m *Metrics) RecordToolExecution(tool, status string) {
	if m == nil {
		return
	}
	m.ToolExecutions.WithLabelValues(tool, status).Inc()
}

// RecordApproval records an approval outcome.
func (m *Metrics) RecordApproval(outcome string) {
	if m == nil {
		return
	}
	m.Approvals.WithLabelValues(outcome).Inc()
}

// RecordFailurePattern records a detected failure pattern.
func (m *Metrics) RecordFailurePattern(pattern string) {
	if m == nil {
		return
	}
	m.FailurePatterns.WithLabelValues(pattern).Inc()
}

// RecordRouting records a routing decision.
func (m *Metrics) RecordRouting(tier string, fallback bool) {
	if m == nil {
		return
	}
	label := "false"
	if fallback {
		label = "true"
	}
	m.RoutingDecisions.WithLabelValues(tier, label).Inc()
}

// RecordWorkflowStatus records a workflow execution reaching status.
func (m *Metrics) RecordWorkflowStatus(status string) {
	if m == nil {
		return
	}
	m.WorkflowExecutions.WithLabelValues(status).Inc()
}

// ObserveWorkflowStep records a step duration.
func (m *Metrics) ObserveWorkflowStep(action string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.WorkflowStepDuration.WithLabelValues(action).Observe(durationSeconds)
}

// RecordScheduleRun records a scheduler fire.
func (m *Metrics) RecordScheduleRun(kind, outcome string) {
	if m == nil {
		return
	}
	m.ScheduleRuns.WithLabelValues(kind, outcome).Inc()
}

// RecordMemoryFlush records a memory flush outcome.
func (m *Metrics) RecordMemoryFlush(outcome string) {
	if m == nil {
		return
	}
	m.MemoryFlushes.WithLabelValues(outcome).Inc()
}
