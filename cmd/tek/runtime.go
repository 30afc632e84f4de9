package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/HiTek-Dev/tek/internal/agent"
	agentctx "github.com/HiTek-Dev/tek/internal/agent/context"
	"github.com/HiTek-Dev/tek/internal/agent/providers"
	"github.com/HiTek-Dev/tek/internal/agent/routing"
	"github.com/HiTek-Dev/tek/internal/config"
	"github.com/HiTek-Dev/tek/internal/cron"
	"github.com/HiTek-Dev/tek/internal/gateway"
	"github.com/HiTek-Dev/tek/internal/heartbeat"
	"github.com/HiTek-Dev/tek/internal/memory"
	"github.com/HiTek-Dev/tek/internal/observability"
	"github.com/HiTek-Dev/tek/internal/sessions"
	"github.com/HiTek-Dev/tek/internal/storage"
	"github.com/HiTek-Dev/tek/internal/tools"
	"github.com/HiTek-Dev/tek/internal/usage"
	"github.com/HiTek-Dev/tek/internal/workflow"
)

// runtime holds every long-lived component of a tek process. The serve
// command uses all of it; one-shot commands use the stores and engines.
type runtime struct {
	cfg    *config.Config
	logger *slog.Logger

	db            *sql.DB
	registry      *prometheus.Registry
	metrics       *observability.Metrics
	tracer        *observability.Tracer
	traceShutdown func(context.Context) error

	sessions  sessions.Store
	providers *providers.Registry
	router    *routing.Router
	pricing   usage.Pricing
	flushLog  *memory.FlushLog
	assembler *agentctx.Assembler
	detector  *agentctx.Detector
	loop      *agent.Loop
	usage     *usage.Tracker

	workflows *workflow.Registry
	engine    *workflow.Engine
	heartbeat *heartbeat.Runner
	scheduler *cron.Scheduler

	// alert forwards heartbeat results once the gateway exists.
	alert heartbeat.AlertFunc
}

func newRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*runtime, error) {
	rt := &runtime{cfg: cfg, logger: logger}

	rt.registry = prometheus.NewRegistry()
	rt.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if cfg.Observability.Metrics.Enabled {
		rt.metrics = observability.NewMetrics(rt.registry)
	}

	tracing := cfg.Observability.Tracing
	if tracing.Enabled {
		tracer, shutdown, err := observability.NewTracer(observability.TraceConfig{
			ServiceName:    tracing.ServiceName,
			ServiceVersion: version,
			Endpoint:       tracing.Endpoint,
			SamplingRate:   tracing.SamplingRate,
			Attributes:     tracing.Attributes,
			Insecure:       tracing.Insecure,
		})
		if err != nil {
			return nil, fmt.Errorf("init tracing: %w", err)
		}
		rt.tracer = tracer
		rt.traceShutdown = shutdown
	}

	db, err := storage.OpenSQLite(ctx, storage.SQLiteConfig{Path: cfg.Database.Path})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	rt.db = db
	rt.sessions = sessions.NewSQLStore(db)
	rt.pricing = pricingFromConfig(cfg)
	rt.usage = usage.NewTracker(usage.NewSQLStore(db), rt.pricing, logger)

	rt.providers = providers.NewRegistryFromConfig(cfg, logger)
	if len(rt.providers.Names()) == 0 {
		logger.Warn("no LLM providers configured; chat and model steps will fail")
	}
	rt.router = routing.NewRouter(routingConfig(cfg), rt.providers,
		routing.WithLogger(logger),
		routing.WithMetrics(rt.metrics),
	)

	workspace := cfg.Workspace
	rt.flushLog = memory.NewFlushLog(filepath.Join(workspace.Dir, "memory"))
	rt.assembler = agentctx.NewAssembler(
		agentctx.AssemblerConfig{SystemPrompt: cfg.Context.SystemPrompt, Pack: agentctx.DefaultPackOptions()},
		agentctx.WithIdentity(memory.FileSource{Path: cfg.WorkspacePath(workspace.IdentityFile)}),
		agentctx.WithMemory(memory.FileSource{Path: cfg.WorkspacePath(workspace.MemoryFile)}),
		agentctx.WithActivity(memory.ActivitySource{Log: rt.flushLog, Days: workspace.ActivityDays, MaxLines: 40}),
		agentctx.WithPricing(rt.pricing),
		agentctx.WithLogger(logger),
	)
	rt.detector = agentctx.NewDetector(cfg.Context.ContextWindow, cfg.Context.FlushThreshold,
		agentctx.WithDetectorLogger(logger),
		agentctx.WithDetectorMetrics(rt.metrics),
	)
	rt.loop = agent.NewLoop(agent.LoopConfig{
		MaxSteps:        cfg.Agent.MaxSteps,
		MaxTokens:       cfg.Agent.MaxTokens,
		ApprovalTimeout: cfg.Server.ApprovalTimeout,
	},
		agent.WithLogger(logger),
		agent.WithMetrics(rt.metrics),
		agent.WithTracer(rt.tracer),
		agent.WithPricing(rt.pricing),
	)

	rt.workflows = workflow.NewRegistry(cfg.Workflows.Dir, logger)
	if err := rt.workflows.Load(ctx); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("load workflows: %w", err)
	}
	executor := workflow.NewExecutor(workflow.ExecutorConfig{
		DefaultModel: cfg.Routing.DefaultModel,
		MaxTokens:    cfg.Agent.MaxTokens,
		ValidateArgs: true,
	}, rt.providers, logger)
	rt.engine = workflow.NewEngine(workflow.NewSQLStore(db), executor, rt.workflows,
		workflow.WithLogger(logger),
		workflow.WithMetrics(rt.metrics),
		workflow.WithTracer(rt.tracer),
	)

	rt.heartbeat = heartbeat.NewRunner(heartbeat.RunnerConfig{
		Model:        cfg.Routing.Tiers[string(routing.TierBudget)],
		WorkspaceDir: workspace.Dir,
	}, rt.providers, logger)
	rt.scheduler = cron.NewScheduler(
		cron.WithLogger(logger),
		cron.WithStore(cron.NewSQLStore(db)),
		cron.WithMetrics(rt.metrics),
		cron.WithTracer(rt.tracer),
		cron.WithWorkflowRunner(rt.runScheduledWorkflow),
		cron.WithHeartbeat(rt.heartbeat, rt.forwardAlert),
	)
	return rt, nil
}

// newTools builds the tool registry handed to each connection and workflow.
func (rt *runtime) newTools() *agent.ToolRegistry {
	return tools.NewRegistry(rt.cfg.Tools, rt.cfg.Workspace.Dir)
}

func (rt *runtime) runScheduledWorkflow(ctx context.Context, cfg cron.ScheduleConfig) error {
	def, ok := rt.workflows.Get(cfg.WorkflowID)
	if !ok {
		return fmt.Errorf("schedule %s: %w", cfg.ID, workflow.ErrWorkflowNotFound)
	}
	exec, err := rt.engine.Execute(ctx, def, workflow.TriggerCron, rt.newTools())
	if err != nil {
		return err
	}
	if exec.Status == workflow.StatusFailed {
		return fmt.Errorf("workflow %s failed: %s", def.ID, exec.Error)
	}
	return nil
}

func (rt *runtime) forwardAlert(ctx context.Context, schedule string, result heartbeat.Result) {
	if rt.alert == nil {
		rt.logger.Warn("heartbeat alert with no listener", "schedule", schedule, "item", result.Item.Text)
		return
	}
	rt.alert(ctx, schedule, result)
}

// syncHeartbeats stores the configured heartbeat schedules. Schedules added
// over the protocol are left alone.
func (rt *runtime) syncHeartbeats(ctx context.Context) error {
	var errs []error
	for _, hb := range rt.cfg.Heartbeat.Schedules {
		sc := cron.ScheduleConfig{
			ID:        cron.HeartbeatScheduleID(hb.Name),
			Name:      strings.TrimSpace(hb.Name),
			Kind:      cron.KindHeartbeat,
			CronExpr:  hb.Cron,
			Timezone:  hb.Timezone,
			Checklist: hb.Checklist,
			Enabled:   hb.IsEnabled(),
		}
		if hb.ActiveHours != nil {
			sc.ActiveHours = &cron.ActiveHours{
				Start: hb.ActiveHours.Start,
				End:   hb.ActiveHours.End,
				Days:  hb.ActiveHours.Days,
			}
		}
		if _, err := rt.scheduler.Upsert(ctx, sc); err != nil {
			errs = append(errs, fmt.Errorf("heartbeat %s: %w", hb.Name, err))
		}
	}
	return errors.Join(errs...)
}

func (rt *runtime) gatewayConfig() gateway.Config {
	return gateway.Config{
		Addr:               rt.cfg.Server.Addr(),
		RoutingMode:        rt.cfg.Routing.Mode,
		DefaultModel:       rt.cfg.Routing.DefaultModel,
		Approval:           rt.cfg.Agent.Approval,
		ToolApprovals:      rt.cfg.Agent.ToolApprovals,
		Preflight:          rt.cfg.Agent.Preflight,
		HeartbeatChecklist: rt.cfg.Heartbeat.Checklist,
	}
}

func (rt *runtime) gatewayDependencies() gateway.Dependencies {
	return gateway.Dependencies{
		Sessions:  rt.sessions,
		Models:    rt.providers,
		Router:    rt.router,
		Assembler: rt.assembler,
		Pressure:  rt.detector,
		FlushLog:  rt.flushLog,
		Loop:      rt.loop,
		Usage:     rt.usage,
		Workflows: rt.engine,
		Scheduler: rt.scheduler,
		Tools:     rt.newTools,
		Gatherer:  rt.registry,
	}
}

// Close releases the database and flushes traces.
func (rt *runtime) Close(ctx context.Context) {
	if rt.workflows != nil {
		if err := rt.workflows.Close(); err != nil {
			rt.logger.Warn("close workflow registry", "error", err)
		}
	}
	if rt.traceShutdown != nil {
		if err := rt.traceShutdown(ctx); err != nil {
			rt.logger.Warn("flush traces", "error", err)
		}
	}
	if rt.db != nil {
		if err := rt.db.Close(); err != nil {
			rt.logger.Warn("close database", "error", err)
		}
	}
}

func routingConfig(cfg *config.Config) routing.Config {
	tiers := make(map[routing.Tier]string, len(cfg.Routing.Tiers))
	for tier, ref := range cfg.Routing.Tiers {
		tiers[routing.Tier(tier)] = ref
	}
	return routing.Config{
		Tiers: tiers,
		Rules: routing.DefaultRules(cfg.Routing.HighKeywords, cfg.Routing.BudgetKeywords),
	}
}

// pricingFromConfig layers configured prices over the built-in list.
func pricingFromConfig(cfg *config.Config) usage.Pricing {
	pricing := usage.DefaultPricing()
	for model, price := range cfg.Context.Pricing {
		pricing[model] = usage.Cost{Input: price.Input, Output: price.Output}
	}
	return pricing
}
