package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/HiTek-Dev/tek/internal/heartbeat"
	"github.com/HiTek-Dev/tek/internal/observability"
)

// Fire outcomes recorded in metrics.
const (
	outcomeRan             = "ran"
	outcomeSkippedInactive = "skipped_inactive"
	outcomeSkippedOverlap  = "skipped_overlap"
	outcomeError           = "error"
)

var (
	// ErrOverlap is returned by RunNow when the previous fire of a
	// heartbeat schedule is still running.
	ErrOverlap = errors.New("previous run still in progress")
	// ErrNoWorkflowRunner is returned when a workflow schedule is added to a
	// scheduler built without WithWorkflowRunner.
	ErrNoWorkflowRunner = errors.New("no workflow runner configured")
)

// Scheduler fires schedules on a robfig/cron runner.
type Scheduler struct {
	cron    *cron.Cron
	store   Store
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
	now     func() time.Time

	runWorkflow Handler
	checker     heartbeat.Checker
	alert       heartbeat.AlertFunc

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	entries map[string]*scheduled
}

type scheduled struct {
	cfg      ScheduleConfig
	handler  Handler
	schedule cron.Schedule
	loc      *time.Location
	job      cron.Job
	entryID  cron.EntryID
	paused   bool
	manual   chan manualRun
}

type manualRun struct {
	ctx  context.Context
	done chan error
}

// Option configures the scheduler.
type Option func(*Scheduler)

// WithLogger configures the scheduler logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger.With("component", "cron")
		}
	}
}

// WithStore persists schedules and run counts.
func WithStore(store Store) Option {
	return func(s *Scheduler) { s.store = store }
}

func WithMetrics(metrics *observability.Metrics) Option {
	return func(s *Scheduler) { s.metrics = metrics }
}

func WithTracer(tracer *observability.Tracer) Option {
	return func(s *Scheduler) { s.tracer = tracer }
}

// WithClock overrides the clock used for active hours and timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithWorkflowRunner sets the handler used by workflow schedules.
func WithWorkflowRunner(run Handler) Option {
	return func(s *Scheduler) { s.runWorkflow = run }
}

// WithHeartbeat sets the checker and alert sink used when heartbeat
// schedules are rebuilt from the store.
func WithHeartbeat(checker heartbeat.Checker, alert heartbeat.AlertFunc) Option {
	return func(s *Scheduler) {
		s.checker = checker
		s.alert = alert
	}
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(opts ...Option) *Scheduler {
	s := &Scheduler{
		logger:  slog.Default().With("component", "cron"),
		now:     time.Now,
		entries: make(map[string]*scheduled),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.cron = cron.New(
		cron.WithParser(cronParser),
		cron.WithLogger(cronLogger{logger: s.logger}),
	)
	return s
}

// Start begins firing schedules.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started", "schedules", len(s.Entries()))
}

// Close stops the runner and waits for running fires, or for ctx.
func (s *Scheduler) Close(ctx context.Context) error {
	stopped := s.cron.Stop()
	s.cancel()
	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Schedule registers cfg with handler, replacing any schedule with the same
// id. A disabled config is registered paused.
func (s *Scheduler) Schedule(cfg ScheduleConfig, handler Handler) error {
	return s.add(cfg, handler)
}

// ScheduleWorkflow registers a workflow schedule.
func (s *Scheduler) ScheduleWorkflow(cfg ScheduleConfig) error {
	if cfg.Kind == "" {
		cfg.Kind = KindWorkflow
	}
	if cfg.Kind != KindWorkflow {
		return fmt.Errorf("schedule %q: kind %q is not a workflow schedule", cfg.ID, cfg.Kind)
	}
	if s.runWorkflow == nil {
		return ErrNoWorkflowRunner
	}
	return s.add(cfg, s.runWorkflow)
}

// ScheduleHeartbeat registers a heartbeat schedule. Items that need action
// are passed to alert. A fire is skipped while the previous one runs.
func (s *Scheduler) ScheduleHeartbeat(cfg ScheduleConfig, checker heartbeat.Checker, alert heartbeat.AlertFunc) error {
	if cfg.Kind == "" {
		cfg.Kind = KindHeartbeat
	}
	if cfg.Kind != KindHeartbeat {
		return fmt.Errorf("schedule %q: kind %q is not a heartbeat schedule", cfg.ID, cfg.Kind)
	}
	if checker == nil {
		return fmt.Errorf("schedule %q: heartbeat checker is required", cfg.ID)
	}
	return s.add(cfg, func(ctx context.Context, cfg ScheduleConfig) error {
		results, err := checker.Check(ctx, cfg.Checklist)
		if err != nil {
			return err
		}
		name := cfg.Name
		if name == "" {
			name = cfg.ID
		}
		for _, result := range results {
			if result.NeedsAction && alert != nil {
				alert(ctx, name, result)
			}
		}
		return nil
	})
}

func (s *Scheduler) add(cfg ScheduleConfig, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("schedule %q: handler is required", cfg.ID)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Exhausted() {
		return fmt.Errorf("schedule %q: run limit of %d reached", cfg.ID, cfg.MaxRuns)
	}
	schedule, err := parseSpec(cfg.CronExpr, cfg.Timezone)
	if err != nil {
		return err
	}
	loc, _ := resolveTimezone(cfg.Timezone)

	entry := &scheduled{
		cfg:      cfg,
		handler:  handler,
		schedule: schedule,
		loc:      loc,
		paused:   !cfg.Enabled,
		manual:   make(chan manualRun, 1),
	}
	entry.job = s.wrap(entry)

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.entries[cfg.ID]; ok && old.entryID != 0 {
		s.cron.Remove(old.entryID)
	}
	if !entry.paused {
		entry.entryID = s.cron.Schedule(schedule, entry.job)
	}
	s.entries[cfg.ID] = entry
	s.logger.Debug("schedule registered", "schedule", cfg.ID, "kind", cfg.Kind, "cron", cfg.CronExpr, "paused", entry.paused)
	return nil
}

// wrap builds the job robfig runs. A pending manual run is served by the
// same job so RunNow passes through the overlap guard.
func (s *Scheduler) wrap(entry *scheduled) cron.Job {
	id := entry.cfg.ID
	inner := cron.FuncJob(func() {
		select {
		case run := <-entry.manual:
			run.done <- s.fire(run.ctx, id, true)
		default:
			_ = s.fire(s.ctx, id, false)
		}
	})
	if entry.cfg.Kind != KindHeartbeat {
		return inner
	}
	guard := overlapLogger{
		cronLogger: cronLogger{logger: s.logger.With("schedule", id)},
		onSkip:     func() { s.metrics.RecordScheduleRun(string(KindHeartbeat), outcomeSkippedOverlap) },
	}
	return cron.NewChain(cron.SkipIfStillRunning(guard)).Then(inner)
}

// fire runs one schedule fire. Manual fires ignore active hours and do not
// count toward the run limit.
func (s *Scheduler) fire(ctx context.Context, id string, manual bool) error {
	s.mu.Lock()
	entry, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return ErrScheduleNotFound
	}
	cfg := entry.cfg
	handler := entry.handler
	loc := entry.loc
	s.mu.Unlock()
	kind := string(cfg.Kind)

	if !manual {
		active, err := cfg.ActiveHours.Contains(s.now(), loc)
		if err != nil {
			s.logger.Warn("active hours check failed", "schedule", id, "error", err)
			s.metrics.RecordScheduleRun(kind, outcomeError)
			return err
		}
		if !active {
			s.logger.Info("outside active hours, skipping", "schedule", id, "kind", kind)
			s.metrics.RecordScheduleRun(kind, outcomeSkippedInactive)
			return nil
		}
	}

	ctx, span := s.tracer.TraceScheduleFire(ctx, id, kind)
	defer span.End()

	start := s.now()
	err := handler(ctx, cfg)
	if err != nil {
		observability.RecordError(span, err)
		s.metrics.RecordScheduleRun(kind, outcomeError)
		s.logger.Error("schedule fire failed", "schedule", id, "kind", kind, "error", err)
	} else {
		s.metrics.RecordScheduleRun(kind, outcomeRan)
		s.logger.Info("schedule fired", "schedule", id, "kind", kind, "manual", manual, "duration", s.now().Sub(start))
	}
	if !manual {
		s.countRun(id)
	}
	return err
}

// countRun bumps the run count and stops the schedule at its limit.
func (s *Scheduler) countRun(id string) {
	s.mu.Lock()
	entry, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	entry.cfg.RunCount++
	entry.cfg.UpdatedAt = s.now()
	exhausted := entry.cfg.Exhausted()
	if exhausted {
		entry.cfg.Enabled = false
	}
	cfg := entry.cfg
	s.mu.Unlock()

	if s.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := s.store.Save(ctx, &cfg); err != nil {
			s.logger.Warn("failed to persist run count", "schedule", id, "error", err)
		}
		cancel()
	}
	if exhausted {
		s.logger.Info("schedule reached its run limit", "schedule", id, "max_runs", cfg.MaxRuns)
		_ = s.Stop(id)
	}
}

// RunNow fires a schedule immediately through its wrapped job and returns
// the handler's error. Heartbeats that are still running yield ErrOverlap.
func (s *Scheduler) RunNow(ctx context.Context, id string) error {
	s.mu.Lock()
	entry, ok := s.entries[id]
	s.mu.Unlock()
	if !ok {
		return ErrScheduleNotFound
	}

	run := manualRun{ctx: ctx, done: make(chan error, 1)}
	select {
	case entry.manual <- run:
	default:
		return ErrOverlap
	}
	entry.job.Run()

	select {
	case err := <-run.done:
		return err
	default:
	}
	select {
	case <-entry.manual:
		// the guard skipped the job before it picked up the request
		return ErrOverlap
	case err := <-run.done:
		// a concurrent scheduled fire served the request
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pause removes a schedule from the runner without forgetting it.
func (s *Scheduler) Pause(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[id]
	if !ok {
		return ErrScheduleNotFound
	}
	if entry.paused {
		return nil
	}
	s.cron.Remove(entry.entryID)
	entry.entryID = 0
	entry.paused = true
	s.logger.Info("schedule paused", "schedule", id)
	return nil
}

// Resume re-adds a paused schedule.
func (s *Scheduler) Resume(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[id]
	if !ok {
		return ErrScheduleNotFound
	}
	if !entry.paused {
		return nil
	}
	if entry.cfg.Exhausted() {
		return fmt.Errorf("schedule %q: run limit of %d reached", id, entry.cfg.MaxRuns)
	}
	entry.entryID = s.cron.Schedule(entry.schedule, entry.job)
	entry.paused = false
	s.logger.Info("schedule resumed", "schedule", id)
	return nil
}

// Stop removes a schedule from the scheduler.
func (s *Scheduler) Stop(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[id]
	if !ok {
		return ErrScheduleNotFound
	}
	if entry.entryID != 0 {
		s.cron.Remove(entry.entryID)
	}
	delete(s.entries, id)
	return nil
}

// StopAll removes every schedule.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, entry := range s.entries {
		if entry.entryID != 0 {
			s.cron.Remove(entry.entryID)
		}
		delete(s.entries, id)
	}
}

// Reload replaces all schedules with the enabled ones in the store.
// Schedules that fail to register are skipped and reported together.
func (s *Scheduler) Reload(ctx context.Context) error {
	if s.store == nil {
		return errors.New("cron: no store configured")
	}
	configs, err := s.store.ListEnabled(ctx)
	if err != nil {
		return fmt.Errorf("cron: load schedules: %w", err)
	}
	s.StopAll()

	var problems []error
	for _, cfg := range configs {
		if err := s.apply(*cfg); err != nil {
			s.logger.Warn("schedule skipped", "schedule", cfg.ID, "error", err)
			problems = append(problems, err)
		}
	}
	s.logger.Info("schedules loaded", "count", len(configs)-len(problems))
	return errors.Join(problems...)
}

func (s *Scheduler) apply(cfg ScheduleConfig) error {
	switch cfg.Kind {
	case KindWorkflow:
		return s.ScheduleWorkflow(cfg)
	case KindHeartbeat:
		return s.ScheduleHeartbeat(cfg, s.checker, s.alert)
	default:
		return fmt.Errorf("schedule %q: unknown kind %q", cfg.ID, cfg.Kind)
	}
}

// Upsert validates and stores cfg, then registers it. Run count and
// creation time of an existing schedule are kept.
func (s *Scheduler) Upsert(ctx context.Context, cfg ScheduleConfig) (*ScheduleConfig, error) {
	if s.store == nil {
		return nil, errors.New("cron: no store configured")
	}
	cfg.ID = strings.TrimSpace(cfg.ID)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	now := s.now()
	cfg.CreatedAt = now
	existing, err := s.store.Get(ctx, cfg.ID)
	switch {
	case err == nil:
		cfg.RunCount = existing.RunCount
		if !existing.CreatedAt.IsZero() {
			cfg.CreatedAt = existing.CreatedAt
		}
	case !errors.Is(err, ErrScheduleNotFound):
		return nil, err
	}
	cfg.UpdatedAt = now
	if cfg.Exhausted() {
		cfg.Enabled = false
	}
	if err := s.store.Save(ctx, &cfg); err != nil {
		return nil, err
	}

	if !cfg.Enabled {
		if err := s.Stop(cfg.ID); err != nil && !errors.Is(err, ErrScheduleNotFound) {
			return nil, err
		}
		return &cfg, nil
	}
	if err := s.apply(cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Remove deletes a schedule from the store and the runner.
func (s *Scheduler) Remove(ctx context.Context, id string) error {
	if s.store != nil {
		if err := s.store.Delete(ctx, id); err != nil {
			return err
		}
	}
	if err := s.Stop(id); err != nil && !errors.Is(err, ErrScheduleNotFound) {
		return err
	}
	return nil
}

// List returns all stored schedules, enabled or not.
func (s *Scheduler) List(ctx context.Context) ([]*ScheduleConfig, error) {
	if s.store == nil {
		return nil, errors.New("cron: no store configured")
	}
	return s.store.List(ctx)
}

// Entries returns a snapshot of registered schedules sorted by id.
func (s *Scheduler) Entries() []Entry {
	now := s.now()
	s.mu.Lock()
	out := make([]Entry, 0, len(s.entries))
	for id, entry := range s.entries {
		e := Entry{
			ID:       id,
			Name:     entry.cfg.Name,
			Kind:     entry.cfg.Kind,
			CronExpr: entry.cfg.CronExpr,
			Paused:   entry.paused,
			RunCount: entry.cfg.RunCount,
			MaxRuns:  entry.cfg.MaxRuns,
		}
		if !entry.paused {
			ce := s.cron.Entry(entry.entryID)
			e.Next, e.Prev = ce.Next, ce.Prev
			if e.Next.IsZero() {
				e.Next = entry.schedule.Next(now)
			}
		}
		out = append(out, e)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}

// overlapLogger observes SkipIfStillRunning, which logs "skip" when it
// drops a fire.
type overlapLogger struct {
	cronLogger
	onSkip func()
}

func (l overlapLogger) Info(msg string, keysAndValues ...any) {
	if msg == "skip" {
		l.logger.Info("previous heartbeat still running, skipping")
		if l.onSkip != nil {
			l.onSkip()
		}
		return
	}
	l.cronLogger.Info(msg, keysAndValues...)
}
