package cron

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/HiTek-Dev/tek/internal/heartbeat"
	"github.com/HiTek-Dev/tek/internal/observability"
)

// Wednesday 03:00 UTC.
var nightTime = time.Date(2026, 3, 4, 3, 0, 0, 0, time.UTC)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func newTestScheduler(t *testing.T, opts ...Option) (*Scheduler, *observability.Metrics) {
	t.Helper()
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	s := NewScheduler(append([]Option{WithMetrics(metrics), WithClock(fixedClock(nightTime))}, opts...)...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Close(ctx)
	})
	return s, metrics
}

// fireScheduled runs the registered job the way robfig would on a tick.
func fireScheduled(t *testing.T, s *Scheduler, id string) {
	t.Helper()
	s.mu.Lock()
	entry, ok := s.entries[id]
	s.mu.Unlock()
	if !ok {
		t.Fatalf("schedule %q not registered", id)
	}
	entry.job.Run()
}

func TestScheduler_ActiveHoursSkip(t *testing.T) {
	s, metrics := newTestScheduler(t)
	var calls atomic.Int32
	err := s.Schedule(ScheduleConfig{
		ID:          "office",
		Kind:        KindWorkflow,
		WorkflowID:  "digest",
		CronExpr:    "*/5 * * * *",
		Timezone:    "utc",
		ActiveHours: &ActiveHours{Start: "09:00", End: "17:00"},
		Enabled:     true,
	}, func(ctx context.Context, cfg ScheduleConfig) error {
		calls.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("Schedule() error = %v", err)
	}

	fireScheduled(t, s, "office")

	if calls.Load() != 0 {
		t.Fatalf("handler calls = %d, want 0", calls.Load())
	}
	if got := testutil.ToFloat64(metrics.ScheduleRuns.WithLabelValues("workflow", "skipped_inactive")); got != 1 {
		t.Errorf("skipped_inactive = %v, want 1", got)
	}

	// manual runs ignore the window
	if err := s.RunNow(context.Background(), "office"); err != nil {
		t.Fatalf("RunNow() error = %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("handler calls after RunNow = %d, want 1", calls.Load())
	}
}

type blockingChecker struct {
	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}
	results []heartbeat.Result
}

func (c *blockingChecker) Check(ctx context.Context, checklist string) ([]heartbeat.Result, error) {
	c.calls.Add(1)
	if c.entered != nil {
		c.entered <- struct{}{}
	}
	if c.release != nil {
		<-c.release
	}
	return c.results, nil
}

func TestScheduler_HeartbeatOverlapSkip(t *testing.T) {
	s, metrics := newTestScheduler(t)
	checker := &blockingChecker{entered: make(chan struct{}, 1), release: make(chan struct{})}
	cfg := ScheduleConfig{ID: "hb", Kind: KindHeartbeat, CronExpr: "@every 1m", Enabled: true}
	if err := s.ScheduleHeartbeat(cfg, checker, nil); err != nil {
		t.Fatalf("ScheduleHeartbeat() error = %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		fireScheduled(t, s, "hb")
	}()
	<-checker.entered

	// the second tick and a manual run both arrive while the first is busy
	fireScheduled(t, s, "hb")
	if err := s.RunNow(context.Background(), "hb"); !errors.Is(err, ErrOverlap) {
		t.Errorf("RunNow() error = %v, want ErrOverlap", err)
	}

	close(checker.release)
	wg.Wait()

	if checker.calls.Load() != 1 {
		t.Errorf("checker calls = %d, want 1", checker.calls.Load())
	}
	if got := testutil.ToFloat64(metrics.ScheduleRuns.WithLabelValues("heartbeat", "skipped_overlap")); got != 2 {
		t.Errorf("skipped_overlap = %v, want 2", got)
	}
	if got := testutil.ToFloat64(metrics.ScheduleRuns.WithLabelValues("heartbeat", "ran")); got != 1 {
		t.Errorf("ran = %v, want 1", got)
	}
}

func TestScheduler_HeartbeatAlerts(t *testing.T) {
	s, _ := newTestScheduler(t)
	checker := &blockingChecker{results: []heartbeat.Result{
		{Item: heartbeat.Item{Text: "disk"}},
		{Item: heartbeat.Item{Text: "build"}, NeedsAction: true, Message: "build failed"},
	}}
	var alerts []string
	alert := func(ctx context.Context, schedule string, result heartbeat.Result) {
		alerts = append(alerts, schedule+": "+result.Message)
	}
	cfg := ScheduleConfig{ID: "hb", Name: "work", Kind: KindHeartbeat, CronExpr: "@hourly", Enabled: true}
	if err := s.ScheduleHeartbeat(cfg, checker, alert); err != nil {
		t.Fatal(err)
	}
	if err := s.RunNow(context.Background(), "hb"); err != nil {
		t.Fatalf("RunNow() error = %v", err)
	}
	if len(alerts) != 1 || alerts[0] != "work: build failed" {
		t.Errorf("alerts = %v", alerts)
	}
}

func TestScheduler_MaxRuns(t *testing.T) {
	store := NewMemoryStore()
	s, _ := newTestScheduler(t, WithStore(store))
	var calls atomic.Int32
	handler := func(ctx context.Context, cfg ScheduleConfig) error {
		calls.Add(1)
		return nil
	}
	cfg := ScheduleConfig{ID: "twice", Kind: KindWorkflow, WorkflowID: "w", CronExpr: "@every 1h", MaxRuns: 2, Enabled: true}
	if err := store.Save(context.Background(), &cfg); err != nil {
		t.Fatal(err)
	}
	if err := s.Schedule(cfg, handler); err != nil {
		t.Fatal(err)
	}

	// manual runs are not counted
	if err := s.RunNow(context.Background(), "twice"); err != nil {
		t.Fatal(err)
	}
	fireScheduled(t, s, "twice")
	if len(s.Entries()) != 1 {
		t.Fatal("schedule stopped too early")
	}
	fireScheduled(t, s, "twice")

	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
	if len(s.Entries()) != 0 {
		t.Errorf("Entries() = %+v, want none after the run limit", s.Entries())
	}
	stored, err := store.Get(context.Background(), "twice")
	if err != nil {
		t.Fatal(err)
	}
	if stored.RunCount != 2 || stored.Enabled {
		t.Errorf("stored = %+v", stored)
	}
	if err := s.Schedule(*stored, handler); err == nil {
		t.Error("expected exhausted schedule to be rejected")
	}
}

func TestScheduler_HandlerErrorIsRecorded(t *testing.T) {
	s, metrics := newTestScheduler(t)
	boom := errors.New("boom")
	cfg := ScheduleConfig{ID: "w", Kind: KindWorkflow, WorkflowID: "w", CronExpr: "@daily", Enabled: true}
	if err := s.Schedule(cfg, func(ctx context.Context, cfg ScheduleConfig) error { return boom }); err != nil {
		t.Fatal(err)
	}
	if err := s.RunNow(context.Background(), "w"); !errors.Is(err, boom) {
		t.Errorf("RunNow() error = %v, want boom", err)
	}
	if got := testutil.ToFloat64(metrics.ScheduleRuns.WithLabelValues("workflow", "error")); got != 1 {
		t.Errorf("error outcome = %v, want 1", got)
	}
	if err := s.RunNow(context.Background(), "missing"); !errors.Is(err, ErrScheduleNotFound) {
		t.Errorf("RunNow(missing) error = %v", err)
	}
}

func TestScheduler_PauseResume(t *testing.T) {
	s, _ := newTestScheduler(t)
	noop := func(ctx context.Context, cfg ScheduleConfig) error { return nil }
	cfg := ScheduleConfig{ID: "w", Kind: KindWorkflow, WorkflowID: "w", CronExpr: "0 9 * * *", Timezone: "utc", Enabled: true}
	if err := s.Schedule(cfg, noop); err != nil {
		t.Fatal(err)
	}

	entries := s.Entries()
	if len(entries) != 1 || entries[0].Paused {
		t.Fatalf("Entries() = %+v", entries)
	}
	if want := time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC); !entries[0].Next.Equal(want) {
		t.Errorf("Next = %v, want %v", entries[0].Next, want)
	}

	if err := s.Pause("w"); err != nil {
		t.Fatal(err)
	}
	entries = s.Entries()
	if !entries[0].Paused || !entries[0].Next.IsZero() {
		t.Errorf("paused entry = %+v", entries[0])
	}
	if err := s.Resume("w"); err != nil {
		t.Fatal(err)
	}
	if s.Entries()[0].Paused {
		t.Error("entry still paused after Resume")
	}
	if err := s.Pause("nope"); !errors.Is(err, ErrScheduleNotFound) {
		t.Errorf("Pause(nope) error = %v", err)
	}

	s.StopAll()
	if len(s.Entries()) != 0 {
		t.Error("StopAll left entries behind")
	}
}

func TestScheduler_ReloadAndUpsert(t *testing.T) {
	store := newSQLStore(t)
	ctx := context.Background()
	var ran []string
	var mu sync.Mutex
	runner := func(ctx context.Context, cfg ScheduleConfig) error {
		mu.Lock()
		ran = append(ran, cfg.WorkflowID)
		mu.Unlock()
		return nil
	}
	s, _ := newTestScheduler(t,
		WithStore(store),
		WithWorkflowRunner(runner),
		WithHeartbeat(&blockingChecker{}, nil),
	)

	for _, cfg := range []ScheduleConfig{
		{ID: "a", Name: "digest", Kind: KindWorkflow, WorkflowID: "digest", CronExpr: "@daily", Enabled: true},
		{ID: "b", Name: "hb", Kind: KindHeartbeat, CronExpr: "*/30 * * * *", Checklist: "HEARTBEAT.md", Enabled: true},
		{ID: "c", Name: "off", Kind: KindWorkflow, WorkflowID: "off", CronExpr: "@daily", Enabled: false},
	} {
		cfg := cfg
		if err := store.Save(ctx, &cfg); err != nil {
			t.Fatal(err)
		}
	}

	if err := s.Reload(ctx); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	entries := s.Entries()
	if len(entries) != 2 || entries[0].ID != "a" || entries[1].Kind != KindHeartbeat {
		t.Fatalf("Entries() = %+v", entries)
	}

	if err := s.RunNow(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if len(ran) != 1 || ran[0] != "digest" {
		t.Errorf("ran = %v", ran)
	}

	// Upsert keeps the stored run count and can disable a schedule.
	fireScheduled(t, s, "a")
	updated, err := s.Upsert(ctx, ScheduleConfig{ID: "a", Name: "digest", Kind: KindWorkflow, WorkflowID: "digest", CronExpr: "@hourly", Enabled: false})
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if updated.RunCount != 1 || updated.CreatedAt.IsZero() {
		t.Errorf("updated = %+v", updated)
	}
	if len(s.Entries()) != 1 {
		t.Errorf("disabled schedule still registered: %+v", s.Entries())
	}

	if _, err := s.Upsert(ctx, ScheduleConfig{ID: "bad", Kind: KindWorkflow, CronExpr: "@daily"}); err == nil {
		t.Error("Upsert accepted a workflow schedule without a workflow id")
	}

	if err := s.Remove(ctx, "b"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if len(s.Entries()) != 0 {
		t.Errorf("Entries() after Remove = %+v", s.Entries())
	}
	if err := s.Remove(ctx, "b"); !errors.Is(err, ErrScheduleNotFound) {
		t.Errorf("Remove(again) error = %v", err)
	}
	all, err := s.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Errorf("List() = %d schedules, want 2", len(all))
	}
}

func TestScheduler_WorkflowWithoutRunner(t *testing.T) {
	s, _ := newTestScheduler(t)
	err := s.ScheduleWorkflow(ScheduleConfig{ID: "w", WorkflowID: "w", CronExpr: "@daily", Enabled: true})
	if !errors.Is(err, ErrNoWorkflowRunner) {
		t.Errorf("ScheduleWorkflow() error = %v, want ErrNoWorkflowRunner", err)
	}
}
