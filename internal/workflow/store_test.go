package workflow

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/HiTek-Dev/tek/internal/agent"
	"github.com/HiTek-Dev/tek/internal/storage"
)

func newSQLStore(t *testing.T) *SQLStore {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), storage.SQLiteConfig{
		Path: filepath.Join(t.TempDir(), "tek.db"),
	})
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewSQLStore(db)
}

func TestSQLStore_RoundTrip(t *testing.T) {
	store := newSQLStore(t)
	ctx := context.Background()
	created := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

	exec := &Execution{
		ID:            "exec-1",
		WorkflowID:    "nightly",
		Status:        StatusPaused,
		CurrentStepID: "approve",
		StepResults: map[string]*StepResult{
			"fetch":   {Status: StepSuccess, Output: map[string]any{"status": float64(200)}, CompletedAt: created},
			"approve": {Status: StepPaused, CompletedAt: created},
		},
		Trigger:   TriggerCron,
		CreatedAt: created,
		UpdatedAt: created,
	}
	if err := store.Save(ctx, exec); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := store.Get(ctx, "exec-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != StatusPaused || got.CurrentStepID != "approve" || got.Trigger != TriggerCron {
		t.Errorf("got = %+v", got)
	}
	if !got.CreatedAt.Equal(created) {
		t.Errorf("CreatedAt = %v", got.CreatedAt)
	}
	out, _ := got.StepResults["fetch"].Output.(map[string]any)
	if out["status"] != float64(200) {
		t.Errorf("fetch output = %#v", got.StepResults["fetch"].Output)
	}
	if got.CompletedAt != nil {
		t.Errorf("CompletedAt = %v, want nil", got.CompletedAt)
	}

	done := created.Add(time.Minute)
	exec.Status = StatusFailed
	exec.Error = "cancelled"
	exec.CompletedAt = &done
	exec.UpdatedAt = done
	if err := store.Save(ctx, exec); err != nil {
		t.Fatalf("Save(update) error = %v", err)
	}
	got, err = store.Get(ctx, "exec-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusFailed || got.Error != "cancelled" || got.CompletedAt == nil || !got.CompletedAt.Equal(done) {
		t.Errorf("updated = %+v", got)
	}

	if _, err := store.Get(ctx, "nope"); !errors.Is(err, ErrExecutionNotFound) {
		t.Errorf("Get(nope) error = %v, want ErrExecutionNotFound", err)
	}
}

func TestSQLStore_ListByStatus(t *testing.T) {
	store := newSQLStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i, status := range []Status{StatusCompleted, StatusPaused, StatusPaused, StatusRunning} {
		exec := &Execution{
			ID:          string(rune('a' + i)),
			WorkflowID:  "w",
			Status:      status,
			StepResults: map[string]*StepResult{},
			Trigger:     TriggerManual,
			CreatedAt:   base.Add(time.Duration(i) * time.Hour),
			UpdatedAt:   base,
		}
		if err := store.Save(ctx, exec); err != nil {
			t.Fatal(err)
		}
	}

	paused, err := store.ListByStatus(ctx, StatusPaused, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(paused) != 2 || paused[0].ID != "c" || paused[1].ID != "b" {
		t.Errorf("paused = %v", ids(paused))
	}

	all, err := store.ListByStatus(ctx, "", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].ID != "d" {
		t.Errorf("all = %v", ids(all))
	}
}

func TestSQLStore_EngineIntegration(t *testing.T) {
	store := newSQLStore(t)
	def := &Definition{ID: "gate", Steps: []Step{
		{ID: "prepare", Action: ActionNoop},
		{ID: "approve", Action: ActionNoop, ApprovalRequired: true},
	}}
	engine := NewEngine(store, nil, staticDefs{"gate": def})

	exec, err := engine.Execute(context.Background(), def, TriggerManual, agent.NewToolRegistry())
	if err != nil {
		t.Fatal(err)
	}

	// a fresh engine over the same database resumes from durable state
	restarted := NewEngine(store, nil, staticDefs{"gate": def})
	resumed, err := restarted.Resume(context.Background(), exec.ID, nil)
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if resumed.Status != StatusCompleted {
		t.Fatalf("status = %s (%s)", resumed.Status, resumed.Error)
	}
	if resumed.StepResults["prepare"].Status != StepSuccess {
		t.Errorf("prepare = %+v", resumed.StepResults["prepare"])
	}
}

func TestSQLStore_SaveError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("INSERT INTO workflow_executions").
		WithArgs("e1", "w", "running", sqlmock.AnyArg(), "{}", "manual",
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnError(errors.New("database is locked"))

	store := NewSQLStore(db)
	err = store.Save(context.Background(), &Execution{ID: "e1", WorkflowID: "w", Status: StatusRunning, Trigger: TriggerManual})
	if err == nil {
		t.Fatal("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSQLStore_GetDecodesRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	defer db.Close()

	rows := sqlmock.NewRows([]string{"id", "workflow_id", "status", "current_step_id", "step_results",
		"trigger_source", "error", "created_at", "updated_at", "completed_at"}).
		AddRow("e1", "w", "completed", nil, `{"a":{"status":"success","output":"hi","completed_at":"2026-03-01T00:00:00Z"}}`,
			"heartbeat", nil, "2026-03-01T00:00:00.000000000Z", "2026-03-01T00:01:00.000000000Z", "2026-03-01T00:01:00.000000000Z")
	mock.ExpectQuery("SELECT (.+) FROM workflow_executions WHERE id = ?").
		WithArgs("e1").
		WillReturnRows(rows)

	exec, err := NewSQLStore(db).Get(context.Background(), "e1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if exec.Trigger != TriggerHeartbeat || exec.StepResults["a"].Output != "hi" || exec.CompletedAt == nil {
		t.Errorf("exec = %+v", exec)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestMemoryStore_IsolatesCopies(t *testing.T) {
	store := NewMemoryStore()
	exec := &Execution{ID: "x", Status: StatusRunning, StepResults: map[string]*StepResult{
		"a": {Status: StepSuccess},
	}}
	if err := store.Save(context.Background(), exec); err != nil {
		t.Fatal(err)
	}
	exec.StepResults["a"].Status = StepFailure
	exec.StepResults["b"] = &StepResult{}

	got, _ := store.Get(context.Background(), "x")
	if got.StepResults["a"].Status != StepSuccess || len(got.StepResults) != 1 {
		t.Errorf("store shares state with caller: %+v", got.StepResults)
	}
}

func ids(execs []*Execution) []string {
	out := make([]string, len(execs))
	for i, e := range execs {
		out[i] = e.ID
	}
	return out
}
