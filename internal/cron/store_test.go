package cron

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

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
	created := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	cfg := &ScheduleConfig{
		ID:          "hb-work",
		Name:        "work hours",
		Kind:        KindHeartbeat,
		CronExpr:    "*/30 * * * *",
		Timezone:    "Europe/Berlin",
		MaxRuns:     10,
		RunCount:    3,
		ActiveHours: &ActiveHours{Start: "09:00", End: "18:00", Days: []int{1, 2, 3, 4, 5}},
		Checklist:   "HEARTBEAT.md",
		Enabled:     true,
		CreatedAt:   created,
		UpdatedAt:   created,
	}
	if err := store.Save(ctx, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := store.Get(ctx, "hb-work")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Kind != KindHeartbeat || got.Timezone != "Europe/Berlin" || got.RunCount != 3 || !got.Enabled {
		t.Errorf("got = %+v", got)
	}
	if got.ActiveHours == nil || got.ActiveHours.End != "18:00" || len(got.ActiveHours.Days) != 5 {
		t.Errorf("active hours = %+v", got.ActiveHours)
	}
	if !got.CreatedAt.Equal(created) {
		t.Errorf("CreatedAt = %v", got.CreatedAt)
	}

	cfg.Enabled = false
	cfg.ActiveHours = nil
	if err := store.Save(ctx, cfg); err != nil {
		t.Fatal(err)
	}
	got, _ = store.Get(ctx, "hb-work")
	if got.Enabled || got.ActiveHours != nil {
		t.Errorf("after update = %+v", got)
	}

	enabled, err := store.ListEnabled(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(enabled) != 0 {
		t.Errorf("ListEnabled() = %d", len(enabled))
	}

	if err := store.Delete(ctx, "hb-work"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Get(ctx, "hb-work"); !errors.Is(err, ErrScheduleNotFound) {
		t.Errorf("Get() after delete error = %v", err)
	}
}

func TestSQLStore_DeleteMissing(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("DELETE FROM schedules WHERE id = ?").
		WithArgs("ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := NewSQLStore(db).Delete(context.Background(), "ghost"); !errors.Is(err, ErrScheduleNotFound) {
		t.Errorf("Delete() error = %v, want ErrScheduleNotFound", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSQLStore_ListEnabledDecodesRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	defer db.Close()

	rows := sqlmock.NewRows([]string{"id", "name", "kind", "cron_expr", "timezone", "max_runs", "run_count",
		"active_hours", "workflow_id", "checklist", "enabled", "created_at", "updated_at"}).
		AddRow("nightly", "nightly report", "workflow", "0 2 * * *", nil, 0, 12,
			nil, "report", nil, 1, "2026-03-01T00:00:00.000000000Z", "2026-03-02T00:00:00.000000000Z").
		AddRow("hb", "hb", "heartbeat", "@every 30m", "utc", 0, 0,
			`{"start":"22:00","end":"06:00"}`, nil, "HEARTBEAT.md", 1, "2026-03-01T00:00:00.000000000Z", "2026-03-01T00:00:00.000000000Z")
	mock.ExpectQuery("SELECT (.+) FROM schedules WHERE enabled = 1").WillReturnRows(rows)

	got, err := NewSQLStore(db).ListEnabled(context.Background())
	if err != nil {
		t.Fatalf("ListEnabled() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d schedules", len(got))
	}
	if got[0].WorkflowID != "report" || got[0].RunCount != 12 || got[0].Timezone != "" {
		t.Errorf("got[0] = %+v", got[0])
	}
	if got[1].ActiveHours == nil || got[1].ActiveHours.Start != "22:00" || got[1].Checklist != "HEARTBEAT.md" {
		t.Errorf("got[1] = %+v", got[1])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	hours := &ActiveHours{Start: "09:00", End: "17:00", Days: []int{1}}
	cfg := &ScheduleConfig{ID: "b", Kind: KindHeartbeat, CronExpr: "@hourly", ActiveHours: hours, Enabled: true}
	if err := store.Save(ctx, cfg); err != nil {
		t.Fatal(err)
	}
	if err := store.Save(ctx, &ScheduleConfig{ID: "a", Kind: KindHeartbeat, CronExpr: "@hourly"}); err != nil {
		t.Fatal(err)
	}
	hours.Days[0] = 6

	got, err := store.Get(ctx, "b")
	if err != nil {
		t.Fatal(err)
	}
	if got.ActiveHours.Days[0] != 1 {
		t.Error("store shares active hours with caller")
	}

	all, _ := store.List(ctx)
	if len(all) != 2 || all[0].ID != "a" {
		t.Errorf("List() = %+v", all)
	}
	enabled, _ := store.ListEnabled(ctx)
	if len(enabled) != 1 || enabled[0].ID != "b" {
		t.Errorf("ListEnabled() = %+v", enabled)
	}
	if err := store.Delete(ctx, "zzz"); !errors.Is(err, ErrScheduleNotFound) {
		t.Errorf("Delete(zzz) error = %v", err)
	}
}
