package cron

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/HiTek-Dev/tek/internal/storage"
)

// Store persists schedule configs.
type Store interface {
	Save(ctx context.Context, cfg *ScheduleConfig) error
	// Get returns ErrScheduleNotFound for unknown ids.
	Get(ctx context.Context, id string) (*ScheduleConfig, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*ScheduleConfig, error)
	ListEnabled(ctx context.Context) ([]*ScheduleConfig, error)
}

func cloneConfig(cfg *ScheduleConfig) *ScheduleConfig {
	clone := *cfg
	if cfg.ActiveHours != nil {
		hours := *cfg.ActiveHours
		hours.Days = append([]int(nil), cfg.ActiveHours.Days...)
		clone.ActiveHours = &hours
	}
	return &clone
}

// MemoryStore keeps schedules in process memory.
type MemoryStore struct {
	mu        sync.RWMutex
	schedules map[string]*ScheduleConfig
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{schedules: make(map[string]*ScheduleConfig)}
}

func (m *MemoryStore) Save(ctx context.Context, cfg *ScheduleConfig) error {
	if cfg == nil || cfg.ID == "" {
		return errors.New("schedule id is required")
	}
	m.mu.Lock()
	m.schedules[cfg.ID] = cloneConfig(cfg)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*ScheduleConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.schedules[id]
	if !ok {
		return nil, ErrScheduleNotFound
	}
	return cloneConfig(cfg), nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[id]; !ok {
		return ErrScheduleNotFound
	}
	delete(m.schedules, id)
	return nil
}

func (m *MemoryStore) List(ctx context.Context) ([]*ScheduleConfig, error) {
	return m.list(false), nil
}

func (m *MemoryStore) ListEnabled(ctx context.Context) ([]*ScheduleConfig, error) {
	return m.list(true), nil
}

func (m *MemoryStore) list(enabledOnly bool) []*ScheduleConfig {
	m.mu.RLock()
	out := make([]*ScheduleConfig, 0, len(m.schedules))
	for _, cfg := range m.schedules {
		if enabledOnly && !cfg.Enabled {
			continue
		}
		out = append(out, cloneConfig(cfg))
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SQLStore persists schedules in the schedules table.
type SQLStore struct {
	db *sql.DB
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore wraps an already-migrated database.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

const scheduleColumns = `id, name, kind, cron_expr, timezone, max_runs, run_count, active_hours, workflow_id, checklist, enabled, created_at, updated_at`

func (s *SQLStore) Save(ctx context.Context, cfg *ScheduleConfig) error {
	if cfg == nil || cfg.ID == "" {
		return errors.New("schedule id is required")
	}
	var hours sql.NullString
	if cfg.ActiveHours != nil {
		data, err := json.Marshal(cfg.ActiveHours)
		if err != nil {
			return fmt.Errorf("marshal active hours: %w", err)
		}
		hours = storage.NullString(string(data))
	}
	enabled := 0
	if cfg.Enabled {
		enabled = 1
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedules (`+scheduleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			kind = excluded.kind,
			cron_expr = excluded.cron_expr,
			timezone = excluded.timezone,
			max_runs = excluded.max_runs,
			run_count = excluded.run_count,
			active_hours = excluded.active_hours,
			workflow_id = excluded.workflow_id,
			checklist = excluded.checklist,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at`,
		cfg.ID, cfg.Name, string(cfg.Kind), cfg.CronExpr, storage.NullString(cfg.Timezone),
		cfg.MaxRuns, cfg.RunCount, hours, storage.NullString(cfg.WorkflowID),
		storage.NullString(cfg.Checklist), enabled,
		storage.FormatTime(cfg.CreatedAt), storage.FormatTime(cfg.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("save schedule: %w", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*ScheduleConfig, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id)
	return scanSchedule(row)
}

func (s *SQLStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrScheduleNotFound
	}
	return nil
}

func (s *SQLStore) List(ctx context.Context) ([]*ScheduleConfig, error) {
	return s.query(ctx, `SELECT `+scheduleColumns+` FROM schedules ORDER BY id`)
}

func (s *SQLStore) ListEnabled(ctx context.Context) ([]*ScheduleConfig, error) {
	return s.query(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE enabled = 1 ORDER BY id`)
}

func (s *SQLStore) query(ctx context.Context, q string) ([]*ScheduleConfig, error) {
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var out []*ScheduleConfig
	for rows.Next() {
		cfg, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row rowScanner) (*ScheduleConfig, error) {
	var (
		cfg                              ScheduleConfig
		kind, createdAt, updatedAt       string
		tz, hours, workflowID, checklist sql.NullString
		enabled                          int
	)
	err := row.Scan(&cfg.ID, &cfg.Name, &kind, &cfg.CronExpr, &tz, &cfg.MaxRuns, &cfg.RunCount,
		&hours, &workflowID, &checklist, &enabled, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrScheduleNotFound
		}
		return nil, fmt.Errorf("scan schedule: %w", err)
	}
	cfg.Kind = Kind(kind)
	cfg.Timezone = tz.String
	cfg.WorkflowID = workflowID.String
	cfg.Checklist = checklist.String
	cfg.Enabled = enabled != 0
	if hours.Valid && hours.String != "" {
		cfg.ActiveHours = &ActiveHours{}
		if err := json.Unmarshal([]byte(hours.String), cfg.ActiveHours); err != nil {
			return nil, fmt.Errorf("decode active hours: %w", err)
		}
	}
	if cfg.CreatedAt, err = storage.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if cfg.UpdatedAt, err = storage.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	return &cfg, nil
}
