package workflow

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

// ExecutionStore persists execution state.
type ExecutionStore interface {
	// Save inserts or replaces the execution.
	Save(ctx context.Context, exec *Execution) error
	// Get returns ErrExecutionNotFound for unknown ids.
	Get(ctx context.Context, id string) (*Execution, error)
	// ListByStatus returns executions newest first. An empty status lists
	// all; limit <= 0 means no limit.
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Execution, error)
}

// MemoryStore keeps executions in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	execs map[string]*Execution
}

var _ ExecutionStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{execs: make(map[string]*Execution)}
}

func (m *MemoryStore) Save(ctx context.Context, exec *Execution) error {
	if exec == nil || exec.ID == "" {
		return errors.New("execution id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.execs[exec.ID] = exec.Clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	exec, ok := m.execs[id]
	if !ok {
		return nil, ErrExecutionNotFound
	}
	return exec.Clone(), nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Execution, error) {
	m.mu.RLock()
	var out []*Execution
	for _, exec := range m.execs {
		if status == "" || exec.Status == status {
			out = append(out, exec.Clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SQLStore persists executions in the workflow_executions table. Step
// results are stored as one JSON document.
type SQLStore struct {
	db *sql.DB
}

var _ ExecutionStore = (*SQLStore)(nil)

// NewSQLStore wraps an already-migrated database.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) Save(ctx context.Context, exec *Execution) error {
	if exec == nil || exec.ID == "" {
		return errors.New("execution id is required")
	}
	results := exec.StepResults
	if results == nil {
		results = map[string]*StepResult{}
	}
	data, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("marshal step results: %w", err)
	}
	var completedAt sql.NullString
	if exec.CompletedAt != nil {
		completedAt = storage.NullString(storage.FormatTime(*exec.CompletedAt))
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_executions
			(id, workflow_id, status, current_step_id, step_results, trigger_source, error, created_at, updated_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			current_step_id = excluded.current_step_id,
			step_results = excluded.step_results,
			error = excluded.error,
			updated_at = excluded.updated_at,
			completed_at = excluded.completed_at`,
		exec.ID, exec.WorkflowID, string(exec.Status), storage.NullString(exec.CurrentStepID), string(data),
		string(exec.Trigger), storage.NullString(exec.Error),
		storage.FormatTime(exec.CreatedAt), storage.FormatTime(exec.UpdatedAt), completedAt,
	)
	if err != nil {
		return fmt.Errorf("save execution: %w", err)
	}
	return nil
}

const executionColumns = `id, workflow_id, status, current_step_id, step_results, trigger_source, error, created_at, updated_at, completed_at`

func (s *SQLStore) Get(ctx context.Context, id string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM workflow_executions WHERE id = ?`, id)
	return scanExecution(row)
}

func (s *SQLStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Execution, error) {
	if limit <= 0 {
		limit = -1
	}
	var (
		rows *sql.Rows
		err  error
	)
	if status == "" {
		rows, err = s.db.QueryContext(ctx, `SELECT `+executionColumns+`
			FROM workflow_executions ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `SELECT `+executionColumns+`
			FROM workflow_executions WHERE status = ? ORDER BY created_at DESC, id DESC LIMIT ?`, string(status), limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []*Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*Execution, error) {
	var (
		exec                           Execution
		status, trigger, results       string
		currentStep, execErr, finished sql.NullString
		createdAt, updatedAt           string
	)
	err := row.Scan(&exec.ID, &exec.WorkflowID, &status, &currentStep, &results, &trigger,
		&execErr, &createdAt, &updatedAt, &finished)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrExecutionNotFound
		}
		return nil, fmt.Errorf("scan execution: %w", err)
	}
	exec.Status = Status(status)
	exec.Trigger = Trigger(trigger)
	exec.CurrentStepID = currentStep.String
	exec.Error = execErr.String
	exec.StepResults = map[string]*StepResult{}
	if results != "" {
		if err := json.Unmarshal([]byte(results), &exec.StepResults); err != nil {
			return nil, fmt.Errorf("decode step results: %w", err)
		}
	}
	if exec.CreatedAt, err = storage.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if exec.UpdatedAt, err = storage.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	if finished.Valid && finished.String != "" {
		t, err := storage.ParseTime(finished.String)
		if err != nil {
			return nil, err
		}
		exec.CompletedAt = &t
	}
	return &exec, nil
}
