package usage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/HiTek-Dev/tek/internal/storage"
)

// Store persists usage records.
type Store interface {
	Append(ctx context.Context, record *Record) error
	// List returns records for sessionID in insertion order; "" lists all.
	List(ctx context.Context, sessionID string) ([]Record, error)
}

// Tracker prices and records model usage.
type Tracker struct {
	store   Store
	pricing Pricing
	logger  *slog.Logger
	now     func() time.Time
}

// NewTracker creates a tracker. A nil store keeps records in memory.
func NewTracker(store Store, pricing Pricing, logger *slog.Logger) *Tracker {
	if store == nil {
		store = NewMemoryStore()
	}
	if pricing == nil {
		pricing = DefaultPricing()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		store:   store,
		pricing: pricing,
		logger:  logger.With("component", "usage"),
		now:     time.Now,
	}
}

// Pricing returns the price table used for estimates.
func (t *Tracker) Pricing() Pricing {
	return t.pricing
}

// Record prices u for provider/model and persists it under sessionID.
func (t *Tracker) Record(ctx context.Context, sessionID, provider, model string, u Usage) (*Record, error) {
	record := &Record{
		SessionID: sessionID,
		Provider:  provider,
		Model:     model,
		Usage:     u,
		Timestamp: t.now(),
	}
	if cost, ok := t.pricing.Lookup(provider + ":" + model); ok {
		record.Cost = cost.Estimate(&u)
	} else {
		t.logger.Debug("no pricing for model", "provider", provider, "model", model)
	}
	if err := t.store.Append(ctx, record); err != nil {
		return record, fmt.Errorf("record usage: %w", err)
	}
	return record, nil
}

// Summary aggregates usage for sessionID ("" for all sessions).
func (t *Tracker) Summary(ctx context.Context, sessionID string) (*Summary, error) {
	records, err := t.store.List(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list usage: %w", err)
	}
	return summarize(sessionID, records), nil
}

// MemoryStore keeps usage records in memory.
type MemoryStore struct {
	mu      sync.RWMutex
	records []Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Append(ctx context.Context, record *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record.ID = int64(len(m.records) + 1)
	m.records = append(m.records, *record)
	return nil
}

func (m *MemoryStore) List(ctx context.Context, sessionID string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Record
	for _, r := range m.records {
		if sessionID == "" || r.SessionID == sessionID {
			out = append(out, r)
		}
	}
	return out, nil
}

// SQLStore persists usage records in the usage_records table.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore wraps a migrated database.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) Append(ctx context.Context, record *Record) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_records (session_id, provider, model, input_tokens, output_tokens, cost, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		record.SessionID, record.Provider, record.Model,
		record.Usage.InputTokens, record.Usage.OutputTokens, record.Cost,
		storage.FormatTime(record.Timestamp),
	)
	if err != nil {
		return err
	}
	if id, err := res.LastInsertId(); err == nil {
		record.ID = id
	}
	return nil
}

func (s *SQLStore) List(ctx context.Context, sessionID string) ([]Record, error) {
	query := `SELECT id, session_id, provider, model, input_tokens, output_tokens, cost, created_at FROM usage_records`
	var args []any
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r         Record
			createdAt string
		)
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Provider, &r.Model,
			&r.Usage.InputTokens, &r.Usage.OutputTokens, &r.Cost, &createdAt); err != nil {
			return nil, err
		}
		if r.Timestamp, err = storage.ParseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
