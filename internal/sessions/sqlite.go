package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/HiTek-Dev/tek/internal/storage"
	"github.com/HiTek-Dev/tek/pkg/models"
	"github.com/google/uuid"
)

// SQLStore persists sessions in the runtime SQLite database.
type SQLStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore wraps an already-migrated database.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, now: time.Now}
}

func (s *SQLStore) Create(ctx context.Context, session *models.Session) error {
	if session == nil {
		return errors.New("session is required")
	}
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	if session.Key == "" {
		session.Key = session.ID
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = s.now()
	}
	session.UpdatedAt = session.CreatedAt

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, key, model, title, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		session.ID, session.Key, storage.NullString(session.Model), storage.NullString(session.Title),
		storage.FormatTime(session.CreatedAt), storage.FormatTime(session.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, key, model, title, created_at, updated_at
		FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

func (s *SQLStore) GetByKey(ctx context.Context, key string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, key, model, title, created_at, updated_at
		FROM sessions WHERE key = ?`, key)
	return scanSession(row)
}

func (s *SQLStore) GetOrCreate(ctx context.Context, key, model string) (*models.Session, bool, error) {
	session, err := s.GetByKey(ctx, key)
	if err == nil {
		return session, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}
	session = &models.Session{Key: key, Model: model}
	if err := s.Create(ctx, session); err != nil {
		return nil, false, err
	}
	return session, true, nil
}

func (s *SQLStore) SetModel(ctx context.Context, id, model string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET model = ?, updated_at = ? WHERE id = ?`,
		storage.NullString(model), storage.FormatTime(s.now()), id)
	if err != nil {
		return fmt.Errorf("update session model: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) List(ctx context.Context, opts ListOptions) ([]*models.Session, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = -1
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, key, model, title, created_at, updated_at
		FROM sessions ORDER BY updated_at DESC, id ASC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, session)
	}
	return out, rows.Err()
}

func (s *SQLStore) AppendMessage(ctx context.Context, sessionID string, msg *models.Message) error {
	if msg == nil {
		return errors.New("message is required")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	msg.SessionID = sessionID

	toolCalls, err := marshalOptional(msg.ToolCalls, len(msg.ToolCalls))
	if err != nil {
		return fmt.Errorf("marshal tool calls: %w", err)
	}
	toolResults, err := marshalOptional(msg.ToolResults, len(msg.ToolResults))
	if err != nil {
		return fmt.Errorf("marshal tool results: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?`,
		storage.FormatTime(msg.CreatedAt), sessionID)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, seq, role, content, tool_calls, tool_results, token_count, created_at)
		VALUES (?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE session_id = ?), ?, ?, ?, ?, ?, ?)`,
		msg.ID, sessionID, sessionID, string(msg.Role), msg.Content, toolCalls, toolResults,
		msg.TokenCount, storage.FormatTime(msg.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return tx.Commit()
}

func (s *SQLStore) GetHistory(ctx context.Context, sessionID string, limit int) ([]*models.Message, error) {
	if _, err := s.Get(ctx, sessionID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, tool_calls, tool_results, token_count, created_at
		FROM (
			SELECT * FROM messages
			WHERE session_id = ? AND seq > (SELECT flushed_seq FROM sessions WHERE id = ?)
			ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC`, sessionID, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []*models.Message
	for rows.Next() {
		var (
			msg         models.Message
			role        string
			toolCalls   sql.NullString
			toolResults sql.NullString
			createdAt   string
		)
		if err := rows.Scan(&msg.ID, &msg.SessionID, &role, &msg.Content, &toolCalls, &toolResults, &msg.TokenCount, &createdAt); err != nil {
			return nil, err
		}
		msg.Role = models.Role(role)
		if toolCalls.Valid && toolCalls.String != "" {
			if err := json.Unmarshal([]byte(toolCalls.String), &msg.ToolCalls); err != nil {
				return nil, fmt.Errorf("decode tool calls: %w", err)
			}
		}
		if toolResults.Valid && toolResults.String != "" {
			if err := json.Unmarshal([]byte(toolResults.String), &msg.ToolResults); err != nil {
				return nil, fmt.Errorf("decode tool results: %w", err)
			}
		}
		if msg.CreatedAt, err = storage.ParseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, &msg)
	}
	return out, rows.Err()
}

func (s *SQLStore) MarkFlushed(ctx context.Context, sessionID, messageID string) error {
	var seq int64
	err := s.db.QueryRowContext(ctx, `SELECT seq FROM messages WHERE id = ? AND session_id = ?`,
		messageID, sessionID).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("message %s: %w", messageID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("lookup flushed message: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE sessions SET flushed_seq = MAX(flushed_seq, ?) WHERE id = ?`,
		seq, sessionID); err != nil {
		return fmt.Errorf("update flush watermark: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	var (
		session              models.Session
		model, title         sql.NullString
		createdAt, updatedAt string
	)
	if err := row.Scan(&session.ID, &session.Key, &model, &title, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	session.Model = model.String
	session.Title = title.String
	var err error
	if session.CreatedAt, err = storage.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if session.UpdatedAt, err = storage.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	return &session, nil
}

func marshalOptional(v any, n int) (sql.NullString, error) {
	if n == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}
