// Package sessions persists chat sessions and their ordered message history.
package sessions

import (
	"context"
	"errors"

	"github.com/HiTek-Dev/tek/pkg/models"
)

// ErrNotFound is returned when a session id or key is unknown.
var ErrNotFound = errors.New("session not found")

// Store is the interface for session persistence. Sessions are never deleted
// by the runtime; messages are append-only.
type Store interface {
	Create(ctx context.Context, session *models.Session) error
	Get(ctx context.Context, id string) (*models.Session, error)
	GetByKey(ctx context.Context, key string) (*models.Session, error)
	// GetOrCreate returns the session for key, creating it with model when absent.
	GetOrCreate(ctx context.Context, key, model string) (*models.Session, bool, error)
	// SetModel records the model last used by the session.
	SetModel(ctx context.Context, id, model string) error
	List(ctx context.Context, opts ListOptions) ([]*models.Session, error)

	AppendMessage(ctx context.Context, sessionID string, msg *models.Message) error
	// GetHistory returns the most recent limit active messages in append
	// order; limit <= 0 returns everything. Messages at or before the flush
	// watermark are not active.
	GetHistory(ctx context.Context, sessionID string, limit int) ([]*models.Message, error)
	// MarkFlushed moves the flush watermark to messageID. The watermark
	// never moves backwards.
	MarkFlushed(ctx context.Context, sessionID, messageID string) error
}

// ListOptions configures session listing. Results are ordered by most
// recently updated first.
type ListOptions struct {
	Limit  int
	Offset int
}

// DefaultKey is the session key used when a client does not name one.
const DefaultKey = "main"

func cloneSession(session *models.Session) *models.Session {
	if session == nil {
		return nil
	}
	clone := *session
	return &clone
}
