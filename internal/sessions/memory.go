package sessions

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/HiTek-Dev/tek/pkg/models"
	"github.com/google/uuid"
)

// maxMessagesPerSession bounds in-memory history; older messages are trimmed.
const maxMessagesPerSession = 1000

// MemoryStore provides an in-memory Store implementation for tests and
// ephemeral runs.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
	byKey    map[string]string
	messages map[string][]*models.Message
	// trimmed and flushed count messages from the start of a session, so
	// they survive the front of messages being trimmed.
	trimmed map[string]int
	flushed map[string]int
	now     func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: map[string]*models.Session{},
		byKey:    map[string]string{},
		messages: map[string][]*models.Message{},
		trimmed:  map[string]int{},
		flushed:  map[string]int{},
		now:      time.Now,
	}
}

func (m *MemoryStore) Create(ctx context.Context, session *models.Session) error {
	if session == nil {
		return errors.New("session is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createLocked(session)
	return nil
}

func (m *MemoryStore) createLocked(session *models.Session) {
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	if session.Key == "" {
		session.Key = session.ID
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = m.now()
	}
	session.UpdatedAt = session.CreatedAt
	m.sessions[session.ID] = cloneSession(session)
	m.byKey[session.Key] = session.ID
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSession(session), nil
}

func (m *MemoryStore) GetByKey(ctx context.Context, key string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byKey[key]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSession(m.sessions[id]), nil
}

func (m *MemoryStore) GetOrCreate(ctx context.Context, key, model string) (*models.Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byKey[key]; ok {
		return cloneSession(m.sessions[id]), false, nil
	}
	session := &models.Session{Key: key, Model: model}
	m.createLocked(session)
	return cloneSession(session), true, nil
}

func (m *MemoryStore) SetModel(ctx context.Context, id, model string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	session.Model = model
	session.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) List(ctx context.Context, opts ListOptions) ([]*models.Session, error) {
	m.mu.RLock()
	out := make([]*models.Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		out = append(out, cloneSession(session))
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})

	start := opts.Offset
	if start < 0 {
		start = 0
	}
	if start > len(out) {
		return []*models.Session{}, nil
	}
	end := len(out)
	if opts.Limit > 0 && start+opts.Limit < end {
		end = start + opts.Limit
	}
	return out[start:end], nil
}

func (m *MemoryStore) AppendMessage(ctx context.Context, sessionID string, msg *models.Message) error {
	if msg == nil {
		return errors.New("message is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = m.now()
	}
	msg.SessionID = sessionID
	m.messages[sessionID] = append(m.messages[sessionID], models.CloneMessage(msg))
	if excess := len(m.messages[sessionID]) - maxMessagesPerSession; excess > 0 {
		m.messages[sessionID] = m.messages[sessionID][excess:]
		m.trimmed[sessionID] += excess
	}
	session.UpdatedAt = msg.CreatedAt
	return nil
}

func (m *MemoryStore) GetHistory(ctx context.Context, sessionID string, limit int) ([]*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.sessions[sessionID]; !ok {
		return nil, ErrNotFound
	}
	msgs := m.messages[sessionID]
	if skip := m.flushed[sessionID] - m.trimmed[sessionID]; skip > 0 {
		msgs = msgs[min(skip, len(msgs)):]
	}
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]*models.Message, len(msgs))
	for i, msg := range msgs {
		out[i] = models.CloneMessage(msg)
	}
	return out, nil
}

func (m *MemoryStore) MarkFlushed(ctx context.Context, sessionID, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[sessionID]; !ok {
		return ErrNotFound
	}
	for i, msg := range m.messages[sessionID] {
		if msg.ID != messageID {
			continue
		}
		if through := m.trimmed[sessionID] + i + 1; through > m.flushed[sessionID] {
			m.flushed[sessionID] = through
		}
		return nil
	}
	return fmt.Errorf("message %s: %w", messageID, ErrNotFound)
}
