package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/HiTek-Dev/tek/internal/storage"
	"github.com/HiTek-Dev/tek/pkg/models"
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

func TestSQLStore_SessionLifecycle(t *testing.T) {
	store := newSQLStore(t)
	ctx := context.Background()

	session, created, err := store.GetOrCreate(ctx, DefaultKey, "anthropic:claude-3-5-haiku-latest")
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	if !created {
		t.Fatal("expected session to be created")
	}

	again, created, err := store.GetOrCreate(ctx, DefaultKey, "")
	if err != nil || created {
		t.Fatalf("GetOrCreate() = %v, %v, want existing", created, err)
	}
	if again.ID != session.ID || again.Model != "anthropic:claude-3-5-haiku-latest" {
		t.Errorf("again = %+v", again)
	}

	if err := store.SetModel(ctx, session.ID, "openai:gpt-4o"); err != nil {
		t.Fatalf("SetModel() error = %v", err)
	}
	got, err := store.Get(ctx, session.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Model != "openai:gpt-4o" {
		t.Errorf("model = %q", got.Model)
	}

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
	}
	if err := store.SetModel(ctx, "missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetModel(missing) error = %v, want ErrNotFound", err)
	}
}

func TestSQLStore_HistoryRoundTrip(t *testing.T) {
	store := newSQLStore(t)
	ctx := context.Background()
	session, _, err := store.GetOrCreate(ctx, "chat", "")
	if err != nil {
		t.Fatal(err)
	}

	msgs := []*models.Message{
		{Role: models.RoleUser, Content: "list files"},
		{Role: models.RoleAssistant, Content: "", ToolCalls: []models.ToolCall{
			{ID: "call-1", Name: "shell", Input: json.RawMessage(`{"command":"ls"}`)},
		}},
		{Role: models.RoleTool, ToolResults: []models.ToolResult{{ToolCallID: "call-1", Content: "a.txt"}}},
		{Role: models.RoleAssistant, Content: "There is a.txt", TokenCount: 4},
	}
	for _, msg := range msgs {
		if err := store.AppendMessage(ctx, session.ID, msg); err != nil {
			t.Fatalf("AppendMessage() error = %v", err)
		}
	}

	history, err := store.GetHistory(ctx, session.ID, 0)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(history) != len(msgs) {
		t.Fatalf("history length = %d, want %d", len(history), len(msgs))
	}
	if history[1].ToolCalls[0].Name != "shell" || string(history[1].ToolCalls[0].Input) != `{"command":"ls"}` {
		t.Errorf("tool call = %+v", history[1].ToolCalls)
	}
	if history[2].ToolResults[0].Content != "a.txt" {
		t.Errorf("tool result = %+v", history[2].ToolResults)
	}
	if history[3].TokenCount != 4 || history[3].Role != models.RoleAssistant {
		t.Errorf("last message = %+v", history[3])
	}

	tail, err := store.GetHistory(ctx, session.ID, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(tail) != 2 || tail[0].Role != models.RoleTool || tail[1].Content != "There is a.txt" {
		t.Errorf("tail = %+v", tail)
	}

	if err := store.AppendMessage(ctx, "missing", &models.Message{Role: models.RoleUser}); !errors.Is(err, ErrNotFound) {
		t.Errorf("AppendMessage(missing) error = %v, want ErrNotFound", err)
	}
}

func TestSQLStore_List(t *testing.T) {
	store := newSQLStore(t)
	ctx := context.Background()

	a, _, _ := store.GetOrCreate(ctx, "a", "")
	b, _, _ := store.GetOrCreate(ctx, "b", "")
	if err := store.AppendMessage(ctx, a.ID, &models.Message{Role: models.RoleUser, Content: "bump"}); err != nil {
		t.Fatal(err)
	}

	list, err := store.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 2 || list[0].ID != a.ID || list[1].ID != b.ID {
		t.Fatalf("list = %+v", list)
	}
	page, err := store.List(ctx, ListOptions{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 1 || page[0].ID != b.ID {
		t.Errorf("page = %+v", page)
	}
}

func TestSQLStore_CreateError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("INSERT INTO sessions").
		WithArgs("s1", "main", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnError(errors.New("disk full"))

	store := NewSQLStore(db)
	err = store.Create(context.Background(), &models.Session{ID: "s1", Key: "main"})
	if err == nil {
		t.Fatal("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSQLStore_FlushWatermark(t *testing.T) {
	checkFlushWatermark(t, newSQLStore(t))
}

func TestSQLStore_MarkFlushedUnknownMessage(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("SELECT seq FROM messages").
		WithArgs("m1", "s1").
		WillReturnRows(sqlmock.NewRows([]string{"seq"}))

	store := NewSQLStore(db)
	if err := store.MarkFlushed(context.Background(), "s1", "m1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("MarkFlushed() error = %v, want ErrNotFound", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
