package sessions

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/HiTek-Dev/tek/pkg/models"
)

func TestMemoryStore_GetOrCreate(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	first, created, err := store.GetOrCreate(ctx, DefaultKey, "anthropic:claude-sonnet-4-20250514")
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	if !created {
		t.Fatal("expected first call to create the session")
	}
	second, created, err := store.GetOrCreate(ctx, DefaultKey, "other")
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	if created {
		t.Error("expected second call to reuse the session")
	}
	if second.ID != first.ID || second.Model != first.Model {
		t.Errorf("second = %+v, want %+v", second, first)
	}
}

func TestMemoryStore_UnknownSession(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
	if err := store.AppendMessage(ctx, "missing", &models.Message{Role: models.RoleUser}); !errors.Is(err, ErrNotFound) {
		t.Errorf("AppendMessage() error = %v, want ErrNotFound", err)
	}
	if _, err := store.GetHistory(ctx, "missing", 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetHistory() error = %v, want ErrNotFound", err)
	}
	if err := store.SetModel(ctx, "missing", "m"); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetModel() error = %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_HistoryOrderAndLimit(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	session, _, _ := store.GetOrCreate(ctx, "k", "")

	for _, content := range []string{"one", "two", "three"} {
		if err := store.AppendMessage(ctx, session.ID, &models.Message{Role: models.RoleUser, Content: content}); err != nil {
			t.Fatalf("AppendMessage() error = %v", err)
		}
	}

	history, err := store.GetHistory(ctx, session.ID, 2)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(history) != 2 || history[0].Content != "two" || history[1].Content != "three" {
		t.Fatalf("history = %+v, want [two three]", history)
	}
	if history[0].SessionID != session.ID || history[0].ID == "" {
		t.Errorf("message missing ids: %+v", history[0])
	}

	// Returned messages are copies.
	history[0].Content = "mutated"
	again, _ := store.GetHistory(ctx, session.ID, 0)
	if again[1].Content != "two" {
		t.Errorf("store was mutated through returned message")
	}
}

func TestMemoryStore_ListOrdersByUpdated(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	store.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}

	a, _, _ := store.GetOrCreate(ctx, "a", "")
	b, _, _ := store.GetOrCreate(ctx, "b", "")
	if err := store.AppendMessage(ctx, a.ID, &models.Message{Role: models.RoleUser, Content: "hi"}); err != nil {
		t.Fatal(err)
	}

	list, err := store.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 2 || list[0].ID != a.ID || list[1].ID != b.ID {
		t.Fatalf("list order = %v, %v", list[0].Key, list[1].Key)
	}

	page, _ := store.List(ctx, ListOptions{Limit: 1, Offset: 1})
	if len(page) != 1 || page[0].ID != b.ID {
		t.Errorf("page = %+v, want [b]", page)
	}
	if empty, _ := store.List(ctx, ListOptions{Offset: 10}); len(empty) != 0 {
		t.Errorf("offset past end = %d entries", len(empty))
	}
}

func TestMemoryStore_TrimsHistory(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	session, _, _ := store.GetOrCreate(ctx, "k", "")

	for i := 0; i < maxMessagesPerSession+5; i++ {
		_ = store.AppendMessage(ctx, session.ID, &models.Message{Role: models.RoleUser, Content: "x"})
	}
	history, _ := store.GetHistory(ctx, session.ID, 0)
	if len(history) != maxMessagesPerSession {
		t.Errorf("history length = %d, want %d", len(history), maxMessagesPerSession)
	}
}

func TestMemoryStore_FlushWatermark(t *testing.T) {
	checkFlushWatermark(t, NewMemoryStore())
}

func TestMemoryStore_FlushWatermarkSurvivesTrim(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	session, _, _ := store.GetOrCreate(ctx, "k", "")

	var marked *models.Message
	for i := 0; i < maxMessagesPerSession+5; i++ {
		msg := &models.Message{Role: models.RoleUser, Content: "x"}
		_ = store.AppendMessage(ctx, session.ID, msg)
		if i == 9 {
			marked = msg
			if err := store.MarkFlushed(ctx, session.ID, msg.ID); err != nil {
				t.Fatalf("MarkFlushed() error = %v", err)
			}
		}
	}
	history, _ := store.GetHistory(ctx, session.ID, 0)
	if len(history) != maxMessagesPerSession-5 {
		t.Errorf("history length = %d, want %d", len(history), maxMessagesPerSession-5)
	}
	for _, msg := range history {
		if msg.ID == marked.ID {
			t.Fatal("flushed message returned")
		}
	}
}
