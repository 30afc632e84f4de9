package sessions

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/HiTek-Dev/tek/pkg/models"
)

// checkFlushWatermark exercises MarkFlushed against any Store.
func checkFlushWatermark(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	session, _, err := store.GetOrCreate(ctx, "flush", "")
	if err != nil {
		t.Fatal(err)
	}
	var msgs []*models.Message
	for i := 1; i <= 5; i++ {
		msg := &models.Message{Role: models.RoleUser, Content: fmt.Sprintf("m%d", i)}
		if err := store.AppendMessage(ctx, session.ID, msg); err != nil {
			t.Fatalf("AppendMessage() error = %v", err)
		}
		msgs = append(msgs, msg)
	}

	if err := store.MarkFlushed(ctx, session.ID, msgs[1].ID); err != nil {
		t.Fatalf("MarkFlushed() error = %v", err)
	}
	history, err := store.GetHistory(ctx, session.ID, 0)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(history) != 3 || history[0].Content != "m3" {
		t.Fatalf("history after watermark = %v", contents(history))
	}

	// An older message does not move the watermark back.
	if err := store.MarkFlushed(ctx, session.ID, msgs[0].ID); err != nil {
		t.Fatalf("MarkFlushed(older) error = %v", err)
	}
	if history, _ = store.GetHistory(ctx, session.ID, 0); len(history) != 3 {
		t.Errorf("history after older mark = %v", contents(history))
	}

	if history, _ = store.GetHistory(ctx, session.ID, 2); len(history) != 2 || history[0].Content != "m4" {
		t.Errorf("limited history = %v", contents(history))
	}

	if err := store.MarkFlushed(ctx, session.ID, msgs[4].ID); err != nil {
		t.Fatal(err)
	}
	if history, _ = store.GetHistory(ctx, session.ID, 0); len(history) != 0 {
		t.Errorf("history after flushing all = %v", contents(history))
	}
	if err := store.AppendMessage(ctx, session.ID, &models.Message{Role: models.RoleUser, Content: "m6"}); err != nil {
		t.Fatal(err)
	}
	if history, _ = store.GetHistory(ctx, session.ID, 0); len(history) != 1 || history[0].Content != "m6" {
		t.Errorf("history after new message = %v", contents(history))
	}

	if err := store.MarkFlushed(ctx, session.ID, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("MarkFlushed(missing message) error = %v, want ErrNotFound", err)
	}
}

func contents(msgs []*models.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Content)
	}
	return out
}
