package intake

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Factory55/telegram-client/internal/filter"
	"github.com/Factory55/telegram-client/internal/log"
	"github.com/Factory55/telegram-client/internal/store"
)

func newTestIntake(t *testing.T, allowedChats string, maxQueueSize int) (*Intake, store.Store) {
	t.Helper()
	logger := log.NewLogger()
	dir := t.TempDir()

	chatsPath := filepath.Join(dir, "allowed_chats.txt")
	if err := os.WriteFile(chatsPath, []byte(allowedChats), 0644); err != nil {
		t.Fatalf("write chats file: %s", err)
	}
	flt, err := filter.New(chatsPath, time.Hour, logger)
	if err != nil {
		t.Fatalf("new filter: %s", err)
	}

	st, err := store.NewSQLiteStore(filepath.Join(dir, "test.db"), maxQueueSize, logger)
	if err != nil {
		t.Fatalf("new store: %s", err)
	}
	t.Cleanup(func() { st.Close() })

	return New(flt, st, nil, logger), st
}

func testEvent(id, chatTitle string) store.Event {
	return store.Event{
		ID:        id,
		ChatID:    "1001",
		ChatTitle: chatTitle,
		Text:      "hello",
		Timestamp: time.Now().UTC(),
		Kind:      store.KindText,
	}
}

func TestAllowedChatQueued(t *testing.T) {
	in, st := newTestIntake(t, "Team Alpha\n", 100)

	if err := in.Handle(context.Background(), testEvent("1", "Team Alpha")); err != nil {
		t.Fatalf("handle: %s", err)
	}

	stats, _ := st.Stats(context.Background())
	if stats.PendingCount != 1 {
		t.Fatalf("expected 1 pending record, got %d", stats.PendingCount)
	}
}

func TestBlockedChatLeavesNoRecord(t *testing.T) {
	in, st := newTestIntake(t, "Team Alpha\n", 100)

	if err := in.Handle(context.Background(), testEvent("1", "Other Chat")); err != nil {
		t.Fatalf("blocked chat should not error: %s", err)
	}
	if err := in.Handle(context.Background(), testEvent("2", "")); err != nil {
		t.Fatalf("empty chat title should not error: %s", err)
	}

	stats, _ := st.Stats(context.Background())
	if stats.PendingCount != 0 {
		t.Fatalf("blocked events were enqueued: %+v", stats)
	}
}

func TestDuplicateEventIdempotent(t *testing.T) {
	in, st := newTestIntake(t, "Team Alpha\n", 100)
	ev := testEvent("1", "Team Alpha")

	for range make([]struct{}, 3) {
		if err := in.Handle(context.Background(), ev); err != nil {
			t.Fatalf("handle: %s", err)
		}
	}

	stats, _ := st.Stats(context.Background())
	if stats.PendingCount != 1 {
		t.Fatalf("duplicates created records: %d pending", stats.PendingCount)
	}
}

func TestQueueFullSurfaced(t *testing.T) {
	in, st := newTestIntake(t, "Team Alpha\n", 1)

	if err := in.Handle(context.Background(), testEvent("1", "Team Alpha")); err != nil {
		t.Fatalf("handle: %s", err)
	}
	err := in.Handle(context.Background(), testEvent("2", "Team Alpha"))
	if !errors.Is(err, store.ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}

	stats, _ := st.Stats(context.Background())
	if stats.PendingCount != 1 {
		t.Fatalf("overflow event was stored: %d pending", stats.PendingCount)
	}
}
