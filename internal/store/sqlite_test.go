package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func openSQLiteStore(t *testing.T, path string) *Store {
	t.Helper()
	p, err := NewSQLitePersister(path)
	if err != nil {
		t.Fatalf("NewSQLitePersister: %v", err)
	}
	s, err := Open(context.Background(), p)
	if err != nil {
		p.Close()
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestSQLiteRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat.db")
	ctx := context.Background()

	s := openSQLiteStore(t, path)
	chat, err := s.CreateChat(ctx, "Trip planning", "openai:gpt-4o-mini", "Be brief.")
	if err != nil {
		t.Fatalf("CreateChat: %v", err)
	}
	user, _ := s.CreateMessage(ctx, chat.ID, RoleUser, "hello", "Be brief.\n\nhello")
	done, _ := s.CreateMessage(ctx, chat.ID, RoleAssistant, "", "")
	_ = s.AppendDelta(done.ID, "Hel")
	_ = s.AppendDelta(done.ID, "lo")
	if err := s.Finalize(ctx, done.ID); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	failed, _ := s.CreateMessage(ctx, chat.ID, RoleAssistant, "", "")
	_ = s.AppendDelta(failed.ID, "Hi")
	if err := s.Fail(ctx, failed.ID, ReasonRateLimited); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s = openSQLiteStore(t, path)
	defer s.Close()

	got, ok := s.Chat(chat.ID)
	if !ok {
		t.Fatal("chat not reloaded")
	}
	if got.Name != "Trip planning" || got.MessagePrefix != "Be brief." || got.Model != "openai:gpt-4o-mini" {
		t.Fatalf("reloaded chat = %+v", got)
	}

	msgs := s.Messages(chat.ID)
	if len(msgs) != 3 {
		t.Fatalf("len(Messages) = %d, want 3", len(msgs))
	}
	if msgs[0].ID != failed.ID || msgs[1].ID != done.ID || msgs[2].ID != user.ID {
		t.Fatalf("reloaded order = %s,%s,%s", msgs[0].ID, msgs[1].ID, msgs[2].ID)
	}
	if msgs[0].Content != "Hi" || msgs[0].FailedReason != ReasonRateLimited {
		t.Fatalf("failed message = %+v", msgs[0])
	}
	if msgs[1].Content != "Hello" || msgs[1].State() != StateComplete {
		t.Fatalf("finalized message = %+v", msgs[1])
	}
	if msgs[2].ProcessedContent != "Be brief.\n\nhello" {
		t.Fatalf("user message = %+v", msgs[2])
	}
}

func TestSQLiteRecoversInterruptedMessages(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat.db")
	ctx := context.Background()

	s := openSQLiteStore(t, path)
	chat, _ := s.CreateChat(ctx, "c", "", "")
	m, _ := s.CreateMessage(ctx, chat.ID, RoleAssistant, "", "")
	_ = s.AppendDelta(m.ID, "lost")
	s.SetChatReceiving(chat.ID, true)
	// Simulate a crash: close without settling.
	s.Close()

	s = openSQLiteStore(t, path)
	defer s.Close()

	got, ok := s.Message(m.ID)
	if !ok {
		t.Fatal("message not reloaded")
	}
	if got.Receiving || got.FailedReason != ReasonCancelled {
		t.Fatalf("recovered message = %+v, want failed/cancelled", got)
	}
	if c, _ := s.Chat(chat.ID); c.Receiving {
		t.Fatal("chat still receiving after reopen")
	}
}

func TestSQLiteDeletesAreDurable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat.db")
	ctx := context.Background()

	s := openSQLiteStore(t, path)
	keep, _ := s.CreateChat(ctx, "keep", "", "")
	drop, _ := s.CreateChat(ctx, "drop", "", "")
	a, _ := s.CreateMessage(ctx, keep.ID, RoleUser, "a", "a")
	b, _ := s.CreateMessage(ctx, keep.ID, RoleUser, "b", "b")
	_, _ = s.CreateMessage(ctx, drop.ID, RoleUser, "c", "c")
	if err := s.DeleteMessages(ctx, a.ID); err != nil {
		t.Fatalf("DeleteMessages: %v", err)
	}
	if err := s.DeleteChat(ctx, drop.ID); err != nil {
		t.Fatalf("DeleteChat: %v", err)
	}
	s.Close()

	s = openSQLiteStore(t, path)
	defer s.Close()
	if chats := s.Chats(); len(chats) != 1 || chats[0].ID != keep.ID {
		t.Fatalf("Chats() = %+v", chats)
	}
	msgs := s.Messages(keep.ID)
	if len(msgs) != 1 || msgs[0].ID != b.ID {
		t.Fatalf("Messages() = %+v", msgs)
	}
	if len(s.Messages(drop.ID)) != 0 {
		t.Fatal("messages of deleted chat survived")
	}
}

func TestSQLiteDefaultPath(t *testing.T) {
	dataHome := t.TempDir()
	t.Setenv("XDG_DATA_HOME", dataHome)

	p, err := NewPersister(DefaultConfig())
	if err != nil {
		t.Fatalf("NewPersister: %v", err)
	}
	defer p.Close()

	if _, err := os.Stat(filepath.Join(dataHome, "assischat", "assischat.db")); err != nil {
		t.Fatalf("expected database at default path: %v", err)
	}
}

func TestNewPersisterDisabled(t *testing.T) {
	p, err := NewPersister(Config{Enabled: false})
	if err != nil {
		t.Fatalf("NewPersister: %v", err)
	}
	if _, ok := p.(NoopPersister); !ok {
		t.Fatalf("NewPersister(disabled) = %T, want NoopPersister", p)
	}
}
