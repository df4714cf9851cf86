package store

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), NoopPersister{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateMessageStates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	chat, err := s.CreateChat(ctx, "c", "openai:gpt-4o-mini", "")
	if err != nil {
		t.Fatalf("CreateChat: %v", err)
	}

	user, err := s.CreateMessage(ctx, chat.ID, RoleUser, "hi", "PREFIX\n\nhi")
	if err != nil {
		t.Fatalf("CreateMessage(user): %v", err)
	}
	if user.Receiving || user.Content != "hi" || user.ProcessedContent != "PREFIX\n\nhi" {
		t.Fatalf("user message = %+v", user)
	}
	if user.State() != StateComplete {
		t.Fatalf("user state = %s, want complete", user.State())
	}

	asst, err := s.CreateMessage(ctx, chat.ID, RoleAssistant, "", "")
	if err != nil {
		t.Fatalf("CreateMessage(assistant): %v", err)
	}
	if !asst.Receiving || asst.Content != "" || asst.State() != StateReceiving {
		t.Fatalf("assistant placeholder = %+v", asst)
	}
	if !asst.Timestamp.After(user.Timestamp) {
		t.Fatalf("placeholder timestamp %v not after user %v", asst.Timestamp, user.Timestamp)
	}

	if _, err := s.CreateMessage(ctx, "missing", RoleUser, "x", "x"); !errors.Is(err, ErrChatNotFound) {
		t.Fatalf("CreateMessage(missing chat) = %v, want ErrChatNotFound", err)
	}
}

func TestMessagesOrderedNewestFirst(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s, err := Open(context.Background(), NoopPersister{}, WithClock(func() time.Time { return base }))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	ctx := context.Background()
	a, _ := s.CreateChat(ctx, "a", "", "")
	b, _ := s.CreateChat(ctx, "b", "", "")

	var want []string
	for i := 0; i < 5; i++ {
		m, err := s.CreateMessage(ctx, a.ID, RoleUser, strings.Repeat("x", i+1), "")
		if err != nil {
			t.Fatalf("CreateMessage: %v", err)
		}
		want = append([]string{m.ID}, want...)
	}
	if _, err := s.CreateMessage(ctx, b.ID, RoleUser, "other", ""); err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}

	got := s.Messages(a.ID)
	if len(got) != len(want) {
		t.Fatalf("len(Messages) = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].ID != want[i] {
			t.Fatalf("Messages[%d] = %s, want %s", i, got[i].ID, want[i])
		}
		if got[i].ChatID != a.ID {
			t.Fatalf("Messages leaked message from chat %s", got[i].ChatID)
		}
	}
}

func TestAppendDeltaConcatenatesInOrder(t *testing.T) {
	tests := []struct {
		name   string
		chunks []string
	}{
		{"two chunks", []string{"Hel", "lo"}},
		{"single bytes", strings.Split("Hello, world", "")},
		{"one chunk", []string{"Hello, world"}},
		{"multibyte split", []string{"h\xc3", "\xa9llo"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := newTestStore(t)
			ctx := context.Background()
			chat, _ := s.CreateChat(ctx, "c", "", "")
			m, _ := s.CreateMessage(ctx, chat.ID, RoleAssistant, "", "")
			for _, c := range tc.chunks {
				if err := s.AppendDelta(m.ID, c); err != nil {
					t.Fatalf("AppendDelta: %v", err)
				}
			}
			if err := s.Finalize(ctx, m.ID); err != nil {
				t.Fatalf("Finalize: %v", err)
			}
			got, _ := s.Message(m.ID)
			if want := strings.Join(tc.chunks, ""); got.Content != want {
				t.Fatalf("content = %q, want %q", got.Content, want)
			}
			if got.State() != StateComplete {
				t.Fatalf("state = %s, want complete", got.State())
			}
		})
	}
}

func TestAppendDeltaRejectsSettledAndDeleted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	chat, _ := s.CreateChat(ctx, "c", "", "")

	user, _ := s.CreateMessage(ctx, chat.ID, RoleUser, "hi", "hi")
	if err := s.AppendDelta(user.ID, "x"); !errors.Is(err, ErrNotReceiving) {
		t.Fatalf("AppendDelta(user) = %v, want ErrNotReceiving", err)
	}

	m, _ := s.CreateMessage(ctx, chat.ID, RoleAssistant, "", "")
	_ = s.AppendDelta(m.ID, "par")
	if err := s.DeleteMessages(ctx, m.ID); err != nil {
		t.Fatalf("DeleteMessages: %v", err)
	}
	if err := s.AppendDelta(m.ID, "tial"); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("AppendDelta(deleted) = %v, want ErrMessageNotFound", err)
	}
	if err := s.Finalize(ctx, m.ID); err != nil {
		t.Fatalf("Finalize(deleted) = %v, want nil", err)
	}
	if err := s.Fail(ctx, m.ID, ReasonNetwork); err != nil {
		t.Fatalf("Fail(deleted) = %v, want nil", err)
	}
	if _, ok := s.Message(m.ID); ok {
		t.Fatal("deleted message was resurrected")
	}
	if n := len(s.Messages(chat.ID)); n != 1 {
		t.Fatalf("len(Messages) = %d, want 1", n)
	}
}

func TestSettleIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	chat, _ := s.CreateChat(ctx, "c", "", "")
	m, _ := s.CreateMessage(ctx, chat.ID, RoleAssistant, "", "")

	_ = s.AppendDelta(m.ID, "Hi")
	if err := s.Fail(ctx, m.ID, ReasonRateLimited); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if err := s.Finalize(ctx, m.ID); err != nil {
		t.Fatalf("Finalize after Fail: %v", err)
	}
	if err := s.Fail(ctx, m.ID, ReasonNetwork); err != nil {
		t.Fatalf("second Fail: %v", err)
	}
	got, _ := s.Message(m.ID)
	if got.Content != "Hi" || got.Receiving || got.FailedReason != ReasonRateLimited {
		t.Fatalf("message = %+v, want Hi/failed rate_limited", got)
	}
	if got.State() != StateFailed {
		t.Fatalf("state = %s, want failed", got.State())
	}
}

func TestResetForResend(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	chat, _ := s.CreateChat(ctx, "c", "", "")
	user, _ := s.CreateMessage(ctx, chat.ID, RoleUser, "q", "q")
	m, _ := s.CreateMessage(ctx, chat.ID, RoleAssistant, "", "")

	if _, err := s.ResetForResend(ctx, m.ID); !errors.Is(err, ErrNotResendable) {
		t.Fatalf("ResetForResend(receiving) = %v, want ErrNotResendable", err)
	}
	_ = s.AppendDelta(m.ID, "partial")
	_ = s.Fail(ctx, m.ID, ReasonNetwork)

	reset, err := s.ResetForResend(ctx, m.ID)
	if err != nil {
		t.Fatalf("ResetForResend: %v", err)
	}
	if reset.ID != m.ID || !reset.Timestamp.Equal(m.Timestamp) {
		t.Fatalf("identity changed: %+v vs %+v", reset, m)
	}
	if !reset.Receiving || reset.Content != "" || reset.FailedReason != "" {
		t.Fatalf("reset message = %+v", reset)
	}
	if _, err := s.ResetForResend(ctx, user.ID); !errors.Is(err, ErrNotResendable) {
		t.Fatalf("ResetForResend(user) = %v, want ErrNotResendable", err)
	}
	if _, err := s.ResetForResend(ctx, "nope"); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("ResetForResend(missing) = %v, want ErrMessageNotFound", err)
	}
}

func TestDeleteChatCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	chat, _ := s.CreateChat(ctx, "c", "", "")
	m, _ := s.CreateMessage(ctx, chat.ID, RoleUser, "hi", "hi")

	if err := s.DeleteChat(ctx, chat.ID); err != nil {
		t.Fatalf("DeleteChat: %v", err)
	}
	if _, ok := s.Message(m.ID); ok {
		t.Fatal("message survived chat delete")
	}
	if _, ok := s.Chat(chat.ID); ok {
		t.Fatal("chat survived delete")
	}
	if err := s.DeleteChat(ctx, chat.ID); !errors.Is(err, ErrChatNotFound) {
		t.Fatalf("second DeleteChat = %v, want ErrChatNotFound", err)
	}
}

func TestUpdateChatAndReceiving(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	chat, _ := s.CreateChat(ctx, "c", "openai:gpt-4o-mini", "")

	name := "renamed"
	prefix := "Answer briefly."
	got, err := s.UpdateChat(ctx, chat.ID, ChatPatch{Name: &name, MessagePrefix: &prefix})
	if err != nil {
		t.Fatalf("UpdateChat: %v", err)
	}
	if got.Name != name || got.MessagePrefix != prefix || got.Model != chat.Model {
		t.Fatalf("UpdateChat = %+v", got)
	}

	s.SetChatReceiving(chat.ID, true)
	if c, _ := s.Chat(chat.ID); !c.Receiving {
		t.Fatal("Receiving = false after SetChatReceiving(true)")
	}
	s.SetChatReceiving(chat.ID, false)
	if c, _ := s.Chat(chat.ID); c.Receiving {
		t.Fatal("Receiving = true after SetChatReceiving(false)")
	}
}

func TestConcurrentReadersSeeWholeDeltas(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	chat, _ := s.CreateChat(ctx, "c", "", "")
	m, _ := s.CreateMessage(ctx, chat.ID, RoleAssistant, "", "")

	const chunk = "abcd"
	const n = 500
	var wg sync.WaitGroup
	stop := make(chan struct{})
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				for _, msg := range s.Messages(chat.ID) {
					if len(msg.Content)%len(chunk) != 0 {
						t.Errorf("observed half-applied delta: %q", msg.Content)
						return
					}
				}
			}
		}()
	}
	for i := 0; i < n; i++ {
		if err := s.AppendDelta(m.ID, chunk); err != nil {
			t.Fatalf("AppendDelta: %v", err)
		}
	}
	close(stop)
	wg.Wait()

	got, _ := s.Message(m.ID)
	if len(got.Content) != n*len(chunk) {
		t.Fatalf("len(content) = %d, want %d", len(got.Content), n*len(chunk))
	}
}

func TestSubscribeDeliversChatChanges(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	chat, _ := s.CreateChat(ctx, "c", "", "")
	other, _ := s.CreateChat(ctx, "o", "", "")

	sub := s.Subscribe(chat.ID)
	defer sub.Close()

	m, _ := s.CreateMessage(ctx, chat.ID, RoleAssistant, "", "")
	_, _ = s.CreateMessage(ctx, other.ID, RoleUser, "ignored", "")
	_ = s.AppendDelta(m.ID, "Hi")
	_ = s.Finalize(ctx, m.ID)
	_ = s.DeleteMessages(ctx, m.ID)

	wantKinds := []ChangeKind{ChangeMessageCreated, ChangeMessageUpdated, ChangeMessageUpdated, ChangeMessagesDeleted}
	for i, want := range wantKinds {
		select {
		case c := <-sub.C:
			if c.Kind != want {
				t.Fatalf("change %d kind = %s, want %s", i, c.Kind, want)
			}
			if c.ChatID != chat.ID {
				t.Fatalf("change %d for chat %s", i, c.ChatID)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for change %d", i)
		}
	}
	select {
	case c := <-sub.C:
		t.Fatalf("unexpected extra change %+v", c)
	default:
	}
}

func TestSubscribeResyncAfterOverflow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	chat, _ := s.CreateChat(ctx, "c", "", "")
	m, _ := s.CreateMessage(ctx, chat.ID, RoleAssistant, "", "")

	sub := s.Subscribe(chat.ID)
	defer sub.Close()

	for i := 0; i < subscriptionBuffer+10; i++ {
		_ = s.AppendDelta(m.ID, "x")
	}
	for i := 0; i < subscriptionBuffer; i++ {
		<-sub.C
	}
	_ = s.Finalize(ctx, m.ID)

	if c := <-sub.C; c.Kind != ChangeResync {
		t.Fatalf("first change after overflow = %s, want resync", c.Kind)
	}
	if c := <-sub.C; c.Kind != ChangeMessageUpdated || c.Message.Receiving {
		t.Fatalf("change after resync = %+v, want finalized message", c)
	}
}

func TestSubscriptionCloseIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	sub := s.Subscribe("")
	sub.Close()
	sub.Close()
	if _, ok := <-sub.C; ok {
		t.Fatal("channel still open after Close")
	}
}
