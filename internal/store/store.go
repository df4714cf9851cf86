// Package store owns the canonical chat and message state.
//
// Readers never take a lock. The index of chats and messages is an immutable
// snapshot replaced wholesale on structural change (create, delete), and each
// message lives in its own atomic cell that is swapped on every content
// change. A reader therefore sees each message either before or after a
// delta, never in between. Writers serialize on a single mutex, and
// persistence happens under that mutex so a delete cannot be overtaken by a
// late write.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

type messageCell struct {
	v atomic.Pointer[Message]
}

func (c *messageCell) load() Message { return *c.v.Load() }

type index struct {
	chats    map[string]*Chat
	messages map[string]*messageCell
	byChat   map[string][]string // message IDs in insertion order
}

func (ix *index) clone() *index {
	next := &index{
		chats:    make(map[string]*Chat, len(ix.chats)),
		messages: make(map[string]*messageCell, len(ix.messages)),
		byChat:   make(map[string][]string, len(ix.byChat)),
	}
	for k, v := range ix.chats {
		next.chats[k] = v
	}
	for k, v := range ix.messages {
		next.messages[k] = v
	}
	for k, v := range ix.byChat {
		next.byChat[k] = v
	}
	return next
}

// Store is the sole mutator of chats and messages.
type Store struct {
	mu      sync.Mutex
	idx     atomic.Pointer[index]
	persist Persister
	hub     *hub
	logger  *slog.Logger
	now     func() time.Time
	lastTS  time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for persistence warnings.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open loads persisted state. Messages left receiving by a previous process
// are failed with ReasonCancelled, since no stream can still be feeding them.
func Open(ctx context.Context, p Persister, opts ...Option) (*Store, error) {
	if p == nil {
		p = NoopPersister{}
	}
	s := &Store{
		persist: p,
		hub:     newHub(),
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	chats, messages, err := p.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load store: %w", err)
	}

	ix := &index{
		chats:    make(map[string]*Chat, len(chats)),
		messages: make(map[string]*messageCell, len(messages)),
		byChat:   make(map[string][]string, len(chats)),
	}
	for i := range chats {
		c := chats[i]
		c.Receiving = false
		ix.chats[c.ID] = &c
	}
	sort.SliceStable(messages, func(i, j int) bool { return messages[i].Timestamp.Before(messages[j].Timestamp) })
	recovered := 0
	for i := range messages {
		m := messages[i]
		if _, ok := ix.chats[m.ChatID]; !ok {
			continue
		}
		if m.Receiving {
			m.Receiving = false
			m.FailedReason = ReasonCancelled
			if err := p.SaveMessage(ctx, m); err != nil {
				return nil, fmt.Errorf("recover message %s: %w", m.ID, err)
			}
			recovered++
		}
		cell := &messageCell{}
		cell.v.Store(&m)
		ix.messages[m.ID] = cell
		ix.byChat[m.ChatID] = append(ix.byChat[m.ChatID], m.ID)
		if m.Timestamp.After(s.lastTS) {
			s.lastTS = m.Timestamp
		}
	}
	if recovered > 0 {
		s.logger.Warn("recovered interrupted messages", "count", recovered)
	}
	s.idx.Store(ix)
	return s, nil
}

// Close releases subscribers and the persister.
func (s *Store) Close() error {
	s.hub.closeAll()
	return s.persist.Close()
}

// stamp returns a timestamp strictly after every previous one so timestamp
// ordering matches creation order. Caller holds s.mu.
func (s *Store) stamp() time.Time {
	t := s.now()
	if !t.After(s.lastTS) {
		t = s.lastTS.Add(time.Microsecond)
	}
	s.lastTS = t
	return t
}

// Subscribe delivers changes for chatID, or for every chat when chatID is "".
func (s *Store) Subscribe(chatID string) *Subscription {
	return s.hub.add(chatID)
}

// Chat returns a copy of the chat.
func (s *Store) Chat(id string) (Chat, bool) {
	c, ok := s.idx.Load().chats[id]
	if !ok {
		return Chat{}, false
	}
	return *c, true
}

// Chats returns every chat, most recently updated first.
func (s *Store) Chats() []Chat {
	ix := s.idx.Load()
	out := make([]Chat, 0, len(ix.chats))
	for _, c := range ix.chats {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// Message returns a copy of the message.
func (s *Store) Message(id string) (Message, bool) {
	cell, ok := s.idx.Load().messages[id]
	if !ok {
		return Message{}, false
	}
	return cell.load(), true
}

// Messages returns the chat's messages ordered by timestamp, newest first.
func (s *Store) Messages(chatID string) []Message {
	ix := s.idx.Load()
	ids := ix.byChat[chatID]
	out := make([]Message, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		out = append(out, ix.messages[ids[i]].load())
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out
}

// CreateChat adds a new chat.
func (s *Store) CreateChat(ctx context.Context, name, model, prefix string) (Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.stamp()
	c := &Chat{
		ID:            NewID(),
		Name:          name,
		Model:         model,
		MessagePrefix: prefix,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.persist.SaveChat(ctx, *c); err != nil {
		return Chat{}, err
	}
	next := s.idx.Load().clone()
	next.chats[c.ID] = c
	s.idx.Store(next)
	s.hub.publish(Change{Kind: ChangeChatCreated, ChatID: c.ID, Chat: copyChat(c)})
	return *c, nil
}

// UpdateChat applies patch to the chat.
func (s *Store) UpdateChat(ctx context.Context, id string, patch ChatPatch) (Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.idx.Load().chats[id]
	if !ok {
		return Chat{}, ErrChatNotFound
	}
	c := *cur
	if patch.Name != nil {
		c.Name = *patch.Name
	}
	if patch.Model != nil {
		c.Model = *patch.Model
	}
	if patch.MessagePrefix != nil {
		c.MessagePrefix = *patch.MessagePrefix
	}
	c.UpdatedAt = s.stamp()
	if err := s.persist.SaveChat(ctx, c); err != nil {
		return Chat{}, err
	}
	s.replaceChat(&c)
	return c, nil
}

// SetChatReceiving flips the chat's in-flight flag. The flag is volatile and
// not persisted.
func (s *Store) SetChatReceiving(id string, receiving bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.idx.Load().chats[id]
	if !ok || cur.Receiving == receiving {
		return
	}
	c := *cur
	c.Receiving = receiving
	s.replaceChat(&c)
}

// replaceChat swaps in c and publishes. Caller holds s.mu.
func (s *Store) replaceChat(c *Chat) {
	next := s.idx.Load().clone()
	next.chats[c.ID] = c
	s.idx.Store(next)
	s.hub.publish(Change{Kind: ChangeChatUpdated, ChatID: c.ID, Chat: copyChat(c)})
}

// DeleteChat removes the chat and all of its messages.
func (s *Store) DeleteChat(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.idx.Load()
	if _, ok := cur.chats[id]; !ok {
		return ErrChatNotFound
	}
	if err := s.persist.DeleteChat(ctx, id); err != nil {
		return err
	}
	next := cur.clone()
	for _, mid := range next.byChat[id] {
		delete(next.messages, mid)
	}
	delete(next.byChat, id)
	delete(next.chats, id)
	s.idx.Store(next)
	s.hub.publish(Change{Kind: ChangeChatDeleted, ChatID: id})
	return nil
}

// CreateMessage appends a message to a chat. User messages are complete on
// creation; assistant messages start receiving with no content.
func (s *Store) CreateMessage(ctx context.Context, chatID string, role Role, raw, processed string) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.idx.Load()
	chat, ok := cur.chats[chatID]
	if !ok {
		return Message{}, ErrChatNotFound
	}
	m := &Message{
		ID:        NewID(),
		ChatID:    chatID,
		Role:      role,
		Timestamp: s.stamp(),
	}
	if role == RoleUser {
		m.Content = raw
		m.ProcessedContent = processed
	} else {
		m.Receiving = true
	}
	if err := s.persist.SaveMessage(ctx, *m); err != nil {
		return Message{}, err
	}

	c := *chat
	c.UpdatedAt = m.Timestamp
	if err := s.persist.SaveChat(ctx, c); err != nil {
		s.logger.Warn("failed to touch chat", "chat_id", chatID, "error", err)
	}

	next := cur.clone()
	cell := &messageCell{}
	cell.v.Store(m)
	next.messages[m.ID] = cell
	ids := make([]string, len(next.byChat[chatID]), len(next.byChat[chatID])+1)
	copy(ids, next.byChat[chatID])
	next.byChat[chatID] = append(ids, m.ID)
	next.chats[chatID] = &c
	s.idx.Store(next)

	s.hub.publish(Change{Kind: ChangeMessageCreated, ChatID: chatID, Message: copyMessage(m)})
	return *m, nil
}

// AppendDelta concatenates text onto a receiving message. It returns
// ErrMessageNotFound when the message has been deleted and ErrNotReceiving
// when it has already settled. Deltas are held in memory only.
func (s *Store) AppendDelta(id, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cell, ok := s.idx.Load().messages[id]
	if !ok {
		return ErrMessageNotFound
	}
	m := cell.load()
	if !m.Receiving {
		return ErrNotReceiving
	}
	m.Content += text
	cell.v.Store(&m)
	s.hub.publish(Change{Kind: ChangeMessageUpdated, ChatID: m.ChatID, Message: &m})
	return nil
}

// Finalize marks a receiving message complete and persists it. It is a no-op
// on deleted or already settled messages.
func (s *Store) Finalize(ctx context.Context, id string) error {
	return s.settle(ctx, id, "")
}

// Fail marks a receiving message failed, keeping any partial content. It is a
// no-op on deleted or already settled messages.
func (s *Store) Fail(ctx context.Context, id string, reason FailureReason) error {
	if reason == "" {
		reason = ReasonUnknown
	}
	return s.settle(ctx, id, reason)
}

func (s *Store) settle(ctx context.Context, id string, reason FailureReason) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cell, ok := s.idx.Load().messages[id]
	if !ok {
		return nil
	}
	m := cell.load()
	if !m.Receiving {
		return nil
	}
	m.Receiving = false
	m.FailedReason = reason
	cell.v.Store(&m)
	s.hub.publish(Change{Kind: ChangeMessageUpdated, ChatID: m.ChatID, Message: &m})

	// Memory is settled even if the write fails so nothing stays receiving.
	if err := s.persist.SaveMessage(ctx, m); err != nil {
		s.logger.Error("failed to persist settled message", "message_id", id, "error", err)
		return err
	}
	return nil
}

// ResetForResend clears an assistant message's content and failure and puts
// it back into receiving, keeping its ID and timestamp.
func (s *Store) ResetForResend(ctx context.Context, id string) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cell, ok := s.idx.Load().messages[id]
	if !ok {
		return Message{}, ErrMessageNotFound
	}
	m := cell.load()
	if m.Role != RoleAssistant || m.Receiving {
		return Message{}, ErrNotResendable
	}
	m.Content = ""
	m.FailedReason = ""
	m.Receiving = true
	if err := s.persist.SaveMessage(ctx, m); err != nil {
		return Message{}, err
	}
	cell.v.Store(&m)
	s.hub.publish(Change{Kind: ChangeMessageUpdated, ChatID: m.ChatID, Message: copyMessage(&m)})
	return m, nil
}

// DeleteMessages removes the given messages. Unknown IDs are skipped. Later
// appends against a deleted ID report ErrMessageNotFound and settles are
// ignored, so nothing is resurrected.
func (s *Store) DeleteMessages(ctx context.Context, ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.idx.Load()
	byChat := make(map[string][]string)
	var present []string
	for _, id := range ids {
		cell, ok := cur.messages[id]
		if !ok {
			continue
		}
		m := cell.load()
		byChat[m.ChatID] = append(byChat[m.ChatID], id)
		present = append(present, id)
	}
	if len(present) == 0 {
		return nil
	}
	if err := s.persist.DeleteMessages(ctx, present); err != nil {
		return err
	}

	next := cur.clone()
	for chatID, gone := range byChat {
		drop := make(map[string]bool, len(gone))
		for _, id := range gone {
			drop[id] = true
			delete(next.messages, id)
		}
		kept := make([]string, 0, len(next.byChat[chatID]))
		for _, id := range next.byChat[chatID] {
			if !drop[id] {
				kept = append(kept, id)
			}
		}
		next.byChat[chatID] = kept
	}
	s.idx.Store(next)
	for chatID, gone := range byChat {
		s.hub.publish(Change{Kind: ChangeMessagesDeleted, ChatID: chatID, MessageIDs: gone})
	}
	return nil
}

func copyChat(c *Chat) *Chat {
	cp := *c
	return &cp
}

func copyMessage(m *Message) *Message {
	cp := *m
	return &cp
}
