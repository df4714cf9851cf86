// Package exchange runs send and resend cycles: admission through the
// per-chat Guard, building the outgoing records, streaming the backend
// response into the store, and the terminal bookkeeping.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/assischat/assischat/internal/llm"
	"github.com/assischat/assischat/internal/store"
)

const settleTimeout = 10 * time.Second

// SettingsSource resolves a chat's model reference into an immutable
// settings snapshot.
type SettingsSource interface {
	Settings(modelRef string) (llm.Settings, error)
}

// ProviderFactory builds a provider from a settings snapshot.
type ProviderFactory func(llm.Settings) (llm.Provider, error)

// Coordinator owns the exchange lifecycle for every chat.
type Coordinator struct {
	store       *store.Store
	guard       *Guard
	settings    SettingsSource
	newProvider ProviderFactory
	logger      *slog.Logger

	mu     sync.Mutex
	active map[string]*Exchange // by chat ID
	wg     sync.WaitGroup
}

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithProviderFactory replaces llm.NewProvider.
func WithProviderFactory(f ProviderFactory) Option {
	return func(c *Coordinator) { c.newProvider = f }
}

// New returns a Coordinator whose guard mirrors ownership into each chat's
// Receiving flag.
func New(st *store.Store, settings SettingsSource, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:       st,
		settings:    settings,
		newProvider: llm.NewProvider,
		logger:      slog.Default(),
		active:      make(map[string]*Exchange),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.guard = NewGuard(st.SetChatReceiving)
	return c
}

// Guard exposes the per-chat admission gate.
func (c *Coordinator) Guard() *Guard {
	return c.guard
}

// applyPrefix builds the processed content sent to the backend.
func applyPrefix(prefix, text string) string {
	if strings.TrimSpace(prefix) == "" {
		return text
	}
	return prefix + "\n\n" + text
}

// Available reports whether the chat's model resolves to a usable provider.
// It never contacts the backend, but resolving credential references may run
// a command or DNS lookup unless the settings source caches them.
func (c *Coordinator) Available(chatID string) error {
	chat, ok := c.store.Chat(chatID)
	if !ok {
		return ErrChatNotFound
	}
	_, err := c.providerFor(chat)
	return err
}

func (c *Coordinator) providerFor(chat store.Chat) (llm.Provider, error) {
	settings, err := c.settings.Settings(chat.Model)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAdapterUnavailable, err)
	}
	p, err := c.newProvider(settings)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAdapterUnavailable, err)
	}
	return p, nil
}

// Send admits a new exchange on chatID, records the user message and an
// assistant placeholder, and starts streaming. ctx is the exchange's
// cancellation token and must outlive the call. Rejections (ErrBusy,
// ErrAdapterUnavailable) leave the store untouched.
func (c *Coordinator) Send(ctx context.Context, chatID, text string) (*Exchange, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyMessage
	}
	chat, ok := c.store.Chat(chatID)
	if !ok {
		return nil, ErrChatNotFound
	}
	// Resolve the adapter from the settings snapshot before admission so a
	// missing credential never touches the gate.
	provider, err := c.providerFor(chat)
	if err != nil {
		return nil, err
	}
	if !c.guard.TryAdmit(chatID) {
		return nil, ErrBusy
	}

	user, err := c.store.CreateMessage(ctx, chatID, store.RoleUser, text, applyPrefix(chat.MessagePrefix, text))
	if err != nil {
		c.guard.Release(chatID)
		return nil, fmt.Errorf("create user message: %w", err)
	}
	placeholder, err := c.store.CreateMessage(ctx, chatID, store.RoleAssistant, "", "")
	if err != nil {
		c.guard.Release(chatID)
		return nil, fmt.Errorf("create placeholder: %w", err)
	}

	history := c.contextBefore(chatID, placeholder)
	ex := newExchange(ctx, chatID, placeholder.ID)
	ex.UserMessageID = user.ID
	c.start(ex, provider, history)
	return ex, nil
}

// Resend re-runs the exchange that produced an assistant message, reusing
// the same record. The context is every eligible message before it.
func (c *Coordinator) Resend(ctx context.Context, messageID string) (*Exchange, error) {
	msg, ok := c.store.Message(messageID)
	if !ok {
		return nil, ErrMessageNotFound
	}
	if msg.Role != store.RoleAssistant || msg.Receiving {
		return nil, ErrNotResendable
	}
	chat, ok := c.store.Chat(msg.ChatID)
	if !ok {
		return nil, ErrChatNotFound
	}
	history := c.contextBefore(chat.ID, msg)
	if len(history) == 0 {
		return nil, fmt.Errorf("%w: no prior messages", ErrNotResendable)
	}
	provider, err := c.providerFor(chat)
	if err != nil {
		return nil, err
	}
	if !c.guard.TryAdmit(chat.ID) {
		return nil, ErrBusy
	}

	reset, err := c.store.ResetForResend(ctx, messageID)
	if err != nil {
		c.guard.Release(chat.ID)
		return nil, err
	}
	ex := newExchange(ctx, chat.ID, reset.ID)
	c.start(ex, provider, history)
	return ex, nil
}

// Cancel cancels the in-flight exchange on chatID. It reports whether there
// was one.
func (c *Coordinator) Cancel(chatID string) bool {
	c.mu.Lock()
	ex, ok := c.active[chatID]
	c.mu.Unlock()
	if ok {
		ex.Cancel()
	}
	return ok
}

// Active returns the in-flight exchange on chatID, if any.
func (c *Coordinator) Active(chatID string) (*Exchange, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ex, ok := c.active[chatID]
	return ex, ok
}

// Shutdown cancels every in-flight exchange and waits for their bookkeeping.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	for _, ex := range c.active {
		ex.Cancel()
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// contextBefore returns the chat's messages older than upTo, oldest first,
// keeping only settled successful messages with content.
func (c *Coordinator) contextBefore(chatID string, upTo store.Message) []llm.Message {
	msgs := c.store.Messages(chatID)
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Timestamp.Before(msgs[j].Timestamp) })

	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.ID == upTo.ID || !m.Timestamp.Before(upTo.Timestamp) {
			continue
		}
		if m.State() != store.StateComplete {
			continue
		}
		content := m.SentContent()
		if content == "" {
			continue
		}
		role := llm.RoleUser
		if m.Role == store.RoleAssistant {
			role = llm.RoleAssistant
		}
		out = append(out, llm.Message{Role: role, Content: content})
	}
	return out
}

func (c *Coordinator) start(ex *Exchange, provider llm.Provider, history []llm.Message) {
	ex.Provider = provider.Name()
	c.mu.Lock()
	c.active[ex.ChatID] = ex
	c.mu.Unlock()

	c.wg.Add(1)
	go c.watchDeletion(ex, c.store.Subscribe(ex.ChatID))
	go c.run(ex, provider, llm.Request{Messages: history})
}

// watchDeletion cancels the exchange when its placeholder or chat is deleted,
// so an idle stream is closed without waiting for the next delta.
func (c *Coordinator) watchDeletion(ex *Exchange, sub *store.Subscription) {
	defer sub.Close()
	for {
		select {
		case <-ex.ctx.Done():
			return
		case ch, ok := <-sub.C:
			if !ok {
				return
			}
			switch ch.Kind {
			case store.ChangeChatDeleted:
				ex.cancel()
				return
			case store.ChangeMessagesDeleted, store.ChangeResync:
				if _, exists := c.store.Message(ex.MessageID); !exists {
					ex.cancel()
					return
				}
			}
		}
	}
}

// run drives one exchange to a terminal state. The deferred block releases
// the gate on every path, including a panic.
func (c *Coordinator) run(ex *Exchange, provider llm.Provider, req llm.Request) {
	log := c.logger.With("chat_id", ex.ChatID, "message_id", ex.MessageID, "provider", ex.Provider)
	started := time.Now()

	defer func() {
		if r := recover(); r != nil {
			log.Error("exchange panicked", "panic", r)
			c.settle(ex, store.ReasonUnknown)
		}
		c.finish(ex)
		res := ex.Result()
		log.Info("exchange finished", "outcome", res.Outcome, "reason", res.Reason, "duration", time.Since(started))
	}()

	log.Debug("exchange streaming", "context_messages", len(req.Messages))
	stream, err := provider.Stream(ex.ctx, req)
	if err != nil {
		if ex.ctx.Err() != nil {
			c.settle(ex, store.ReasonCancelled)
			return
		}
		log.Warn("adapter fault", "error", err)
		c.settle(ex, store.ReasonAdapterUnavailable)
		return
	}
	defer stream.Close()

	for {
		ev, err := stream.Recv()
		if ex.ctx.Err() != nil {
			c.settle(ex, store.ReasonCancelled)
			return
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				// Streams always deliver a terminal event before EOF.
				c.settle(ex, store.ReasonNetwork)
				return
			}
			c.settle(ex, reasonFor(llm.Classify(err)))
			return
		}

		switch ev.Type {
		case llm.EventTextDelta:
			if err := c.store.AppendDelta(ex.MessageID, ev.Text); err != nil {
				if !errors.Is(err, store.ErrMessageNotFound) {
					log.Error("append rejected", "error", err)
				}
				ex.setOutcome(OutcomeAbandoned, "")
				return
			}
		case llm.EventDone:
			c.settle(ex, "")
			return
		case llm.EventFailed:
			if ev.Err != nil {
				log.Warn("stream failed", "reason", ev.Reason, "error", ev.Err)
			}
			c.settle(ex, reasonFor(ev.Reason))
			return
		}
	}
}

// settle writes the terminal state. It runs detached from the exchange's
// cancellation so a cancelled exchange still records ReasonCancelled.
func (c *Coordinator) settle(ex *Exchange, reason store.FailureReason) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ex.ctx), settleTimeout)
	defer cancel()

	if _, ok := c.store.Message(ex.MessageID); !ok {
		ex.setOutcome(OutcomeAbandoned, "")
		return
	}

	var err error
	switch reason {
	case "":
		err = c.store.Finalize(ctx, ex.MessageID)
		ex.setOutcome(OutcomeFinalized, "")
	case store.ReasonCancelled:
		err = c.store.Fail(ctx, ex.MessageID, reason)
		ex.setOutcome(OutcomeCancelled, reason)
	default:
		err = c.store.Fail(ctx, ex.MessageID, reason)
		ex.setOutcome(OutcomeFailed, reason)
	}
	if err != nil {
		c.logger.Error("failed to persist exchange result", "chat_id", ex.ChatID, "message_id", ex.MessageID, "error", err)
		ex.setErr(fmt.Errorf("save reply: %w", err))
	}
}

func (c *Coordinator) finish(ex *Exchange) {
	ex.release.Do(func() {
		c.mu.Lock()
		if c.active[ex.ChatID] == ex {
			delete(c.active, ex.ChatID)
		}
		c.mu.Unlock()
		c.guard.Release(ex.ChatID)
		ex.cancel()
		close(ex.done)
		c.wg.Done()
	})
}

func reasonFor(r llm.FailureReason) store.FailureReason {
	if r == "" {
		return store.ReasonUnknown
	}
	return store.FailureReason(r)
}
