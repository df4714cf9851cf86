package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/assischat/assischat/internal/config"
	"github.com/assischat/assischat/internal/exchange"
	"github.com/assischat/assischat/internal/exitcode"
	"github.com/assischat/assischat/internal/store"
	"github.com/assischat/assischat/internal/ui"
)

const closeTimeout = 10 * time.Second

// app is the runtime shared by every command that touches chats.
type app struct {
	live  *config.Live
	store *store.Store
	coord *exchange.Coordinator
}

func openApp(ctx context.Context) (*app, error) {
	cfg := live.Current()
	p, err := store.NewPersister(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	st, err := store.Open(ctx, p, store.WithLogger(slog.Default()))
	if err != nil {
		p.Close()
		return nil, err
	}
	coord := exchange.New(st, live, exchange.WithLogger(slog.Default()))
	return &app{live: live, store: st, coord: coord}, nil
}

// Close cancels anything still streaming, waits for it to settle and closes
// the store.
func (a *app) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := a.coord.Shutdown(ctx); err != nil {
		slog.Warn("exchanges did not settle before exit", "error", err)
	}
	return a.store.Close()
}

// resolveModel turns a user-supplied model reference into the canonical
// "provider:model" form. A bare provider name selects that provider's
// default model; any other bare word is a model of the default provider.
func resolveModel(cfg *config.Config, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return cfg.ModelRef("", "")
	}
	if !strings.Contains(ref, ":") {
		for _, name := range cfg.ProviderNames() {
			if name == ref {
				return cfg.ModelRef(name, "")
			}
		}
	}
	return cfg.ModelRef(config.ParseModelRef(ref, cfg.DefaultProvider))
}

func (a *app) resolveChat(query string) (store.Chat, error) {
	chat, err := store.FindChat(a.store.Chats(), query)
	if errors.Is(err, store.ErrChatNotFound) {
		return store.Chat{}, fmt.Errorf("no chat matches %q", query)
	}
	return chat, err
}

// resolveMessage accepts a full message ID or a unique prefix of one.
func (a *app) resolveMessage(query string) (store.Message, error) {
	query = strings.TrimSpace(query)
	if m, ok := a.store.Message(query); ok {
		return m, nil
	}
	if query == "" {
		return store.Message{}, store.ErrMessageNotFound
	}
	var found []store.Message
	for _, c := range a.store.Chats() {
		for _, m := range a.store.Messages(c.ID) {
			if strings.HasPrefix(m.ID, query) {
				found = append(found, m)
			}
		}
	}
	switch len(found) {
	case 0:
		return store.Message{}, fmt.Errorf("no message matches %q", query)
	case 1:
		return found[0], nil
	default:
		return store.Message{}, fmt.Errorf("message reference %q is ambiguous (%d matches)", query, len(found))
	}
}

// exitFor maps coordinator errors onto process exit codes.
func exitFor(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, exchange.ErrBusy):
		return exitcode.BusyChat(err.Error())
	case errors.Is(err, exchange.ErrAdapterUnavailable):
		return exitcode.Unavailable(err.Error())
	default:
		return err
	}
}

// streamReply writes the reply for ex to out as it grows and returns once
// the exchange has settled. sub must have been opened before the exchange
// started so no delta is missed.
func (a *app) streamReply(out io.Writer, sub *store.Subscription, ex *exchange.Exchange) exchange.Result {
	defer sub.Close()

	printed := 0
	flush := func(content string) {
		if len(content) > printed {
			io.WriteString(out, content[printed:])
			printed = len(content)
		}
	}

	changes := sub.C
	for {
		select {
		case c, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			if c.Kind == store.ChangeMessageUpdated && c.Message != nil && c.Message.ID == ex.MessageID {
				flush(c.Message.Content)
			}
		case <-ex.Done():
			if m, ok := a.store.Message(ex.MessageID); ok {
				flush(m.Content)
			}
			if printed > 0 {
				io.WriteString(out, "\n")
			}
			return ex.Result()
		}
	}
}

// settledError reports a reply that did not complete.
func settledError(res exchange.Result) error {
	if res.Err != nil && res.Outcome != exchange.OutcomeAbandoned {
		return fmt.Errorf("reply was not saved: %w", res.Err)
	}
	switch res.Outcome {
	case exchange.OutcomeFinalized:
		return nil
	case exchange.OutcomeCancelled:
		return exitcode.Cancel()
	case exchange.OutcomeAbandoned:
		return errors.New("the reply was discarded because its message was deleted")
	default:
		return fmt.Errorf("reply failed: %s", ui.FailureText(res.Reason))
	}
}

func defaultChatName() string {
	return "chat " + time.Now().Format("Jan 2 15:04")
}
