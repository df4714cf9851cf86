package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/assischat/assischat/internal/exchange"
	"github.com/assischat/assischat/internal/store"
	"github.com/assischat/assischat/internal/ui"
)

var chatCmd = &cobra.Command{
	Use:   "chat [chat]",
	Short: "Interactive chat",
	Long: `Start an interactive chat, or continue an existing one.

While a reply streams, Ctrl+C cancels it. When idle, Ctrl+C or Ctrl+D
exits. Another assischat process on the same chat is not seen until this
one restarts; use "assischat serve" for shared access.

Commands:
  /history [n]     show the last n messages (default 10)
  /resend          regenerate the last reply
  /delete [id]     delete a message (default: the last one)
  /model [ref]     show or change the model
  /prefix [text]   show or change the message prefix ("/prefix clear" removes it)
  /quit            exit`,
	Args:              cobra.MaximumNArgs(1),
	ValidArgsFunction: chatCompletion,
	RunE:              runChat,
}

var (
	chatModel  string
	chatPrefix string
)

const historyPreview = 6

func init() {
	chatCmd.Flags().StringVarP(&chatModel, "model", "m", "", "Model for a new chat, as provider[:model]")
	chatCmd.Flags().StringVar(&chatPrefix, "prefix", "", "Message prefix for a new chat")
	chatCmd.RegisterFlagCompletionFunc("model", modelCompletion)
	rootCmd.AddCommand(chatCmd)
}

// repl is one interactive session bound to a chat.
type repl struct {
	app    *app
	chatID string
	styles *ui.Styles
	sigs   chan os.Signal
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	var chat store.Chat
	if len(args) > 0 {
		chat, err = a.resolveChat(args[0])
	} else {
		chat, err = a.store.CreateChat(ctx, defaultChatName(), resolveModel(live.Current(), chatModel), chatPrefix)
	}
	if err != nil {
		return err
	}

	r := &repl{
		app:    a,
		chatID: chat.ID,
		styles: ui.NewStyles(os.Stdout),
		sigs:   make(chan os.Signal, 1),
	}
	signal.Notify(r.sigs, os.Interrupt)
	defer signal.Stop(r.sigs)

	r.header(chat)
	r.history(historyPreview)
	return r.loop(ctx)
}

func (r *repl) header(chat store.Chat) {
	fmt.Println(r.styles.Title.Render(chat.Name) + " " + r.styles.Muted.Render(chat.Model))
	if err := r.app.coord.Available(chat.ID); err != nil {
		fmt.Println(r.styles.Error.Render(fmt.Sprintf("model %s is not available: %v", chat.Model, err)))
		fmt.Println(r.styles.Muted.Render("set a key with: assischat config set-key <provider>, or change it with /model"))
	}
}

func (r *repl) loop(ctx context.Context) error {
	interactive := term.IsTerminal(int(os.Stdin.Fd()))

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		sc.Buffer(make([]byte, 64*1024), 1<<20)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		if interactive {
			fmt.Print(r.styles.UserLabel.Render("> "))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-r.sigs:
			fmt.Println()
			return nil
		case line, ok := <-lines:
			if !ok {
				if interactive {
					fmt.Println()
				}
				return nil
			}
			quit, err := r.handle(ctx, strings.TrimSpace(line))
			if err != nil {
				fmt.Println(r.styles.FormatResult(false, err.Error()))
			}
			if quit {
				return nil
			}
		}
	}
}

func (r *repl) handle(ctx context.Context, line string) (quit bool, err error) {
	if line == "" {
		return false, nil
	}
	if _, ok := r.app.store.Chat(r.chatID); !ok {
		return true, fmt.Errorf("this chat was deleted")
	}
	if !strings.HasPrefix(line, "/") {
		return false, r.send(ctx, line)
	}

	name, arg, _ := strings.Cut(line[1:], " ")
	arg = strings.TrimSpace(arg)
	switch name {
	case "quit", "exit", "q":
		return true, nil
	case "history":
		n := 10
		if arg != "" {
			if n, err = strconv.Atoi(arg); err != nil || n <= 0 {
				return false, fmt.Errorf("usage: /history [n]")
			}
		}
		r.history(n)
	case "resend":
		return false, r.resend(ctx)
	case "delete":
		return false, r.delete(ctx, arg)
	case "model":
		return false, r.model(ctx, arg)
	case "prefix":
		return false, r.prefix(ctx, arg)
	case "help":
		fmt.Println(r.styles.Muted.Render("/history [n]  /resend  /delete [id]  /model [ref]  /prefix [text]  /quit"))
	default:
		return false, fmt.Errorf("unknown command /%s (try /help)", name)
	}
	return false, nil
}

// history prints the last n messages, oldest first.
func (r *repl) history(n int) {
	messages := r.app.store.Messages(r.chatID)
	if len(messages) > n {
		messages = messages[:n]
	}
	for i := len(messages) - 1; i >= 0; i-- {
		fmt.Print(r.styles.RenderMessage(messages[i]))
		fmt.Println()
	}
}

func (r *repl) send(ctx context.Context, text string) error {
	sub := r.app.store.Subscribe(r.chatID)
	ex, err := r.app.coord.Send(ctx, r.chatID, text)
	if err != nil {
		sub.Close()
		return err
	}
	r.follow(sub, ex)
	return nil
}

func (r *repl) resend(ctx context.Context) error {
	var last *store.Message
	for _, m := range r.app.store.Messages(r.chatID) {
		if m.Role == store.RoleAssistant {
			last = &m
			break
		}
	}
	if last == nil {
		return fmt.Errorf("there is no reply to resend")
	}
	sub := r.app.store.Subscribe(r.chatID)
	ex, err := r.app.coord.Resend(ctx, last.ID)
	if err != nil {
		sub.Close()
		return err
	}
	r.follow(sub, ex)
	return nil
}

// follow streams the reply and lets Ctrl+C cancel it.
func (r *repl) follow(sub *store.Subscription, ex *exchange.Exchange) {
	go func() {
		select {
		case <-r.sigs:
			ex.Cancel()
		case <-ex.Done():
		}
	}()

	fmt.Println(r.styles.AssistantLabel.Render("assistant"))
	res := r.app.streamReply(os.Stdout, sub, ex)
	switch res.Outcome {
	case exchange.OutcomeFinalized:
	case exchange.OutcomeAbandoned:
		fmt.Println(r.styles.Muted.Render("reply discarded"))
	default:
		fmt.Println(r.styles.Error.Render(ui.FailIcon + " " + ui.FailureText(res.Reason)))
	}
	fmt.Println()
}

func (r *repl) delete(ctx context.Context, ref string) error {
	var id string
	if ref == "" {
		messages := r.app.store.Messages(r.chatID)
		if len(messages) == 0 {
			return fmt.Errorf("no messages to delete")
		}
		id = messages[0].ID
	} else {
		m, err := r.app.resolveMessage(ref)
		if err != nil {
			return err
		}
		if m.ChatID != r.chatID {
			return fmt.Errorf("message %s belongs to another chat", store.ShortID(m.ID))
		}
		id = m.ID
	}
	if err := r.app.store.DeleteMessages(ctx, id); err != nil {
		return err
	}
	fmt.Println(r.styles.FormatResult(true, "deleted "+store.ShortID(id)))
	return nil
}

func (r *repl) model(ctx context.Context, ref string) error {
	if ref == "" {
		chat, _ := r.app.store.Chat(r.chatID)
		fmt.Println(chat.Model)
		return nil
	}
	model := resolveModel(live.Current(), ref)
	chat, err := r.app.store.UpdateChat(ctx, r.chatID, store.ChatPatch{Model: &model})
	if err != nil {
		return err
	}
	fmt.Println(r.styles.FormatResult(true, "now using "+chat.Model))
	if err := r.app.coord.Available(chat.ID); err != nil {
		fmt.Println(r.styles.Error.Render(fmt.Sprintf("model %s is not available: %v", chat.Model, err)))
	}
	return nil
}

func (r *repl) prefix(ctx context.Context, text string) error {
	if text == "" {
		chat, _ := r.app.store.Chat(r.chatID)
		if chat.MessagePrefix == "" {
			fmt.Println(r.styles.Muted.Render("no prefix"))
		} else {
			fmt.Println(chat.MessagePrefix)
		}
		return nil
	}
	if text == "clear" {
		text = ""
	}
	if _, err := r.app.store.UpdateChat(ctx, r.chatID, store.ChatPatch{MessagePrefix: &text}); err != nil {
		return err
	}
	fmt.Println(r.styles.FormatResult(true, "prefix updated"))
	return nil
}
