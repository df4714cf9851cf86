package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/assischat/assischat/internal/store"
	"github.com/assischat/assischat/internal/ui"
)

var sendCmd = &cobra.Command{
	Use:   "send [message]",
	Short: "Send one message and stream the reply",
	Long: `Send a message to a chat and print the reply as it streams.

Without --chat a new chat is created. When no message is given on the
command line it is read from stdin.

Exit codes: 2 when the chat is busy, 3 when no backend is available for
its model, 130 when interrupted.

The busy check only covers replies started by this process. Separate
assischat processes sharing one database do not see each other's
in-flight replies; run "assischat serve" and send through it when several
clients use the same chats.

Examples:
  assischat send "what is a monad?"
  assischat send --chat work "summarize our last exchange"
  git diff | assischat send --model anthropic --prefix "Review this diff:"`,
	Args: cobra.ArbitraryArgs,
	RunE: runSend,
}

var (
	sendChat   string
	sendModel  string
	sendPrefix string
)

func init() {
	sendCmd.Flags().StringVarP(&sendChat, "chat", "c", "", "Chat to send to (ID, prefix or name)")
	sendCmd.Flags().StringVarP(&sendModel, "model", "m", "", "Model for a new chat, as provider[:model]")
	sendCmd.Flags().StringVar(&sendPrefix, "prefix", "", "Message prefix for a new chat")
	sendCmd.RegisterFlagCompletionFunc("chat", chatCompletion)
	sendCmd.RegisterFlagCompletionFunc("model", modelCompletion)
	rootCmd.AddCommand(sendCmd)
}

func runSend(cmd *cobra.Command, args []string) error {
	text := strings.Join(args, " ")
	if text == "" && !term.IsTerminal(int(os.Stdin.Fd())) {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		text = string(data)
	}
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("nothing to send")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	chat, err := a.sendTarget(ctx)
	if err != nil {
		return err
	}

	sub := a.store.Subscribe(chat.ID)
	ex, err := a.coord.Send(ctx, chat.ID, text)
	if err != nil {
		sub.Close()
		if sendChat == "" {
			// Nothing was sent, so the chat created for this call is empty.
			a.store.DeleteChat(context.WithoutCancel(ctx), chat.ID)
		}
		return exitFor(err)
	}
	res := a.streamReply(os.Stdout, sub, ex)
	if err := settledError(res); err != nil {
		return err
	}
	if sendChat == "" {
		styles := ui.NewStyles(os.Stderr)
		fmt.Fprintln(os.Stderr, styles.Muted.Render("continue with: assischat send --chat "+store.ShortID(chat.ID)))
	}
	return nil
}

func (a *app) sendTarget(ctx context.Context) (store.Chat, error) {
	if sendChat != "" {
		return a.resolveChat(sendChat)
	}
	return a.store.CreateChat(ctx, defaultChatName(), resolveModel(live.Current(), sendModel), sendPrefix)
}
