package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/assischat/assischat/internal/store"
	"github.com/assischat/assischat/internal/ui"
)

var messagesCmd = &cobra.Command{
	Use:   "messages",
	Short: "Delete or resend individual messages",
	Long: `Operate on single messages. A message is referenced by its ID or a
unique ID prefix, as printed by "assischat chats show".

Examples:
  assischat messages resend 3f2b9c1e
  assischat messages delete 3f2b9c1e 9a610c5d`,
}

var messagesDeleteCmd = &cobra.Command{
	Use:     "delete <message>...",
	Aliases: []string{"rm"},
	Short:   "Delete messages",
	Long: `Delete messages. Deleting a reply that is still streaming stops the
stream and discards its result.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runMessagesDelete,
}

var messagesResendCmd = &cobra.Command{
	Use:   "resend <message>",
	Short: "Regenerate an assistant reply in place",
	Args:  cobra.ExactArgs(1),
	RunE:  runMessagesResend,
}

func init() {
	messagesCmd.AddCommand(messagesDeleteCmd, messagesResendCmd)
	rootCmd.AddCommand(messagesCmd)
}

func runMessagesDelete(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	ids := make([]string, 0, len(args))
	for _, ref := range args {
		m, err := a.resolveMessage(ref)
		if err != nil {
			return err
		}
		ids = append(ids, m.ID)
	}
	if err := a.store.DeleteMessages(cmd.Context(), ids...); err != nil {
		return err
	}
	fmt.Println(ui.NewStyles(os.Stdout).FormatResult(true, fmt.Sprintf("deleted %d message(s)", len(ids))))
	return nil
}

func runMessagesResend(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	m, err := a.resolveMessage(args[0])
	if err != nil {
		return err
	}
	if m.Role != store.RoleAssistant {
		return fmt.Errorf("%s is a user message; resend the assistant reply that follows it", store.ShortID(m.ID))
	}

	sub := a.store.Subscribe(m.ChatID)
	ex, err := a.coord.Resend(ctx, m.ID)
	if err != nil {
		sub.Close()
		return exitFor(err)
	}
	return settledError(a.streamReply(os.Stdout, sub, ex))
}
