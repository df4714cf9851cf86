package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/assischat/assischat/internal/store"
	"github.com/assischat/assischat/internal/ui"
)

var chatsCmd = &cobra.Command{
	Use:     "chats",
	Aliases: []string{"ls"},
	Short:   "Manage chats",
	Long: `List, create, show, rename, reconfigure and delete chats.

A chat can be referenced by its ID, a unique ID prefix, its name, or a
fuzzy match of its name.

Examples:
  assischat chats                          # list chats
  assischat chats --match 'work*'          # names matching a glob
  assischat chats new "rust questions" --model anthropic
  assischat chats show rust
  assischat chats set rust --prefix "Answer in one paragraph."
  assischat chats delete rust`,
	Args: cobra.NoArgs,
	RunE: runChatsList,
}

var chatsNewCmd = &cobra.Command{
	Use:   "new [name]",
	Short: "Create a chat",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runChatsNew,
}

var chatsShowCmd = &cobra.Command{
	Use:               "show <chat>",
	Short:             "Show a chat's transcript",
	Args:              cobra.ExactArgs(1),
	ValidArgsFunction: chatCompletion,
	RunE:              runChatsShow,
}

var chatsRenameCmd = &cobra.Command{
	Use:               "rename <chat> <name>",
	Short:             "Rename a chat",
	Args:              cobra.ExactArgs(2),
	ValidArgsFunction: chatCompletion,
	RunE:              runChatsRename,
}

var chatsSetCmd = &cobra.Command{
	Use:               "set <chat>",
	Short:             "Change a chat's model or message prefix",
	Args:              cobra.ExactArgs(1),
	ValidArgsFunction: chatCompletion,
	RunE:              runChatsSet,
}

var chatsDeleteCmd = &cobra.Command{
	Use:               "delete <chat>",
	Aliases:           []string{"rm"},
	Short:             "Delete a chat and its messages",
	Args:              cobra.ExactArgs(1),
	ValidArgsFunction: chatCompletion,
	RunE:              runChatsDelete,
}

var (
	chatsMatch  string
	chatsJSON   bool
	chatsModel  string
	chatsPrefix string
)

func init() {
	chatsCmd.Flags().StringVar(&chatsMatch, "match", "", "Only list chats whose name matches this glob")
	chatsCmd.Flags().BoolVar(&chatsJSON, "json", false, "Output as JSON")
	chatsShowCmd.Flags().BoolVar(&chatsJSON, "json", false, "Output as JSON")

	for _, c := range []*cobra.Command{chatsNewCmd, chatsSetCmd} {
		c.Flags().StringVarP(&chatsModel, "model", "m", "", "Model as provider[:model]")
		c.Flags().StringVar(&chatsPrefix, "prefix", "", "Text prepended to every message sent to the backend")
		c.RegisterFlagCompletionFunc("model", modelCompletion)
	}

	chatsCmd.AddCommand(chatsNewCmd, chatsShowCmd, chatsRenameCmd, chatsSetCmd, chatsDeleteCmd)
	rootCmd.AddCommand(chatsCmd)
}

type chatListEntry struct {
	store.Chat
	Messages int `json:"messages"`
}

func runChatsList(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	chats, err := store.MatchChats(a.store.Chats(), chatsMatch)
	if err != nil {
		return err
	}

	if chatsJSON {
		entries := make([]chatListEntry, 0, len(chats))
		for _, c := range chats {
			entries = append(entries, chatListEntry{Chat: c, Messages: len(a.store.Messages(c.ID))})
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}

	if len(chats) == 0 {
		fmt.Println("No chats yet. Start one with: assischat chat")
		return nil
	}

	styles := ui.NewStyles(os.Stdout)
	fmt.Println(styles.TableHeader.Render(fmt.Sprintf("%-8s  %-24s  %-32s  %5s  %s", "ID", "NAME", "MODEL", "MSGS", "UPDATED")))
	for _, c := range chats {
		fmt.Printf("%-8s  %s  %s  %5d  %s\n",
			store.ShortID(c.ID),
			ui.PadRight(ui.Truncate(c.Name, 24), 24),
			ui.PadRight(ui.Truncate(c.Model, 32), 32),
			len(a.store.Messages(c.ID)),
			ui.FormatRelativeTime(c.UpdatedAt))
	}
	return nil
}

func runChatsNew(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	name := defaultChatName()
	if len(args) > 0 {
		name = args[0]
	}
	chat, err := a.store.CreateChat(cmd.Context(), name, resolveModel(live.Current(), chatsModel), chatsPrefix)
	if err != nil {
		return err
	}
	styles := ui.NewStyles(os.Stdout)
	fmt.Println(styles.FormatResult(true, fmt.Sprintf("created %s (%s) using %s", chat.Name, store.ShortID(chat.ID), chat.Model)))
	return nil
}

func runChatsShow(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	chat, err := a.resolveChat(args[0])
	if err != nil {
		return err
	}
	messages := a.store.Messages(chat.ID)

	if chatsJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			Chat     store.Chat      `json:"chat"`
			Messages []store.Message `json:"messages"`
		}{chat, messages})
	}

	styles := ui.NewStyles(os.Stdout)
	fmt.Println(styles.Title.Render(chat.Name))
	fmt.Println(styles.Muted.Render(fmt.Sprintf("%s  %s  created %s", chat.ID, chat.Model, ui.FormatRelativeTime(chat.CreatedAt))))
	if chat.MessagePrefix != "" {
		fmt.Println(styles.Muted.Render("prefix: " + ui.Truncate(chat.MessagePrefix, 60)))
	}
	for i := len(messages) - 1; i >= 0; i-- {
		fmt.Println()
		fmt.Print(styles.RenderMessage(messages[i]))
	}
	return nil
}

func runChatsRename(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	chat, err := a.resolveChat(args[0])
	if err != nil {
		return err
	}
	name := args[1]
	if _, err := a.store.UpdateChat(cmd.Context(), chat.ID, store.ChatPatch{Name: &name}); err != nil {
		return err
	}
	fmt.Println(ui.NewStyles(os.Stdout).FormatResult(true, fmt.Sprintf("renamed %q to %q", chat.Name, name)))
	return nil
}

func runChatsSet(cmd *cobra.Command, args []string) error {
	var patch store.ChatPatch
	if cmd.Flags().Changed("model") {
		model := resolveModel(live.Current(), chatsModel)
		patch.Model = &model
	}
	if cmd.Flags().Changed("prefix") {
		patch.MessagePrefix = &chatsPrefix
	}
	if patch.Model == nil && patch.MessagePrefix == nil {
		return fmt.Errorf("nothing to change: pass --model and/or --prefix")
	}

	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	chat, err := a.resolveChat(args[0])
	if err != nil {
		return err
	}
	updated, err := a.store.UpdateChat(cmd.Context(), chat.ID, patch)
	if err != nil {
		return err
	}
	styles := ui.NewStyles(os.Stdout)
	fmt.Println(styles.FormatResult(true, fmt.Sprintf("%s now uses %s", updated.Name, updated.Model)))
	if err := a.coord.Available(updated.ID); err != nil {
		fmt.Println(styles.Muted.Render("note: " + err.Error()))
	}
	return nil
}

func runChatsDelete(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	chat, err := a.resolveChat(args[0])
	if err != nil {
		return err
	}
	if err := a.store.DeleteChat(cmd.Context(), chat.ID); err != nil {
		return err
	}
	fmt.Println(ui.NewStyles(os.Stdout).FormatResult(true, fmt.Sprintf("deleted %s (%s)", chat.Name, store.ShortID(chat.ID))))
	return nil
}
