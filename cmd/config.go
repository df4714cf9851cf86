package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/assischat/assischat/internal/config"
	"github.com/assischat/assischat/internal/llm"
	"github.com/assischat/assischat/internal/ui"
)

const validateTimeout = 20 * time.Second

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View and edit configuration",
	Long: `View and edit the assischat configuration file.

API keys may be literal values or references resolved on use:
  op://vault/item/field   1Password CLI
  srv://_service._tcp.host  DNS SRV lookup (endpoints)
  $(command)              output of a shell command
  $ENV_VAR                environment variable

Examples:
  assischat config                       # show config with keys masked
  assischat config set-key anthropic     # prompt, validate and store a key
  assischat config use anthropic         # make anthropic the default
  assischat config providers             # which providers are usable`,
	Args: cobra.NoArgs,
	RunE: runConfigShow,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file location",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(live.Path())
	},
}

var configSetKeyCmd = &cobra.Command{
	Use:   "set-key <provider> [key]",
	Short: "Validate and store an API key",
	Long: `Validate an API key with one authenticated request and store it. Without
a key argument the key is read from the terminal without echo, or from
stdin when it is not a terminal.`,
	Args:              cobra.RangeArgs(1, 2),
	ValidArgsFunction: providerCompletion,
	RunE:              runConfigSetKey,
}

var configValidateCmd = &cobra.Command{
	Use:               "validate [provider]...",
	Short:             "Check configured credentials against their backends",
	ValidArgsFunction: providerCompletion,
	RunE:              runConfigValidate,
}

var configUseCmd = &cobra.Command{
	Use:               "use <provider[:model]>",
	Short:             "Set the default provider and model for new chats",
	Args:              cobra.ExactArgs(1),
	ValidArgsFunction: modelCompletion,
	RunE:              runConfigUse,
}

var configProvidersCmd = &cobra.Command{
	Use:   "providers",
	Short: "List providers and whether they are usable",
	Args:  cobra.NoArgs,
	RunE:  runConfigProviders,
}

var (
	setKeyEndpoint   string
	setKeyNoValidate bool
)

func init() {
	configSetKeyCmd.Flags().StringVar(&setKeyEndpoint, "endpoint", "", "Endpoint for OpenAI-compatible providers")
	configSetKeyCmd.Flags().BoolVar(&setKeyNoValidate, "no-validate", false, "Store the key without checking it")
	configCmd.AddCommand(configPathCmd, configSetKeyCmd, configValidateCmd, configUseCmd, configProvidersCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg := live.Current().Clone()
	for name, pc := range cfg.Providers {
		pc.APIKey = maskKey(pc.APIKey)
		cfg.Providers[name] = pc
	}
	cfg.Serve.Token = maskKey(cfg.Serve.Token)

	styles := ui.NewStyles(os.Stdout)
	fmt.Println(styles.Muted.Render("# " + live.Path()))
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	fmt.Print(string(out))
	return nil
}

// maskKey hides literal secrets but leaves references readable.
func maskKey(key string) string {
	switch {
	case key == "":
		return ""
	case strings.HasPrefix(key, "op://"), strings.HasPrefix(key, "srv://"), strings.HasPrefix(key, "$"):
		return key
	case len(key) <= 8:
		return "****"
	default:
		return key[:4] + "****" + key[len(key)-4:]
	}
}

func runConfigSetKey(cmd *cobra.Command, args []string) error {
	name := args[0]
	key := ""
	if len(args) > 1 {
		key = args[1]
	} else {
		k, err := readSecret(fmt.Sprintf("API key for %s: ", name))
		if err != nil {
			return err
		}
		key = k
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("empty key")
	}

	styles := ui.NewStyles(os.Stdout)
	if !setKeyNoValidate {
		settings, err := live.Current().Settings(name + ":")
		if err != nil {
			return err
		}
		settings.Credential = key
		if setKeyEndpoint != "" {
			settings.Endpoint = setKeyEndpoint
		}
		if ok, err := validateSettings(cmd.Context(), settings); !ok {
			if err == nil {
				err = errors.New("the backend rejected the key")
			}
			fmt.Println(styles.FormatResult(false, fmt.Sprintf("%s: %v", name, err)))
			return errors.New("key not saved")
		}
	}

	if err := live.Update(func(c *config.Config) {
		c.SetCredential(name, key, setKeyEndpoint)
	}); err != nil {
		return err
	}
	fmt.Println(styles.FormatResult(true, fmt.Sprintf("saved key for %s to %s", name, live.Path())))
	return nil
}

func readSecret(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		var line string
		if _, err := fmt.Fscanln(os.Stdin, &line); err != nil {
			return "", fmt.Errorf("read key: %w", err)
		}
		return line, nil
	}
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read key: %w", err)
	}
	return string(b), nil
}

// validateSettings builds the provider and performs its one authenticated
// round-trip. The error explains why no request could be made.
func validateSettings(ctx context.Context, s llm.Settings) (bool, error) {
	p, err := llm.NewProvider(s)
	if err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(ctx, validateTimeout)
	defer cancel()
	return p.ValidateConfig(ctx), nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg := live.Current()
	names := args
	if len(names) == 0 {
		for name := range cfg.Providers {
			names = append(names, name)
		}
		if len(names) == 0 {
			return errors.New("no providers configured; add one with: assischat config set-key <provider>")
		}
	}

	slices.Sort(names)

	styles := ui.NewStyles(os.Stdout)
	failed := 0
	for _, name := range names {
		settings, err := cfg.Settings(name + ":")
		ok := false
		if err == nil {
			ok, err = validateSettings(cmd.Context(), settings)
		}
		switch {
		case ok:
			fmt.Println(styles.FormatResult(true, name))
		case err != nil:
			failed++
			fmt.Println(styles.FormatResult(false, fmt.Sprintf("%s: %v", name, err)))
		default:
			failed++
			fmt.Println(styles.FormatResult(false, name+": credential rejected or backend unreachable"))
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d provider(s) failed validation", failed)
	}
	return nil
}

func runConfigUse(cmd *cobra.Command, args []string) error {
	ref := resolveModel(live.Current(), args[0])
	provider, model := config.ParseModelRef(ref, "")
	if err := live.Update(func(c *config.Config) {
		c.ApplyOverrides(provider, model)
	}); err != nil {
		return err
	}
	fmt.Println(ui.NewStyles(os.Stdout).FormatResult(true, "new chats will use "+ref))
	return nil
}

func runConfigProviders(cmd *cobra.Command, args []string) error {
	cfg := live.Current()
	styles := ui.NewStyles(os.Stdout)
	for _, name := range cfg.ProviderNames() {
		ref := cfg.ModelRef(name, "")
		usable := false
		settings, err := cfg.Settings(ref)
		if err == nil {
			_, err = llm.NewProvider(settings)
			usable = err == nil
		}
		icon := styles.Muted.Render(ui.DisabledIcon)
		if usable {
			icon = styles.Success.Render(ui.EnabledIcon)
		}
		line := fmt.Sprintf("%s %-12s %s", icon, name, styles.Muted.Render(ref))
		if name == cfg.DefaultProvider {
			line += " " + styles.Title.Render("(default)")
		}
		fmt.Println(line)
	}
	return nil
}
