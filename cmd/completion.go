package cmd

import (
	"context"
	"strings"

	"github.com/spf13/cobra"

	"github.com/assischat/assischat/internal/config"
	"github.com/assischat/assischat/internal/store"
)

// completionConfig returns the active config. Completion requests skip the
// root pre-run hook, so the file may still need loading.
func completionConfig() *config.Config {
	if live != nil {
		return live.Current()
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil
	}
	return cfg
}

// providerCompletion completes configured and built-in provider names.
func providerCompletion(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	cfg := completionConfig()
	if cfg == nil {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	var out []string
	for _, name := range cfg.ProviderNames() {
		if strings.HasPrefix(name, toComplete) {
			out = append(out, name)
		}
	}
	return out, cobra.ShellCompDirectiveNoFileComp
}

// modelCompletion completes provider[:model] references.
func modelCompletion(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	cfg := completionConfig()
	if cfg == nil {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	var out []string
	for _, name := range cfg.ProviderNames() {
		ref := cfg.ModelRef(name, "")
		if strings.HasPrefix(ref, toComplete) {
			out = append(out, ref)
		} else if strings.HasPrefix(name, toComplete) {
			out = append(out, name+":")
		}
	}
	// If completing provider name (no colon), don't add space so user can type ":"
	if !strings.Contains(toComplete, ":") {
		return out, cobra.ShellCompDirectiveNoFileComp | cobra.ShellCompDirectiveNoSpace
	}
	return out, cobra.ShellCompDirectiveNoFileComp
}

// chatCompletion completes chat names from the persisted store without
// opening it for writing.
func chatCompletion(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if len(args) > 0 {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	cfg := completionConfig()
	if cfg == nil {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	p, err := store.NewPersister(cfg.Store)
	if err != nil {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	defer p.Close()
	chats, _, err := p.Load(context.Background())
	if err != nil {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	var out []string
	for _, c := range chats {
		if strings.HasPrefix(strings.ToLower(c.Name), strings.ToLower(toComplete)) {
			out = append(out, c.Name+"\t"+store.ShortID(c.ID))
		}
	}
	return out, cobra.ShellCompDirectiveNoFileComp
}
