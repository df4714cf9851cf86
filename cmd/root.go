package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/assischat/assischat/internal/config"
	"github.com/assischat/assischat/internal/exitcode"
)

var (
	configPath string
	logLevel   string
	logFormat  string

	// live is loaded once per invocation by the root pre-run hook.
	live *config.Live
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: $XDG_CONFIG_HOME/assischat/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format: text or json")
}

var rootCmd = &cobra.Command{
	Use:   "assischat",
	Short: "Chat with LLM backends from the terminal",
	Long: `assischat keeps chats with LLM backends and streams replies as they arrive.

Examples:
  assischat chat                         # interactive chat in a new conversation
  assischat chat work                    # continue the chat named "work"
  assischat send "explain CRDTs briefly" # one-shot message
  assischat chats                        # list chats
  assischat config set-key anthropic     # store a validated API key
  assischat serve                        # HTTP + websocket API`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		l, err := config.NewLive(configPath, nil)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		live = l

		logger, err := newLogger(live.Current().Log)
		if err != nil {
			return err
		}
		slog.SetDefault(logger)
		live.SetLogger(logger)
		return nil
	},
}

// newLogger builds the stderr logger. Flags win over the config file.
func newLogger(cfg config.LogConfig) (*slog.Logger, error) {
	levelName := cfg.Level
	if logLevel != "" {
		levelName = logLevel
	}
	format := cfg.Format
	if logFormat != "" {
		format = logFormat
	}

	if levelName == "" {
		levelName = "info"
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(levelName)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", levelName)
	}
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q (want text or json)", format)
	}
}

func Execute() {
	err := rootCmd.Execute()
	if err == nil {
		return
	}
	var exitErr exitcode.ExitError
	if errors.As(err, &exitErr) {
		if exitErr.Code != exitcode.Cancelled {
			fmt.Fprintln(os.Stderr, "Error:", exitErr.Message)
		}
		os.Exit(exitErr.Code)
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	os.Exit(exitcode.Error)
}
