package commands

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/mintlabs/chatpipe/pkg/config"
)

var (
	cfgFile   string
	sessionID string
	verbose   bool

	globalConfig *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "chatpipe",
	Short: "Streaming chat pipeline CLI",
	Long: `chatpipe - a streaming chat client with leak scrubbing and failover.

It streams model replies token by token, removes leaked tool-call and
routing JSON from the visible text, enforces watchdog timeouts, and
falls back to a non-streaming call when the stream stalls.

Examples:
  # Start an interactive chat
  chatpipe chat

  # Use a specific config and session
  chatpipe --config ./config.yaml chat --session work
`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ~/.chatpipe/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&sessionID, "session", "default", "conversation session id")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")

	rootCmd.AddCommand(chatCmd)
}

func initConfig() {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := config.Load(cfgFile)
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}
	globalConfig = cfg
}
