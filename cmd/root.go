package cmd

import (
	"errors"
	"log/slog"

	"github.com/spf13/cobra"

	"go.olrik.dev/pipemon/internal/core"
	"go.olrik.dev/pipemon/internal/session"
)

func NewRootCommand() *cobra.Command {
	var history int

	rootCmd := &cobra.Command{
		Use:   "pipemon [flags] <command> [args...]",
		Short: "Heartbeat watchdog for pipe-connected processes",
		Long: `pipemon runs a command and periodically writes a probe token to its
standard input, expecting the command to echo it back on standard output.

The command is interrupted and pipemon exits with status 1 when a probe is not
echoed within the timeout, comes back corrupted, or when more than the
allowed number of consecutive probes exceed the round trip threshold.
Interrupting pipemon stops the command and exits with status 0.

Settings are read from ~/` + core.BaseDirName + `/` + core.ConfigFileName + ` (or --config),
then PIPEMON_* environment variables, then flags.`,
		Example: `  pipemon ssh example.com cat
  pipemon --interval 5 --timeout 30 --rtt-threshold 0.2 ssh -T db1 cat
  pipemon --journal ~/.local/share/pipemon/journal.db --history 10`,
		Version:       core.FormatVersion(core.Version),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := core.Load(cmd.Flags())
			if err != nil {
				return err
			}

			if cmd.Flags().Changed("history") {
				return showHistory(cmd.OutOrStdout(), cfg.Journal, history)
			}
			if len(args) == 0 {
				return errors.New("no command given, see pipemon --help")
			}

			logger := newLogger(cmd.ErrOrStderr(), cfg.Verbose)
			slog.SetDefault(logger)
			if cfg.ConfigPath != "" {
				logger.Debug("Loaded configuration file", "path", cfg.ConfigPath)
			}

			return session.Run(cmd.Context(), session.Options{
				Config: cfg,
				Argv:   args,
				Logger: logger,
				Stdout: cmd.OutOrStdout(),
				Stderr: cmd.ErrOrStderr(),
			})
		},
	}

	// Everything after the command name belongs to the command.
	rootCmd.Flags().SetInterspersed(false)
	core.RegisterFlags(rootCmd.Flags())
	rootCmd.Flags().IntVar(&history, "history", 10, "Print the last N journaled sessions and exit")
	rootCmd.SetVersionTemplate("pipemon {{.Version}}\n")

	return rootCmd
}
