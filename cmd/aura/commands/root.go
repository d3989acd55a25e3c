package commands

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/f3rmion/aura/internal/logging"
)

var (
	logLevel  string
	logFormat string
	logger    zerolog.Logger
)

// NewRootCommand returns the aura command tree.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "aura",
		Short:         "Threshold identity core tooling",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			log, err := logging.New(logging.Options{
				Level:  logLevel,
				Format: logging.Format(logFormat),
				Output: cmd.ErrOrStderr(),
			})
			if err != nil {
				return err
			}
			logger = log
			return nil
		},
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&logFormat, "log-format", string(logging.FormatConsole), "log format (console or json)")

	root.AddCommand(configCmd(), simulateCmd())
	return root
}

func Execute() error {
	return NewRootCommand().Execute()
}
