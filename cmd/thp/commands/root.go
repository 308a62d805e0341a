package commands

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	logLevel      string
	loggerFactory *logrusFactory
)

// Execute runs the root command.
func Execute() error {
	root := &cobra.Command{
		Use:          "thp",
		Short:        "Trezor Host Protocol device emulator and host client",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := logrus.ParseLevel(logLevel)
			if err != nil {
				return err
			}
			logger := logrus.New()
			logger.SetLevel(level)
			logger.SetOutput(cmd.ErrOrStderr())
			loggerFactory = newLogrusFactory(logger)
			return nil
		},
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")

	root.AddCommand(serveCmd(), pingCmd())
	return root.Execute()
}
