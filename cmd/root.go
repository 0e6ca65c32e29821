package cmd

import (
	"fmt"
	"os"

	"commentsync/config"
	"commentsync/logger"

	"github.com/spf13/cobra"
)

var (
	cfgFile          string
	appLogPathFlag   string
	proxyLogPathFlag string
	logLevelFlag     string
)

var rootCmd = &cobra.Command{
	Use:   "commentsync",
	Short: "Keeps a comment page's list tagged with the ids of its comments",
	Long: `commentsync sits between your browser and the comment site. A local MITM
proxy injects a small bridge script into comment pages and watches the page's
own comment API calls; the sync loop fetches the comment list and tags every
rendered comment element with its comment id, following navigation, new
comments and sort changes.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Init(cfgFile, appLogPathFlag, proxyLogPathFlag, logLevelFlag); err != nil {
			return fmt.Errorf("failed to initialize config in PersistentPreRunE: %w", err)
		}
		logger.Debug("PersistentPreRunE: configuration ready for '%s'", cmd.Name())
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/commentsync/config.yaml or ./config.yaml)")
	rootCmd.PersistentFlags().StringVar(&appLogPathFlag, "app-log", "", "path for the application log file (overrides config/default)")
	rootCmd.PersistentFlags().StringVar(&proxyLogPathFlag, "proxy-log", "", "path for the proxy log file (overrides config/default)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "log level: DEBUG, INFO, WARN, ERROR (overrides config/default)")
}
