package cmd

import (
	"fmt"

	"commentsync/bridge"
	"commentsync/config"
	"commentsync/core"
	"commentsync/logger"

	"github.com/spf13/cobra"
)

var proxyCmd = &cobra.Command{
	Use:   "proxy",
	Short: "Manages the MITM proxy's CA and the page bridge script it injects",
}

var proxyInitCACmd = &cobra.Command{
	Use:   "init-ca",
	Short: "Initializes (generates) the root CA certificate and key for the MITM proxy",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println("Initializing Proxy CA...")
		certPath := config.AppConfig.Proxy.CACertPath
		keyPath := config.AppConfig.Proxy.CAKeyPath

		if certPath == "" || keyPath == "" {
			logger.Error("CA certificate or key path is not defined in configuration.")
			return fmt.Errorf("proxy.ca_cert_path and proxy.ca_key_path must be set")
		}
		if err := core.GenerateAndSaveCA(certPath, keyPath); err != nil {
			return fmt.Errorf("error generating CA, check logs for details: %w", err)
		}
		fmt.Printf("CA certificate saved to %s\n", certPath)
		fmt.Println("Please import the CA certificate into your browser/system's trust store.")
		return nil
	},
}

var proxyShimCmd = &cobra.Command{
	Use:   "shim",
	Short: "Prints the page bridge <script> the proxy injects",
	Long: `Prints the page bridge script. Use it with 'start --no-proxy' when the
script is installed in the browser some other way, e.g. a userscript manager.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.AppConfig
		script, err := bridge.ShimScript(bridge.ShimConfig{
			BridgeURL:   cfg.Bridge.PublicURL,
			Container:   cfg.Selectors.Container,
			Item:        cfg.Selectors.Item,
			SortLabel:   cfg.Selectors.SortLabel,
			IDAttribute: cfg.Selectors.IDAttribute,
		})
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), script)
		return nil
	},
}

func init() {
	proxyCmd.AddCommand(proxyInitCACmd)
	proxyCmd.AddCommand(proxyShimCmd)
	rootCmd.AddCommand(proxyCmd)
}
