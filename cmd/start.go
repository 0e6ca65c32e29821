package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"commentsync/api"
	"commentsync/config"
	"commentsync/core"
	"commentsync/logger"

	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

var (
	startServerPort string
	startProxyPort  string
	startNoProxy    bool
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Starts the sync loop, the status API with the page bridge, and the MITM proxy",
	Long: `Starts the sync controller, the status API / page bridge server and the
MITM proxy concurrently. Point your browser at the proxy and trust the CA
generated by 'proxy init-ca'. Press Ctrl+C to gracefully shut down all services.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger.Info("Start: launching sync loop, API and proxy")

		actualServerPort := startServerPort
		if !cmd.Flags().Changed("server-port") {
			actualServerPort = config.AppConfig.Server.Port
		}
		actualProxyPort := startProxyPort
		if !cmd.Flags().Changed("proxy-port") {
			actualProxyPort = config.AppConfig.Proxy.Port
		}
		logger.Info("Start: API on :%s, proxy on :%s (disabled: %t)", actualServerPort, actualProxyPort, startNoProxy)

		svc, err := newServices(config.AppConfig)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		var wg sync.WaitGroup

		// --- Sync controller ---
		wg.Add(1)
		go func() {
			defer wg.Done()
			svc.controller.Run(ctx)
		}()

		// --- API server and page bridge ---
		wg.Add(1)
		go func(parentCtx context.Context) {
			defer wg.Done()
			if err := serveAPI(parentCtx, actualServerPort, svc); err != nil {
				logger.Error("Start(API): %v", err)
				cancel()
			}
			logger.Info("Start(API): stopped")
		}(ctx)

		// --- MITM proxy ---
		if !startNoProxy {
			wg.Add(1)
			go func(parentCtx context.Context) {
				defer wg.Done()
				caCertPath := config.AppConfig.Proxy.CACertPath
				caKeyPath := config.AppConfig.Proxy.CAKeyPath
				logger.ProxyInfo("Start(Proxy): CA %s / %s", caCertPath, caKeyPath)
				if err := core.StartMitmProxy(parentCtx, actualProxyPort, caCertPath, caKeyPath, svc.proxyConfig(config.AppConfig)); err != nil {
					logger.Error("Start(Proxy): %v", err)
					cancel()
				}
				logger.ProxyInfo("Start(Proxy): stopped")
			}(ctx)
		}

		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		logger.Info("Start: running, Ctrl+C to exit")

		select {
		case sig := <-sigs:
			logger.Info("Start: %s received, shutting down", sig)
		case <-ctx.Done():
			logger.Info("Start: a service failed, shutting down")
		}
		cancel()

		shutdownComplete := make(chan struct{})
		go func() {
			wg.Wait()
			close(shutdownComplete)
		}()
		select {
		case <-shutdownComplete:
			logger.Info("Start: all services stopped")
		case <-time.After(shutdownTimeout):
			logger.Error("Start: shutdown timed out after %s", shutdownTimeout)
		}
		return nil
	},
}

// serveAPI serves the status API, metrics and the page bridge until ctx is
// done.
func serveAPI(ctx context.Context, port string, svc *services) error {
	server := &http.Server{
		Addr: ":" + port,
		Handler: api.NewRouter(api.Services{
			Sync:           svc.controller,
			Snapshots:      svc.interceptor,
			SnapshotMaxAge: config.AppConfig.Sync.SnapshotMaxAge,
			Bridge:         svc.bridge,
			BridgeState:    svc.bridge,
			BridgePath:     config.AppConfig.Bridge.Path,
		}),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("API server: graceful shutdown failed: %v", err)
		}
	}()

	logger.Info("API server: listening on :%s (bridge at %s)", port, config.AppConfig.Bridge.Path)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func init() {
	startCmd.Flags().StringVar(&startServerPort, "server-port", "8778", "Port for the status API and page bridge (overrides config)")
	startCmd.Flags().StringVar(&startProxyPort, "proxy-port", "8777", "Port for the MITM proxy server (overrides config)")
	startCmd.Flags().BoolVar(&startNoProxy, "no-proxy", false, "Do not start the MITM proxy (the bridge script is loaded some other way)")
	rootCmd.AddCommand(startCmd)
}
