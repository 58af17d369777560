// Package main provides the local CORS-bypass proxy binary.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/funkpopo/writebot-sub002/internal/config"
	"github.com/funkpopo/writebot-sub002/internal/logging"
	"github.com/funkpopo/writebot-sub002/internal/server"
)

var (
	// Version information set at build time
	Version   = "0.1.0"
	BuildTime = "dev"
)

var (
	listenAddr string
	logLevel   string
	directory  string
)

var rootCmd = &cobra.Command{
	Use:   "writebot-proxy",
	Short: "Local proxy that relays provider API calls past browser CORS limits",
	Long: `writebot-proxy runs a small local HTTP server exposing
/api/proxy?target=<url>. Browser-hosted clients whose direct provider
calls fail on CORS or network policy route through it instead.`,
	Version: Version,
	RunE:    runProxy,
}

func init() {
	rootCmd.Flags().StringVarP(&listenAddr, "listen", "l", "", "Bind address (default 127.0.0.1:8765)")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "Log level (debug|info|warn|error)")
	rootCmd.Flags().StringVar(&directory, "directory", "", "Config directory")
	rootCmd.SetVersionTemplate(fmt.Sprintf("writebot-proxy %s (%s)\n", Version, BuildTime))
}

func runProxy(cmd *cobra.Command, args []string) error {
	workDir := directory
	if workDir == "" {
		var err error
		workDir, err = os.Getwd()
		if err != nil {
			return err
		}
	}

	appConfig, err := config.Load(workDir)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level := logLevel
	if level == "" {
		level = appConfig.LogLevel
	}
	logging.Init(logging.Config{Level: logging.ParseLevel(level)})
	log := logging.ForComponent("proxy")

	srvConfig := server.DefaultConfig()
	if appConfig.Proxy.Listen != "" {
		srvConfig.Listen = appConfig.Proxy.Listen
	}
	if listenAddr != "" {
		srvConfig.Listen = listenAddr
	}

	srv := server.New(srvConfig)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
