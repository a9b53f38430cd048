// ABOUTME: Entrypoint for the webchat proxy server
// ABOUTME: Loads configuration, wires the proxy, and runs until signaled

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/2389/webchat-proxy/internal/config"
	"github.com/2389/webchat-proxy/internal/proxy"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "webchat-proxy: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := cfg.NewLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server, err := proxy.New(cfg, logger)
	if err != nil {
		return err
	}

	logger.Info("starting webchat-proxy", "addr", cfg.ListenAddr(), "database", cfg.DatabasePath)
	return server.Run(ctx)
}
