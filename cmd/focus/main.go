package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/confmesh/focus/internal/focus/app"
	"github.com/confmesh/focus/internal/focus/config"
	"github.com/confmesh/focus/internal/logger"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	logger.InitLogger(os.Stdout)
	logger.SetLevel(cfg.LogLevel)

	conn, muc, err := app.DialTransport(cfg)
	if err != nil {
		slog.Error("Failed to connect to XMPP", "error", err)
		os.Exit(1)
	}

	focus, err := app.NewFocus(cfg, conn, muc)
	if err != nil {
		slog.Error("Failed to create focus", "error", err)
		os.Exit(1)
	}

	run(focus, cfg)
}

func run(focus *app.Focus, cfg *config.Config) {
	slog.Info("Starting Conference Focus",
		"http", cfg.HTTPAddr,
		"strategy", cfg.SelectionStrategy,
		"bridgeBrewery", cfg.BridgeBrewery,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := focus.Start(ctx); err != nil {
		slog.Error("Failed to start focus", "error", err)
		os.Exit(1)
	}

	// Wait for signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	slog.Info("Received signal, shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	focus.Stop(shutdownCtx)
}
