package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"dextrack/internal/app"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bootstrap := app.NewBootstrap()
	if err := bootstrap.Initialize(ctx); err != nil {
		slog.Error("❌ Bootstrapping failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer bootstrap.Shutdown()

	if err := bootstrap.StartTrackers(ctx); err != nil {
		slog.Error("❌ Tracker startup failed", slog.Any("error", err))
		os.Exit(1)
	}

	slog.InfoContext(ctx, "✨ dextrack operational. Press Ctrl+C to exit.")

	<-ctx.Done()

	slog.InfoContext(ctx, "👋 Shutting down gracefully...")
}
