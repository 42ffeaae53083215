// Command loader watches LOADER_SOURCE_DIR and ingests every PDF dropped
// into it, moving processed files to the archive or bad folder.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"contractrag/app/logger"
	"contractrag/app/server"
	"contractrag/config"
	"contractrag/loader/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(logger.New(os.Stderr, logger.Options{
		Level:     cfg.LogLevel,
		Format:    cfg.LogFormat,
		RedactPII: cfg.LogPIIRedaction,
	}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := server.New(ctx, cfg)
	if err != nil {
		slog.Error("[LOADER] startup failed", "error", err)
		os.Exit(1)
	}

	// Запускаем сервис
	if err := service.New(cfg.Loader, s.Ingestor()).Run(ctx); err != nil {
		slog.Error("[LOADER] service failed", "error", err)
	}

	slog.Info("[LOADER] closing connections")
	if err := s.Close(); err != nil {
		slog.Error("[LOADER] close", "error", err)
	}
}
