package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"duasync/internal/app"
	"duasync/internal/config"
	"duasync/internal/observability"
)

func main() {
	if err := run(); err != nil {
		log.Error().Err(err).Msg("duasync exited")
		os.Exit(1)
	}
}

// run loads configuration (file > env > defaults), starts the application
// and blocks until SIGINT or SIGTERM
func run() error {
	cfg := config.LoadConfigWithPrecedence(os.Getenv("DUASYNC_CONFIG_FILE"))
	observability.InitLogger("duasync", cfg.Log.Level, cfg.Log.Pretty)

	application, err := app.NewApplication(cfg)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("failed to start application: %w", err)
	}

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	return application.Stop(shutdownCtx)
}
