package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/utafrali/catalog-sync/internal/app"
	"github.com/utafrali/catalog-sync/internal/config"
	"github.com/utafrali/catalog-sync/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New("catalog-sync", cfg.LogLevel)

	application, err := app.NewApp(cfg, log)
	if err != nil {
		log.Error("failed to initialize application", "error", err.Error())
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil {
		log.Error("application exited with error", "error", err.Error())
		os.Exit(1)
	}
}
