package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/openloom/plugin-server/pkg/config"
	"github.com/openloom/plugin-server/pkg/instance"
	"github.com/openloom/plugin-server/pkg/logger"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "plugin-server"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "plugin-server",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithField(ctx, "instance", instance.ID().String())

	service, err := newService(ctx, cfg, logg)
	if err != nil {
		logg.Error(ctx, "failed to bootstrap plugin server", err)
		os.Exit(1)
	}

	logg.Info(ctx, "starting plugin server")
	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "plugin server stopped unexpectedly", err)
		service.Close(context.Background())
		os.Exit(1)
	}

	service.Close(context.Background())
	logg.Info(ctx, "plugin server shut down gracefully")
}
