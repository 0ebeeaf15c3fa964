// Command entityd boots the entity layer runtime and keeps it alive until
// interrupted. Applications embedding the layer as a library do the same
// wiring through engine.New.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/R3E-Network/entity_layer/internal/config"
	"github.com/R3E-Network/entity_layer/internal/engine"
	"github.com/R3E-Network/entity_layer/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.NewDefault("entityd").WithError(err).Fatal("load configuration")
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	eng, err := engine.New(cfg, log)
	if err != nil {
		log.WithError(err).Fatal("build engine")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := eng.Start(ctx); err != nil {
		log.WithError(err).Fatal("start engine")
	}

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := eng.Stop(shutdownCtx); err != nil {
		log.WithError(err).Error("shutdown incomplete")
		os.Exit(1)
	}
}
